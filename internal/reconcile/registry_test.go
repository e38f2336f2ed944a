package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedIntegration(t *testing.T, store *SQLiteStore, settings []EntitySetting) *Integration {
	t.Helper()

	in := &Integration{
		ID:             "int-1",
		TenantID:       "tenant-1",
		OrganizationID: "org-1",
		Provider:       "github",
	}
	require.NoError(t, store.CreateIntegration(context.Background(), in, settings))

	return in
}

func TestIntegrationRoundtrip(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	seedIntegration(t, store, []EntitySetting{
		{Kind: KindIssue, Sync: true},
		{Kind: KindLabel, Sync: true, TiedTo: KindIssue},
		{Kind: KindProject, Sync: false},
	})

	in, err := store.GetIntegration(ctx, "int-1")
	require.NoError(t, err)
	assert.Equal(t, "github", in.Provider)
	assert.True(t, in.IsActive)
	assert.Nil(t, in.LastSyncedAt)

	_, ok := in.LastSyncedTime()
	assert.False(t, ok, "no sync has happened yet")

	settings, err := store.EntitySettings(ctx, "int-1")
	require.NoError(t, err)
	require.Len(t, settings, 3)

	byKind := make(map[EntityKind]EntitySetting, len(settings))
	for _, s := range settings {
		byKind[s.Kind] = s
	}

	assert.True(t, byKind[KindIssue].Sync)
	assert.Equal(t, KindIssue, byKind[KindLabel].TiedTo)
	assert.False(t, byKind[KindProject].Sync)
}

func TestGetIntegrationMiss(t *testing.T) {
	store := testStore(t)

	_, err := store.GetIntegration(context.Background(), "nope")
	require.ErrorIs(t, err, ErrIntegrationNotFound)
}

func TestTouchLastSynced(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	seedIntegration(t, store, nil)

	before := time.Now()
	require.NoError(t, store.TouchLastSynced(ctx, "int-1"))

	in, err := store.GetIntegration(ctx, "int-1")
	require.NoError(t, err)

	synced, ok := in.LastSyncedTime()
	require.True(t, ok)
	assert.WithinDuration(t, before, synced, time.Minute)
}

func TestRepositoryStatusTransitions(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	seedIntegration(t, store, nil)

	repo := &Repository{
		ID:            "repo-row-1",
		IntegrationID: "int-1",
		SourceID:      "9001",
		Name:          "intermap",
		Owner:         "opsgrid",
		AutoSync:      true,
	}
	require.NoError(t, store.SaveRepository(ctx, repo))

	loaded, err := store.GetRepository(ctx, "repo-row-1")
	require.NoError(t, err)
	assert.Equal(t, RepoStatusIdle, loaded.SyncStatus)

	for _, status := range []RepositorySyncStatus{RepoStatusSyncing, RepoStatusSuccess} {
		require.NoError(t, store.SetRepositoryStatus(ctx, "repo-row-1", status))

		loaded, err = store.GetRepository(ctx, "repo-row-1")
		require.NoError(t, err)
		assert.Equal(t, status, loaded.SyncStatus)
	}
}

func TestSaveRepositoryUpsertKeepsStatus(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	seedIntegration(t, store, nil)

	repo := &Repository{
		ID:            "repo-row-1",
		IntegrationID: "int-1",
		SourceID:      "9001",
		Name:          "intermap",
		Owner:         "opsgrid",
		AutoSync:      true,
	}
	require.NoError(t, store.SaveRepository(ctx, repo))
	require.NoError(t, store.SetRepositoryStatus(ctx, "repo-row-1", RepoStatusSuccess))

	// Re-saving the same repository updates its fields but never resets
	// the sync status.
	repo.Name = "intermap-renamed"
	repo.AutoSyncLabel = "sync-me"
	require.NoError(t, store.SaveRepository(ctx, repo))

	loaded, err := store.GetRepository(ctx, "repo-row-1")
	require.NoError(t, err)
	assert.Equal(t, "intermap-renamed", loaded.Name)
	assert.Equal(t, "sync-me", loaded.AutoSyncLabel)
	assert.Equal(t, RepoStatusSuccess, loaded.SyncStatus)
}

func TestShouldSyncIssue(t *testing.T) {
	tests := []struct {
		name   string
		repo   Repository
		labels []string
		want   bool
	}{
		{"auto-sync off", Repository{AutoSync: false}, []string{"bug"}, false},
		{"no gate label", Repository{AutoSync: true}, nil, true},
		{"gate label present", Repository{AutoSync: true, AutoSyncLabel: "sync-me"}, []string{"bug", "sync-me"}, true},
		{"gate label absent", Repository{AutoSync: true, AutoSyncLabel: "sync-me"}, []string{"bug"}, false},
		{"gate label, no labels", Repository{AutoSync: true, AutoSyncLabel: "sync-me"}, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.repo.ShouldSyncIssue(tt.labels))
		})
	}
}
