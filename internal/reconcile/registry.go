package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Integration is one configured third-party connection.
type Integration struct {
	ID             string
	TenantID       string
	OrganizationID string
	Provider       string
	IsActive       bool
	LastSyncedAt   *int64 // Unix nanoseconds, nil before the first sync
}

// EntitySetting controls whether one entity kind syncs for an integration.
// Kinds tied to a parent kind sync only in that parent's scope.
type EntitySetting struct {
	Kind   EntityKind
	Sync   bool
	TiedTo EntityKind // "" for top-level kinds
}

// RepositorySyncStatus tracks the lifecycle of a repository sync pass.
type RepositorySyncStatus string

const (
	RepoStatusIdle    RepositorySyncStatus = "idle"
	RepoStatusSyncing RepositorySyncStatus = "syncing"
	RepoStatusSuccess RepositorySyncStatus = "success"
	RepoStatusError   RepositorySyncStatus = "error"
)

// Repository is a source-control repository linked to an integration.
// Repositories are mapping-only: no canonical record exists for them, the
// registry row id serves as the canonical id.
type Repository struct {
	ID            string
	IntegrationID string
	SourceID      string
	Name          string
	Owner         string
	SyncStatus    RepositorySyncStatus
	AutoSync      bool
	AutoSyncLabel string // non-empty: sync issues only when this label is present
	UpdatedAt     int64
}

// ShouldSyncIssue reports whether an inbound issue with the given label set
// should be reconciled for this repository.
func (r *Repository) ShouldSyncIssue(labels []string) bool {
	if !r.AutoSync {
		return false
	}

	if r.AutoSyncLabel == "" {
		return true
	}

	for _, l := range labels {
		if l == r.AutoSyncLabel {
			return true
		}
	}

	return false
}

// ErrIntegrationNotFound is returned for lookups of unknown integrations.
var ErrIntegrationNotFound = errors.New("reconcile: integration not found")

// SQL statements for the integration registry.
const (
	sqlGetIntegration = `SELECT id, tenant_id, organization_id, provider, is_active, last_synced_at
		FROM integrations WHERE id = ?`

	sqlTouchLastSynced = `UPDATE integrations SET last_synced_at = ?, updated_at = ? WHERE id = ?`

	sqlListEntitySettings = `SELECT entity_kind, sync, tied_to
		FROM entity_settings WHERE integration_id = ? ORDER BY entity_kind`

	sqlSetRepositoryStatus = `UPDATE repositories SET sync_status = ?, updated_at = ?
		WHERE id = ?`

	sqlGetRepository = `SELECT id, integration_id, source_id, name, owner,
		sync_status, auto_sync, auto_sync_label, updated_at
		FROM repositories WHERE id = ?`

	sqlUpsertRepository = `INSERT INTO repositories
		(id, integration_id, source_id, name, owner, sync_status, auto_sync, auto_sync_label, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(integration_id, source_id) DO UPDATE SET
		 name = excluded.name,
		 owner = excluded.owner,
		 auto_sync = excluded.auto_sync,
		 auto_sync_label = excluded.auto_sync_label,
		 updated_at = excluded.updated_at`

	sqlInsertIntegration = `INSERT INTO integrations
		(id, tenant_id, organization_id, provider, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?)`

	sqlUpsertEntitySetting = `INSERT INTO entity_settings
		(integration_id, entity_kind, sync, tied_to)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(integration_id, entity_kind) DO UPDATE SET
		 sync = excluded.sync,
		 tied_to = excluded.tied_to`
)

// GetIntegration loads one integration row.
func (s *SQLiteStore) GetIntegration(ctx context.Context, id string) (*Integration, error) {
	var (
		in           Integration
		isActive     int
		lastSyncedAt sql.NullInt64
	)

	err := s.integrationStmts.get.QueryRowContext(ctx, id).Scan(
		&in.ID, &in.TenantID, &in.OrganizationID, &in.Provider, &isActive, &lastSyncedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reconcile: integration %s: %w", id, ErrIntegrationNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("reconcile: loading integration %s: %w", id, err)
	}

	in.IsActive = isActive != 0

	if lastSyncedAt.Valid {
		in.LastSyncedAt = &lastSyncedAt.Int64
	}

	return &in, nil
}

// CreateIntegration registers a new third-party connection with its entity
// settings.
func (s *SQLiteStore) CreateIntegration(ctx context.Context, in *Integration, settings []EntitySetting) error {
	now := s.nowFunc().UnixNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("reconcile: begin create integration: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, sqlInsertIntegration,
		in.ID, in.TenantID, in.OrganizationID, in.Provider, now, now)
	if err != nil {
		return fmt.Errorf("reconcile: inserting integration %s: %w", in.ID, err)
	}

	for _, setting := range settings {
		_, err = tx.ExecContext(ctx, sqlUpsertEntitySetting,
			in.ID, string(setting.Kind), boolToInt(setting.Sync), nullKind(setting.TiedTo))
		if err != nil {
			return fmt.Errorf("reconcile: inserting entity setting %s/%s: %w", in.ID, setting.Kind, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("reconcile: committing integration %s: %w", in.ID, err)
	}

	return nil
}

// EntitySettings lists the sync settings for an integration.
func (s *SQLiteStore) EntitySettings(ctx context.Context, integrationID string) ([]EntitySetting, error) {
	rows, err := s.integrationStmts.listSettings.QueryContext(ctx, integrationID)
	if err != nil {
		return nil, fmt.Errorf("reconcile: listing entity settings for %s: %w", integrationID, err)
	}
	defer rows.Close()

	var settings []EntitySetting

	for rows.Next() {
		var (
			kind   string
			sync   int
			tiedTo sql.NullString
		)

		if err := rows.Scan(&kind, &sync, &tiedTo); err != nil {
			return nil, fmt.Errorf("reconcile: scanning entity setting: %w", err)
		}

		parsed, err := ParseEntityKind(kind)
		if err != nil {
			return nil, err
		}

		setting := EntitySetting{Kind: parsed, Sync: sync != 0}
		if tiedTo.Valid {
			tied, err := ParseEntityKind(tiedTo.String)
			if err != nil {
				return nil, err
			}

			setting.TiedTo = tied
		}

		settings = append(settings, setting)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reconcile: iterating entity settings: %w", err)
	}

	return settings, nil
}

// TouchLastSynced records a completed sync pass on the integration row.
func (s *SQLiteStore) TouchLastSynced(ctx context.Context, integrationID string) error {
	now := s.nowFunc().UnixNano()

	_, err := s.integrationStmts.touchSynced.ExecContext(ctx, now, now, integrationID)
	if err != nil {
		return fmt.Errorf("reconcile: touching last_synced_at for %s: %w", integrationID, err)
	}

	return nil
}

// GetRepository loads one repository registry row.
func (s *SQLiteStore) GetRepository(ctx context.Context, id string) (*Repository, error) {
	var (
		r        Repository
		status   string
		autoSync int
		label    sql.NullString
	)

	err := s.db.QueryRowContext(ctx, sqlGetRepository, id).Scan(
		&r.ID, &r.IntegrationID, &r.SourceID, &r.Name, &r.Owner,
		&status, &autoSync, &label, &r.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reconcile: repository %s: %w", id, ErrMappingNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("reconcile: loading repository %s: %w", id, err)
	}

	r.SyncStatus = RepositorySyncStatus(status)
	r.AutoSync = autoSync != 0
	r.AutoSyncLabel = label.String

	return &r, nil
}

// SaveRepository inserts or updates a repository registry row in place.
// Sync status is owned by SetRepositoryStatus and not touched on update.
func (s *SQLiteStore) SaveRepository(ctx context.Context, r *Repository) error {
	if r.SyncStatus == "" {
		r.SyncStatus = RepoStatusIdle
	}

	r.UpdatedAt = s.nowFunc().UnixNano()

	_, err := s.db.ExecContext(ctx, sqlUpsertRepository,
		r.ID, r.IntegrationID, r.SourceID, r.Name, r.Owner,
		string(r.SyncStatus), boolToInt(r.AutoSync), nullString(r.AutoSyncLabel),
		r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("reconcile: saving repository %s/%s: %w", r.Owner, r.Name, err)
	}

	return nil
}

// SetRepositoryStatus transitions a repository's sync status.
func (s *SQLiteStore) SetRepositoryStatus(ctx context.Context, id string, status RepositorySyncStatus) error {
	_, err := s.integrationStmts.repoStatus.ExecContext(ctx,
		string(status), s.nowFunc().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("reconcile: setting repository %s status %s: %w", id, status, err)
	}

	return nil
}

// ---------------------------------------------------------------------------
// Nullable helpers: empty string → NULL in SQLite.
// ---------------------------------------------------------------------------

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}

	return sql.NullString{String: s, Valid: true}
}

func nullKind(k EntityKind) sql.NullString {
	return nullString(string(k))
}

// LastSyncedTime returns the wall-clock reading of LastSyncedAt, and false
// before the first sync.
func (in *Integration) LastSyncedTime() (time.Time, bool) {
	if in.LastSyncedAt == nil {
		return time.Time{}, false
	}

	return time.Unix(0, *in.LastSyncedAt), true
}
