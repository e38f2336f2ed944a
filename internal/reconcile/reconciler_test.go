package reconcile

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// stubStore lets individual tests script mapping-store behavior. Unset
// operations report a miss or succeed, whichever is the quiet default.
type stubStore struct {
	findFunc       func(ctx context.Context, key ExternalKey) (*Mapping, error)
	createFunc     func(ctx context.Context, m *Mapping) error
	repointFunc    func(ctx context.Context, mappingID, canonicalID string) error
	deactivateFunc func(ctx context.Context, mappingID string) error
}

func (s *stubStore) Find(ctx context.Context, key ExternalKey) (*Mapping, error) {
	if s.findFunc != nil {
		return s.findFunc(ctx, key)
	}

	return nil, ErrMappingNotFound
}

func (s *stubStore) Create(ctx context.Context, m *Mapping) error {
	if s.createFunc != nil {
		return s.createFunc(ctx, m)
	}

	return nil
}

func (s *stubStore) Repoint(ctx context.Context, mappingID, canonicalID string) error {
	if s.repointFunc != nil {
		return s.repointFunc(ctx, mappingID, canonicalID)
	}

	return nil
}

func (s *stubStore) Deactivate(ctx context.Context, mappingID string) error {
	if s.deactivateFunc != nil {
		return s.deactivateFunc(ctx, mappingID)
	}

	return nil
}

// stubGateway is an in-memory Gateway with error injection and call tracking.
type stubGateway struct {
	records   map[string]Payload
	nextID    int
	createErr error
	updateErr error
	deleted   []string
}

func newStubGateway() *stubGateway {
	return &stubGateway{records: make(map[string]Payload)}
}

func (g *stubGateway) Create(_ context.Context, _, _ string, p Payload) (string, error) {
	if g.createErr != nil {
		return "", g.createErr
	}

	g.nextID++
	id := fmt.Sprintf("canonical-%d", g.nextID)
	g.records[id] = p

	return id, nil
}

func (g *stubGateway) Update(_ context.Context, id string, p Payload) error {
	if g.updateErr != nil {
		return g.updateErr
	}

	if _, ok := g.records[id]; !ok {
		return fmt.Errorf("canonical record %s: %w", id, ErrCanonicalNotFound)
	}

	g.records[id] = p

	return nil
}

func (g *stubGateway) Exists(_ context.Context, id string) (bool, error) {
	_, ok := g.records[id]
	return ok, nil
}

func (g *stubGateway) Delete(_ context.Context, id string) error {
	g.deleted = append(g.deleted, id)
	delete(g.records, id)

	return nil
}

func taskRequest(sourceID, title string) *SyncRequest {
	return &SyncRequest{
		TenantID:       "tenant-1",
		OrganizationID: "org-1",
		IntegrationID:  "int-1",
		Kind:           KindTask,
		SourceID:       sourceID,
		Payload:        Payload{"title": title, "state": "open"},
	}
}

func TestReconcileCreatesThenUpdates(t *testing.T) {
	store := testStore(t)
	gateway := store.GatewayFor(KindTask)
	r := NewReconciler(Policies[KindTask], store, gateway, testLogger(t))
	ctx := context.Background()

	// First delivery: unseen key, canonical record and mapping created.
	first, err := r.Reconcile(ctx, taskRequest("42", "Fix login"))
	require.NoError(t, err)
	assert.True(t, first.Created)
	require.NotNil(t, first.Mapping)

	record, err := gateway.Get(ctx, first.Mapping.CanonicalID)
	require.NoError(t, err)
	assert.Equal(t, "Fix login", record.Attributes.String("title"))
	assert.Equal(t, "Open", record.Attributes.String("status"))
	assert.NotEmpty(t, record.Attributes.String("due_at"))

	// Second delivery with a new title: same mapping, record updated in place.
	second, err := r.Reconcile(ctx, taskRequest("42", "Fix login redirect"))
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Mapping.ID, second.Mapping.ID)
	assert.Equal(t, first.Mapping.CanonicalID, second.Mapping.CanonicalID)

	record, err = gateway.Get(ctx, second.Mapping.CanonicalID)
	require.NoError(t, err)
	assert.Equal(t, "Fix login redirect", record.Attributes.String("title"))
}

func TestReconcileWriteOnceKind(t *testing.T) {
	store := testStore(t)
	gateway := store.GatewayFor(KindTimeLog)
	r := NewReconciler(Policies[KindTimeLog], store, gateway, testLogger(t))
	ctx := context.Background()

	req := &SyncRequest{
		TenantID:       "tenant-1",
		OrganizationID: "org-1",
		IntegrationID:  "int-1",
		Kind:           KindTimeLog,
		SourceID:       "ts-1",
		Payload: Payload{
			"started_at": "2026-08-30T09:00:00Z",
			"stopped_at": "2026-08-30T10:00:00Z",
		},
	}

	first, err := r.Reconcile(ctx, req)
	require.NoError(t, err)
	assert.True(t, first.Created)

	// Re-delivery with different attributes: record never changes.
	altered := *req
	altered.Payload = Payload{
		"started_at": "2026-08-30T09:00:00Z",
		"stopped_at": "2026-08-30T23:00:00Z",
	}

	second, err := r.Reconcile(ctx, &altered)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Mapping.ID, second.Mapping.ID)

	record, err := gateway.Get(ctx, first.Mapping.CanonicalID)
	require.NoError(t, err)
	assert.Equal(t, "2026-08-30T10:00:00Z", record.Attributes.String("stopped_at"))
}

func TestReconcileIdempotent(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	for kind, payload := range map[EntityKind]Payload{
		KindProject:  {"name": "Core"},
		KindLabel:    {"name": "bug", "color": "#ff0000"},
		KindTimeSlot: {"started_at": "2026-08-30T09:00:00Z"},
	} {
		gateway := store.GatewayFor(kind)
		r := NewReconciler(Policies[kind], store, gateway, testLogger(t))
		req := &SyncRequest{
			TenantID:       "tenant-1",
			OrganizationID: "org-1",
			IntegrationID:  "int-1",
			Kind:           kind,
			SourceID:       "same-source",
			Payload:        payload,
		}

		first, err := r.Reconcile(ctx, req)
		require.NoError(t, err, kind)

		for range 3 {
			out, err := r.Reconcile(ctx, req)
			require.NoError(t, err, kind)
			assert.False(t, out.Created, kind)
			assert.Equal(t, first.Mapping.ID, out.Mapping.ID, kind)
		}
	}
}

func TestReconcileRejectsWrongKind(t *testing.T) {
	store := testStore(t)
	r := NewReconciler(Policies[KindTask], store, store.GatewayFor(KindTask), testLogger(t))

	req := taskRequest("42", "Fix login")
	req.Kind = KindProject

	_, err := r.Reconcile(context.Background(), req)

	var unknownErr *UnknownKindError
	require.ErrorAs(t, err, &unknownErr)
}

func TestReconcileValidationErrorPropagates(t *testing.T) {
	store := testStore(t)
	r := NewReconciler(Policies[KindTask], store, store.GatewayFor(KindTask), testLogger(t))
	ctx := context.Background()

	req := taskRequest("42", "Fix login")
	delete(req.Payload, "title")

	_, err := r.Reconcile(ctx, req)
	require.ErrorIs(t, err, ErrInvalidPayload)

	// Nothing was committed: the key is still unseen.
	_, err = store.Find(ctx, req.Key())
	require.ErrorIs(t, err, ErrMappingNotFound)
}

func TestReconcileSelfHealsDanglingMapping(t *testing.T) {
	store := testStore(t)
	gateway := store.GatewayFor(KindTask)
	r := NewReconciler(Policies[KindTask], store, gateway, testLogger(t))
	ctx := context.Background()

	first, err := r.Reconcile(ctx, taskRequest("42", "Fix login"))
	require.NoError(t, err)

	// Simulate an out-of-band delete of the canonical record.
	require.NoError(t, gateway.Delete(ctx, first.Mapping.CanonicalID))

	healed, err := r.Reconcile(ctx, taskRequest("42", "Fix login"))
	require.NoError(t, err)
	assert.True(t, healed.Created, "healing creates a fresh canonical record")
	assert.Equal(t, first.Mapping.ID, healed.Mapping.ID, "mapping row is reused")
	assert.NotEqual(t, first.Mapping.CanonicalID, healed.Mapping.CanonicalID)

	// The stored mapping points at the new record.
	found, err := store.Find(ctx, healed.Mapping.Key())
	require.NoError(t, err)
	assert.Equal(t, healed.Mapping.CanonicalID, found.CanonicalID)
	assert.True(t, found.IsActive)
}

func TestReconcileDuplicateInsertConvergesOnWinner(t *testing.T) {
	winner := NewMapping(testKey(KindTask, "42"), "winner-canonical")

	var finds int
	store := &stubStore{
		findFunc: func(_ context.Context, _ ExternalKey) (*Mapping, error) {
			finds++
			if finds == 1 {
				// Resolver sees an unseen key; the concurrent writer lands
				// between this miss and our insert.
				return nil, ErrMappingNotFound
			}

			return winner, nil
		},
		createFunc: func(_ context.Context, _ *Mapping) error {
			return ErrDuplicateMapping
		},
	}

	gateway := newStubGateway()
	r := NewReconciler(Policies[KindTask], store, gateway, testLogger(t))

	out, err := r.Reconcile(context.Background(), taskRequest("42", "Fix login"))
	require.NoError(t, err)
	assert.False(t, out.Created)
	assert.Equal(t, winner.ID, out.Mapping.ID)
	assert.Equal(t, "winner-canonical", out.Mapping.CanonicalID)

	// The loser's just-created record was discarded.
	require.Len(t, gateway.deleted, 1)
	assert.Equal(t, "canonical-1", gateway.deleted[0])
}

func TestReconcileMappingWriteFailureDiscardsOrphan(t *testing.T) {
	storeErr := errors.New("disk full")
	store := &stubStore{
		createFunc: func(_ context.Context, _ *Mapping) error {
			return storeErr
		},
	}

	gateway := newStubGateway()
	r := NewReconciler(Policies[KindTask], store, gateway, testLogger(t))

	_, err := r.Reconcile(context.Background(), taskRequest("42", "Fix login"))
	require.ErrorIs(t, err, storeErr)

	// The canonical record created before the failed commit is cleaned up.
	require.Len(t, gateway.deleted, 1)
	assert.Empty(t, gateway.records)
}

func TestReconcileConcurrentSameKey(t *testing.T) {
	store := testStore(t)
	gateway := store.GatewayFor(KindTask)
	r := NewReconciler(Policies[KindTask], store, gateway, testLogger(t))
	ctx := context.Background()

	const writers = 8

	g, gctx := errgroup.WithContext(ctx)
	for range writers {
		g.Go(func() error {
			_, err := r.Reconcile(gctx, taskRequest("42", "Fix login"))
			return err
		})
	}

	require.NoError(t, g.Wait())

	// Exactly one mapping and one canonical record survive the race.
	counts, err := store.CountActiveMappings(ctx, "int-1")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[KindTask])

	mapping, err := store.Find(ctx, taskRequest("42", "").Key())
	require.NoError(t, err)

	var records int
	err = store.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM canonical_record WHERE entity_kind = 'task'`).Scan(&records)
	require.NoError(t, err)
	assert.Equal(t, 1, records)

	live, err := gateway.Exists(ctx, mapping.CanonicalID)
	require.NoError(t, err)
	assert.True(t, live)
}

func TestReconcileOrganizationScoping(t *testing.T) {
	store := testStore(t)
	gateway := store.GatewayFor(KindTask)
	r := NewReconciler(Policies[KindTask], store, gateway, testLogger(t))
	ctx := context.Background()

	reqA := taskRequest("42", "Fix login")
	reqB := taskRequest("42", "Fix login")
	reqB.OrganizationID = "org-2"

	outA, err := r.Reconcile(ctx, reqA)
	require.NoError(t, err)

	outB, err := r.Reconcile(ctx, reqB)
	require.NoError(t, err)

	assert.True(t, outA.Created)
	assert.True(t, outB.Created, "same source id in another organization is a distinct key")
	assert.NotEqual(t, outA.Mapping.CanonicalID, outB.Mapping.CanonicalID)
}

func TestReconcileHealRepointFailureDiscardsOrphan(t *testing.T) {
	dangling := NewMapping(testKey(KindTask, "42"), "vanished")

	repointErr := errors.New("disk full")
	store := &stubStore{
		findFunc: func(_ context.Context, _ ExternalKey) (*Mapping, error) {
			return dangling, nil
		},
		repointFunc: func(_ context.Context, _, _ string) error {
			return repointErr
		},
	}

	gateway := newStubGateway()
	r := NewReconciler(Policies[KindTask], store, gateway, testLogger(t))

	_, err := r.Reconcile(context.Background(), taskRequest("42", "Fix login"))
	require.ErrorIs(t, err, repointErr)

	// The fresh canonical record must not outlive the failed re-point;
	// a retried heal starts clean instead of leaking one record per attempt.
	assert.Equal(t, []string{"canonical-1"}, gateway.deleted)
	assert.Empty(t, gateway.records)
}

func TestReconcilerRetire(t *testing.T) {
	store := testStore(t)
	gateway := store.GatewayFor(KindTask)
	r := NewReconciler(Policies[KindTask], store, gateway, testLogger(t))
	ctx := context.Background()

	out, err := r.Reconcile(ctx, taskRequest("42", "Fix login"))
	require.NoError(t, err)

	key := testKey(KindTask, "42")
	require.NoError(t, r.Retire(ctx, key))

	live, err := gateway.Exists(ctx, out.Mapping.CanonicalID)
	require.NoError(t, err)
	assert.False(t, live, "canonical record is gone")

	// The mapping row stays behind deactivated, keeping the natural key
	// reserved.
	found, err := store.Find(ctx, key)
	require.NoError(t, err)
	assert.False(t, found.IsActive)

	counts, err := store.CountActiveMappings(ctx, "int-1")
	require.NoError(t, err)
	assert.Zero(t, counts[KindTask])

	// Retiring again, or retiring a key never seen, is a no-op.
	require.NoError(t, r.Retire(ctx, key))
	require.NoError(t, r.Retire(ctx, testKey(KindTask, "no-such")))
}

func TestReconcileAfterRetireHealsMapping(t *testing.T) {
	store := testStore(t)
	gateway := store.GatewayFor(KindTask)
	r := NewReconciler(Policies[KindTask], store, gateway, testLogger(t))
	ctx := context.Background()

	first, err := r.Reconcile(ctx, taskRequest("42", "Fix login"))
	require.NoError(t, err)
	require.NoError(t, r.Retire(ctx, testKey(KindTask, "42")))

	// A late redelivery resurrects through the stale-mapping heal path,
	// reusing the tombstone row rather than forking a second mapping.
	back, err := r.Reconcile(ctx, taskRequest("42", "Fix login"))
	require.NoError(t, err)
	assert.True(t, back.Created)
	assert.Equal(t, first.Mapping.ID, back.Mapping.ID)
	assert.True(t, back.Mapping.IsActive)

	counts, err := store.CountActiveMappings(ctx, "int-1")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[KindTask])
}
