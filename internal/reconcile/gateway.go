package reconcile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Gateway is the narrow contract to the canonical entity services. One
// gateway per entity kind. Update must fail with ErrCanonicalNotFound when
// the id no longer exists so the reconciler can tell "record vanished" apart
// from genuine failures; validation failures come back wrapping
// ErrInvalidPayload and are never absorbed.
//
// Delete exists for convergence only: when a concurrent reconciliation wins
// the mapping insert, the loser discards its just-created canonical record.
type Gateway interface {
	Create(ctx context.Context, tenantID, organizationID string, p Payload) (string, error)
	Update(ctx context.Context, id string, p Payload) error
	Exists(ctx context.Context, id string) (bool, error)
	Delete(ctx context.Context, id string) error
}

// SQL statements for canonical record operations.
const (
	sqlInsertCanonical = `INSERT INTO canonical_record
		(id, tenant_id, organization_id, entity_kind, attributes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	sqlUpdateCanonical = `UPDATE canonical_record
		SET attributes = ?, updated_at = ?
		WHERE id = ? AND entity_kind = ?`

	sqlGetCanonical = `SELECT id, tenant_id, organization_id, attributes, created_at, updated_at
		FROM canonical_record WHERE id = ? AND entity_kind = ?`

	sqlDeleteCanonical = `DELETE FROM canonical_record WHERE id = ? AND entity_kind = ?`
)

// CanonicalRecord is one row of the canonical entity store.
type CanonicalRecord struct {
	ID             string
	TenantID       string
	OrganizationID string
	Kind           EntityKind
	Attributes     Payload
	CreatedAt      int64
	UpdatedAt      int64
}

// RecordGateway implements Gateway for one entity kind over the shared
// SQLite canonical store. The kind tag scopes every statement, so a task
// gateway can never touch a project row.
type RecordGateway struct {
	store *SQLiteStore
	kind  EntityKind
}

// GatewayFor returns the store-backed gateway for the given entity kind.
func (s *SQLiteStore) GatewayFor(kind EntityKind) *RecordGateway {
	return &RecordGateway{store: s, kind: kind}
}

// Create validates and inserts a new canonical record, returning its id.
func (g *RecordGateway) Create(ctx context.Context, tenantID, organizationID string, p Payload) (string, error) {
	if err := validatePayload(g.kind, p); err != nil {
		return "", err
	}

	attrs, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("reconcile: encoding %s attributes: %w", g.kind, err)
	}

	id := uuid.New().String()
	now := time.Now().UnixNano()

	_, err = g.store.canonicalStmts.insert.ExecContext(ctx,
		id, tenantID, organizationID, string(g.kind), string(attrs), now, now)
	if err != nil {
		return "", fmt.Errorf("reconcile: creating canonical %s: %w", g.kind, err)
	}

	return id, nil
}

// Update replaces the record's attributes. Missing ids come back as
// ErrCanonicalNotFound so the reconciler can self-heal a dangling mapping.
func (g *RecordGateway) Update(ctx context.Context, id string, p Payload) error {
	if err := validatePayload(g.kind, p); err != nil {
		return err
	}

	attrs, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("reconcile: encoding %s attributes: %w", g.kind, err)
	}

	result, err := g.store.canonicalStmts.update.ExecContext(ctx,
		string(attrs), time.Now().UnixNano(), id, string(g.kind))
	if err != nil {
		return fmt.Errorf("reconcile: updating canonical %s %s: %w", g.kind, id, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("reconcile: updating canonical %s %s rows affected: %w", g.kind, id, err)
	}

	if n == 0 {
		return fmt.Errorf("reconcile: canonical %s %s: %w", g.kind, id, ErrCanonicalNotFound)
	}

	return nil
}

// Exists reports whether the canonical record is still live.
func (g *RecordGateway) Exists(ctx context.Context, id string) (bool, error) {
	_, err := g.Get(ctx, id)
	if errors.Is(err, ErrCanonicalNotFound) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	return true, nil
}

// Get loads a canonical record by id.
func (g *RecordGateway) Get(ctx context.Context, id string) (*CanonicalRecord, error) {
	var (
		r     CanonicalRecord
		attrs string
	)

	err := g.store.canonicalStmts.get.QueryRowContext(ctx, id, string(g.kind)).Scan(
		&r.ID, &r.TenantID, &r.OrganizationID, &attrs, &r.CreatedAt, &r.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reconcile: canonical %s %s: %w", g.kind, id, ErrCanonicalNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("reconcile: loading canonical %s %s: %w", g.kind, id, err)
	}

	r.Kind = g.kind

	if err := json.Unmarshal([]byte(attrs), &r.Attributes); err != nil {
		return nil, fmt.Errorf("reconcile: decoding %s attributes for %s: %w", g.kind, id, err)
	}

	return &r, nil
}

// Delete removes a canonical record. Missing rows are not an error: the
// convergence path may race with an out-of-band delete.
func (g *RecordGateway) Delete(ctx context.Context, id string) error {
	_, err := g.store.canonicalStmts.delete.ExecContext(ctx, id, string(g.kind))
	if err != nil {
		return fmt.Errorf("reconcile: deleting canonical %s %s: %w", g.kind, id, err)
	}

	return nil
}

// requiredFields lists the payload fields each kind cannot be created
// without. Everything else is free-form and owned by the caller.
var requiredFields = map[EntityKind][]string{
	KindTask:         {"title"},
	KindIssue:        {"title"},
	KindProject:      {"name"},
	KindOrganization: {"name"},
	KindLabel:        {"name"},
	KindActivity:     {"title"},
	KindTimeLog:      {"started_at", "stopped_at"},
	KindTimeSlot:     {"started_at"},
	KindScreenshot:   {"recorded_at"},
}

func validatePayload(kind EntityKind, p Payload) error {
	for _, field := range requiredFields[kind] {
		if _, ok := p[field]; !ok {
			return fmt.Errorf("reconcile: %s payload missing %q: %w", kind, field, ErrInvalidPayload)
		}
	}

	return nil
}
