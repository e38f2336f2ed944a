// Package reconcile implements the external integration reconciliation
// engine for intermap. It keeps the canonical entity graph consistent with
// records held by third-party systems: every external record is linked to
// exactly one canonical record through a persisted mapping keyed by
// (tenant, organization, integration, entity kind, source id). The package
// provides the mapping store, the identity resolver, the per-kind
// reconcilers, and the orchestrator that dispatches inbound sync requests.
package reconcile

import (
	"time"

	"github.com/google/uuid"
)

// EntityKind tags which canonical entity family an external record maps to.
type EntityKind string

// Entity kinds as stored in the integration_map.entity_kind column.
const (
	KindTask         EntityKind = "task"
	KindIssue        EntityKind = "issue"
	KindProject      EntityKind = "project"
	KindOrganization EntityKind = "organization"
	KindLabel        EntityKind = "label"
	KindActivity     EntityKind = "activity"
	KindTimeLog      EntityKind = "time_log"
	KindTimeSlot     EntityKind = "time_slot"
	KindScreenshot   EntityKind = "screenshot"
	KindRepository   EntityKind = "repository"
)

// ParseEntityKind converts a database TEXT value to EntityKind.
func ParseEntityKind(s string) (EntityKind, error) {
	switch EntityKind(s) {
	case KindTask, KindIssue, KindProject, KindOrganization, KindLabel,
		KindActivity, KindTimeLog, KindTimeSlot, KindScreenshot, KindRepository:
		return EntityKind(s), nil
	default:
		return "", &UnknownKindError{Kind: s}
	}
}

// ExternalKey identifies a third-party record within a tenant. Every lookup
// and write against the mapping store is scoped by the full five-part key.
type ExternalKey struct {
	TenantID       string
	OrganizationID string
	IntegrationID  string
	Kind           EntityKind
	SourceID       string
}

// Payload is the translated attribute bag handed to the canonical entity
// gateway. Keys are canonical field names; the gateway owns validation.
type Payload map[string]any

// String returns the string value for a key, or "" when absent or not a string.
func (p Payload) String(key string) string {
	s, _ := p[key].(string)
	return s
}

// Clone returns a shallow copy so translators can add defaults without
// mutating the caller's payload.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}

	return out
}

// SyncRequest is one unit of reconciliation work: a webhook delivery, one
// item of a poll batch, or a manual re-sync action. Tenant and organization
// context travel explicitly on the request; there is no ambient state.
type SyncRequest struct {
	TenantID       string
	OrganizationID string
	IntegrationID  string
	Kind           EntityKind
	SourceID       string
	Payload        Payload

	// CanonicalID is supplied by the caller for mapping-only kinds
	// (repositories); empty for everything else.
	CanonicalID string

	// TriggeredEvent marks requests that originate from an automation
	// event rather than a poll cycle.
	TriggeredEvent bool
}

// Key returns the external key for this request.
func (r *SyncRequest) Key() ExternalKey {
	return ExternalKey{
		TenantID:       r.TenantID,
		OrganizationID: r.OrganizationID,
		IntegrationID:  r.IntegrationID,
		Kind:           r.Kind,
		SourceID:       r.SourceID,
	}
}

// Mapping is the persisted link between an external key and a canonical
// record. The natural key (tenant, organization, integration, kind, source)
// is immutable after creation; only CanonicalID, IsActive, and IsArchived
// may change, and only through the explicit re-sync paths.
type Mapping struct {
	ID             string
	TenantID       string
	OrganizationID string
	IntegrationID  string
	Kind           EntityKind
	SourceID       string
	CanonicalID    string
	IsActive       bool
	IsArchived     bool
	CreatedAt      int64 // Unix nanoseconds
	UpdatedAt      int64 // Unix nanoseconds
}

// Key returns the mapping's external key.
func (m *Mapping) Key() ExternalKey {
	return ExternalKey{
		TenantID:       m.TenantID,
		OrganizationID: m.OrganizationID,
		IntegrationID:  m.IntegrationID,
		Kind:           m.Kind,
		SourceID:       m.SourceID,
	}
}

// NewMapping builds an active mapping for key → canonicalID with a fresh id
// and audit timestamps.
func NewMapping(key ExternalKey, canonicalID string) *Mapping {
	now := time.Now().UnixNano()

	return &Mapping{
		ID:             uuid.New().String(),
		TenantID:       key.TenantID,
		OrganizationID: key.OrganizationID,
		IntegrationID:  key.IntegrationID,
		Kind:           key.Kind,
		SourceID:       key.SourceID,
		CanonicalID:    canonicalID,
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Outcome reports the result of one reconciliation: the mapping that now
// links the external key, and whether this call created the canonical record.
type Outcome struct {
	Mapping *Mapping
	Created bool
}
