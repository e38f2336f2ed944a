package reconcile

import (
	"strings"
	"time"
)

// MatchBehavior selects what a reconciler does when the external key is
// already mapped.
type MatchBehavior int

const (
	// UpdateCanonical pushes the translated payload into the existing
	// canonical record on every sync.
	UpdateCanonical MatchBehavior = iota
	// ReturnExisting returns the mapping without contacting the gateway.
	// Historical data is immutable once recorded.
	ReturnExisting
)

// KindPolicy parameterizes the generic reconciler for one entity kind. The
// state machine is shared; only the match behavior, the liveness check, and
// the payload translation differ per kind.
type KindPolicy struct {
	Kind    EntityKind
	OnMatch MatchBehavior

	// VerifyLiveness makes the resolver confirm the canonical record still
	// exists before trusting a matched mapping. Only meaningful for
	// UpdateCanonical kinds; write-once kinds never touch the record again.
	VerifyLiveness bool

	// Translate maps the inbound external payload to the canonical payload,
	// injecting kind defaults. Nil means pass-through.
	Translate func(p Payload) Payload
}

// defaultDueDateLead is applied to tasks arriving without a due date.
const defaultDueDateLead = 14 * 24 * time.Hour

// translateTask derives the internal status from the source open/closed
// state and fills a default due date two weeks out when the source has none.
func translateTask(p Payload) Payload {
	out := p.Clone()

	if state := out.String("state"); state != "" {
		delete(out, "state")
		out["status"] = strings.ToUpper(state[:1]) + state[1:]
	}

	if _, ok := out["due_at"]; !ok {
		out["due_at"] = time.Now().Add(defaultDueDateLead).UTC().Format(time.RFC3339)
	}

	return out
}

// translateTimeSlot zeroes the aggregate counters; a downstream aggregation
// job owns them after creation.
func translateTimeSlot(p Payload) Payload {
	out := p.Clone()
	out["overall"] = 0
	out["keyboard"] = 0
	out["mouse"] = 0
	out["duration"] = 0

	return out
}

// Policies is the per-entity-kind policy table. The distinctions here are
// deliberate behavior, not accidents of implementation:
//
//   - Task/Issue update on match and self-heal when the canonical record is
//     gone; status derives from the source open/closed state.
//   - Project, Organization, Label, and Activity update on match (names,
//     colors, avatar URLs drift at the source).
//   - TimeLog and TimeSlot are write-once: a second sync returns the
//     existing mapping untouched. TimeSlot creation zeroes its counters.
//   - Screenshot updates on match (recorded-at and file URLs can be
//     re-delivered) but skips the liveness probe.
//   - Repository is not in this table: it is mapping-only bookkeeping with
//     no gateway, handled by RepositoryReconciler.
var Policies = map[EntityKind]KindPolicy{
	KindTask: {
		Kind:           KindTask,
		OnMatch:        UpdateCanonical,
		VerifyLiveness: true,
		Translate:      translateTask,
	},
	KindIssue: {
		Kind:           KindIssue,
		OnMatch:        UpdateCanonical,
		VerifyLiveness: true,
		Translate:      translateTask,
	},
	KindProject: {
		Kind:    KindProject,
		OnMatch: UpdateCanonical,
	},
	KindOrganization: {
		Kind:    KindOrganization,
		OnMatch: UpdateCanonical,
	},
	KindLabel: {
		Kind:    KindLabel,
		OnMatch: UpdateCanonical,
	},
	KindActivity: {
		Kind:    KindActivity,
		OnMatch: UpdateCanonical,
	},
	KindTimeLog: {
		Kind:    KindTimeLog,
		OnMatch: ReturnExisting,
	},
	KindTimeSlot: {
		Kind:      KindTimeSlot,
		OnMatch:   ReturnExisting,
		Translate: translateTimeSlot,
	},
	KindScreenshot: {
		Kind:    KindScreenshot,
		OnMatch: UpdateCanonical,
	},
}
