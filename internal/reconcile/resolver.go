package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ResolutionState classifies what the identity resolver found for an
// external key.
type ResolutionState int

const (
	// Unmatched: no mapping exists; the key has never been reconciled.
	Unmatched ResolutionState = iota
	// Matched: a mapping exists and the canonical record is live (or the
	// kind's policy does not verify liveness).
	Matched
	// MatchedStale: a mapping exists but its canonical record is gone.
	// The reconciler re-creates the record and re-points the mapping.
	MatchedStale
)

func (s ResolutionState) String() string {
	switch s {
	case Unmatched:
		return "unmatched"
	case Matched:
		return "matched"
	case MatchedStale:
		return "matched_stale"
	default:
		return fmt.Sprintf("ResolutionState(%d)", int(s))
	}
}

// Resolution is the typed answer to "has reconciliation for this key already
// happened". A miss is a value, not an error.
type Resolution struct {
	State   ResolutionState
	Mapping *Mapping // nil when Unmatched
}

// Resolver answers whether a mapping already exists for an external key and,
// per kind policy, whether its canonical record is still live enough to
// update. Write-once kinds skip the liveness probe entirely: a mapping's
// existence is sufficient for them.
type Resolver struct {
	store   MappingStore
	gateway Gateway
	policy  KindPolicy
	logger  *slog.Logger
}

// NewResolver builds a resolver bound to one entity kind's policy.
func NewResolver(store MappingStore, gateway Gateway, policy KindPolicy, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}

	return &Resolver{
		store:   store,
		gateway: gateway,
		policy:  policy,
		logger:  logger,
	}
}

// Resolve performs the mapping lookup and the optional liveness check.
func (r *Resolver) Resolve(ctx context.Context, key ExternalKey) (Resolution, error) {
	mapping, err := r.store.Find(ctx, key)
	if errors.Is(err, ErrMappingNotFound) {
		return Resolution{State: Unmatched}, nil
	}

	if err != nil {
		return Resolution{}, err
	}

	if !r.policy.VerifyLiveness {
		return Resolution{State: Matched, Mapping: mapping}, nil
	}

	// Canonical records can be deleted independently of the integration;
	// kinds that update on match re-check before trusting the mapping.
	live, err := r.gateway.Exists(ctx, mapping.CanonicalID)
	if err != nil {
		return Resolution{}, err
	}

	if !live {
		r.logger.Warn("mapping points at missing canonical record",
			slog.String("mapping_id", mapping.ID),
			slog.String("canonical_id", mapping.CanonicalID),
			slog.String("kind", string(key.Kind)),
		)

		return Resolution{State: MatchedStale, Mapping: mapping}, nil
	}

	return Resolution{State: Matched, Mapping: mapping}, nil
}
