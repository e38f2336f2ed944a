package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Reconciler runs the two-state reconciliation machine for one entity kind:
//
//	Unseen (no mapping)  → create canonical + create mapping → Linked
//	Linked (mapping)     → update canonical (or return as-is) → Linked
//
// Duplicate deliveries, out-of-order events, and concurrent syncs for the
// same external key all converge on a single mapping row and a single
// canonical record. The mapping write is the commit point: a canonical
// record without a mapping is a loser of a race or a partial failure, and
// is discarded.
type Reconciler struct {
	policy   KindPolicy
	store    MappingStore
	gateway  Gateway
	resolver *Resolver
	logger   *slog.Logger
}

// NewReconciler builds the reconciler for one entity kind.
func NewReconciler(policy KindPolicy, store MappingStore, gateway Gateway, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Reconciler{
		policy:   policy,
		store:    store,
		gateway:  gateway,
		resolver: NewResolver(store, gateway, policy, logger),
		logger:   logger,
	}
}

// Reconcile processes one sync request for this reconciler's kind. Callers
// never see "duplicate mapping" or "mapping not found": both are absorbed
// into the state machine. Gateway validation errors propagate; transient
// gateway failures surface for the orchestrator's retry policy.
func (r *Reconciler) Reconcile(ctx context.Context, req *SyncRequest) (*Outcome, error) {
	if req.Kind != r.policy.Kind {
		return nil, &UnknownKindError{Kind: string(req.Kind)}
	}

	key := req.Key()

	res, err := r.resolver.Resolve(ctx, key)
	if err != nil {
		return nil, err
	}

	switch res.State {
	case Matched:
		return r.reconcileMatched(ctx, req, res.Mapping)
	case MatchedStale:
		// Canonical record vanished underneath the mapping: create a fresh
		// record and re-point, never leave the ghost reference behind.
		return r.healMapping(ctx, req, res.Mapping)
	default:
		return r.reconcileUnseen(ctx, req, key)
	}
}

// reconcileMatched handles the Linked state per the kind's match behavior.
func (r *Reconciler) reconcileMatched(ctx context.Context, req *SyncRequest, mapping *Mapping) (*Outcome, error) {
	if r.policy.OnMatch == ReturnExisting {
		// Write-once kind: the record was created from the first delivery
		// and is never mutated after the fact.
		r.logger.Debug("mapping exists, returning as-is",
			slog.String("kind", string(req.Kind)),
			slog.String("source_id", req.SourceID),
		)

		return &Outcome{Mapping: mapping}, nil
	}

	err := r.gateway.Update(ctx, mapping.CanonicalID, r.translate(req.Payload))
	if err == nil {
		return &Outcome{Mapping: mapping}, nil
	}

	// The create-fallback is reserved for a confirmed missing record.
	// Validation errors and transient failures propagate unchanged.
	if !errors.Is(err, ErrCanonicalNotFound) {
		return nil, err
	}

	return r.healMapping(ctx, req, mapping)
}

// healMapping re-creates a vanished canonical record and re-points the
// existing mapping at it. The mapping row is reused, not duplicated, so the
// natural-key invariant holds.
func (r *Reconciler) healMapping(ctx context.Context, req *SyncRequest, mapping *Mapping) (*Outcome, error) {
	canonicalID, err := r.gateway.Create(ctx, req.TenantID, req.OrganizationID, r.translate(req.Payload))
	if err != nil {
		return nil, err
	}

	if err := r.store.Repoint(ctx, mapping.ID, canonicalID); err != nil {
		// Same commit-point rule as the unseen path: the re-point failed,
		// so the fresh record is an orphan. Discard it best effort.
		if delErr := r.gateway.Delete(ctx, canonicalID); delErr != nil {
			r.logger.Error("failed to discard orphaned canonical record",
				slog.String("canonical_id", canonicalID),
				slog.String("error", delErr.Error()),
			)
		}

		return nil, fmt.Errorf("reconcile: re-pointing %s: %w", mapping.ID, err)
	}

	r.logger.Info("healed dangling mapping",
		slog.String("mapping_id", mapping.ID),
		slog.String("kind", string(req.Kind)),
		slog.String("old_canonical_id", mapping.CanonicalID),
		slog.String("canonical_id", canonicalID),
	)

	healed := *mapping
	healed.CanonicalID = canonicalID
	healed.IsActive = true

	return &Outcome{Mapping: &healed, Created: true}, nil
}

// reconcileUnseen handles the Unseen state: create the canonical record,
// then commit the link by inserting the mapping. The uniqueness constraint
// on the natural key arbitrates concurrent creators.
func (r *Reconciler) reconcileUnseen(ctx context.Context, req *SyncRequest, key ExternalKey) (*Outcome, error) {
	canonicalID, err := r.gateway.Create(ctx, req.TenantID, req.OrganizationID, r.translate(req.Payload))
	if err != nil {
		return nil, err
	}

	mapping := NewMapping(key, canonicalID)

	err = r.store.Create(ctx, mapping)
	if err == nil {
		r.logger.Debug("linked external record",
			slog.String("kind", string(req.Kind)),
			slog.String("source_id", req.SourceID),
			slog.String("canonical_id", canonicalID),
		)

		return &Outcome{Mapping: mapping, Created: true}, nil
	}

	if errors.Is(err, ErrDuplicateMapping) {
		return r.convergeOnWinner(ctx, key, canonicalID)
	}

	// Mapping write failed after a successful canonical create. Discard the
	// orphan so a whole-operation retry starts clean; best effort, the
	// original error is what the caller needs to see.
	if delErr := r.gateway.Delete(ctx, canonicalID); delErr != nil {
		r.logger.Error("failed to discard orphaned canonical record",
			slog.String("canonical_id", canonicalID),
			slog.String("error", delErr.Error()),
		)
	}

	return nil, fmt.Errorf("reconcile: linking %s/%s: %w", key.Kind, key.SourceID, err)
}

// convergeOnWinner resolves the duplicate-delivery race: another
// reconciliation inserted the mapping between our Find and Create. Re-read
// the winner's mapping, discard our just-created canonical record, and
// return the winner's link.
func (r *Reconciler) convergeOnWinner(ctx context.Context, key ExternalKey, loserCanonicalID string) (*Outcome, error) {
	winner, err := r.store.Find(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("reconcile: re-reading winner for %s/%s: %w", key.Kind, key.SourceID, err)
	}

	if err := r.gateway.Delete(ctx, loserCanonicalID); err != nil {
		r.logger.Error("failed to discard losing canonical record",
			slog.String("canonical_id", loserCanonicalID),
			slog.String("error", err.Error()),
		)
	}

	r.logger.Debug("converged on concurrent winner",
		slog.String("kind", string(key.Kind)),
		slog.String("source_id", key.SourceID),
		slog.String("canonical_id", winner.CanonicalID),
	)

	return &Outcome{Mapping: winner}, nil
}

func (r *Reconciler) translate(p Payload) Payload {
	if r.policy.Translate == nil {
		return p
	}

	return r.policy.Translate(p)
}

// Retire unlinks an external record the provider has deleted: the canonical
// record is removed and the mapping deactivated. The mapping row stays
// behind as a tombstone, so a late redelivery resolves to MatchedStale and
// heals instead of forking a second row. A missing mapping is a no-op,
// deletions are idempotent.
func (r *Reconciler) Retire(ctx context.Context, key ExternalKey) error {
	mapping, err := r.store.Find(ctx, key)
	if errors.Is(err, ErrMappingNotFound) {
		return nil
	}

	if err != nil {
		return err
	}

	if err := r.gateway.Delete(ctx, mapping.CanonicalID); err != nil {
		return err
	}

	if err := r.store.Deactivate(ctx, mapping.ID); err != nil {
		return fmt.Errorf("reconcile: deactivating %s: %w", mapping.ID, err)
	}

	r.logger.Info("retired external record",
		slog.String("kind", string(key.Kind)),
		slog.String("source_id", key.SourceID),
		slog.String("canonical_id", mapping.CanonicalID),
	)

	return nil
}
