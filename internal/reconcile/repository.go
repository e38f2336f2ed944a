package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// RepositoryStore is the registry surface the repository reconciler needs.
// Satisfied by *SQLiteStore.
type RepositoryStore interface {
	SaveRepository(ctx context.Context, r *Repository) error
	GetRepository(ctx context.Context, id string) (*Repository, error)
}

// RepositoryReconciler handles the mapping-only entity kind. Repositories
// never touch the canonical entity gateway: there is no canonical
// "repository" record to create or update. The caller supplies the registry
// row id as the canonical id, and reconciliation is pure mapping
// bookkeeping; the registry row's fields and activity flags are updated in
// place on match.
type RepositoryReconciler struct {
	store  MappingStore
	repos  RepositoryStore
	logger *slog.Logger
}

// NewRepositoryReconciler builds the mapping-only reconciler.
func NewRepositoryReconciler(store MappingStore, repos RepositoryStore, logger *slog.Logger) *RepositoryReconciler {
	if logger == nil {
		logger = slog.Default()
	}

	return &RepositoryReconciler{store: store, repos: repos, logger: logger}
}

// Reconcile links an external repository to its registry row. The request's
// CanonicalID must carry the registry row id.
func (r *RepositoryReconciler) Reconcile(ctx context.Context, req *SyncRequest) (*Outcome, error) {
	if req.Kind != KindRepository {
		return nil, &UnknownKindError{Kind: string(req.Kind)}
	}

	if req.CanonicalID == "" {
		return nil, fmt.Errorf("reconcile: repository sync for %s: %w", req.SourceID, ErrInvalidPayload)
	}

	if err := r.saveRegistryRow(ctx, req); err != nil {
		return nil, err
	}

	key := req.Key()

	mapping, err := r.store.Find(ctx, key)
	if err == nil {
		// Linked already. The explicit re-sync path may re-point the
		// mapping at a different registry row; an identical target is a
		// no-op.
		if mapping.CanonicalID != req.CanonicalID || !mapping.IsActive {
			if err := r.store.Repoint(ctx, mapping.ID, req.CanonicalID); err != nil {
				return nil, err
			}

			mapping.CanonicalID = req.CanonicalID
			mapping.IsActive = true
		}

		return &Outcome{Mapping: mapping}, nil
	}

	if !errors.Is(err, ErrMappingNotFound) {
		return nil, err
	}

	mapping = NewMapping(key, req.CanonicalID)

	err = r.store.Create(ctx, mapping)
	if err == nil {
		return &Outcome{Mapping: mapping, Created: true}, nil
	}

	if !errors.Is(err, ErrDuplicateMapping) {
		return nil, err
	}

	// Concurrent winner; nothing to discard, repositories have no
	// canonical record.
	winner, ferr := r.store.Find(ctx, key)
	if ferr != nil {
		return nil, fmt.Errorf("reconcile: re-reading winner for repository %s: %w", key.SourceID, ferr)
	}

	return &Outcome{Mapping: winner}, nil
}

// saveRegistryRow upserts the repository registry row carried on the
// request payload.
func (r *RepositoryReconciler) saveRegistryRow(ctx context.Context, req *SyncRequest) error {
	repo := &Repository{
		ID:            req.CanonicalID,
		IntegrationID: req.IntegrationID,
		SourceID:      req.SourceID,
		Name:          req.Payload.String("name"),
		Owner:         req.Payload.String("owner"),
		AutoSyncLabel: req.Payload.String("auto_sync_label"),
	}

	if v, ok := req.Payload["auto_sync"].(bool); ok {
		repo.AutoSync = v
	} else {
		repo.AutoSync = true
	}

	return r.repos.SaveRepository(ctx, repo)
}
