package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
)

// Registry is the integration-registry surface the orchestrator needs.
// Satisfied by *SQLiteStore.
type Registry interface {
	GetIntegration(ctx context.Context, id string) (*Integration, error)
	EntitySettings(ctx context.Context, integrationID string) ([]EntitySetting, error)
	TouchLastSynced(ctx context.Context, integrationID string) error
	GetRepository(ctx context.Context, id string) (*Repository, error)
	SetRepositoryStatus(ctx context.Context, id string, status RepositorySyncStatus) error
}

// FetchScope narrows a provider fetch to a parent mapping: tasks and
// activities are fetched per project, projects per organization.
type FetchScope struct {
	Organization *Mapping
	Project      *Mapping
	Since        time.Time
	Until        time.Time
}

// Fetcher pulls a batch of sync requests for one entity kind from a
// third-party provider. Implemented by the provider clients.
type Fetcher interface {
	Fetch(ctx context.Context, kind EntityKind, scope FetchScope) ([]SyncRequest, error)
}

// Options tunes orchestrator concurrency and retry behavior.
type Options struct {
	// Workers bounds concurrent reconciliations within one batch.
	Workers int
	// MaxRetries bounds retry attempts for transient failures per request.
	MaxRetries uint64
	// RetryBase is the first backoff interval.
	RetryBase time.Duration
}

const (
	defaultWorkers   = 4
	defaultRetries   = 3
	defaultRetryBase = 100 * time.Millisecond
)

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = defaultWorkers
	}

	if o.MaxRetries == 0 {
		o.MaxRetries = defaultRetries
	}

	if o.RetryBase <= 0 {
		o.RetryBase = defaultRetryBase
	}

	return o
}

// Orchestrator resolves integration context and dispatches sync requests to
// the reconciler for the requested entity kind. It holds no entity-kind
// logic itself: the dispatch table is built from the policy table, plus the
// structurally different repository variant.
type Orchestrator struct {
	reconcilers map[EntityKind]*Reconciler
	repos       *RepositoryReconciler
	registry    Registry
	opts        Options
	logger      *slog.Logger
}

// NewOrchestrator wires a reconciler per policy-table kind against the
// store's gateways and returns the assembled dispatcher.
func NewOrchestrator(store *SQLiteStore, opts Options, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}

	reconcilers := make(map[EntityKind]*Reconciler, len(Policies))
	for kind, policy := range Policies {
		reconcilers[kind] = NewReconciler(policy, store, store.GatewayFor(kind), logger)
	}

	return &Orchestrator{
		reconcilers: reconcilers,
		repos:       NewRepositoryReconciler(store, store, logger),
		registry:    store,
		opts:        opts.withDefaults(),
		logger:      logger,
	}
}

// Process reconciles one sync request, retrying transient failures with
// fibonacci backoff. Validation errors and unknown kinds are permanent and
// propagate on the first attempt.
func (o *Orchestrator) Process(ctx context.Context, req *SyncRequest) (*Outcome, error) {
	var outcome *Outcome

	backoff := retry.WithMaxRetries(o.opts.MaxRetries, retry.NewFibonacci(o.opts.RetryBase))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error

		outcome, err = o.dispatch(ctx, req)
		if err == nil {
			return nil
		}

		if isPermanent(err) {
			return err
		}

		return retry.RetryableError(err)
	})
	if err != nil {
		return nil, err
	}

	return outcome, nil
}

// Retire unlinks one external record the provider has deleted, retrying
// transient failures like Process does. Repositories are registry rows, not
// canonical records, and cannot be retired this way.
func (o *Orchestrator) Retire(ctx context.Context, key ExternalKey) error {
	r, ok := o.reconcilers[key.Kind]
	if !ok {
		return &UnknownKindError{Kind: string(key.Kind)}
	}

	backoff := retry.WithMaxRetries(o.opts.MaxRetries, retry.NewFibonacci(o.opts.RetryBase))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := r.Retire(ctx, key)
		if err == nil || isPermanent(err) {
			return err
		}

		return retry.RetryableError(err)
	})
}

// dispatch routes to the kind's reconciler.
func (o *Orchestrator) dispatch(ctx context.Context, req *SyncRequest) (*Outcome, error) {
	if req.Kind == KindRepository {
		return o.repos.Reconcile(ctx, req)
	}

	r, ok := o.reconcilers[req.Kind]
	if !ok {
		return nil, &UnknownKindError{Kind: string(req.Kind)}
	}

	return r.Reconcile(ctx, req)
}

// isPermanent reports whether err should not be retried.
func isPermanent(err error) bool {
	var unknownKind *UnknownKindError

	return errors.Is(err, ErrInvalidPayload) || errors.As(err, &unknownKind)
}

// ProcessBatch reconciles a slice of requests concurrently, bounded by the
// configured worker count. One item's failure never aborts its siblings;
// all failures are joined into the returned error. Outcomes hold nil at
// failed positions.
func (o *Orchestrator) ProcessBatch(ctx context.Context, reqs []SyncRequest) ([]*Outcome, error) {
	outcomes := make([]*Outcome, len(reqs))
	errs := make([]error, len(reqs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Workers)

	for i := range reqs {
		g.Go(func() error {
			out, err := o.Process(gctx, &reqs[i])
			if err != nil {
				errs[i] = fmt.Errorf("reconcile: %s/%s: %w", reqs[i].Kind, reqs[i].SourceID, err)
				return nil // collect, do not cancel siblings
			}

			outcomes[i] = out

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return outcomes, err
	}

	return outcomes, errors.Join(errs...)
}

// AutoSyncReport summarizes one sync pass. Skipped counts requests gated
// out before reconciliation (repository auto-sync label misses).
type AutoSyncReport struct {
	Synced  map[EntityKind]int
	Created int
	Failed  int
	Skipped int
}

func (r *AutoSyncReport) record(kind EntityKind, outcomes []*Outcome) {
	for _, out := range outcomes {
		if out == nil {
			r.Failed++
			continue
		}

		r.Synced[kind]++

		if out.Created {
			r.Created++
		}
	}
}

// projectTiedKinds orders the kinds that sync in a project's scope. Time
// logs are assembled from slots by the provider, so slots ride along
// implicitly and are not fetched as a separate pass.
var projectTiedKinds = []EntityKind{KindTask, KindActivity, KindScreenshot, KindTimeLog}

// AutoSync walks the integration's entity settings and reconciles every
// enabled kind from the provider: organizations first, then projects per
// organization, then the project-tied kinds per project. Failures inside a
// batch are collected into the report, not fatal; the integration's
// last-synced timestamp advances only when the walk completes.
func (o *Orchestrator) AutoSync(ctx context.Context, integrationID string, fetcher Fetcher, since, until time.Time) (*AutoSyncReport, error) {
	integration, err := o.registry.GetIntegration(ctx, integrationID)
	if err != nil {
		return nil, err
	}

	settings, err := o.registry.EntitySettings(ctx, integrationID)
	if err != nil {
		return nil, err
	}

	enabled := make(map[EntityKind]bool, len(settings))
	for _, s := range settings {
		enabled[s.Kind] = s.Sync
	}

	o.logger.Info("auto-sync started",
		slog.String("integration_id", integrationID),
		slog.String("provider", integration.Provider),
	)

	report := &AutoSyncReport{Synced: make(map[EntityKind]int)}
	scope := FetchScope{Since: since, Until: until}

	orgs, err := o.syncKind(ctx, KindOrganization, enabled, fetcher, scope, report)
	if err != nil {
		return report, err
	}

	// Projects sync per synced organization; with the organization kind
	// disabled a single unscoped pass runs instead. A failed organization
	// is already counted in the report and gets no pass of its own.
	orgScopes := make([]FetchScope, 0, len(orgs))

	for _, org := range orgs {
		if org == nil {
			continue
		}

		orgScope := scope
		orgScope.Organization = org.Mapping
		orgScopes = append(orgScopes, orgScope)
	}

	if !enabled[KindOrganization] {
		orgScopes = append(orgScopes, scope)
	}

	for _, orgScope := range orgScopes {
		projects, err := o.syncKind(ctx, KindProject, enabled, fetcher, orgScope, report)
		if err != nil {
			return report, err
		}

		for _, project := range projects {
			if project == nil {
				continue
			}

			projScope := orgScope
			projScope.Project = project.Mapping

			for _, kind := range projectTiedKinds {
				if _, err := o.syncKind(ctx, kind, enabled, fetcher, projScope, report); err != nil {
					return report, err
				}
			}
		}
	}

	if err := o.registry.TouchLastSynced(ctx, integrationID); err != nil {
		return report, err
	}

	o.logger.Info("auto-sync complete",
		slog.String("integration_id", integrationID),
		slog.Int("failed", report.Failed),
	)

	return report, nil
}

// syncKind fetches and reconciles one enabled kind; disabled kinds are
// skipped silently.
func (o *Orchestrator) syncKind(
	ctx context.Context, kind EntityKind, enabled map[EntityKind]bool,
	fetcher Fetcher, scope FetchScope, report *AutoSyncReport,
) ([]*Outcome, error) {
	if !enabled[kind] {
		return nil, nil
	}

	reqs, err := fetcher.Fetch(ctx, kind, scope)
	if err != nil {
		return nil, fmt.Errorf("reconcile: fetching %s batch: %w", kind, err)
	}

	if len(reqs) == 0 {
		return nil, nil
	}

	outcomes, err := o.ProcessBatch(ctx, reqs)
	if err != nil {
		o.logger.Warn("batch completed with failures",
			slog.String("kind", string(kind)),
			slog.Int("requests", len(reqs)),
			slog.String("error", err.Error()),
		)
	}

	report.record(kind, outcomes)

	return outcomes, nil
}

// SyncRepositoryIssues reconciles a batch of issue requests for one linked
// repository, driving the repository's sync status through
// syncing → success/error. Issues whose labels fail the repository's
// auto-sync gate are skipped.
func (o *Orchestrator) SyncRepositoryIssues(ctx context.Context, repositoryID string, reqs []SyncRequest) (*AutoSyncReport, error) {
	repo, err := o.registry.GetRepository(ctx, repositoryID)
	if err != nil {
		return nil, err
	}

	eligible := reqs[:0:0]
	for _, req := range reqs {
		if repo.ShouldSyncIssue(issueLabels(req.Payload)) {
			eligible = append(eligible, req)
		}
	}

	if err := o.registry.SetRepositoryStatus(ctx, repositoryID, RepoStatusSyncing); err != nil {
		return nil, err
	}

	report := &AutoSyncReport{
		Synced:  make(map[EntityKind]int),
		Skipped: len(reqs) - len(eligible),
	}

	outcomes, batchErr := o.ProcessBatch(ctx, eligible)
	report.record(KindIssue, outcomes)

	status := RepoStatusSuccess
	if batchErr != nil {
		status = RepoStatusError
	}

	if err := o.registry.SetRepositoryStatus(ctx, repositoryID, status); err != nil {
		return report, err
	}

	if batchErr != nil {
		return report, batchErr
	}

	if err := o.registry.TouchLastSynced(ctx, repo.IntegrationID); err != nil {
		return report, err
	}

	return report, nil
}

// issueLabels extracts the label names riding on an issue payload.
func issueLabels(p Payload) []string {
	raw, ok := p["labels"].([]string)
	if ok {
		return raw
	}

	anyList, ok := p["labels"].([]any)
	if !ok {
		return nil
	}

	labels := make([]string, 0, len(anyList))

	for _, v := range anyList {
		if s, ok := v.(string); ok {
			labels = append(labels, s)
		}
	}

	return labels
}
