package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opsgrid/intermap/internal/config"
	"github.com/opsgrid/intermap/internal/httpapi"
	"github.com/opsgrid/intermap/internal/provider"
	"github.com/opsgrid/intermap/internal/reconcile"
)

// readHeaderTimeout bounds how long a client may take to send request
// headers. Prevents slow-loris connections from pinning goroutines.
const readHeaderTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook receiver and reconciliation API",
		Long: `Start the HTTP server: GitHub webhook receiver, manual re-sync
endpoint, and integration status. Runs until interrupted; in-flight
requests get the configured shutdown grace period.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()
	cfg := resolvedCfg

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := reconcile.NewStore(cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	if err := ensureIntegration(ctx, store, cfg); err != nil {
		return err
	}

	orch := reconcile.NewOrchestrator(store, syncOptions(cfg), logger)
	translator := provider.NewGitHubTranslator(providerIdentity(cfg))
	api := httpapi.NewServer(orch, translator, store, []byte(cfg.Server.WebhookSecret), logger)

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           api.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)

	go func() {
		logger.Info("listening", slog.String("addr", cfg.Server.Listen))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serving: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.Duration(cfg.Server.ShutdownTimeout))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving: %w", err)
	}

	return nil
}

// syncOptions maps the sync config section onto orchestrator options.
func syncOptions(cfg *config.Config) reconcile.Options {
	return reconcile.Options{
		Workers:    cfg.Sync.Workers,
		MaxRetries: uint64(cfg.Sync.MaxRetries),
		RetryBase:  config.Duration(cfg.Sync.RetryBase),
	}
}

// providerIdentity builds the tenant scope stamped onto every sync request.
func providerIdentity(cfg *config.Config) provider.Identity {
	return provider.Identity{
		TenantID:       cfg.Identity.TenantID,
		OrganizationID: cfg.Identity.OrganizationID,
		IntegrationID:  cfg.Identity.IntegrationID,
	}
}

// defaultEntitySettings enables every poll-synced kind. Projects nest under
// organizations; the rest nest under projects.
func defaultEntitySettings() []reconcile.EntitySetting {
	return []reconcile.EntitySetting{
		{Kind: reconcile.KindOrganization, Sync: true},
		{Kind: reconcile.KindProject, Sync: true, TiedTo: reconcile.KindOrganization},
		{Kind: reconcile.KindTask, Sync: true, TiedTo: reconcile.KindProject},
		{Kind: reconcile.KindActivity, Sync: true, TiedTo: reconcile.KindProject},
		{Kind: reconcile.KindScreenshot, Sync: true, TiedTo: reconcile.KindProject},
		{Kind: reconcile.KindTimeLog, Sync: true, TiedTo: reconcile.KindProject},
	}
}

// ensureIntegration registers the configured integration on first run so
// sync passes and status lookups have a row to work against.
func ensureIntegration(ctx context.Context, store *reconcile.SQLiteStore, cfg *config.Config) error {
	_, err := store.GetIntegration(ctx, cfg.Identity.IntegrationID)
	if err == nil {
		return nil
	}

	if !errors.Is(err, reconcile.ErrIntegrationNotFound) {
		return fmt.Errorf("loading integration: %w", err)
	}

	integration := &reconcile.Integration{
		ID:             cfg.Identity.IntegrationID,
		TenantID:       cfg.Identity.TenantID,
		OrganizationID: cfg.Identity.OrganizationID,
		Provider:       "github",
	}

	if err := store.CreateIntegration(ctx, integration, defaultEntitySettings()); err != nil {
		return fmt.Errorf("registering integration: %w", err)
	}

	return nil
}
