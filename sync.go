package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/opsgrid/intermap/internal/config"
	"github.com/opsgrid/intermap/internal/provider"
	"github.com/opsgrid/intermap/internal/reconcile"
)

// httpClientTimeout is the default timeout for provider HTTP requests.
// Prevents hung connections from blocking a sync pass indefinitely.
const httpClientTimeout = 30 * time.Second

var flagWindow string

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one poll-based sync pass against the time tracker",
		Long: `Fetch organizations, projects, tasks, activities, screenshots, and
time logs from the configured time-tracker account and reconcile them
into the local store. Processes one window ending now.`,
		Args: cobra.NoArgs,
		RunE: runSync,
	}

	cmd.Flags().StringVar(&flagWindow, "window", "", "sync window (e.g. 24h), overrides config")

	return cmd
}

func runSync(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()
	cfg := resolvedCfg

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	window := config.Duration(cfg.Sync.Window)

	if flagWindow != "" {
		parsed, err := time.ParseDuration(flagWindow)
		if err != nil {
			return fmt.Errorf("parsing --window: %w", err)
		}

		window = parsed
	}

	store, err := reconcile.NewStore(cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	if err := ensureIntegration(ctx, store, cfg); err != nil {
		return err
	}

	ocfg := &oauth2.Config{
		ClientID:     cfg.Provider.ClientID,
		ClientSecret: cfg.Provider.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: cfg.Provider.TokenURL},
	}

	token := provider.NewTokenSource(ctx, ocfg, cfg.Provider.RefreshToken)
	client := provider.NewClient(cfg.Provider.BaseURL, &http.Client{Timeout: httpClientTimeout}, token, logger)
	tracker := provider.NewTimeTracker(client, providerIdentity(cfg))

	orch := reconcile.NewOrchestrator(store, syncOptions(cfg), logger)

	until := time.Now()
	since := until.Add(-window)

	report, err := orch.AutoSync(ctx, cfg.Identity.IntegrationID, tracker, since, until)
	if err != nil {
		return fmt.Errorf("sync pass: %w", err)
	}

	return printReport(report)
}

// printReport writes the per-kind sync counts to stdout, as JSON when the
// --json flag is set.
func printReport(report *reconcile.AutoSyncReport) error {
	if flagJSON {
		out := struct {
			Synced  map[reconcile.EntityKind]int `json:"synced"`
			Created int                          `json:"created"`
			Failed  int                          `json:"failed"`
		}{Synced: report.Synced, Created: report.Created, Failed: report.Failed}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(out)
	}

	kinds := make([]string, 0, len(report.Synced))
	for kind := range report.Synced {
		kinds = append(kinds, string(kind))
	}

	sort.Strings(kinds)

	for _, kind := range kinds {
		fmt.Printf("%-14s %d\n", kind, report.Synced[reconcile.EntityKind(kind)])
	}

	fmt.Printf("%-14s %d\n", "created", report.Created)

	if report.Failed > 0 {
		fmt.Printf("%-14s %d\n", "failed", report.Failed)
	}

	return nil
}
