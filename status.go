package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/opsgrid/intermap/internal/reconcile"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show integration state and active mapping counts",
		Long: `Display the configured integration, its last completed sync pass,
and the number of active mappings per entity kind.`,
		Args: cobra.NoArgs,
		RunE: runStatus,
	}
}

// integrationStatus is the JSON shape for --json output.
type integrationStatus struct {
	ID           string         `json:"id"`
	Provider     string         `json:"provider"`
	Active       bool           `json:"active"`
	LastSyncedAt string         `json:"last_synced_at,omitempty"`
	Mappings     map[string]int `json:"mappings"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()
	cfg := resolvedCfg

	store, err := reconcile.NewStore(cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	ctx := cmd.Context()

	integration, err := store.GetIntegration(ctx, cfg.Identity.IntegrationID)
	if err != nil {
		return fmt.Errorf("loading integration: %w", err)
	}

	counts, err := store.CountActiveMappings(ctx, integration.ID)
	if err != nil {
		return fmt.Errorf("counting mappings: %w", err)
	}

	if flagJSON {
		return printStatusJSON(integration, counts)
	}

	printStatusText(integration, counts)

	return nil
}

func printStatusJSON(integration *reconcile.Integration, counts map[reconcile.EntityKind]int) error {
	out := integrationStatus{
		ID:       integration.ID,
		Provider: integration.Provider,
		Active:   integration.IsActive,
		Mappings: make(map[string]int, len(counts)),
	}

	if last, ok := integration.LastSyncedTime(); ok {
		out.LastSyncedAt = last.Format(time.RFC3339)
	}

	for kind, n := range counts {
		out.Mappings[string(kind)] = n
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(out)
}

func printStatusText(integration *reconcile.Integration, counts map[reconcile.EntityKind]int) {
	state := "active"
	if !integration.IsActive {
		state = "inactive"
	}

	lastSynced := "never"
	if last, ok := integration.LastSyncedTime(); ok {
		lastSynced = formatTime(last)
	}

	fmt.Printf("Integration: %s (%s, %s)\n", integration.ID, integration.Provider, state)
	fmt.Printf("Last synced: %s\n", lastSynced)

	if len(counts) == 0 {
		fmt.Println("No active mappings.")
		return
	}

	kinds := make([]string, 0, len(counts))
	for kind := range counts {
		kinds = append(kinds, string(kind))
	}

	sort.Strings(kinds)

	rows := make([][]string, 0, len(kinds))
	for _, kind := range kinds {
		rows = append(rows, []string{kind, fmt.Sprintf("%d", counts[reconcile.EntityKind(kind)])})
	}

	fmt.Println()
	printTable(os.Stdout, []string{"KIND", "MAPPINGS"}, rows)
}
