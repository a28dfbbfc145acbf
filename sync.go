package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/planwise/plansync/internal/sync"
)

func newSyncCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle against the destination calendar",
		Long: `Pull remote changes, reconcile them with local sessions, and push the
merged result back. With --dry-run, report what would change without
writing anywhere.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("dry-run") {
				resolvedCfg.Sync.DryRun = dryRun
			}

			return runSync()
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report changes without writing")

	return cmd
}

func runSync() error {
	logger := buildLogger()
	ctx := context.Background()

	env, err := buildEnv(ctx, logger)
	if err != nil {
		return err
	}
	defer env.close()

	report, err := env.engine.Sync(ctx, env.account)
	if err != nil {
		return err
	}

	if flagJSON {
		return printReportJSON(report)
	}

	printReport(report)

	return nil
}

// reportOutput is the JSON schema for `sync --json`.
type reportOutput struct {
	Status     string       `json:"status"`
	DurationMS int64        `json:"duration_ms"`
	Created    int          `json:"created"`
	Updated    int          `json:"updated"`
	Deleted    int          `json:"deleted"`
	Skipped    int          `json:"skipped"`
	Imported   int          `json:"imported"`
	Recurring  int          `json:"recurring"`
	Sessions   int          `json:"sessions"`
	ItemErrors []itemErrOut `json:"item_errors,omitempty"`
}

type itemErrOut struct {
	SessionID string `json:"session_id"`
	Op        string `json:"op"`
	Error     string `json:"error"`
}

func buildReportOutput(report *sync.Report) reportOutput {
	out := reportOutput{
		Status:     string(report.Status),
		DurationMS: report.Duration.Milliseconds(),
		Created:    report.Created,
		Updated:    report.Updated,
		Deleted:    report.Deleted,
		Skipped:    report.Skipped,
		Imported:   report.Imported,
		Recurring:  report.Recurring,
		Sessions:   len(report.Sessions),
	}

	for _, ie := range report.ItemErrors {
		out.ItemErrors = append(out.ItemErrors, itemErrOut{
			SessionID: ie.SessionID,
			Op:        ie.Op,
			Error:     ie.Err.Error(),
		})
	}

	return out
}

func printReportJSON(report *sync.Report) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(buildReportOutput(report))
}

func printReport(report *sync.Report) {
	switch report.Status {
	case sync.RunSynced:
		statusf("Synced in %s.\n", report.Duration.Round(time.Millisecond))
	case sync.RunPartial:
		statusf("Partially synced in %s (%d item errors).\n",
			report.Duration.Round(time.Millisecond), len(report.ItemErrors))
	default:
		statusf("Sync failed.\n")
	}

	statusf("  created %d, updated %d, deleted %d, skipped %d\n",
		report.Created, report.Updated, report.Deleted, report.Skipped)
	statusf("  %d sessions (%d recurring series)\n", len(report.Sessions), report.Recurring)

	for _, ie := range report.ItemErrors {
		fmt.Fprintf(os.Stderr, "  %s %s: %v\n", ie.Op, ie.SessionID, ie.Err)
	}
}
