package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/planwise/plansync/internal/config"
	"github.com/planwise/plansync/internal/sync"
	"github.com/planwise/plansync/internal/tokenfile"
)

// Token state constants for status reporting.
const (
	tokenStateMissing = "missing"
	tokenStateExpired = "expired"
	tokenStateValid   = "valid"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the account, token state, and last sync run",
		RunE:  runStatus,
	}
}

// statusOutput is the JSON schema for `status --json`.
type statusOutput struct {
	Account    string         `json:"account,omitempty"`
	TokenState string         `json:"token_state"`
	CalendarID string         `json:"calendar_id,omitempty"`
	LastRun    *lastRunOutput `json:"last_run,omitempty"`
}

type lastRunOutput struct {
	At         string `json:"at"`
	Success    bool   `json:"success"`
	Status     string `json:"status"`
	Created    int    `json:"created"`
	Updated    int    `json:"updated"`
	Deleted    int    `json:"deleted"`
	Skipped    int    `json:"skipped"`
	Recurring  int    `json:"recurring"`
	ItemErrors int    `json:"item_errors"`
	Error      string `json:"error,omitempty"`
}

func runStatus(_ *cobra.Command, _ []string) error {
	logger := buildLogger()
	ctx := context.Background()

	out := statusOutput{TokenState: tokenStateMissing}

	tok, meta, err := tokenfile.Load(config.DefaultTokenPath())
	if err != nil {
		return err
	}

	if tok != nil {
		out.Account = meta[tokenfile.MetaAccount]
		out.TokenState = classifyTokenState(tok)
	}

	if out.Account != "" {
		if err := fillRunStatus(ctx, logger, &out); err != nil {
			return err
		}
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(out)
	}

	printStatus(&out)

	return nil
}

// classifyTokenState reports whether a stored token is usable. A token
// past its expiry is still valid when a refresh token can renew it.
func classifyTokenState(tok *oauth2.Token) string {
	if !tok.Expiry.IsZero() && tok.Expiry.Before(time.Now()) && tok.RefreshToken == "" {
		return tokenStateExpired
	}

	return tokenStateValid
}

// fillRunStatus loads the cached calendar id and the last run record from
// the state database. A missing database just means no sync has run yet.
func fillRunStatus(ctx context.Context, logger *slog.Logger, out *statusOutput) error {
	if _, err := os.Stat(config.DefaultStatePath()); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	state, err := sync.NewStore(config.DefaultStatePath(), logger)
	if err != nil {
		return err
	}
	defer state.Close()

	calendarID, err := state.GetCalendarID(ctx, out.Account)
	if err != nil {
		return err
	}

	out.CalendarID = calendarID

	if calendarID == "" {
		return nil
	}

	stats, err := state.LastRun(ctx, calendarID)
	if err != nil || stats == nil {
		return err
	}

	out.LastRun = &lastRunOutput{
		At:         time.Unix(0, stats.FinishedAt).Format(time.RFC3339),
		Success:    stats.Success,
		Status:     stats.Status,
		Created:    stats.Created,
		Updated:    stats.Updated,
		Deleted:    stats.Deleted,
		Skipped:    stats.Skipped,
		Recurring:  stats.Recurring,
		ItemErrors: stats.ItemErrors,
		Error:      stats.Error,
	}

	return nil
}

func printStatus(out *statusOutput) {
	statusf("Account:  %s\n", orDash(out.Account))
	statusf("Token:    %s\n", out.TokenState)
	statusf("Calendar: %s\n", orDash(out.CalendarID))

	if out.LastRun == nil {
		statusf("Last run: never\n")
		return
	}

	statusf("Last run: %s (%s)\n", out.LastRun.At, out.LastRun.Status)
	statusf("  created %d, updated %d, deleted %d, skipped %d, recurring %d\n",
		out.LastRun.Created, out.LastRun.Updated, out.LastRun.Deleted,
		out.LastRun.Skipped, out.LastRun.Recurring)

	if out.LastRun.Error != "" {
		statusf("  error: %s\n", out.LastRun.Error)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}

	return s
}
