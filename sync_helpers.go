package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/planwise/plansync/internal/calendar"
	"github.com/planwise/plansync/internal/config"
	"github.com/planwise/plansync/internal/localstore"
	"github.com/planwise/plansync/internal/sync"
)

// cliEnv bundles the wired sync stack for one command invocation.
type cliEnv struct {
	client  *calendar.Client
	state   *sync.SQLiteStore
	store   *localstore.Store
	engine  *sync.Engine
	account string
}

func (e *cliEnv) close() {
	if e.state != nil {
		e.state.Close()
	}
}

// buildEnv wires credentials, the calendar client, the state database,
// the local session store, and the engine from the resolved config.
func buildEnv(ctx context.Context, logger *slog.Logger) (*cliEnv, error) {
	cfg := resolvedCfg

	ts, err := calendar.TokenSourceFromPath(ctx, config.DefaultTokenPath(), logger)
	if err != nil {
		return nil, fmt.Errorf("not logged in (run 'plansync login'): %w", err)
	}

	client := calendar.NewClient(cfg.Calendar.BaseURL, defaultHTTPClient(), ts, logger, cfg.Network.UserAgent)

	state, err := sync.NewStore(config.DefaultStatePath(), logger)
	if err != nil {
		return nil, err
	}

	store, err := localstore.Open(config.DefaultSessionsPath())
	if err != nil {
		state.Close()
		return nil, err
	}

	account := ts.Identity()

	location, err := time.LoadLocation(cfg.Calendar.TimeZone)
	if err != nil {
		location = time.UTC
	}

	engine := sync.NewEngine(client, client, state, store, store.Courses(account), account, location, sync.Options{
		CalendarSummary: cfg.Calendar.Name,
		TimeZone:        cfg.Calendar.TimeZone,
		GraceWindow:     cfg.GraceWindow(),
		PastHorizon:     cfg.PastHorizon(),
		FutureHorizon:   cfg.FutureHorizon(),
		DryRun:          cfg.Sync.DryRun,
	}, logger)

	return &cliEnv{
		client:  client,
		state:   state,
		store:   store,
		engine:  engine,
		account: account,
	}, nil
}
