package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/perivale/ledgersync/internal/books"
	"github.com/perivale/ledgersync/internal/config"
	"github.com/perivale/ledgersync/internal/engine"
	"github.com/perivale/ledgersync/internal/gate"
	"github.com/perivale/ledgersync/internal/tokenfile"
)

// app bundles the wired components every command operates through. All
// admission-control state lives in the gate and is process-local.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	gate   *gate.Gate
	client *books.Client
	store  *engine.Store
	orch   *engine.Orchestrator
	proc   *engine.Processor
}

// newApp wires the full stack from the loaded config. Requires a prior
// login; commands that only touch local state use newLocalApp instead.
func newApp(ctx context.Context) (*app, error) {
	a, err := newLocalApp(ctx)
	if err != nil {
		return nil, err
	}

	source, err := tokenfile.NewSource(cfg.API.TokenPath, oauthConfig(cfg), a.logger)
	if err != nil {
		a.Close()

		if errors.Is(err, tokenfile.ErrNotFound) {
			return nil, fmt.Errorf("not logged in — run 'ledgersync login' first")
		}

		return nil, err
	}

	httpClient := &http.Client{Timeout: cfg.APITimeout()}
	a.client = books.NewClient(cfg.API.BaseURL, httpClient, source, a.gate.Limiter, a.logger)

	a.orch = engine.NewOrchestrator(a.store, a.client, a.gate.Lock, a.gate.Quota,
		cfg.Sync.PerPage, cfg.Sync.FullSyncEstimate, a.logger)

	a.proc = engine.NewProcessor(a.store, a.client, a.gate.Quota, engine.ProcessorConfig{
		BatchSize:   cfg.Bulk.BatchSize,
		MaxAttempts: cfg.Bulk.MaxItemAttempts,
		ItemDelay:   cfg.ItemDelay(),
	}, a.logger)

	return a, nil
}

// newLocalApp wires the store and gate without the remote client, for
// commands that never call the Books API (job creation, listings, usage).
func newLocalApp(ctx context.Context) (*app, error) {
	logger := buildLogger(cfg)

	store, err := engine.OpenStore(ctx, cfg.Database.Path, logger)
	if err != nil {
		return nil, err
	}

	g := gate.New(gate.Options{
		TokensPerWindow: cfg.Limits.TokensPerWindow,
		Window:          cfg.WindowDuration(),
		DailyLimit:      cfg.Limits.DailyLimit,
		DailyReserve:    cfg.Limits.DailyReserve,
		LockStaleAfter:  cfg.LockStaleAfter(),
	}, logger)

	return &app{
		cfg:    cfg,
		logger: logger,
		gate:   g,
		store:  store,
	}, nil
}

// Close releases the database handle.
func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing store", slog.String("error", err.Error()))
	}
}

// oauthConfig builds the refresh-token exchange config from the API section.
func oauthConfig(c *config.Config) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.API.ClientID,
		ClientSecret: c.API.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL: c.API.TokenURL,
		},
	}
}
