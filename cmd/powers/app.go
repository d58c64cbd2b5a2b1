package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/schoolpower/powers/pkg/config"
	"github.com/schoolpower/powers/pkg/journal"
	"github.com/schoolpower/powers/pkg/ledger"
	"github.com/schoolpower/powers/pkg/logging"
	"github.com/schoolpower/powers/pkg/powers"
	"github.com/schoolpower/powers/pkg/pricing"
	"github.com/schoolpower/powers/pkg/store"
)

// identityEnv lets a host process hand the user identity to the CLI.
const identityEnv = "POWERS_IDENTITY"

// app bundles everything a command needs.
type app struct {
	cfg      *config.Config
	log      logging.Logger
	store    *store.SQLiteStore
	journal  *journal.Journal
	ledger   *ledger.Client
	powers   *powers.Service
	registry *prometheus.Registry
}

func loadConfig(g *globalOptions) (*config.Config, logging.Logger, error) {
	cfg, err := config.LoadOrDefault(g.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	level := cfg.LogLevel
	if g.logLevel != "" {
		level = g.logLevel
	}
	// stdout carries command output and the MCP protocol.
	return cfg, logging.NewWithOutput(level, os.Stderr), nil
}

// openApp wires config, local store, ledger client, journal and the Powers
// service, then initializes the service. manual keeps the background loop
// stopped for one-shot commands.
func openApp(ctx context.Context, g *globalOptions, manual bool) (*app, error) {
	cfg, log, err := loadConfig(g)
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	st, err := store.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	a := &app{cfg: cfg, log: log, store: st, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := powers.Options{
		Store:   st,
		Pricing: pricing.New(cfg.Pricing),
		Identity: func() (string, bool) {
			v := os.Getenv(identityEnv)
			return v, v != ""
		},
		Logger: log,
		Settings: powers.Settings{
			DailyLimit:   cfg.Powers.DailyLimit,
			RenewalHour:  cfg.Powers.RenewalHour,
			Location:     loc,
			HistoryLimit: cfg.Powers.HistoryLimit,
			SyncInterval: cfg.Powers.SyncInterval,
			MaxRetries:   cfg.Powers.MaxRetries,
			BaseDelay:    cfg.Powers.BaseDelay,
			MaxDelay:     cfg.Powers.MaxDelay,
		},
		Registerer: a.registry,
		Manual:     manual,
	}

	if cfg.Ledger.URL != "" {
		client, err := ledger.New(ledger.Config{
			BaseURL:         cfg.Ledger.URL,
			Timeout:         cfg.Ledger.Timeout,
			BreakerFailures: cfg.Ledger.BreakerFailures,
			BreakerWindow:   cfg.Ledger.BreakerWindow,
			BreakerDelay:    cfg.Ledger.BreakerDelay,
			ResetRetries:    cfg.Ledger.ResetRetries,
			Logger:          log,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init ledger client: %w", err)
		}
		a.ledger = client
		opts.Remote = client
	} else {
		log.Warn("no ledger url configured, debits stay queued locally")
	}

	if cfg.Journal.Enabled {
		j, err := journal.New(cfg.Journal)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init journal: %w", err)
		}
		a.journal = j
		opts.Journal = j
	}

	svc, err := powers.New(opts)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.powers = svc

	identity := g.identity
	if identity == "" {
		identity = cfg.Identity
	}
	if _, err := svc.Init(ctx, identity); err != nil {
		a.Close()
		return nil, fmt.Errorf("init powers: %w", err)
	}
	return a, nil
}

// Close shuts the service down and releases the databases.
func (a *app) Close() {
	if a.powers != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.powers.Shutdown(ctx); err != nil {
			a.log.WithError(err).Warn("shutdown did not finish cleanly")
		}
		cancel()
	}
	if a.journal != nil {
		_ = a.journal.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}
