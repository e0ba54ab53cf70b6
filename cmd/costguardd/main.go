// Command costguardd runs the cost-control service: it ingests quantum task
// lifecycle events, maintains the deduplicating task ledger and cost
// aggregates, and drives deny-policy enforcement when budget watchers fire.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/qubitops/costguard/internal/adapters"
	"github.com/qubitops/costguard/internal/aggregator"
	"github.com/qubitops/costguard/internal/config"
	"github.com/qubitops/costguard/internal/enforcer"
	"github.com/qubitops/costguard/internal/event"
	"github.com/qubitops/costguard/internal/ledger"
	"github.com/qubitops/costguard/internal/metrics"
	"github.com/qubitops/costguard/internal/notify"
	"github.com/qubitops/costguard/internal/pipeline"
	"github.com/qubitops/costguard/internal/pricing"
	"github.com/qubitops/costguard/internal/recorder"
	"github.com/qubitops/costguard/internal/server"
	"github.com/qubitops/costguard/internal/watcher"
)

func main() {
	configPath := flag.String("config", "costguard.yaml", "path to the configuration file")
	flag.Parse()

	// Load .env before the config file so ${VAR} expansion sees it.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	setupLogging(cfg.Log.Level)

	if err := run(cfg); err != nil {
		log.Error().Err(err).Msg("costguardd: exiting with error")
		os.Exit(1)
	}
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

func run(cfg *config.Config) error {
	ctx := context.Background()

	db, err := ledger.OpenDB(cfg.Ledger.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	ledgerStore, err := ledger.NewSQLiteStore(db, config.DefaultSweepInterval)
	if err != nil {
		return fmt.Errorf("init task ledger: %w", err)
	}
	defer func() { _ = ledgerStore.Close() }()

	aggStore, err := aggregator.NewSQLiteStore(db)
	if err != nil {
		return fmt.Errorf("init aggregate store: %w", err)
	}

	catalog, err := buildCatalog(cfg.Pricing)
	if err != nil {
		return err
	}

	sink, err := buildSink(ctx, cfg.Metrics)
	if err != nil {
		return err
	}

	counters := metrics.NewCounters()

	controller, err := buildController(ctx, cfg.Enforcement, counters)
	if err != nil {
		return err
	}

	watchers := buildWatchers(cfg, controller)
	agg := aggregator.New(aggStore, sink, counters, watchers)
	dispatcher := notify.NewDispatcher(agg,
		notify.WithMaxRedeliveries(config.DefaultMaxRedeliveries),
		notify.WithRedeliveryHook(func() { counters.Redeliveries.Add(1) }),
	)
	rec := recorder.New(ledgerStore, dispatcher, cfg.Ledger.TaskTTL(), counters)
	p := pipeline.New(event.NewClassifier(catalog), rec, counters)

	srv := server.New(p, agg, controller, counters)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(cfg.Server) }()

	log.Info().
		Int("port", cfg.Server.Port).
		Str("db", cfg.Ledger.DBPath).
		Bool("dry_run", cfg.Enforcement.DryRun).
		Msg("costguardd: started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("costguardd: shutting down")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func buildCatalog(cfg config.PricingConfig) (*pricing.Catalog, error) {
	if cfg.CatalogPath == "" {
		return pricing.NewCatalog(), nil
	}
	catalog, err := pricing.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("load pricing catalog: %w", err)
	}
	return catalog, nil
}

func buildSink(ctx context.Context, cfg config.MetricsConfig) (metrics.Sink, error) {
	var sinks metrics.MultiSink
	if cfg.JSONLPath != "" {
		jsonl, err := metrics.NewJSONLSink(cfg.JSONLPath)
		if err != nil {
			return nil, fmt.Errorf("open metrics log: %w", err)
		}
		sinks = append(sinks, jsonl)
	}
	if cfg.CloudWatch.Enabled {
		cw, err := adapters.NewCloudWatchSink(ctx, cfg.CloudWatch.Namespace)
		if err != nil {
			return nil, fmt.Errorf("init cloudwatch sink: %w", err)
		}
		sinks = append(sinks, cw)
	}
	if len(sinks) == 0 {
		return metrics.NopSink{}, nil
	}
	return sinks, nil
}

func buildController(ctx context.Context, cfg config.EnforcementConfig, counters *metrics.Counters) (*enforcer.Controller, error) {
	var store enforcer.PolicyStore
	if cfg.DryRun {
		store = enforcer.DryRunPolicyStore{}
	} else {
		iamStore, err := adapters.NewIAMPolicyStore(ctx)
		if err != nil {
			return nil, fmt.Errorf("init policy store: %w", err)
		}
		store = iamStore
	}

	var alerter enforcer.Alerter = enforcer.LogAlerter{}
	if cfg.AlertWebhookURL != "" {
		alerter = enforcer.NewWebhookAlerter(cfg.AlertWebhookURL)
	}

	return enforcer.NewController(
		cfg.PolicyARN, cfg.Identities, store, counters,
		enforcer.WithAlerter(alerter),
		enforcer.WithMaxElapsed(config.DefaultEnforcementMaxElapsed),
	), nil
}

// buildWatchers creates the built-in threshold watchers from the configured
// limits. External watchers can post signals to /v1/signals instead.
func buildWatchers(cfg *config.Config, controller *enforcer.Controller) watcher.Set {
	scope := make([]string, 0, len(cfg.Enforcement.Identities))
	for _, id := range cfg.Enforcement.Identities {
		scope = append(scope, id.Name)
	}

	var set watcher.Set
	if cfg.Limits.MonthlyCostUSD > 0 {
		set = append(set, watcher.NewThresholdWatcher(
			"monthly-cost-limit", watcher.ScopeMonthly,
			pricing.FromUSD(cfg.Limits.MonthlyCostUSD), scope, controller,
		))
	}
	if cfg.Limits.AllTimeCostUSD > 0 {
		set = append(set, watcher.NewThresholdWatcher(
			"all-time-cost-limit", watcher.ScopeAllTime,
			pricing.FromUSD(cfg.Limits.AllTimeCostUSD), scope, controller,
		))
	}
	return set
}
