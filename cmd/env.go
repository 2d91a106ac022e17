package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pricing-cli/internal/cycle"
	"github.com/sells-group/pricing-cli/internal/ledger"
	"github.com/sells-group/pricing-cli/internal/monitoring"
	"github.com/sells-group/pricing-cli/internal/pricestore"
	"github.com/sells-group/pricing-cli/internal/resilience"
	"github.com/sells-group/pricing-cli/internal/revert"
	"github.com/sells-group/pricing-cli/internal/scores"
	"github.com/sells-group/pricing-cli/internal/txn"
)

// appEnv holds the initialized ledger, adapters, and engines needed by the
// publish/revert/serve commands.
type appEnv struct {
	Ledger  ledger.Ledger
	Store   pricestore.Store
	Source  scores.Source
	Manager *txn.Manager
	Runner  *cycle.Runner
	Revert  *revert.Engine

	sink *monitoring.WebhookSink
}

// Close drains in-flight alerts and releases resources held by the
// environment.
func (e *appEnv) Close() {
	if e.sink != nil {
		e.sink.Flush()
	}
	if e.Ledger != nil {
		_ = e.Ledger.Close()
	}
}

func initLedger(ctx context.Context) (ledger.Ledger, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		path := cfg.Store.Path
		if path == "" {
			path = "pricing.db"
		}
		return ledger.NewSQLite(path)
	case "postgres":
		return ledger.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func initSource() (scores.Source, error) {
	switch cfg.Scores.Source {
	case "file":
		return scores.NewFile(cfg.Scores.Dir), nil
	case "http":
		return scores.NewHTTP(scores.HTTPConfig{
			BaseURL: cfg.Scores.BaseURL,
			APIKey:  cfg.Scores.APIKey,
		}), nil
	default:
		return nil, eris.Errorf("unsupported scores source: %s", cfg.Scores.Source)
	}
}

// initEnv validates config for mode, opens the ledger, runs migrations,
// and wires the adapters and engines. confirm may be nil for modes with
// no interactive prompt. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string, confirm revert.ConfirmFunc) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	l, err := initLedger(ctx)
	if err != nil {
		return nil, err
	}
	if err := l.Migrate(ctx); err != nil {
		_ = l.Close()
		return nil, eris.Wrap(err, "migrate ledger")
	}

	source, err := initSource()
	if err != nil {
		_ = l.Close()
		return nil, err
	}

	store := pricestore.NewHTTP(pricestore.HTTPConfig{
		BaseURL:          cfg.PriceStore.BaseURL,
		APIKey:           cfg.PriceStore.APIKey,
		ReadTimeoutSecs:  cfg.PriceStore.TimeoutSecs,
		WriteTimeoutSecs: cfg.PriceStore.TimeoutSecs,
		RateLimitPerSec:  cfg.PriceStore.RatePerSecond,
	})

	tolerance, err := cfg.VerifyToleranceDecimal()
	if err != nil {
		_ = l.Close()
		return nil, err
	}

	sink := monitoring.NewWebhookSink(cfg.Alerts.WebhookURL)
	mgr := txn.NewManager(l, store, sink, txn.Config{
		Retry: resilience.FromRetryConfig(
			cfg.Publish.MaxAttempts,
			cfg.Publish.InitialBackoffMS,
			cfg.Publish.MaxBackoffSecs*1000,
			0, -1,
		),
		VerifyTolerance:    tolerance,
		StalenessThreshold: time.Duration(cfg.Publish.StalenessMinutes) * time.Minute,
		Actor:              cfg.Publish.Actor,
	})

	return &appEnv{
		Ledger:  l,
		Store:   store,
		Source:  source,
		Manager: mgr,
		Runner:  cycle.NewRunner(l, store, source, mgr, cfg.Publish.Concurrency),
		Revert:  revert.NewEngine(l, mgr, store, confirm),
		sink:    sink,
	}, nil
}
