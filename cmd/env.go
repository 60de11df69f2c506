package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/sitevault-cli/internal/gate"
	"github.com/sells-group/sitevault-cli/internal/queue"
	"github.com/sells-group/sitevault-cli/internal/remediate"
	"github.com/sells-group/sitevault-cli/internal/resilience"
	"github.com/sells-group/sitevault-cli/internal/store"
	"github.com/sells-group/sitevault-cli/internal/vault"
)

// pipelineEnv holds the store and the services built on it, shared by the
// CLI commands and the HTTP server.
type pipelineEnv struct {
	Store    store.Store
	Service  *remediate.Service
	Promoter *vault.Promoter
	Drainer  *queue.Drainer
}

// Close releases resources held by the environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.SQLitePath)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initEnv validates config for the given mode, opens the store, migrates it,
// and wires the remediation service, promoter, and queue drainer. Callers
// should defer env.Close().
func initEnv(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	promoter := vault.NewPromoter(st)

	drainCfg := queue.Config{
		Workers:    cfg.Queue.Workers,
		BatchSize:  cfg.Queue.BatchSize,
		RatePerSec: cfg.Queue.RatePerSec,
		Retry: resilience.FromRetryConfig(
			cfg.Retry.MaxAttempts,
			cfg.Retry.InitialBackoffMs,
			cfg.Retry.MaxBackoffMs,
			cfg.Retry.Multiplier,
			cfg.Retry.JitterFraction,
		),
		Breaker: resilience.NewCircuitBreaker(resilience.FromCircuitConfig(
			cfg.Circuit.FailureThreshold,
			cfg.Circuit.ResetTimeoutSecs,
		)),
	}

	return &pipelineEnv{
		Store:    st,
		Service:  remediate.NewService(st, gate.New(cfg.Gate.ConfidenceFloor)),
		Promoter: promoter,
		Drainer:  queue.NewDrainer(st, promoter, drainCfg),
	}, nil
}
