// Package engine assembles the research services behind one facade: shared
// rate limiter and cache, strategy registry, planner, orchestrator, and the
// job ledger. CLI and server surfaces talk only to this package.
package engine

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/research-engine/internal/config"
	"github.com/sells-group/research-engine/internal/ledger"
	"github.com/sells-group/research-engine/internal/match"
	"github.com/sells-group/research-engine/internal/model"
	"github.com/sells-group/research-engine/internal/orchestrator"
	"github.com/sells-group/research-engine/internal/planner"
	"github.com/sells-group/research-engine/internal/ratelimit"
	"github.com/sells-group/research-engine/internal/rescache"
	"github.com/sells-group/research-engine/internal/resilience"
	"github.com/sells-group/research-engine/internal/strategy"
	"github.com/sells-group/research-engine/internal/synth"
)

// Engine owns the process-wide research services. Construct once, share
// across jobs; the limiter and cache are deliberately singletons held here,
// never ambient globals.
type Engine struct {
	cfg      *config.Config
	store    ledger.Store
	registry *strategy.Registry
	planner  *planner.Planner
	orch     *orchestrator.Orchestrator
	limiter  *ratelimit.Keyed
	cache    *rescache.Cache
}

// New wires an engine from configuration. The registry is supplied by the
// caller so surfaces decide which strategies exist (fixtures, tests).
func New(ctx context.Context, cfg *config.Config, registry *strategy.Registry) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close() //nolint:errcheck
		return nil, err
	}

	limiter := ratelimit.NewKeyed(ratelimit.Config{
		MaxConcurrent:     cfg.Limits.MaxConcurrentPerTarget,
		RequestsPerSecond: cfg.Limits.RequestsPerSecondPerTarget,
	})
	cache := rescache.New(cfg.Cache.MaxEntries)

	retry := resilience.RetryConfig{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		InitialBackoff: time.Duration(cfg.Retry.BaseDelayMS) * time.Millisecond,
		MaxBackoff:     time.Duration(cfg.Retry.MaxDelayMS) * time.Millisecond,
		Multiplier:     2.0,
		JitterFraction: 0.25,
		RequestTimeout: time.Duration(cfg.Retry.RequestTimeoutSecs) * time.Second,
	}

	order := make([]model.SourceType, len(cfg.Synth.SourcePriorityOrder))
	for i, s := range cfg.Synth.SourcePriorityOrder {
		order[i] = model.SourceType(s)
	}

	matcher := match.New(cfg.Match.FuzzyThreshold)
	synthesizer := synth.New(synth.NewPriority(order), cfg.Synth.RequiredFields)

	orch := orchestrator.New(
		orchestrator.Config{
			MaxStrategies:         cfg.Orchestrator.MaxStrategiesPerJob,
			MaxJobDuration:        cfg.Orchestrator.MaxJobDuration(),
			MaxParallelStrategies: cfg.Orchestrator.MaxParallelStrategies,
			CoverageThreshold:     cfg.Orchestrator.CoverageThreshold,
		},
		registry,
		matcher,
		synthesizer,
		store,
		strategy.Deps{
			Limiter:  limiter,
			Retry:    retry,
			Cache:    cache,
			CacheTTL: time.Duration(cfg.Cache.TTLHours) * time.Hour,
		},
		resilience.NewTargetBreaker(resilience.DefaultBreakerConfig()),
	)

	return &Engine{
		cfg:      cfg,
		store:    store,
		registry: registry,
		planner:  planner.New(registry, planner.DefaultRules()...),
		orch:     orch,
		limiter:  limiter,
		cache:    cache,
	}, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (ledger.Store, error) {
	switch cfg.Driver {
	case "memory":
		return ledger.NewMemory(), nil
	case "sqlite":
		return ledger.NewSQLite(cfg.SQLitePath)
	case "postgres":
		return ledger.NewPostgres(ctx, cfg.DatabaseURL, &ledger.PoolConfig{
			MaxConns: cfg.MaxConns,
			MinConns: cfg.MinConns,
		})
	default:
		return nil, eris.Errorf("engine: unknown store driver %q", cfg.Driver)
	}
}

// StartJob creates a job for the target and runs it to completion. When
// override is non-empty it replaces rule-based planning with the given
// strategy order.
func (e *Engine) StartJob(ctx context.Context, identity string, typ model.TargetType, override []string) (*model.Job, error) {
	job, err := e.store.CreateJob(ctx, identity, typ)
	if err != nil {
		return nil, err
	}

	profile := model.EntityProfile{
		Identity: identity,
		Type:     typ,
		Name:     identity,
	}

	var plan []planner.PlannedStrategy
	if len(override) > 0 {
		plan = e.planner.PlanOverride(override)
	} else {
		plan = e.planner.Plan(profile)
	}

	return e.orch.Run(ctx, job, profile, plan)
}

// StartJobAsync creates the job, then runs it in a background goroutine.
// The pending job is returned immediately; progress is observable through
// GetJob.
func (e *Engine) StartJobAsync(ctx context.Context, identity string, typ model.TargetType, override []string) (*model.Job, error) {
	job, err := e.store.CreateJob(ctx, identity, typ)
	if err != nil {
		return nil, err
	}

	profile := model.EntityProfile{
		Identity: identity,
		Type:     typ,
		Name:     identity,
	}

	var plan []planner.PlannedStrategy
	if len(override) > 0 {
		plan = e.planner.PlanOverride(override)
	} else {
		plan = e.planner.Plan(profile)
	}

	go func() {
		// The job outlives the request that started it.
		runCtx := context.WithoutCancel(ctx)
		if _, err := e.orch.Run(runCtx, job, profile, plan); err != nil {
			zap.L().Error("async job run", zap.String("job_id", job.ID), zap.Error(err))
		}
	}()

	return job, nil
}

// GetJob returns the job with its reasoning log, errors, and summary.
func (e *Engine) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	return e.store.GetJob(ctx, jobID)
}

// GetAttempts returns the job's strategy attempt history.
func (e *Engine) GetAttempts(ctx context.Context, jobID string) ([]model.StrategyAttempt, error) {
	return e.store.GetAttempts(ctx, jobID)
}

// GetMergedEntity looks up a merged entity by raw or normalized name.
func (e *Engine) GetMergedEntity(ctx context.Context, name string) (*model.MergedEntity, error) {
	return e.store.GetEntity(ctx, match.NormalizeName(name))
}

// CacheStats exposes response-cache counters for the health endpoint.
func (e *Engine) CacheStats() rescache.Stats {
	return e.cache.Stats()
}

// Close releases the ledger.
func (e *Engine) Close() error {
	return e.store.Close()
}
