// Package orchestrator drives the plan -> execute -> merge -> stop/continue
// loop for one research job. Control flow is an explicit state machine with
// pure stop predicates; every decision lands in the job's reasoning log.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/research-engine/internal/ledger"
	"github.com/sells-group/research-engine/internal/match"
	"github.com/sells-group/research-engine/internal/model"
	"github.com/sells-group/research-engine/internal/planner"
	"github.com/sells-group/research-engine/internal/resilience"
	"github.com/sells-group/research-engine/internal/strategy"
	"github.com/sells-group/research-engine/internal/synth"
)

// State is the orchestrator's position in the job control loop.
type State string

const (
	StatePlanned    State = "planned"
	StateExecuting  State = "executing"
	StateContinuing State = "continuing"
	StateStopping   State = "stopping"
	StateFinalized  State = "finalized"
)

// Config bounds one job's execution.
type Config struct {
	MaxStrategies         int           `yaml:"max_strategies_per_job" mapstructure:"max_strategies_per_job"`
	MaxJobDuration        time.Duration `yaml:"max_job_duration" mapstructure:"max_job_duration"`
	MaxParallelStrategies int           `yaml:"max_parallel_strategies" mapstructure:"max_parallel_strategies"`
	CoverageThreshold     int           `yaml:"coverage_threshold" mapstructure:"coverage_threshold"`
}

// DefaultConfig returns the standard job execution bounds.
func DefaultConfig() Config {
	return Config{
		MaxStrategies:         5,
		MaxJobDuration:        300 * time.Second,
		MaxParallelStrategies: 3,
		CoverageThreshold:     80,
	}
}

// Orchestrator executes planned strategies for jobs and synthesizes their
// output. One Orchestrator serves many jobs; per-job state lives in run().
type Orchestrator struct {
	cfg      Config
	registry *strategy.Registry
	matcher  *match.Matcher
	synth    *synth.Synthesizer
	store    ledger.Store
	deps     strategy.Deps
	breaker  *resilience.TargetBreaker
	now      func() time.Time
}

// New creates an orchestrator. A nil breaker disables circuit breaking.
func New(cfg Config, registry *strategy.Registry, matcher *match.Matcher, syn *synth.Synthesizer, store ledger.Store, deps strategy.Deps, breaker *resilience.TargetBreaker) *Orchestrator {
	if cfg.MaxStrategies <= 0 {
		cfg.MaxStrategies = 5
	}
	if cfg.MaxJobDuration <= 0 {
		cfg.MaxJobDuration = 300 * time.Second
	}
	if cfg.MaxParallelStrategies <= 0 {
		cfg.MaxParallelStrategies = 3
	}
	if cfg.CoverageThreshold <= 0 {
		cfg.CoverageThreshold = 80
	}
	return &Orchestrator{
		cfg:      cfg,
		registry: registry,
		matcher:  matcher,
		synth:    syn,
		store:    store,
		deps:     deps,
		breaker:  breaker,
		now:      time.Now,
	}
}

// WithNow overrides the clock. Used by tests.
func (o *Orchestrator) WithNow(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// attemptResult pairs a completed attempt with its strategy output.
type attemptResult struct {
	plan    planner.PlannedStrategy
	source  model.SourceType
	result  *strategy.Result
	err     error
	elapsed time.Duration
}

// jobRun is the mutable per-job state threaded through one Run call.
type jobRun struct {
	job       *model.Job
	profile   model.EntityProfile
	plan      []planner.PlannedStrategy
	state     State
	started   time.Time
	entities  map[string]*model.MergedEntity
	tried     int
	succeeded int
	requests  int
	records   int
	newKeys   int
	updated   map[string]bool
	stop      Decision
	log       *zap.Logger
}

// Run executes the job's plan to completion and finalizes it. The returned
// job reflects the terminal state; the error covers ledger integrity or
// pre-execution failures only, never individual strategy failures.
func (o *Orchestrator) Run(ctx context.Context, job *model.Job, profile model.EntityProfile, plan []planner.PlannedStrategy) (*model.Job, error) {
	run := &jobRun{
		job:      job,
		profile:  profile,
		plan:     plan,
		state:    StatePlanned,
		started:  o.now(),
		entities: make(map[string]*model.MergedEntity),
		updated:  make(map[string]bool),
		log:      zap.L().With(zap.String("job_id", job.ID), zap.String("target", job.TargetIdentity)),
	}

	ids := make([]string, len(plan))
	for i, p := range plan {
		ids[i] = p.StrategyID
	}
	if err := o.store.SetPlan(ctx, job.ID, ids); err != nil {
		return nil, err
	}
	if err := o.store.Transition(ctx, job.ID, model.JobStatusRunning); err != nil {
		return nil, err
	}
	o.reason(ctx, run, model.DecisionPlanned,
		fmt.Sprintf("%d strategies planned", len(plan)),
		fmt.Sprintf("%v", ids))

	if len(plan) == 0 {
		run.stop = Decision{Stop: true, Kind: StopNoPlan, Reason: "no applicable strategies"}
		return o.finalize(ctx, run, "")
	}

	run.state = StateExecuting
	next := 0
	for next < len(run.plan) {
		// Cancellation is honored between dispatch waves, never mid-attempt.
		if err := ctx.Err(); err != nil {
			return o.finalize(ctx, run, "cancelled")
		}

		wave := o.cfg.MaxParallelStrategies
		if remaining := o.cfg.MaxStrategies - run.tried; wave > remaining {
			wave = remaining
		}
		if rest := len(run.plan) - next; wave > rest {
			wave = rest
		}
		if wave <= 0 {
			break
		}

		results := o.dispatch(ctx, run, run.plan[next:next+wave])
		next += wave

		// Bookkeeping survives cancellation so records gathered before the
		// cancel are preserved on the failed job.
		bctx := context.WithoutCancel(ctx)
		for _, res := range results {
			o.absorb(bctx, run, res)
		}

		run.stop = Evaluate(o.cfg, o.snapshot(run))
		if run.stop.Stop {
			run.state = StateStopping
			o.reason(bctx, run, model.DecisionStop, run.stop.Reason, "")
			break
		}
		run.state = StateContinuing
		o.reason(bctx, run, model.DecisionContinue, run.stop.Reason, "")
	}

	if ctx.Err() != nil {
		return o.finalize(ctx, run, "cancelled")
	}
	return o.finalize(ctx, run, "")
}

// dispatch runs one wave of strategies with bounded parallelism. Failures
// are captured per attempt; a wave never returns an error.
func (o *Orchestrator) dispatch(ctx context.Context, run *jobRun, wave []planner.PlannedStrategy) []attemptResult {
	results := make([]attemptResult, len(wave))
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(o.cfg.MaxParallelStrategies)

	for i, planned := range wave {
		g.Go(func() error {
			res := o.execute(ctx, run, planned)
			mu.Lock()
			results[i] = res
			mu.Unlock()
			return nil
		})
	}
	g.Wait() //nolint:errcheck

	return results
}

// execute runs a single strategy attempt end to end: breaker admission,
// attempt record, execution, completion.
func (o *Orchestrator) execute(ctx context.Context, run *jobRun, planned planner.PlannedStrategy) attemptResult {
	strat := o.registry.Get(planned.StrategyID)
	if strat == nil {
		return attemptResult{plan: planned, err: fmt.Errorf("strategy %s not registered", planned.StrategyID)}
	}

	out := attemptResult{plan: planned, source: strat.SourceType()}
	started := o.now()

	attempt := &model.StrategyAttempt{
		JobID:      run.job.ID,
		StrategyID: planned.StrategyID,
		Priority:   planned.Priority,
		Outcome:    model.AttemptFailed,
		StartedAt:  started,
	}
	if err := o.store.CreateAttempt(ctx, attempt); err != nil {
		out.err = err
		return out
	}

	if o.breaker != nil {
		if err := o.breaker.Allow(strat.TargetKey()); err != nil {
			out.err = err
			o.closeAttempt(ctx, run, attempt, out, started)
			return out
		}
	}

	result, err := strat.Execute(ctx, run.profile, o.deps)
	out.result = result
	out.err = err
	out.elapsed = o.now().Sub(started)

	if o.breaker != nil {
		o.breaker.Record(strat.TargetKey(), err)
	}
	o.closeAttempt(context.WithoutCancel(ctx), run, attempt, out, started)
	return out
}

func (o *Orchestrator) closeAttempt(ctx context.Context, run *jobRun, attempt *model.StrategyAttempt, out attemptResult, started time.Time) {
	completed := o.now()
	attempt.CompletedAt = &completed

	switch {
	case out.err != nil:
		attempt.Outcome = model.AttemptFailed
		attempt.Error = out.err.Error()
	case out.result != nil:
		attempt.Outcome = outcomeFor(out.result.Status)
		attempt.RequestsMade = out.result.RequestsMade
		attempt.RecordCount = len(out.result.Records)
		attempt.Error = out.result.Err
	}

	if err := o.store.CompleteAttempt(ctx, attempt); err != nil {
		run.log.Error("complete attempt", zap.String("strategy", attempt.StrategyID), zap.Error(err))
	}
}

func outcomeFor(s strategy.Status) model.AttemptOutcome {
	switch s {
	case strategy.StatusSuccess:
		return model.AttemptSuccess
	case strategy.StatusPartial:
		return model.AttemptPartial
	default:
		return model.AttemptFailed
	}
}

// absorb folds one attempt's output into the job: persists records, groups
// them by identity, merges each into its entity, and logs the outcome.
func (o *Orchestrator) absorb(ctx context.Context, run *jobRun, res attemptResult) {
	run.tried++

	if res.err != nil {
		run.log.Warn("strategy failed",
			zap.String("strategy", res.plan.StrategyID), zap.Error(res.err))
		o.appendErr(ctx, run, fmt.Sprintf("%s: %v", res.plan.StrategyID, res.err))
		o.reason(ctx, run, model.DecisionStrategyResult, res.plan.StrategyID, "failed: "+res.err.Error())
		return
	}
	if res.result == nil {
		return
	}

	run.requests += res.result.RequestsMade
	if res.result.Status != strategy.StatusFailed {
		run.succeeded++
	}
	if res.result.Err != "" {
		o.appendErr(ctx, run, fmt.Sprintf("%s: %s", res.plan.StrategyID, res.result.Err))
	}

	records := res.result.Records
	for i := range records {
		records[i].JobID = run.job.ID
		records[i].StrategyID = res.plan.StrategyID
		if records[i].SourceType == "" {
			records[i].SourceType = res.source
		}
		if records[i].NormalizedKey == "" {
			records[i].NormalizedKey = match.NormalizeName(records[i].RawName)
		}
		if records[i].CollectedAt.IsZero() {
			records[i].CollectedAt = o.now()
		}
	}
	if len(records) > 0 {
		if err := o.store.SaveCandidates(ctx, records); err != nil {
			run.log.Error("save candidates", zap.Error(err))
			o.appendErr(ctx, run, fmt.Sprintf("%s: persist records: %v", res.plan.StrategyID, err))
		}
	}
	run.records += len(records)

	for _, rec := range records {
		o.mergeRecord(ctx, run, rec)
	}

	o.reason(ctx, run, model.DecisionStrategyResult, res.plan.StrategyID,
		fmt.Sprintf("%s: %d records, %d requests", res.result.Status, len(records), res.result.RequestsMade))
	if err := o.store.MarkStrategyCompleted(ctx, run.job.ID, res.plan.StrategyID); err != nil {
		run.log.Error("mark strategy completed", zap.Error(err))
	}
}

// mergeRecord assigns the record to an identity group and merges it.
func (o *Orchestrator) mergeRecord(ctx context.Context, run *jobRun, rec model.CandidateRecord) {
	existing := make([]match.Existing, 0, len(run.entities))
	for key, e := range run.entities {
		existing = append(existing, match.Existing{
			Key:         key,
			RecordCount: len(e.RecordIDs),
			Identifiers: e.Identifiers,
		})
	}
	// Map iteration order is random; keep match logs reproducible.
	sort.Slice(existing, func(i, j int) bool { return existing[i].Key < existing[j].Key })

	decision := o.matcher.Match(rec, existing)
	o.reason(ctx, run, model.DecisionMatch, rec.RawName,
		fmt.Sprintf("key=%s new=%t score=%.2f %s", decision.Key, decision.New, decision.Score, decision.Reason))

	ent := run.entities[decision.Key]
	merged := o.synth.Merge(ent, rec)
	merged.NormalizedKey = decision.Key
	run.entities[decision.Key] = merged

	if ent == nil {
		if _, err := o.store.GetEntity(ctx, decision.Key); err == nil {
			run.updated[decision.Key] = true
		} else {
			run.newKeys++
		}
	}
	if err := o.store.UpsertEntity(ctx, merged); err != nil {
		run.log.Error("upsert entity", zap.String("key", decision.Key), zap.Error(err))
	}
}

// snapshot freezes job progress for the stop predicates.
func (o *Orchestrator) snapshot(run *jobRun) Snapshot {
	best := 0
	sources := make(map[model.SourceType]bool)
	for _, e := range run.entities {
		if e.Completeness > best {
			best = e.Completeness
		}
		for _, st := range e.SourceTypes() {
			sources[st] = true
		}
	}
	return Snapshot{
		StrategiesTried:  run.tried,
		RecordCount:      run.records,
		BestCompleteness: best,
		SourceTypeCount:  len(sources),
		Elapsed:          o.now().Sub(run.started),
	}
}

// finalize picks the terminal status, persists the summary, and returns the
// finished job. cancelReason is non-empty only for cooperative cancellation.
func (o *Orchestrator) finalize(ctx context.Context, run *jobRun, cancelReason string) (*model.Job, error) {
	run.state = StateFinalized

	var status model.JobStatus
	switch {
	case cancelReason != "":
		status = model.JobStatusFailed
		o.reason(context.WithoutCancel(ctx), run, model.DecisionCancelled, cancelReason, "")
	case run.records == 0:
		status = model.JobStatusFailed
	case run.stop.Exhausted():
		// Budget or deadline ran out but data was gathered.
		status = model.JobStatusPartialSuccess
	default:
		// Coverage stop, or the whole plan ran without tripping a predicate.
		status = model.JobStatusSuccess
	}

	summary := &model.JobSummary{
		StrategiesTried:     run.tried,
		StrategiesSucceeded: run.succeeded,
		EntitiesFound:       len(run.entities),
		EntitiesNew:         run.newKeys,
		EntitiesUpdated:     len(run.entities) - run.newKeys,
		TotalRequests:       run.requests,
		WallTimeMS:          o.now().Sub(run.started).Milliseconds(),
	}

	// Finalization must land even when the job's context was cancelled.
	fctx := context.WithoutCancel(ctx)
	if err := o.store.Finalize(fctx, run.job.ID, status, summary); err != nil {
		return nil, err
	}
	run.log.Info("job finalized",
		zap.String("status", string(status)),
		zap.Int("strategies_tried", summary.StrategiesTried),
		zap.Int("entities_found", summary.EntitiesFound),
		zap.Int("total_requests", summary.TotalRequests))

	return o.store.GetJob(fctx, run.job.ID)
}

func (o *Orchestrator) reason(ctx context.Context, run *jobRun, kind model.DecisionKind, detail, outcome string) {
	entry := model.ReasoningEntry{At: o.now(), Kind: kind, Detail: detail, Outcome: outcome}
	if err := o.store.AppendReasoning(ctx, run.job.ID, entry); err != nil {
		run.log.Error("append reasoning", zap.Error(err))
	}
}

func (o *Orchestrator) appendErr(ctx context.Context, run *jobRun, msg string) {
	if err := o.store.AppendError(ctx, run.job.ID, msg); err != nil {
		run.log.Error("append error", zap.Error(err))
	}
}
