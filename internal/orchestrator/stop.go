package orchestrator

import (
	"fmt"
	"time"
)

// Snapshot is the job progress view the stop predicates evaluate. It is a
// plain value so decisions can be tested without running anything.
type Snapshot struct {
	StrategiesTried  int
	RecordCount      int
	BestCompleteness int // highest completeness across merged entities
	SourceTypeCount  int // distinct source types consulted so far
	Elapsed          time.Duration
}

// StopKind identifies which predicate ended a job.
type StopKind string

const (
	StopNone     StopKind = ""
	StopCoverage StopKind = "coverage"
	StopBudget   StopKind = "budget"
	StopDeadline StopKind = "deadline"
	StopFutility StopKind = "futility"
	StopNoPlan   StopKind = "no_plan"
)

// Decision is the outcome of one stop evaluation.
type Decision struct {
	Stop   bool
	Kind   StopKind
	Reason string
}

// Exhausted reports whether the job ran out of budget or time, which
// downgrades a terminal status with records to partial_success.
func (d Decision) Exhausted() bool {
	return d.Kind == StopBudget || d.Kind == StopDeadline
}

// Evaluate runs the stop predicates in fixed order; the first match wins.
// Coverage is checked before budget so a job that already has enough data
// stops with the better reason.
func Evaluate(cfg Config, snap Snapshot) Decision {
	if snap.BestCompleteness >= cfg.CoverageThreshold && snap.SourceTypeCount >= 2 {
		return Decision{Stop: true, Kind: StopCoverage, Reason: fmt.Sprintf(
			"sufficient coverage: completeness %d%% >= %d%% with %d source types",
			snap.BestCompleteness, cfg.CoverageThreshold, snap.SourceTypeCount)}
	}
	if snap.StrategiesTried >= cfg.MaxStrategies {
		return Decision{Stop: true, Kind: StopBudget, Reason: fmt.Sprintf(
			"budget exhausted: %d strategies tried (max %d)",
			snap.StrategiesTried, cfg.MaxStrategies)}
	}
	if snap.Elapsed >= cfg.MaxJobDuration {
		return Decision{Stop: true, Kind: StopDeadline, Reason: fmt.Sprintf(
			"time exceeded: %s elapsed (max %s)", snap.Elapsed.Round(time.Second), cfg.MaxJobDuration)}
	}
	if snap.RecordCount == 0 && snap.StrategiesTried >= 4 {
		return Decision{Stop: true, Kind: StopFutility, Reason: fmt.Sprintf(
			"no data found after %d strategies", snap.StrategiesTried)}
	}
	return Decision{Reason: "coverage below threshold, budget remaining"}
}
