package model

import "time"

// JobStatus represents the current state of a research job.
type JobStatus string

const (
	JobStatusPending        JobStatus = "pending"
	JobStatusRunning        JobStatus = "running"
	JobStatusSuccess        JobStatus = "success"
	JobStatusPartialSuccess JobStatus = "partial_success"
	JobStatusFailed         JobStatus = "failed"
)

// Terminal reports whether the status is final. Terminal jobs are never reopened.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSuccess, JobStatusPartialSuccess, JobStatusFailed:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving to next respects the monotonic
// lifecycle pending -> running -> {success, partial_success, failed}.
func (s JobStatus) CanTransition(next JobStatus) bool {
	if s == next {
		return false
	}
	switch s {
	case JobStatusPending:
		return next == JobStatusRunning || next == JobStatusFailed
	case JobStatusRunning:
		return next.Terminal()
	default:
		return false
	}
}

// TargetType describes what kind of entity a job researches.
type TargetType string

const (
	TargetTypeCompany  TargetType = "company"
	TargetTypeInvestor TargetType = "investor"
)

// DecisionKind classifies entries in a job's reasoning log.
type DecisionKind string

const (
	DecisionPlanned        DecisionKind = "planned"
	DecisionDispatch       DecisionKind = "dispatch"
	DecisionStrategyResult DecisionKind = "strategy_result"
	DecisionMatch          DecisionKind = "match"
	DecisionContinue       DecisionKind = "continue"
	DecisionStop           DecisionKind = "stop"
	DecisionCancelled      DecisionKind = "cancelled"
)

// ReasoningEntry is one typed decision in a job's ordered reasoning log.
type ReasoningEntry struct {
	At      time.Time    `json:"at"`
	Kind    DecisionKind `json:"kind"`
	Detail  string       `json:"detail"`
	Outcome string       `json:"outcome,omitempty"`
}

// Job tracks one research request through planning, execution, and synthesis.
type Job struct {
	ID                  string           `json:"id"`
	TargetIdentity      string           `json:"target_identity"`
	TargetType          TargetType       `json:"target_type"`
	Status              JobStatus        `json:"status"`
	PlannedStrategies   []string         `json:"planned_strategies"`
	CompletedStrategies []string         `json:"completed_strategies"`
	Reasoning           []ReasoningEntry `json:"reasoning"`
	Errors              []string         `json:"errors,omitempty"`
	Summary             *JobSummary      `json:"summary,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// JobSummary is the finalize-time rollup persisted on a terminal job.
type JobSummary struct {
	StrategiesTried     int   `json:"strategies_tried"`
	StrategiesSucceeded int   `json:"strategies_succeeded"`
	EntitiesFound       int   `json:"entities_found"`
	EntitiesNew         int   `json:"entities_new"`
	EntitiesUpdated     int   `json:"entities_updated"`
	TotalRequests       int   `json:"total_requests"`
	WallTimeMS          int64 `json:"wall_time_ms"`
}

// AttemptOutcome is the result classification of one strategy attempt.
type AttemptOutcome string

const (
	AttemptSuccess AttemptOutcome = "success"
	AttemptPartial AttemptOutcome = "partial"
	AttemptFailed  AttemptOutcome = "failed"
)

// StrategyAttempt records one dispatch of a strategy within a job.
type StrategyAttempt struct {
	ID           string         `json:"id"`
	JobID        string         `json:"job_id"`
	StrategyID   string         `json:"strategy_id"`
	Priority     int            `json:"priority"`
	Outcome      AttemptOutcome `json:"outcome"`
	RequestsMade int            `json:"requests_made"`
	RecordCount  int            `json:"record_count"`
	Error        string         `json:"error,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}
