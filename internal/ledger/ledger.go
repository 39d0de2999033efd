// Package ledger persists job lifecycle, attempt history, candidate records,
// merged entities, and the decision trail behind every job outcome.
package ledger

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/sells-group/research-engine/internal/model"
)

// ErrNotFound is returned when a job or entity does not exist.
var ErrNotFound = eris.New("ledger: not found")

// InvalidTransitionError reports an attempted illegal job status change.
// Terminal statuses are final; any attempted exit from one fails this way.
type InvalidTransitionError struct {
	JobID string
	From  model.JobStatus
	To    model.JobStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("ledger: invalid transition %s -> %s for job %s", e.From, e.To, e.JobID)
}

// Store is the persistence interface for the research engine. Implementations
// must serialize concurrent transition attempts on the same job (single
// writer per job).
type Store interface {
	// Jobs
	CreateJob(ctx context.Context, targetIdentity string, targetType model.TargetType) (*model.Job, error)
	SetPlan(ctx context.Context, jobID string, planned []string) error
	Transition(ctx context.Context, jobID string, status model.JobStatus) error
	AppendReasoning(ctx context.Context, jobID string, entry model.ReasoningEntry) error
	AppendError(ctx context.Context, jobID string, msg string) error
	MarkStrategyCompleted(ctx context.Context, jobID string, strategyID string) error
	Finalize(ctx context.Context, jobID string, status model.JobStatus, summary *model.JobSummary) error
	GetJob(ctx context.Context, jobID string) (*model.Job, error)

	// Attempts
	CreateAttempt(ctx context.Context, attempt *model.StrategyAttempt) error
	CompleteAttempt(ctx context.Context, attempt *model.StrategyAttempt) error
	GetAttempts(ctx context.Context, jobID string) ([]model.StrategyAttempt, error)

	// Candidate records (append-only; never updated or deleted)
	SaveCandidates(ctx context.Context, records []model.CandidateRecord) error
	GetCandidates(ctx context.Context, jobID string) ([]model.CandidateRecord, error)

	// Merged entities (keyed by normalized key, embedded provenance)
	UpsertEntity(ctx context.Context, entity *model.MergedEntity) error
	GetEntity(ctx context.Context, normalizedKey string) (*model.MergedEntity, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
