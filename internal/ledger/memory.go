package ledger

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/research-engine/internal/model"
)

// MemoryStore implements Store in process memory. It backs tests and
// single-shot CLI runs where persistence across processes is not needed.
type MemoryStore struct {
	mu       sync.Mutex
	jobs     map[string]*model.Job
	attempts map[string][]model.StrategyAttempt
	records  map[string][]model.CandidateRecord
	entities map[string]*model.MergedEntity
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		jobs:     make(map[string]*model.Job),
		attempts: make(map[string][]model.StrategyAttempt),
		records:  make(map[string][]model.CandidateRecord),
		entities: make(map[string]*model.MergedEntity),
	}
}

func (s *MemoryStore) CreateJob(_ context.Context, targetIdentity string, targetType model.TargetType) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	job := &model.Job{
		ID:             uuid.New().String(),
		TargetIdentity: targetIdentity,
		TargetType:     targetType,
		Status:         model.JobStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.jobs[job.ID] = job
	return copyJob(job), nil
}

func (s *MemoryStore) SetPlan(_ context.Context, jobID string, planned []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	job.PlannedStrategies = append([]string(nil), planned...)
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) Transition(_ context.Context, jobID string, status model.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(jobID, status)
}

func (s *MemoryStore) transitionLocked(jobID string, status model.JobStatus) error {
	job, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if !job.Status.CanTransition(status) {
		return &InvalidTransitionError{JobID: jobID, From: job.Status, To: status}
	}
	job.Status = status
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) AppendReasoning(_ context.Context, jobID string, entry model.ReasoningEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	job.Reasoning = append(job.Reasoning, entry)
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) AppendError(_ context.Context, jobID string, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	job.Errors = append(job.Errors, msg)
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) MarkStrategyCompleted(_ context.Context, jobID string, strategyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	for _, id := range job.CompletedStrategies {
		if id == strategyID {
			return nil
		}
	}
	job.CompletedStrategies = append(job.CompletedStrategies, strategyID)
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) Finalize(_ context.Context, jobID string, status model.JobStatus, summary *model.JobSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.transitionLocked(jobID, status); err != nil {
		return err
	}
	s.jobs[jobID].Summary = summary
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, jobID string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyJob(job), nil
}

func (s *MemoryStore) CreateAttempt(_ context.Context, attempt *model.StrategyAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if attempt.ID == "" {
		attempt.ID = uuid.New().String()
	}
	s.attempts[attempt.JobID] = append(s.attempts[attempt.JobID], *attempt)
	return nil
}

func (s *MemoryStore) CompleteAttempt(_ context.Context, attempt *model.StrategyAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.attempts[attempt.JobID]
	for i := range list {
		if list[i].ID == attempt.ID {
			list[i] = *attempt
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) GetAttempts(_ context.Context, jobID string) ([]model.StrategyAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.StrategyAttempt(nil), s.attempts[jobID]...), nil
}

func (s *MemoryStore) SaveCandidates(_ context.Context, records []model.CandidateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range records {
		if records[i].ID == "" {
			records[i].ID = uuid.New().String()
		}
		s.records[records[i].JobID] = append(s.records[records[i].JobID], records[i])
	}
	return nil
}

func (s *MemoryStore) GetCandidates(_ context.Context, jobID string) ([]model.CandidateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.CandidateRecord(nil), s.records[jobID]...), nil
}

func (s *MemoryStore) UpsertEntity(_ context.Context, entity *model.MergedEntity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, err := copyEntity(entity)
	if err != nil {
		return err
	}
	s.entities[entity.NormalizedKey] = cp
	return nil
}

func (s *MemoryStore) GetEntity(_ context.Context, normalizedKey string) (*model.MergedEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entities[normalizedKey]
	if !ok {
		return nil, ErrNotFound
	}
	return copyEntity(e)
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }
func (s *MemoryStore) Close() error                  { return nil }

func copyJob(job *model.Job) *model.Job {
	cp := *job
	cp.PlannedStrategies = append([]string(nil), job.PlannedStrategies...)
	cp.CompletedStrategies = append([]string(nil), job.CompletedStrategies...)
	cp.Reasoning = append([]model.ReasoningEntry(nil), job.Reasoning...)
	cp.Errors = append([]string(nil), job.Errors...)
	if job.Summary != nil {
		sum := *job.Summary
		cp.Summary = &sum
	}
	return &cp
}

// copyEntity deep-copies through JSON; entity attribute values are arbitrary.
func copyEntity(e *model.MergedEntity) (*model.MergedEntity, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: copy entity")
	}
	var cp model.MergedEntity
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, eris.Wrap(err, "ledger: copy entity")
	}
	return &cp, nil
}
