package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/research-engine/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id              TEXT PRIMARY KEY,
	target_identity TEXT NOT NULL,
	target_type     TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	planned         TEXT NOT NULL DEFAULT '[]',
	completed       TEXT NOT NULL DEFAULT '[]',
	reasoning       TEXT NOT NULL DEFAULT '[]',
	errors          TEXT NOT NULL DEFAULT '[]',
	summary         TEXT,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS strategy_attempts (
	id            TEXT PRIMARY KEY,
	job_id        TEXT NOT NULL REFERENCES jobs(id),
	strategy_id   TEXT NOT NULL,
	priority      INTEGER NOT NULL DEFAULT 0,
	outcome       TEXT NOT NULL DEFAULT '',
	requests_made INTEGER NOT NULL DEFAULT 0,
	record_count  INTEGER NOT NULL DEFAULT 0,
	error         TEXT NOT NULL DEFAULT '',
	started_at    DATETIME NOT NULL,
	completed_at  DATETIME
);

CREATE TABLE IF NOT EXISTS candidate_records (
	id           TEXT PRIMARY KEY,
	job_id       TEXT NOT NULL,
	strategy_id  TEXT NOT NULL,
	payload      TEXT NOT NULL,
	collected_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS merged_entities (
	normalized_key TEXT PRIMARY KEY,
	payload        TEXT NOT NULL,
	updated_at     DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_attempts_job_id ON strategy_attempts(job_id);
CREATE INDEX IF NOT EXISTS idx_records_job_id ON candidate_records(job_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateJob(ctx context.Context, targetIdentity string, targetType model.TargetType) (*model.Job, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, target_identity, target_type, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, targetIdentity, string(targetType), string(model.JobStatusPending), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert job")
	}

	return &model.Job{
		ID:             id,
		TargetIdentity: targetIdentity,
		TargetType:     targetType,
		Status:         model.JobStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

func (s *SQLiteStore) SetPlan(ctx context.Context, jobID string, planned []string) error {
	return s.setJSONColumn(ctx, jobID, "planned", planned)
}

// Transition applies a guarded status update. The WHERE clause re-checks the
// previous status so a concurrent writer cannot slip a second transition in
// between the read and the update.
func (s *SQLiteStore) Transition(ctx context.Context, jobID string, status model.JobStatus) error {
	var current string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, jobID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: read status %s", jobID)
	}

	from := model.JobStatus(current)
	if !from.CanTransition(status) {
		return &InvalidTransitionError{JobID: jobID, From: from, To: status}
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(status), time.Now().UTC(), jobID, current,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: transition %s", jobID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return &InvalidTransitionError{JobID: jobID, From: from, To: status}
	}
	return nil
}

func (s *SQLiteStore) AppendReasoning(ctx context.Context, jobID string, entry model.ReasoningEntry) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	return s.setJSONColumn(ctx, jobID, "reasoning", append(job.Reasoning, entry))
}

func (s *SQLiteStore) AppendError(ctx context.Context, jobID string, msg string) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	return s.setJSONColumn(ctx, jobID, "errors", append(job.Errors, msg))
}

func (s *SQLiteStore) MarkStrategyCompleted(ctx context.Context, jobID string, strategyID string) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	for _, id := range job.CompletedStrategies {
		if id == strategyID {
			return nil
		}
	}
	return s.setJSONColumn(ctx, jobID, "completed", append(job.CompletedStrategies, strategyID))
}

func (s *SQLiteStore) Finalize(ctx context.Context, jobID string, status model.JobStatus, summary *model.JobSummary) error {
	if err := s.Transition(ctx, jobID, status); err != nil {
		return err
	}
	data, err := json.Marshal(summary)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal summary")
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE jobs SET summary = ?, updated_at = ? WHERE id = ?`,
		string(data), time.Now().UTC(), jobID,
	)
	return eris.Wrapf(err, "sqlite: finalize %s", jobID)
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	var (
		job                                    model.Job
		targetType, status                     string
		planned, completed, reasoning, errList string
		summary                                sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, target_identity, target_type, status, planned, completed, reasoning, errors, summary, created_at, updated_at
		 FROM jobs WHERE id = ?`, jobID,
	).Scan(&job.ID, &job.TargetIdentity, &targetType, &status,
		&planned, &completed, &reasoning, &errList, &summary,
		&job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get job %s", jobID)
	}

	job.TargetType = model.TargetType(targetType)
	job.Status = model.JobStatus(status)
	for _, pair := range []struct {
		raw string
		dst any
	}{
		{planned, &job.PlannedStrategies},
		{completed, &job.CompletedStrategies},
		{reasoning, &job.Reasoning},
		{errList, &job.Errors},
	} {
		if err := json.Unmarshal([]byte(pair.raw), pair.dst); err != nil {
			return nil, eris.Wrapf(err, "sqlite: decode job %s", jobID)
		}
	}
	if summary.Valid && summary.String != "" && summary.String != "null" {
		job.Summary = &model.JobSummary{}
		if err := json.Unmarshal([]byte(summary.String), job.Summary); err != nil {
			return nil, eris.Wrapf(err, "sqlite: decode summary %s", jobID)
		}
	}
	return &job, nil
}

func (s *SQLiteStore) CreateAttempt(ctx context.Context, attempt *model.StrategyAttempt) error {
	if attempt.ID == "" {
		attempt.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO strategy_attempts (id, job_id, strategy_id, priority, outcome, started_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		attempt.ID, attempt.JobID, attempt.StrategyID, attempt.Priority,
		string(attempt.Outcome), attempt.StartedAt,
	)
	return eris.Wrap(err, "sqlite: insert attempt")
}

func (s *SQLiteStore) CompleteAttempt(ctx context.Context, attempt *model.StrategyAttempt) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE strategy_attempts SET outcome = ?, requests_made = ?, record_count = ?, error = ?, completed_at = ?
		 WHERE id = ?`,
		string(attempt.Outcome), attempt.RequestsMade, attempt.RecordCount,
		attempt.Error, attempt.CompletedAt, attempt.ID,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: complete attempt")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) GetAttempts(ctx context.Context, jobID string) ([]model.StrategyAttempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, strategy_id, priority, outcome, requests_made, record_count, error, started_at, completed_at
		 FROM strategy_attempts WHERE job_id = ? ORDER BY started_at`, jobID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query attempts")
	}
	defer rows.Close()

	var out []model.StrategyAttempt
	for rows.Next() {
		var (
			a         model.StrategyAttempt
			outcome   string
			completed sql.NullTime
		)
		if err := rows.Scan(&a.ID, &a.JobID, &a.StrategyID, &a.Priority, &outcome,
			&a.RequestsMade, &a.RecordCount, &a.Error, &a.StartedAt, &completed); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan attempt")
		}
		a.Outcome = model.AttemptOutcome(outcome)
		if completed.Valid {
			t := completed.Time
			a.CompletedAt = &t
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate attempts")
}

func (s *SQLiteStore) SaveCandidates(ctx context.Context, records []model.CandidateRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback()

	for i := range records {
		if records[i].ID == "" {
			records[i].ID = uuid.New().String()
		}
		payload, err := json.Marshal(records[i])
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal record")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO candidate_records (id, job_id, strategy_id, payload, collected_at) VALUES (?, ?, ?, ?, ?)`,
			records[i].ID, records[i].JobID, records[i].StrategyID, string(payload), records[i].CollectedAt,
		); err != nil {
			return eris.Wrap(err, "sqlite: insert record")
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit records")
}

func (s *SQLiteStore) GetCandidates(ctx context.Context, jobID string) ([]model.CandidateRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM candidate_records WHERE job_id = ? ORDER BY collected_at, id`, jobID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query records")
	}
	defer rows.Close()

	var out []model.CandidateRecord
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan record")
		}
		var rec model.CandidateRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, eris.Wrap(err, "sqlite: decode record")
		}
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate records")
}

func (s *SQLiteStore) UpsertEntity(ctx context.Context, entity *model.MergedEntity) error {
	payload, err := json.Marshal(entity)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal entity")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO merged_entities (normalized_key, payload, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (normalized_key) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		entity.NormalizedKey, string(payload), time.Now().UTC(),
	)
	return eris.Wrap(err, "sqlite: upsert entity")
}

func (s *SQLiteStore) GetEntity(ctx context.Context, normalizedKey string) (*model.MergedEntity, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM merged_entities WHERE normalized_key = ?`, normalizedKey,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get entity %s", normalizedKey)
	}
	var entity model.MergedEntity
	if err := json.Unmarshal([]byte(payload), &entity); err != nil {
		return nil, eris.Wrap(err, "sqlite: decode entity")
	}
	return &entity, nil
}

func (s *SQLiteStore) setJSONColumn(ctx context.Context, jobID, column string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return eris.Wrapf(err, "sqlite: marshal %s", column)
	}
	// column comes from a fixed internal set, never user input.
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET `+column+` = ?, updated_at = ? WHERE id = ?`,
		string(data), time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update %s", column)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
