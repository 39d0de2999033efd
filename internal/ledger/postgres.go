package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/research-engine/internal/model"
)

// pgPool is the minimal pool surface PostgresStore uses. pgxmock satisfies it.
type pgPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    pgPool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hottest store operations.
var preparedStatements = map[string]string{
	"insert_job":      `INSERT INTO jobs (id, target_identity, target_type, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
	"get_job_status":  `SELECT status FROM jobs WHERE id = $1`,
	"transition_job":  `UPDATE jobs SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
	"insert_attempt":  `INSERT INTO strategy_attempts (id, job_id, strategy_id, priority, outcome, started_at) VALUES ($1, $2, $3, $4, $5, $6)`,
	"insert_record":   `INSERT INTO candidate_records (id, job_id, strategy_id, payload, collected_at) VALUES ($1, $2, $3, $4, $5)`,
	"upsert_entity":   `INSERT INTO merged_entities (normalized_key, payload, updated_at) VALUES ($1, $2, $3) ON CONFLICT (normalized_key) DO UPDATE SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`,
	"get_entity":      `SELECT payload FROM merged_entities WHERE normalized_key = $1`,
	"get_job_records": `SELECT payload FROM candidate_records WHERE job_id = $1 ORDER BY collected_at, id`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. Used by tests.
func NewPostgresWithPool(pool pgPool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id              TEXT PRIMARY KEY,
	target_identity TEXT NOT NULL,
	target_type     TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	planned         JSONB NOT NULL DEFAULT '[]',
	completed       JSONB NOT NULL DEFAULT '[]',
	reasoning       JSONB NOT NULL DEFAULT '[]',
	errors          JSONB NOT NULL DEFAULT '[]',
	summary         JSONB,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
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
	started_at    TIMESTAMPTZ NOT NULL,
	completed_at  TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS candidate_records (
	id           TEXT PRIMARY KEY,
	job_id       TEXT NOT NULL,
	strategy_id  TEXT NOT NULL,
	payload      JSONB NOT NULL,
	collected_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS merged_entities (
	normalized_key TEXT PRIMARY KEY,
	payload        JSONB NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_attempts_job_id ON strategy_attempts(job_id);
CREATE INDEX IF NOT EXISTS idx_records_job_id ON candidate_records(job_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, targetIdentity string, targetType model.TargetType) (*model.Job, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, target_identity, target_type, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		id, targetIdentity, string(targetType), string(model.JobStatusPending), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert job")
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

func (s *PostgresStore) SetPlan(ctx context.Context, jobID string, planned []string) error {
	return s.setJSONColumn(ctx, jobID, "planned", planned)
}

func (s *PostgresStore) Transition(ctx context.Context, jobID string, status model.JobStatus) error {
	var current string
	err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, jobID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: read status %s", jobID)
	}

	from := model.JobStatus(current)
	if !from.CanTransition(status) {
		return &InvalidTransitionError{JobID: jobID, From: from, To: status}
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		string(status), time.Now().UTC(), jobID, current,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: transition %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return &InvalidTransitionError{JobID: jobID, From: from, To: status}
	}
	return nil
}

func (s *PostgresStore) AppendReasoning(ctx context.Context, jobID string, entry model.ReasoningEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal reasoning")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET reasoning = reasoning || $1::jsonb, updated_at = $2 WHERE id = $3`,
		string(data), time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: append reasoning %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AppendError(ctx context.Context, jobID string, msg string) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal error")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET errors = errors || $1::jsonb, updated_at = $2 WHERE id = $3`,
		string(data), time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: append error %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkStrategyCompleted(ctx context.Context, jobID string, strategyID string) error {
	data, err := json.Marshal(strategyID)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal strategy id")
	}
	// The containment guard keeps the append idempotent.
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET completed = completed || $1::jsonb, updated_at = $2 WHERE id = $3 AND NOT completed @> $1::jsonb`,
		string(data), time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark strategy %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		// Either already recorded or the job is missing; disambiguate.
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, jobID).Scan(&exists); err != nil {
			return eris.Wrapf(err, "postgres: check job %s", jobID)
		}
		if !exists {
			return ErrNotFound
		}
	}
	return nil
}

func (s *PostgresStore) Finalize(ctx context.Context, jobID string, status model.JobStatus, summary *model.JobSummary) error {
	if err := s.Transition(ctx, jobID, status); err != nil {
		return err
	}
	data, err := json.Marshal(summary)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal summary")
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE jobs SET summary = $1, updated_at = $2 WHERE id = $3`,
		string(data), time.Now().UTC(), jobID,
	)
	return eris.Wrapf(err, "postgres: finalize %s", jobID)
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	var (
		job                                    model.Job
		targetType, status                     string
		planned, completed, reasoning, errList []byte
		summary                                []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, target_identity, target_type, status, planned, completed, reasoning, errors, summary, created_at, updated_at
		 FROM jobs WHERE id = $1`, jobID,
	).Scan(&job.ID, &job.TargetIdentity, &targetType, &status,
		&planned, &completed, &reasoning, &errList, &summary,
		&job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get job %s", jobID)
	}

	job.TargetType = model.TargetType(targetType)
	job.Status = model.JobStatus(status)
	for _, pair := range []struct {
		raw []byte
		dst any
	}{
		{planned, &job.PlannedStrategies},
		{completed, &job.CompletedStrategies},
		{reasoning, &job.Reasoning},
		{errList, &job.Errors},
	} {
		if len(pair.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(pair.raw, pair.dst); err != nil {
			return nil, eris.Wrapf(err, "postgres: decode job %s", jobID)
		}
	}
	if len(summary) > 0 && string(summary) != "null" {
		job.Summary = &model.JobSummary{}
		if err := json.Unmarshal(summary, job.Summary); err != nil {
			return nil, eris.Wrapf(err, "postgres: decode summary %s", jobID)
		}
	}
	return &job, nil
}

func (s *PostgresStore) CreateAttempt(ctx context.Context, attempt *model.StrategyAttempt) error {
	if attempt.ID == "" {
		attempt.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO strategy_attempts (id, job_id, strategy_id, priority, outcome, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		attempt.ID, attempt.JobID, attempt.StrategyID, attempt.Priority,
		string(attempt.Outcome), attempt.StartedAt,
	)
	return eris.Wrap(err, "postgres: insert attempt")
}

func (s *PostgresStore) CompleteAttempt(ctx context.Context, attempt *model.StrategyAttempt) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE strategy_attempts SET outcome = $1, requests_made = $2, record_count = $3, error = $4, completed_at = $5
		 WHERE id = $6`,
		string(attempt.Outcome), attempt.RequestsMade, attempt.RecordCount,
		attempt.Error, attempt.CompletedAt, attempt.ID,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: complete attempt")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetAttempts(ctx context.Context, jobID string) ([]model.StrategyAttempt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, job_id, strategy_id, priority, outcome, requests_made, record_count, error, started_at, completed_at
		 FROM strategy_attempts WHERE job_id = $1 ORDER BY started_at`, jobID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query attempts")
	}
	defer rows.Close()

	var out []model.StrategyAttempt
	for rows.Next() {
		var (
			a       model.StrategyAttempt
			outcome string
		)
		if err := rows.Scan(&a.ID, &a.JobID, &a.StrategyID, &a.Priority, &outcome,
			&a.RequestsMade, &a.RecordCount, &a.Error, &a.StartedAt, &a.CompletedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan attempt")
		}
		a.Outcome = model.AttemptOutcome(outcome)
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate attempts")
}

func (s *PostgresStore) SaveCandidates(ctx context.Context, records []model.CandidateRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin")
	}
	defer tx.Rollback(ctx)

	for i := range records {
		if records[i].ID == "" {
			records[i].ID = uuid.New().String()
		}
		payload, err := json.Marshal(records[i])
		if err != nil {
			return eris.Wrap(err, "postgres: marshal record")
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO candidate_records (id, job_id, strategy_id, payload, collected_at) VALUES ($1, $2, $3, $4, $5)`,
			records[i].ID, records[i].JobID, records[i].StrategyID, string(payload), records[i].CollectedAt,
		); err != nil {
			return eris.Wrap(err, "postgres: insert record")
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit records")
}

func (s *PostgresStore) GetCandidates(ctx context.Context, jobID string) ([]model.CandidateRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM candidate_records WHERE job_id = $1 ORDER BY collected_at, id`, jobID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query records")
	}
	defer rows.Close()

	var out []model.CandidateRecord
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "postgres: scan record")
		}
		var rec model.CandidateRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, eris.Wrap(err, "postgres: decode record")
		}
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate records")
}

func (s *PostgresStore) UpsertEntity(ctx context.Context, entity *model.MergedEntity) error {
	payload, err := json.Marshal(entity)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal entity")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO merged_entities (normalized_key, payload, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (normalized_key) DO UPDATE SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`,
		entity.NormalizedKey, string(payload), time.Now().UTC(),
	)
	return eris.Wrap(err, "postgres: upsert entity")
}

func (s *PostgresStore) GetEntity(ctx context.Context, normalizedKey string) (*model.MergedEntity, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM merged_entities WHERE normalized_key = $1`, normalizedKey,
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get entity %s", normalizedKey)
	}
	var entity model.MergedEntity
	if err := json.Unmarshal(payload, &entity); err != nil {
		return nil, eris.Wrap(err, "postgres: decode entity")
	}
	return &entity, nil
}

func (s *PostgresStore) setJSONColumn(ctx context.Context, jobID, column string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return eris.Wrapf(err, "postgres: marshal %s", column)
	}
	// column comes from a fixed internal set, never user input.
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET `+column+` = $1, updated_at = $2 WHERE id = $3`,
		string(data), time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update %s", column)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
