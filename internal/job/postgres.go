package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates the jobs table. Migrate applies it.
const Schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id              TEXT PRIMARY KEY,
	owner_id        TEXT NOT NULL,
	source_location TEXT NOT NULL,
	original_name   TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	result          JSONB,
	last_error      TEXT NOT NULL DEFAULT '',
	attempts        INTEGER NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL,
	processed_at    TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS jobs_pending_idx ON jobs (created_at, id) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS jobs_owner_idx ON jobs (owner_id, created_at DESC);
`

const jobColumns = `id, owner_id, source_location, original_name, status, result, last_error, attempts, created_at, updated_at, processed_at`

// PostgresStore implements Store on PostgreSQL, for schedulers running in
// several processes.
type PostgresStore struct {
	pool  *pgxpool.Pool
	clock Clock
}

// NewPostgresStore connects to databaseURL and applies the schema.
func NewPostgresStore(ctx context.Context, databaseURL string, clock Clock) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}

	store := &PostgresStore{pool: pool, clock: clockOrDefault(clock)}
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// Migrate creates the jobs table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate jobs: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, job *Job) error {
	result, err := marshalResult(job.Result)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`,
		job.ID,
		job.OwnerID,
		job.SourceLocation,
		job.OriginalName,
		string(job.Status),
		result,
		job.LastError,
		job.Attempts,
		job.CreatedAt,
		job.UpdatedAt,
		job.ProcessedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

func (s *PostgresStore) List(ctx context.Context, ownerID string, status Status, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE owner_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, ownerID, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]*Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// ClaimNextBatch claims each candidate with a conditional UPDATE; a candidate
// another process claimed first matches no row and is skipped.
func (s *PostgresStore) ClaimNextBatch(ctx context.Context, n int) ([]*Job, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id FROM jobs
		WHERE status = 'pending'
		ORDER BY created_at, id
		LIMIT $1
	`, n)
	if err != nil {
		return nil, fmt.Errorf("select pending jobs: %w", err)
	}
	candidates, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("select pending jobs: %w", err)
	}

	claimed := make([]*Job, 0, len(candidates))
	for _, id := range candidates {
		row := s.pool.QueryRow(ctx, `
			UPDATE jobs
			SET status = 'processing',
				attempts = attempts + 1,
				updated_at = $2
			WHERE id = $1 AND status = 'pending'
			RETURNING `+jobColumns, id, s.clock.Now())
		job, err := scanJob(row)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return claimed, fmt.Errorf("claim job %s: %w", id, err)
		}
		claimed = append(claimed, job)
	}
	return claimed, nil
}

func (s *PostgresStore) Complete(ctx context.Context, id string, result Result) (*Job, error) {
	return s.update(ctx, id, func(j *Job) (bool, error) {
		if err := completeJob(j, result, s.clock.Now()); err != nil {
			return false, err
		}
		return true, nil
	})
}

func (s *PostgresStore) FailOrRetry(ctx context.Context, id, message string, maxAttempts int) (*Job, error) {
	return s.update(ctx, id, func(j *Job) (bool, error) {
		return failJob(j, message, maxAttempts, s.clock.Now()), nil
	})
}

func (s *PostgresStore) Cancel(ctx context.Context, id, ownerID string) (*Job, error) {
	var before *Job
	_, err := s.update(ctx, id, func(j *Job) (bool, error) {
		snapshot := *j
		before = &snapshot
		if err := cancelJob(j, ownerID, s.clock.Now()); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return before, nil
}

func (s *PostgresStore) DeleteFinishedBefore(ctx context.Context, status Status, cutoff time.Time) (int, error) {
	if err := validRetentionStatus(status); err != nil {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE status = $1 AND COALESCE(processed_at, created_at) < $2
	`, string(status), cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete %s jobs: %w", status, err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// update locks the row, applies fn and writes the mutable columns back.
func (s *PostgresStore) update(ctx context.Context, id string, fn func(*Job) (bool, error)) (*Job, error) {
	var job *Job
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		current, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		changed, err := fn(current)
		if err != nil {
			return err
		}
		job = current
		if !changed {
			return nil
		}

		result, err := marshalResult(current.Result)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE jobs
			SET status = $2,
				result = $3,
				last_error = $4,
				attempts = $5,
				updated_at = $6,
				processed_at = $7
			WHERE id = $1
		`, current.ID, string(current.Status), result, current.LastError, current.Attempts, current.UpdatedAt, current.ProcessedAt)
		if err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func marshalResult(result *Result) ([]byte, error) {
	if result == nil {
		return nil, nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshaling result: %w", err)
	}
	return data, nil
}

func scanJob(row pgx.Row) (*Job, error) {
	var (
		job    Job
		status string
		result []byte
	)
	err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&job.SourceLocation,
		&job.OriginalName,
		&status,
		&result,
		&job.LastError,
		&job.Attempts,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.ProcessedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}

	job.Status = Status(status)
	if len(result) > 0 {
		var r Result
		if err := json.Unmarshal(result, &r); err != nil {
			return nil, fmt.Errorf("unmarshaling result: %w", err)
		}
		job.Result = &r
	}
	return &job, nil
}
