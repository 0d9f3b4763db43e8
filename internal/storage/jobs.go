package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/SirClappington/prodq/internal/domain"
)

const jobColumns = `id, type, status, input, output, error, is_scheduled, api_calls_used,
started_at, completed_at, created_at, updated_at`

func scanJob(row pgx.Row) (*domain.Job, error) {
	var j domain.Job
	var input, output []byte
	if err := row.Scan(&j.ID, &j.Type, &j.Status, &input, &output, &j.Error, &j.IsScheduled,
		&j.APICallsUsed, &j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Input = json.RawMessage(input)
	if len(output) > 0 {
		j.Output = json.RawMessage(output)
	}
	return &j, nil
}

// GetJob returns the job record for id or ErrNotFound.
func (s *Store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	j, err := scanJob(s.db.QueryRow(ctx, `select `+jobColumns+` from jobs where id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return j, nil
}

// InsertJob creates a job record. A record with the same id yields ErrConflict.
func (s *Store) InsertJob(ctx context.Context, j *domain.Job) error {
	input := []byte(j.Input)
	if len(input) == 0 {
		input = []byte("{}")
	}
	_, err := s.db.Exec(ctx, `insert into jobs(
id, type, status, input, is_scheduled, started_at, created_at, updated_at
) values ($1,$2,$3,$4,$5,$6,now(),now())`,
		j.ID, j.Type, j.Status, input, j.IsScheduled, j.StartedAt,
	)
	if err != nil {
		return conflict(err)
	}
	return nil
}

// MarkRunning moves a job to running and stamps started_at.
func (s *Store) MarkRunning(ctx context.Context, id string, at time.Time) error {
	return s.updateJob(ctx, `update jobs
   set status = 'running', started_at = $2, error = null, updated_at = now()
 where id = $1`, id, at)
}

// MarkCompleted finalizes a job with its output.
func (s *Store) MarkCompleted(ctx context.Context, id string, output json.RawMessage, calls int, at time.Time) error {
	return s.updateJob(ctx, `update jobs
   set status = 'completed', output = $2, error = null, api_calls_used = $3,
       completed_at = $4, updated_at = now()
 where id = $1`, id, []byte(output), calls, at)
}

// MarkFailed finalizes a job with a human-readable error.
func (s *Store) MarkFailed(ctx context.Context, id, msg string, calls int, at time.Time) error {
	return s.updateJob(ctx, `update jobs
   set status = 'failed', error = $2, api_calls_used = $3,
       completed_at = $4, updated_at = now()
 where id = $1`, id, msg, calls, at)
}

// SuspendJob marks a not-yet-finished job suspended. It reports false when the
// job is unknown or already terminal.
func (s *Store) SuspendJob(ctx context.Context, id string) (bool, error) {
	tag, err := s.db.Exec(ctx, `update jobs
   set status = 'suspended', updated_at = now()
 where id = $1 and status not in ('completed', 'failed')`, id)
	if err != nil {
		return false, fmt.Errorf("suspend job %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListJobs returns the most recent jobs, optionally filtered by status.
func (s *Store) ListJobs(ctx context.Context, status domain.Status, limit int) ([]domain.Job, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `select `+jobColumns+` from jobs
 where ($1 = '' or status = $1)
 order by created_at desc limit $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func (s *Store) updateJob(ctx context.Context, sql, id string, args ...any) error {
	tag, err := s.db.Exec(ctx, sql, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
