package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"careflow/internal/models"
)

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	Kind           string
	Payload        map[string]any
	IdempotencyKey string
	DueAt          time.Time
	MaxAttempts    int
	IdempotencyTTL time.Duration
}

// CreateJob inserts a job row, honoring idempotency if a key is provided.
// When a non-terminal job already holds the key the existing job is returned
// with reused=true; a terminal holder releases the key to the new job.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, bool, error) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 5
	}

	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("marshal payload: %w", err)
	}

	// If an idempotency key already maps to a live job, short-circuit before
	// creating anything.
	if p.IdempotencyKey != "" {
		if existing, found, err := s.FindByIdempotencyKey(ctx, p.IdempotencyKey); err != nil {
			return models.Job{}, false, err
		} else if found && !terminal(existing.Status) {
			return existing, true, nil
		}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, kind, payload, status, attempts, max_attempts, due_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $7, $7)
	`, id, p.Kind, payloadJSON, models.JobPending, p.MaxAttempts, p.DueAt, now)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}

	if p.IdempotencyKey != "" {
		// A zero TTL keeps the key alive until its job reaches a terminal
		// status. Delivery keys use this; they must outlive arbitrarily long
		// trigger delays or a re-schedule could create a second live job.
		var expires any
		if p.IdempotencyTTL > 0 {
			expires = now.Add(p.IdempotencyTTL)
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO idempotency_keys (key, job_id, expires_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (key) DO UPDATE SET job_id = EXCLUDED.job_id, expires_at = EXCLUDED.expires_at
			WHERE NOT EXISTS (
				SELECT 1 FROM jobs j WHERE j.id = idempotency_keys.job_id AND j.status IN ('pending', 'claimed')
			)
		`, p.IdempotencyKey, id, expires)
		if err != nil {
			return models.Job{}, false, fmt.Errorf("insert idempotency key: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Someone else claimed the key after our initial check; return the
			// job it points at.
			if err := tx.Rollback(ctx); err != nil {
				return models.Job{}, false, fmt.Errorf("rollback after idempotency conflict: %w", err)
			}
			existing, found, err := s.FindByIdempotencyKey(ctx, p.IdempotencyKey)
			if err != nil {
				return models.Job{}, false, err
			}
			if !found {
				return models.Job{}, false, errors.New("idempotency conflict but no existing job found")
			}
			return existing, true, nil
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, false, fmt.Errorf("commit: %w", err)
	}

	return models.Job{
		ID:          id,
		Kind:        p.Kind,
		Payload:     p.Payload,
		Status:      models.JobPending,
		Attempts:    0,
		MaxAttempts: p.MaxAttempts,
		DueAt:       p.DueAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, false, nil
}

func terminal(status string) bool {
	return status == models.JobDone || status == models.JobDead
}

// FindByIdempotencyKey returns the job mapped to the key if present and unexpired.
func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (models.Job, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT job_id FROM idempotency_keys WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("query idempotency key: %w", err)
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, kind, payload, status, attempts, max_attempts, due_at, last_error, created_at, updated_at
		FROM jobs WHERE id = $1
	`, id)

	var job models.Job
	var payloadJSON []byte
	var lastErr pgtype.Text

	if err := row.Scan(&job.ID, &job.Kind, &payloadJSON, &job.Status, &job.Attempts, &job.MaxAttempts, &job.DueAt, &lastErr, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, fmt.Errorf("job not found: %w", err)
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}

	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	job.LastError = textPtr(lastErr)
	return job, nil
}

// MarkClaimed flags a job as claimed by a worker.
func (s *Store) MarkClaimed(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, models.JobClaimed)
	return err
}

// MarkDone transitions a job to done.
func (s *Store) MarkDone(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = NOW(), last_error = NULL WHERE id = $1
	`, id, models.JobDone)
	return err
}

// MarkDead flags a job as dead-lettered.
func (s *Store) MarkDead(ctx context.Context, id string, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1
	`, id, models.JobDead, lastError)
	return err
}

// Reschedule returns a failed job to pending with an updated attempt count
// and due time.
func (s *Store) Reschedule(ctx context.Context, id string, attempts int, dueAt time.Time, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, attempts = $3, due_at = $4, last_error = $5, updated_at = NOW()
		WHERE id = $1
	`, id, models.JobPending, attempts, dueAt, lastErr)
	return err
}

// RequeuePending resets a reclaimed lease back to pending without touching
// the attempt count.
func (s *Store) RequeuePending(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, due_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.JobPending, models.JobClaimed)
	return err
}

// DeadJobs lists the most recent dead-lettered jobs for operator inspection.
func (s *Store) DeadJobs(ctx context.Context, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, kind, payload, status, attempts, max_attempts, due_at, last_error, created_at, updated_at
		FROM jobs WHERE status = $1 ORDER BY updated_at DESC LIMIT $2
	`, models.JobDead, limit)
	if err != nil {
		return nil, fmt.Errorf("query dead jobs: %w", err)
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		var job models.Job
		var payloadJSON []byte
		var lastErr pgtype.Text
		if err := rows.Scan(&job.ID, &job.Kind, &payloadJSON, &job.Status, &job.Attempts, &job.MaxAttempts, &job.DueAt, &lastErr, &job.CreatedAt, &job.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan dead job: %w", err)
		}
		if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
		job.LastError = textPtr(lastErr)
		out = append(out, job)
	}
	return out, rows.Err()
}
