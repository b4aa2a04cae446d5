package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"careflow/internal/models"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping verifies connectivity; used by the degradation manager's probe loop.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateProtocol inserts a protocol with its steps in one transaction.
// Steps are immutable afterwards, so they are only ever written here.
func (s *Store) CreateProtocol(ctx context.Context, name string, steps []models.ProtocolStep) (models.Protocol, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Protocol{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	now := time.Now().UTC()
	p := models.Protocol{
		ID:        uuid.New().String(),
		Name:      name,
		Status:    models.ProtocolActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO protocols (id, name, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
	`, p.ID, p.Name, p.Status, now)
	if err != nil {
		return models.Protocol{}, fmt.Errorf("insert protocol: %w", err)
	}

	for i := range steps {
		st := &steps[i]
		st.ID = uuid.New().String()
		st.ProtocolID = p.ID
		_, err = tx.Exec(ctx, `
			INSERT INTO protocol_steps (id, protocol_id, step_order, trigger_type, trigger_delay_ms, trigger_at, message_type, content_payload, requires_action, allowed_replies)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, st.ID, st.ProtocolID, st.StepOrder, st.TriggerType, st.TriggerDelay.Milliseconds(), st.TriggerAt, st.MessageType, []byte(st.ContentPayload), st.RequiresAction, st.AllowedReplies)
		if err != nil {
			return models.Protocol{}, fmt.Errorf("insert step %d: %w", st.StepOrder, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Protocol{}, fmt.Errorf("commit: %w", err)
	}
	return p, nil
}

// GetProtocol fetches a protocol by id.
func (s *Store) GetProtocol(ctx context.Context, id string) (models.Protocol, error) {
	var p models.Protocol
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, status, created_at, updated_at FROM protocols WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Protocol{}, fmt.Errorf("protocol not found: %w", err)
	}
	if err != nil {
		return models.Protocol{}, fmt.Errorf("scan protocol: %w", err)
	}
	return p, nil
}

// SetProtocolStatus updates only the status; step definitions stay frozen.
func (s *Store) SetProtocolStatus(ctx context.Context, id, status string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE protocols SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, status)
	return err
}

// ListSteps returns a protocol's steps ordered by step_order.
func (s *Store) ListSteps(ctx context.Context, protocolID string) ([]models.ProtocolStep, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, protocol_id, step_order, trigger_type, trigger_delay_ms, trigger_at, message_type, content_payload, requires_action, allowed_replies
		FROM protocol_steps WHERE protocol_id = $1 ORDER BY step_order
	`, protocolID)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	var out []models.ProtocolStep
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// GetStep fetches a single step by id.
func (s *Store) GetStep(ctx context.Context, id string) (models.ProtocolStep, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, protocol_id, step_order, trigger_type, trigger_delay_ms, trigger_at, message_type, content_payload, requires_action, allowed_replies
		FROM protocol_steps WHERE id = $1
	`, id)
	st, err := scanStep(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ProtocolStep{}, fmt.Errorf("step not found: %w", err)
	}
	return st, err
}

// NextStep returns the step immediately after the given cursor position.
// A nil cursor means the protocol has not started, so the first step is next.
func (s *Store) NextStep(ctx context.Context, protocolID string, afterOrder *int) (models.ProtocolStep, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, protocol_id, step_order, trigger_type, trigger_delay_ms, trigger_at, message_type, content_payload, requires_action, allowed_replies
		FROM protocol_steps
		WHERE protocol_id = $1 AND step_order > COALESCE($2, -1)
		ORDER BY step_order LIMIT 1
	`, protocolID, afterOrder)
	st, err := scanStep(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ProtocolStep{}, false, nil
	}
	if err != nil {
		return models.ProtocolStep{}, false, err
	}
	return st, true, nil
}

func scanStep(row pgx.Row) (models.ProtocolStep, error) {
	var st models.ProtocolStep
	var delayMs int64
	var triggerAt pgtype.Timestamptz
	var payload []byte
	if err := row.Scan(&st.ID, &st.ProtocolID, &st.StepOrder, &st.TriggerType, &delayMs, &triggerAt, &st.MessageType, &payload, &st.RequiresAction, &st.AllowedReplies); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ProtocolStep{}, err
		}
		return models.ProtocolStep{}, fmt.Errorf("scan step: %w", err)
	}
	st.TriggerDelay = time.Duration(delayMs) * time.Millisecond
	if triggerAt.Valid {
		t := triggerAt.Time
		st.TriggerAt = &t
	}
	st.ContentPayload = payload
	return st, nil
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
