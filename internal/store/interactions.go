package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"careflow/internal/models"
)

// RecordSent appends an interaction log row for a successful send. SentAt is
// immutable from here on.
func (s *Store) RecordSent(ctx context.Context, assignmentID, stepID, recipientID string) (models.InteractionLog, error) {
	now := time.Now().UTC()
	entry := models.InteractionLog{
		ID:           uuid.New().String(),
		AssignmentID: assignmentID,
		StepID:       stepID,
		RecipientID:  recipientID,
		Status:       models.InteractionSent,
		SentAt:       now,
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO interaction_logs (id, assignment_id, step_id, recipient_id, status, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.ID, entry.AssignmentID, entry.StepID, entry.RecipientID, entry.Status, entry.SentAt)
	if err != nil {
		return models.InteractionLog{}, fmt.Errorf("insert interaction: %w", err)
	}
	return entry, nil
}

// LatestOpenInteraction returns the most recent unresolved log entry for a
// recipient whose sent_at falls inside the lookback window.
func (s *Store) LatestOpenInteraction(ctx context.Context, recipientID string, since time.Time) (models.InteractionLog, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, assignment_id, step_id, recipient_id, status, sent_at, delivered_at, read_at, responded_at, response_value
		FROM interaction_logs
		WHERE recipient_id = $1 AND responded_at IS NULL
		  AND status IN ($2, $3, $4)
		  AND sent_at >= $5
		ORDER BY sent_at DESC LIMIT 1
	`, recipientID, models.InteractionSent, models.InteractionDelivered, models.InteractionRead, since)

	entry, err := scanInteraction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.InteractionLog{}, false, nil
	}
	if err != nil {
		return models.InteractionLog{}, false, err
	}
	return entry, true, nil
}

// ResolveInteraction records the response exactly once. The conditional
// update is the idempotency guard: a second resolution attempt affects no
// rows and reports resolved=false.
func (s *Store) ResolveInteraction(ctx context.Context, id, responseValue string, respondedAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE interaction_logs
		SET status = $2, responded_at = $3, response_value = $4
		WHERE id = $1 AND responded_at IS NULL
	`, id, models.InteractionResponded, respondedAt.UTC(), responseValue)
	if err != nil {
		return false, fmt.Errorf("resolve interaction: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkDelivered records a provider delivery receipt. Only moves sent→delivered.
func (s *Store) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE interaction_logs SET status = $2, delivered_at = $3
		WHERE id = $1 AND status = $4
	`, id, models.InteractionDelivered, at.UTC(), models.InteractionSent)
	return err
}

// MarkRead records a provider read receipt for a still-unresolved entry.
func (s *Store) MarkRead(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE interaction_logs SET status = $2, read_at = $3
		WHERE id = $1 AND status IN ($4, $5)
	`, id, models.InteractionRead, at.UTC(), models.InteractionSent, models.InteractionDelivered)
	return err
}

// MarkMissedBefore closes out open entries whose lookback window elapsed
// without a reply. A missed entry is terminal for correlation; it is never
// matched again.
func (s *Store) MarkMissedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE interaction_logs SET status = $1
		WHERE responded_at IS NULL AND status IN ($2, $3, $4) AND sent_at < $5
	`, models.InteractionMissed, models.InteractionSent, models.InteractionDelivered, models.InteractionRead, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("mark missed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListInteractions exposes the append-only log for reporting collaborators.
func (s *Store) ListInteractions(ctx context.Context, assignmentID string) ([]models.InteractionLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, assignment_id, step_id, recipient_id, status, sent_at, delivered_at, read_at, responded_at, response_value
		FROM interaction_logs WHERE assignment_id = $1 ORDER BY sent_at
	`, assignmentID)
	if err != nil {
		return nil, fmt.Errorf("query interactions: %w", err)
	}
	defer rows.Close()

	var out []models.InteractionLog
	for rows.Next() {
		entry, err := scanInteraction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// RecordUnmatchedEvent keeps an audit trail of inbound events that matched
// no outstanding interaction.
func (s *Store) RecordUnmatchedEvent(ctx context.Context, recipientID, eventType string, payload []byte, reason string) error {
	if len(payload) == 0 {
		payload = nil
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO unmatched_events (id, recipient_id, event_type, payload, reason, recorded_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, uuid.New().String(), recipientID, eventType, payload, reason)
	return err
}

func scanInteraction(row pgx.Row) (models.InteractionLog, error) {
	var entry models.InteractionLog
	var delivered, read, responded pgtype.Timestamptz
	var response pgtype.Text
	if err := row.Scan(&entry.ID, &entry.AssignmentID, &entry.StepID, &entry.RecipientID, &entry.Status, &entry.SentAt, &delivered, &read, &responded, &response); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.InteractionLog{}, err
		}
		return models.InteractionLog{}, fmt.Errorf("scan interaction: %w", err)
	}
	entry.DeliveredAt = timePtr(delivered)
	entry.ReadAt = timePtr(read)
	entry.RespondedAt = timePtr(responded)
	entry.ResponseValue = textPtr(response)
	return entry, nil
}
