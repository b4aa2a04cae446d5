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

// CreateAssignment binds a recipient to a protocol with a fresh cursor.
func (s *Store) CreateAssignment(ctx context.Context, protocolID, recipientID string) (models.Assignment, error) {
	now := time.Now().UTC()
	a := models.Assignment{
		ID:          uuid.New().String(),
		ProtocolID:  protocolID,
		RecipientID: recipientID,
		Status:      models.AssignmentActive,
		StartedAt:   now,
		UpdatedAt:   now,
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO assignments (id, protocol_id, recipient_id, current_step_order, status, started_at, updated_at)
		VALUES ($1, $2, $3, NULL, $4, $5, $5)
	`, a.ID, a.ProtocolID, a.RecipientID, a.Status, now)
	if err != nil {
		return models.Assignment{}, fmt.Errorf("insert assignment: %w", err)
	}
	return a, nil
}

// GetAssignment fetches an assignment by id.
func (s *Store) GetAssignment(ctx context.Context, id string) (models.Assignment, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, protocol_id, recipient_id, current_step_order, status, started_at, updated_at
		FROM assignments WHERE id = $1
	`, id)

	var a models.Assignment
	var cursor pgtype.Int4
	if err := row.Scan(&a.ID, &a.ProtocolID, &a.RecipientID, &cursor, &a.Status, &a.StartedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Assignment{}, fmt.Errorf("assignment not found: %w", err)
		}
		return models.Assignment{}, fmt.Errorf("scan assignment: %w", err)
	}
	if cursor.Valid {
		v := int(cursor.Int32)
		a.CurrentStepOrder = &v
	}
	return a, nil
}

// AdvanceCursor moves the step cursor forward with compare-and-set semantics.
// The update applies only while the assignment is active and the cursor still
// sits at the expected position, so concurrent completion signals collapse to
// a single advance. Returns whether this call won the advance.
func (s *Store) AdvanceCursor(ctx context.Context, id string, from *int, to int) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE assignments
		SET current_step_order = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3 AND current_step_order IS NOT DISTINCT FROM $4
	`, id, to, models.AssignmentActive, from)
	if err != nil {
		return false, fmt.Errorf("advance cursor: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteAssignment marks an active assignment completed once the protocol
// is exhausted. Terminal assignments never re-enter scheduling.
func (s *Store) CompleteAssignment(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE assignments SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.AssignmentCompleted, models.AssignmentActive)
	if err != nil {
		return false, fmt.Errorf("complete assignment: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetAssignmentStatus transitions status, refusing to resurrect terminal
// assignments. Returns whether a row changed.
func (s *Store) SetAssignmentStatus(ctx context.Context, id, status string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE assignments SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ($3, $4)
	`, id, status, models.AssignmentActive, models.AssignmentPaused)
	if err != nil {
		return false, fmt.Errorf("set assignment status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
