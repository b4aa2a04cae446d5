package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"careflow/internal/config"
	"careflow/internal/models"
	"careflow/internal/store"
	"careflow/internal/telemetry"
)

// Store is the durable-state surface the scheduler needs.
type Store interface {
	GetAssignment(ctx context.Context, id string) (models.Assignment, error)
	GetStep(ctx context.Context, id string) (models.ProtocolStep, error)
	NextStep(ctx context.Context, protocolID string, afterOrder *int) (models.ProtocolStep, bool, error)
	AdvanceCursor(ctx context.Context, id string, from *int, to int) (bool, error)
	CompleteAssignment(ctx context.Context, id string) (bool, error)
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, bool, error)
	RequeuePending(ctx context.Context, id string) error
	MarkMissedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// Queue is the Redis-side surface the scheduler needs.
type Queue interface {
	Enqueue(ctx context.Context, jobID, kind string, dueAt time.Time) error
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	ReadyDepth(ctx context.Context) (int64, error)
}

// Scheduler owns the assignment cursor: it computes due times from step
// triggers, enqueues deliver-step jobs idempotently, and advances the cursor
// on completion. Only the scheduler/correlator pair mutates the cursor.
type Scheduler struct {
	cfg   config.Config
	store Store
	queue Queue
	now   func() time.Time
}

// New constructs a scheduler.
func New(cfg config.Config, st Store, q Queue) *Scheduler {
	return &Scheduler{cfg: cfg, store: st, queue: q, now: time.Now}
}

// DeliveryKey is the idempotency key guaranteeing at most one non-terminal
// deliver-step job per (assignment, step) pair.
func DeliveryKey(assignmentID, stepID string) string {
	return fmt.Sprintf("deliver:%s:%s", assignmentID, stepID)
}

// OnAssignmentCreated schedules the first step of a fresh assignment.
func (s *Scheduler) OnAssignmentCreated(ctx context.Context, a models.Assignment) error {
	return s.scheduleNext(ctx, a)
}

// OnStepCompleted advances the cursor past the completed step and schedules
// the following one. Re-entrant: duplicate completion signals lose the
// cursor compare-and-set and return without scheduling anything.
func (s *Scheduler) OnStepCompleted(ctx context.Context, assignmentID, stepID string) error {
	a, err := s.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return err
	}
	if a.Status != models.AssignmentActive {
		// In-flight completion for a paused/cancelled assignment is a no-op.
		return nil
	}

	step, err := s.store.GetStep(ctx, stepID)
	if err != nil {
		return err
	}
	if a.CurrentStepOrder != nil && step.StepOrder <= *a.CurrentStepOrder {
		return nil
	}

	advanced, err := s.store.AdvanceCursor(ctx, assignmentID, a.CurrentStepOrder, step.StepOrder)
	if err != nil {
		return err
	}
	if !advanced {
		return nil
	}

	cursor := step.StepOrder
	a.CurrentStepOrder = &cursor
	return s.scheduleNext(ctx, a)
}

// ResumeAssignment re-schedules the step after the cursor for an assignment
// that just returned to active. Idempotent via the delivery key.
func (s *Scheduler) ResumeAssignment(ctx context.Context, assignmentID string) error {
	a, err := s.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return err
	}
	return s.scheduleNext(ctx, a)
}

// scheduleNext enqueues the step after the cursor, or completes the
// assignment when the protocol is exhausted.
func (s *Scheduler) scheduleNext(ctx context.Context, a models.Assignment) error {
	if a.Status != models.AssignmentActive {
		return nil
	}

	next, ok, err := s.store.NextStep(ctx, a.ProtocolID, a.CurrentStepOrder)
	if err != nil {
		return err
	}
	if !ok {
		if _, err := s.store.CompleteAssignment(ctx, a.ID); err != nil {
			return err
		}
		log.Printf("scheduler: assignment %s completed protocol %s", a.ID, a.ProtocolID)
		return nil
	}

	dueAt := ComputeDueAt(next, s.now())
	job, reused, err := s.store.CreateJob(ctx, store.CreateJobParams{
		Kind: models.KindDeliverStep,
		Payload: map[string]any{
			"assignment_id": a.ID,
			"step_id":       next.ID,
		},
		// No TTL: the key holds until the job goes terminal, however long the
		// step's trigger delay is.
		IdempotencyKey: DeliveryKey(a.ID, next.ID),
		DueAt:          dueAt,
		MaxAttempts:    s.cfg.MaxAttempts,
	})
	if err != nil {
		return fmt.Errorf("create deliver-step job: %w", err)
	}
	if reused {
		return nil
	}

	if err := s.queue.Enqueue(ctx, job.ID, job.Kind, job.DueAt); err != nil {
		return fmt.Errorf("enqueue deliver-step job: %w", err)
	}
	telemetry.EnqueueCounter.Inc()
	_ = s.store.AppendAudit(ctx, job.ID, "enqueued", fmt.Sprintf("assignment=%s step=%d due=%s", a.ID, next.StepOrder, dueAt.UTC().Format(time.RFC3339)))
	return nil
}

// Tick is the engine's liveness sweep: it promotes due scheduled jobs into
// the ready queue and reclaims leases whose visibility timeout passed. The
// idempotent-enqueue guard makes it safe to run concurrently with itself.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()
	if _, err := s.queue.PromoteScheduled(ctx, now, int64(s.cfg.ScheduledBatchSize)); err != nil {
		log.Printf("scheduler: promote scheduled: %v", err)
	}

	reclaimed, err := s.queue.RequeueExpired(ctx, now, int64(s.cfg.ScheduledBatchSize))
	if err != nil {
		log.Printf("scheduler: requeue expired: %v", err)
	}
	if len(reclaimed) > 0 {
		telemetry.InFlightGauge.Sub(float64(len(reclaimed)))
		for _, id := range reclaimed {
			if err := s.store.RequeuePending(ctx, id); err != nil {
				log.Printf("scheduler: requeue job %s: %v", id, err)
			}
		}
	}

	if depth, err := s.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}

	// Interactions outside the reply lookback can never correlate; close
	// them out as missed so reporting sees the non-response.
	if missed, err := s.store.MarkMissedBefore(ctx, now.Add(-s.cfg.ReplyLookback)); err != nil {
		log.Printf("scheduler: mark missed interactions: %v", err)
	} else if missed > 0 {
		log.Printf("scheduler: marked %d interactions missed", missed)
	}
}

// Run drives Tick on a fixed interval until the context ends.
func (s *Scheduler) Run(ctx context.Context) {
	interval := s.cfg.SchedulerInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// ComputeDueAt resolves a step's trigger into an absolute due time. A
// scheduled trigger already in the past is clamped to now: late steps fire
// immediately rather than being skipped.
func ComputeDueAt(step models.ProtocolStep, now time.Time) time.Time {
	switch step.TriggerType {
	case models.TriggerDelay:
		return now.Add(step.TriggerDelay)
	case models.TriggerScheduled:
		if step.TriggerAt != nil && step.TriggerAt.After(now) {
			return *step.TriggerAt
		}
		return now
	default: // immediate
		return now
	}
}
