package scheduler

import (
	"context"
	"testing"
	"time"

	"careflow/internal/config"
	"careflow/internal/models"
	"careflow/internal/store"
)

func TestComputeDueAt(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	immediate := models.ProtocolStep{TriggerType: models.TriggerImmediate}
	if got := ComputeDueAt(immediate, now); !got.Equal(now) {
		t.Fatalf("immediate: got %s, want %s", got, now)
	}

	delayed := models.ProtocolStep{TriggerType: models.TriggerDelay, TriggerDelay: 60 * time.Second}
	if got := ComputeDueAt(delayed, now); !got.Equal(now.Add(60 * time.Second)) {
		t.Fatalf("delay: got %s, want %s", got, now.Add(60*time.Second))
	}

	future := now.Add(24 * time.Hour)
	scheduled := models.ProtocolStep{TriggerType: models.TriggerScheduled, TriggerAt: &future}
	if got := ComputeDueAt(scheduled, now); !got.Equal(future) {
		t.Fatalf("scheduled future: got %s, want %s", got, future)
	}

	// A scheduled time already in the past clamps to now: the step fires
	// immediately instead of being skipped.
	past := now.Add(-time.Hour)
	late := models.ProtocolStep{TriggerType: models.TriggerScheduled, TriggerAt: &past}
	if got := ComputeDueAt(late, now); !got.Equal(now) {
		t.Fatalf("scheduled past: got %s, want %s", got, now)
	}
}

type fakeStore struct {
	assignments map[string]models.Assignment
	steps       map[string]models.ProtocolStep
	ordered     []models.ProtocolStep
	jobs        map[string]models.Job
	keys        map[string]string
	completed   []string
	lastParams  store.CreateJobParams
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		assignments: make(map[string]models.Assignment),
		steps:       make(map[string]models.ProtocolStep),
		jobs:        make(map[string]models.Job),
		keys:        make(map[string]string),
	}
}

func (f *fakeStore) addStep(st models.ProtocolStep) {
	f.steps[st.ID] = st
	f.ordered = append(f.ordered, st)
}

func (f *fakeStore) GetAssignment(_ context.Context, id string) (models.Assignment, error) {
	return f.assignments[id], nil
}

func (f *fakeStore) GetStep(_ context.Context, id string) (models.ProtocolStep, error) {
	return f.steps[id], nil
}

func (f *fakeStore) NextStep(_ context.Context, protocolID string, afterOrder *int) (models.ProtocolStep, bool, error) {
	cursor := -1
	if afterOrder != nil {
		cursor = *afterOrder
	}
	var best models.ProtocolStep
	found := false
	for _, st := range f.ordered {
		if st.ProtocolID != protocolID || st.StepOrder <= cursor {
			continue
		}
		if !found || st.StepOrder < best.StepOrder {
			best = st
			found = true
		}
	}
	return best, found, nil
}

func (f *fakeStore) AdvanceCursor(_ context.Context, id string, from *int, to int) (bool, error) {
	a := f.assignments[id]
	if a.Status != models.AssignmentActive {
		return false, nil
	}
	if (a.CurrentStepOrder == nil) != (from == nil) {
		return false, nil
	}
	if a.CurrentStepOrder != nil && *a.CurrentStepOrder != *from {
		return false, nil
	}
	a.CurrentStepOrder = &to
	f.assignments[id] = a
	return true, nil
}

func (f *fakeStore) CompleteAssignment(_ context.Context, id string) (bool, error) {
	a := f.assignments[id]
	if a.Status != models.AssignmentActive {
		return false, nil
	}
	a.Status = models.AssignmentCompleted
	f.assignments[id] = a
	f.completed = append(f.completed, id)
	return true, nil
}

func (f *fakeStore) CreateJob(_ context.Context, p store.CreateJobParams) (models.Job, bool, error) {
	f.lastParams = p
	if p.IdempotencyKey != "" {
		if existing, ok := f.keys[p.IdempotencyKey]; ok {
			job := f.jobs[existing]
			if job.Status == models.JobPending || job.Status == models.JobClaimed {
				return job, true, nil
			}
		}
	}
	job := models.Job{
		ID:          "job-" + p.IdempotencyKey,
		Kind:        p.Kind,
		Payload:     p.Payload,
		Status:      models.JobPending,
		MaxAttempts: p.MaxAttempts,
		DueAt:       p.DueAt,
	}
	f.jobs[job.ID] = job
	if p.IdempotencyKey != "" {
		f.keys[p.IdempotencyKey] = job.ID
	}
	return job, false, nil
}

func (f *fakeStore) RequeuePending(_ context.Context, id string) error {
	if job, ok := f.jobs[id]; ok {
		job.Status = models.JobPending
		f.jobs[id] = job
	}
	return nil
}

func (f *fakeStore) MarkMissedBefore(context.Context, time.Time) (int64, error) { return 0, nil }

func (f *fakeStore) AppendAudit(context.Context, string, string, string) error { return nil }

type fakeQueue struct {
	enqueued []string
}

func (q *fakeQueue) Enqueue(_ context.Context, jobID, _ string, _ time.Time) error {
	q.enqueued = append(q.enqueued, jobID)
	return nil
}

func (q *fakeQueue) PromoteScheduled(context.Context, time.Time, int64) (int, error) {
	return 0, nil
}

func (q *fakeQueue) RequeueExpired(context.Context, time.Time, int64) ([]string, error) {
	return nil, nil
}

func (q *fakeQueue) ReadyDepth(context.Context) (int64, error) { return 0, nil }

func testScheduler(st *fakeStore, q *fakeQueue) *Scheduler {
	cfg := config.Config{MaxAttempts: 3, EventDedupeTTL: time.Hour, ScheduledBatchSize: 100}
	return New(cfg, st, q)
}

func twoStepProtocol(st *fakeStore) models.Assignment {
	st.addStep(models.ProtocolStep{ID: "s1", ProtocolID: "p1", StepOrder: 1, TriggerType: models.TriggerImmediate})
	st.addStep(models.ProtocolStep{ID: "s2", ProtocolID: "p1", StepOrder: 2, TriggerType: models.TriggerDelay, TriggerDelay: 24 * time.Hour})
	a := models.Assignment{ID: "a1", ProtocolID: "p1", RecipientID: "r1", Status: models.AssignmentActive}
	st.assignments[a.ID] = a
	return a
}

func TestOnAssignmentCreatedSchedulesFirstStep(t *testing.T) {
	st := newFakeStore()
	q := &fakeQueue{}
	a := twoStepProtocol(st)
	s := testScheduler(st, q)

	if err := s.OnAssignmentCreated(context.Background(), a); err != nil {
		t.Fatal(err)
	}
	if len(q.enqueued) != 1 {
		t.Fatalf("expected 1 enqueued job, got %d", len(q.enqueued))
	}
	job := st.jobs[q.enqueued[0]]
	if job.Payload["step_id"] != "s1" {
		t.Fatalf("expected step s1 scheduled, got %v", job.Payload["step_id"])
	}
}

func TestEnqueueIsIdempotentPerStep(t *testing.T) {
	st := newFakeStore()
	q := &fakeQueue{}
	a := twoStepProtocol(st)
	s := testScheduler(st, q)

	ctx := context.Background()
	if err := s.OnAssignmentCreated(ctx, a); err != nil {
		t.Fatal(err)
	}
	// Scheduler re-entry (crash/restart, duplicate tick) must not duplicate
	// the pending job.
	if err := s.OnAssignmentCreated(ctx, a); err != nil {
		t.Fatal(err)
	}
	if len(q.enqueued) != 1 {
		t.Fatalf("expected 1 enqueued job after re-entry, got %d", len(q.enqueued))
	}
}

func TestDeliveryJobKeyNeverExpires(t *testing.T) {
	st := newFakeStore()
	q := &fakeQueue{}
	a := twoStepProtocol(st)
	s := testScheduler(st, q)

	if err := s.OnAssignmentCreated(context.Background(), a); err != nil {
		t.Fatal(err)
	}
	// A delay trigger can exceed any fixed TTL; the key must hold until the
	// job goes terminal or a re-schedule would mint a second live job.
	if st.lastParams.IdempotencyTTL != 0 {
		t.Fatalf("delivery key TTL = %s, want none", st.lastParams.IdempotencyTTL)
	}
	if st.lastParams.IdempotencyKey == "" {
		t.Fatal("delivery job missing idempotency key")
	}
}

func TestOnStepCompletedAdvancesAndSchedulesNext(t *testing.T) {
	st := newFakeStore()
	q := &fakeQueue{}
	twoStepProtocol(st)
	s := testScheduler(st, q)

	ctx := context.Background()
	if err := s.OnStepCompleted(ctx, "a1", "s1"); err != nil {
		t.Fatal(err)
	}

	a := st.assignments["a1"]
	if a.CurrentStepOrder == nil || *a.CurrentStepOrder != 1 {
		t.Fatalf("cursor = %v, want 1", a.CurrentStepOrder)
	}
	if len(q.enqueued) != 1 {
		t.Fatalf("expected next step enqueued, got %d jobs", len(q.enqueued))
	}
	job := st.jobs[q.enqueued[0]]
	if job.Payload["step_id"] != "s2" {
		t.Fatalf("expected step s2 scheduled, got %v", job.Payload["step_id"])
	}
	if job.DueAt.Before(time.Now().Add(23 * time.Hour)) {
		t.Fatalf("delay step due too early: %s", job.DueAt)
	}
}

func TestDuplicateCompletionAdvancesOnce(t *testing.T) {
	st := newFakeStore()
	q := &fakeQueue{}
	twoStepProtocol(st)
	s := testScheduler(st, q)

	ctx := context.Background()
	if err := s.OnStepCompleted(ctx, "a1", "s1"); err != nil {
		t.Fatal(err)
	}
	if err := s.OnStepCompleted(ctx, "a1", "s1"); err != nil {
		t.Fatal(err)
	}

	a := st.assignments["a1"]
	if a.CurrentStepOrder == nil || *a.CurrentStepOrder != 1 {
		t.Fatalf("cursor = %v, want 1", a.CurrentStepOrder)
	}
	if len(q.enqueued) != 1 {
		t.Fatalf("duplicate completion must not double-enqueue; got %d jobs", len(q.enqueued))
	}
}

func TestLastStepCompletesAssignment(t *testing.T) {
	st := newFakeStore()
	q := &fakeQueue{}
	twoStepProtocol(st)
	s := testScheduler(st, q)

	ctx := context.Background()
	if err := s.OnStepCompleted(ctx, "a1", "s1"); err != nil {
		t.Fatal(err)
	}
	if err := s.OnStepCompleted(ctx, "a1", "s2"); err != nil {
		t.Fatal(err)
	}

	a := st.assignments["a1"]
	if a.Status != models.AssignmentCompleted {
		t.Fatalf("status = %s, want completed", a.Status)
	}
}

func TestCompletionForInactiveAssignmentIsNoop(t *testing.T) {
	st := newFakeStore()
	q := &fakeQueue{}
	twoStepProtocol(st)
	a := st.assignments["a1"]
	a.Status = models.AssignmentCancelled
	st.assignments["a1"] = a
	s := testScheduler(st, q)

	if err := s.OnStepCompleted(context.Background(), "a1", "s1"); err != nil {
		t.Fatal(err)
	}
	if len(q.enqueued) != 0 {
		t.Fatalf("cancelled assignment must not schedule; got %d jobs", len(q.enqueued))
	}
	if st.assignments["a1"].CurrentStepOrder != nil {
		t.Fatal("cursor moved for cancelled assignment")
	}
}
