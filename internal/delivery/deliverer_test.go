package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"careflow/internal/breaker"
	"careflow/internal/channel"
	"careflow/internal/config"
	"careflow/internal/models"
)

type fakeDeliveryStore struct {
	assignment models.Assignment
	step       models.ProtocolStep
	sent       []models.InteractionLog
	sentErr    error
	audits     []string
}

func (f *fakeDeliveryStore) GetAssignment(context.Context, string) (models.Assignment, error) {
	return f.assignment, nil
}

func (f *fakeDeliveryStore) GetStep(context.Context, string) (models.ProtocolStep, error) {
	return f.step, nil
}

func (f *fakeDeliveryStore) RecordSent(_ context.Context, assignmentID, stepID, recipientID string) (models.InteractionLog, error) {
	if f.sentErr != nil {
		return models.InteractionLog{}, f.sentErr
	}
	entry := models.InteractionLog{
		ID:           "log-1",
		AssignmentID: assignmentID,
		StepID:       stepID,
		RecipientID:  recipientID,
		Status:       models.InteractionSent,
		SentAt:       time.Now(),
	}
	f.sent = append(f.sent, entry)
	return entry, nil
}

func (f *fakeDeliveryStore) AppendAudit(_ context.Context, _, event, _ string) error {
	f.audits = append(f.audits, event)
	return nil
}

type fakeCompleter struct {
	completed [][2]string
}

func (f *fakeCompleter) OnStepCompleted(_ context.Context, assignmentID, stepID string) error {
	f.completed = append(f.completed, [2]string{assignmentID, stepID})
	return nil
}

type fakeChannel struct {
	err   error
	sends int
}

func (f *fakeChannel) Send(context.Context, string, json.RawMessage) (channel.Receipt, error) {
	f.sends++
	return channel.Receipt{MessageID: "m1"}, f.err
}

func (f *fakeChannel) Healthy(context.Context) error { return nil }

func testDeliverer(st *fakeDeliveryStore, sched *fakeCompleter, ch channel.Client) *Deliverer {
	cfg := config.Config{BreakerResetTimeout: 30 * time.Second}
	brk := breaker.New("messaging-channel", breaker.Config{FailureThreshold: 5, ResetTimeout: 30 * time.Second})
	return NewDeliverer(cfg, st, sched, brk, ch, nil, nil, nil)
}

func deliverJob() models.Job {
	return models.Job{
		ID:   "job-1",
		Kind: models.KindDeliverStep,
		Payload: map[string]any{
			"assignment_id": "a1",
			"step_id":       "s1",
		},
		MaxAttempts: 3,
	}
}

func activeState() (*fakeDeliveryStore, *fakeCompleter) {
	st := &fakeDeliveryStore{
		assignment: models.Assignment{ID: "a1", ProtocolID: "p1", RecipientID: "r1", Status: models.AssignmentActive},
		step:       models.ProtocolStep{ID: "s1", ProtocolID: "p1", StepOrder: 1, MessageType: models.MessageText, ContentPayload: json.RawMessage(`{"text":"hello"}`)},
	}
	return st, &fakeCompleter{}
}

func TestDeliverySuccessLogsAndCompletes(t *testing.T) {
	st, sched := activeState()
	ch := &fakeChannel{}
	d := testDeliverer(st, sched, ch)

	if err := d.Handle(context.Background(), deliverJob()); err != nil {
		t.Fatal(err)
	}
	if len(st.sent) != 1 {
		t.Fatalf("interaction log rows = %d, want 1", len(st.sent))
	}
	if len(sched.completed) != 1 {
		t.Fatalf("step not completed for no-action step")
	}
}

func TestActionStepWaitsForReply(t *testing.T) {
	st, sched := activeState()
	st.step.RequiresAction = true
	ch := &fakeChannel{}
	d := testDeliverer(st, sched, ch)

	if err := d.Handle(context.Background(), deliverJob()); err != nil {
		t.Fatal(err)
	}
	if len(st.sent) != 1 {
		t.Fatalf("interaction log rows = %d, want 1", len(st.sent))
	}
	if len(sched.completed) != 0 {
		t.Fatal("action-required step must wait for the correlator")
	}
}

func TestInactiveAssignmentIsNoop(t *testing.T) {
	st, sched := activeState()
	st.assignment.Status = models.AssignmentCancelled
	ch := &fakeChannel{}
	d := testDeliverer(st, sched, ch)

	if err := d.Handle(context.Background(), deliverJob()); err != nil {
		t.Fatal(err)
	}
	if ch.sends != 0 {
		t.Fatal("cancelled assignment must not be messaged")
	}
	if len(st.sent) != 0 {
		t.Fatal("no interaction log for a no-op")
	}
}

func TestStepBehindCursorIsNoop(t *testing.T) {
	st, sched := activeState()
	cursor := 1
	st.assignment.CurrentStepOrder = &cursor
	ch := &fakeChannel{}
	d := testDeliverer(st, sched, ch)

	if err := d.Handle(context.Background(), deliverJob()); err != nil {
		t.Fatal(err)
	}
	if ch.sends != 0 {
		t.Fatal("already-completed step must not re-send")
	}
}

func TestMalformedContentIsPermanent(t *testing.T) {
	st, sched := activeState()
	st.step.ContentPayload = json.RawMessage(`{"text":""}`)
	ch := &fakeChannel{}
	d := testDeliverer(st, sched, ch)

	err := d.Handle(context.Background(), deliverJob())
	if !isPermanent(err) {
		t.Fatalf("expected permanent failure, got %v", err)
	}
	if ch.sends != 0 {
		t.Fatal("malformed content must not reach the channel")
	}
}

func TestPermanentChannelRejection(t *testing.T) {
	st, sched := activeState()
	ch := &fakeChannel{err: &channel.Error{StatusCode: 400, Message: "invalid recipient", Transient: false}}
	d := testDeliverer(st, sched, ch)

	err := d.Handle(context.Background(), deliverJob())
	if err == nil || !isPermanent(err) {
		t.Fatalf("expected permanent failure, got %v", err)
	}
}

func TestTransientChannelErrorIsRetryable(t *testing.T) {
	st, sched := activeState()
	ch := &fakeChannel{err: &channel.Error{StatusCode: 503, Message: "upstream busy", Transient: true}}
	d := testDeliverer(st, sched, ch)

	err := d.Handle(context.Background(), deliverJob())
	if err == nil {
		t.Fatal("expected an error")
	}
	if isPermanent(err) || isDeferred(err) {
		t.Fatalf("expected plain retryable failure, got %v", err)
	}
	if len(st.sent) != 0 {
		t.Fatal("failed send must not log an interaction")
	}
}

func TestBreakerOpensAndDefers(t *testing.T) {
	st, sched := activeState()
	ch := &fakeChannel{err: &channel.Error{StatusCode: 504, Message: "timeout", Transient: true}}
	d := testDeliverer(st, sched, ch)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := d.Handle(ctx, deliverJob()); err == nil {
			t.Fatalf("attempt %d: expected failure", i)
		}
	}
	if ch.sends != 5 {
		t.Fatalf("sends = %d, want 5 before the circuit opens", ch.sends)
	}

	// Circuit is open now: the job fails fast without touching the channel
	// and the error is classified for a reset-timeout deferral.
	err := d.Handle(ctx, deliverJob())
	if !errors.Is(err, breaker.ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if !isDeferred(err) {
		t.Fatal("circuit-open failures must defer, not back off")
	}
	if ch.sends != 5 {
		t.Fatalf("open circuit still invoked the channel: %d sends", ch.sends)
	}
}

func TestLogWriteFailureStillAdvances(t *testing.T) {
	st, sched := activeState()
	st.sentErr = errors.New("connection reset by peer")
	ch := &fakeChannel{}
	d := testDeliverer(st, sched, ch)

	// The message went out; retrying would double-send. The job completes,
	// the gap lands in the audit trail, and the assignment still advances.
	if err := d.Handle(context.Background(), deliverJob()); err != nil {
		t.Fatal(err)
	}
	if ch.sends != 1 {
		t.Fatalf("sends = %d, want 1", ch.sends)
	}
	if len(sched.completed) != 1 {
		t.Fatal("non-action step must still complete when the log write fails")
	}
	if len(st.audits) != 1 || st.audits[0] != "log_write_failed" {
		t.Fatalf("audits = %v, want the gap recorded", st.audits)
	}
}

type denyingLimiter struct{}

func (denyingLimiter) Allow(context.Context, string) (bool, float64, error) {
	return false, 0, nil
}

func TestThrottledSendIsDeferred(t *testing.T) {
	st, sched := activeState()
	ch := &fakeChannel{}
	cfg := config.Config{BreakerResetTimeout: 30 * time.Second}
	brk := breaker.New("messaging-channel", breaker.Config{FailureThreshold: 5, ResetTimeout: 30 * time.Second})
	d := NewDeliverer(cfg, st, sched, brk, ch, nil, denyingLimiter{}, nil)

	err := d.Handle(context.Background(), deliverJob())
	if err == nil {
		t.Fatal("expected an error")
	}
	// Self-imposed throttling must not burn the job's attempts.
	if !isDeferred(err) {
		t.Fatalf("expected deferred failure, got %v", err)
	}
	if ch.sends != 0 {
		t.Fatal("throttled job must not reach the channel")
	}
}

type fakeHealth struct{ down map[string]bool }

func (f *fakeHealth) IsAvailable(name string) bool { return !f.down[name] }

func TestDegradedChannelSkipsSend(t *testing.T) {
	st, sched := activeState()
	ch := &fakeChannel{}
	cfg := config.Config{BreakerResetTimeout: 30 * time.Second}
	brk := breaker.New("messaging-channel", breaker.Config{FailureThreshold: 5, ResetTimeout: 30 * time.Second})
	d := NewDeliverer(cfg, st, sched, brk, ch, nil, nil, &fakeHealth{down: map[string]bool{"messaging-channel": true}})

	err := d.Handle(context.Background(), deliverJob())
	if !isDeferred(err) {
		t.Fatalf("expected deferred failure for degraded channel, got %v", err)
	}
	if ch.sends != 0 {
		t.Fatal("degraded channel must fail fast without sending")
	}
}
