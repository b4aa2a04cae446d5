package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"careflow/internal/breaker"
	"careflow/internal/channel"
	"careflow/internal/config"
	"careflow/internal/models"
)

// errChannelDegraded is the fail-fast path taken when the degradation
// manager's last probe of the messaging channel was negative: the send is
// skipped entirely and the job deferred until the channel recovers.
var errChannelDegraded = errors.New("messaging channel degraded; send deferred")

// errSendThrottled defers a send that exceeded the outbound rate budget.
var errSendThrottled = errors.New("outbound send rate limited")

// Store is the durable-state surface the deliverer needs.
type Store interface {
	GetAssignment(ctx context.Context, id string) (models.Assignment, error)
	GetStep(ctx context.Context, id string) (models.ProtocolStep, error)
	RecordSent(ctx context.Context, assignmentID, stepID, recipientID string) (models.InteractionLog, error)
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// Completer receives step-completion signals; the scheduler implements it.
type Completer interface {
	OnStepCompleted(ctx context.Context, assignmentID, stepID string) error
}

// MediaPreparer hosts image-step media before sending.
type MediaPreparer interface {
	Prepare(ctx context.Context, sourceURL, keyPrefix string) (string, string, error)
}

// SendLimiter throttles outbound pushes to the provider.
type SendLimiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Availability reports dependency health from the degradation manager.
type Availability interface {
	IsAvailable(name string) bool
}

// Deliverer executes deliver-step jobs: render, guarded send, interaction
// log write, and completion signal for steps that need no reply.
type Deliverer struct {
	cfg     config.Config
	store   Store
	sched   Completer
	breaker *breaker.Breaker
	channel channel.Client
	media   MediaPreparer
	limiter SendLimiter
	health  Availability
}

// NewDeliverer wires the delivery pipeline. media, limiter, and health are
// optional; nil disables the corresponding guard.
func NewDeliverer(cfg config.Config, st Store, sched Completer, brk *breaker.Breaker, ch channel.Client, media MediaPreparer, limiter SendLimiter, health Availability) *Deliverer {
	return &Deliverer{
		cfg:     cfg,
		store:   st,
		sched:   sched,
		breaker: brk,
		channel: ch,
		media:   media,
		limiter: limiter,
		health:  health,
	}
}

// Handle processes one deliver-step job. The returned error's classification
// decides the job's fate: nil completes it, a permanent error dead-letters
// it, everything else retries.
func (d *Deliverer) Handle(ctx context.Context, job models.Job) error {
	var p models.DeliverStepPayload
	if err := decodePayload(job.Payload, &p); err != nil || p.AssignmentID == "" || p.StepID == "" {
		return &ValidationError{MessageType: "job", Reason: "malformed deliver-step payload"}
	}

	a, err := d.store.GetAssignment(ctx, p.AssignmentID)
	if err != nil {
		return fmt.Errorf("load assignment: %w", err)
	}
	if a.Status != models.AssignmentActive {
		// Cancelled or paused after enqueue; finishing is a no-op.
		return nil
	}

	step, err := d.store.GetStep(ctx, p.StepID)
	if err != nil {
		return fmt.Errorf("load step: %w", err)
	}
	if a.CurrentStepOrder != nil && step.StepOrder <= *a.CurrentStepOrder {
		// Cursor already moved past this step; duplicate job.
		return nil
	}

	if step.MessageType == models.MessageImage && d.media != nil {
		step, err = d.prepareImage(ctx, step, job.ID)
		if err != nil {
			return err
		}
	}

	msg, err := Render(step)
	if err != nil {
		return err
	}

	if d.limiter != nil {
		allowed, _, err := d.limiter.Allow(ctx, "rl:send:channel")
		if err == nil && !allowed {
			return errSendThrottled
		}
	}

	if d.health != nil && !d.health.IsAvailable("messaging-channel") {
		return errChannelDegraded
	}

	err = d.breaker.Execute(ctx, func(ctx context.Context) error {
		_, sendErr := d.channel.Send(ctx, a.RecipientID, msg)
		return sendErr
	})
	if err != nil {
		return err
	}

	entry, err := d.store.RecordSent(ctx, a.ID, step.ID, a.RecipientID)
	if err != nil {
		// The message is already out; retrying the job would double-send.
		// Record the gap durably and still advance non-action steps so the
		// assignment does not stall on a lost log row.
		log.Printf("delivery: interaction log write failed for assignment %s step %s: %v", a.ID, step.ID, err)
		_ = d.store.AppendAudit(ctx, job.ID, "log_write_failed", fmt.Sprintf("assignment=%s step=%s: %v", a.ID, step.ID, err))
		if !step.RequiresAction {
			if err := d.sched.OnStepCompleted(ctx, a.ID, step.ID); err != nil {
				log.Printf("delivery: step completion signal failed for assignment %s step %s: %v", a.ID, step.ID, err)
			}
		}
		return nil
	}

	if !step.RequiresAction {
		if err := d.sched.OnStepCompleted(ctx, a.ID, step.ID); err != nil {
			log.Printf("delivery: step completion signal failed for interaction %s: %v", entry.ID, err)
		}
	}
	return nil
}

// prepareImage resolves a source_url image payload into hosted URLs. Already
// hosted payloads pass through untouched.
func (d *Deliverer) prepareImage(ctx context.Context, step models.ProtocolStep, jobID string) (models.ProtocolStep, error) {
	var p ImagePayload
	if err := json.Unmarshal(step.ContentPayload, &p); err != nil {
		return step, &ValidationError{MessageType: step.MessageType, Reason: err.Error()}
	}
	if p.SourceURL == "" || (p.ImageURL != "" && p.PreviewURL != "") {
		return step, nil
	}

	imageURL, previewURL, err := d.media.Prepare(ctx, p.SourceURL, "steps/"+step.ID+"/"+jobID)
	if err != nil {
		return step, fmt.Errorf("prepare media: %w", err)
	}
	prepared, err := json.Marshal(ImagePayload{ImageURL: imageURL, PreviewURL: previewURL})
	if err != nil {
		return step, fmt.Errorf("marshal prepared payload: %w", err)
	}
	step.ContentPayload = prepared
	return step, nil
}

func decodePayload(payload map[string]any, dst any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

// isPermanent reports whether a handler error must dead-letter instead of
// retrying: malformed content or a permanent provider rejection.
func isPermanent(err error) bool {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return true
	}
	var ce *channel.Error
	if errors.As(err, &ce) {
		return !ce.Transient
	}
	return false
}

// isDeferred reports whether the retry should wait out the breaker's reset
// timeout instead of the normal backoff curve. Circuit-open, known-degraded,
// and self-imposed throttle failures say nothing about the message itself,
// so they must not consume its attempt budget.
func isDeferred(err error) bool {
	return errors.Is(err, breaker.ErrOpen) || errors.Is(err, errChannelDegraded) || errors.Is(err, errSendThrottled)
}
