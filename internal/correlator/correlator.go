package correlator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"careflow/internal/config"
	"careflow/internal/models"
	"careflow/internal/telemetry"
)

// Result classifies what an inbound event did.
type Result string

const (
	ResultMatched   Result = "matched"
	ResultUnmatched Result = "unmatched"
	ResultDuplicate Result = "duplicate"
	ResultReceipt   Result = "receipt"
)

// Store is the durable-state surface the correlator needs.
type Store interface {
	LatestOpenInteraction(ctx context.Context, recipientID string, since time.Time) (models.InteractionLog, bool, error)
	ResolveInteraction(ctx context.Context, id, responseValue string, respondedAt time.Time) (bool, error)
	MarkDelivered(ctx context.Context, id string, at time.Time) error
	MarkRead(ctx context.Context, id string, at time.Time) error
	RecordUnmatchedEvent(ctx context.Context, recipientID, eventType string, payload []byte, reason string) error
	GetStep(ctx context.Context, id string) (models.ProtocolStep, error)
}

// Completer receives step-completion signals; the scheduler implements it.
type Completer interface {
	OnStepCompleted(ctx context.Context, assignmentID, stepID string) error
}

// Correlator matches inbound replies and postbacks to the outstanding
// interaction-log entry that produced them, resolving each entry exactly
// once and feeding the assignment-advancement path.
type Correlator struct {
	cfg   config.Config
	store Store
	sched Completer
	redis *redis.Client
	now   func() time.Time
}

// New constructs a correlator. The Redis client backs event-level
// deduplication against provider at-least-once delivery.
func New(cfg config.Config, st Store, sched Completer, rdb *redis.Client) *Correlator {
	return &Correlator{cfg: cfg, store: st, sched: sched, redis: rdb, now: time.Now}
}

// Handle processes one process-event job from the queue.
func (c *Correlator) Handle(ctx context.Context, job models.Job) error {
	raw, err := json.Marshal(job.Payload["event"])
	if err != nil {
		return fmt.Errorf("reshape event payload: %w", err)
	}
	var event models.InboundEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return fmt.Errorf("decode event payload: %w", err)
	}
	_, err = c.Process(ctx, event)
	return err
}

// Process correlates one inbound event. Mismatches and duplicates are
// recorded, never propagated as failures; only dependency errors (which the
// queue should retry) come back as non-nil.
func (c *Correlator) Process(ctx context.Context, event models.InboundEvent) (Result, error) {
	res, err := c.process(ctx, event)
	if err != nil {
		return "", err
	}
	telemetry.CorrelationOutcomes.WithLabelValues(string(res)).Inc()
	return res, nil
}

func (c *Correlator) process(ctx context.Context, event models.InboundEvent) (Result, error) {
	if event.RecipientID == "" {
		_ = c.store.RecordUnmatchedEvent(ctx, "", event.Type, event.Payload, "missing recipient")
		return ResultUnmatched, nil
	}

	claimed, err := c.claimEvent(ctx, event.EventID)
	if err != nil {
		return "", fmt.Errorf("event dedupe: %w", err)
	}
	if !claimed {
		return ResultDuplicate, nil
	}

	res, err := c.correlate(ctx, event)
	if err != nil {
		// Release the claim so the queue's retry of this event is not
		// mistaken for a provider duplicate and dropped.
		c.releaseEvent(ctx, event.EventID)
		return "", err
	}
	return res, nil
}

func (c *Correlator) correlate(ctx context.Context, event models.InboundEvent) (Result, error) {
	since := c.now().Add(-c.cfg.ReplyLookback)
	entry, found, err := c.store.LatestOpenInteraction(ctx, event.RecipientID, since)
	if err != nil {
		return "", fmt.Errorf("find open interaction: %w", err)
	}
	if !found {
		if err := c.store.RecordUnmatchedEvent(ctx, event.RecipientID, event.Type, event.Payload, "no open interaction in lookback window"); err != nil {
			return "", err
		}
		return ResultUnmatched, nil
	}

	switch event.Type {
	case models.EventDeliveryReceipt:
		if err := c.store.MarkDelivered(ctx, entry.ID, event.Timestamp); err != nil {
			return "", err
		}
		return ResultReceipt, nil
	case models.EventReadReceipt:
		if err := c.store.MarkRead(ctx, entry.ID, event.Timestamp); err != nil {
			return "", err
		}
		return ResultReceipt, nil
	}

	value := responseValue(event)
	step, err := c.store.GetStep(ctx, entry.StepID)
	if err != nil {
		return "", fmt.Errorf("load step: %w", err)
	}
	if len(step.AllowedReplies) > 0 && !contains(step.AllowedReplies, value) {
		if err := c.store.RecordUnmatchedEvent(ctx, event.RecipientID, event.Type, event.Payload, "reply not in allowed set"); err != nil {
			return "", err
		}
		return ResultUnmatched, nil
	}

	respondedAt := event.Timestamp
	if respondedAt.IsZero() {
		respondedAt = c.now()
	}
	resolved, err := c.store.ResolveInteraction(ctx, entry.ID, value, respondedAt)
	if err != nil {
		return "", fmt.Errorf("resolve interaction: %w", err)
	}
	if !resolved {
		// Lost the one-time update race: the entry resolved meanwhile, so
		// this event is effectively a duplicate.
		return ResultDuplicate, nil
	}

	if err := c.sched.OnStepCompleted(ctx, entry.AssignmentID, entry.StepID); err != nil {
		log.Printf("correlator: step completion signal failed for interaction %s: %v", entry.ID, err)
	}
	return ResultMatched, nil
}

// claimEvent takes the event id with SETNX; a second delivery of the same
// provider event finds the key taken. The claim is released if processing
// fails so the queue's retry gets another pass.
func (c *Correlator) claimEvent(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" || c.redis == nil {
		return true, nil
	}
	return c.redis.SetNX(ctx, "evt:"+eventID, 1, c.cfg.EventDedupeTTL).Result()
}

func (c *Correlator) releaseEvent(ctx context.Context, eventID string) {
	if eventID == "" || c.redis == nil {
		return
	}
	if err := c.redis.Del(ctx, "evt:"+eventID).Err(); err != nil {
		log.Printf("correlator: release dedupe claim for event %s: %v", eventID, err)
	}
}

// responseValue extracts the reply value from a message or postback payload.
func responseValue(event models.InboundEvent) string {
	var body struct {
		Text string `json:"text"`
		Data string `json:"data"`
	}
	if len(event.Payload) > 0 {
		_ = json.Unmarshal(event.Payload, &body)
	}
	if event.Type == models.EventPostback && body.Data != "" {
		return body.Data
	}
	if body.Text != "" {
		return body.Text
	}
	return body.Data
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
