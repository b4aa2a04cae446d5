package models

import (
	"encoding/json"
	"time"
)

// ProtocolStatus enumerates protocol lifecycle states persisted in Postgres.
const (
	ProtocolDraft     = "draft"
	ProtocolActive    = "active"
	ProtocolPaused    = "paused"
	ProtocolCompleted = "completed"
)

// TriggerType governs how a step's due time is computed.
const (
	TriggerImmediate = "immediate"
	TriggerDelay     = "delay"
	TriggerScheduled = "scheduled"
)

// MessageType enumerates the closed set of step content variants.
const (
	MessageText  = "text"
	MessageImage = "image"
	MessageLink  = "link"
	MessageFlex  = "flex"
)

// AssignmentStatus enumerates assignment lifecycle states.
const (
	AssignmentActive    = "active"
	AssignmentPaused    = "paused"
	AssignmentCompleted = "completed"
	AssignmentCancelled = "cancelled"
)

// JobStatus enumerates scheduled-job lifecycle states.
const (
	JobPending = "pending"
	JobClaimed = "claimed"
	JobDone    = "done"
	JobDead    = "dead"
)

// JobKind enumerates the units of work the queue carries.
const (
	KindDeliverStep  = "deliver-step"
	KindProcessEvent = "process-event"
)

// InteractionStatus enumerates outbound message outcomes in the log.
const (
	InteractionSent      = "sent"
	InteractionDelivered = "delivered"
	InteractionRead      = "read"
	InteractionResponded = "responded"
	InteractionMissed    = "missed"
)

// Protocol is a named, ordered sequence of steps. Steps are immutable once
// attached; only status changes afterwards.
type Protocol struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProtocolStep is one unit of a protocol: trigger timing plus a message
// definition. StepOrder is unique per protocol and totally ordered.
type ProtocolStep struct {
	ID             string          `json:"id"`
	ProtocolID     string          `json:"protocol_id"`
	StepOrder      int             `json:"step_order"`
	TriggerType    string          `json:"trigger_type"`
	TriggerDelay   time.Duration   `json:"trigger_delay,omitempty"`
	TriggerAt      *time.Time      `json:"trigger_at,omitempty"`
	MessageType    string          `json:"message_type"`
	ContentPayload json.RawMessage `json:"content_payload"`
	RequiresAction bool            `json:"requires_action"`
	AllowedReplies []string        `json:"allowed_replies,omitempty"`
}

// Assignment binds one recipient to one protocol. CurrentStepOrder is the
// cursor: the last completed step, nil before the first step completes. The
// cursor only moves forward and is owned by the scheduler/correlator pair.
type Assignment struct {
	ID               string    `json:"id"`
	ProtocolID       string    `json:"protocol_id"`
	RecipientID      string    `json:"recipient_id"`
	CurrentStepOrder *int      `json:"current_step_order"`
	Status           string    `json:"status"`
	StartedAt        time.Time `json:"started_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Job is a durable unit of scheduled work persisted in Postgres and tracked
// through the Redis queue by id.
type Job struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind"`
	Payload     map[string]any `json:"payload"`
	Status      string         `json:"status"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	DueAt       time.Time      `json:"due_at"`
	LastError   *string        `json:"last_error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// DeliverStepPayload is the payload of a deliver-step job.
type DeliverStepPayload struct {
	AssignmentID string `json:"assignment_id"`
	StepID       string `json:"step_id"`
}

// InteractionLog records one outbound send and its eventual resolution.
// SentAt is immutable; RespondedAt and the sent→responded transition happen
// exactly once.
type InteractionLog struct {
	ID            string     `json:"id"`
	AssignmentID  string     `json:"assignment_id"`
	StepID        string     `json:"step_id"`
	RecipientID   string     `json:"recipient_id"`
	Status        string     `json:"status"`
	SentAt        time.Time  `json:"sent_at"`
	DeliveredAt   *time.Time `json:"delivered_at,omitempty"`
	ReadAt        *time.Time `json:"read_at,omitempty"`
	RespondedAt   *time.Time `json:"responded_at,omitempty"`
	ResponseValue *string    `json:"response_value,omitempty"`
}

// InboundEvent is one provider callback item: a reply, postback, or
// delivery/read receipt.
type InboundEvent struct {
	EventID     string          `json:"event_id"`
	RecipientID string          `json:"recipient_id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Inbound event types accepted from the provider.
const (
	EventMessage         = "message"
	EventPostback        = "postback"
	EventDeliveryReceipt = "delivery"
	EventReadReceipt     = "read"
)

// UnmatchedEvent is the audit record for inbound events that matched no
// outstanding interaction.
type UnmatchedEvent struct {
	ID          string    `json:"id"`
	RecipientID string    `json:"recipient_id"`
	EventType   string    `json:"event_type"`
	Payload     []byte    `json:"payload,omitempty"`
	Reason      string    `json:"reason"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// AuditLog is a simple audit event row attached to a job.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
