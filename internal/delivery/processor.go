package delivery

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"time"

	"careflow/internal/config"
	"careflow/internal/models"
	"careflow/internal/queue"
	"careflow/internal/store"
	"careflow/internal/telemetry"
)

// Handler executes a job for a given kind.
type Handler func(ctx context.Context, job models.Job) error

// Processor drives the worker claim-execute loop. Run is safe to invoke from
// several goroutines; the queue's atomic lease dequeue prevents any job from
// being claimed twice.
type Processor struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	store    *store.Store
	handlers map[string]Handler
	health   Availability
}

// NewProcessor creates a processor. health is optional; nil disables the
// degraded-mode pause.
func NewProcessor(cfg config.Config, q *queue.RedisQueue, st *store.Store, health Availability) *Processor {
	return &Processor{
		cfg:      cfg,
		queue:    q,
		store:    st,
		handlers: make(map[string]Handler),
		health:   health,
	}
}

// RegisterHandler binds a handler to a job kind.
func (p *Processor) RegisterHandler(kind string, handler Handler) {
	if kind == "" || handler == nil {
		return
	}
	p.handlers[kind] = handler
}

// Run claims and executes jobs until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// A database or broker outage is degraded-mode operation, not a
		// per-job failure: pause claiming instead of spinning on errors.
		if p.health != nil && (!p.health.IsAvailable("postgres") || !p.health.IsAvailable("redis")) {
			p.sleep(ctx, p.cfg.WorkerPollInterval)
			continue
		}

		jobID, err := p.queue.DequeueWithLease(ctx)
		if err != nil {
			p.sleep(ctx, p.cfg.WorkerPollInterval)
			continue
		}
		if jobID == "" {
			p.sleep(ctx, p.cfg.WorkerPollInterval)
			continue
		}

		p.execute(ctx, jobID)
	}
}

func (p *Processor) execute(ctx context.Context, jobID string) {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		_ = p.queue.Ack(ctx, jobID)
		return
	}
	if job.Status == models.JobDone || job.Status == models.JobDead {
		_ = p.queue.Ack(ctx, jobID)
		return
	}

	_ = p.store.MarkClaimed(ctx, job.ID)
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	handler, ok := p.handlers[job.Kind]
	if !ok {
		p.deadLetter(ctx, job, fmt.Sprintf("no handler registered for kind %q", job.Kind))
		return
	}

	err = handler(ctx, job)
	if err == nil {
		_ = p.queue.Ack(ctx, job.ID)
		_ = p.store.MarkDone(ctx, job.ID)
		_ = p.store.AppendAudit(ctx, job.ID, "done", "worker completed job")
		if job.Kind == models.KindDeliverStep {
			telemetry.DeliverySuccess.Inc()
		}
		return
	}

	if isPermanent(err) {
		p.deadLetter(ctx, job, err.Error())
		return
	}

	if isDeferred(err) {
		// Retrying before the circuit's reset timeout would burn attempts
		// against a dependency already known to be failing.
		dueAt := time.Now().Add(p.cfg.BreakerResetTimeout)
		_ = p.store.Reschedule(ctx, job.ID, job.Attempts, dueAt, err.Error())
		_ = p.queue.Ack(ctx, job.ID)
		_ = p.queue.Schedule(ctx, job.ID, job.Kind, dueAt)
		_ = p.store.AppendAudit(ctx, job.ID, "deferred", err.Error())
		telemetry.DeliveryRetries.Inc()
		return
	}

	attempts := job.Attempts + 1
	if attempts >= job.MaxAttempts {
		p.deadLetter(ctx, job, err.Error())
		return
	}

	backoff := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts)
	dueAt := time.Now().Add(backoff)
	_ = p.store.Reschedule(ctx, job.ID, attempts, dueAt, err.Error())
	_ = p.queue.Ack(ctx, job.ID)
	_ = p.queue.Schedule(ctx, job.ID, job.Kind, dueAt)
	_ = p.store.AppendAudit(ctx, job.ID, "retry_scheduled", fmt.Sprintf("next_run=%s attempts=%d", dueAt.UTC().Format(time.RFC3339), attempts))
	telemetry.DeliveryRetries.Inc()
}

func (p *Processor) deadLetter(ctx context.Context, job models.Job, reason string) {
	_ = p.store.MarkDead(ctx, job.ID, reason)
	_ = p.queue.Ack(ctx, job.ID)
	_ = p.queue.DLQPush(ctx, job.ID)
	_ = p.store.AppendAudit(ctx, job.ID, "dead_letter", reason)
	telemetry.DeadLetterTotal.Inc()
	log.Printf("worker: job %s dead-lettered: %s", job.ID, reason)
}

func (p *Processor) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		d = time.Second
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
