package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"careflow/internal/config"
	"careflow/internal/health"
	"careflow/internal/models"
	"careflow/internal/queue"
	"careflow/internal/ratelimit"
	"careflow/internal/scheduler"
	"careflow/internal/store"
	"careflow/internal/telemetry"
)

// Server wires the HTTP surface: protocol/assignment endpoints, the provider
// webhook ingress, DLQ inspection, health, and metrics.
type Server struct {
	cfg     config.Config
	store   *store.Store
	queue   *queue.RedisQueue
	limiter *ratelimit.TokenBucket
	sched   *scheduler.Scheduler
	health  *health.Manager
}

// New constructs the API server.
func New(cfg config.Config, st *store.Store, q *queue.RedisQueue, limiter *ratelimit.TokenBucket, sched *scheduler.Scheduler, hm *health.Manager) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		queue:   q,
		limiter: limiter,
		sched:   sched,
		health:  hm,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealthz)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/protocols", s.handleCreateProtocol)
	r.Get("/protocols/{id}", s.handleGetProtocol)

	r.Post("/assignments", s.handleCreateAssignment)
	r.Get("/assignments/{id}", s.handleGetAssignment)
	r.Get("/assignments/{id}/interactions", s.handleListInteractions)
	r.Post("/assignments/{id}/pause", s.handlePause)
	r.Post("/assignments/{id}/resume", s.handleResume)
	r.Post("/assignments/{id}/cancel", s.handleCancel)

	r.Post("/webhook/events", s.handleWebhook)

	r.Get("/dlq", s.handleDLQ)
	return r
}

type stepRequest struct {
	StepOrder      int             `json:"step_order"`
	TriggerType    string          `json:"trigger_type"`
	TriggerDelay   string          `json:"trigger_delay,omitempty"`
	TriggerAt      *time.Time      `json:"trigger_at,omitempty"`
	MessageType    string          `json:"message_type"`
	ContentPayload json.RawMessage `json:"content_payload"`
	RequiresAction bool            `json:"requires_action"`
	AllowedReplies []string        `json:"allowed_replies,omitempty"`
}

type createProtocolRequest struct {
	Name  string        `json:"name"`
	Steps []stepRequest `json:"steps"`
}

func (s *Server) handleCreateProtocol(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r) {
		return
	}
	var req createProtocolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Name == "" || len(req.Steps) == 0 {
		http.Error(w, "name and steps are required", http.StatusBadRequest)
		return
	}

	steps := make([]models.ProtocolStep, 0, len(req.Steps))
	seen := make(map[int]bool, len(req.Steps))
	for _, sr := range req.Steps {
		if seen[sr.StepOrder] {
			http.Error(w, fmt.Sprintf("duplicate step_order %d", sr.StepOrder), http.StatusBadRequest)
			return
		}
		seen[sr.StepOrder] = true
		step, err := buildStep(sr)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		steps = append(steps, step)
	}

	p, err := s.store.CreateProtocol(r.Context(), req.Name, steps)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func buildStep(sr stepRequest) (models.ProtocolStep, error) {
	step := models.ProtocolStep{
		StepOrder:      sr.StepOrder,
		TriggerType:    sr.TriggerType,
		TriggerAt:      sr.TriggerAt,
		MessageType:    sr.MessageType,
		ContentPayload: sr.ContentPayload,
		RequiresAction: sr.RequiresAction,
		AllowedReplies: sr.AllowedReplies,
	}
	switch sr.TriggerType {
	case models.TriggerImmediate:
	case models.TriggerDelay:
		d, err := time.ParseDuration(sr.TriggerDelay)
		if err != nil || d <= 0 {
			return step, fmt.Errorf("step %d: trigger_delay must be a positive duration", sr.StepOrder)
		}
		step.TriggerDelay = d
	case models.TriggerScheduled:
		if sr.TriggerAt == nil {
			return step, fmt.Errorf("step %d: trigger_at is required for scheduled steps", sr.StepOrder)
		}
	default:
		return step, fmt.Errorf("step %d: unknown trigger_type %q", sr.StepOrder, sr.TriggerType)
	}
	switch sr.MessageType {
	case models.MessageText, models.MessageImage, models.MessageLink, models.MessageFlex:
	default:
		return step, fmt.Errorf("step %d: unknown message_type %q", sr.StepOrder, sr.MessageType)
	}
	if len(sr.ContentPayload) == 0 {
		return step, fmt.Errorf("step %d: content_payload is required", sr.StepOrder)
	}
	return step, nil
}

func (s *Server) handleGetProtocol(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := s.store.GetProtocol(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	steps, err := s.store.ListSteps(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"protocol": p, "steps": steps})
}

type createAssignmentRequest struct {
	ProtocolID  string `json:"protocol_id"`
	RecipientID string `json:"recipient_id"`
}

func (s *Server) handleCreateAssignment(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r) {
		return
	}
	var req createAssignmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.ProtocolID == "" || req.RecipientID == "" {
		http.Error(w, "protocol_id and recipient_id are required", http.StatusBadRequest)
		return
	}

	p, err := s.store.GetProtocol(r.Context(), req.ProtocolID)
	if err != nil {
		http.Error(w, "protocol not found", http.StatusNotFound)
		return
	}
	if p.Status != models.ProtocolActive {
		http.Error(w, "protocol is not active", http.StatusConflict)
		return
	}

	a, err := s.store.CreateAssignment(r.Context(), req.ProtocolID, req.RecipientID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.sched.OnAssignmentCreated(r.Context(), a); err != nil {
		log.Printf("api: schedule first step for assignment %s: %v", a.ID, err)
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleGetAssignment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a, err := s.store.GetAssignment(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleListInteractions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entries, err := s.store.ListInteractions(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"interactions": entries})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	changed, err := s.store.SetAssignmentStatus(r.Context(), id, models.AssignmentPaused)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !changed {
		http.Error(w, "assignment not pausable", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": models.AssignmentPaused})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	changed, err := s.store.SetAssignmentStatus(r.Context(), id, models.AssignmentActive)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !changed {
		http.Error(w, "assignment not resumable", http.StatusConflict)
		return
	}
	if err := s.sched.ResumeAssignment(r.Context(), id); err != nil {
		log.Printf("api: reschedule after resume for assignment %s: %v", id, err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": models.AssignmentActive})
}

// handleCancel stops an assignment and removes its pending delivery job so
// nothing further reaches the recipient. An in-flight job finishes but its
// handler no-ops once it sees the cancelled status.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a, err := s.store.GetAssignment(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	changed, err := s.store.SetAssignmentStatus(r.Context(), id, models.AssignmentCancelled)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !changed {
		http.Error(w, "assignment not cancellable", http.StatusConflict)
		return
	}

	if next, ok, err := s.store.NextStep(r.Context(), a.ProtocolID, a.CurrentStepOrder); err == nil && ok {
		key := scheduler.DeliveryKey(a.ID, next.ID)
		if job, found, err := s.store.FindByIdempotencyKey(r.Context(), key); err == nil && found && job.Status == models.JobPending {
			_ = s.queue.Remove(r.Context(), job.ID)
			_ = s.store.MarkDone(r.Context(), job.ID)
			_ = s.store.AppendAudit(r.Context(), job.ID, "cancelled", "assignment cancelled via API")
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": models.AssignmentCancelled})
}

type webhookRequest struct {
	Events []models.InboundEvent `json:"events"`
}

// handleWebhook acknowledges the provider batch immediately after durably
// enqueuing process-event jobs. A failed enqueue of one event is counted and
// logged but never turns into a non-200, which would only trigger
// provider-side retry storms.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	accepted := 0
	for _, event := range req.Events {
		if err := s.enqueueEvent(r, event); err != nil {
			telemetry.WebhookEvents.WithLabelValues("enqueue_failed").Inc()
			log.Printf("api: enqueue inbound event %s: %v", event.EventID, err)
			continue
		}
		telemetry.WebhookEvents.WithLabelValues("accepted").Inc()
		accepted++
	}
	writeJSON(w, http.StatusOK, map[string]any{"received": len(req.Events), "accepted": accepted})
}

func (s *Server) enqueueEvent(r *http.Request, event models.InboundEvent) error {
	key := ""
	if event.EventID != "" {
		key = "event:" + event.EventID
	}
	job, reused, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		Kind:           models.KindProcessEvent,
		Payload:        map[string]any{"event": event},
		IdempotencyKey: key,
		DueAt:          time.Now(),
		MaxAttempts:    s.cfg.MaxAttempts,
		IdempotencyTTL: s.cfg.EventDedupeTTL,
	})
	if err != nil {
		return err
	}
	if reused {
		return nil
	}
	if err := s.queue.Enqueue(r.Context(), job.ID, job.Kind, job.DueAt); err != nil {
		return err
	}
	telemetry.EnqueueCounter.Inc()
	return nil
}

// handleDLQ returns recent dead-lettered jobs for operator inspection.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	ids, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	jobs, err := s.store.DeadJobs(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dead jobs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue_ids": ids, "jobs": jobs})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	var services []health.Record
	if s.health != nil {
		services = s.health.Snapshot()
		for _, svc := range services {
			if !svc.Available {
				status = "degraded"
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status, "services": services})
}

// allow applies the per-tenant ingress rate limit to mutating endpoints.
func (s *Server) allow(w http.ResponseWriter, r *http.Request) bool {
	if s.limiter == nil {
		return true
	}
	tenant := tenantFromRequest(r)
	allowed, _, err := s.limiter.Allow(r.Context(), fmt.Sprintf("rl:%s", tenant))
	if err != nil {
		http.Error(w, "rate limit error", http.StatusInternalServerError)
		return false
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return false
	}
	return true
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
