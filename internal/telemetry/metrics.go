package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "careflow_jobs_enqueued_total", Help: "Total enqueued jobs"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "careflow_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	DeliverySuccess  = prometheus.NewCounter(prometheus.CounterOpts{Name: "careflow_deliveries_total", Help: "Step deliveries completed successfully"})
	DeliveryRetries  = prometheus.NewCounter(prometheus.CounterOpts{Name: "careflow_delivery_retries_total", Help: "Delivery jobs that failed and will retry"})
	DeadLetterTotal  = prometheus.NewCounter(prometheus.CounterOpts{Name: "careflow_dead_letter_total", Help: "Jobs moved to DLQ"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "careflow_queue_depth", Help: "Ready queue depth across job kinds"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "careflow_inflight", Help: "Jobs currently leased"})

	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "careflow_webhook_events_total", Help: "Inbound provider events by outcome"},
		[]string{"outcome"},
	)
	CorrelationOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "careflow_correlations_total", Help: "Inbound event correlation results"},
		[]string{"result"},
	)
	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "careflow_breaker_transitions_total", Help: "Circuit breaker state transitions"},
		[]string{"dependency", "to"},
	)
	ServiceUpGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "careflow_service_up", Help: "Last health probe result per dependency"},
		[]string{"service"},
	)
	FallbackCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "careflow_fallbacks_total", Help: "Degraded-mode fallback invocations"},
		[]string{"service"},
	)
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			RateLimitRejects,
			DeliverySuccess,
			DeliveryRetries,
			DeadLetterTotal,
			QueueDepthGauge,
			InFlightGauge,
			WebhookEvents,
			CorrelationOutcomes,
			BreakerTransitions,
			ServiceUpGauge,
			FallbackCounter,
		)
	})
	return promhttp.Handler()
}
