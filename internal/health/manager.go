package health

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"careflow/internal/telemetry"
)

// Probe checks one dependency; a nil return means healthy.
type Probe func(ctx context.Context) error

// Fallback runs when a dependency's last probe was negative.
type Fallback func(ctx context.Context) error

// Record is the last known health of one registered service.
type Record struct {
	Name        string    `json:"name"`
	Available   bool      `json:"available"`
	LastChecked time.Time `json:"last_checked"`
	LastError   string    `json:"last_error,omitempty"`
}

type service struct {
	name     string
	probe    Probe
	fallback Fallback

	mu        sync.Mutex
	available bool
	checkedAt time.Time
	lastErr   string
}

// Manager runs periodic health probes independent of request traffic and
// supplies fail-fast fallback behavior per dependency. Distinct from the
// circuit breaker, which reacts to call outcomes rather than probe signals.
type Manager struct {
	interval     time.Duration
	probeTimeout time.Duration

	mu       sync.Mutex
	services map[string]*service
	started  bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewManager builds a manager with the given probe interval.
func NewManager(interval time.Duration) *Manager {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Manager{
		interval:     interval,
		probeTimeout: interval / 2,
		services:     make(map[string]*service),
	}
}

// Register adds a service. A service registered after Start gets its own
// probe loop immediately. A nil fallback means WithFallback simply reports
// unavailability.
func (m *Manager) Register(name string, probe Probe, fallback Fallback) {
	m.mu.Lock()
	m.services[name] = &service{
		name:     name,
		probe:    probe,
		fallback: fallback,
		// Optimistic until the first probe says otherwise.
		available: true,
	}
	started := m.started
	ctx := m.ctx
	m.mu.Unlock()

	if started {
		m.wg.Add(1)
		go m.probeLoop(ctx, name)
	}
}

// Start launches one probe loop per registered service.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.ctx = ctx
	names := make([]string, 0, len(m.services))
	for name := range m.services {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		m.wg.Add(1)
		go m.probeLoop(ctx, name)
	}
}

func (m *Manager) probeLoop(ctx context.Context, name string) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.runProbe(ctx, name)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runProbe(ctx, name)
		}
	}
}

func (m *Manager) runProbe(ctx context.Context, name string) {
	m.mu.Lock()
	svc, ok := m.services[name]
	m.mu.Unlock()
	if !ok {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	err := svc.probe(probeCtx)
	cancel()

	svc.mu.Lock()
	wasAvailable := svc.available
	svc.available = err == nil
	svc.checkedAt = time.Now()
	if err != nil {
		svc.lastErr = err.Error()
	} else {
		svc.lastErr = ""
	}
	svc.mu.Unlock()

	if err == nil {
		telemetry.ServiceUpGauge.WithLabelValues(name).Set(1)
	} else {
		telemetry.ServiceUpGauge.WithLabelValues(name).Set(0)
	}
	if wasAvailable && err != nil {
		log.Printf("health: %s degraded: %v", name, err)
	}
	if !wasAvailable && err == nil {
		log.Printf("health: %s recovered", name)
	}
}

// IsAvailable reports the last probe result for a service. Unknown services
// are treated as available so a registration miss never blocks work.
func (m *Manager) IsAvailable(name string) bool {
	m.mu.Lock()
	svc, ok := m.services[name]
	m.mu.Unlock()
	if !ok {
		return true
	}
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return svc.available
}

// WithFallback runs primary unless the service's last health check was
// negative, in which case it skips the primary call entirely and runs the
// registered fallback. Fail-fast degradation: no waiting on timeouts for a
// dependency already known to be down.
func (m *Manager) WithFallback(ctx context.Context, name string, primary func(ctx context.Context) error) error {
	if m.IsAvailable(name) {
		return primary(ctx)
	}

	telemetry.FallbackCounter.WithLabelValues(name).Inc()
	m.mu.Lock()
	svc, ok := m.services[name]
	m.mu.Unlock()
	if !ok || svc.fallback == nil {
		return fmt.Errorf("%s unavailable and no fallback registered", name)
	}
	return svc.fallback(ctx)
}

// Snapshot returns the current health records for reporting.
func (m *Manager) Snapshot() []Record {
	m.mu.Lock()
	services := make([]*service, 0, len(m.services))
	for _, svc := range m.services {
		services = append(services, svc)
	}
	m.mu.Unlock()

	out := make([]Record, 0, len(services))
	for _, svc := range services {
		svc.mu.Lock()
		out = append(out, Record{
			Name:        svc.name,
			Available:   svc.available,
			LastChecked: svc.checkedAt,
			LastError:   svc.lastErr,
		})
		svc.mu.Unlock()
	}
	return out
}

// Shutdown stops all probe loops. Safe to call more than once.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		cancel := m.cancel
		m.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		m.wg.Wait()
	})
}
