package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"careflow/internal/telemetry"
)

// ErrOpen is returned without invoking the wrapped operation while the
// circuit is open or the half-open probe slot is taken.
var ErrOpen = errors.New("circuit open")

// State names a breaker position.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half-open"
)

// Config controls trip and recovery behavior.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the circuit.
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open before allowing one probe.
	ResetTimeout time.Duration
	// OnStateChange, if set, observes every transition.
	OnStateChange func(name string, from, to State)
	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

// Breaker is a per-dependency failure tripwire. It does not retry; callers
// decide what a fast ErrOpen failure means for their work.
type Breaker struct {
	name string
	cfg  Config

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	openedAt            time.Time
	probeInFlight       bool
	lastProbeAt         time.Time
}

// New constructs a closed breaker for one named dependency.
func New(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Breaker{name: name, cfg: cfg, state: Closed}
}

// Name returns the guarded dependency's name.
func (b *Breaker) Name() string { return b.name }

// State reports the current position for health reporting.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs op unless the circuit is open. In half-open state exactly one
// caller holds the probe slot; everyone else fails fast with ErrOpen.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}

	opErr := op(ctx)
	b.record(probe, opErr)
	if opErr != nil {
		return fmt.Errorf("%s: %w", b.name, opErr)
	}
	return nil
}

// admit decides whether the caller may proceed and whether it carries the
// half-open probe slot.
func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return false, nil
	case Open:
		if b.cfg.Clock().Sub(b.openedAt) < b.cfg.ResetTimeout {
			return false, ErrOpen
		}
		b.transition(HalfOpen)
		b.probeInFlight = true
		b.lastProbeAt = b.cfg.Clock()
		return true, nil
	case HalfOpen:
		if b.probeInFlight {
			return false, ErrOpen
		}
		b.probeInFlight = true
		b.lastProbeAt = b.cfg.Clock()
		return true, nil
	}
	return false, nil
}

func (b *Breaker) record(probe bool, opErr error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probeInFlight = false
		if opErr == nil {
			b.consecutiveFailures = 0
			b.transition(Closed)
		} else {
			b.openedAt = b.cfg.Clock()
			b.transition(Open)
		}
		return
	}

	if b.state != Closed {
		return
	}
	if opErr == nil {
		b.consecutiveFailures = 0
		return
	}
	b.consecutiveFailures++
	if b.consecutiveFailures >= b.cfg.FailureThreshold {
		b.openedAt = b.cfg.Clock()
		b.transition(Open)
	}
}

// transition must be called with the lock held.
func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	telemetry.BreakerTransitions.WithLabelValues(b.name, string(to)).Inc()
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, from, to)
	}
}
