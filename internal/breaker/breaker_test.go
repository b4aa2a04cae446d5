package breaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func failing(ctx context.Context) error { return errBoom }
func succeeding(ctx context.Context) error { return nil }

func newTestBreaker(clock *fakeClock) *Breaker {
	return New("test-dep", Config{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		Clock:            clock.Now,
	})
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if err := b.Execute(ctx, failing); !errors.Is(err, errBoom) {
			t.Fatalf("attempt %d: expected wrapped op error, got %v", i, err)
		}
		if b.State() != Closed {
			t.Fatalf("attempt %d: breaker opened early", i)
		}
	}

	if err := b.Execute(ctx, failing); !errors.Is(err, errBoom) {
		t.Fatalf("fifth failure: got %v", err)
	}
	if b.State() != Open {
		t.Fatalf("expected open after 5 consecutive failures, got %s", b.State())
	}

	// Open circuit fails fast without invoking the operation.
	invoked := false
	err := b.Execute(ctx, func(ctx context.Context) error {
		invoked = true
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if invoked {
		t.Fatal("operation must not run while circuit is open")
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_ = b.Execute(ctx, failing)
	}
	if err := b.Execute(ctx, succeeding); err != nil {
		t.Fatalf("success: %v", err)
	}
	for i := 0; i < 4; i++ {
		_ = b.Execute(ctx, failing)
	}
	if b.State() != Closed {
		t.Fatalf("expected closed, counter should have reset; got %s", b.State())
	}
}

func TestHalfOpenSingleProbe(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, failing)
	}
	if b.State() != Open {
		t.Fatalf("expected open, got %s", b.State())
	}

	clock.Advance(31 * time.Second)

	// The first caller after the reset timeout holds the probe slot; a
	// concurrent caller is rejected while the probe is outstanding.
	probeStarted := make(chan struct{})
	probeRelease := make(chan struct{})
	probeDone := make(chan error, 1)
	go func() {
		probeDone <- b.Execute(ctx, func(ctx context.Context) error {
			close(probeStarted)
			<-probeRelease
			return nil
		})
	}()

	<-probeStarted
	if err := b.Execute(ctx, succeeding); !errors.Is(err, ErrOpen) {
		t.Fatalf("second caller during probe: expected ErrOpen, got %v", err)
	}

	close(probeRelease)
	if err := <-probeDone; err != nil {
		t.Fatalf("probe: %v", err)
	}
	if b.State() != Closed {
		t.Fatalf("expected closed after successful probe, got %s", b.State())
	}
}

func TestFailedProbeReopens(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, failing)
	}
	clock.Advance(31 * time.Second)

	if err := b.Execute(ctx, failing); !errors.Is(err, errBoom) {
		t.Fatalf("probe failure: got %v", err)
	}
	if b.State() != Open {
		t.Fatalf("expected re-open after failed probe, got %s", b.State())
	}

	// Reset timeout restarts from the failed probe.
	if err := b.Execute(ctx, succeeding); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen before new timeout elapses, got %v", err)
	}
	clock.Advance(31 * time.Second)
	if err := b.Execute(ctx, succeeding); err != nil {
		t.Fatalf("probe after second timeout: %v", err)
	}
	if b.State() != Closed {
		t.Fatalf("expected closed, got %s", b.State())
	}
}

func TestTransitionsObservable(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	var transitions []string
	b := New("obs-dep", Config{
		FailureThreshold: 2,
		ResetTimeout:     time.Second,
		Clock:            clock.Now,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, string(from)+">"+string(to))
		},
	})
	ctx := context.Background()

	_ = b.Execute(ctx, failing)
	_ = b.Execute(ctx, failing)
	clock.Advance(2 * time.Second)
	_ = b.Execute(ctx, succeeding)

	want := []string{"closed>open", "open>half-open", "half-open>closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}
