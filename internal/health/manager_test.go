package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestProbeDrivesAvailability(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(false)

	m := NewManager(20 * time.Millisecond)
	m.Register("dep", func(ctx context.Context) error {
		if healthy.Load() {
			return nil
		}
		return errors.New("connection refused")
	}, nil)

	m.Start(context.Background())
	defer m.Shutdown()

	waitFor(t, func() bool { return !m.IsAvailable("dep") })

	healthy.Store(true)
	waitFor(t, func() bool { return m.IsAvailable("dep") })
}

func TestLateRegistrationIsProbed(t *testing.T) {
	m := NewManager(10 * time.Millisecond)
	m.Start(context.Background())
	defer m.Shutdown()

	// Registered after the probe loops launched; it must still be probed
	// instead of staying optimistically available forever.
	m.Register("late-dep", func(ctx context.Context) error {
		return errors.New("down")
	}, nil)

	waitFor(t, func() bool { return !m.IsAvailable("late-dep") })
}

func TestUnknownServiceIsAvailable(t *testing.T) {
	m := NewManager(time.Second)
	if !m.IsAvailable("never-registered") {
		t.Fatal("unregistered services must not block work")
	}
}

func TestWithFallbackFailsFast(t *testing.T) {
	m := NewManager(10 * time.Millisecond)
	fallbackRuns := 0
	m.Register("dep", func(ctx context.Context) error {
		return errors.New("down")
	}, func(ctx context.Context) error {
		fallbackRuns++
		return nil
	})

	m.Start(context.Background())
	defer m.Shutdown()
	waitFor(t, func() bool { return !m.IsAvailable("dep") })

	primaryRan := false
	err := m.WithFallback(context.Background(), "dep", func(ctx context.Context) error {
		primaryRan = true
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if primaryRan {
		t.Fatal("primary must be skipped while the dependency is down")
	}
	if fallbackRuns != 1 {
		t.Fatalf("fallback ran %d times, want 1", fallbackRuns)
	}
}

func TestWithFallbackWithoutFallbackErrors(t *testing.T) {
	m := NewManager(10 * time.Millisecond)
	m.Register("dep", func(ctx context.Context) error {
		return errors.New("down")
	}, nil)

	m.Start(context.Background())
	defer m.Shutdown()
	waitFor(t, func() bool { return !m.IsAvailable("dep") })

	err := m.WithFallback(context.Background(), "dep", func(ctx context.Context) error { return nil })
	if err == nil {
		t.Fatal("expected error when no fallback is registered")
	}
}

func TestSnapshotReportsLastError(t *testing.T) {
	m := NewManager(10 * time.Millisecond)
	m.Register("dep", func(ctx context.Context) error {
		return errors.New("dial tcp: refused")
	}, nil)

	m.Start(context.Background())
	defer m.Shutdown()
	waitFor(t, func() bool { return !m.IsAvailable("dep") })

	records := m.Snapshot()
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	r := records[0]
	if r.Name != "dep" || r.Available || r.LastError == "" || r.LastChecked.IsZero() {
		t.Fatalf("record = %+v", r)
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	m := NewManager(10 * time.Millisecond)
	m.Register("dep", func(ctx context.Context) error { return nil }, nil)
	m.Start(context.Background())

	m.Shutdown()
	m.Shutdown() // second call must not panic or block
}
