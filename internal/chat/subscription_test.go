package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const awaitTimeout = 2 * time.Second

// manualTimer captures scheduled reconnects so tests control time.
type manualTimer struct {
	mu     sync.Mutex
	delays []time.Duration
	fns    []func()
	fired  chan struct{}
}

func newManualTimer() *manualTimer {
	return &manualTimer{fired: make(chan struct{}, 64)}
}

func (m *manualTimer) schedule(d time.Duration, f func()) *time.Timer {
	m.mu.Lock()
	m.delays = append(m.delays, d)
	m.fns = append(m.fns, f)
	m.mu.Unlock()
	m.fired <- struct{}{}
	// Never fires on its own; tests call fire() explicitly.
	return time.NewTimer(time.Hour)
}

// awaitScheduled blocks until another reconnect has been scheduled.
func (m *manualTimer) awaitScheduled(t *testing.T) {
	t.Helper()
	select {
	case <-m.fired:
	case <-time.After(awaitTimeout):
		t.Fatal("timed out waiting for reconnect to be scheduled")
	}
}

// fire runs the most recently scheduled reconnect.
func (m *manualTimer) fire(t *testing.T) {
	t.Helper()
	m.mu.Lock()
	if len(m.fns) == 0 {
		m.mu.Unlock()
		t.Fatal("no reconnect scheduled")
	}
	f := m.fns[len(m.fns)-1]
	m.mu.Unlock()
	f()
}

func newManager(feed ChangeFeed, consumer SubscriptionConsumer, cfg SubscriptionConfig) (*SubscriptionManager, *manualTimer) {
	m := NewSubscriptionManager(feed, consumer, cfg, zerolog.Nop())
	mt := newManualTimer()
	m.timerFn = mt.schedule
	return m, mt
}

func TestSubscriptionHappyPath(t *testing.T) {
	feed := newFakeFeed()
	cons := newRecConsumer()
	m, _ := newManager(feed, cons, SubscriptionConfig{})

	if st := m.Start(context.Background(), "ch-1"); st != SubConnecting {
		t.Fatalf("Start returned %v, want connecting", st)
	}
	if !cons.await(SubSubscribed, awaitTimeout) {
		t.Fatal("never reached subscribed")
	}
	if st := m.State(); st != SubSubscribed {
		t.Fatalf("State() = %v, want subscribed", st)
	}

	// Events reach the consumer untouched.
	feed.emit(ChangeEvent{Op: OpInsert})
	waitFor(t, func() bool {
		cons.mu.Lock()
		defer cons.mu.Unlock()
		return len(cons.events) == 1
	})
}

func TestSubscriptionDuplicateStartIsNoop(t *testing.T) {
	feed := newFakeFeed()
	cons := newRecConsumer()
	m, _ := newManager(feed, cons, SubscriptionConfig{})

	m.Start(context.Background(), "ch-1")
	if !cons.await(SubSubscribed, awaitTimeout) {
		t.Fatal("never reached subscribed")
	}

	if st := m.Start(context.Background(), "ch-1"); st != SubSubscribed {
		t.Fatalf("duplicate Start returned %v, want subscribed", st)
	}
	feed.mu.Lock()
	calls := feed.subCalls
	feed.mu.Unlock()
	if calls != 1 {
		t.Fatalf("Subscribe called %d times, want 1 (no duplicate feed)", calls)
	}
}

func TestSubscriptionReconnectBackoffBound(t *testing.T) {
	feed := newFakeFeed()
	feed.failNext = 5 // initial connect + 4 retries all fail
	cons := newRecConsumer()
	cfg := SubscriptionConfig{Backoff: BackoffPolicy{Base: time.Second, Max: 4 * time.Second, Jitter: 0.2}}
	m, mt := newManager(feed, cons, cfg)

	m.Start(context.Background(), "ch-1")
	mt.awaitScheduled(t)
	for i := 0; i < 4; i++ {
		mt.fire(t)
		mt.awaitScheduled(t)
	}

	mt.mu.Lock()
	delays := append([]time.Duration(nil), mt.delays...)
	mt.mu.Unlock()

	if len(delays) != 5 {
		t.Fatalf("scheduled %d reconnects, want 5", len(delays))
	}
	floor := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second, 4 * time.Second}
	for i, d := range delays {
		if d < floor[i] {
			t.Fatalf("attempt %d delay %v below floor %v", i+1, d, floor[i])
		}
		if d > cfg.Backoff.Max {
			t.Fatalf("attempt %d delay %v above cap %v", i+1, d, cfg.Backoff.Max)
		}
	}
}

func TestSubscriptionAttemptResetOnSuccess(t *testing.T) {
	feed := newFakeFeed()
	feed.failNext = 2
	cons := newRecConsumer()
	m, mt := newManager(feed, cons, SubscriptionConfig{Backoff: BackoffPolicy{Base: time.Second, Max: 30 * time.Second}})

	m.Start(context.Background(), "ch-1")
	mt.awaitScheduled(t)
	mt.fire(t)
	mt.awaitScheduled(t)
	mt.fire(t) // third attempt succeeds
	if !cons.await(SubSubscribed, awaitTimeout) {
		t.Fatal("never reached subscribed")
	}

	// Drop the live feed; the next delay restarts from the base.
	feed.drop(errBoom)
	mt.awaitScheduled(t)

	mt.mu.Lock()
	last := mt.delays[len(mt.delays)-1]
	mt.mu.Unlock()
	if last != time.Second {
		t.Fatalf("post-success delay = %v, want base (attempt counter reset)", last)
	}
}

func TestSubscriptionMaxAttemptsTerminal(t *testing.T) {
	feed := newFakeFeed()
	feed.failNext = 100
	cons := newRecConsumer()
	m, mt := newManager(feed, cons, SubscriptionConfig{
		Backoff:     BackoffPolicy{Base: time.Millisecond, Max: time.Millisecond},
		MaxAttempts: 3,
	})

	m.Start(context.Background(), "ch-1")
	for i := 0; i < 3; i++ {
		mt.awaitScheduled(t)
		mt.fire(t)
	}
	if !cons.await(SubClosed, awaitTimeout) {
		t.Fatal("never reached terminal close")
	}
	if err := cons.lastErr(); !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("terminal err = %v, want ErrRetriesExhausted", err)
	}

	// No further attempt is scheduled past the cap.
	mt.mu.Lock()
	n := len(mt.delays)
	mt.mu.Unlock()
	if n != 3 {
		t.Fatalf("scheduled %d reconnects, want exactly 3", n)
	}
	if st := m.State(); st != SubClosed {
		t.Fatalf("State() = %v, want closed", st)
	}
}

func TestSubscriptionStopIdempotent(t *testing.T) {
	feed := newFakeFeed()
	cons := newRecConsumer()
	m, _ := newManager(feed, cons, SubscriptionConfig{})

	m.Start(context.Background(), "ch-1")
	if !cons.await(SubSubscribed, awaitTimeout) {
		t.Fatal("never reached subscribed")
	}

	m.Stop()
	m.Stop()
	if st := m.State(); st != SubClosed {
		t.Fatalf("State() = %v, want closed", st)
	}

	// Events from the torn-down feed are discarded.
	feed.emit(ChangeEvent{Op: OpInsert})
	time.Sleep(20 * time.Millisecond)
	cons.mu.Lock()
	n := len(cons.events)
	cons.mu.Unlock()
	if n != 0 {
		t.Fatalf("consumer saw %d events after Stop, want 0", n)
	}
}

func TestSubscriptionRestartAfterStop(t *testing.T) {
	feed := newFakeFeed()
	cons := newRecConsumer()
	m, _ := newManager(feed, cons, SubscriptionConfig{})

	m.Start(context.Background(), "ch-1")
	if !cons.await(SubSubscribed, awaitTimeout) {
		t.Fatal("never reached subscribed")
	}
	m.Stop()

	// Start after Stop is a fresh lifecycle.
	if st := m.Start(context.Background(), "ch-1"); st != SubConnecting {
		t.Fatalf("restart returned %v, want connecting", st)
	}
	if !cons.await(SubSubscribed, awaitTimeout) {
		t.Fatal("restart never reached subscribed")
	}
}

func TestSubscriptionContextCancelStopsReconnects(t *testing.T) {
	feed := newFakeFeed()
	cons := newRecConsumer()
	m, mt := newManager(feed, cons, SubscriptionConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx, "ch-1")
	if !cons.await(SubSubscribed, awaitTimeout) {
		t.Fatal("never reached subscribed")
	}

	cancel()
	feed.drop(errBoom)
	if !cons.await(SubClosed, awaitTimeout) {
		t.Fatal("never reached closed after cancel")
	}
	mt.mu.Lock()
	n := len(mt.delays)
	mt.mu.Unlock()
	if n != 0 {
		t.Fatalf("scheduled %d reconnects after cancel, want 0", n)
	}
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(awaitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never held")
}
