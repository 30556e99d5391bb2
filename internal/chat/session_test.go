package chat

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/campview/chatsync/internal/domain"
)

// testWorld bundles the collaborators shared by all sessions in a test: the
// store's insert/update hooks feed the fake change feed, so persisted rows
// reach every subscriber the way a real deployment delivers them.
type testWorld struct {
	table *fakeTable
	store *fakeStore
	feed  *fakeFeed
}

func newTestWorld() *testWorld {
	w := &testWorld{
		table: newFakeTable(),
		store: newFakeStore(),
		feed:  newFakeFeed(),
	}
	w.store.onInsert = func(m domain.Message) { w.feed.emit(ChangeEvent{Op: OpInsert, Row: m}) }
	w.store.onUpdate = func(m domain.Message) { w.feed.emit(ChangeEvent{Op: OpUpdate, Row: m}) }
	return w
}

func (w *testWorld) session(cfg SessionConfig) *Session {
	resolver := NewChannelResolver(w.table, 0, zerolog.Nop())
	return NewSession(resolver, w.store, w.feed, cfg, zerolog.Nop())
}

// fastReconnect keeps real backoff timers out of the test clock budget.
func fastReconnect() SessionConfig {
	return SessionConfig{
		Subscription: SubscriptionConfig{
			Backoff: BackoffPolicy{Base: time.Millisecond, Max: 5 * time.Millisecond},
		},
	}
}

func TestSessionOpenHappyPath(t *testing.T) {
	w := newTestWorld()
	s := w.session(SessionConfig{})
	defer s.Close()

	if err := s.Open(context.Background(), "  General  ", "alice"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if st := s.State(); st != SessionOpen {
		t.Fatalf("State() = %v, want open", st)
	}
	if s.ChannelName() != "  General  " || s.Actor() != "alice" {
		t.Fatalf("identity not bound: name=%q actor=%q", s.ChannelName(), s.Actor())
	}
	if s.ChannelID() == "" {
		t.Fatal("channel ID not resolved")
	}

	waitFor(t, func() bool {
		st, _ := s.Status()
		return st == StatusConnected
	})
}

func TestSessionOpenTwice(t *testing.T) {
	w := newTestWorld()
	s := w.session(SessionConfig{})
	defer s.Close()

	if err := s.Open(context.Background(), "general", "alice"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Open(context.Background(), "general", "alice"); !errors.Is(err, ErrSessionOpen) {
		t.Fatalf("second Open err = %v, want ErrSessionOpen", err)
	}
}

func TestSessionOpenResolverFailure(t *testing.T) {
	w := newTestWorld()
	w.table.findErr = errBoom
	s := w.session(SessionConfig{})

	if err := s.Open(context.Background(), "general", "alice"); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("Open err = %v, want ErrStoreUnavailable", err)
	}
	if st := s.State(); st != SessionClosed {
		t.Fatalf("State() = %v after failed Open, want closed", st)
	}
	// The failure is not sticky; a retry opens normally.
	w.table.findErr = nil
	if err := s.Open(context.Background(), "general", "alice"); err != nil {
		t.Fatalf("retry Open: %v", err)
	}
	s.Close()
}

func TestSessionOpenInvalidName(t *testing.T) {
	w := newTestWorld()
	s := w.session(SessionConfig{})

	if err := s.Open(context.Background(), "   ", "alice"); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("Open err = %v, want ErrInvalidName", err)
	}
	if st := s.State(); st != SessionClosed {
		t.Fatalf("State() = %v, want closed", st)
	}
}

func TestSessionMethodsRequireOpen(t *testing.T) {
	w := newTestWorld()
	s := w.session(SessionConfig{})

	if _, err := s.Send(context.Background(), "hi"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Send err = %v, want ErrSessionClosed", err)
	}
	if err := s.Delete(context.Background(), "m-001"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Delete err = %v, want ErrSessionClosed", err)
	}
	if got := s.Snapshot(); got != nil {
		t.Fatalf("Snapshot = %v on closed session, want nil", got)
	}
}

func TestSessionSendReachesAllSubscribers(t *testing.T) {
	w := newTestWorld()
	a := w.session(SessionConfig{})
	b := w.session(SessionConfig{})
	defer a.Close()
	defer b.Close()

	ctx := context.Background()
	if err := a.Open(ctx, "general", "alice"); err != nil {
		t.Fatalf("open a: %v", err)
	}
	if err := b.Open(ctx, "General", "bob"); err != nil {
		t.Fatalf("open b: %v", err)
	}
	if a.ChannelID() != b.ChannelID() {
		t.Fatalf("name normalization split the channel: %s vs %s", a.ChannelID(), b.ChannelID())
	}

	p, err := a.Send(ctx, "hello everyone")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := p.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	for name, s := range map[string]*Session{"sender": a, "subscriber": b} {
		s := s
		waitFor(t, func() bool {
			got := s.Snapshot()
			return len(got) == 1 && got[0].Content == "hello everyone"
		})
		if got := s.Snapshot(); got[0].SenderID != "alice" {
			t.Fatalf("%s sees sender %q, want alice", name, got[0].SenderID)
		}
	}
	if n := a.sync.PendingCount(); n != 0 {
		t.Fatalf("sender has %d pending after feed confirmation, want 0", n)
	}
}

func TestSessionDeletePropagates(t *testing.T) {
	w := newTestWorld()
	a := w.session(SessionConfig{})
	b := w.session(SessionConfig{})
	defer a.Close()
	defer b.Close()

	ctx := context.Background()
	if err := a.Open(ctx, "general", "alice"); err != nil {
		t.Fatalf("open a: %v", err)
	}
	if err := b.Open(ctx, "general", "bob"); err != nil {
		t.Fatalf("open b: %v", err)
	}

	p, err := a.Send(ctx, "oops")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := p.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	waitFor(t, func() bool { return len(b.Snapshot()) == 1 })
	msgID := b.Snapshot()[0].ID

	if err := b.Delete(ctx, msgID); !errors.Is(err, ErrNotSender) {
		t.Fatalf("foreign delete err = %v, want ErrNotSender", err)
	}
	if err := a.Delete(ctx, msgID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	waitFor(t, func() bool { return len(a.Snapshot()) == 0 })
	waitFor(t, func() bool { return len(b.Snapshot()) == 0 })
}

func TestSessionHistoryVisibleAfterOpen(t *testing.T) {
	w := newTestWorld()
	warm := w.session(SessionConfig{})
	ctx := context.Background()
	if err := warm.Open(ctx, "general", "alice"); err != nil {
		t.Fatalf("open warm: %v", err)
	}
	for _, text := range []string{"one", "two", "three"} {
		p, err := warm.Send(ctx, text)
		if err != nil {
			t.Fatalf("Send %q: %v", text, err)
		}
		if err := p.Wait(ctx); err != nil {
			t.Fatalf("Wait %q: %v", text, err)
		}
	}
	warm.Close()

	late := w.session(SessionConfig{})
	defer late.Close()
	if err := late.Open(ctx, "general", "bob"); err != nil {
		t.Fatalf("open late: %v", err)
	}
	got := late.Snapshot()
	if len(got) != 3 {
		t.Fatalf("late joiner sees %d messages, want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if !got[i-1].Less(got[i]) {
			t.Fatalf("history out of order at %d", i)
		}
	}
}

func TestSessionStatusOnDisconnectAndRecovery(t *testing.T) {
	w := newTestWorld()
	s := w.session(fastReconnect())
	defer s.Close()

	if err := s.Open(context.Background(), "general", "alice"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	waitFor(t, func() bool {
		st, _ := s.Status()
		return st == StatusConnected
	})

	// Keep a few handshakes failing so the reconnecting window is observable.
	w.feed.mu.Lock()
	w.feed.failNext = 4
	w.feed.mu.Unlock()
	w.feed.drop(errBoom)
	waitFor(t, func() bool {
		st, _ := s.Status()
		return st == StatusReconnecting
	})

	// The fake accepts the next handshake; status heals.
	waitFor(t, func() bool {
		st, err := s.Status()
		return st == StatusConnected && err == nil
	})
}

func TestSessionCatchesUpAfterReconnect(t *testing.T) {
	w := newTestWorld()
	s := w.session(fastReconnect())
	defer s.Close()

	ctx := context.Background()
	if err := s.Open(ctx, "general", "alice"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	waitFor(t, func() bool {
		st, _ := s.Status()
		return st == StatusConnected
	})

	// Feed dies; a message lands in the store while no subscription exists.
	w.feed.drop(errBoom)
	if _, err := w.store.Insert(ctx, s.ChannelID(), "bob", "missed you"); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	// After the automatic reconnect the gap is replayed from the store.
	waitFor(t, func() bool {
		got := s.Snapshot()
		return len(got) == 1 && got[0].Content == "missed you"
	})
}

func TestSessionStatusTerminalOnRetriesExhausted(t *testing.T) {
	w := newTestWorld()
	cfg := fastReconnect()
	cfg.Subscription.MaxAttempts = 2
	s := w.session(cfg)
	defer s.Close()

	if err := s.Open(context.Background(), "general", "alice"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	waitFor(t, func() bool {
		st, _ := s.Status()
		return st == StatusConnected
	})

	w.feed.mu.Lock()
	w.feed.failNext = 100
	w.feed.mu.Unlock()
	w.feed.drop(errBoom)

	waitFor(t, func() bool {
		st, err := s.Status()
		return st == StatusDisconnected && errors.Is(err, ErrRetriesExhausted)
	})
	// The session itself stays open; sends still work against the store.
	if st := s.State(); st != SessionOpen {
		t.Fatalf("State() = %v after feed death, want open", st)
	}
}

func TestSessionCloseIdempotent(t *testing.T) {
	w := newTestWorld()
	s := w.session(SessionConfig{})

	if err := s.Open(context.Background(), "general", "alice"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Close()
	s.Close()

	if st := s.State(); st != SessionClosed {
		t.Fatalf("State() = %v, want closed", st)
	}
	st, _ := s.Status()
	if st != StatusDisconnected {
		t.Fatalf("Status() = %v after Close, want disconnected", st)
	}
	if _, err := s.Send(context.Background(), "hi"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Send after Close err = %v, want ErrSessionClosed", err)
	}

	// A closed session reopens cleanly.
	if err := s.Open(context.Background(), "general", "alice"); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	s.Close()
}

func TestSessionOnChangeFires(t *testing.T) {
	w := newTestWorld()
	s := w.session(SessionConfig{})
	defer s.Close()

	var fired atomic.Int64
	s.SetOnChange(func() { fired.Add(1) })

	ctx := context.Background()
	if err := s.Open(ctx, "general", "alice"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	afterOpen := fired.Load()
	if afterOpen == 0 {
		t.Fatal("onChange never fired during Open")
	}

	p, err := s.Send(ctx, "ping")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := p.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	waitFor(t, func() bool { return fired.Load() > afterOpen })
}

func TestSessionClearOnChangeIsTokenScoped(t *testing.T) {
	w := newTestWorld()
	s := w.session(SessionConfig{})
	defer s.Close()

	var first, second atomic.Int64
	oldToken := s.SetOnChange(func() { first.Add(1) })
	newToken := s.SetOnChange(func() { second.Add(1) })

	// A stale clear from the displaced observer must not detach the current
	// hook.
	s.ClearOnChange(oldToken)
	s.fireChange()
	if first.Load() != 0 {
		t.Fatalf("displaced hook fired %d times", first.Load())
	}
	if second.Load() != 1 {
		t.Fatalf("current hook fired %d times, want 1", second.Load())
	}

	// The holder of the current token can detach it.
	s.ClearOnChange(newToken)
	s.fireChange()
	if second.Load() != 1 {
		t.Fatalf("hook fired after its own clear: %d", second.Load())
	}
}
