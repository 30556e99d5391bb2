package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/campview/chatsync/internal/domain"
)

// errBoom stands in for arbitrary collaborator I/O failures.
var errBoom = errors.New("boom")

// fakeTable is an in-memory ChannelTable with call counting and injectable
// failures.
type fakeTable struct {
	mu          sync.Mutex
	channels    map[string]*domain.Channel
	findCalls   int
	insertCalls int
	findErr     error
	insertErr   error
	nextID      int
}

func newFakeTable() *fakeTable {
	return &fakeTable{channels: map[string]*domain.Channel{}}
}

func (t *fakeTable) FindByName(_ context.Context, name string) (*domain.Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.findCalls++
	if t.findErr != nil {
		return nil, t.findErr
	}
	ch, ok := t.channels[name]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ch
	return &cp, nil
}

func (t *fakeTable) Insert(_ context.Context, name, actor string) (*domain.Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.insertCalls++
	if t.insertErr != nil {
		return nil, t.insertErr
	}
	if _, ok := t.channels[name]; ok {
		return nil, ErrConflict
	}
	t.nextID++
	ch := &domain.Channel{
		ID:        fmt.Sprintf("ch-%03d", t.nextID),
		Name:      name,
		CreatedBy: actor,
		CreatedAt: time.Now().UTC(),
	}
	t.channels[name] = ch
	cp := *ch
	return &cp, nil
}

// fakeStore is an in-memory MessageStore. Inserted rows get deterministic
// IDs and strictly increasing timestamps so ordering assertions are stable.
type fakeStore struct {
	mu        sync.Mutex
	rows      map[string]domain.Message
	seq       int
	base      time.Time
	insertErr error
	listErr   error
	deleteErr error

	// onInsert/onUpdate let tests wire the store to a fake feed.
	onInsert func(domain.Message)
	onUpdate func(domain.Message)

	// insertGate, when non-nil, blocks Insert until released or ctx expiry.
	insertGate chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rows: map[string]domain.Message{},
		base: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (f *fakeStore) Insert(ctx context.Context, channelID, senderID, content string) (*domain.Message, error) {
	if f.insertGate != nil {
		select {
		case <-f.insertGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	if f.insertErr != nil {
		err := f.insertErr
		f.mu.Unlock()
		return nil, err
	}
	f.seq++
	at := f.base.Add(time.Duration(f.seq) * time.Millisecond)
	m := domain.Message{
		ID:        fmt.Sprintf("m-%03d", f.seq),
		ChannelID: channelID,
		SenderID:  senderID,
		Content:   content,
		CreatedAt: at,
		UpdatedAt: at,
	}
	f.rows[m.ID] = m
	hook := f.onInsert
	f.mu.Unlock()

	if hook != nil {
		hook(m)
	}
	return &m, nil
}

func (f *fakeStore) SoftDelete(_ context.Context, messageID, actor string) error {
	f.mu.Lock()
	if f.deleteErr != nil {
		err := f.deleteErr
		f.mu.Unlock()
		return err
	}
	m, ok := f.rows[messageID]
	if !ok {
		f.mu.Unlock()
		return ErrNotFound
	}
	if m.SenderID != actor {
		f.mu.Unlock()
		return ErrNotSender
	}
	f.seq++
	m.IsDeleted = true
	m.UpdatedAt = f.base.Add(time.Duration(f.seq) * time.Millisecond)
	f.rows[messageID] = m
	hook := f.onUpdate
	f.mu.Unlock()

	if hook != nil {
		hook(m)
	}
	return nil
}

func (f *fakeStore) sorted(channelID string, includeDeleted bool) []domain.Message {
	out := make([]domain.Message, 0, len(f.rows))
	for _, m := range f.rows {
		if m.ChannelID != channelID {
			continue
		}
		if m.IsDeleted && !includeDeleted {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

func (f *fakeStore) ListRecent(_ context.Context, channelID string, limit int) ([]domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := f.sorted(channelID, false)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (f *fakeStore) ListSince(_ context.Context, channelID string, cursor time.Time, limit int) ([]domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	all := f.sorted(channelID, true)
	out := make([]domain.Message, 0, len(all))
	for _, m := range all {
		if !m.UpdatedAt.Before(cursor) {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// fakeFeed is a scriptable ChangeFeed: tests emit events, force disconnects,
// and make handshakes fail.
type fakeFeed struct {
	mu        sync.Mutex
	subs      []*fakeFeedSub
	failNext  int // number of Subscribe calls to reject
	subCalls  int
	handshake bool // when true, Subscribe completes the handshake inline
}

func newFakeFeed() *fakeFeed { return &fakeFeed{handshake: true} }

type fakeFeedSub struct {
	feed   *fakeFeed
	h      FeedHandler
	closed bool
}

func (s *fakeFeedSub) Close() {
	s.feed.mu.Lock()
	if s.closed {
		s.feed.mu.Unlock()
		return
	}
	s.closed = true
	h := s.h
	s.feed.mu.Unlock()
	h.HandleClosed(nil)
}

func (f *fakeFeed) Subscribe(_ context.Context, _ string, h FeedHandler) (FeedSubscription, error) {
	f.mu.Lock()
	f.subCalls++
	if f.failNext > 0 {
		f.failNext--
		f.mu.Unlock()
		return nil, errBoom
	}
	sub := &fakeFeedSub{feed: f, h: h}
	f.subs = append(f.subs, sub)
	handshake := f.handshake
	f.mu.Unlock()

	if handshake {
		h.HandleSubscribed()
	}
	return sub, nil
}

// emit delivers one event to every live subscription.
func (f *fakeFeed) emit(ev ChangeEvent) {
	f.mu.Lock()
	live := make([]FeedHandler, 0, len(f.subs))
	for _, s := range f.subs {
		if !s.closed {
			live = append(live, s.h)
		}
	}
	f.mu.Unlock()
	for _, h := range live {
		h.HandleEvent(ev)
	}
}

// drop fails every live subscription with err.
func (f *fakeFeed) drop(err error) {
	f.mu.Lock()
	live := make([]FeedHandler, 0, len(f.subs))
	for _, s := range f.subs {
		if !s.closed {
			s.closed = true
			live = append(live, s.h)
		}
	}
	f.mu.Unlock()
	for _, h := range live {
		h.HandleClosed(err)
	}
}

// recConsumer records everything a SubscriptionManager emits and signals
// each state transition on a channel so tests can await async progress.
type recConsumer struct {
	mu     sync.Mutex
	events []ChangeEvent
	states []SubscriptionState
	errs   []error
	seen   chan SubscriptionState
}

func newRecConsumer() *recConsumer {
	return &recConsumer{seen: make(chan SubscriptionState, 64)}
}

func (c *recConsumer) HandleFeedEvent(ev ChangeEvent) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *recConsumer) HandleSubscriptionState(st SubscriptionState, err error) {
	c.mu.Lock()
	c.states = append(c.states, st)
	c.errs = append(c.errs, err)
	c.mu.Unlock()
	c.seen <- st
}

// await blocks until the consumer observes want or the timeout elapses.
func (c *recConsumer) await(want SubscriptionState, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case st := <-c.seen:
			if st == want {
				return true
			}
		case <-deadline:
			return false
		}
	}
}

func (c *recConsumer) lastErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.errs) == 0 {
		return nil
	}
	return c.errs[len(c.errs)-1]
}
