// Package feed provides the concrete collaborators behind the chat core's
// storage and delivery abstractions: a GORM-backed message store and channel
// table, and an in-process change-feed bus that fans row mutations out to
// per-channel subscribers.
//
// The bus gives each subscriber its own buffered queue drained by a dedicated
// goroutine, so one slow consumer never blocks publishers or its siblings. A
// consumer that falls further behind than its buffer is disconnected with
// ErrSlowConsumer; the chat core's reconnect-and-resync path then heals it
// from the store, which is cheaper and safer than unbounded buffering.
package feed

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/campview/chatsync/internal/chat"
)

// ErrFeedClosed is returned by Subscribe after the bus has been shut down.
var ErrFeedClosed = errors.New("change feed is closed")

// ErrSlowConsumer is the close reason handed to a subscriber whose queue
// overflowed.
var ErrSlowConsumer = errors.New("subscriber too slow, queue overflow")

// subQueueCapacity bounds each subscriber's event backlog.
const subQueueCapacity = 256

// Bus is an in-process chat.ChangeFeed. It is safe for concurrent use.
type Bus struct {
	log zerolog.Logger

	mu     sync.Mutex
	closed bool
	subs   map[string]map[*busSub]struct{} // channelID -> subscribers
}

// NewBus constructs an empty bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		log:  log,
		subs: make(map[string]map[*busSub]struct{}),
	}
}

// busSub is one live subscription: a queue plus the goroutine draining it
// into the handler. Handler callbacks are never invoked concurrently.
type busSub struct {
	bus       *Bus
	channelID string
	handler   chat.FeedHandler
	queue     chan chat.ChangeEvent
	quit      chan struct{}
	reason    error
	once      sync.Once
}

// Subscribe registers a handler for one channel's row changes. The handshake
// completes asynchronously: HandleSubscribed fires from the subscription's
// delivery goroutine before any event. ctx bounds the subscription lifetime.
func (b *Bus) Subscribe(ctx context.Context, channelID string, h chat.FeedHandler) (chat.FeedSubscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrFeedClosed
	}
	s := &busSub{
		bus:       b,
		channelID: channelID,
		handler:   h,
		queue:     make(chan chat.ChangeEvent, subQueueCapacity),
		quit:      make(chan struct{}),
	}
	set, ok := b.subs[channelID]
	if !ok {
		set = make(map[*busSub]struct{})
		b.subs[channelID] = set
	}
	set[s] = struct{}{}
	b.mu.Unlock()

	go s.run(ctx)
	b.log.Debug().Str("channel_id", channelID).Msg("feed subscriber attached")
	return s, nil
}

// Publish fans one event out to every subscriber of the channel. A full
// subscriber queue disconnects that subscriber instead of blocking delivery.
func (b *Bus) Publish(channelID string, ev chat.ChangeEvent) {
	b.mu.Lock()
	targets := make([]*busSub, 0, len(b.subs[channelID]))
	for s := range b.subs[channelID] {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	for _, s := range targets {
		select {
		case s.queue <- ev:
		default:
			b.log.Warn().Str("channel_id", channelID).Msg("feed subscriber evicted, queue full")
			s.stop(ErrSlowConsumer)
		}
	}
}

// DisconnectAll force-closes every subscriber of the channel with reason.
// Subscribers re-establish through their own reconnect logic. Intended for
// operational use and failure injection.
func (b *Bus) DisconnectAll(channelID string, reason error) {
	b.mu.Lock()
	targets := make([]*busSub, 0, len(b.subs[channelID]))
	for s := range b.subs[channelID] {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	for _, s := range targets {
		s.stop(reason)
	}
}

// Close shuts the bus down. Every live subscriber observes HandleClosed with
// ErrFeedClosed and later Subscribe calls fail.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var targets []*busSub
	for _, set := range b.subs {
		for s := range set {
			targets = append(targets, s)
		}
	}
	b.subs = make(map[string]map[*busSub]struct{})
	b.mu.Unlock()

	for _, s := range targets {
		s.stop(ErrFeedClosed)
	}
}

// SubscriberCount reports the live subscribers of one channel.
func (b *Bus) SubscriberCount(channelID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[channelID])
}

// run is the subscription's delivery goroutine: handshake, then drain until
// stopped. All handler callbacks happen here, strictly sequentially.
func (s *busSub) run(ctx context.Context) {
	s.handler.HandleSubscribed()
	for {
		select {
		case ev := <-s.queue:
			s.handler.HandleEvent(ev)
		case <-s.quit:
			s.handler.HandleClosed(s.reason)
			return
		case <-ctx.Done():
			s.stop(ctx.Err())
			s.handler.HandleClosed(s.reason)
			return
		}
	}
}

// stop unregisters the subscription and signals its goroutine exactly once.
func (s *busSub) stop(reason error) {
	s.once.Do(func() {
		s.bus.mu.Lock()
		if set, ok := s.bus.subs[s.channelID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(s.bus.subs, s.channelID)
			}
		}
		s.bus.mu.Unlock()
		s.reason = reason
		close(s.quit)
	})
}

// Close stops delivery. The handler observes HandleClosed(nil).
func (s *busSub) Close() { s.stop(nil) }
