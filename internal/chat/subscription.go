// Package chat implements the realtime channel messaging synchronization core.
// This file implements the SubscriptionManager, which owns exactly one live
// change-feed subscription for a channel and re-establishes it after
// disconnects with bounded exponential backoff.
//
// State machine:
//
//	Idle → Connecting → Subscribed → (Disconnected → Connecting …) → Closed
//
// The manager interprets no message semantics: raw feed events and state
// transitions are forwarded to a single registered consumer (the session's
// synchronizer worker).
package chat

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SubscriptionState is the lifecycle state of a SubscriptionManager.
type SubscriptionState int

const (
	// SubIdle means Start has not been called yet.
	SubIdle SubscriptionState = iota
	// SubConnecting means a subscription handshake is in flight.
	SubConnecting
	// SubSubscribed means the feed is live and events are flowing.
	SubSubscribed
	// SubDisconnected means the feed dropped and a reconnect is pending.
	SubDisconnected
	// SubClosed is terminal: either Stop was called or reconnect attempts
	// were exhausted. A later Start begins a fresh lifecycle.
	SubClosed
)

// String returns a stable lowercase label for logs.
func (s SubscriptionState) String() string {
	switch s {
	case SubIdle:
		return "idle"
	case SubConnecting:
		return "connecting"
	case SubSubscribed:
		return "subscribed"
	case SubDisconnected:
		return "disconnected"
	case SubClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SubscriptionConsumer receives everything the manager produces: raw feed
// events and state transitions. err is non-nil only for transitions caused by
// a failure (a transport error, or ErrRetriesExhausted on terminal close).
type SubscriptionConsumer interface {
	HandleFeedEvent(ev ChangeEvent)
	HandleSubscriptionState(state SubscriptionState, err error)
}

// SubscriptionConfig tunes reconnect behavior.
type SubscriptionConfig struct {
	// Backoff is the reconnect delay policy. Zero value selects
	// DefaultBackoff().
	Backoff BackoffPolicy
	// MaxAttempts bounds consecutive failed reconnect attempts; 0 means
	// unbounded. The attempt counter resets on every successful handshake.
	MaxAttempts int
}

// SubscriptionManager owns one live ChangeFeed subscription per channel and
// drives the reconnect state machine. It is safe for concurrent use.
type SubscriptionManager struct {
	feed     ChangeFeed
	cfg      SubscriptionConfig
	consumer SubscriptionConsumer
	log      zerolog.Logger

	mu        sync.Mutex
	state     SubscriptionState
	channelID string
	ctx       context.Context
	sub       FeedSubscription
	attempt   int
	timer     *time.Timer
	gen       int // lifecycle generation; invalidates callbacks from torn-down subscriptions

	// timerFn schedules reconnects; replaced in tests to capture delays.
	timerFn func(d time.Duration, f func()) *time.Timer
}

// NewSubscriptionManager constructs a manager delivering to consumer.
func NewSubscriptionManager(feed ChangeFeed, consumer SubscriptionConsumer, cfg SubscriptionConfig, log zerolog.Logger) *SubscriptionManager {
	if cfg.Backoff == (BackoffPolicy{}) {
		cfg.Backoff = DefaultBackoff()
	}
	return &SubscriptionManager{
		feed:     feed,
		cfg:      cfg,
		consumer: consumer,
		log:      log,
		state:    SubIdle,
		timerFn:  time.AfterFunc,
	}
}

// feedHandler binds feed callbacks to one subscription generation so that a
// stale connection torn down by Stop or a restart cannot mutate the manager.
type feedHandler struct {
	m   *SubscriptionManager
	gen int
}

func (h feedHandler) HandleSubscribed() { h.m.onSubscribed(h.gen) }

func (h feedHandler) HandleEvent(ev ChangeEvent) {
	h.m.mu.Lock()
	live := h.gen == h.m.gen && h.m.state != SubClosed
	h.m.mu.Unlock()
	if live {
		h.m.consumer.HandleFeedEvent(ev)
	}
}

func (h feedHandler) HandleClosed(err error) { h.m.onClosed(h.gen, err) }

// Start transitions Idle→Connecting and opens the feed subscription for
// channelID. While already Connecting or Subscribed for the same channel it
// is a no-op returning the current state rather than opening a duplicate
// feed. After Stop (or terminal close) it begins a fresh lifecycle.
//
// ctx bounds the whole subscription lifetime including reconnects.
func (m *SubscriptionManager) Start(ctx context.Context, channelID string) SubscriptionState {
	m.mu.Lock()
	switch m.state {
	case SubConnecting, SubSubscribed, SubDisconnected:
		if m.channelID == channelID {
			st := m.state
			m.mu.Unlock()
			return st
		}
		// One manager serves one channel; an active Start for a different
		// channel is refused.
		m.log.Warn().Str("channel_id", channelID).Str("active", m.channelID).Msg("subscription busy with another channel")
		st := m.state
		m.mu.Unlock()
		return st
	case SubClosed:
		// Fresh lifecycle.
		m.gen++
		m.attempt = 0
	}
	m.state = SubConnecting
	m.channelID = channelID
	m.ctx = ctx
	gen := m.gen
	m.mu.Unlock()

	m.consumer.HandleSubscriptionState(SubConnecting, nil)
	go m.connect(gen)
	return SubConnecting
}

// connect opens one subscription attempt for the given generation. The lock
// is never held across the Subscribe call.
func (m *SubscriptionManager) connect(gen int) {
	m.mu.Lock()
	if gen != m.gen || m.state == SubClosed {
		m.mu.Unlock()
		return
	}
	ctx, channelID := m.ctx, m.channelID
	m.mu.Unlock()

	sub, err := m.feed.Subscribe(ctx, channelID, feedHandler{m: m, gen: gen})
	if err != nil {
		m.log.Warn().Err(err).Str("channel_id", channelID).Msg("feed subscribe failed")
		m.onClosed(gen, err)
		return
	}

	m.mu.Lock()
	if gen != m.gen || m.state == SubClosed {
		m.mu.Unlock()
		sub.Close()
		return
	}
	m.sub = sub
	m.mu.Unlock()
}

// onSubscribed records a completed handshake and resets the attempt counter.
func (m *SubscriptionManager) onSubscribed(gen int) {
	m.mu.Lock()
	if gen != m.gen || m.state == SubClosed {
		m.mu.Unlock()
		return
	}
	m.state = SubSubscribed
	m.attempt = 0
	channelID := m.channelID
	m.mu.Unlock()

	m.log.Debug().Str("channel_id", channelID).Msg("feed subscribed")
	m.consumer.HandleSubscriptionState(SubSubscribed, nil)
}

// onClosed handles both a failed Subscribe and a live feed dropping. It
// transitions to Disconnected and schedules the next reconnect attempt.
func (m *SubscriptionManager) onClosed(gen int, cause error) {
	m.mu.Lock()
	if gen != m.gen || m.state == SubClosed {
		m.mu.Unlock()
		return
	}
	m.sub = nil
	m.state = SubDisconnected

	if m.ctx != nil && m.ctx.Err() != nil {
		// Session lifetime ended; no reconnects.
		m.state = SubClosed
		m.mu.Unlock()
		m.consumer.HandleSubscriptionState(SubClosed, m.ctx.Err())
		return
	}

	m.attempt++
	if m.cfg.MaxAttempts > 0 && m.attempt > m.cfg.MaxAttempts {
		m.state = SubClosed
		channelID := m.channelID
		m.mu.Unlock()
		m.log.Error().Str("channel_id", channelID).Int("attempts", m.cfg.MaxAttempts).Msg("reconnect attempts exhausted")
		m.consumer.HandleSubscriptionState(SubClosed, ErrRetriesExhausted)
		return
	}

	attempt := m.attempt
	delay := m.cfg.Backoff.Delay(attempt)
	channelID := m.channelID
	m.timer = m.timerFn(delay, func() { m.reconnect(gen) })
	m.mu.Unlock()

	reconnectAttempts.Inc()
	m.log.Info().
		Err(cause).
		Str("channel_id", channelID).
		Int("attempt", attempt).
		Dur("delay", delay).
		Msg("feed disconnected, reconnect scheduled")
	m.consumer.HandleSubscriptionState(SubDisconnected, cause)
}

// reconnect fires when a scheduled backoff timer elapses.
func (m *SubscriptionManager) reconnect(gen int) {
	m.mu.Lock()
	if gen != m.gen || m.state != SubDisconnected {
		m.mu.Unlock()
		return
	}
	m.state = SubConnecting
	m.timer = nil
	m.mu.Unlock()

	m.consumer.HandleSubscriptionState(SubConnecting, nil)
	m.connect(gen)
}

// Stop cancels any pending reconnect, closes the active feed, and
// transitions to Closed. It is idempotent and safe to call concurrently with
// any other method. A later Start begins a fresh lifecycle.
func (m *SubscriptionManager) Stop() {
	m.mu.Lock()
	if m.state == SubClosed {
		m.mu.Unlock()
		return
	}
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	sub := m.sub
	m.sub = nil
	m.state = SubClosed
	m.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	m.consumer.HandleSubscriptionState(SubClosed, nil)
}

// State returns the current lifecycle state.
func (m *SubscriptionManager) State() SubscriptionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}
