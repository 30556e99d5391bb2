// Package chat implements the realtime channel messaging synchronization core.
// This file implements the ChatSession facade: the per-user-per-channel
// handle combining channel resolution, the feed subscription, and the message
// synchronizer. This is the surface a UI or API layer consumes.
//
// Concurrency model: one worker goroutine per open session drains the
// subscription manager's output and applies it to the synchronizer, so feed
// events for a channel are processed strictly in arrival order. Send and
// Delete run on caller goroutines; their blocking store I/O never touches the
// worker, and the synchronizer's own short-lock merge keeps the shared view
// consistent. Cross-session state is fully independent.
package chat

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/campview/chatsync/internal/domain"
)

// SessionState is the lifecycle state of a Session.
type SessionState int

const (
	// SessionClosed is both the initial and the terminal state.
	SessionClosed SessionState = iota
	// SessionOpening means Open is resolving, subscribing, and loading
	// history.
	SessionOpening
	// SessionOpen means the session is live.
	SessionOpen
	// SessionClosing means Close is tearing the session down.
	SessionClosing
)

// ConnectionStatus is the caller-visible health of a session's feed link.
type ConnectionStatus int

const (
	// StatusConnecting: the first subscription handshake is in flight.
	StatusConnecting ConnectionStatus = iota
	// StatusConnected: the feed is live.
	StatusConnected
	// StatusReconnecting: the feed dropped and reconnection is in progress.
	StatusReconnecting
	// StatusDisconnected: terminal; the session is closed or reconnect
	// attempts were exhausted.
	StatusDisconnected
)

// String returns a stable lowercase label for logs and JSON payloads.
func (cs ConnectionStatus) String() string {
	switch cs {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// SessionConfig bundles the tunables of one session.
type SessionConfig struct {
	Subscription SubscriptionConfig
	Sync         SynchronizerConfig
}

// sessionEvent is one unit of work for the session worker: either a feed
// event or a subscription state transition.
type sessionEvent struct {
	ev    *ChangeEvent
	st    SubscriptionState
	stSet bool
	stErr error
}

// Session is a per-user-per-channel handle over the synchronization core.
// All methods are safe for concurrent use; Close wins races with any other
// method by transitioning to Closing immediately and discarding later events.
type Session struct {
	resolver *ChannelResolver
	store    MessageStore
	feed     ChangeFeed
	cfg      SessionConfig
	log      zerolog.Logger

	mu          sync.Mutex
	state       SessionState
	actor       string
	channelName string
	channelID   string
	status      ConnectionStatus
	lastErr     error
	everConn    bool
	onChange    func()
	hookGen     uint64

	sync     *Synchronizer
	subs     *SubscriptionManager
	lifetime context.Context
	cancel   context.CancelFunc
	events   chan sessionEvent
	quit     chan struct{}
	done     chan struct{}
}

// NewSession constructs a closed session over the given collaborators.
// Call Open to make it live.
func NewSession(resolver *ChannelResolver, store MessageStore, feed ChangeFeed, cfg SessionConfig, log zerolog.Logger) *Session {
	return &Session{
		resolver: resolver,
		store:    store,
		feed:     feed,
		cfg:      cfg,
		log:      log,
		state:    SessionClosed,
		status:   StatusDisconnected,
	}
}

// SetOnChange registers the hook fired after every state mutation (message
// insert/update/delete, connection-status change) so observers can re-render
// incrementally instead of polling. Each call displaces the previous hook and
// returns a registration token; a displaced observer must pass its token to
// ClearOnChange on teardown so a late cleanup cannot wipe its successor.
func (s *Session) SetOnChange(fn func()) uint64 {
	s.mu.Lock()
	s.hookGen++
	gen := s.hookGen
	s.onChange = fn
	s.mu.Unlock()
	return gen
}

// ClearOnChange removes the change hook, but only while token still
// identifies the current registration.
func (s *Session) ClearOnChange(token uint64) {
	s.mu.Lock()
	if s.hookGen == token {
		s.onChange = nil
	}
	s.mu.Unlock()
}

func (s *Session) fireChange() {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Open resolves the channel name, starts the feed subscription, and loads
// history, in that order, failing fast and leaving the session Closed if any
// step errors. ctx bounds the resolution and history I/O; the subscription
// itself lives until Close.
func (s *Session) Open(ctx context.Context, channelName, actor string) error {
	s.mu.Lock()
	if s.state != SessionClosed {
		s.mu.Unlock()
		return ErrSessionOpen
	}
	s.state = SessionOpening
	s.actor = actor
	s.channelName = channelName
	s.status = StatusConnecting
	s.lastErr = nil
	s.everConn = false
	s.mu.Unlock()

	channelID, err := s.resolver.ResolveOrCreate(ctx, channelName, actor)
	if err != nil {
		s.abortOpen()
		return err
	}

	lifetime, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if s.state != SessionOpening {
		// Close won the race during resolution.
		s.mu.Unlock()
		cancel()
		return ErrSessionClosed
	}
	s.channelID = channelID
	s.lifetime = lifetime
	s.cancel = cancel
	s.sync = NewSynchronizer(s.store, channelID, s.cfg.Sync, s.log)
	s.subs = NewSubscriptionManager(s.feed, (*sessionConsumer)(s), s.cfg.Subscription, s.log)
	s.events = make(chan sessionEvent, 64)
	s.quit = make(chan struct{})
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.sync.SetNotify(s.fireChange)
	go s.worker(s.events, s.quit, s.done)
	s.subs.Start(lifetime, channelID)

	if _, err := s.sync.LoadHistory(ctx, 0); err != nil {
		s.teardown()
		s.abortOpen()
		return err
	}

	s.mu.Lock()
	if s.state != SessionOpening {
		s.mu.Unlock()
		s.teardown()
		return ErrSessionClosed
	}
	s.state = SessionOpen
	s.mu.Unlock()

	openSessions.Inc()
	s.log.Info().Str("channel", channelName).Str("channel_id", channelID).Str("actor", actor).Msg("session open")
	s.fireChange()
	return nil
}

// abortOpen rolls a failed Open back to Closed.
func (s *Session) abortOpen() {
	s.mu.Lock()
	s.state = SessionClosed
	s.status = StatusDisconnected
	s.mu.Unlock()
}

// teardown stops the subscription and the worker. Safe to call more than once.
func (s *Session) teardown() {
	s.mu.Lock()
	subs, cancel, quit, done := s.subs, s.cancel, s.quit, s.done
	s.subs, s.cancel, s.quit, s.done = nil, nil, nil, nil
	s.lifetime = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if subs != nil {
		subs.Stop()
	}
	if quit != nil {
		close(quit)
		<-done
	}
}

// Close tears the session down. It is idempotent and safe to call
// concurrently with any other session method: it transitions to Closing
// immediately and subsequent events are discarded.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == SessionClosed || s.state == SessionClosing {
		s.mu.Unlock()
		return
	}
	wasOpen := s.state == SessionOpen
	s.state = SessionClosing
	s.mu.Unlock()

	s.teardown()

	s.mu.Lock()
	s.state = SessionClosed
	s.status = StatusDisconnected
	s.mu.Unlock()

	if wasOpen {
		openSessions.Dec()
	}
	s.log.Info().Str("channel", s.channelName).Msg("session closed")
	s.fireChange()
}

// Send submits a message as the session's actor with optimistic local
// insertion. See Synchronizer.Send for resolution semantics.
func (s *Session) Send(ctx context.Context, content string) (*PendingSend, error) {
	s.mu.Lock()
	if s.state != SessionOpen {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	syncr, actor := s.sync, s.actor
	s.mu.Unlock()
	return syncr.Send(ctx, content, actor)
}

// Delete soft-deletes one of the actor's own messages. The local view keeps
// the message until the confirming feed event arrives.
func (s *Session) Delete(ctx context.Context, messageID string) error {
	s.mu.Lock()
	if s.state != SessionOpen {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	syncr, actor := s.sync, s.actor
	s.mu.Unlock()
	return syncr.Delete(ctx, messageID, actor)
}

// Snapshot returns the current ordered, deduplicated message view. The slice
// is a copy owned by the caller.
func (s *Session) Snapshot() []domain.Message {
	s.mu.Lock()
	syncr := s.sync
	s.mu.Unlock()
	if syncr == nil {
		return nil
	}
	return syncr.Snapshot()
}

// PendingCount reports how many of the session's sends are still awaiting
// store acknowledgment.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	syncr := s.sync
	s.mu.Unlock()
	if syncr == nil {
		return 0
	}
	return syncr.PendingCount()
}

// Status returns the connection status and the last terminal error, if any.
func (s *Session) Status() (ConnectionStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.lastErr
}

// State returns the session lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ChannelID returns the resolved channel identifier ("" before Open).
func (s *Session) ChannelID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channelID
}

// ChannelName returns the channel name the session was opened with.
func (s *Session) ChannelName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channelName
}

// Actor returns the user identity bound at Open.
func (s *Session) Actor() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.actor
}

// worker is the session's single event-processing goroutine: the sole place
// feed events reach the synchronizer, preserving arrival order.
func (s *Session) worker(events <-chan sessionEvent, quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case e := <-events:
			if e.ev != nil {
				s.sync.Apply(*e.ev)
			}
			if e.stSet {
				s.applyStatus(e.st, e.stErr)
			}
		case <-quit:
			return
		}
	}
}

// applyStatus folds a subscription transition into the caller-visible
// connection status.
func (s *Session) applyStatus(st SubscriptionState, err error) {
	s.mu.Lock()
	if s.state == SessionClosing || s.state == SessionClosed {
		s.mu.Unlock()
		return
	}
	var resync *Synchronizer
	var lifetime context.Context
	switch st {
	case SubConnecting:
		if s.everConn {
			s.status = StatusReconnecting
		} else {
			s.status = StatusConnecting
		}
	case SubSubscribed:
		if s.everConn {
			// Rows written while the feed was down never arrive as events;
			// replay them from the store before trusting live delivery again.
			resync = s.sync
			lifetime = s.lifetime
		}
		s.status = StatusConnected
		s.everConn = true
		s.lastErr = nil
	case SubDisconnected:
		s.status = StatusReconnecting
		s.lastErr = err
	case SubClosed:
		s.status = StatusDisconnected
		if err != nil {
			s.lastErr = err
		}
	}
	s.mu.Unlock()

	if resync != nil && lifetime != nil {
		go func() {
			if err := resync.Resync(lifetime); err != nil {
				s.log.Warn().Err(err).Msg("post-reconnect resync failed")
			}
		}()
	}
	s.fireChange()
}

// sessionConsumer adapts Session to the SubscriptionConsumer interface by
// queueing everything onto the session worker. Enqueueing blocks against the
// worker rather than dropping events; Close unblocks it via quit.
type sessionConsumer Session

func (c *sessionConsumer) enqueue(e sessionEvent) {
	s := (*Session)(c)
	s.mu.Lock()
	events, quit := s.events, s.quit
	s.mu.Unlock()
	if events == nil || quit == nil {
		return
	}
	select {
	case events <- e:
	case <-quit:
	}
}

func (c *sessionConsumer) HandleFeedEvent(ev ChangeEvent) {
	c.enqueue(sessionEvent{ev: &ev})
}

func (c *sessionConsumer) HandleSubscriptionState(st SubscriptionState, err error) {
	c.enqueue(sessionEvent{st: st, stSet: true, stErr: err})
}
