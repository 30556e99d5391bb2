// Package services – SessionService
//
// This file implements SessionService, the registry of live chat sessions.
// Each open session holds one change-feed subscription and one synchronized
// message view; the registry hands out opaque session IDs, reuses an existing
// live session when the same user re-opens the same channel, and tears
// everything down on shutdown.
//
// Observability: public methods are OpenTelemetry-instrumented; spans carry
// channel and user identifiers.
package services

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/campview/chatsync/internal/chat"
)

// SessionFactory constructs a closed chat.Session wired to the process's
// collaborators. The registry opens and owns what the factory returns.
type SessionFactory func() *chat.Session

// SessionEntry is one registered live session.
type SessionEntry struct {
	// ID is the opaque handle the HTTP layer addresses the session by.
	ID string
	// Session is the underlying live session.
	Session *chat.Session
	// OpenedAt records when the session was registered.
	OpenedAt time.Time
}

// SessionService owns every live session in the process.
type SessionService struct {
	factory SessionFactory
	log     zerolog.Logger

	// MaxSessions caps concurrently open sessions; 0 means unbounded.
	MaxSessions int

	mu    sync.Mutex
	byID  map[string]*SessionEntry
	byKey map[string]*SessionEntry // actor + normalized channel -> entry
}

// NewSessionService constructs an empty registry.
func NewSessionService(factory SessionFactory, log zerolog.Logger) *SessionService {
	return &SessionService{
		factory: factory,
		log:     log,
		byID:    make(map[string]*SessionEntry),
		byKey:   make(map[string]*SessionEntry),
	}
}

// sessionKey identifies "this user in this channel" regardless of how the
// channel name was spelled.
func sessionKey(actor, channelName string) string {
	return actor + "\x00" + chat.NormalizeChannelName(channelName)
}

// Open returns a live session for actor in channelName, creating and opening
// one if the user has none yet. Re-opening an already open channel returns
// the existing entry rather than a duplicate subscription.
func (s *SessionService) Open(ctx context.Context, channelName, actor string) (*SessionEntry, error) {
	tr := otel.Tracer("services/SessionService")
	ctx, span := tr.Start(ctx, "Open",
		trace.WithAttributes(
			attribute.String("channel.name", channelName),
			attribute.String("user.id", actor),
		),
	)
	defer span.End()

	key := sessionKey(actor, channelName)

	s.mu.Lock()
	if entry, ok := s.byKey[key]; ok {
		if entry.Session.State() == chat.SessionOpen {
			s.mu.Unlock()
			return entry, nil
		}
		// The session died without going through Close; drop the carcass.
		delete(s.byID, entry.ID)
		delete(s.byKey, key)
	}
	if s.MaxSessions > 0 && len(s.byID) >= s.MaxSessions {
		s.mu.Unlock()
		return nil, ErrSessionLimit
	}
	s.mu.Unlock()

	sess := s.factory()
	if err := sess.Open(ctx, channelName, actor); err != nil {
		return nil, err
	}

	entry := &SessionEntry{
		ID:       uuid.NewString(),
		Session:  sess,
		OpenedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	// A concurrent Open for the same key may have won; keep the winner and
	// fold this session back down.
	if winner, ok := s.byKey[key]; ok && winner.Session.State() == chat.SessionOpen {
		s.mu.Unlock()
		sess.Close()
		return winner, nil
	}
	s.byID[entry.ID] = entry
	s.byKey[key] = entry
	s.mu.Unlock()

	s.log.Info().
		Str("session_id", entry.ID).
		Str("channel", channelName).
		Str("user_id", actor).
		Msg("session registered")
	return entry, nil
}

// Get returns the entry for sessionID if it exists and belongs to actor.
// The ownership check keeps one user from driving another's session even if
// the opaque ID leaks.
func (s *SessionService) Get(sessionID, actor string) (*SessionEntry, error) {
	s.mu.Lock()
	entry, ok := s.byID[sessionID]
	s.mu.Unlock()
	if !ok || entry.Session.Actor() != actor {
		return nil, ErrSessionNotFound
	}
	return entry, nil
}

// Close tears down the session with sessionID.
func (s *SessionService) Close(ctx context.Context, sessionID, actor string) error {
	tr := otel.Tracer("services/SessionService")
	_, span := tr.Start(ctx, "Close",
		trace.WithAttributes(attribute.String("session.id", sessionID)),
	)
	defer span.End()

	entry, err := s.Get(sessionID, actor)
	if err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.byID, entry.ID)
	delete(s.byKey, sessionKey(entry.Session.Actor(), entry.Session.ChannelName()))
	s.mu.Unlock()

	entry.Session.Close()
	s.log.Info().Str("session_id", sessionID).Msg("session closed")
	return nil
}

// Count reports the number of registered sessions.
func (s *SessionService) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// CloseAll tears down every registered session. Called on shutdown.
func (s *SessionService) CloseAll() {
	s.mu.Lock()
	entries := make([]*SessionEntry, 0, len(s.byID))
	for _, e := range s.byID {
		entries = append(entries, e)
	}
	s.byID = make(map[string]*SessionEntry)
	s.byKey = make(map[string]*SessionEntry)
	s.mu.Unlock()

	for _, e := range entries {
		e.Session.Close()
	}
	if len(entries) > 0 {
		s.log.Info().Int("count", len(entries)).Msg("all sessions closed")
	}
}
