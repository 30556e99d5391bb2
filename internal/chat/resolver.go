// Package chat implements the realtime channel messaging synchronization core.
// This file implements the ChannelResolver, which maps a human-readable
// channel name to its stable identifier, creating the channel record exactly
// once under concurrent callers.
//
// Concurrency notes:
//   - The per-name cache is guarded by a RWMutex with short critical
//     sections; the lock is never held across a collaborator I/O call.
//   - Only successful resolutions are cached, so transient store failures
//     are retried on the next call.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// DefaultMaxChannelNameLen caps channel names when no limit is configured.
const DefaultMaxChannelNameLen = 128

// NormalizeChannelName trims surrounding whitespace and lowercases the name
// with Unicode-aware case folding. All lookups, inserts, and cache keys use
// the normalized form.
func NormalizeChannelName(name string) string {
	return cases.Lower(language.Und).String(strings.TrimSpace(name))
}

// ChannelResolver resolves channel names to stable channel IDs, creating the
// channel on first use. It is safe for concurrent use.
type ChannelResolver struct {
	table      ChannelTable
	maxNameLen int
	log        zerolog.Logger

	mu    sync.RWMutex
	cache map[string]string // normalized name -> channel ID
}

// NewChannelResolver constructs a resolver over the given channel table.
// maxNameLen <= 0 selects DefaultMaxChannelNameLen.
func NewChannelResolver(table ChannelTable, maxNameLen int, log zerolog.Logger) *ChannelResolver {
	if maxNameLen <= 0 {
		maxNameLen = DefaultMaxChannelNameLen
	}
	return &ChannelResolver{
		table:      table,
		maxNameLen: maxNameLen,
		log:        log,
		cache:      make(map[string]string),
	}
}

// ResolveOrCreate returns the stable channel ID for name, creating the
// channel if it does not exist yet. Concurrent calls for the same name all
// converge on one winner: a create that loses the uniqueness race falls back
// to a second lookup instead of propagating the conflict.
//
// Errors: ErrUnauthenticated when actor is empty, ErrInvalidName for empty
// or over-long names, ErrStoreUnavailable (wrapped) for collaborator I/O
// failures.
func (r *ChannelResolver) ResolveOrCreate(ctx context.Context, name, actor string) (string, error) {
	if strings.TrimSpace(actor) == "" {
		return "", ErrUnauthenticated
	}
	norm := NormalizeChannelName(name)
	if norm == "" || len(norm) > r.maxNameLen {
		return "", ErrInvalidName
	}

	r.mu.RLock()
	id, hit := r.cache[norm]
	r.mu.RUnlock()
	if hit {
		return id, nil
	}

	ch, err := r.table.FindByName(ctx, norm)
	switch {
	case err == nil:
		r.remember(norm, ch.ID)
		return ch.ID, nil
	case !errors.Is(err, ErrNotFound):
		return "", fmt.Errorf("%w: find channel %q: %v", ErrStoreUnavailable, norm, err)
	}

	created, err := r.table.Insert(ctx, norm, actor)
	switch {
	case err == nil:
		r.log.Debug().Str("channel", norm).Str("channel_id", created.ID).Msg("channel created")
		r.remember(norm, created.ID)
		return created.ID, nil
	case errors.Is(err, ErrConflict):
		// A concurrent caller won the race; their row is authoritative.
		winner, err := r.table.FindByName(ctx, norm)
		if err != nil {
			return "", fmt.Errorf("%w: re-find channel %q after conflict: %v", ErrStoreUnavailable, norm, err)
		}
		r.remember(norm, winner.ID)
		return winner.ID, nil
	default:
		return "", fmt.Errorf("%w: create channel %q: %v", ErrStoreUnavailable, norm, err)
	}
}

// remember caches a successful resolution.
func (r *ChannelResolver) remember(norm, id string) {
	r.mu.Lock()
	r.cache[norm] = id
	r.mu.Unlock()
}

// Forget drops the cached resolution for name, forcing the next
// ResolveOrCreate to hit the store. Intended for callers that observe a
// stale channel ID (e.g., a store restored from backup).
func (r *ChannelResolver) Forget(name string) {
	norm := NormalizeChannelName(name)
	r.mu.Lock()
	delete(r.cache, norm)
	r.mu.Unlock()
}
