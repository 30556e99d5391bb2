// Package chat implements the realtime channel messaging synchronization core.
// This file implements the MessageSynchronizer: the single ordered,
// deduplicated view of a channel's messages, fed by change-feed events and
// locally originated sends.
//
// Merge rules (applied under at-least-once, possibly reordered delivery):
//   - Inserts are idempotent: a row whose ID is already present replaces the
//     existing entry in place.
//   - Rows are inserted at their sorted position by (CreatedAt, ID), never
//     appended blindly, because reconnection replay can interleave with live
//     delivery.
//   - A deletion observed before its insert leaves a tombstone that
//     suppresses the late insert.
//   - Locally originated sends appear optimistically and are reconciled with
//     the store-confirmed row (matched by sender + content within a bounded
//     window, or replaced directly once the store acknowledges).
package chat

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/campview/chatsync/internal/domain"
)

// Defaults applied by NewSynchronizer when the config leaves fields zero.
const (
	DefaultHistoryLimit    = 100
	DefaultMaxContentLen   = 4000
	DefaultSendTimeout     = 10 * time.Second
	DefaultReconcileWindow = 30 * time.Second
)

// SynchronizerConfig tunes a message synchronizer.
type SynchronizerConfig struct {
	// HistoryLimit bounds LoadHistory when the caller passes limit <= 0.
	HistoryLimit int
	// MaxContentLen caps message content length in bytes.
	MaxContentLen int
	// SendTimeout bounds the persistence half of Send when the caller's
	// context carries no deadline.
	SendTimeout time.Duration
	// ReconcileWindow is how far apart a pending send's submission time and
	// the confirmed row's CreatedAt may be while still matching.
	ReconcileWindow time.Duration
}

// PendingSend is a locally originated message not yet acknowledged by the
// store. It is resolved exactly once: reconciled with the confirmed row, or
// rolled back with an error.
type PendingSend struct {
	ClientTempID string
	SenderID     string
	Content      string
	SubmittedAt  time.Time

	done chan error

	// confirmed holds the store-acknowledged row. It is written before done
	// resolves with nil, so readers that observed a nil outcome may read it
	// without further synchronization.
	confirmed *domain.Message
}

// Confirmed returns the store-acknowledged message. It is valid only after
// Done or Wait reported a nil outcome; it returns nil otherwise.
func (p *PendingSend) Confirmed() *domain.Message { return p.confirmed }

// Done returns a channel that receives the final outcome of the send: nil
// once the store acknowledged the message, or the error that caused the
// optimistic entry to be rolled back. The channel is buffered; the result is
// never lost if the caller reads late.
func (p *PendingSend) Done() <-chan error { return p.done }

// Wait blocks until the send resolves or ctx expires.
func (p *PendingSend) Wait(ctx context.Context) error {
	select {
	case err := <-p.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// asMessage renders the pending entry as it appears in snapshots.
func (p *PendingSend) asMessage() domain.Message {
	return domain.Message{
		ID:        p.ClientTempID,
		SenderID:  p.SenderID,
		Content:   p.Content,
		CreatedAt: p.SubmittedAt,
	}
}

// Synchronizer merges change-feed events and local sends into one ordered,
// deduplicated view of a channel. Mutations arrive from the session worker
// and from persistence goroutines; a single mutex with short critical
// sections keeps the structure consistent, and no collaborator I/O ever runs
// under it. Readers receive copies, never live references.
type Synchronizer struct {
	store     MessageStore
	channelID string
	cfg       SynchronizerConfig
	log       zerolog.Logger

	mu         sync.Mutex
	msgs       []domain.Message // sorted ascending by (CreatedAt, ID); no deleted rows
	tombstones map[string]uint64 // id -> insertion sequence, for oldest-first eviction
	tombSeq    uint64
	pending    []*PendingSend
	notify     func()
}

// maxTombstones caps the deletion-suppression set so a long-lived session on
// a busy channel does not grow it without bound. Eviction is oldest-first: a
// replayed insert of a row deleted more than maxTombstones deletions ago can
// slip past the local suppression, but the next Resync removes it again since
// the store row stays soft-deleted.
const maxTombstones = 1024

// NewSynchronizer constructs a synchronizer for one channel.
func NewSynchronizer(store MessageStore, channelID string, cfg SynchronizerConfig, log zerolog.Logger) *Synchronizer {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.MaxContentLen <= 0 {
		cfg.MaxContentLen = DefaultMaxContentLen
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.ReconcileWindow <= 0 {
		cfg.ReconcileWindow = DefaultReconcileWindow
	}
	return &Synchronizer{
		store:      store,
		channelID:  channelID,
		cfg:        cfg,
		log:        log,
		tombstones: make(map[string]uint64),
	}
}

// SetNotify registers the hook fired after every visible-state mutation.
// It must be set before events start flowing.
func (s *Synchronizer) SetNotify(fn func()) {
	s.mu.Lock()
	s.notify = fn
	s.mu.Unlock()
}

// notifyChanged fires the change hook, never under the lock.
func (s *Synchronizer) notifyChanged() {
	s.mu.Lock()
	fn := s.notify
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// LoadHistory fetches the most recent limit non-deleted messages (ascending
// by CreatedAt, ID) and merges them into the in-memory set. Merging rather
// than overwriting keeps events that arrived while the history read was in
// flight; duplicates collapse idempotently. limit <= 0 selects the
// configured HistoryLimit.
func (s *Synchronizer) LoadHistory(ctx context.Context, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = s.cfg.HistoryLimit
	}
	rows, err := s.store.ListRecent(ctx, s.channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: load history: %v", ErrStoreUnavailable, err)
	}

	s.mu.Lock()
	changed := false
	for _, row := range rows {
		if s.mergeInsertLocked(row) {
			changed = true
		}
	}
	out := s.visibleLocked()
	s.mu.Unlock()

	if changed {
		s.notifyChanged()
	}
	return out, nil
}

// Resync replays rows missed while the feed was down, reading forward from
// the latest modification already held. The cursor is the maximum UpdatedAt
// rather than CreatedAt, so deletions and edits of older messages that
// happened during the outage converge the same way a live event would. An
// empty set falls back to a full history load.
func (s *Synchronizer) Resync(ctx context.Context) error {
	s.mu.Lock()
	var cursor time.Time
	for i := range s.msgs {
		if s.msgs[i].UpdatedAt.After(cursor) {
			cursor = s.msgs[i].UpdatedAt
		}
	}
	s.mu.Unlock()

	if cursor.IsZero() {
		_, err := s.LoadHistory(ctx, 0)
		return err
	}

	rows, err := s.store.ListSince(ctx, s.channelID, cursor, 0)
	if err != nil {
		return fmt.Errorf("%w: resync: %v", ErrStoreUnavailable, err)
	}

	s.mu.Lock()
	changed := false
	for _, row := range rows {
		if row.IsDeleted {
			if s.removeLocked(row.ID) {
				changed = true
			}
			continue
		}
		if s.mergeInsertLocked(row) {
			changed = true
		}
	}
	s.mu.Unlock()

	if changed {
		s.notifyChanged()
	}
	return nil
}

// Apply merges one feed event into the ordered set. Duplicate and
// out-of-order deliveries are absorbed silently.
func (s *Synchronizer) Apply(ev ChangeEvent) {
	s.mu.Lock()
	var changed bool
	switch {
	case ev.Row.IsDeleted:
		// Deletions normally arrive as updates, but a replayed insert of an
		// already-deleted row must converge to the same removal.
		changed = s.removeLocked(ev.Row.ID)
		if !changed {
			duplicateEvents.Inc()
		}
	case ev.Op == OpInsert:
		changed = s.mergeInsertLocked(ev.Row)
		if !changed {
			duplicateEvents.Inc()
		}
	case ev.Op == OpUpdate:
		changed = s.mergeUpdateLocked(ev.Row)
	}
	s.mu.Unlock()

	if changed {
		feedEventsApplied.WithLabelValues(ev.Op.String()).Inc()
		s.notifyChanged()
	}
}

// Send validates content, inserts an optimistic PendingSend into the visible
// set, and persists asynchronously. The returned PendingSend's Done channel
// resolves with nil once the store acknowledges, or with the error after the
// optimistic entry was rolled back. Rollback also happens when ctx (or the
// configured SendTimeout) expires before the store answers.
func (s *Synchronizer) Send(ctx context.Context, content, actor string) (*PendingSend, error) {
	if strings.TrimSpace(actor) == "" {
		return nil, ErrUnauthenticated
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	if len(content) > s.cfg.MaxContentLen {
		return nil, ErrContentTooLong
	}

	p := &PendingSend{
		ClientTempID: "pending-" + uuid.NewString(),
		SenderID:     actor,
		Content:      content,
		SubmittedAt:  time.Now().UTC(),
		done:         make(chan error, 1),
	}

	s.mu.Lock()
	s.pending = append(s.pending, p)
	s.mu.Unlock()
	s.notifyChanged()

	go s.persistSend(ctx, p)
	return p, nil
}

// persistSend runs the blocking store insert off the caller's goroutine and
// folds the result back into the synchronized state.
func (s *Synchronizer) persistSend(ctx context.Context, p *PendingSend) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.SendTimeout)
		defer cancel()
	}

	msg, err := s.store.Insert(ctx, s.channelID, p.SenderID, p.Content)
	if err != nil {
		s.mu.Lock()
		s.dropPendingLocked(p.ClientTempID)
		s.mu.Unlock()

		pendingRollbacks.Inc()
		s.log.Warn().Err(err).Str("temp_id", p.ClientTempID).Msg("send failed, optimistic entry rolled back")
		s.notifyChanged()

		if ctx.Err() != nil {
			p.done <- ctx.Err()
		} else {
			p.done <- fmt.Errorf("%w: insert message: %v", ErrStoreUnavailable, err)
		}
		return
	}

	// Replace the optimistic entry with the confirmed row. The feed may have
	// reconciled it already; the merge stays idempotent either way.
	s.mu.Lock()
	s.dropPendingLocked(p.ClientTempID)
	s.mergeInsertLocked(*msg)
	s.mu.Unlock()
	s.notifyChanged()

	p.confirmed = msg
	p.done <- nil
}

// Delete issues a soft-delete for messageID after a client-side ownership
// fast-fail. The local entry is not removed until the confirming feed event
// arrives, favoring consistency over latency.
func (s *Synchronizer) Delete(ctx context.Context, messageID, actor string) error {
	if strings.TrimSpace(actor) == "" {
		return ErrUnauthenticated
	}

	s.mu.Lock()
	idx := s.findLocked(messageID)
	if idx < 0 {
		s.mu.Unlock()
		return ErrNotFound
	}
	if s.msgs[idx].SenderID != actor {
		s.mu.Unlock()
		return ErrNotSender
	}
	s.mu.Unlock()

	if err := s.store.SoftDelete(ctx, messageID, actor); err != nil {
		return fmt.Errorf("%w: soft delete %s: %v", ErrStoreUnavailable, messageID, err)
	}
	return nil
}

// Snapshot returns the visible sequence: confirmed messages and optimistic
// pending sends, sorted ascending by (CreatedAt, ID), with no duplicates and
// no soft-deleted entries. The slice is a copy owned by the caller.
func (s *Synchronizer) Snapshot() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visibleLocked()
}

// PendingCount reports how many sends are still awaiting acknowledgment.
func (s *Synchronizer) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// ---- internals (all require s.mu held) ----

// visibleLocked materializes the snapshot slice.
func (s *Synchronizer) visibleLocked() []domain.Message {
	out := make([]domain.Message, 0, len(s.msgs)+len(s.pending))
	out = append(out, s.msgs...)
	for _, p := range s.pending {
		out = append(out, p.asMessage())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// findLocked returns the index of id in the sorted set, or -1.
func (s *Synchronizer) findLocked(id string) int {
	for i := range s.msgs {
		if s.msgs[i].ID == id {
			return i
		}
	}
	return -1
}

// mergeInsertLocked inserts row at its sorted position, replacing an existing
// entry with the same ID in place. Tombstoned and deleted rows are dropped.
// It also reconciles a matching pending send. Reports whether the visible set
// changed.
func (s *Synchronizer) mergeInsertLocked(row domain.Message) bool {
	if _, dead := s.tombstones[row.ID]; dead || row.IsDeleted {
		if row.IsDeleted {
			s.tombstoneLocked(row.ID)
		}
		return false
	}

	changed := s.reconcileLocked(row)

	if i := s.findLocked(row.ID); i >= 0 {
		if s.msgs[i] != row {
			s.msgs[i] = row
			return true
		}
		return changed
	}

	at := sort.Search(len(s.msgs), func(i int) bool { return row.Less(s.msgs[i]) })
	s.msgs = append(s.msgs, domain.Message{})
	copy(s.msgs[at+1:], s.msgs[at:])
	s.msgs[at] = row
	return true
}

// mergeUpdateLocked applies a non-delete update (an edit). A row not seen yet
// is inserted: under reordered delivery the update already carries the latest
// state.
func (s *Synchronizer) mergeUpdateLocked(row domain.Message) bool {
	if _, dead := s.tombstones[row.ID]; dead {
		duplicateEvents.Inc()
		return false
	}
	if i := s.findLocked(row.ID); i >= 0 {
		// CreatedAt must not change on edit; keep the original key so the
		// entry's position is preserved.
		row.CreatedAt = s.msgs[i].CreatedAt
		if s.msgs[i] != row {
			s.msgs[i] = row
			return true
		}
		return false
	}
	return s.mergeInsertLocked(row)
}

// removeLocked drops id from the visible set and tombstones it so a replayed
// insert cannot resurrect it. Reports whether an entry was removed.
func (s *Synchronizer) removeLocked(id string) bool {
	s.tombstoneLocked(id)
	if i := s.findLocked(id); i >= 0 {
		s.msgs = append(s.msgs[:i], s.msgs[i+1:]...)
		return true
	}
	return false
}

// tombstoneLocked records id in the suppression set, evicting the oldest
// entry once the cap is exceeded.
func (s *Synchronizer) tombstoneLocked(id string) {
	if _, ok := s.tombstones[id]; ok {
		return
	}
	s.tombSeq++
	s.tombstones[id] = s.tombSeq
	if len(s.tombstones) <= maxTombstones {
		return
	}
	oldID, oldSeq := "", uint64(0)
	for tid, seq := range s.tombstones {
		if oldID == "" || seq < oldSeq {
			oldID, oldSeq = tid, seq
		}
	}
	delete(s.tombstones, oldID)
}

// reconcileLocked drops the oldest pending send matching the confirmed row
// by sender and content within the reconcile window. Reports whether a
// pending entry was removed.
func (s *Synchronizer) reconcileLocked(row domain.Message) bool {
	for i, p := range s.pending {
		if p.SenderID != row.SenderID || p.Content != row.Content {
			continue
		}
		gap := row.CreatedAt.Sub(p.SubmittedAt)
		if gap < 0 {
			gap = -gap
		}
		if gap <= s.cfg.ReconcileWindow {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return true
		}
	}
	return false
}

// dropPendingLocked removes the pending entry with tempID, if still present.
func (s *Synchronizer) dropPendingLocked(tempID string) {
	for i, p := range s.pending {
		if p.ClientTempID == tempID {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}
