// Package chat implements the realtime channel messaging synchronization
// core: resolving channel names to stable identifiers, holding exactly one
// live change-feed subscription per open session, and merging feed events and
// locally originated sends into a single ordered, deduplicated view of a
// channel's messages.
//
// The package is deliberately transport- and storage-agnostic. Durable
// storage and event delivery are collaborator interfaces (MessageStore,
// ChannelTable, ChangeFeed) implemented elsewhere; everything in this package
// is pure coordination logic and can be exercised in tests with in-memory
// fakes.
//
// This file defines the collaborator contracts and the typed change-event
// model shared by the subscription manager and the synchronizer.
package chat

import (
	"context"
	"time"

	"github.com/campview/chatsync/internal/domain"
)

// ChangeOp identifies the kind of row-level change carried by a ChangeEvent.
type ChangeOp int

const (
	// OpInsert signals a newly created message row.
	OpInsert ChangeOp = iota
	// OpUpdate signals a mutated message row, including soft deletions
	// (IsDeleted=true) and content edits.
	OpUpdate
)

// String returns a stable lowercase label, suitable for logs and metric labels.
func (op ChangeOp) String() string {
	switch op {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	default:
		return "unknown"
	}
}

// ChangeEvent is one row-level change delivered by a ChangeFeed. Delivery is
// at-least-once and ordering across reconnects is not guaranteed; consumers
// must merge idempotently.
type ChangeEvent struct {
	Op  ChangeOp
	Row domain.Message
}

// FeedHandler receives the lifecycle callbacks of one feed subscription.
// Callbacks for a single subscription are never invoked concurrently.
type FeedHandler interface {
	// HandleSubscribed is called once the subscription handshake completes
	// and events will start flowing.
	HandleSubscribed()

	// HandleEvent delivers one row change for the subscribed channel.
	HandleEvent(ev ChangeEvent)

	// HandleClosed is called exactly once when the subscription stops
	// delivering events. err is nil for a deliberate close and non-nil when
	// the transport failed.
	HandleClosed(err error)
}

// FeedSubscription is a handle to one live feed subscription.
type FeedSubscription interface {
	// Close tears the subscription down. It is idempotent. HandleClosed
	// fires with a nil error.
	Close()
}

// ChangeFeed is the collaborator abstraction over whatever transport delivers
// row-level changes (an in-process bus, a database replication stream, a
// websocket relay). Subscribe opens a subscription scoped to a single
// channel; a non-nil error means no subscription was established and the
// handler will never be called.
type ChangeFeed interface {
	Subscribe(ctx context.Context, channelID string, h FeedHandler) (FeedSubscription, error)
}

// MessageStore is the durable append-only log of messages per channel.
// Implementations must assign message IDs and creation timestamps.
type MessageStore interface {
	// Insert persists a new message and returns the stored row.
	Insert(ctx context.Context, channelID, senderID, content string) (*domain.Message, error)

	// SoftDelete flags a message as deleted. Implementations must verify
	// that actor is the message sender; the core also checks client-side as
	// a fast-fail.
	SoftDelete(ctx context.Context, messageID, actor string) error

	// ListRecent returns the most recent limit non-deleted messages of a
	// channel in ascending (CreatedAt, ID) order.
	ListRecent(ctx context.Context, channelID string, limit int) ([]domain.Message, error)

	// ListSince returns messages created, edited, or soft-deleted at or
	// after cursor, ascending by modification time. Deleted rows are
	// included so replays converge on removals.
	ListSince(ctx context.Context, channelID string, cursor time.Time, limit int) ([]domain.Message, error)
}

// ChannelTable is the durable registry of channels.
type ChannelTable interface {
	// FindByName fetches a channel by normalized name, or ErrNotFound.
	FindByName(ctx context.Context, name string) (*domain.Channel, error)

	// Insert creates a channel with the normalized name, or ErrConflict if
	// a concurrent caller already created it.
	Insert(ctx context.Context, name, actor string) (*domain.Channel, error)
}
