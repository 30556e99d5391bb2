// Package chat implements the realtime channel messaging synchronization core.
// This file centralizes the package's error taxonomy so that callers can
// classify failures with errors.Is and translate them into user-facing
// messages or HTTP status codes at the handler layer.
//
// Classification:
//   - Validation errors (ErrInvalidName, ErrEmptyContent, ErrContentTooLong)
//     are surfaced immediately and never retried.
//   - Authorization errors (ErrUnauthenticated, ErrNotSender) are surfaced
//     immediately.
//   - ErrStoreUnavailable wraps transient collaborator I/O failures; callers
//     may retry the whole operation.
//   - ErrConflict and duplicate feed deliveries are handled internally by the
//     core and never reach callers.
package chat

import "errors"

var (
	// ErrUnauthenticated is returned when an operation requires an actor
	// identity and none was provided.
	ErrUnauthenticated = errors.New("no actor identity")

	// ErrInvalidName is returned when a channel name is empty after
	// normalization or exceeds the configured length limit.
	ErrInvalidName = errors.New("invalid channel name")

	// ErrStoreUnavailable wraps collaborator I/O failures. The operation is
	// retryable by the caller.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrConflict is returned by ChannelTable.Insert when another caller
	// created the channel first. The resolver handles it internally.
	ErrConflict = errors.New("channel create conflict")

	// ErrNotFound is returned when a referenced channel or message does not
	// exist.
	ErrNotFound = errors.New("not found")

	// ErrEmptyContent is returned by Send when the trimmed content is empty.
	ErrEmptyContent = errors.New("message content is empty")

	// ErrContentTooLong is returned by Send when the content exceeds the
	// configured maximum length.
	ErrContentTooLong = errors.New("message content too long")

	// ErrNotSender is returned by Delete when the actor did not author the
	// message.
	ErrNotSender = errors.New("actor is not the message sender")

	// ErrSessionClosed is returned by session operations after Close, and
	// by Open when a concurrent Close won the race.
	ErrSessionClosed = errors.New("session closed")

	// ErrSessionOpen is returned by Open on a session that is already open
	// or in the middle of opening.
	ErrSessionOpen = errors.New("session already open")

	// ErrRetriesExhausted is the terminal error surfaced when the
	// subscription manager gives up after the configured maximum number of
	// reconnect attempts.
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
)
