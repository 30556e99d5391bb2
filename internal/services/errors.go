// Package services defines the application layer between the HTTP surface
// and the synchronization core: session lifecycle management and channel
// metadata queries. This file centralizes common service-level error values
// so that they can be consistently returned by service methods and checked
// by callers.
//
// Translation into user-facing messages or HTTP status codes is performed at
// the handler layer.
package services

import "errors"

var (
	// ErrSessionNotFound indicates that the requested session does not exist
	// or does not belong to the current user.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionLimit is returned when opening a session would exceed the
	// configured per-process cap.
	ErrSessionLimit = errors.New("too many open sessions")

	// ErrChannelNotFound indicates that the requested channel does not exist.
	ErrChannelNotFound = errors.New("channel not found")
)
