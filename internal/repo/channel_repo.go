// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Channel model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// Error semantics:
//   - When a channel is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - CreateChannel returns ErrChannelExists when the unique index on the
//     normalized name rejects the insert; callers treat this as "somebody
//     else won the create race" and re-read the winner's row.
//   - On other DB errors (connectivity issues, etc.), the raw gorm error is
//     propagated.
//
// Name normalization is NOT performed here; callers (chat.ChannelResolver)
// are responsible for passing an already-normalized name so the uniqueness
// guarantee holds.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/campview/chatsync/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrChannelExists indicates a channel with the same normalized name already
// exists. Returned by CreateChannel on a uniqueness violation.
var ErrChannelExists = errors.New("channel already exists")

// isUniqueViolation reports whether err is a uniqueness-constraint failure.
// glebarez/sqlite often returns plain-text errors for UNIQUE violations, so
// the check falls back to message inspection.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique")
}

// FindChannelByName fetches a channel by its normalized name, or ErrNotFound.
func FindChannelByName(ctx context.Context, db *gorm.DB, name string) (*domain.Channel, error) {
	var ch domain.Channel
	err := db.WithContext(ctx).Where("name = ?", name).First(&ch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

// CreateChannel inserts a new Channel row with the given normalized name,
// attributed to createdBy. The channel ID is a randomly generated UUID and
// CreatedAt is set to UTC.
//
// Returns ErrChannelExists when a concurrent caller already created a channel
// with the same name.
func CreateChannel(ctx context.Context, db *gorm.DB, name, createdBy string) (*domain.Channel, error) {
	ch := &domain.Channel{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedBy: createdBy,
		CreatedAt: time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(ch).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrChannelExists
		}
		return nil, err
	}
	return ch, nil
}

// GetChannel fetches a channel by ID, or ErrNotFound.
func GetChannel(ctx context.Context, db *gorm.DB, id string) (*domain.Channel, error) {
	var ch domain.Channel
	err := db.WithContext(ctx).Where("id = ?", id).First(&ch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

// ListChannels returns all channels ordered by name ascending.
func ListChannels(ctx context.Context, db *gorm.DB) ([]domain.Channel, error) {
	var out []domain.Channel
	err := db.WithContext(ctx).Order("name asc").Find(&out).Error
	return out, err
}
