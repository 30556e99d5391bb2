// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Message model.
//
// Messages are append-only from this layer's perspective: rows are inserted,
// edited in place by their sender, and soft-deleted via the is_deleted flag.
// Nothing here ever issues a hard DELETE; the change feed and any audit
// consumers rely on deleted rows remaining readable.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/campview/chatsync/internal/domain"
)

// ErrNotSender indicates that the acting user is not the author of the
// message they attempted to mutate.
var ErrNotSender = errors.New("actor is not the message sender")

// CreateMessage inserts a new message row for senderID in channelID.
// The message ID is a randomly generated UUID and CreatedAt is set to UTC.
func CreateMessage(ctx context.Context, db *gorm.DB, channelID, senderID, content string) (*domain.Message, error) {
	m := &domain.Message{
		ID:        uuid.NewString(),
		ChannelID: channelID,
		SenderID:  senderID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(m).Error; err != nil {
		return nil, err
	}
	return m, nil
}

// GetMessage fetches a message by ID regardless of its deletion state,
// or ErrNotFound.
func GetMessage(ctx context.Context, db *gorm.DB, id string) (*domain.Message, error) {
	var m domain.Message
	err := db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// SoftDeleteMessage marks a message as deleted after verifying that actor is
// its sender. The row is updated, never removed, so the change feed observes
// the transition. Returns the updated message so callers can publish it.
//
// Errors:
//   - ErrNotFound when no message with id exists
//   - ErrNotSender when actor did not author the message
func SoftDeleteMessage(ctx context.Context, db *gorm.DB, id, actor string) (*domain.Message, error) {
	m, err := GetMessage(ctx, db, id)
	if err != nil {
		return nil, err
	}
	if m.SenderID != actor {
		return nil, ErrNotSender
	}
	if m.IsDeleted {
		// Already deleted; idempotent.
		return m, nil
	}
	m.IsDeleted = true
	if err := db.WithContext(ctx).Model(m).Update("is_deleted", true).Error; err != nil {
		return nil, err
	}
	return m, nil
}

// UpdateMessageContent replaces a message's content after verifying that
// actor is its sender, stamping EditedAt. Deleted messages cannot be edited.
func UpdateMessageContent(ctx context.Context, db *gorm.DB, id, actor, content string) (*domain.Message, error) {
	m, err := GetMessage(ctx, db, id)
	if err != nil {
		return nil, err
	}
	if m.SenderID != actor {
		return nil, ErrNotSender
	}
	if m.IsDeleted {
		return nil, ErrNotFound
	}
	now := time.Now().UTC()
	m.Content = content
	m.EditedAt = &now
	err = db.WithContext(ctx).Model(m).Updates(map[string]any{
		"content":   content,
		"edited_at": now,
	}).Error
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ListRecentMessages returns the most recent limit non-deleted messages of a
// channel in canonical ascending (created_at, id) order. The newest rows are
// selected first, then re-sorted ascending, so a bounded read still ends at
// the head of the channel.
func ListRecentMessages(ctx context.Context, db *gorm.DB, channelID string, limit int) ([]domain.Message, error) {
	var newest []domain.Message
	q := db.WithContext(ctx).
		Where("channel_id = ? AND is_deleted = ?", channelID, false).
		Order("created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&newest).Error; err != nil {
		return nil, err
	}
	// Reverse into ascending order.
	out := make([]domain.Message, len(newest))
	for i, m := range newest {
		out[len(newest)-1-i] = m
	}
	return out, nil
}

// ListMessagesSince returns up to limit messages of a channel touched
// (created, edited, or soft-deleted) at or after cursor, ascending
// (updated_at, id). Cursoring on updated_at rather than created_at lets a
// caller replaying a gap also observe deletions and edits of older rows.
func ListMessagesSince(ctx context.Context, db *gorm.DB, channelID string, cursor time.Time, limit int) ([]domain.Message, error) {
	var out []domain.Message
	q := db.WithContext(ctx).
		Where("channel_id = ? AND updated_at >= ?", channelID, cursor).
		Order("updated_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}
