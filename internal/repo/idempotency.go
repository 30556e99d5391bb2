// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository helpers for the SendReceipt
// model used to implement safe-retry semantics for message submission.
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

// ErrDuplicate indicates that a send receipt already exists for the
// given (user_id, channel_id, key) tuple.
var ErrDuplicate = errors.New("duplicate")

// GetSendReceipt returns a non-expired receipt or ErrNotFound.
func GetSendReceipt(ctx context.Context, db *gorm.DB, userID, channelID, key string, now time.Time) (*domain.SendReceipt, error) {
	if strings.TrimSpace(channelID) == "" {
		return nil, ErrNotFound
	}
	var rec domain.SendReceipt
	err := db.WithContext(ctx).
		Where("user_id = ? AND channel_id = ? AND key = ? AND expires_at > ?", userID, channelID, key, now).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &rec, err
}

// CreateSendReceipt inserts a receipt and returns ErrDuplicate on unique violation.
func CreateSendReceipt(ctx context.Context, db *gorm.DB, userID, channelID, key, messageID string, status int, ttl time.Duration) (*domain.SendReceipt, error) {
	now := time.Now().UTC()
	rec := &domain.SendReceipt{
		ID:        uuid.NewString(),
		UserID:    userID,
		ChannelID: channelID,
		Key:       key,
		MessageID: messageID,
		Status:    status,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return rec, nil
}
