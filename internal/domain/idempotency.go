// Package domain defines the core persistence models for the application.
// These types are used by GORM for database schema mapping and are shared
// across the repository and service layers.
package domain

import "time"

// SendReceipt records the outcome of a previously processed send, keyed by
// (user_id, channel_id, key). It enables safe retries of message submission:
// a client that resubmits the same Idempotency-Key receives the originally
// persisted message instead of producing a duplicate row.
type SendReceipt struct {
	ID        string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	UserID    string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_user_channel_key,priority:1"`
	ChannelID string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_user_channel_key,priority:2"`
	Key       string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_user_channel_key,priority:3"`
	MessageID string    `gorm:"type:TEXT NOT NULL"`
	Status    int       `gorm:"type:INTEGER NOT NULL"`
	CreatedAt time.Time `gorm:"type:DATETIME NOT NULL;autoCreateTime"`
	ExpiresAt time.Time `gorm:"type:DATETIME NOT NULL;index"`
}

// TableName implements the GORM tabler interface.
func (SendReceipt) TableName() string { return "send_receipts" }
