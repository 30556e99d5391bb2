// Package domain defines the persistence models for channels and messages.
// These types are mapped with GORM and form the core data layer of the
// channel messaging application.
package domain

import (
	"time"
)

// Channel represents a named topic that scopes a set of messages. Channels
// are created lazily the first time a name is resolved and are never deleted
// by this service.
//
// Fields:
//   - ID: stable UUID primary key (char(36)), server-assigned and opaque.
//   - Name: normalized (trimmed, lowercased) human key; unique.
//   - CreatedBy: identifier of the actor whose resolution created the channel.
//   - CreatedAt / UpdatedAt: timestamps managed by GORM.
//
// The unique index on Name is what makes concurrent creation converge: the
// loser of a create race receives a uniqueness violation and re-reads the
// winner's row.
type Channel struct {
	ID        string    `json:"id"         gorm:"type:char(36);primaryKey"`
	Name      string    `json:"name"       gorm:"type:varchar(128);not null;uniqueIndex:ux_channel_name"`
	CreatedBy string    `json:"created_by" gorm:"type:varchar(64);not null"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for Channel.
func (Channel) TableName() string { return "channels" }

// Message represents a single utterance within a channel.
//
// Deletion is a soft flag rather than gorm.DeletedAt: deleted rows must stay
// visible to the change feed so subscribers can converge on the removal, and
// a GORM soft-delete scope would hide them from the update path.
//
// Fields:
//   - ID: UUID primary key (char(36)); unique, used as the tie-break for
//     messages sharing a CreatedAt.
//   - ChannelID: foreign key to the owning channel (indexed together with
//     CreatedAt and ID so ordered history reads are a single index walk).
//   - SenderID: identifier of the author; only the sender may edit or delete.
//   - Content: full text content of the message.
//   - IsDeleted: soft-delete marker; terminal once set.
//   - EditedAt: set when the sender edits the content, nil otherwise.
type Message struct {
	ID        string     `json:"id"         gorm:"type:char(36);primaryKey"`
	ChannelID string     `json:"channel_id" gorm:"type:char(36);not null;index:idx_channel_msgs,priority:1"`
	SenderID  string     `json:"sender_id"  gorm:"type:varchar(64);not null;index"`
	Content   string     `json:"content"    gorm:"type:text;not null"`
	IsDeleted bool       `json:"is_deleted" gorm:"not null;default:false"`
	EditedAt  *time.Time `json:"edited_at,omitempty"`
	CreatedAt time.Time  `json:"created_at" gorm:"index:idx_channel_msgs,priority:2"`
	UpdatedAt time.Time  `json:"updated_at"`

	// Channel is the parent topic. Messages are cascade-deleted if their
	// channel row is ever removed out-of-band.
	Channel Channel `json:"-" gorm:"foreignKey:ChannelID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// Less reports whether m precedes other in the canonical channel ordering:
// ascending CreatedAt with ID as a stable tie-break for equal timestamps.
func (m Message) Less(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}
