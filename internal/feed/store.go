package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/campview/chatsync/internal/chat"
	"github.com/campview/chatsync/internal/domain"
	"github.com/campview/chatsync/internal/repo"
)

// Store is the GORM-backed chat.MessageStore. Every successful row mutation
// is published to the bus after the transaction commits, so subscribers only
// ever observe durable rows.
type Store struct {
	db  *gorm.DB
	bus *Bus
}

// NewStore binds a database handle and the bus mutations are published to.
func NewStore(db *gorm.DB, bus *Bus) *Store {
	return &Store{db: db, bus: bus}
}

// Insert persists a new message and publishes the insert.
func (s *Store) Insert(ctx context.Context, channelID, senderID, content string) (*domain.Message, error) {
	m, err := repo.CreateMessage(ctx, s.db, channelID, senderID, content)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	s.bus.Publish(m.ChannelID, chat.ChangeEvent{Op: chat.OpInsert, Row: *m})
	return m, nil
}

// SoftDelete flags a message as deleted after verifying actor is its sender,
// then publishes the updated row so subscribers converge on the removal.
func (s *Store) SoftDelete(ctx context.Context, messageID, actor string) error {
	m, err := repo.SoftDeleteMessage(ctx, s.db, messageID, actor)
	if err != nil {
		return mapRepoErr(err)
	}
	s.bus.Publish(m.ChannelID, chat.ChangeEvent{Op: chat.OpUpdate, Row: *m})
	return nil
}

// UpdateContent edits a message's content in place (sender only) and
// publishes the updated row. Not part of the core store contract; the HTTP
// layer uses it for message edits.
func (s *Store) UpdateContent(ctx context.Context, messageID, actor, content string) (*domain.Message, error) {
	m, err := repo.UpdateMessageContent(ctx, s.db, messageID, actor, content)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	s.bus.Publish(m.ChannelID, chat.ChangeEvent{Op: chat.OpUpdate, Row: *m})
	return m, nil
}

// ListRecent returns the newest limit non-deleted messages, ascending.
func (s *Store) ListRecent(ctx context.Context, channelID string, limit int) ([]domain.Message, error) {
	return repo.ListRecentMessages(ctx, s.db, channelID, limit)
}

// ListSince returns rows modified at or after cursor, deleted ones included.
func (s *Store) ListSince(ctx context.Context, channelID string, cursor time.Time, limit int) ([]domain.Message, error) {
	return repo.ListMessagesSince(ctx, s.db, channelID, cursor, limit)
}

// Channels is the GORM-backed chat.ChannelTable.
type Channels struct {
	db *gorm.DB
}

// NewChannels binds a database handle.
func NewChannels(db *gorm.DB) *Channels {
	return &Channels{db: db}
}

// FindByName fetches a channel by its normalized name.
func (c *Channels) FindByName(ctx context.Context, name string) (*domain.Channel, error) {
	ch, err := repo.FindChannelByName(ctx, c.db, name)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	return ch, nil
}

// Insert creates a channel row. A lost create race surfaces as
// chat.ErrConflict, which the resolver converges by re-reading the winner.
func (c *Channels) Insert(ctx context.Context, name, actor string) (*domain.Channel, error) {
	ch, err := repo.CreateChannel(ctx, c.db, name, actor)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	return ch, nil
}

// mapRepoErr translates persistence errors into the core's taxonomy while
// keeping the original cause in the chain.
func mapRepoErr(err error) error {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return fmt.Errorf("%w: %v", chat.ErrNotFound, err)
	case errors.Is(err, repo.ErrNotSender):
		return fmt.Errorf("%w: %v", chat.ErrNotSender, err)
	case errors.Is(err, repo.ErrChannelExists):
		return fmt.Errorf("%w: %v", chat.ErrConflict, err)
	default:
		return err
	}
}
