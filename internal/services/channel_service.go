// Package services – ChannelService
//
// This file implements ChannelService, the read side of channel metadata:
// listing known channels and fetching a single channel row. Channel creation
// is not exposed here; channels come into existence through session opens
// (resolve-or-create in the core).
package services

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/campview/chatsync/internal/domain"
	"github.com/campview/chatsync/internal/repo"
)

// ChannelService provides channel metadata queries.
type ChannelService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
}

// NewChannelService constructs a ChannelService.
func NewChannelService(db *gorm.DB) *ChannelService {
	return &ChannelService{DB: db}
}

// List returns every known channel ordered by name.
func (s *ChannelService) List(ctx context.Context) ([]domain.Channel, error) {
	tr := otel.Tracer("services/ChannelService")
	ctx, span := tr.Start(ctx, "List")
	defer span.End()

	return repo.ListChannels(ctx, s.DB)
}

// Get fetches one channel by ID.
func (s *ChannelService) Get(ctx context.Context, id string) (*domain.Channel, error) {
	tr := otel.Tracer("services/ChannelService")
	ctx, span := tr.Start(ctx, "Get",
		trace.WithAttributes(attribute.String("channel.id", id)),
	)
	defer span.End()

	ch, err := repo.GetChannel(ctx, s.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrChannelNotFound
	}
	return ch, err
}
