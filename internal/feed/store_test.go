package feed

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/campview/chatsync/internal/chat"
	"github.com/campview/chatsync/internal/repo"
)

// newTestDB opens a fresh in-memory SQLite database with the schema migrated.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:feed_%s?mode=memory&cache=shared", uuid.NewString())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.Exec("PRAGMA foreign_keys=ON;")
	db.Exec("PRAGMA busy_timeout=5000;")
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func newTestStore(t *testing.T) (*Store, *Channels, *Bus) {
	t.Helper()
	db := newTestDB(t)
	bus := NewBus(zerolog.Nop())
	t.Cleanup(bus.Close)
	return NewStore(db, bus), NewChannels(db), bus
}

func seedChannel(t *testing.T, channels *Channels, name string) string {
	t.Helper()
	ch, err := channels.Insert(context.Background(), name, "seed")
	if err != nil {
		t.Fatalf("seed channel %q: %v", name, err)
	}
	return ch.ID
}

func TestStoreInsertPublishes(t *testing.T) {
	store, channels, bus := newTestStore(t)
	ctx := context.Background()
	chID := seedChannel(t, channels, "general")

	h := newRecHandler()
	sub, err := bus.Subscribe(ctx, chID, h)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()
	awaitCh(t, h.subscribed, "handshake")

	m, err := store.Insert(ctx, chID, "alice", "hello")
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if m.ID == "" || m.CreatedAt.IsZero() {
		t.Fatalf("stored row missing server-assigned fields: %+v", m)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(h.eventIDs()) == 0 {
		time.Sleep(time.Millisecond)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.events) != 1 {
		t.Fatalf("published %d events, want 1", len(h.events))
	}
	if h.events[0].Op != chat.OpInsert || h.events[0].Row.ID != m.ID {
		t.Fatalf("published %+v, want insert of %s", h.events[0], m.ID)
	}
}

func TestStoreSoftDeletePublishesUpdate(t *testing.T) {
	store, channels, bus := newTestStore(t)
	ctx := context.Background()
	chID := seedChannel(t, channels, "general")

	m, err := store.Insert(ctx, chID, "alice", "oops")
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	h := newRecHandler()
	sub, _ := bus.Subscribe(ctx, chID, h)
	defer sub.Close()
	awaitCh(t, h.subscribed, "handshake")

	if err := store.SoftDelete(ctx, m.ID, "alice"); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(h.eventIDs()) == 0 {
		time.Sleep(time.Millisecond)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.events) != 1 {
		t.Fatalf("published %d events, want 1", len(h.events))
	}
	got := h.events[0]
	if got.Op != chat.OpUpdate || !got.Row.IsDeleted {
		t.Fatalf("published %+v, want deleted-row update", got)
	}
}

func TestStoreSoftDeleteErrorMapping(t *testing.T) {
	store, channels, _ := newTestStore(t)
	ctx := context.Background()
	chID := seedChannel(t, channels, "general")

	m, err := store.Insert(ctx, chID, "alice", "mine")
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := store.SoftDelete(ctx, uuid.NewString(), "alice"); !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("unknown id err = %v, want chat.ErrNotFound", err)
	}
	if err := store.SoftDelete(ctx, m.ID, "mallory"); !errors.Is(err, chat.ErrNotSender) {
		t.Fatalf("foreign delete err = %v, want chat.ErrNotSender", err)
	}
}

func TestStoreUpdateContentPublishes(t *testing.T) {
	store, channels, bus := newTestStore(t)
	ctx := context.Background()
	chID := seedChannel(t, channels, "general")

	m, err := store.Insert(ctx, chID, "alice", "draft")
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	h := newRecHandler()
	sub, _ := bus.Subscribe(ctx, chID, h)
	defer sub.Close()
	awaitCh(t, h.subscribed, "handshake")

	edited, err := store.UpdateContent(ctx, m.ID, "alice", "final")
	if err != nil {
		t.Fatalf("UpdateContent: %v", err)
	}
	if edited.Content != "final" || edited.EditedAt == nil {
		t.Fatalf("edited row = %+v, want new content and EditedAt", edited)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(h.eventIDs()) == 0 {
		time.Sleep(time.Millisecond)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.events) != 1 || h.events[0].Op != chat.OpUpdate {
		t.Fatalf("published %+v, want one update", h.events)
	}
	if h.events[0].Row.Content != "final" {
		t.Fatalf("published content %q, want %q", h.events[0].Row.Content, "final")
	}
}

func TestChannelsConflictMapsToChatConflict(t *testing.T) {
	_, channels, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := channels.Insert(ctx, "general", "alice"); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if _, err := channels.Insert(ctx, "general", "bob"); !errors.Is(err, chat.ErrConflict) {
		t.Fatalf("duplicate insert err = %v, want chat.ErrConflict", err)
	}
	if _, err := channels.FindByName(ctx, "nope"); !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("missing find err = %v, want chat.ErrNotFound", err)
	}

	ch, err := channels.FindByName(ctx, "general")
	if err != nil {
		t.Fatalf("FindByName: %v", err)
	}
	if ch.CreatedBy != "alice" {
		t.Fatalf("CreatedBy = %q, want the race winner", ch.CreatedBy)
	}
}

func TestStoreListSinceReplaysDeletions(t *testing.T) {
	store, channels, _ := newTestStore(t)
	ctx := context.Background()
	chID := seedChannel(t, channels, "general")

	m1, _ := store.Insert(ctx, chID, "alice", "one")
	m2, _ := store.Insert(ctx, chID, "alice", "two")
	if err := store.SoftDelete(ctx, m1.ID, "alice"); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}

	rows, err := store.ListSince(ctx, chID, time.Time{}, 0)
	if err != nil {
		t.Fatalf("ListSince: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("ListSince returned %d rows, want 2 (deleted included)", len(rows))
	}

	visible, err := store.ListRecent(ctx, chID, 10)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(visible) != 1 || visible[0].ID != m2.ID {
		t.Fatalf("ListRecent = %+v, want only %s", visible, m2.ID)
	}
}
