package messaging

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCreateGroupIncludesCreatorOnce(t *testing.T) {
	bus := NewBus()
	client := NewBusClient(bus, "plv1alice")

	conv, err := client.CreateGroup(context.Background(),
		[]string{"plv1bob", "plv1alice", ""}, GroupMetadata{Name: "lunch", InviteTag: "invite-1"})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if conv.ID == "" || conv.CreatorID != "plv1alice" {
		t.Fatalf("unexpected conversation: %+v", conv)
	}
	if conv.InviteTag != "invite-1" {
		t.Fatalf("invite tag = %q", conv.InviteTag)
	}
	if len(conv.Members) != 2 {
		t.Fatalf("members = %v, want creator plus bob", conv.Members)
	}
}

func TestListGroupsFiltersByMembership(t *testing.T) {
	bus := NewBus()
	alice := NewBusClient(bus, "plv1alice")
	carol := NewBusClient(bus, "plv1carol")
	ctx := context.Background()

	if _, err := alice.CreateGroup(ctx, []string{"plv1bob"}, GroupMetadata{}); err != nil {
		t.Fatalf("create: %v", err)
	}

	mine, err := alice.ListGroups(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(mine) != 1 {
		t.Fatalf("alice groups = %d, want 1", len(mine))
	}
	theirs, err := carol.ListGroups(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(theirs) != 0 {
		t.Fatalf("carol groups = %d, want 0", len(theirs))
	}
}

func TestMessagesForUnknownConversation(t *testing.T) {
	bus := NewBus()
	client := NewBusClient(bus, "plv1alice")
	_, err := client.Messages(context.Background(), "conv-missing")
	if !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected conversation not found, got %v", err)
	}
}

func TestNewestMessageMetadataOmitsEmptyConversations(t *testing.T) {
	bus := NewBus()
	client := NewBusClient(bus, "plv1alice")
	ctx := context.Background()

	conv, err := client.CreateGroup(ctx, nil, GroupMetadata{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	empty, err := client.CreateGroup(ctx, nil, GroupMetadata{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	first := time.Now().Add(-time.Minute)
	second := time.Now()
	bus.Publish(conv.ID, "plv1bob", []byte("hi"), first)
	bus.Publish(conv.ID, "plv1bob", []byte("again"), second)

	newest, err := bus.NewestMessageMetadata(ctx, []string{conv.ID, empty.ID, "conv-missing"})
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if len(newest) != 1 {
		t.Fatalf("result size = %d, want 1", len(newest))
	}
	meta, ok := newest[conv.ID]
	if !ok {
		t.Fatal("conversation with messages missing from result")
	}
	if meta.CreatedAtNs != second.UnixNano() {
		t.Fatalf("newest timestamp = %d, want %d", meta.CreatedAtNs, second.UnixNano())
	}
	if meta.Cursor != "2" {
		t.Fatalf("cursor = %q", meta.Cursor)
	}
}

func TestSyncPauseResume(t *testing.T) {
	bus := NewBus()
	client := newBusClient(bus, "plv1alice")
	ctx := context.Background()

	if err := client.StartSync(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if client.SyncPaused() {
		t.Fatal("fresh client should not be paused")
	}
	client.PauseSync()
	if !client.SyncPaused() {
		t.Fatal("pause not applied")
	}
	client.ResumeSync()
	if client.SyncPaused() {
		t.Fatal("resume not applied")
	}
	// Resume before start is a no-op.
	fresh := newBusClient(bus, "plv1bob")
	fresh.PauseSync()
	fresh.ResumeSync()
	if !fresh.SyncPaused() {
		t.Fatal("unstarted client must stay paused")
	}
}

func TestNormalizeConfigAppliesDefaults(t *testing.T) {
	cfg := normalizeConfig(Config{})
	if cfg.Transport != TransportMock {
		t.Fatalf("transport = %q", cfg.Transport)
	}
	if cfg.StoreQueryFanout != 3 {
		t.Fatalf("fanout = %d", cfg.StoreQueryFanout)
	}
	if cfg.SyncInterval != 30*time.Second {
		t.Fatalf("sync interval = %v", cfg.SyncInterval)
	}
	kept := normalizeConfig(Config{Transport: TransportGoWaku, StoreQueryFanout: 5})
	if kept.Transport != TransportGoWaku || kept.StoreQueryFanout != 5 {
		t.Fatalf("explicit values overridden: %+v", kept)
	}
}
