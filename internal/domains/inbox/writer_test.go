package inbox

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"palaver-chat/core/internal/domains/contracts"
	"palaver-chat/core/internal/storage"
)

func openTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "core.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSaveCreatesBinding(t *testing.T) {
	w := NewWriter(openTestDB(t))
	record, err := w.Save(context.Background(), "plv1alice", "client-1")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if record.InboxID != "plv1alice" || record.ClientID != "client-1" {
		t.Fatalf("unexpected record: %+v", record)
	}
	if record.LastActiveAt.IsZero() {
		t.Fatal("last active timestamp should be initialized")
	}
}

func TestSaveIsIdempotentForSameClient(t *testing.T) {
	w := NewWriter(openTestDB(t))
	ctx := context.Background()
	first, err := w.Save(ctx, "plv1alice", "client-1")
	if err != nil {
		t.Fatalf("first save: %v", err)
	}
	second, err := w.Save(ctx, "plv1alice", "client-1")
	if err != nil {
		t.Fatalf("second save: %v", err)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatal("idempotent save should preserve the original record")
	}
}

func TestSaveRejectsRebinding(t *testing.T) {
	w := NewWriter(openTestDB(t))
	ctx := context.Background()
	if _, err := w.Save(ctx, "plv1alice", "client-1"); err != nil {
		t.Fatalf("save: %v", err)
	}
	_, err := w.Save(ctx, "plv1alice", "client-other")
	if !errors.Is(err, contracts.ErrClientIDMismatch) {
		t.Fatalf("expected client id mismatch, got %v", err)
	}
	// The stored binding is untouched.
	record, err := w.Find(ctx, "plv1alice")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if record.ClientID != "client-1" {
		t.Fatalf("binding mutated to %q", record.ClientID)
	}
}

func TestFindReportsMissingInbox(t *testing.T) {
	w := NewWriter(openTestDB(t))
	_, err := w.Find(context.Background(), "plv1missing")
	if !errors.Is(err, contracts.ErrInboxNotFound) {
		t.Fatalf("expected inbox not found, got %v", err)
	}
}

func TestDeleteByClientIDIsNoOpForUnknownClient(t *testing.T) {
	w := NewWriter(openTestDB(t))
	if err := w.DeleteByClientID(context.Background(), "missing"); err != nil {
		t.Fatalf("delete unknown: %v", err)
	}
}

func TestRecordActivityBumpsTimestamp(t *testing.T) {
	w := NewWriter(openTestDB(t))
	ctx := context.Background()
	record, err := w.Save(ctx, "plv1alice", "client-1")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	later := record.LastActiveAt.Add(time.Hour)
	if err := w.RecordActivity(ctx, "client-1", later); err != nil {
		t.Fatalf("record activity: %v", err)
	}
	updated, err := w.Find(ctx, "plv1alice")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if !updated.LastActiveAt.After(record.LastActiveAt) {
		t.Fatalf("last active not bumped: %v", updated.LastActiveAt)
	}
}
