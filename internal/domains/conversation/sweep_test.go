package conversation

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/gorm"

	"palaver-chat/core/internal/messaging"
	"palaver-chat/core/internal/storage"
	"palaver-chat/core/pkg/models"
)

type fakeIdentityDeleter struct {
	deleted []string
	err     error
}

func (f *fakeIdentityDeleter) Delete(inboxID string) error {
	if f.err != nil {
		return f.err
	}
	f.deleted = append(f.deleted, inboxID)
	return nil
}

func seedInboxRecord(t *testing.T, db *storage.DB, inboxID, clientID string) {
	t.Helper()
	err := db.Write(context.Background(), func(tx *gorm.DB) error {
		return tx.Create(&models.InboxRecord{
			InboxID:   inboxID,
			ClientID:  clientID,
			CreatedAt: time.Now().UTC(),
		}).Error
	})
	if err != nil {
		t.Fatalf("seed inbox record: %v", err)
	}
}

func seedConversation(t *testing.T, w *Writer, params StoreParams) {
	t.Helper()
	if _, err := w.Store(context.Background(), params); err != nil {
		t.Fatalf("seed conversation %s: %v", params.Conversation.ID, err)
	}
}

func inboxRecordExists(t *testing.T, db *storage.DB, clientID string) bool {
	t.Helper()
	var count int64
	err := db.Read(context.Background(), func(tx *gorm.DB) error {
		return tx.Model(&models.InboxRecord{}).
			Where("client_id = ?", clientID).Count(&count).Error
	})
	if err != nil {
		t.Fatalf("count inbox records: %v", err)
	}
	return count > 0
}

func TestSweepDeletesExpiredPendingInviteInbox(t *testing.T) {
	db := openTestDB(t)
	w := NewWriter(db)
	identities := &fakeIdentityDeleter{}
	untracked := []string{}

	old := time.Now().UTC().Add(-30 * 24 * time.Hour)
	seedInboxRecord(t, db, "plv1alice", "client-1")
	seedConversation(t, w, StoreParams{
		Conversation:         messaging.Conversation{ID: "conv-1", InviteTag: "invite-1", CreatedAt: old},
		InboxID:              "plv1alice",
		ClientID:             "client-1",
		ClientConversationID: "draft-1",
	})

	s := &Sweeper{
		DB:         db,
		Identities: identities,
		TTL:        7 * 24 * time.Hour,
		Untrack:    func(clientID string) { untracked = append(untracked, clientID) },
	}
	deleted, err := s.DeleteExpiredPendingInvites(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}
	if got := countConversations(t, db); got != 0 {
		t.Fatalf("conversation rows remain: %d", got)
	}
	if inboxRecordExists(t, db, "client-1") {
		t.Fatal("inbox record should be deleted")
	}
	if len(identities.deleted) != 1 || identities.deleted[0] != "plv1alice" {
		t.Fatalf("identity deletions = %v", identities.deleted)
	}
	if len(untracked) != 1 || untracked[0] != "client-1" {
		t.Fatalf("untracked = %v", untracked)
	}
}

func TestSweepSkipsFreshPendingInvite(t *testing.T) {
	db := openTestDB(t)
	w := NewWriter(db)

	seedInboxRecord(t, db, "plv1alice", "client-1")
	seedConversation(t, w, StoreParams{
		Conversation:         messaging.Conversation{ID: "conv-1", InviteTag: "invite-1"},
		InboxID:              "plv1alice",
		ClientID:             "client-1",
		ClientConversationID: "draft-1",
	})

	s := &Sweeper{DB: db, TTL: 7 * 24 * time.Hour}
	deleted, err := s.DeleteExpiredPendingInvites(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if deleted != 0 {
		t.Fatalf("deleted = %d, want 0", deleted)
	}
	if !inboxRecordExists(t, db, "client-1") {
		t.Fatal("inbox record should survive")
	}
}

func TestSweepSkipsInboxWithLiveConversation(t *testing.T) {
	db := openTestDB(t)
	w := NewWriter(db)

	old := time.Now().UTC().Add(-30 * 24 * time.Hour)
	seedInboxRecord(t, db, "plv1alice", "client-1")
	seedConversation(t, w, StoreParams{
		Conversation:         messaging.Conversation{ID: "conv-1", InviteTag: "invite-1", CreatedAt: old},
		InboxID:              "plv1alice",
		ClientID:             "client-1",
		ClientConversationID: "draft-1",
	})
	// A consumed, non-draft conversation keeps the whole inbox alive even
	// though its sibling invite expired.
	seedConversation(t, w, StoreParams{
		Conversation: messaging.Conversation{ID: "conv-2", CreatedAt: old},
		InboxID:      "plv1alice",
		ClientID:     "client-1",
	})

	s := &Sweeper{DB: db, TTL: 7 * 24 * time.Hour}
	deleted, err := s.DeleteExpiredPendingInvites(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if deleted != 0 {
		t.Fatalf("deleted = %d, want 0", deleted)
	}
	if got := countConversations(t, db); got != 2 {
		t.Fatalf("conversations remaining = %d, want 2", got)
	}
}

func TestSweepSkipsInviteWithJoinedMember(t *testing.T) {
	db := openTestDB(t)
	w := NewWriter(db)

	old := time.Now().UTC().Add(-30 * 24 * time.Hour)
	seedInboxRecord(t, db, "plv1alice", "client-1")
	seedConversation(t, w, StoreParams{
		Conversation: messaging.Conversation{
			ID:        "conv-1",
			InviteTag: "invite-1",
			CreatedAt: old,
			Members:   []string{"plv1alice", "plv1bob"},
		},
		InboxID:              "plv1alice",
		ClientID:             "client-1",
		ClientConversationID: "draft-1",
	})

	s := &Sweeper{DB: db, TTL: 7 * 24 * time.Hour}
	deleted, err := s.DeleteExpiredPendingInvites(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if deleted != 0 {
		t.Fatalf("deleted = %d, want 0", deleted)
	}
}

func TestSweepCountsDeletionsWhenIdentityRemovalFails(t *testing.T) {
	db := openTestDB(t)
	w := NewWriter(db)
	identities := &fakeIdentityDeleter{err: errors.New("keychain locked")}
	untracked := []string{}
	counted := 0

	old := time.Now().UTC().Add(-30 * 24 * time.Hour)
	seedInboxRecord(t, db, "plv1alice", "client-1")
	seedConversation(t, w, StoreParams{
		Conversation:         messaging.Conversation{ID: "conv-1", InviteTag: "invite-1", CreatedAt: old},
		InboxID:              "plv1alice",
		ClientID:             "client-1",
		ClientConversationID: "draft-1",
	})

	s := &Sweeper{
		DB:         db,
		Identities: identities,
		TTL:        7 * 24 * time.Hour,
		Untrack:    func(clientID string) { untracked = append(untracked, clientID) },
		Deleted:    func(count int) { counted += count },
	}
	deleted, err := s.DeleteExpiredPendingInvites(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	// The rows are gone regardless of the keychain failure; the count and
	// the tracking cleanup must reflect that.
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}
	if counted != 1 {
		t.Fatalf("counted = %d, want 1", counted)
	}
	if len(untracked) != 1 || untracked[0] != "client-1" {
		t.Fatalf("untracked = %v", untracked)
	}
	if got := countConversations(t, db); got != 0 {
		t.Fatalf("conversation rows remain: %d", got)
	}
}

func TestSweepHandlesClientsIndependently(t *testing.T) {
	db := openTestDB(t)
	w := NewWriter(db)
	identities := &fakeIdentityDeleter{}

	old := time.Now().UTC().Add(-30 * 24 * time.Hour)
	seedInboxRecord(t, db, "plv1alice", "client-1")
	seedConversation(t, w, StoreParams{
		Conversation:         messaging.Conversation{ID: "conv-1", InviteTag: "invite-1", CreatedAt: old},
		InboxID:              "plv1alice",
		ClientID:             "client-1",
		ClientConversationID: "draft-1",
	})
	seedInboxRecord(t, db, "plv1bob", "client-2")
	seedConversation(t, w, StoreParams{
		Conversation:         messaging.Conversation{ID: "conv-2", InviteTag: "invite-2", CreatedAt: old},
		InboxID:              "plv1bob",
		ClientID:             "client-2",
		ClientConversationID: "draft-2",
	})
	// client-2 also has a live conversation, so only client-1 is reaped.
	seedConversation(t, w, StoreParams{
		Conversation: messaging.Conversation{ID: "conv-3"},
		InboxID:      "plv1bob",
		ClientID:     "client-2",
	})

	s := &Sweeper{DB: db, Identities: identities, TTL: 7 * 24 * time.Hour}
	deleted, err := s.DeleteExpiredPendingInvites(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}
	if inboxRecordExists(t, db, "client-1") {
		t.Fatal("client-1 should be reaped")
	}
	if !inboxRecordExists(t, db, "client-2") {
		t.Fatal("client-2 should survive")
	}
}
