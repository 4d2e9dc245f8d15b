// Package lifecycle manages the set of awake and sleeping inboxes: the
// LRU-capped registry of state machines, the pre-provisioned inbox pool,
// and the sleeping-inbox message checker.
package lifecycle

import (
	"context"
	"time"

	"gorm.io/gorm"

	"palaver-chat/core/internal/storage"
	"palaver-chat/core/pkg/models"
)

// ActivityRepository answers last-activity and conversation-ownership
// questions for the eviction policy and the sleeping-inbox checker.
type ActivityRepository interface {
	LastActiveAt(ctx context.Context, clientID string) (time.Time, error)
	ConversationIDs(ctx context.Context, clientID string) ([]string, error)
}

// StorageActivityRepository reads activity from the inbox and
// conversation tables.
type StorageActivityRepository struct {
	db *storage.DB
}

func NewActivityRepository(db *storage.DB) *StorageActivityRepository {
	return &StorageActivityRepository{db: db}
}

func (r *StorageActivityRepository) LastActiveAt(ctx context.Context, clientID string) (time.Time, error) {
	var record models.InboxRecord
	err := r.db.Read(ctx, func(tx *gorm.DB) error {
		return storage.MapNotFound(tx.First(&record, "client_id = ?", clientID).Error)
	})
	if err != nil {
		return time.Time{}, err
	}
	return record.LastActiveAt, nil
}

func (r *StorageActivityRepository) ConversationIDs(ctx context.Context, clientID string) ([]string, error) {
	var ids []string
	err := r.db.Read(ctx, func(tx *gorm.DB) error {
		return tx.Model(&models.Conversation{}).
			Where("client_id = ?", clientID).
			Pluck("id", &ids).Error
	})
	return ids, err
}
