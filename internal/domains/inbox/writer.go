// Package inbox owns the inbox↔client binding records and the per-inbox
// asynchronous state machine.
package inbox

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"palaver-chat/core/internal/domains/contracts"
	"palaver-chat/core/internal/storage"
	"palaver-chat/core/pkg/models"
)

// Writer is the idempotent upsert/delete surface for inbox bindings. A
// binding maps one inbox identifier to exactly one client identifier for
// the lifetime of the record.
type Writer struct {
	db *storage.DB
}

func NewWriter(db *storage.DB) *Writer {
	return &Writer{db: db}
}

// Save inserts the binding, or no-ops when it already exists with the
// same client identifier. Rebinding to a different client identifier is
// an invariant violation; the stored record is left untouched.
func (w *Writer) Save(ctx context.Context, inboxID, clientID string) (models.InboxRecord, error) {
	var record models.InboxRecord
	err := w.db.Write(ctx, func(tx *gorm.DB) error {
		var existing models.InboxRecord
		err := tx.First(&existing, "inbox_id = ?", inboxID).Error
		if err == nil {
			if existing.ClientID != clientID {
				return fmt.Errorf("%w: inbox %s already bound to %s",
					contracts.ErrClientIDMismatch, inboxID, existing.ClientID)
			}
			record = existing
			return nil
		}
		if err != gorm.ErrRecordNotFound {
			return err
		}
		now := time.Now().UTC()
		record = models.InboxRecord{
			InboxID:      inboxID,
			ClientID:     clientID,
			CreatedAt:    now,
			LastActiveAt: now,
		}
		return tx.Create(&record).Error
	})
	if err != nil {
		return models.InboxRecord{}, err
	}
	return record, nil
}

// Find returns the binding for inboxID, or contracts.ErrInboxNotFound.
func (w *Writer) Find(ctx context.Context, inboxID string) (models.InboxRecord, error) {
	var record models.InboxRecord
	err := w.db.Read(ctx, func(tx *gorm.DB) error {
		err := tx.First(&record, "inbox_id = ?", inboxID).Error
		if err == gorm.ErrRecordNotFound {
			return contracts.ErrInboxNotFound
		}
		return err
	})
	if err != nil {
		return models.InboxRecord{}, err
	}
	return record, nil
}

// DeleteByInboxID removes the binding; absence is not an error.
func (w *Writer) DeleteByInboxID(ctx context.Context, inboxID string) error {
	return w.db.Write(ctx, func(tx *gorm.DB) error {
		return tx.Delete(&models.InboxRecord{}, "inbox_id = ?", inboxID).Error
	})
}

// DeleteByClientID removes the binding; absence is not an error.
func (w *Writer) DeleteByClientID(ctx context.Context, clientID string) error {
	return w.db.Write(ctx, func(tx *gorm.DB) error {
		return tx.Delete(&models.InboxRecord{}, "client_id = ?", clientID).Error
	})
}

// RecordActivity bumps the binding's last-activity timestamp, feeding
// the lifecycle manager's LRU eviction order.
func (w *Writer) RecordActivity(ctx context.Context, clientID string, at time.Time) error {
	return w.db.Write(ctx, func(tx *gorm.DB) error {
		return tx.Model(&models.InboxRecord{}).
			Where("client_id = ?", clientID).
			Update("last_active_at", at.UTC()).Error
	})
}
