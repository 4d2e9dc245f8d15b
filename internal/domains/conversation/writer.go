package conversation

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"

	"palaver-chat/core/internal/messaging"
	"palaver-chat/core/internal/storage"
	"palaver-chat/core/pkg/models"
)

// Writer reconciles incoming conversation records (from explicit local
// creation or the background sync stream) against any persisted record
// sharing the same invite tag. It owns all mutation of conversation
// rows.
type Writer struct {
	db *storage.DB
}

func NewWriter(db *storage.DB) *Writer {
	return &Writer{db: db}
}

// StoreParams describes one observation of a conversation.
// ClientConversationID is optional; when empty the conversation's own
// canonical identifier is used.
type StoreParams struct {
	Conversation         messaging.Conversation
	InboxID              string
	ClientID             string
	ClientConversationID string
	Consent              string
	Unused               bool
	ExpiresAt            *time.Time
}

// Store upserts the record in a single transaction. The draft-priority
// rule decides the surviving client conversation identifier; every other
// mutable field is last-write-wins.
func (w *Writer) Store(ctx context.Context, params StoreParams) (models.Conversation, error) {
	incoming := params.Conversation
	desiredClientConvID := params.ClientConversationID
	if desiredClientConvID == "" {
		desiredClientConvID = incoming.ID
	}

	var stored models.Conversation
	err := w.db.Write(ctx, func(tx *gorm.DB) error {
		existing, found, err := findExisting(tx, incoming)
		if err != nil {
			return err
		}

		record := models.Conversation{
			ID:                   incoming.ID,
			ClientConversationID: desiredClientConvID,
			InviteTag:            incoming.InviteTag,
			InboxID:              params.InboxID,
			ClientID:             params.ClientID,
			CreatorID:            incoming.CreatorID,
			Name:                 incoming.Name,
			ImageURL:             incoming.ImageURL,
			Description:          incoming.Description,
			Consent:              models.NormalizeConsent(params.Consent),
			Unused:               params.Unused,
			CreatedAt:            createdAt(incoming),
			ExpiresAt:            params.ExpiresAt,
		}

		if found {
			record.ClientConversationID = survivingClientConversationID(existing.ClientConversationID, desiredClientConvID)
			// Pool and locking flags belong to the consumption flow, not
			// the sync stream; a re-observation never flips them.
			record.Unused = existing.Unused
			record.Locked = existing.Locked
			record.CreatedAt = existing.CreatedAt
			if record.ExpiresAt == nil {
				record.ExpiresAt = existing.ExpiresAt
			}
			// The old row goes away even when the canonical identifier
			// changed under the same invite tag; the network-assigned key
			// wins.
			if err := tx.Delete(&models.Conversation{}, "id = ?", existing.ID).Error; err != nil {
				return err
			}
			if err := tx.Delete(&models.ConversationMember{}, "conversation_id = ?", existing.ID).Error; err != nil {
				return err
			}
		}

		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		for _, member := range incoming.Members {
			row := models.ConversationMember{ConversationID: record.ID, MemberID: member}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		}
		stored = record
		return nil
	})
	if err != nil {
		return models.Conversation{}, err
	}
	return stored, nil
}

// SetUnused flips the pool-visibility flag of one record.
func (w *Writer) SetUnused(ctx context.Context, conversationID string, unused bool) error {
	return w.db.Write(ctx, func(tx *gorm.DB) error {
		return tx.Model(&models.Conversation{}).
			Where("id = ?", conversationID).
			Update("unused", unused).Error
	})
}

// DeleteByClientID removes every conversation (and membership row) owned
// by clientID, in one transaction. Used by inbox deletion.
func (w *Writer) DeleteByClientID(ctx context.Context, clientID string) error {
	return w.db.Write(ctx, func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&models.Conversation{}).
			Where("client_id = ?", clientID).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Delete(&models.ConversationMember{}, "conversation_id IN ?", ids).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Conversation{}, "id IN ?", ids).Error
	})
}

func findExisting(tx *gorm.DB, incoming messaging.Conversation) (models.Conversation, bool, error) {
	var existing models.Conversation
	if strings.TrimSpace(incoming.InviteTag) != "" {
		err := tx.First(&existing, "invite_tag = ?", incoming.InviteTag).Error
		if err == nil {
			return existing, true, nil
		}
		if err != gorm.ErrRecordNotFound {
			return models.Conversation{}, false, err
		}
	}
	err := tx.First(&existing, "id = ?", incoming.ID).Error
	if err == nil {
		return existing, true, nil
	}
	if err == gorm.ErrRecordNotFound {
		return models.Conversation{}, false, nil
	}
	return models.Conversation{}, false, err
}

func createdAt(conv messaging.Conversation) time.Time {
	if conv.CreatedAt.IsZero() {
		return time.Now().UTC()
	}
	return conv.CreatedAt
}
