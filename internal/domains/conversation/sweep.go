package conversation

import (
	"context"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"palaver-chat/core/internal/storage"
	"palaver-chat/core/pkg/models"
)

// IdentityDeleter removes keychain material for an inbox.
type IdentityDeleter interface {
	Delete(inboxID string) error
}

// Sweeper reaps expired, unused, single-member pending-invite inboxes.
// An inbox is reaped only when every one of its conversations is an
// expired pending invite with no members beyond the inbox itself;
// anything that looks like a real conversation keeps the inbox alive.
type Sweeper struct {
	DB         *storage.DB
	Identities IdentityDeleter
	TTL        time.Duration
	Logger     *slog.Logger
	// Untrack removes the client from the lifecycle manager's awake and
	// sleeping sets so no stale entry outlives the inbox. Optional.
	Untrack func(clientID string)
	// Deleted is called with the number of conversation rows removed per
	// reaped inbox. Optional, used for metrics.
	Deleted func(count int)
}

// DeleteExpiredPendingInvites runs one sweep pass and returns the number
// of conversation records deleted. Each inbox is handled independently:
// a failure reaping one inbox is logged and does not abort the rest.
func (s *Sweeper) DeleteExpiredPendingInvites(ctx context.Context) (int, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cutoff := time.Now().UTC().Add(-s.TTL)

	var clientIDs []string
	err := s.DB.Read(ctx, func(tx *gorm.DB) error {
		return pendingScope(tx).
			Where("created_at < ?", cutoff).
			Distinct("client_id").
			Pluck("client_id", &clientIDs).Error
	})
	if err != nil {
		return 0, err
	}

	total := 0
	for _, clientID := range clientIDs {
		deleted, err := s.sweepClient(ctx, clientID, cutoff)
		// Rows removed before a later step failed still count.
		total += deleted
		if err != nil {
			logger.Warn("pending invite sweep failed for client",
				"client_id", clientID, "reason", err.Error())
		}
	}
	return total, nil
}

func (s *Sweeper) sweepClient(ctx context.Context, clientID string, cutoff time.Time) (int, error) {
	deleted := 0
	inboxID := ""
	err := s.DB.Write(ctx, func(tx *gorm.DB) error {
		var conversations []models.Conversation
		if err := tx.Where("client_id = ?", clientID).Find(&conversations).Error; err != nil {
			return err
		}
		if len(conversations) == 0 {
			return nil
		}
		inboxID = conversations[0].InboxID

		ids := make([]string, 0, len(conversations))
		for _, conv := range conversations {
			if !conv.IsPendingInvite() || !conv.CreatedAt.Before(cutoff) {
				// A live or still-fresh conversation keeps the inbox.
				return nil
			}
			var memberCount int64
			if err := tx.Model(&models.ConversationMember{}).
				Where("conversation_id = ? AND member_id <> ?", conv.ID, conv.InboxID).
				Count(&memberCount).Error; err != nil {
				return err
			}
			if memberCount > 0 {
				// Someone joined; the invite was consumed.
				return nil
			}
			ids = append(ids, conv.ID)
		}

		if err := tx.Delete(&models.ConversationMember{}, "conversation_id IN ?", ids).Error; err != nil {
			return err
		}
		if err := tx.Delete(&models.Conversation{}, "id IN ?", ids).Error; err != nil {
			return err
		}
		if err := tx.Delete(&models.InboxRecord{}, "client_id = ?", clientID).Error; err != nil {
			return err
		}
		deleted = len(ids)
		return nil
	})
	if err != nil || deleted == 0 {
		return 0, err
	}

	// The rows are gone at this point; tracking and metrics reflect that
	// even if the keychain removal below fails.
	if s.Untrack != nil {
		s.Untrack(clientID)
	}
	if s.Deleted != nil {
		s.Deleted(deleted)
	}
	if s.Identities != nil && inboxID != "" {
		if err := s.Identities.Delete(inboxID); err != nil {
			return deleted, err
		}
	}
	return deleted, nil
}
