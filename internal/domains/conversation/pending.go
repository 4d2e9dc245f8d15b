package conversation

import (
	"context"
	"time"

	"gorm.io/gorm"

	"palaver-chat/core/internal/storage"
	"palaver-chat/core/pkg/models"
)

// PendingInvite is the read-side view of an unconsumed, tag-bearing
// draft conversation.
type PendingInvite struct {
	ConversationID       string
	ClientConversationID string
	InviteTag            string
	InboxID              string
	ClientID             string
	CreatedAt            time.Time
}

// PendingInviteRepository answers which client identifiers still carry
// unconsumed draft invites. It is a derived view over conversation rows,
// not a separate table.
type PendingInviteRepository struct {
	db *storage.DB
}

func NewPendingInviteRepository(db *storage.DB) *PendingInviteRepository {
	return &PendingInviteRepository{db: db}
}

func (r *PendingInviteRepository) HasPendingInvites(ctx context.Context, clientID string) (bool, error) {
	var count int64
	err := r.db.Read(ctx, func(tx *gorm.DB) error {
		return pendingScope(tx).Where("client_id = ?", clientID).Count(&count).Error
	})
	return count > 0, err
}

func (r *PendingInviteRepository) ClientIDsWithPendingInvites(ctx context.Context) (map[string]struct{}, error) {
	var ids []string
	err := r.db.Read(ctx, func(tx *gorm.DB) error {
		return pendingScope(tx).Distinct("client_id").Pluck("client_id", &ids).Error
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}

func (r *PendingInviteRepository) AllPendingInvites(ctx context.Context) ([]PendingInvite, error) {
	var rows []models.Conversation
	err := r.db.Read(ctx, func(tx *gorm.DB) error {
		return pendingScope(tx).Order("created_at asc").Find(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	out := make([]PendingInvite, 0, len(rows))
	for _, row := range rows {
		out = append(out, PendingInvite{
			ConversationID:       row.ID,
			ClientConversationID: row.ClientConversationID,
			InviteTag:            row.InviteTag,
			InboxID:              row.InboxID,
			ClientID:             row.ClientID,
			CreatedAt:            row.CreatedAt,
		})
	}
	return out, nil
}

func pendingScope(tx *gorm.DB) *gorm.DB {
	return tx.Model(&models.Conversation{}).
		Where("invite_tag <> ''").
		Where("client_conversation_id LIKE ?", models.DraftConversationPrefix+"%")
}
