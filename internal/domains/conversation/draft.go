// Package conversation owns persistence of conversation records: the
// invite-tag reconciliation writer, the pending-invite read side, and
// the expiry sweep.
package conversation

import (
	"github.com/google/uuid"

	"palaver-chat/core/pkg/models"
)

// NewDraftConversationID generates a local conversation identifier in
// the reserved draft namespace. Draft identifiers stay stable across
// network confirmation so image-cache keys and default emoji selection
// derived from them do not shift.
func NewDraftConversationID() string {
	return models.DraftConversationPrefix + uuid.NewString()
}

// NewInviteTag generates the correlation token linking a draft
// conversation to its eventual network-confirmed counterpart.
func NewInviteTag() string {
	return "invite-" + uuid.NewString()
}

// survivingClientConversationID applies the draft-priority rule: an
// incoming draft identifier replaces a stored non-draft identifier;
// every other combination keeps the stored value.
func survivingClientConversationID(existing, incoming string) string {
	if models.IsDraftConversationID(incoming) && !models.IsDraftConversationID(existing) {
		return incoming
	}
	return existing
}
