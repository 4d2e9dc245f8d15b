package models

import (
	"strings"
	"time"
)

const (
	ConsentUnknown = "unknown"
	ConsentAllowed = "allowed"
	ConsentDenied  = "denied"
)

// DraftConversationPrefix marks locally generated conversation identifiers
// that have not yet been confirmed by the network.
const DraftConversationPrefix = "draft-"

type Identity struct {
	InboxID          string    `json:"inbox_id"`
	ClientID         string    `json:"client_id"`
	SigningPublicKey []byte    `json:"signing_public_key"`
	CreatedAt        time.Time `json:"created_at"`
}

// InboxRecord binds a network inbox identifier to the device-local client
// identifier that owns it. The binding is one-to-one for the lifetime of
// the record.
type InboxRecord struct {
	InboxID      string    `json:"inbox_id" gorm:"primaryKey;column:inbox_id"`
	ClientID     string    `json:"client_id" gorm:"uniqueIndex;column:client_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// Conversation is one logical conversation, keyed by the canonical
// network-assigned identifier once known.
type Conversation struct {
	ID                   string     `json:"id" gorm:"primaryKey"`
	ClientConversationID string     `json:"client_conversation_id"`
	InviteTag            string     `json:"invite_tag" gorm:"index"`
	InboxID              string     `json:"inbox_id" gorm:"index"`
	ClientID             string     `json:"client_id" gorm:"index"`
	CreatorID            string     `json:"creator_id"`
	Name                 string     `json:"name"`
	ImageURL             string     `json:"image_url"`
	Description          string     `json:"description"`
	Consent              string     `json:"consent"`
	Unused               bool       `json:"unused"`
	Locked               bool       `json:"locked"`
	CreatedAt            time.Time  `json:"created_at"`
	ExpiresAt            *time.Time `json:"expires_at,omitempty"`
}

type ConversationMember struct {
	ConversationID string `json:"conversation_id" gorm:"primaryKey;column:conversation_id"`
	MemberID       string `json:"member_id" gorm:"primaryKey;column:member_id"`
}

// MessageMetadata is the newest-message summary returned by the batched
// network metadata query.
type MessageMetadata struct {
	Cursor      string `json:"cursor"`
	CreatedAtNs int64  `json:"created_at_ns"`
}

func NormalizeConsent(raw string) string {
	switch strings.TrimSpace(raw) {
	case ConsentAllowed:
		return ConsentAllowed
	case ConsentDenied:
		return ConsentDenied
	default:
		return ConsentUnknown
	}
}

// IsDraftConversationID reports whether id belongs to the locally generated
// draft namespace.
func IsDraftConversationID(id string) bool {
	return strings.HasPrefix(id, DraftConversationPrefix)
}

// IsPendingInvite reports whether the conversation is an unconsumed,
// tag-bearing draft conversation.
func (c Conversation) IsPendingInvite() bool {
	return IsDraftConversationID(c.ClientConversationID) && strings.TrimSpace(c.InviteTag) != ""
}

func (c Conversation) IsExpired(now time.Time, ttl time.Duration) bool {
	if c.ExpiresAt != nil {
		return c.ExpiresAt.Before(now)
	}
	return c.CreatedAt.Add(ttl).Before(now)
}
