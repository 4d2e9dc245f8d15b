package messaging

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"palaver-chat/core/pkg/models"
)

// Bus is the in-process network substitute used in the default build and
// in tests: a shared registry of conversations and messages visible to
// every client attached to it.
type Bus struct {
	mu            sync.Mutex
	conversations map[string]Conversation
	messages      map[string][]Message
}

var globalBus = NewBus()

func NewBus() *Bus {
	return &Bus{
		conversations: make(map[string]Conversation),
		messages:      make(map[string][]Message),
	}
}

func (b *Bus) createGroup(creatorID string, members []string, meta GroupMetadata) Conversation {
	b.mu.Lock()
	defer b.mu.Unlock()
	conv := Conversation{
		ID:          "conv-" + uuid.NewString(),
		Name:        meta.Name,
		ImageURL:    meta.ImageURL,
		Description: meta.Description,
		InviteTag:   meta.InviteTag,
		CreatorID:   creatorID,
		Members:     normalizeMembers(creatorID, members),
		CreatedAt:   time.Now().UTC(),
	}
	b.conversations[conv.ID] = conv
	return conv
}

func (b *Bus) groupsFor(inboxID string) []Conversation {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Conversation, 0)
	for _, conv := range b.conversations {
		for _, member := range conv.Members {
			if member == inboxID {
				out = append(out, cloneConversation(conv))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (b *Bus) messagesFor(conversationID string) ([]Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.conversations[conversationID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}
	return append([]Message(nil), b.messages[conversationID]...), nil
}

// Publish delivers a message into a conversation. Tests and the demo
// entrypoint use it to simulate inbound traffic.
func (b *Bus) Publish(conversationID, senderID string, payload []byte, sentAt time.Time) Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	msg := Message{
		ID:             "msg-" + uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Payload:        append([]byte(nil), payload...),
		SentAt:         sentAt,
	}
	b.messages[conversationID] = append(b.messages[conversationID], msg)
	return msg
}

// NewestMessageMetadata implements the batched metadata query.
// Conversations with no messages are omitted from the result, not
// reported as errors.
func (b *Bus) NewestMessageMetadata(_ context.Context, conversationIDs []string) (map[string]models.MessageMetadata, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]models.MessageMetadata, len(conversationIDs))
	for _, id := range conversationIDs {
		msgs := b.messages[id]
		if len(msgs) == 0 {
			continue
		}
		newest := msgs[0]
		for _, msg := range msgs[1:] {
			if msg.SentAt.After(newest.SentAt) {
				newest = msg
			}
		}
		out[id] = models.MessageMetadata{
			Cursor:      strconv.Itoa(len(msgs)),
			CreatedAtNs: newest.SentAt.UnixNano(),
		}
	}
	return out, nil
}

func normalizeMembers(creatorID string, members []string) []string {
	seen := map[string]struct{}{creatorID: {}}
	out := []string{creatorID}
	for _, member := range members {
		if member == "" {
			continue
		}
		if _, ok := seen[member]; ok {
			continue
		}
		seen[member] = struct{}{}
		out = append(out, member)
	}
	return out
}

func cloneConversation(conv Conversation) Conversation {
	conv.Members = append([]string(nil), conv.Members...)
	return conv
}
