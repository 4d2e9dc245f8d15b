// Package messaging is the boundary to the encrypted-messaging SDK. The
// core consumes it as an opaque capability: conversation creation, sync,
// listing, message retrieval, and a batched newest-message metadata
// query. The default build talks to an in-process bus; the real_waku
// build talks to a go-waku node.
package messaging

import (
	"context"
	"errors"
	"time"

	"palaver-chat/core/pkg/models"
)

const (
	TransportMock   = "mock"
	TransportGoWaku = "go-waku"
)

var (
	ErrNotStarted           = errors.New("messaging client is not started")
	ErrConversationNotFound = errors.New("conversation not found")
)

// Config is passed explicitly into client constructors; there is no
// module-level endpoint state.
type Config struct {
	Transport        string        `yaml:"transport"`
	Port             int           `yaml:"port"`
	BootstrapNodes   []string      `yaml:"bootstrapNodes"`
	StoreQueryFanout int           `yaml:"storeQueryFanout"`
	SyncInterval     time.Duration `yaml:"syncInterval"`
}

func DefaultConfig() Config {
	return Config{
		Transport:        TransportMock,
		Port:             60000,
		StoreQueryFanout: 3,
		SyncInterval:     30 * time.Second,
	}
}

type GroupMetadata struct {
	Name        string
	ImageURL    string
	Description string
	InviteTag   string
}

// Conversation is a network-observed conversation. InviteTag travels in
// the group metadata so a locally drafted conversation and its confirmed
// counterpart can be correlated.
type Conversation struct {
	ID          string
	Name        string
	ImageURL    string
	Description string
	InviteTag   string
	CreatorID   string
	Members     []string
	CreatedAt   time.Time
}

type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Payload        []byte
	SentAt         time.Time
}

// Client is one inbox's handle onto the messaging network. All calls may
// fail or time out; failures must not corrupt local state.
type Client interface {
	InboxID() string
	CreateGroup(ctx context.Context, members []string, meta GroupMetadata) (Conversation, error)
	SyncConversations(ctx context.Context) error
	ListGroups(ctx context.Context) ([]Conversation, error)
	Messages(ctx context.Context, conversationID string) ([]Message, error)
	StartSync(ctx context.Context) error
	PauseSync()
	ResumeSync()
	Close() error
}

// MetadataSource answers the batched newest-message query used by the
// sleeping-inbox checker.
type MetadataSource interface {
	NewestMessageMetadata(ctx context.Context, conversationIDs []string) (map[string]models.MessageMetadata, error)
}

// NewClient builds a per-inbox client for the configured transport.
func NewClient(cfg Config, inboxID string) (Client, error) {
	cfg = normalizeConfig(cfg)
	if cfg.Transport == TransportGoWaku {
		c, err := newWakuClient(cfg, inboxID)
		if err != nil {
			return nil, err
		}
		if c == nil {
			return nil, errors.New("go-waku transport is not available in this build")
		}
		return c, nil
	}
	return newBusClient(globalBus, inboxID), nil
}

// NewMetadataSource builds the batched metadata query endpoint for the
// configured transport.
func NewMetadataSource(cfg Config) (MetadataSource, error) {
	cfg = normalizeConfig(cfg)
	if cfg.Transport == TransportGoWaku {
		src, err := newWakuMetadataSource(cfg)
		if err != nil {
			return nil, err
		}
		if src == nil {
			return nil, errors.New("go-waku transport is not available in this build")
		}
		return src, nil
	}
	return globalBus, nil
}

func normalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if cfg.Transport == "" {
		cfg.Transport = def.Transport
	}
	if cfg.StoreQueryFanout <= 0 {
		cfg.StoreQueryFanout = def.StoreQueryFanout
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = def.SyncInterval
	}
	return cfg
}
