//go:build real_waku

package messaging

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/waku-org/go-waku/waku/persistence"
	"github.com/waku-org/go-waku/waku/persistence/sqlite"
	wakuNode "github.com/waku-org/go-waku/waku/v2/node"
	legacyStore "github.com/waku-org/go-waku/waku/v2/protocol/legacy_store"
	wpb "github.com/waku-org/go-waku/waku/v2/protocol/pb"
	"github.com/waku-org/go-waku/waku/v2/protocol/relay"
	"github.com/waku-org/go-waku/waku/v2/utils"

	"palaver-chat/core/pkg/models"
)

const (
	conversationPubsubTopic  = "/waku/2/default-waku/proto"
	conversationContentTopic = "/palaver/1/conversation-event/proto"
)

// conversationEvent is the wire envelope carried over waku: either a
// group announcement or a message.
type conversationEvent struct {
	Kind         string        `json:"kind"` // "group" | "message"
	Conversation *Conversation `json:"conversation,omitempty"`
	Message      *Message      `json:"message,omitempty"`
}

type wakuClient struct {
	mu      sync.Mutex
	cfg     Config
	inboxID string
	node    *wakuNode.WakuNode
	paused  bool
}

func newWakuClient(cfg Config, inboxID string) (Client, error) {
	node, err := startWakuNode(cfg)
	if err != nil {
		return nil, err
	}
	return &wakuClient{cfg: cfg, inboxID: inboxID, node: node}, nil
}

func startWakuNode(cfg Config) (*wakuNode.WakuNode, error) {
	hostAddr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, err
	}
	provider, err := newInMemoryMessageProvider()
	if err != nil {
		return nil, err
	}
	opts := []wakuNode.WakuNodeOption{
		wakuNode.WithHostAddress(hostAddr),
		wakuNode.WithWakuRelay(),
		wakuNode.WithMessageProvider(provider),
		wakuNode.WithWakuStore(),
		wakuNode.WithLightPush(),
	}
	node, err := wakuNode.New(opts...)
	if err != nil {
		return nil, err
	}
	ctx := context.Background()
	if err := node.Start(ctx); err != nil {
		return nil, err
	}
	for _, addr := range cfg.BootstrapNodes {
		if err := node.DialPeer(ctx, addr); err != nil {
			slog.Warn("bootstrap dial failed", "reason", err.Error())
		}
	}
	return node, nil
}

func (c *wakuClient) InboxID() string {
	return c.inboxID
}

func (c *wakuClient) CreateGroup(ctx context.Context, members []string, meta GroupMetadata) (Conversation, error) {
	conv := Conversation{
		ID:          "conv-" + uuid.NewString(),
		Name:        meta.Name,
		ImageURL:    meta.ImageURL,
		Description: meta.Description,
		InviteTag:   meta.InviteTag,
		CreatorID:   c.inboxID,
		Members:     normalizeMembers(c.inboxID, members),
		CreatedAt:   time.Now().UTC(),
	}
	if err := c.publish(ctx, conversationEvent{Kind: "group", Conversation: &conv}); err != nil {
		return Conversation{}, err
	}
	return conv, nil
}

func (c *wakuClient) SyncConversations(ctx context.Context) error {
	_, err := c.ListGroups(ctx)
	return err
}

func (c *wakuClient) ListGroups(ctx context.Context) ([]Conversation, error) {
	events, err := queryEvents(ctx, c.node, c.cfg, time.Time{})
	if err != nil {
		return nil, err
	}
	byID := make(map[string]Conversation)
	order := make([]string, 0)
	for _, ev := range events {
		if ev.Kind != "group" || ev.Conversation == nil {
			continue
		}
		member := false
		for _, m := range ev.Conversation.Members {
			if m == c.inboxID {
				member = true
				break
			}
		}
		if !member {
			continue
		}
		if _, ok := byID[ev.Conversation.ID]; !ok {
			order = append(order, ev.Conversation.ID)
		}
		byID[ev.Conversation.ID] = *ev.Conversation
	}
	out := make([]Conversation, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out, nil
}

func (c *wakuClient) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	events, err := queryEvents(ctx, c.node, c.cfg, time.Time{})
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0)
	for _, ev := range events {
		if ev.Kind != "message" || ev.Message == nil {
			continue
		}
		if ev.Message.ConversationID != conversationID {
			continue
		}
		out = append(out, *ev.Message)
	}
	return out, nil
}

func (c *wakuClient) StartSync(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
	return ctx.Err()
}

func (c *wakuClient) PauseSync() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
}

func (c *wakuClient) ResumeSync() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
}

func (c *wakuClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.node != nil {
		c.node.Stop()
		c.node = nil
	}
	return nil
}

func (c *wakuClient) publish(ctx context.Context, ev conversationEvent) error {
	c.mu.Lock()
	node := c.node
	c.mu.Unlock()
	if node == nil {
		return ErrNotStarted
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ts := time.Now().UnixNano()
	wm := &wpb.WakuMessage{
		Payload:      payload,
		ContentTopic: conversationContentTopic,
		Timestamp:    &ts,
	}
	_, err = node.Relay().Publish(ctx, wm, relay.WithPubSubTopic(conversationPubsubTopic))
	return err
}

type wakuMetadata struct {
	cfg  Config
	node *wakuNode.WakuNode
}

func newWakuMetadataSource(cfg Config) (MetadataSource, error) {
	node, err := startWakuNode(cfg)
	if err != nil {
		return nil, err
	}
	return &wakuMetadata{cfg: cfg, node: node}, nil
}

func (s *wakuMetadata) NewestMessageMetadata(ctx context.Context, conversationIDs []string) (map[string]models.MessageMetadata, error) {
	events, err := queryEvents(ctx, s.node, s.cfg, time.Time{})
	if err != nil {
		return nil, err
	}
	wanted := make(map[string]struct{}, len(conversationIDs))
	for _, id := range conversationIDs {
		wanted[id] = struct{}{}
	}
	counts := make(map[string]int)
	out := make(map[string]models.MessageMetadata)
	for _, ev := range events {
		if ev.Kind != "message" || ev.Message == nil {
			continue
		}
		id := ev.Message.ConversationID
		if _, ok := wanted[id]; !ok {
			continue
		}
		counts[id]++
		ns := ev.Message.SentAt.UnixNano()
		if existing, ok := out[id]; !ok || ns > existing.CreatedAtNs {
			out[id] = models.MessageMetadata{CreatedAtNs: ns}
		}
	}
	for id, meta := range out {
		meta.Cursor = strconv.Itoa(counts[id])
		out[id] = meta
	}
	return out, nil
}

// queryEvents pages through the store protocol, preferring explicit
// bootstrap peers and falling back to whatever peers go-waku has.
func queryEvents(ctx context.Context, node *wakuNode.WakuNode, cfg Config, since time.Time) ([]conversationEvent, error) {
	if node == nil {
		return nil, ErrNotStarted
	}
	start := since.UnixNano()
	end := time.Now().UnixNano()
	criteria := legacyStore.Query{
		PubsubTopic:   conversationPubsubTopic,
		ContentTopics: []string{conversationContentTopic},
		StartTime:     &start,
		EndTime:       &end,
	}
	baseOpts := []legacyStore.HistoryRequestOption{legacyStore.WithPaging(true, 200)}

	fanout := cfg.StoreQueryFanout
	if fanout <= 0 {
		fanout = 1
	}
	type candidate struct {
		opts []legacyStore.HistoryRequestOption
	}
	candidates := make([]candidate, 0, fanout+1)
	for _, addr := range cfg.BootstrapNodes {
		if len(candidates) >= fanout {
			break
		}
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		peerAddr, err := ma.NewMultiaddr(addr)
		if err != nil {
			continue
		}
		opts := append([]legacyStore.HistoryRequestOption{}, baseOpts...)
		opts = append(opts, legacyStore.WithPeerAddr(peerAddr))
		candidates = append(candidates, candidate{opts: opts})
	}
	candidates = append(candidates, candidate{opts: append([]legacyStore.HistoryRequestOption{}, baseOpts...)})

	var (
		result  *legacyStore.Result
		err     error
		lastErr error
	)
	for i, cand := range candidates {
		result, err = node.LegacyStore().Query(ctx, criteria, cand.opts...)
		if err == nil {
			break
		}
		slog.Warn("store query attempt failed", "attempt", i+1, "reason", err.Error())
		lastErr = err
	}
	if err != nil {
		return nil, lastErr
	}

	out := make([]conversationEvent, 0, len(result.Messages))
	consume := func() {
		for _, wm := range result.Messages {
			if wm == nil {
				continue
			}
			var ev conversationEvent
			if jsonErr := json.Unmarshal(wm.Payload, &ev); jsonErr != nil {
				continue
			}
			out = append(out, ev)
		}
	}
	consume()
	for !result.IsComplete() {
		result, err = node.LegacyStore().Next(ctx, result)
		if err != nil {
			return nil, err
		}
		consume()
	}
	return out, nil
}

func newInMemoryMessageProvider() (*persistence.DBStore, error) {
	db, err := sqlite.NewDB(":memory:", utils.Logger())
	if err != nil {
		return nil, err
	}
	return persistence.NewDBStore(
		prometheus.DefaultRegisterer,
		utils.Logger(),
		persistence.WithDB(db),
		persistence.WithMigrations(sqlite.Migrations),
	)
}
