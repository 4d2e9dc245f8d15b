package messaging

import (
	"context"
	"sync"
)

// busClient is the default-build Client: it reads and writes the shared
// in-process bus. Sync is a no-op beyond tracking paused state, since the
// bus is always consistent.
type busClient struct {
	mu      sync.Mutex
	bus     *Bus
	inboxID string
	started bool
	paused  bool
	closed  bool
}

func newBusClient(bus *Bus, inboxID string) *busClient {
	return &busClient{bus: bus, inboxID: inboxID}
}

// NewBusClient attaches a client for inboxID to an explicit bus. Tests
// use it to avoid the process-global bus.
func NewBusClient(bus *Bus, inboxID string) Client {
	return newBusClient(bus, inboxID)
}

func (c *busClient) InboxID() string {
	return c.inboxID
}

func (c *busClient) CreateGroup(ctx context.Context, members []string, meta GroupMetadata) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	return c.bus.createGroup(c.inboxID, members, meta), nil
}

func (c *busClient) SyncConversations(ctx context.Context) error {
	return ctx.Err()
}

func (c *busClient) ListGroups(ctx context.Context) ([]Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.bus.groupsFor(c.inboxID), nil
}

func (c *busClient) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.bus.messagesFor(conversationID)
}

func (c *busClient) StartSync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = true
	c.paused = false
	return nil
}

func (c *busClient) PauseSync() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
}

func (c *busClient) ResumeSync() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		c.paused = false
	}
}

func (c *busClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = false
	c.closed = true
	return nil
}

// SyncPaused is exposed for tests asserting pause/resume behavior.
func (c *busClient) SyncPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}
