package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"palaver-chat/core/internal/domains/inbox"
	"palaver-chat/core/internal/messaging"
	"palaver-chat/core/internal/platform/appevents"
	"palaver-chat/core/internal/platform/ratelimiter"
)

// Waker is the slice of the manager the checker drives.
type Waker interface {
	SleepingSnapshot() []SleepingInbox
	Wake(ctx context.Context, clientID, inboxID, reason string) (*inbox.StateMachine, error)
}

type CheckerDeps struct {
	Manager  Waker
	Activity ActivityRepository
	Metadata messaging.MetadataSource
	Events   *appevents.Bus
	Logger   *slog.Logger
	Interval time.Duration
	// Limiter throttles per-client wakes so a noisy conversation cannot
	// thrash the awake set. Nil disables throttling.
	Limiter *ratelimiter.MapLimiter
}

// SleepingInboxMessageChecker periodically scans the sleeping set and
// wakes any inbox whose newest message arrived after it went to sleep.
type SleepingInboxMessageChecker struct {
	deps CheckerDeps

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSleepingInboxMessageChecker(deps CheckerDeps) *SleepingInboxMessageChecker {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Interval <= 0 {
		deps.Interval = time.Minute
	}
	return &SleepingInboxMessageChecker{deps: deps}
}

// Start launches the periodic scan loop. Calling Start on a running
// checker is a no-op.
func (c *SleepingInboxMessageChecker) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	done := make(chan struct{})
	c.done = done
	go c.loop(ctx, done)
}

// Stop halts the loop and waits for it to exit. Stopping an idle
// checker is a no-op.
func (c *SleepingInboxMessageChecker) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.cancel = nil
	c.done = nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// loop owns the done channel it was handed; Stop clears the field
// before the goroutine may have run, so the field must not be re-read.
func (c *SleepingInboxMessageChecker) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	var events <-chan appevents.Event
	if c.deps.Events != nil {
		ch, cancel := c.deps.Events.Subscribe()
		defer cancel()
		events = ch
	}

	ticker := time.NewTicker(c.deps.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CheckNow(ctx)
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			// On foreground return or regained connectivity, scan right
			// away instead of waiting out the interval.
			if event.Kind == appevents.KindWillEnterForeground ||
				(event.Kind == appevents.KindConnectivityChanged &&
					event.ConnectionType != appevents.ConnectionNone) {
				c.CheckNow(ctx)
			}
		}
	}
}

// CheckNow runs one scan immediately. Clients that have never actually
// slept, or that have no conversations, are skipped without touching
// the network. Wake failures are logged and the scan continues.
func (c *SleepingInboxMessageChecker) CheckNow(ctx context.Context) {
	snapshot := c.deps.Manager.SleepingSnapshot()
	if len(snapshot) == 0 {
		return
	}

	type candidate struct {
		inbox           SleepingInbox
		conversationIDs []string
	}
	candidates := make([]candidate, 0, len(snapshot))
	var allIDs []string
	for _, sleeping := range snapshot {
		if sleeping.SleptAt.IsZero() {
			continue
		}
		ids, err := c.deps.Activity.ConversationIDs(ctx, sleeping.ClientID)
		if err != nil {
			c.deps.Logger.Warn("conversation lookup failed",
				"client_id", sleeping.ClientID, "reason", err.Error())
			continue
		}
		if len(ids) == 0 {
			continue
		}
		candidates = append(candidates, candidate{inbox: sleeping, conversationIDs: ids})
		allIDs = append(allIDs, ids...)
	}
	if len(candidates) == 0 {
		return
	}

	newest, err := c.deps.Metadata.NewestMessageMetadata(ctx, allIDs)
	if err != nil {
		c.deps.Logger.Warn("newest message query failed", "reason", err.Error())
		return
	}

	now := time.Now()
	for _, cand := range candidates {
		sleptAtNs := cand.inbox.SleptAt.UnixNano()
		shouldWake := false
		for _, id := range cand.conversationIDs {
			meta, ok := newest[id]
			if !ok {
				continue
			}
			if meta.CreatedAtNs > sleptAtNs {
				shouldWake = true
				break
			}
		}
		if !shouldWake {
			continue
		}
		if c.deps.Limiter != nil && !c.deps.Limiter.Allow(cand.inbox.ClientID, now) {
			c.deps.Logger.Debug("wake throttled", "client_id", cand.inbox.ClientID)
			continue
		}
		if _, err := c.deps.Manager.Wake(ctx, cand.inbox.ClientID, cand.inbox.InboxID, WakeReasonNewMessage); err != nil {
			c.deps.Logger.Warn("wake on new message failed",
				"client_id", cand.inbox.ClientID, "reason", err.Error())
		}
	}
}
