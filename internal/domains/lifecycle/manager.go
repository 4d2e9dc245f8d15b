package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"palaver-chat/core/internal/domains/contracts"
	"palaver-chat/core/internal/domains/conversation"
	"palaver-chat/core/internal/domains/inbox"
	"palaver-chat/core/internal/messaging"
	"palaver-chat/core/internal/platform/metrics"
)

const (
	WakeReasonUser          = "user"
	WakeReasonNewMessage    = "newMessage"
	WakeReasonRestore       = "restore"
	WakeReasonPoolProvision = "poolProvision"
)

var ErrManagerStopped = errors.New("inbox lifecycle manager is stopped")

// MachineFactory builds the state machine for one client identifier.
type MachineFactory func(clientID string) *inbox.StateMachine

type ManagerDeps struct {
	Machines      MachineFactory
	Activity      ActivityRepository
	Inboxes       *inbox.Writer
	Conversations *conversation.Writer
	Pool          *Pool
	Metrics       *metrics.Core
	Logger        *slog.Logger
	// MaxAwakeInboxes caps the awake set; exceeding it evicts the
	// least-recently-active non-active inbox to sleeping.
	MaxAwakeInboxes int
	// PoolTargetSize is the replenishment goal for the unused pool.
	PoolTargetSize int
}

type awakeEntry struct {
	machine *inbox.StateMachine
	inboxID string
}

type sleepEntry struct {
	machine *inbox.StateMachine
	inboxID string
	sleptAt time.Time
}

// SleepingInbox is the checker's view of one sleeping client.
type SleepingInbox struct {
	ClientID string
	InboxID  string
	SleptAt  time.Time
}

// Manager is the process-wide registry of inbox state machines. It
// exclusively owns the awake and sleeping sets; every set mutation
// happens under its lock, while machine transitions run outside it.
type Manager struct {
	deps ManagerDeps

	mu       sync.Mutex
	awake    map[string]*awakeEntry
	sleeping map[string]*sleepEntry
	active   string
	stopped  bool

	replenishMu sync.Mutex
}

func NewManager(deps ManagerDeps) *Manager {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewUnregistered()
	}
	if deps.MaxAwakeInboxes <= 0 {
		deps.MaxAwakeInboxes = 5
	}
	if deps.PoolTargetSize <= 0 {
		deps.PoolTargetSize = 2
	}
	if deps.Pool == nil {
		deps.Pool = NewPool(nil)
	}
	return &Manager{
		deps:     deps,
		awake:    make(map[string]*awakeEntry),
		sleeping: make(map[string]*sleepEntry),
	}
}

// Wake brings the client's inbox into the awake set, evicting the
// least-recently-active awake inbox first when at capacity. Waking an
// already-awake inbox only bumps its activity.
func (m *Manager) Wake(ctx context.Context, clientID, inboxID, reason string) (*inbox.StateMachine, error) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil, ErrManagerStopped
	}
	if entry, ok := m.awake[clientID]; ok {
		m.mu.Unlock()
		m.recordActivity(ctx, clientID)
		return entry.machine, nil
	}

	var machine *inbox.StateMachine
	wasSleeping := false
	var priorSleep sleepEntry
	if entry, ok := m.sleeping[clientID]; ok {
		machine = entry.machine
		wasSleeping = true
		priorSleep = *entry
		delete(m.sleeping, clientID)
	}
	if machine == nil {
		machine = m.deps.Machines(clientID)
	}
	m.awake[clientID] = &awakeEntry{machine: machine, inboxID: inboxID}
	needEvict := len(m.awake) > m.deps.MaxAwakeInboxes
	m.mu.Unlock()

	if needEvict {
		if err := m.evictOne(ctx, clientID); err != nil {
			m.deps.Logger.Warn("eviction failed", "reason", err.Error())
		}
	}

	if err := machine.Authorize(ctx, inboxID); err != nil {
		m.mu.Lock()
		delete(m.awake, clientID)
		if wasSleeping {
			m.sleeping[clientID] = &priorSleep
		}
		m.mu.Unlock()
		m.updateGauges()
		return nil, err
	}

	m.recordActivity(ctx, clientID)
	m.deps.Metrics.Wakes.WithLabelValues(reason).Inc()
	m.updateGauges()
	m.deps.Logger.Info("inbox woken", "client_id", clientID, "reason", reason)
	return machine, nil
}

// Sleep moves an awake inbox to the sleeping set, recording the sleep
// timestamp the message checker compares against.
func (m *Manager) Sleep(ctx context.Context, clientID string) error {
	m.mu.Lock()
	entry, ok := m.awake[clientID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.awake, clientID)
	m.sleeping[clientID] = &sleepEntry{
		machine: entry.machine,
		inboxID: entry.inboxID,
		sleptAt: time.Now().UTC(),
	}
	if m.active == clientID {
		m.active = ""
	}
	m.mu.Unlock()

	err := entry.machine.Stop(ctx)
	m.deps.Metrics.Sleeps.Inc()
	m.updateGauges()
	m.deps.Logger.Info("inbox slept", "client_id", clientID)
	return err
}

// CreateNewInbox provisions an inbox with one user-visible conversation,
// preferring the pre-provisioned pool. It returns the machine and the
// draft conversation identifier of the visible conversation.
func (m *Manager) CreateNewInbox(ctx context.Context) (*inbox.StateMachine, string, error) {
	machine, entry, pooled, err := m.consumePooled(ctx)
	if err != nil {
		return nil, "", err
	}
	if pooled {
		// Make the pooled conversation user-visible.
		if err := m.deps.Conversations.SetUnused(ctx, entry.ConversationID, false); err != nil {
			return nil, "", err
		}
		m.deps.Metrics.PoolConsumed.Inc()
		go m.ReplenishPool(context.Background())
		return machine, entry.DraftConversationID, nil
	}
	return m.createFresh(ctx, false)
}

// CreateNewInboxOnly provisions an inbox bound to no visible
// conversation. The pooled unused conversation record is left in place
// so a later re-sync cannot recreate it.
func (m *Manager) CreateNewInboxOnly(ctx context.Context) (*inbox.StateMachine, error) {
	machine, _, pooled, err := m.consumePooled(ctx)
	if err != nil {
		return nil, err
	}
	if pooled {
		m.deps.Metrics.PoolConsumed.Inc()
		go m.ReplenishPool(context.Background())
		return machine, nil
	}
	machine, _, err = m.createFresh(ctx, true)
	return machine, err
}

// WakeAndDiscard wakes the inbox for one scoped piece of work, without
// recording activity or marking it active, then returns it to its prior
// lifecycle state.
func (m *Manager) WakeAndDiscard(ctx context.Context, clientID, inboxID string, fn func(*inbox.StateMachine) error) error {
	m.mu.Lock()
	if entry, ok := m.awake[clientID]; ok {
		machine := entry.machine
		m.mu.Unlock()
		return fn(machine)
	}
	entry, wasSleeping := m.sleeping[clientID]
	var machine *inbox.StateMachine
	var priorSleep sleepEntry
	if wasSleeping {
		machine = entry.machine
		priorSleep = *entry
	}
	// Restore-tracked sleeping entries carry no machine yet; build a
	// throwaway one the same way Wake does.
	scoped := machine == nil
	if scoped {
		machine = m.deps.Machines(clientID)
	}
	m.mu.Unlock()

	if err := machine.Authorize(ctx, inboxID); err != nil {
		if scoped {
			machine.Close()
		}
		return err
	}
	workErr := fn(machine)
	stopErr := machine.Stop(ctx)
	if scoped {
		machine.Close()
	}

	if wasSleeping {
		m.mu.Lock()
		// Preserve the original sleep timestamp: the discard wake must
		// not reset the checker's comparison baseline.
		if _, stillSleeping := m.sleeping[clientID]; stillSleeping {
			m.sleeping[clientID] = &priorSleep
		}
		m.mu.Unlock()
	}
	if workErr != nil {
		return workErr
	}
	return stopErr
}

// Rebalance enforces the awake cap, evicting least-recently-active
// inboxes until the set fits.
func (m *Manager) Rebalance(ctx context.Context) error {
	for {
		m.mu.Lock()
		over := len(m.awake) - m.deps.MaxAwakeInboxes
		m.mu.Unlock()
		if over <= 0 {
			return nil
		}
		if err := m.evictOne(ctx, ""); err != nil {
			return err
		}
	}
}

// StopAll stops every awake machine and marks the manager stopped.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	m.stopped = true
	entries := make([]*awakeEntry, 0, len(m.awake))
	for clientID, entry := range m.awake {
		entries = append(entries, entry)
		delete(m.awake, clientID)
	}
	m.mu.Unlock()

	for _, entry := range entries {
		if err := entry.machine.Stop(ctx); err != nil {
			m.deps.Logger.Warn("stop failed during shutdown", "reason", err.Error())
		}
		entry.machine.Close()
	}
	m.updateGauges()
}

// SetActive marks the foreground-focused inbox; the active inbox is
// never evicted.
func (m *Manager) SetActive(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = clientID
}

// TrackSleeping registers a known-but-not-awake inbox (restore path).
// No sleep timestamp is recorded, so the checker will not wake it until
// it has actually slept once.
func (m *Manager) TrackSleeping(clientID, inboxID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.awake[clientID]; ok {
		return
	}
	if _, ok := m.sleeping[clientID]; ok {
		return
	}
	m.sleeping[clientID] = &sleepEntry{inboxID: inboxID}
}

// Untrack removes the client from both tracking sets. The expiry sweep
// calls it after deleting an inbox so no stale entry survives.
func (m *Manager) Untrack(clientID string) {
	m.mu.Lock()
	awakeEntry, wasAwake := m.awake[clientID]
	delete(m.awake, clientID)
	delete(m.sleeping, clientID)
	if m.active == clientID {
		m.active = ""
	}
	m.mu.Unlock()
	if wasAwake {
		awakeEntry.machine.Close()
	}
	m.updateGauges()
}

// SleepingSnapshot is the checker's read of the sleeping set.
func (m *Manager) SleepingSnapshot() []SleepingInbox {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SleepingInbox, 0, len(m.sleeping))
	for clientID, entry := range m.sleeping {
		out = append(out, SleepingInbox{
			ClientID: clientID,
			InboxID:  entry.inboxID,
			SleptAt:  entry.sleptAt,
		})
	}
	return out
}

func (m *Manager) AwakeClientIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.awake))
	for clientID := range m.awake {
		out = append(out, clientID)
	}
	return out
}

// evictOne sleeps the least-recently-active awake inbox, never the
// active one and never the protected client.
func (m *Manager) evictOne(ctx context.Context, protected string) error {
	m.mu.Lock()
	candidates := make([]string, 0, len(m.awake))
	for clientID := range m.awake {
		if clientID == m.active || clientID == protected {
			continue
		}
		candidates = append(candidates, clientID)
	}
	m.mu.Unlock()
	if len(candidates) == 0 {
		return fmt.Errorf("no evictable awake inbox")
	}

	victim := ""
	var oldest time.Time
	for _, clientID := range candidates {
		at, err := m.deps.Activity.LastActiveAt(ctx, clientID)
		if err != nil {
			m.deps.Logger.Warn("activity lookup failed during eviction",
				"client_id", clientID, "reason", err.Error())
			at = time.Time{}
		}
		if victim == "" || at.Before(oldest) {
			victim = clientID
			oldest = at
		}
	}

	if err := m.Sleep(ctx, victim); err != nil {
		return err
	}
	m.deps.Metrics.Evictions.Inc()
	m.deps.Logger.Info("inbox evicted", "client_id", victim)
	return nil
}

// consumePooled pops one pooled identity and wakes it. At-most-once
// consumption is guaranteed by the pool's own locking: the entry is
// removed from the tracking store before it is handed out.
func (m *Manager) consumePooled(ctx context.Context) (*inbox.StateMachine, PoolEntry, bool, error) {
	entry, ok, err := m.deps.Pool.Consume()
	if err != nil {
		return nil, PoolEntry{}, false, contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, err)
	}
	if !ok {
		return nil, PoolEntry{}, false, nil
	}
	machine, err := m.Wake(ctx, entry.ClientID, entry.InboxID, WakeReasonUser)
	if err != nil {
		return nil, PoolEntry{}, false, err
	}
	m.updateGauges()
	return machine, entry, true, nil
}

// createFresh registers a brand-new inbox on the user-facing path; used
// when the pool is empty.
func (m *Manager) createFresh(ctx context.Context, inboxOnly bool) (*inbox.StateMachine, string, error) {
	clientID := uuid.NewString()
	machine := m.deps.Machines(clientID)

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil, "", ErrManagerStopped
	}
	m.awake[clientID] = &awakeEntry{machine: machine}
	needEvict := len(m.awake) > m.deps.MaxAwakeInboxes
	m.mu.Unlock()

	if needEvict {
		if err := m.evictOne(ctx, clientID); err != nil {
			m.deps.Logger.Warn("eviction failed", "reason", err.Error())
		}
	}

	if err := machine.Register(ctx); err != nil {
		m.mu.Lock()
		delete(m.awake, clientID)
		m.mu.Unlock()
		machine.Close()
		return nil, "", err
	}
	m.mu.Lock()
	if entry, ok := m.awake[clientID]; ok {
		entry.inboxID = machine.InboxID()
	}
	m.mu.Unlock()

	draftID, _, err := m.provisionConversation(ctx, machine, !inboxOnly)
	if err != nil {
		return nil, "", err
	}
	m.recordActivity(ctx, clientID)
	m.updateGauges()
	if inboxOnly {
		return machine, "", nil
	}
	return machine, draftID, nil
}

// provisionConversation creates the inbox's first conversation: visible
// for the user-facing path, unused for pool provisioning.
func (m *Manager) provisionConversation(ctx context.Context, machine *inbox.StateMachine, visible bool) (string, string, error) {
	client := machine.Client()
	if client == nil {
		return "", "", fmt.Errorf("machine %s has no messaging client", machine.ClientID())
	}
	draftID := conversation.NewDraftConversationID()
	tag := conversation.NewInviteTag()
	conv, err := client.CreateGroup(ctx, nil, messaging.GroupMetadata{InviteTag: tag})
	if err != nil {
		return "", "", contracts.WrapCategorizedError(contracts.ErrorCategoryNetwork, err)
	}
	stored, err := m.deps.Conversations.Store(ctx, conversation.StoreParams{
		Conversation:         conv,
		InboxID:              machine.InboxID(),
		ClientID:             machine.ClientID(),
		ClientConversationID: draftID,
		Unused:               !visible,
	})
	if err != nil {
		return "", "", err
	}
	return draftID, stored.ID, nil
}

// ReplenishPool tops the pool back up to its target size. Only one
// replenishment runs at a time; surplus calls return immediately after
// the running one finishes.
func (m *Manager) ReplenishPool(ctx context.Context) {
	m.replenishMu.Lock()
	defer m.replenishMu.Unlock()

	for m.deps.Pool.Size() < m.deps.PoolTargetSize {
		if err := m.provisionPooledInbox(ctx); err != nil {
			m.deps.Logger.Warn("pool replenishment failed", "reason", err.Error())
			return
		}
		m.deps.Metrics.PoolRefills.Inc()
	}
	m.updateGauges()
}

func (m *Manager) provisionPooledInbox(ctx context.Context) error {
	clientID := uuid.NewString()
	machine := m.deps.Machines(clientID)
	if err := machine.Register(ctx); err != nil {
		machine.Close()
		return err
	}
	draftID, conversationID, err := m.provisionConversation(ctx, machine, false)
	if err != nil {
		_ = machine.Stop(ctx)
		machine.Close()
		return err
	}
	inboxID := machine.InboxID()
	if err := machine.Stop(ctx); err != nil {
		m.deps.Logger.Warn("pooled inbox stop failed", "client_id", clientID, "reason", err.Error())
	}
	machine.Close()
	return m.deps.Pool.Add(PoolEntry{
		ClientID:            clientID,
		InboxID:             inboxID,
		ConversationID:      conversationID,
		DraftConversationID: draftID,
	})
}

func (m *Manager) recordActivity(ctx context.Context, clientID string) {
	if m.deps.Inboxes == nil {
		return
	}
	if err := m.deps.Inboxes.RecordActivity(ctx, clientID, time.Now()); err != nil {
		m.deps.Logger.Warn("activity record failed", "client_id", clientID, "reason", err.Error())
	}
}

func (m *Manager) updateGauges() {
	m.mu.Lock()
	awake := len(m.awake)
	m.mu.Unlock()
	m.deps.Metrics.AwakeInboxes.Set(float64(awake))
	m.deps.Metrics.PoolSize.Set(float64(m.deps.Pool.Size()))
}
