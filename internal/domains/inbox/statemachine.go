package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"palaver-chat/core/internal/domains/contracts"
	"palaver-chat/core/internal/identity"
	"palaver-chat/core/internal/messaging"
	"palaver-chat/core/internal/platform/appevents"
)

type Phase string

const (
	PhaseIdle                  Phase = "idle"
	PhaseRegistering           Phase = "registering"
	PhaseAuthorizing           Phase = "authorizing"
	PhaseAuthenticatingBackend Phase = "authenticatingBackend"
	PhaseReady                 Phase = "ready"
	PhaseBackgrounded          Phase = "backgrounded"
	PhaseStopping              Phase = "stopping"
	PhaseDeleting              Phase = "deleting"
	PhaseError                 Phase = "error"
)

// State is one point in a machine's lifecycle. Prior and Cause are set
// only for error states, giving the caller enough context to decide
// retry vs. delete.
type State struct {
	Phase Phase
	Prior Phase
	Cause error
}

var ErrMachineClosed = errors.New("inbox state machine is closed")

// ClientFactory builds the per-inbox messaging client.
type ClientFactory func(inboxID string) (messaging.Client, error)

// ConversationDeleter removes all conversation data owned by a client.
type ConversationDeleter interface {
	DeleteByClientID(ctx context.Context, clientID string) error
}

type Deps struct {
	Clients       ClientFactory
	Identities    *identity.Store
	Inboxes       *Writer
	Conversations ConversationDeleter
	Authorizer    BackendAuthorizer
	// OverrideSessionToken skips the backend exchange when non-empty.
	OverrideSessionToken string
	Events               *appevents.Bus
	Logger               *slog.Logger
}

// StateMachine drives one inbox through registration, authorization,
// lifecycle pause/resume, and deletion. All requested actions are
// serialized through a single queue; only one transition is in flight at
// a time.
type StateMachine struct {
	clientID string
	deps     Deps
	hub      *StateHub

	actions chan action
	done    chan struct{}

	mu           sync.RWMutex
	state        State
	inboxID      string
	client       messaging.Client
	sessionToken string
	netConnected bool
	closed       bool
}

type action struct {
	ctx   context.Context
	run   func(ctx context.Context) error
	reply chan error
}

func NewStateMachine(clientID string, deps Deps) *StateMachine {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	m := &StateMachine{
		clientID:     clientID,
		deps:         deps,
		hub:          NewStateHub(),
		actions:      make(chan action, 16),
		done:         make(chan struct{}),
		state:        State{Phase: PhaseIdle},
		netConnected: true,
	}
	go m.loop()
	if deps.Events != nil {
		go m.watchEvents()
	}
	return m
}

func (m *StateMachine) ClientID() string {
	return m.clientID
}

func (m *StateMachine) InboxID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.inboxID
}

func (m *StateMachine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Client returns the active messaging client, or nil outside
// ready/backgrounded.
func (m *StateMachine) Client() messaging.Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client
}

// Subscribe returns a channel of future states. Cancelling deregisters
// the observer without blocking emitters.
func (m *StateMachine) Subscribe() (<-chan State, func()) {
	return m.hub.Subscribe()
}

// Register creates a brand-new messaging identity: generates keys,
// persists them and the inbox binding, authenticates with the backend,
// starts syncing, and lands in ready.
func (m *StateMachine) Register(ctx context.Context) error {
	return m.submit(ctx, m.doRegister)
}

// Authorize restores an existing identity. The keychain record and the
// inbox binding must both agree on this machine's client identifier;
// a mismatch is fatal to the operation.
func (m *StateMachine) Authorize(ctx context.Context, inboxID string) error {
	return m.submit(ctx, func(ctx context.Context) error {
		return m.doAuthorize(ctx, inboxID)
	})
}

// Stop pauses syncing and releases the client handle. Identity and inbox
// data stay intact; the machine returns to idle.
func (m *StateMachine) Stop(ctx context.Context) error {
	return m.submit(ctx, m.doStop)
}

// StopAndDelete stops syncing and deletes the keychain identity, the
// inbox binding, and all conversation data. Callable from ready or
// error.
func (m *StateMachine) StopAndDelete(ctx context.Context) error {
	return m.submit(ctx, m.doStopAndDelete)
}

// Close shuts the machine down permanently: the action queue drains, the
// state stream terminates, and every subscriber channel is closed.
func (m *StateMachine) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	close(m.done)
	m.hub.Close()
}

func (m *StateMachine) submit(ctx context.Context, run func(ctx context.Context) error) error {
	act := action{ctx: ctx, run: run, reply: make(chan error, 1)}
	select {
	case <-m.done:
		return ErrMachineClosed
	case <-ctx.Done():
		return ctx.Err()
	case m.actions <- act:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err, ok := <-act.reply:
		if !ok {
			return ErrMachineClosed
		}
		return err
	}
}

func (m *StateMachine) loop() {
	for {
		select {
		case <-m.done:
			m.drainActions()
			return
		case act := <-m.actions:
			if act.ctx.Err() != nil {
				act.reply <- act.ctx.Err()
				continue
			}
			act.reply <- act.run(act.ctx)
		}
	}
}

func (m *StateMachine) drainActions() {
	for {
		select {
		case act := <-m.actions:
			act.reply <- ErrMachineClosed
		default:
			return
		}
	}
}

func (m *StateMachine) watchEvents() {
	events, cancel := m.deps.Events.Subscribe()
	defer cancel()
	for {
		select {
		case <-m.done:
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			m.handleEvent(event)
		}
	}
}

func (m *StateMachine) handleEvent(event appevents.Event) {
	ctx := context.Background()
	switch event.Kind {
	case appevents.KindDidEnterBackground:
		_ = m.submit(ctx, m.doEnterBackground)
	case appevents.KindWillEnterForeground:
		_ = m.submit(ctx, m.doEnterForeground)
	case appevents.KindConnectivityChanged:
		connected := event.ConnectionType != "" && event.ConnectionType != appevents.ConnectionNone
		_ = m.submit(ctx, func(context.Context) error {
			m.doConnectivityChanged(connected)
			return nil
		})
	}
}

func (m *StateMachine) doRegister(ctx context.Context) error {
	if phase := m.State().Phase; phase != PhaseIdle && phase != PhaseError {
		return fmt.Errorf("cannot register from %s", phase)
	}
	m.setPhase(PhaseRegistering)

	keys, err := identity.GenerateKeys()
	if err != nil {
		return m.fail(PhaseRegistering, contracts.WrapCategorizedError(contracts.ErrorCategoryIdentity, err))
	}
	inboxID, err := identity.BuildInboxID(keys.SigningPublicKey)
	if err != nil {
		return m.fail(PhaseRegistering, contracts.WrapCategorizedError(contracts.ErrorCategoryIdentity, err))
	}
	if err := m.deps.Identities.Save(inboxID, m.clientID, keys); err != nil {
		return m.fail(PhaseRegistering, contracts.WrapCategorizedError(contracts.ErrorCategoryIdentity, err))
	}
	// The keychain record now exists; record the inbox identifier before
	// the fallible steps so StopAndDelete from an error state can reach
	// it instead of orphaning the saved keys.
	m.mu.Lock()
	m.inboxID = inboxID
	m.mu.Unlock()

	token, err := m.authenticateBackend(ctx, inboxID, keys)
	if err != nil {
		return m.fail(PhaseAuthenticatingBackend, err)
	}

	if _, err := m.deps.Inboxes.Save(ctx, inboxID, m.clientID); err != nil {
		return m.fail(PhaseAuthenticatingBackend, err)
	}
	return m.startClient(ctx, inboxID, token)
}

func (m *StateMachine) doAuthorize(ctx context.Context, inboxID string) error {
	if phase := m.State().Phase; phase != PhaseIdle && phase != PhaseError {
		return fmt.Errorf("cannot authorize from %s", phase)
	}
	m.setPhase(PhaseAuthorizing)

	id, keys, err := m.deps.Identities.Identity(inboxID)
	if err != nil {
		return m.fail(PhaseAuthorizing, err)
	}
	if id.ClientID != m.clientID {
		return m.fail(PhaseAuthorizing, fmt.Errorf("%w: keychain identity for %s belongs to %s",
			contracts.ErrClientIDMismatch, inboxID, id.ClientID))
	}
	record, err := m.deps.Inboxes.Find(ctx, inboxID)
	if err != nil {
		return m.fail(PhaseAuthorizing, err)
	}
	if record.ClientID != m.clientID {
		return m.fail(PhaseAuthorizing, fmt.Errorf("%w: inbox %s is bound to %s",
			contracts.ErrClientIDMismatch, inboxID, record.ClientID))
	}
	m.mu.Lock()
	m.inboxID = inboxID
	m.mu.Unlock()

	token, err := m.authenticateBackend(ctx, inboxID, keys)
	if err != nil {
		return m.fail(PhaseAuthenticatingBackend, err)
	}
	return m.startClient(ctx, inboxID, token)
}

func (m *StateMachine) authenticateBackend(ctx context.Context, inboxID string, keys *identity.KeyMaterial) (string, error) {
	m.setPhase(PhaseAuthenticatingBackend)
	if m.deps.OverrideSessionToken != "" {
		return m.deps.OverrideSessionToken, nil
	}
	if m.deps.Authorizer == nil {
		return "", nil
	}
	proof, err := signProof(keys, inboxID, time.Now())
	if err != nil {
		return "", contracts.WrapCategorizedError(contracts.ErrorCategoryIdentity, err)
	}
	token, err := m.deps.Authorizer.SessionToken(ctx, inboxID, proof)
	if err != nil {
		return "", contracts.WrapCategorizedError(contracts.ErrorCategoryNetwork, err)
	}
	return token, nil
}

func (m *StateMachine) startClient(ctx context.Context, inboxID, token string) error {
	client, err := m.deps.Clients(inboxID)
	if err != nil {
		return m.fail(PhaseAuthenticatingBackend, contracts.WrapCategorizedError(contracts.ErrorCategoryNetwork, err))
	}
	if err := client.StartSync(ctx); err != nil {
		_ = client.Close()
		return m.fail(PhaseAuthenticatingBackend, contracts.WrapCategorizedError(contracts.ErrorCategoryNetwork, err))
	}

	m.mu.Lock()
	m.inboxID = inboxID
	m.client = client
	m.sessionToken = token
	connected := m.netConnected
	m.mu.Unlock()
	if !connected {
		client.PauseSync()
	}

	m.setPhase(PhaseReady)
	return nil
}

func (m *StateMachine) doStop(context.Context) error {
	m.setPhase(PhaseStopping)
	m.releaseClient()
	m.setPhase(PhaseIdle)
	return nil
}

func (m *StateMachine) doStopAndDelete(ctx context.Context) error {
	m.mu.RLock()
	inboxID := m.inboxID
	m.mu.RUnlock()

	m.setPhase(PhaseDeleting)
	m.releaseClient()

	var errs []error
	if inboxID != "" {
		if err := m.deps.Identities.Delete(inboxID); err != nil {
			errs = append(errs, contracts.WrapCategorizedError(contracts.ErrorCategoryIdentity, err))
		}
		if err := m.deps.Inboxes.DeleteByInboxID(ctx, inboxID); err != nil {
			errs = append(errs, err)
		}
	} else {
		if err := m.deps.Inboxes.DeleteByClientID(ctx, m.clientID); err != nil {
			errs = append(errs, err)
		}
	}
	if m.deps.Conversations != nil {
		if err := m.deps.Conversations.DeleteByClientID(ctx, m.clientID); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return m.fail(PhaseDeleting, errors.Join(errs...))
	}

	m.mu.Lock()
	m.inboxID = ""
	m.sessionToken = ""
	m.mu.Unlock()
	m.setPhase(PhaseIdle)
	return nil
}

func (m *StateMachine) doEnterBackground(context.Context) error {
	if m.State().Phase != PhaseReady {
		return nil
	}
	if client := m.Client(); client != nil {
		client.PauseSync()
	}
	m.setPhase(PhaseBackgrounded)
	return nil
}

func (m *StateMachine) doEnterForeground(context.Context) error {
	if m.State().Phase != PhaseBackgrounded {
		return nil
	}
	m.mu.RLock()
	client := m.client
	connected := m.netConnected
	m.mu.RUnlock()
	if client != nil && connected {
		client.ResumeSync()
	}
	m.setPhase(PhaseReady)
	return nil
}

// doConnectivityChanged pauses or resumes the sync layer without a
// coarse state transition; connectivity is independent of the app
// lifecycle phase.
func (m *StateMachine) doConnectivityChanged(connected bool) {
	m.mu.Lock()
	m.netConnected = connected
	client := m.client
	phase := m.state.Phase
	m.mu.Unlock()
	if client == nil {
		return
	}
	if !connected {
		client.PauseSync()
		return
	}
	if phase == PhaseReady {
		client.ResumeSync()
	}
}

func (m *StateMachine) releaseClient() {
	m.mu.Lock()
	client := m.client
	m.client = nil
	m.mu.Unlock()
	if client != nil {
		client.PauseSync()
		if err := client.Close(); err != nil {
			m.deps.Logger.Warn("messaging client close failed",
				"client_id", m.clientID, "reason", err.Error())
		}
	}
}

func (m *StateMachine) setPhase(phase Phase) {
	m.mu.Lock()
	m.state = State{Phase: phase}
	state := m.state
	m.mu.Unlock()
	m.hub.Publish(state)
}

// fail records the error state and returns the cause to the caller. The
// machine stays recoverable: StopAndDelete and retries remain valid.
func (m *StateMachine) fail(prior Phase, cause error) error {
	m.mu.Lock()
	m.state = State{Phase: PhaseError, Prior: prior, Cause: cause}
	state := m.state
	m.mu.Unlock()
	m.deps.Logger.Warn("inbox state machine error",
		"client_id", m.clientID, "prior", string(prior), "reason", cause.Error())
	m.hub.Publish(state)
	return cause
}
