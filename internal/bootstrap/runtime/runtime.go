package runtime

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"palaver-chat/core/internal/bootstrap/coreconfig"
	"palaver-chat/core/internal/domains/conversation"
	"palaver-chat/core/internal/domains/inbox"
	"palaver-chat/core/internal/domains/lifecycle"
	"palaver-chat/core/internal/identity"
	"palaver-chat/core/internal/messaging"
	"palaver-chat/core/internal/platform/appevents"
	"palaver-chat/core/internal/platform/metrics"
	"palaver-chat/core/internal/platform/privacylog"
	"palaver-chat/core/internal/platform/ratelimiter"
	"palaver-chat/core/internal/storage"
)

const storagePassphraseEnv = "PALAVER_STORAGE_PASSPHRASE"

// Core wires the full daemon: storage, identity keychain, messaging
// transport, the lifecycle manager, the pending-invite sweeper, and the
// sleeping-inbox message checker.
type Core struct {
	Config   coreconfig.Config
	Logger   *slog.Logger
	Events   *appevents.Bus
	Network  *appevents.NetworkMonitor
	Manager  *lifecycle.Manager
	Checker  *lifecycle.SleepingInboxMessageChecker
	Sweeper  *conversation.Sweeper
	DB       *storage.DB
	Identity *identity.Store
	Metrics  *metrics.Core
}

// New builds a Core from config. The data directory is created if
// missing; the storage passphrase comes from the environment or an
// auto-generated key file.
func New(cfg coreconfig.Config) (*Core, error) {
	logger := slog.New(privacylog.WrapHandler(slog.NewJSONHandler(os.Stdout, nil)))

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, err
	}
	secret, err := storagePassphrase(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	db, err := storage.Open(filepath.Join(cfg.DataDir, "core.db"))
	if err != nil {
		return nil, err
	}

	identityStore := identity.NewStore(filepath.Join(cfg.DataDir, "identities"), secret)
	inboxWriter := inbox.NewWriter(db)
	conversationWriter := conversation.NewWriter(db)
	activity := lifecycle.NewActivityRepository(db)
	events := appevents.NewBus()
	reg := metrics.New(prometheus.DefaultRegisterer)

	pool := lifecycle.NewPool(lifecycle.NewEncryptedPoolStore(
		filepath.Join(cfg.DataDir, "pool.enc"), secret))

	sessionToken := strings.TrimSpace(os.Getenv("PALAVER_SESSION_TOKEN"))
	if sessionToken == "" {
		sessionToken = "local-session"
	}
	machines := func(clientID string) *inbox.StateMachine {
		return inbox.NewStateMachine(clientID, inbox.Deps{
			Clients: func(inboxID string) (messaging.Client, error) {
				return messaging.NewClient(cfg.Network, inboxID)
			},
			Identities:    identityStore,
			Inboxes:       inboxWriter,
			Conversations: conversationWriter,
			Authorizer:    inbox.StaticTokenAuthorizer{Token: sessionToken},
			Events:        events,
			Logger:        logger,
		})
	}

	manager := lifecycle.NewManager(lifecycle.ManagerDeps{
		Machines:        machines,
		Activity:        activity,
		Inboxes:         inboxWriter,
		Conversations:   conversationWriter,
		Pool:            pool,
		Metrics:         reg,
		Logger:          logger,
		MaxAwakeInboxes: cfg.Lifecycle.MaxAwakeInboxes,
		PoolTargetSize:  cfg.Lifecycle.PoolTargetSize,
	})

	metadata, err := messaging.NewMetadataSource(cfg.Network)
	if err != nil {
		return nil, err
	}
	var limiter *ratelimiter.MapLimiter
	if cfg.Lifecycle.WakeRatePerClient > 0 {
		limiter = ratelimiter.New(cfg.Lifecycle.WakeRatePerClient, cfg.Lifecycle.WakeBurst, time.Hour)
	}
	checker := lifecycle.NewSleepingInboxMessageChecker(lifecycle.CheckerDeps{
		Manager:  manager,
		Activity: activity,
		Metadata: metadata,
		Events:   events,
		Logger:   logger,
		Interval: cfg.Lifecycle.CheckInterval,
		Limiter:  limiter,
	})

	sweeper := &conversation.Sweeper{
		DB:         db,
		Identities: identityStore,
		TTL:        cfg.Lifecycle.PendingInviteTTL,
		Logger:     logger,
		Untrack:    manager.Untrack,
		Deleted: func(count int) {
			reg.SweepDeletions.Add(float64(count))
		},
	}

	return &Core{
		Config:   cfg,
		Logger:   logger,
		Events:   events,
		Network:  appevents.NewNetworkMonitor(events),
		Manager:  manager,
		Checker:  checker,
		Sweeper:  sweeper,
		DB:       db,
		Identity: identityStore,
		Metrics:  reg,
	}, nil
}

// Run restores tracked inboxes, starts the checker and sweep loop, then
// blocks until the context is cancelled and everything is shut down.
func (c *Core) Run(ctx context.Context) error {
	if err := c.restore(); err != nil {
		return err
	}
	go c.Manager.ReplenishPool(ctx)
	c.Checker.Start()

	sweepTicker := time.NewTicker(c.Config.Lifecycle.SweepInterval)
	defer sweepTicker.Stop()

	c.Logger.Info("core started",
		"transport", c.Config.Network.Transport,
		"max_awake", c.Config.Lifecycle.MaxAwakeInboxes)

	for {
		select {
		case <-ctx.Done():
			c.Checker.Stop()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			c.Manager.StopAll(shutdownCtx)
			cancel()
			c.Logger.Info("core stopped")
			return nil
		case <-sweepTicker.C:
			deleted, err := c.Sweeper.DeleteExpiredPendingInvites(ctx)
			if err != nil {
				c.Logger.Warn("pending invite sweep failed", "reason", err.Error())
				continue
			}
			if deleted > 0 {
				c.Logger.Info("pending invite sweep finished", "deleted", deleted)
			}
		}
	}
}

// restore registers every persisted identity with the manager as
// sleeping, so the checker can wake inboxes that receive messages while
// the process was down.
func (c *Core) restore() error {
	identities, err := c.Identity.LoadAll()
	if err != nil {
		return err
	}
	for _, id := range identities {
		c.Manager.TrackSleeping(id.ClientID, id.InboxID)
	}
	if len(identities) > 0 {
		c.Logger.Info("restored tracked inboxes", "count", len(identities))
	}
	return nil
}

// storagePassphrase prefers the env secret, then an existing key file,
// then generates and persists a fresh one.
func storagePassphrase(dataDir string) (string, error) {
	if secret := strings.TrimSpace(os.Getenv(storagePassphraseEnv)); secret != "" {
		return secret, nil
	}
	keyPath := filepath.Join(dataDir, "storage.key")
	existing, err := os.ReadFile(keyPath)
	if err == nil {
		if secret := strings.TrimSpace(string(existing)); secret != "" {
			return secret, nil
		}
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	secret := base64.RawStdEncoding.EncodeToString(buf)
	if err := os.WriteFile(keyPath, []byte(secret), 0o600); err != nil {
		return "", err
	}
	return secret, nil
}
