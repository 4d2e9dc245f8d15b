package coreconfig

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"palaver-chat/core/internal/messaging"
)

// Config is the full daemon configuration: messaging transport plus the
// lifecycle knobs for the awake cap, the pending-invite sweep, and the
// sleeping-inbox checker.
type Config struct {
	DataDir   string           `yaml:"dataDir"`
	Network   messaging.Config `yaml:"network"`
	Lifecycle LifecycleConfig  `yaml:"lifecycle"`
}

type LifecycleConfig struct {
	MaxAwakeInboxes  int           `yaml:"maxAwakeInboxes"`
	PoolTargetSize   int           `yaml:"poolTargetSize"`
	PendingInviteTTL time.Duration `yaml:"pendingInviteTTL"`
	SweepInterval    time.Duration `yaml:"sweepInterval"`
	CheckInterval    time.Duration `yaml:"checkInterval"`
	// WakeRatePerClient throttles message-triggered wakes per client id;
	// zero or negative disables throttling.
	WakeRatePerClient float64 `yaml:"wakeRatePerClient"`
	WakeBurst         int     `yaml:"wakeBurst"`
}

func Default() Config {
	return Config{
		DataDir: "data",
		Network: messaging.DefaultConfig(),
		Lifecycle: LifecycleConfig{
			MaxAwakeInboxes:   5,
			PoolTargetSize:    2,
			PendingInviteTTL:  7 * 24 * time.Hour,
			SweepInterval:     time.Hour,
			CheckInterval:     time.Minute,
			WakeRatePerClient: 0.2,
			WakeBurst:         3,
		},
	}
}

// LoadFromPath reads the first readable candidate config file, merges
// it over the defaults, and applies PALAVER_* environment overrides.
// A missing or unparsable file falls back to defaults plus env.
func LoadFromPath(configPath string) Config {
	cfg := Default()

	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates, "configs/config.yaml")
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var parsed Config
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			continue
		}
		merged := cfg
		Merge(&merged, parsed)
		ApplyEnvOverrides(&merged)
		return merged
	}

	ApplyEnvOverrides(&cfg)
	return cfg
}

func Merge(dst *Config, src Config) {
	if src.DataDir != "" {
		dst.DataDir = src.DataDir
	}
	if src.Network.Transport != "" {
		dst.Network.Transport = src.Network.Transport
	}
	if src.Network.Port != 0 {
		dst.Network.Port = src.Network.Port
	}
	if src.Network.BootstrapNodes != nil {
		dst.Network.BootstrapNodes = src.Network.BootstrapNodes
	}
	if src.Network.StoreQueryFanout != 0 {
		dst.Network.StoreQueryFanout = src.Network.StoreQueryFanout
	}
	if src.Network.SyncInterval != 0 {
		dst.Network.SyncInterval = src.Network.SyncInterval
	}
	if src.Lifecycle.MaxAwakeInboxes != 0 {
		dst.Lifecycle.MaxAwakeInboxes = src.Lifecycle.MaxAwakeInboxes
	}
	if src.Lifecycle.PoolTargetSize != 0 {
		dst.Lifecycle.PoolTargetSize = src.Lifecycle.PoolTargetSize
	}
	if src.Lifecycle.PendingInviteTTL != 0 {
		dst.Lifecycle.PendingInviteTTL = src.Lifecycle.PendingInviteTTL
	}
	if src.Lifecycle.SweepInterval != 0 {
		dst.Lifecycle.SweepInterval = src.Lifecycle.SweepInterval
	}
	if src.Lifecycle.CheckInterval != 0 {
		dst.Lifecycle.CheckInterval = src.Lifecycle.CheckInterval
	}
	if src.Lifecycle.WakeRatePerClient != 0 {
		dst.Lifecycle.WakeRatePerClient = src.Lifecycle.WakeRatePerClient
	}
	if src.Lifecycle.WakeBurst != 0 {
		dst.Lifecycle.WakeBurst = src.Lifecycle.WakeBurst
	}
}

func ApplyEnvOverrides(cfg *Config) {
	if dir := strings.TrimSpace(os.Getenv("PALAVER_DATA_DIR")); dir != "" {
		cfg.DataDir = dir
	}
	if transport := strings.TrimSpace(os.Getenv("PALAVER_NETWORK_TRANSPORT")); transport != "" {
		cfg.Network.Transport = transport
	}
	if raw := strings.TrimSpace(os.Getenv("PALAVER_MAX_AWAKE_INBOXES")); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			cfg.Lifecycle.MaxAwakeInboxes = v
		}
	}
	if raw := strings.TrimSpace(os.Getenv("PALAVER_PENDING_INVITE_TTL")); raw != "" {
		if v, err := time.ParseDuration(raw); err == nil && v > 0 {
			cfg.Lifecycle.PendingInviteTTL = v
		}
	}
	if raw := strings.TrimSpace(os.Getenv("PALAVER_CHECK_INTERVAL")); raw != "" {
		if v, err := time.ParseDuration(raw); err == nil && v > 0 {
			cfg.Lifecycle.CheckInterval = v
		}
	}
}
