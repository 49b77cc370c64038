package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Store     StoreConfig     `koanf:"store"`
	Policy    PolicyConfig    `koanf:"policy"`
	Gate      GateConfig      `koanf:"gate"`
	Cooldowns CooldownsConfig `koanf:"cooldowns"`
	EventLog  EventLogConfig  `koanf:"event_log"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Ingress   IngressConfig   `koanf:"ingress"`
}

type ServerConfig struct {
	Port            int    `koanf:"port"`
	LogLevel        string `koanf:"log_level"`
	ShutdownTimeout string `koanf:"shutdown_timeout"`
}

type StoreConfig struct {
	Path         string `koanf:"path"`
	LockTimeout  string `koanf:"lock_timeout"`
	LockRetry    string `koanf:"lock_retry"`
	LockMaxRetry int    `koanf:"lock_max_retry"`
	InboxSize    int    `koanf:"inbox_size"`
}

type PolicyConfig struct {
	File string `koanf:"file"`
}

type GateConfig struct {
	QueueSize           int `koanf:"queue_size"`
	MinJustificationLen int `koanf:"min_justification_len"`
	MaxPrompts          int `koanf:"max_prompts"`
}

// CooldownsConfig carries the daemon-level cooldown defaults. The pre-merge
// nudge has no time window here; its reset is review-triggered.
type CooldownsConfig struct {
	Proactive  string `koanf:"proactive"`
	TokenTTL   string `koanf:"token_ttl"`
	TokenGrace string `koanf:"token_grace"`
}

type EventLogConfig struct {
	MaxEntries    int `koanf:"max_entries"`
	MaxFieldRunes int `koanf:"max_field_runes"`
}

type SchedulerConfig struct {
	SweepSchedule   string `koanf:"sweep_schedule"`
	TickInterval    string `koanf:"tick_interval"`
	ShutdownTimeout string `koanf:"shutdown_timeout"`
}

type IngressConfig struct {
	DedupeTTL string `koanf:"dedupe_ttl"`
}

const (
	DefaultServerPort              = 7171
	DefaultServerLogLevel          = "info"
	DefaultServerShutdownTimeout   = "5s"
	DefaultStoreLockTimeout        = "30s"
	DefaultStoreLockRetry          = "100ms"
	DefaultStoreLockMaxRetry       = 300
	DefaultStoreInboxSize          = 100
	DefaultGateQueueSize           = 64
	DefaultGateMinJustificationLen = 10
	DefaultGateMaxPrompts          = 5
	DefaultCooldownProactive       = "4h"
	DefaultTokenTTL                = "5s"
	DefaultTokenGrace              = "2s"
	DefaultEventLogMaxEntries      = 500
	DefaultEventLogMaxFieldRunes   = 500
	DefaultSchedulerSweepSchedule  = "*/5 * * * *"
	DefaultSchedulerTickInterval   = "30s"
	DefaultSchedulerShutdownTO     = "10s"
	DefaultIngressDedupeTTL        = "1h"
)

func Load(cmd *cobra.Command) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"server.port":                DefaultServerPort,
		"server.log_level":           DefaultServerLogLevel,
		"server.shutdown_timeout":    DefaultServerShutdownTimeout,
		"store.path":                 filepath.Join(os.Getenv("HOME"), ".mergeguard"),
		"store.lock_timeout":         DefaultStoreLockTimeout,
		"store.lock_retry":           DefaultStoreLockRetry,
		"store.lock_max_retry":       DefaultStoreLockMaxRetry,
		"store.inbox_size":           DefaultStoreInboxSize,
		"policy.file":                "",
		"gate.queue_size":            DefaultGateQueueSize,
		"gate.min_justification_len": DefaultGateMinJustificationLen,
		"gate.max_prompts":           DefaultGateMaxPrompts,
		"cooldowns.proactive":        DefaultCooldownProactive,
		"cooldowns.token_ttl":        DefaultTokenTTL,
		"cooldowns.token_grace":      DefaultTokenGrace,
		"event_log.max_entries":      DefaultEventLogMaxEntries,
		"event_log.max_field_runes":  DefaultEventLogMaxFieldRunes,
		"scheduler.sweep_schedule":   DefaultSchedulerSweepSchedule,
		"scheduler.tick_interval":    DefaultSchedulerTickInterval,
		"scheduler.shutdown_timeout": DefaultSchedulerShutdownTO,
		"ingress.dedupe_ttl":         DefaultIngressDedupeTTL,
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	// Config file loading
	configPath := ""
	if cmd != nil {
		if flag := cmd.Flags().Lookup("config"); flag != nil {
			configPath = strings.TrimSpace(flag.Value.String())
		}
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, err
		}
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			globalPath := filepath.Join(home, ".mergeguard", "config.yaml")
			if err := k.Load(file.Provider(globalPath), yaml.Parser()); err != nil {
				slog.Debug("Global config not found or invalid", "path", globalPath, "error", err)
			}
		}
	}

	// Environment Variables
	k.Load(env.Provider("MERGEGUARD_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "MERGEGUARD_")), "_", ".", -1)
	}), nil)

	// CLI Flags
	if cmd != nil {
		k.Load(posflag.Provider(cmd.Flags(), ".", k), nil)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
