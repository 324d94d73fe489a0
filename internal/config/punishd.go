package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Messenger transports selectable with sync.messenger.
const (
	MessengerSQL   = "sql"
	MessengerKafka = "kafka"
	MessengerNone  = "none"
)

// Punishd holds all configuration for one punishd instance.
type Punishd struct {
	LogLevel string `yaml:"log_level"`

	Instance    InstanceConfig    `yaml:"instance"`
	Database    DatabaseConfig    `yaml:"database"`
	Sync        SyncConfig        `yaml:"sync"`
	Cache       CacheConfig       `yaml:"cache"`
	Enforcement EnforcementConfig `yaml:"enforcement"`
}

// InstanceConfig identifies this instance in the fleet.
type InstanceConfig struct {
	// ID names the sync cursor; it must be stable across restarts and unique in the fleet.
	ID         string   `yaml:"id"`
	Server     string   `yaml:"server"`
	Categories []string `yaml:"categories"`
}

// SyncConfig controls cross-instance synchronization.
type SyncConfig struct {
	Messenger    string        `yaml:"messenger"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Retention    time.Duration `yaml:"retention"`   // outbox messages older than this are pruned
	PruneEvery   int           `yaml:"prune_every"` // ticks between prunes
	Kafka        KafkaConfig   `yaml:"kafka"`
}

// KafkaConfig configures the bus messenger.
type KafkaConfig struct {
	Brokers   []string      `yaml:"brokers"`
	Topic     string        `yaml:"topic"`
	Partition int           `yaml:"partition"`
	BatchWait time.Duration `yaml:"batch_wait"`
}

// CacheConfig controls the selection cache.
type CacheConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// EnforcementConfig controls local enforcement effects.
type EnforcementConfig struct {
	// MutedCommands are blocked for muted users, matched on the first word without the slash.
	MutedCommands []string `yaml:"muted_commands"`
}

// DefaultPunishd returns Punishd config with sensible defaults.
func DefaultPunishd() Punishd {
	return Punishd{
		LogLevel: "info",
		Instance: InstanceConfig{
			ID:     "punishd-1",
			Server: "main",
		},
		Database: DefaultDatabase(),
		Sync: SyncConfig{
			Messenger:    MessengerSQL,
			PollInterval: 2 * time.Second,
			Retention:    10 * time.Minute,
			PruneEvery:   30,
			Kafka: KafkaConfig{
				Brokers:   []string{"127.0.0.1:9092"},
				Topic:     "punishd.sync",
				BatchWait: 250 * time.Millisecond,
			},
		},
		Cache: CacheConfig{
			TTL: 60 * time.Second,
		},
		Enforcement: EnforcementConfig{
			MutedCommands: []string{"msg", "tell", "w", "r", "me", "say"},
		},
	}
}

// LoadPunishd loads punishd config from a YAML file.
// If the file doesn't exist, returns defaults.
func LoadPunishd(path string) (Punishd, error) {
	cfg := DefaultPunishd()
	if err := loadYAML(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
//
// The cache TTL must be at least twice the poll interval: the selection cache
// serves a revoked punishment for at most TTL + poll interval, and a TTL shorter
// than one poll would only add database load without narrowing that window.
func (c Punishd) Validate() error {
	var errs []error

	if c.Instance.ID == "" {
		errs = append(errs, errors.New("instance.id is required"))
	}
	if c.Instance.Server == "" {
		errs = append(errs, errors.New("instance.server is required"))
	}

	switch c.Sync.Messenger {
	case MessengerSQL, MessengerNone:
	case MessengerKafka:
		if len(c.Sync.Kafka.Brokers) == 0 || c.Sync.Kafka.Topic == "" {
			errs = append(errs, errors.New("sync.kafka requires brokers and topic"))
		}
		if c.Sync.Kafka.Partition < 0 {
			errs = append(errs, fmt.Errorf("sync.kafka.partition %d is negative", c.Sync.Kafka.Partition))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown sync.messenger %q", c.Sync.Messenger))
	}

	if c.Sync.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("sync.poll_interval must be positive, got %s", c.Sync.PollInterval))
	}
	if c.Sync.Retention < 0 {
		errs = append(errs, fmt.Errorf("sync.retention must not be negative, got %s", c.Sync.Retention))
	}
	if c.Sync.Retention > 0 && c.Sync.Retention < 2*c.Sync.PollInterval {
		errs = append(errs, fmt.Errorf("sync.retention %s must be at least twice sync.poll_interval %s",
			c.Sync.Retention, c.Sync.PollInterval))
	}
	if c.Cache.TTL < 0 {
		errs = append(errs, fmt.Errorf("cache.ttl must not be negative, got %s", c.Cache.TTL))
	}
	if c.Cache.TTL > 0 && c.Cache.TTL < 2*c.Sync.PollInterval {
		errs = append(errs, fmt.Errorf("cache.ttl %s must be at least twice sync.poll_interval %s",
			c.Cache.TTL, c.Sync.PollInterval))
	}

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, strings.ToLower(c.LogLevel)) {
		errs = append(errs, fmt.Errorf("unknown log_level %q", c.LogLevel))
	}

	return errors.Join(errs...)
}

// ConsistencyWindow is the longest time a revoked or expired punishment can
// still be reported by the selection cache of this instance.
func (c Punishd) ConsistencyWindow() time.Duration {
	return c.Cache.TTL + c.Sync.PollInterval
}
