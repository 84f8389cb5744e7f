// Package config defines the fabric configuration surface. All sections are
// YAML-mapped structs with defaults applied by the loader.
package config

import (
	"fmt"
	"time"
)

// Config is the complete fabric configuration.
type Config struct {
	Logging    LoggingConfig    `yaml:"logging"`
	Dedupe     DedupeConfig     `yaml:"dedupe"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Outbound   OutboundConfig   `yaml:"outbound"`
	Session    SessionConfig    `yaml:"session"`
	DeadLetter DeadLetterConfig `yaml:"dead_letter"`
	Instance   InstanceConfig   `yaml:"instance"`
	Bootstrap  BootstrapConfig  `yaml:"bootstrap"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	Redis      RedisConfig      `yaml:"redis"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level    string            `yaml:"level"`
	Rotation LogRotationConfig `yaml:"rotation"`
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
type LogRotationConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Filename   string `yaml:"filename"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// DedupeConfig controls the inbound duplicate-detection set.
type DedupeConfig struct {
	Backend       string        `yaml:"backend"` // "memory" or "redis"
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// IngestConfig controls the inbound policy/security pipeline.
type IngestConfig struct {
	GatingTimeout         time.Duration `yaml:"gating_timeout"`
	ModerationTimeout     time.Duration `yaml:"moderation_timeout"`
	SecurityTimeout       time.Duration `yaml:"security_timeout"`
	PolicyTimeoutFallback string        `yaml:"policy_timeout_fallback"` // "deny" or "allow_with_flag"
	VerifyTimeoutPolicy   string        `yaml:"verify_timeout_policy"`   // "deny" or "allow_with_flag"
	SanitizeTimeoutPolicy string        `yaml:"sanitize_timeout_policy"` // "deny" or "allow_original"
}

// OutboundConfig controls the partitioned outbound gateway.
type OutboundConfig struct {
	PartitionCount    int           `yaml:"partition_count"` // power of two recommended
	QueueCapacity     int           `yaml:"queue_capacity"`
	WarnRatio         float64       `yaml:"warn_ratio"`
	DegradedRatio     float64       `yaml:"degraded_ratio"`
	ShedRatio         float64       `yaml:"shed_ratio"`
	ShedAction        string        `yaml:"shed_action"`     // "reject" or "drop_low_priority"
	DegradedAction    string        `yaml:"degraded_action"` // "throttle" or "admit"
	DegradedThrottle  time.Duration `yaml:"degraded_throttle"`
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseBackoff       time.Duration `yaml:"base_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	DispatchTimeout   time.Duration `yaml:"dispatch_timeout"`
	SentCacheSize     int           `yaml:"sent_cache_size"`
	SentCacheTTL      time.Duration `yaml:"sent_cache_ttl"`
	UnsupportedPolicy string        `yaml:"unsupported_media_policy"` // "fallback_text" or "reject"
}

// SessionConfig controls the session route cache.
type SessionConfig struct {
	PartitionCount         int           `yaml:"partition_count"`
	TTL                    time.Duration `yaml:"ttl"`
	MaxEntriesPerPartition int           `yaml:"max_entries_per_partition"`
	PruneInterval          time.Duration `yaml:"prune_interval"`
}

// DeadLetterConfig controls the dead-letter store and replay workers.
type DeadLetterConfig struct {
	MaxRecords       int `yaml:"max_records"`
	ReplayPartitions int `yaml:"replay_partitions"`
}

// InstanceConfig controls per-instance lifecycle supervision.
type InstanceConfig struct {
	ReconnectBaseBackoff time.Duration `yaml:"reconnect_base_backoff"`
	ReconnectMaxBackoff  time.Duration `yaml:"reconnect_max_backoff"`
	ReconnectJitterRatio float64       `yaml:"reconnect_jitter_ratio"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ProbeInterval        time.Duration `yaml:"probe_interval"`
	MaxRestarts          int           `yaml:"max_restarts"`
	RestartWindow        time.Duration `yaml:"restart_window"`
}

// BootstrapConfig controls manifest bootstrap.
type BootstrapConfig struct {
	ManifestPaths   []string `yaml:"manifest_paths"`
	CollisionPolicy string   `yaml:"collision_policy"` // "prefer_first" or "prefer_last"
	RequiredBridges []string `yaml:"required_bridges"`
	ClearExisting   bool     `yaml:"clear_existing"`
}

// WebhookConfig controls the inbound webhook surface.
type WebhookConfig struct {
	Listen      string        `yaml:"listen"`
	MountPath   string        `yaml:"mount_path"`
	MaxBodySize int64         `yaml:"max_body_size"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// RedisConfig configures the optional redis dedupe backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// ApplyDefaults fills zero values with production defaults.
func (c *Config) ApplyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Dedupe.Backend == "" {
		c.Dedupe.Backend = "memory"
	}
	if c.Dedupe.TTL <= 0 {
		c.Dedupe.TTL = 10 * time.Minute
	}
	if c.Dedupe.SweepInterval <= 0 {
		c.Dedupe.SweepInterval = time.Minute
	}

	if c.Ingest.GatingTimeout <= 0 {
		c.Ingest.GatingTimeout = 2 * time.Second
	}
	if c.Ingest.ModerationTimeout <= 0 {
		c.Ingest.ModerationTimeout = 2 * time.Second
	}
	if c.Ingest.SecurityTimeout <= 0 {
		c.Ingest.SecurityTimeout = time.Second
	}
	if c.Ingest.PolicyTimeoutFallback == "" {
		c.Ingest.PolicyTimeoutFallback = "deny"
	}
	if c.Ingest.VerifyTimeoutPolicy == "" {
		c.Ingest.VerifyTimeoutPolicy = "deny"
	}
	if c.Ingest.SanitizeTimeoutPolicy == "" {
		c.Ingest.SanitizeTimeoutPolicy = "allow_original"
	}

	if c.Outbound.PartitionCount <= 0 {
		c.Outbound.PartitionCount = 8
	}
	if c.Outbound.QueueCapacity <= 0 {
		c.Outbound.QueueCapacity = 256
	}
	if c.Outbound.WarnRatio <= 0 {
		c.Outbound.WarnRatio = 0.5
	}
	if c.Outbound.DegradedRatio <= 0 {
		c.Outbound.DegradedRatio = 0.75
	}
	if c.Outbound.ShedRatio <= 0 {
		c.Outbound.ShedRatio = 0.9
	}
	if c.Outbound.ShedAction == "" {
		c.Outbound.ShedAction = "reject"
	}
	if c.Outbound.DegradedAction == "" {
		c.Outbound.DegradedAction = "throttle"
	}
	if c.Outbound.DegradedThrottle <= 0 {
		c.Outbound.DegradedThrottle = 50 * time.Millisecond
	}
	if c.Outbound.MaxAttempts <= 0 {
		c.Outbound.MaxAttempts = 3
	}
	if c.Outbound.BaseBackoff <= 0 {
		c.Outbound.BaseBackoff = 100 * time.Millisecond
	}
	if c.Outbound.MaxBackoff <= 0 {
		c.Outbound.MaxBackoff = 10 * time.Second
	}
	if c.Outbound.DispatchTimeout <= 0 {
		c.Outbound.DispatchTimeout = 10 * time.Second
	}
	if c.Outbound.SentCacheSize <= 0 {
		c.Outbound.SentCacheSize = 1024
	}
	if c.Outbound.SentCacheTTL <= 0 {
		c.Outbound.SentCacheTTL = 10 * time.Minute
	}
	if c.Outbound.UnsupportedPolicy == "" {
		c.Outbound.UnsupportedPolicy = "fallback_text"
	}

	if c.Session.PartitionCount <= 0 {
		c.Session.PartitionCount = 8
	}
	if c.Session.TTL <= 0 {
		c.Session.TTL = 30 * time.Minute
	}
	if c.Session.MaxEntriesPerPartition <= 0 {
		c.Session.MaxEntriesPerPartition = 4096
	}
	if c.Session.PruneInterval <= 0 {
		c.Session.PruneInterval = time.Minute
	}

	if c.DeadLetter.MaxRecords <= 0 {
		c.DeadLetter.MaxRecords = 1000
	}
	if c.DeadLetter.ReplayPartitions <= 0 {
		c.DeadLetter.ReplayPartitions = 4
	}

	if c.Instance.ReconnectBaseBackoff <= 0 {
		c.Instance.ReconnectBaseBackoff = time.Second
	}
	if c.Instance.ReconnectMaxBackoff <= 0 {
		c.Instance.ReconnectMaxBackoff = time.Minute
	}
	if c.Instance.ReconnectJitterRatio <= 0 {
		c.Instance.ReconnectJitterRatio = 0.2
	}
	if c.Instance.MaxReconnectAttempts <= 0 {
		c.Instance.MaxReconnectAttempts = 10
	}
	if c.Instance.ProbeInterval <= 0 {
		c.Instance.ProbeInterval = 30 * time.Second
	}
	if c.Instance.MaxRestarts <= 0 {
		c.Instance.MaxRestarts = 5
	}
	if c.Instance.RestartWindow <= 0 {
		c.Instance.RestartWindow = time.Minute
	}

	if c.Bootstrap.CollisionPolicy == "" {
		c.Bootstrap.CollisionPolicy = "prefer_last"
	}

	if c.Webhook.Listen == "" {
		c.Webhook.Listen = ":8080"
	}
	if c.Webhook.MountPath == "" {
		c.Webhook.MountPath = "/webhooks"
	}
	if c.Webhook.MaxBodySize <= 0 {
		c.Webhook.MaxBodySize = 1 << 20
	}
	if c.Webhook.ReadTimeout <= 0 {
		c.Webhook.ReadTimeout = 10 * time.Second
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Outbound.WarnRatio > c.Outbound.DegradedRatio ||
		c.Outbound.DegradedRatio > c.Outbound.ShedRatio {
		return fmt.Errorf("outbound pressure ratios must satisfy warn <= degraded <= shed")
	}
	if c.Outbound.ShedRatio > 1.0 {
		return fmt.Errorf("outbound shed_ratio must be <= 1.0")
	}
	if c.Outbound.BaseBackoff > c.Outbound.MaxBackoff {
		return fmt.Errorf("outbound base_backoff must be <= max_backoff")
	}
	switch c.Outbound.ShedAction {
	case "reject", "drop_low_priority":
	default:
		return fmt.Errorf("invalid shed_action %q", c.Outbound.ShedAction)
	}
	switch c.Outbound.DegradedAction {
	case "throttle", "admit":
	default:
		return fmt.Errorf("invalid degraded_action %q", c.Outbound.DegradedAction)
	}
	switch c.Outbound.UnsupportedPolicy {
	case "fallback_text", "reject":
	default:
		return fmt.Errorf("invalid unsupported_media_policy %q", c.Outbound.UnsupportedPolicy)
	}
	switch c.Bootstrap.CollisionPolicy {
	case "prefer_first", "prefer_last":
	default:
		return fmt.Errorf("invalid collision_policy %q", c.Bootstrap.CollisionPolicy)
	}
	switch c.Dedupe.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("invalid dedupe backend %q", c.Dedupe.Backend)
	}
	if c.Dedupe.Backend == "redis" && c.Redis.Addr == "" {
		return fmt.Errorf("redis dedupe backend requires redis.addr")
	}
	switch c.Ingest.PolicyTimeoutFallback {
	case "deny", "allow_with_flag":
	default:
		return fmt.Errorf("invalid policy_timeout_fallback %q", c.Ingest.PolicyTimeoutFallback)
	}
	switch c.Ingest.SanitizeTimeoutPolicy {
	case "deny", "allow_original":
	default:
		return fmt.Errorf("invalid sanitize_timeout_policy %q", c.Ingest.SanitizeTimeoutPolicy)
	}
	return nil
}
