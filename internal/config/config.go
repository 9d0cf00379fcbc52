package config

import (
	"fmt"
	"time"
)

// Config represents the complete coordinator configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Registry   RegistryConfig   `mapstructure:"registry"`
	Etcd       EtcdConfig       `mapstructure:"etcd"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Lease      LeaseConfig      `mapstructure:"lease"`
	Dedup      DedupConfig      `mapstructure:"dedup"`
	Features   FeaturesConfig   `mapstructure:"features"`
	Indexing   IndexingConfig   `mapstructure:"indexing"`
	Rollout    RolloutConfig    `mapstructure:"rollout"`
	Watermark  WatermarkConfig  `mapstructure:"watermark"`
	Accounting AccountingConfig `mapstructure:"accounting"`
	Nodes      NodesConfig      `mapstructure:"nodes"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig represents the admin/node-facing HTTP server configuration
type ServerConfig struct {
	Host     string `mapstructure:"host"`
	HTTPPort int    `mapstructure:"http_port"`
}

// AuthConfig represents authentication configuration
type AuthConfig struct {
	Enabled bool     `mapstructure:"enabled"`  // Enable/disable API key authentication
	APIKeys []string `mapstructure:"api_keys"` // List of valid API keys for /admin

	NodeAPIKeys []string `mapstructure:"node_api_keys"` // keys search nodes present on /internal; empty falls back to api_keys
}

// RegistryConfig points at the SQLite database holding nodes, indices, repositories and tasks
type RegistryConfig struct {
	Path string `mapstructure:"path"`
}

// EtcdConfig represents etcd configuration
type EtcdConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
}

// QueueConfig represents event bus configuration
type QueueConfig struct {
	Type     string `mapstructure:"type"` // nats, redis, kafka, memory
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`

	// Subject prefix for every published event (default: "searchcoord.events")
	SubjectPrefix string `mapstructure:"subject_prefix"`

	// Redis-specific options
	RedisDB       int    `mapstructure:"redis_db"`
	RedisStream   string `mapstructure:"redis_stream"`
	RedisGroup    string `mapstructure:"redis_group"`
	RedisConsumer string `mapstructure:"redis_consumer"`

	// Kafka-specific options
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	KafkaGroupID string   `mapstructure:"kafka_group_id"`
}

// LeaseConfig selects the exclusive lease backend
type LeaseConfig struct {
	Backend   string `mapstructure:"backend"` // etcd, redis, memory
	RedisURL  string `mapstructure:"redis_url"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// DedupConfig selects where event deduplication markers live
type DedupConfig struct {
	Backend  string        `mapstructure:"backend"` // redis, memory
	RedisURL string        `mapstructure:"redis_url"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// FeaturesConfig holds the static feature gates. Dynamic overrides live in etcd.
type FeaturesConfig struct {
	IndexingEnabled bool `mapstructure:"indexing_enabled"`
	Licensed        bool `mapstructure:"licensed"`
	IndexingPaused  bool `mapstructure:"indexing_paused"`
}

// IndexingConfig configures task generation and event ingestion
type IndexingConfig struct {
	BatchSize            int           `mapstructure:"batch_size"`             // projects per bulk task creation (default: 1000)
	RepositoryRetries    int           `mapstructure:"repository_retries"`     // initial retries_left (default: 3)
	RetryDelay           time.Duration `mapstructure:"retry_delay"`            // delay for the index_repo task created after a failure
	TaskClaimLimit       int           `mapstructure:"task_claim_limit"`       // max tasks handed to a node per claim
	HealthDeferralDelay  time.Duration `mapstructure:"health_deferral_delay"`  // redelivery delay when the registry is unhealthy
	MarkReadyBatchSize   int           `mapstructure:"mark_ready_batch_size"`  // indices transitioned to ready per event
	DeleteBatchSize      int           `mapstructure:"delete_batch_size"`      // repositories marked pending_deletion per batch
	ReconcileBatchSize   int           `mapstructure:"reconcile_batch_size"`   // repositories re-queued per reconcile run
	ScheduleInterval     time.Duration `mapstructure:"schedule_interval"`      // scheduling service tick
	JobConcurrency       int           `mapstructure:"job_concurrency"`        // parallel async jobs
	JobRatePerSecond     float64       `mapstructure:"job_rate_per_second"`    // job dispatch pacing
	JobMaxAttempts       int           `mapstructure:"job_max_attempts"`       // redelivery attempts for failing jobs
	JobRetryBaseInterval time.Duration `mapstructure:"job_retry_base_interval"` // backoff base for failing jobs
}

// RolloutConfig configures the rollout scheduler and placement
type RolloutConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	Interval            time.Duration `mapstructure:"interval"`
	LeaseTTL            time.Duration `mapstructure:"lease_ttl"`
	LeaseRetries        int           `mapstructure:"lease_retries"`
	LeaseSleep          time.Duration `mapstructure:"lease_sleep"`
	MaxRetries          int           `mapstructure:"max_retries"`
	InitialBackoff      time.Duration `mapstructure:"initial_backoff"`
	BatchSize           int           `mapstructure:"batch_size"`
	ReservationFactor   float64       `mapstructure:"reservation_factor"`
	MinReservationBytes int64         `mapstructure:"min_reservation_bytes"`
}

// WatermarkConfig configures the eviction controller
type WatermarkConfig struct {
	EvictionBatchSize int `mapstructure:"eviction_batch_size"`
}

// AccountingConfig configures the storage accounting refresher
type AccountingConfig struct {
	BatchSize           int `mapstructure:"batch_size"`            // stale indices per run (default: 100)
	RepositoryBatchSize int `mapstructure:"repository_batch_size"` // repositories summed per query (default: 10000)
}

// NodesConfig configures fleet synchronisation and probing
type NodesConfig struct {
	SyncInterval  time.Duration `mapstructure:"sync_interval"`
	LostTimeout   time.Duration `mapstructure:"lost_timeout"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, file path
	TimeFormat string `mapstructure:"time_format"` // RFC3339, Unix, Kitchen
	MaxSizeMB  int    `mapstructure:"max_size_mb"` // rotation size for file output
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Registry.Validate(); err != nil {
		return fmt.Errorf("registry config: %w", err)
	}

	if err := c.Etcd.Validate(); err != nil {
		return fmt.Errorf("etcd config: %w", err)
	}

	if err := c.Lease.Validate(c.Etcd.Enabled); err != nil {
		return fmt.Errorf("lease config: %w", err)
	}

	if err := c.Dedup.Validate(); err != nil {
		return fmt.Errorf("dedup config: %w", err)
	}

	if err := c.Indexing.Validate(); err != nil {
		return fmt.Errorf("indexing config: %w", err)
	}

	if err := c.Rollout.Validate(); err != nil {
		return fmt.Errorf("rollout config: %w", err)
	}

	if err := c.Watermark.Validate(); err != nil {
		return fmt.Errorf("watermark config: %w", err)
	}

	if err := c.Accounting.Validate(); err != nil {
		return fmt.Errorf("accounting config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (c *ServerConfig) Validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.HTTPPort)
	}
	return nil
}

// Validate validates registry configuration
func (c *RegistryConfig) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("path is required")
	}
	return nil
}

// Validate validates etcd configuration
func (c *EtcdConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	if len(c.Endpoints) == 0 {
		return fmt.Errorf("etcd.endpoints is required")
	}

	if c.DialTimeout <= 0 {
		return fmt.Errorf("etcd.dial_timeout must be positive")
	}

	return nil
}

// Validate validates lease configuration
func (c *LeaseConfig) Validate(etcdEnabled bool) error {
	switch c.Backend {
	case "memory":
	case "etcd":
		if !etcdEnabled {
			return fmt.Errorf("lease.backend etcd requires etcd.enabled")
		}
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("lease.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("lease.backend must be one of: etcd, redis, memory")
	}
	return nil
}

// Validate validates dedup configuration
func (c *DedupConfig) Validate() error {
	switch c.Backend {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("dedup.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("dedup.backend must be 'redis' or 'memory'")
	}

	if c.TTL <= 0 {
		return fmt.Errorf("dedup.ttl must be positive")
	}
	return nil
}

// Validate validates indexing configuration
func (c *IndexingConfig) Validate() error {
	if c.BatchSize < 1 {
		return fmt.Errorf("indexing.batch_size must be at least 1")
	}

	if c.RepositoryRetries < 1 {
		return fmt.Errorf("indexing.repository_retries must be at least 1")
	}

	if c.MarkReadyBatchSize < 1 || c.DeleteBatchSize < 1 || c.ReconcileBatchSize < 1 {
		return fmt.Errorf("indexing batch sizes must be at least 1")
	}

	if c.JobConcurrency < 1 {
		return fmt.Errorf("indexing.job_concurrency must be at least 1")
	}

	if c.ScheduleInterval <= 0 {
		return fmt.Errorf("indexing.schedule_interval must be positive")
	}

	return nil
}

// Validate validates rollout configuration
func (c *RolloutConfig) Validate() error {
	if c.LeaseTTL <= 0 {
		return fmt.Errorf("rollout.lease_ttl must be positive")
	}

	if c.LeaseRetries < 0 {
		return fmt.Errorf("rollout.lease_retries cannot be negative")
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("rollout.max_retries cannot be negative")
	}

	if c.InitialBackoff <= 0 {
		return fmt.Errorf("rollout.initial_backoff must be positive")
	}

	if c.BatchSize < 1 {
		return fmt.Errorf("rollout.batch_size must be at least 1")
	}

	if c.ReservationFactor < 1 {
		return fmt.Errorf("rollout.reservation_factor must be at least 1")
	}

	return nil
}

// Validate validates watermark configuration
func (c *WatermarkConfig) Validate() error {
	if c.EvictionBatchSize < 1 {
		return fmt.Errorf("watermark.eviction_batch_size must be at least 1")
	}
	return nil
}

// Validate validates accounting configuration
func (c *AccountingConfig) Validate() error {
	if c.BatchSize < 1 {
		return fmt.Errorf("accounting.batch_size must be at least 1")
	}

	if c.RepositoryBatchSize < 1 {
		return fmt.Errorf("accounting.repository_batch_size must be at least 1")
	}

	return nil
}

// Validate validates logging configuration
func (c *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"json":    true,
		"console": true,
	}

	if !validFormats[c.Format] {
		return fmt.Errorf("logging.format must be 'json' or 'console'")
	}

	return nil
}
