package config

import (
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Load loads configuration from file
func Load(configPath string) (*Config, error) {
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}
	return parseConfig(v)
}

// Watch loads the configuration and calls onChange with every valid reload of the file.
// Invalid reloads are reported through onError and the previous configuration stays in effect.
func Watch(configPath string, onChange func(*Config), onError func(error)) (*Config, error) {
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}

	cfg, err := parseConfig(v)
	if err != nil {
		return nil, err
	}

	if v.ConfigFileUsed() == "" {
		return cfg, nil
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		next, err := parseConfig(v)
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("reload %s: %w", e.Name, err))
			}
			return
		}
		onChange(next)
	})
	v.WatchConfig()

	return cfg, nil
}

func newViper(configPath string) (*viper.Viper, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/searchcoord")
	}

	setDefaults(v)

	v.SetEnvPrefix("SEARCHCOORD")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; use defaults
			return v, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	return v, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.http_port", d.Server.HTTPPort)

	v.SetDefault("registry.path", d.Registry.Path)

	v.SetDefault("etcd.enabled", d.Etcd.Enabled)
	v.SetDefault("etcd.endpoints", d.Etcd.Endpoints)
	v.SetDefault("etcd.dial_timeout", "5s")

	v.SetDefault("queue.type", d.Queue.Type)
	v.SetDefault("queue.url", "nats://localhost:4222")
	v.SetDefault("queue.subject_prefix", d.Queue.SubjectPrefix)

	v.SetDefault("lease.backend", d.Lease.Backend)
	v.SetDefault("lease.key_prefix", d.Lease.KeyPrefix)

	v.SetDefault("dedup.backend", d.Dedup.Backend)
	v.SetDefault("dedup.ttl", "1h")

	v.SetDefault("features.indexing_enabled", d.Features.IndexingEnabled)
	v.SetDefault("features.licensed", d.Features.Licensed)
	v.SetDefault("features.indexing_paused", d.Features.IndexingPaused)

	v.SetDefault("indexing.batch_size", d.Indexing.BatchSize)
	v.SetDefault("indexing.repository_retries", d.Indexing.RepositoryRetries)
	v.SetDefault("indexing.retry_delay", "5m")
	v.SetDefault("indexing.task_claim_limit", d.Indexing.TaskClaimLimit)
	v.SetDefault("indexing.health_deferral_delay", "1m")
	v.SetDefault("indexing.mark_ready_batch_size", d.Indexing.MarkReadyBatchSize)
	v.SetDefault("indexing.delete_batch_size", d.Indexing.DeleteBatchSize)
	v.SetDefault("indexing.reconcile_batch_size", d.Indexing.ReconcileBatchSize)
	v.SetDefault("indexing.schedule_interval", "1m")
	v.SetDefault("indexing.job_concurrency", d.Indexing.JobConcurrency)
	v.SetDefault("indexing.job_rate_per_second", d.Indexing.JobRatePerSecond)
	v.SetDefault("indexing.job_max_attempts", d.Indexing.JobMaxAttempts)
	v.SetDefault("indexing.job_retry_base_interval", "10s")

	v.SetDefault("rollout.enabled", d.Rollout.Enabled)
	v.SetDefault("rollout.interval", "10m")
	v.SetDefault("rollout.lease_ttl", "10m")
	v.SetDefault("rollout.lease_retries", d.Rollout.LeaseRetries)
	v.SetDefault("rollout.lease_sleep", "1s")
	v.SetDefault("rollout.max_retries", d.Rollout.MaxRetries)
	v.SetDefault("rollout.initial_backoff", "5m")
	v.SetDefault("rollout.batch_size", d.Rollout.BatchSize)
	v.SetDefault("rollout.reservation_factor", d.Rollout.ReservationFactor)
	v.SetDefault("rollout.min_reservation_bytes", d.Rollout.MinReservationBytes)

	v.SetDefault("watermark.eviction_batch_size", d.Watermark.EvictionBatchSize)

	v.SetDefault("accounting.batch_size", d.Accounting.BatchSize)
	v.SetDefault("accounting.repository_batch_size", d.Accounting.RepositoryBatchSize)

	v.SetDefault("nodes.sync_interval", "30s")
	v.SetDefault("nodes.lost_timeout", "5m")
	v.SetDefault("nodes.probe_interval", "30s")
	v.SetDefault("nodes.probe_timeout", "5s")

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output_path", d.Logging.OutputPath)
	v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", d.Logging.MaxAgeDays)
}

// parseConfig parses viper config into Config struct
func parseConfig(v *viper.Viper) (*Config, error) {
	var cfg Config

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// LoadOrDefault loads configuration from file or returns default config
func LoadOrDefault(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		return DefaultConfig()
	}
	return cfg
}

// DefaultConfig returns a configuration that runs fully in-process:
// memory bus, memory lease, memory dedup and a local SQLite registry.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:     "0.0.0.0",
			HTTPPort: 5570,
		},
		Registry: RegistryConfig{
			Path: "./data/registry.db",
		},
		Etcd: EtcdConfig{
			Enabled:     false,
			Endpoints:   []string{"http://localhost:2379"},
			DialTimeout: 5 * time.Second,
		},
		Queue: QueueConfig{
			Type:          "memory",
			SubjectPrefix: "searchcoord.events",
		},
		Lease: LeaseConfig{
			Backend:   "memory",
			KeyPrefix: "/searchcoord/leases/",
		},
		Dedup: DedupConfig{
			Backend: "memory",
			TTL:     time.Hour,
		},
		Features: FeaturesConfig{
			IndexingEnabled: true,
			Licensed:        true,
		},
		Indexing: IndexingConfig{
			BatchSize:            1000,
			RepositoryRetries:    3,
			RetryDelay:           5 * time.Minute,
			TaskClaimLimit:       100,
			HealthDeferralDelay:  time.Minute,
			MarkReadyBatchSize:   1000,
			DeleteBatchSize:      1000,
			ReconcileBatchSize:   1000,
			ScheduleInterval:     time.Minute,
			JobConcurrency:       4,
			JobRatePerSecond:     50,
			JobMaxAttempts:       5,
			JobRetryBaseInterval: 10 * time.Second,
		},
		Rollout: RolloutConfig{
			Enabled:             true,
			Interval:            10 * time.Minute,
			LeaseTTL:            10 * time.Minute,
			LeaseRetries:        3,
			LeaseSleep:          time.Second,
			MaxRetries:          5,
			InitialBackoff:      5 * time.Minute,
			BatchSize:           100,
			ReservationFactor:   3,
			MinReservationBytes: 10 << 20,
		},
		Watermark: WatermarkConfig{
			EvictionBatchSize: 1000,
		},
		Accounting: AccountingConfig{
			BatchSize:           100,
			RepositoryBatchSize: 10000,
		},
		Nodes: NodesConfig{
			SyncInterval:  30 * time.Second,
			LostTimeout:   5 * time.Minute,
			ProbeInterval: 30 * time.Second,
			ProbeTimeout:  5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			OutputPath: "stdout",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
	}
}
