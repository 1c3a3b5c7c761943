package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sheetpub/sheetpub/internal/utils"
)

// Load loads configuration from file
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default config locations
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")             // Current directory
		v.AddConfigPath("./configs")     // Project configs directory
		v.AddConfigPath("./config")      // Alternative config directory
		v.AddConfigPath("/etc/sheetpub") // System-wide config
	}

	// Set defaults
	setDefaults(v)

	// Enable environment variable overrides, e.g. SHEETPUB_SERVER_HTTP_PORT
	v.SetEnvPrefix("SHEETPUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; use defaults
			return parseConfig(v)
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	return parseConfig(v)
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	// Server defaults
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.http_port", d.Server.HTTPPort)

	// Instance defaults
	v.SetDefault("instance.data_dir", d.Instance.DataDir)
	v.SetDefault("instance.identity_file", d.Instance.IdentityFile)
	v.SetDefault("instance.journal_file", d.Instance.JournalFile)

	// Cluster defaults
	v.SetDefault("cluster.discovery", d.Cluster.Discovery)
	v.SetDefault("cluster.evict_after", "0s")

	// Coordination defaults
	v.SetDefault("coordination.heartbeat_interval", d.Coordination.HeartbeatInterval.String())
	v.SetDefault("coordination.heartbeat_timeout", d.Coordination.HeartbeatTimeout.String())
	v.SetDefault("coordination.sweep_interval", d.Coordination.SweepInterval.String())
	v.SetDefault("coordination.election_interval", d.Coordination.ElectionInterval.String())
	v.SetDefault("coordination.lock_ttl", d.Coordination.LockTTL.String())
	v.SetDefault("coordination.lock_renew_interval", d.Coordination.LockRenewInterval.String())
	v.SetDefault("coordination.lock_cleanup_interval", d.Coordination.LockCleanupInterval.String())
	v.SetDefault("coordination.drift_interval", d.Coordination.DriftInterval.String())
	v.SetDefault("coordination.drift_history_size", d.Coordination.DriftHistorySize)
	v.SetDefault("coordination.rebroadcast_interval", d.Coordination.RebroadcastInterval.String())
	v.SetDefault("coordination.proposal_ttl", "0s")
	v.SetDefault("coordination.conflict_strategy", d.Coordination.ConflictStrategy)
	v.SetDefault("coordination.auto_vote", d.Coordination.AutoVote)

	// Transport defaults
	v.SetDefault("transport.health_timeout", d.Transport.HealthTimeout.String())
	v.SetDefault("transport.heartbeat_timeout", d.Transport.HeartbeatTimeout.String())
	v.SetDefault("transport.request_timeout", d.Transport.RequestTimeout.String())

	// Journal defaults
	v.SetDefault("journal.max_size_bytes", d.Journal.MaxSizeBytes)
	v.SetDefault("journal.archive", d.Journal.Archive)

	// Etcd defaults
	v.SetDefault("etcd.endpoints", d.Etcd.Endpoints)
	v.SetDefault("etcd.dial_timeout", d.Etcd.DialTimeout.String())
	v.SetDefault("etcd.prefix", d.Etcd.Prefix)
	v.SetDefault("etcd.lease_ttl", d.Etcd.LeaseTTL)

	// Queue defaults
	v.SetDefault("queue.enabled", false)
	v.SetDefault("queue.type", d.Queue.Type)
	v.SetDefault("queue.url", d.Queue.URL)
	v.SetDefault("queue.subject_prefix", d.Queue.SubjectPrefix)

	// Logging defaults
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output_path", d.Logging.OutputPath)
}

// parseConfig parses viper config into Config struct
func parseConfig(v *viper.Viper) (*Config, error) {
	var cfg Config

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// LoadOrDefault loads configuration from file or returns default config
func LoadOrDefault(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		// Return default configuration
		return DefaultConfig()
	}
	return cfg
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:     "0.0.0.0",
			HTTPPort: 7100,
		},
		Instance: InstanceConfig{
			DataDir:      "./data",
			IdentityFile: "instance.json",
			JournalFile:  "journal.ndjson",
		},
		Cluster: ClusterConfig{
			Discovery: "static",
		},
		Coordination: CoordinationConfig{
			HeartbeatInterval:   utils.DefaultHeartbeatInterval,
			HeartbeatTimeout:    utils.DefaultHeartbeatTimeout,
			SweepInterval:       utils.DefaultSweepInterval,
			ElectionInterval:    utils.DefaultElectionInterval,
			LockTTL:             utils.DefaultLockTTL,
			LockRenewInterval:   utils.DefaultLockRenewInterval,
			LockCleanupInterval: utils.DefaultLockCleanupInterval,
			DriftInterval:       utils.DefaultDriftInterval,
			DriftHistorySize:    utils.DefaultDriftHistorySize,
			RebroadcastInterval: utils.DefaultRebroadcastInterval,
			ConflictStrategy:    "leader-wins",
			AutoVote:            true,
		},
		Transport: TransportConfig{
			HealthTimeout:    utils.HealthCheckTimeout,
			HeartbeatTimeout: utils.HeartbeatRequestTimeout,
			RequestTimeout:   utils.PeerRequestTimeout,
		},
		Journal: JournalConfig{
			MaxSizeBytes: utils.DefaultJournalMaxSize,
			Archive:      true,
		},
		Etcd: EtcdConfig{
			Endpoints:   []string{"http://localhost:2379"},
			DialTimeout: 5 * time.Second,
			Prefix:      "/sheetpub",
			LeaseTTL:    10,
		},
		Queue: QueueConfig{
			Type:          string(utils.QueueTypeNATS),
			URL:           "nats://localhost:4222",
			SubjectPrefix: "sheetpub.events",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			OutputPath: "stdout",
		},
	}
}
