package config

import (
	"fmt"
	"net/url"
	"time"
)

// Config represents the complete application configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Instance     InstanceConfig     `mapstructure:"instance"`
	Cluster      ClusterConfig      `mapstructure:"cluster"`
	Coordination CoordinationConfig `mapstructure:"coordination"`
	Transport    TransportConfig    `mapstructure:"transport"`
	Journal      JournalConfig      `mapstructure:"journal"`
	Etcd         EtcdConfig         `mapstructure:"etcd"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Host     string `mapstructure:"host"`      // Bind address for server (e.g., 0.0.0.0 for all interfaces)
	HTTPPort int    `mapstructure:"http_port"` // HTTP server port
}

// InstanceConfig controls where the local instance keeps its state
type InstanceConfig struct {
	DataDir      string `mapstructure:"data_dir"`
	IdentityFile string `mapstructure:"identity_file"` // relative to data_dir unless absolute
	JournalFile  string `mapstructure:"journal_file"`  // relative to data_dir unless absolute
}

// PeerConfig is one statically configured peer. URL is the peer's sync endpoint,
// e.g. http://10.0.0.2:7100/distributed/sync
type PeerConfig struct {
	ID  string `mapstructure:"id"`
	URL string `mapstructure:"url"`
}

// ClusterConfig describes how peers are discovered
type ClusterConfig struct {
	Discovery    string        `mapstructure:"discovery"`     // static (default) or etcd
	Peers        []PeerConfig  `mapstructure:"peers"`         // used by static discovery
	AdvertiseURL string        `mapstructure:"advertise_url"` // sync URL other instances should use for us
	EvictAfter   time.Duration `mapstructure:"evict_after"`   // 0 keeps unreachable participants forever
}

// CoordinationConfig holds the cadence of every periodic subsystem
type CoordinationConfig struct {
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout    time.Duration `mapstructure:"heartbeat_timeout"`
	SweepInterval       time.Duration `mapstructure:"sweep_interval"`
	ElectionInterval    time.Duration `mapstructure:"election_interval"`
	LockTTL             time.Duration `mapstructure:"lock_ttl"`
	LockRenewInterval   time.Duration `mapstructure:"lock_renew_interval"`
	LockCleanupInterval time.Duration `mapstructure:"lock_cleanup_interval"`
	DriftInterval       time.Duration `mapstructure:"drift_interval"`
	DriftHistorySize    int           `mapstructure:"drift_history_size"`
	RebroadcastInterval time.Duration `mapstructure:"rebroadcast_interval"` // re-send pending proposals to peers that have not voted
	ProposalTTL         time.Duration `mapstructure:"proposal_ttl"`         // 0 keeps pending proposals until quorum
	ConflictStrategy    string        `mapstructure:"conflict_strategy"`    // last-write-wins, leader-wins, reject-inconsistent
	AutoVote            bool          `mapstructure:"auto_vote"`            // answer remote proposals automatically
}

// TransportConfig bounds outbound peer calls
type TransportConfig struct {
	HealthTimeout    time.Duration `mapstructure:"health_timeout"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	APIKey           string        `mapstructure:"api_key"` // sent as X-API-Key to peers
}

// JournalConfig controls journal archiving
type JournalConfig struct {
	MaxSizeBytes int64 `mapstructure:"max_size_bytes"` // active file size that triggers rotation
	Archive      bool  `mapstructure:"archive"`        // compress rotated segments with snappy
}

// EtcdConfig represents etcd configuration
type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	Prefix      string        `mapstructure:"prefix"`
	LeaseTTL    int64         `mapstructure:"lease_ttl"` // seconds
}

// QueueConfig represents message queue configuration for the event relay
type QueueConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Type          string `mapstructure:"type"`           // Queue type: nats (default), redis, kafka, memory
	URL           string `mapstructure:"url"`            // Queue server URL (e.g., nats://localhost:4222, redis://localhost:6379)
	Username      string `mapstructure:"username"`       // Optional authentication
	Password      string `mapstructure:"password"`       // Optional authentication
	SubjectPrefix string `mapstructure:"subject_prefix"` // events go to <prefix>.<event-type>

	// Redis-specific options
	RedisDB       int    `mapstructure:"redis_db"`       // Redis database number (default: 0)
	RedisStream   string `mapstructure:"redis_stream"`   // Redis stream prefix (default: "sheetpub")
	RedisGroup    string `mapstructure:"redis_group"`    // Redis consumer group (default: "sheetpub-group")
	RedisConsumer string `mapstructure:"redis_consumer"` // Redis consumer name (default: hostname)

	// Kafka-specific options
	KafkaBrokers []string `mapstructure:"kafka_brokers"`  // Kafka broker addresses
	KafkaGroupID string   `mapstructure:"kafka_group_id"` // Kafka consumer group ID
}

// AuthConfig represents authentication configuration
type AuthConfig struct {
	Enabled bool     `mapstructure:"enabled"`  // Enable/disable API key authentication
	APIKeys []string `mapstructure:"api_keys"` // List of valid API keys
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, file path
	TimeFormat string `mapstructure:"time_format"` // RFC3339, Unix, UnixMs, etc
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Instance.Validate(); err != nil {
		return fmt.Errorf("instance config: %w", err)
	}

	if err := c.Cluster.Validate(); err != nil {
		return fmt.Errorf("cluster config: %w", err)
	}

	if err := c.Coordination.Validate(); err != nil {
		return fmt.Errorf("coordination config: %w", err)
	}

	if err := c.Transport.Validate(); err != nil {
		return fmt.Errorf("transport config: %w", err)
	}

	if c.Cluster.Discovery == "etcd" {
		if err := c.Etcd.Validate(); err != nil {
			return fmt.Errorf("etcd config: %w", err)
		}
	}

	if c.Queue.Enabled {
		if err := c.Queue.Validate(); err != nil {
			return fmt.Errorf("queue config: %w", err)
		}
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

// Validate validates instance configuration
func (c *InstanceConfig) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.IdentityFile == "" {
		return fmt.Errorf("identity_file is required")
	}
	if c.JournalFile == "" {
		return fmt.Errorf("journal_file is required")
	}
	return nil
}

// Validate validates cluster configuration
func (c *ClusterConfig) Validate() error {
	switch c.Discovery {
	case "static", "etcd":
	default:
		return fmt.Errorf("cluster.discovery must be 'static' or 'etcd'")
	}

	seen := make(map[string]bool, len(c.Peers))
	for i, p := range c.Peers {
		if p.ID == "" {
			return fmt.Errorf("cluster.peers[%d].id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("cluster.peers[%d]: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = true

		u, err := url.Parse(p.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("cluster.peers[%d].url is not an absolute URL: %q", i, p.URL)
		}
	}

	if c.EvictAfter < 0 {
		return fmt.Errorf("cluster.evict_after cannot be negative")
	}

	return nil
}

// Validate validates coordination timings
func (c *CoordinationConfig) Validate() error {
	durations := map[string]time.Duration{
		"heartbeat_interval":    c.HeartbeatInterval,
		"heartbeat_timeout":     c.HeartbeatTimeout,
		"sweep_interval":        c.SweepInterval,
		"election_interval":     c.ElectionInterval,
		"lock_ttl":              c.LockTTL,
		"lock_renew_interval":   c.LockRenewInterval,
		"lock_cleanup_interval": c.LockCleanupInterval,
		"drift_interval":        c.DriftInterval,
		"rebroadcast_interval":  c.RebroadcastInterval,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("coordination.%s must be positive", name)
		}
	}

	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("coordination.heartbeat_timeout must exceed heartbeat_interval")
	}

	if c.ProposalTTL < 0 {
		return fmt.Errorf("coordination.proposal_ttl cannot be negative")
	}

	if c.DriftHistorySize < 1 {
		return fmt.Errorf("coordination.drift_history_size must be at least 1")
	}

	switch c.ConflictStrategy {
	case "last-write-wins", "leader-wins", "reject-inconsistent":
	default:
		return fmt.Errorf("coordination.conflict_strategy must be one of: last-write-wins, leader-wins, reject-inconsistent")
	}

	return nil
}

// Validate validates transport configuration
func (c *TransportConfig) Validate() error {
	if c.HealthTimeout <= 0 || c.HeartbeatTimeout <= 0 || c.RequestTimeout <= 0 {
		return fmt.Errorf("transport timeouts must be positive")
	}
	return nil
}

// Validate validates etcd configuration
func (c *EtcdConfig) Validate() error {
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("etcd.endpoints is required")
	}

	if c.DialTimeout <= 0 {
		return fmt.Errorf("etcd.dial_timeout must be positive")
	}

	if c.LeaseTTL < 1 {
		return fmt.Errorf("etcd.lease_ttl must be at least 1 second")
	}

	return nil
}

// Validate validates queue configuration
func (c *QueueConfig) Validate() error {
	switch c.Type {
	case "", "nats", "redis", "kafka", "memory":
	default:
		return fmt.Errorf("queue.type must be one of: nats, redis, kafka, memory")
	}

	if c.SubjectPrefix == "" {
		return fmt.Errorf("queue.subject_prefix is required")
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
