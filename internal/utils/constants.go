package utils

import "time"

// =============================================================================
// Peer Transport Timeouts
// =============================================================================

const (
	// HeartbeatRequestTimeout bounds a single outbound heartbeat POST
	HeartbeatRequestTimeout = 2 * time.Second

	// HealthCheckTimeout bounds the lightweight probe used by leader election
	HealthCheckTimeout = 2 * time.Second

	// PeerRequestTimeout bounds proposal broadcasts and generic sync calls
	PeerRequestTimeout = 5 * time.Second

	// TimeSyncRequestTimeout bounds the clock-drift request to the leader
	TimeSyncRequestTimeout = 2 * time.Second
)

// =============================================================================
// Coordination Cadence
// =============================================================================

const (
	// DefaultHeartbeatInterval is how often heartbeats are sent to every peer
	DefaultHeartbeatInterval = 5 * time.Second

	// DefaultHeartbeatTimeout is the silence after which a participant is unreachable
	DefaultHeartbeatTimeout = 15 * time.Second

	// DefaultSweepInterval is how often the heartbeat timeout sweep runs
	DefaultSweepInterval = 5 * time.Second

	// DefaultElectionInterval is how often leader election re-runs
	DefaultElectionInterval = 30 * time.Second

	// DefaultLockTTL is the lock lifetime when the caller gives none
	DefaultLockTTL = 30 * time.Second

	// DefaultLockRenewInterval is the renewal cadence of held locks
	DefaultLockRenewInterval = 10 * time.Second

	// DefaultLockCleanupInterval is how often expired locks are purged
	DefaultLockCleanupInterval = 5 * time.Second

	// DefaultDriftInterval is how often clock drift against the leader is measured
	DefaultDriftInterval = 60 * time.Second

	// DefaultDriftHistorySize is the number of drift samples retained
	DefaultDriftHistorySize = 100

	// DefaultRebroadcastInterval is how often pending proposals are re-sent to silent peers
	DefaultRebroadcastInterval = 15 * time.Second

	// DefaultOutboxSize bounds the queue of events waiting to be relayed to peers
	DefaultOutboxSize = 256
)

// =============================================================================
// Journal Constants
// =============================================================================

const (
	// DefaultJournalMaxSize is the active journal size that triggers archive rotation
	DefaultJournalMaxSize = 64 * 1024 * 1024

	// JournalArchiveSuffix is appended to snappy-compressed journal segments
	JournalArchiveSuffix = ".ndjson.sz"
)

// =============================================================================
// HTTP Header Constants
// =============================================================================

const (
	// HeaderTraceID carries the correlation id on every response
	HeaderTraceID = "X-Trace-Id"

	// HeaderServerTime carries the responder's clock in epoch milliseconds
	HeaderServerTime = "X-Server-Time"

	// HeaderAPIKey carries the shared peer key when auth is enabled
	HeaderAPIKey = "X-API-Key"
)

// =============================================================================
// Queue Type Constants
// =============================================================================
// QueueType represents the type of message queue
type QueueType string

const (
	// QueueTypeNATS represents NATS JetStream queue (default)
	QueueTypeNATS QueueType = "nats"

	// QueueTypeRedis represents Redis Streams queue
	QueueTypeRedis QueueType = "redis"

	// QueueTypeKafka represents Apache Kafka queue
	QueueTypeKafka QueueType = "kafka"

	// QueueTypeMemory represents in-memory queue (for testing)
	QueueTypeMemory QueueType = "memory"
)
