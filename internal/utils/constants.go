package utils

import "time"

// =============================================================================
// Timeout Constants
// =============================================================================

// HTTP Handler Timeouts
const (
	// DefaultRequestTimeout bounds admin and node-facing API requests
	DefaultRequestTimeout = 30 * time.Second

	// ShutdownTimeout bounds graceful shutdown of the HTTP server and job runner
	ShutdownTimeout = 15 * time.Second
)

// gRPC Timeouts
const (
	// GRPCRequestTimeout is the default timeout for a node health probe
	GRPCRequestTimeout = 5 * time.Second

	// GRPCHealthCheckInterval is the default interval between node probes
	GRPCHealthCheckInterval = 30 * time.Second
)

// =============================================================================
// Batch Size Constants
// =============================================================================

const (
	// DefaultBatchSize is the default page size for bulk registry walks
	DefaultBatchSize = 1000

	// DefaultClaimLimit is the default number of tasks handed to a node per claim
	DefaultClaimLimit = 50
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
