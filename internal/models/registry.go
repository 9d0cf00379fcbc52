package models

import (
	"fmt"
	"time"

	"github.com/soltixdb/searchcoord/internal/errs"
)

// DefaultUsedStorageBytes stands in for an index whose usage has never been measured
const DefaultUsedStorageBytes int64 = 1024

// NodeStatus reflects fleet membership as seen by node sync and probing
type NodeStatus string

const (
	NodeOnline  NodeStatus = "online"
	NodeOffline NodeStatus = "offline"
)

// IndexState is the lifecycle state of an index
type IndexState string

const (
	IndexPending         IndexState = "pending"
	IndexInitializing    IndexState = "initializing"
	IndexReady           IndexState = "ready"
	IndexOrphaned        IndexState = "orphaned"
	IndexPendingDeletion IndexState = "pending_deletion"
)

// RepositoryState is the lifecycle state of a repository within an index
type RepositoryState string

const (
	RepositoryPending         RepositoryState = "pending"
	RepositoryInitializing    RepositoryState = "initializing"
	RepositoryReady           RepositoryState = "ready"
	RepositoryFailed          RepositoryState = "failed"
	RepositoryOrphaned        RepositoryState = "orphaned"
	RepositoryPendingDeletion RepositoryState = "pending_deletion"
)

// FinishedRepositoryStates are the states that let an initializing index become ready
var FinishedRepositoryStates = []RepositoryState{RepositoryReady, RepositoryFailed}

// WatermarkLevel records storage pressure on an index. Critical supersedes high supersedes low.
type WatermarkLevel string

const (
	WatermarkNone     WatermarkLevel = "none"
	WatermarkLow      WatermarkLevel = "low_watermark_exceeded"
	WatermarkHigh     WatermarkLevel = "high_watermark_exceeded"
	WatermarkCritical WatermarkLevel = "critical_watermark_exceeded"
)

// ParseWatermark maps the short event value ("low", "high") to a level.
// Any other value is a configuration error and is reported as permanent.
func ParseWatermark(s string) (WatermarkLevel, error) {
	switch s {
	case "low":
		return WatermarkLow, nil
	case "high":
		return WatermarkHigh, nil
	default:
		return "", errs.Permanent(fmt.Errorf("unknown watermark %q", s))
	}
}

// TaskType is the kind of work a search node performs for a repository
type TaskType string

const (
	TaskIndexRepo      TaskType = "index_repo"
	TaskForceIndexRepo TaskType = "force_index_repo"
	TaskDeleteRepo     TaskType = "delete_repo"
)

// ParseTaskType validates a task type coming from an event payload or API call
func ParseTaskType(s string) (TaskType, error) {
	switch t := TaskType(s); t {
	case TaskIndexRepo, TaskForceIndexRepo, TaskDeleteRepo:
		return t, nil
	default:
		return "", errs.Permanent(fmt.Errorf("unknown task type %q", s))
	}
}

// TaskState is the processing state of a task row
type TaskState string

const (
	TaskPending    TaskState = "pending"
	TaskProcessing TaskState = "processing"
	TaskDone       TaskState = "done"
	TaskFailed     TaskState = "failed"
	TaskOrphaned   TaskState = "orphaned"
)

// Node is a search-serving host
type Node struct {
	ID            int64      `json:"id"`
	UUID          string     `json:"uuid"`
	Address       string     `json:"address"` // host:port for gRPC health probing
	TotalBytes    int64      `json:"total_bytes"`
	UsedBytes     int64      `json:"used_bytes"`
	ReservedBytes int64      `json:"reserved_bytes"` // sum of the node's index reservations
	Status        NodeStatus `json:"status"`
	LastSeenAt    time.Time  `json:"last_seen_at"`
}

// UnclaimedStorageBytes is capacity minus used minus reserved. Negative means overcommitted.
func (n Node) UnclaimedStorageBytes() int64 {
	return n.TotalBytes - n.UsedBytes - n.ReservedBytes
}

// EnabledNamespace is a root namespace opted in to code search
type EnabledNamespace struct {
	RootNamespaceID  int64     `json:"root_namespace_id"`
	NumberOfReplicas int       `json:"number_of_replicas"`
	CreatedAt        time.Time `json:"created_at"`
	// Replicas is the number of live indices, filled by rollout queries
	Replicas int `json:"replicas"`
}

// Replica is the node-assignment record backing an index
type Replica struct {
	ID              int64  `json:"id"`
	RootNamespaceID int64  `json:"root_namespace_id"`
	State           string `json:"state"`
}

// Index is one search index for one namespace on one node
type Index struct {
	ID                   int64          `json:"id"`
	RootNamespaceID      int64          `json:"root_namespace_id"`
	NodeID               int64          `json:"node_id"`
	ReplicaID            int64          `json:"replica_id"`
	State                IndexState     `json:"state"`
	Watermark            WatermarkLevel `json:"watermark_level"`
	ReservedStorageBytes int64          `json:"reserved_storage_bytes"`
	UsedStorageBytes     *int64         `json:"used_storage_bytes"` // nil until measured
	UsedStorageUpdatedAt *time.Time     `json:"used_storage_bytes_updated_at,omitempty"`
	LastIndexedAt        *time.Time     `json:"last_indexed_at,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
}

// EffectiveUsedStorageBytes returns the measured usage, or DefaultUsedStorageBytes when unknown
func (i Index) EffectiveUsedStorageBytes() int64 {
	if i.UsedStorageBytes == nil {
		return DefaultUsedStorageBytes
	}
	return *i.UsedStorageBytes
}

// StoragePercentUsed is effective usage as a percentage of the reservation
func (i Index) StoragePercentUsed() float64 {
	if i.ReservedStorageBytes <= 0 {
		return 0
	}
	return float64(i.EffectiveUsedStorageBytes()) / float64(i.ReservedStorageBytes) * 100
}

// Repository is one project's shard inside an index
type Repository struct {
	ID          int64           `json:"id"`
	IndexID     int64           `json:"index_id"`
	ProjectID   int64           `json:"project_id"`
	State       RepositoryState `json:"state"`
	SizeBytes   int64           `json:"size_bytes"`
	RetriesLeft int             `json:"retries_left"`
	IndexedAt   *time.Time      `json:"indexed_at,omitempty"`
}

// Task is a durable unit of work for a search node
type Task struct {
	ID           int64     `json:"id"`
	RepositoryID int64     `json:"repository_id"`
	IndexID      int64     `json:"index_id"`
	NodeID       int64     `json:"node_id"`
	ProjectID    int64     `json:"project_id"`
	Type         TaskType  `json:"task_type"`
	State        TaskState `json:"state"`
	PerformAt    time.Time `json:"perform_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// Project mirrors the external project catalog entries needed for routing and descendant walks
type Project struct {
	ID              int64  `json:"id"`
	NamespaceID     int64  `json:"namespace_id"`
	RootNamespaceID int64  `json:"root_namespace_id"`
	TraversalIDs    string `json:"traversal_ids"` // "1/5/9/" - ancestry of NamespaceID, root first
	Archived        bool   `json:"archived"`
	SizeBytes       int64  `json:"size_bytes"`
}

// NodeAnnouncement is what a search node publishes about itself in etcd
type NodeAnnouncement struct {
	UUID       string    `json:"uuid"`
	Address    string    `json:"address"`
	TotalBytes int64     `json:"total_bytes"`
	UsedBytes  int64     `json:"used_bytes"`
	UpdatedAt  time.Time `json:"updated_at"`
}
