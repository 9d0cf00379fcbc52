package events

import "github.com/soltixdb/searchcoord/internal/models"

// ProjectRef points at a project and, when known, its root namespace
type ProjectRef struct {
	ProjectID       int64 `json:"project_id"`
	RootNamespaceID int64 `json:"root_namespace_id,omitempty"`
}

// DefaultBranchChangedPayload, ProjectVisibilityChangedPayload and
// ProjectMarkedAsArchivedPayload all carry a ProjectRef
type (
	DefaultBranchChangedPayload     = ProjectRef
	ProjectVisibilityChangedPayload = ProjectRef
	ProjectMarkedAsArchivedPayload  = ProjectRef
	ProjectDeletedPayload           = ProjectRef
)

type GroupArchivedPayload struct {
	GroupID         int64 `json:"group_id"`
	RootNamespaceID int64 `json:"root_namespace_id"`
}

// IndexIDsPayload names a batch of indices
type IndexIDsPayload struct {
	IndexIDs []int64 `json:"index_ids"`
}

type (
	IndexMarkedAsToDeletePayload = IndexIDsPayload
	OrphanedIndexPayload         = IndexIDsPayload
	IndexToEvictPayload          = IndexIDsPayload
)

type OrphanedRepoPayload struct {
	RepositoryIDs []int64 `json:"repository_ids"`
}

type TaskFailedPayload struct {
	TaskID       int64           `json:"task_id,omitempty"`
	RepositoryID int64           `json:"repository_id"`
	TaskType     models.TaskType `json:"task_type,omitempty"`
}

// IndexOverWatermarkPayload carries the short watermark value ("low" or "high")
type IndexOverWatermarkPayload struct {
	IndexIDs  []int64 `json:"index_ids"`
	Watermark string  `json:"watermark"`
}

type NodeWithNegativeUnclaimedStoragePayload struct {
	NodeIDs []int64 `json:"node_ids"`
}

type ProjectCreatedPayload struct {
	ProjectID       int64  `json:"project_id"`
	NamespaceID     int64  `json:"namespace_id"`
	RootNamespaceID int64  `json:"root_namespace_id"`
	TraversalIDs    string `json:"traversal_ids"`
	SizeBytes       int64  `json:"size_bytes"`
}

type ProjectTransferredPayload struct {
	ProjectID          int64  `json:"project_id"`
	NamespaceID        int64  `json:"namespace_id"`
	RootNamespaceID    int64  `json:"root_namespace_id"`
	OldRootNamespaceID int64  `json:"old_root_namespace_id"`
	TraversalIDs       string `json:"traversal_ids"`
}

type NamespaceEnabledPayload struct {
	RootNamespaceID  int64 `json:"root_namespace_id"`
	NumberOfReplicas int   `json:"number_of_replicas"`
}

type NamespaceDisabledPayload struct {
	RootNamespaceID int64 `json:"root_namespace_id"`
}

// RolloutRequestedPayload carries the rollout scheduler's retry attempt
type RolloutRequestedPayload struct {
	Attempt int `json:"attempt"`
}
