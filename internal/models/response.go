package models

// HealthResponse represents health check response
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
	Registry  string `json:"registry"`
}

// NodeListResponse lists registry nodes with computed unclaimed storage
type NodeListResponse struct {
	Nodes []NodeView `json:"nodes"`
}

// NodeView is a node plus derived fields
type NodeView struct {
	Node
	UnclaimedStorageBytes int64 `json:"unclaimed_storage_bytes"`
}

// IndexResponse describes one index and its repository counts
type IndexResponse struct {
	Index        Index                   `json:"index"`
	Repositories map[RepositoryState]int `json:"repositories"`
	// unmeasured usage counts as DefaultUsedStorageBytes
	EffectiveUsedStorageBytes int64   `json:"effective_used_storage_bytes"`
	StoragePercentUsed        float64 `json:"storage_percent_used"`
}

// RolloutTriggerResponse is returned when an operator re-triggers rollout
type RolloutTriggerResponse struct {
	Enqueued bool   `json:"enqueued"`
	Message  string `json:"message,omitempty"`
}

// ClaimTasksRequest is sent by a search node asking for work
type ClaimTasksRequest struct {
	Limit int `json:"limit"`
}

// ClaimTasksResponse carries the tasks handed to a node
type ClaimTasksResponse struct {
	Tasks []Task `json:"tasks"`
}

// TaskCallbackRequest reports the outcome of a task
type TaskCallbackRequest struct {
	Success   bool   `json:"success"`
	SizeBytes int64  `json:"size_bytes"`
	Error     string `json:"error,omitempty"`
}

// ErrorResponse represents error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}
