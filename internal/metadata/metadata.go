package metadata

import (
	"context"
	"time"

	"github.com/soltixdb/searchcoord/internal/models"
)

const (
	// NodesPrefix holds one key per search node: /searchcoord/nodes/<uuid>
	NodesPrefix = "/searchcoord/nodes/"

	// SettingsPrefix holds dynamic coordinator settings: /searchcoord/settings/<name>
	SettingsPrefix = "/searchcoord/settings/"
)

// Manager is the fleet metadata store shared by the coordinator and the search nodes
type Manager interface {
	// Node announcements
	AnnounceNode(ctx context.Context, node models.NodeAnnouncement, ttl time.Duration) error
	ListNodes(ctx context.Context) ([]models.NodeAnnouncement, error)

	// Dynamic settings
	GetSetting(ctx context.Context, name string) (string, bool, error)
	PutSetting(ctx context.Context, name, value string) error
	DeleteSetting(ctx context.Context, name string) error

	// Generic key-value operations
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	GetPrefix(ctx context.Context, prefix string) (map[string]string, error)

	// Lifecycle
	Close() error
}
