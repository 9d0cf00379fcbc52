package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/soltixdb/searchcoord/internal/config"
	"github.com/soltixdb/searchcoord/internal/models"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// settingsCacheTTL bounds how stale a dynamic setting may be on a hot path
const settingsCacheTTL = 5 * time.Second

// EtcdManager implements Manager using etcd
type EtcdManager struct {
	client *clientv3.Client
	cache  *KVCache
}

// NewEtcdManager creates a new etcd-based metadata manager
func NewEtcdManager(cfg config.EtcdConfig) (*EtcdManager, error) {
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	return NewEtcdManagerWithClient(client), nil
}

// NewEtcdManagerWithClient wraps an existing client. The manager owns it from then on.
func NewEtcdManagerWithClient(client *clientv3.Client) *EtcdManager {
	return &EtcdManager{
		client: client,
		cache:  NewKVCache(settingsCacheTTL),
	}
}

// Client exposes the underlying etcd client so the lease backend can share the connection
func (m *EtcdManager) Client() *clientv3.Client {
	return m.client
}

// ============================================================================
// Node Announcements
// ============================================================================

// AnnounceNode writes the node record bound to an etcd lease, so a node that stops
// refreshing disappears after ttl.
func (m *EtcdManager) AnnounceNode(ctx context.Context, node models.NodeAnnouncement, ttl time.Duration) error {
	if node.UUID == "" {
		return fmt.Errorf("node uuid is required")
	}
	if node.UpdatedAt.IsZero() {
		node.UpdatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("failed to marshal node: %w", err)
	}

	var opts []clientv3.OpOption
	if ttl > 0 {
		grant, err := m.client.Grant(ctx, int64(ttl.Seconds()))
		if err != nil {
			return fmt.Errorf("failed to grant node lease: %w", err)
		}
		opts = append(opts, clientv3.WithLease(grant.ID))
	}

	if _, err := m.client.Put(ctx, NodesPrefix+node.UUID, string(data), opts...); err != nil {
		return fmt.Errorf("failed to announce node: %w", err)
	}
	return nil
}

// ListNodes returns every announced node ordered by uuid
func (m *EtcdManager) ListNodes(ctx context.Context) ([]models.NodeAnnouncement, error) {
	raw, err := m.GetPrefix(ctx, NodesPrefix)
	if err != nil {
		return nil, err
	}
	return decodeNodes(raw), nil
}

// ============================================================================
// Dynamic Settings
// ============================================================================

// GetSetting reads a dynamic setting. ok is false when the key is absent.
func (m *EtcdManager) GetSetting(ctx context.Context, name string) (string, bool, error) {
	key := SettingsPrefix + name
	if cached, ok := m.cache.Get(key); ok {
		return cached.value, cached.present, nil
	}

	resp, err := m.client.Get(ctx, key)
	if err != nil {
		return "", false, fmt.Errorf("failed to get setting %s: %w", name, err)
	}

	if len(resp.Kvs) == 0 {
		m.cache.SetMissing(key)
		return "", false, nil
	}

	value := string(resp.Kvs[0].Value)
	m.cache.Set(key, value)
	return value, true, nil
}

// PutSetting stores a dynamic setting
func (m *EtcdManager) PutSetting(ctx context.Context, name, value string) error {
	return m.Put(ctx, SettingsPrefix+name, value)
}

// DeleteSetting removes a dynamic setting
func (m *EtcdManager) DeleteSetting(ctx context.Context, name string) error {
	return m.Delete(ctx, SettingsPrefix+name)
}

// ============================================================================
// Generic Key-Value Operations
// ============================================================================

// Get retrieves a value by key, "" when absent
func (m *EtcdManager) Get(ctx context.Context, key string) (string, error) {
	resp, err := m.client.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("failed to get key: %w", err)
	}

	if len(resp.Kvs) == 0 {
		return "", nil
	}
	return string(resp.Kvs[0].Value), nil
}

// Put stores a key-value pair
func (m *EtcdManager) Put(ctx context.Context, key, value string) error {
	if _, err := m.client.Put(ctx, key, value); err != nil {
		return fmt.Errorf("failed to put key: %w", err)
	}
	m.cache.Set(key, value)
	return nil
}

// Delete removes a key from etcd
func (m *EtcdManager) Delete(ctx context.Context, key string) error {
	if _, err := m.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	m.cache.Delete(key)
	return nil
}

// GetPrefix retrieves all keys with a given prefix
func (m *EtcdManager) GetPrefix(ctx context.Context, prefix string) (map[string]string, error) {
	resp, err := m.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to get prefix: %w", err)
	}

	result := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		result[string(kv.Key)] = string(kv.Value)
	}
	return result, nil
}

// ============================================================================
// Lifecycle
// ============================================================================

func (m *EtcdManager) Close() error {
	if m.cache != nil {
		m.cache.Stop()
	}
	return m.client.Close()
}

// decodeNodes skips records that fail to decode; a node writing garbage is treated as absent
func decodeNodes(raw map[string]string) []models.NodeAnnouncement {
	nodes := make([]models.NodeAnnouncement, 0, len(raw))
	for _, value := range raw {
		var node models.NodeAnnouncement
		if err := json.Unmarshal([]byte(value), &node); err != nil || node.UUID == "" {
			continue
		}
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].UUID < nodes[j].UUID })
	return nodes
}
