package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/soltixdb/searchcoord/internal/models"
)

// MemoryManager implements Manager in process. Used when etcd is disabled and in tests.
// Announcement TTLs are honoured lazily on read.
type MemoryManager struct {
	mu       sync.RWMutex
	data     map[string]string
	expireAt map[string]time.Time
	now      func() time.Time
}

// NewMemoryManager creates an empty in-memory manager
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		data:     make(map[string]string),
		expireAt: make(map[string]time.Time),
		now:      time.Now,
	}
}

func (m *MemoryManager) AnnounceNode(_ context.Context, node models.NodeAnnouncement, ttl time.Duration) error {
	if node.UUID == "" {
		return fmt.Errorf("node uuid is required")
	}
	if node.UpdatedAt.IsZero() {
		node.UpdatedAt = m.now().UTC()
	}
	data, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("failed to marshal node: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	key := NodesPrefix + node.UUID
	m.data[key] = string(data)
	if ttl > 0 {
		m.expireAt[key] = m.now().Add(ttl)
	} else {
		delete(m.expireAt, key)
	}
	return nil
}

func (m *MemoryManager) ListNodes(ctx context.Context) ([]models.NodeAnnouncement, error) {
	raw, err := m.GetPrefix(ctx, NodesPrefix)
	if err != nil {
		return nil, err
	}
	return decodeNodes(raw), nil
}

func (m *MemoryManager) GetSetting(_ context.Context, name string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.lookup(SettingsPrefix + name)
	return v, ok, nil
}

func (m *MemoryManager) PutSetting(ctx context.Context, name, value string) error {
	return m.Put(ctx, SettingsPrefix+name, value)
}

func (m *MemoryManager) DeleteSetting(ctx context.Context, name string) error {
	return m.Delete(ctx, SettingsPrefix+name)
}

func (m *MemoryManager) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, _ := m.lookup(key)
	return v, nil
}

func (m *MemoryManager) Put(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	delete(m.expireAt, key)
	return nil
}

func (m *MemoryManager) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	delete(m.expireAt, key)
	return nil
}

func (m *MemoryManager) GetPrefix(_ context.Context, prefix string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]string)
	for key := range m.data {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if v, ok := m.lookup(key); ok {
			result[key] = v
		}
	}
	return result, nil
}

func (m *MemoryManager) Close() error {
	return nil
}

// lookup must be called with mu held
func (m *MemoryManager) lookup(key string) (string, bool) {
	v, ok := m.data[key]
	if !ok {
		return "", false
	}
	if exp, has := m.expireAt[key]; has && m.now().After(exp) {
		return "", false
	}
	return v, true
}
