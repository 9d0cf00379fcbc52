package metadata

import (
	"testing"
	"time"
)

func TestKVCache_SetAndGet(t *testing.T) {
	cache := NewKVCache(time.Second)
	defer cache.Stop()

	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "simple_key_value", key: "test-key", value: "test-value"},
		{name: "key_with_prefix", key: "/searchcoord/settings/indexing_paused", value: "true"},
		{name: "empty_value", key: "empty-key", value: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache.Set(tt.key, tt.value)

			entry, ok := cache.Get(tt.key)
			if !ok {
				t.Fatal("Expected key to exist in cache")
			}
			if !entry.present {
				t.Error("Expected entry to be marked present")
			}
			if entry.value != tt.value {
				t.Errorf("Expected value %q, got %q", tt.value, entry.value)
			}
		})
	}
}

func TestKVCache_Missing(t *testing.T) {
	cache := NewKVCache(time.Second)
	defer cache.Stop()

	if _, ok := cache.Get("nonexistent-key"); ok {
		t.Error("Expected key not to exist")
	}

	cache.SetMissing("gone")
	entry, ok := cache.Get("gone")
	if !ok {
		t.Fatal("Expected negative entry to be cached")
	}
	if entry.present {
		t.Error("Expected negative entry not to be present")
	}
}

func TestKVCache_Expiration(t *testing.T) {
	cache := NewKVCache(20 * time.Millisecond)
	defer cache.Stop()

	cache.Set("k", "v")
	time.Sleep(40 * time.Millisecond)

	if _, ok := cache.Get("k"); ok {
		t.Error("Expected entry to expire")
	}
}

func TestKVCache_DeletePrefix(t *testing.T) {
	cache := NewKVCache(time.Minute)
	defer cache.Stop()

	cache.Set("/searchcoord/nodes/a", "1")
	cache.Set("/searchcoord/nodes/b", "2")
	cache.Set("/searchcoord/settings/x", "3")

	cache.DeletePrefix("/searchcoord/nodes/")

	if cache.Len() != 1 {
		t.Errorf("Expected 1 entry left, got %d", cache.Len())
	}
	if _, ok := cache.Get("/searchcoord/settings/x"); !ok {
		t.Error("Expected unrelated key to survive")
	}
}

func TestKVCache_StopTwice(t *testing.T) {
	cache := NewKVCache(time.Minute)
	cache.Stop()
	cache.Stop()
}
