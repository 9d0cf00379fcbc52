package lease

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

// MemoryLocker is a process-local Locker
type MemoryLocker struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryLocker creates an empty locker
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{entries: make(map[string]memoryEntry), now: time.Now}
}

// TryAcquire takes the key if it is free or its holder's TTL has passed
func (l *MemoryLocker) TryAcquire(_ context.Context, key string, ttl time.Duration) (*Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.entries[key]; ok && now.Before(e.expiresAt) {
		return nil, nil
	}

	token := newToken()
	l.entries[key] = memoryEntry{token: token, expiresAt: now.Add(ttl)}
	return &Lease{Key: key, Token: token}, nil
}

// Release frees the key if the token still matches
func (l *MemoryLocker) Release(_ context.Context, held *Lease) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.entries[held.Key]; ok && e.token == held.Token {
		delete(l.entries, held.Key)
	}
	return nil
}
