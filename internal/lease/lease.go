// Package lease provides an exclusive, TTL-bound distributed lock.
// A holder that crashes loses the lease once the TTL passes.
package lease

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/soltixdb/searchcoord/internal/config"
	"github.com/soltixdb/searchcoord/internal/logging"
	clientv3 "go.etcd.io/etcd/client/v3"
)

var leaseLog = logging.Global().With("component", "lease")

// ErrLeaseNotObtained is returned by Obtain when every acquisition attempt found the key held
var ErrLeaseNotObtained = errors.New("lease not obtained")

// Lease is a held lock. Token identifies the holder so only it can release the key.
type Lease struct {
	Key   string
	Token string

	etcdLease clientv3.LeaseID
}

// Locker acquires and releases leases
type Locker interface {
	// TryAcquire makes one attempt. It returns nil, nil when the key is held by someone else.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error)
	// Release frees the lease if it is still held by its token
	Release(ctx context.Context, l *Lease) error
}

// Options control Obtain
type Options struct {
	TTL     time.Duration
	Retries int
	Sleep   time.Duration
}

// Obtain acquires key, runs fn while holding it and releases it afterwards.
// Acquisition is attempted Retries+1 times with Sleep in between.
func Obtain(ctx context.Context, locker Locker, key string, opts Options, fn func(ctx context.Context) error) error {
	var held *Lease
	for attempt := 0; attempt <= opts.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(opts.Sleep):
			}
		}

		l, err := locker.TryAcquire(ctx, key, opts.TTL)
		if err != nil {
			return fmt.Errorf("acquire lease %s: %w", key, err)
		}
		if l != nil {
			held = l
			break
		}
	}
	if held == nil {
		return ErrLeaseNotObtained
	}

	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := locker.Release(releaseCtx, held); err != nil {
			leaseLog.Warn("Failed to release lease", "key", key, "error", err)
		}
	}()

	return fn(ctx)
}

func newToken() string {
	return uuid.NewString()
}

// New creates the configured Locker. etcd may be nil unless the etcd backend is selected.
func New(cfg config.LeaseConfig, etcd *clientv3.Client) (Locker, error) {
	switch strings.ToLower(cfg.Backend) {
	case "etcd":
		if etcd == nil {
			return nil, fmt.Errorf("etcd lease backend needs an etcd client")
		}
		return NewEtcdLocker(etcd, cfg.KeyPrefix), nil
	case "redis":
		return NewRedisLocker(cfg.RedisURL, cfg.KeyPrefix)
	case "memory", "":
		return NewMemoryLocker(), nil
	default:
		return nil, fmt.Errorf("unsupported lease backend: %s", cfg.Backend)
	}
}
