package lease

import (
	"context"
	"fmt"
	"math"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdLocker keeps each lease as a key attached to an etcd lease with the requested TTL
type EtcdLocker struct {
	client *clientv3.Client
	prefix string
}

// NewEtcdLocker creates a locker storing keys under prefix
func NewEtcdLocker(client *clientv3.Client, prefix string) *EtcdLocker {
	if prefix == "" {
		prefix = "/searchcoord/leases/"
	}
	return &EtcdLocker{client: client, prefix: prefix}
}

func ttlSeconds(ttl time.Duration) int64 {
	s := int64(math.Ceil(ttl.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

// TryAcquire creates the key only if it does not exist
func (l *EtcdLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	grant, err := l.client.Grant(ctx, ttlSeconds(ttl))
	if err != nil {
		return nil, fmt.Errorf("grant etcd lease: %w", err)
	}

	fullKey := l.prefix + key
	token := newToken()

	resp, err := l.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(fullKey), "=", 0)).
		Then(clientv3.OpPut(fullKey, token, clientv3.WithLease(grant.ID))).
		Commit()
	if err != nil {
		_, _ = l.client.Revoke(context.WithoutCancel(ctx), grant.ID)
		return nil, fmt.Errorf("etcd lease txn: %w", err)
	}

	if !resp.Succeeded {
		_, _ = l.client.Revoke(ctx, grant.ID)
		return nil, nil
	}

	return &Lease{Key: key, Token: token, etcdLease: grant.ID}, nil
}

// Release deletes the key if it still carries the holder's token, then revokes the etcd lease
func (l *EtcdLocker) Release(ctx context.Context, held *Lease) error {
	fullKey := l.prefix + held.Key

	if _, err := l.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(fullKey), "=", held.Token)).
		Then(clientv3.OpDelete(fullKey)).
		Commit(); err != nil {
		return fmt.Errorf("etcd lease release: %w", err)
	}

	if _, err := l.client.Revoke(ctx, held.etcdLease); err != nil {
		return fmt.Errorf("revoke etcd lease: %w", err)
	}
	return nil
}
