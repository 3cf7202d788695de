package cache

import (
	"context"
	"time"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/associazione-ets/go-push-service/pkg/push"
)

// snapshotKey holds the cached fan-out snapshot. A broadcast reads the whole
// registry, so one key for the whole set is the right granularity.
const snapshotKey = "push:subscriptions:all"

// CacheClient defines the subset of Redis commands we need.
type CacheClient interface {
	// Get returns the value or a specific error if not found.
	Get(ctx context.Context, key string, dest interface{}) error
	// Set stores the value with a TTL.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	// Del removes the key.
	Del(ctx context.Context, key string) error
}

// CachedRegistry is a Decorator that adds read-aside caching of the fan-out
// snapshot to any push.Registry. Every write invalidates the snapshot, so a
// removed subscription stops receiving broadcasts immediately.
type CachedRegistry struct {
	realStore push.Registry
	cache     CacheClient
	ttl       time.Duration
}

// NewCachedRegistry creates the decorator.
func NewCachedRegistry(realStore push.Registry, cache CacheClient, ttl time.Duration) *CachedRegistry {
	return &CachedRegistry{
		realStore: realStore,
		cache:     cache,
		ttl:       ttl,
	}
}

// --- READ PATH (Read-Aside) ---

func (r *CachedRegistry) ListAll(ctx context.Context) ([]push.Subscription, error) {
	var cached []push.Subscription
	if err := r.cache.Get(ctx, snapshotKey, &cached); err == nil {
		return cached, nil
	}

	fresh, err := r.realStore.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	// Caching is an optimization, not a transaction; if Redis is down we
	// just keep serving from the real store.
	_ = r.cache.Set(ctx, snapshotKey, fresh, r.ttl)

	return fresh, nil
}

// --- WRITE PATHS (Invalidate-on-Write) ---

func (r *CachedRegistry) Subscribe(ctx context.Context, user urn.URN, endpoint, p256dh, auth string) (push.Subscription, error) {
	sub, err := r.realStore.Subscribe(ctx, user, endpoint, p256dh, auth)
	if err != nil {
		return push.Subscription{}, err
	}
	return sub, r.invalidate(ctx)
}

func (r *CachedRegistry) Unsubscribe(ctx context.Context, user urn.URN) (int, error) {
	removed, err := r.realStore.Unsubscribe(ctx, user)
	if err != nil {
		return removed, err
	}
	return removed, r.invalidate(ctx)
}

func (r *CachedRegistry) Delete(ctx context.Context, ids []string) error {
	if err := r.realStore.Delete(ctx, ids); err != nil {
		return err
	}
	return r.invalidate(ctx)
}

// --- Helpers ---

func (r *CachedRegistry) invalidate(ctx context.Context) error {
	// Drop the key; the next ListAll is forced back to the source of truth.
	return r.cache.Del(ctx, snapshotKey)
}
