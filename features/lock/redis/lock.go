// Package redis implements the distributed lock service on Redis. Locks are
// plain keys written with SET NX and a TTL; the value is the owner token so
// release can be compare-and-delete. A crashed holder never wedges an event:
// the TTL expires the lock on its own.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"goa.design/flow/runtime/workflow"
)

// acquireRetryInterval paces the polling loop while waiting for a held lock.
const acquireRetryInterval = 100 * time.Millisecond

// releaseScript deletes the lock only when still held by the caller.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Service implements workflow.LockService.
type Service struct {
	client *redis.Client
	prefix string
}

// Options configures the lock service.
type Options struct {
	// Redis is the backing connection. Required.
	Redis *redis.Client
	// Prefix namespaces lock keys. Defaults to "lock:".
	Prefix string
}

// New validates opts and returns the lock service.
func New(opts Options) (*Service, error) {
	if opts.Redis == nil {
		return nil, fmt.Errorf("redis client is required: %w", workflow.ErrConfig)
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "lock:"
	}
	return &Service{client: opts.Redis, prefix: prefix}, nil
}

// Acquire attempts SET NX with the given TTL, retrying until wait elapses.
// Returns false without error when the lock stays held by another owner.
func (s *Service) Acquire(ctx context.Context, key, owner string, wait, ttl time.Duration) (bool, error) {
	if key == "" || owner == "" {
		return false, fmt.Errorf("lock key and owner are required: %w", workflow.ErrConfig)
	}
	deadline := time.Now().Add(wait)
	full := s.prefix + key
	for {
		ok, err := s.client.SetNX(ctx, full, owner, ttl).Result()
		if err != nil {
			return false, workflow.Transientf("acquire lock %s: %v", key, err)
		}
		if ok {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(acquireRetryInterval):
		}
	}
}

// Release deletes the lock iff owner still holds it. Releasing a lock that
// expired or changed hands is a no-op.
func (s *Service) Release(ctx context.Context, key, owner string) error {
	if _, err := releaseScript.Run(ctx, s.client, []string{s.prefix + key}, owner).Result(); err != nil {
		return workflow.Transientf("release lock %s: %v", key, err)
	}
	return nil
}

// Name implements clue health.Pinger.
func (s *Service) Name() string { return "redis-locks" }

// Ping implements clue health.Pinger.
func (s *Service) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
