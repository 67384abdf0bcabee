package token

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRevocationSet shares revocations between gateway instances. Each
// entry is a key whose TTL is the token's remaining lifetime, so Redis does
// the pruning.
type RedisRevocationSet struct {
	rc     redis.Cmdable
	prefix string
	now    func() time.Time
}

// NewRedisRevocationSet creates a Redis-backed revocation set
func NewRedisRevocationSet(rc redis.Cmdable, prefix string) *RedisRevocationSet {
	return &RedisRevocationSet{rc: rc, prefix: prefix, now: time.Now}
}

func (r *RedisRevocationSet) key(id string) string {
	return r.prefix + id
}

// ttl returns the remaining lifetime, rounded up to a whole second so a
// revocation never lapses before the token does
func (r *RedisRevocationSet) ttl(until time.Time) time.Duration {
	d := until.Sub(r.now())
	if d <= 0 {
		return 0
	}
	return d.Truncate(time.Second) + time.Second
}

// Revoke marks id as revoked until the given time
func (r *RedisRevocationSet) Revoke(ctx context.Context, id string, until time.Time) error {
	ttl := r.ttl(until)
	if ttl == 0 {
		return nil
	}
	if err := r.rc.Set(ctx, r.key(id), until.Unix(), ttl).Err(); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return nil
}

// Consume revokes id and reports whether this call performed the revocation
func (r *RedisRevocationSet) Consume(ctx context.Context, id string, until time.Time) (bool, error) {
	ttl := r.ttl(until)
	if ttl == 0 {
		// Already expired: nothing left to protect, but it cannot be used either.
		return false, nil
	}
	ok, err := r.rc.SetNX(ctx, r.key(id), until.Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to consume token: %w", err)
	}
	return ok, nil
}

// IsRevoked reports whether id has been revoked
func (r *RedisRevocationSet) IsRevoked(ctx context.Context, id string) (bool, error) {
	n, err := r.rc.Exists(ctx, r.key(id)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check revocation: %w", err)
	}
	return n > 0, nil
}

// Prune is a no-op: Redis expires entries on its own
func (r *RedisRevocationSet) Prune(now time.Time) int {
	return 0
}

// Ping checks connectivity
func (r *RedisRevocationSet) Ping(ctx context.Context) error {
	return r.rc.Ping(ctx).Err()
}
