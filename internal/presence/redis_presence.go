package presence

import (
	"context"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Tracker records which clients are currently attached to which maps, for
// operational visibility only; replication never consults it. It implements
// sharedmap.AttachObserver (a structural match, no import needed in either
// direction).
type Tracker interface {
	MarkAttached(ctx context.Context, objectID, clientID string)
	ActiveClients(ctx context.Context, objectID string) ([]string, error)
}

// redisTracker keys presence by a per-object sorted set, score = expiry
// unix time. One ZADD carries both membership and expiry, rather than a
// set member plus a separate TTL key.
type redisTracker struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisTracker(rdb *redis.Client, ttl time.Duration) Tracker {
	return &redisTracker{rdb: rdb, ttl: ttl}
}

func attachKey(objectID string) string {
	return "sharedmap:attach:" + objectID
}

// MarkAttached is fired after a successful Attach. It is best-effort: a
// Redis error here must never fail the Attach call it was observing, so
// the error is simply dropped rather than returned.
func (t *redisTracker) MarkAttached(ctx context.Context, objectID, clientID string) {
	key := attachKey(objectID)
	score := float64(time.Now().Add(t.ttl).Unix())
	pipe := t.rdb.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: clientID})
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(time.Now().Unix(), 10))
	pipe.Expire(ctx, key, t.ttl)
	_, _ = pipe.Exec(ctx)
}

// ActiveClients returns the clients whose MarkAttached has not yet expired.
func (t *redisTracker) ActiveClients(ctx context.Context, objectID string) ([]string, error) {
	key := attachKey(objectID)
	now := strconv.FormatInt(time.Now().Unix(), 10)
	return t.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: now, Max: "+inf"}).Result()
}
