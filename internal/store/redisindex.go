// Package store: Redis-backed operational index. Postgres (postgres.go)
// is the system of record; this index is the frequently-mutated view the
// dispatcher reads on every poll: a ready-queue sorted set per
// (tenant, marketplace), a rate-cap counter, and the plugin bridge's
// pending-request and outbound-queue keys.
package store

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/corsair-labs/marketplace-orchestrator/internal/marketplace"
	"github.com/corsair-labs/marketplace-orchestrator/internal/tenant"
)

// RedisIndex wraps a go-redis client with the key conventions from
// tenant.KeyNamespace. It never stores job state of record, only what's
// needed to pick the next job to claim and to rate-limit dispatch.
type RedisIndex struct {
	rdb *redis.Client
}

func NewRedisIndex(rdb *redis.Client) *RedisIndex {
	return &RedisIndex{rdb: rdb}
}

// score orders the ready-queue by priority first, creation time second,
// matching ClaimNextJob's ORDER BY priority ASC, created_at ASC. Encoding
// both into one float64 avoids a second sorted-set lookup.
func score(priority Priority, createdAt time.Time) float64 {
	return float64(priority)*1e15 + float64(createdAt.UnixNano())/1e9
}

// Enqueue adds jobID to the ready-queue for (tenant, marketplace). Callers
// invoke this right after CreateJob/CreateBatch commits, or after
// ResumeJob/RetryJob make a job eligible again; the dispatcher does not
// call it after FailOrRetryJob.
func (r *RedisIndex) Enqueue(ctx context.Context, t tenant.ID, m marketplace.Code, jobID int64, priority Priority, createdAt time.Time) error {
	ns := tenant.NewKeyNamespace(t)
	return r.rdb.ZAdd(ctx, ns.ReadyQueueKey(string(m)), redis.Z{
		Score:  score(priority, createdAt),
		Member: strconv.FormatInt(jobID, 10),
	}).Err()
}

// Dequeue pops the lowest-score (highest-priority, oldest) job id eligible
// for claim. It does not verify expiry/visibility — ClaimNextJob's SQL
// query is the source of truth; this is a hint to avoid scanning Postgres
// for marketplaces with an empty ready queue. Returns (0, false) when
// empty.
func (r *RedisIndex) Dequeue(ctx context.Context, t tenant.ID, m marketplace.Code) (int64, bool, error) {
	ns := tenant.NewKeyNamespace(t)
	res, err := r.rdb.ZPopMin(ctx, ns.ReadyQueueKey(string(m)), 1).Result()
	if err != nil {
		return 0, false, err
	}
	if len(res) == 0 {
		return 0, false, nil
	}
	member, ok := res[0].Member.(string)
	if !ok {
		return 0, false, nil
	}
	id, err := strconv.ParseInt(member, 10, 64)
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// Remove drops jobID from the ready-queue, used when a job is cancelled.
// Pausing a job does not remove it.
func (r *RedisIndex) Remove(ctx context.Context, t tenant.ID, m marketplace.Code, jobID int64) error {
	ns := tenant.NewKeyNamespace(t)
	return r.rdb.ZRem(ctx, ns.ReadyQueueKey(string(m)), strconv.FormatInt(jobID, 10)).Err()
}

// QueueDepth reports the number of jobs currently waiting for (tenant, marketplace).
func (r *RedisIndex) QueueDepth(ctx context.Context, t tenant.ID, m marketplace.Code) (int64, error) {
	ns := tenant.NewKeyNamespace(t)
	return r.rdb.ZCard(ctx, ns.ReadyQueueKey(string(m))).Result()
}

// RateLimiter enforces the per-(tenant,marketplace) cap from spec.md §4.5
// step 2: a fixed-window counter incremented per claim, reset every
// window. Returns true when the caller may proceed. The window varies per
// marketplace (cap table in config.Dispatcher.Caps), so it is supplied per
// call rather than fixed at construction.
type RateLimiter struct {
	rdb           *redis.Client
	defaultWindow time.Duration
}

func NewRateLimiter(rdb *redis.Client, defaultWindow time.Duration) *RateLimiter {
	if defaultWindow <= 0 {
		defaultWindow = time.Second
	}
	return &RateLimiter{rdb: rdb, defaultWindow: defaultWindow}
}

// Allow increments the window counter for (tenant, marketplace) and
// reports whether the result is within cap. The counter's TTL is reset
// to window on first increment of each window so it self-expires.
func (rl *RateLimiter) Allow(ctx context.Context, t tenant.ID, m marketplace.Code, window time.Duration, cap int64) (bool, error) {
	if window <= 0 {
		window = rl.defaultWindow
	}
	ns := tenant.NewKeyNamespace(t)
	key := ns.LeaseCounterKey(string(m))
	n, err := rl.rdb.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if n == 1 {
		if err := rl.rdb.Expire(ctx, key, window).Err(); err != nil {
			return false, err
		}
	}
	return n <= cap, nil
}

// BridgeIndex holds the plugin bridge's Redis-visible state: which
// correlation IDs are awaiting a response (so a reattaching socket knows
// what to redeliver) and the outbound queue a long-poll client drains.
// internal/bridge keeps its correlation registry in memory and does not
// read or write this index.
type BridgeIndex struct {
	rdb *redis.Client
}

func NewBridgeIndex(rdb *redis.Client) *BridgeIndex {
	return &BridgeIndex{rdb: rdb}
}

// MarkPending records that requestID is awaiting a response from plugin
// session sessionID, so a reattach can redeliver it.
func (b *BridgeIndex) MarkPending(ctx context.Context, t tenant.ID, sessionID, requestID string, payload []byte, ttl time.Duration) error {
	ns := tenant.NewKeyNamespace(t)
	return b.rdb.HSet(ctx, ns.BridgePendingKey()+":"+sessionID, requestID, payload).Err()
}

// ClearPending removes requestID once its response arrives or the job is
// abandoned (SessionLost).
func (b *BridgeIndex) ClearPending(ctx context.Context, t tenant.ID, sessionID, requestID string) error {
	ns := tenant.NewKeyNamespace(t)
	return b.rdb.HDel(ctx, ns.BridgePendingKey()+":"+sessionID, requestID).Err()
}

// PendingForSession lists every request still awaiting response on
// sessionID, used to redeliver on reattach per spec.md §4.6.
func (b *BridgeIndex) PendingForSession(ctx context.Context, t tenant.ID, sessionID string) (map[string][]byte, error) {
	ns := tenant.NewKeyNamespace(t)
	raw, err := b.rdb.HGetAll(ctx, ns.BridgePendingKey()+":"+sessionID).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(raw))
	for k, v := range raw {
		out[k] = []byte(v)
	}
	return out, nil
}

// PushOutbound enqueues a request for long-poll clients that have no
// active push socket.
func (b *BridgeIndex) PushOutbound(ctx context.Context, t tenant.ID, sessionID string, payload []byte) error {
	ns := tenant.NewKeyNamespace(t)
	return b.rdb.RPush(ctx, ns.BridgeQueueKey()+":"+sessionID, payload).Err()
}

// PopOutbound blocks up to timeout for the next queued request for a
// long-polling session.
func (b *BridgeIndex) PopOutbound(ctx context.Context, t tenant.ID, sessionID string, timeout time.Duration) ([]byte, bool, error) {
	ns := tenant.NewKeyNamespace(t)
	res, err := b.rdb.BLPop(ctx, timeout, ns.BridgeQueueKey()+":"+sessionID).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if len(res) < 2 {
		return nil, false, nil
	}
	return []byte(res[1]), true, nil
}
