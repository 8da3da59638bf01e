package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces budget hashes.
const DefaultKeyPrefix = "harborjobs:ratelimit:"

// acquireScript spends one call of budget. It returns {0} when the caller
// may go ahead and {1, reset_ms} when the budget is spent until reset_ms.
var acquireScript = redis.NewScript(`
local h = redis.call('HMGET', KEYS[1], 'remaining', 'reset_ms')
local remaining, reset = h[1], h[2]
local now = tonumber(ARGV[1])
if reset and tonumber(reset) <= now then
  redis.call('DEL', KEYS[1])
  return {0}
end
if not remaining then
  return {0}
end
if tonumber(remaining) > 0 then
  redis.call('HINCRBY', KEYS[1], 'remaining', -1)
  return {0}
end
if not reset then
  return {0}
end
return {1, tonumber(reset)}
`)

// forgetScript deletes the budget only if it still has the reset time the
// caller waited on.
var forgetScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'reset_ms') == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisTracker shares budgets between worker instances. Each integration
// is one hash that expires shortly after its reset time.
type RedisTracker struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisTracker returns a tracker using client. An empty prefix uses
// DefaultKeyPrefix.
func NewRedisTracker(client redis.UniversalClient, prefix string) *RedisTracker {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisTracker{client: client, prefix: prefix, now: time.Now}
}

var _ Tracker = (*RedisTracker)(nil)

func (r *RedisTracker) key(id string) string { return r.prefix + id }

func (r *RedisTracker) UpdateFromHeaders(ctx context.Context, id string, info Info) error {
	if info.Empty() {
		return nil
	}
	fields := map[string]any{"updated_ms": r.now().UnixMilli()}
	if info.Remaining != nil {
		fields["remaining"] = *info.Remaining
	}
	if info.Limit != nil {
		fields["limit"] = *info.Limit
	}
	if info.Reset != nil {
		fields["reset_ms"] = info.Reset.UnixMilli()
	}
	key := r.key(id)
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, fields)
		if info.Reset != nil {
			p.PExpireAt(ctx, key, info.Reset.Add(time.Minute))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("update budget %s: %w", id, err)
	}
	return nil
}

func (r *RedisTracker) HasBudget(ctx context.Context, id string) (bool, error) {
	b, err := r.BudgetInfo(ctx, id)
	if err != nil || b == nil {
		return true, err
	}
	if b.ResetAt != nil && !r.now().Before(*b.ResetAt) {
		if err := r.client.Del(ctx, r.key(id)).Err(); err != nil {
			return true, fmt.Errorf("discard budget %s: %w", id, err)
		}
		return true, nil
	}
	if b.Remaining == nil {
		return true, nil
	}
	return *b.Remaining > 0, nil
}

func (r *RedisTracker) AcquireBudget(ctx context.Context, id string) (time.Duration, error) {
	key := r.key(id)
	res, err := acquireScript.Run(ctx, r.client, []string{key}, r.now().UnixMilli()).Int64Slice()
	if err != nil {
		return 0, fmt.Errorf("acquire budget %s: %w", id, err)
	}
	if len(res) < 2 || res[0] == 0 {
		return 0, nil
	}
	resetMs := res[1]
	wait := time.UnixMilli(resetMs).Sub(r.now())
	if err := sleep(ctx, wait); err != nil {
		return 0, err
	}
	if err := forgetScript.Run(ctx, r.client, []string{key}, strconv.FormatInt(resetMs, 10)).Err(); err != nil {
		return wait, fmt.Errorf("discard budget %s: %w", id, err)
	}
	return wait, nil
}

func (r *RedisTracker) BudgetInfo(ctx context.Context, id string) (*Budget, error) {
	vals, err := r.client.HGetAll(ctx, r.key(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("read budget %s: %w", id, err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	b := &Budget{}
	if v, ok := vals["remaining"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			b.Remaining = intPtr(n)
		}
	}
	if v, ok := vals["limit"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			b.Limit = intPtr(n)
		}
	}
	if v, ok := vals["reset_ms"]; ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			t := time.UnixMilli(ms)
			b.ResetAt = &t
		}
	}
	if v, ok := vals["updated_ms"]; ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			b.UpdatedAt = time.UnixMilli(ms)
		}
	}
	return b, nil
}

func (r *RedisTracker) Clear(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan budgets: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}
