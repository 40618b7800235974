package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// claimScript checks duplicates and the cap and records the claim in one
// step, so every engine instance sharing the server sees the same count.
// Returns -1 on duplicate, -2 at cap, otherwise the new usage.
var claimScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[3], ARGV[1]) == 1 or redis.call('SISMEMBER', KEYS[2], ARGV[1]) == 1 then
  return -1
end
local used = tonumber(redis.call('GET', KEYS[1]) or '0') + redis.call('SCARD', KEYS[2])
local cap = tonumber(ARGV[2])
if cap > 0 and used >= cap then
  return -2
end
redis.call('SADD', KEYS[2], ARGV[1])
for i = 1, 3 do redis.call('EXPIRE', KEYS[i], ARGV[3]) end
return used + 1
`)

var confirmScript = redis.NewScript(`
if redis.call('SREM', KEYS[2], ARGV[1]) == 0 then
  return -1
end
redis.call('SADD', KEYS[3], ARGV[1])
redis.call('INCR', KEYS[1])
for i = 1, 3 do redis.call('EXPIRE', KEYS[i], ARGV[2]) end
return 1
`)

// Redis is a Store shared between engine instances.
// Keys: <prefix>:<account>:<strategy>:<day>:{executed,inflight,spent}.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
	owned  bool
}

type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	Prefix    string
	Retention time.Duration
}

// OpenRedis dials the server and checks it answers.
func OpenRedis(ctx context.Context, o RedisOptions) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     o.Addr,
		Password: o.Password,
		DB:       o.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", o.Addr, err)
	}
	r := NewRedis(rdb, o.Prefix, o.Retention)
	r.owned = true
	return r, nil
}

// NewRedis wraps an existing client. The caller keeps ownership of rdb.
func NewRedis(rdb redis.UniversalClient, prefix string, retention time.Duration) *Redis {
	if prefix == "" {
		prefix = "fxengine"
	}
	if retention <= 0 {
		retention = 48 * time.Hour
	}
	return &Redis{rdb: rdb, prefix: prefix, ttl: retention}
}

func (r *Redis) keys(key Key) []string {
	base := fmt.Sprintf("%s:%s:%s:%s", r.prefix, key.AccountID, key.Strategy, key.Day)
	return []string{base + ":executed", base + ":inflight", base + ":spent"}
}

func (r *Redis) ttlSeconds() int64 {
	return int64(r.ttl / time.Second)
}

func (r *Redis) Claim(ctx context.Context, key Key, signalID string, cap int) error {
	res, err := claimScript.Run(ctx, r.rdb, r.keys(key), signalID, cap, r.ttlSeconds()).Int()
	if err != nil {
		return fmt.Errorf("claim %s: %w", key, err)
	}
	switch res {
	case -1:
		return fmt.Errorf("%w: %s in %s", ErrDuplicateClaim, signalID, key)
	case -2:
		u, _ := r.Usage(ctx, key)
		return capError(key, u.Total(), cap)
	}
	return nil
}

func (r *Redis) Confirm(ctx context.Context, key Key, signalID string) error {
	res, err := confirmScript.Run(ctx, r.rdb, r.keys(key), signalID, r.ttlSeconds()).Int()
	if err != nil {
		return fmt.Errorf("confirm %s: %w", key, err)
	}
	if res < 0 {
		return fmt.Errorf("%w: %s in %s", ErrNotClaimed, signalID, key)
	}
	return nil
}

func (r *Redis) Release(ctx context.Context, key Key, signalID string) error {
	if err := r.rdb.SRem(ctx, r.keys(key)[1], signalID).Err(); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Usage(ctx context.Context, key Key) (Usage, error) {
	k := r.keys(key)
	var (
		executed *redis.StringCmd
		inflight *redis.IntCmd
	)
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		executed = p.Get(ctx, k[0])
		inflight = p.SCard(ctx, k[1])
		return nil
	})
	if err != nil && err != redis.Nil {
		return Usage{}, fmt.Errorf("usage %s: %w", key, err)
	}

	u := Usage{InFlight: int(inflight.Val())}
	if n, err := executed.Int(); err == nil {
		u.Executed = n
	}
	return u, nil
}

func (r *Redis) Spent(ctx context.Context, key Key) (map[string]bool, error) {
	k := r.keys(key)
	ids, err := r.rdb.SUnion(ctx, k[1], k[2]).Result()
	if err != nil {
		return nil, fmt.Errorf("spent %s: %w", key, err)
	}
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

func (r *Redis) Close() error {
	if r.owned {
		return r.rdb.Close()
	}
	return nil
}
