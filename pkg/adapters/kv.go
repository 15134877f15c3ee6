package adapters

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/moniteurlabs/moniteur/pkg/faults"
)

// KV is the byte-value cache with TTL and pattern invalidation that backs
// the retrieval and answer caches.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	DelPattern(ctx context.Context, pattern string) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// RedisKV implements KV on go-redis.
type RedisKV struct {
	client *redis.Client
	caller *Caller
}

// NewRedisKV connects to addr. The caller wraps every command with the
// shared breaker/retry/metrics contract for the "kv" target.
func NewRedisKV(addr string, caller *Caller) *RedisKV {
	return &RedisKV{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		caller: caller,
	}
}

func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := r.caller.Do(ctx, "Get", func(ctx context.Context) error {
		val, err := r.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return faults.NotFound("Get", "kv", err)
		}
		if err != nil {
			return faults.Transient("Get", "kv", err)
		}
		out = val
		return nil
	})
	return out, err
}

func (r *RedisKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.caller.Do(ctx, "Set", func(ctx context.Context) error {
		if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
			return faults.Transient("Set", "kv", err)
		}
		return nil
	})
}

func (r *RedisKV) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.caller.Do(ctx, "Del", func(ctx context.Context) error {
		if err := r.client.Del(ctx, keys...).Err(); err != nil {
			return faults.Transient("Del", "kv", err)
		}
		return nil
	})
}

// DelPattern removes every key matching pattern via SCAN, returning the
// number of keys dropped. Used to invalidate cache entries keyed by a
// retired embed version.
func (r *RedisKV) DelPattern(ctx context.Context, pattern string) (int, error) {
	deleted := 0
	err := r.caller.Do(ctx, "DelPattern", func(ctx context.Context) error {
		deleted = 0
		iter := r.client.Scan(ctx, 0, pattern, 256).Iterator()
		var batch []string
		for iter.Next(ctx) {
			batch = append(batch, iter.Val())
			if len(batch) >= 256 {
				if err := r.client.Del(ctx, batch...).Err(); err != nil {
					return faults.Transient("DelPattern", "kv", err)
				}
				deleted += len(batch)
				batch = batch[:0]
			}
		}
		if err := iter.Err(); err != nil {
			return faults.Transient("DelPattern", "kv", err)
		}
		if len(batch) > 0 {
			if err := r.client.Del(ctx, batch...).Err(); err != nil {
				return faults.Transient("DelPattern", "kv", err)
			}
			deleted += len(batch)
		}
		return nil
	})
	return deleted, err
}

func (r *RedisKV) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return faults.Transient("Ping", "kv", err)
	}
	return nil
}

func (r *RedisKV) Close() error { return r.client.Close() }
