package kv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Options configures the Redis connection. Mode selects between a single
// node, a sentinel-managed failover group, and a cluster.
type Options struct {
	Mode         string // standalone, sentinel, cluster
	Addrs        []string
	MasterName   string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
}

// Redis implements Store on top of a go-redis universal client.
type Redis struct {
	client redis.UniversalClient
}

// NewRedis wraps an existing client.
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

// Open connects to Redis using opts and verifies the connection with PING.
func Open(ctx context.Context, opts Options) (*Redis, error) {
	if len(opts.Addrs) == 0 {
		return nil, errors.New("redis: at least one address is required")
	}

	var client redis.UniversalClient
	switch opts.Mode {
	case "", "standalone":
		client = redis.NewClient(&redis.Options{
			Addr:         opts.Addrs[0],
			Password:     opts.Password,
			DB:           opts.DB,
			PoolSize:     opts.PoolSize,
			MinIdleConns: opts.MinIdleConns,
		})
	case "sentinel":
		if opts.MasterName == "" {
			return nil, errors.New("redis: sentinel mode requires master_name")
		}
		client = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    opts.MasterName,
			SentinelAddrs: opts.Addrs,
			Password:      opts.Password,
			DB:            opts.DB,
			PoolSize:      opts.PoolSize,
			MinIdleConns:  opts.MinIdleConns,
		})
	case "cluster":
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        opts.Addrs,
			Password:     opts.Password,
			PoolSize:     opts.PoolSize,
			MinIdleConns: opts.MinIdleConns,
		})
	default:
		return nil, fmt.Errorf("redis: unsupported mode %q (want standalone, sentinel or cluster)", opts.Mode)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	slog.Info("connected to redis", "mode", opts.Mode, "addrs", opts.Addrs)
	return &Redis{client: client}, nil
}

// OpenURL connects to a standalone Redis described by a redis:// or
// rediss:// URL.
func OpenURL(ctx context.Context, rawURL string) (*Redis, error) {
	ropts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	return Open(ctx, Options{
		Addrs:    []string{ropts.Addr},
		Password: ropts.Password,
		DB:       ropts.DB,
		PoolSize: ropts.PoolSize,
	})
}

// Client exposes the underlying client, e.g. for health checks.
func (r *Redis) Client() redis.UniversalClient {
	return r.client
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Get implements Store.
func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, nil
}

// Set implements Store.
func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Del implements Store.
func (r *Redis) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// IncrWithTTL implements Store.
func (r *Redis) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr %s: %w", key, err)
	}
	if n == 1 && ttl > 0 {
		if err := r.client.Expire(ctx, key, ttl).Err(); err != nil {
			return n, fmt.Errorf("redis expire %s: %w", key, err)
		}
	}
	return n, nil
}

// slidingWindowScript prunes, counts and conditionally adds in one round trip
// so concurrent gateways cannot both take the last slot.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local added = 0
if count < limit then
  redis.call('ZADD', key, now, member)
  redis.call('PEXPIRE', key, window)
  count = count + 1
  added = 1
end

local oldest = -1
local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if first[2] then
  oldest = tonumber(first[2])
end
return {count, added, oldest}
`)

// SlidingWindow implements Store.
func (r *Redis) SlidingWindow(ctx context.Context, key string, now time.Time, window time.Duration, limit int64, member string) (WindowResult, error) {
	raw, err := slidingWindowScript.Run(ctx, r.client, []string{key},
		now.UnixMilli(), window.Milliseconds(), limit, member,
	).Int64Slice()
	if err != nil {
		return WindowResult{}, fmt.Errorf("redis sliding window %s: %w", key, err)
	}
	if len(raw) != 3 {
		return WindowResult{}, fmt.Errorf("redis sliding window %s: unexpected reply length %d", key, len(raw))
	}

	res := WindowResult{Count: raw[0], Added: raw[1] == 1}
	if raw[2] >= 0 {
		res.Oldest = time.UnixMilli(raw[2])
	}
	return res, nil
}

// LPushTrim implements Store.
func (r *Redis) LPushTrim(ctx context.Context, key, value string, maxLen int64, ttl time.Duration) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, value)
		if maxLen > 0 {
			pipe.LTrim(ctx, key, 0, maxLen-1)
		}
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis lpush %s: %w", key, err)
	}
	return nil
}

// LRange implements Store.
func (r *Redis) LRange(ctx context.Context, key string, n int64) ([]string, error) {
	stop := int64(-1)
	if n > 0 {
		stop = n - 1
	}
	vals, err := r.client.LRange(ctx, key, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange %s: %w", key, err)
	}
	return vals, nil
}

// Publish implements Store.
func (r *Redis) Publish(ctx context.Context, channel, message string) error {
	if err := r.client.Publish(ctx, channel, message).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}
