// Package lock provides a cross-process lock for work that only one worker
// of a deployment should do, such as the startup purge of temporary tasks.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config selects the redis server. Addr may also be a redis:// URL.
type Config struct {
	Addr     string
	Username string
	Password string
	DB       int
}

// Redis is a SET NX lock. Keys expire on their own; Release is only needed
// to hand a lock back before its ttl.
type Redis struct {
	client *redis.Client
	owner  string
}

// NewRedis builds the client without dialing. owner is stored as the key value
// so operators can see who took a lock.
func NewRedis(cfg Config, owner string) (*Redis, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis: empty addr")
	}
	var opts *redis.Options
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		o, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("redis: parse url: %w", err)
		}
		opts = o
	} else {
		opts = &redis.Options{Addr: addr}
	}
	if cfg.Username != "" {
		opts.Username = cfg.Username
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}
	if owner == "" {
		owner = "1"
	}
	return &Redis{client: redis.NewClient(opts), owner: owner}, nil
}

// TryLock reports whether this call took key. A key already held by anyone,
// this process included, yields false until it expires.
func (r *Redis) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, r.owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

// releaseScript deletes KEYS[1] only while it still holds ARGV[1].
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Release drops key if this process still holds it and reports whether it
// did. A key that expired and was taken by another owner is left alone.
func (r *Redis) Release(ctx context.Context, key string) (bool, error) {
	n, err := releaseScript.Run(ctx, r.client, []string{key}, r.owner).Int64()
	if err != nil {
		return false, fmt.Errorf("redis release %s: %w", key, err)
	}
	return n == 1, nil
}

func (r *Redis) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *Redis) Close() error { return r.client.Close() }
