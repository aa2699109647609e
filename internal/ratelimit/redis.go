package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/xaenox/wa-responder/pkg/config"
)

// incrWindow counts a hit and starts the window expiry on the first one.
var incrWindow = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// RedisLimiter shares the fixed-window counters between processes.
type RedisLimiter struct {
	rdb    *redis.Client
	limit  int
	period time.Duration
	prefix string
}

func NewRedisLimiter(rdb *redis.Client, limit int, period time.Duration) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, limit: limit, period: period, prefix: "ratelimit:inbound:"}
}

// NewRedisClient connects using redis.url when set, redis.addr otherwise.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opts := &redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		opts = parsed
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return rdb, nil
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if l.limit <= 0 {
		return true, nil
	}
	n, err := incrWindow.Run(ctx, l.rdb, []string{l.prefix + key}, l.period.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit: %w", err)
	}
	return n <= l.limit, nil
}
