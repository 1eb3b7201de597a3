package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"actiongate/internal/config"
)

// Limiter admits or rejects one request for a key.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Memory keeps one token bucket per key in process.
type Memory struct {
	rps   rate.Limit
	burst int

	mu       sync.Mutex
	visitors map[string]*visitor
	now      func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewMemory(rps float64, burst int) *Memory {
	if burst <= 0 {
		burst = 1
	}
	return &Memory{
		rps:      rate.Limit(rps),
		burst:    burst,
		visitors: map[string]*visitor{},
		now:      time.Now,
	}
}

func (m *Memory) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	v, ok := m.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(m.rps, m.burst)}
		m.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1), nil
}

// Sweep drops buckets idle for longer than idle and returns how many went.
func (m *Memory) Sweep(idle time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-idle)
	n := 0
	for key, v := range m.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(m.visitors, key)
			n++
		}
	}
	return n
}

// Run sweeps idle buckets every minute until ctx is done.
func (m *Memory) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(3 * time.Minute)
		}
	}
}

// KEYS[1] bucket key; ARGV rate, capacity, cost, now (seconds).
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])
if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)
return {allowed, tokens}
`)

// Redis shares token buckets across processes.
type Redis struct {
	client redis.Scripter
	rps    float64
	burst  int
	prefix string
	now    func() time.Time
}

func NewRedis(client redis.Scripter, rps float64, burst int) *Redis {
	if burst <= 0 {
		burst = 1
	}
	return &Redis{client: client, rps: rps, burst: burst, prefix: "actiongate:ratelimit:", now: time.Now}
}

func (r *Redis) Allow(ctx context.Context, key string) (bool, error) {
	now := float64(r.now().UnixMicro()) / 1e6
	res, err := tokenBucketScript.Run(ctx, r.client, []string{r.prefix + key}, r.rps, r.burst, 1, now).Result()
	if err != nil {
		return false, fmt.Errorf("redis limiter: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("redis limiter: unexpected script reply %T", res)
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}

// New builds the configured limiter. It returns nil when rate limiting is
// off. The close func releases the Redis client, if any.
func New(cfg config.RateLimitConfig) (Limiter, func() error, error) {
	noop := func() error { return nil }
	if cfg.RPS <= 0 {
		return nil, noop, nil
	}
	if cfg.RedisAddr == "" {
		return NewMemory(cfg.RPS, cfg.Burst), noop, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, noop, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}
	return NewRedis(client, cfg.RPS, cfg.Burst), client.Close, nil
}
