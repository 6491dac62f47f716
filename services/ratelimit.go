package services

import (
	"context"
	"fmt"
	"hash/fnv"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

// Tier names a routing class with its own isolated counter space.
type Tier string

const (
	TierStandard  Tier = "standard"
	TierAuth      Tier = "auth"
	TierSensitive Tier = "sensitive"
	TierAPIKey    Tier = "apikey"
)

// TierLimit is one tier's fixed window length and request ceiling.
type TierLimit struct {
	Window  time.Duration `yaml:"window"`
	Ceiling int64         `yaml:"ceiling"`
}

// DefaultTierLimits returns the built-in per-tier limits.
func DefaultTierLimits() map[Tier]TierLimit {
	return map[Tier]TierLimit{
		TierStandard:  {Window: 15 * time.Minute, Ceiling: 100},
		TierAuth:      {Window: 15 * time.Minute, Ceiling: 10},
		TierSensitive: {Window: 60 * time.Minute, Ceiling: 5},
		TierAPIKey:    {Window: 60 * time.Minute, Ceiling: 1000},
	}
}

// RateLimitConfig defines configuration for the multi-tier rate limiter
type RateLimitConfig struct {
	Tiers map[Tier]TierLimit `yaml:"tiers"`
	// FailOpen controls behavior when the backing store is unavailable:
	// true lets the request through, false rejects it. Fail-closed is safer
	// but trades away availability; the default is fail-open.
	FailOpen       bool     `yaml:"fail_open" default:"true"`
	TrustedProxies []string `yaml:"trusted_proxies"`
	EnableDebug    bool     `yaml:"enable_debug" default:"false"`
}

// RateLimitStats provides statistics about rate limiter usage
type RateLimitStats struct {
	AllowedCount int64 `json:"allowed_count"`
	DeniedCount  int64 `json:"denied_count"`
	StoreErrors  int64 `json:"store_errors"`
}

// RateLimitedError is returned when a key exceeds its tier's ceiling within
// the current window.
type RateLimitedError struct {
	Tier       Tier
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded for tier %s, retry after %s", e.Tier, e.RetryAfter.Round(time.Second))
}

// CounterStore is a key -> (count, window) map with an atomic
// increment-and-check primitive. The fixed-window counting algorithm is
// identical for every implementation; the store only holds the counters.
type CounterStore interface {
	// Incr atomically increments the counter for key within the current
	// window, returning the post-increment count and the time remaining
	// until the window resets.
	Incr(ctx context.Context, tier Tier, key string, window time.Duration) (count int64, remaining time.Duration, err error)
}

// RateLimiter applies fixed-window request ceilings per (tier, key).
type RateLimiter struct {
	config RateLimitConfig
	store  CounterStore

	statsMu sync.Mutex
	stats   RateLimitStats
}

// NewRateLimiter creates a limiter over the given counter store. Tier limits
// not overridden in config fall back to the defaults.
func NewRateLimiter(config RateLimitConfig, store CounterStore) *RateLimiter {
	tiers := DefaultTierLimits()
	for tier, limit := range config.Tiers {
		if limit.Window > 0 && limit.Ceiling > 0 {
			tiers[tier] = limit
		}
	}
	config.Tiers = tiers

	if store == nil {
		store = NewMemoryCounterStore()
	}

	return &RateLimiter{config: config, store: store}
}

// Check applies the tier's ceiling to key. Returns nil when the request is
// allowed, a *RateLimitedError when the ceiling is exceeded.
func (rl *RateLimiter) Check(ctx context.Context, tier Tier, key string) error {
	limit, ok := rl.config.Tiers[tier]
	if !ok {
		limit = rl.config.Tiers[TierStandard]
	}

	count, remaining, err := rl.store.Incr(ctx, tier, key, limit.Window)
	if err != nil {
		rl.statsMu.Lock()
		rl.stats.StoreErrors++
		rl.statsMu.Unlock()
		if rl.config.EnableDebug {
			log.Printf("rate limit store error for %s/%s: %v", tier, key, err)
		}
		if rl.config.FailOpen {
			return nil
		}
		return &RateLimitedError{Tier: tier, RetryAfter: limit.Window}
	}

	if count > limit.Ceiling {
		rl.statsMu.Lock()
		rl.stats.DeniedCount++
		rl.statsMu.Unlock()
		return &RateLimitedError{Tier: tier, RetryAfter: remaining}
	}

	rl.statsMu.Lock()
	rl.stats.AllowedCount++
	rl.statsMu.Unlock()
	return nil
}

// Limit returns the configured window and ceiling for a tier.
func (rl *RateLimiter) Limit(tier Tier) TierLimit {
	limit, ok := rl.config.Tiers[tier]
	if !ok {
		return rl.config.Tiers[TierStandard]
	}
	return limit
}

// GetStats returns current rate limiter statistics
func (rl *RateLimiter) GetStats() RateLimitStats {
	rl.statsMu.Lock()
	defer rl.statsMu.Unlock()
	return rl.stats
}

// KeyForTier derives the counter key for a request. The apikey tier keys by
// API key when one is present, everything else keys by source IP.
func KeyForTier(tier Tier, ip, apiKey string) string {
	if tier == TierAPIKey && apiKey != "" {
		return "key:" + apiKey
	}
	return "ip:" + ip
}

// ----- In-process counter store -----

type counterEntry struct {
	count       int64
	windowStart time.Time
}

const counterShards = 32

type counterShard struct {
	mu      sync.Mutex
	entries map[string]*counterEntry
}

// MemoryCounterStore holds fixed-window counters in process memory, striped
// across shards so concurrent requests for different keys never contend.
// Windows are aligned to epoch boundaries so the semantics match the shared
// Redis store exactly.
type MemoryCounterStore struct {
	shards [counterShards]*counterShard
}

func NewMemoryCounterStore() *MemoryCounterStore {
	ms := &MemoryCounterStore{}
	for i := range ms.shards {
		ms.shards[i] = &counterShard{entries: make(map[string]*counterEntry)}
	}
	return ms
}

func (ms *MemoryCounterStore) Incr(ctx context.Context, tier Tier, key string, window time.Duration) (int64, time.Duration, error) {
	full := string(tier) + ":" + key
	h := fnv.New32a()
	h.Write([]byte(full))
	shard := ms.shards[h.Sum32()%counterShards]

	now := time.Now()
	windowStart := now.Truncate(window)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	entry, exists := shard.entries[full]
	if !exists || now.Sub(entry.windowStart) >= window {
		entry = &counterEntry{windowStart: windowStart}
		shard.entries[full] = entry
	}
	entry.count++

	return entry.count, entry.windowStart.Add(window).Sub(now), nil
}

// SweepExpired drops counters idle past one full window. The backing map
// would otherwise grow with one entry per distinct key seen.
func (ms *MemoryCounterStore) SweepExpired(maxWindow time.Duration) int {
	now := time.Now()
	swept := 0
	for _, shard := range ms.shards {
		shard.mu.Lock()
		for key, entry := range shard.entries {
			if now.Sub(entry.windowStart) >= 2*maxWindow {
				delete(shard.entries, key)
				swept++
			}
		}
		shard.mu.Unlock()
	}
	return swept
}

// ----- Redis-backed counter store -----

// RedisCounterStore shares fixed-window counters across instances. INCR is
// atomic server-side; the first hit in a window attaches the expiry.
type RedisCounterStore struct {
	client *redis.Client
}

func NewRedisCounterStore(addr, password string, db int) *RedisCounterStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisCounterStore{client: rdb}
}

// NewRedisCounterStoreFromURL parses a redis:// connection string.
func NewRedisCounterStoreFromURL(rawURL string) (*RedisCounterStore, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return &RedisCounterStore{client: redis.NewClient(opts)}, nil
}

func (rs *RedisCounterStore) Incr(ctx context.Context, tier Tier, key string, window time.Duration) (int64, time.Duration, error) {
	now := time.Now()
	windowIdx := now.Unix() / int64(window.Seconds())
	counterKey := fmt.Sprintf("ratelimit:%s:%s:%d", tier, key, windowIdx)

	count, err := rs.client.Incr(ctx, counterKey).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("redis incr error: %w", err)
	}
	if count == 1 {
		if err := rs.client.Expire(ctx, counterKey, window).Err(); err != nil {
			return 0, 0, fmt.Errorf("redis expire error: %w", err)
		}
	}

	windowEnd := time.Unix((windowIdx+1)*int64(window.Seconds()), 0)
	return count, windowEnd.Sub(now), nil
}

func (rs *RedisCounterStore) Close() error {
	return rs.client.Close()
}

// ----- Client address helpers -----

// ClientIP extracts the real client address, preferring forwarding headers
// set by a trusted proxy over the socket address.
func ClientIP(c *fiber.Ctx) string {
	if forwarded := c.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		clientIP := strings.TrimSpace(parts[0])
		if normalized := normalizeIP(clientIP); normalized != "" {
			return normalized
		}
	}

	if realIP := c.Get("X-Real-IP"); realIP != "" {
		if normalized := normalizeIP(realIP); normalized != "" {
			return normalized
		}
	}

	return normalizeIP(c.IP())
}

// normalizeIP returns the canonical form of a valid address, "" otherwise.
func normalizeIP(ip string) string {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return ""
	}
	return parsed.String()
}
