package services

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"hash/fnv"
	"sync"
	"time"
)

// CSRF verification failure modes. All of them map to a 403 at the HTTP
// boundary; the distinction matters for the security stream and for tests.
var (
	ErrTokenMissing     = errors.New("csrf token missing")
	ErrTokenInvalid     = errors.New("csrf token invalid")
	ErrTokenExpired     = errors.New("csrf token expired")
	ErrIdentityMismatch = errors.New("csrf token identity mismatch")
)

// TokenConfig defines configuration for the CSRF token store
type TokenConfig struct {
	TTL           time.Duration `yaml:"ttl" default:"1h"`
	SweepInterval time.Duration `yaml:"sweep_interval" default:"10m"`
}

// TokenStats provides statistics about token store usage
type TokenStats struct {
	IssuedCount   int64     `json:"issued_count"`
	DeniedCount   int64     `json:"denied_count"`
	SweptCount    int64     `json:"swept_count"`
	LastSweepTime time.Time `json:"last_sweep_time"`
}

type tokenRecord struct {
	issuedAt time.Time
	expiry   time.Time
	identity string
}

const tokenShards = 16

type tokenShard struct {
	mu     sync.Mutex
	tokens map[string]*tokenRecord
}

// TokenStore issues short-lived, optionally identity-bound CSRF tokens and
// validates them on state-changing requests. Tokens stay valid for repeated
// use until TTL expiry; the threat model is cross-origin forgery, not replay
// by the legitimate holder.
type TokenStore struct {
	config TokenConfig
	shards [tokenShards]*tokenShard

	statsMu sync.Mutex
	stats   TokenStats

	sweepTimer *time.Timer
	stopSweep  chan struct{}
	stopOnce   sync.Once
}

// NewTokenStore creates a token store with a background expiry sweep.
func NewTokenStore(config TokenConfig) *TokenStore {
	if config.TTL <= 0 {
		config.TTL = 1 * time.Hour
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = 10 * time.Minute
	}

	ts := &TokenStore{
		config:    config,
		stopSweep: make(chan struct{}),
	}
	for i := range ts.shards {
		ts.shards[i] = &tokenShard{tokens: make(map[string]*tokenRecord)}
	}

	ts.startSweep()
	return ts
}

func (ts *TokenStore) shardFor(token string) *tokenShard {
	h := fnv.New32a()
	h.Write([]byte(token))
	return ts.shards[h.Sum32()%tokenShards]
}

// Issue generates a new 256-bit random token, optionally bound to identity.
// Issuance doubles as an opportunistic sweep trigger for the token's shard.
func (ts *TokenStore) Issue(identity string) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	token := hex.EncodeToString(raw)

	now := time.Now()
	shard := ts.shardFor(token)
	shard.mu.Lock()
	shard.tokens[token] = &tokenRecord{
		issuedAt: now,
		expiry:   now.Add(ts.config.TTL),
		identity: identity,
	}
	swept := sweepShard(shard, now)
	shard.mu.Unlock()

	ts.statsMu.Lock()
	ts.stats.IssuedCount++
	ts.stats.SweptCount += int64(swept)
	ts.statsMu.Unlock()

	return token, nil
}

// Verify checks a presented token. A token bound to an identity at issuance
// only verifies when the requesting identity matches; an unbound token
// verifies for anyone holding it.
func (ts *TokenStore) Verify(token, identity string) error {
	if token == "" {
		ts.countDenied()
		return ErrTokenMissing
	}

	shard := ts.shardFor(token)
	shard.mu.Lock()
	record, exists := shard.tokens[token]
	if exists && time.Now().After(record.expiry) {
		delete(shard.tokens, token)
		shard.mu.Unlock()
		ts.countDenied()
		return ErrTokenExpired
	}
	shard.mu.Unlock()

	if !exists {
		ts.countDenied()
		return ErrTokenInvalid
	}
	if record.identity != "" && identity != "" && record.identity != identity {
		ts.countDenied()
		return ErrIdentityMismatch
	}
	return nil
}

// Sweep removes all expired tokens.
func (ts *TokenStore) Sweep() {
	now := time.Now()
	swept := 0
	for _, shard := range ts.shards {
		shard.mu.Lock()
		swept += sweepShard(shard, now)
		shard.mu.Unlock()
	}

	ts.statsMu.Lock()
	ts.stats.SweptCount += int64(swept)
	ts.stats.LastSweepTime = now
	ts.statsMu.Unlock()
}

// sweepShard removes expired tokens from one shard. Caller holds shard.mu.
func sweepShard(shard *tokenShard, now time.Time) int {
	swept := 0
	for token, record := range shard.tokens {
		if now.After(record.expiry) {
			delete(shard.tokens, token)
			swept++
		}
	}
	return swept
}

// TTL returns the configured token lifetime.
func (ts *TokenStore) TTL() time.Duration {
	return ts.config.TTL
}

// Len returns the number of live tokens across all shards.
func (ts *TokenStore) Len() int {
	n := 0
	for _, shard := range ts.shards {
		shard.mu.Lock()
		n += len(shard.tokens)
		shard.mu.Unlock()
	}
	return n
}

// GetStats returns current token store statistics
func (ts *TokenStore) GetStats() TokenStats {
	ts.statsMu.Lock()
	defer ts.statsMu.Unlock()
	return ts.stats
}

func (ts *TokenStore) countDenied() {
	ts.statsMu.Lock()
	ts.stats.DeniedCount++
	ts.statsMu.Unlock()
}

// startSweep starts the background sweep goroutine
func (ts *TokenStore) startSweep() {
	ts.sweepTimer = time.NewTimer(ts.config.SweepInterval)

	go func() {
		for {
			select {
			case <-ts.sweepTimer.C:
				ts.Sweep()
				ts.sweepTimer.Reset(ts.config.SweepInterval)
			case <-ts.stopSweep:
				return
			}
		}
	}()
}

// Stop gracefully shuts down the token store
func (ts *TokenStore) Stop() {
	ts.stopOnce.Do(func() {
		close(ts.stopSweep)
		if ts.sweepTimer != nil {
			ts.sweepTimer.Stop()
		}
	})
}
