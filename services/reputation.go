package services

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// BlacklistStore persists the blacklist set across restarts. Save overwrites
// the whole set on every promotion; the blacklist stays small relative to
// request volume so this is acceptable.
type BlacklistStore interface {
	Load() ([]string, error)
	Save(ips []string) error
}

// ReputationConfig defines configuration for the IP reputation tracker
type ReputationConfig struct {
	Threshold       int           `yaml:"threshold" default:"5"`
	StalenessWindow time.Duration `yaml:"staleness_window" default:"1h"`
	SweepInterval   time.Duration `yaml:"sweep_interval" default:"1h"`
	// BlacklistTTL of zero means entries are permanent until removed by hand.
	BlacklistTTL time.Duration `yaml:"blacklist_ttl" default:"0"`
}

// ReputationStats provides statistics about reputation tracker usage
type ReputationStats struct {
	TrackedCount  int64     `json:"tracked_count"`
	PromotedCount int64     `json:"promoted_count"`
	SweptCount    int64     `json:"swept_count"`
	LastSweepTime time.Time `json:"last_sweep_time"`
}

// SuspicionRecord tracks suspicious activity from one source address.
type SuspicionRecord struct {
	IPAddress    string          `json:"ip_address"`
	Count        int             `json:"count"`
	LastActivity time.Time       `json:"last_activity"`
	Identities   map[string]bool `json:"identities"`
	Blacklisted  bool            `json:"blacklisted"`
}

const suspicionShards = 16

type suspicionShard struct {
	mu      sync.Mutex
	records map[string]*SuspicionRecord
}

// ReputationTracker counts suspicious events per source address and promotes
// addresses past the threshold to a persisted blacklist. The suspicion map is
// striped so concurrent requests for different addresses never contend.
type ReputationTracker struct {
	config ReputationConfig
	shards [suspicionShards]*suspicionShard

	blmu      sync.RWMutex
	blacklist map[string]time.Time // ip -> promotion time

	store  BlacklistStore
	events *EventLog

	statsMu sync.Mutex
	stats   ReputationStats

	sweepTimer *time.Timer
	stopSweep  chan struct{}
	stopOnce   sync.Once
}

// NewReputationTracker creates a tracker and restores the blacklist from the
// store. A store load failure is not fatal: the tracker starts with an empty
// set and logs the condition.
func NewReputationTracker(config ReputationConfig, store BlacklistStore, events *EventLog) *ReputationTracker {
	if config.Threshold <= 0 {
		config.Threshold = 5
	}
	if config.StalenessWindow <= 0 {
		config.StalenessWindow = 1 * time.Hour
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = 1 * time.Hour
	}

	rt := &ReputationTracker{
		config:    config,
		blacklist: make(map[string]time.Time),
		store:     store,
		events:    events,
		stopSweep: make(chan struct{}),
	}
	for i := range rt.shards {
		rt.shards[i] = &suspicionShard{records: make(map[string]*SuspicionRecord)}
	}

	if store != nil {
		ips, err := store.Load()
		if err != nil {
			events.LogSecurityEvent("error", "failed to restore blacklist", "",
				map[string]interface{}{"error": err.Error()})
		} else {
			now := time.Now()
			for _, ip := range ips {
				rt.blacklist[ip] = now
			}
		}
	}

	rt.startSweep()
	return rt
}

func (rt *ReputationTracker) shardFor(ip string) *suspicionShard {
	h := fnv.New32a()
	h.Write([]byte(ip))
	return rt.shards[h.Sum32()%suspicionShards]
}

// IsBlacklisted is the read path for every request.
func (rt *ReputationTracker) IsBlacklisted(ip string) bool {
	rt.blmu.RLock()
	promotedAt, ok := rt.blacklist[ip]
	rt.blmu.RUnlock()
	if !ok {
		return false
	}
	if rt.config.BlacklistTTL > 0 && time.Since(promotedAt) >= rt.config.BlacklistTTL {
		rt.Unblacklist(ip)
		return false
	}
	return true
}

// RecordSuspicious increments the suspicion record for ip. Crossing the
// threshold promotes the address exactly once: the shard lock makes the
// read-modify-write atomic per key, so only one caller observes the count
// landing on the threshold.
func (rt *ReputationTracker) RecordSuspicious(ip, identity string) {
	shard := rt.shardFor(ip)

	shard.mu.Lock()
	record, exists := shard.records[ip]
	if !exists {
		record = &SuspicionRecord{
			IPAddress:  ip,
			Identities: make(map[string]bool),
		}
		shard.records[ip] = record
	}
	record.Count++
	record.LastActivity = time.Now()
	if identity != "" {
		record.Identities[identity] = true
	}
	promote := record.Count == rt.config.Threshold && !record.Blacklisted
	if promote {
		record.Blacklisted = true
	}
	count := record.Count
	identities := make([]string, 0, len(record.Identities))
	for id := range record.Identities {
		identities = append(identities, id)
	}
	shard.mu.Unlock()

	if !promote {
		return
	}

	sort.Strings(identities)
	rt.promote(ip, count, identities)
}

// promote adds ip to the blacklist and persists the whole set synchronously.
func (rt *ReputationTracker) promote(ip string, count int, identities []string) {
	rt.blmu.Lock()
	rt.blacklist[ip] = time.Now()
	err := rt.persistLocked()
	rt.blmu.Unlock()

	rt.statsMu.Lock()
	rt.stats.PromotedCount++
	rt.statsMu.Unlock()

	context := map[string]interface{}{
		"count":      count,
		"identities": identities,
	}
	if err != nil {
		context["persist_error"] = err.Error()
	}
	rt.events.LogSecurityEvent("error", "IP blacklisted after repeated suspicious activity", ip, context)
}

// Unblacklist removes an address by hand (admin action or TTL expiry).
func (rt *ReputationTracker) Unblacklist(ip string) error {
	rt.blmu.Lock()
	_, ok := rt.blacklist[ip]
	if ok {
		delete(rt.blacklist, ip)
	}
	var err error
	if ok {
		err = rt.persistLocked()
	}
	rt.blmu.Unlock()

	if !ok {
		return fmt.Errorf("ip %s is not blacklisted", ip)
	}

	shard := rt.shardFor(ip)
	shard.mu.Lock()
	if record, exists := shard.records[ip]; exists {
		record.Blacklisted = false
	}
	shard.mu.Unlock()

	return err
}

// persistLocked writes the current set through the store. Caller holds blmu.
func (rt *ReputationTracker) persistLocked() error {
	if rt.store == nil {
		return nil
	}
	ips := make([]string, 0, len(rt.blacklist))
	for ip := range rt.blacklist {
		ips = append(ips, ip)
	}
	sort.Strings(ips)
	return rt.store.Save(ips)
}

// Blacklist returns the current set of blacklisted addresses, sorted.
func (rt *ReputationTracker) Blacklist() []string {
	rt.blmu.RLock()
	defer rt.blmu.RUnlock()
	ips := make([]string, 0, len(rt.blacklist))
	for ip := range rt.blacklist {
		ips = append(ips, ip)
	}
	sort.Strings(ips)
	return ips
}

// Suspects returns a snapshot of the current suspicion records.
func (rt *ReputationTracker) Suspects() []SuspicionRecord {
	out := make([]SuspicionRecord, 0)
	for _, shard := range rt.shards {
		shard.mu.Lock()
		for _, record := range shard.records {
			snapshot := *record
			snapshot.Identities = make(map[string]bool, len(record.Identities))
			for id := range record.Identities {
				snapshot.Identities[id] = true
			}
			out = append(out, snapshot)
		}
		shard.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IPAddress < out[j].IPAddress })
	return out
}

// Sweep removes suspicion records stale past the staleness window. Records of
// blacklisted addresses are kept for audit context. Blacklist entries are
// never touched here.
func (rt *ReputationTracker) Sweep() {
	now := time.Now()
	swept := 0
	for _, shard := range rt.shards {
		shard.mu.Lock()
		for ip, record := range shard.records {
			if record.Blacklisted {
				continue
			}
			if now.Sub(record.LastActivity) >= rt.config.StalenessWindow {
				delete(shard.records, ip)
				swept++
			}
		}
		shard.mu.Unlock()
	}

	rt.statsMu.Lock()
	rt.stats.SweptCount += int64(swept)
	rt.stats.LastSweepTime = now
	rt.statsMu.Unlock()
}

// MaybeSweep runs a sweep only when the last one is older than the sweep
// interval. Cheap enough to hang off hot paths as an opportunistic trigger.
func (rt *ReputationTracker) MaybeSweep() {
	rt.statsMu.Lock()
	due := time.Since(rt.stats.LastSweepTime) >= rt.config.SweepInterval
	rt.statsMu.Unlock()
	if due {
		rt.Sweep()
	}
}

// GetStats returns current reputation tracker statistics
func (rt *ReputationTracker) GetStats() ReputationStats {
	rt.statsMu.Lock()
	stats := rt.stats
	rt.statsMu.Unlock()

	var tracked int64
	for _, shard := range rt.shards {
		shard.mu.Lock()
		tracked += int64(len(shard.records))
		shard.mu.Unlock()
	}
	stats.TrackedCount = tracked
	return stats
}

// startSweep starts the background sweep goroutine
func (rt *ReputationTracker) startSweep() {
	rt.sweepTimer = time.NewTimer(rt.config.SweepInterval)

	go func() {
		for {
			select {
			case <-rt.sweepTimer.C:
				rt.Sweep()
				rt.sweepTimer.Reset(rt.config.SweepInterval)
			case <-rt.stopSweep:
				return
			}
		}
	}()
}

// Stop gracefully shuts down the reputation tracker
func (rt *ReputationTracker) Stop() {
	rt.stopOnce.Do(func() {
		close(rt.stopSweep)
		if rt.sweepTimer != nil {
			rt.sweepTimer.Stop()
		}
	})
}

// ----- File-backed blacklist store -----

// FileBlacklistStore persists the blacklist as a flat list of IP strings,
// one per line.
type FileBlacklistStore struct {
	path string
}

func NewFileBlacklistStore(path string) *FileBlacklistStore {
	if path == "" {
		path = "data/blacklist.txt"
	}
	return &FileBlacklistStore{path: path}
}

func (s *FileBlacklistStore) Load() ([]string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ips []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			ips = append(ips, line)
		}
	}
	return ips, nil
}

func (s *FileBlacklistStore) Save(ips []string) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	// Write-then-rename so a crash mid-write never truncates the set.
	tmp := s.path + ".tmp"
	content := strings.Join(ips, "\n")
	if len(ips) > 0 {
		content += "\n"
	}
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
