package services

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEventLog(t *testing.T) *EventLog {
	t.Helper()
	el := NewEventLog(EventLogConfig{
		Dir:             t.TempDir(),
		MirrorToConsole: false,
	})
	t.Cleanup(el.Close)
	return el
}

func newTestTracker(t *testing.T, config ReputationConfig, store BlacklistStore) (*ReputationTracker, *EventLog) {
	t.Helper()
	events := testEventLog(t)
	tracker := NewReputationTracker(config, store, events)
	t.Cleanup(tracker.Stop)
	return tracker, events
}

func TestTrackerPromotionAtThreshold(t *testing.T) {
	tracker, events := newTestTracker(t, ReputationConfig{Threshold: 5}, nil)

	ip := "203.0.113.7"
	for i := 0; i < 4; i++ {
		tracker.RecordSuspicious(ip, "mallory")
		assert.False(t, tracker.IsBlacklisted(ip), "request %d should not blacklist", i+1)
	}

	tracker.RecordSuspicious(ip, "mallory")
	assert.True(t, tracker.IsBlacklisted(ip))

	// Further events must not emit another promotion.
	tracker.RecordSuspicious(ip, "mallory")
	tracker.RecordSuspicious(ip, "trudy")
	assert.True(t, tracker.IsBlacklisted(ip))

	promotions := 0
	for _, event := range events.RecentSecurityEvents(0) {
		if event.Message == "IP blacklisted after repeated suspicious activity" {
			promotions++
		}
	}
	assert.Equal(t, 1, promotions, "exactly one promotion event")
	assert.Equal(t, int64(1), tracker.GetStats().PromotedCount)
}

func TestTrackerConcurrentPromotion(t *testing.T) {
	tracker, _ := newTestTracker(t, ReputationConfig{Threshold: 5}, nil)

	ip := "203.0.113.8"
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tracker.RecordSuspicious(ip, "bot")
		}()
	}
	wg.Wait()

	assert.True(t, tracker.IsBlacklisted(ip))
	assert.Equal(t, int64(1), tracker.GetStats().PromotedCount)
}

func TestTrackerTracksIdentities(t *testing.T) {
	tracker, _ := newTestTracker(t, ReputationConfig{Threshold: 10}, nil)

	ip := "203.0.113.9"
	tracker.RecordSuspicious(ip, "alice")
	tracker.RecordSuspicious(ip, "bob")
	tracker.RecordSuspicious(ip, "")

	suspects := tracker.Suspects()
	require.Len(t, suspects, 1)
	assert.Equal(t, ip, suspects[0].IPAddress)
	assert.Equal(t, 3, suspects[0].Count)
	assert.Len(t, suspects[0].Identities, 2)
}

func TestTrackerSweepRemovesStaleRecords(t *testing.T) {
	tracker, _ := newTestTracker(t, ReputationConfig{
		Threshold:       5,
		StalenessWindow: 50 * time.Millisecond,
	}, nil)

	tracker.RecordSuspicious("203.0.113.10", "")
	time.Sleep(80 * time.Millisecond)
	tracker.Sweep()

	assert.Empty(t, tracker.Suspects())
	assert.Equal(t, int64(1), tracker.GetStats().SweptCount)
}

func TestTrackerSweepIsIdempotent(t *testing.T) {
	tracker, _ := newTestTracker(t, ReputationConfig{
		Threshold:       5,
		StalenessWindow: 50 * time.Millisecond,
	}, nil)

	tracker.RecordSuspicious("203.0.113.11", "")
	time.Sleep(80 * time.Millisecond)

	tracker.Sweep()
	first := tracker.GetStats()
	tracker.Sweep()
	second := tracker.GetStats()

	assert.Equal(t, first.SweptCount, second.SweptCount)
	assert.Empty(t, tracker.Suspects())
}

func TestTrackerSweepKeepsBlacklistedRecords(t *testing.T) {
	tracker, _ := newTestTracker(t, ReputationConfig{
		Threshold:       2,
		StalenessWindow: 50 * time.Millisecond,
	}, nil)

	ip := "203.0.113.12"
	tracker.RecordSuspicious(ip, "mallory")
	tracker.RecordSuspicious(ip, "mallory")
	require.True(t, tracker.IsBlacklisted(ip))

	time.Sleep(80 * time.Millisecond)
	tracker.Sweep()

	suspects := tracker.Suspects()
	require.Len(t, suspects, 1, "blacklisted record is kept for audit context")
	assert.True(t, tracker.IsBlacklisted(ip))
}

func TestBlacklistPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blacklist.txt")
	store := NewFileBlacklistStore(path)

	tracker, _ := newTestTracker(t, ReputationConfig{Threshold: 1}, store)
	tracker.RecordSuspicious("1.2.3.4", "")
	tracker.RecordSuspicious("5.6.7.8", "")
	tracker.Stop()

	// Simulate restart: a fresh tracker restores the set from the store.
	restored, _ := newTestTracker(t, ReputationConfig{Threshold: 5}, store)
	assert.True(t, restored.IsBlacklisted("1.2.3.4"))
	assert.True(t, restored.IsBlacklisted("5.6.7.8"))
	assert.False(t, restored.IsBlacklisted("9.9.9.9"))
	assert.Equal(t, []string{"1.2.3.4", "5.6.7.8"}, restored.Blacklist())
}

func TestFileBlacklistStoreMissingFile(t *testing.T) {
	store := NewFileBlacklistStore(filepath.Join(t.TempDir(), "absent.txt"))
	ips, err := store.Load()
	assert.NoError(t, err)
	assert.Empty(t, ips)
}

func TestUnblacklist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blacklist.txt")
	store := NewFileBlacklistStore(path)
	tracker, _ := newTestTracker(t, ReputationConfig{Threshold: 1}, store)

	tracker.RecordSuspicious("1.2.3.4", "")
	require.True(t, tracker.IsBlacklisted("1.2.3.4"))

	require.NoError(t, tracker.Unblacklist("1.2.3.4"))
	assert.False(t, tracker.IsBlacklisted("1.2.3.4"))

	// Removal is persisted.
	ips, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, ips)

	assert.Error(t, tracker.Unblacklist("1.2.3.4"))
}

func TestBlacklistTTLExpiry(t *testing.T) {
	tracker, _ := newTestTracker(t, ReputationConfig{
		Threshold:    1,
		BlacklistTTL: 50 * time.Millisecond,
	}, nil)

	tracker.RecordSuspicious("203.0.113.13", "")
	assert.True(t, tracker.IsBlacklisted("203.0.113.13"))

	time.Sleep(80 * time.Millisecond)
	assert.False(t, tracker.IsBlacklisted("203.0.113.13"))
}
