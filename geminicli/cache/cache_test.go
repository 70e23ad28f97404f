package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cassmtnr/gemini-bridge/geminicli/config"
	"github.com/cassmtnr/gemini-bridge/geminicli/types"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time       { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestCache(t *testing.T, cfg config.CacheConfig) (*Cache, *fakeClock) {
	t.Helper()
	dir := t.TempDir()
	cfg.Directory = dir
	c := New(cfg)
	clock := &fakeClock{now: time.Now()}
	c.nowFunc = clock.Now
	if err := c.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, clock
}

func sampleResult(summary string) types.AnalysisResult {
	return types.AnalysisResult{
		Success:         true,
		RequestID:       "req-1",
		Summary:         summary,
		Findings:        []types.Finding{},
		Recommendations: []types.Recommendation{},
	}
}

// Property 1: key generation is deterministic and field-order-independent.
func TestGenerateKeyIsDeterministicAndOrderIndependent(t *testing.T) {
	reqA := types.AnalysisRequest{Type: types.AnalysisSecurity, Target: []string{"a", "b"}, Depth: types.DepthDeep}
	reqB := types.AnalysisRequest{Depth: types.DepthDeep, Target: []string{"a", "b"}, Type: types.AnalysisSecurity}

	if GenerateKey(reqA) != GenerateKey(reqB) {
		t.Fatalf("expected identical keys for field-order-permuted identical requests")
	}
	if len(GenerateKey(reqA)) != 16 {
		t.Fatalf("expected a 16-hex-char key, got %q", GenerateKey(reqA))
	}
}

func TestGenerateKeyDiffersForDifferentRequests(t *testing.T) {
	reqA := types.NewRequest(types.AnalysisCodebase, "a")
	reqB := types.NewRequest(types.AnalysisCodebase, "b")
	if GenerateKey(reqA) == GenerateKey(reqB) {
		t.Fatalf("expected different keys for different targets")
	}
}

func TestSetThenGetRoundTrips(t *testing.T) {
	c, _ := newTestCache(t, config.CacheConfig{Enabled: true, TTLMs: int64(time.Hour / time.Millisecond), MaxEntries: 10})
	c.Set("k1", sampleResult("ok"))

	got, ok := c.Get("k1")
	if !ok || got.Summary != "ok" {
		t.Fatalf("expected a hit with summary 'ok', got %v, %v", got, ok)
	}
}

// S7 – Cache TTL eviction.
func TestTTLExpiryEvictsFromMemoryAndDisk(t *testing.T) {
	c, clock := newTestCache(t, config.CacheConfig{Enabled: true, TTLMs: 50, MaxEntries: 10})
	c.Set("k", sampleResult("v"))

	shardPath := c.shardPath("k")
	if _, err := os.Stat(shardPath); err != nil {
		t.Fatalf("expected shard to exist after Set: %v", err)
	}

	clock.Advance(100 * time.Millisecond)

	if _, ok := c.Get("k"); ok {
		t.Fatalf("expected TTL-expired entry to miss")
	}
	if _, err := os.Stat(shardPath); !os.IsNotExist(err) {
		t.Fatalf("expected shard to be deleted after TTL expiry, stat err=%v", err)
	}
}

// S8 – LRU under pressure.
func TestLRUEvictsOldestOnPressure(t *testing.T) {
	c, clock := newTestCache(t, config.CacheConfig{Enabled: true, TTLMs: int64(time.Hour / time.Millisecond), MaxEntries: 3})

	c.Set("k1", sampleResult("v1"))
	clock.Advance(time.Millisecond)
	c.Set("k2", sampleResult("v2"))
	clock.Advance(time.Millisecond)
	c.Set("k3", sampleResult("v3"))
	clock.Advance(time.Millisecond)
	c.Set("k4", sampleResult("v4"))

	if _, ok := c.Get("k1"); ok {
		t.Fatalf("expected k1 to be evicted")
	}
	for _, k := range []string{"k2", "k3", "k4"} {
		if _, ok := c.Get(k); !ok {
			t.Fatalf("expected %s to survive eviction", k)
		}
	}

	if _, err := os.Stat(c.shardPath("k1")); !os.IsNotExist(err) {
		t.Fatalf("expected k1's shard to be deleted")
	}
}

// S9 – Disk recovery.
func TestInitializeRecoversFreshAndDropsStaleShards(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	ttlMs := int64(1000)

	fresh := Entry{Key: "fresh", Value: sampleResult("fresh"), CreatedAt: now.Add(-10 * time.Millisecond).UnixMilli(), AccessedAt: now.UnixMilli()}
	stale := Entry{Key: "stale", Value: sampleResult("stale"), CreatedAt: now.Add(-time.Duration(ttlMs)*time.Millisecond - time.Millisecond).UnixMilli(), AccessedAt: now.UnixMilli()}

	writeShardFile(t, dir, fresh)
	writeShardFile(t, dir, stale)

	cfg := config.CacheConfig{Enabled: true, TTLMs: ttlMs, MaxEntries: 10, Directory: dir}
	c := New(cfg)
	clock := &fakeClock{now: now}
	c.nowFunc = clock.Now
	if err := c.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer c.Close()

	if _, ok := c.Get("fresh"); !ok {
		t.Fatalf("expected fresh entry to be recovered into memory")
	}
	if _, err := os.Stat(filepath.Join(dir, "fresh.json")); err != nil {
		t.Fatalf("expected fresh shard to remain on disk: %v", err)
	}

	if _, ok := c.Get("stale"); ok {
		t.Fatalf("expected stale entry to be dropped")
	}
	if _, err := os.Stat(filepath.Join(dir, "stale.json")); !os.IsNotExist(err) {
		t.Fatalf("expected stale shard to be deleted during initialize")
	}
}

func TestInitializeToleratesMissingDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "does", "not", "exist", "yet")
	cfg := config.CacheConfig{Enabled: true, TTLMs: 1000, MaxEntries: 10, Directory: dir}
	c := New(cfg)
	if err := c.Initialize(); err != nil {
		t.Fatalf("expected Initialize to succeed on a fresh install, got: %v", err)
	}
	defer c.Close()

	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("expected Initialize to create the cache directory: %v", err)
	}
}

func TestInvalidateByTargetSubstring(t *testing.T) {
	c, _ := newTestCache(t, config.CacheConfig{Enabled: true, TTLMs: int64(time.Hour / time.Millisecond), MaxEntries: 10})
	r := sampleResult("v")
	r.RequestID = "01HXYZ-abc"
	c.Set("k1", r)

	removed := c.Invalidate(&Pattern{Target: "01HXYZ"})
	if removed != 1 {
		t.Fatalf("expected 1 entry invalidated, got %d", removed)
	}
	if _, ok := c.Get("k1"); ok {
		t.Fatalf("expected k1 to be gone after invalidate")
	}
}

func TestClearEmptiesMemoryAndDisk(t *testing.T) {
	c, _ := newTestCache(t, config.CacheConfig{Enabled: true, TTLMs: int64(time.Hour / time.Millisecond), MaxEntries: 10})
	c.Set("k1", sampleResult("v1"))
	c.Set("k2", sampleResult("v2"))

	c.Clear()

	stats := c.GetStats()
	if stats.Entries != 0 {
		t.Fatalf("expected 0 entries after Clear, got %d", stats.Entries)
	}
	shards, err := filepath.Glob(filepath.Join(c.dir, "*.json"))
	if err != nil {
		t.Fatalf("glob shards: %v", err)
	}
	if len(shards) != 0 {
		t.Fatalf("expected no shards on disk after Clear, got %v", shards)
	}
}

func TestGetStatsTracksHitRate(t *testing.T) {
	c, _ := newTestCache(t, config.CacheConfig{Enabled: true, TTLMs: int64(time.Hour / time.Millisecond), MaxEntries: 10})
	c.Set("k1", sampleResult("v1"))

	c.Get("k1")    // hit
	c.Get("k1")    // hit
	c.Get("nope")  // miss

	stats := c.GetStats()
	if stats.HitRate < 0.6 || stats.HitRate > 0.7 {
		t.Fatalf("expected hit rate ~0.667, got %f", stats.HitRate)
	}
}

func TestDisabledCacheIsANoOp(t *testing.T) {
	dir := t.TempDir()
	c := New(config.CacheConfig{Enabled: false, Directory: dir, TTLMs: 1000, MaxEntries: 10})
	if err := c.Initialize(); err != nil {
		t.Fatalf("Initialize should be a no-op when disabled: %v", err)
	}
	c.Set("k", sampleResult("v"))
	if _, ok := c.Get("k"); ok {
		t.Fatalf("expected disabled cache to never return a hit")
	}
}

func writeShardFile(t *testing.T, dir string, e Entry) {
	t.Helper()
	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal shard: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, e.Key+".json"), data, 0o600); err != nil {
		t.Fatalf("write shard: %v", err)
	}
}
