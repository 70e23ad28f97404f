// Package cache implements C3: a two-tier (memory + disk-shard) TTL+LRU
// cache keyed by a canonical request hash. Grounded on the teacher's
// internal/ai/baseline/store.go — mutex-guarded map, atomic
// write-then-rename persistence, tolerant load-from-disk — generalized
// from "one JSON file for the whole store" to "one JSON shard per
// entry", per spec.md §4.3 and §9 ("one file per entry ... for
// crash-safety and trivial eviction").
package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/cassmtnr/gemini-bridge/geminicli/config"
	"github.com/cassmtnr/gemini-bridge/geminicli/types"
)

// Entry is the on-disk/in-memory shape of one cache record (spec.md §3).
type Entry struct {
	Key        string               `json:"key"`
	Value      types.AnalysisResult `json:"value"`
	CreatedAt  int64                `json:"createdAt"`  // epoch ms, drives TTL
	AccessedAt int64                `json:"accessedAt"` // epoch ms, drives LRU
	SizeBytes  int                  `json:"sizeBytes"`
}

// Pattern filters entries for Invalidate. A nil Pattern matches
// everything (used by Clear's sibling semantics, though Clear itself
// bypasses Pattern entirely).
type Pattern struct {
	Target string
	Type   string
}

// Stats summarizes cache occupancy and (when tracked) hit rate.
type Stats struct {
	Entries   int
	SizeBytes int64
	HitRate   float64
}

// Cache is the two-tier store. The zero value is not usable; use New.
type Cache struct {
	mu         sync.Mutex
	enabled    bool
	ttl        time.Duration
	maxEntries int
	dir        string
	entries    map[string]*Entry

	hits   int64
	misses int64

	initGroup singleflight.Group
	watcher   *fsnotify.Watcher
	watchDone chan struct{}

	nowFunc func() time.Time
}

// New builds a Cache from a CacheConfig. The directory is not created
// until Initialize runs.
func New(cfg config.CacheConfig) *Cache {
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = 100
	}
	ttlMs := cfg.TTLMs
	if ttlMs <= 0 {
		ttlMs = int64(time.Hour / time.Millisecond)
	}

	return &Cache{
		enabled:    cfg.Enabled,
		ttl:        time.Duration(ttlMs) * time.Millisecond,
		maxEntries: maxEntries,
		dir:        cfg.Directory,
		entries:    make(map[string]*Entry),
		nowFunc:    time.Now,
	}
}

// Initialize creates the cache directory if needed and recovers
// unexpired shards into memory, deleting expired ones. It is a no-op
// when caching is disabled and MUST succeed on a fresh install
// (spec.md §9). Concurrent callers collapse onto a single disk scan via
// singleflight.
func (c *Cache) Initialize() error {
	if !c.enabled {
		return nil
	}
	_, err, _ := c.initGroup.Do("initialize", func() (any, error) {
		return nil, c.initializeOnce()
	})
	return err
}

func (c *Cache) initializeOnce() error {
	if c.dir == "" {
		return nil
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return err
	}

	dirEntries, err := os.ReadDir(c.dir)
	if err != nil {
		return err
	}

	now := c.nowFunc()

	c.mu.Lock()
	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		path := filepath.Join(c.dir, de.Name())
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			log.Warn().Err(readErr).Str("path", path).Msg("gemini cache: failed to read shard, skipping")
			continue
		}
		var entry Entry
		if unmarshalErr := json.Unmarshal(data, &entry); unmarshalErr != nil {
			log.Warn().Err(unmarshalErr).Str("path", path).Msg("gemini cache: failed to parse shard, skipping")
			continue
		}
		if now.Sub(msToTime(entry.CreatedAt)) <= c.ttl {
			c.entries[entry.Key] = &entry
		} else {
			_ = os.Remove(path)
		}
	}
	c.mu.Unlock()

	c.startWatch()
	return nil
}

// Get returns the cached value for key, or (nil, false) if absent or
// TTL-expired. A TTL-expired entry is evicted from memory and its
// shard deleted. Disk is never re-read on a hit after Initialize.
func (c *Cache) Get(key string) (*types.AnalysisResult, bool) {
	if !c.enabled {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}

	now := c.nowFunc()
	if now.Sub(msToTime(entry.CreatedAt)) > c.ttl {
		delete(c.entries, key)
		c.removeShardLocked(key)
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}

	entry.AccessedAt = now.UnixMilli()
	atomic.AddInt64(&c.hits, 1)
	value := entry.Value
	return &value, true
}

// Set inserts or overwrites the entry for key, evicting LRU entries
// first so the post-condition entries.size <= maxEntries always holds.
// Disk write failures are logged and swallowed (spec.md §4.3).
func (c *Cache) Set(key string, value types.AnalysisResult) {
	if !c.enabled {
		return
	}

	size := 0
	if data, err := json.Marshal(value); err == nil {
		size = len(data)
	}

	now := c.nowFunc()
	entry := &Entry{
		Key:        key,
		Value:      value,
		CreatedAt:  now.UnixMilli(),
		AccessedAt: now.UnixMilli(),
		SizeBytes:  size,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictLocked()
	c.entries[key] = entry
	c.writeShardLocked(entry)
}

// evictLocked removes LRU entries until entries.size < maxEntries.
// Caller must hold mu.
func (c *Cache) evictLocked() {
	if c.maxEntries <= 0 {
		return
	}
	for len(c.entries) >= c.maxEntries {
		oldestKey := ""
		var oldestAccessed int64
		first := true
		for k, e := range c.entries {
			if first || e.AccessedAt < oldestAccessed {
				oldestKey = k
				oldestAccessed = e.AccessedAt
				first = false
			}
		}
		if oldestKey == "" {
			return
		}
		delete(c.entries, oldestKey)
		c.removeShardLocked(oldestKey)
	}
}

// Invalidate evicts every entry matching pattern, returning the count
// removed. A nil pattern matches everything.
func (c *Cache) Invalidate(pattern *Pattern) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.entries {
		if !matches(pattern, entry) {
			continue
		}
		delete(c.entries, key)
		c.removeShardLocked(key)
		removed++
	}
	return removed
}

func matches(pattern *Pattern, entry *Entry) bool {
	if pattern == nil {
		return true
	}
	if pattern.Target != "" && strings.Contains(entry.Value.RequestID, pattern.Target) {
		return true
	}
	if pattern.Type != "" {
		for _, f := range entry.Value.Findings {
			if f.Type == pattern.Type {
				return true
			}
		}
	}
	return pattern.Target == "" && pattern.Type == ""
}

// Clear empties the in-memory map and deletes every shard on disk.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*Entry)

	if c.dir == "" {
		return
	}
	matches, err := filepath.Glob(filepath.Join(c.dir, "*.json"))
	if err != nil {
		return
	}
	for _, path := range matches {
		_ = os.Remove(path)
	}
}

// GetStats reports current occupancy and the tracked hit rate.
func (c *Cache) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var size int64
	for _, e := range c.entries {
		size += int64(e.SizeBytes)
	}

	hits := atomic.LoadInt64(&c.hits)
	misses := atomic.LoadInt64(&c.misses)
	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return Stats{
		Entries:   len(c.entries),
		SizeBytes: size,
		HitRate:   hitRate,
	}
}

// Close stops the shard-directory watcher, if one was started.
func (c *Cache) Close() error {
	c.mu.Lock()
	watcher := c.watcher
	c.watcher = nil
	c.mu.Unlock()

	if watcher == nil {
		return nil
	}
	close(c.watchDone)
	return watcher.Close()
}

func (c *Cache) shardPath(key string) string {
	return filepath.Join(c.dir, key+".json")
}

// writeShardLocked atomically writes an entry's shard (write-then-rename
// is sufficient per spec.md §4.3; cache loss is always recoverable).
func (c *Cache) writeShardLocked(entry *Entry) {
	if c.dir == "" {
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		log.Warn().Err(err).Str("key", entry.Key).Msg("gemini cache: failed to marshal entry")
		return
	}

	path := c.shardPath(entry.Key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		log.Warn().Err(err).Str("path", tmp).Msg("gemini cache: failed to write shard")
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("gemini cache: failed to rename shard into place")
	}
}

func (c *Cache) removeShardLocked(key string) {
	if c.dir == "" {
		return
	}
	if err := os.Remove(c.shardPath(key)); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("key", key).Msg("gemini cache: failed to remove shard")
	}
}

// startWatch watches the shard directory so that shards removed by
// another process sharing the same cache directory (spec.md §5: "cross
// process coordination is NOT supported ... acceptable to race") don't
// leave the in-memory map pointing at a deleted file. Best-effort: a
// watcher that fails to start just means no self-healing, not a
// functional regression.
func (c *Cache) startWatch() {
	c.mu.Lock()
	alreadyWatching := c.watcher != nil
	dir := c.dir
	c.mu.Unlock()
	if alreadyWatching || dir == "" {
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Debug().Err(err).Msg("gemini cache: fsnotify unavailable, skipping shard watch")
		return
	}
	if err := watcher.Add(dir); err != nil {
		log.Debug().Err(err).Str("dir", dir).Msg("gemini cache: failed to watch cache directory")
		_ = watcher.Close()
		return
	}

	c.mu.Lock()
	c.watcher = watcher
	c.watchDone = make(chan struct{})
	done := c.watchDone
	c.mu.Unlock()

	go c.watchLoop(watcher, done)
}

func (c *Cache) watchLoop(watcher *fsnotify.Watcher, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			name := filepath.Base(event.Name)
			if !strings.HasSuffix(name, ".json") {
				continue
			}
			key := strings.TrimSuffix(name, ".json")
			c.mu.Lock()
			delete(c.entries, key)
			c.mu.Unlock()
		case _, ok := <-watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}
