// Package cache provides the two-tier TTL cache used to avoid redundant
// remote fetches: a fast in-memory tier bounded by LRU eviction and a slow
// tier persisted through durable storage, with transparent compression for
// large values.
package cache

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/JohanCodinha/prmirror/internal/logger"
	"github.com/JohanCodinha/prmirror/internal/scheduler"
	"github.com/JohanCodinha/prmirror/internal/storage"
)

// slowTierPrefix namespaces cache entries inside the shared durable store.
const slowTierPrefix = "cache/"

// Options configures a Cache. Zero values fall back to the documented
// defaults so hosts only override what they care about; in particular
// compression and eviction are on unless explicitly disabled.
type Options struct {
	DefaultTTL           time.Duration // default 5m
	MaxMemoryEntries     int           // fast tier bound, default 100
	MaxSessionEntries    int           // slow tier bound, default 500
	DisableCompression   bool
	DisableEviction      bool
	CompressionThreshold int           // bytes, default 1024
	CleanupInterval      time.Duration // default 1m
}

// DefaultOptions returns the options used when a field is left at its zero
// value.
func DefaultOptions() Options {
	return Options{
		DefaultTTL:           5 * time.Minute,
		MaxMemoryEntries:     100,
		MaxSessionEntries:    500,
		CompressionThreshold: 1024,
		CleanupInterval:      time.Minute,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.DefaultTTL <= 0 {
		o.DefaultTTL = def.DefaultTTL
	}
	if o.MaxMemoryEntries <= 0 {
		o.MaxMemoryEntries = def.MaxMemoryEntries
	}
	if o.MaxSessionEntries <= 0 {
		o.MaxSessionEntries = def.MaxSessionEntries
	}
	if o.CompressionThreshold <= 0 {
		o.CompressionThreshold = def.CompressionThreshold
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = def.CleanupInterval
	}
	return o
}

// entry is a fast-tier cache entry. Values are held as JSON so callers can
// never mutate cached data through a shared reference.
type entry struct {
	data        []byte
	compressed  bool
	expiry      time.Time
	tags        map[string]struct{}
	accessCount int64
	lastAccess  time.Time
}

// persistedEntry is the slow-tier representation of an entry.
type persistedEntry struct {
	Data       []byte    `json:"data"`
	Compressed bool      `json:"compressed"`
	Expiry     time.Time `json:"expiry"`
	Tags       []string  `json:"tags,omitempty"`
	StoredAt   time.Time `json:"stored_at"`
}

// slowOp is a queued slow-tier mutation. A nil payload deletes the key; the
// clear flag drops the whole tier.
type slowOp struct {
	key     string
	payload []byte
	clear   bool
}

// Statistics reports cache effectiveness and footprint.
type Statistics struct {
	Hits        int64
	Misses      int64
	HitRate     float64
	FastEntries int
	SlowEntries int
	MemoryBytes int64
}

// Cache is the two-tier cache. All methods are safe for concurrent use.
type Cache struct {
	opts  Options
	store storage.Store
	clock clockwork.Clock

	mu      sync.Mutex
	entries map[string]*entry
	rules   []InvalidationRule
	hits    int64
	misses  int64

	slowCh    chan slowOp
	slowWG    sync.WaitGroup
	writerWG  sync.WaitGroup
	stopSweep scheduler.StopFunc

	closeOnce sync.Once
}

// New creates a cache on the given durable store. The scheduler drives the
// periodic expiry sweep and supplies the clock used for TTL checks.
func New(store storage.Store, sched *scheduler.Interval, opts Options) *Cache {
	c := &Cache{
		opts:    opts.withDefaults(),
		store:   store,
		clock:   sched.Clock(),
		entries: make(map[string]*entry),
		slowCh:  make(chan slowOp, 64),
	}

	c.writerWG.Add(1)
	go c.slowTierWriter()

	c.stopSweep = sched.SchedulePeriodic(c.opts.CleanupInterval, c.Cleanup)
	return c
}

// Set stores a copy of value under key in the fast tier and schedules an
// asynchronous write to the slow tier. A non-positive ttl uses the configured
// default. Tags are used by tag invalidation rules.
func (c *Cache) Set(key string, value any, ttl time.Duration, tags ...string) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cache value for %q: %w", key, err)
	}

	data, compressed := raw, false
	if !c.opts.DisableCompression && len(raw) > c.opts.CompressionThreshold {
		data, err = compress(raw)
		if err != nil {
			return fmt.Errorf("failed to compress cache value for %q: %w", key, err)
		}
		compressed = true
	}

	if ttl <= 0 {
		ttl = c.opts.DefaultTTL
	}
	now := c.clock.Now()

	tagSet := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		tagSet[t] = struct{}{}
	}

	e := &entry{
		data:       data,
		compressed: compressed,
		expiry:     now.Add(ttl),
		tags:       tagSet,
		lastAccess: now,
	}

	c.mu.Lock()
	if _, exists := c.entries[key]; !exists {
		c.evictIfFullLocked()
	}
	c.entries[key] = e
	c.mu.Unlock()

	pe := persistedEntry{
		Data:       data,
		Compressed: compressed,
		Expiry:     e.expiry,
		Tags:       tags,
		StoredAt:   now,
	}
	payload, err := json.Marshal(pe)
	if err != nil {
		return fmt.Errorf("failed to encode slow-tier entry for %q: %w", key, err)
	}
	c.enqueueSlow(slowOp{key: key, payload: payload})
	return nil
}

// Get looks key up in the fast tier first, then the slow tier. A slow-tier
// hit is promoted back into the fast tier. The decoded value is written into
// dest, which must be a pointer. Returns false when the key is absent or
// expired in both tiers.
func (c *Cache) Get(key string, dest any) (bool, error) {
	now := c.clock.Now()

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		if expired(e.expiry, now) {
			delete(c.entries, key)
			c.misses++
			c.mu.Unlock()
			c.enqueueSlow(slowOp{key: key})
			return false, nil
		}
		e.accessCount++
		e.lastAccess = now
		c.hits++
		data, compressed := e.data, e.compressed
		c.mu.Unlock()
		return true, decodeInto(data, compressed, dest)
	}
	c.mu.Unlock()

	// Fast-tier miss: consult the slow tier.
	pe, ok, err := c.readSlowTier(key)
	if err != nil {
		c.countMiss()
		return false, err
	}
	if !ok {
		c.countMiss()
		return false, nil
	}
	if expired(pe.Expiry, now) {
		c.countMiss()
		c.enqueueSlow(slowOp{key: key})
		return false, nil
	}

	// Promote into the fast tier.
	tagSet := make(map[string]struct{}, len(pe.Tags))
	for _, t := range pe.Tags {
		tagSet[t] = struct{}{}
	}
	e := &entry{
		data:        pe.Data,
		compressed:  pe.Compressed,
		expiry:      pe.Expiry,
		tags:        tagSet,
		accessCount: 1,
		lastAccess:  now,
	}

	c.mu.Lock()
	if _, exists := c.entries[key]; !exists {
		c.evictIfFullLocked()
	}
	c.entries[key] = e
	c.hits++
	c.mu.Unlock()

	return true, decodeInto(pe.Data, pe.Compressed, dest)
}

// Has reports whether key holds an unexpired value in either tier, without
// touching access statistics or promoting.
func (c *Cache) Has(key string) bool {
	now := c.clock.Now()

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		live := !expired(e.expiry, now)
		c.mu.Unlock()
		return live
	}
	c.mu.Unlock()

	pe, ok, err := c.readSlowTier(key)
	if err != nil || !ok {
		return false
	}
	return !expired(pe.Expiry, now)
}

// GetOrSet returns the cached value for key, calling factory to produce and
// store it on a miss. A factory error propagates to the caller and leaves the
// key absent. The result is written into dest.
func (c *Cache) GetOrSet(key string, dest any, ttl time.Duration, factory func() (any, error)) error {
	ok, err := c.Get(key, dest)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	value, err := factory()
	if err != nil {
		return err
	}
	if err := c.Set(key, value, ttl); err != nil {
		return err
	}
	return reencodeInto(value, dest)
}

// Delete removes key from both tiers.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	c.enqueueSlow(slowOp{key: key})
}

// Clear removes all entries from both tiers.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*entry)
	c.mu.Unlock()
	c.enqueueSlow(slowOp{clear: true})
}

// Statistics returns hit/miss counters and tier sizes. The memory figure is
// an approximation of fast-tier footprint.
func (c *Cache) Statistics() Statistics {
	c.mu.Lock()
	stats := Statistics{
		Hits:        c.hits,
		Misses:      c.misses,
		FastEntries: len(c.entries),
	}
	for key, e := range c.entries {
		stats.MemoryBytes += int64(len(key) + len(e.data) + entryOverheadBytes)
	}
	c.mu.Unlock()

	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}

	keys, err := c.store.Keys()
	if err != nil {
		logger.Warn("cache: failed to count slow-tier entries: %v", err)
	} else {
		for _, k := range keys {
			if strings.HasPrefix(k, slowTierPrefix) {
				stats.SlowEntries++
			}
		}
	}
	return stats
}

// entryOverheadBytes approximates per-entry bookkeeping cost.
const entryOverheadBytes = 120

// Cleanup proactively removes expired entries from both tiers. It runs
// periodically on the scheduler and may be called directly.
func (c *Cache) Cleanup() {
	now := c.clock.Now()

	c.mu.Lock()
	var purged []string
	for key, e := range c.entries {
		if expired(e.expiry, now) {
			delete(c.entries, key)
			purged = append(purged, key)
		}
	}
	c.mu.Unlock()

	for _, key := range purged {
		c.enqueueSlow(slowOp{key: key})
	}

	// Sweep the slow tier for entries that never lived in memory.
	keys, err := c.store.Keys()
	if err != nil {
		logger.Warn("cache: cleanup failed to list slow tier: %v", err)
		return
	}
	removed := len(purged)
	for _, k := range keys {
		if !strings.HasPrefix(k, slowTierPrefix) {
			continue
		}
		key := strings.TrimPrefix(k, slowTierPrefix)
		pe, ok, err := c.readSlowTier(key)
		if err != nil || !ok {
			continue
		}
		if expired(pe.Expiry, now) {
			c.enqueueSlow(slowOp{key: key})
			removed++
		}
	}
	if removed > 0 {
		logger.Debug("cache: cleanup removed %d expired entries", removed)
	}
}

// Flush blocks until all queued slow-tier writes have been applied.
func (c *Cache) Flush() {
	c.slowWG.Wait()
}

// Close stops the cleanup sweep and the slow-tier writer, draining pending
// writes first.
func (c *Cache) Close() {
	c.closeOnce.Do(func() {
		c.stopSweep()
		c.slowWG.Wait()
		close(c.slowCh)
		c.writerWG.Wait()
	})
}

func (c *Cache) countMiss() {
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
}

// evictIfFullLocked evicts the least-recently-used entry when the fast tier
// is at capacity. Ties on lastAccess break toward the smaller key so the
// choice is deterministic. Caller holds c.mu.
func (c *Cache) evictIfFullLocked() {
	if c.opts.DisableEviction {
		return
	}
	for len(c.entries) >= c.opts.MaxMemoryEntries {
		var victim string
		var oldest time.Time
		first := true
		for key, e := range c.entries {
			if first || e.lastAccess.Before(oldest) || (e.lastAccess.Equal(oldest) && key < victim) {
				victim, oldest, first = key, e.lastAccess, false
			}
		}
		delete(c.entries, victim)
		logger.Debug("cache: evicted %q (lru)", victim)
	}
}

// readSlowTier loads and decodes a slow-tier entry.
func (c *Cache) readSlowTier(key string) (persistedEntry, bool, error) {
	raw, ok, err := c.store.Get(slowTierPrefix + key)
	if err != nil {
		return persistedEntry{}, false, fmt.Errorf("failed to read slow tier for %q: %w", key, err)
	}
	if !ok {
		return persistedEntry{}, false, nil
	}
	var pe persistedEntry
	if err := json.Unmarshal(raw, &pe); err != nil {
		return persistedEntry{}, false, fmt.Errorf("failed to decode slow-tier entry for %q: %w", key, err)
	}
	return pe, true, nil
}

// enqueueSlow queues a slow-tier mutation for the writer goroutine. Writes
// and deletes share one FIFO queue so a delete can never be overtaken by an
// earlier write.
func (c *Cache) enqueueSlow(op slowOp) {
	c.slowWG.Add(1)
	c.slowCh <- op
}

// slowTierWriter applies queued mutations in order. Storage failures are
// logged and dropped; the fast tier remains authoritative for the session.
func (c *Cache) slowTierWriter() {
	defer c.writerWG.Done()
	for op := range c.slowCh {
		c.applySlow(op)
		c.slowWG.Done()
	}
}

func (c *Cache) applySlow(op slowOp) {
	switch {
	case op.clear:
		keys, err := c.store.Keys()
		if err != nil {
			logger.Warn("cache: failed to clear slow tier: %v", err)
			return
		}
		for _, k := range keys {
			if strings.HasPrefix(k, slowTierPrefix) {
				if err := c.store.Update(k, nil); err != nil {
					logger.Warn("cache: failed to remove %q from slow tier: %v", k, err)
				}
			}
		}
	case op.payload == nil:
		if err := c.store.Update(slowTierPrefix+op.key, nil); err != nil {
			logger.Warn("cache: failed to remove %q from slow tier: %v", op.key, err)
		}
	default:
		c.pruneSlowTier()
		if err := c.store.Update(slowTierPrefix+op.key, op.payload); err != nil {
			logger.Warn("cache: failed to persist %q to slow tier: %v", op.key, err)
		}
	}
}

// pruneSlowTier keeps the slow tier under MaxSessionEntries by dropping the
// oldest stored entries before a new write.
func (c *Cache) pruneSlowTier() {
	keys, err := c.store.Keys()
	if err != nil {
		return
	}
	var cacheKeys []string
	for _, k := range keys {
		if strings.HasPrefix(k, slowTierPrefix) {
			cacheKeys = append(cacheKeys, strings.TrimPrefix(k, slowTierPrefix))
		}
	}
	for len(cacheKeys) >= c.opts.MaxSessionEntries {
		victim := ""
		var oldest time.Time
		for _, key := range cacheKeys {
			pe, ok, err := c.readSlowTier(key)
			if err != nil || !ok {
				continue
			}
			if victim == "" || pe.StoredAt.Before(oldest) {
				victim, oldest = key, pe.StoredAt
			}
		}
		if victim == "" {
			return
		}
		if err := c.store.Update(slowTierPrefix+victim, nil); err != nil {
			logger.Warn("cache: failed to prune %q from slow tier: %v", victim, err)
			return
		}
		logger.Debug("cache: pruned %q from slow tier", victim)
		next := cacheKeys[:0]
		for _, key := range cacheKeys {
			if key != victim {
				next = append(next, key)
			}
		}
		cacheKeys = next
	}
}

// expired reports whether an entry with the given expiry is dead at now.
// An entry is absent for any time at or past its expiry.
func expired(expiry, now time.Time) bool {
	return !now.Before(expiry)
}

func compress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// decodeInto decompresses (if needed) and unmarshals cached bytes into dest.
func decodeInto(data []byte, compressed bool, dest any) error {
	if dest == nil {
		return nil
	}
	raw := data
	if compressed {
		var err error
		raw, err = decompress(data)
		if err != nil {
			return fmt.Errorf("failed to decompress cache value: %w", err)
		}
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("failed to decode cache value: %w", err)
	}
	return nil
}

// reencodeInto copies value into dest through JSON so the caller never holds
// a reference into cache-owned data.
func reencodeInto(value, dest any) error {
	if dest == nil {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode value: %w", err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("failed to copy value: %w", err)
	}
	return nil
}
