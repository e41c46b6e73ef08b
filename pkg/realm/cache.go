package realm

import (
	"crypto/sha256"
	"sync"
	"sync/atomic"
	"time"
)

// ExpiringUser pairs a cached authenticated user with the JWT's adjusted
// expiry (exp + allowed clock skew), used to check whether the JWT expired
// before the cache entry did. Both fields are always non-nil/non-zero.
type ExpiringUser struct {
	User *User
	Exp  time.Time
}

// cacheKey is the cryptographic fingerprint of the raw serialized JWT.
type cacheKey = [sha256.Size]byte

// cacheEntry is an ExpiringUser plus the insertion time used for
// expire-after-write TTL eviction and an access stamp used for LRU
// eviction. lastAccess is atomic so lookups can refresh it while holding
// only the read lock.
type cacheEntry struct {
	user       *User
	exp        time.Time
	storedAt   time.Time
	lastAccess atomic.Int64 // unix nanoseconds of the most recent get or put
}

// jwtCache is a bounded TTL map from token fingerprint to [ExpiringUser].
// Lookups take the read lock only; put, removeIf, and invalidateAll
// serialize on the write lock, so iteration-based eviction is linearizable
// with respect to inserts. An entry whose adjusted expiry or write TTL has
// passed is treated as absent at lookup time; removal is best-effort and
// happens during capacity eviction.
//
// Size-based eviction is LRU with every entry weighing 1: when the cache
// is full, expired entries go first, then the least recently accessed.
type jwtCache struct {
	mu      sync.RWMutex
	entries map[cacheKey]*cacheEntry
	maxSize int
	ttl     time.Duration
}

// newJWTCache creates a cache with the given expire-after-write TTL and
// maximum entry count. Callers must only construct the cache for ttl > 0
// and maxSize > 0; disabled configurations use no cache at all.
func newJWTCache(ttl time.Duration, maxSize int) *jwtCache {
	return &jwtCache{
		entries: make(map[cacheKey]*cacheEntry),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

// get returns the cached ExpiringUser for the fingerprint and marks the
// entry as recently accessed. Entries whose adjusted expiry or write TTL
// has passed are misses.
func (c *jwtCache) get(key cacheKey) (ExpiringUser, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok {
		return ExpiringUser{}, false
	}
	now := time.Now()
	if c.expiredAt(entry, now) {
		return ExpiringUser{}, false
	}
	entry.lastAccess.Store(now.UnixNano())
	return ExpiringUser{User: entry.user, Exp: entry.exp}, true
}

// put stores a user under the fingerprint with its adjusted expiry. An
// entry whose adjusted expiry is not in the future is never inserted. When
// the cache is at capacity, expired entries are evicted first; if still at
// capacity, the least recently accessed entry is removed.
func (c *jwtCache) put(key cacheKey, user *User, exp time.Time) {
	now := time.Now()
	if !exp.After(now) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		c.evictExpiredLocked(now)
		if len(c.entries) >= c.maxSize {
			c.evictLeastRecentLocked()
		}
	}

	entry := &cacheEntry{user: user, exp: exp, storedAt: now}
	entry.lastAccess.Store(now.UnixNano())
	c.entries[key] = entry
}

// removeIf evicts every entry whose user matches the predicate. The write
// lock is held for the duration of the iteration.
func (c *jwtCache) removeIf(predicate func(*User) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, v := range c.entries {
		if predicate(v.user) {
			delete(c.entries, k)
		}
	}
}

// invalidateAll clears all entries.
func (c *jwtCache) invalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[cacheKey]*cacheEntry)
}

// count returns the approximate number of entries, including entries that
// have expired but not yet been evicted. It does not block writers beyond
// the read lock.
func (c *jwtCache) count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// expiredAt reports whether the entry is past its adjusted expiry or its
// write TTL at the given instant.
func (c *jwtCache) expiredAt(entry *cacheEntry, now time.Time) bool {
	return !now.Before(entry.exp) || now.After(entry.storedAt.Add(c.ttl))
}

// evictExpiredLocked removes entries whose adjusted expiry or write TTL
// has passed. Caller must hold the write lock.
func (c *jwtCache) evictExpiredLocked(now time.Time) {
	for k, v := range c.entries {
		if c.expiredAt(v, now) {
			delete(c.entries, k)
		}
	}
}

// evictLeastRecentLocked removes the entry with the oldest access stamp.
// Caller must hold the write lock.
func (c *jwtCache) evictLeastRecentLocked() {
	var coldestKey cacheKey
	var coldest int64
	first := true
	for k, v := range c.entries {
		if access := v.lastAccess.Load(); first || access < coldest {
			coldestKey = k
			coldest = access
			first = false
		}
	}
	if !first {
		delete(c.entries, coldestKey)
	}
}
