// Package dedup implements the mesh-wide (origin_id, seqno) membership
// test that protects forwarding, local delivery, and store insertion from
// reprocessing a frame more than once.
//
// The hot path is a cuckoo filter (github.com/seiflotfy/cuckoofilter),
// which has no false negatives: a "definitely not present" answer is
// always correct and lets the common case (a never-before-seen frame)
// skip the exact check entirely. A "maybe present" answer always falls
// through to an authoritative bounded map, because a cuckoo filter's false
// positives would otherwise wrongly suppress a legitimate new frame —
// unacceptable under the spec's first-wins correctness invariant.
package dedup

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/OneOfOne/xxhash"
	cuckoo "github.com/seiflotfy/cuckoofilter"

	"github.com/KD9YQK/ax25meshchat/internal/callsign"
)

// Key identifies one frame for deduplication purposes.
type Key struct {
	OriginID callsign.ID
	Seqno    uint32
}

func (k Key) bytes() []byte {
	b := make([]byte, callsign.Len+4)
	copy(b, k.OriginID[:])
	binary.BigEndian.PutUint32(b[callsign.Len:], k.Seqno)
	return b
}

func (k Key) digest() []byte {
	sum := xxhash.Checksum64(k.bytes())
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], sum)
	return b[:]
}

type entry struct {
	key      Key
	insertAt time.Time
}

// Cache is a bounded, TTL-expiring, first-wins membership test.
type Cache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	now      func() time.Time

	filter *cuckoo.Filter
	exact  map[Key]time.Time
	order  []entry // oldest first
}

// New returns a Cache bounded to capacity entries, each expiring ttl after
// insertion.
func New(capacity int, ttl time.Duration) *Cache {
	return NewWithClock(capacity, ttl, time.Now)
}

// NewWithClock is New with an injectable clock, for deterministic tests.
func NewWithClock(capacity int, ttl time.Duration, now func() time.Time) *Cache {
	if capacity <= 0 {
		capacity = 4096
	}
	return &Cache{
		capacity: capacity,
		ttl:      ttl,
		now:      now,
		filter:   cuckoo.NewFilter(uint(capacity * 2)),
		exact:    make(map[Key]time.Time, capacity),
	}
}

// SeenOrInsert reports whether key was already present, inserting it
// atomically if not. It is guarded by the cache mutex; the mesh receive
// worker, the OGM beacon loop and SendApplicationData all call it.
func (c *Cache) SeenOrInsert(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.expireLocked()

	digest := key.digest()
	if c.filter.Lookup(digest) {
		if at, ok := c.exact[key]; ok && !c.expiredLocked(at) {
			return true
		}
		// False positive from the filter (or a stale exact entry
		// already expired): fall through and treat as unseen.
	}

	c.insertLocked(key, digest)
	return false
}

// Contains reports whether key is currently present, without inserting it.
// Used by tests and diagnostics only; the hot path always uses
// SeenOrInsert so the check-then-insert is atomic.
func (c *Cache) Contains(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	at, ok := c.exact[key]
	return ok && !c.expiredLocked(at)
}

// Sweep expires entries whose TTL has elapsed. Called periodically by the
// mesh node's housekeeping worker in addition to the lazy expiry done on
// every insert.
func (c *Cache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked()
}

// Len returns the current number of live entries, for metrics.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.exact)
}

func (c *Cache) insertLocked(key Key, digest []byte) {
	now := c.now()
	if _, exists := c.exact[key]; !exists {
		c.filter.Insert(digest)
	}
	c.exact[key] = now
	c.order = append(c.order, entry{key: key, insertAt: now})

	for len(c.order) > c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		if at, ok := c.exact[oldest.key]; ok && at == oldest.insertAt {
			delete(c.exact, oldest.key)
			c.filter.Delete(oldest.key.digest())
		}
	}
}

func (c *Cache) expireLocked() {
	if c.ttl <= 0 {
		return
	}
	now := c.now()
	cut := 0
	for cut < len(c.order) && now.Sub(c.order[cut].insertAt) > c.ttl {
		e := c.order[cut]
		if at, ok := c.exact[e.key]; ok && at == e.insertAt {
			delete(c.exact, e.key)
			c.filter.Delete(e.key.digest())
		}
		cut++
	}
	if cut > 0 {
		c.order = c.order[cut:]
	}
}

func (c *Cache) expiredLocked(at time.Time) bool {
	if c.ttl <= 0 {
		return false
	}
	return c.now().Sub(at) > c.ttl
}
