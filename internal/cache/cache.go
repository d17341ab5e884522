package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/example/gpupool/pkg/poolapi"
)

// Fingerprint derives a stable cache key from the request identity: tier,
// kind, and the canonicalized parameter set. Two requests with the same
// parameters in different insertion order produce the same fingerprint.
func Fingerprint(tier poolapi.Tier, kind poolapi.RequestKind, params poolapi.Params) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(string(tier))
	b.WriteByte('|')
	b.WriteString(string(kind))
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(strconv.FormatFloat(params[k], 'g', -1, 64))
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

type entry struct {
	result    poolapi.Result
	expiresAt time.Time
	seq       uint64
}

// Cache is a TTL result cache bounded by entry count. When full, Put evicts
// the oldest-inserted surviving entry before inserting.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]entry
	ttl        time.Duration
	maxEntries int
	seq        uint64
	now        func() time.Time
}

func New(ttl time.Duration, maxEntries int) *Cache {
	if maxEntries <= 0 {
		maxEntries = 1
	}
	return &Cache{
		entries:    make(map[string]entry),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Get returns the cached result for a fingerprint. Expired entries are
// removed on access.
func (c *Cache) Get(fp string) (poolapi.Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[fp]
	if !ok {
		return poolapi.Result{}, false
	}
	if c.now().After(e.expiresAt) {
		delete(c.entries, fp)
		return poolapi.Result{}, false
	}
	return e.result, true
}

// Put stores a result under a fingerprint. Writing an existing key
// overwrites it; the last writer wins.
func (c *Cache) Put(fp string, r poolapi.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[fp]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}
	c.seq++
	c.entries[fp] = entry{
		result:    r,
		expiresAt: c.now().Add(c.ttl),
		seq:       c.seq,
	}
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictOldest removes the entry with the smallest insert sequence. Reads do
// not refresh an entry's position; eviction order is insertion order.
func (c *Cache) evictOldest() {
	var oldestKey string
	var oldestSeq uint64
	first := true
	for k, e := range c.entries {
		if first || e.seq < oldestSeq {
			oldestKey = k
			oldestSeq = e.seq
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
	}
}
