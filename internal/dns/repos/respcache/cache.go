// Package respcache is a bounded, TTL-aware cache of upstream DNS
// responses keyed by (domain, query type). Entries are shared across
// concurrent workers, so readers always receive a defensive copy with
// their own transaction ID spliced in; the stored bytes are never mutated.
package respcache

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dnsfence/dnsfence/internal/dns/common/clock"
	"github.com/dnsfence/dnsfence/internal/dns/domain"
)

const (
	// fallbackTTL applies when the response carries no parsable answer TTL.
	fallbackTTL = 2 * time.Minute
	// ttlFloor protects apps from answers expiring faster than they retry.
	ttlFloor = 10 * time.Second
	// ttlCeiling caps staleness risk from resolvers advertising huge TTLs.
	ttlCeiling = 1 * time.Hour
)

type entry struct {
	response  []byte
	expiresAt time.Time
}

// Cache is a fixed-capacity LRU of encrypted-DNS answers. Recency updates
// happen on both read and write; the LRU serializes its own order
// bookkeeping internally.
type Cache struct {
	lru   *lru.Cache[string, entry]
	clock clock.Clock

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// New returns a Cache with the given capacity.
func New(size int, clk clock.Clock) (*Cache, error) {
	if clk == nil {
		clk = clock.RealClock{}
	}
	c := &Cache{clock: clk}
	backing, err := lru.NewWithEvict(size, func(string, entry) {
		c.evictions.Add(1)
	})
	if err != nil {
		return nil, err
	}
	c.lru = backing
	return c, nil
}

func key(name string, qtype domain.RRType) string {
	return fmt.Sprintf("%s:%d", name, qtype)
}

// Get returns a copy of the cached response with txid spliced into the
// first two bytes, or false on a miss. An entry past its expiry counts as
// a miss and is removed.
func (c *Cache) Get(name string, qtype domain.RRType, txid uint16) ([]byte, bool) {
	k := key(name, qtype)
	e, ok := c.lru.Get(k)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	if !c.clock.Now().Before(e.expiresAt) {
		c.lru.Remove(k)
		c.misses.Add(1)
		return nil, false
	}

	out := append([]byte(nil), e.response...)
	binary.BigEndian.PutUint16(out[0:2], txid)
	c.hits.Add(1)
	return out, true
}

// Put stores a copy of the response under (name, qtype) with an expiry
// derived from the first answer record's TTL, clamped to the floor and
// ceiling. Responses too short to carry a DNS header are not cached.
func (c *Cache) Put(name string, qtype domain.RRType, response []byte) {
	if len(response) < dnsHeaderLen {
		return
	}
	ttl := clampTTL(answerTTL(response))
	c.lru.Add(key(name, qtype), entry{
		response:  append([]byte(nil), response...),
		expiresAt: c.clock.Now().Add(ttl),
	})
}

// Purge drops every entry. Called on service shutdown so answers never
// leak across sessions with a different tunnel device.
func (c *Cache) Purge() {
	c.lru.Purge()
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Stats returns cumulative hit/miss/eviction counters.
func (c *Cache) Stats() (hits, misses, evictions uint64) {
	return c.hits.Load(), c.misses.Load(), c.evictions.Load()
}

func clampTTL(d time.Duration, ok bool) time.Duration {
	if !ok {
		return fallbackTTL
	}
	if d < ttlFloor {
		return ttlFloor
	}
	if d > ttlCeiling {
		return ttlCeiling
	}
	return d
}
