package respcache

import (
	"encoding/binary"
	"fmt"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dnsfence/dnsfence/internal/dns/common/clock"
	"github.com/dnsfence/dnsfence/internal/dns/domain"
)

const (
	qtA    = domain.RRType(dns.TypeA)
	qtAAAA = domain.RRType(dns.TypeAAAA)
)

// dnsResponse packs an A answer for name with the given TTL.
func dnsResponse(t *testing.T, name string, ttl uint32, id uint16) []byte {
	t.Helper()
	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(name), dns.TypeA)
	q.Id = id

	m := new(dns.Msg)
	m.SetReply(q)
	rr, err := dns.NewRR(fmt.Sprintf("%s %d IN A 192.0.2.1", dns.Fqdn(name), ttl))
	require.NoError(t, err)
	m.Answer = append(m.Answer, rr)

	packed, err := m.Pack()
	require.NoError(t, err)
	return packed
}

func newTestCache(t *testing.T, size int) (*Cache, *clock.MockClock) {
	t.Helper()
	clk := &clock.MockClock{CurrentTime: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	c, err := New(size, clk)
	require.NoError(t, err)
	return c, clk
}

func TestCache_RoundTripSplicesTransactionID(t *testing.T) {
	c, _ := newTestCache(t, 8)
	resp := dnsResponse(t, "example.com", 300, 0x1111)

	c.Put("example.com", qtA, resp)
	got, ok := c.Get("example.com", qtA, 0x2222)
	require.True(t, ok)

	assert.EqualValues(t, 0x2222, binary.BigEndian.Uint16(got[0:2]))
	assert.Equal(t, resp[2:], got[2:], "everything past the transaction ID is identical")
}

func TestCache_GetReturnsDefensiveCopy(t *testing.T) {
	c, _ := newTestCache(t, 8)
	resp := dnsResponse(t, "example.com", 300, 1)
	c.Put("example.com", qtA, resp)

	first, ok := c.Get("example.com", qtA, 1)
	require.True(t, ok)
	for i := range first {
		first[i] = 0xFF
	}

	second, ok := c.Get("example.com", qtA, 1)
	require.True(t, ok)
	assert.Equal(t, resp[2:], second[2:], "stored bytes must be unaffected by reader mutation")
}

func TestCache_PutCopiesInput(t *testing.T) {
	c, _ := newTestCache(t, 8)
	resp := dnsResponse(t, "example.com", 300, 1)
	c.Put("example.com", qtA, resp)

	// Caller reuse of the buffer must not corrupt the cache.
	for i := range resp {
		resp[i] = 0xAA
	}
	got, ok := c.Get("example.com", qtA, 1)
	require.True(t, ok)
	assert.NotEqual(t, resp[2:], got[2:])
}

func TestCache_ExpiryTreatedAsMissAndRemoved(t *testing.T) {
	c, clk := newTestCache(t, 8)
	c.Put("example.com", qtA, dnsResponse(t, "example.com", 300, 1))

	clk.Advance(299 * time.Second)
	_, ok := c.Get("example.com", qtA, 1)
	assert.True(t, ok)

	clk.Advance(2 * time.Second)
	_, ok = c.Get("example.com", qtA, 1)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "expired entry must be removed")
}

func TestCache_TTLFallbackOnUnparsableResponse(t *testing.T) {
	c, clk := newTestCache(t, 8)
	garbage := make([]byte, 16) // header-sized, zero answer count
	c.Put("example.com", qtA, garbage)

	clk.Advance(fallbackTTL - time.Second)
	_, ok := c.Get("example.com", qtA, 1)
	assert.True(t, ok)

	clk.Advance(2 * time.Second)
	_, ok = c.Get("example.com", qtA, 1)
	assert.False(t, ok)
}

func TestCache_TTLClampedToFloorAndCeiling(t *testing.T) {
	c, clk := newTestCache(t, 8)

	// Advertised 1s is lifted to the floor.
	c.Put("floor.example.com", qtA, dnsResponse(t, "floor.example.com", 1, 1))
	clk.Advance(ttlFloor - time.Second)
	_, ok := c.Get("floor.example.com", qtA, 1)
	assert.True(t, ok)

	// Advertised 24h is capped to the ceiling.
	c.Put("ceiling.example.com", qtA, dnsResponse(t, "ceiling.example.com", 86400, 1))
	clk.Advance(ttlCeiling + time.Second)
	_, ok = c.Get("ceiling.example.com", qtA, 1)
	assert.False(t, ok)
}

func TestCache_KeyIncludesQueryType(t *testing.T) {
	c, _ := newTestCache(t, 8)
	c.Put("example.com", qtA, dnsResponse(t, "example.com", 300, 1))

	_, ok := c.Get("example.com", qtAAAA, 1)
	assert.False(t, ok)
}

func TestCache_BoundedWithLRUEviction(t *testing.T) {
	c, _ := newTestCache(t, 2)
	c.Put("a.example.com", qtA, dnsResponse(t, "a.example.com", 300, 1))
	c.Put("b.example.com", qtA, dnsResponse(t, "b.example.com", 300, 1))

	// Touch "a" so "b" becomes least recently used.
	_, ok := c.Get("a.example.com", qtA, 1)
	require.True(t, ok)

	c.Put("c.example.com", qtA, dnsResponse(t, "c.example.com", 300, 1))
	assert.Equal(t, 2, c.Len())

	_, ok = c.Get("b.example.com", qtA, 1)
	assert.False(t, ok, "least recently used entry evicted")
	_, ok = c.Get("a.example.com", qtA, 1)
	assert.True(t, ok)

	_, _, evictions := c.Stats()
	assert.EqualValues(t, 1, evictions)
}

func TestCache_ShortResponseNotCached(t *testing.T) {
	c, _ := newTestCache(t, 8)
	c.Put("example.com", qtA, []byte{0x01})
	assert.Equal(t, 0, c.Len())
}

func TestCache_Purge(t *testing.T) {
	c, _ := newTestCache(t, 8)
	c.Put("example.com", qtA, dnsResponse(t, "example.com", 300, 1))
	c.Purge()
	assert.Equal(t, 0, c.Len())
}

func TestAnswerTTL(t *testing.T) {
	resp := dnsResponse(t, "example.com", 600, 1)
	ttl, ok := answerTTL(resp)
	assert.True(t, ok)
	assert.Equal(t, 600*time.Second, ttl)

	// Zero answer count.
	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	packed, err := q.Pack()
	require.NoError(t, err)
	_, ok = answerTTL(packed)
	assert.False(t, ok)

	// Truncated past the question.
	_, ok = answerTTL(resp[:len(resp)-10])
	assert.False(t, ok)
}
