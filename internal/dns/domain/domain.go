// Package domain contains the pure value types shared across the firewall:
// parsed queries, block decisions and events, attribution results, and
// update outcomes. Nothing in this package performs I/O.
package domain

import (
	"fmt"
	"net"
	"time"
)

// RRType represents a DNS resource record type (e.g. A, AAAA, HTTPS).
// See IANA DNS Parameters for assigned codes.
type RRType uint16

// DefaultCategory is the category reported for blocked domains that carry
// no explicit category in any source.
const DefaultCategory = "Other"

// MaxDomainLength is the RFC 1035 limit on the presentation form of a name.
const MaxDomainLength = 253

// ParsedQuery is the logical view over one inbound packet's DNS payload,
// together with the addressing needed to build the response packet.
// It is derived by parsing and never persisted.
type ParsedQuery struct {
	ID      uint16 // DNS transaction ID
	Name    string // dot-joined, lowercased question name
	Type    RRType // question type
	Version int    // IP version of the carrying packet: 4 or 6

	SrcIP   net.IP // querying host (becomes the response destination)
	DstIP   net.IP // virtual DNS server address (becomes the response source)
	SrcPort uint16
	DstPort uint16

	// Payload is a private copy of the raw DNS message carried by the
	// packet. Handlers may read it freely; it never aliases the input.
	Payload []byte
}

// CacheKey returns the response-cache key for this query.
func (q ParsedQuery) CacheKey() string {
	return fmt.Sprintf("%s:%d", q.Name, q.Type)
}

// BlockDecision is the outcome of evaluating one query name against the
// blocklist snapshot. Pure value type.
type BlockDecision struct {
	Blocked  bool
	Domain   string // canonical name that was evaluated
	Category string // category of the matched entry; DefaultCategory if none
}

// Forward returns a not-blocked decision.
func Forward() BlockDecision { return BlockDecision{Blocked: false} }

// Blocked returns a blocked decision for the given domain and category.
func Blocked(domain, category string) BlockDecision {
	if category == "" {
		category = DefaultCategory
	}
	return BlockDecision{Blocked: true, Domain: domain, Category: category}
}

// Attribution identifies the local application that issued a query,
// resolved best-effort from the kernel socket table.
type Attribution struct {
	Label string // human-readable owner label
	ID    string // stable identifier (numeric uid on Linux)
}

// UnknownAttribution is the sentinel returned when attribution fails.
var UnknownAttribution = Attribution{Label: "unknown", ID: "unknown"}

// BlockEvent records one blocked query for the logging collaborator.
// Created at most once per blocked query.
type BlockEvent struct {
	Domain    string
	Category  string
	AppName   string
	PackageID string
	Timestamp time.Time
}

// UpdateResult reports the outcome of one blocklist update cycle.
type UpdateResult struct {
	DomainCount int       // domains in the rebuilt snapshot
	Sources     int       // sources that contributed
	UpdatedAt   time.Time // completion time of the successful update
}
