// Package blocklist builds and serves immutable snapshots of the merged
// domain blocklist. A snapshot is constructed off to the side from every
// readable source file and swapped in atomically; readers never observe a
// partially built view.
package blocklist

import (
	"time"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/dnsfence/dnsfence/internal/dns/common/utils"
	"github.com/dnsfence/dnsfence/internal/dns/domain"
)

// bloomFPRate is the target false-positive rate for the negative-lookup
// prefilter. A false positive only costs one extra map probe.
const bloomFPRate = 0.01

// Snapshot is a read-only view of the merged blocklist. Construction goes
// through a Builder; once built, a Snapshot is never mutated.
type Snapshot struct {
	domains    map[string]struct{}
	categories map[string]string // elided for domain.DefaultCategory
	filter     *bloom.BloomFilter
	sources    int
	builtAt    time.Time
}

// BlockResultFor performs one hierarchy walk and returns the category of
// the matched entry when the name or any parent domain is listed. This is
// the hot path: every query pays exactly one walk.
func (s *Snapshot) BlockResultFor(name string) (string, bool) {
	candidate := utils.CanonicalDNSName(name)
	for {
		if s.filter == nil || s.filter.TestString(candidate) {
			if _, ok := s.domains[candidate]; ok {
				if cat, ok := s.categories[candidate]; ok {
					return cat, true
				}
				return domain.DefaultCategory, true
			}
		}
		parent, ok := utils.ParentDomain(candidate)
		if !ok {
			return "", false
		}
		candidate = parent
	}
}

// IsBlocked reports whether the name or any parent domain is listed.
func (s *Snapshot) IsBlocked(name string) bool {
	_, blocked := s.BlockResultFor(name)
	return blocked
}

// CategoryFor returns the category for a listed name, or the default
// category when the name is not listed or carries no explicit category.
func (s *Snapshot) CategoryFor(name string) string {
	if cat, blocked := s.BlockResultFor(name); blocked {
		return cat
	}
	return domain.DefaultCategory
}

// Len returns the number of listed domains.
func (s *Snapshot) Len() int { return len(s.domains) }

// Sources returns how many sources contributed entries.
func (s *Snapshot) Sources() int { return s.sources }

// BuiltAt returns the snapshot construction time.
func (s *Snapshot) BuiltAt() time.Time { return s.builtAt }

// Builder accumulates entries from multiple sources and produces one
// Snapshot. Not safe for concurrent use; builds happen off to the side.
type Builder struct {
	domains    map[string]struct{}
	categories map[string]string
	sources    int
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{
		domains:    make(map[string]struct{}),
		categories: make(map[string]string),
	}
}

// add records one domain with its category. First category wins so trusted
// sources, merged first, take precedence over community entries.
func (b *Builder) add(name, category string) {
	if _, exists := b.domains[name]; exists {
		return
	}
	b.domains[name] = struct{}{}
	if category != "" && category != domain.DefaultCategory {
		b.categories[name] = category
	}
}

// Build freezes the accumulated entries into an immutable Snapshot with a
// prefilter sized for the dataset.
func (b *Builder) Build(now time.Time) *Snapshot {
	s := &Snapshot{
		domains:    b.domains,
		categories: b.categories,
		sources:    b.sources,
		builtAt:    now,
	}
	if n := len(b.domains); n > 0 {
		s.filter = bloom.NewWithEstimates(uint(n), bloomFPRate)
		for name := range b.domains {
			s.filter.AddString(name)
		}
	}
	return s
}
