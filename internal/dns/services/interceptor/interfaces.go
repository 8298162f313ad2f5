package interceptor

import (
	"context"

	"github.com/dnsfence/dnsfence/internal/dns/domain"
)

// Blocklist decides whether a query name gets a negative answer.
type Blocklist interface {
	Decide(name string) domain.BlockDecision
}

// ResponseCache stores forwarded answers keyed by question name and type.
type ResponseCache interface {
	Get(name string, qtype domain.RRType, txid uint16) ([]byte, bool)
	Put(name string, qtype domain.RRType, response []byte)
}

// Upstream exchanges one raw wire-format query with the resolver.
type Upstream interface {
	Exchange(ctx context.Context, query []byte) ([]byte, error)
}

// OnBlocked is invoked at most once per blocked query, before the negative
// answer is built. Implementations must be fast; they run on the worker
// handling the packet.
type OnBlocked func(query domain.ParsedQuery, decision domain.BlockDecision)
