// Package interceptor decides what happens to each intercepted packet:
// blocked names get a synthesized NXDOMAIN, everything else is answered
// from the response cache or forwarded upstream. Every failure mode is a
// silent per-packet drop; nothing here returns an error to the dispatch
// loop.
package interceptor

import (
	"context"

	"github.com/dnsfence/dnsfence/internal/dns/common/log"
	"github.com/dnsfence/dnsfence/internal/dns/domain"
	"github.com/dnsfence/dnsfence/internal/dns/gateways/wire"
)

// Interceptor orchestrates one packet end to end. Stateless across calls,
// safe for concurrent use by many workers.
type Interceptor struct {
	blocklist Blocklist
	cache     ResponseCache
	upstream  Upstream
	logger    log.Logger
}

// Options configures an Interceptor.
type Options struct {
	Blocklist Blocklist
	Cache     ResponseCache
	Upstream  Upstream
	Logger    log.Logger
}

// New constructs an Interceptor.
func New(opts Options) *Interceptor {
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	return &Interceptor{
		blocklist: opts.Blocklist,
		cache:     opts.Cache,
		upstream:  opts.Upstream,
		logger:    opts.Logger,
	}
}

// Handle processes one raw packet and returns the response packet to write
// back to the device, or nil when the packet should be dropped. Non-DNS
// and malformed packets drop without side effects.
func (i *Interceptor) Handle(ctx context.Context, packet []byte, onBlocked OnBlocked) []byte {
	query, err := wire.ParseQuery(packet)
	if err != nil {
		i.logger.Debug(map[string]any{"error": err.Error()}, "dropping unparseable packet")
		return nil
	}

	decision := i.blocklist.Decide(query.Name)
	if decision.Blocked {
		if onBlocked != nil {
			onBlocked(query, decision)
		}
		return i.respond(query, wire.SynthesizeNXDOMAIN(query))
	}

	if cached, ok := i.cache.Get(query.Name, query.Type, query.ID); ok {
		return i.respond(query, cached)
	}

	answer, err := i.upstream.Exchange(ctx, query.Payload)
	if err != nil {
		i.logger.Debug(map[string]any{
			"name":  query.Name,
			"error": err.Error(),
		}, "upstream exchange failed, dropping query")
		return nil
	}
	i.cache.Put(query.Name, query.Type, answer)
	return i.respond(query, answer)
}

func (i *Interceptor) respond(query domain.ParsedQuery, payload []byte) []byte {
	packet, err := wire.BuildResponsePacket(query, payload)
	if err != nil {
		i.logger.Warn(map[string]any{
			"name":  query.Name,
			"error": err.Error(),
		}, "failed to build response packet")
		return nil
	}
	return packet
}
