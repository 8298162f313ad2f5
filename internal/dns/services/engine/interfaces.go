package engine

import (
	"context"
	"net"

	"github.com/dnsfence/dnsfence/internal/dns/domain"
	"github.com/dnsfence/dnsfence/internal/dns/services/interceptor"
)

// Device is the tunnel file descriptor the engine reads raw packets from
// and writes response packets to. Read blocks until a packet arrives or
// the device is closed.
type Device interface {
	Read(buf []byte) (int, error)
	Write(buf []byte) (int, error)
	Close() error
}

// Handler processes one packet and returns the response packet to write,
// or nil to drop.
type Handler interface {
	Handle(ctx context.Context, packet []byte, onBlocked interceptor.OnBlocked) []byte
}

// Attributor maps a query's source socket to the owning application.
type Attributor interface {
	Attribute(port uint16, ip net.IP) domain.Attribution
}

// Purger clears cached responses on shutdown.
type Purger interface {
	Purge()
}

// IdleCloser releases pooled connections on shutdown.
type IdleCloser interface {
	Close()
}

// EventSink receives one event per blocked query. Implementations run on
// the worker that handled the packet and must not block.
type EventSink func(event domain.BlockEvent)
