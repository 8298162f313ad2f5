package engine

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dnsfence/dnsfence/internal/dns/common/clock"
	"github.com/dnsfence/dnsfence/internal/dns/domain"
	"github.com/dnsfence/dnsfence/internal/dns/services/interceptor"
)

type fakeDevice struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	writes [][]byte
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		in:     make(chan []byte, 1024),
		closed: make(chan struct{}),
	}
}

func (d *fakeDevice) Read(buf []byte) (int, error) {
	select {
	case packet := <-d.in:
		return copy(buf, packet), nil
	case <-d.closed:
		return 0, io.ErrClosedPipe
	}
}

func (d *fakeDevice) Write(buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes = append(d.writes, append([]byte(nil), buf...))
	return len(buf), nil
}

func (d *fakeDevice) Close() error {
	d.closeOnce.Do(func() { close(d.closed) })
	return nil
}

func (d *fakeDevice) inject(packet []byte) {
	d.in <- packet
}

func (d *fakeDevice) writeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.writes)
}

// fakeHandler echoes packets back, optionally holding each call open until
// released so tests can pin workers and fill the queue.
type fakeHandler struct {
	gate    chan struct{}
	blocked *domain.ParsedQuery
	calls   atomic.Int32
}

func (h *fakeHandler) Handle(ctx context.Context, packet []byte, onBlocked interceptor.OnBlocked) []byte {
	h.calls.Add(1)
	if h.gate != nil {
		select {
		case <-h.gate:
		case <-ctx.Done():
			return nil
		}
	}
	if h.blocked != nil && onBlocked != nil {
		onBlocked(*h.blocked, domain.Blocked(h.blocked.Name, "Advertising"))
	}
	return append([]byte(nil), packet...)
}

type fakePurger struct{ purged atomic.Bool }

func (p *fakePurger) Purge() { p.purged.Store(true) }

type fakeCloser struct{ closed atomic.Bool }

func (c *fakeCloser) Close() { c.closed.Store(true) }

type fakeAttributor struct{ attribution domain.Attribution }

func (a *fakeAttributor) Attribute(port uint16, ip net.IP) domain.Attribution {
	return a.attribution
}

func TestEngine_LifecycleGuards(t *testing.T) {
	device := newFakeDevice()
	e, err := New(Options{Device: device, Handler: &fakeHandler{}})
	require.NoError(t, err)

	assert.Equal(t, Stopped, e.State())
	assert.ErrorIs(t, e.Stop(), ErrNotRunning)

	require.NoError(t, e.Start())
	assert.Equal(t, Running, e.State())
	assert.ErrorIs(t, e.Start(), ErrAlreadyRunning)

	require.NoError(t, e.Stop())
	assert.Equal(t, Stopped, e.State())
	assert.ErrorIs(t, e.Stop(), ErrNotRunning)
}

func TestEngine_ProcessesPacketsAndReleasesResources(t *testing.T) {
	device := newFakeDevice()
	purger := &fakePurger{}
	closer := &fakeCloser{}
	e, err := New(Options{
		Device:   device,
		Handler:  &fakeHandler{},
		Cache:    purger,
		Upstream: closer,
	})
	require.NoError(t, err)
	require.NoError(t, e.Start())

	for i := 0; i < 3; i++ {
		device.inject([]byte{byte(i), 0xAB, 0xCD})
	}
	require.Eventually(t, func() bool {
		return device.writeCount() == 3
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, e.Stop())
	assert.True(t, purger.purged.Load(), "cache purged on stop")
	assert.True(t, closer.closed.Load(), "resolver idle state released on stop")
	assert.Equal(t, uint64(3), e.Stats().Handled)
}

func TestEngine_OverloadDropsAreBounded(t *testing.T) {
	device := newFakeDevice()
	gate := make(chan struct{})
	e, err := New(Options{
		Device:        device,
		Handler:       &fakeHandler{gate: gate},
		QueueCapacity: 4,
		MinWorkers:    1,
		MaxWorkers:    1,
		DrainTimeout:  100 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, e.Start())

	// One packet pins the only worker, four fill the queue, the rest
	// must drop without blocking the reader.
	const total = 25
	for i := 0; i < total; i++ {
		device.inject([]byte{byte(i)})
	}
	require.Eventually(t, func() bool {
		return e.Stats().Dropped == total-5
	}, 2*time.Second, 5*time.Millisecond)

	close(gate)
	require.NoError(t, e.Stop())

	stats := e.Stats()
	assert.Equal(t, uint64(total-5), stats.Dropped)
	assert.LessOrEqual(t, stats.Handled, uint64(5))
}

func TestEngine_GrowsWorkersUnderLoad(t *testing.T) {
	device := newFakeDevice()
	gate := make(chan struct{})
	e, err := New(Options{
		Device:        device,
		Handler:       &fakeHandler{gate: gate},
		QueueCapacity: 1,
		MinWorkers:    1,
		MaxWorkers:    3,
		IdleTimeout:   time.Minute,
		DrainTimeout:  100 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, e.Start())

	for i := 0; i < 10; i++ {
		device.inject([]byte{byte(i)})
	}
	require.Eventually(t, func() bool {
		return e.Stats().Workers == 3
	}, 2*time.Second, 5*time.Millisecond)

	close(gate)
	require.NoError(t, e.Stop())
	assert.Equal(t, 0, e.Stats().Workers)
}

func TestEngine_BlockEventCarriesAttribution(t *testing.T) {
	device := newFakeDevice()
	clk := &clock.MockClock{CurrentTime: time.Unix(1700000000, 0)}

	query := &domain.ParsedQuery{
		Name:    "ads.example.com",
		SrcIP:   net.ParseIP("10.0.0.2"),
		SrcPort: 40000,
	}
	var mu sync.Mutex
	var events []domain.BlockEvent
	e, err := New(Options{
		Device:     device,
		Handler:    &fakeHandler{blocked: query},
		Attributor: &fakeAttributor{attribution: domain.Attribution{Label: "alice", ID: "1000"}},
		Events: func(event domain.BlockEvent) {
			mu.Lock()
			events = append(events, event)
			mu.Unlock()
		},
		Clock: clk,
	})
	require.NoError(t, err)
	require.NoError(t, e.Start())

	device.inject([]byte{0x01})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, e.Stop())

	event := events[0]
	assert.Equal(t, "ads.example.com", event.Domain)
	assert.Equal(t, "Advertising", event.Category)
	assert.Equal(t, "alice", event.AppName)
	assert.Equal(t, "1000", event.PackageID)
	assert.Equal(t, clk.CurrentTime, event.Timestamp)
}

func TestEngine_AttributionDefaultsToUnknown(t *testing.T) {
	device := newFakeDevice()
	query := &domain.ParsedQuery{Name: "ads.example.com"}

	var mu sync.Mutex
	var events []domain.BlockEvent
	e, err := New(Options{
		Device:  device,
		Handler: &fakeHandler{blocked: query},
		Events: func(event domain.BlockEvent) {
			mu.Lock()
			events = append(events, event)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	require.NoError(t, e.Start())

	device.inject([]byte{0x01})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, e.Stop())

	assert.Equal(t, domain.UnknownAttribution.Label, events[0].AppName)
}
