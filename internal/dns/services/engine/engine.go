// Package engine runs the packet dispatch loop: a single reader pulls raw
// packets off the tunnel device into a bounded queue, a worker pool hands
// them to the interceptor, and responses are written back under one
// writer lock. The queue drops on overflow; delivery is best-effort by
// design and DNS clients retry.
package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dnsfence/dnsfence/internal/dns/common/clock"
	"github.com/dnsfence/dnsfence/internal/dns/common/log"
	"github.com/dnsfence/dnsfence/internal/dns/domain"
)

// State is the engine lifecycle phase.
type State int32

const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "invalid"
	}
}

const (
	// readBufferSize fits any packet a tunnel device can deliver.
	readBufferSize = 65535

	defaultQueueCapacity = 256
	defaultMinWorkers    = 2
	defaultMaxWorkers    = 8
	defaultIdleTimeout   = 30 * time.Second
	defaultDrainTimeout  = 5 * time.Second
)

var (
	ErrAlreadyRunning = errors.New("engine is not stopped")
	ErrNotRunning     = errors.New("engine is not running")
)

// Engine owns the reader goroutine, the worker pool, and the serialized
// writer. Start and Stop are safe to call from any goroutine; redundant
// calls return a sentinel without side effects.
type Engine struct {
	device     Device
	handler    Handler
	attributor Attributor
	cache      Purger
	upstream   IdleCloser
	events     EventSink
	clock      clock.Clock
	logger     log.Logger

	queueCapacity int
	minWorkers    int
	maxWorkers    int
	idleTimeout   time.Duration
	drainTimeout  time.Duration

	state       atomic.Int32
	queue       chan []byte
	cancel      context.CancelFunc
	readerDone  chan struct{}
	workerWG    sync.WaitGroup
	workerCount atomic.Int32
	writeMu     sync.Mutex

	handled atomic.Uint64
	dropped atomic.Uint64
}

// Options configures an Engine.
type Options struct {
	Device     Device
	Handler    Handler
	Attributor Attributor
	Cache      Purger
	Upstream   IdleCloser
	Events     EventSink

	QueueCapacity int
	MinWorkers    int
	MaxWorkers    int
	IdleTimeout   time.Duration
	DrainTimeout  time.Duration

	Clock  clock.Clock
	Logger log.Logger
}

// New constructs an Engine in the Stopped state.
func New(opts Options) (*Engine, error) {
	if opts.Device == nil {
		return nil, errors.New("device is required")
	}
	if opts.Handler == nil {
		return nil, errors.New("handler is required")
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = defaultQueueCapacity
	}
	if opts.MinWorkers <= 0 {
		opts.MinWorkers = defaultMinWorkers
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = defaultMaxWorkers
	}
	if opts.MaxWorkers < opts.MinWorkers {
		opts.MaxWorkers = opts.MinWorkers
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = defaultDrainTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	return &Engine{
		device:        opts.Device,
		handler:       opts.Handler,
		attributor:    opts.Attributor,
		cache:         opts.Cache,
		upstream:      opts.Upstream,
		events:        opts.Events,
		clock:         opts.Clock,
		logger:        opts.Logger,
		queueCapacity: opts.QueueCapacity,
		minWorkers:    opts.MinWorkers,
		maxWorkers:    opts.MaxWorkers,
		idleTimeout:   opts.IdleTimeout,
		drainTimeout:  opts.DrainTimeout,
	}, nil
}

// State returns the current lifecycle phase.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Stats exposes engine counters.
type Stats struct {
	State   State
	Workers int
	Handled uint64
	Dropped uint64
}

// Stats returns a point-in-time snapshot of the counters.
func (e *Engine) Stats() Stats {
	return Stats{
		State:   e.State(),
		Workers: int(e.workerCount.Load()),
		Handled: e.handled.Load(),
		Dropped: e.dropped.Load(),
	}
}

// Start spins up the worker pool and the reader. Only a Stopped engine
// starts; any other state returns ErrAlreadyRunning.
func (e *Engine) Start() error {
	if !e.state.CompareAndSwap(int32(Stopped), int32(Starting)) {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.queue = make(chan []byte, e.queueCapacity)
	e.readerDone = make(chan struct{})

	for i := 0; i < e.minWorkers; i++ {
		e.spawnWorker(ctx, true)
	}
	go e.readLoop(ctx)

	e.state.Store(int32(Running))
	e.logger.Info(map[string]any{
		"queue_capacity": e.queueCapacity,
		"min_workers":    e.minWorkers,
		"max_workers":    e.maxWorkers,
	}, "engine started")
	return nil
}

// Stop halts reads, drains in-flight work up to the drain deadline, then
// cancels stragglers, closes the device, and releases cache and resolver
// state. Only a Running engine stops; any other state returns
// ErrNotRunning.
func (e *Engine) Stop() error {
	if !e.state.CompareAndSwap(int32(Running), int32(Stopping)) {
		return ErrNotRunning
	}

	// Closing the device unblocks the reader, which closes the queue.
	if err := e.device.Close(); err != nil {
		e.logger.Debug(map[string]any{"error": err.Error()}, "device close")
	}
	<-e.readerDone

	drained := make(chan struct{})
	go func() {
		e.workerWG.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(e.drainTimeout):
		e.logger.Warn(map[string]any{
			"deadline": e.drainTimeout.String(),
		}, "drain deadline exceeded, cancelling workers")
		e.cancel()
		<-drained
	}
	e.cancel()

	if e.cache != nil {
		e.cache.Purge()
	}
	if e.upstream != nil {
		e.upstream.Close()
	}

	e.state.Store(int32(Stopped))
	e.logger.Info(map[string]any{
		"handled": e.handled.Load(),
		"dropped": e.dropped.Load(),
	}, "engine stopped")
	return nil
}

// readLoop is the single reader goroutine. It owns the queue: nobody else
// sends on it, and it closes the queue on exit so workers drain and stop.
func (e *Engine) readLoop(ctx context.Context) {
	defer close(e.readerDone)
	defer close(e.queue)

	buf := make([]byte, readBufferSize)
	for {
		n, err := e.device.Read(buf)
		if err != nil {
			if e.State() != Stopping {
				e.logger.Error(map[string]any{"error": err.Error()}, "device read failed, reader exiting")
			}
			return
		}
		if n == 0 {
			continue
		}
		packet := make([]byte, n)
		copy(packet, buf[:n])

		select {
		case e.queue <- packet:
			continue
		default:
		}

		// Queue is full. Grow the pool if allowed, retry once, then drop.
		if e.tryGrow(ctx) {
			select {
			case e.queue <- packet:
				continue
			default:
			}
		}
		e.dropped.Add(1)
	}
}

// tryGrow adds one surplus worker if the pool is below its ceiling.
func (e *Engine) tryGrow(ctx context.Context) bool {
	for {
		count := e.workerCount.Load()
		if int(count) >= e.maxWorkers {
			return false
		}
		if e.workerCount.CompareAndSwap(count, count+1) {
			e.workerWG.Add(1)
			go e.worker(ctx, false)
			return true
		}
	}
}

func (e *Engine) spawnWorker(ctx context.Context, core bool) {
	e.workerCount.Add(1)
	e.workerWG.Add(1)
	go e.worker(ctx, core)
}

// worker consumes the queue until it closes. Core workers live for the
// engine's lifetime; surplus workers reap themselves after sitting idle.
func (e *Engine) worker(ctx context.Context, core bool) {
	defer e.workerWG.Done()
	defer e.workerCount.Add(-1)

	if core {
		for packet := range e.queue {
			e.process(ctx, packet)
		}
		return
	}

	idle := time.NewTimer(e.idleTimeout)
	defer idle.Stop()
	for {
		select {
		case packet, ok := <-e.queue:
			if !ok {
				return
			}
			e.process(ctx, packet)
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(e.idleTimeout)
		case <-idle.C:
			return
		}
	}
}

func (e *Engine) process(ctx context.Context, packet []byte) {
	response := e.handler.Handle(ctx, packet, e.onBlocked)
	e.handled.Add(1)
	if response == nil {
		return
	}

	e.writeMu.Lock()
	_, err := e.device.Write(response)
	e.writeMu.Unlock()
	if err != nil {
		e.logger.Warn(map[string]any{"error": err.Error()}, "response write failed")
	}
}

// onBlocked records one block event, attributing the query to the local
// application best-effort. Runs on the worker, never in the read path.
func (e *Engine) onBlocked(query domain.ParsedQuery, decision domain.BlockDecision) {
	attribution := domain.UnknownAttribution
	if e.attributor != nil {
		attribution = e.attributor.Attribute(query.SrcPort, query.SrcIP)
	}
	event := domain.BlockEvent{
		Domain:    decision.Domain,
		Category:  decision.Category,
		AppName:   attribution.Label,
		PackageID: attribution.ID,
		Timestamp: e.clock.Now(),
	}
	if e.events != nil {
		e.events(event)
	}
	e.logger.Info(map[string]any{
		"domain":   event.Domain,
		"category": event.Category,
		"app":      event.AppName,
	}, "query blocked")
}
