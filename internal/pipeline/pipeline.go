// Package pipeline implements the backpressured ingress between provider
// adapters and the durable sink: a bounded multi-producer single-consumer
// queue with batching, periodic flush and an optional external bus mirror.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/feedrun/feedrun/internal/domain"
	"github.com/feedrun/feedrun/internal/sink"
	"github.com/feedrun/feedrun/internal/stream"
)

// Policy selects the backpressure behavior when the queue is full.
type Policy string

const (
	// DropOldest discards the oldest undrained event to make room and
	// records the loss as an in-band integrity event. Publish never blocks.
	DropOldest Policy = "drop_oldest"
	// Block suspends the producer until space is available, honoring
	// cancellation. Used by historical backfill where loss is unacceptable.
	Block Policy = "block"
)

// Config tunes the pipeline. Zero values fall back to defaults.
type Config struct {
	Name          string        `yaml:"name"`
	Capacity      int           `yaml:"capacity"`        // default 20000
	BatchSize     int           `yaml:"batch_size"`      // default 256
	BatchInterval time.Duration `yaml:"batch_interval"`  // default 200ms
	PeriodicFlush time.Duration `yaml:"periodic_flush"`  // default 1s
	Backpressure  Policy        `yaml:"backpressure"`    // default drop_oldest
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "live"
	}
	if c.Capacity <= 0 {
		c.Capacity = 20000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 256
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = 200 * time.Millisecond
	}
	if c.PeriodicFlush <= 0 {
		c.PeriodicFlush = time.Second
	}
	if c.Backpressure == "" {
		c.Backpressure = DropOldest
	}
}

// ErrOverflow is returned by Publish in drop-oldest mode when enqueueing
// required discarding the oldest undrained event. The published event itself
// was accepted.
var ErrOverflow = errors.New("pipeline overflow: oldest event dropped")

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("pipeline closed")

type flushRequest struct {
	reply chan error
}

// Pipeline moves canonical events from many concurrent producers to a
// single sink writer. A single consumer guarantees FIFO across all
// producers, which preserves per-(source, symbol, type) order end-to-end.
type Pipeline struct {
	cfg     Config
	sink    sink.Sink
	bus     stream.EventBus // optional mirror, may be nil
	metrics *Metrics

	ch       chan domain.Event
	flushReq chan flushRequest
	stopOnce sync.Once
	stopped  chan struct{} // closed when the consumer exits
	stopping chan struct{} // closed by Close to begin shutdown

	mu              sync.Mutex
	closed          bool
	overflowPending bool
	droppedCount    int
	terminalErr     error
	failureReported bool
}

// Option customises pipeline construction.
type Option func(*Pipeline)

// WithBus mirrors drained events to an external bus, best-effort.
func WithBus(bus stream.EventBus) Option {
	return func(p *Pipeline) { p.bus = bus }
}

// WithMetricsRegistry registers pipeline metrics on reg instead of the
// default registerer.
func WithMetricsRegistry(reg prometheus.Registerer) Option {
	return func(p *Pipeline) { p.metrics = NewMetrics(p.cfg.Name, reg) }
}

// New creates a pipeline over the given sink. Call Start to begin draining.
func New(cfg Config, s sink.Sink, opts ...Option) *Pipeline {
	cfg.applyDefaults()
	p := &Pipeline{
		cfg:      cfg,
		sink:     s,
		ch:       make(chan domain.Event, cfg.Capacity),
		flushReq: make(chan flushRequest),
		stopped:  make(chan struct{}),
		stopping: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = NewMetrics(cfg.Name, prometheus.DefaultRegisterer)
	}
	return p
}

// Start launches the consumer. The pipeline drains until Close or until ctx
// is cancelled; cancellation drains the queue best-effort and closes the
// sink.
func (p *Pipeline) Start(ctx context.Context) {
	go p.run(ctx)
}

// Publish submits one event. In drop-oldest mode the call is non-blocking:
// when the queue is full the oldest event is discarded to make room and
// ErrOverflow is returned (the event was still accepted). In block mode the
// call suspends until space is available or ctx is cancelled.
func (p *Pipeline) Publish(ctx context.Context, ev domain.Event) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.mu.Unlock()

	if p.cfg.Backpressure == Block {
		select {
		case p.ch <- ev:
			p.metrics.Published.Inc()
			p.metrics.QueueDepth.Set(float64(len(p.ch)))
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopping:
			return ErrClosed
		}
	}

	// Drop-oldest: O(1), never holds the caller.
	overflowed := false
	for {
		select {
		case p.ch <- ev:
			p.metrics.Published.Inc()
			p.metrics.QueueDepth.Set(float64(len(p.ch)))
			if overflowed {
				return ErrOverflow
			}
			return nil
		default:
		}

		select {
		case <-p.ch: // discard oldest undrained event
			overflowed = true
			p.metrics.Dropped.Inc()
			p.mu.Lock()
			p.overflowPending = true
			p.droppedCount++
			p.mu.Unlock()
		default:
			// Consumer drained concurrently; loop and retry the send.
		}
	}
}

// Flush blocks until every previously published event is durable in the
// sink. Returns the sink's terminal error, if any has occurred.
func (p *Pipeline) Flush(ctx context.Context) error {
	req := flushRequest{reply: make(chan error, 1)}
	select {
	case p.flushReq <- req:
	case <-p.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes outstanding events and releases the sink. Publish calls
// made after Close return ErrClosed.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.stopOnce.Do(func() { close(p.stopping) })

	select {
	case <-p.stopped:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.mu.Lock()
	err := p.terminalErr
	p.mu.Unlock()
	return err
}

func (p *Pipeline) run(ctx context.Context) {
	defer close(p.stopped)

	flushTicker := time.NewTicker(p.cfg.PeriodicFlush)
	defer flushTicker.Stop()

	for {
		select {
		case ev := <-p.ch:
			batch := p.collectBatch(ev)
			p.writeBatch(ctx, batch)

		case req := <-p.flushReq:
			p.drainAll(ctx)
			req.reply <- p.flushSink(ctx)

		case <-flushTicker.C:
			p.drainAll(ctx)
			if err := p.flushSink(ctx); err != nil {
				log.Warn().Err(err).Str("pipeline", p.cfg.Name).Msg("periodic flush failed")
			}

		case <-p.stopping:
			p.shutdown(ctx)
			return

		case <-ctx.Done():
			p.shutdown(context.Background())
			return
		}
	}
}

// collectBatch drains up to BatchSize events or until BatchInterval
// elapses, whichever comes first.
func (p *Pipeline) collectBatch(first domain.Event) []domain.Event {
	batch := p.startBatch()
	batch = append(batch, first)

	timer := time.NewTimer(p.cfg.BatchInterval)
	defer timer.Stop()

	for len(batch) < p.cfg.BatchSize {
		select {
		case ev := <-p.ch:
			batch = append(batch, ev)
		case <-timer.C:
			return batch
		}
	}
	return batch
}

// startBatch opens a new batch, prepending a coalesced overflow integrity
// event when drops occurred since the last drain.
func (p *Pipeline) startBatch() []domain.Event {
	p.mu.Lock()
	pending := p.overflowPending
	dropped := p.droppedCount
	p.overflowPending = false
	p.droppedCount = 0
	p.mu.Unlock()

	batch := make([]domain.Event, 0, p.cfg.BatchSize+1)
	if pending {
		batch = append(batch, domain.NewIntegrityEvent(p.cfg.Name, domain.SystemSymbol, domain.IntegrityPayload{
			Kind:         domain.IntegrityOverflow,
			Severity:     domain.SeverityWarning,
			Message:      "queue overflow, oldest events dropped",
			DroppedCount: dropped,
		}))
	}
	return batch
}

// drainAll empties the queue into sink batches without waiting for more
// traffic.
func (p *Pipeline) drainAll(ctx context.Context) {
	for {
		batch := p.startBatch()
		for len(batch) < p.cfg.BatchSize {
			select {
			case ev := <-p.ch:
				batch = append(batch, ev)
			default:
				if len(batch) > 0 {
					p.writeBatch(ctx, batch)
				}
				return
			}
		}
		p.writeBatch(ctx, batch)
	}
}

func (p *Pipeline) writeBatch(ctx context.Context, batch []domain.Event) {
	if len(batch) == 0 {
		return
	}
	p.metrics.QueueDepth.Set(float64(len(p.ch)))

	p.mirrorToBus(ctx, batch)

	if err := p.sink.WriteBatch(ctx, batch); err != nil {
		// Data loss is preferred over head-of-line blocking the whole
		// process: record the terminal error, surface it in-band, keep
		// draining.
		p.metrics.SinkErrors.Inc()
		p.mu.Lock()
		p.terminalErr = err
		reported := p.failureReported
		p.failureReported = true
		p.mu.Unlock()

		log.Error().Err(err).Str("pipeline", p.cfg.Name).Int("batch", len(batch)).
			Msg("sink write failed, dropping batch")

		// One in-band signal per failure episode; re-enqueueing on every
		// failed batch would cycle the event through the broken sink.
		if !reported {
			p.enqueueIntegrity(domain.IntegrityPayload{
				Kind:     domain.IntegritySinkFailure,
				Severity: domain.SeverityError,
				Message:  err.Error(),
			})
		}
		return
	}

	p.mu.Lock()
	p.failureReported = false
	p.mu.Unlock()
	p.metrics.Batches.Inc()
	p.metrics.BatchEvents.Add(float64(len(batch)))
}

func (p *Pipeline) mirrorToBus(ctx context.Context, batch []domain.Event) {
	if p.bus == nil {
		return
	}
	for i := range batch {
		topic := stream.TopicFor(batch[i].Type)
		if topic == "" {
			continue
		}
		env, err := stream.WrapEvent(batch[i])
		if err != nil {
			p.metrics.BusErrors.Inc()
			continue
		}
		if err := p.bus.Publish(ctx, topic, env.Symbol, env.Payload); err != nil {
			p.metrics.BusErrors.Inc()
		}
	}
}

// enqueueIntegrity submits an integrity event without blocking the
// consumer. If the queue is full the event is dropped; the terminal error
// is still visible through Flush.
func (p *Pipeline) enqueueIntegrity(ip domain.IntegrityPayload) {
	ev := domain.NewIntegrityEvent(p.cfg.Name, domain.SystemSymbol, ip)
	select {
	case p.ch <- ev:
	default:
	}
}

func (p *Pipeline) flushSink(ctx context.Context) error {
	p.metrics.Flushes.Inc()
	if err := p.sink.Flush(ctx); err != nil {
		p.metrics.SinkErrors.Inc()
		p.mu.Lock()
		p.terminalErr = err
		p.mu.Unlock()
		return err
	}
	p.mu.Lock()
	err := p.terminalErr
	p.mu.Unlock()
	return err
}

func (p *Pipeline) shutdown(ctx context.Context) {
	// Grace period for the final drain so shutdown cannot hang on a wedged
	// sink.
	drainCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	p.drainAll(drainCtx)
	if err := p.sink.Flush(drainCtx); err != nil {
		log.Error().Err(err).Str("pipeline", p.cfg.Name).Msg("final flush failed")
	}
	if err := p.sink.Close(); err != nil {
		log.Error().Err(err).Str("pipeline", p.cfg.Name).Msg("sink close failed")
	}
	log.Info().Str("pipeline", p.cfg.Name).Msg("pipeline stopped")
}

// Depth returns the number of queued, undrained events.
func (p *Pipeline) Depth() int { return len(p.ch) }

// Name returns the configured pipeline name.
func (p *Pipeline) Name() string { return p.cfg.Name }

// String implements fmt.Stringer.
func (p *Pipeline) String() string {
	return fmt.Sprintf("pipeline(%s, cap=%d, policy=%s)", p.cfg.Name, p.cfg.Capacity, p.cfg.Backpressure)
}
