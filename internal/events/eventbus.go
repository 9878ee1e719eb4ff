package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tphakala/birdnet-pipeline/internal/errors"
	"github.com/tphakala/birdnet-pipeline/internal/logger"
)

// Config holds event bus configuration
type Config struct {
	BufferSize int
	Workers    int
}

// DefaultConfig returns the default event bus configuration
func DefaultConfig() Config {
	return Config{
		BufferSize: 1000,
		Workers:    2,
	}
}

// Bus provides asynchronous event processing with non-blocking publishing.
// Workers start with the first registered consumer.
type Bus struct {
	eventChan chan DetectionEvent
	workers   int

	ctx     context.Context // cancelled when Shutdown starts
	cancel  context.CancelFunc
	procCtx context.Context // handed to consumers, cancelled after the drain or its timeout
	procEnd context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
	closed  atomic.Bool
	mu      sync.Mutex

	consumers []Consumer

	received  atomic.Uint64
	processed atomic.Uint64
	dropped   atomic.Uint64
	errored   atomic.Uint64

	logger logger.Logger
}

// New creates an event bus.
func New(cfg Config) *Bus {
	def := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}

	ctx, cancel := context.WithCancel(context.Background())
	procCtx, procEnd := context.WithCancel(context.Background())
	eb := &Bus{
		eventChan: make(chan DetectionEvent, cfg.BufferSize),
		workers:   cfg.Workers,
		ctx:       ctx,
		cancel:    cancel,
		procCtx:   procCtx,
		procEnd:   procEnd,
		logger:    logger.Global().Module("events"),
	}
	eb.logger.Debug("event bus initialized",
		logger.Int("buffer_size", cfg.BufferSize),
		logger.Int("workers", cfg.Workers))
	return eb
}

// RegisterConsumer adds a new event consumer
func (eb *Bus) RegisterConsumer(consumer Consumer) error {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed.Load() {
		return errors.Newf("event bus is shut down").
			Component("events").
			Category(errors.CategoryBroadcast).
			Build()
	}

	for _, existing := range eb.consumers {
		if existing.Name() == consumer.Name() {
			return fmt.Errorf("consumer %s already registered", consumer.Name())
		}
	}
	eb.consumers = append(eb.consumers, consumer)

	eb.logger.Info("registered event consumer", logger.String("consumer", consumer.Name()))

	if len(eb.consumers) == 1 {
		eb.start()
	}
	return nil
}

// TryPublish attempts to publish an event without blocking.
// Returns true if the event was accepted, false if dropped.
func (eb *Bus) TryPublish(event DetectionEvent) bool {
	if eb == nil || !eb.running.Load() {
		return false
	}

	select {
	case eb.eventChan <- event:
		eb.received.Add(1)
		return true
	default:
		eb.dropped.Add(1)
		eb.logger.Debug("event dropped due to full buffer",
			logger.String("species", event.ScientificName),
			logger.Uint64("detection_id", uint64(event.DetectionID)))
		return false
	}
}

// start begins the worker goroutines
func (eb *Bus) start() {
	if eb.running.Swap(true) {
		return
	}
	for i := range eb.workers {
		eb.wg.Add(1)
		go eb.worker(i)
	}
}

// worker processes events until shutdown, then drains what is buffered.
func (eb *Bus) worker(id int) {
	defer eb.wg.Done()

	log := eb.logger.With(logger.Int("worker_id", id))
	for {
		select {
		case <-eb.ctx.Done():
			for {
				select {
				case event := <-eb.eventChan:
					eb.processEvent(event, log)
				default:
					return
				}
			}
		case event := <-eb.eventChan:
			eb.processEvent(event, log)
		}
	}
}

// processEvent sends the event to all registered consumers
func (eb *Bus) processEvent(event DetectionEvent, log logger.Logger) {
	eb.mu.Lock()
	consumers := make([]Consumer, len(eb.consumers))
	copy(consumers, eb.consumers)
	eb.mu.Unlock()

	for _, consumer := range consumers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					eb.errored.Add(1)
					log.Error("consumer panicked",
						logger.String("consumer", consumer.Name()),
						logger.Any("panic", r))
				}
			}()

			if err := consumer.ProcessDetection(eb.procCtx, event); err != nil {
				eb.errored.Add(1)
				log.Warn("consumer error",
					logger.String("consumer", consumer.Name()),
					logger.Uint64("detection_id", uint64(event.DetectionID)),
					logger.Error(err))
				return
			}
			eb.processed.Add(1)
		}()
	}
}

// Shutdown stops accepting events, lets workers drain the buffer and waits
// up to timeout for them to finish.
func (eb *Bus) Shutdown(timeout time.Duration) error {
	if eb == nil {
		return nil
	}
	eb.mu.Lock()
	if eb.closed.Swap(true) {
		eb.mu.Unlock()
		return nil
	}
	eb.mu.Unlock()

	eb.running.Store(false)
	eb.cancel()

	done := make(chan struct{})
	go func() {
		eb.wg.Wait()
		close(done)
	}()

	defer eb.procEnd()

	select {
	case <-done:
		eb.logger.Info("event bus shutdown complete")
		return nil
	case <-time.After(timeout):
		eb.logger.Warn("event bus shutdown timeout exceeded")
		return errors.Newf("event bus shutdown timeout exceeded").
			Component("events").
			Category(errors.CategoryTimeout).
			Context("timeout", timeout.String()).
			Build()
	}
}

// Stats returns current event bus statistics
func (eb *Bus) Stats() Stats {
	return Stats{
		EventsReceived:  eb.received.Load(),
		EventsProcessed: eb.processed.Load(),
		EventsDropped:   eb.dropped.Load(),
		ConsumerErrors:  eb.errored.Load(),
	}
}
