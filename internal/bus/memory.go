package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

const defaultDispatchConcurrency = 32

// ErrBusClosed is returned when publishing to a shut-down bus.
var ErrBusClosed = errors.New("event bus is shut down")

// MemoryBus is the in-process Bus implementation. Each published event is
// dispatched to every subscribed handler on its own goroutine, bounded by
// a semaphore. Handler errors are logged, not propagated: redelivery comes
// from the scheduler re-observing persistent state, never from the bus.
type MemoryBus struct {
	logger *slog.Logger
	sem    chan struct{}

	mu       sync.RWMutex
	handlers map[string][]Handler
	closed   bool

	wg sync.WaitGroup
}

// NewMemoryBus creates a bus with the given dispatch concurrency.
func NewMemoryBus(logger *slog.Logger, concurrency int) *MemoryBus {
	if concurrency <= 0 {
		concurrency = defaultDispatchConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBus{
		logger:   logger,
		sem:      make(chan struct{}, concurrency),
		handlers: make(map[string][]Handler),
	}
}

// Subscribe registers a handler for an event type. Registration order
// does not affect delivery.
func (b *MemoryBus) Subscribe(eventType string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], h)
}

// Publish dispatches the event asynchronously to all handlers subscribed
// to its type. It never blocks: handlers queue on the dispatch semaphore
// in their own goroutines, so handlers can publish freely.
func (b *MemoryBus) Publish(ctx context.Context, evt Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	handlers := b.handlers[evt.Type]
	b.mu.RUnlock()

	for _, h := range handlers {
		b.wg.Add(1)
		go func(h Handler) {
			b.sem <- struct{}{}
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panic",
						"event", evt.Type, "executionId", evt.ExecutionID, "panic", r)
				}
				<-b.sem
				b.wg.Done()
			}()

			if err := h(context.WithoutCancel(ctx), evt); err != nil {
				b.logger.Error("event handler failed",
					"event", evt.Type, "executionId", evt.ExecutionID, "error", err)
			}
		}(h)
	}
	return nil
}

// Drain waits until all in-flight handlers (including ones they publish
// transitively) have finished.
func (b *MemoryBus) Drain() {
	b.wg.Wait()
}

// Close stops accepting publishes and drains in-flight handlers.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.wg.Wait()
}

var _ Bus = (*MemoryBus)(nil)
