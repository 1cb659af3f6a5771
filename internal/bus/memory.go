package bus

import (
	"sync"

	"github.com/Simplereally/rapid-chat/pkg/logger"
)

const subscriberBuffer = 64

// MemoryBus is the in-process Bus used when multiple runtimes share one
// process, and by tests simulating multi-runtime scenarios. Each
// subscriber gets a buffered queue drained by its own goroutine; envelopes
// to a full queue are dropped rather than blocking the publisher.
type MemoryBus struct {
	mu     sync.Mutex
	subs   map[int]chan Envelope
	nextID int
	closed bool
	wg     sync.WaitGroup
	logger *logger.Logger
}

// NewMemoryBus creates an in-process bus
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	return &MemoryBus{
		subs:   make(map[int]chan Envelope),
		logger: log.Named("memory-bus"),
	}
}

// Publish broadcasts to every subscriber without blocking
func (b *MemoryBus) Publish(env Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	for id, ch := range b.subs {
		select {
		case ch <- env:
		default:
			b.logger.Warn("Dropping envelope for slow subscriber",
				logger.Int("subscriber", id),
				logger.String("session_id", env.SessionID),
				logger.String("kind", string(env.Kind)))
		}
	}
	return nil
}

// Subscribe registers a handler served by a dedicated pump goroutine
func (b *MemoryBus) Subscribe(handler func(Envelope)) func() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	id := b.nextID
	b.nextID++
	ch := make(chan Envelope, subscriberBuffer)
	b.subs[id] = ch
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for env := range ch {
			handler(env)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
			b.mu.Unlock()
		})
	}
}

// Close shuts the bus down and waits for pump goroutines to drain
func (b *MemoryBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
	b.wg.Wait()
}
