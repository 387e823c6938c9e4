// Package bus provides the in-process typed pub/sub used to decouple the
// router, scheduler, and plugin registry. Handlers run in parallel, each
// bounded by a per-handler timeout; failures never propagate to the emitter
// or to other handlers.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultHandlerTimeout bounds a single handler invocation.
const DefaultHandlerTimeout = 5 * time.Second

// Handler processes one event payload. The context is cancelled when the
// per-handler timeout expires.
type Handler func(ctx context.Context, payload any)

// Bus is a typed in-process event bus. Safe for concurrent use.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]map[int]Handler
	nextID   int
	timeout  time.Duration
}

// New creates a Bus. A non-positive timeout falls back to
// DefaultHandlerTimeout.
func New(handlerTimeout time.Duration) *Bus {
	if handlerTimeout <= 0 {
		handlerTimeout = DefaultHandlerTimeout
	}
	return &Bus{
		handlers: make(map[string]map[int]Handler),
		timeout:  handlerTimeout,
	}
}

// On registers a handler for an event and returns its subscription id.
func (b *Bus) On(event string, h Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.handlers[event] == nil {
		b.handlers[event] = make(map[int]Handler)
	}
	b.handlers[event][id] = h
	return id
}

// Off removes a subscription. Unknown ids are a no-op.
func (b *Bus) Off(event string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers[event], id)
}

// Emit fans the payload out to all handlers of the event in parallel and
// returns once every handler has settled or timed out. A handler that panics
// or overruns its timeout is logged and does not affect the others. Emitting
// with no listeners succeeds immediately.
func (b *Bus) Emit(ctx context.Context, event string, payload any) {
	b.mu.RLock()
	snapshot := make([]Handler, 0, len(b.handlers[event]))
	for _, h := range b.handlers[event] {
		snapshot = append(snapshot, h)
	}
	b.mu.RUnlock()

	if len(snapshot) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, h := range snapshot {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			b.runHandler(ctx, event, h, payload)
		}(h)
	}
	wg.Wait()
}

// runHandler invokes one handler under the per-handler timeout. The handler
// goroutine keeps its timeout-scoped context so well-behaved handlers can
// observe cancellation; a handler that never returns is abandoned after the
// deadline rather than blocking the emit.
func (b *Bus) runHandler(ctx context.Context, event string, h Handler, payload any) {
	hctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				slog.Error("event handler panicked", "event", event, "panic", fmt.Sprint(r))
			}
		}()
		h(hctx, payload)
	}()

	select {
	case <-done:
	case <-hctx.Done():
		slog.Warn("event handler timed out", "event", event, "timeout", b.timeout)
	}
}

// ListenerCount returns the number of handlers registered for an event.
func (b *Bus) ListenerCount(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[event])
}

// Clear drops all subscriptions. Intended for tests.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[string]map[int]Handler)
}
