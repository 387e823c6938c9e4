package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestEmitFansOutToAllHandlers(t *testing.T) {
	b := New(time.Second)
	var calls atomic.Int32

	for i := 0; i < 3; i++ {
		b.On(EventMessageInbound, func(ctx context.Context, payload any) {
			calls.Add(1)
		})
	}

	b.Emit(context.Background(), EventMessageInbound, InboundMessage{Content: "hi"})
	if got := calls.Load(); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
}

func TestEmitNoListeners(t *testing.T) {
	b := New(time.Second)
	// Must not block or panic.
	b.Emit(context.Background(), EventTaskCreated, TaskEvent{TaskID: "t1"})
}

func TestHandlerTimeoutDoesNotDelayOthers(t *testing.T) {
	b := New(50 * time.Millisecond)
	var fast atomic.Bool

	b.On(EventTaskCompleted, func(ctx context.Context, payload any) {
		<-make(chan struct{}) // never resolves
	})
	b.On(EventTaskCompleted, func(ctx context.Context, payload any) {
		fast.Store(true)
	})

	start := time.Now()
	b.Emit(context.Background(), EventTaskCompleted, TaskEvent{TaskID: "t1"})
	elapsed := time.Since(start)

	if !fast.Load() {
		t.Fatal("fast handler did not run")
	}
	if elapsed > 500*time.Millisecond {
		t.Fatalf("emit took %v, stuck on hung handler", elapsed)
	}
}

func TestHandlerPanicIsContained(t *testing.T) {
	b := New(time.Second)
	var ran atomic.Bool

	b.On(EventPluginLoaded, func(ctx context.Context, payload any) {
		panic("boom")
	})
	b.On(EventPluginLoaded, func(ctx context.Context, payload any) {
		ran.Store(true)
	})

	b.Emit(context.Background(), EventPluginLoaded, PluginEvent{Name: "p"})
	if !ran.Load() {
		t.Fatal("second handler did not run after sibling panic")
	}
}

func TestOffAndListenerCount(t *testing.T) {
	b := New(time.Second)

	id := b.On(EventMessageOutbound, func(ctx context.Context, payload any) {})
	b.On(EventMessageOutbound, func(ctx context.Context, payload any) {})
	if got := b.ListenerCount(EventMessageOutbound); got != 2 {
		t.Fatalf("ListenerCount = %d, want 2", got)
	}

	b.Off(EventMessageOutbound, id)
	if got := b.ListenerCount(EventMessageOutbound); got != 1 {
		t.Fatalf("ListenerCount after Off = %d, want 1", got)
	}

	b.Clear()
	if got := b.ListenerCount(EventMessageOutbound); got != 0 {
		t.Fatalf("ListenerCount after Clear = %d, want 0", got)
	}
}
