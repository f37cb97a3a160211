package telemetry

import (
	"context"
	"sync"
	"testing"
	"time"
)

// mockEventEmitter implements EventEmitter for tests.
type mockEventEmitter struct {
	mu      sync.Mutex
	events  []*Event
	emitErr error
	done    chan struct{}
}

func newMockEmitter(n int) *mockEventEmitter {
	return &mockEventEmitter{done: make(chan struct{}, n)}
}

func (m *mockEventEmitter) Emit(ctx context.Context, event *Event) error {
	m.mu.Lock()
	m.events = append(m.events, event)
	m.mu.Unlock()
	m.done <- struct{}{}
	return m.emitErr
}

func (m *mockEventEmitter) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-m.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for emit %d of %d", i+1, n)
		}
	}
}

func TestEmitAsync_NilEmitterOrEvent(t *testing.T) {
	EmitAsync(nil, &Event{Type: EventLogin})

	emitter := newMockEmitter(1)
	EmitAsync(emitter, nil)
	time.Sleep(10 * time.Millisecond)
	emitter.mu.Lock()
	defer emitter.mu.Unlock()
	if len(emitter.events) != 0 {
		t.Errorf("expected 0 events, got %d", len(emitter.events))
	}
}

func TestEmitAsync_SuccessfulEmit(t *testing.T) {
	emitter := newMockEmitter(1)
	EmitAsync(emitter, &Event{Type: EventAckSucceeded, TenantID: "t1", AlertID: "a1"})
	emitter.wait(t, 1)

	emitter.mu.Lock()
	defer emitter.mu.Unlock()
	got := emitter.events[0]
	if got.Type != EventAckSucceeded || got.TenantID != "t1" || got.AlertID != "a1" {
		t.Errorf("event = %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt should be stamped")
	}
}

func TestEmitAsync_ErrorIsSwallowed(t *testing.T) {
	emitter := newMockEmitter(1)
	emitter.emitErr = context.DeadlineExceeded
	EmitAsync(emitter, &Event{Type: EventLogout})
	emitter.wait(t, 1)
}

func TestEmitAsync_Concurrent(t *testing.T) {
	emitter := newMockEmitter(10)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			EmitAsync(emitter, &Event{Type: EventRealtimeJoined})
		}()
	}
	wg.Wait()
	emitter.wait(t, 10)
}
