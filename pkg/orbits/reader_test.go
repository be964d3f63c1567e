package orbits

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collectHandler gathers events and signals each arrival.
type collectHandler struct {
	mu     sync.Mutex
	events []Event
	got    chan struct{}
}

func newCollectHandler() *collectHandler {
	return &collectHandler{got: make(chan struct{}, 128)}
}

func (h *collectHandler) HandleEvent(ev Event) {
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()
	h.got <- struct{}{}
}

func (h *collectHandler) snapshot() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Event, len(h.events))
	copy(out, h.events)
	return out
}

func waitEvents(t *testing.T, h *collectHandler, n int) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if len(h.snapshot()) >= n {
			return
		}
		select {
		case <-h.got:
		case <-deadline:
			t.Fatalf("timed out waiting for %d events, have %d", n, len(h.snapshot()))
		}
	}
}

func TestReaderStreamsAndReconnects(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	// two connections: the first drops mid-stream, the second carries
	// fresh records. Nothing from the gap is replayed.
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Write([]byte("$G,1,\"541\",1,\"00:45.123\"\r\n")) //nolint:errcheck
		conn.Close()

		conn, err = ln.Accept()
		if err != nil {
			return
		}
		conn.Write([]byte("$G,1,\"541\",2,\"00:44.900\"\r\n")) //nolint:errcheck
		// hold the connection open until the test cancels
		buf := make([]byte, 1)
		conn.Read(buf) //nolint:errcheck
		conn.Close()
	}()

	handler := newCollectHandler()
	var reconnected sync.WaitGroup
	reconnected.Add(1)
	var once sync.Once

	r := NewReader(ln.Addr().String(), handler,
		WithDialTimeout(time.Second),
		WithReadTimeout(2*time.Second),
		WithMaxBackoff(50*time.Millisecond),
		WithOnReconnect(func(error) { once.Do(reconnected.Done) }),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	waitEvents(t, handler, 2)
	reconnected.Wait()

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	events := handler.snapshot()
	require.GreaterOrEqual(t, len(events), 2)
	first := events[0].(Crossing)
	second := events[1].(Crossing)
	assert.Equal(t, 1, first.Lap)
	assert.Equal(t, 2, second.Lap)

	stats := r.Stats()
	assert.GreaterOrEqual(t, stats.Reconnects, int64(1))
	assert.GreaterOrEqual(t, stats.Decoded, int64(2))
}

func TestReaderRunHonorsCancelWhileDialing(t *testing.T) {
	// an address nothing listens on: Run must exit promptly on cancel
	handler := newCollectHandler()
	r := NewReader("127.0.0.1:1", handler,
		WithDialTimeout(100*time.Millisecond),
		WithMaxBackoff(50*time.Millisecond),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := r.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, handler.snapshot())
}
