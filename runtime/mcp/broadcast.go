package mcp

import (
	"context"
	"sync"
)

// streamHub fans server notifications out to the open GET streams. Each
// stream holds one buffered channel; publish copies the encoded notification
// to every channel and drops it for streams that cannot keep up, so a stalled
// consumer never blocks the tool path.
type streamHub struct {
	mu      sync.Mutex
	streams map[int]chan []byte
	next    int
	buf     int
	closed  bool
}

func newStreamHub(buf int) *streamHub {
	return &streamHub{streams: make(map[int]chan []byte), buf: buf}
}

// subscribe registers a stream and returns its event channel with a cancel
// function. The channel is closed by cancel, by hub close, or when ctx ends.
func (h *streamHub) subscribe(ctx context.Context) (<-chan []byte, func()) {
	ch := make(chan []byte, h.buf)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := h.next
	h.next++
	h.streams[id] = ch
	h.mu.Unlock()

	cancel := func() { h.drop(id) }
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return ch, cancel
}

func (h *streamHub) drop(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.streams[id]; ok {
		delete(h.streams, id)
		close(ch)
	}
}

// publish delivers raw to every open stream, skipping streams whose buffer
// is full.
func (h *streamHub) publish(raw []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for _, ch := range h.streams {
		select {
		case ch <- raw:
		default:
		}
	}
}

// close ends every open stream. Further publishes are no-ops and further
// subscribes return an already-closed channel.
func (h *streamHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.streams {
		delete(h.streams, id)
		close(ch)
	}
}
