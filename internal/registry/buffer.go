package registry

import (
	"sync"

	"github.com/plantlink/plantlink/internal/monitoring"
)

// OutboundBuffer is the bounded queue between bus deliveries and one device
// socket. Overflow policy is drop-oldest: Enqueue always succeeds on an open
// buffer, but the caller learns whether an older frame was displaced so the
// drop is visible in metrics.
//
// Exactly one consumer (the session send loop) drains the buffer until Close.
type OutboundBuffer struct {
	mu     sync.Mutex
	ch     chan []byte
	closed bool
}

// NewOutboundBuffer creates a buffer holding up to size encoded frames.
func NewOutboundBuffer(size int) *OutboundBuffer {
	if size < 1 {
		size = 1
	}
	return &OutboundBuffer{ch: make(chan []byte, size)}
}

// Enqueue appends frame without blocking. ok is false only when the buffer
// is closed; dropped is true when an older frame was discarded to make room.
func (b *OutboundBuffer) Enqueue(frame []byte) (ok, dropped bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false, false
	}
	for {
		select {
		case b.ch <- frame:
			monitoring.OutboundEnqueued.Inc()
			if dropped {
				monitoring.OutboundDropped.Inc()
			}
			return true, dropped
		default:
			// Full: displace the oldest queued frame and retry.
			select {
			case <-b.ch:
				dropped = true
			default:
			}
		}
	}
}

// Dequeue returns the channel the send loop ranges over. The channel is
// closed by Close after the enqueued frames have been made available, so the
// consumer flushes what is already buffered before terminating.
func (b *OutboundBuffer) Dequeue() <-chan []byte {
	return b.ch
}

// Close stops further enqueues and lets the consumer drain and exit.
// Safe to call more than once.
func (b *OutboundBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.ch)
}

// Len reports the frames currently queued.
func (b *OutboundBuffer) Len() int {
	return len(b.ch)
}
