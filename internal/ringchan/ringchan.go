// Package ringchan provides a bounded channel with drop-oldest semantics.
//
// Producers never block: when the buffer is full the oldest element is
// discarded to make room. Consumers read from C() like a normal channel.
//
//	q := ringchan.New[[]byte](3)
//	for i := 0; i < 10; i++ {
//	    q.Push([]byte{byte(i)})
//	}
//	q.Close()
//	for v := range q.C() {
//	    fmt.Println(v) // [7] [8] [9]
//	}
package ringchan

import (
	"sync"
	"sync/atomic"
)

// RingChannel is a bounded, drop-oldest queue.
type RingChannel[T any] struct {
	mu     sync.Mutex // serialises producers against Close
	ch     chan T
	closed bool

	written atomic.Int64
	dropped atomic.Int64
}

// New creates a ring channel with the given capacity.
func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the receive side. It is closed by Close once drained.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Push inserts v, discarding the oldest element if the buffer is full.
// It reports whether an element was dropped. Push after Close is a no-op.
func (rc *RingChannel[T]) Push(v T) (dropped bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		return false
	}

	for {
		select {
		case rc.ch <- v:
			rc.written.Add(1)
			return dropped
		default:
		}
		// The consumer may drain concurrently, so the drop must not block.
		select {
		case <-rc.ch:
			rc.dropped.Add(1)
			dropped = true
		default:
		}
	}
}

// TryPush inserts v only if there is room.
func (rc *RingChannel[T]) TryPush(v T) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		return false
	}
	select {
	case rc.ch <- v:
		rc.written.Add(1)
		return true
	default:
		return false
	}
}

// Len returns the number of buffered elements.
func (rc *RingChannel[T]) Len() int {
	return len(rc.ch)
}

// Cap returns the capacity.
func (rc *RingChannel[T]) Cap() int {
	return cap(rc.ch)
}

// Close stops accepting elements. Buffered elements can still be received.
// Close is idempotent.
func (rc *RingChannel[T]) Close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		return
	}
	rc.closed = true
	close(rc.ch)
}

// Stats is a snapshot of the queue counters.
type Stats struct {
	Written int64
	Dropped int64
}

// Stats returns the current counters.
func (rc *RingChannel[T]) Stats() Stats {
	return Stats{
		Written: rc.written.Load(),
		Dropped: rc.dropped.Load(),
	}
}
