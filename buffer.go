package streamingest

import (
	"sync"
	"time"
)

// frameBuffer is the bounded FIFO between one decode worker and its
// consumers. Overflow drops the oldest frame so the buffer favors
// recency on enqueue while Pop keeps strict temporal order.
//
// Concurrency model: exactly one producer goroutine calls Push and
// Resize; any number of consumers call Pop, TryPop and DrainNewest.
// Consumers operate on a snapshot of the backing channel, so a Resize
// swap can briefly hide buffered frames from a concurrent Pop. That
// window is accepted; resizes happen only in the producer's periodic
// evaluation.
type frameBuffer struct {
	mu       sync.RWMutex
	frames   chan Frame
	capacity int
}

func newFrameBuffer(capacity int) *frameBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &frameBuffer{
		frames:   make(chan Frame, capacity),
		capacity: capacity,
	}
}

// Push enqueues a frame, discarding the oldest buffered frame first when
// the buffer is full. It reports whether a frame was discarded.
func (b *frameBuffer) Push(f Frame) (dropped bool) {
	b.mu.RLock()
	ch := b.frames
	b.mu.RUnlock()

	select {
	case ch <- f:
		return false
	default:
	}

	// Full: evict the oldest, then retry. A concurrent Pop may have
	// already made room, in which case nothing is evicted.
	select {
	case <-ch:
		dropped = true
	default:
	}
	select {
	case ch <- f:
	default:
		dropped = true
	}
	return dropped
}

// Pop dequeues the oldest frame, waiting up to timeout. A timeout of
// zero or less makes it non-blocking.
func (b *frameBuffer) Pop(timeout time.Duration) (Frame, bool) {
	b.mu.RLock()
	ch := b.frames
	b.mu.RUnlock()

	if timeout <= 0 {
		select {
		case f := <-ch:
			return f, true
		default:
			return Frame{}, false
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f := <-ch:
		return f, true
	case <-timer.C:
		return Frame{}, false
	}
}

// TryPop dequeues the oldest frame without waiting.
func (b *frameBuffer) TryPop() (Frame, bool) {
	return b.Pop(0)
}

// DrainNewest consumes every buffered frame and returns the newest one.
// It never blocks.
func (b *frameBuffer) DrainNewest() (Frame, bool) {
	b.mu.RLock()
	ch := b.frames
	b.mu.RUnlock()

	var newest Frame
	var ok bool
	for {
		select {
		case f := <-ch:
			newest = f
			ok = true
		default:
			return newest, ok
		}
	}
}

// Drain empties the buffer and returns the number of frames discarded.
func (b *frameBuffer) Drain() int {
	b.mu.RLock()
	ch := b.frames
	b.mu.RUnlock()

	n := 0
	for {
		select {
		case <-ch:
			n++
		default:
			return n
		}
	}
}

// Resize rebuilds the buffer at the new capacity, transferring buffered
// frames in order. When shrinking, only the newest newCap frames
// survive; the oldest excess is discarded.
func (b *frameBuffer) Resize(newCap int) {
	if newCap < 1 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if newCap == b.capacity {
		return
	}

	old := b.frames
	next := make(chan Frame, newCap)

	excess := len(old) - newCap
	for {
		var f Frame
		var ok bool
		select {
		case f, ok = <-old:
		default:
			ok = false
		}
		if !ok {
			break
		}
		if excess > 0 {
			excess--
			continue
		}
		next <- f
	}

	b.frames = next
	b.capacity = newCap
}

// Len returns the number of buffered frames.
func (b *frameBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.frames)
}

// Cap returns the current capacity.
func (b *frameBuffer) Cap() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.capacity
}
