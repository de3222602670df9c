package audio

import (
	"sync"
	"time"
)

// pcmBuffer is a bounded FIFO between a device callback and Source.Read.
// When full, the oldest bytes are overwritten.
type pcmBuffer struct {
	mu      sync.Mutex
	data    []byte
	head    int
	size    int
	dropped int64
	closed  bool
	notify  chan struct{}
}

func newPCMBuffer(capacity int) *pcmBuffer {
	return &pcmBuffer{
		data:   make([]byte, capacity),
		notify: make(chan struct{}, 1),
	}
}

// write is called from the device callback and never blocks.
func (b *pcmBuffer) write(p []byte) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	capacity := len(b.data)
	if len(p) > capacity {
		b.dropped += int64(len(p) - capacity)
		p = p[len(p)-capacity:]
	}
	if overflow := b.size + len(p) - capacity; overflow > 0 {
		b.head = (b.head + overflow) % capacity
		b.size -= overflow
		b.dropped += int64(overflow)
	}
	tail := (b.head + b.size) % capacity
	n := copy(b.data[tail:], p)
	copy(b.data, p[n:])
	b.size += len(p)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// read copies buffered bytes into p, waiting up to timeout for data.
func (b *pcmBuffer) read(p []byte, timeout time.Duration) int {
	if n := b.take(p); n > 0 || timeout <= 0 {
		return n
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-b.notify:
			if n := b.take(p); n > 0 {
				return n
			}
			if b.isClosed() {
				return 0
			}
		case <-timer.C:
			return b.take(p)
		}
	}
}

func (b *pcmBuffer) take(p []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	if n > b.size {
		n = b.size
	}
	if n == 0 {
		return 0
	}
	first := copy(p[:n], b.data[b.head:])
	if first < n {
		copy(p[first:n], b.data)
	}
	b.head = (b.head + n) % len(b.data)
	b.size -= n
	return n
}

func (b *pcmBuffer) close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *pcmBuffer) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *pcmBuffer) droppedBytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
