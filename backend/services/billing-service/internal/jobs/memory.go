package jobs

import (
	"context"
	"sync"
)

const defaultMemoryBuffer = 1024

// MemoryTransport keeps jobs in process, one buffered channel per queue.
type MemoryTransport struct {
	mu     sync.Mutex
	queues map[string]chan []byte
	buffer int
	done   chan struct{}
	once   sync.Once
}

// NewMemoryTransport returns a transport whose queues hold up to buffer jobs.
func NewMemoryTransport(buffer int) *MemoryTransport {
	if buffer <= 0 {
		buffer = defaultMemoryBuffer
	}
	return &MemoryTransport{
		queues: make(map[string]chan []byte),
		buffer: buffer,
		done:   make(chan struct{}),
	}
}

func (t *MemoryTransport) queue(name string) chan []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.queues[name]
	if !ok {
		q = make(chan []byte, t.buffer)
		t.queues[name] = q
	}
	return q
}

// Enqueue blocks while the queue is full.
func (t *MemoryTransport) Enqueue(ctx context.Context, queue string, payload []byte) error {
	body := append([]byte(nil), payload...)
	select {
	case <-t.done:
		return ErrClosed
	case t.queue(queue) <- body:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive blocks until a job is available.
func (t *MemoryTransport) Receive(ctx context.Context, queue string) (*Delivery, error) {
	select {
	case <-t.done:
		return nil, ErrClosed
	case body := <-t.queue(queue):
		return &Delivery{Queue: queue, Payload: body}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops all pending Receive calls.
func (t *MemoryTransport) Close() error {
	t.once.Do(func() { close(t.done) })
	return nil
}
