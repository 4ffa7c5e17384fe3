package upload

import (
	"context"
	"sync"

	"github.com/bitrise-io/b2pipe/chunk"
)

// Queue is the FIFO of chunks waiting for an upload slot. It also counts the
// chunks taken out by Pop and not yet released with Done.
type Queue struct {
	mu       sync.Mutex
	items    []chunk.Chunk
	inFlight int
	closed   bool
	notify   chan struct{}
}

// NewQueue ...
func NewQueue() *Queue {
	return &Queue{
		notify: make(chan struct{}, 1),
	}
}

// Push appends c. Pushing to a closed queue is a programming error and panics.
func (q *Queue) Push(c chunk.Chunk) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		panic("upload: push to closed queue")
	}
	q.items = append(q.items, c)
	q.mu.Unlock()

	q.signal()
}

// Close marks the end of input. Pop drains the remaining items and then reports false.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.signal()
}

// Len returns the number of pending chunks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Depth returns the pending and in-flight counts from one consistent view.
func (q *Queue) Depth() (pending, inFlight int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), q.inFlight
}

// Done releases a chunk returned by Pop.
func (q *Queue) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inFlight == 0 {
		panic("upload: Done without a popped chunk")
	}
	q.inFlight--
}

// Pop moves the next chunk into flight. It blocks until a chunk is available, the queue is closed and drained, or ctx is done.
func (q *Queue) Pop(ctx context.Context) (chunk.Chunk, bool, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			c := q.items[0]
			q.items[0] = chunk.Chunk{}
			q.items = q.items[1:]
			q.inFlight++
			q.mu.Unlock()
			return c, true, nil
		}
		if q.closed {
			q.mu.Unlock()
			// Keep the signal for other waiters.
			q.signal()
			return chunk.Chunk{}, false, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return chunk.Chunk{}, false, ctx.Err()
		case <-q.notify:
		}
	}
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
