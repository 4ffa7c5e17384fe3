package upload

import (
	"context"
	"sync"
)

// DepthFunc reports the current number of pending and in-flight chunks.
type DepthFunc func() (pending, inFlight int)

// Backpressure suspends reading the input while too much work is queued.
//
// The source is suspended once pending >= limit, and resumed when
// pending+inFlight < limit and the input has not ended. Depth is read under
// the controller's lock, so a slot change racing with a suspension is always
// followed by a re-evaluation.
type Backpressure struct {
	mu        sync.Mutex
	limit     int
	depth     DepthFunc
	suspended bool
	ended     bool
	running   chan struct{}

	suspensions int
	resumptions int
}

// NewBackpressure ...
func NewBackpressure(limit int, depth DepthFunc) *Backpressure {
	running := make(chan struct{})
	close(running)

	return &Backpressure{
		limit:   limit,
		depth:   depth,
		running: running,
	}
}

// AfterEnqueue is called after a chunk was queued.
func (b *Backpressure) AfterEnqueue() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.suspended {
		return
	}
	if pending, _ := b.depth(); pending >= b.limit {
		b.suspended = true
		b.running = make(chan struct{})
		b.suspensions++
	}
}

// AfterSlotChange is called whenever a chunk moved from the queue into flight or a part finished.
func (b *Backpressure) AfterSlotChange() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.suspended || b.ended {
		return
	}
	if pending, inFlight := b.depth(); pending+inFlight < b.limit {
		b.suspended = false
		close(b.running)
		b.resumptions++
	}
}

// InputEnded stops any later resumption.
func (b *Backpressure) InputEnded() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ended = true
}

// Wait blocks while the source is suspended.
func (b *Backpressure) Wait(ctx context.Context) error {
	b.mu.Lock()
	running := b.running
	b.mu.Unlock()

	select {
	case <-running:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Suspended ...
func (b *Backpressure) Suspended() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.suspended
}

// Counts returns how many times the source was suspended and resumed.
func (b *Backpressure) Counts() (suspensions, resumptions int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.suspensions, b.resumptions
}
