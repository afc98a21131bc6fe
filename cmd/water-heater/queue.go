package main

import "sync"

// workQueue is an unbounded FIFO of callbacks for the dispatch loop.
// Dispatch never blocks, so it is safe to call from the loop itself.
type workQueue struct {
	mu    sync.Mutex
	items []func()
	ready chan struct{}
}

func newWorkQueue() *workQueue {
	return &workQueue{ready: make(chan struct{}, 1)}
}

// Dispatch appends fn and wakes the loop.
func (q *workQueue) Dispatch(fn func()) {
	q.mu.Lock()
	q.items = append(q.items, fn)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Ready is signalled after Dispatch. One signal may cover several items.
func (q *workQueue) Ready() <-chan struct{} {
	return q.ready
}

// drain removes and returns the queued callbacks in dispatch order.
func (q *workQueue) drain() []func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// Len returns the number of callbacks waiting.
func (q *workQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
