package sdr

import "sync"

// Queue connects the capture thread to the framer: a FIFO of batches
// with a non-blocking push and a blocking pop. Capacity is unbounded so
// the capture callback never stalls on a slow sender; memory pressure is
// the operator's signal that the sender cannot keep up.
//
// Single producer, single consumer.
type Queue struct {
	mu       sync.Mutex
	nonEmpty *sync.Cond
	batches  []Batch
	closed   bool
}

func NewQueue() *Queue {
	q := &Queue{}
	q.nonEmpty = sync.NewCond(&q.mu)
	return q
}

// Push appends a batch. Pushing to a closed queue drops the batch.
func (q *Queue) Push(b Batch) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.batches = append(q.batches, b)
	q.nonEmpty.Signal()
}

// Pop blocks until a batch is available or the queue is closed. After
// Close, queued batches are still drained in order; once empty, Pop
// returns ok=false.
func (q *Queue) Pop() (Batch, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.batches) == 0 && !q.closed {
		q.nonEmpty.Wait()
	}
	if len(q.batches) == 0 {
		return nil, false
	}
	b := q.batches[0]
	q.batches[0] = nil
	q.batches = q.batches[1:]
	return b, true
}

// Len reports the number of queued batches.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.batches)
}

// Close wakes the consumer. Idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.nonEmpty.Broadcast()
}
