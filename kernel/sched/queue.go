package sched

import (
	"toe/arch"
	"toe/kernel/fifo"
)

// threadQueue is a run queue of handles with ring-buffer discipline: O(1)
// append and pop, fixed power-of-two capacity, FIFO within the queue.
type threadQueue struct {
	ring *fifo.Interlocked[ThreadHandle]
}

func newThreadQueue(capacity int, cpu arch.CPU) threadQueue {
	return threadQueue{ring: fifo.NewInterlocked[ThreadHandle](capacity, cpu)}
}

// enqueue appends h. Overflow means the queue was sized below the maximum
// concurrent runnable thread count, which is not a runtime condition.
func (q *threadQueue) enqueue(h ThreadHandle) {
	if !q.ring.Enqueue(h) {
		fatalf("sched: run queue overflow (capacity %d)", q.ring.Capacity())
	}
}

func (q *threadQueue) dequeue() (ThreadHandle, bool) {
	return q.ring.Dequeue()
}

func (q *threadQueue) isEmpty() bool {
	return q.ring.IsEmpty()
}
