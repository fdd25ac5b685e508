// SPDX-FileCopyrightText: Copyright (C) 2025 the dmail authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package queue implements a min-heap based priority queue.
package queue

import (
	"container/heap"
)

// Entry is a PriorityQueue entry.
type Entry struct {
	Value    interface{}
	Priority uint64

	// seq breaks priority ties so that entries with equal priority
	// dequeue in insertion order.
	seq uint64
}

// PriorityQueue is a priority queue instance.
type PriorityQueue struct {
	heap    []*Entry
	nextSeq uint64
}

// Len returns the current length of the priority queue.
func (q *PriorityQueue) Len() int {
	return len(q.heap)
}

// Less implements sort.Interface.
func (q *PriorityQueue) Less(i, j int) bool {
	if q.heap[i].Priority == q.heap[j].Priority {
		return q.heap[i].seq < q.heap[j].seq
	}
	return q.heap[i].Priority < q.heap[j].Priority
}

// Swap implements sort.Interface.
func (q *PriorityQueue) Swap(i, j int) {
	q.heap[i], q.heap[j] = q.heap[j], q.heap[i]
}

// Push implements heap.Interface.
func (q *PriorityQueue) Push(x interface{}) {
	q.heap = append(q.heap, x.(*Entry))
}

// Pop implements heap.Interface.
func (q *PriorityQueue) Pop() interface{} {
	n := len(q.heap)
	e := q.heap[n-1]
	q.heap[n-1] = nil
	q.heap = q.heap[:n-1]
	return e
}

// Enqueue inserts the provided value into the queue with the specified
// priority.  Lower priority values dequeue first.
func (q *PriorityQueue) Enqueue(priority uint64, value interface{}) {
	e := &Entry{
		Value:    value,
		Priority: priority,
		seq:      q.nextSeq,
	}
	q.nextSeq++
	heap.Push(q, e)
}

// Dequeue removes and returns the lowest priority entry, or nil if the
// queue is empty.
func (q *PriorityQueue) Dequeue() *Entry {
	if q.Len() <= 0 {
		return nil
	}
	return heap.Pop(q).(*Entry)
}

// Peek returns the lowest priority entry if any, leaving the queue
// unaltered.  Callers MUST NOT alter the Priority of the returned entry.
func (q *PriorityQueue) Peek() *Entry {
	if q.Len() <= 0 {
		return nil
	}
	return q.heap[0]
}

// New creates a new PriorityQueue.
func New() *PriorityQueue {
	q := &PriorityQueue{
		heap: make([]*Entry, 0),
	}
	heap.Init(q)
	return q
}
