// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package queue provides the bounded submission queue feeding run workers.
package queue

import (
	"context"
	"sync"
	"time"
)

// Submission is a pending run waiting for a worker. The run record is
// already persisted; RunID is the handle workers execute.
type Submission struct {
	RunID      string
	WorkflowID string
	Priority   int
	QueuedAt   time.Time
}

// Queue is the submission queue contract.
type Queue interface {
	// Enqueue adds a submission. Returns ErrQueueFull when at capacity
	// and ErrQueueClosed after Close.
	Enqueue(ctx context.Context, sub *Submission) error

	// Dequeue removes and returns the next submission, blocking until
	// one is available or the context is cancelled.
	Dequeue(ctx context.Context) (*Submission, error)

	// Len returns the number of waiting submissions.
	Len() int

	// Close closes the queue. Waiting Dequeue calls return ErrQueueClosed.
	Close() error
}

// MemoryQueue is an in-memory bounded priority queue. Higher priority
// submissions dequeue first; equal priorities keep FIFO order.
type MemoryQueue struct {
	mu       sync.Mutex
	subs     []*Submission
	capacity int
	signal   chan struct{}
	closed   bool
}

// NewMemoryQueue creates a queue holding at most capacity submissions.
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 256
	}
	return &MemoryQueue{
		subs:     make([]*Submission, 0),
		capacity: capacity,
		signal:   make(chan struct{}, 1),
	}
}

// Enqueue adds a submission to the queue.
func (q *MemoryQueue) Enqueue(_ context.Context, sub *Submission) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if len(q.subs) >= q.capacity {
		return ErrQueueFull
	}

	inserted := false
	for i, s := range q.subs {
		if sub.Priority > s.Priority {
			q.subs = append(q.subs[:i], append([]*Submission{sub}, q.subs[i:]...)...)
			inserted = true
			break
		}
	}
	if !inserted {
		q.subs = append(q.subs, sub)
	}

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue removes and returns the next submission. A closed queue keeps
// handing out queued submissions until empty, so shutdown can drain.
func (q *MemoryQueue) Dequeue(ctx context.Context) (*Submission, error) {
	for {
		q.mu.Lock()
		if len(q.subs) > 0 {
			sub := q.subs[0]
			q.subs = q.subs[1:]
			q.mu.Unlock()
			return sub, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
			// A submission may be available, loop again.
		}
	}
}

// Len returns the number of waiting submissions.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.subs)
}

// Close closes the queue.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	close(q.signal)
	return nil
}

// ErrQueueClosed is returned when operating on a closed queue.
var ErrQueueClosed = &QueueError{message: "queue is closed"}

// ErrQueueFull is returned when the queue is at capacity.
var ErrQueueFull = &QueueError{message: "queue is full"}

// QueueError is a queue-related error.
type QueueError struct {
	message string
}

func (e *QueueError) Error() string {
	return e.message
}
