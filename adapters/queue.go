// Package adapters defines the Source/Sink boundary between external
// transports and the kernel: bounded queues feeding a single-threaded
// kernel from many concurrent input/output workers, plus a handful of
// concrete adapters (file, ticker, TCP, null). The kernel only depends
// on the small Source/Sink interfaces it declares itself (kernel.Source,
// kernel.Sink), which the types here satisfy structurally.
package adapters

import (
	"context"
	"fmt"

	"github.com/corrflow/engine/event"
)

// InputQueue is the shared many-producer/one-consumer bounded queue
// feeding the kernel. Put blocks (cancellably) when full; Peek/Pop satisfy kernel.Source
// without consuming until Pop is actually called, so the kernel can defer
// draining an event whose arrival is still in the future.
type InputQueue struct {
	ch   chan *event.Event
	head *event.Event
}

// NewInputQueue creates a bounded input queue of the given capacity.
func NewInputQueue(capacity int) *InputQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &InputQueue{ch: make(chan *event.Event, capacity)}
}

// Put enqueues e, blocking until space is available or ctx is cancelled.
func (q *InputQueue) Put(ctx context.Context, e *event.Event) error {
	select {
	case q.ch <- e:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("adapters: input queue put cancelled: %w", ctx.Err())
	}
}

// Peek returns the queue's head without consuming it.
func (q *InputQueue) Peek() (*event.Event, bool) {
	if q.head != nil {
		return q.head, true
	}
	select {
	case e := <-q.ch:
		q.head = e
		return e, true
	default:
		return nil, false
	}
}

// Pop consumes and returns the queue's head.
func (q *InputQueue) Pop() (*event.Event, bool) {
	if q.head != nil {
		e := q.head
		q.head = nil
		return e, true
	}
	select {
	case e := <-q.ch:
		return e, true
	default:
		return nil, false
	}
}

// Len reports the number of events buffered, including a peeked head,
// for the RPC surface's show_inputqueue introspection.
func (q *InputQueue) Len() int {
	n := len(q.ch)
	if q.head != nil {
		n++
	}
	return n
}

// Cap reports the queue's configured capacity, for show_inputqueue.
func (q *InputQueue) Cap() int { return cap(q.ch) }

// OutputQueue is a one-producer/one-consumer bounded queue draining into
// one output worker. It implements kernel.Sink.
type OutputQueue struct {
	ch chan *event.Event
}

// NewOutputQueue creates a bounded output queue of the given capacity.
func NewOutputQueue(capacity int) *OutputQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &OutputQueue{ch: make(chan *event.Event, capacity)}
}

// Push implements kernel.Sink.
func (q *OutputQueue) Push(ctx context.Context, e *event.Event) error {
	select {
	case q.ch <- e:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("adapters: output queue push cancelled: %w", ctx.Err())
	}
}

// Next blocks until an event is available or ctx is cancelled; each
// output worker calls this in its own work loop.
func (q *OutputQueue) Next(ctx context.Context) (*event.Event, error) {
	select {
	case e := <-q.ch:
		return e, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len reports buffered event count, for show_outputqueue introspection.
func (q *OutputQueue) Len() int { return len(q.ch) }

// Cap reports the queue's configured capacity, for show_outputqueue.
func (q *OutputQueue) Cap() int { return cap(q.ch) }
