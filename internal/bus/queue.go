package bus

import (
	"context"
	"errors"
	"sync/atomic"

	"main/internal/schema"
)

var (
	ErrQueueFull   = errors.New("event queue full")
	ErrQueueClosed = errors.New("event queue closed")
)

// Event is the unit passed through the in-memory bus. Session and CorrID
// carry transport attribution for wire events; both are zero for
// internally generated events.
type Event struct {
	Header  schema.EventHeader
	Session string
	CorrID  uint64
	Payload []byte

	// Apply, when set, runs on the loop goroutine instead of type
	// dispatch. It carries control work, like a config reload, that
	// must serialize with event handling.
	Apply func()
}

// Disposition is the handler's verdict on whether dispatch continues.
// Returning Stop ends the Run loop through the return path instead of a
// panic or a side channel.
type Disposition uint8

const (
	Continue Disposition = iota
	Stop
)

// Queue is a bounded, non-blocking event queue.
type Queue struct {
	ch     chan Event
	closed uint32
}

// NewQueue allocates a queue with the given capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{ch: make(chan Event, capacity)}
}

// TryPublish enqueues an event without blocking.
func (q *Queue) TryPublish(e Event) error {
	if atomic.LoadUint32(&q.closed) != 0 {
		return ErrQueueClosed
	}
	select {
	case q.ch <- e:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops the queue from accepting new events.
func (q *Queue) Close() {
	if atomic.CompareAndSwapUint32(&q.closed, 0, 1) {
		close(q.ch)
	}
}

// Run consumes events until the context is done, the queue is closed, or
// the handler returns Stop.
func (q *Queue) Run(ctx context.Context, handler func(Event) Disposition) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-q.ch:
			if !ok {
				return
			}
			if handler(e) == Stop {
				return
			}
		}
	}
}
