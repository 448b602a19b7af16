package transport

import "sync"

// EventQueue buffers events without bound and feeds them to a channel from a
// single goroutine, so adapters never block on a slow consumer.
type EventQueue struct {
	mu     sync.Mutex
	items  []Event
	wake   chan struct{}
	done   chan struct{}
	out    chan Event
	closed bool
}

// NewEventQueue starts a queue. Close must be called to release it.
func NewEventQueue() *EventQueue {
	q := &EventQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		out:  make(chan Event),
	}
	go q.run()
	return q
}

// Events returns the output channel. It is closed after Close.
func (q *EventQueue) Events() <-chan Event { return q.out }

// Push enqueues ev. Events pushed after Close are dropped.
func (q *EventQueue) Push(ev Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, ev)
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Close stops delivery. Undelivered events are discarded.
func (q *EventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

func (q *EventQueue) run() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			select {
			case <-q.wake:
				continue
			case <-q.done:
				return
			}
		}
		ev := q.items[0]
		q.items[0] = Event{}
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- ev:
		case <-q.done:
			return
		}
	}
}
