package transport

import (
	"context"
	"sync"
)

// Inbox is an unbounded FIFO of inbound events with a single consumer.
// Producers never block.
type Inbox struct {
	mu     sync.Mutex
	events []Event
	ready  chan struct{}
}

func newInbox() *Inbox {
	return &Inbox{ready: make(chan struct{}, 1)}
}

func (in *Inbox) push(ev Event) {
	in.mu.Lock()
	in.events = append(in.events, ev)
	in.mu.Unlock()

	select {
	case in.ready <- struct{}{}:
	default:
	}
}

// Receive blocks until an event is available or ctx is done
func (in *Inbox) Receive(ctx context.Context) (Event, error) {
	for {
		in.mu.Lock()
		if len(in.events) > 0 {
			ev := in.events[0]
			in.events[0] = Event{}
			in.events = in.events[1:]
			in.mu.Unlock()
			return ev, nil
		}
		in.mu.Unlock()

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-in.ready:
		}
	}
}

// Len returns the number of queued events
func (in *Inbox) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.events)
}
