package eventloop

import (
	"github.com/gammazero/deque"

	"github.com/recordmesh/recordmesh/internal/config"
	"github.com/recordmesh/recordmesh/internal/protocol"
)

// DefaultOutboxSize bounds the outgoing response queue when none is set.
const DefaultOutboxSize = 1024

// Outbox is the bounded FIFO of responses waiting to be published. It is
// owned by the loop goroutine.
type Outbox struct {
	queue      deque.Deque[protocol.Response]
	capacity   int
	dropNewest bool
}

// NewOutbox creates an outbox holding at most capacity responses. overflow is
// config.OverflowDropOldest or config.OverflowDropNewest.
func NewOutbox(capacity int, overflow string) *Outbox {
	if capacity <= 0 {
		capacity = DefaultOutboxSize
	}
	return &Outbox{
		capacity:   capacity,
		dropNewest: overflow == config.OverflowDropNewest,
	}
}

// Push enqueues r. When the outbox is full one response is discarded
// according to the overflow policy and returned with dropped set.
func (o *Outbox) Push(r protocol.Response) (discarded protocol.Response, dropped bool) {
	if o.queue.Len() < o.capacity {
		o.queue.PushBack(r)
		return protocol.Response{}, false
	}
	if o.dropNewest {
		return r, true
	}
	discarded = o.queue.PopFront()
	o.queue.PushBack(r)
	return discarded, true
}

// Pop dequeues the oldest response.
func (o *Outbox) Pop() (protocol.Response, bool) {
	if o.queue.Len() == 0 {
		return protocol.Response{}, false
	}
	return o.queue.PopFront(), true
}

// Len returns the number of queued responses.
func (o *Outbox) Len() int {
	return o.queue.Len()
}
