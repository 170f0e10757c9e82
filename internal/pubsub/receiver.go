package pubsub

import (
	"context"
	"sync"

	ps "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Delivery is one message received on the topic.
type Delivery struct {
	// From is the signed author of the message, not the relaying hop.
	From  peer.ID
	Topic string
	Data  []byte
}

// DeliveryHandler consumes deliveries. It is called from the receive loop
// goroutine and may block to apply backpressure.
type DeliveryHandler func(ctx context.Context, d Delivery)

// Receiver pumps the topic subscription into a DeliveryHandler.
type Receiver struct {
	sub  *ps.Subscription
	self peer.ID

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReceiver creates a receiver for sub that ignores messages authored by
// self.
func NewReceiver(sub *ps.Subscription, self peer.ID) *Receiver {
	return &Receiver{
		sub:  sub,
		self: self,
	}
}

// Start launches the receive loop. done is invoked once when the loop exits.
func (r *Receiver) Start(ctx context.Context, handler DeliveryHandler, done func()) {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.receiveLoop(handler, done)
}

func (r *Receiver) receiveLoop(handler DeliveryHandler, done func()) {
	defer r.wg.Done()
	if done != nil {
		defer done()
	}

	for {
		msg, err := r.sub.Next(r.ctx)
		if err != nil {
			if r.ctx.Err() == nil {
				log.Warnf("Subscription ended: %v", err)
			}
			return
		}

		d, ok := r.accept(msg)
		if !ok {
			continue
		}
		handler(r.ctx, d)
	}
}

// accept filters a raw pub/sub message.
func (r *Receiver) accept(msg *ps.Message) (Delivery, bool) {
	from := msg.GetFrom()
	if from == "" || len(msg.Data) == 0 {
		return Delivery{}, false
	}

	// Our own publications are echoed back by the router.
	if from == r.self {
		return Delivery{}, false
	}

	return Delivery{
		From:  from,
		Topic: msg.GetTopic(),
		Data:  msg.Data,
	}, true
}

// Close stops the receive loop and waits for it to exit.
func (r *Receiver) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	r.sub.Cancel()
	r.wg.Wait()
	return nil
}
