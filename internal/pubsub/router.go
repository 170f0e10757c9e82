// Package pubsub manages the record exchange topic: router construction,
// joining and publishing, and the receive loop that turns signed pub/sub
// messages into deliveries.
package pubsub

import (
	"context"
	"fmt"

	logging "github.com/ipfs/go-log/v2"
	ps "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"

	"github.com/recordmesh/recordmesh/internal/config"
)

var log = logging.Logger("rm-pubsub")

// NewRouter creates the pub/sub router selected by name. Every message is
// signed by its author and unsigned messages are rejected, so GetFrom on a
// received message identifies the requester. queueSize bounds the per-peer
// outbound and validation queues; a burst of that many messages is delivered
// without drops.
func NewRouter(ctx context.Context, h host.Host, router string, maxMessageSize, queueSize int) (*ps.PubSub, error) {
	opts := []ps.Option{
		ps.WithMessageSigning(true),
		ps.WithStrictSignatureVerification(true),
		ps.WithMessageSignaturePolicy(ps.StrictSign),
	}
	if maxMessageSize > 0 {
		opts = append(opts, ps.WithMaxMessageSize(maxMessageSize))
	}
	if queueSize > 0 {
		opts = append(opts,
			ps.WithPeerOutboundQueueSize(queueSize),
			ps.WithValidateQueueSize(queueSize),
		)
	}

	switch router {
	case "", config.RouterFlood:
		log.Debugf("Using floodsub router")
		return ps.NewFloodSub(ctx, h, opts...)
	case config.RouterGossip:
		log.Debugf("Using gossipsub router")
		return ps.NewGossipSub(ctx, h, append(opts, ps.WithFloodPublish(true))...)
	default:
		return nil, fmt.Errorf("unknown pubsub router %q", router)
	}
}
