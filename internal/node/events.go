package node

import "github.com/libp2p/go-libp2p/core/peer"

// EventKind discriminates network events.
type EventKind int

const (
	// EventPeerAppeared reports a newly reachable peer.
	EventPeerAppeared EventKind = iota + 1
	// EventPeerDisappeared reports a peer that is no longer reachable.
	EventPeerDisappeared
	// EventMessage carries a payload received on the topic.
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventPeerAppeared:
		return "peer-appeared"
	case EventPeerDisappeared:
		return "peer-disappeared"
	case EventMessage:
		return "message"
	default:
		return "unknown"
	}
}

// Event is one occurrence on the network. For EventMessage, Peer is the
// signed author of Data and Topic names the topic it arrived on.
type Event struct {
	Kind  EventKind
	Peer  peer.ID
	Topic string
	Data  []byte
}
