// Package eventloop runs the single goroutine that owns a node's record store
// and live peer bookkeeping. It merges network events, queued outgoing
// responses and operator commands into one sequential stream.
package eventloop

import (
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/recordmesh/recordmesh/internal/protocol"
	"github.com/recordmesh/recordmesh/internal/records"
)

// NodeContext is built once at startup and shared by the loop and the
// console.
type NodeContext struct {
	Self  peer.ID
	Store *records.Store
	Codec protocol.Codec
	Topic string
}
