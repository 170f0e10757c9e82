package eventloop

import (
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/recordmesh/recordmesh/internal/peers"
	"github.com/recordmesh/recordmesh/internal/protocol"
	"github.com/recordmesh/recordmesh/internal/records"
)

// CommandKind identifies an operator command.
type CommandKind int

const (
	CmdCreate CommandKind = iota + 1
	CmdListPeers
	CmdListRecords
	CmdPublish
	CmdHelp
	CmdExit
)

// Scope selects whose records "list records" shows.
type Scope int

const (
	ScopeLocal Scope = iota + 1
	ScopeAll
	ScopePeer
)

// Command is a parsed operator command. Only the fields relevant to Kind are
// set.
type Command struct {
	Kind CommandKind

	// CmdCreate
	Name     string
	Category string
	Flag     bool

	// CmdListRecords
	Scope Scope
	Peer  peer.ID // ScopePeer

	// CmdPublish
	RecordID uint64
}

// Display renders operator-visible output. Implementations are called from
// the loop goroutine only.
type Display interface {
	Created(r records.Record)
	Records(recs []records.Record)
	Peers(live []peers.LivePeer)
	RequestSent(mode protocol.Mode)
	Response(from peer.ID, resp protocol.Response)
	Published(r records.Record, receivers int)
	Help()
	Error(err error)
}
