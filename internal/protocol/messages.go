// Package protocol defines the request/response messages exchanged over the
// application topic, their wire codecs and the request handler.
package protocol

import (
	"fmt"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/recordmesh/recordmesh/internal/records"
)

var log = logging.Logger("rm-protocol")

// ModeKind selects which peers must answer a request.
type ModeKind uint8

const (
	// ModeInvalid is the zero value and marks an unrecognized mode.
	ModeInvalid ModeKind = iota
	// ModeAll asks every peer for its records.
	ModeAll
	// ModeOne asks a single peer, named by Mode.Target, for its records.
	ModeOne
)

func (k ModeKind) String() string {
	switch k {
	case ModeAll:
		return "all"
	case ModeOne:
		return "one"
	default:
		return "invalid"
	}
}

// Mode is the tagged choice carried by requests and echoed by responses.
type Mode struct {
	Kind   ModeKind
	Target peer.ID // set only for ModeOne
}

// All returns a mode addressed to every peer.
func All() Mode {
	return Mode{Kind: ModeAll}
}

// One returns a mode addressed to a single peer.
func One(target peer.ID) Mode {
	return Mode{Kind: ModeOne, Target: target}
}

// Validate reports whether the mode can be acted upon.
func (m Mode) Validate() error {
	switch m.Kind {
	case ModeAll:
		return nil
	case ModeOne:
		if m.Target == "" {
			return &RequestError{Mode: m, Reason: "targeted mode without a target peer"}
		}
		return nil
	default:
		return &RequestError{Mode: m, Reason: "unrecognized mode"}
	}
}

func (m Mode) String() string {
	if m.Kind == ModeOne {
		return fmt.Sprintf("one(%s)", m.Target)
	}
	return m.Kind.String()
}

// Message is implemented by Request and Response.
type Message interface {
	messageKind() string
}

// Request asks peers selected by Mode to send their records. The requester is
// not part of the body; it is taken from the delivery metadata.
type Request struct {
	Mode Mode
}

// Response carries one record back to the node that asked for it. Every peer
// on the topic receives it, only the one named by Receiver acts on it.
type Response struct {
	Mode     Mode
	Record   records.Record
	Receiver peer.ID
}

func (Request) messageKind() string  { return kindRequest }
func (Response) messageKind() string { return kindResponse }
