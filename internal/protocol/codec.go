package protocol

import (
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/recordmesh/recordmesh/internal/records"
)

// Codec names accepted by NewCodec.
const (
	CodecJSON = "json"
	CodecCBOR = "cbor"
)

// DefaultMaxMessageSize bounds inbound payloads when no limit is configured.
const DefaultMaxMessageSize = 64 * 1024

const (
	kindRequest  = "request"
	kindResponse = "response"
)

// Codec converts messages to and from topic payloads.
type Codec interface {
	Name() string
	Encode(msg Message) ([]byte, error)
	// Decode returns a Request or a Response. Failures are *DecodeError.
	Decode(data []byte) (Message, error)
}

// NewCodec returns the codec registered under name. A non-positive maxSize
// selects DefaultMaxMessageSize.
func NewCodec(name string, maxSize int) (Codec, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	switch name {
	case "", CodecJSON:
		return NewJSONCodec(maxSize), nil
	case CodecCBOR:
		return NewCBORCodec(maxSize)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// envelope is the logical wire shape shared by every codec. Kind is the
// discriminant between requests and responses.
type envelope struct {
	Kind     string          `json:"kind" cbor:"kind"`
	Mode     wireMode        `json:"mode" cbor:"mode"`
	Record   *records.Record `json:"record,omitempty" cbor:"record,omitempty"`
	Receiver string          `json:"receiver,omitempty" cbor:"receiver,omitempty"`
}

type wireMode struct {
	Kind string `json:"kind" cbor:"kind"`
	Peer string `json:"peer,omitempty" cbor:"peer,omitempty"`
}

func toEnvelope(msg Message) (envelope, error) {
	switch m := msg.(type) {
	case Request:
		wm, err := modeToWire(m.Mode)
		if err != nil {
			return envelope{}, err
		}
		return envelope{Kind: kindRequest, Mode: wm}, nil

	case Response:
		wm, err := modeToWire(m.Mode)
		if err != nil {
			return envelope{}, err
		}
		if m.Receiver == "" {
			return envelope{}, fmt.Errorf("%w: response without receiver", ErrUnencodable)
		}
		rec := m.Record
		return envelope{
			Kind:     kindResponse,
			Mode:     wm,
			Record:   &rec,
			Receiver: m.Receiver.String(),
		}, nil

	default:
		return envelope{}, fmt.Errorf("%w: unsupported message type %T", ErrUnencodable, msg)
	}
}

func modeToWire(m Mode) (wireMode, error) {
	switch m.Kind {
	case ModeAll:
		return wireMode{Kind: ModeAll.String()}, nil
	case ModeOne:
		if m.Target == "" {
			return wireMode{}, fmt.Errorf("%w: targeted mode without target", ErrUnencodable)
		}
		return wireMode{Kind: ModeOne.String(), Peer: m.Target.String()}, nil
	default:
		return wireMode{}, fmt.Errorf("%w: invalid mode", ErrUnencodable)
	}
}

func fromEnvelope(env envelope) (Message, error) {
	switch env.Kind {
	case kindRequest:
		mode, err := modeFromWire(env.Mode)
		if err != nil {
			return nil, err
		}
		return Request{Mode: mode}, nil

	case kindResponse:
		mode, err := modeFromWire(env.Mode)
		if err != nil {
			return nil, err
		}
		if env.Record == nil {
			return nil, decodeErr("response without record", nil)
		}
		if env.Receiver == "" {
			return nil, decodeErr("response without receiver", nil)
		}
		receiver, err := peer.Decode(env.Receiver)
		if err != nil {
			return nil, decodeErr("invalid receiver", err)
		}
		return Response{Mode: mode, Record: *env.Record, Receiver: receiver}, nil

	case "":
		return nil, decodeErr("missing message kind", nil)

	default:
		return nil, decodeErr(fmt.Sprintf("unknown message kind %q", env.Kind), nil)
	}
}

// modeFromWire maps unknown mode kinds to ModeInvalid so the request handler
// decides what to do with them. A malformed peer identity is a decode error.
func modeFromWire(wm wireMode) (Mode, error) {
	switch wm.Kind {
	case ModeAll.String():
		return All(), nil
	case ModeOne.String():
		if wm.Peer == "" {
			return Mode{Kind: ModeOne}, nil
		}
		target, err := peer.Decode(wm.Peer)
		if err != nil {
			return Mode{}, decodeErr("invalid target peer", err)
		}
		return One(target), nil
	default:
		return Mode{Kind: ModeInvalid}, nil
	}
}

func checkSize(data []byte, maxSize int) error {
	if len(data) == 0 {
		return decodeErr("empty payload", nil)
	}
	if len(data) > maxSize {
		return decodeErr(fmt.Sprintf("%d bytes", len(data)), ErrMessageTooLarge)
	}
	return nil
}
