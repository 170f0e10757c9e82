package protocol

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// CBORCodec encodes messages as canonical CBOR maps.
type CBORCodec struct {
	maxSize int
	encMode cbor.EncMode
	decMode cbor.DecMode
}

// NewCBORCodec creates a CBOR codec rejecting payloads above maxSize bytes.
func NewCBORCodec(maxSize int) (*CBORCodec, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}

	encMode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("failed to create CBOR encoder: %w", err)
	}

	decMode, err := cbor.DecOptions{
		DupMapKey:       cbor.DupMapKeyEnforcedAPF,
		IndefLength:     cbor.IndefLengthForbidden,
		MaxNestedLevels: 8,
		MaxMapPairs:     32,
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("failed to create CBOR decoder: %w", err)
	}

	return &CBORCodec{
		maxSize: maxSize,
		encMode: encMode,
		decMode: decMode,
	}, nil
}

// Name returns CodecCBOR.
func (c *CBORCodec) Name() string { return CodecCBOR }

// Encode serializes a Request or Response.
func (c *CBORCodec) Encode(msg Message) ([]byte, error) {
	env, err := toEnvelope(msg)
	if err != nil {
		return nil, err
	}
	return c.encMode.Marshal(env)
}

// Decode parses a payload produced by Encode.
func (c *CBORCodec) Decode(data []byte) (Message, error) {
	if err := checkSize(data, c.maxSize); err != nil {
		return nil, err
	}

	var env envelope
	if err := c.decMode.Unmarshal(data, &env); err != nil {
		return nil, decodeErr("malformed cbor", err)
	}
	return fromEnvelope(env)
}
