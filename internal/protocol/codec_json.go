package protocol

import (
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// JSONCodec encodes messages as JSON objects.
type JSONCodec struct {
	maxSize int
}

// NewJSONCodec creates a JSON codec rejecting payloads above maxSize bytes.
func NewJSONCodec(maxSize int) *JSONCodec {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	return &JSONCodec{maxSize: maxSize}
}

// Name returns CodecJSON.
func (c *JSONCodec) Name() string { return CodecJSON }

// Encode serializes a Request or Response.
func (c *JSONCodec) Encode(msg Message) ([]byte, error) {
	env, err := toEnvelope(msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Decode parses a payload produced by Encode.
func (c *JSONCodec) Decode(data []byte) (Message, error) {
	if err := checkSize(data, c.maxSize); err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, decodeErr("malformed json", err)
	}
	return fromEnvelope(env)
}
