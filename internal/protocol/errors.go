package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownCodec is returned by NewCodec for an unsupported codec name.
	ErrUnknownCodec = errors.New("unknown codec")
	// ErrMessageTooLarge is wrapped by a DecodeError for oversized payloads.
	ErrMessageTooLarge = errors.New("message exceeds size limit")
	// ErrUnencodable is returned when asked to encode an invalid message.
	ErrUnencodable = errors.New("message cannot be encoded")
)

// DecodeError reports a malformed or unrecognized payload. It is never fatal:
// callers log it and drop the payload.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode: %s: %v", e.Reason, e.Err)
	}
	return "decode: " + e.Reason
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func decodeErr(reason string, err error) *DecodeError {
	return &DecodeError{Reason: reason, Err: err}
}

// RequestError reports a request whose mode cannot be acted upon.
type RequestError struct {
	Mode   Mode
	Reason string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request mode %s: %s", e.Mode, e.Reason)
}
