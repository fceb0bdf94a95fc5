package contracts

import (
	"errors"
	"fmt"
)

var (
	ErrNilEnvelope        = errors.New("contracts: envelope is nil")
	ErrMissingMessageType = errors.New("contracts: message type is empty")
	ErrInvalidPayload     = errors.New("contracts: payload is not valid JSON")
	ErrMissingField       = errors.New("contracts: required field missing")
)

// EncodingError indicates a payload that could not be serialized to the
// wire format.
type EncodingError struct {
	MessageType string
	Err         error
}

func (e *EncodingError) Error() string {
	if e.MessageType != "" {
		return fmt.Sprintf("encode envelope %q: %v", e.MessageType, e.Err)
	}
	return fmt.Sprintf("encode envelope: %v", e.Err)
}

func (e *EncodingError) Unwrap() error {
	return e.Err
}

// DecodingError indicates wire bytes that could not be parsed into an
// envelope: malformed JSON or a missing required key.
type DecodingError struct {
	Field string
	Err   error
}

func (e *DecodingError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("decode envelope: field %q: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("decode envelope: %v", e.Err)
}

func (e *DecodingError) Unwrap() error {
	return e.Err
}
