package wire

import (
	"errors"
	"fmt"
)

// Sentinel errors for message framing.
var (
	ErrMessageTooLarge = errors.New("wire: message exceeds maximum size")
	ErrUnexpectedType  = errors.New("wire: unexpected message type")
)

// ParseError indicates a failure to parse a message field. It wraps the
// underlying I/O or format error and records which field was being parsed.
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("wire: parse %s: %v", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
