package signalling

import "fmt"

// ParseError means a signalling payload could not be decoded: malformed
// JSON, an unknown discriminator, or an unknown field in a nested
// subscription record.
type ParseError struct{ Err error }

func (e *ParseError) Error() string { return fmt.Sprintf("parse error: %v", e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// PreconditionError means the message was well-formed but violated a
// state invariant: joining twice, subscribing twice, blocking before
// joining, subscribing to a nonexistent publisher, or a full room.
type PreconditionError struct{ Err error }

func (e *PreconditionError) Error() string { return e.Err.Error() }
func (e *PreconditionError) Unwrap() error { return e.Err }

// NegotiationError means SDP negotiation failed: an unparsable offer or
// an unknown JSEP kind.
type NegotiationError struct{ Err error }

func (e *NegotiationError) Error() string { return fmt.Sprintf("negotiation error: %v", e.Err) }
func (e *NegotiationError) Unwrap() error { return e.Err }
