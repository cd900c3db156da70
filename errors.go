package pgwire

import (
	"errors"
	"fmt"
)

// ErrBadConn is returned when the session was poisoned by a transport
// or protocol failure. The connection must be discarded.
var ErrBadConn = errors.New("pgwire: connection is invalid")

// client-contract errors, raised before any byte is sent
var (
	// ErrParamCount is wrapped by parameter count mismatch errors
	ErrParamCount = errors.New("pgwire: parameter count mismatch")
	// ErrNoColumn is wrapped by out-of-range or unknown column accesses
	ErrNoColumn = errors.New("pgwire: no such column")
	// ErrOverFlow is returned when a parameter does not fit the target type
	ErrOverFlow = errors.New("pgwire: value overflows the destination type")
)

// ServerError is an error reported by the backend in an ErrorResponse.
// Those are recoverable at the statement level: the session stays usable,
// modulo the failed-transaction state.
type ServerError struct {
	Severity   string
	Code       string // SQLSTATE
	Message    string
	Detail     string
	Hint       string
	Position   string
	Where      string
	Schema     string
	Table      string
	Column     string
	Constraint string
	File       string
	Line       string
	Routine    string
}

// implement the error interface
func (e ServerError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s %s: %s\nDETAIL: %s", e.Severity, e.Code, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s %s: %s", e.Severity, e.Code, e.Message)
}

// ProtocolError indicates an unexpected or malformed message sequence.
// It poisons the session: either the codec or the server version is off,
// and the stream position can no longer be trusted.
type ProtocolError string

func (e ProtocolError) Error() string {
	return string(e)
}

// AuthError is a rejected or unsupported authentication handshake.
// The connection attempt is over; a server rejection is in Err.
type AuthError struct {
	Method string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pgwire: %s authentication failed: %s", e.Method, e.Err)
	}
	return fmt.Sprintf("pgwire: unsupported authentication method %s", e.Method)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// ConversionError reports a failed mapping between a wire value and a
// Go value, in either direction.
type ConversionError struct {
	OID    OID
	GoType string
	Reason string
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("pgwire: cannot convert between %s and oid %d: %s",
		e.GoType, e.OID, e.Reason)
}
