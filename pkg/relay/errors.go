package relay

import (
	"errors"
	"fmt"
)

// Sentinel errors for the relay package.
var (
	// ErrBufferFull indicates the pending-message queue hit its
	// configured capacity.
	ErrBufferFull = errors.New("relay: pending message buffer is full")

	// ErrSessionClosed indicates the session already ran its shutdown
	// protocol.
	ErrSessionClosed = errors.New("relay: session is closed")
)

// Wire error kinds surfaced to the client in the errorType field.
// Verification failures carry the type reported by the verification
// service instead.
const (
	TypeAuthorization       = "AuthorizationError"
	TypeQuotaExceeded       = "QuotaExceededError"
	TypeUpstreamUnavailable = "UpstreamUnavailableError"
	TypeBufferOverflow      = "BufferOverflowError"
	TypeServerShutdown      = "ServerShutdownError"
)

// Error is a session-fatal error with the kind and message relayed to the
// client before the socket closes.
type Error struct {
	// Type is the wire errorType.
	Type string

	// Message is the human-readable error message.
	Message string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("relay: %s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("relay: %s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a session-fatal Error.
func NewError(errorType, message string) *Error {
	return &Error{Type: errorType, Message: message}
}

// WrapError creates a session-fatal Error with an underlying cause.
func WrapError(errorType, message string, cause error) *Error {
	return &Error{Type: errorType, Message: message, Cause: cause}
}

// AsError extracts an *Error from err, wrapping unknown errors as an
// authorization failure so they still produce a well-formed client frame.
func AsError(err error) *Error {
	var relayErr *Error
	if errors.As(err, &relayErr) {
		return relayErr
	}
	return WrapError(TypeAuthorization, err.Error(), err)
}

// IsQuotaExceeded returns true if the error is a quota breach.
func IsQuotaExceeded(err error) bool {
	var relayErr *Error
	return errors.As(err, &relayErr) && relayErr.Type == TypeQuotaExceeded
}
