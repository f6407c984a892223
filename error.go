package avroipc

import (
	"errors"
	"fmt"

	"github.com/srand/avroipc/transport"
)

var (
	ErrProtocolViolation  = &Error{"protocol violation"}
	ErrConnClosed         = &Error{"connection closed"}
	ErrHandshakeRequired  = &Error{"handshake required before calls"}
	ErrNoProtocol         = &Error{"no protocol negotiated"}
	ErrUnknownMethod      = &Error{"unknown method"}
	ErrMissingArgument    = &Error{"missing argument"}
	ErrUnexpectedArgument = &Error{"unexpected argument"}
	ErrInvalidOutput      = &Error{"output must be a non-nil pointer"}
)

// Error represents an error in the avroipc package.
type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// RemoteError is returned when the server answers a call with its error flag
// set. The connection stays usable.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error from %s: %s", e.Method, e.Message)
}

// NegotiationError is returned when the server keeps answering NONE after
// the allowed number of handshake retries.
type NegotiationError struct {
	Attempts   int
	ServerHash [16]byte
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("handshake not accepted after %d attempts (server hash %x)", e.Attempts, e.ServerHash)
}

// IsTransportError reports whether err came from the stream itself, in which
// case the connection must be discarded.
func IsTransportError(err error) bool {
	var opErr *transport.OpError
	return errors.As(err, &opErr)
}
