package binprot

import (
	"context"
	"errors"
	"fmt"
)

// ErrIncompleteFrame is returned by the Decode functions when the buffer
// holds less than one full frame. It signals that the caller must read more
// bytes, not that the stream is corrupt.
var ErrIncompleteFrame = errors.New("binprot: incomplete frame")

// ProtocolError reports a malformed or inconsistent frame: bad magic, a body
// length that cannot hold its key and extras, or a response that does not
// belong to any outstanding request.
//
// Connection handling: CLOSE, the stream position can no longer be trusted.
type ProtocolError struct {
	Message string
	Err     error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return "binprot: protocol error: " + e.Message + ": " + e.Err.Error()
	}
	return "binprot: protocol error: " + e.Message
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func (e *ProtocolError) ShouldCloseConnection() bool {
	return true
}

// ConnectionError wraps transport failures (refused, reset, closed, DNS).
//
// Connection handling: CLOSE, the next call reconnects lazily.
type ConnectionError struct {
	Op   string // dial, read, write
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("binprot: connection error during %s to %s: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("binprot: connection error during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

func (e *ConnectionError) ShouldCloseConnection() bool {
	return true
}

// StatusError is returned when the server answers with a status outside the
// set the command knows how to interpret. The raw code is kept so callers can
// inspect statuses this client does not recognize.
//
// Connection handling: REUSE, the frame was well formed.
type StatusError struct {
	Op     Opcode
	Status Status
	// Message is the response body; servers put a human readable reason there.
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("binprot: unexpected status %s for %s: %s", e.Status, e.Op, e.Message)
	}
	return fmt.Sprintf("binprot: unexpected status %s for %s", e.Status, e.Op)
}

func (e *StatusError) ShouldCloseConnection() bool {
	return false
}

// InvalidKeyError is returned when a key violates the length limits. The
// request is rejected before anything is written.
type InvalidKeyError struct {
	Message string
}

func (e *InvalidKeyError) Error() string {
	return "binprot: invalid key: " + e.Message
}

func (e *InvalidKeyError) ShouldCloseConnection() bool {
	return false
}

// ArgumentError is returned when a request does not have the shape its opcode
// requires (extras size, forbidden key or value). Nothing is sent.
type ArgumentError struct {
	Op      Opcode
	Message string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("binprot: invalid %s request: %s", e.Op, e.Message)
}

func (e *ArgumentError) ShouldCloseConnection() bool {
	return false
}

// ErrorWithConnectionState is implemented by errors that know whether the
// connection that produced them is still usable.
type ErrorWithConnectionState interface {
	error
	ShouldCloseConnection() bool
}

// ShouldCloseConnection reports whether err leaves the connection in an
// unknown state.
//
// Returns false for nil, context cancellation and deadline errors, and for
// errors that say so themselves. Unknown errors are treated conservatively.
func ShouldCloseConnection(err error) bool {
	if err == nil {
		return false
	}

	var e ErrorWithConnectionState
	if errors.As(err, &e) {
		return e.ShouldCloseConnection()
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	return true
}
