package memcachebin

import (
	"errors"
	"fmt"

	"github.com/pior/memcachebin/binprot"
)

var (
	// ErrClientClosed is returned by every operation after Client.Close.
	ErrClientClosed = errors.New("memcache: client closed")

	// ErrConnectionClosed fails the calls still pending when a connection is
	// closed locally.
	ErrConnectionClosed = errors.New("memcache: connection closed")

	// ErrOpaqueInUse is returned by Connection.Send when the caller supplied an
	// opaque that is already outstanding on the connection.
	ErrOpaqueInUse = errors.New("memcache: opaque already in use")

	// ErrUnknownToken is returned by Connection.Receive for a token that was
	// never issued or was already received.
	ErrUnknownToken = errors.New("memcache: unknown request token")

	// ErrUnresponsive fails a connection on which too many timed out calls
	// are still waiting for an answer.
	ErrUnresponsive = errors.New("memcache: server unresponsive")

	// ErrNotRoutable is returned when a server-wide request is sent through
	// the Client's routed Commands. Use the Client methods, which run on
	// every node.
	ErrNotRoutable = errors.New("memcache: server-wide request cannot be routed by key")

	// ErrNoServersAvailable is wrapped by ClusterError.
	ErrNoServersAvailable = errors.New("memcache: no servers available")

	// ErrNodeUnhealthy marks a node skipped by a broadcast because it is
	// isolated.
	ErrNodeUnhealthy = errors.New("memcache: node unhealthy")

	// ErrCASRequired is returned by CompareAndSwap for an item without a CAS token.
	ErrCASRequired = errors.New("memcache: cas token required")
)

// TimeoutError reports that the local wait for a response exceeded its
// deadline.
//
// The request may still have been applied by the server: a timed out
// mutation is indeterminate and must be treated as maybe applied.
type TimeoutError struct {
	Op   binprot.Opcode
	Addr string
	Err  error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("memcache: %s on %s timed out (maybe applied): %v", e.Op, e.Addr, e.Err)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// ShouldCloseConnection is false: the late response is matched and dropped.
func (e *TimeoutError) ShouldCloseConnection() bool {
	return false
}

// ClusterError is returned when no healthy node can serve a request.
type ClusterError struct {
	Key   string // empty for broadcasts
	Nodes int    // nodes in the topology
}

func (e *ClusterError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("memcache: no healthy node among %d for broadcast", e.Nodes)
	}
	return fmt.Sprintf("memcache: no healthy node among %d for key %q", e.Nodes, e.Key)
}

func (e *ClusterError) Unwrap() error {
	return ErrNoServersAvailable
}

// isNodeFailure reports whether err means the node itself is broken: the
// transport failed or the stream was corrupted.
func isNodeFailure(err error) bool {
	var connErr *binprot.ConnectionError
	var protoErr *binprot.ProtocolError
	return errors.As(err, &connErr) || errors.As(err, &protoErr)
}

// isBreakerFailure is isNodeFailure plus timeouts. Server statuses and
// caller cancellations never trip a breaker.
func isBreakerFailure(err error) bool {
	var timeoutErr *TimeoutError
	return isNodeFailure(err) || errors.As(err, &timeoutErr)
}
