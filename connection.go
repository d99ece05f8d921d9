package memcachebin

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pior/memcachebin/binprot"
	"github.com/pior/memcachebin/internal"
	"github.com/pior/memcachebin/internal/coarsetime"
)

var requestBuffers = internal.NewBufferPool(512)

// defaultMaxAbandoned is how many timed out calls may wait for a late answer
// before the server is deemed unresponsive and the connection is failed.
const defaultMaxAbandoned = 128

// Connection is a single pipelined stream to one server.
//
// Any number of goroutines may Send on a connection concurrently; each gets a
// token (the request opaque) and waits for its own response with Receive.
// Responses are matched by opaque only, so they may arrive in any order.
//
// A response that matches no outstanding request, a malformed frame or a
// transport error is fatal: every outstanding call fails and the connection
// stays closed. Callers detect this with IsClosed and open a new one.
type Connection struct {
	addr   string
	conn   net.Conn
	reader *bufio.Reader

	// wmu serializes frame writes so frames never interleave on the wire.
	wmu sync.Mutex

	mu       sync.Mutex
	pending  map[uint32]*call
	quiet    []*call // quiet calls in send order, resolved by later answers
	opaque   uint32
	seq      uint64
	inFlight int
	err      error

	abandoned    int // calls given up on and still unanswered
	maxAbandoned int

	lastUsed atomic.Int64
	done     chan struct{} // closed when the read loop exits
}

// call is the pending-result slot of one request.
type call struct {
	op        binprot.Opcode
	opaque    uint32
	seq       uint64
	frames    []*binprot.Response
	err       error
	completed bool
	abandoned bool
	done      chan struct{}
}

// NewConnection wraps an established transport and starts reading from it.
func NewConnection(conn net.Conn) *Connection {
	c := &Connection{
		addr:    conn.RemoteAddr().String(),
		conn:    conn,
		reader:  bufio.NewReaderSize(conn, 16<<10),
		pending:      make(map[uint32]*call),
		maxAbandoned: defaultMaxAbandoned,
		done:         make(chan struct{}),
	}
	c.lastUsed.Store(coarsetime.UnixNano())

	go c.readLoop()
	return c
}

// Addr returns the remote address.
func (c *Connection) Addr() string {
	return c.addr
}

// Send writes req and returns the token to pass to Receive.
//
// A zero req.Opaque gets a fresh opaque assigned; a caller supplied opaque
// must not be outstanding on this connection (ErrOpaqueInUse). req is not
// modified.
func (c *Connection) Send(ctx context.Context, req *binprot.Request) (uint32, error) {
	tokens, err := c.SendBatch(ctx, []*binprot.Request{req})
	if err != nil {
		return 0, err
	}
	return tokens[0], nil
}

// SendBatch writes all requests in a single write and returns their tokens in
// order. Either every request is registered and written, or none is.
func (c *Connection) SendBatch(ctx context.Context, reqs []*binprot.Request) ([]uint32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, req := range reqs {
		if err := req.Validate(); err != nil {
			return nil, err
		}
	}

	buf := requestBuffers.Get()
	defer requestBuffers.Put(buf)

	c.wmu.Lock()
	defer c.wmu.Unlock()

	calls, err := c.register(reqs)
	if err != nil {
		return nil, err
	}

	tokens := make([]uint32, len(reqs))
	for i, req := range reqs {
		r := *req
		r.Opaque = calls[i].opaque
		frame, err := binprot.AppendRequest(buf.AvailableBuffer(), &r)
		if err != nil {
			c.unregister(calls)
			return nil, err
		}
		buf.Write(frame)
		tokens[i] = r.Opaque
	}

	deadline, _ := ctx.Deadline()
	_ = c.conn.SetWriteDeadline(deadline)

	if _, err := c.conn.Write(buf.Bytes()); err != nil {
		werr := &binprot.ConnectionError{Op: "write", Addr: c.addr, Err: err}
		c.fail(werr)
		return nil, werr
	}

	c.lastUsed.Store(coarsetime.UnixNano())
	return tokens, nil
}

func (c *Connection) register(reqs []*binprot.Request) ([]*call, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil {
		return nil, c.err
	}

	calls := make([]*call, 0, len(reqs))
	for _, req := range reqs {
		opaque := req.Opaque
		if opaque == 0 {
			opaque = c.nextOpaqueLocked()
		} else if _, busy := c.pending[opaque]; busy {
			c.unregisterLocked(calls)
			return nil, ErrOpaqueInUse
		}

		c.seq++
		cl := &call{op: req.Opcode, opaque: opaque, seq: c.seq, done: make(chan struct{})}
		c.pending[opaque] = cl
		c.inFlight++
		if req.Opcode.Quiet() {
			c.quiet = append(c.quiet, cl)
		}
		calls = append(calls, cl)
	}
	return calls, nil
}

func (c *Connection) unregister(calls []*call) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unregisterLocked(calls)
}

// unregisterLocked forgets calls that were never written. Stale entries left
// in c.quiet are skipped by resolveQuietLocked.
func (c *Connection) unregisterLocked(calls []*call) {
	for _, cl := range calls {
		if c.pending[cl.opaque] == cl {
			delete(c.pending, cl.opaque)
			c.inFlight--
		}
	}
}

func (c *Connection) nextOpaqueLocked() uint32 {
	for {
		c.opaque++
		if c.opaque == 0 {
			continue
		}
		if _, busy := c.pending[c.opaque]; !busy {
			return c.opaque
		}
	}
}

// Receive waits for the response frames of the request identified by token.
//
// Most requests produce exactly one frame. Stat produces one frame per
// statistic (the terminator is not included). A quiet get that missed
// produces no frame at all.
//
// When ctx ends first, Receive returns a *TimeoutError (deadline) or the
// context error (cancellation). The request stays registered so its late
// response is recognized and dropped.
func (c *Connection) Receive(ctx context.Context, token uint32) ([]*binprot.Response, error) {
	c.mu.Lock()
	cl, ok := c.pending[token]
	if !ok || cl.abandoned {
		c.mu.Unlock()
		return nil, ErrUnknownToken
	}
	c.mu.Unlock()

	select {
	case <-cl.done:
	case <-ctx.Done():
		c.mu.Lock()
		select {
		case <-cl.done:
			c.mu.Unlock()
		default:
			unresponsive := c.abandonLocked(cl)
			c.mu.Unlock()
			if unresponsive {
				c.fail(&binprot.ConnectionError{Op: "read", Addr: c.addr, Err: ErrUnresponsive})
			}
			return nil, c.waitError(ctx, cl)
		}
	}

	c.mu.Lock()
	if c.pending[token] == cl {
		delete(c.pending, token)
	}
	c.mu.Unlock()

	return cl.frames, cl.err
}

// abandon gives up on tokens that will not be received.
func (c *Connection) abandon(tokens []uint32) {
	c.mu.Lock()
	unresponsive := false
	for _, token := range tokens {
		cl, ok := c.pending[token]
		if !ok {
			continue
		}
		if cl.completed {
			delete(c.pending, token)
			continue
		}
		if c.abandonLocked(cl) {
			unresponsive = true
		}
	}
	c.mu.Unlock()

	if unresponsive {
		c.fail(&binprot.ConnectionError{Op: "read", Addr: c.addr, Err: ErrUnresponsive})
	}
}

// abandonLocked leaves cl registered so its late answer is dropped. It
// reports whether too many abandoned calls are now outstanding.
func (c *Connection) abandonLocked(cl *call) bool {
	if !cl.abandoned {
		cl.abandoned = true
		c.abandoned++
	}
	return c.maxAbandoned > 0 && c.abandoned >= c.maxAbandoned
}

func (c *Connection) waitError(ctx context.Context, cl *call) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Op: cl.op, Addr: c.addr, Err: err}
	}
	return err
}

// Execute sends req and waits for its response frames.
func (c *Connection) Execute(ctx context.Context, req *binprot.Request) ([]*binprot.Response, error) {
	token, err := c.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	return c.Receive(ctx, token)
}

func (c *Connection) readLoop() {
	defer close(c.done)

	for {
		resp, err := binprot.ReadResponse(c.reader)
		if err != nil {
			var protoErr *binprot.ProtocolError
			if !errors.As(err, &protoErr) {
				err = &binprot.ConnectionError{Op: "read", Addr: c.addr, Err: err}
			}
			c.fail(err)
			return
		}

		c.mu.Lock()
		err = c.dispatchLocked(resp)
		c.mu.Unlock()

		if err != nil {
			c.fail(err)
			return
		}
	}
}

func (c *Connection) dispatchLocked(resp *binprot.Response) error {
	cl, ok := c.pending[resp.Opaque]
	if !ok || cl.completed {
		return &binprot.ProtocolError{Message: fmt.Sprintf("response opaque %d matches no outstanding request", resp.Opaque)}
	}
	if resp.Opcode != cl.op {
		return &binprot.ProtocolError{Message: fmt.Sprintf("%s response for %s request", resp.Opcode, cl.op)}
	}

	// The server answers in order, so quiet calls sent before this one that
	// are still unanswered were misses.
	if !cl.op.Quiet() {
		c.resolveQuietLocked(cl.seq)
	}

	if cl.op.MultiFrame() && resp.IsSuccess() {
		if resp.IsStatTerminator() {
			c.completeLocked(cl, nil)
		} else {
			cl.frames = append(cl.frames, resp)
		}
		return nil
	}

	cl.frames = append(cl.frames, resp)
	c.completeLocked(cl, nil)
	return nil
}

func (c *Connection) resolveQuietLocked(seq uint64) {
	n := 0
	for _, q := range c.quiet {
		if q.seq >= seq {
			break
		}
		if !q.completed && c.pending[q.opaque] == q {
			c.completeLocked(q, nil)
		}
		n++
	}
	c.quiet = c.quiet[n:]
}

func (c *Connection) completeLocked(cl *call, err error) {
	cl.completed = true
	cl.err = err
	c.inFlight--
	close(cl.done)

	if cl.abandoned {
		c.abandoned--
		delete(c.pending, cl.opaque)
	}
}

// fail closes the connection with err and fails every outstanding call.
// Only the first error is kept.
func (c *Connection) fail(err error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = err
	for _, cl := range c.pending {
		if !cl.completed {
			cl.frames = nil
			c.completeLocked(cl, err)
		}
	}
	c.quiet = nil
	c.mu.Unlock()

	_ = c.conn.Close()
}

// Close closes the connection. Outstanding calls fail with ErrConnectionClosed.
func (c *Connection) Close() error {
	c.fail(ErrConnectionClosed)
	<-c.done
	return nil
}

// IsClosed reports whether the connection can no longer be used.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err != nil
}

// Err returns the error that closed the connection, or nil.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// InFlight returns the number of requests written and not yet answered.
func (c *Connection) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// LastUsed returns the time of the last successful write.
func (c *Connection) LastUsed() time.Time {
	return time.Unix(0, c.lastUsed.Load())
}
