package memcachebin

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"

	"github.com/pior/memcachebin/binprot"
)

// DefaultTimeout bounds a call whose context carries no deadline.
const DefaultTimeout = time.Second

// Node is one server of the cluster: its connection pool, its optional
// circuit breaker and its health flag.
//
// A Node is an Executor, so NewCommands(node) talks to a single server.
type Node struct {
	addr     string
	pool     Pool
	breaker  *gobreaker.CircuitBreaker[bool]
	timeout  time.Duration
	maxConns int32
	healthy  atomic.Bool
	logger   logrus.FieldLogger
}

var (
	_ Executor      = (*Node)(nil)
	_ BatchExecutor = (*Node)(nil)
)

// NodeStats describes the state of one node.
type NodeStats struct {
	Addr                 string
	Healthy              bool
	PoolStats            PoolStats
	CircuitBreakerState  gobreaker.State
	CircuitBreakerCounts gobreaker.Counts
}

// NewNode creates a node for addr. Connections are opened lazily on first use.
func NewNode(addr string, config Config) (*Node, error) {
	config = config.withDefaults()

	dialer := config.Dialer
	constructor := func(ctx context.Context) (*Connection, error) {
		netConn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, &binprot.ConnectionError{Op: "dial", Addr: addr, Err: err}
		}
		if tcp, ok := netConn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}
		return NewConnection(netConn), nil
	}

	pool, err := config.Pool(constructor, config.MaxConnsPerNode)
	if err != nil {
		return nil, err
	}

	n := &Node{
		addr:     addr,
		pool:     pool,
		timeout:  config.Timeout,
		maxConns: config.MaxConnsPerNode,
		logger:   config.Logger.WithField("addr", addr),
	}
	if config.NewCircuitBreaker != nil {
		n.breaker = config.NewCircuitBreaker(addr)
	}
	n.healthy.Store(true)
	return n, nil
}

func (n *Node) Addr() string {
	return n.addr
}

// Healthy reports whether the node takes part in routing.
func (n *Node) Healthy() bool {
	return n.healthy.Load()
}

func (n *Node) markUnhealthy(err error) {
	if n.healthy.CompareAndSwap(true, false) {
		n.logger.WithError(err).Warn("memcache: node marked unhealthy")
	}
}

func (n *Node) markHealthy() {
	if n.healthy.CompareAndSwap(false, true) {
		n.logger.Info("memcache: node restored")
	}
}

func (n *Node) observe(err error) {
	if isNodeFailure(err) {
		n.markUnhealthy(err)
	}
}

// Execute sends req and returns its response frames. The call is bounded by
// the node timeout when ctx has no deadline of its own.
func (n *Node) Execute(ctx context.Context, req *binprot.Request) ([]*binprot.Response, error) {
	var frames []*binprot.Response
	err := runBreaker(n.breaker, func() error {
		results, err := n.roundTrip(ctx, []*binprot.Request{req})
		if err != nil {
			return err
		}
		frames = results[0]
		return nil
	})
	return frames, err
}

// ExecuteBatch pipelines reqs followed by a Noop on one connection and returns
// the frames of each request in order. Quiet requests that missed have no
// frames.
func (n *Node) ExecuteBatch(ctx context.Context, reqs []*binprot.Request) ([][]*binprot.Response, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	batch := make([]*binprot.Request, 0, len(reqs)+1)
	batch = append(batch, reqs...)
	batch = append(batch, binprot.NewRequest(binprot.OpNoop, "", nil, nil))

	var results [][]*binprot.Response
	err := runBreaker(n.breaker, func() error {
		var err error
		results, err = n.roundTrip(ctx, batch)
		return err
	})
	if err != nil {
		return nil, err
	}
	return results[:len(reqs)], nil
}

func (n *Node) roundTrip(ctx context.Context, reqs []*binprot.Request) ([][]*binprot.Response, error) {
	if _, ok := ctx.Deadline(); !ok && n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}

	conn, tokens, err := n.send(ctx, reqs)
	if err != nil {
		n.observe(err)
		return nil, err
	}

	results := make([][]*binprot.Response, len(tokens))
	for i, token := range tokens {
		frames, err := conn.Receive(ctx, token)
		if err != nil {
			conn.abandon(tokens[i+1:])
			n.observe(err)
			return nil, err
		}
		results[i] = frames
	}
	return results, nil
}

// send holds a pooled connection only for the write. Connections found
// closed are destroyed so the pool replaces them.
func (n *Node) send(ctx context.Context, reqs []*binprot.Request) (*Connection, []uint32, error) {
	for range n.maxConns + 1 {
		res, err := n.pool.Acquire(ctx)
		if err != nil {
			return nil, nil, err
		}

		conn := res.Value()
		if conn.IsClosed() {
			res.Destroy()
			continue
		}

		tokens, err := conn.SendBatch(ctx, reqs)
		if conn.IsClosed() {
			res.Destroy()
		} else {
			res.Release()
		}
		if err != nil {
			return nil, nil, err
		}
		return conn, tokens, nil
	}
	return nil, nil, &binprot.ConnectionError{Op: "acquire", Addr: n.addr, Err: ErrConnectionClosed}
}

// Ping sends a Noop through the pool.
func (n *Node) Ping(ctx context.Context) error {
	frames, err := n.Execute(ctx, binprot.NewRequest(binprot.OpNoop, "", nil, nil))
	if err != nil {
		return err
	}
	resp, err := single(frames)
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return resp.StatusError()
	}
	return nil
}

// maintain destroys idle connections that are closed, too old, idle for
// too long or that fail a Noop. Zero limits are ignored.
//
// A pooled connection may still carry calls waiting for their answers.
// Those are left alone and looked at again on a later pass.
func (n *Node) maintain(ctx context.Context, maxLifetime, maxIdle time.Duration) {
	now := time.Now()

	for _, res := range n.pool.AcquireAllIdle() {
		conn := res.Value()
		switch {
		case conn.IsClosed():
			res.Destroy()
		case conn.InFlight() > 0:
			res.ReleaseUnused()
		case maxLifetime > 0 && now.Sub(res.CreationTime()) > maxLifetime:
			res.Destroy()
		case maxIdle > 0 && res.IdleDuration() > maxIdle:
			res.Destroy()
		default:
			if err := n.pingConn(ctx, conn); err != nil {
				n.logger.WithError(err).Debug("memcache: idle connection failed health check")
				res.Destroy()
				continue
			}
			res.ReleaseUnused()
		}
	}
}

func (n *Node) pingConn(ctx context.Context, conn *Connection) error {
	timeout := n.timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	frames, err := conn.Execute(ctx, binprot.NewRequest(binprot.OpNoop, "", nil, nil))
	if err != nil {
		return err
	}
	resp, err := single(frames)
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return resp.StatusError()
	}
	return nil
}

func (n *Node) Stats() NodeStats {
	stats := NodeStats{
		Addr:      n.addr,
		Healthy:   n.Healthy(),
		PoolStats: n.pool.Stats(),
	}
	if n.breaker != nil {
		stats.CircuitBreakerState = n.breaker.State()
		stats.CircuitBreakerCounts = n.breaker.Counts()
	}
	return stats
}

// Close closes the pool and its connections.
func (n *Node) Close() {
	n.pool.Close()
}
