package memcachebin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/errgroup"

	"github.com/pior/memcachebin/binprot"
)

// Config holds the client configuration. The zero value is usable.
type Config struct {
	// MaxConnsPerNode is the maximum number of connections per server.
	// Calls pipeline on a connection, so the default of 1 is enough for most
	// workloads.
	MaxConnsPerNode int32

	// Timeout bounds each call whose context has no deadline.
	// Zero means DefaultTimeout, a negative value disables it.
	Timeout time.Duration

	// MaxConnLifetime is the maximum duration a connection can be reused.
	// Zero means no limit. Enforced by the health check loop.
	MaxConnLifetime time.Duration

	// MaxConnIdleTime is the maximum duration a connection can be idle before being closed.
	// Zero means no limit. Enforced by the health check loop.
	MaxConnIdleTime time.Duration

	// HealthCheckInterval is how often nodes are pinged, unhealthy nodes
	// restored and idle connections checked. Zero disables the loop;
	// CheckHealth can still be called explicitly.
	HealthCheckInterval time.Duration

	// Dialer is the net.Dialer used to create new connections.
	// If nil, the default net.Dialer is used.
	Dialer *net.Dialer

	// Pool is the connection pool factory.
	// If nil, uses NewChannelPool. NewPuddlePool is the alternative.
	Pool PoolFactory

	// Hasher maps keys to positions. If nil, uses XXH3Hasher.
	Hasher Hasher

	// Distribution assigns positions to servers.
	// If nil, uses a Ring with DefaultVirtualNodes points per server.
	Distribution Distribution

	// NewCircuitBreaker creates a circuit breaker for a server.
	// Called once per server address when its node is created.
	// If nil, no circuit breaker is used.
	NewCircuitBreaker func(serverAddr string) *gobreaker.CircuitBreaker[bool]

	// CounterSeeding selects how IncrementOrSeed creates missing counters.
	CounterSeeding CounterSeeding

	// Logger receives node health and topology events.
	// If nil, nothing is logged.
	Logger logrus.FieldLogger
}

func (c Config) withDefaults() Config {
	if c.MaxConnsPerNode <= 0 {
		c.MaxConnsPerNode = 1
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Dialer == nil {
		c.Dialer = &net.Dialer{}
	}
	if c.Pool == nil {
		c.Pool = NewChannelPool
	}
	if c.Hasher == nil {
		c.Hasher = XXH3Hasher
	}
	if c.Distribution == nil {
		c.Distribution = Ring(DefaultVirtualNodes)
	}
	if c.Logger == nil {
		logger := logrus.New()
		logger.SetOutput(io.Discard)
		c.Logger = logger
	}
	return c
}

// Client is a memcached client for one or many servers.
//
// Keyed operations are routed to the node owning the key. Server-wide
// operations (Flush, Stats, Version) run on every healthy node and report
// one result per node.
type Client struct {
	*Commands

	config Config
	router *Router
	stats  *clientStatsCollector

	closed          atomic.Bool
	stopHealthCheck chan struct{}
	wg              sync.WaitGroup
}

// NewClient creates a client for servers, given as host:port addresses.
// Connections are opened lazily.
func NewClient(servers []string, config Config) (*Client, error) {
	if len(servers) == 0 {
		return nil, fmt.Errorf("memcache: no servers provided")
	}

	config = config.withDefaults()

	c := &Client{
		config:          config,
		stats:           newClientStatsCollector(),
		stopHealthCheck: make(chan struct{}),
	}
	c.Commands = NewCommands(routedExecutor{c}, WithCounterSeeding(config.CounterSeeding))
	c.router = newRouter(config.Hasher, config.Distribution, func(addr string) (*Node, error) {
		return NewNode(addr, config)
	}, config.Logger)

	if err := c.router.SetServers(servers); err != nil {
		return nil, err
	}

	if config.HealthCheckInterval > 0 {
		c.wg.Add(1)
		go c.healthCheckLoop()
	}

	return c, nil
}

// NewClientFromURL creates a client from a memcache://host:port[,host:port]
// target.
func NewClientFromURL(target string, config Config) (*Client, error) {
	servers, err := ParseServers(target)
	if err != nil {
		return nil, err
	}
	return NewClient(servers, config)
}

// Close stops the health check loop and closes every connection.
// Calls made after Close fail with ErrClientClosed.
func (c *Client) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	close(c.stopHealthCheck)
	c.wg.Wait()
	c.router.close()
}

// routedExecutor sends each request to the node owning its key. Server-wide
// requests (Flush, Stat, Version, Noop) have no owner and are refused.
type routedExecutor struct {
	c *Client
}

func (e routedExecutor) Execute(ctx context.Context, req *binprot.Request) ([]*binprot.Response, error) {
	if e.c.closed.Load() {
		return nil, ErrClientClosed
	}
	switch req.Opcode {
	case binprot.OpFlush, binprot.OpStat, binprot.OpVersion, binprot.OpNoop:
		return nil, fmt.Errorf("%w: %s", ErrNotRoutable, req.Opcode)
	}

	node, err := e.c.router.Route(req.Key)
	if err != nil {
		e.c.stats.record(req.Opcode, false, err)
		return nil, err
	}

	frames, err := node.Execute(ctx, req)
	hit := err == nil && len(frames) == 1 && frames[0].IsSuccess()
	e.c.stats.record(req.Opcode, hit, err)
	return frames, err
}

// Route returns the node that currently owns key.
func (c *Client) Route(key string) (*Node, error) {
	return c.router.Route(key)
}

// GetMulti returns the items of keys in the same order, with Found=false for
// misses. Keys are grouped by node and each group is pipelined as quiet gets;
// nodes are queried concurrently.
func (c *Client) GetMulti(ctx context.Context, keys []string) ([]Item, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	if len(keys) == 0 {
		return nil, nil
	}

	groups := make(map[*Node][]int)
	for i, key := range keys {
		if err := binprot.ValidateKey(key); err != nil {
			return nil, err
		}
		node, err := c.router.Route(key)
		if err != nil {
			c.stats.recordError(err)
			return nil, err
		}
		groups[node] = append(groups[node], i)
	}

	items := make([]Item, len(keys))
	var g errgroup.Group

	for node, indexes := range groups {
		g.Go(func() error {
			nodeKeys := make([]string, len(indexes))
			for j, i := range indexes {
				nodeKeys[j] = keys[i]
			}

			got, err := NewBatchCommands(node).GetMulti(ctx, nodeKeys)
			if err != nil {
				c.stats.record(binprot.OpGets, false, err)
				return fmt.Errorf("memcache: get multi on %s: %w", node.Addr(), err)
			}

			for j, i := range indexes {
				c.stats.record(binprot.OpGets, got[j].Found, nil)
				items[i] = got[j]
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return items, nil
}

// nodeCommands runs fn with single-node Commands on every node of the
// current topology, recording op in the client stats.
func nodeCommands[T any](ctx context.Context, c *Client, op binprot.Opcode, all bool, fn func(context.Context, *Commands) (T, error)) (map[string]NodeResult[T], error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}

	results, err := broadcast(ctx, c.router.topo.Load(), all, func(ctx context.Context, n *Node) (T, error) {
		v, err := fn(ctx, NewCommands(n, WithCounterSeeding(c.config.CounterSeeding)))
		c.stats.record(op, false, err)
		return v, err
	})
	if err != nil {
		c.stats.recordError(err)
	}
	return results, err
}

// Flush invalidates all items on every healthy node.
func (c *Client) Flush(ctx context.Context) (map[string]NodeResult[struct{}], error) {
	return nodeCommands(ctx, c, binprot.OpFlush, false, func(ctx context.Context, cmds *Commands) (struct{}, error) {
		return struct{}{}, cmds.Flush(ctx)
	})
}

// FlushWithDelay invalidates all items on every healthy node once delay has
// passed.
func (c *Client) FlushWithDelay(ctx context.Context, delay time.Duration) (map[string]NodeResult[struct{}], error) {
	return nodeCommands(ctx, c, binprot.OpFlush, false, func(ctx context.Context, cmds *Commands) (struct{}, error) {
		return struct{}{}, cmds.FlushWithDelay(ctx, delay)
	})
}

// Stats returns the statistics of group from every healthy node.
func (c *Client) Stats(ctx context.Context, group string) (map[string]NodeResult[map[string]string], error) {
	return nodeCommands(ctx, c, binprot.OpStat, false, func(ctx context.Context, cmds *Commands) (map[string]string, error) {
		return cmds.Stats(ctx, group)
	})
}

// Version returns the version of every healthy node.
func (c *Client) Version(ctx context.Context) (map[string]NodeResult[string], error) {
	return nodeCommands(ctx, c, binprot.OpVersion, false, func(ctx context.Context, cmds *Commands) (string, error) {
		return cmds.Version(ctx)
	})
}

// Noop round-trips a Noop with every healthy node and returns the joined
// errors.
func (c *Client) Noop(ctx context.Context) error {
	results, err := nodeCommands(ctx, c, binprot.OpNoop, false, func(ctx context.Context, cmds *Commands) (struct{}, error) {
		return struct{}{}, cmds.Noop(ctx)
	})
	if err != nil {
		return err
	}

	var errs []error
	for addr, r := range results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", addr, r.Err))
		}
	}
	return errors.Join(errs...)
}

// CheckHealth pings every node, unhealthy ones included. Nodes that answer
// are restored to routing; nodes that fail are isolated.
func (c *Client) CheckHealth(ctx context.Context) (map[string]NodeResult[struct{}], error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}

	return broadcast(ctx, c.router.topo.Load(), true, func(ctx context.Context, n *Node) (struct{}, error) {
		if err := n.Ping(ctx); err != nil {
			n.markUnhealthy(err)
			return struct{}{}, err
		}
		n.markHealthy()
		return struct{}{}, nil
	})
}

func (c *Client) healthCheckLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopHealthCheck:
			return
		case <-ticker.C:
			c.runHealthCheck()
		}
	}
}

func (c *Client) runHealthCheck() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.stopHealthCheck:
			cancel()
		case <-ctx.Done():
		}
	}()

	results, err := c.CheckHealth(ctx)
	if err != nil {
		c.config.Logger.WithError(err).Debug("memcache: health check skipped")
		return
	}
	for addr, r := range results {
		if r.Err != nil {
			c.config.Logger.WithError(r.Err).WithField("addr", addr).Debug("memcache: health check failed")
		}
	}

	for _, n := range c.router.Nodes() {
		n.maintain(ctx, c.config.MaxConnLifetime, c.config.MaxConnIdleTime)
	}
}

// Servers returns the current server addresses.
func (c *Client) Servers() []string {
	return c.router.Servers()
}

// SetServers replaces the server list.
func (c *Client) SetServers(servers []string) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	return c.router.SetServers(servers)
}

// AddServer adds a server to the topology.
func (c *Client) AddServer(addr string) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	return c.router.AddServer(addr)
}

// RemoveServer removes a server from the topology and closes its connections.
func (c *Client) RemoveServer(addr string) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	return c.router.RemoveServer(addr)
}

// ClientStats returns a snapshot of client statistics.
func (c *Client) ClientStats() ClientStats {
	return c.stats.snapshot()
}

// AllPoolStats returns the stats of every node in the current topology.
func (c *Client) AllPoolStats() []NodeStats {
	nodes := c.router.Nodes()
	stats := make([]NodeStats, 0, len(nodes))
	for _, n := range nodes {
		stats = append(stats, n.Stats())
	}
	return stats
}
