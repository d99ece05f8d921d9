package memcachebin

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// topology is an immutable snapshot of the cluster. It is replaced as a whole
// on every change; routing decisions use the snapshot loaded when they start.
type topology struct {
	nodes     []*Node
	addrs     []string
	placement Placement
}

func (t *topology) live(i int) bool {
	return t.nodes[i].Healthy()
}

func (t *topology) healthyCount() int {
	n := 0
	for _, node := range t.nodes {
		if node.Healthy() {
			n++
		}
	}
	return n
}

// Router maps keys to nodes and publishes topology changes atomically.
type Router struct {
	hasher       Hasher
	distribution Distribution
	newNode      func(addr string) (*Node, error)
	logger       logrus.FieldLogger

	mu     sync.Mutex // serializes topology changes
	closed bool
	topo   atomic.Pointer[topology]
}

func newRouter(hasher Hasher, distribution Distribution, newNode func(string) (*Node, error), logger logrus.FieldLogger) *Router {
	r := &Router{
		hasher:       hasher,
		distribution: distribution,
		newNode:      newNode,
		logger:       logger,
	}
	r.topo.Store(&topology{placement: distribution.Place(nil, hasher)})
	return r
}

// Route returns the node owning key among the healthy nodes.
// It fails with a *ClusterError when no node is healthy.
func (r *Router) Route(key string) (*Node, error) {
	t := r.topo.Load()
	i := t.placement.Pick(r.hasher.Hash(key), t.live)
	if i < 0 {
		return nil, &ClusterError{Key: key, Nodes: len(t.nodes)}
	}
	return t.nodes[i], nil
}

// Nodes returns the nodes of the current snapshot.
func (r *Router) Nodes() []*Node {
	return slices.Clone(r.topo.Load().nodes)
}

// Servers returns the addresses of the current snapshot, in order.
func (r *Router) Servers() []string {
	return slices.Clone(r.topo.Load().addrs)
}

// SetServers replaces the topology. Nodes of retained addresses are kept with
// their connections and marked healthy; nodes of removed addresses are closed
// after the new snapshot is published.
func (r *Router) SetServers(addrs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setServersLocked(addrs)
}

// AddServer adds addr to the topology. Adding a known address is a no-op.
func (r *Router) AddServer(addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	addrs := r.topo.Load().addrs
	if slices.Contains(addrs, addr) {
		return nil
	}
	return r.setServersLocked(append(slices.Clone(addrs), addr))
}

// RemoveServer removes addr from the topology.
func (r *Router) RemoveServer(addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	addrs := r.topo.Load().addrs
	if r.closed {
		return ErrClientClosed
	}
	if !slices.Contains(addrs, addr) {
		return fmt.Errorf("memcache: unknown server %q", addr)
	}
	return r.setServersLocked(slices.DeleteFunc(slices.Clone(addrs), func(a string) bool { return a == addr }))
}

func (r *Router) setServersLocked(addrs []string) error {
	if r.closed {
		return ErrClientClosed
	}

	old := r.topo.Load()
	existing := make(map[string]*Node, len(old.nodes))
	for _, n := range old.nodes {
		existing[n.addr] = n
	}

	next := &topology{}
	var created []*Node
	for _, addr := range addrs {
		if slices.Contains(next.addrs, addr) {
			continue
		}

		n, ok := existing[addr]
		if !ok {
			var err error
			n, err = r.newNode(addr)
			if err != nil {
				for _, c := range created {
					c.Close()
				}
				return fmt.Errorf("memcache: create node %s: %w", addr, err)
			}
			created = append(created, n)
		}
		next.nodes = append(next.nodes, n)
		next.addrs = append(next.addrs, addr)
	}
	next.placement = r.distribution.Place(next.addrs, r.hasher)

	for _, n := range next.nodes {
		n.markHealthy()
	}
	r.topo.Store(next)

	for addr, n := range existing {
		if !slices.Contains(next.addrs, addr) {
			n.Close()
		}
	}

	r.logger.WithField("nodes", len(next.nodes)).Info("memcache: topology published")
	return nil
}

// close closes every node and leaves an empty topology. Later topology
// changes fail with ErrClientClosed.
func (r *Router) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true

	old := r.topo.Swap(&topology{placement: r.distribution.Place(nil, r.hasher)})
	for _, n := range old.nodes {
		n.Close()
	}
}

// NodeResult is the outcome of a broadcast on one node.
type NodeResult[T any] struct {
	Addr  string
	Value T
	Err   error
}

// broadcast runs fn concurrently on every node of t. Unhealthy nodes are
// skipped and reported with ErrNodeUnhealthy unless all is set. One node's
// failure never stops the others.
func broadcast[T any](ctx context.Context, t *topology, all bool, fn func(context.Context, *Node) (T, error)) (map[string]NodeResult[T], error) {
	if len(t.nodes) == 0 || (!all && t.healthyCount() == 0) {
		return nil, &ClusterError{Nodes: len(t.nodes)}
	}

	results := make(map[string]NodeResult[T], len(t.nodes))
	var mu sync.Mutex
	var g errgroup.Group

	for _, n := range t.nodes {
		if !all && !n.Healthy() {
			mu.Lock()
			results[n.addr] = NodeResult[T]{Addr: n.addr, Err: ErrNodeUnhealthy}
			mu.Unlock()
			continue
		}

		g.Go(func() error {
			v, err := fn(ctx, n)
			mu.Lock()
			results[n.addr] = NodeResult[T]{Addr: n.addr, Value: v, Err: err}
			mu.Unlock()
			return nil
		})
	}

	_ = g.Wait()
	return results, nil
}
