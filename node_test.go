package memcachebin

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pior/memcachebin/binprot"
	"github.com/pior/memcachebin/internal/memdtest"
)

func TestNode_PipelinesOnOneConnection(t *testing.T) {
	server := memdtest.MustStart(t)
	cmds := NewCommands(newTestNode(t, server, Config{}))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := "key" + string(rune('A'+i))
			_, err := cmds.Set(ctx, Item{Key: key, Value: []byte(key)})
			if !assert.NoError(t, err) {
				return
			}
			item, err := cmds.Get(ctx, key)
			if assert.NoError(t, err) {
				assert.Equal(t, key, string(item.Value))
			}
		}()
	}
	wg.Wait()

	require.Equal(t, uint64(1), server.Accepted(), "one pipelined stream per node")
}

func TestNode_DefaultTimeout(t *testing.T) {
	server := memdtest.MustStart(t)
	node := newTestNode(t, server, Config{Timeout: 30 * time.Millisecond})
	server.SetFault(memdtest.FaultSilent)

	start := time.Now()
	_, err := NewCommands(node).Get(context.Background(), "k")
	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	require.Less(t, time.Since(start), time.Second)
	require.Equal(t, server.Addr(), timeoutErr.Addr)

	require.True(t, node.Healthy(), "a timeout does not isolate the node")
}

func TestNode_ContextDeadlineWins(t *testing.T) {
	server := memdtest.MustStart(t)
	node := newTestNode(t, server, Config{Timeout: time.Hour})
	server.SetFault(memdtest.FaultSilent)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := NewCommands(node).Noop(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNode_NegativeTimeoutDisablesDefault(t *testing.T) {
	server := memdtest.MustStart(t)
	node := newTestNode(t, server, Config{Timeout: -1})
	server.SetFault(memdtest.FaultSilent)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(DefaultTimeout+100*time.Millisecond, cancel)

	err := NewCommands(node).Noop(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestNode_ConnectionFailureMarksUnhealthy(t *testing.T) {
	server := memdtest.MustStart(t)
	node := newTestNode(t, server, Config{})
	cmds := NewCommands(node)
	ctx := context.Background()

	require.NoError(t, cmds.Noop(ctx))

	server.SetFault(memdtest.FaultClose)
	err := cmds.Noop(ctx)
	var connErr *binprot.ConnectionError
	require.ErrorAs(t, err, &connErr)
	require.False(t, node.Healthy())

	// the node still serves direct calls on a fresh connection
	server.SetFault(memdtest.FaultNone)
	require.NoError(t, node.Ping(ctx))
	require.Equal(t, uint64(2), server.Accepted())
}

func TestNode_ProtocolViolationMarksUnhealthy(t *testing.T) {
	server := memdtest.MustStart(t)
	node := newTestNode(t, server, Config{})
	server.SetFault(memdtest.FaultWrongOpaque)

	_, err := NewCommands(node).Get(context.Background(), "k")
	var protoErr *binprot.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	require.False(t, node.Healthy())
}

func TestNode_ReconnectsAfterServerDrop(t *testing.T) {
	server := memdtest.MustStart(t)
	node := newTestNode(t, server, Config{})
	cmds := NewCommands(node)
	ctx := context.Background()

	require.NoError(t, cmds.Noop(ctx))
	server.DropConnections()

	require.Eventually(t, func() bool {
		return cmds.Noop(ctx) == nil
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, uint64(2), server.Accepted())
}

func TestNode_DialFailure(t *testing.T) {
	server := memdtest.MustStart(t)
	addr := server.Addr()
	require.NoError(t, server.Close())

	node, err := NewNode(addr, Config{})
	require.NoError(t, err, "connections are opened lazily")
	defer node.Close()

	err = node.Ping(context.Background())
	var connErr *binprot.ConnectionError
	require.ErrorAs(t, err, &connErr)
	require.Equal(t, "dial", connErr.Op)
	require.False(t, node.Healthy())
}

func TestNode_ExecuteBatch(t *testing.T) {
	server := memdtest.MustStart(t)
	node := newTestNode(t, server, Config{})
	ctx := context.Background()

	results, err := node.ExecuteBatch(ctx, []*binprot.Request{
		binprot.NewRequest(binprot.OpSet, "a", binprot.StoreExtras(0, 0), []byte("1")),
		binprot.NewRequest(binprot.OpGets, "a", nil, nil),
		binprot.NewRequest(binprot.OpGets, "missing", nil, nil),
	})
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.Len(t, results[0], 1)
	require.Len(t, results[1], 1)
	require.Equal(t, "1", string(results[1][0].Value))
	require.Empty(t, results[2])

	results, err = node.ExecuteBatch(ctx, nil)
	require.NoError(t, err)
	require.Nil(t, results)
}

func TestNode_Maintain(t *testing.T) {
	server := memdtest.MustStart(t)
	node := newTestNode(t, server, Config{})
	ctx := context.Background()

	require.NoError(t, node.Ping(ctx))

	// a healthy idle connection is kept
	node.maintain(ctx, 0, 0)
	require.Equal(t, int32(1), node.Stats().PoolStats.TotalConns)
	require.Equal(t, uint64(1), server.Accepted())

	// an expired one is destroyed
	time.Sleep(5 * time.Millisecond)
	node.maintain(ctx, time.Millisecond, 0)
	require.Equal(t, int32(0), node.Stats().PoolStats.TotalConns)

	require.NoError(t, node.Ping(ctx))
	require.Equal(t, uint64(2), server.Accepted())

	// a connection the server dropped is destroyed too
	server.DropConnections()
	require.Eventually(t, func() bool {
		node.maintain(ctx, 0, 0)
		return node.Stats().PoolStats.TotalConns == 0
	}, time.Second, 5*time.Millisecond)
}

func TestNode_MaintainKeepsConnectionWithPendingCalls(t *testing.T) {
	server := memdtest.MustStart(t)
	node := newTestNode(t, server, Config{Timeout: 5 * time.Second})
	ctx := context.Background()

	require.NoError(t, node.Ping(ctx))
	server.SetDelay(300 * time.Millisecond)

	type result struct {
		item Item
		err  error
	}
	done := make(chan result, 1)
	go func() {
		item, err := NewCommands(node).Get(ctx, "k")
		done <- result{item, err}
	}()
	require.Eventually(t, func() bool { return server.Requests() == 2 }, time.Second, time.Millisecond)

	// The connection is past its lifetime but a Get still waits on it.
	node.maintain(ctx, time.Nanosecond, time.Nanosecond)
	require.Equal(t, uint64(0), node.Stats().PoolStats.DestroyedConns)

	got := <-done
	require.NoError(t, got.err)
	require.False(t, got.item.Found)

	server.SetDelay(0)
	node.maintain(ctx, time.Nanosecond, 0)
	require.Equal(t, uint64(1), node.Stats().PoolStats.DestroyedConns)
	require.True(t, node.Healthy())
}

func TestNode_Stats(t *testing.T) {
	server := memdtest.MustStart(t)
	node := newTestNode(t, server, Config{
		NewCircuitBreaker: NewCircuitBreakerConfig(1, time.Minute, time.Minute),
	})
	require.NoError(t, node.Ping(context.Background()))

	stats := node.Stats()
	require.Equal(t, server.Addr(), stats.Addr)
	require.True(t, stats.Healthy)
	require.Equal(t, uint64(1), stats.PoolStats.CreatedConns)
	require.Equal(t, uint32(1), stats.CircuitBreakerCounts.TotalSuccesses)
}
