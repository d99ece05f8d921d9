package memcachebin

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pior/memcachebin/binprot"
	"github.com/pior/memcachebin/internal/memdtest"
)

func newTestClient(t *testing.T, n int, config Config) (*Client, []*memdtest.Server) {
	t.Helper()

	var servers []*memdtest.Server
	var addrs []string
	for range n {
		s := memdtest.MustStart(t)
		servers = append(servers, s)
		addrs = append(addrs, s.Addr())
	}

	client, err := NewClient(addrs, config)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client, servers
}

// keyOn returns a key routed to addr.
func keyOn(t *testing.T, client *Client, addr string) string {
	t.Helper()
	for i := range 10000 {
		key := fmt.Sprintf("key-%d", i)
		node, err := client.Route(key)
		require.NoError(t, err)
		if node.Addr() == addr {
			return key
		}
	}
	t.Fatalf("no key routed to %s", addr)
	return ""
}

func TestNewClient_NoServers(t *testing.T) {
	_, err := NewClient(nil, Config{})
	require.Error(t, err)
}

func TestNewClientFromURL(t *testing.T) {
	server := memdtest.MustStart(t)

	client, err := NewClientFromURL("memcache://"+server.Addr(), Config{})
	require.NoError(t, err)
	defer client.Close()

	require.Equal(t, []string{server.Addr()}, client.Servers())
	require.NoError(t, client.Noop(context.Background()))

	_, err = NewClientFromURL("redis://"+server.Addr(), Config{})
	require.Error(t, err)
}

func TestClient_DistributesKeys(t *testing.T) {
	client, servers := newTestClient(t, 2, Config{})
	ctx := context.Background()

	for i := range 200 {
		key := fmt.Sprintf("k%d", i)
		_, err := client.Set(ctx, Item{Key: key, Value: []byte(key)})
		require.NoError(t, err)
	}

	require.Equal(t, 200, servers[0].Len()+servers[1].Len())
	require.Greater(t, servers[0].Len(), 50)
	require.Greater(t, servers[1].Len(), 50)

	for i := range 200 {
		key := fmt.Sprintf("k%d", i)
		item, err := client.Get(ctx, key)
		require.NoError(t, err)
		require.Equal(t, key, string(item.Value))
	}
}

func TestClient_IsolatesFailedNode(t *testing.T) {
	client, servers := newTestClient(t, 2, Config{})
	ctx := context.Background()
	bad, good := servers[0], servers[1]

	badKey := keyOn(t, client, bad.Addr())
	goodKey := keyOn(t, client, good.Addr())
	_, err := client.Set(ctx, Item{Key: goodKey, Value: []byte("v")})
	require.NoError(t, err)

	bad.SetFault(memdtest.FaultClose)
	_, err = client.Get(ctx, badKey)
	var connErr *binprot.ConnectionError
	require.ErrorAs(t, err, &connErr)

	// the failed node's keys now go to the healthy node
	node, err := client.Route(badKey)
	require.NoError(t, err)
	require.Equal(t, good.Addr(), node.Addr())

	_, err = client.Set(ctx, Item{Key: badKey, Value: []byte("moved")})
	require.NoError(t, err)
	require.True(t, good.Has(badKey))

	// other keys are unaffected
	item, err := client.Get(ctx, goodKey)
	require.NoError(t, err)
	require.True(t, item.Found)

	// broadcasts skip the isolated node
	results, err := client.Version(ctx)
	require.NoError(t, err)
	require.ErrorIs(t, results[bad.Addr()].Err, ErrNodeUnhealthy)
	require.NoError(t, results[good.Addr()].Err)
	require.Equal(t, memdtest.Version, results[good.Addr()].Value)

	// the node is restored once a health check succeeds
	bad.SetFault(memdtest.FaultNone)
	health, err := client.CheckHealth(ctx)
	require.NoError(t, err)
	require.NoError(t, health[bad.Addr()].Err)

	node, err = client.Route(badKey)
	require.NoError(t, err)
	require.Equal(t, bad.Addr(), node.Addr())
}

func TestClient_AllNodesUnhealthy(t *testing.T) {
	client, servers := newTestClient(t, 1, Config{})
	ctx := context.Background()

	servers[0].SetFault(memdtest.FaultClose)
	_, err := client.Get(ctx, "k")
	require.Error(t, err)

	_, err = client.Get(ctx, "k")
	var clusterErr *ClusterError
	require.ErrorAs(t, err, &clusterErr)
	require.ErrorIs(t, err, ErrNoServersAvailable)
	require.Equal(t, "k", clusterErr.Key)

	_, err = client.Stats(ctx, "")
	require.ErrorIs(t, err, ErrNoServersAvailable)

	// CheckHealth still reaches unhealthy nodes
	results, err := client.CheckHealth(ctx)
	require.NoError(t, err)
	require.Error(t, results[servers[0].Addr()].Err)
}

func TestClient_HealthCheckLoopRestoresNode(t *testing.T) {
	client, servers := newTestClient(t, 1, Config{HealthCheckInterval: 10 * time.Millisecond})
	ctx := context.Background()

	servers[0].SetFault(memdtest.FaultClose)
	_, err := client.Get(ctx, "k")
	require.Error(t, err)
	servers[0].SetFault(memdtest.FaultNone)

	require.Eventually(t, func() bool {
		_, err := client.Get(ctx, "k")
		return err == nil
	}, time.Second, 5*time.Millisecond)
}

func TestClient_Broadcasts(t *testing.T) {
	client, servers := newTestClient(t, 3, Config{})
	ctx := context.Background()

	for i := range 30 {
		_, err := client.Set(ctx, Item{Key: fmt.Sprintf("k%d", i), Value: []byte("v")})
		require.NoError(t, err)
	}

	stats, err := client.Stats(ctx, "")
	require.NoError(t, err)
	require.Len(t, stats, 3)
	total := 0
	for _, s := range servers {
		r := stats[s.Addr()]
		require.NoError(t, r.Err)
		require.Equal(t, s.Addr(), r.Addr)
		var n int
		fmt.Sscan(r.Value["curr_items"], &n)
		total += n
	}
	require.Equal(t, 30, total)

	flushed, err := client.Flush(ctx)
	require.NoError(t, err)
	require.Len(t, flushed, 3)
	for _, s := range servers {
		require.NoError(t, flushed[s.Addr()].Err)
		require.Zero(t, s.Len())
	}

	_, err = client.Set(ctx, Item{Key: "later", Value: []byte("v")})
	require.NoError(t, err)
	_, err = client.FlushWithDelay(ctx, 5*time.Second)
	require.NoError(t, err)
	for _, s := range servers {
		s.Advance(6 * time.Second)
	}
	item, err := client.Get(ctx, "later")
	require.NoError(t, err)
	require.False(t, item.Found)

	require.NoError(t, client.Noop(ctx))
}

func TestClient_ServerWideCommandsAreNotRouted(t *testing.T) {
	client, servers := newTestClient(t, 2, Config{})
	ctx := context.Background()

	_, err := client.Set(ctx, Item{Key: "k", Value: []byte("v")})
	require.NoError(t, err)
	before := servers[0].Requests() + servers[1].Requests()

	err = client.Commands.Flush(ctx)
	require.ErrorIs(t, err, ErrNotRoutable)
	_, err = client.Commands.Stats(ctx, "items")
	require.ErrorIs(t, err, ErrNotRoutable)
	_, err = client.Commands.Version(ctx)
	require.ErrorIs(t, err, ErrNotRoutable)

	require.Equal(t, before, servers[0].Requests()+servers[1].Requests(), "nothing reached a server")
	require.Equal(t, 1, servers[0].Len()+servers[1].Len())
}

func TestClient_BroadcastPartialFailure(t *testing.T) {
	client, servers := newTestClient(t, 2, Config{Timeout: 50 * time.Millisecond})
	servers[1].SetFault(memdtest.FaultSilent)

	results, err := client.Version(context.Background())
	require.NoError(t, err)
	require.NoError(t, results[servers[0].Addr()].Err)

	var timeoutErr *TimeoutError
	require.ErrorAs(t, results[servers[1].Addr()].Err, &timeoutErr)

	require.Error(t, client.Noop(context.Background()))
}

func TestClient_GetMultiAcrossNodes(t *testing.T) {
	client, servers := newTestClient(t, 3, Config{})
	ctx := context.Background()

	var keys []string
	for i := range 40 {
		key := fmt.Sprintf("m%d", i)
		keys = append(keys, key)
		if i%2 == 0 {
			_, err := client.Set(ctx, Item{Key: key, Value: []byte(key)})
			require.NoError(t, err)
		}
	}

	items, err := client.GetMulti(ctx, keys)
	require.NoError(t, err)
	require.Len(t, items, len(keys))
	for i, item := range items {
		require.Equal(t, keys[i], item.Key)
		require.Equal(t, i%2 == 0, item.Found, item.Key)
		if item.Found {
			require.Equal(t, item.Key, string(item.Value))
		}
	}

	for _, s := range servers {
		require.Equal(t, uint64(1), s.Accepted())
	}

	_, err = client.GetMulti(ctx, []string{"ok", ""})
	var keyErr *binprot.InvalidKeyError
	require.ErrorAs(t, err, &keyErr)

	items, err = client.GetMulti(ctx, nil)
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestClient_Topology(t *testing.T) {
	client, servers := newTestClient(t, 2, Config{})
	ctx := context.Background()
	extra := memdtest.MustStart(t)

	require.NoError(t, client.AddServer(extra.Addr()))
	require.NoError(t, client.AddServer(extra.Addr()))
	require.Equal(t, []string{servers[0].Addr(), servers[1].Addr(), extra.Addr()}, client.Servers())

	key := keyOn(t, client, extra.Addr())
	_, err := client.Set(ctx, Item{Key: key, Value: []byte("v")})
	require.NoError(t, err)
	require.True(t, extra.Has(key))

	require.NoError(t, client.RemoveServer(servers[0].Addr()))
	require.Error(t, client.RemoveServer(servers[0].Addr()))
	require.Equal(t, []string{servers[1].Addr(), extra.Addr()}, client.Servers())

	// retained nodes keep their connections
	_, err = client.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, uint64(1), extra.Accepted())

	require.NoError(t, client.SetServers([]string{servers[0].Addr()}))
	require.Equal(t, []string{servers[0].Addr()}, client.Servers())
	require.Len(t, client.AllPoolStats(), 1)
}

func TestClient_Stats(t *testing.T) {
	client, _ := newTestClient(t, 2, Config{Timeout: 50 * time.Millisecond})
	ctx := context.Background()

	_, err := client.Set(ctx, Item{Key: "a", Value: []byte("1")})
	require.NoError(t, err)
	_, err = client.Get(ctx, "a")
	require.NoError(t, err)
	_, err = client.Get(ctx, "missing")
	require.NoError(t, err)
	_, err = client.Delete(ctx, "a")
	require.NoError(t, err)
	_, err = client.IncrementOrSeed(ctx, "n", 1, 0, NoTTL)
	require.NoError(t, err)
	_, err = client.Touch(ctx, "n", time.Minute)
	require.NoError(t, err)
	_, err = client.GetMulti(ctx, []string{"n", "x"})
	require.NoError(t, err)
	_, err = client.Version(ctx)
	require.NoError(t, err)

	stats := client.ClientStats()
	require.Equal(t, uint64(4), stats.Gets)
	require.Equal(t, uint64(2), stats.GetHits)
	require.Equal(t, uint64(1), stats.Stores)
	require.Equal(t, uint64(1), stats.Deletes)
	require.Equal(t, uint64(1), stats.Counters)
	require.Equal(t, uint64(1), stats.Touches)
	require.Equal(t, uint64(2), stats.Broadcasts)
	require.Zero(t, stats.Errors)

	pools := client.AllPoolStats()
	require.Len(t, pools, 2)
	for _, p := range pools {
		require.True(t, p.Healthy)
	}
}

func TestClient_Close(t *testing.T) {
	client, _ := newTestClient(t, 1, Config{HealthCheckInterval: time.Millisecond})
	ctx := context.Background()

	_, err := client.Set(ctx, Item{Key: "k", Value: []byte("v")})
	require.NoError(t, err)

	client.Close()
	client.Close()

	_, err = client.Get(ctx, "k")
	require.ErrorIs(t, err, ErrClientClosed)
	_, err = client.GetMulti(ctx, []string{"k"})
	require.ErrorIs(t, err, ErrClientClosed)
	_, err = client.Stats(ctx, "")
	require.ErrorIs(t, err, ErrClientClosed)
	require.ErrorIs(t, client.AddServer("localhost:1"), ErrClientClosed)
	require.Empty(t, client.Servers())
}
