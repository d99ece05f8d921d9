package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	memcache "github.com/pior/memcachebin"
)

func TestParseConfig(t *testing.T) {
	fc, err := parseConfig([]byte(`
target: memcache://a:1,b:2
servers: [c:3]
max_conns_per_node: 2
timeout: 250ms
health_check_interval: 5s
pool: puddle
distribution: jump
counter_seeding: client
log_level: debug
circuit_breaker:
  max_requests: 3
  interval: 1m
  timeout: 10s
`))
	require.NoError(t, err)

	servers, err := fc.serverList()
	require.NoError(t, err)
	require.Equal(t, []string{"c:3", "a:1", "b:2"}, servers)

	config, err := fc.clientConfig()
	require.NoError(t, err)
	require.Equal(t, int32(2), config.MaxConnsPerNode)
	require.Equal(t, 250*time.Millisecond, config.Timeout)
	require.Equal(t, 5*time.Second, config.HealthCheckInterval)
	require.Equal(t, memcache.SeedOnClient, config.CounterSeeding)
	require.NotNil(t, config.Pool)
	require.NotNil(t, config.Distribution)
	require.NotNil(t, config.NewCircuitBreaker)
	require.Equal(t, "a:1", config.NewCircuitBreaker("a:1").Name())
}

func TestParseConfig_Defaults(t *testing.T) {
	fc, err := parseConfig([]byte(`{}`))
	require.NoError(t, err)

	servers, err := fc.serverList()
	require.NoError(t, err)
	require.Equal(t, []string{"localhost:11211"}, servers)

	config, err := fc.clientConfig()
	require.NoError(t, err)
	require.Nil(t, config.NewCircuitBreaker)
	require.Equal(t, memcache.SeedOnServer, config.CounterSeeding)
}

func TestParseConfig_Invalid(t *testing.T) {
	for _, doc := range []string{
		"pool: bogus",
		"hasher: md5",
		"distribution: rendezvous",
		"counter_seeding: maybe",
		"log_level: loud",
	} {
		fc, err := parseConfig([]byte(doc))
		require.NoError(t, err)
		_, err = fc.clientConfig()
		require.Error(t, err, doc)
	}

	_, err := parseConfig([]byte("timeout: soon"))
	require.Error(t, err)
}
