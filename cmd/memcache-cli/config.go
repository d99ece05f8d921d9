package main

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	memcache "github.com/pior/memcachebin"
)

// fileConfig is the YAML configuration of the CLI.
//
//	target: memcache://localhost:11211,localhost:11212
//	timeout: 500ms
//	distribution: ring
//	circuit_breaker:
//	  timeout: 10s
type fileConfig struct {
	Target              string        `yaml:"target"`
	Servers             []string      `yaml:"servers"`
	MaxConnsPerNode     int32         `yaml:"max_conns_per_node"`
	Timeout             time.Duration `yaml:"timeout"`
	MaxConnLifetime     time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime     time.Duration `yaml:"max_conn_idle_time"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	Pool                string        `yaml:"pool"`
	Hasher              string        `yaml:"hasher"`
	Distribution        string        `yaml:"distribution"`
	VirtualNodes        int           `yaml:"virtual_nodes"`
	CounterSeeding      string        `yaml:"counter_seeding"`
	LogLevel            string        `yaml:"log_level"`

	CircuitBreaker *struct {
		MaxRequests uint32        `yaml:"max_requests"`
		Interval    time.Duration `yaml:"interval"`
		Timeout     time.Duration `yaml:"timeout"`
	} `yaml:"circuit_breaker"`
}

func loadConfig(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (*fileConfig, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &fc, nil
}

// serverList returns the servers of the target and of the servers list.
func (fc *fileConfig) serverList() ([]string, error) {
	servers := append([]string(nil), fc.Servers...)
	if fc.Target != "" {
		parsed, err := memcache.ParseServers(fc.Target)
		if err != nil {
			return nil, err
		}
		servers = append(servers, parsed...)
	}
	if len(servers) == 0 {
		servers = []string{"localhost:" + memcache.DefaultPort}
	}
	return servers, nil
}

func (fc *fileConfig) clientConfig() (memcache.Config, error) {
	config := memcache.Config{
		MaxConnsPerNode:     fc.MaxConnsPerNode,
		Timeout:             fc.Timeout,
		MaxConnLifetime:     fc.MaxConnLifetime,
		MaxConnIdleTime:     fc.MaxConnIdleTime,
		HealthCheckInterval: fc.HealthCheckInterval,
	}

	switch fc.Pool {
	case "", "channel":
		config.Pool = memcache.NewChannelPool
	case "puddle":
		config.Pool = memcache.NewPuddlePool
	default:
		return config, fmt.Errorf("unknown pool %q", fc.Pool)
	}

	switch fc.Hasher {
	case "", "xxh3":
		config.Hasher = memcache.XXH3Hasher
	case "crc32":
		config.Hasher = memcache.CRC32Hasher
	default:
		return config, fmt.Errorf("unknown hasher %q", fc.Hasher)
	}

	switch fc.Distribution {
	case "", "ring":
		vnodes := fc.VirtualNodes
		if vnodes <= 0 {
			vnodes = memcache.DefaultVirtualNodes
		}
		config.Distribution = memcache.Ring(vnodes)
	case "modulo":
		config.Distribution = memcache.Modulo()
	case "jump":
		config.Distribution = memcache.Jump()
	default:
		return config, fmt.Errorf("unknown distribution %q", fc.Distribution)
	}

	switch fc.CounterSeeding {
	case "", "server":
		config.CounterSeeding = memcache.SeedOnServer
	case "client":
		config.CounterSeeding = memcache.SeedOnClient
	default:
		return config, fmt.Errorf("unknown counter seeding %q", fc.CounterSeeding)
	}

	if cb := fc.CircuitBreaker; cb != nil {
		config.NewCircuitBreaker = memcache.NewCircuitBreakerConfig(cb.MaxRequests, cb.Interval, cb.Timeout)
	}

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	if fc.LogLevel != "" {
		level, err := logrus.ParseLevel(fc.LogLevel)
		if err != nil {
			return config, err
		}
		logger.SetLevel(level)
	}
	config.Logger = logger

	return config, nil
}
