package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	memcache "github.com/pior/memcachebin"
	"github.com/pior/memcachebin/promexporter"
)

type OperationType string

const (
	CacheHit     OperationType = "cache-hit"
	DynamicValue OperationType = "dynamic-value"
	CacheMiss    OperationType = "cache-miss"
	Increment    OperationType = "increment"
	Delete       OperationType = "delete"
	MultiGet     OperationType = "multi-get"
	All          OperationType = "all"
)

type BenchmarkResult struct {
	Operation    OperationType
	Duration     time.Duration
	TotalOps     int64
	Successes    int64
	Failures     int64
	AvgLatency   time.Duration
	OpsPerSecond float64
	Correctness  bool
	ErrorMessage string
}

// step runs one unit of work for a worker. It returns the number of requests
// issued, and a correctness violation or an error.
type step func(ctx context.Context, worker, n int) (ops int, mismatch string, err error)

func main() {
	var (
		operation   = flag.String("operation", "all", "Operation type: cache-hit, dynamic-value, cache-miss, increment, delete, multi-get, or all")
		duration    = flag.Duration("duration", 5*time.Second, "Duration to run benchmarks")
		concurrency = flag.Int("concurrency", 1, "Number of concurrent workers")
		servers     = flag.String("servers", "localhost:11211", "Servers: memcache://host:port,... or host:port,...")
		conns       = flag.Int("conns", 1, "Maximum connections per server")
		pool        = flag.String("pool", "channel", "Connection pool: channel or puddle")
		metricsAddr = flag.String("metrics", "", "Serve Prometheus metrics on this address, e.g. :9100")
	)
	flag.Parse()

	addrs, err := memcache.ParseServers(*servers)
	if err != nil {
		log.Fatalf("Invalid servers: %v", err)
	}

	config := memcache.Config{MaxConnsPerNode: int32(*conns)}
	if *pool == "puddle" {
		config.Pool = memcache.NewPuddlePool
	}

	fmt.Printf("Memcache Benchmark Tool\n")
	fmt.Printf("=======================\n")
	fmt.Printf("Operation: %s\n", *operation)
	fmt.Printf("Duration: %v\n", *duration)
	fmt.Printf("Concurrency: %d\n", *concurrency)
	fmt.Printf("Servers: %v\n", addrs)
	fmt.Println()

	client, err := memcache.NewClient(addrs, config)
	if err != nil {
		log.Fatalf("Failed to create client: %v", err)
	}
	defer client.Close()

	if *metricsAddr != "" {
		handler, err := promexporter.Handler(client)
		if err != nil {
			log.Fatalf("Failed to register metrics: %v", err)
		}
		go func() {
			log.Println(http.ListenAndServe(*metricsAddr, handler))
		}()
	}

	fmt.Print("Testing connection...")
	if err := client.Noop(context.Background()); err != nil {
		fmt.Printf(" failed: %v\n", err)
		fmt.Printf("Make sure memcached is running on %v\n", addrs)
		return
	}
	fmt.Println(" success!")

	operations := []OperationType{OperationType(*operation)}
	if operations[0] == All {
		operations = []OperationType{CacheHit, DynamicValue, CacheMiss, Increment, Delete, MultiGet}
	}

	for _, op := range operations {
		fmt.Printf("\n--- Running %s benchmark ---\n", op)
		printResult(runOperation(client, op, *duration, *concurrency))
	}

	fmt.Printf("Client stats: %+v\n", client.ClientStats())
}

func runOperation(client *memcache.Client, op OperationType, duration time.Duration, concurrency int) *BenchmarkResult {
	ctx := context.Background()

	var fn step
	switch op {
	case CacheHit:
		key, value := "cache-hit-key", "cache-hit-value"
		if _, err := client.Set(ctx, memcache.Item{Key: key, Value: []byte(value), TTL: time.Hour}); err != nil {
			return failed(op, fmt.Sprintf("Failed to set initial value: %v", err))
		}
		fn = func(ctx context.Context, _, _ int) (int, string, error) {
			item, err := client.Get(ctx, key)
			if err != nil {
				return 1, "", err
			}
			if string(item.Value) != value {
				return 1, "Value mismatch", nil
			}
			return 1, "", nil
		}

	case DynamicValue:
		fn = func(ctx context.Context, worker, n int) (int, string, error) {
			key := fmt.Sprintf("dynamic-key-%d-%d", worker, n)
			value := fmt.Sprintf("dynamic-value-%d-%d", worker, n)
			if _, err := client.Set(ctx, memcache.Item{Key: key, Value: []byte(value), TTL: time.Hour}); err != nil {
				return 1, "", err
			}
			item, err := client.Get(ctx, key)
			if err != nil {
				return 2, "", err
			}
			if string(item.Value) != value {
				return 2, "Value mismatch", nil
			}
			return 2, "", nil
		}

	case CacheMiss:
		fn = func(ctx context.Context, worker, n int) (int, string, error) {
			item, err := client.Get(ctx, fmt.Sprintf("nonexistent-key-%d-%d", worker, n))
			if err != nil {
				return 1, "", err
			}
			if item.Found {
				return 1, "Expected cache miss but got value", nil
			}
			return 1, "", nil
		}

	case Increment:
		key := "increment-key"
		if _, err := client.Set(ctx, memcache.Item{Key: key, Value: []byte("0"), TTL: time.Hour}); err != nil {
			return failed(op, fmt.Sprintf("Failed to initialize counter: %v", err))
		}
		fn = func(ctx context.Context, _, n int) (int, string, error) {
			res, err := client.Increment(ctx, key, 1)
			if err != nil {
				return 1, "", err
			}
			if !res.Found {
				return 1, "Counter disappeared", nil
			}
			if n%100 != 99 {
				return 1, "", nil
			}
			item, err := client.Get(ctx, key)
			if err != nil {
				return 2, "", err
			}
			if _, err := strconv.ParseUint(string(item.Value), 10, 64); err != nil {
				return 2, "Counter value is not a number", nil
			}
			return 2, "", nil
		}

	case Delete:
		fn = func(ctx context.Context, worker, n int) (int, string, error) {
			key := fmt.Sprintf("delete-key-%d-%d", worker, n)
			if _, err := client.Set(ctx, memcache.Item{Key: key, Value: []byte("v"), TTL: time.Hour}); err != nil {
				return 1, "", err
			}
			deleted, err := client.Delete(ctx, key)
			if err != nil {
				return 2, "", err
			}
			if !deleted {
				return 2, "Key vanished before delete", nil
			}
			return 2, "", nil
		}

	case MultiGet:
		keys := make([]string, 20)
		for i := range keys {
			keys[i] = fmt.Sprintf("multi-key-%d", i)
			if i%2 == 0 {
				if _, err := client.Set(ctx, memcache.Item{Key: keys[i], Value: []byte(keys[i]), TTL: time.Hour}); err != nil {
					return failed(op, fmt.Sprintf("Failed to set initial values: %v", err))
				}
			}
		}
		fn = func(ctx context.Context, _, _ int) (int, string, error) {
			items, err := client.GetMulti(ctx, keys)
			if err != nil {
				return 1, "", err
			}
			for i, item := range items {
				if item.Found != (i%2 == 0) {
					return 1, "Unexpected hit or miss", nil
				}
			}
			return 1, "", nil
		}

	default:
		return failed(op, fmt.Sprintf("Unknown operation: %s", op))
	}

	return run(op, fn, duration, concurrency)
}

func run(op OperationType, fn step, duration time.Duration, concurrency int) *BenchmarkResult {
	result := &BenchmarkResult{Operation: op, Correctness: true}
	var totalOps, successes, failures, totalLatency int64
	var mu sync.Mutex

	startTime := time.Now()
	var wg sync.WaitGroup

	for worker := range concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := context.Background()

			for n := 0; time.Since(startTime) < duration; n++ {
				opStart := time.Now()
				ops, mismatch, err := fn(ctx, worker, n)
				atomic.AddInt64(&totalLatency, int64(time.Since(opStart)))
				atomic.AddInt64(&totalOps, int64(ops))

				switch {
				case err != nil:
					atomic.AddInt64(&failures, 1)
				case mismatch != "":
					atomic.AddInt64(&failures, 1)
					mu.Lock()
					result.Correctness = false
					result.ErrorMessage = mismatch
					mu.Unlock()
				default:
					atomic.AddInt64(&successes, int64(ops))
				}
			}
		}()
	}

	wg.Wait()

	result.Duration = time.Since(startTime)
	result.TotalOps = totalOps
	result.Successes = successes
	result.Failures = failures

	if totalOps > 0 {
		result.AvgLatency = time.Duration(totalLatency / totalOps)
		result.OpsPerSecond = float64(totalOps) / result.Duration.Seconds()
	}
	return result
}

func failed(op OperationType, msg string) *BenchmarkResult {
	return &BenchmarkResult{Operation: op, ErrorMessage: msg}
}

func printResult(result *BenchmarkResult) {
	fmt.Printf("Operation: %s\n", result.Operation)
	fmt.Printf("Duration: %v\n", result.Duration)
	fmt.Printf("Total Operations: %d\n", result.TotalOps)
	fmt.Printf("Successes: %d\n", result.Successes)
	fmt.Printf("Failures: %d\n", result.Failures)
	if result.TotalOps > 0 {
		fmt.Printf("Success Rate: %.2f%%\n", float64(result.Successes)/float64(result.TotalOps)*100)
		fmt.Printf("Ops/sec: %.2f\n", result.OpsPerSecond)
		fmt.Printf("Avg Latency: %v\n", result.AvgLatency)
	}
	fmt.Printf("Correctness: %t\n", result.Correctness)
	if result.ErrorMessage != "" {
		fmt.Printf("Error: %s\n", result.ErrorMessage)
	}
	fmt.Println()
}
