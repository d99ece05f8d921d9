package memcachebin_test

import (
	"context"
	"fmt"
	"log"
	"time"

	memcache "github.com/pior/memcachebin"
	"github.com/pior/memcachebin/codec"
	"github.com/pior/memcachebin/internal/memdtest"
)

func startServer() *memdtest.Server {
	server, err := memdtest.Start()
	if err != nil {
		log.Fatal(err)
	}
	return server
}

func Example() {
	server := startServer()
	defer server.Close()

	client, err := memcache.NewClient([]string{server.Addr()}, memcache.Config{})
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	ctx := context.Background()

	_, err = client.Set(ctx, memcache.Item{Key: "greeting", Value: []byte("hello"), TTL: time.Hour})
	if err != nil {
		log.Fatal(err)
	}

	item, err := client.Get(ctx, "greeting")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("%s found=%t\n", item.Value, item.Found)

	item, err = client.Get(ctx, "nope")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("found=%t\n", item.Found)

	// Output:
	// hello found=true
	// found=false
}

func ExampleCommands_CompareAndSwap() {
	server := startServer()
	defer server.Close()

	client, err := memcache.NewClient([]string{server.Addr()}, memcache.Config{})
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	ctx := context.Background()
	client.Set(ctx, memcache.Item{Key: "balance", Value: []byte("100")})

	item, _ := client.Gets(ctx, "balance")
	client.Set(ctx, memcache.Item{Key: "balance", Value: []byte("90")}) // concurrent writer

	item.Value = []byte("150")
	res, err := client.CompareAndSwap(ctx, item)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(res.Status)

	// Output:
	// CASMismatch
}

func ExampleCommands_IncrementOrSeed() {
	server := startServer()
	defer server.Close()

	client, err := memcache.NewClient([]string{server.Addr()}, memcache.Config{
		CounterSeeding: memcache.SeedOnClient,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	ctx := context.Background()
	for range 3 {
		v, err := client.IncrementOrSeed(ctx, "visits", 1, 1, time.Hour)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(v)
	}

	// Output:
	// 1
	// 2
	// 3
}

func ExampleClient_Stats() {
	a, b := startServer(), startServer()
	defer a.Close()
	defer b.Close()

	client, err := memcache.NewClient([]string{a.Addr(), b.Addr()}, memcache.Config{
		NewCircuitBreaker: memcache.NewCircuitBreakerConfig(3, time.Minute, 10*time.Second),
	})
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	results, err := client.Stats(context.Background(), "settings")
	if err != nil {
		log.Fatal(err)
	}
	for _, addr := range client.Servers() {
		r := results[addr]
		fmt.Println(r.Err, r.Value["binding_protocol"])
	}

	// Output:
	// <nil> binary
	// <nil> binary
}

func ExampleTyped() {
	server := startServer()
	defer server.Close()

	client, err := memcache.NewClient([]string{server.Addr()}, memcache.Config{})
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	type profile struct {
		Name string `json:"name"`
	}
	profiles := memcache.NewTyped[profile](client, codec.JSON[profile]{})

	ctx := context.Background()
	profiles.Set(ctx, "user:1", profile{Name: "Ada"}, time.Hour)

	got, err := profiles.Get(ctx, "user:1")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(got.Value.Name)

	// Output:
	// Ada
}
