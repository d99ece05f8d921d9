package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	memcache "github.com/pior/memcachebin"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to a YAML config file")
		target     = flag.String("target", "", "Connection target, overrides the config: memcache://host:port[,host:port]")
	)
	flag.Parse()

	fc := &fileConfig{}
	if *configPath != "" {
		var err error
		if fc, err = loadConfig(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
	}
	if *target != "" {
		fc.Target = *target
		fc.Servers = nil
	}

	servers, err := fc.serverList()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid servers: %v\n", err)
		os.Exit(1)
	}
	config, err := fc.clientConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	client, err := memcache.NewClient(servers, config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create client: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	fmt.Println("Memcache CLI Tool")
	fmt.Println("================")
	fmt.Printf("Servers: %s\n", strings.Join(client.Servers(), ", "))
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	repl(client, os.Stdin, os.Stdout)
}

func repl(client *memcache.Client, in io.Reader, out io.Writer) {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			break
		}

		parts := strings.Fields(scanner.Text())
		if len(parts) == 0 {
			continue
		}

		command := strings.ToLower(parts[0])
		if command == "quit" || command == "exit" {
			fmt.Fprintln(out, "Goodbye!")
			return
		}

		start := time.Now()
		if err := run(context.Background(), client, out, command, parts[1:]); err != nil {
			fmt.Fprintf(out, "Error: %v (took %v)\n", err, time.Since(start))
			continue
		}
		fmt.Fprintf(out, "(took %v)\n", time.Since(start))
	}

	if err := scanner.Err(); err != nil {
		fmt.Fprintf(out, "Error reading input: %v\n", err)
	}
}

const help = `Commands:
  get <key>                      - Get a value with its flags and CAS
  mget <key1> <key2> ...         - Get multiple keys at once
  set|add|replace <key> <value> [ttl_seconds]
  cas <key> <value> <cas> [ttl]  - Store only if the CAS still matches
  append|prepend <key> <value>
  delete <key>
  incr|decr <key> <delta> [initial]
  touch <key> <ttl_seconds>
  flush [delay_seconds]          - Invalidate all items on every server
  stats [group]                  - Show server statistics
  version                        - Show server versions
  health                         - Ping every server
  servers                        - List servers
  add-server <addr> | remove-server <addr>
  clientstats                    - Show client and pool statistics
  quit`

type usageError string

func (e usageError) Error() string { return "usage: " + string(e) }

func run(ctx context.Context, client *memcache.Client, out io.Writer, command string, args []string) error {
	switch command {
	case "help":
		fmt.Fprintln(out, help)

	case "get", "gets":
		if len(args) != 1 {
			return usageError("get <key>")
		}
		item, err := client.Gets(ctx, args[0])
		if err != nil {
			return err
		}
		printItem(out, item)

	case "mget", "multi-get":
		if len(args) == 0 {
			return usageError("mget <key1> <key2> ...")
		}
		items, err := client.GetMulti(ctx, args)
		if err != nil {
			return err
		}
		for _, item := range items {
			printItem(out, item)
		}

	case "set", "add", "replace":
		if len(args) < 2 || len(args) > 3 {
			return usageError(command + " <key> <value> [ttl_seconds]")
		}
		ttl, err := seconds(args, 2)
		if err != nil {
			return err
		}
		item := memcache.Item{Key: args[0], Value: []byte(args[1]), TTL: ttl}

		var res memcache.StoreResult
		switch command {
		case "set":
			res, err = client.Set(ctx, item)
		case "add":
			res, err = client.Add(ctx, item)
		default:
			res, err = client.Replace(ctx, item)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s cas=%d\n", res.Status, res.CAS)

	case "cas":
		if len(args) < 3 || len(args) > 4 {
			return usageError("cas <key> <value> <cas> [ttl_seconds]")
		}
		cas, err := strconv.ParseUint(args[2], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid cas: %w", err)
		}
		ttl, err := seconds(args, 3)
		if err != nil {
			return err
		}
		res, err := client.CompareAndSwap(ctx, memcache.Item{Key: args[0], Value: []byte(args[1]), CAS: cas, TTL: ttl})
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s cas=%d\n", res.Status, res.CAS)

	case "append", "prepend":
		if len(args) != 2 {
			return usageError(command + " <key> <value>")
		}
		fn := client.Append
		if command == "prepend" {
			fn = client.Prepend
		}
		res, err := fn(ctx, args[0], []byte(args[1]))
		if err != nil {
			return err
		}
		fmt.Fprintln(out, res.Status)

	case "delete", "del":
		if len(args) != 1 {
			return usageError("delete <key>")
		}
		deleted, err := client.Delete(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "deleted=%t\n", deleted)

	case "incr", "decr":
		return runCounter(ctx, client, out, command, args)

	case "touch":
		if len(args) != 2 {
			return usageError("touch <key> <ttl_seconds>")
		}
		ttl, err := seconds(args, 1)
		if err != nil {
			return err
		}
		found, err := client.Touch(ctx, args[0], ttl)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "found=%t\n", found)

	case "flush":
		delay, err := seconds(args, 0)
		if err != nil {
			return err
		}
		results, err := client.FlushWithDelay(ctx, delay)
		if err != nil {
			return err
		}
		printResults(out, results, func(struct{}) string { return "OK" })

	case "stats":
		group := ""
		if len(args) > 0 {
			group = args[0]
		}
		results, err := client.Stats(ctx, group)
		if err != nil {
			return err
		}
		printResults(out, results, formatStats)

	case "version":
		results, err := client.Version(ctx)
		if err != nil {
			return err
		}
		printResults(out, results, func(v string) string { return v })

	case "health", "ping":
		results, err := client.CheckHealth(ctx)
		if err != nil {
			return err
		}
		printResults(out, results, func(struct{}) string { return "healthy" })

	case "servers":
		for _, addr := range client.Servers() {
			fmt.Fprintln(out, addr)
		}

	case "add-server", "remove-server":
		if len(args) != 1 {
			return usageError(command + " <addr>")
		}
		if command == "add-server" {
			return client.AddServer(args[0])
		}
		return client.RemoveServer(args[0])

	case "clientstats":
		fmt.Fprintf(out, "%+v\n", client.ClientStats())
		for _, node := range client.AllPoolStats() {
			fmt.Fprintf(out, "%s healthy=%t breaker=%s pool=%+v\n", node.Addr, node.Healthy, node.CircuitBreakerState, node.PoolStats)
		}

	default:
		return fmt.Errorf("unknown command %q, type 'help' for available commands", command)
	}
	return nil
}

func runCounter(ctx context.Context, client *memcache.Client, out io.Writer, command string, args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return usageError(command + " <key> <delta> [initial]")
	}
	delta, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid delta: %w", err)
	}

	if len(args) == 3 {
		initial, err := strconv.ParseUint(args[2], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid initial value: %w", err)
		}
		fn := client.IncrementOrSeed
		if command == "decr" {
			fn = client.DecrementOrSeed
		}
		value, err := fn(ctx, args[0], delta, initial, memcache.NoTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, value)
		return nil
	}

	fn := client.Increment
	if command == "decr" {
		fn = client.Decrement
	}
	res, err := fn(ctx, args[0], delta)
	if err != nil {
		return err
	}
	if !res.Found {
		fmt.Fprintln(out, "Key not found")
		return nil
	}
	fmt.Fprintln(out, res.Value)
	return nil
}

func seconds(args []string, i int) (time.Duration, error) {
	if len(args) <= i {
		return 0, nil
	}
	secs, err := strconv.Atoi(args[i])
	if err != nil || secs < 0 {
		return 0, fmt.Errorf("invalid seconds %q", args[i])
	}
	return time.Duration(secs) * time.Second, nil
}

func printItem(out io.Writer, item memcache.Item) {
	if !item.Found {
		fmt.Fprintf(out, "%s: not found\n", item.Key)
		return
	}
	fmt.Fprintf(out, "%s: %s (flags=%d cas=%d)\n", item.Key, item.Value, item.Flags, item.CAS)
}

func printResults[T any](out io.Writer, results map[string]memcache.NodeResult[T], format func(T) string) {
	addrs := make([]string, 0, len(results))
	for addr := range results {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	for _, addr := range addrs {
		r := results[addr]
		if r.Err != nil {
			fmt.Fprintf(out, "%s: error: %v\n", addr, r.Err)
			continue
		}
		fmt.Fprintf(out, "%s: %s\n", addr, format(r.Value))
	}
}

func formatStats(stats map[string]string) string {
	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "\n  %s: %s", name, stats[name])
	}
	return b.String()
}
