package memcachebin

import (
	"context"
	"fmt"
	"time"

	"github.com/pior/memcachebin/binprot"
)

// Executor sends one request and returns its response frames.
type Executor interface {
	Execute(ctx context.Context, req *binprot.Request) ([]*binprot.Response, error)
}

// BatchExecutor is an optional interface for executors that can pipeline
// several requests on one connection. Quiet requests that missed have no
// frames in the result.
type BatchExecutor interface {
	Executor
	ExecuteBatch(ctx context.Context, reqs []*binprot.Request) ([][]*binprot.Response, error)
}

// NoTTL is the expiration of items that never expire.
const NoTTL = 0

// maxRelativeExpiration is the largest expiration the server reads as a
// duration; larger values are absolute Unix times.
const maxRelativeExpiration = 60 * 60 * 24 * 30

// Expiration converts a TTL to the protocol expiration field. Durations over
// 30 days are sent as an absolute Unix time. Sub-second TTLs round up to one
// second so they never mean "no expiration".
func Expiration(ttl time.Duration) uint32 {
	if ttl <= 0 {
		return 0
	}
	secs := (ttl + time.Second - 1) / time.Second
	if secs > maxRelativeExpiration {
		return uint32(time.Now().Add(ttl).Unix())
	}
	return uint32(secs)
}

// Item is a cached value.
type Item struct {
	Key   string
	Value []byte
	Flags uint32

	// TTL is only used by writes.
	TTL time.Duration

	// CAS is set by reads and successful writes. A nonzero CAS on a write
	// makes it conditional.
	CAS uint64

	// Found is set by reads.
	Found bool
}

// StoreStatus is the outcome of a write the server did not reject as an error.
type StoreStatus int

const (
	Stored StoreStatus = iota
	// NotStored: Add on an existing key, or Replace, Append or Prepend on a
	// missing key.
	NotStored
	// CASMismatch: the item changed since its CAS was read.
	CASMismatch
	// NotFound: a CAS-conditional write on a missing key.
	NotFound
)

func (s StoreStatus) String() string {
	switch s {
	case Stored:
		return "Stored"
	case NotStored:
		return "NotStored"
	case CASMismatch:
		return "CASMismatch"
	case NotFound:
		return "NotFound"
	}
	return fmt.Sprintf("StoreStatus(%d)", int(s))
}

type StoreResult struct {
	Status StoreStatus
	// CAS of the stored item, when Stored.
	CAS uint64
}

func (r StoreResult) Stored() bool {
	return r.Status == Stored
}

// CounterResult is the outcome of Increment and Decrement.
type CounterResult struct {
	Value uint64
	CAS   uint64
	Found bool
}

// CounterSeeding selects how IncrementOrSeed and DecrementOrSeed create a
// missing counter.
type CounterSeeding int

const (
	// SeedOnServer sends the initial value with the request and lets the
	// server create the key. If the server answers KeyNotFound anyway, the
	// client falls back to SeedOnClient.
	SeedOnServer CounterSeeding = iota

	// SeedOnClient never lets the server create the key: a miss is followed
	// by an Add of the initial value, then one more attempt if another client
	// created the key first.
	SeedOnClient
)

func (s CounterSeeding) String() string {
	if s == SeedOnClient {
		return "client"
	}
	return "server"
}

// Commands implements the memcached commands on top of an Executor.
//
// With a *Node it talks to a single server; Client embeds one that routes
// each key to its node.
type Commands struct {
	executor Executor
	seeding  CounterSeeding
}

type CommandsOption func(*Commands)

func WithCounterSeeding(s CounterSeeding) CommandsOption {
	return func(c *Commands) {
		c.seeding = s
	}
}

func NewCommands(executor Executor, opts ...CommandsOption) *Commands {
	c := &Commands{executor: executor}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func single(frames []*binprot.Response) (*binprot.Response, error) {
	if len(frames) != 1 {
		return nil, &binprot.ProtocolError{Message: fmt.Sprintf("expected one response frame, got %d", len(frames))}
	}
	return frames[0], nil
}

// do validates req before anything is routed or written.
func (c *Commands) do(ctx context.Context, req *binprot.Request) (*binprot.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	frames, err := c.executor.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	return single(frames)
}

// Get returns the item stored at key, with its flags and CAS.
// A missing key is not an error: Found is false.
func (c *Commands) Get(ctx context.Context, key string) (Item, error) {
	resp, err := c.do(ctx, binprot.NewRequest(binprot.OpGet, key, nil, nil))
	if err != nil {
		return Item{}, err
	}
	return itemFromResponse(key, resp)
}

// Gets is Get for callers that intend to use the CAS token with
// CompareAndSwap. The binary protocol returns the CAS on every read.
func (c *Commands) Gets(ctx context.Context, key string) (Item, error) {
	return c.Get(ctx, key)
}

func itemFromResponse(key string, resp *binprot.Response) (Item, error) {
	switch resp.Status {
	case binprot.StatusSuccess:
		return Item{
			Key:   key,
			Value: resp.Value,
			Flags: resp.Flags(),
			CAS:   resp.CAS,
			Found: true,
		}, nil
	case binprot.StatusKeyNotFound:
		return Item{Key: key}, nil
	}
	return Item{}, resp.StatusError()
}

// Set stores the item unconditionally, or only if its CAS still matches when
// item.CAS is nonzero.
func (c *Commands) Set(ctx context.Context, item Item) (StoreResult, error) {
	return c.store(ctx, binprot.OpSet, item, item.CAS)
}

// Add stores the item only if the key does not exist.
func (c *Commands) Add(ctx context.Context, item Item) (StoreResult, error) {
	return c.store(ctx, binprot.OpAdd, item, 0)
}

// Replace stores the item only if the key exists.
func (c *Commands) Replace(ctx context.Context, item Item) (StoreResult, error) {
	return c.store(ctx, binprot.OpReplace, item, item.CAS)
}

// CompareAndSwap stores the item only if the key's CAS still equals item.CAS.
func (c *Commands) CompareAndSwap(ctx context.Context, item Item) (StoreResult, error) {
	if item.CAS == 0 {
		return StoreResult{}, ErrCASRequired
	}
	return c.store(ctx, binprot.OpSet, item, item.CAS)
}

// Append adds value after the existing value. It never creates the key.
func (c *Commands) Append(ctx context.Context, key string, value []byte) (StoreResult, error) {
	return c.store(ctx, binprot.OpAppend, Item{Key: key, Value: value}, 0)
}

// Prepend adds value before the existing value. It never creates the key.
func (c *Commands) Prepend(ctx context.Context, key string, value []byte) (StoreResult, error) {
	return c.store(ctx, binprot.OpPrepend, Item{Key: key, Value: value}, 0)
}

func (c *Commands) store(ctx context.Context, op binprot.Opcode, item Item, cas uint64) (StoreResult, error) {
	var extras []byte
	if op != binprot.OpAppend && op != binprot.OpPrepend {
		extras = binprot.StoreExtras(item.Flags, Expiration(item.TTL))
	}

	req := binprot.NewRequest(op, item.Key, extras, item.Value)
	req.CAS = cas

	resp, err := c.do(ctx, req)
	if err != nil {
		return StoreResult{}, err
	}
	return storeOutcome(req, resp)
}

func storeOutcome(req *binprot.Request, resp *binprot.Response) (StoreResult, error) {
	switch resp.Status {
	case binprot.StatusSuccess:
		return StoreResult{Status: Stored, CAS: resp.CAS}, nil

	case binprot.StatusKeyExists:
		if req.CAS != 0 {
			return StoreResult{Status: CASMismatch}, nil
		}
		if req.Opcode == binprot.OpAdd {
			return StoreResult{Status: NotStored}, nil
		}

	case binprot.StatusKeyNotFound:
		if req.CAS != 0 {
			return StoreResult{Status: NotFound}, nil
		}
		if req.Opcode != binprot.OpSet && req.Opcode != binprot.OpAdd {
			return StoreResult{Status: NotStored}, nil
		}

	case binprot.StatusItemNotStored:
		return StoreResult{Status: NotStored}, nil
	}

	return StoreResult{}, resp.StatusError()
}

// Delete removes key. It reports false when the key did not exist.
func (c *Commands) Delete(ctx context.Context, key string) (bool, error) {
	resp, err := c.do(ctx, binprot.NewRequest(binprot.OpDelete, key, nil, nil))
	if err != nil {
		return false, err
	}

	switch resp.Status {
	case binprot.StatusSuccess:
		return true, nil
	case binprot.StatusKeyNotFound:
		return false, nil
	}
	return false, resp.StatusError()
}

// Increment adds delta to the counter at key, wrapping at 2^64.
// A missing key is not created: Found is false.
func (c *Commands) Increment(ctx context.Context, key string, delta uint64) (CounterResult, error) {
	return c.counter(ctx, binprot.OpIncrement, key, delta, 0, binprot.NoCreateExpiration)
}

// Decrement subtracts delta from the counter at key, stopping at 0.
// A missing key is not created: Found is false.
func (c *Commands) Decrement(ctx context.Context, key string, delta uint64) (CounterResult, error) {
	return c.counter(ctx, binprot.OpDecrement, key, delta, 0, binprot.NoCreateExpiration)
}

// IncrementOrSeed increments the counter at key, creating it with initial
// (delta not applied) and ttl when it does not exist. How the key is created
// depends on the CounterSeeding.
func (c *Commands) IncrementOrSeed(ctx context.Context, key string, delta, initial uint64, ttl time.Duration) (uint64, error) {
	return c.counterOrSeed(ctx, binprot.OpIncrement, key, delta, initial, ttl)
}

// DecrementOrSeed is IncrementOrSeed for decrements.
func (c *Commands) DecrementOrSeed(ctx context.Context, key string, delta, initial uint64, ttl time.Duration) (uint64, error) {
	return c.counterOrSeed(ctx, binprot.OpDecrement, key, delta, initial, ttl)
}

func (c *Commands) counter(ctx context.Context, op binprot.Opcode, key string, delta, initial uint64, expiration uint32) (CounterResult, error) {
	req := binprot.NewRequest(op, key, binprot.CounterExtras(delta, initial, expiration), nil)
	resp, err := c.do(ctx, req)
	if err != nil {
		return CounterResult{}, err
	}

	switch resp.Status {
	case binprot.StatusSuccess:
		v, err := resp.Counter()
		if err != nil {
			return CounterResult{}, err
		}
		return CounterResult{Value: v, CAS: resp.CAS, Found: true}, nil
	case binprot.StatusKeyNotFound:
		return CounterResult{}, nil
	}
	return CounterResult{}, resp.StatusError()
}

func (c *Commands) counterOrSeed(ctx context.Context, op binprot.Opcode, key string, delta, initial uint64, ttl time.Duration) (uint64, error) {
	if c.seeding == SeedOnServer {
		exp := Expiration(ttl)
		if exp == binprot.NoCreateExpiration {
			exp--
		}
		res, err := c.counter(ctx, op, key, delta, initial, exp)
		if err != nil {
			return 0, err
		}
		if res.Found {
			return res.Value, nil
		}
	} else {
		res, err := c.counter(ctx, op, key, delta, 0, binprot.NoCreateExpiration)
		if err != nil {
			return 0, err
		}
		if res.Found {
			return res.Value, nil
		}
	}

	return c.seedCounter(ctx, op, key, delta, initial, ttl)
}

func (c *Commands) seedCounter(ctx context.Context, op binprot.Opcode, key string, delta, initial uint64, ttl time.Duration) (uint64, error) {
	added, err := c.Add(ctx, Item{Key: key, Value: binprot.FormatCounter(initial), TTL: ttl})
	if err != nil {
		return 0, err
	}
	if added.Stored() {
		return initial, nil
	}

	// Another client created the key between the miss and the Add.
	res, err := c.counter(ctx, op, key, delta, 0, binprot.NoCreateExpiration)
	if err != nil {
		return 0, err
	}
	if !res.Found {
		return 0, &binprot.StatusError{Op: op, Status: binprot.StatusKeyNotFound, Message: "counter removed while seeding"}
	}
	return res.Value, nil
}

// Touch updates the expiration of key. It reports false when the key did not
// exist.
func (c *Commands) Touch(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	req := binprot.NewRequest(binprot.OpTouch, key, binprot.ExpirationExtras(Expiration(ttl)), nil)
	resp, err := c.do(ctx, req)
	if err != nil {
		return false, err
	}

	switch resp.Status {
	case binprot.StatusSuccess:
		return true, nil
	case binprot.StatusKeyNotFound:
		return false, nil
	}
	return false, resp.StatusError()
}

// Flush invalidates every item on the server.
func (c *Commands) Flush(ctx context.Context) error {
	return c.flush(ctx, nil)
}

// FlushWithDelay invalidates every item on the server once delay has passed.
func (c *Commands) FlushWithDelay(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return c.flush(ctx, nil)
	}
	return c.flush(ctx, binprot.ExpirationExtras(Expiration(delay)))
}

func (c *Commands) flush(ctx context.Context, extras []byte) error {
	resp, err := c.do(ctx, binprot.NewRequest(binprot.OpFlush, "", extras, nil))
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return resp.StatusError()
	}
	return nil
}

// Stats returns the server statistics of group; an empty group selects the
// general statistics.
func (c *Commands) Stats(ctx context.Context, group string) (map[string]string, error) {
	req := binprot.NewRequest(binprot.OpStat, group, nil, nil)
	if err := req.Validate(); err != nil {
		return nil, err
	}

	frames, err := c.executor.Execute(ctx, req)
	if err != nil {
		return nil, err
	}

	stats := make(map[string]string, len(frames))
	for _, resp := range frames {
		if !resp.IsSuccess() {
			return nil, resp.StatusError()
		}
		stats[resp.Key] = string(resp.Value)
	}
	return stats, nil
}

// Version returns the server version string.
func (c *Commands) Version(ctx context.Context) (string, error) {
	resp, err := c.do(ctx, binprot.NewRequest(binprot.OpVersion, "", nil, nil))
	if err != nil {
		return "", err
	}
	if !resp.IsSuccess() {
		return "", resp.StatusError()
	}
	return string(resp.Value), nil
}

// Noop round-trips an empty request.
func (c *Commands) Noop(ctx context.Context) error {
	resp, err := c.do(ctx, binprot.NewRequest(binprot.OpNoop, "", nil, nil))
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return resp.StatusError()
	}
	return nil
}

// GetMulti returns the items of keys in the same order. Missing keys have
// Found false. With a BatchExecutor the reads are pipelined as quiet gets;
// otherwise they are sent one at a time.
func (c *Commands) GetMulti(ctx context.Context, keys []string) ([]Item, error) {
	if batch, ok := c.executor.(BatchExecutor); ok {
		return NewBatchCommands(batch).GetMulti(ctx, keys)
	}

	items := make([]Item, len(keys))
	for i, key := range keys {
		item, err := c.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		items[i] = item
	}
	return items, nil
}
