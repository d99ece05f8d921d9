package memcachebin

import (
	"context"
	"fmt"
	"time"

	"github.com/pior/memcachebin/codec"
)

// ItemStore is the keyed subset of the commands used by Typed. It is
// implemented by *Client and *Commands.
type ItemStore interface {
	Get(ctx context.Context, key string) (Item, error)
	Set(ctx context.Context, item Item) (StoreResult, error)
	Add(ctx context.Context, item Item) (StoreResult, error)
	Replace(ctx context.Context, item Item) (StoreResult, error)
	CompareAndSwap(ctx context.Context, item Item) (StoreResult, error)
	GetMulti(ctx context.Context, keys []string) ([]Item, error)
}

var (
	_ ItemStore = (*Client)(nil)
	_ ItemStore = (*Commands)(nil)
)

// FormatError is returned when a stored value was written by another codec.
type FormatError struct {
	Key  string
	Want codec.Format
	Got  codec.Format
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("memcache: key %q holds a %s value, expected %s", e.Key, e.Got, e.Want)
}

// TypedItem is a decoded value with its CAS.
type TypedItem[V any] struct {
	Key   string
	Value V
	CAS   uint64
	Found bool
}

// Typed stores values of type V through a codec. The codec format is written
// in the item flags and checked on every read.
type Typed[V any] struct {
	store ItemStore
	codec codec.Codec[V]
}

func NewTyped[V any](store ItemStore, c codec.Codec[V]) *Typed[V] {
	return &Typed[V]{store: store, codec: c}
}

func (t *Typed[V]) decode(item Item) (TypedItem[V], error) {
	out := TypedItem[V]{Key: item.Key, CAS: item.CAS, Found: item.Found}
	if !item.Found {
		return out, nil
	}

	if got := codec.Format(item.Flags); got != t.codec.Format() {
		return out, &FormatError{Key: item.Key, Want: t.codec.Format(), Got: got}
	}

	v, err := t.codec.Decode(item.Value)
	if err != nil {
		return out, fmt.Errorf("memcache: decode %q: %w", item.Key, err)
	}
	out.Value = v
	return out, nil
}

func (t *Typed[V]) encode(key string, v V, ttl time.Duration, cas uint64) (Item, error) {
	b, err := t.codec.Encode(v)
	if err != nil {
		return Item{}, fmt.Errorf("memcache: encode %q: %w", key, err)
	}
	return Item{Key: key, Value: b, Flags: uint32(t.codec.Format()), TTL: ttl, CAS: cas}, nil
}

// Get returns the decoded value of key. A missing key has Found=false.
func (t *Typed[V]) Get(ctx context.Context, key string) (TypedItem[V], error) {
	item, err := t.store.Get(ctx, key)
	if err != nil {
		return TypedItem[V]{Key: key}, err
	}
	return t.decode(item)
}

// GetMulti returns the decoded values of keys in order. A value written by
// another codec fails the whole call.
func (t *Typed[V]) GetMulti(ctx context.Context, keys []string) ([]TypedItem[V], error) {
	items, err := t.store.GetMulti(ctx, keys)
	if err != nil {
		return nil, err
	}

	out := make([]TypedItem[V], len(items))
	for i, item := range items {
		if out[i], err = t.decode(item); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (t *Typed[V]) Set(ctx context.Context, key string, v V, ttl time.Duration) (StoreResult, error) {
	item, err := t.encode(key, v, ttl, 0)
	if err != nil {
		return StoreResult{}, err
	}
	return t.store.Set(ctx, item)
}

func (t *Typed[V]) Add(ctx context.Context, key string, v V, ttl time.Duration) (StoreResult, error) {
	item, err := t.encode(key, v, ttl, 0)
	if err != nil {
		return StoreResult{}, err
	}
	return t.store.Add(ctx, item)
}

func (t *Typed[V]) Replace(ctx context.Context, key string, v V, ttl time.Duration) (StoreResult, error) {
	item, err := t.encode(key, v, ttl, 0)
	if err != nil {
		return StoreResult{}, err
	}
	return t.store.Replace(ctx, item)
}

// CompareAndSwap stores v only if key still has the given CAS.
func (t *Typed[V]) CompareAndSwap(ctx context.Context, key string, v V, cas uint64, ttl time.Duration) (StoreResult, error) {
	item, err := t.encode(key, v, ttl, cas)
	if err != nil {
		return StoreResult{}, err
	}
	return t.store.CompareAndSwap(ctx, item)
}
