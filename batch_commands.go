package memcachebin

import (
	"context"

	"github.com/pior/memcachebin/binprot"
)

// BatchCommands pipelines several requests to one server. All requests go to
// the same executor; Client.GetMulti groups keys by node first.
type BatchCommands struct {
	executor BatchExecutor
}

func NewBatchCommands(executor BatchExecutor) *BatchCommands {
	return &BatchCommands{
		executor: executor,
	}
}

// GetMulti sends one quiet get per key and a Noop terminator. Only hits are
// answered, so misses cost no response frame.
// Returns items in the same order as keys, with Found=false for misses.
func (b *BatchCommands) GetMulti(ctx context.Context, keys []string) ([]Item, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	reqs := make([]*binprot.Request, len(keys))
	for i, key := range keys {
		reqs[i] = binprot.NewRequest(binprot.OpGets, key, nil, nil)
		if err := reqs[i].Validate(); err != nil {
			return nil, err
		}
	}

	results, err := b.executor.ExecuteBatch(ctx, reqs)
	if err != nil {
		return nil, err
	}

	items := make([]Item, len(keys))
	for i, frames := range results {
		if len(frames) == 0 {
			items[i] = Item{Key: keys[i]}
			continue
		}
		resp, err := single(frames)
		if err != nil {
			return nil, err
		}
		item, err := itemFromResponse(keys[i], resp)
		if err != nil {
			return nil, err
		}
		items[i] = item
	}
	return items, nil
}

// SetMulti stores items in one pipeline and returns their outcomes in order.
// CAS tokens on the items are honored.
func (b *BatchCommands) SetMulti(ctx context.Context, items []Item) ([]StoreResult, error) {
	if len(items) == 0 {
		return nil, nil
	}

	reqs := make([]*binprot.Request, len(items))
	for i, item := range items {
		req := binprot.NewRequest(binprot.OpSet, item.Key, binprot.StoreExtras(item.Flags, Expiration(item.TTL)), item.Value)
		req.CAS = item.CAS
		if err := req.Validate(); err != nil {
			return nil, err
		}
		reqs[i] = req
	}

	results, err := b.executor.ExecuteBatch(ctx, reqs)
	if err != nil {
		return nil, err
	}

	out := make([]StoreResult, len(items))
	for i, frames := range results {
		resp, err := single(frames)
		if err != nil {
			return nil, err
		}
		out[i], err = storeOutcome(reqs[i], resp)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// DeleteMulti removes keys in one pipeline. The result reports, per key,
// whether it existed.
func (b *BatchCommands) DeleteMulti(ctx context.Context, keys []string) ([]bool, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	reqs := make([]*binprot.Request, len(keys))
	for i, key := range keys {
		reqs[i] = binprot.NewRequest(binprot.OpDelete, key, nil, nil)
		if err := reqs[i].Validate(); err != nil {
			return nil, err
		}
	}

	results, err := b.executor.ExecuteBatch(ctx, reqs)
	if err != nil {
		return nil, err
	}

	deleted := make([]bool, len(keys))
	for i, frames := range results {
		resp, err := single(frames)
		if err != nil {
			return nil, err
		}
		switch resp.Status {
		case binprot.StatusSuccess:
			deleted[i] = true
		case binprot.StatusKeyNotFound:
		default:
			return nil, resp.StatusError()
		}
	}
	return deleted, nil
}
