package memcachebin

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/jackc/puddle/v2"
)

// NewPuddlePool creates a connection pool backed by github.com/jackc/puddle.
//
//	Config{Pool: memcachebin.NewPuddlePool}
func NewPuddlePool(constructor Constructor, maxSize int32) (Pool, error) {
	if maxSize <= 0 {
		maxSize = 1
	}
	p := &puddlePool{}

	pool, err := puddle.NewPool(&puddle.Config[*Connection]{
		Constructor: func(ctx context.Context) (*Connection, error) {
			conn, err := constructor(ctx)
			if err != nil {
				p.dialErrors.Add(1)
				return nil, err
			}
			p.created.Add(1)
			return conn, nil
		},
		Destructor: func(conn *Connection) {
			p.destroyed.Add(1)
			_ = conn.Close()
		},
		MaxSize: maxSize,
	})
	if err != nil {
		return nil, err
	}
	p.pool = pool
	return p, nil
}

type puddlePool struct {
	pool *puddle.Pool[*Connection]

	created    atomic.Uint64
	destroyed  atomic.Uint64
	dialErrors atomic.Uint64
}

// Acquire skips idle connections whose stream died; puddle destroys them in
// the background and the next attempt dials a replacement.
func (p *puddlePool) Acquire(ctx context.Context) (Resource, error) {
	for {
		res, err := p.pool.Acquire(ctx)
		if errors.Is(err, puddle.ErrClosedPool) {
			return nil, ErrPoolClosed
		}
		if err != nil {
			return nil, err
		}
		if res.Value().IsClosed() {
			res.Destroy()
			continue
		}
		return res, nil
	}
}

// AcquireAllIdle returns the live idle connections. Dead ones are destroyed.
func (p *puddlePool) AcquireAllIdle() []Resource {
	var live []Resource
	for _, res := range p.pool.AcquireAllIdle() {
		if res.Value().IsClosed() {
			res.Destroy()
			continue
		}
		live = append(live, res)
	}
	return live
}

func (p *puddlePool) Close() {
	p.pool.Close()
}

func (p *puddlePool) Stats() PoolStats {
	s := p.pool.Stat()
	return PoolStats{
		TotalConns:        s.TotalResources(),
		IdleConns:         s.IdleResources(),
		ActiveConns:       s.AcquiredResources(),
		AcquireCount:      uint64(s.AcquireCount()) + uint64(s.CanceledAcquireCount()) + p.dialErrors.Load(),
		AcquireWaitCount:  uint64(s.EmptyAcquireCount()),
		AcquireWaitTimeNs: uint64(s.EmptyAcquireWaitTime()),
		CreatedConns:      p.created.Load(),
		DestroyedConns:    p.destroyed.Load(),
		AcquireErrors:     uint64(s.CanceledAcquireCount()) + p.dialErrors.Load(),
	}
}
