package memcachebin

import (
	"context"
	"sync"
	"time"

	"github.com/pior/memcachebin/internal/coarsetime"
)

// NewChannelPool creates the default pool. Idle connections wait in a
// buffered channel and a slot channel bounds how many may exist, so a waiter
// wakes up on whichever comes first: a released connection or a freed slot.
// Connections whose stream died while idle are discarded on the way out.
func NewChannelPool(constructor Constructor, maxSize int32) (Pool, error) {
	if maxSize <= 0 {
		maxSize = 1
	}
	p := &channelPool{
		constructor: constructor,
		idle:        make(chan *channelResource, maxSize),
		slots:       make(chan struct{}, maxSize),
		done:        make(chan struct{}),
		stats:       newPoolStatsCollector(),
	}
	for range maxSize {
		p.slots <- struct{}{}
	}
	return p, nil
}

type channelResource struct {
	conn     *Connection
	pool     *channelPool
	created  time.Time
	lastUsed time.Time
}

func (r *channelResource) Value() *Connection {
	return r.conn
}

func (r *channelResource) Release() {
	r.lastUsed = coarsetime.Now()
	r.pool.put(r)
}

func (r *channelResource) ReleaseUnused() {
	r.pool.put(r)
}

func (r *channelResource) Destroy() {
	r.pool.destroy(r)
}

func (r *channelResource) CreationTime() time.Time {
	return r.created
}

func (r *channelResource) IdleDuration() time.Duration {
	return coarsetime.Since(r.lastUsed)
}

type channelPool struct {
	constructor Constructor
	idle        chan *channelResource
	slots       chan struct{} // one token per connection that may still be opened
	stats       *poolStatsCollector

	mu     sync.Mutex // guards closed and sends on idle
	closed bool
	done   chan struct{}
}

func (p *channelPool) Acquire(ctx context.Context) (Resource, error) {
	p.stats.recordAcquire()

	select {
	case <-p.done:
		p.stats.recordAcquireError()
		return nil, ErrPoolClosed
	default:
	}

	if res, ok, err := p.tryAcquire(ctx); ok {
		return res, err
	}

	waitStart := time.Now()
	for {
		select {
		case res := <-p.idle:
			if r := p.checkout(res); r != nil {
				p.stats.recordAcquireWait(time.Since(waitStart))
				return r, nil
			}
		case <-p.slots:
			p.stats.recordAcquireWait(time.Since(waitStart))
			return p.open(ctx)
		case <-p.done:
			p.stats.recordAcquireError()
			return nil, ErrPoolClosed
		case <-ctx.Done():
			p.stats.recordAcquireError()
			return nil, ctx.Err()
		}
	}
}

// tryAcquire takes an idle connection or a free slot without blocking.
func (p *channelPool) tryAcquire(ctx context.Context) (Resource, bool, error) {
	for {
		select {
		case res := <-p.idle:
			if r := p.checkout(res); r != nil {
				return r, true, nil
			}
		case <-p.slots:
			r, err := p.open(ctx)
			return r, true, err
		default:
			return nil, false, nil
		}
	}
}

// checkout returns res, or nil when its connection died while idle.
func (p *channelPool) checkout(res *channelResource) *channelResource {
	if res.conn.IsClosed() {
		p.stats.recordIdleDestroy()
		p.slots <- struct{}{}
		return nil
	}
	p.stats.recordAcquireFromIdle()
	return res
}

// open dials a connection for a slot already taken by the caller.
func (p *channelPool) open(ctx context.Context) (Resource, error) {
	conn, err := p.constructor(ctx)
	if err != nil {
		p.slots <- struct{}{}
		p.stats.recordAcquireError()
		return nil, err
	}

	p.stats.recordCreate()
	p.stats.recordActivate()

	now := coarsetime.Now()
	return &channelResource{conn: conn, pool: p, created: now, lastUsed: now}, nil
}

func (p *channelPool) put(res *channelResource) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || res.conn.IsClosed() {
		p.destroyLocked(res)
		return
	}

	// Never blocks: idle holds maxSize and at most maxSize connections exist.
	p.idle <- res
	p.stats.recordRelease()
}

func (p *channelPool) destroy(res *channelResource) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destroyLocked(res)
}

func (p *channelPool) destroyLocked(res *channelResource) {
	_ = res.conn.Close()
	p.stats.recordDeactivate()
	p.stats.recordDestroy()
	p.slots <- struct{}{}
}

func (p *channelPool) AcquireAllIdle() []Resource {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}

	var idle []Resource
	for {
		select {
		case res := <-p.idle:
			p.stats.recordAcquireFromIdle()
			idle = append(idle, res)
		default:
			return idle
		}
	}
}

func (p *channelPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.done)

	for {
		select {
		case res := <-p.idle:
			_ = res.conn.Close()
			p.stats.recordIdleDestroy()
			p.slots <- struct{}{}
		default:
			return
		}
	}
}

func (p *channelPool) Stats() PoolStats {
	return p.stats.snapshot()
}
