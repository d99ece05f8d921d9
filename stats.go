package memcachebin

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/pior/memcachebin/binprot"
)

// PoolStats contains statistics about a connection pool.
//
// For Prometheus integration, expose these as:
//   - Gauges: TotalConns, IdleConns, ActiveConns
//   - Counters: AcquireCount, AcquireWaitCount, CreatedConns, DestroyedConns, AcquireErrors
//   - Histogram: AcquireWaitDuration (use AcquireWaitCount and AcquireWaitTimeNs to calculate)
type PoolStats struct {
	AcquireCount      uint64 // Total acquire attempts
	AcquireWaitCount  uint64 // Acquires that had to wait
	CreatedConns      uint64 // Total connections created
	DestroyedConns    uint64 // Total connections destroyed
	AcquireErrors     uint64 // Failed acquire attempts
	AcquireWaitTimeNs uint64 // Total nanoseconds spent waiting

	TotalConns  int32 // Total connections in pool (active + idle)
	IdleConns   int32 // Idle connections available
	ActiveConns int32 // Connections currently acquired
}

// ClientStats contains statistics about client operations.
//
// For Prometheus integration, expose these as:
//   - Counters: one per operation, plus Errors
//   - Counter: GetHits (derive hit rate as GetHits/Gets)
type ClientStats struct {
	Gets       uint64 // Get requests, multi-get keys included
	GetHits    uint64 // Get requests that found the key
	Stores     uint64 // Set, Add, Replace, Append and Prepend requests
	Deletes    uint64
	Counters   uint64 // Increment and Decrement requests
	Touches    uint64
	Broadcasts uint64 // Flush, Stat and Version requests, counted per node
	Errors     uint64 // Requests that returned an error
	Timeouts   uint64 // Requests abandoned on deadline, included in Errors
}

// poolStatsCollector backs PoolStats for pools that do their own bookkeeping.
type poolStatsCollector struct {
	acquires, waits, waitNanos atomic.Uint64
	created, destroyed, failures atomic.Uint64

	total, idle, active atomic.Int32
}

func newPoolStatsCollector() *poolStatsCollector {
	return &poolStatsCollector{}
}

func (c *poolStatsCollector) recordAcquire() {
	c.acquires.Add(1)
}

func (c *poolStatsCollector) recordAcquireWait(d time.Duration) {
	c.waits.Add(1)
	c.waitNanos.Add(uint64(d.Nanoseconds()))
}

func (c *poolStatsCollector) recordAcquireError() {
	c.failures.Add(1)
}

func (c *poolStatsCollector) recordCreate() {
	c.created.Add(1)
	c.total.Add(1)
}

func (c *poolStatsCollector) recordDestroy() {
	c.destroyed.Add(1)
	c.total.Add(-1)
}

// recordIdleDestroy is recordDestroy for a connection that was idle.
func (c *poolStatsCollector) recordIdleDestroy() {
	c.recordDestroy()
	c.idle.Add(-1)
}

// Transitions between idle and active.

func (c *poolStatsCollector) recordActivate()   { c.active.Add(1) }
func (c *poolStatsCollector) recordDeactivate() { c.active.Add(-1) }

func (c *poolStatsCollector) recordAcquireFromIdle() {
	c.idle.Add(-1)
	c.active.Add(1)
}

func (c *poolStatsCollector) recordRelease() {
	c.idle.Add(1)
	c.active.Add(-1)
}

func (c *poolStatsCollector) snapshot() PoolStats {
	return PoolStats{
		AcquireCount:      c.acquires.Load(),
		AcquireWaitCount:  c.waits.Load(),
		CreatedConns:      c.created.Load(),
		DestroyedConns:    c.destroyed.Load(),
		AcquireErrors:     c.failures.Load(),
		AcquireWaitTimeNs: c.waitNanos.Load(),
		TotalConns:        c.total.Load(),
		IdleConns:         c.idle.Load(),
		ActiveConns:       c.active.Load(),
	}
}

type clientStatsCollector struct {
	stats ClientStats
}

func newClientStatsCollector() *clientStatsCollector {
	return &clientStatsCollector{}
}

// record counts one request by opcode. hit is only meaningful for gets.
func (c *clientStatsCollector) record(op binprot.Opcode, hit bool, err error) {
	switch op {
	case binprot.OpGet, binprot.OpGets:
		atomic.AddUint64(&c.stats.Gets, 1)
		if hit {
			atomic.AddUint64(&c.stats.GetHits, 1)
		}
	case binprot.OpSet, binprot.OpAdd, binprot.OpReplace, binprot.OpAppend, binprot.OpPrepend:
		atomic.AddUint64(&c.stats.Stores, 1)
	case binprot.OpDelete:
		atomic.AddUint64(&c.stats.Deletes, 1)
	case binprot.OpIncrement, binprot.OpDecrement:
		atomic.AddUint64(&c.stats.Counters, 1)
	case binprot.OpTouch:
		atomic.AddUint64(&c.stats.Touches, 1)
	case binprot.OpFlush, binprot.OpStat, binprot.OpVersion:
		atomic.AddUint64(&c.stats.Broadcasts, 1)
	}

	if err != nil {
		c.recordError(err)
	}
}

func (c *clientStatsCollector) recordError(err error) {
	atomic.AddUint64(&c.stats.Errors, 1)
	var timeout *TimeoutError
	if errors.As(err, &timeout) {
		atomic.AddUint64(&c.stats.Timeouts, 1)
	}
}

func (c *clientStatsCollector) snapshot() ClientStats {
	return ClientStats{
		Gets:       atomic.LoadUint64(&c.stats.Gets),
		GetHits:    atomic.LoadUint64(&c.stats.GetHits),
		Stores:     atomic.LoadUint64(&c.stats.Stores),
		Deletes:    atomic.LoadUint64(&c.stats.Deletes),
		Counters:   atomic.LoadUint64(&c.stats.Counters),
		Touches:    atomic.LoadUint64(&c.stats.Touches),
		Broadcasts: atomic.LoadUint64(&c.stats.Broadcasts),
		Errors:     atomic.LoadUint64(&c.stats.Errors),
		Timeouts:   atomic.LoadUint64(&c.stats.Timeouts),
	}
}
