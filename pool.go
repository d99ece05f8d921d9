package memcachebin

import (
	"context"
	"errors"
	"time"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("memcache: pool closed")

// Constructor opens a new connection for a pool.
type Constructor func(ctx context.Context) (*Connection, error)

// PoolFactory creates the connection pool of one node.
type PoolFactory func(constructor Constructor, maxSize int32) (Pool, error)

// Pool holds the connections of one node.
//
// A connection is acquired only while requests are written to it. Responses
// are awaited after Release, so many calls pipeline on the same connection.
type Pool interface {
	Acquire(ctx context.Context) (Resource, error)

	// AcquireAllIdle acquires every idle connection, for maintenance.
	AcquireAllIdle() []Resource

	Close()

	Stats() PoolStats
}

// Resource is a pooled connection. Exactly one of Release, ReleaseUnused or
// Destroy must be called.
type Resource interface {
	Value() *Connection
	Release()
	// ReleaseUnused returns the connection without updating its last use.
	ReleaseUnused()
	Destroy()
	CreationTime() time.Time
	IdleDuration() time.Duration
}
