// Package coarsetime is a clock that is cheap to read on hot paths.
// A background goroutine refreshes it every Resolution.
package coarsetime

import (
	"sync/atomic"
	"time"
)

// Resolution is how stale a reading can be.
const Resolution = 50 * time.Millisecond

var nanos atomic.Int64

func init() {
	nanos.Store(time.Now().UnixNano())

	ticker := time.NewTicker(Resolution)
	go func() {
		for t := range ticker.C {
			nanos.Store(t.UnixNano())
		}
	}()
}

// UnixNano returns the coarse current time in nanoseconds since the epoch.
func UnixNano() int64 {
	return nanos.Load()
}

func Now() time.Time {
	return time.Unix(0, nanos.Load())
}

// Since is time.Since on the coarse clock. It never returns a negative value.
func Since(t time.Time) time.Duration {
	return max(Now().Sub(t), 0)
}
