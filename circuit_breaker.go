package memcachebin

import (
	"time"

	"github.com/sony/gobreaker/v2"
)

// NewCircuitBreakerConfig returns a function that creates one circuit breaker
// per node. A breaker opens once at least 3 requests were seen in the
// interval and 60% of them failed.
//
// Only transport failures, protocol violations and timeouts count as
// failures; server statuses such as KeyNotFound never open a breaker.
func NewCircuitBreakerConfig(maxRequests uint32, interval, timeout time.Duration) func(string) *gobreaker.CircuitBreaker[bool] {
	return func(serverAddr string) *gobreaker.CircuitBreaker[bool] {
		settings := gobreaker.Settings{
			Name:        serverAddr,
			MaxRequests: maxRequests,
			Interval:    interval,
			Timeout:     timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 3 && failureRatio >= 0.6
			},
		}
		return gobreaker.NewCircuitBreaker[bool](settings)
	}
}

// runBreaker runs fn through cb. The breaker sees success for every outcome
// isBreakerFailure rejects, while the caller still gets fn's own error.
func runBreaker(cb *gobreaker.CircuitBreaker[bool], fn func() error) error {
	if cb == nil {
		return fn()
	}

	var callErr error
	_, err := cb.Execute(func() (bool, error) {
		callErr = fn()
		if isBreakerFailure(callErr) {
			return false, callErr
		}
		return true, nil
	})
	if callErr != nil {
		return callErr
	}
	return err
}
