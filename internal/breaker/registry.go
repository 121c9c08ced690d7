// Package breaker maintains one circuit breaker per destination (keyed by
// scheme plus authority) so a consistently failing receiver cannot absorb
// the delivery pool. Breaker state is process-local; a restart starts all
// destinations closed.
package breaker

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/compliflow/claimrelay/internal/metrics"
)

// ErrCircuitOpen is returned by Do when the host's breaker rejects the call
// without invoking it. Callers treat it as a retriable delivery failure.
var ErrCircuitOpen = errors.New("breaker: circuit open for destination host")

// Options configures breaker behavior for every host.
type Options struct {
	// FailureThreshold is the consecutive failure count that opens a host.
	FailureThreshold uint32
	// ResetTimeout is how long an open breaker waits before allowing a
	// half-open probe.
	ResetTimeout time.Duration
}

// Registry lazily creates and caches one breaker per host.
type Registry struct {
	opts    Options
	log     *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[struct{}]
}

// NewRegistry creates a breaker registry. metrics may be nil.
func NewRegistry(opts Options, log *slog.Logger, m *metrics.Metrics) *Registry {
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = 5
	}
	if opts.ResetTimeout <= 0 {
		opts.ResetTimeout = time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		opts:     opts,
		log:      log,
		metrics:  m,
		breakers: make(map[string]*gobreaker.CircuitBreaker[struct{}]),
	}
}

func (r *Registry) forHost(host string) *gobreaker.CircuitBreaker[struct{}] {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[host]; ok {
		return cb
	}
	threshold := r.opts.FailureThreshold
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:    host,
		Timeout: r.opts.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.log.Warn("circuit breaker state change",
				slog.String("host", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
			if r.metrics != nil {
				r.metrics.SetBreakerState(name, gaugeValue(to))
			}
		},
	})
	r.breakers[host] = cb
	return cb
}

// Do runs fn under the host's breaker. An error returned by fn counts as a
// breaker failure; callers that classify an outcome as non-countable must
// return nil from fn and carry the outcome out-of-band. When the breaker is
// open, Do returns ErrCircuitOpen without invoking fn.
func (r *Registry) Do(host string, fn func() error) error {
	cb := r.forHost(host)
	_, err := cb.Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

// State returns the breaker state for a host. Hosts never seen are closed.
func (r *Registry) State(host string) gobreaker.State {
	r.mu.Lock()
	cb, ok := r.breakers[host]
	r.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}

// OpenHosts lists hosts whose breaker is currently open, for the health
// endpoint's degraded signal.
func (r *Registry) OpenHosts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var open []string
	for host, cb := range r.breakers {
		if cb.State() == gobreaker.StateOpen {
			open = append(open, host)
		}
	}
	sort.Strings(open)
	return open
}

func gaugeValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateOpen:
		return metrics.BreakerOpen
	case gobreaker.StateHalfOpen:
		return metrics.BreakerHalfOpen
	default:
		return metrics.BreakerClosed
	}
}
