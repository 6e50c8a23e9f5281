// Package resilience implements the admission and retry primitives that
// guard every external dependency of the control plane: a three-state
// circuit breaker with a sliding outcome window, a process-wide breaker
// registry, and a multi-strategy retryer with jittered backoff.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"atlas.crawlops.org/common"
)

// State is the circuit admission state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// BreakerConfig tunes a CircuitBreaker.
type BreakerConfig struct {
	FailureThreshold     int           // consecutive failures before opening
	FailureRateThreshold float64       // window failure rate before opening
	ResetTimeout         time.Duration // how long the circuit stays open
	HalfOpenMaxCalls     int           // probe budget while half-open
	WindowSize           int           // sliding window length
	MinCallsInWindow     int           // below this the circuit never opens
	SuccessThreshold     int           // consecutive successes to close
}

// DefaultBreakerConfig mirrors the production defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:     5,
		FailureRateThreshold: 0.5,
		ResetTimeout:         60 * time.Second,
		HalfOpenMaxCalls:     3,
		WindowSize:           10,
		MinCallsInWindow:     5,
		SuccessThreshold:     3,
	}
}

// BreakerStats is a snapshot of breaker counters.
type BreakerStats struct {
	TotalRequests        int64
	SuccessfulRequests   int64
	FailedRequests       int64
	RejectedRequests     int64
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastFailureTime      time.Time
	LastSuccessTime      time.Time
}

// FailureRate is failed / total over the breaker lifetime.
func (s BreakerStats) FailureRate() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.FailedRequests) / float64(s.TotalRequests)
}

// CircuitBreaker guards one external dependency. All methods are safe for
// concurrent use; Allow, the Record* methods and Reset change its state.
type CircuitBreaker struct {
	name   string
	config BreakerConfig

	mu              sync.Mutex
	state           State
	stats           BreakerStats
	window          []bool // sliding FIFO of outcomes, true = success
	halfOpenCalls   int
	lastStateChange time.Time

	clock func() time.Time
}

// NewCircuitBreaker creates a breaker with the given config. Zero-valued
// config fields fall back to defaults.
func NewCircuitBreaker(name string, config BreakerConfig) *CircuitBreaker {
	def := DefaultBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.FailureRateThreshold <= 0 {
		config.FailureRateThreshold = def.FailureRateThreshold
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = def.ResetTimeout
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}
	if config.WindowSize <= 0 {
		config.WindowSize = def.WindowSize
	}
	if config.MinCallsInWindow <= 0 {
		config.MinCallsInWindow = def.MinCallsInWindow
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = def.SuccessThreshold
	}

	return &CircuitBreaker{
		name:            name,
		config:          config,
		state:           StateClosed,
		window:          make([]bool, 0, config.WindowSize),
		lastStateChange: time.Now().UTC(),
		clock:           func() time.Time { return time.Now().UTC() },
	}
}

// WithClock injects a time source for tests.
func (cb *CircuitBreaker) WithClock(clock func() time.Time) *CircuitBreaker {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.clock = clock
	return cb
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// State returns the current state, applying the open→half_open timeout
// transition first.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.checkTransition()
	return cb.state
}

// Stats returns a snapshot of the breaker counters.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stats
}

// ResetIn reports how long until an open circuit admits probes again.
func (cb *CircuitBreaker) ResetIn() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateOpen {
		return 0
	}
	remaining := cb.config.ResetTimeout - cb.clock().Sub(cb.lastStateChange)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Allow reports whether a request may proceed. In half_open it admits
// requests only while the probe budget lasts. A rejected request is
// counted in RejectedRequests.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.checkTransition()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		cb.stats.RejectedRequests++
		return false
	default: // half-open
		if cb.halfOpenCalls < cb.config.HalfOpenMaxCalls {
			cb.halfOpenCalls++
			return true
		}
		cb.stats.RejectedRequests++
		return false
	}
}

// RecordSuccess records a successful call outcome.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.stats.TotalRequests++
	cb.stats.SuccessfulRequests++
	cb.stats.ConsecutiveSuccesses++
	cb.stats.ConsecutiveFailures = 0
	cb.stats.LastSuccessTime = cb.clock()
	cb.pushOutcome(true)
	cb.releaseProbe()

	if cb.state == StateHalfOpen && cb.stats.ConsecutiveSuccesses >= cb.config.SuccessThreshold {
		cb.transitionTo(StateClosed)
	}
}

// RecordFailure records a failed call outcome.
func (cb *CircuitBreaker) RecordFailure(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.stats.TotalRequests++
	cb.stats.FailedRequests++
	cb.stats.ConsecutiveFailures++
	cb.stats.ConsecutiveSuccesses = 0
	cb.stats.LastFailureTime = cb.clock()
	cb.pushOutcome(false)
	cb.releaseProbe()

	switch {
	case cb.state == StateHalfOpen:
		cb.transitionTo(StateOpen)
	case cb.state == StateClosed && cb.shouldOpen():
		cb.transitionTo(StateOpen)
	}

	if err != nil {
		common.Logger.WithField("circuit", cb.name).
			WithField("consecutive_failures", cb.stats.ConsecutiveFailures).
			Warnf("circuit failure recorded: %v", err)
	}
}

// Execute runs fn under the breaker, recording the outcome. When the
// circuit is open it returns common.ErrCircuitOpen without calling fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !cb.Allow() {
		return common.CircuitOpen(cb.name, cb.ResetIn())
	}
	if err := fn(ctx); err != nil {
		cb.RecordFailure(err)
		return err
	}
	cb.RecordSuccess()
	return nil
}

// Reset restores the breaker to its initial closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.stats = BreakerStats{}
	cb.window = cb.window[:0]
	cb.halfOpenCalls = 0
	cb.lastStateChange = cb.clock()
	common.Logger.WithField("circuit", cb.name).Info("circuit manually reset")
}

// Status returns a serializable view for dashboards.
func (cb *CircuitBreaker) Status() map[string]any {
	state := cb.State()
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return map[string]any{
		"name":  cb.name,
		"state": string(state),
		"stats": map[string]any{
			"total_requests":        cb.stats.TotalRequests,
			"successful_requests":   cb.stats.SuccessfulRequests,
			"failed_requests":       cb.stats.FailedRequests,
			"rejected_requests":     cb.stats.RejectedRequests,
			"failure_rate":          cb.stats.FailureRate(),
			"consecutive_failures":  cb.stats.ConsecutiveFailures,
			"consecutive_successes": cb.stats.ConsecutiveSuccesses,
		},
		"config": map[string]any{
			"failure_threshold":      cb.config.FailureThreshold,
			"reset_timeout_seconds":  int(cb.config.ResetTimeout.Seconds()),
			"failure_rate_threshold": cb.config.FailureRateThreshold,
		},
		"last_state_change": cb.lastStateChange.Format(time.RFC3339),
	}
}

// releaseProbe frees a half-open probe slot once its outcome lands.
// Callers hold mu.
func (cb *CircuitBreaker) releaseProbe() {
	if cb.state == StateHalfOpen && cb.halfOpenCalls > 0 {
		cb.halfOpenCalls--
	}
}

// pushOutcome appends to the bounded sliding window. Callers hold mu.
func (cb *CircuitBreaker) pushOutcome(success bool) {
	if len(cb.window) == cb.config.WindowSize {
		copy(cb.window, cb.window[1:])
		cb.window[len(cb.window)-1] = success
		return
	}
	cb.window = append(cb.window, success)
}

// shouldOpen evaluates the trip conditions. Callers hold mu.
func (cb *CircuitBreaker) shouldOpen() bool {
	if len(cb.window) < cb.config.MinCallsInWindow {
		return false
	}
	if cb.stats.ConsecutiveFailures >= cb.config.FailureThreshold {
		return true
	}
	failures := 0
	for _, ok := range cb.window {
		if !ok {
			failures++
		}
	}
	return float64(failures)/float64(len(cb.window)) >= cb.config.FailureRateThreshold
}

// checkTransition applies the open→half_open timeout. Callers hold mu.
func (cb *CircuitBreaker) checkTransition() {
	if cb.state == StateOpen && cb.clock().Sub(cb.lastStateChange) >= cb.config.ResetTimeout {
		cb.transitionTo(StateHalfOpen)
	}
}

// transitionTo switches state. Callers hold mu.
func (cb *CircuitBreaker) transitionTo(next State) {
	prev := cb.state
	cb.state = next
	cb.lastStateChange = cb.clock()

	if next == StateHalfOpen {
		cb.halfOpenCalls = 0
		cb.stats.ConsecutiveSuccesses = 0
	}

	breakerStateGauge.WithLabelValues(cb.name).Set(stateValue(next))
	common.Logger.WithField("circuit", cb.name).
		Infof("circuit state change: %s -> %s", prev, next)
}

var breakerStateGauge = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "crawlplane_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=half_open, 2=open).",
	},
	[]string{"name"},
)

func init() {
	prometheus.MustRegister(breakerStateGauge)
}

func stateValue(s State) float64 {
	switch s {
	case StateOpen:
		return 2
	case StateHalfOpen:
		return 1
	default:
		return 0
	}
}
