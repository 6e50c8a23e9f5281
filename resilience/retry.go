package resilience

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"atlas.crawlops.org/common"
)

// Strategy selects how retry delays grow between attempts.
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"
	StrategyLinear      Strategy = "linear"
	StrategyExponential Strategy = "exponential"
	StrategyFibonacci   Strategy = "fibonacci"
)

// RetryConfig tunes a Retryer.
type RetryConfig struct {
	MaxRetries int
	Strategy   Strategy
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Jitter     bool
	JitterMin  float64 // multiplier range lower bound
	JitterMax  float64 // multiplier range upper bound

	// RetryIf decides whether an error is retryable. Nil retries every
	// error except context cancellation.
	RetryIf func(error) bool

	// OnRetry is invoked before each sleep with (attempt, err, delay).
	OnRetry func(int, error, time.Duration)
}

// DefaultRetryConfig mirrors the production defaults: three retries with
// exponential backoff and jitter in [0.5, 1.5].
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		Strategy:   StrategyExponential,
		BaseDelay:  time.Second,
		MaxDelay:   60 * time.Second,
		Jitter:     true,
		JitterMin:  0.5,
		JitterMax:  1.5,
	}
}

// Retryer executes operations with the configured retry policy.
type Retryer struct {
	config RetryConfig

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRetryer creates a Retryer, filling zero config fields with defaults.
func NewRetryer(config RetryConfig) *Retryer {
	def := DefaultRetryConfig()
	if config.MaxRetries <= 0 {
		config.MaxRetries = def.MaxRetries
	}
	if config.Strategy == "" {
		config.Strategy = def.Strategy
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = def.BaseDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = def.MaxDelay
	}
	if config.JitterMin <= 0 {
		config.JitterMin = def.JitterMin
	}
	if config.JitterMax <= 0 {
		config.JitterMax = def.JitterMax
	}
	return &Retryer{
		config: config,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WithRand injects a deterministic random source for tests.
func (r *Retryer) WithRand(rng *rand.Rand) *Retryer {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rng = rng
	return r
}

// Delay computes the sleep before retrying after the given zero-based
// attempt, capped at MaxDelay and then multiplied by jitter.
func (r *Retryer) Delay(attempt int) time.Duration {
	var delay time.Duration

	switch r.config.Strategy {
	case StrategyFixed:
		delay = r.config.BaseDelay
	case StrategyLinear:
		delay = r.config.BaseDelay * time.Duration(attempt+1)
	case StrategyFibonacci:
		a, b := 1, 1
		for i := 0; i < attempt; i++ {
			a, b = b, a+b
		}
		delay = r.config.BaseDelay * time.Duration(a)
	default: // exponential
		delay = r.config.BaseDelay << uint(attempt)
	}

	if delay > r.config.MaxDelay {
		delay = r.config.MaxDelay
	}

	if r.config.Jitter {
		r.mu.Lock()
		mult := r.config.JitterMin + r.rng.Float64()*(r.config.JitterMax-r.config.JitterMin)
		r.mu.Unlock()
		delay = time.Duration(float64(delay) * mult)
	}

	return delay
}

// shouldRetry applies the retry predicate. Context cancellation is never
// retried.
func (r *Retryer) shouldRetry(err error) bool {
	if err == context.Canceled || err == context.DeadlineExceeded {
		return false
	}
	if r.config.RetryIf != nil {
		return r.config.RetryIf(err)
	}
	return true
}

// Do runs op until it succeeds, the retry budget is exhausted, or the
// context is canceled. The context is honored during the backoff sleep.
func (r *Retryer) Do(ctx context.Context, name string, op func(context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		if attempt >= r.config.MaxRetries {
			common.Logger.WithField("operation", name).
				WithField("attempts", attempt+1).
				Errorf("retry budget exhausted: %v", lastErr)
			return lastErr
		}

		if !r.shouldRetry(lastErr) {
			common.Logger.WithField("operation", name).
				Warnf("non-retryable error: %v", lastErr)
			return lastErr
		}

		delay := r.Delay(attempt)
		common.Logger.WithField("operation", name).
			WithField("attempt", attempt+1).
			WithField("delay", delay.Round(time.Millisecond).String()).
			Warnf("retrying after error: %v", lastErr)

		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt+1, lastErr, delay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return lastErr
}

// RetryTransient is the predicate used for store operations: only
// connection-level failures are retried.
func RetryTransient(err error) bool {
	return common.IsConnectionError(err)
}
