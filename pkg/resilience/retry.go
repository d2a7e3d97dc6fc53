package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryPolicy defines different retry strategies
type RetryPolicy string

const (
	// RetryPolicyFixed uses fixed delay between retries
	RetryPolicyFixed RetryPolicy = "fixed"
	// RetryPolicyExponential uses exponential backoff
	RetryPolicyExponential RetryPolicy = "exponential"
)

// RetryConfig configuration for retry mechanisms
type RetryConfig struct {
	Name        string        `json:"name"`
	MaxAttempts int           `json:"max_attempts"` // total attempts including the first
	BaseDelay   time.Duration `json:"base_delay"`   // delay before the first retry
	MaxDelay    time.Duration `json:"max_delay"`
	Multiplier  float64       `json:"multiplier"`
	Jitter      bool          `json:"jitter"`
	JitterRange float64       `json:"jitter_range"` // 0.0 to 1.0
	Policy      RetryPolicy   `json:"policy"`

	// IsRetryable decides whether a failed attempt should be retried
	IsRetryable func(error) bool `json:"-"`
	// OnRetry is called after a failed attempt, before waiting
	OnRetry func(attempt int, err error) `json:"-"`
}

// DefaultRetryConfig returns default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		Name:        "default",
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
		JitterRange: 0.1,
		Policy:      RetryPolicyExponential,
		IsRetryable: defaultRetryable,
	}
}

// RetryMetrics tracks retry statistics
type RetryMetrics struct {
	Name           string `json:"name"`
	TotalCalls     int64  `json:"total_calls"`
	TotalRetries   int64  `json:"total_retries"`
	TotalSuccesses int64  `json:"total_successes"`
	TotalFailures  int64  `json:"total_failures"`
}

// Common retry errors
var (
	ErrMaxAttemptsExceeded  = errors.New("maximum retry attempts exceeded")
	ErrNotRetryable         = errors.New("error is not retryable")
	ErrRetryContextCanceled = errors.New("retry context canceled")
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so that no executor retries it
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

func defaultRetryable(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// RetryExecutor executes operations with retry logic
type RetryExecutor struct {
	config *RetryConfig

	calls     atomic.Int64
	retries   atomic.Int64
	successes atomic.Int64
	failures  atomic.Int64
}

// NewRetryExecutor creates a new retry executor
func NewRetryExecutor(config *RetryConfig) *RetryExecutor {
	if config == nil {
		config = DefaultRetryConfig()
	}

	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = 100 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 30 * time.Second
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0
	}
	if config.JitterRange < 0 || config.JitterRange > 1 {
		config.JitterRange = 0.1
	}
	if config.IsRetryable == nil {
		config.IsRetryable = defaultRetryable
	}

	log.Debug().
		Str("name", config.Name).
		Int("max_attempts", config.MaxAttempts).
		Dur("base_delay", config.BaseDelay).
		Str("policy", string(config.Policy)).
		Msg("Retry executor created")

	return &RetryExecutor{config: config}
}

// Execute runs operation until it succeeds, returns a non-retryable error,
// exhausts MaxAttempts, or ctx is done. The final error wraps the last
// attempt's error.
func (re *RetryExecutor) Execute(ctx context.Context, operation func(context.Context) error) error {
	re.calls.Add(1)

	var lastErr error
	for attempt := 1; attempt <= re.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			re.failures.Add(1)
			if lastErr != nil {
				return fmt.Errorf("%w: %w", ErrRetryContextCanceled, lastErr)
			}
			return fmt.Errorf("%w: %w", ErrRetryContextCanceled, err)
		}

		err := operation(ctx)
		if err == nil {
			re.successes.Add(1)
			return nil
		}
		lastErr = err

		if IsPermanent(err) || !re.config.IsRetryable(err) {
			re.failures.Add(1)
			return fmt.Errorf("%w: %w", ErrNotRetryable, err)
		}

		if attempt == re.config.MaxAttempts {
			break
		}

		re.retries.Add(1)
		if re.config.OnRetry != nil {
			re.config.OnRetry(attempt, err)
		}

		delay := re.calculateDelay(attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			re.failures.Add(1)
			return fmt.Errorf("%w: %w", ErrRetryContextCanceled, lastErr)
		}
	}

	re.failures.Add(1)
	return fmt.Errorf("%w after %d attempts: %w", ErrMaxAttemptsExceeded, re.config.MaxAttempts, lastErr)
}

// calculateDelay calculates the delay before retrying after attempt
func (re *RetryExecutor) calculateDelay(attempt int) time.Duration {
	var delay time.Duration
	switch re.config.Policy {
	case RetryPolicyFixed:
		delay = re.config.BaseDelay
	default:
		delay = time.Duration(float64(re.config.BaseDelay) * math.Pow(re.config.Multiplier, float64(attempt-1)))
	}

	if delay > re.config.MaxDelay {
		delay = re.config.MaxDelay
	}
	if re.config.Jitter {
		delay = addJitter(delay, re.config.JitterRange)
	}
	return delay
}

func addJitter(delay time.Duration, jitterRange float64) time.Duration {
	if jitterRange <= 0 {
		return delay
	}
	jitterAmount := float64(delay) * jitterRange
	newDelay := float64(delay) + (rand.Float64()-0.5)*2*jitterAmount
	if newDelay < 0 {
		newDelay = float64(delay) * 0.1
	}
	return time.Duration(newDelay)
}

// GetMetrics returns current retry metrics
func (re *RetryExecutor) GetMetrics() *RetryMetrics {
	return &RetryMetrics{
		Name:           re.config.Name,
		TotalCalls:     re.calls.Load(),
		TotalRetries:   re.retries.Load(),
		TotalSuccesses: re.successes.Load(),
		TotalFailures:  re.failures.Load(),
	}
}

// String returns a string representation of the retry executor
func (re *RetryExecutor) String() string {
	m := re.GetMetrics()
	return fmt.Sprintf("RetryExecutor{name=%s, calls=%d, successes=%d, failures=%d}",
		m.Name, m.TotalCalls, m.TotalSuccesses, m.TotalFailures)
}

// WithExponentialBackoff creates a retry executor with exponential backoff
func WithExponentialBackoff(name string, maxAttempts int, baseDelay, maxDelay time.Duration) *RetryExecutor {
	return NewRetryExecutor(&RetryConfig{
		Name:        name,
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		MaxDelay:    maxDelay,
		Multiplier:  2.0,
		Jitter:      true,
		JitterRange: 0.1,
		Policy:      RetryPolicyExponential,
	})
}

// WithFixedDelay creates a retry executor with fixed delay
func WithFixedDelay(name string, maxAttempts int, delay time.Duration) *RetryExecutor {
	return NewRetryExecutor(&RetryConfig{
		Name:        name,
		MaxAttempts: maxAttempts,
		BaseDelay:   delay,
		MaxDelay:    delay,
		Policy:      RetryPolicyFixed,
	})
}
