package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/withObsrvr/ttp-processor-demo/txn-etl/logging"
)

// RetryPolicy defines retry behavior
type RetryPolicy struct {
	MaxRetries     int           // retries after the first attempt
	InitialDelay   time.Duration
	MaxDelay       time.Duration // 0 = uncapped
	BackoffFactor  float64
	JitterFactor   float64
	AttemptTimeout time.Duration // 0 = no per-attempt deadline
}

// UploadRetryPolicy is used for blob uploads: 3 retries at 500ms, 1s, 2s with
// a 300s deadline on each attempt.
func UploadRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:     3,
		InitialDelay:   500 * time.Millisecond,
		BackoffFactor:  2.0,
		AttemptTimeout: 300 * time.Second,
	}
}

// RetryManager handles retry logic with backoff
type RetryManager struct {
	policy  *RetryPolicy
	logger  *logging.ComponentLogger
	metrics *RetryMetrics
	mu      sync.RWMutex

	// sleep waits between attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// RetryMetrics tracks retry statistics
type RetryMetrics struct {
	TotalAttempts     int64
	SuccessfulRetries int64
	FailedRetries     int64
	TotalRetryTime    time.Duration
}

// NewRetryManager creates a new retry manager
func NewRetryManager(policy *RetryPolicy, logger *logging.ComponentLogger) *RetryManager {
	if policy == nil {
		policy = UploadRetryPolicy()
	}

	return &RetryManager{
		policy:  policy,
		logger:  logger,
		metrics: &RetryMetrics{},
		sleep:   sleepContext,
	}
}

// WithSleeper replaces the wait between attempts.
func (rm *RetryManager) WithSleeper(sleep func(ctx context.Context, d time.Duration) error) *RetryManager {
	rm.sleep = sleep
	return rm
}

// Execute runs fn until it succeeds or the retry budget is exhausted. Each
// attempt gets its own deadline when the policy sets AttemptTimeout.
func (rm *RetryManager) Execute(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	startTime := time.Now()
	maxAttempts := rm.policy.MaxRetries + 1

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := rm.attempt(ctx, fn)
		rm.recordAttempt()
		if err == nil {
			if attempt > 1 {
				rm.recordSuccess(time.Since(startTime))
				rm.logger.Info().
					Str("operation", operation).
					Int("attempts", attempt).
					Dur("total_time", time.Since(startTime)).
					Msg("Operation succeeded after retry")
			}
			return nil
		}

		if attempt >= maxAttempts {
			rm.recordFailure(time.Since(startTime))
			rm.logger.Error().
				Str("operation", operation).
				Int("attempts", attempt).
				Err(err).
				Msg("Operation failed after max attempts")
			return fmt.Errorf("%s failed after %d attempts: %w", operation, attempt, err)
		}

		delay := rm.calculateDelay(attempt)
		rm.logger.Warn().
			Str("operation", operation).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Err(err).
			Msg("Operation failed, retrying")

		if err := rm.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (rm *RetryManager) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if rm.policy.AttemptTimeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, rm.policy.AttemptTimeout)
	defer cancel()

	err := fn(attemptCtx)
	if err == nil && attemptCtx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("attempt timed out after %s", rm.policy.AttemptTimeout)
	}
	return err
}

// calculateDelay returns the wait before retry number attempt (1-based).
func (rm *RetryManager) calculateDelay(attempt int) time.Duration {
	delay := float64(rm.policy.InitialDelay) * math.Pow(rm.policy.BackoffFactor, float64(attempt-1))

	if rm.policy.MaxDelay > 0 && delay > float64(rm.policy.MaxDelay) {
		delay = float64(rm.policy.MaxDelay)
	}

	if rm.policy.JitterFactor > 0 {
		jitter := delay * rm.policy.JitterFactor
		delay += (rand.Float64()*2 - 1) * jitter
	}

	return time.Duration(delay)
}

func (rm *RetryManager) recordAttempt() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.metrics.TotalAttempts++
}

func (rm *RetryManager) recordSuccess(duration time.Duration) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.metrics.SuccessfulRetries++
	rm.metrics.TotalRetryTime += duration
}

func (rm *RetryManager) recordFailure(duration time.Duration) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.metrics.FailedRetries++
	rm.metrics.TotalRetryTime += duration
}

// GetMetrics returns a copy of the retry metrics
func (rm *RetryManager) GetMetrics() RetryMetrics {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return *rm.metrics
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
