package stackmob

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryStrategy defines how retries are performed: how long to wait
// before each attempt and which errors warrant another try.
//
// Built-in strategies: ExponentialBackoffStrategy (default),
// LinearBackoffStrategy, ConstantBackoffStrategy, NoRetryStrategy.
// Custom strategies only need to implement the two methods:
//
//	type squares struct{}
//
//	func (squares) NextInterval(attempt int) time.Duration {
//	    return time.Duration(attempt*attempt) * time.Second
//	}
//
//	func (squares) ShouldRetry(err error, attempt int) bool {
//	    return stackmob.IsRetryable(err) && attempt < 4
//	}
type RetryStrategy interface {
	// NextInterval returns the delay before the next retry attempt.
	// attempt starts at 1 for the first retry. Return 0 to stop.
	NextInterval(attempt int) time.Duration

	// ShouldRetry decides whether the error warrants another attempt.
	ShouldRetry(err error, attempt int) bool
}

// budgetedStrategy is implemented by strategies that carry a
// RetryBudget; the executor consults it for count/duration limits.
type budgetedStrategy interface {
	retryBudget() RetryBudget
}

// RetryBudget limits retries by attempt count, total elapsed time, and
// optionally by error type.
type RetryBudget struct {
	// MaxAttempts is the maximum number of retry attempts.
	// 0 means unlimited (not recommended).
	MaxAttempts int

	// MaxDuration caps the total time spent including retry delays.
	// 0 means no time limit.
	MaxDuration time.Duration

	// RetryableErrors restricts retries to the listed error types.
	// Empty allows all retryable errors.
	RetryableErrors []ErrorType
}

// DefaultRetryBudget returns 3 attempts within 30 seconds, any
// retryable error type.
func DefaultRetryBudget() RetryBudget {
	return RetryBudget{
		MaxAttempts: 3,
		MaxDuration: 30 * time.Second,
	}
}

// IsExhausted checks if the budget is spent
func (rb *RetryBudget) IsExhausted(attempt int, elapsed time.Duration) bool {
	if rb.MaxAttempts > 0 && attempt >= rb.MaxAttempts {
		return true
	}
	if rb.MaxDuration > 0 && elapsed >= rb.MaxDuration {
		return true
	}
	return false
}

// IsRetryable checks if an error is allowed by the budget
func (rb *RetryBudget) IsRetryable(err error) bool {
	if !IsRetryable(err) {
		return false
	}
	if len(rb.RetryableErrors) == 0 {
		return true
	}
	var enhancedErr *Error
	if errors.As(err, &enhancedErr) {
		for _, allowed := range rb.RetryableErrors {
			if enhancedErr.Type == allowed {
				return true
			}
		}
	}
	return false
}

// ExponentialBackoffStrategy implements exponential backoff with
// jitter:
//
//	base  = InitialInterval * Multiplier^(attempt-1)
//	delay = min(base, MaxInterval) ± Jitter
//
// This is the default strategy.
type ExponentialBackoffStrategy struct {
	// InitialInterval is the first retry delay.
	InitialInterval time.Duration

	// MaxInterval caps the delay.
	MaxInterval time.Duration

	// Multiplier is the exponential growth factor.
	Multiplier float64

	// Jitter is the randomization factor (0.0 to 1.0); 0.3 means ±30%.
	Jitter float64

	// Budget limits retries by count and duration.
	Budget RetryBudget
}

// DefaultExponentialBackoff returns 100ms initial, 5s cap, 2.0
// multiplier, ±30% jitter and the default budget.
func DefaultExponentialBackoff() *ExponentialBackoffStrategy {
	return &ExponentialBackoffStrategy{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2.0,
		Jitter:          0.3,
		Budget:          DefaultRetryBudget(),
	}
}

// NextInterval calculates the next retry interval
func (s *ExponentialBackoffStrategy) NextInterval(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	interval := float64(s.InitialInterval) * math.Pow(s.Multiplier, float64(attempt-1))
	if interval > float64(s.MaxInterval) {
		interval = float64(s.MaxInterval)
	}
	return applyJitter(interval, s.Jitter)
}

// ShouldRetry consults the budget's error filter
func (s *ExponentialBackoffStrategy) ShouldRetry(err error, attempt int) bool {
	return s.Budget.IsRetryable(err)
}

func (s *ExponentialBackoffStrategy) retryBudget() RetryBudget { return s.Budget }

// LinearBackoffStrategy retries at a fixed interval with optional
// jitter.
type LinearBackoffStrategy struct {
	// Interval is the delay between retries.
	Interval time.Duration

	// Jitter is the randomization factor (0.0 to 1.0).
	Jitter float64

	// Budget limits retries.
	Budget RetryBudget
}

// DefaultLinearBackoff returns 1s interval, ±10% jitter, default budget.
func DefaultLinearBackoff() *LinearBackoffStrategy {
	return &LinearBackoffStrategy{
		Interval: 1 * time.Second,
		Jitter:   0.1,
		Budget:   DefaultRetryBudget(),
	}
}

// NextInterval returns the next retry interval
func (s *LinearBackoffStrategy) NextInterval(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return applyJitter(float64(s.Interval), s.Jitter)
}

// ShouldRetry consults the budget's error filter
func (s *LinearBackoffStrategy) ShouldRetry(err error, attempt int) bool {
	return s.Budget.IsRetryable(err)
}

func (s *LinearBackoffStrategy) retryBudget() RetryBudget { return s.Budget }

// ConstantBackoffStrategy retries at exactly the same interval with no
// randomization.
type ConstantBackoffStrategy struct {
	// Interval is the fixed delay between retries.
	Interval time.Duration

	// Budget limits retries.
	Budget RetryBudget
}

// DefaultConstantBackoff returns 500ms interval and the default budget.
func DefaultConstantBackoff() *ConstantBackoffStrategy {
	return &ConstantBackoffStrategy{
		Interval: 500 * time.Millisecond,
		Budget:   DefaultRetryBudget(),
	}
}

// NextInterval returns the fixed interval
func (s *ConstantBackoffStrategy) NextInterval(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return s.Interval
}

// ShouldRetry consults the budget's error filter
func (s *ConstantBackoffStrategy) ShouldRetry(err error, attempt int) bool {
	return s.Budget.IsRetryable(err)
}

func (s *ConstantBackoffStrategy) retryBudget() RetryBudget { return s.Budget }

// NoRetryStrategy disables retries entirely.
type NoRetryStrategy struct{}

// NextInterval always returns 0
func (NoRetryStrategy) NextInterval(attempt int) time.Duration { return 0 }

// ShouldRetry always returns false
func (NoRetryStrategy) ShouldRetry(err error, attempt int) bool { return false }

// applyJitter randomizes interval by ±(interval*jitter), clamped at 0.
func applyJitter(interval, jitter float64) time.Duration {
	if jitter > 0 {
		interval += interval * jitter * (2*rand.Float64() - 1)
	}
	if interval < 0 {
		interval = 0
	}
	return time.Duration(interval)
}

// retryExecutor runs a function under a retry strategy, notifying the
// observer before each retry attempt.
type retryExecutor struct {
	strategy RetryStrategy
	observer Observer
}

func newRetryExecutor(strategy RetryStrategy, observer Observer) *retryExecutor {
	if strategy == nil {
		strategy = DefaultExponentialBackoff()
	}
	if observer == nil {
		observer = &NoopObserver{}
	}
	return &retryExecutor{strategy: strategy, observer: observer}
}

// Execute runs fn until it succeeds, the strategy declines, the budget
// is exhausted, or the context is canceled. method and path identify
// the operation for observer callbacks.
func (re *retryExecutor) Execute(ctx context.Context, method, path string, fn func() error) error {
	var lastErr error
	startTime := time.Now()

	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !re.strategy.ShouldRetry(err, attempt+1) {
			break
		}
		if ctx.Err() != nil {
			return WrapError(ctx.Err(), ErrorTypeTimeout, "context canceled during retry")
		}
		if b, ok := re.strategy.(budgetedStrategy); ok {
			budget := b.retryBudget()
			if budget.IsExhausted(attempt+1, time.Since(startTime)) {
				return lastErr
			}
		}

		interval := re.strategy.NextInterval(attempt + 1)
		if interval <= 0 {
			break
		}

		re.observer.OnRetryAttempt(method, path, attempt+1, interval, err)

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return WrapError(ctx.Err(), ErrorTypeTimeout, "context canceled during retry wait")
		case <-timer.C:
		}
	}

	return lastErr
}

// HedgedRequest configures hedged execution: after Delay, a second
// identical request is launched and the first successful response wins.
// Only idempotent GETs are hedged; writes are never duplicated.
type HedgedRequest struct {
	// MaxRequests is the maximum number of concurrent requests.
	// 1 disables hedging.
	MaxRequests int

	// Delay is how long to wait before launching each extra request.
	Delay time.Duration
}

// DefaultHedgedRequest returns 2 requests with a 50ms hedge delay.
func DefaultHedgedRequest() HedgedRequest {
	return HedgedRequest{
		MaxRequests: 2,
		Delay:       50 * time.Millisecond,
	}
}

// hedgedExecutor runs a function with hedging.
type hedgedExecutor struct {
	config HedgedRequest
}

func newHedgedExecutor(config HedgedRequest) *hedgedExecutor {
	return &hedgedExecutor{config: config}
}

// Execute launches fn up to MaxRequests times, Delay apart, returning
// on the first success. All launched attempts share hedgeCtx so losers
// are abandoned once a winner lands.
func (he *hedgedExecutor) Execute(ctx context.Context, fn func() error) error {
	if he.config.MaxRequests <= 1 {
		return fn()
	}

	resultCh := make(chan error, he.config.MaxRequests)
	hedgeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	launch := func() {
		go func() {
			err := fn()
			select {
			case resultCh <- err:
			case <-hedgeCtx.Done():
			}
		}()
	}

	launch()
	launched := 1

	var firstErr error
	received := 0

	for received < launched || launched < he.config.MaxRequests {
		var timerC <-chan time.Time
		var timer *time.Timer
		if launched < he.config.MaxRequests {
			timer = time.NewTimer(he.config.Delay)
			timerC = timer.C
		}

		select {
		case err := <-resultCh:
			if timer != nil {
				timer.Stop()
			}
			received++
			if err == nil {
				return nil
			}
			if firstErr == nil {
				firstErr = err
			}
			if received == launched && launched >= he.config.MaxRequests {
				return firstErr
			}

		case <-timerC:
			launch()
			launched++

		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return WrapError(ctx.Err(), ErrorTypeTimeout, "context canceled during hedged request")
		}
	}

	return firstErr
}
