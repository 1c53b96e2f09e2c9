package crawler

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"net"
	"time"
)

// Decision tells the engine what to do with a failed extraction.
type Decision int

// Possible decisions for a failed extraction.
const (
	DecisionRetry Decision = iota
	DecisionSkip
	DecisionAbort
)

func (d Decision) String() string {
	switch d {
	case DecisionRetry:
		return "retry"
	case DecisionSkip:
		return "skip"
	default:
		return "abort"
	}
}

// RetryPolicy decides how a failed attempt is handled and how long to wait.
type RetryPolicy interface {
	Decide(err error, attempt int) Decision
	Backoff(attempt int) time.Duration
}

// ExponentialRetryPolicy implements RetryPolicy with jittered backoff and a
// bounded attempt count. Transient failures past the bound are skipped.
type ExponentialRetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewExponentialRetryPolicy builds a policy. Non-positive values fall back to defaults.
func NewExponentialRetryPolicy(maxAttempts int, baseDelay, maxDelay time.Duration) *ExponentialRetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if baseDelay < 0 {
		baseDelay = 0
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	return &ExponentialRetryPolicy{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
	}
}

// Decide maps an extraction error to a decision. attempt is 1-based.
// The caller is expected to have checked its own context first: a canceled
// parent context is reported as DecisionAbort.
func (p *ExponentialRetryPolicy) Decide(err error, attempt int) Decision {
	switch {
	case err == nil:
		return DecisionSkip
	case errors.Is(err, context.Canceled):
		return DecisionAbort
	case errors.Is(err, ErrTooLarge), errors.Is(err, ErrMalformed), errors.Is(err, ErrPermanent):
		return DecisionSkip
	}
	if !isTransient(err) {
		return DecisionSkip
	}
	if attempt >= p.maxAttempts {
		return DecisionSkip
	}
	return DecisionRetry
}

// Backoff returns the wait duration before attempt+1.
func (p *ExponentialRetryPolicy) Backoff(attempt int) time.Duration {
	if p.baseDelay <= 0 {
		return 0
	}
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := p.randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

// MaxAttempts reports the configured bound.
func (p *ExponentialRetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

func (p *ExponentialRetryPolicy) randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// isTransient treats explicit transient errors, per-attempt timeouts and
// network errors as retryable. Unknown errors are retried too so a flaky
// page is never lost on the first failure.
func isTransient(err error) bool {
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var classErr *ClassificationError
	return !errors.As(err, &classErr)
}
