package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

// RetryPolicy bounds retries of one provider call. It is separate from the
// job queue's redelivery and only applies to transient provider errors.
type RetryPolicy struct {
	MaxRetries        int
	InitialInterval   time.Duration
	MaxInterval       time.Duration
	RequestsPerSecond float64 // 0 disables client-side throttling
	// RequestTimeout bounds each attempt. A timed out attempt is retried.
	RequestTimeout time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		RequestTimeout:  60 * time.Second,
	}
}

// Retrier throttles and retries calls for a single process. Limits are not
// shared between worker processes.
type Retrier struct {
	policy  RetryPolicy
	limiter *rate.Limiter
}

func NewRetrier(policy RetryPolicy) *Retrier {
	if policy.InitialInterval == 0 {
		policy.InitialInterval = 500 * time.Millisecond
	}
	if policy.MaxInterval == 0 {
		policy.MaxInterval = 10 * time.Second
	}
	r := &Retrier{policy: policy}
	if policy.RequestsPerSecond > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(policy.RequestsPerSecond), 1)
	}
	return r
}

func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.InitialInterval
	b.MaxInterval = r.policy.MaxInterval
	b.MaxElapsedTime = 0

	var policy backoff.BackOff = b
	if r.policy.MaxRetries >= 0 {
		policy = backoff.WithMaxRetries(b, uint64(r.policy.MaxRetries))
	}

	return backoff.Retry(func() error {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		err := r.attempt(ctx, op)
		if err != nil && !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policy, ctx))
}

func (r *Retrier) attempt(ctx context.Context, op func(ctx context.Context) error) error {
	if r.policy.RequestTimeout <= 0 {
		return op(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, r.policy.RequestTimeout)
	defer cancel()

	err := op(attemptCtx)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("request timeout after %s: %w", r.policy.RequestTimeout, err)
	}
	return err
}

var transientMarkers = []string{
	"429",
	"500",
	"502",
	"503",
	"504",
	"too many requests",
	"rate limit",
	"overloaded",
	"busy",
	"timeout",
	"temporarily unavailable",
	"connection refused",
	"connection reset",
	"unexpected eof",
}

// IsTransient reports whether a provider error is worth retrying.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
