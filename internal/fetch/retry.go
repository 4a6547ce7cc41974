// Package fetch holds the retrying call primitive every source adapter goes
// through, so backoff lives in one place instead of at each call site.
package fetch

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/xkcd-l10n-crawler/internal/crawler"
)

// Policy configures attempts and the exponential backoff curve.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy allows three attempts with backoff between 250ms and 5s.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 250 * time.Millisecond, MaxDelay: 5 * time.Second}
}

// Retrier repeats transient failures with jittered exponential backoff.
type Retrier struct {
	policy Policy
	logger *zap.Logger
	sleep  func(context.Context, time.Duration) error
}

// NewRetrier builds a Retrier. Zero policy fields fall back to DefaultPolicy.
func NewRetrier(policy Policy, logger *zap.Logger) *Retrier {
	def := DefaultPolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = def.MaxAttempts
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = def.BaseDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = def.MaxDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrier{policy: policy, logger: logger, sleep: Sleep}
}

// ShouldRetry reports whether err after the given attempt (1-based) deserves
// another try. Only transient fetch errors qualify.
func (r *Retrier) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= r.policy.MaxAttempts {
		return false
	}
	return crawler.IsTransient(err)
}

// Backoff returns the wait before the attempt following the given one.
func (r *Retrier) Backoff(attempt int) time.Duration {
	delay := float64(r.policy.BaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(r.policy.MaxDelay) {
		delay = float64(r.policy.MaxDelay)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

// Do runs fn until it succeeds, fails permanently, or attempts run out.
func Do[T any](ctx context.Context, r *Retrier, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	for attempt := 1; ; attempt++ {
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		if !r.ShouldRetry(err, attempt) {
			return zero, err
		}
		wait := r.Backoff(attempt)
		r.logger.Debug("retrying fetch",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		if serr := r.sleep(ctx, wait); serr != nil {
			return zero, fmt.Errorf("%s: %w", op, serr)
		}
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
