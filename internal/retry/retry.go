// Package retry wraps outbound platform calls with exponential backoff on
// rate-limit signals. Any other failure is returned immediately.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"chatgate/internal/domain"
)

// Policy configures the executor.
type Policy struct {
	MaxRetries int           `json:"maxRetries" yaml:"maxRetries"`
	BaseDelay  time.Duration `json:"baseDelay" yaml:"baseDelay"`
	MaxDelay   time.Duration `json:"maxDelay" yaml:"maxDelay"`
}

// DefaultPolicy returns 3 retries with 1s base and 30s cap.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// Delay returns the wait before retry number attempt (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay || d <= 0 {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

var rateLimitPhrases = []string{
	"rate limit",
	"ratelimit",
	"rate_limited",
	"too many requests",
}

// IsRateLimited reports whether err signals a platform rate limit.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var se *domain.StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusTooManyRequests {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range rateLimitPhrases {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// Executor runs operations under a Policy.
type Executor struct {
	policy Policy
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// New creates an Executor. Zero fields in p fall back to DefaultPolicy.
func New(p Policy, logger *slog.Logger) *Executor {
	def := DefaultPolicy()
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{policy: p, logger: logger, sleep: sleepCtx}
}

// Policy returns the effective policy.
func (e *Executor) Policy() Policy { return e.policy }

// Do runs fn until it succeeds, fails with a non-rate-limit error, or the
// retry budget is spent. The last error is returned unmodified.
func (e *Executor) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := DoValue(ctx, e, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoValue is Do for operations that return a value.
func DoValue[T any](ctx context.Context, e *Executor, fn func(ctx context.Context) (T, error)) (T, error) {
	var (
		value T
		err   error
	)
	for attempt := 0; ; attempt++ {
		value, err = fn(ctx)
		if err == nil {
			return value, nil
		}
		if !IsRateLimited(err) || attempt >= e.policy.MaxRetries {
			return value, err
		}
		delay := e.policy.Delay(attempt)
		e.logger.Warn("rate limited, backing off",
			"attempt", attempt+1, "delay", delay, "err", err)
		if serr := e.sleep(ctx, delay); serr != nil {
			return value, err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
