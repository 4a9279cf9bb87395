package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"chatgate/internal/domain"
)

func testRetryLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestExecutor records requested sleeps instead of waiting.
func newTestExecutor(p Policy) (*Executor, *[]time.Duration) {
	e := New(p, testRetryLogger())
	var slept []time.Duration
	e.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return e, &slept
}

func TestIsRateLimited(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("boom"), false},
		{errors.New("Rate limit exceeded"), true},
		{errors.New("slack: ratelimit"), true},
		{errors.New("error: rate_limited"), true},
		{errors.New("Too Many Requests: retry after 3"), true},
		{&domain.StatusError{StatusCode: 429, Body: "{}"}, true},
		{fmt.Errorf("send: %w", &domain.StatusError{StatusCode: 429}), true},
		{&domain.StatusError{StatusCode: 500, Body: "oops"}, false},
	}
	for _, tt := range tests {
		if got := IsRateLimited(tt.err); got != tt.want {
			t.Errorf("IsRateLimited(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestDelay_CapsAtMax(t *testing.T) {
	p := Policy{MaxRetries: 10, BaseDelay: time.Second, MaxDelay: 5 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := p.Delay(i); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i, got, w)
		}
	}
}

func TestDo_RetriesRateLimitThenSucceeds(t *testing.T) {
	e, slept := newTestExecutor(Policy{MaxRetries: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second})

	calls := 0
	err := e.Do(context.Background(), func(context.Context) error {
		calls++
		if calls <= 2 {
			return errors.New("429 Too Many Requests")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if len(*slept) != 2 || (*slept)[0] != 10*time.Millisecond || (*slept)[1] != 20*time.Millisecond {
		t.Errorf("slept = %v", *slept)
	}
}

func TestDo_NonRateLimitReturnsImmediately(t *testing.T) {
	e, slept := newTestExecutor(DefaultPolicy())
	want := errors.New("invalid_auth")

	calls := 0
	err := e.Do(context.Background(), func(context.Context) error {
		calls++
		return want
	})
	if err != want {
		t.Fatalf("err = %v, want the original error", err)
	}
	if calls != 1 || len(*slept) != 0 {
		t.Errorf("calls = %d, sleeps = %d", calls, len(*slept))
	}
}

func TestDo_ExhaustsRetries(t *testing.T) {
	e, _ := newTestExecutor(Policy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})

	calls := 0
	err := e.Do(context.Background(), func(context.Context) error {
		calls++
		return &domain.StatusError{StatusCode: 429, Body: fmt.Sprint(calls)}
	})
	if calls != 3 {
		t.Errorf("calls = %d, want 1+MaxRetries", calls)
	}
	var se *domain.StatusError
	if !errors.As(err, &se) || se.Body != "3" {
		t.Errorf("expected last error, got %v", err)
	}
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Error("429 should unwrap to ErrRateLimited")
	}
}

func TestDoValue_ReturnsValue(t *testing.T) {
	e, _ := newTestExecutor(DefaultPolicy())
	calls := 0
	v, err := DoValue(context.Background(), e, func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("rate limit hit")
		}
		return "msg-42", nil
	})
	if err != nil || v != "msg-42" {
		t.Fatalf("got (%q, %v)", v, err)
	}
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	e := New(Policy{MaxRetries: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}, testRetryLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := e.Do(ctx, func(context.Context) error {
		calls++
		return errors.New("rate limit")
	})
	if err == nil || calls != 1 {
		t.Errorf("calls = %d, err = %v", calls, err)
	}
}
