// Package summarizer defines the port to the external LLM summarizer and
// the call-discipline middleware wrapped around every provider: per-call
// timeout and optional rate limiting. Provider adapters live outside the
// core; tests use scripted fakes.
package summarizer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"docsum/internal/logging"
)

// ErrUnhealthy is returned when a call is attempted against a summarizer
// that reports itself unavailable.
var ErrUnhealthy = errors.New("summarizer unhealthy")

// Client is the external summarizer port. Implementations must honor
// context cancellation during the call.
type Client interface {
	Summarize(ctx context.Context, text string) (string, error)
	IsHealthy(ctx context.Context) bool
}

// Options disciplines calls to a provider.
type Options struct {
	// Timeout bounds each Summarize call. Zero disables the bound.
	Timeout time.Duration
	// RateLimitPerMin caps call frequency. Zero disables rate limiting.
	RateLimitPerMin int
	// Burst is the limiter burst size; minimum 1.
	Burst int
}

// disciplined wraps a provider client with timeout and rate limiting.
type disciplined struct {
	inner   Client
	timeout time.Duration
	limiter *rate.Limiter
}

// Wrap applies call discipline to a provider client.
func Wrap(inner Client, opts Options) Client {
	d := &disciplined{inner: inner, timeout: opts.Timeout}
	if opts.RateLimitPerMin > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		perSecond := rate.Limit(float64(opts.RateLimitPerMin) / 60.0)
		d.limiter = rate.NewLimiter(perSecond, burst)
	}
	return d
}

func (d *disciplined) Summarize(ctx context.Context, text string) (string, error) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	callCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	timer := logging.StartTimer(logging.CategorySummarize, "summarize call")
	summary, err := d.inner.Summarize(callCtx, text)
	timer.Stop()

	if err != nil {
		// Distinguish our per-call timeout from caller cancellation so the
		// classifier sees a retryable timeout, not a cancel.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return "", fmt.Errorf("summarizer call exceeded %v: %w", d.timeout, err)
		}
		return "", err
	}
	return summary, nil
}

func (d *disciplined) IsHealthy(ctx context.Context) bool {
	return d.inner.IsHealthy(ctx)
}
