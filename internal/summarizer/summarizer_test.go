package summarizer

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider is a scriptable summarizer backend.
type fakeProvider struct {
	delay   time.Duration
	err     error
	healthy bool
	calls   atomic.Int64
}

func (f *fakeProvider) Summarize(ctx context.Context, text string) (string, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if f.err != nil {
		return "", f.err
	}
	if len(text) > 20 {
		text = text[:20]
	}
	return "summary of: " + text, nil
}

func (f *fakeProvider) IsHealthy(ctx context.Context) bool {
	return f.healthy
}

func TestWrapPassesThrough(t *testing.T) {
	inner := &fakeProvider{healthy: true}
	c := Wrap(inner, Options{})

	got, err := c.Summarize(context.Background(), "the quick brown fox")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got, "summary of:"))
	assert.True(t, c.IsHealthy(context.Background()))
}

func TestWrapPropagatesProviderError(t *testing.T) {
	boom := errors.New("503 service unavailable")
	c := Wrap(&fakeProvider{err: boom}, Options{})

	_, err := c.Summarize(context.Background(), "text")
	assert.ErrorIs(t, err, boom)
}

func TestTimeoutIsDistinguishedFromCancellation(t *testing.T) {
	inner := &fakeProvider{delay: 200 * time.Millisecond}
	c := Wrap(inner, Options{Timeout: 20 * time.Millisecond})

	_, err := c.Summarize(context.Background(), "slow")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	// The wrapper annotates its own deadline so it reads as a timeout,
	// not a caller cancel.
	assert.Contains(t, err.Error(), "exceeded")
}

func TestCallerCancellationIsNotAnnotated(t *testing.T) {
	inner := &fakeProvider{delay: time.Second}
	c := Wrap(inner, Options{Timeout: 10 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := c.Summarize(ctx, "slow")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotContains(t, err.Error(), "exceeded")
}

func TestRateLimiterThrottles(t *testing.T) {
	inner := &fakeProvider{}
	// 60/min = 1/s with burst 1: the second call must wait ~1s.
	c := Wrap(inner, Options{RateLimitPerMin: 60, Burst: 1})

	start := time.Now()
	_, err := c.Summarize(context.Background(), "one")
	require.NoError(t, err)
	_, err = c.Summarize(context.Background(), "two")
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
	assert.Equal(t, int64(2), inner.calls.Load())
}

func TestRateLimiterHonorsCancellation(t *testing.T) {
	inner := &fakeProvider{}
	c := Wrap(inner, Options{RateLimitPerMin: 1, Burst: 1})

	_, err := c.Summarize(context.Background(), "one")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = c.Summarize(ctx, "two")
	assert.Error(t, err, "waiting a full minute for a token must respect the context")
	assert.Equal(t, int64(1), inner.calls.Load())
}
