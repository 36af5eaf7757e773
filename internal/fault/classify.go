package fault

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"
)

// RetryBudget is the per-severity retry allowance. Delays grow as
// base * 2^attempt and are clamped to MaxDelay; severities with Flat true
// wait the base delay every time.
type RetryBudget struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Flat        bool
}

// MaxBackoffDelay caps every computed backoff delay.
const MaxBackoffDelay = 30 * time.Second

// RetryBudgetFor returns the retry budget for a severity.
func RetryBudgetFor(severity Severity) RetryBudget {
	switch severity {
	case SeverityInfo:
		return RetryBudget{MaxAttempts: 5, BaseDelay: 500 * time.Millisecond}
	case SeverityWarning:
		return RetryBudget{MaxAttempts: 3, BaseDelay: 1000 * time.Millisecond}
	case SeverityError:
		return RetryBudget{MaxAttempts: 2, BaseDelay: 2000 * time.Millisecond}
	case SeverityCritical:
		return RetryBudget{MaxAttempts: 1, BaseDelay: 1000 * time.Millisecond, Flat: true}
	default: // Fatal and unknown: no retries
		return RetryBudget{MaxAttempts: 0, BaseDelay: 0}
	}
}

// Backoff computes the delay before retry number attempt (0-based).
func (b RetryBudget) Backoff(attempt int) time.Duration {
	if b.BaseDelay <= 0 {
		return 0
	}
	if b.Flat {
		return b.BaseDelay
	}
	if attempt < 0 {
		attempt = 0
	}
	// Guard the shift; 2^20 * base overflows any sane cap already.
	if attempt > 20 {
		attempt = 20
	}
	delay := b.BaseDelay * time.Duration(1<<uint(attempt))
	if delay > MaxBackoffDelay || delay <= 0 {
		return MaxBackoffDelay
	}
	return delay
}

// Classify maps a raw error to a ProcessingError. Already classified errors
// pass through unchanged. Pure cancellation returns nil: cancellation is a
// signal, not a failure, and must never enter the strategy machinery.
func Classify(err error) *ProcessingError {
	if err == nil {
		return nil
	}

	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(err, CategoryTimeout, SeverityError, "operation timed out")
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Wrap(err, CategoryTimeout, SeverityError, "network timeout")
		}
		return Wrap(err, CategoryNetwork, SeverityError, "network failure")
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "rate limit", "too many requests", "429"):
		return Wrap(err, CategoryService, SeverityWarning, "service rate limited")
	case containsAny(msg, "timeout", "timed out", "deadline exceeded"):
		return Wrap(err, CategoryTimeout, SeverityError, "operation timed out")
	case containsAny(msg, "connection refused", "connection reset", "no such host", "broken pipe", "network is unreachable"):
		return Wrap(err, CategoryNetwork, SeverityError, "connection failure")
	case containsAny(msg, "unauthorized", "invalid api key", "401"):
		return Wrap(err, CategoryAuthentication, SeverityError, "authentication failed")
	case containsAny(msg, "forbidden", "permission denied", "403"):
		return Wrap(err, CategoryAuthorization, SeverityError, "authorization failed")
	case containsAny(msg, "service unavailable", "bad gateway", "internal server error", "502", "503", "500"):
		return Wrap(err, CategoryService, SeverityError, "summarizer service failure")
	case containsAny(msg, "sqlite", "database", "sql:", "constraint"):
		return Wrap(err, CategoryStorage, SeverityError, "storage failure")
	case containsAny(msg, "config"):
		return Wrap(err, CategoryConfiguration, SeverityError, "configuration problem")
	case containsAny(msg, "out of memory", "resource exhausted", "no space left"):
		return Wrap(err, CategorySystem, SeverityCritical, "resource exhaustion")
	default:
		return Wrap(err, CategoryProcessing, SeverityError, "processing failure")
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
