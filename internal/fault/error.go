// Package fault turns raised failures into classified ProcessingErrors and
// executes the handling strategy the (category, severity) pair selects:
// Retry, Fallback, Recovery, UserGuidance, Escalate, LogAndIgnore, or
// ImmediateStop. Strategies are plain values in a registry keyed by tag.
package fault

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Category classifies what went wrong.
type Category string

const (
	CategoryValidation     Category = "validation"
	CategoryAuthentication Category = "authentication"
	CategoryAuthorization  Category = "authorization"
	CategoryNetwork        Category = "network"
	CategoryService        Category = "service"
	CategoryProcessing     Category = "processing"
	CategoryStorage        Category = "storage"
	CategorySystem         Category = "system"
	CategoryConfiguration  Category = "configuration"
	CategoryTimeout        Category = "timeout"
)

// Severity ranks how bad it is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
	SeverityFatal    Severity = "fatal"
)

// rank orders severities for comparisons.
func (s Severity) rank() int {
	switch s {
	case SeverityInfo:
		return 0
	case SeverityWarning:
		return 1
	case SeverityError:
		return 2
	case SeverityCritical:
		return 3
	case SeverityFatal:
		return 4
	default:
		return 2
	}
}

// AtMost reports whether s is no more severe than other.
func (s Severity) AtMost(other Severity) bool {
	return s.rank() <= other.rank()
}

// AtLeast reports whether s is at least as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.rank() >= other.rank()
}

// StrategyTag names a handling strategy.
type StrategyTag string

const (
	StrategyRetry         StrategyTag = "retry"
	StrategyFallback      StrategyTag = "fallback"
	StrategyRecovery      StrategyTag = "recovery"
	StrategyUserGuidance  StrategyTag = "user_guidance"
	StrategyEscalate      StrategyTag = "escalate"
	StrategyLogAndIgnore  StrategyTag = "log_and_ignore"
	StrategyImmediateStop StrategyTag = "immediate_stop"
)

// ProcessingError is a classified failure with everything the dispatcher
// and the user-facing layers need.
type ProcessingError struct {
	ID               string                 `json:"id"`
	BatchID          string                 `json:"batch_id,omitempty"`
	Category         Category               `json:"category"`
	Severity         Severity               `json:"severity"`
	Message          string                 `json:"message"`
	UserMessage      string                 `json:"user_message"`
	Suggestions      []string               `json:"suggestions,omitempty"`
	Context          map[string]interface{} `json:"context,omitempty"`
	IsRecoverable    bool                   `json:"is_recoverable"`
	RetryAttempts    int                    `json:"retry_attempts"`
	MaxRetryAttempts int                    `json:"max_retry_attempts"`
	Strategy         StrategyTag            `json:"strategy"`
	OccurredAt       time.Time              `json:"occurred_at"`
	Source           string                 `json:"source,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *ProcessingError) Error() string {
	if e.BatchID != "" {
		return fmt.Sprintf("[%s/%s] batch %s: %s", e.Category, e.Severity, e.BatchID, e.Message)
	}
	return fmt.Sprintf("[%s/%s] %s", e.Category, e.Severity, e.Message)
}

// Unwrap exposes the original error to errors.Is/As.
func (e *ProcessingError) Unwrap() error {
	return e.cause
}

// WithBatch attaches batch scope.
func (e *ProcessingError) WithBatch(batchID string) *ProcessingError {
	e.BatchID = batchID
	return e
}

// WithContext attaches one diagnostic key-value pair.
func (e *ProcessingError) WithContext(key string, value interface{}) *ProcessingError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithSource records the originating component.
func (e *ProcessingError) WithSource(source string) *ProcessingError {
	e.Source = source
	return e
}

// New creates a classified error from scratch.
func New(category Category, severity Severity, message string) *ProcessingError {
	e := &ProcessingError{
		ID:         uuid.NewString(),
		Category:   category,
		Severity:   severity,
		Message:    message,
		OccurredAt: time.Now(),
	}
	e.IsRecoverable = isRecoverable(category, severity)
	e.UserMessage = defaultUserMessage(category)
	e.Suggestions = defaultSuggestions(category)
	e.Strategy = SelectStrategy(category, severity)
	budget := RetryBudgetFor(severity)
	e.MaxRetryAttempts = budget.MaxAttempts
	return e
}

// Newf creates a classified error with a formatted message.
func Newf(category Category, severity Severity, format string, args ...interface{}) *ProcessingError {
	return New(category, severity, fmt.Sprintf(format, args...))
}

// Wrap classifies an existing error, preserving it for errors.Is/As.
func Wrap(err error, category Category, severity Severity, message string) *ProcessingError {
	e := New(category, severity, fmt.Sprintf("%s: %v", message, err))
	e.cause = err
	return e
}

// isRecoverable reports whether the pipeline can do something useful about
// errors of this kind without a human.
func isRecoverable(category Category, severity Severity) bool {
	if severity.AtLeast(SeverityFatal) {
		return false
	}
	switch category {
	case CategoryNetwork, CategoryService, CategoryTimeout:
		return true
	case CategoryProcessing, CategorySystem:
		return severity.AtMost(SeverityError)
	default:
		return false
	}
}

// IsRetryableCategory reports whether tasks failing with this category
// re-enter the dispatch loop.
func IsRetryableCategory(category Category) bool {
	switch category {
	case CategoryNetwork, CategoryService, CategoryTimeout:
		return true
	default:
		return false
	}
}

func defaultUserMessage(category Category) string {
	switch category {
	case CategoryValidation:
		return "The request could not be accepted. Please review the input and try again."
	case CategoryAuthentication:
		return "Sign-in could not be verified. Please sign in again."
	case CategoryAuthorization:
		return "You do not have permission to perform this action."
	case CategoryNetwork, CategoryTimeout:
		return "A temporary connection problem occurred. The system is retrying automatically."
	case CategoryService:
		return "The summarization service is temporarily unavailable. The system is retrying automatically."
	case CategoryProcessing:
		return "Processing ran into an unexpected problem with this document."
	case CategoryStorage:
		return "Saving your results failed. Please wait for administrator review."
	case CategorySystem:
		return "An internal problem occurred. Please try again later."
	case CategoryConfiguration:
		return "The system is misconfigured. Please contact an administrator."
	default:
		return "An unexpected problem occurred."
	}
}

func defaultSuggestions(category Category) []string {
	switch category {
	case CategoryValidation:
		return []string{
			"Check that the document has at least one segment",
			"Keep the concurrency limit between 1 and 10",
		}
	case CategoryAuthentication:
		return []string{"Sign in again", "Contact support if the problem persists"}
	case CategoryAuthorization:
		return []string{"Verify you own this batch", "Request access from the batch owner"}
	case CategoryNetwork, CategoryTimeout:
		return []string{"Check your network connection", "Retry in a few moments"}
	case CategoryService:
		return []string{"Retry in a few moments", "Check the summarizer service status"}
	case CategoryStorage:
		return []string{"Retry the save", "Contact an administrator if saving keeps failing"}
	case CategoryConfiguration:
		return []string{"Review the pipeline configuration", "Restore the default configuration"}
	default:
		return nil
	}
}
