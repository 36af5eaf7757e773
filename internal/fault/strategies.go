package fault

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"docsum/internal/logging"
)

// =============================================================================
// RETRY
// =============================================================================

// retryStrategy dispatches the failed operation one more time. The routine
// retry loop lives in the scheduler; this strategy is the terminal form used
// when the dispatcher decides a failure deserves one further attempt.
type retryStrategy struct {
	ports Ports
}

func (s *retryStrategy) Tag() StrategyTag { return StrategyRetry }

func (s *retryStrategy) CanHandle(e *ProcessingError) bool {
	return IsRetryableCategory(e.Category) && e.RetryAttempts < e.MaxRetryAttempts
}

func (s *retryStrategy) Execute(ctx context.Context, e *ProcessingError) (*StrategyResult, error) {
	if s.ports.Retrier == nil {
		return &StrategyResult{
			Success:               false,
			Message:               "no retrier wired; retry must be performed by the caller",
			RequiresFurtherAction: true,
			NextAction:            "manual_retry",
		}, nil
	}

	budget := RetryBudgetFor(e.Severity)
	delay := budget.Backoff(e.RetryAttempts)
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	e.RetryAttempts++
	if err := s.ports.Retrier.RetryOnce(ctx, e); err != nil {
		return &StrategyResult{
			Success:               false,
			Message:               fmt.Sprintf("retry attempt %d failed: %v", e.RetryAttempts, err),
			RequiresFurtherAction: true,
			NextAction:            "fallback",
			Data:                  map[string]interface{}{"attempt": e.RetryAttempts, "delay_ms": delay.Milliseconds()},
		}, nil
	}

	return &StrategyResult{
		Success: true,
		Message: fmt.Sprintf("retry attempt %d succeeded", e.RetryAttempts),
		Data:    map[string]interface{}{"attempt": e.RetryAttempts, "delay_ms": delay.Milliseconds()},
	}, nil
}

// =============================================================================
// FALLBACK
// =============================================================================

// FallbackOption is one way to keep going without the failed dependency.
type FallbackOption struct {
	Kind        string  `json:"kind"`
	Priority    int     `json:"priority"`    // higher first
	Reliability float64 `json:"reliability"` // higher first
	Cost        float64 `json:"cost"`        // lower first
}

// fallbackOptions enumerates the degradation ladder, best option first
// after sorting.
func fallbackOptions() []FallbackOption {
	return []FallbackOption{
		{Kind: "alternative_service", Priority: 5, Reliability: 0.9, Cost: 0.7},
		{Kind: "degraded_mode", Priority: 4, Reliability: 0.95, Cost: 0.3},
		{Kind: "cached_response", Priority: 3, Reliability: 0.8, Cost: 0.1},
		{Kind: "default_value", Priority: 2, Reliability: 1.0, Cost: 0.05},
		{Kind: "simplified_processing", Priority: 2, Reliability: 0.85, Cost: 0.4},
		{Kind: "manual_intervention", Priority: 1, Reliability: 1.0, Cost: 1.0},
	}
}

type fallbackStrategy struct{}

func (s *fallbackStrategy) Tag() StrategyTag { return StrategyFallback }

func (s *fallbackStrategy) CanHandle(e *ProcessingError) bool {
	return e.Severity.AtMost(SeverityError)
}

func (s *fallbackStrategy) Execute(_ context.Context, e *ProcessingError) (*StrategyResult, error) {
	options := fallbackOptions()
	sort.SliceStable(options, func(i, j int) bool {
		if options[i].Priority != options[j].Priority {
			return options[i].Priority > options[j].Priority
		}
		if options[i].Reliability != options[j].Reliability {
			return options[i].Reliability > options[j].Reliability
		}
		return options[i].Cost < options[j].Cost
	})

	chosen := options[0]
	logging.Get(logging.CategoryFault).Info("fallback for %s: using %s", e.ID, chosen.Kind)

	return &StrategyResult{
		Success:               true,
		Message:               fmt.Sprintf("continuing via %s", chosen.Kind),
		RequiresFurtherAction: chosen.Kind == "manual_intervention",
		NextAction:            "continue_degraded",
		Data: map[string]interface{}{
			"chosen_option": chosen,
			"alternatives":  options[1:],
		},
	}, nil
}

// =============================================================================
// RECOVERY
// =============================================================================

// RecoveryStep is one step of a recovery plan.
type RecoveryStep struct {
	Name string
	Run  func(ctx context.Context) error
}

type recoveryStrategy struct {
	ports Ports
}

func (s *recoveryStrategy) Tag() StrategyTag { return StrategyRecovery }

func (s *recoveryStrategy) CanHandle(e *ProcessingError) bool {
	return e.IsRecoverable && e.Severity.AtMost(SeverityCritical)
}

func (s *recoveryStrategy) plan(e *ProcessingError) []RecoveryStep {
	return []RecoveryStep{
		{Name: "save_partial_results", Run: func(ctx context.Context) error {
			if s.ports.Partials == nil || e.BatchID == "" {
				return nil
			}
			_, err := s.ports.Partials.SavePartials(ctx, e.BatchID, "recovery")
			return err
		}},
		{Name: "cleanup_resources", Run: func(context.Context) error { return nil }},
		{Name: "reset_state", Run: func(context.Context) error { return nil }},
		{Name: "reestablish_connections", Run: func(context.Context) error { return nil }},
		{Name: "verify", Run: func(context.Context) error { return nil }},
	}
}

func (s *recoveryStrategy) Execute(ctx context.Context, e *ProcessingError) (*StrategyResult, error) {
	if !e.IsRecoverable {
		return &StrategyResult{
			Success:               false,
			Message:               "error is not recoverable",
			RequiresFurtherAction: true,
			NextAction:            "escalate",
		}, nil
	}

	executed := make([]string, 0, 5)
	for _, step := range s.plan(e) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := step.Run(ctx); err != nil {
			logging.Get(logging.CategoryFault).Warn("recovery step %s failed: %v", step.Name, err)
			return &StrategyResult{
				Success:               false,
				Message:               fmt.Sprintf("recovery aborted at step %s: %v", step.Name, err),
				RequiresFurtherAction: true,
				NextAction:            "escalate",
				Data:                  map[string]interface{}{"executed_steps": executed, "failed_step": step.Name},
			}, nil
		}
		executed = append(executed, step.Name)
	}

	return &StrategyResult{
		Success: true,
		Message: "recovery plan completed",
		Data:    map[string]interface{}{"executed_steps": executed},
	}, nil
}

// =============================================================================
// USER GUIDANCE
// =============================================================================

// Guide is the structured help surfaced for caller-fixable errors.
type Guide struct {
	Steps               []string `json:"steps"`
	Tips                []string `json:"tips,omitempty"`
	Precautions         []string `json:"precautions,omitempty"`
	EstimatedResolution string   `json:"estimated_resolution"`
	Difficulty          string   `json:"difficulty"`
	RequiredPermissions []string `json:"required_permissions,omitempty"`
}

type userGuidanceStrategy struct{}

func (s *userGuidanceStrategy) Tag() StrategyTag { return StrategyUserGuidance }

func (s *userGuidanceStrategy) CanHandle(e *ProcessingError) bool {
	switch e.Category {
	case CategoryValidation, CategoryAuthorization, CategoryConfiguration:
		return true
	default:
		return false
	}
}

func (s *userGuidanceStrategy) Execute(_ context.Context, e *ProcessingError) (*StrategyResult, error) {
	guide := buildGuide(e)
	return &StrategyResult{
		Success:               true,
		Message:               e.UserMessage,
		RequiresFurtherAction: true,
		NextAction:            "follow_guide",
		Data:                  map[string]interface{}{"guide": guide},
	}, nil
}

func buildGuide(e *ProcessingError) Guide {
	switch e.Category {
	case CategoryValidation:
		return Guide{
			Steps: []string{
				"Review the reported field in the error message",
				"Correct the input value",
				"Resubmit the batch",
			},
			Tips:                []string{"Segments must be non-empty and concurrency within 1-10"},
			EstimatedResolution: "1-2 minutes",
			Difficulty:          "easy",
		}
	case CategoryAuthorization:
		return Guide{
			Steps: []string{
				"Confirm you are the owner of the batch",
				"Ask the owner to perform the operation, or request access",
			},
			Precautions:         []string{"Do not share batch identifiers with untrusted parties"},
			EstimatedResolution: "depends on the owner's response",
			Difficulty:          "easy",
			RequiredPermissions: []string{"batch:owner"},
		}
	case CategoryConfiguration:
		return Guide{
			Steps: []string{
				"Open the pipeline configuration file",
				"Fix the value named in the error message",
				"Save; the watcher reloads tunable sections automatically",
			},
			Tips:                []string{"Run with defaults to confirm the problem is configuration"},
			Precautions:         []string{"Concurrency bounds and store paths need a restart"},
			EstimatedResolution: "5-10 minutes",
			Difficulty:          "moderate",
			RequiredPermissions: []string{"config:write"},
		}
	default:
		return Guide{
			Steps:               []string{"Retry the operation", "Contact support if the problem persists"},
			EstimatedResolution: "unknown",
			Difficulty:          "easy",
		}
	}
}

// =============================================================================
// ESCALATE
// =============================================================================

// EscalationReport is what administrators see.
type EscalationReport struct {
	ErrorID     string                 `json:"error_id"`
	BatchID     string                 `json:"batch_id,omitempty"`
	Level       string                 `json:"level"`
	Impact      string                 `json:"impact"`
	Urgency     string                 `json:"urgency"`
	Diagnostics map[string]interface{} `json:"diagnostics,omitempty"`
	ReportedAt  time.Time              `json:"reported_at"`
}

type escalateStrategy struct {
	ports Ports
}

func (s *escalateStrategy) Tag() StrategyTag { return StrategyEscalate }

func (s *escalateStrategy) CanHandle(*ProcessingError) bool { return true }

func (s *escalateStrategy) Execute(ctx context.Context, e *ProcessingError) (*StrategyResult, error) {
	report := EscalationReport{
		ErrorID:     e.ID,
		BatchID:     e.BatchID,
		Level:       escalationLevel(e.Severity),
		Impact:      escalationImpact(e),
		Urgency:     string(e.Severity),
		Diagnostics: e.Context,
		ReportedAt:  time.Now(),
	}

	partialsSaved := false
	if e.BatchID != "" {
		if s.ports.Partials != nil {
			saved, err := s.ports.Partials.SavePartials(ctx, e.BatchID, "escalation")
			if err != nil {
				logging.Get(logging.CategoryFault).Warn("escalation partial save failed for %s: %v", e.BatchID, err)
			}
			partialsSaved = saved
		}
		if s.ports.Pauser != nil {
			s.ports.Pauser.Pause(e.BatchID)
		}
	}

	if s.ports.Alerts != nil {
		s.ports.Alerts.Alert(e.BatchID, map[string]interface{}{
			"kind":   "escalation",
			"report": report,
		})
	}

	logging.Get(logging.CategoryFault).Error("escalated %s: level=%s impact=%s", e.ID, report.Level, report.Impact)

	return &StrategyResult{
		Success:               true,
		Message:               "escalated for administrator review",
		RequiresFurtherAction: true,
		NextAction:            "await_administrator",
		Data: map[string]interface{}{
			"report":         report,
			"partials_saved": partialsSaved,
		},
	}, nil
}

func escalationLevel(severity Severity) string {
	switch {
	case severity.AtLeast(SeverityFatal):
		return "L1"
	case severity == SeverityCritical:
		return "L2"
	default:
		return "L3"
	}
}

func escalationImpact(e *ProcessingError) string {
	if e.BatchID != "" {
		return "single_batch"
	}
	return "system_wide"
}

// =============================================================================
// LOG AND IGNORE
// =============================================================================

type logAndIgnoreStrategy struct {
	mu     sync.Mutex
	recent map[Category][]time.Time
}

// logIgnoreWindow and logIgnoreLimit bound how often a category may be
// silently ignored before the safety check refuses.
const (
	logIgnoreWindow = time.Minute
	logIgnoreLimit  = 10
)

func (s *logAndIgnoreStrategy) Tag() StrategyTag { return StrategyLogAndIgnore }

func (s *logAndIgnoreStrategy) CanHandle(e *ProcessingError) bool {
	return s.safetyCheck(e) == ""
}

// safetyCheck returns the refusal reason, or "" when ignoring is safe.
func (s *logAndIgnoreStrategy) safetyCheck(e *ProcessingError) string {
	if !e.Severity.AtMost(SeverityWarning) {
		return "severity above warning"
	}
	switch e.Category {
	case CategoryAuthentication, CategoryAuthorization:
		return "security-sensitive category"
	}
	if s.frequencyHigh(e.Category) {
		return "error frequency too high"
	}
	return ""
}

func (s *logAndIgnoreStrategy) frequencyHigh(category Category) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recent == nil {
		s.recent = make(map[Category][]time.Time)
	}
	cutoff := time.Now().Add(-logIgnoreWindow)
	kept := s.recent[category][:0]
	for _, ts := range s.recent[category] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	s.recent[category] = kept
	return len(kept) >= logIgnoreLimit
}

func (s *logAndIgnoreStrategy) record(category Category) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recent == nil {
		s.recent = make(map[Category][]time.Time)
	}
	s.recent[category] = append(s.recent[category], time.Now())
}

func (s *logAndIgnoreStrategy) Execute(_ context.Context, e *ProcessingError) (*StrategyResult, error) {
	if reason := s.safetyCheck(e); reason != "" {
		return &StrategyResult{
			Success:               false,
			Message:               "cannot ignore: " + reason,
			RequiresFurtherAction: true,
			NextAction:            "escalate",
		}, nil
	}

	log := logging.Get(logging.CategoryFault)
	if e.Severity == SeverityInfo {
		log.Info("ignored %s: %s", e.Category, e.Message)
	} else {
		log.Warn("ignored %s: %s", e.Category, e.Message)
	}
	s.record(e.Category)

	return &StrategyResult{
		Success: true,
		Message: "logged and ignored",
	}, nil
}

// =============================================================================
// IMMEDIATE STOP
// =============================================================================

// StopType labels why processing halted.
type StopType string

const (
	StopSecurityEmergency     StopType = "security_emergency"
	StopSystemFailure         StopType = "system_failure"
	StopDataIntegrityRisk     StopType = "data_integrity_risk"
	StopConfigurationCritical StopType = "configuration_critical"
	StopGeneralCritical       StopType = "general_critical"
)

type immediateStopStrategy struct {
	ports Ports
}

func (s *immediateStopStrategy) Tag() StrategyTag { return StrategyImmediateStop }

func (s *immediateStopStrategy) CanHandle(*ProcessingError) bool { return true }

func assessStopType(category Category) StopType {
	switch category {
	case CategoryAuthentication, CategoryAuthorization:
		return StopSecurityEmergency
	case CategorySystem:
		return StopSystemFailure
	case CategoryStorage:
		return StopDataIntegrityRisk
	case CategoryConfiguration:
		return StopConfigurationCritical
	default:
		return StopGeneralCritical
	}
}

// Execute runs the stop protocol. The minimal stop (unsafe checkpoint +
// emergency notification) runs first and unconditionally, so even a failing
// full protocol leaves the system stopped and observers informed.
func (s *immediateStopStrategy) Execute(ctx context.Context, e *ProcessingError) (*StrategyResult, error) {
	stopType := assessStopType(e.Category)
	log := logging.Get(logging.CategoryFault)
	log.Error("immediate stop (%s): %s", stopType, e.Message)

	// Minimal stop, always.
	if s.ports.Checkpoints != nil && e.BatchID != "" {
		s.ports.Checkpoints.MarkUnsafe(e.BatchID)
	}
	if s.ports.Alerts != nil {
		s.ports.Alerts.Alert(e.BatchID, map[string]interface{}{
			"kind":      "emergency_stop",
			"stop_type": stopType,
			"error_id":  e.ID,
			"message":   e.UserMessage,
		})
	}

	// Full protocol, best effort.
	emergencySaved := false
	var protocolErr error
	if s.ports.Partials != nil && e.BatchID != "" && stopType != StopDataIntegrityRisk {
		saved, err := s.ports.Partials.SavePartials(ctx, e.BatchID, "emergency_stop")
		if err != nil {
			protocolErr = fmt.Errorf("emergency save failed: %w", err)
			log.Error("emergency save failed for %s: %v", e.BatchID, err)
		}
		emergencySaved = saved
	}
	if s.ports.Pauser != nil && e.BatchID != "" {
		s.ports.Pauser.Pause(e.BatchID)
	}

	result := &StrategyResult{
		Success:               protocolErr == nil,
		Message:               fmt.Sprintf("processing stopped: %s", stopType),
		RequiresFurtherAction: true,
		NextAction:            "administrator_intervention",
		Data: map[string]interface{}{
			"stop_type":       stopType,
			"emergency_saved": emergencySaved,
		},
	}
	if protocolErr != nil {
		result.Message = fmt.Sprintf("processing stopped (%s); full protocol incomplete: %v", stopType, protocolErr)
	}
	return result, nil
}
