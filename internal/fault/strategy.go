package fault

import (
	"context"
	"sync"
)

// SelectStrategy picks the handling strategy for a (category, severity)
// pair. Retryable categories degrade from Retry to Fallback as severity
// rises; security and storage problems escalate early.
func SelectStrategy(category Category, severity Severity) StrategyTag {
	switch category {
	case CategoryValidation:
		if severity.AtLeast(SeverityCritical) {
			return StrategyEscalate
		}
		return StrategyUserGuidance

	case CategoryAuthentication:
		if severity.AtLeast(SeverityCritical) {
			return StrategyImmediateStop
		}
		return StrategyEscalate

	case CategoryAuthorization:
		switch {
		case severity.AtLeast(SeverityCritical):
			return StrategyImmediateStop
		case severity == SeverityError:
			return StrategyEscalate
		default:
			return StrategyUserGuidance
		}

	case CategoryNetwork, CategoryService, CategoryTimeout:
		switch {
		case severity.AtLeast(SeverityCritical):
			return StrategyEscalate
		case severity == SeverityError:
			return StrategyFallback
		default:
			return StrategyRetry
		}

	case CategoryProcessing, CategorySystem:
		switch {
		case severity.AtLeast(SeverityCritical):
			return StrategyImmediateStop
		case severity == SeverityError:
			return StrategyRecovery
		default:
			return StrategyLogAndIgnore
		}

	case CategoryStorage:
		if severity.AtLeast(SeverityCritical) {
			return StrategyImmediateStop
		}
		return StrategyEscalate

	case CategoryConfiguration:
		switch {
		case severity.AtLeast(SeverityCritical):
			return StrategyImmediateStop
		case severity == SeverityError:
			return StrategyEscalate
		default:
			return StrategyUserGuidance
		}

	default:
		return StrategyEscalate
	}
}

// StrategyResult is what every strategy execution returns.
type StrategyResult struct {
	Success               bool                   `json:"success"`
	Message               string                 `json:"message"`
	RequiresFurtherAction bool                   `json:"requires_further_action"`
	NextAction            string                 `json:"next_action,omitempty"`
	Data                  map[string]interface{} `json:"data,omitempty"`
}

// Strategy handles one class of failures. Implementations are stateless
// values; side effects go through the injected Ports.
type Strategy interface {
	Tag() StrategyTag
	CanHandle(e *ProcessingError) bool
	Execute(ctx context.Context, e *ProcessingError) (*StrategyResult, error)
}

// =============================================================================
// SIDE-EFFECT PORTS
// =============================================================================
//
// Strategies act on the pipeline through these narrow interfaces. The wiring
// layer injects implementations; every port is optional and strategies
// degrade to reporting-only behavior when a port is absent.

// Retrier redispatches a failed operation once.
type Retrier interface {
	RetryOnce(ctx context.Context, e *ProcessingError) error
}

// BatchPauser pauses a batch's dispatch.
type BatchPauser interface {
	Pause(batchID string) bool
}

// PartialSaver triggers preservation of completed work for a batch.
type PartialSaver interface {
	SavePartials(ctx context.Context, batchID, reason string) (bool, error)
}

// CheckpointMarker flips a batch's safe-checkpoint state.
type CheckpointMarker interface {
	MarkUnsafe(batchID string)
}

// AlertSink receives escalation reports and emergency notifications.
type AlertSink interface {
	Alert(batchID string, payload map[string]interface{})
}

// Ports bundles the side-effect surfaces available to strategies.
type Ports struct {
	Retrier     Retrier
	Pauser      BatchPauser
	Partials    PartialSaver
	Checkpoints CheckpointMarker
	Alerts      AlertSink
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry holds the strategies keyed by tag.
type Registry struct {
	mu         sync.RWMutex
	strategies map[StrategyTag]Strategy
}

// NewRegistry returns a registry pre-populated with the seven standard
// strategies wired to the given ports.
func NewRegistry(ports Ports) *Registry {
	r := &Registry{strategies: make(map[StrategyTag]Strategy)}
	r.Register(&retryStrategy{ports: ports})
	r.Register(&fallbackStrategy{})
	r.Register(&recoveryStrategy{ports: ports})
	r.Register(&userGuidanceStrategy{})
	r.Register(&escalateStrategy{ports: ports})
	r.Register(&logAndIgnoreStrategy{})
	r.Register(&immediateStopStrategy{ports: ports})
	return r
}

// Register adds or replaces a strategy.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Tag()] = s
}

// Get returns the strategy for a tag.
func (r *Registry) Get(tag StrategyTag) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[tag]
	return s, ok
}

// Tags lists the registered strategy tags.
func (r *Registry) Tags() []StrategyTag {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]StrategyTag, 0, len(r.strategies))
	for tag := range r.strategies {
		tags = append(tags, tag)
	}
	return tags
}
