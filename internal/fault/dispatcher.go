package fault

import (
	"context"
	"sync"
	"sync/atomic"

	"docsum/internal/logging"
)

// Dispatcher routes classified errors to their strategies and guarantees a
// minimal stop when a strategy itself fails.
type Dispatcher struct {
	registry *Registry
	ports    Ports

	mu          sync.Mutex
	byCategory  map[Category]int64
	byStrategy  map[StrategyTag]int64
	totalErrors atomic.Int64
}

// NewDispatcher builds a dispatcher with the standard strategy registry.
func NewDispatcher(ports Ports) *Dispatcher {
	return &Dispatcher{
		registry:   NewRegistry(ports),
		ports:      ports,
		byCategory: make(map[Category]int64),
		byStrategy: make(map[StrategyTag]int64),
	}
}

// Registry exposes the strategy registry for replacement or inspection.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Dispatch classifies a raw error and executes the selected strategy.
// A nil result with nil error means the error was pure cancellation and
// needs no handling.
func (d *Dispatcher) Dispatch(ctx context.Context, err error) (*StrategyResult, *ProcessingError) {
	e := Classify(err)
	if e == nil {
		return nil, nil
	}
	return d.DispatchClassified(ctx, e), e
}

// DispatchClassified executes the strategy already chosen for e. Strategy
// failures are logged at critical and answered with the minimal-stop
// fallback so no classified error ever goes unhandled.
func (d *Dispatcher) DispatchClassified(ctx context.Context, e *ProcessingError) *StrategyResult {
	d.count(e)
	log := logging.Get(logging.CategoryFault)

	strategy, ok := d.registry.Get(e.Strategy)
	if !ok {
		log.Error("no strategy registered for tag %q; applying minimal stop", e.Strategy)
		return d.minimalStop(e)
	}

	if !strategy.CanHandle(e) {
		// The selected strategy refuses this error; escalate instead.
		if esc, ok := d.registry.Get(StrategyEscalate); ok && e.Strategy != StrategyEscalate {
			log.Warn("strategy %s cannot handle %s, escalating", e.Strategy, e.ID)
			result, err := esc.Execute(ctx, e)
			if err == nil {
				return result
			}
			log.Error("escalation failed for %s: %v", e.ID, err)
		}
		return d.minimalStop(e)
	}

	result, err := strategy.Execute(ctx, e)
	if err != nil {
		log.Error("strategy %s failed for %s: %v; applying minimal stop", e.Strategy, e.ID, err)
		return d.minimalStop(e)
	}
	return result
}

// minimalStop is the floor response: mark the batch unsafe and notify,
// whatever else is broken.
func (d *Dispatcher) minimalStop(e *ProcessingError) *StrategyResult {
	if d.ports.Checkpoints != nil && e.BatchID != "" {
		d.ports.Checkpoints.MarkUnsafe(e.BatchID)
	}
	if d.ports.Alerts != nil {
		d.ports.Alerts.Alert(e.BatchID, map[string]interface{}{
			"kind":     "minimal_stop",
			"error_id": e.ID,
			"message":  e.UserMessage,
		})
	}
	return &StrategyResult{
		Success:               false,
		Message:               "handling failed; processing stopped defensively",
		RequiresFurtherAction: true,
		NextAction:            "administrator_intervention",
	}
}

func (d *Dispatcher) count(e *ProcessingError) {
	d.totalErrors.Add(1)
	d.mu.Lock()
	d.byCategory[e.Category]++
	d.byStrategy[e.Strategy]++
	d.mu.Unlock()
}

// Stats is a snapshot of dispatcher activity.
type Stats struct {
	TotalErrors int64
	ByCategory  map[Category]int64
	ByStrategy  map[StrategyTag]int64
}

// Stats returns a copy of the dispatch counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := Stats{
		TotalErrors: d.totalErrors.Load(),
		ByCategory:  make(map[Category]int64, len(d.byCategory)),
		ByStrategy:  make(map[StrategyTag]int64, len(d.byStrategy)),
	}
	for k, v := range d.byCategory {
		s.ByCategory[k] = v
	}
	for k, v := range d.byStrategy {
		s.ByStrategy[k] = v
	}
	return s
}
