package scheduler

import "sync/atomic"

// Metrics counts scheduler activity with atomics so run loops never
// contend on a lock for bookkeeping.
type Metrics struct {
	batchesStarted   atomic.Int64
	batchesCompleted atomic.Int64
	callsTotal       atomic.Int64
	retriesTotal     atomic.Int64

	activeWorkers  atomic.Int64
	peakWorkers    atomic.Int64
	workersStarted atomic.Int64
}

// MetricsSnapshot is a point-in-time copy of the counters.
type MetricsSnapshot struct {
	BatchesStarted   int64 `json:"batches_started"`
	BatchesCompleted int64 `json:"batches_completed"`
	SummarizerCalls  int64 `json:"summarizer_calls"`
	Retries          int64 `json:"retries"`
	ActiveWorkers    int64 `json:"active_workers"`
	PeakWorkers      int64 `json:"peak_workers"`
	WorkersStarted   int64 `json:"workers_started"`
}

func (m *Metrics) recordWorkerStart() {
	m.workersStarted.Add(1)
	active := m.activeWorkers.Add(1)
	for {
		peak := m.peakWorkers.Load()
		if active <= peak || m.peakWorkers.CompareAndSwap(peak, active) {
			return
		}
	}
}

func (m *Metrics) recordWorkerDone() {
	m.activeWorkers.Add(-1)
}

// Metrics returns a snapshot of the scheduler's counters.
func (s *Scheduler) Metrics() MetricsSnapshot {
	return MetricsSnapshot{
		BatchesStarted:   s.metrics.batchesStarted.Load(),
		BatchesCompleted: s.metrics.batchesCompleted.Load(),
		SummarizerCalls:  s.metrics.callsTotal.Load(),
		Retries:          s.metrics.retriesTotal.Load(),
		ActiveWorkers:    s.metrics.activeWorkers.Load(),
		PeakWorkers:      s.metrics.peakWorkers.Load(),
		WorkersStarted:   s.metrics.workersStarted.Load(),
	}
}
