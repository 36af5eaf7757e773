// Package cancel implements cooperative cancellation: per-batch tokens
// consulted by workers at suspension points, the graceful/forced protocol,
// and safe-checkpoint bookkeeping. Cancellation is a signal, never an
// error path.
package cancel

import (
	"sync"
)

// Reason records why a cancellation was requested.
type Reason string

const (
	ReasonUserRequested  Reason = "user_requested"
	ReasonErrorStop      Reason = "error_stop"
	ReasonSystemShutdown Reason = "system_shutdown"
	ReasonTimeout        Reason = "timeout"
)

// Token is the process-local cancellation signal for one batch. Workers
// poll IsRequested at suspension points and select on Done during waits.
type Token struct {
	BatchID string

	mu          sync.Mutex
	requested   bool
	reason      Reason
	forceCancel bool
	committed   bool
	// checkpoints holds the segment indices currently at a safe point.
	checkpoints map[int]bool
	// unsafe marks the batch state as not safely abandonable, set by the
	// immediate-stop path.
	unsafe bool

	done chan struct{}
}

func newToken(batchID string) *Token {
	return &Token{
		BatchID:     batchID,
		checkpoints: make(map[int]bool),
		done:        make(chan struct{}),
	}
}

// request flips the token. Later requests cannot downgrade force to
// graceful. Returns true on the first request.
func (t *Token) request(reason Reason, force bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	first := !t.requested
	if first {
		t.requested = true
		t.reason = reason
		close(t.done)
	}
	if force {
		t.forceCancel = true
	}
	return first
}

// IsRequested reports whether cancellation has been requested.
func (t *Token) IsRequested() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.requested
}

// IsForced reports whether the request demands immediate abandonment.
func (t *Token) IsForced() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.forceCancel
}

// Reason returns the recorded cancellation reason.
func (t *Token) Reason() Reason {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// Done returns a channel closed once cancellation is requested.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// SetCheckpoint records a segment entering (safe=true) or leaving
// (safe=false) a safe point.
func (t *Token) SetCheckpoint(segmentIndex int, safe bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if safe {
		t.checkpoints[segmentIndex] = true
	} else {
		delete(t.checkpoints, segmentIndex)
	}
}

// Checkpoints returns the segment indices currently at safe points.
func (t *Token) Checkpoints() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	indices := make([]int, 0, len(t.checkpoints))
	for i := range t.checkpoints {
		indices = append(indices, i)
	}
	return indices
}

// MarkUnsafe flags the batch as not safely abandonable.
func (t *Token) MarkUnsafe() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unsafe = true
}

// IsUnsafe reports the unsafe flag.
func (t *Token) IsUnsafe() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.unsafe
}

// markCommitted records that the cancellation protocol finished. Returns
// false if it had already committed.
func (t *Token) markCommitted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.committed {
		return false
	}
	t.committed = true
	return true
}

// IsCommitted reports whether the protocol has finished for this token.
func (t *Token) IsCommitted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.committed
}
