package monitoring

import (
	"context"
	"sync/atomic"
	"time"
)

// LoopKind names one of the synchronizer's polling loops.
type LoopKind string

const (
	LoopInventory LoopKind = "inventory"
	LoopEvents    LoopKind = "events"
	LoopMetrics   LoopKind = "metrics"
)

var loopKinds = []LoopKind{LoopInventory, LoopEvents, LoopMetrics}

// LoopState is the lifecycle of a single loop.
type LoopState int32

const (
	LoopIdle LoopState = iota
	LoopRunning
	LoopTerminated
)

func (s LoopState) String() string {
	switch s {
	case LoopIdle:
		return "idle"
	case LoopRunning:
		return "running"
	case LoopTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON status payloads.
func (s LoopState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// FailurePolicy decides what a loop does after a failed tick.
type FailurePolicy string

const (
	// FailurePolicyStop terminates the loop on the first failure.
	FailurePolicyStop FailurePolicy = "stop"
	// FailurePolicyBackoff retries with exponential backoff and terminates
	// after MaxRetries consecutive failures.
	FailurePolicyBackoff FailurePolicy = "backoff"
	// FailurePolicyRetry retries at the normal interval forever.
	FailurePolicyRetry FailurePolicy = "retry"
)

// NotifyMode selects which entities are notified on a successful tick.
type NotifyMode string

const (
	NotifyAll     NotifyMode = "all"
	NotifyChanged NotifyMode = "changed"
)

type loopStatus struct {
	state atomic.Int32
}

// begin moves idle to running. It fails when the loop is already running or
// has terminated.
func (l *loopStatus) begin() bool {
	return l.state.CompareAndSwap(int32(LoopIdle), int32(LoopRunning))
}

func (l *loopStatus) terminate() {
	l.state.Store(int32(LoopTerminated))
}

// release returns a running loop to idle after cancellation.
func (l *loopStatus) release() {
	l.state.CompareAndSwap(int32(LoopRunning), int32(LoopIdle))
}

func (l *loopStatus) load() LoopState {
	return LoopState(l.state.Load())
}

// sleepContext waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
