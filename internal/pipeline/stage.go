package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/atlas-command/edge-agent/internal/logger"
)

// StageState tracks where a stage is in its lifecycle.
type StageState int32

const (
	StageIdle StageState = iota
	StageRunning
	StageDraining
	StageStopped
)

// String returns the lowercase name of the state.
func (s StageState) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageRunning:
		return "running"
	case StageDraining:
		return "draining"
	case StageStopped:
		return "stopped"
	}
	return "unknown"
}

// runner owns the lifecycle shared by every stage: one worker goroutine,
// Idle -> Running -> Draining -> Stopped. Cancellation comes from a context
// owned by the orchestrator; stages only ever read it.
type runner struct {
	name  string
	state atomic.Int32
	done  chan struct{}
}

func newRunner(name string) runner {
	return runner{name: name, done: make(chan struct{})}
}

// Name returns the stage name used in logs and stats.
func (r *runner) Name() string {
	return r.name
}

// State returns the current lifecycle state.
func (r *runner) State() StageState {
	return StageState(r.state.Load())
}

// start launches the worker goroutine. It is a no-op if the stage already
// left Idle.
func (r *runner) start(ctx context.Context, loop func(ctx context.Context)) {
	if !r.state.CompareAndSwap(int32(StageIdle), int32(StageRunning)) {
		return
	}
	go func() {
		defer close(r.done)
		defer r.state.Store(int32(StageStopped))
		loop(ctx)
	}()
}

// stop marks the stage as draining and waits for the worker to exit, up to
// the grace period. The worker finishes its in-flight item; it is never
// killed. A worker overrunning the grace period is logged and reported but
// is not fatal.
func (r *runner) stop(grace time.Duration) bool {
	// A stage that never started has no worker to join.
	if r.state.CompareAndSwap(int32(StageIdle), int32(StageStopped)) {
		return true
	}
	r.state.CompareAndSwap(int32(StageRunning), int32(StageDraining))
	select {
	case <-r.done:
		return true
	case <-time.After(grace):
		logger.Warn("pipeline", "stage %s did not drain within %v", r.name, grace)
		return false
	}
}

// stopping reports whether the worker loop should wind down. Workers call
// this once per iteration so a 100-200ms pop timeout bounds shutdown
// latency.
func (r *runner) stopping(ctx context.Context) bool {
	if r.State() == StageDraining {
		return true
	}
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// latencyWindow keeps the most recent per-item latencies in milliseconds for
// the stats aggregator. Owned by one worker; callers hold the stage's stats
// lock around observe and snapshot.
type latencyWindow struct {
	samples [64]float64
	n       int
}

func (w *latencyWindow) observe(d time.Duration) {
	w.samples[w.n%len(w.samples)] = float64(d.Microseconds()) / 1000.0
	w.n++
}

func (w *latencyWindow) snapshot() []float64 {
	k := w.n
	if k > len(w.samples) {
		k = len(w.samples)
	}
	out := make([]float64, k)
	copy(out, w.samples[:k])
	return out
}
