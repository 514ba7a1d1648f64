package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/atlas-command/edge-agent/internal/detect"
	"github.com/atlas-command/edge-agent/internal/logger"
	"github.com/atlas-command/edge-agent/internal/metrics"
	"github.com/atlas-command/edge-agent/pkg/types"
)

// DetectionOptions fixes the stage's filtering behavior at construction.
type DetectionOptions struct {
	TargetClass string
	Threshold   float64
	MaxPerFrame int
	PopTimeout  time.Duration
}

// DetectionStats is the stage's own aggregate, updated only by its worker
// and copied out by Stats.
type DetectionStats struct {
	FramesProcessed  uint64
	FramesFailed     uint64
	DetectionsKept   uint64
	DetectionsCulled uint64
	LastMeanConf     float64
	LatenciesMs      []float64
}

// DetectionStage consumes frames, runs the detector, filters to the target
// class above the confidence threshold, and emits one DetectionBatch per
// frame. A frame with nothing qualifying still emits an empty batch so
// downstream accounting sees every frame.
type DetectionStage struct {
	runner
	in   *Queue[*types.Frame]
	out  *Queue[*types.DetectionBatch]
	det  detect.Detector
	opts DetectionOptions
	mets *metrics.Metrics

	mu    sync.Mutex
	stats DetectionStats
	lat   latencyWindow
}

// NewDetectionStage wires the stage between its queues.
func NewDetectionStage(in *Queue[*types.Frame], out *Queue[*types.DetectionBatch],
	det detect.Detector, opts DetectionOptions, mets *metrics.Metrics) *DetectionStage {
	if opts.PopTimeout <= 0 {
		opts.PopTimeout = 150 * time.Millisecond
	}
	return &DetectionStage{
		runner: newRunner("detection"),
		in:     in,
		out:    out,
		det:    det,
		opts:   opts,
		mets:   mets,
	}
}

// Start launches the worker.
func (s *DetectionStage) Start(ctx context.Context) {
	s.start(ctx, s.run)
}

// Stop drains the worker within the grace period.
func (s *DetectionStage) Stop(grace time.Duration) bool {
	return s.stop(grace)
}

func (s *DetectionStage) run(ctx context.Context) {
	logger.Info("pipeline", "detection stage running (target %q, threshold %.2f, cap %d)",
		s.opts.TargetClass, s.opts.Threshold, s.opts.MaxPerFrame)
	for !s.stopping(ctx) {
		frame, ok := s.in.Pop(s.opts.PopTimeout)
		if !ok {
			continue
		}
		s.process(frame)
	}
	logger.Info("pipeline", "detection stage stopped")
}

// process runs one frame end to end. A detector error counts the frame as
// failed and the worker moves on; one bad frame never stops the stage.
func (s *DetectionStage) process(frame *types.Frame) {
	start := time.Now()

	raw, err := s.det.Infer(frame)
	if err != nil {
		logger.Error("pipeline", "detection on frame %d: %v", frame.ID, err)
		s.mets.DetectionFailures.Add(1)
		s.mu.Lock()
		s.stats.FramesFailed++
		s.mu.Unlock()
		return
	}

	// Truncation past the cap keeps detector-native order, not a
	// confidence top-K.
	kept := make([]types.Detection, 0, min(len(raw), s.opts.MaxPerFrame))
	confs := make([]float64, 0, cap(kept))
	culled := 0
	for _, r := range raw {
		if r.ClassLabel != s.opts.TargetClass || r.Confidence < s.opts.Threshold {
			continue
		}
		if len(kept) == s.opts.MaxPerFrame {
			culled++
			continue
		}
		kept = append(kept, types.Detection{
			ObjectID:   fmt.Sprintf("%s_%d_%d", s.opts.TargetClass, frame.ID, len(kept)),
			ObjectType: r.ClassLabel,
			Confidence: r.Confidence,
			Box:        r.Box,
		})
		confs = append(confs, r.Confidence)
	}

	meanConf := 0.0
	if len(confs) > 0 {
		meanConf = stat.Mean(confs, nil)
	}
	elapsed := time.Since(start)

	batch := &types.DetectionBatch{
		Detections:   kept,
		Frame:        frame.Meta(),
		MeanConf:     meanConf,
		StageLatency: elapsed,
	}
	s.out.Push(batch)

	s.mets.FramesDetected.Add(1)
	s.mets.DetectionsKept.Add(uint64(len(kept)))
	s.mets.DetectionsCulled.Add(uint64(culled))
	s.mets.UpdateDetectLatency(elapsed)

	s.mu.Lock()
	s.stats.FramesProcessed++
	s.stats.DetectionsKept += uint64(len(kept))
	s.stats.DetectionsCulled += uint64(culled)
	s.stats.LastMeanConf = meanConf
	s.lat.observe(elapsed)
	s.mu.Unlock()

	if culled > 0 {
		logger.Debug("pipeline", "frame %d: culled %d detections past cap %d",
			frame.ID, culled, s.opts.MaxPerFrame)
	}
}

// Stats copies the aggregate out under a short lock.
func (s *DetectionStage) Stats() DetectionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.stats
	out.LatenciesMs = s.lat.snapshot()
	return out
}
