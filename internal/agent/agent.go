// Package agent wires the camera source, the three pipeline stages, the
// backend client, and the monitoring surfaces into one process.
package agent

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atlas-command/edge-agent/internal/atlas"
	"github.com/atlas-command/edge-agent/internal/config"
	"github.com/atlas-command/edge-agent/internal/detect"
	"github.com/atlas-command/edge-agent/internal/geometry"
	"github.com/atlas-command/edge-agent/internal/logger"
	"github.com/atlas-command/edge-agent/internal/metrics"
	"github.com/atlas-command/edge-agent/internal/pipeline"
	"github.com/atlas-command/edge-agent/internal/source"
	"github.com/atlas-command/edge-agent/pkg/types"
)

// Agent owns the pipeline. Construction wires everything from one immutable
// config snapshot; a capability that fails to initialize here aborts startup
// rather than running degraded.
type Agent struct {
	cfg    *config.Config
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mets     *metrics.Metrics
	src      source.Source
	detector detect.Detector
	client   *atlas.Client
	poller   *atlas.Poller

	frameQ *pipeline.Queue[*types.Frame]
	detQ   *pipeline.Queue[*types.DetectionBatch]
	teleQ  *pipeline.Queue[*types.CoordinateBatch]

	detection  *pipeline.DetectionStage
	coordinate *pipeline.CoordinateStage
	telemetry  *pipeline.TelemetryStage

	httpServer *http.Server

	version    string
	instanceID string
	startedAt  time.Time
}

// New constructs and wires the whole pipeline. Any error here is fatal to
// startup.
func New(cfg *config.Config, version string) (*Agent, error) {
	ctx, cancel := context.WithCancel(context.Background())

	src, err := source.New(cfg.Camera)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("frame source: %w", err)
	}

	detector, err := detect.New(cfg.Detector)
	if err != nil {
		src.Close()
		cancel()
		return nil, fmt.Errorf("detector: %w", err)
	}

	calc, err := geometry.NewCalculator(cfg.Camera.Width, cfg.Camera.Height,
		cfg.Camera.HorizontalFOV, cfg.Camera.VerticalFOV)
	if err != nil {
		detector.Close()
		src.Close()
		cancel()
		return nil, fmt.Errorf("geometry: %w", err)
	}
	h, v, diag := calc.FieldOfView()
	logger.Info("agent", "camera %s: %dx%d, fov %.1fx%.1f (%.1f diagonal)",
		cfg.Camera.Name, cfg.Camera.Width, cfg.Camera.Height, h, v, diag)

	mets := metrics.New()
	instanceID := uuid.NewString()
	client := atlas.NewClient(cfg.Atlas,
		fmt.Sprintf("atlas-edge-agent/%s (%s)", version, instanceID))

	frameQ := pipeline.NewQueue[*types.Frame](cfg.Queues.FrameCapacity)
	detQ := pipeline.NewQueue[*types.DetectionBatch](cfg.Queues.DetectionCapacity)
	teleQ := pipeline.NewQueue[*types.CoordinateBatch](cfg.Queues.TelemetryCapacity)

	a := &Agent{
		cfg:        cfg,
		ctx:        ctx,
		cancel:     cancel,
		mets:       mets,
		src:        src,
		detector:   detector,
		client:     client,
		frameQ:     frameQ,
		detQ:       detQ,
		teleQ:      teleQ,
		version:    version,
		instanceID: instanceID,
	}

	a.detection = pipeline.NewDetectionStage(frameQ, detQ, detector, pipeline.DetectionOptions{
		TargetClass: cfg.Detector.TargetClass,
		Threshold:   cfg.Detector.ConfidenceThreshold,
		MaxPerFrame: cfg.Detector.MaxPerFrame,
		PopTimeout:  cfg.PopTimeout,
	}, mets)
	a.coordinate = pipeline.NewCoordinateStage(detQ, teleQ, calc, cfg.PopTimeout, mets)
	a.telemetry = pipeline.NewTelemetryStage(teleQ, client, pipeline.TelemetryOptions{
		AssetID:           cfg.Atlas.AssetID,
		MaxRetries:        cfg.Atlas.MaxRetries,
		BackoffBase:       cfg.Atlas.BackoffBase,
		BackoffCap:        cfg.Atlas.BackoffCap,
		RateLimitCooldown: cfg.Atlas.RateLimitCooldown,
		PopTimeout:        cfg.PopTimeout,
	}, mets)

	a.poller = atlas.NewPoller(client, cfg.Atlas.CommandPollInterval, a.handleCommand)

	mux := http.NewServeMux()
	a.setupRoutes(mux)
	a.httpServer = &http.Server{Addr: cfg.HTTPAddr, Handler: mux}

	return a, nil
}

// Start registers the asset, brings up the monitoring servers, and launches
// the producer and the stages in producer-to-consumer order.
func (a *Agent) Start() error {
	if err := a.register(); err != nil {
		return err
	}

	go func() {
		logger.Info("agent", "metrics server on %s", a.cfg.MetricsAddr)
		if err := a.mets.StartServer(a.cfg.MetricsAddr); err != nil {
			logger.Error("agent", "metrics server: %v", err)
		}
	}()
	go func() {
		logger.Info("agent", "status server on %s", a.cfg.HTTPAddr)
		if err := a.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("agent", "status server: %v", err)
		}
	}()

	a.startedAt = time.Now()

	a.wg.Add(1)
	go a.readFrames()

	a.detection.Start(a.ctx)
	a.coordinate.Start(a.ctx)
	a.telemetry.Start(a.ctx)

	a.wg.Add(3)
	go a.statusLoop()
	go a.supervisionLoop()
	go func() {
		defer a.wg.Done()
		a.poller.Run(a.ctx)
	}()

	logger.Info("agent", "pipeline started (asset %s, instance %s)",
		a.cfg.Atlas.AssetID, a.instanceID)
	return nil
}

// register announces the asset. When the backend is marked required, a
// failed registration aborts startup; otherwise the agent runs and keeps
// reporting into the void until the backend appears.
func (a *Agent) register() error {
	ctx, cancel := context.WithTimeout(a.ctx, a.cfg.Atlas.RequestTimeout)
	defer cancel()

	err := a.client.RegisterAsset(ctx, a.cfg.Atlas.AssetName, a.cfg.Atlas.ModelID)
	if err == nil {
		logger.Info("agent", "asset %s registered with %s", a.cfg.Atlas.AssetID, a.cfg.Atlas.URL)
		return nil
	}
	if a.cfg.Atlas.Required {
		return fmt.Errorf("register asset %s: %w", a.cfg.Atlas.AssetID, err)
	}
	logger.Warn("agent", "register asset %s: %v (backend not required, continuing)",
		a.cfg.Atlas.AssetID, err)
	return nil
}

// readFrames is the producer: it paces the source at the configured rate and
// feeds the frame queue, counting drops when detection falls behind.
func (a *Agent) readFrames() {
	defer a.wg.Done()

	interval := time.Second / time.Duration(a.cfg.Camera.FPS)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("agent", "frame producer running at %dfps", a.cfg.Camera.FPS)
	for {
		select {
		case <-a.ctx.Done():
			logger.Info("agent", "frame producer stopped")
			return
		case <-ticker.C:
			frame, err := a.src.Next(interval)
			if err != nil {
				a.mets.CaptureErrors.Add(1)
				logger.Warn("agent", "capture: %v", err)
				continue
			}
			if frame == nil {
				continue
			}
			a.mets.FramesRead.Add(1)
			if !a.frameQ.Push(frame) {
				a.mets.FramesDropped.Add(1)
			}
		}
	}
}

// statusLoop reports periodic system telemetry. One attempt per tick, no
// retries: the next tick supersedes a lost report.
func (a *Agent) statusLoop() {
	defer a.wg.Done()

	t := time.NewTicker(a.cfg.Atlas.TelemetryInterval)
	defer t.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-t.C:
			now := time.Now()
			ctx, cancel := context.WithTimeout(a.ctx, a.cfg.Atlas.RequestTimeout)
			err := a.client.PostTelemetry(ctx, atlas.TelemetryPayload{
				Readings:       a.statusReadings(now),
				BatchTimestamp: now,
			})
			cancel()
			if err != nil {
				logger.Warn("agent", "status telemetry: %v", err)
			}
		}
	}
}

// supervisionLoop samples queue gauges, logs a periodic stats line, and
// warns when a queue runs close to full.
func (a *Agent) supervisionLoop() {
	defer a.wg.Done()

	t := time.NewTicker(30 * time.Second)
	defer t.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-t.C:
			a.superviseTick()
		}
	}
}

func (a *Agent) superviseTick() {
	a.mets.UpdateQueueUsage(
		a.frameQ.Len(), a.frameQ.Cap(),
		a.detQ.Len(), a.detQ.Cap(),
		a.teleQ.Len(), a.teleQ.Cap(),
	)
	a.mets.FrameQueueDrops.Store(a.frameQ.Dropped())
	a.mets.DetectionQueueDrops.Store(a.detQ.Dropped())
	a.mets.TelemetryQueueDrops.Store(a.teleQ.Dropped())

	snap := a.Snapshot()
	logger.Info("agent", "frames read=%d dropped=%d, detections kept=%d, contacts sent=%d dropped=%d",
		snap.FramesRead, snap.FramesDropped,
		snap.Detection.DetectionsKept,
		snap.Telemetry.RecordsSent, snap.Telemetry.RecordsDropped)

	for _, q := range snap.Queues {
		if q.FillPct >= 80 {
			logger.Warn("agent", "%s queue at %.0f%% (%d/%d, %d dropped)",
				q.Name, q.FillPct, q.Len, q.Cap, q.Dropped)
		}
	}
}

// handleCommand executes one backend command on the poller goroutine.
func (a *Agent) handleCommand(cmd atlas.Command) {
	switch cmd.Type {
	case "ping":
		logger.Info("agent", "ping command (issued %s)", cmd.IssuedAt.Format(time.RFC3339))
	case "set_log_level":
		raw, _ := cmd.Parameters["level"].(string)
		level, err := logger.ParseLevel(raw)
		if err != nil {
			logger.Warn("agent", "set_log_level: %v", err)
			return
		}
		logger.SetLevel(level)
		logger.Info("agent", "log level set to %s", level)
	default:
		logger.Warn("agent", "unsupported command %q ignored", cmd.Type)
	}
}

// Shutdown signals every stage at once, then joins them against one shared
// grace deadline. Overrunning workers are reported, never killed.
func (a *Agent) Shutdown() error {
	logger.Info("agent", "shutting down")
	a.cancel()

	deadline := time.Now().Add(a.cfg.ShutdownGrace)
	clean := true
	for _, stop := range []func(time.Duration) bool{
		a.detection.Stop,
		a.coordinate.Stop,
		a.telemetry.Stop,
	} {
		remaining := time.Until(deadline)
		if remaining < 10*time.Millisecond {
			remaining = 10 * time.Millisecond
		}
		if !stop(remaining) {
			clean = false
		}
	}

	a.wg.Wait()

	a.src.Close()
	a.detector.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := a.httpServer.Shutdown(ctx)

	if clean {
		logger.Info("agent", "pipeline stopped cleanly")
	} else {
		logger.Warn("agent", "pipeline stopped with overrunning workers")
	}
	return err
}
