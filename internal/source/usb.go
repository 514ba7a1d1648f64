package source

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gocv.io/x/gocv"

	"github.com/atlas-command/edge-agent/internal/config"
	"github.com/atlas-command/edge-agent/internal/logger"
	"github.com/atlas-command/edge-agent/pkg/types"
)

// USBSource captures from a V4L2 device through OpenCV. The capture mat is
// reused across reads; frame bytes are copied out per frame.
type USBSource struct {
	cap    *gocv.VideoCapture
	mat    gocv.Mat
	device string
	seq    uint64
}

// NewUSB opens the device and applies the configured resolution and rate.
// Cameras are free to ignore the request; the actual values are logged and
// each frame carries its real dimensions.
func NewUSB(cfg config.CameraConfig) (*USBSource, error) {
	cap, err := openCapture(cfg.DevicePath)
	if err != nil {
		return nil, err
	}

	cap.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
	cap.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
	cap.Set(gocv.VideoCaptureFPS, float64(cfg.FPS))

	gotW := int(cap.Get(gocv.VideoCaptureFrameWidth))
	gotH := int(cap.Get(gocv.VideoCaptureFrameHeight))
	if gotW != cfg.Width || gotH != cfg.Height {
		logger.Warn("source", "camera %s negotiated %dx%d instead of %dx%d",
			cfg.DevicePath, gotW, gotH, cfg.Width, cfg.Height)
	} else {
		logger.Info("source", "camera %s open at %dx%d @%dfps", cfg.DevicePath, gotW, gotH, cfg.FPS)
	}

	return &USBSource{
		cap:    cap,
		mat:    gocv.NewMat(),
		device: cfg.DevicePath,
	}, nil
}

// openCapture accepts either a /dev/videoN path or anything OpenCV's ffmpeg
// backend understands (a file, an RTSP URL) for bench runs.
func openCapture(path string) (*gocv.VideoCapture, error) {
	if idx, ok := deviceIndex(path); ok {
		cap, err := gocv.VideoCaptureDevice(idx)
		if err != nil {
			return nil, fmt.Errorf("open camera %s: %w", path, err)
		}
		return cap, nil
	}
	cap, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, fmt.Errorf("open capture %s: %w", path, err)
	}
	return cap, nil
}

func deviceIndex(path string) (int, bool) {
	if path == "" {
		return 0, true
	}
	if n, err := strconv.Atoi(strings.TrimPrefix(path, "/dev/video")); err == nil {
		return n, true
	}
	return 0, false
}

// Next reads one frame. OpenCV blocks at the camera's own cadence, so the
// timeout is advisory here. An empty grab returns (nil, nil); a failed grab
// is a capture error.
func (s *USBSource) Next(timeout time.Duration) (*types.Frame, error) {
	if ok := s.cap.Read(&s.mat); !ok {
		return nil, fmt.Errorf("read from %s failed", s.device)
	}
	if s.mat.Empty() {
		return nil, nil
	}

	s.seq++
	return &types.Frame{
		ID:         s.seq,
		Data:       s.mat.ToBytes(),
		Width:      s.mat.Cols(),
		Height:     s.mat.Rows(),
		CapturedAt: time.Now(),
	}, nil
}

// Close releases the device and the scratch mat.
func (s *USBSource) Close() error {
	s.mat.Close()
	return s.cap.Close()
}
