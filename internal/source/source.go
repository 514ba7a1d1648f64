// Package source provides the camera backends that feed the pipeline. The
// backend is chosen once at startup from the closed set in the config; there
// is no runtime switching.
package source

import (
	"fmt"
	"time"

	"github.com/atlas-command/edge-agent/internal/config"
	"github.com/atlas-command/edge-agent/pkg/types"
)

// Source delivers BGR24 frames from one camera. Next is called by a single
// goroutine. It may block up to roughly timeout waiting for a frame and
// returns (nil, nil) when none arrived in time; an error means the capture
// attempt itself failed and the caller should log it and carry on.
type Source interface {
	Next(timeout time.Duration) (*types.Frame, error)
	Close() error
}

// New builds the frame source named by the config.
func New(cfg config.CameraConfig) (Source, error) {
	switch cfg.Type {
	case config.SourceUSB:
		return NewUSB(cfg)
	case config.SourceModule:
		return NewModule(cfg)
	case config.SourceSynthetic:
		return NewSynthetic(cfg), nil
	default:
		return nil, fmt.Errorf("unknown camera type %q", cfg.Type)
	}
}
