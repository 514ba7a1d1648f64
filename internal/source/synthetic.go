package source

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/atlas-command/edge-agent/internal/config"
	"github.com/atlas-command/edge-agent/pkg/types"
)

// SyntheticSource renders frames in software: a flat background, two
// person-sized blocks pacing across the view, and a text banner with the
// camera name and frame number. The scene is a pure function of the frame
// counter, so runs are reproducible. Used on hosts without a camera and in
// tests.
type SyntheticSource struct {
	name   string
	width  int
	height int
	seq    uint64
	canvas *image.RGBA
}

// NewSynthetic builds a generator at the configured resolution.
func NewSynthetic(cfg config.CameraConfig) *SyntheticSource {
	return &SyntheticSource{
		name:   cfg.Name,
		width:  cfg.Width,
		height: cfg.Height,
		canvas: image.NewRGBA(image.Rect(0, 0, cfg.Width, cfg.Height)),
	}
}

// Next renders the next frame. It never waits and never fails; the timeout
// only exists to satisfy the Source contract, pacing is the caller's job.
func (s *SyntheticSource) Next(timeout time.Duration) (*types.Frame, error) {
	s.seq++
	s.render(s.seq)

	return &types.Frame{
		ID:         s.seq,
		Data:       rgbaToBGR(s.canvas),
		Width:      s.width,
		Height:     s.height,
		CapturedAt: time.Now(),
	}, nil
}

// Close is a no-op; nothing is held open.
func (s *SyntheticSource) Close() error {
	return nil
}

func (s *SyntheticSource) render(seq uint64) {
	bg := color.RGBA{R: 32, G: 36, B: 40, A: 255}
	draw.Draw(s.canvas, s.canvas.Bounds(), &image.Uniform{bg}, image.Point{}, draw.Src)

	// two walkers crossing in opposite directions, wrapping at the edges
	s.drawWalker(seq*3, s.height/2, color.RGBA{R: 190, G: 190, B: 185, A: 255})
	s.drawWalker(uint64(s.width*4)-seq*2, s.height/3, color.RGBA{R: 150, G: 160, B: 170, A: 255})

	banner := fmt.Sprintf("%s frame %d", s.name, seq)
	d := font.Drawer{
		Dst:  s.canvas,
		Src:  image.NewUniform(color.RGBA{R: 230, G: 230, B: 230, A: 255}),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(8, 16),
	}
	d.DrawString(banner)
}

func (s *SyntheticSource) drawWalker(step uint64, centerY int, c color.RGBA) {
	const walkerW, walkerH = 56, 160
	span := s.width + walkerW
	x := int(step%uint64(span)) - walkerW

	r := image.Rect(x, centerY-walkerH/2, x+walkerW, centerY+walkerH/2)
	draw.Draw(s.canvas, r.Intersect(s.canvas.Bounds()), &image.Uniform{c}, image.Point{}, draw.Src)
}

// rgbaToBGR flattens the canvas into the packed BGR24 layout the rest of the
// pipeline expects from real cameras.
func rgbaToBGR(img *image.RGBA) []byte {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := make([]byte, w*h*3)

	for y := 0; y < h; y++ {
		src := img.Pix[y*img.Stride : y*img.Stride+w*4]
		dst := out[y*w*3:]
		for x := 0; x < w; x++ {
			dst[x*3+0] = src[x*4+2]
			dst[x*3+1] = src[x*4+1]
			dst[x*3+2] = src[x*4+0]
		}
	}
	return out
}
