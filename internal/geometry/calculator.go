// Package geometry converts pixel positions into angles relative to the
// camera axis using the camera's field of view.
package geometry

import (
	"fmt"
	"math"

	"github.com/atlas-command/edge-agent/pkg/types"
)

// Calculator maps pixel coordinates to bearing and elevation. The projection
// constants are fixed at construction so per-detection work is pure
// arithmetic with no shared state.
//
// Project is the primary, trigonometrically exact method. Linear is a
// small-angle approximation kept as a fallback; it cannot fail, so callers
// that receive an error from Project can always fall through to it.
type Calculator struct {
	width   float64
	height  float64
	hfovDeg float64
	vfovDeg float64
	fx      float64
	fy      float64
}

// NewCalculator builds a calculator for a sensor of the given pixel
// dimensions and field of view in degrees. Dimensions must be positive; the
// FOV is taken as-is, and a degenerate FOV surfaces later as a Project error
// rather than here, leaving the linear method usable.
func NewCalculator(width, height int, hfovDeg, vfovDeg float64) (*Calculator, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid sensor dimensions %dx%d", width, height)
	}
	w := float64(width)
	h := float64(height)
	return &Calculator{
		width:   w,
		height:  h,
		hfovDeg: hfovDeg,
		vfovDeg: vfovDeg,
		fx:      w / (2 * math.Tan(radians(hfovDeg)/2)),
		fy:      h / (2 * math.Tan(radians(vfovDeg)/2)),
	}, nil
}

// Project converts a pixel position to bearing and elevation by casting a
// ray through the pinhole model. Positive bearing is right of center,
// positive elevation above center. It returns an error when the projection
// constants are degenerate or the result is not finite; it never falls back
// on its own.
func (c *Calculator) Project(px, py float64) (types.SpatialCoordinates, error) {
	if !usableFocal(c.fx) || !usableFocal(c.fy) {
		return types.SpatialCoordinates{}, fmt.Errorf("degenerate focal lengths fx=%g fy=%g for fov %.1fx%.1f",
			c.fx, c.fy, c.hfovDeg, c.vfovDeg)
	}

	ndcX := (2*px - c.width) / c.width
	ndcY := (c.height - 2*py) / c.height

	rayX := ndcX * c.width / (2 * c.fx)
	rayY := ndcY * c.height / (2 * c.fy)
	const rayZ = 1.0

	bearing := degrees(math.Atan2(rayX, rayZ))
	elevation := degrees(math.Atan2(rayY, math.Hypot(rayX, rayZ)))

	if !finite(bearing) || !finite(elevation) {
		return types.SpatialCoordinates{}, fmt.Errorf("projection of (%.1f, %.1f) is not finite", px, py)
	}
	return types.SpatialCoordinates{BearingDeg: bearing, ElevationDeg: elevation}, nil
}

// Linear converts a pixel position to bearing and elevation by scaling the
// normalized offset from center by half the FOV. It is approximate away
// from the axes but total: any finite pixel position yields a result.
func (c *Calculator) Linear(px, py float64) types.SpatialCoordinates {
	normX := (px - c.width/2) / (c.width / 2)
	normY := (c.height/2 - py) / (c.height / 2)
	return types.SpatialCoordinates{
		BearingDeg:   normX * c.hfovDeg / 2,
		ElevationDeg: normY * c.vfovDeg / 2,
	}
}

// FieldOfView returns the horizontal, vertical, and derived diagonal FOV in
// degrees.
func (c *Calculator) FieldOfView() (h, v, diag float64) {
	th := math.Tan(radians(c.hfovDeg) / 2)
	tv := math.Tan(radians(c.vfovDeg) / 2)
	diag = degrees(2 * math.Atan(math.Hypot(th, tv)))
	return c.hfovDeg, c.vfovDeg, diag
}

func usableFocal(f float64) bool {
	return finite(f) && f > 0
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}

func degrees(rad float64) float64 {
	return rad * 180 / math.Pi
}
