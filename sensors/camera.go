package sensors

import (
	"math"

	"github.com/golang/geo/r3"
)

// Camera is a calibrated pinhole model plus the feature pyramid geometry needed for
// scale-invariant matching. Distortion coefficients are carried for completeness;
// captures are assumed rectified before extraction.
type Camera struct {
	Fx, Fy, Cx, Cy float64
	Width, Height  int
	Distortion     []float64
	// BaselineFx is the stereo baseline multiplied by Fx. Zero for monocular rigs.
	BaselineFx float64
	// DepthThreshold separates close (reliable, single-view) points from far ones.
	DepthThreshold float64

	ScaleFactor  float64
	Levels       int
	scaleFactors []float64
}

const (
	defaultPyramidLevels = 8
	defaultScaleFactor   = 1.2
)

// NewCamera builds a Camera, deriving the scale pyramid and the close/far depth
// threshold from the baseline when not explicitly configured.
func NewCamera(fx, fy, cx, cy float64, width, height int, opts ...CameraOption) *Camera {
	c := &Camera{
		Fx: fx, Fy: fy, Cx: cx, Cy: cy,
		Width: width, Height: height,
		ScaleFactor: defaultScaleFactor,
		Levels:      defaultPyramidLevels,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.Levels <= 0 {
		c.Levels = defaultPyramidLevels
	}
	if c.ScaleFactor <= 1 {
		c.ScaleFactor = defaultScaleFactor
	}
	c.scaleFactors = make([]float64, c.Levels)
	c.scaleFactors[0] = 1
	for i := 1; i < c.Levels; i++ {
		c.scaleFactors[i] = c.scaleFactors[i-1] * c.ScaleFactor
	}
	return c
}

// CameraOption mutates a Camera during construction.
type CameraOption func(*Camera)

// WithStereo sets the baseline-times-fx product and a depth threshold expressed as a
// multiple of the baseline.
func WithStereo(baselineFx, depthThresholdMultiplier float64) CameraOption {
	return func(c *Camera) {
		c.BaselineFx = baselineFx
		if depthThresholdMultiplier > 0 {
			c.DepthThreshold = baselineFx / c.Fx * depthThresholdMultiplier
		}
	}
}

// WithDistortion attaches radial/tangential distortion coefficients.
func WithDistortion(coeffs []float64) CameraOption {
	return func(c *Camera) {
		c.Distortion = coeffs
	}
}

// WithPyramid overrides the feature pyramid geometry.
func WithPyramid(levels int, scaleFactor float64) CameraOption {
	return func(c *Camera) {
		c.Levels = levels
		c.ScaleFactor = scaleFactor
	}
}

// Baseline returns the metric stereo baseline, zero for monocular rigs.
func (c *Camera) Baseline() float64 {
	return c.BaselineFx / c.Fx
}

// Project maps a point in the camera frame to pixel coordinates. ok is false when
// the point is behind the image plane.
func (c *Camera) Project(p r3.Vector) (u, v float64, ok bool) {
	if p.Z <= 0 {
		return 0, 0, false
	}
	return c.Fx*p.X/p.Z + c.Cx, c.Fy*p.Y/p.Z + c.Cy, true
}

// Unproject lifts a pixel with known depth back into the camera frame.
func (c *Camera) Unproject(u, v, z float64) r3.Vector {
	return r3.Vector{
		X: (u - c.Cx) * z / c.Fx,
		Y: (v - c.Cy) * z / c.Fy,
		Z: z,
	}
}

// InImageBounds reports whether a pixel lies inside the capture.
func (c *Camera) InImageBounds(u, v float64) bool {
	return u >= 0 && u < float64(c.Width) && v >= 0 && v < float64(c.Height)
}

// ScaleFactorAt returns the pyramid scale at the given octave, clamped to valid levels.
func (c *Camera) ScaleFactorAt(level int) float64 {
	if level < 0 {
		level = 0
	}
	if level >= len(c.scaleFactors) {
		level = len(c.scaleFactors) - 1
	}
	return c.scaleFactors[level]
}

// PredictScaleLevel estimates the pyramid level a landmark at the given distance
// would be detected at, given the distance at which it was seen at full resolution.
func (c *Camera) PredictScaleLevel(maxDistance, distance float64) int {
	if distance <= 0 || maxDistance <= 0 {
		return 0
	}
	ratio := maxDistance / distance
	level := int(math.Ceil(math.Log(ratio) / math.Log(c.ScaleFactor)))
	if level < 0 {
		level = 0
	}
	if level >= c.Levels {
		level = c.Levels - 1
	}
	return level
}
