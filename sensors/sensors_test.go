package sensors

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"
)

func TestValidateExtractor(t *testing.T) {
	logger := logging.NewTestLogger(t)
	ctx := context.Background()

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		extract := func(ctx context.Context) (Features, error) {
			calls++
			if calls < 3 {
				return Features{}, errors.New("extractor warming up")
			}
			return Features{}, nil
		}
		err := ValidateExtractor(ctx, extract, time.Second, time.Millisecond, logger)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, calls, test.ShouldEqual, 3)
	})

	t.Run("times out when extraction never succeeds", func(t *testing.T) {
		extract := func(ctx context.Context) (Features, error) {
			return Features{}, errors.New("no features")
		}
		err := ValidateExtractor(ctx, extract, 10*time.Millisecond, time.Millisecond, logger)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "ValidateExtractor timeout")
	})

	t.Run("stops on context cancellation", func(t *testing.T) {
		cancelCtx, cancel := context.WithCancel(ctx)
		cancel()
		extract := func(ctx context.Context) (Features, error) {
			return Features{}, errors.New("no features")
		}
		err := ValidateExtractor(cancelCtx, extract, time.Minute, time.Millisecond, logger)
		test.That(t, err, test.ShouldBeError, context.Canceled)
	})
}

func TestDescriptorDistance(t *testing.T) {
	a := Descriptor{0x00, 0xFF}
	b := Descriptor{0x00, 0xFF}
	c := Descriptor{0xFF, 0x00}

	test.That(t, a.Distance(b), test.ShouldEqual, 0)
	test.That(t, a.Distance(c), test.ShouldEqual, 16)
	test.That(t, a.Distance(Descriptor{0x01, 0xFF}), test.ShouldEqual, 1)

	// Length mismatch must never look like a good match.
	test.That(t, a.Distance(Descriptor{0x00}), test.ShouldBeGreaterThan, 16)
	test.That(t, Descriptor{}.Distance(Descriptor{}), test.ShouldBeGreaterThan, 0)
}

func TestCameraProjection(t *testing.T) {
	cam := NewCamera(450, 450, 320, 240, 640, 480)

	t.Run("project and unproject round trip", func(t *testing.T) {
		p := r3.Vector{X: 0.5, Y: -0.25, Z: 2}
		u, v, ok := cam.Project(p)
		test.That(t, ok, test.ShouldBeTrue)
		back := cam.Unproject(u, v, p.Z)
		test.That(t, back.X, test.ShouldAlmostEqual, p.X, 1e-9)
		test.That(t, back.Y, test.ShouldAlmostEqual, p.Y, 1e-9)
		test.That(t, back.Z, test.ShouldAlmostEqual, p.Z, 1e-9)
	})

	t.Run("point behind camera does not project", func(t *testing.T) {
		_, _, ok := cam.Project(r3.Vector{X: 0, Y: 0, Z: -1})
		test.That(t, ok, test.ShouldBeFalse)
	})

	t.Run("optical axis hits principal point", func(t *testing.T) {
		u, v, ok := cam.Project(r3.Vector{X: 0, Y: 0, Z: 1})
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, u, test.ShouldAlmostEqual, 320)
		test.That(t, v, test.ShouldAlmostEqual, 240)
	})

	t.Run("image bounds", func(t *testing.T) {
		test.That(t, cam.InImageBounds(0, 0), test.ShouldBeTrue)
		test.That(t, cam.InImageBounds(639.5, 479.5), test.ShouldBeTrue)
		test.That(t, cam.InImageBounds(640, 480), test.ShouldBeFalse)
		test.That(t, cam.InImageBounds(-1, 10), test.ShouldBeFalse)
	})
}

func TestCameraStereo(t *testing.T) {
	cam := NewCamera(450, 450, 320, 240, 640, 480, WithStereo(45, 40))
	test.That(t, cam.Baseline(), test.ShouldAlmostEqual, 0.1)
	test.That(t, cam.DepthThreshold, test.ShouldAlmostEqual, 4.0)
}

func TestCameraScalePyramid(t *testing.T) {
	cam := NewCamera(450, 450, 320, 240, 640, 480, WithPyramid(8, 1.2))

	test.That(t, cam.ScaleFactorAt(0), test.ShouldAlmostEqual, 1)
	test.That(t, cam.ScaleFactorAt(2), test.ShouldAlmostEqual, 1.44)
	// Out-of-range octaves clamp instead of panicking.
	test.That(t, cam.ScaleFactorAt(-3), test.ShouldAlmostEqual, 1)
	test.That(t, cam.ScaleFactorAt(99), test.ShouldAlmostEqual, math.Pow(1.2, 7), 1e-9)

	// A landmark observed at its max distance sits at the base level; closer
	// observations predict coarser pyramid levels.
	test.That(t, cam.PredictScaleLevel(4, 4), test.ShouldEqual, 0)
	test.That(t, cam.PredictScaleLevel(4, 2), test.ShouldBeGreaterThan, 0)
	test.That(t, cam.PredictScaleLevel(0, 2), test.ShouldEqual, 0)
}
