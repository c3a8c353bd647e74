// Package sensors defines the capture inputs consumed by the tracking front-end:
// timestamped images, inertial samples and the feature-extraction contract.
package sensors

import (
	"context"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"
	goutils "go.viam.com/utils"
)

// TimedImage is a single timestamped grayscale or color capture.
type TimedImage struct {
	Image       []byte
	Width       int
	Height      int
	ReadingTime time.Time
}

// TimedStereoPair is a rectified left/right capture sharing one timestamp.
// The left image timestamp is authoritative.
type TimedStereoPair struct {
	Left  TimedImage
	Right TimedImage
}

// TimedRGBD is a color capture plus a registered per-pixel depth map in meters,
// row-major, sized Width*Height. A zero depth value means no reading.
type TimedRGBD struct {
	Image TimedImage
	Depth []float64
}

// IMUReading is a single timestamped gyroscope + accelerometer sample.
type IMUReading struct {
	LinearAcceleration r3.Vector
	AngularVelocity    spatialmath.AngularVelocity
	ReadingTime        time.Time
}

// Extractor converts a raw capture into keypoints with descriptors. For stereo it
// performs left/right matching and fills per-keypoint disparity; for RGB-D it reads
// depth per keypoint. Implementations are external to this module.
type Extractor interface {
	ExtractMonocular(ctx context.Context, img TimedImage) (Features, error)
	ExtractStereo(ctx context.Context, pair TimedStereoPair) (Features, error)
	ExtractRGBD(ctx context.Context, capture TimedRGBD) (Features, error)
}

// ExtractFunc is a single-modality extraction call bound to a fixed capture.
type ExtractFunc func(ctx context.Context) (Features, error)

// ValidateExtractor checks every validationInterval that extract returns
// features without error, until either success or validationMaxTimeout has
// elapsed. It returns an error if no valid extraction was produced in time.
func ValidateExtractor(
	ctx context.Context,
	extract ExtractFunc,
	validationMaxTimeout time.Duration,
	validationInterval time.Duration,
	logger logging.Logger,
) error {
	ctx, span := trace.StartSpan(ctx, "viamvislam::sensors::ValidateExtractor")
	defer span.End()

	startTime := time.Now().UTC()

	for {
		_, err := extract(ctx)
		if err == nil {
			break
		}

		logger.Debugw("ValidateExtractor hit error", "error", err)
		if time.Since(startTime) >= validationMaxTimeout {
			return errors.Wrap(err, "ValidateExtractor timeout")
		}
		if !goutils.SelectContextOrWait(ctx, validationInterval) {
			return ctx.Err()
		}
	}

	return nil
}
