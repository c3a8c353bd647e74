// Package inject provides dependency-injected sensor mocks for testing.
package inject

import (
	"context"

	"github.com/viam-modules/viam-vislam/sensors"
)

// Extractor is an injected feature extractor.
type Extractor struct {
	ExtractMonocularFunc func(ctx context.Context, img sensors.TimedImage) (sensors.Features, error)
	ExtractStereoFunc    func(ctx context.Context, pair sensors.TimedStereoPair) (sensors.Features, error)
	ExtractRGBDFunc      func(ctx context.Context, capture sensors.TimedRGBD) (sensors.Features, error)
}

// ExtractMonocular calls the injected ExtractMonocularFunc.
func (e *Extractor) ExtractMonocular(ctx context.Context, img sensors.TimedImage) (sensors.Features, error) {
	return e.ExtractMonocularFunc(ctx, img)
}

// ExtractStereo calls the injected ExtractStereoFunc.
func (e *Extractor) ExtractStereo(ctx context.Context, pair sensors.TimedStereoPair) (sensors.Features, error) {
	return e.ExtractStereoFunc(ctx, pair)
}

// ExtractRGBD calls the injected ExtractRGBDFunc.
func (e *Extractor) ExtractRGBD(ctx context.Context, capture sensors.TimedRGBD) (sensors.Features, error) {
	return e.ExtractRGBDFunc(ctx, capture)
}
