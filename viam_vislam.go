// Package viamvislam implements the tracking front-end of a visual(-inertial)
// SLAM pipeline as an embeddable service: per-frame camera pose estimation
// against an incrementally built landmark map, with keyframe selection and
// handoff to mapping back-ends.
package viamvislam

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"

	"github.com/viam-modules/viam-vislam/atlas"
	"github.com/viam-modules/viam-vislam/backend"
	"github.com/viam-modules/viam-vislam/config"
	"github.com/viam-modules/viam-vislam/sensors"
	"github.com/viam-modules/viam-vislam/tracking"
)

// ErrClosed denotes that a tracker service method was called after Close.
var ErrClosed = errors.New("tracker service is closed")

// defaultBackendResetTimeout bounds synchronous back-end resets started from
// the control surface.
const defaultBackendResetTimeout = time.Minute

// Bounds on how long New retries the extractor with a blank capture before
// construction fails.
const (
	extractorValidationMaxTimeoutSec = 30
	extractorValidationIntervalSec   = 1
)

// TrackerService wraps the tracking core with lifecycle management: capture
// ingestion, the control surface, and background back-end workers.
type TrackerService struct {
	mu     sync.Mutex
	closed bool

	core   *tracking.Tracker
	logger logging.Logger

	cancelCtx               context.Context
	cancelFunc              func()
	activeBackgroundWorkers sync.WaitGroup
}

// New validates the configuration and builds a tracker service. Configuration
// failure is fatal: no service exists and no frame is ever accepted.
func New(
	ctx context.Context,
	cfg *config.Config,
	extractor sensors.Extractor,
	kfDB atlas.KeyFrameDatabase,
	logger logging.Logger,
) (*TrackerService, error) {
	ctx, span := trace.StartSpan(ctx, "viamvislam::New")
	defer span.End()

	core, err := tracking.NewTracker(cfg, extractor, kfDB, logger)
	if err != nil {
		return nil, errors.Wrap(err, "failed to configure tracker service")
	}

	if extractor != nil {
		if err := sensors.ValidateExtractor(
			ctx,
			blankExtraction(cfg, extractor),
			time.Duration(extractorValidationMaxTimeoutSec)*time.Second,
			time.Duration(extractorValidationIntervalSec)*time.Second,
			logger,
		); err != nil {
			return nil, errors.Wrap(err, "failed to get features from extractor")
		}
	}

	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	svc := &TrackerService{
		core:       core,
		logger:     logger,
		cancelCtx:  cancelCtx,
		cancelFunc: cancelFunc,
	}
	logger.Infow("tracker service configured", "mode", cfg.Mode)
	return svc, nil
}

// blankExtraction binds the configured modality's extraction call to a blank
// capture of the configured dimensions, for checking the extractor is
// serviceable before any real frame arrives.
func blankExtraction(cfg *config.Config, extractor sensors.Extractor) sensors.ExtractFunc {
	img := sensors.TimedImage{
		Image:       make([]byte, cfg.Camera.Width*cfg.Camera.Height),
		Width:       cfg.Camera.Width,
		Height:      cfg.Camera.Height,
		ReadingTime: time.Now().UTC(),
	}
	mode, _ := config.ParseSensorMode(cfg.Mode)
	switch {
	case mode == config.RGBD || mode == config.RGBDInertial:
		capture := sensors.TimedRGBD{Image: img, Depth: make([]float64, cfg.Camera.Width*cfg.Camera.Height)}
		return func(ctx context.Context) (sensors.Features, error) {
			return extractor.ExtractRGBD(ctx, capture)
		}
	case mode.HasDepth():
		pair := sensors.TimedStereoPair{Left: img, Right: img}
		return func(ctx context.Context) (sensors.Features, error) {
			return extractor.ExtractStereo(ctx, pair)
		}
	default:
		return func(ctx context.Context) (sensors.Features, error) {
			return extractor.ExtractMonocular(ctx, img)
		}
	}
}

// StartLocalMapping starts a queued local-mapping worker around the given
// processor and binds it to the tracking core. The worker stops when the
// service closes. Returns the queue for callers that also drive it directly.
func (svc *TrackerService) StartLocalMapping(processor backend.Processor) *backend.Queue {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	queue := backend.NewQueue(processor, defaultBackendResetTimeout, svc.logger)
	queue.StartWorker(svc.cancelCtx, &svc.activeBackgroundWorkers)
	svc.core.SetLocalMapper(queue)
	return queue
}

// SetLocalMapper binds an externally managed local-mapping back-end.
func (svc *TrackerService) SetLocalMapper(lm backend.LocalMapping) {
	svc.core.SetLocalMapper(lm)
}

// SetLoopCloser binds the loop-closing back-end.
func (svc *TrackerService) SetLoopCloser(lc backend.LoopClosing) {
	svc.core.SetLoopCloser(lc)
}

// SetViewer binds a per-frame visualization sink.
func (svc *TrackerService) SetViewer(v tracking.Viewer) {
	svc.core.SetViewer(v)
}

// SetInitializer binds the external monocular two-view reconstruction.
func (svc *TrackerService) SetInitializer(init tracking.Initializer) {
	svc.core.SetInitializer(init)
}

func (svc *TrackerService) checkClosed(op string) error {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.closed {
		svc.logger.Warnf("%s called after closed", op)
		return ErrClosed
	}
	return nil
}

// GrabImageMonocular ingests one monocular capture and returns the estimated
// camera-from-world pose. The pose is nil whenever tracking is not OK.
func (svc *TrackerService) GrabImageMonocular(ctx context.Context, img sensors.TimedImage) (spatialmath.Pose, tracking.State, error) {
	ctx, span := trace.StartSpan(ctx, "viamvislam::TrackerService::GrabImageMonocular")
	defer span.End()
	if err := svc.checkClosed("GrabImageMonocular"); err != nil {
		return nil, svc.core.State(), err
	}
	return svc.core.GrabImageMonocular(ctx, img)
}

// GrabImageStereo ingests one rectified stereo pair.
func (svc *TrackerService) GrabImageStereo(ctx context.Context, pair sensors.TimedStereoPair) (spatialmath.Pose, tracking.State, error) {
	ctx, span := trace.StartSpan(ctx, "viamvislam::TrackerService::GrabImageStereo")
	defer span.End()
	if err := svc.checkClosed("GrabImageStereo"); err != nil {
		return nil, svc.core.State(), err
	}
	return svc.core.GrabImageStereo(ctx, pair)
}

// GrabImageRGBD ingests one registered RGB-D capture.
func (svc *TrackerService) GrabImageRGBD(ctx context.Context, capture sensors.TimedRGBD) (spatialmath.Pose, tracking.State, error) {
	ctx, span := trace.StartSpan(ctx, "viamvislam::TrackerService::GrabImageRGBD")
	defer span.End()
	if err := svc.checkClosed("GrabImageRGBD"); err != nil {
		return nil, svc.core.State(), err
	}
	return svc.core.GrabImageRGBD(ctx, capture)
}

// AddIMUReading queues one inertial sample. Safe to call concurrently with
// frame ingestion; samples are consumed per frame in timestamp order.
func (svc *TrackerService) AddIMUReading(reading sensors.IMUReading) error {
	if err := svc.checkClosed("AddIMUReading"); err != nil {
		return err
	}
	svc.core.GrabIMU(reading)
	return nil
}

// TrackingState returns the tracking state machine's current regime.
func (svc *TrackerService) TrackingState() tracking.State {
	return svc.core.State()
}

// MatchesInliers returns the inlier count of the last pose refinement.
func (svc *TrackerService) MatchesInliers() int {
	return svc.core.MatchesInliers()
}

// LastKeyFrame returns the most recently inserted keyframe, nil before any.
func (svc *TrackerService) LastKeyFrame() *atlas.KeyFrame {
	return svc.core.LastKeyFrame()
}

// LocalMapPoints returns a snapshot of the tracker's local landmark cache.
func (svc *TrackerService) LocalMapPoints() []*atlas.MapPoint {
	return svc.core.LocalMapPoints()
}

// Trajectory returns the per-frame trajectory records accumulated so far.
func (svc *TrackerService) Trajectory() []tracking.TrajectoryEntry {
	return svc.core.Trajectory()
}

// Atlas exposes the map container for back-end threads and queries.
func (svc *TrackerService) Atlas() *atlas.Atlas {
	return svc.core.Atlas()
}

// InformOnlyTracking toggles localization-only mode.
func (svc *TrackerService) InformOnlyTracking(enabled bool) {
	svc.core.InformOnlyTracking(enabled)
}

// SetStepByStep toggles the frame-by-frame debug gate.
func (svc *TrackerService) SetStepByStep(enabled bool) {
	svc.core.SetStepByStep(enabled)
}

// Step releases one frame through the step-by-step gate.
func (svc *TrackerService) Step() {
	svc.core.Step()
}

// Reset drops every map and restarts tracking from scratch.
func (svc *TrackerService) Reset(ctx context.Context) error {
	ctx, span := trace.StartSpan(ctx, "viamvislam::TrackerService::Reset")
	defer span.End()
	if err := svc.checkClosed("Reset"); err != nil {
		return err
	}
	return svc.core.Reset(ctx)
}

// ResetActiveMap clears only the active map, keeping stored maps intact.
func (svc *TrackerService) ResetActiveMap(ctx context.Context) error {
	ctx, span := trace.StartSpan(ctx, "viamvislam::TrackerService::ResetActiveMap")
	defer span.End()
	if err := svc.checkClosed("ResetActiveMap"); err != nil {
		return err
	}
	return svc.core.ResetActiveMap(ctx)
}

// ChangeCalibration swaps camera and rig parameters in and performs a full
// reset, since existing map geometry is tied to the old intrinsics.
func (svc *TrackerService) ChangeCalibration(ctx context.Context, cfg *config.Config) error {
	ctx, span := trace.StartSpan(ctx, "viamvislam::TrackerService::ChangeCalibration")
	defer span.End()
	if err := svc.checkClosed("ChangeCalibration"); err != nil {
		return err
	}
	return svc.core.ChangeCalibration(ctx, cfg)
}

// NewDataset marks a dataset boundary: the current map is stored and tracking
// restarts on a fresh one.
func (svc *TrackerService) NewDataset() error {
	if err := svc.checkClosed("NewDataset"); err != nil {
		return err
	}
	svc.core.NewDataset()
	return nil
}

// DatasetCount returns how many dataset boundaries have been marked.
func (svc *TrackerService) DatasetCount() int {
	return svc.core.DatasetCount()
}

// Close stops background workers and rejects further calls. Safe to call more
// than once.
func (svc *TrackerService) Close(ctx context.Context) error {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.closed {
		svc.logger.Warn("Close() called multiple times")
		return nil
	}
	svc.logger.Info("closing tracker service")
	svc.cancelFunc()
	svc.activeBackgroundWorkers.Wait()
	svc.closed = true
	svc.logger.Info("tracker service closed")
	return nil
}
