package tracking

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/viam-modules/viam-vislam/atlas"
	"github.com/viam-modules/viam-vislam/config"
)

// State returns the current tracking state.
func (t *Tracker) State() State {
	t.controlMu.Lock()
	defer t.controlMu.Unlock()
	return t.state
}

// MatchesInliers returns the inlier count of the last pose refinement.
func (t *Tracker) MatchesInliers() int {
	t.controlMu.Lock()
	defer t.controlMu.Unlock()
	return t.matchesInliers
}

// LastKeyFrame returns the most recently inserted keyframe, nil before any.
func (t *Tracker) LastKeyFrame() *atlas.KeyFrame {
	t.controlMu.Lock()
	defer t.controlMu.Unlock()
	return t.lastKeyFrame
}

// LocalMapPoints returns a snapshot of the current local landmark cache.
func (t *Tracker) LocalMapPoints() []*atlas.MapPoint {
	t.controlMu.Lock()
	defer t.controlMu.Unlock()
	out := make([]*atlas.MapPoint, len(t.local.points))
	copy(out, t.local.points)
	return out
}

// Trajectory returns a snapshot of the per-frame trajectory records.
func (t *Tracker) Trajectory() []TrajectoryEntry {
	t.controlMu.Lock()
	defer t.controlMu.Unlock()
	out := make([]TrajectoryEntry, len(t.trajectory))
	copy(out, t.trajectory)
	return out
}

// Atlas exposes the map container for the back-end threads and queries.
func (t *Tracker) Atlas() *atlas.Atlas {
	return t.atlas
}

// InformOnlyTracking toggles localization-only mode: the map stops growing and
// visual odometry may bridge through poorly mapped regions.
func (t *Tracker) InformOnlyTracking(enabled bool) {
	t.controlMu.Lock()
	defer t.controlMu.Unlock()
	t.onlyTracking = enabled
	if !enabled {
		t.visualOdometry = false
	}
	if t.localMapper != nil {
		t.localMapper.SetOnlyLocalization(enabled)
	}
}

// SetStepByStep toggles the frame-by-frame debug gate.
func (t *Tracker) SetStepByStep(enabled bool) {
	t.stepByStep.Store(enabled)
	if !enabled {
		// Release a waiter stuck on the gate.
		select {
		case t.stepCh <- struct{}{}:
		default:
		}
	}
}

// Step releases one frame through the step-by-step gate.
func (t *Tracker) Step() {
	select {
	case t.stepCh <- struct{}{}:
	default:
	}
}

// Reset drops every map and restarts as if no frame had been seen.
func (t *Tracker) Reset(ctx context.Context) error {
	t.controlMu.Lock()
	defer t.controlMu.Unlock()

	var err error
	if t.localMapper != nil {
		err = multierr.Combine(err, t.localMapper.RequestReset(ctx))
	}
	if t.loopCloser != nil {
		err = multierr.Combine(err, t.loopCloser.RequestReset(ctx))
	}
	t.atlas.Reset()
	t.resetTrackingAnchors()
	t.drainIMUQueue()
	t.trajectory = t.trajectory[:0]
	t.state = StateNoImagesYet
	t.logger.Infow("full tracking reset")
	return err
}

// ResetActiveMap clears only the active map, keeping stored maps intact.
func (t *Tracker) ResetActiveMap(ctx context.Context) error {
	t.controlMu.Lock()
	defer t.controlMu.Unlock()

	m := t.atlas.ActiveMap()
	var err error
	if t.localMapper != nil {
		err = multierr.Combine(err, t.localMapper.RequestResetActiveMap(ctx, m))
	}
	if t.loopCloser != nil {
		err = multierr.Combine(err, t.loopCloser.RequestResetActiveMap(ctx, m))
	}
	t.atlas.ResetActiveMap()
	t.resetTrackingAnchors()
	t.drainIMUQueue()
	t.state = StateNoImagesYet
	t.logger.Infow("active map reset", "map_id", m.ID())
	return err
}

// ChangeCalibration swaps in a new parameter set and performs a full reset,
// since existing map geometry is tied to the old intrinsics.
func (t *Tracker) ChangeCalibration(ctx context.Context, cfg *config.Config) error {
	if cfg == nil {
		return errors.New("recalibration requires a configuration")
	}
	if _, err := cfg.Validate(""); err != nil {
		return errors.Wrap(err, "invalid recalibration parameters")
	}
	mode, err := config.ParseSensorMode(cfg.Mode)
	if err != nil {
		return err
	}

	t.controlMu.Lock()
	t.mode = mode
	t.tuning = config.GetOptionalParameters(cfg, t.logger)
	t.matcher = newMatcher(t.tuning)
	t.camera = buildCamera(cfg)
	t.calib = buildCalib(cfg.IMU)
	t.depthMapFactor = cfg.Camera.DepthMapFactor
	t.controlMu.Unlock()

	return t.Reset(ctx)
}

// NewDataset marks an explicit dataset boundary: the current map is stored and
// tracking restarts on a fresh one.
func (t *Tracker) NewDataset() {
	t.controlMu.Lock()
	defer t.controlMu.Unlock()
	t.datasetCount++
	t.atlas.CreateNewMap()
	t.resetTrackingAnchors()
	t.drainIMUQueue()
	t.state = StateNoImagesYet
	t.logger.Infow("new dataset", "dataset", t.datasetCount)
}

// DatasetCount returns how many dataset boundaries have been marked.
func (t *Tracker) DatasetCount() int {
	t.controlMu.Lock()
	defer t.controlMu.Unlock()
	return t.datasetCount
}

func (t *Tracker) drainIMUQueue() {
	t.imuMu.Lock()
	t.imuQueue = t.imuQueue[:0]
	t.imuMu.Unlock()
	t.lastIMUTime = time.Time{}
}
