package tracking

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"

	"github.com/viam-modules/viam-vislam/atlas"
	"github.com/viam-modules/viam-vislam/backend"
	"github.com/viam-modules/viam-vislam/config"
	"github.com/viam-modules/viam-vislam/imu"
	"github.com/viam-modules/viam-vislam/sensors"
)

// defaultDepthThresholdMultiplier separates close from far stereo/RGB-D points
// in units of baseline when the configuration does not say otherwise.
const defaultDepthThresholdMultiplier = 40.0

// Viewer receives per-frame tracking results for display. External and optional.
type Viewer interface {
	UpdateFrame(f *Frame, state State)
}

// TrajectoryEntry records one processed frame relative to its reference
// keyframe, so the full trajectory can be recovered after back-end corrections
// move the keyframes.
type TrajectoryEntry struct {
	Timestamp    time.Time
	RefKeyFrame  int64
	RelativePose spatialmath.Pose
	Lost         bool
}

// Tracker is the tracking core: a single-goroutine state machine processing
// frames strictly in arrival order. Only GrabIMU and the control surface are
// safe to call from other goroutines.
type Tracker struct {
	logger logging.Logger

	mode    config.SensorMode
	tuning  config.Tuning
	camera  *sensors.Camera
	calib   *imu.Calib
	matcher matcher

	extractor   sensors.Extractor
	atlas       *atlas.Atlas
	kfDB        atlas.KeyFrameDatabase
	localMapper backend.LocalMapping
	loopCloser  backend.LoopClosing
	viewer      Viewer
	initializer Initializer

	// controlMu serializes frame processing against the control surface and
	// queries. The IMU queue has its own lock so producers never block on it.
	controlMu sync.Mutex

	state        State
	currentFrame *Frame
	lastFrame    *Frame
	referenceKF  *atlas.KeyFrame
	lastKeyFrame *atlas.KeyFrame

	velocity      spatialmath.Pose
	velocityValid bool
	lastRelPose   spatialmath.Pose

	framesSinceKeyFrame int
	framesSinceReloc    int
	relocFailCount      int
	timeLostBegan       time.Time
	cachedChangeIndex   uint64
	matchesInliers      int

	onlyTracking   bool
	visualOdometry bool

	imuMu            sync.Mutex
	imuQueue         []sensors.IMUReading
	lastIMUTime      time.Time
	preFromKF        *imu.Preintegrated
	bias             imu.Bias
	inertialWindow   []imu.InertialFrame
	firstFrameTime   time.Time
	insertKFWhenLost bool

	local          localMap
	temporalPoints []int64
	initRefFrame   *Frame

	trajectory   []TrajectoryEntry
	datasetCount int

	stepByStep     atomic.Bool
	stepCh         chan struct{}
	depthMapFactor float64
}

// NewTracker validates the configuration and builds a tracker. Any
// configuration failure is fatal before the first frame is accepted.
func NewTracker(
	cfg *config.Config,
	extractor sensors.Extractor,
	kfDB atlas.KeyFrameDatabase,
	logger logging.Logger,
) (*Tracker, error) {
	if cfg == nil {
		return nil, errors.New("tracker requires a configuration")
	}
	if _, err := cfg.Validate(""); err != nil {
		return nil, errors.Wrap(err, "invalid tracker configuration")
	}
	mode, err := config.ParseSensorMode(cfg.Mode)
	if err != nil {
		return nil, err
	}
	tuning := config.GetOptionalParameters(cfg, logger)

	t := &Tracker{
		logger:         logger,
		mode:           mode,
		tuning:         tuning,
		camera:         buildCamera(cfg),
		matcher:        newMatcher(tuning),
		extractor:      extractor,
		atlas:          atlas.NewAtlas(),
		kfDB:           kfDB,
		state:          StateNoImagesYet,
		stepCh:         make(chan struct{}, 1),
		depthMapFactor: cfg.Camera.DepthMapFactor,
	}
	t.framesSinceReloc = tuning.MaxFramesBetweenKFs + 1
	t.calib = buildCalib(cfg.IMU)
	if cfg.IMU != nil && cfg.IMU.InsertKFsWhenLost != nil {
		t.insertKFWhenLost = *cfg.IMU.InsertKFsWhenLost
	}
	return t, nil
}

func buildCalib(imuCfg *config.IMUConfig) *imu.Calib {
	if imuCfg == nil {
		return imu.NewCalib(nil, 0, 0, 0, 0, 0)
	}
	var extrinsic spatialmath.Pose
	if len(imuCfg.Translation) == 3 && len(imuCfg.Rotation) == 4 {
		extrinsic = spatialmath.NewPose(
			r3VectorFrom(imuCfg.Translation),
			&spatialmath.Quaternion{
				Real: imuCfg.Rotation[0],
				Imag: imuCfg.Rotation[1],
				Jmag: imuCfg.Rotation[2],
				Kmag: imuCfg.Rotation[3],
			},
		)
	}
	return imu.NewCalib(extrinsic,
		imuCfg.NoiseGyro, imuCfg.NoiseAcc, imuCfg.WalkGyro, imuCfg.WalkAcc, imuCfg.Frequency)
}

func r3VectorFrom(v []float64) r3.Vector {
	return r3.Vector{X: v[0], Y: v[1], Z: v[2]}
}

func buildCamera(cfg *config.Config) *sensors.Camera {
	opts := []sensors.CameraOption{}
	if cfg.Camera.StereoBaselineFx > 0 {
		mult := cfg.Camera.DepthThreshold
		if mult <= 0 {
			mult = defaultDepthThresholdMultiplier
		}
		opts = append(opts, sensors.WithStereo(cfg.Camera.StereoBaselineFx, mult))
	}
	if len(cfg.Camera.Distortion) > 0 {
		opts = append(opts, sensors.WithDistortion(cfg.Camera.Distortion))
	}
	if cfg.Camera.PyramidLevels > 0 {
		opts = append(opts, sensors.WithPyramid(cfg.Camera.PyramidLevels, cfg.Camera.ScaleFactor))
	}
	return sensors.NewCamera(
		cfg.Camera.Fx, cfg.Camera.Fy, cfg.Camera.Cx, cfg.Camera.Cy,
		cfg.Camera.Width, cfg.Camera.Height, opts...)
}

// SetLocalMapper binds the local mapping back-end (late binding resolves the
// construction-time circular dependency).
func (t *Tracker) SetLocalMapper(lm backend.LocalMapping) {
	t.controlMu.Lock()
	defer t.controlMu.Unlock()
	t.localMapper = lm
}

// SetLoopCloser binds the loop closing back-end.
func (t *Tracker) SetLoopCloser(lc backend.LoopClosing) {
	t.controlMu.Lock()
	defer t.controlMu.Unlock()
	t.loopCloser = lc
}

// SetViewer binds an optional viewer.
func (t *Tracker) SetViewer(v Viewer) {
	t.controlMu.Lock()
	defer t.controlMu.Unlock()
	t.viewer = v
}

// SetInitializer binds the external monocular two-view initializer.
func (t *Tracker) SetInitializer(init Initializer) {
	t.controlMu.Lock()
	defer t.controlMu.Unlock()
	t.initializer = init
}

// GrabImageMonocular ingests one monocular capture and returns the estimated
// pose, nil while not tracking.
func (t *Tracker) GrabImageMonocular(ctx context.Context, img sensors.TimedImage) (spatialmath.Pose, State, error) {
	feats, err := t.extractor.ExtractMonocular(ctx, img)
	if err != nil {
		return nil, t.State(), errors.Wrap(err, "monocular feature extraction failed")
	}
	f := NewFrame(img.ReadingTime, t.camera, feats)
	return t.processFrame(ctx, f)
}

// GrabImageStereo ingests one rectified stereo pair. The extractor performs
// left/right matching, so features arrive with disparity and depth filled.
func (t *Tracker) GrabImageStereo(ctx context.Context, pair sensors.TimedStereoPair) (spatialmath.Pose, State, error) {
	feats, err := t.extractor.ExtractStereo(ctx, pair)
	if err != nil {
		return nil, t.State(), errors.Wrap(err, "stereo feature extraction failed")
	}
	f := NewFrame(pair.Left.ReadingTime, t.camera, feats)
	return t.processFrame(ctx, f)
}

// GrabImageRGBD ingests one RGB-D capture, reading depth per keypoint.
func (t *Tracker) GrabImageRGBD(ctx context.Context, capture sensors.TimedRGBD) (spatialmath.Pose, State, error) {
	feats, err := t.extractor.ExtractRGBD(ctx, capture)
	if err != nil {
		return nil, t.State(), errors.Wrap(err, "rgbd feature extraction failed")
	}
	f := NewRGBDFrame(capture.Image.ReadingTime, t.camera, feats, capture.Depth, t.depthMapFactor)
	return t.processFrame(ctx, f)
}

// TrackFrame ingests an already-built frame. Exposed for pipelines that run
// their own extraction.
func (t *Tracker) TrackFrame(ctx context.Context, f *Frame) (spatialmath.Pose, State, error) {
	return t.processFrame(ctx, f)
}

func (t *Tracker) processFrame(ctx context.Context, f *Frame) (spatialmath.Pose, State, error) {
	// Step-by-step debug gate, before taking the control lock so Step and
	// the control surface stay responsive.
	if t.stepByStep.Load() {
		select {
		case <-t.stepCh:
		case <-ctx.Done():
			return nil, t.State(), ctx.Err()
		}
	}

	t.controlMu.Lock()
	defer t.controlMu.Unlock()

	t.track(f)
	state := t.state
	if !state.IsTracking() || !f.HasPose() {
		return nil, state, nil
	}
	return f.PoseCW(), state, nil
}

// track runs the full per-frame pipeline and takes exactly one top-level
// state transition.
func (t *Tracker) track(f *Frame) {
	m := t.atlas.ActiveMap()
	t.currentFrame = f
	outcome := Outcome{FrameReceived: true}

	if t.state == StateNoImagesYet {
		t.state = nextState(t.state, outcome)
	}

	// Staleness check before prediction: a loop-closing correction landing
	// between frames invalidates the cached last pose.
	t.refreshIfMapChanged(m)

	if t.mode.IsInertial() {
		t.preintegrateIMU(f)
	}

	if t.state == StateNotInitialized {
		outcome.Initialized = t.initialize(f, m)
		t.state = nextState(t.state, outcome)
		t.finishCycle(f, m)
		return
	}

	tracked := false
	switch {
	case t.state.IsTracking():
		t.checkReplacedInLastFrame(m)
		tracked = t.trackFrame(f, m)
		if tracked {
			_, tracked = t.trackLocalMap(f, m)
		}
		if !tracked {
			outcome.CanBridge = t.canBridge(f, m)
			if outcome.CanBridge {
				t.timeLostBegan = f.Timestamp
				// Hold the pose with the strongest surviving prediction.
				if !f.HasPose() {
					t.predictPose(f, m)
				}
			}
		}

	case t.state == StateRecentlyLost:
		if t.mode.IsInertial() && t.predictStateIMU(f, m) {
			// The inertial bridge holds the pose while we keep trying to
			// reacquire visually; optionally keep anchoring keyframes so the
			// bridge has something to attach to.
			if t.insertKFWhenLost && !t.onlyTracking &&
				t.framesSinceKeyFrame >= t.tuning.MinFramesBetweenKFs {
				t.createNewKeyFrame(f, m)
			}
		}
		outcome.Relocalized = t.relocalize(f, m)
		if !outcome.Relocalized &&
			f.Timestamp.Sub(t.timeLostBegan).Seconds() > t.tuning.RecentlyLostBudgetSec {
			outcome.BudgetExpired = true
		}

	case t.state == StateLost:
		outcome.Relocalized = t.relocalize(f, m)
		if !outcome.Relocalized {
			t.relocFailCount++
			if !t.onlyTracking && t.relocFailCount >= t.tuning.NewMapAfterLostRetries {
				t.startFreshMap(m)
				outcome.NewMapStarted = true
			}
		}
	}

	outcome.TrackedOK = tracked
	outcome.VisualOdometry = t.onlyTracking && t.visualOdometry
	if outcome.Relocalized && t.state != StateNotInitialized {
		// Finish the relocalized frame against the local map.
		if _, ok := t.trackLocalMap(f, m); !ok {
			outcome.Relocalized = false
		}
	}

	prev := t.state
	t.state = nextState(t.state, outcome)
	if prev.IsTracking() && t.state == StateRecentlyLost {
		t.logger.Warnw("tracking degraded", "inliers", t.matchesInliers)
	}
	if prev != StateLost && t.state == StateLost {
		t.logger.Warnw("tracking lost", "map_keyframes", m.KeyFrameCount())
		if m.KeyFrameCount() <= 5 {
			// Losing right after bootstrap means the map never took hold.
			t.resetActiveMapLocked(m)
			t.state = StateNotInitialized
		}
	}

	if t.state.IsTracking() {
		t.afterTrackingSuccess(f, m)
	} else {
		t.velocityValid = false
	}

	t.finishCycle(f, m)
}

// trackFrame runs prediction plus the first association/refinement pass:
// IMU prediction, then constant-velocity, then the reference-keyframe
// fallback, each weaker than the last.
func (t *Tracker) trackFrame(f *Frame, m *atlas.Map) bool {
	if t.onlyTracking {
		return t.trackLocalizationOnly(f, m)
	}

	if t.mode.IsInertial() && m.IMUInitialized() && t.framesSinceReloc >= 2 {
		if t.predictStateIMU(f, m) && t.trackWithPrediction(f, m) {
			return true
		}
	}
	if t.velocityValid && t.framesSinceReloc >= 2 {
		f.SetPoseCW(spatialmath.Compose(t.velocity, t.lastFrame.PoseCW()))
		if t.trackWithPrediction(f, m) {
			return true
		}
	}
	return t.trackReferenceKeyFrame(f, m)
}

// trackWithPrediction associates the last frame's landmarks under the current
// predicted pose and refines. Widens the search once before giving up.
func (t *Tracker) trackWithPrediction(f *Frame, m *atlas.Map) bool {
	if t.lastFrame == nil || !f.HasPose() {
		return false
	}
	matches := t.matcher.searchLastFrame(f, t.lastFrame, m, 1.0)
	if matches < t.tuning.MinMatchesMotionModel {
		for i := range f.MapPointIDs {
			f.ClearAssociation(i)
		}
		matches = t.matcher.searchLastFrame(f, t.lastFrame, m, 2.0)
	}
	if matches < t.tuning.MinMatchesMotionModel {
		return false
	}
	inliers := optimizePose(f, m, t.tuning.ReprojectionChi2)
	t.updateVisualOdometryFlag(f, m, inliers)
	return 2*inliers >= t.tuning.MinMatchesMotionModel
}

// trackReferenceKeyFrame is the cold-start fallback: match descriptors against
// the reference keyframe and refine from its pose.
func (t *Tracker) trackReferenceKeyFrame(f *Frame, m *atlas.Map) bool {
	if t.referenceKF == nil || t.referenceKF.Bad() {
		return false
	}
	if !f.HasPose() {
		if t.lastFrame != nil && t.lastFrame.HasPose() {
			f.SetPoseCW(t.lastFrame.PoseCW())
		} else {
			f.SetPoseCW(t.referenceKF.PoseCW())
		}
	}
	matches := t.matcher.searchKeyFrame(f, t.referenceKF, m)
	if matches < t.tuning.MinMatchesReference {
		return false
	}
	inliers := optimizePose(f, m, t.tuning.ReprojectionChi2)
	return 2*inliers >= t.tuning.MinMatchesReference
}

// trackLocalizationOnly is the no-map-growth variant: when visual odometry has
// taken over (few persistent-point matches), temporal close points seeded from
// the last frame keep the pose alive while relocalization is retried.
func (t *Tracker) trackLocalizationOnly(f *Frame, m *atlas.Map) bool {
	if t.visualOdometry {
		t.seedTemporalPoints(t.lastFrame, m)
	}
	ok := false
	if t.velocityValid {
		f.SetPoseCW(spatialmath.Compose(t.velocity, t.lastFrame.PoseCW()))
		ok = t.trackWithPrediction(f, m)
	}
	if !ok {
		ok = t.trackReferenceKeyFrame(f, m)
	}
	if !ok && t.visualOdometry {
		// Visual odometry lost too; only relocalization can recover.
		return t.relocalize(f, m)
	}
	return ok
}

// updateVisualOdometryFlag marks visual-odometry mode when most surviving
// associations are temporal points with no persistent observations.
func (t *Tracker) updateVisualOdometryFlag(f *Frame, m *atlas.Map, inliers int) {
	if !t.onlyTracking {
		t.visualOdometry = false
		return
	}
	persistent := 0
	for i, id := range f.MapPointIDs {
		if id == 0 || f.Outliers[i] {
			continue
		}
		if mp, ok := m.LiveMapPoint(id); ok && mp.ObservationCount() > 0 {
			persistent++
		}
	}
	t.visualOdometry = persistent*2 < t.tuning.MinMatchesMotionModel
}

// canBridge reports whether a tracking failure can be held through
// recently-lost rather than dropping straight to lost.
func (t *Tracker) canBridge(f *Frame, m *atlas.Map) bool {
	if t.mode.IsInertial() && f.Pre != nil && m.IMUInitialized() {
		return true
	}
	return t.velocityValid && m.KeyFrameCount() > 5
}

// predictPose installs the strongest available pose prediction without any
// association, used to hold a pose while bridging.
func (t *Tracker) predictPose(f *Frame, m *atlas.Map) {
	if t.mode.IsInertial() && t.predictStateIMU(f, m) {
		return
	}
	if t.velocityValid && t.lastFrame != nil && t.lastFrame.HasPose() {
		f.SetPoseCW(spatialmath.Compose(t.velocity, t.lastFrame.PoseCW()))
	}
}

// afterTrackingSuccess updates the motion model, evaluates keyframe
// insertion and cleans up per-frame associations.
func (t *Tracker) afterTrackingSuccess(f *Frame, m *atlas.Map) {
	// Motion-model velocity from the last two poses.
	if t.lastFrame != nil && t.lastFrame.HasPose() && f.HasPose() {
		t.velocity = spatialmath.Compose(f.PoseCW(), spatialmath.PoseInverse(t.lastFrame.PoseCW()))
		t.velocityValid = true
	} else {
		t.velocityValid = false
	}

	// Drop outlier associations so they never leak into the next cycle.
	for i := range f.MapPointIDs {
		if f.Outliers[i] {
			f.ClearAssociation(i)
		}
	}

	t.recordInertialFrame(f, m)

	if t.needNewKeyFrame(f, m) {
		kf := t.createNewKeyFrame(f, m)
		if t.kfDB != nil {
			t.kfDB.Add(kf)
		}
	}
}

// finishCycle records trajectory, updates counters and publishes to the viewer.
func (t *Tracker) finishCycle(f *Frame, m *atlas.Map) {
	lost := !t.state.IsTracking()
	entry := TrajectoryEntry{
		Timestamp:   f.Timestamp,
		RefKeyFrame: f.RefKeyFrameID,
		Lost:        lost,
	}
	if !lost && f.HasPose() && t.referenceKF != nil && !t.referenceKF.Bad() {
		rel := spatialmath.Compose(f.PoseCW(), t.referenceKF.PoseWC())
		entry.RelativePose = rel
		t.lastRelPose = rel
	}
	t.trajectory = append(t.trajectory, entry)

	t.framesSinceKeyFrame++
	t.framesSinceReloc++
	t.cachedChangeIndex = m.ChangeIndex()
	t.lastFrame = f

	if t.viewer != nil {
		t.viewer.UpdateFrame(f, t.state)
	}
}

// refreshIfMapChanged re-derives the cached last pose from the authoritative
// map when the back-end bumped the change epoch or a loop correction is in
// flight. The local cache itself is rebuilt every frame regardless.
func (t *Tracker) refreshIfMapChanged(m *atlas.Map) {
	correcting := t.loopCloser != nil && t.loopCloser.MapBeingCorrected()
	if m.ChangeIndex() == t.cachedChangeIndex && !correcting {
		return
	}
	t.cachedChangeIndex = m.ChangeIndex()
	if t.lastFrame == nil || t.lastRelPose == nil {
		return
	}
	kf, ok := m.KeyFrame(t.lastFrame.RefKeyFrameID)
	if !ok || kf.Bad() {
		return
	}
	t.lastFrame.SetPoseCW(spatialmath.Compose(t.lastRelPose, kf.PoseCW()))
	// The old velocity was computed against pre-correction poses.
	t.velocityValid = false
}

// checkReplacedInLastFrame rebinds last-frame associations through landmark
// fusion chains and drops dead ones.
func (t *Tracker) checkReplacedInLastFrame(m *atlas.Map) {
	if t.lastFrame == nil {
		return
	}
	for i, id := range t.lastFrame.MapPointIDs {
		if id == 0 {
			continue
		}
		mp, ok := m.MapPoint(id)
		if !ok {
			t.lastFrame.ClearAssociation(i)
			continue
		}
		if rep := mp.Replaced(); rep != nil && !rep.Bad() {
			t.lastFrame.MapPointIDs[i] = rep.ID()
			continue
		}
		if mp.Bad() {
			t.lastFrame.ClearAssociation(i)
		}
	}
}

// startFreshMap stores the current map and activates an empty one after
// repeated relocalization failure (tracking-loss recovery policy).
func (t *Tracker) startFreshMap(m *atlas.Map) {
	t.logger.Infow("starting fresh map after repeated relocalization failure",
		"dead_map_keyframes", m.KeyFrameCount(), "failures", t.relocFailCount)
	t.atlas.CreateNewMap()
	t.resetTrackingAnchors()
}

// resetActiveMapLocked clears the active map in place, e.g. when tracking is
// lost immediately after bootstrap.
func (t *Tracker) resetActiveMapLocked(m *atlas.Map) {
	m.Clear()
	if t.localMapper != nil {
		if err := t.localMapper.RequestResetActiveMap(context.Background(), m); err != nil {
			t.logger.Errorw("local mapping active-map reset failed", "error", err)
		}
	}
	if t.loopCloser != nil {
		if err := t.loopCloser.RequestResetActiveMap(context.Background(), m); err != nil {
			t.logger.Errorw("loop closing active-map reset failed", "error", err)
		}
	}
	t.resetTrackingAnchors()
}

func (t *Tracker) resetTrackingAnchors() {
	t.referenceKF = nil
	t.lastKeyFrame = nil
	t.lastFrame = nil
	t.lastRelPose = nil
	t.velocityValid = false
	t.relocFailCount = 0
	t.framesSinceKeyFrame = 0
	t.framesSinceReloc = t.tuning.MaxFramesBetweenKFs + 1
	t.firstFrameTime = time.Time{}
	t.preFromKF = nil
	t.inertialWindow = t.inertialWindow[:0]
	t.temporalPoints = t.temporalPoints[:0]
	t.initRefFrame = nil
	t.visualOdometry = false
	t.matchesInliers = 0
}
