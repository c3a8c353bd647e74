package tracking

import (
	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"

	"github.com/viam-modules/viam-vislam/atlas"
	"github.com/viam-modules/viam-vislam/imu"
)

// Initializer is the external two-view reconstruction capability used for
// monocular bootstrap. Given a reference and current frame plus per-reference
// keypoint match indices (-1 for unmatched), it returns the current frame's
// camera-from-world pose with the reference as world origin, plus triangulated
// world points and a validity mask, both indexed by reference keypoint.
type Initializer interface {
	Initialize(ref, cur *Frame, matches []int) (pose spatialmath.Pose, points []r3.Vector, valid []bool, ok bool)
}

// initialize attempts map bootstrap for the current frame (pipeline when
// uninitialized). Stereo and RGB-D bootstrap from a single depth-backed frame;
// monocular defers two-view geometry to the external Initializer. Inertial
// configurations additionally require an observation window before scale and
// gravity are observable.
func (t *Tracker) initialize(f *Frame, m *atlas.Map) bool {
	if t.mode.IsInertial() {
		if t.firstFrameTime.IsZero() {
			t.firstFrameTime = f.Timestamp
		}
		if f.Timestamp.Sub(t.firstFrameTime).Seconds() < t.tuning.InertialInitWindowSec {
			return false
		}
	}
	if t.mode.HasDepth() {
		return t.initializeWithDepth(f, m)
	}
	return t.initializeMonocular(f, m)
}

// initializeWithDepth triangulates every depth-backed keypoint of a single
// frame into a bootstrap map.
func (t *Tracker) initializeWithDepth(f *Frame, m *atlas.Map) bool {
	depthBacked := 0
	for _, kp := range f.Keypoints {
		if kp.Depth > 0 {
			depthBacked++
		}
	}
	if depthBacked < t.tuning.MinCloseSeeds {
		// Bootstrap failure is silent; retried on the next frame.
		return false
	}

	f.SetPoseCW(spatialmath.NewZeroPose())
	kf := m.NewKeyFrame(atlas.KeyFrameSeed{
		FrameID:       f.ID,
		Timestamp:     f.Timestamp,
		PoseCW:        f.PoseCW(),
		Keypoints:     f.Keypoints,
		Descriptors:   f.Descriptors,
		MapPointIDs:   make([]int64, f.Len()),
		Camera:        f.Camera,
		Bias:          f.Bias,
		Preintegrated: f.Pre,
	})

	for i := range f.Keypoints {
		pw, ok := f.UnprojectKeypoint(i)
		if !ok {
			continue
		}
		mp := m.NewMapPoint(pw, kf.ID(), f.Descriptors[i])
		mp.AddObservation(kf.ID(), i)
		kf.SetMapPoint(i, mp.ID())
		f.Associate(i, mp.ID())
		mp.UpdateNormalAndDepth()
	}

	t.finishInitialization(f, kf, m)
	t.logger.Infow("map initialized from depth",
		"keyframe_id", kf.ID(), "map_points", m.MapPointCount())
	return true
}

// initializeMonocular runs the two-frame bootstrap protocol: hold a reference
// frame, match against the next, and hand geometry to the external
// Initializer. Low match count rejects the attempt and re-seeds the reference.
func (t *Tracker) initializeMonocular(f *Frame, m *atlas.Map) bool {
	if t.initializer == nil {
		return false
	}
	if t.initRefFrame == nil || f.Len() < t.tuning.MonoMinInitMatches {
		if f.Len() >= t.tuning.MonoMinInitMatches {
			t.initRefFrame = f
		} else {
			t.initRefFrame = nil
		}
		return false
	}

	matches, count := t.matcher.matchForInitialization(t.initRefFrame, f)
	if count < t.tuning.MonoMinInitMatches {
		t.initRefFrame = nil
		return false
	}

	pose, points, valid, ok := t.initializer.Initialize(t.initRefFrame, f, matches)
	if !ok {
		return false
	}

	ref := t.initRefFrame
	ref.SetPoseCW(spatialmath.NewZeroPose())
	f.SetPoseCW(pose)

	refKF := m.NewKeyFrame(atlas.KeyFrameSeed{
		FrameID:     ref.ID,
		Timestamp:   ref.Timestamp,
		PoseCW:      ref.PoseCW(),
		Keypoints:   ref.Keypoints,
		Descriptors: ref.Descriptors,
		MapPointIDs: make([]int64, ref.Len()),
		Camera:      ref.Camera,
	})
	curKF := m.NewKeyFrame(atlas.KeyFrameSeed{
		FrameID:       f.ID,
		Timestamp:     f.Timestamp,
		PoseCW:        f.PoseCW(),
		Keypoints:     f.Keypoints,
		Descriptors:   f.Descriptors,
		MapPointIDs:   make([]int64, f.Len()),
		Camera:        f.Camera,
		Bias:          f.Bias,
		Preintegrated: f.Pre,
	})
	curKF.SetPrev(refKF)

	created := 0
	for ri, ci := range matches {
		if ci < 0 || ri >= len(points) || (valid != nil && !valid[ri]) {
			continue
		}
		mp := m.NewMapPoint(points[ri], refKF.ID(), ref.Descriptors[ri])
		mp.AddObservation(refKF.ID(), ri)
		mp.AddObservation(curKF.ID(), ci)
		refKF.SetMapPoint(ri, mp.ID())
		curKF.SetMapPoint(ci, mp.ID())
		f.Associate(ci, mp.ID())
		mp.UpdateNormalAndDepth()
		mp.ComputeDistinctiveDescriptor()
		created++
	}
	if created < t.tuning.MonoMinInitMatches {
		// Not enough triangulated support; unwind by flagging and retry.
		refKF.SetBad()
		curKF.SetBad()
		t.initRefFrame = nil
		return false
	}
	curKF.UpdateConnections()

	if t.localMapper != nil {
		t.localMapper.InsertKeyFrame(refKF)
	}
	t.finishInitialization(f, curKF, m)
	t.logger.Infow("map initialized from two views",
		"reference_keyframe_id", refKF.ID(), "keyframe_id", curKF.ID(), "map_points", created)
	return true
}

// finishInitialization installs the bootstrap keyframe as the tracking anchor.
func (t *Tracker) finishInitialization(f *Frame, kf *atlas.KeyFrame, m *atlas.Map) {
	if t.mode.IsInertial() {
		t.preFromKF = imu.NewPreintegrated(t.bias, *t.calib)
		f.Velocity = r3.Vector{}
		f.VelocityValid = true
	}
	t.referenceKF = kf
	f.RefKeyFrameID = kf.ID()
	t.lastKeyFrame = kf
	t.framesSinceKeyFrame = 0
	t.velocityValid = false
	t.initRefFrame = nil
	if t.localMapper != nil {
		t.localMapper.InsertKeyFrame(kf)
	}
	if t.kfDB != nil {
		t.kfDB.Add(kf)
	}
}
