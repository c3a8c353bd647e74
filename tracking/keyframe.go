package tracking

import (
	"sort"

	"github.com/viam-modules/viam-vislam/atlas"
	"github.com/viam-modules/viam-vislam/imu"
)

// inertialKeyFrameIntervalSec forces keyframe insertion for inertial rigs when
// too much integration time has accumulated, keeping preintegration spans short.
const inertialKeyFrameIntervalSec = 0.5

// needNewKeyFrame evaluates the insertion policy after a tracked frame. All
// conditions are policy-tunable; urgency (quality collapse) may preempt a busy
// back-end via InterruptBA.
func (t *Tracker) needNewKeyFrame(f *Frame, m *atlas.Map) bool {
	if t.onlyTracking {
		return false
	}
	if t.localMapper == nil {
		return false
	}
	if t.referenceKF == nil {
		return false
	}

	// Inertial rigs cap the preintegration span regardless of visual quality.
	if t.mode.IsInertial() && m.IMUInitialized() && t.lastKeyFrame != nil {
		if f.Timestamp.Sub(t.lastKeyFrame.Timestamp()).Seconds() >= inertialKeyFrameIntervalSec {
			return true
		}
	}

	framesSinceKF := t.framesSinceKeyFrame
	mapperIdle := t.localMapper.AcceptingKeyFrames()

	// Reference coverage: how many well-observed landmarks the reference
	// keyframe still tracks.
	minObs := 3
	if m.KeyFrameCount() <= 2 {
		minObs = 2
	}
	refMatches := t.referenceKF.TrackedMapPoints(minObs)

	// Close-point coverage for depth-capable rigs: insertion is urgent when
	// few close landmarks are tracked but plenty of fresh close seeds exist.
	needClose := false
	if t.mode.HasDepth() {
		trackedClose, freshClose := 0, 0
		for i, kp := range f.Keypoints {
			if kp.Depth <= 0 || kp.Depth >= f.Camera.DepthThreshold {
				continue
			}
			if f.MapPointIDs[i] != 0 && !f.Outliers[i] {
				trackedClose++
			} else {
				freshClose++
			}
		}
		minSeeds := t.tuning.MinCloseSeeds
		needClose = trackedClose < minSeeds && freshClose > (minSeeds*7)/10
	}

	qualityRatio := t.tuning.KeyFrameRefRatio
	if m.KeyFrameCount() <= 2 {
		qualityRatio = 0.4
	}

	// c1a: maximum spacing exceeded since last insertion or relocalization.
	c1a := framesSinceKF >= t.tuning.MaxFramesBetweenKFs &&
		t.framesSinceReloc >= t.tuning.MaxFramesBetweenKFs
	// c1b: minimum spacing passed and the back-end is idle.
	c1b := framesSinceKF >= t.tuning.MinFramesBetweenKFs && mapperIdle
	// c1c: urgent, tracking quality collapsed relative to the reference.
	c1c := t.mode.HasDepth() &&
		(t.matchesInliers < refMatches/4 || needClose)
	// c2: tracked support degraded below the ratio threshold but the frame
	// still carries enough matches to seed a useful keyframe.
	c2 := (float64(t.matchesInliers) < float64(refMatches)*qualityRatio || needClose) &&
		t.matchesInliers > t.tuning.MinMatchesReference

	if !((c1a || c1b || c1c) && c2) {
		return false
	}
	if mapperIdle {
		return true
	}
	// Urgent insertion preempts a running bundle adjustment; otherwise wait.
	t.localMapper.InterruptBA()
	return t.mode.HasDepth() && t.localMapper.KeyFramesInQueue() < 3
}

// createNewKeyFrame promotes the current frame, seeds close landmarks for
// depth-capable rigs, resets the preintegration accumulator and hands the
// keyframe to the back-end.
func (t *Tracker) createNewKeyFrame(f *Frame, m *atlas.Map) *atlas.KeyFrame {
	kf := m.NewKeyFrame(atlas.KeyFrameSeed{
		FrameID:       f.ID,
		Timestamp:     f.Timestamp,
		PoseCW:        f.PoseCW(),
		Keypoints:     f.Keypoints,
		Descriptors:   f.Descriptors,
		MapPointIDs:   append([]int64(nil), f.MapPointIDs...),
		Camera:        f.Camera,
		Velocity:      f.Velocity,
		Bias:          f.Bias,
		Preintegrated: f.Pre,
	})
	kf.SetPrev(t.lastKeyFrame)

	// Register the frame's surviving associations as observations.
	for i, id := range f.MapPointIDs {
		if id == 0 || f.Outliers[i] {
			continue
		}
		if mp, ok := m.LiveMapPoint(id); ok {
			mp.AddObservation(kf.ID(), i)
		}
	}

	if t.mode.HasDepth() {
		t.seedClosePoints(f, kf, m)
	}
	kf.UpdateConnections()

	// Temporal points were only ever pose anchors; drop them at promotion.
	t.cullTemporalPoints(m)

	// A fresh accumulator starts at this keyframe with the current bias.
	if t.mode.IsInertial() {
		t.preFromKF = imu.NewPreintegrated(t.bias, *t.calib)
	}

	t.referenceKF = kf
	f.RefKeyFrameID = kf.ID()
	t.lastKeyFrame = kf
	t.framesSinceKeyFrame = 0

	if t.localMapper != nil {
		t.localMapper.InsertKeyFrame(kf)
	}
	t.logger.Debugw("keyframe inserted",
		"keyframe_id", kf.ID(), "frame_id", f.ID, "map_points", m.MapPointCount())
	return kf
}

// seedClosePoints creates landmarks for unbound close depth-backed keypoints,
// nearest first, until the close map coverage target is met.
func (t *Tracker) seedClosePoints(f *Frame, kf *atlas.KeyFrame, m *atlas.Map) {
	type depthIdx struct {
		depth float64
		idx   int
	}
	var seeds []depthIdx
	for i, kp := range f.Keypoints {
		if kp.Depth <= 0 {
			continue
		}
		if f.MapPointIDs[i] != 0 && !f.Outliers[i] {
			mp, ok := m.LiveMapPoint(f.MapPointIDs[i])
			if ok && mp.ObservationCount() >= 1 {
				continue
			}
		}
		seeds = append(seeds, depthIdx{depth: kp.Depth, idx: i})
	}
	sort.Slice(seeds, func(i, j int) bool {
		if seeds[i].depth != seeds[j].depth {
			return seeds[i].depth < seeds[j].depth
		}
		return seeds[i].idx < seeds[j].idx
	})

	created := 0
	for _, s := range seeds {
		if created >= t.tuning.MinCloseSeeds && s.depth > f.Camera.DepthThreshold {
			break
		}
		pw, ok := f.UnprojectKeypoint(s.idx)
		if !ok {
			continue
		}
		mp := m.NewMapPoint(pw, kf.ID(), f.Descriptors[s.idx])
		mp.AddObservation(kf.ID(), s.idx)
		kf.SetMapPoint(s.idx, mp.ID())
		f.Associate(s.idx, mp.ID())
		mp.UpdateNormalAndDepth()
		mp.ComputeDistinctiveDescriptor()
		created++
	}
}

// seedTemporalPoints creates throwaway close landmarks from the last frame so
// visual odometry keeps support in localization-only mode. They never gain a
// second observation and are culled at the next keyframe.
func (t *Tracker) seedTemporalPoints(last *Frame, m *atlas.Map) {
	if !t.mode.HasDepth() || last == nil || !last.HasPose() {
		return
	}
	created := 0
	for i, kp := range last.Keypoints {
		if kp.Depth <= 0 || kp.Depth >= last.Camera.DepthThreshold {
			continue
		}
		if last.MapPointIDs[i] != 0 && !last.Outliers[i] {
			continue
		}
		pw, ok := last.UnprojectKeypoint(i)
		if !ok {
			continue
		}
		mp := m.NewMapPoint(pw, 0, last.Descriptors[i])
		last.Associate(i, mp.ID())
		t.temporalPoints = append(t.temporalPoints, mp.ID())
		created++
		if created >= t.tuning.MinCloseSeeds {
			break
		}
	}
}

// cullTemporalPoints flags all outstanding temporal landmarks bad.
func (t *Tracker) cullTemporalPoints(m *atlas.Map) {
	for _, id := range t.temporalPoints {
		if mp, ok := m.MapPoint(id); ok {
			mp.SetBad()
		}
	}
	t.temporalPoints = t.temporalPoints[:0]
}
