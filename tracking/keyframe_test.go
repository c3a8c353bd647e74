package tracking

import (
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
	"go.viam.com/test"

	"github.com/viam-modules/viam-vislam/atlas"
	backendinject "github.com/viam-modules/viam-vislam/backend/inject"
	"github.com/viam-modules/viam-vislam/sensors"
)

// frameWithDepths builds a frame whose keypoints carry the given depths, all
// unassociated. Depths below the camera threshold count as fresh close seeds.
func frameWithDepths(tr *Tracker, depths []float64) *Frame {
	feats := sensors.Features{}
	for i, d := range depths {
		feats.Keypoints = append(feats.Keypoints, sensors.Keypoint{
			X: float64(100 + i), Y: 100, Depth: d,
		})
		feats.Descriptors = append(feats.Descriptors, make(sensors.Descriptor, 32))
	}
	return NewFrame(testBase.Add(time.Second), tr.camera, feats)
}

func TestNeedNewKeyFramePolicy(t *testing.T) {
	cfg := stereoTestConfig()
	cfg.Tuning.MinCloseSeeds = 10
	tr := newTestTracker(t, cfg)
	mapper := &backendinject.LocalMapping{}
	tr.SetLocalMapper(mapper)
	m := tr.atlas.ActiveMap()

	mkKF := func(n int) *atlas.KeyFrame {
		return m.NewKeyFrame(atlas.KeyFrameSeed{
			Timestamp:   testBase,
			PoseCW:      spatialmath.NewZeroPose(),
			Keypoints:   make([]sensors.Keypoint, n),
			Descriptors: make([]sensors.Descriptor, n),
			MapPointIDs: make([]int64, n),
			Camera:      tr.camera,
		})
	}
	ref, other := mkKF(60), mkKF(60)
	for i := 0; i < 60; i++ {
		mp := m.NewMapPoint(r3.Vector{Z: 10}, ref.ID(), make(sensors.Descriptor, 32))
		mp.AddObservation(ref.ID(), i)
		mp.AddObservation(other.ID(), i)
		ref.SetMapPoint(i, mp.ID())
	}
	tr.referenceKF, tr.lastKeyFrame = ref, ref
	// Tracked support well below the reference's 60 well-observed landmarks.
	tr.matchesInliers = 20

	// All keypoints far: no close-seed urgency possible.
	far := make([]float64, 30)
	for i := range far {
		far[i] = 20
	}
	fFar := frameWithDepths(tr, far)

	// Below minimum spacing, a non-urgent frame never inserts.
	tr.framesSinceKeyFrame = 1
	test.That(t, tr.needNewKeyFrame(fFar, m), test.ShouldBeFalse)

	// Past minimum spacing with an idle mapper and degraded support.
	tr.framesSinceKeyFrame = 3
	test.That(t, tr.needNewKeyFrame(fFar, m), test.ShouldBeTrue)

	// Urgent close-seed starvation preempts the spacing rule: plenty of
	// fresh close seeds, none tracked.
	close := make([]float64, 20)
	for i := range close {
		close[i] = 2
	}
	fClose := frameWithDepths(tr, close)
	tr.framesSinceKeyFrame = 1
	test.That(t, tr.needNewKeyFrame(fClose, m), test.ShouldBeTrue)

	// A busy mapper defers non-urgent insertion outright and is interrupted
	// for urgent ones, which still queue on depth-capable rigs.
	interrupted := false
	mapper.AcceptingKeyFramesFunc = func() bool { return false }
	mapper.InterruptBAFunc = func() { interrupted = true }
	tr.framesSinceKeyFrame = 3
	test.That(t, tr.needNewKeyFrame(fFar, m), test.ShouldBeFalse)
	test.That(t, interrupted, test.ShouldBeFalse)
	test.That(t, tr.needNewKeyFrame(fClose, m), test.ShouldBeTrue)
	test.That(t, interrupted, test.ShouldBeTrue)

	// Localization-only mode never grows the map.
	mapper.AcceptingKeyFramesFunc = nil
	tr.onlyTracking = true
	test.That(t, tr.needNewKeyFrame(fClose, m), test.ShouldBeFalse)
	tr.onlyTracking = false
}

func TestCreateNewKeyFrameRegistersObservations(t *testing.T) {
	tr := newTestTracker(t, stereoTestConfig())
	var inserted []*atlas.KeyFrame
	tr.SetLocalMapper(&backendinject.LocalMapping{
		InsertKeyFrameFunc: func(kf *atlas.KeyFrame) { inserted = append(inserted, kf) },
	})
	w := newWorld(7)
	m := tr.atlas.ActiveMap()

	feats, idx := w.featuresAt(poseAt(0), tr.camera, true)
	f := NewFrame(testBase, tr.camera, feats)
	f.SetPoseCW(poseAt(0))
	for i := range f.Keypoints {
		mp := m.NewMapPoint(w.points[idx[i]], 0, f.Descriptors[i])
		f.Associate(i, mp.ID())
	}

	kf := tr.createNewKeyFrame(f, m)
	test.That(t, kf, test.ShouldNotBeNil)
	test.That(t, inserted, test.ShouldHaveLength, 1)
	test.That(t, inserted[0].ID(), test.ShouldEqual, kf.ID())
	test.That(t, tr.lastKeyFrame.ID(), test.ShouldEqual, kf.ID())
	test.That(t, tr.framesSinceKeyFrame, test.ShouldEqual, 0)

	// Every surviving association became an observation of the new keyframe.
	for _, id := range f.MapPointIDs {
		mp, ok := m.LiveMapPoint(id)
		test.That(t, ok, test.ShouldBeTrue)
		obs := mp.Observations()
		_, seen := obs[kf.ID()]
		test.That(t, seen, test.ShouldBeTrue)
	}
}
