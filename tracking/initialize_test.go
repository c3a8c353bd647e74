package tracking

import (
	"context"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
	"go.viam.com/test"

	"github.com/viam-modules/viam-vislam/sensors"
)

type fakeInitializer struct {
	calls int
	fn    func(ref, cur *Frame, matches []int) (spatialmath.Pose, []r3.Vector, []bool, bool)
}

func (fi *fakeInitializer) Initialize(ref, cur *Frame, matches []int) (spatialmath.Pose, []r3.Vector, []bool, bool) {
	fi.calls++
	if fi.fn == nil {
		return nil, nil, nil, false
	}
	return fi.fn(ref, cur, matches)
}

func TestMonocularInitRequiresFeatures(t *testing.T) {
	tr := newTestTracker(t, monoTestConfig())
	init := &fakeInitializer{}
	tr.SetInitializer(init)
	w := newWorld(7)
	ctx := context.Background()

	// Frames below the minimum keypoint count never reach two-view geometry,
	// however good the parallax would be.
	full, _ := w.featuresAt(poseAt(0), tr.camera, false)
	sparse := sensors.Features{
		Keypoints:   full.Keypoints[:50],
		Descriptors: full.Descriptors[:50],
	}
	for i := 0; i < 3; i++ {
		ts := testBase.Add(time.Duration(i) * 50 * time.Millisecond)
		_, state, err := tr.TrackFrame(ctx, NewFrame(ts, tr.camera, sparse))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, state, test.ShouldEqual, StateNotInitialized)
	}
	test.That(t, init.calls, test.ShouldEqual, 0)
}

func TestMonocularInitRequiresMatches(t *testing.T) {
	tr := newTestTracker(t, monoTestConfig())
	init := &fakeInitializer{}
	tr.SetInitializer(init)
	ctx := context.Background()

	// Reference frame is well populated, but the second frame shares no
	// appearance with it: the match count gate must reject the attempt
	// before any geometry runs.
	ref, _ := newWorld(7).featuresAt(poseAt(0), tr.camera, false)
	disjoint, _ := newWorld(99).featuresAt(poseAt(0.05), tr.camera, false)

	_, state, err := tr.TrackFrame(ctx, NewFrame(testBase, tr.camera, ref))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, state, test.ShouldEqual, StateNotInitialized)

	_, state, err = tr.TrackFrame(ctx, NewFrame(testBase.Add(50*time.Millisecond), tr.camera, disjoint))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, state, test.ShouldEqual, StateNotInitialized)
	test.That(t, init.calls, test.ShouldEqual, 0)
	test.That(t, tr.initRefFrame, test.ShouldBeNil)
}

func TestMonocularInitTwoView(t *testing.T) {
	tr := newTestTracker(t, monoTestConfig())
	w := newWorld(7)
	ctx := context.Background()

	refPose, curPose := poseAt(0), poseAt(0.05)
	refFeats, refIdx := w.featuresAt(refPose, tr.camera, false)
	curFeats, _ := w.featuresAt(curPose, tr.camera, false)

	// The two-view geometry itself is external; the fake hands back the
	// true pose and true triangulations indexed by reference keypoint.
	tr.SetInitializer(&fakeInitializer{
		fn: func(ref, cur *Frame, matches []int) (spatialmath.Pose, []r3.Vector, []bool, bool) {
			points := make([]r3.Vector, ref.Len())
			valid := make([]bool, ref.Len())
			for ri, ci := range matches {
				if ci < 0 {
					continue
				}
				points[ri] = w.points[refIdx[ri]]
				valid[ri] = true
			}
			return curPose, points, valid, true
		},
	})

	_, state, err := tr.TrackFrame(ctx, NewFrame(testBase, tr.camera, refFeats))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, state, test.ShouldEqual, StateNotInitialized)

	pose, state, err := tr.TrackFrame(ctx, NewFrame(testBase.Add(50*time.Millisecond), tr.camera, curFeats))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, state, test.ShouldEqual, StateOK)
	test.That(t, spatialmath.PoseAlmostEqualEps(pose, curPose, 1e-6), test.ShouldBeTrue)

	m := tr.Atlas().ActiveMap()
	test.That(t, m.KeyFrameCount(), test.ShouldEqual, 2)
	test.That(t, m.MapPointCount(), test.ShouldEqual, len(w.points))
}
