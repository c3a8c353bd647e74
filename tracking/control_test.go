package tracking

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/spatialmath"
	"go.viam.com/test"

	"github.com/viam-modules/viam-vislam/atlas"
	backendinject "github.com/viam-modules/viam-vislam/backend/inject"
	"github.com/viam-modules/viam-vislam/sensors"
)

func TestStepByStepGate(t *testing.T) {
	tr := newTestTracker(t, stereoTestConfig())
	ctx := context.Background()
	tr.SetStepByStep(true)

	done := make(chan State, 1)
	go func() {
		_, state, _ := tr.TrackFrame(ctx, NewFrame(testBase, tr.camera, sensors.Features{}))
		done <- state
	}()

	select {
	case <-done:
		t.Fatal("frame passed the gate without a step")
	case <-time.After(100 * time.Millisecond):
	}

	tr.Step()
	select {
	case state := <-done:
		test.That(t, state, test.ShouldEqual, StateNotInitialized)
	case <-time.After(time.Second):
		t.Fatal("step did not release the frame")
	}

	// Cancellation releases a waiting frame with the context's error.
	cctx, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() {
		_, _, err := tr.TrackFrame(cctx, NewFrame(testBase, tr.camera, sensors.Features{}))
		errCh <- err
	}()
	cancel()
	select {
	case err := <-errCh:
		test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
	case <-time.After(time.Second):
		t.Fatal("cancellation did not release the frame")
	}

	// Disabling the gate releases any waiter and stops gating new frames.
	tr.SetStepByStep(false)
	_, state, err := tr.TrackFrame(ctx, NewFrame(testBase, tr.camera, sensors.Features{}))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, state, test.ShouldEqual, StateNotInitialized)
}

func TestResetRestartsTracking(t *testing.T) {
	tr := newTestTracker(t, stereoTestConfig())
	mapperResets := 0
	tr.SetLocalMapper(&backendinject.LocalMapping{
		RequestResetFunc: func(ctx context.Context) error {
			mapperResets++
			return nil
		},
	})
	w := newWorld(7)
	ctx := context.Background()

	trackStereoSequence(t, tr, w, []spatialmath.Pose{
		poseAt(0), poseAt(0.02), poseAt(0.04),
	})

	test.That(t, tr.Reset(ctx), test.ShouldBeNil)
	test.That(t, mapperResets, test.ShouldEqual, 1)
	test.That(t, tr.State(), test.ShouldEqual, StateNoImagesYet)
	test.That(t, tr.Trajectory(), test.ShouldHaveLength, 0)
	test.That(t, tr.Atlas().MapCount(), test.ShouldEqual, 1)
	test.That(t, tr.Atlas().ActiveMap().KeyFrameCount(), test.ShouldEqual, 0)

	// The tracker bootstraps again from scratch.
	feats, _ := w.featuresAt(poseAt(0), tr.camera, true)
	_, state, err := tr.TrackFrame(ctx, NewFrame(testBase.Add(time.Minute), tr.camera, feats))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, state, test.ShouldEqual, StateOK)
}

func TestResetActiveMapKeepsStoredMaps(t *testing.T) {
	tr := newTestTracker(t, stereoTestConfig())
	mapperResets := 0
	tr.SetLocalMapper(&backendinject.LocalMapping{
		RequestResetActiveMapFunc: func(ctx context.Context, m *atlas.Map) error {
			mapperResets++
			return nil
		},
	})
	w := newWorld(7)
	ctx := context.Background()

	trackStereoSequence(t, tr, w, []spatialmath.Pose{poseAt(0), poseAt(0.02)})
	stored := tr.Atlas().ActiveMap()
	tr.NewDataset()
	trackStereoSequence(t, tr, w, []spatialmath.Pose{poseAt(0), poseAt(0.02)})

	active := tr.Atlas().ActiveMap()
	test.That(t, active.KeyFrameCount(), test.ShouldEqual, 1)

	test.That(t, tr.ResetActiveMap(ctx), test.ShouldBeNil)
	test.That(t, mapperResets, test.ShouldEqual, 1)
	test.That(t, tr.State(), test.ShouldEqual, StateNoImagesYet)

	// Only the active map is cleared; its identity and the stored map survive.
	test.That(t, tr.Atlas().MapCount(), test.ShouldEqual, 2)
	test.That(t, tr.Atlas().ActiveMap().ID(), test.ShouldEqual, active.ID())
	test.That(t, active.KeyFrameCount(), test.ShouldEqual, 0)
	test.That(t, stored.KeyFrameCount(), test.ShouldEqual, 1)

	// Tracking bootstraps again on the cleared map.
	feats, _ := w.featuresAt(poseAt(0), tr.camera, true)
	_, state, err := tr.TrackFrame(ctx, NewFrame(testBase.Add(time.Minute), tr.camera, feats))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, state, test.ShouldEqual, StateOK)
}

func TestResetPropagatesBackendFailure(t *testing.T) {
	tr := newTestTracker(t, stereoTestConfig())
	tr.SetLocalMapper(&backendinject.LocalMapping{
		RequestResetFunc: func(ctx context.Context) error {
			return errors.New("mapper wedged")
		},
	})
	err := tr.Reset(context.Background())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "mapper wedged")
	// Front-end state resets regardless.
	test.That(t, tr.State(), test.ShouldEqual, StateNoImagesYet)
}

func TestNewDataset(t *testing.T) {
	tr := newTestTracker(t, stereoTestConfig())
	tr.SetLocalMapper(&backendinject.LocalMapping{})
	w := newWorld(7)

	trackStereoSequence(t, tr, w, []spatialmath.Pose{poseAt(0), poseAt(0.02)})
	test.That(t, tr.DatasetCount(), test.ShouldEqual, 0)

	tr.NewDataset()
	test.That(t, tr.DatasetCount(), test.ShouldEqual, 1)
	test.That(t, tr.State(), test.ShouldEqual, StateNoImagesYet)
	// The previous map is stored, not destroyed.
	test.That(t, tr.Atlas().MapCount(), test.ShouldEqual, 2)

	// Tracking resumes on the fresh map.
	feats, _ := w.featuresAt(poseAt(0), tr.camera, true)
	_, state, err := tr.TrackFrame(context.Background(), NewFrame(testBase.Add(time.Minute), tr.camera, feats))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, state, test.ShouldEqual, StateOK)
	test.That(t, tr.Atlas().ActiveMap().KeyFrameCount(), test.ShouldEqual, 1)
}

func TestChangeCalibration(t *testing.T) {
	tr := newTestTracker(t, stereoTestConfig())
	tr.SetLocalMapper(&backendinject.LocalMapping{})
	w := newWorld(7)
	ctx := context.Background()

	trackStereoSequence(t, tr, w, []spatialmath.Pose{poseAt(0), poseAt(0.02)})

	test.That(t, tr.ChangeCalibration(ctx, nil), test.ShouldNotBeNil)

	next := stereoTestConfig()
	next.Camera.Fx, next.Camera.Fy = 500, 500
	test.That(t, tr.ChangeCalibration(ctx, next), test.ShouldBeNil)
	test.That(t, tr.State(), test.ShouldEqual, StateNoImagesYet)
	test.That(t, tr.camera.Fx, test.ShouldEqual, 500.0)
	// Map geometry tied to the old intrinsics is gone.
	test.That(t, tr.Atlas().ActiveMap().MapPointCount(), test.ShouldEqual, 0)
}

func TestInformOnlyTracking(t *testing.T) {
	tr := newTestTracker(t, stereoTestConfig())
	var toggles []bool
	tr.SetLocalMapper(&backendinject.LocalMapping{
		SetOnlyLocalizationFunc: func(enabled bool) { toggles = append(toggles, enabled) },
	})

	tr.InformOnlyTracking(true)
	test.That(t, tr.onlyTracking, test.ShouldBeTrue)
	tr.InformOnlyTracking(false)
	test.That(t, tr.onlyTracking, test.ShouldBeFalse)
	test.That(t, toggles, test.ShouldResemble, []bool{true, false})
}
