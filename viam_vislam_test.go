package viamvislam_test

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"
	"go.viam.com/test"

	viamvislam "github.com/viam-modules/viam-vislam"
	"github.com/viam-modules/viam-vislam/atlas"
	"github.com/viam-modules/viam-vislam/config"
	"github.com/viam-modules/viam-vislam/sensors"
	sensorsinject "github.com/viam-modules/viam-vislam/sensors/inject"
	"github.com/viam-modules/viam-vislam/tracking"
)

func serviceTestConfig() *config.Config {
	return &config.Config{
		Mode: "stereo",
		Camera: config.CameraConfig{
			Width: 640, Height: 480,
			Fx: 450, Fy: 450, Cx: 320, Cy: 240,
			StereoBaselineFx: 45,
			FPS:              20,
		},
	}
}

// sceneExtractor renders a fixed synthetic landmark field as stereo features,
// reading the camera x position from the frame timestamp (0.4 m/s along x).
type sceneExtractor struct {
	sensorsinject.Extractor
	base   time.Time
	cam    *sensors.Camera
	points []r3.Vector
	descs  []sensors.Descriptor
}

func newSceneExtractor(base time.Time, cam *sensors.Camera) *sceneExtractor {
	rnd := rand.New(rand.NewSource(11))
	se := &sceneExtractor{base: base, cam: cam}
	for gx := 0; gx < 15; gx++ {
		for gy := 0; gy < 10; gy++ {
			se.points = append(se.points, r3.Vector{
				X: -1.5 + 3*float64(gx)/14,
				Y: -1.2 + 2.4*float64(gy)/9,
				Z: 5 + float64((gx+gy)%4),
			})
			d := make(sensors.Descriptor, 32)
			for j := range d {
				d[j] = byte(rnd.Intn(256))
			}
			se.descs = append(se.descs, d)
		}
	}
	se.ExtractStereoFunc = func(ctx context.Context, pair sensors.TimedStereoPair) (sensors.Features, error) {
		camX := 0.4 * pair.Left.ReadingTime.Sub(base).Seconds()
		var feats sensors.Features
		for i, pw := range se.points {
			pc := pw.Add(r3.Vector{X: -camX})
			u, v, ok := cam.Project(pc)
			if !ok || !cam.InImageBounds(u, v) {
				continue
			}
			feats.Keypoints = append(feats.Keypoints, sensors.Keypoint{
				X: u, Y: v,
				Depth:  pc.Z,
				RightX: u - cam.BaselineFx/pc.Z,
			})
			feats.Descriptors = append(feats.Descriptors, se.descs[i])
		}
		return feats, nil
	}
	return se
}

// trackedProcessor counts back-end calls behind a Queue.
type trackedProcessor struct {
	mu        sync.Mutex
	keyframes int
	resets    int
}

func (p *trackedProcessor) ProcessKeyFrame(kf *atlas.KeyFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keyframes++
	return nil
}

func (p *trackedProcessor) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resets++
	return nil
}

func (p *trackedProcessor) ResetMap(m *atlas.Map) error {
	return p.Reset()
}

func (p *trackedProcessor) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.keyframes, p.resets
}

func stereoPairAt(ts time.Time) sensors.TimedStereoPair {
	return sensors.TimedStereoPair{
		Left:  sensors.TimedImage{Width: 640, Height: 480, ReadingTime: ts},
		Right: sensors.TimedImage{Width: 640, Height: 480, ReadingTime: ts},
	}
}

func TestNewValidatesConfig(t *testing.T) {
	logger := logging.NewTestLogger(t)
	ctx := context.Background()

	_, err := viamvislam.New(ctx, nil, nil, nil, logger)
	test.That(t, err, test.ShouldNotBeNil)

	bad := serviceTestConfig()
	bad.Camera.FPS = 0
	_, err = viamvislam.New(ctx, bad, nil, nil, logger)
	test.That(t, err, test.ShouldNotBeNil)

	svc, err := viamvislam.New(ctx, serviceTestConfig(), nil, nil, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, svc.TrackingState(), test.ShouldEqual, tracking.StateNoImagesYet)
	test.That(t, svc.Close(ctx), test.ShouldBeNil)

	// Construction drives the configured modality's extraction once with a
	// blank capture before accepting frames.
	calls := 0
	extractor := &sensorsinject.Extractor{
		ExtractStereoFunc: func(ctx context.Context, pair sensors.TimedStereoPair) (sensors.Features, error) {
			calls++
			test.That(t, pair.Left.Width, test.ShouldEqual, 640)
			test.That(t, pair.Left.Height, test.ShouldEqual, 480)
			return sensors.Features{}, nil
		},
	}
	svc, err = viamvislam.New(ctx, serviceTestConfig(), extractor, nil, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, calls, test.ShouldEqual, 1)
	test.That(t, svc.Close(ctx), test.ShouldBeNil)
}

func TestServiceLifecycle(t *testing.T) {
	logger := logging.NewTestLogger(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)

	cfg := serviceTestConfig()
	cam := sensors.NewCamera(450, 450, 320, 240, 640, 480,
		sensors.WithStereo(45, 40))
	extractor := newSceneExtractor(base, cam)

	svc, err := viamvislam.New(ctx, cfg, extractor, nil, logger)
	test.That(t, err, test.ShouldBeNil)

	processor := &trackedProcessor{}
	svc.StartLocalMapping(processor)

	// Bootstrap plus steady tracking along the synthetic trajectory.
	for i := 0; i <= 5; i++ {
		ts := base.Add(time.Duration(i) * 50 * time.Millisecond)
		pose, state, err := svc.GrabImageStereo(ctx, stereoPairAt(ts))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, state, test.ShouldEqual, tracking.StateOK)
		camX := 0.4 * ts.Sub(base).Seconds()
		test.That(t, pose.Point().X, test.ShouldAlmostEqual, -camX, 1e-3)
	}
	test.That(t, svc.Trajectory(), test.ShouldHaveLength, 6)
	test.That(t, svc.LastKeyFrame(), test.ShouldNotBeNil)

	// The bootstrap keyframe reached the back-end worker.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if kfs, _ := processor.counts(); kfs >= 1 || time.Now().After(deadline) {
			test.That(t, kfs, test.ShouldBeGreaterThanOrEqualTo, 1)
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Reset flows through to the back-end and restarts tracking.
	test.That(t, svc.Reset(ctx), test.ShouldBeNil)
	_, resets := processor.counts()
	test.That(t, resets, test.ShouldEqual, 1)
	test.That(t, svc.TrackingState(), test.ShouldEqual, tracking.StateNoImagesYet)
	test.That(t, svc.Trajectory(), test.ShouldHaveLength, 0)

	pose, state, err := svc.GrabImageStereo(ctx, stereoPairAt(base))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, state, test.ShouldEqual, tracking.StateOK)
	test.That(t, spatialmath.PoseAlmostEqualEps(pose, spatialmath.NewZeroPose(), 1e-6), test.ShouldBeTrue)

	// Close rejects further ingestion and is idempotent.
	test.That(t, svc.Close(ctx), test.ShouldBeNil)
	_, _, err = svc.GrabImageStereo(ctx, stereoPairAt(base))
	test.That(t, err, test.ShouldEqual, viamvislam.ErrClosed)
	test.That(t, svc.Reset(ctx), test.ShouldEqual, viamvislam.ErrClosed)
	test.That(t, svc.Close(ctx), test.ShouldBeNil)
}

func TestServiceDatasets(t *testing.T) {
	logger := logging.NewTestLogger(t)
	ctx := context.Background()

	svc, err := viamvislam.New(ctx, serviceTestConfig(), nil, nil, logger)
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, svc.Close(ctx), test.ShouldBeNil)
	}()

	test.That(t, svc.DatasetCount(), test.ShouldEqual, 0)
	test.That(t, svc.NewDataset(), test.ShouldBeNil)
	test.That(t, svc.DatasetCount(), test.ShouldEqual, 1)
	test.That(t, svc.Atlas().MapCount(), test.ShouldEqual, 2)
	test.That(t, svc.TrackingState(), test.ShouldEqual, tracking.StateNoImagesYet)
}
