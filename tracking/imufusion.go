package tracking

import (
	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
	rdkutils "go.viam.com/rdk/utils"

	"github.com/viam-modules/viam-vislam/atlas"
	"github.com/viam-modules/viam-vislam/imu"
	"github.com/viam-modules/viam-vislam/sensors"
)

// GrabIMU queues one inertial sample. Safe to call from a producer goroutine
// concurrently with frame ingestion; the tracking goroutine drains the queue
// atomically once per frame.
func (t *Tracker) GrabIMU(reading sensors.IMUReading) {
	t.imuMu.Lock()
	t.imuQueue = append(t.imuQueue, reading)
	t.imuMu.Unlock()
}

// gyroRadians converts an rdk angular velocity reading (deg/s) to rad/s.
func gyroRadians(av spatialmath.AngularVelocity) r3.Vector {
	return r3.Vector{
		X: rdkutils.DegToRad(av.X),
		Y: rdkutils.DegToRad(av.Y),
		Z: rdkutils.DegToRad(av.Z),
	}
}

// preintegrateIMU drains queued samples up to the current frame's timestamp
// and integrates them into both running accumulators: since the last keyframe
// (attached at promotion) and since the last frame (used for prediction).
func (t *Tracker) preintegrateIMU(f *Frame) {
	t.imuMu.Lock()
	var batch []sensors.IMUReading
	cut := 0
	for cut < len(t.imuQueue) && !t.imuQueue[cut].ReadingTime.After(f.Timestamp) {
		cut++
	}
	batch = append(batch, t.imuQueue[:cut]...)
	t.imuQueue = t.imuQueue[cut:]
	t.imuMu.Unlock()

	if t.preFromKF == nil {
		t.preFromKF = imu.NewPreintegrated(t.bias, *t.calib)
	}
	preFrame := imu.NewPreintegrated(t.bias, *t.calib)

	prev := t.lastIMUTime
	for _, s := range batch {
		if prev.IsZero() {
			prev = s.ReadingTime
			continue
		}
		dt := s.ReadingTime.Sub(prev).Seconds()
		prev = s.ReadingTime
		if dt <= 0 {
			continue
		}
		gyro := gyroRadians(s.AngularVelocity)
		acc := s.LinearAcceleration
		t.preFromKF.IntegrateMeasurement(gyro, acc, dt)
		preFrame.IntegrateMeasurement(gyro, acc, dt)
	}
	t.lastIMUTime = prev

	f.Pre = t.preFromKF
	f.PreFrame = preFrame
	f.Bias = t.bias
}

// predictStateIMU predicts the current frame pose by composing the last known
// inertial state with the running accumulator. It is the strongest prediction
// and is tried before the motion model. Returns false when no trusted anchor
// state exists yet.
func (t *Tracker) predictStateIMU(f *Frame, m *atlas.Map) bool {
	if !t.mode.IsInertial() || f.Pre == nil {
		return false
	}

	var anchor imu.State
	var pre *imu.Preintegrated
	switch {
	case m.IMUInitialized() && t.lastKeyFrame != nil && !t.lastKeyFrame.Bad():
		anchor = t.keyFrameInertialState(t.lastKeyFrame)
		pre = f.Pre
	case t.lastFrame != nil && t.lastFrame.VelocityValid && t.lastFrame.HasPose():
		anchor = t.frameInertialState(t.lastFrame)
		pre = f.PreFrame
	default:
		return false
	}
	if pre == nil || pre.Elapsed() <= 0 {
		return false
	}

	predicted := imu.PredictState(anchor, pre, imu.Gravity())
	f.SetPoseCW(t.bodyStateToPoseCW(predicted))
	f.Velocity = predicted.Velocity
	f.VelocityValid = true
	f.ImuPredicted = true
	return true
}

// keyFrameInertialState reads a keyframe's world-from-body state.
func (t *Tracker) keyFrameInertialState(kf *atlas.KeyFrame) imu.State {
	q, p := poseToQuatTrans(t.poseCWToBodyWorld(kf.PoseCW()))
	return imu.State{Rotation: q, Position: p, Velocity: kf.Velocity(), Bias: kf.Bias()}
}

// frameInertialState reads a frame's world-from-body state.
func (t *Tracker) frameInertialState(f *Frame) imu.State {
	q, p := poseToQuatTrans(t.poseCWToBodyWorld(f.PoseCW()))
	return imu.State{Rotation: q, Position: p, Velocity: f.Velocity, Bias: f.Bias}
}

// poseCWToBodyWorld converts a camera-from-world pose into the world-from-body
// pose through the rig extrinsic.
func (t *Tracker) poseCWToBodyWorld(poseCW spatialmath.Pose) spatialmath.Pose {
	twc := spatialmath.PoseInverse(poseCW)
	// Twb = Twc ∘ Tcb.
	return spatialmath.Compose(twc, spatialmath.PoseInverse(t.calib.BodyFromCamera))
}

// bodyStateToPoseCW converts a predicted world-from-body state into the
// camera-from-world pose the tracking pipeline works in.
func (t *Tracker) bodyStateToPoseCW(s imu.State) spatialmath.Pose {
	twb := quatTransToPose(s.Rotation, s.Position)
	twc := spatialmath.Compose(twb, t.calib.BodyFromCamera)
	return spatialmath.PoseInverse(twc)
}

// recordInertialFrame appends the frame's state to the bootstrap window and,
// once the window is full and the back-end has not yet converged a bias,
// re-estimates gyro and accelerometer biases from the window residuals.
func (t *Tracker) recordInertialFrame(f *Frame, m *atlas.Map) {
	if !t.mode.IsInertial() || m.IMUInitialized() || !f.HasPose() || f.PreFrame == nil {
		return
	}
	q, p := poseToQuatTrans(t.poseCWToBodyWorld(f.PoseCW()))
	t.inertialWindow = append(t.inertialWindow, imu.InertialFrame{
		Rotation: q,
		Position: p,
		Velocity: f.Velocity,
		Pre:      f.PreFrame,
	})
	if len(t.inertialWindow) <= t.tuning.BiasEstimationWindow {
		return
	}
	t.inertialWindow = t.inertialWindow[len(t.inertialWindow)-t.tuning.BiasEstimationWindow:]

	gyro, gok := imu.EstimateGyroBias(t.inertialWindow)
	acc, aok := imu.EstimateAccBias(t.inertialWindow, imu.Gravity())
	if !gok && !aok {
		return
	}
	newBias := t.bias
	if gok {
		newBias.Gyro = gyro
	}
	if aok {
		newBias.Acc = acc
	}
	t.bias = newBias
	if t.preFromKF != nil {
		t.preFromKF.SetNewBias(newBias)
	}
	t.logger.Debugw("bootstrap bias re-estimated",
		"gyro", newBias.Gyro, "acc", newBias.Acc)
}

// UpdateFrameIMU applies a back-end scale/bias correction to the tracker's
// cached last-frame and last-keyframe state. Called by the inertial
// optimization threads after initialization or refinement converges.
func (t *Tracker) UpdateFrameIMU(scale float64, bias imu.Bias, kf *atlas.KeyFrame) {
	t.controlMu.Lock()
	defer t.controlMu.Unlock()

	t.bias = bias
	if t.preFromKF != nil {
		t.preFromKF.SetNewBias(bias)
	}
	if kf != nil {
		kf.SetBias(bias)
	}
	if scale != 1 && scale > 0 && t.lastFrame != nil && t.lastFrame.HasPose() {
		q, p := poseToQuatTrans(t.lastFrame.PoseCW())
		t.lastFrame.SetPoseCW(quatTransToPose(q, p.Mul(scale)))
		t.lastFrame.Velocity = t.lastFrame.Velocity.Mul(scale)
	}
	if t.lastFrame != nil {
		t.lastFrame.Bias = bias
	}
}
