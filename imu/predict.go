package imu

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// GravityMagnitude is the assumed gravity norm in m/s^2.
const GravityMagnitude = 9.81

// Gravity returns the world-frame gravity vector (Z up).
func Gravity() r3.Vector {
	return r3.Vector{Z: -GravityMagnitude}
}

// State is the inertial state of the body at one instant: world-from-body rotation,
// world position and velocity, and the current bias estimate.
type State struct {
	Rotation quat.Number
	Position r3.Vector
	Velocity r3.Vector
	Bias     Bias
}

// PredictState composes a known state with a preintegrated span to predict the state
// at the end of the span, under the given gravity.
func PredictState(prev State, pre *Preintegrated, gravity r3.Vector) State {
	t := pre.Elapsed()
	dR := pre.DeltaRotation(prev.Bias)
	dV := pre.DeltaVelocity(prev.Bias)
	dP := pre.DeltaPosition(prev.Bias)

	rot := Normalize(quat.Mul(prev.Rotation, dR))
	vel := prev.Velocity.Add(gravity.Mul(t)).Add(Rotate(prev.Rotation, dV))
	pos := prev.Position.
		Add(prev.Velocity.Mul(t)).
		Add(gravity.Mul(0.5 * t * t)).
		Add(Rotate(prev.Rotation, dP))

	return State{Rotation: rot, Position: pos, Velocity: vel, Bias: prev.Bias}
}

// InertialFrame is the per-frame information consumed by the bootstrap bias estimators:
// the frame's world-from-body state and the preintegration from the previous frame.
type InertialFrame struct {
	Rotation quat.Number
	Position r3.Vector
	Velocity r3.Vector
	Pre      *Preintegrated
}

// EstimateGyroBias fits a single gyro bias to the rotation residuals of a short window
// of consecutive frames. Used during inertial bootstrap before the back-end optimizer
// has converged on a bias of its own.
func EstimateGyroBias(frames []InertialFrame) (r3.Vector, bool) {
	h := mat.NewDense(3, 3, nil)
	g := mat.NewVecDense(3, nil)

	n := 0
	for i := 1; i < len(frames); i++ {
		f := frames[i]
		if f.Pre == nil {
			continue
		}
		// Residual between the visually observed relative rotation and the
		// preintegrated one at zero bias correction.
		obs := quat.Mul(quat.Conj(frames[i-1].Rotation), f.Rotation)
		pre := f.Pre.DeltaRotation(f.Pre.LinearizationBias())
		e := LogSO3(quat.Mul(quat.Conj(pre), obs))

		j := f.Pre.RotationJacobian()
		var jtj mat.Dense
		jtj.Mul(j.T(), j)
		h.Add(h, &jtj)

		ev := mat.NewVecDense(3, []float64{e.X, e.Y, e.Z})
		var jte mat.VecDense
		jte.MulVec(j.T(), ev)
		g.AddVec(g, &jte)
		n++
	}
	if n == 0 {
		return r3.Vector{}, false
	}

	var sol mat.VecDense
	if err := sol.SolveVec(h, g); err != nil {
		return r3.Vector{}, false
	}
	db := r3.Vector{X: sol.AtVec(0), Y: sol.AtVec(1), Z: sol.AtVec(2)}
	base := frames[len(frames)-1].Pre.LinearizationBias().Gyro
	return base.Add(db), true
}

// EstimateAccBias fits a single accelerometer bias to the velocity residuals of a
// short window of consecutive frames, assuming the gyro bias has already been applied.
func EstimateAccBias(frames []InertialFrame, gravity r3.Vector) (r3.Vector, bool) {
	h := mat.NewDense(3, 3, nil)
	g := mat.NewVecDense(3, nil)

	n := 0
	for i := 1; i < len(frames); i++ {
		f := frames[i]
		if f.Pre == nil {
			continue
		}
		t := f.Pre.Elapsed()
		if t <= 0 {
			continue
		}
		prev := frames[i-1]
		b := f.Pre.LinearizationBias()

		// Velocity residual: v_i - v_{i-1} - g*t - R_{i-1} * dV(b).
		pred := prev.Velocity.Add(gravity.Mul(t)).Add(Rotate(prev.Rotation, f.Pre.DeltaVelocity(b)))
		e := f.Velocity.Sub(pred)

		// d(residual)/d(acc bias) = R_{i-1} * JVa.
		_, jva := f.Pre.VelocityJacobians()
		rPrev := RotationMatrix(prev.Rotation)
		var j mat.Dense
		j.Mul(rPrev, jva)

		var jtj mat.Dense
		jtj.Mul(j.T(), &j)
		h.Add(h, &jtj)

		ev := mat.NewVecDense(3, []float64{e.X, e.Y, e.Z})
		var jte mat.VecDense
		jte.MulVec(j.T(), ev)
		g.AddVec(g, &jte)
		n++
	}
	if n == 0 {
		return r3.Vector{}, false
	}

	var sol mat.VecDense
	if err := sol.SolveVec(h, g); err != nil {
		return r3.Vector{}, false
	}
	db := r3.Vector{X: sol.AtVec(0), Y: sol.AtVec(1), Z: sol.AtVec(2)}
	base := frames[len(frames)-1].Pre.LinearizationBias().Acc
	return base.Add(db), true
}
