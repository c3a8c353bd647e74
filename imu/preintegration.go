package imu

import (
	"sync"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// Bias holds the gyroscope and accelerometer biases, body frame.
type Bias struct {
	Gyro r3.Vector
	Acc  r3.Vector
}

// Sub returns the component-wise difference b - o.
func (b Bias) Sub(o Bias) Bias {
	return Bias{Gyro: b.Gyro.Sub(o.Gyro), Acc: b.Acc.Sub(o.Acc)}
}

// Calib holds the sensor-to-body calibration and the continuous-time noise model.
type Calib struct {
	// BodyFromCamera maps camera-frame coordinates into the IMU body frame.
	BodyFromCamera spatialmath.Pose
	NoiseGyro      float64
	NoiseAcc       float64
	WalkGyro       float64
	WalkAcc        float64
	Frequency      float64
}

// NewCalib builds a Calib with an identity extrinsic when none is given.
func NewCalib(bodyFromCamera spatialmath.Pose, noiseGyro, noiseAcc, walkGyro, walkAcc, freq float64) *Calib {
	if bodyFromCamera == nil {
		bodyFromCamera = spatialmath.NewZeroPose()
	}
	return &Calib{
		BodyFromCamera: bodyFromCamera,
		NoiseGyro:      noiseGyro,
		NoiseAcc:       noiseAcc,
		WalkGyro:       walkGyro,
		WalkAcc:        walkAcc,
		Frequency:      freq,
	}
}

type measurement struct {
	gyro r3.Vector
	acc  r3.Vector
	dt   float64
}

// Preintegrated accumulates inertial samples between two time instants into body-frame
// rotation/velocity/position deltas, linearized around a fixed bias. The accumulator is
// owned by the tracking thread while running and becomes an immutable optimization edge
// once attached to a keyframe.
type Preintegrated struct {
	mu sync.Mutex

	calib Calib
	// bias is the linearization point; corrections are first order via the Jacobians.
	bias        Bias
	updatedBias Bias

	dT float64
	dR quat.Number
	dV r3.Vector
	dP r3.Vector

	// Bias Jacobians: d(delta)/d(bias).
	jRg, jVg, jVa, jPg, jPa *mat.Dense

	// cov is the 15x15 covariance over [dphi, dv, dp, bg, ba].
	cov *mat.Dense

	// Raw samples are retained so a large bias update can trigger exact re-integration.
	measurements []measurement
}

// NewPreintegrated returns an empty accumulator linearized at the given bias.
func NewPreintegrated(b Bias, calib Calib) *Preintegrated {
	p := &Preintegrated{calib: calib}
	p.initialize(b)
	return p
}

func (p *Preintegrated) initialize(b Bias) {
	p.bias = b
	p.updatedBias = b
	p.dT = 0
	p.dR = IdentityQuat()
	p.dV = r3.Vector{}
	p.dP = r3.Vector{}
	p.jRg = zero3()
	p.jVg = zero3()
	p.jVa = zero3()
	p.jPg = zero3()
	p.jPa = zero3()
	p.cov = mat.NewDense(15, 15, nil)
	p.measurements = p.measurements[:0]
}

// IntegrateMeasurement folds one gyro/accel sample spanning dt seconds into the
// accumulator. Order matters: position and velocity use the pre-update rotation.
func (p *Preintegrated) IntegrateMeasurement(gyro, acc r3.Vector, dt float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.integrateLocked(gyro, acc, dt, true)
}

func (p *Preintegrated) integrateLocked(gyro, acc r3.Vector, dt float64, retain bool) {
	if dt <= 0 {
		return
	}
	if retain {
		p.measurements = append(p.measurements, measurement{gyro: gyro, acc: acc, dt: dt})
	}

	accCorr := acc.Sub(p.bias.Acc)
	gyroCorr := gyro.Sub(p.bias.Gyro)

	dRMat := RotationMatrix(p.dR)
	wAcc := Skew(accCorr)

	// Position and velocity updates with the rotation held at the start of the step.
	rotAcc := Rotate(p.dR, accCorr)
	p.dP = p.dP.Add(p.dV.Mul(dt)).Add(rotAcc.Mul(0.5 * dt * dt))
	p.dV = p.dV.Add(rotAcc.Mul(dt))

	// Noise propagation blocks that depend on the pre-update rotation.
	var dRWacc mat.Dense
	dRWacc.Mul(dRMat, wAcc)

	a := mat.NewDense(15, 15, nil)
	for i := 0; i < 15; i++ {
		a.Set(i, i, 1)
	}
	setBlock(a, 3, 0, scaled(&dRWacc, -dt))
	setBlock(a, 6, 0, scaled(&dRWacc, -0.5*dt*dt))
	setBlock(a, 6, 3, scaled(identity3(), dt))

	b := mat.NewDense(15, 6, nil)
	setBlock(b, 3, 3, scaled(dRMat, dt))
	setBlock(b, 6, 3, scaled(dRMat, 0.5*dt*dt))

	// Bias Jacobian recursion, pre-update rotation terms first.
	var tmp mat.Dense
	p.jPa.Add(p.jPa, scaledSum(p.jVa, dt, scaled(dRMat, -0.5*dt*dt)))
	tmp.Mul(&dRWacc, p.jRg)
	p.jPg.Add(p.jPg, scaledSum(p.jVg, dt, scaled(&tmp, -0.5*dt*dt)))
	p.jVa.Add(p.jVa, scaled(dRMat, -dt))
	p.jVg.Add(p.jVg, scaled(&tmp, -dt))

	// Rotation update.
	rotVec := gyroCorr.Mul(dt)
	dRi := ExpSO3(rotVec)
	jr := RightJacobianSO3(rotVec)
	p.dR = Normalize(quat.Mul(p.dR, dRi))

	dRiT := RotationMatrix(quat.Conj(dRi))
	setBlock(a, 0, 0, dRiT)
	setBlock(b, 0, 0, scaled(jr, dt))

	var newJRg mat.Dense
	newJRg.Mul(dRiT, p.jRg)
	newJRg.Sub(&newJRg, scaled(jr, dt))
	p.jRg.Copy(&newJRg)

	// Covariance: C = A C A' + B N B', with the bias random walk accumulating in the tail.
	ng2 := p.calib.NoiseGyro * p.calib.NoiseGyro / dt
	na2 := p.calib.NoiseAcc * p.calib.NoiseAcc / dt
	n := mat.NewDense(6, 6, nil)
	for i := 0; i < 3; i++ {
		n.Set(i, i, ng2)
		n.Set(i+3, i+3, na2)
	}

	var aca, bnb, ac mat.Dense
	ac.Mul(a, p.cov)
	aca.Mul(&ac, a.T())
	var bn mat.Dense
	bn.Mul(b, n)
	bnb.Mul(&bn, b.T())
	p.cov.Add(&aca, &bnb)

	wg2 := p.calib.WalkGyro * p.calib.WalkGyro * dt
	wa2 := p.calib.WalkAcc * p.calib.WalkAcc * dt
	for i := 0; i < 3; i++ {
		p.cov.Set(9+i, 9+i, p.cov.At(9+i, 9+i)+wg2)
		p.cov.Set(12+i, 12+i, p.cov.At(12+i, 12+i)+wa2)
	}

	p.dT += dt
}

// Elapsed returns the integrated time span in seconds.
func (p *Preintegrated) Elapsed() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dT
}

// LinearizationBias returns the bias the deltas are linearized around.
func (p *Preintegrated) LinearizationBias() Bias {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bias
}

// UpdatedBias returns the most recent bias estimate attached via SetNewBias.
func (p *Preintegrated) UpdatedBias() Bias {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.updatedBias
}

// SetNewBias records a refreshed bias estimate. Deltas remain linearized at the
// original bias; readers obtain corrected values through the Delta* accessors.
func (p *Preintegrated) SetNewBias(b Bias) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updatedBias = b
}

// Reintegrate rebuilds the accumulator from the retained raw samples, linearized at
// the updated bias. Used when the bias moved too far for first-order correction.
func (p *Preintegrated) Reintegrate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	meas := make([]measurement, len(p.measurements))
	copy(meas, p.measurements)
	b := p.updatedBias
	p.initialize(b)
	p.measurements = meas
	for _, m := range meas {
		p.integrateLocked(m.gyro, m.acc, m.dt, false)
	}
}

// DeltaRotation returns the rotation delta corrected to the given bias.
func (p *Preintegrated) DeltaRotation(b Bias) quat.Number {
	p.mu.Lock()
	defer p.mu.Unlock()
	dbg := b.Gyro.Sub(p.bias.Gyro)
	corr := ExpSO3(MulVec(p.jRg, dbg))
	return Normalize(quat.Mul(p.dR, corr))
}

// DeltaVelocity returns the velocity delta corrected to the given bias.
func (p *Preintegrated) DeltaVelocity(b Bias) r3.Vector {
	p.mu.Lock()
	defer p.mu.Unlock()
	db := b.Sub(p.bias)
	return p.dV.Add(MulVec(p.jVg, db.Gyro)).Add(MulVec(p.jVa, db.Acc))
}

// DeltaPosition returns the position delta corrected to the given bias.
func (p *Preintegrated) DeltaPosition(b Bias) r3.Vector {
	p.mu.Lock()
	defer p.mu.Unlock()
	db := b.Sub(p.bias)
	return p.dP.Add(MulVec(p.jPg, db.Gyro)).Add(MulVec(p.jPa, db.Acc))
}

// RotationJacobian returns a copy of d(deltaR)/d(gyro bias).
func (p *Preintegrated) RotationJacobian() *mat.Dense {
	p.mu.Lock()
	defer p.mu.Unlock()
	return mat.DenseCopyOf(p.jRg)
}

// VelocityJacobians returns copies of d(deltaV)/d(gyro bias) and d(deltaV)/d(acc bias).
func (p *Preintegrated) VelocityJacobians() (jvg, jva *mat.Dense) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return mat.DenseCopyOf(p.jVg), mat.DenseCopyOf(p.jVa)
}

// PositionJacobians returns copies of d(deltaP)/d(gyro bias) and d(deltaP)/d(acc bias).
func (p *Preintegrated) PositionJacobians() (jpg, jpa *mat.Dense) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return mat.DenseCopyOf(p.jPg), mat.DenseCopyOf(p.jPa)
}

// Covariance returns a copy of the 15x15 covariance over [dphi, dv, dp, bg, ba].
func (p *Preintegrated) Covariance() *mat.Dense {
	p.mu.Lock()
	defer p.mu.Unlock()
	return mat.DenseCopyOf(p.cov)
}

// MergePrevious prepends another accumulator's samples, producing the preintegration
// spanning both intervals. Used when a keyframe in the middle of a span is culled.
func (p *Preintegrated) MergePrevious(prev *Preintegrated) {
	prev.mu.Lock()
	prevMeas := make([]measurement, len(prev.measurements))
	copy(prevMeas, prev.measurements)
	prev.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	meas := append(prevMeas, p.measurements...)
	b := p.updatedBias
	p.initialize(b)
	p.measurements = meas
	for _, m := range meas {
		p.integrateLocked(m.gyro, m.acc, m.dt, false)
	}
}

func setBlock(dst *mat.Dense, row, col int, src *mat.Dense) {
	r, c := src.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			dst.Set(row+i, col+j, src.At(i, j))
		}
	}
}

func scaled(m *mat.Dense, f float64) *mat.Dense {
	out := new(mat.Dense)
	out.Scale(f, m)
	return out
}

// scaledSum returns a*f + b.
func scaledSum(a *mat.Dense, f float64, b *mat.Dense) *mat.Dense {
	out := new(mat.Dense)
	out.Scale(f, a)
	out.Add(out, b)
	return out
}
