package tracking

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/viam-modules/viam-vislam/atlas"
	"github.com/viam-modules/viam-vislam/imu"
)

const (
	// poseOptRounds/poseOptIters follow the usual four-round schedule: after
	// each Gauss-Newton round, residuals reclassify associations as inliers
	// or outliers and the next round refits on the survivors.
	poseOptRounds = 4
	poseOptIters  = 10
	// stereoChi2Ratio scales the monocular chi-square gate for the
	// three-dimensional stereo residual (7.815 / 5.991).
	stereoChi2Ratio = 7.815 / 5.991
)

// poseObservation is one landmark association prepared for optimization.
type poseObservation struct {
	idx      int
	world    r3.Vector
	u, v     float64
	rightX   float64
	invSigma float64
	stereo   bool
}

// optimizePose refines the frame's camera-from-world pose by minimizing
// Huber-robust reprojection error over its landmark associations, holding map
// structure fixed. Associations whose final residual exceeds the chi-square
// gate are flagged outliers on the frame. Returns the inlier count.
func optimizePose(f *Frame, m *atlas.Map, chi2Mono float64) int {
	obs := collectObservations(f, m)
	if len(obs) < 3 {
		return 0
	}

	q, t := poseToQuatTrans(f.PoseCW())
	chi2Stereo := chi2Mono * stereoChi2Ratio
	deltaMono := math.Sqrt(chi2Mono)
	deltaStereo := math.Sqrt(chi2Stereo)

	inliers := 0
	for round := 0; round < poseOptRounds; round++ {
		q, t = gaussNewtonPose(f, obs, q, t, deltaMono, deltaStereo)

		// Reclassify on the refined pose; outliers may come back in.
		inliers = 0
		for _, o := range obs {
			chi2, gate := residualChi2(f, o, q, t), chi2Mono
			if o.stereo {
				gate = chi2Stereo
			}
			bad := chi2 > gate
			f.Outliers[o.idx] = bad
			if !bad {
				inliers++
			}
		}
		if inliers < 3 {
			break
		}
	}

	f.SetPoseCW(quatTransToPose(q, t))
	return inliers
}

func collectObservations(f *Frame, m *atlas.Map) []poseObservation {
	obs := make([]poseObservation, 0, f.Len())
	for i, id := range f.MapPointIDs {
		if id == 0 {
			continue
		}
		mp, ok := m.LiveMapPoint(id)
		if !ok {
			f.ClearAssociation(i)
			continue
		}
		kp := f.Keypoints[i]
		obs = append(obs, poseObservation{
			idx:      i,
			world:    mp.Position(),
			u:        kp.X,
			v:        kp.Y,
			rightX:   kp.RightX,
			invSigma: 1 / f.Camera.ScaleFactorAt(kp.Octave),
			stereo:   kp.RightX >= 0,
		})
	}
	return obs
}

// gaussNewtonPose runs one round of iterations over the current inlier set.
func gaussNewtonPose(
	f *Frame,
	obs []poseObservation,
	q quat.Number,
	t r3.Vector,
	deltaMono, deltaStereo float64,
) (quat.Number, r3.Vector) {
	cam := f.Camera
	h := mat.NewDense(6, 6, nil)
	b := mat.NewVecDense(6, nil)

	for iter := 0; iter < poseOptIters; iter++ {
		h.Zero()
		b.Zero()
		used := 0

		for _, o := range obs {
			if f.Outliers[o.idx] {
				continue
			}
			pc := imu.Rotate(q, o.world).Add(t)
			if pc.Z <= 0 {
				continue
			}
			invZ := 1 / pc.Z
			eu := cam.Fx*pc.X*invZ + cam.Cx - o.u
			ev := cam.Fy*pc.Y*invZ + cam.Cy - o.v

			// de/dpc rows for u and v.
			ju := r3.Vector{X: cam.Fx * invZ, Z: -cam.Fx * pc.X * invZ * invZ}
			jv := r3.Vector{Y: cam.Fy * invZ, Z: -cam.Fy * pc.Y * invZ * invZ}

			rows := [][6]float64{jacRow(ju, pc), jacRow(jv, pc)}
			errs := []float64{eu, ev}
			delta := deltaMono
			if o.stereo {
				er := cam.Fx*pc.X*invZ + cam.Cx - cam.BaselineFx*invZ - o.rightX
				jr := r3.Vector{X: cam.Fx * invZ, Z: (-cam.Fx*pc.X + cam.BaselineFx) * invZ * invZ}
				rows = append(rows, jacRow(jr, pc))
				errs = append(errs, er)
				delta = deltaStereo
			}

			// Huber weight from the whitened residual norm.
			norm := 0.0
			for _, e := range errs {
				norm += e * e
			}
			norm = math.Sqrt(norm) * o.invSigma
			w := o.invSigma * o.invSigma
			if norm > delta {
				w *= delta / norm
			}

			for r, row := range rows {
				e := errs[r]
				for a := 0; a < 6; a++ {
					b.SetVec(a, b.AtVec(a)+w*row[a]*e)
					for c := 0; c < 6; c++ {
						h.Set(a, c, h.At(a, c)+w*row[a]*row[c])
					}
				}
			}
			used++
		}

		if used < 3 {
			return q, t
		}

		var dx mat.VecDense
		if err := dx.SolveVec(h, b); err != nil {
			return q, t
		}
		dphi := r3.Vector{X: -dx.AtVec(0), Y: -dx.AtVec(1), Z: -dx.AtVec(2)}
		dt := r3.Vector{X: -dx.AtVec(3), Y: -dx.AtVec(4), Z: -dx.AtVec(5)}

		dq := imu.ExpSO3(dphi)
		q = imu.Normalize(quat.Mul(dq, q))
		t = imu.Rotate(dq, t).Add(dt)

		if dphi.Norm() < 1e-10 && dt.Norm() < 1e-10 {
			break
		}
	}
	return q, t
}

// jacRow expands a de/dpc row through the left-perturbation pose Jacobian
// dpc/d[dphi dt] = [-[pc]x  I].
func jacRow(j, pc r3.Vector) [6]float64 {
	cross := r3.Vector{
		X: j.Y*pc.Z - j.Z*pc.Y,
		Y: j.Z*pc.X - j.X*pc.Z,
		Z: j.X*pc.Y - j.Y*pc.X,
	}
	// de/dphi = j · (-[pc]x) = -(j × pc).
	return [6]float64{-cross.X, -cross.Y, -cross.Z, j.X, j.Y, j.Z}
}

// residualChi2 evaluates the whitened squared reprojection error of one
// observation under a pose.
func residualChi2(f *Frame, o poseObservation, q quat.Number, t r3.Vector) float64 {
	cam := f.Camera
	pc := imu.Rotate(q, o.world).Add(t)
	if pc.Z <= 0 {
		return math.Inf(1)
	}
	invZ := 1 / pc.Z
	eu := cam.Fx*pc.X*invZ + cam.Cx - o.u
	ev := cam.Fy*pc.Y*invZ + cam.Cy - o.v
	chi2 := eu*eu + ev*ev
	if o.stereo {
		er := cam.Fx*pc.X*invZ + cam.Cx - cam.BaselineFx*invZ - o.rightX
		chi2 += er * er
	}
	return chi2 * o.invSigma * o.invSigma
}
