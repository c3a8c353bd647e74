package tracking

import (
	"math"

	"github.com/viam-modules/viam-vislam/atlas"
	"github.com/viam-modules/viam-vislam/config"
	"github.com/viam-modules/viam-vislam/sensors"
)

// matcher associates frame keypoints with landmarks by descriptor distance,
// either within a projection radius or brute force against a keyframe.
type matcher struct {
	maxDistance int
	nnRatio     float64
	radiusPx    float64
}

func newMatcher(tuning config.Tuning) matcher {
	return matcher{
		maxDistance: tuning.MaxDescriptorDistance,
		nnRatio:     tuning.MatchNNRatio,
		radiusPx:    tuning.SearchRadiusPx,
	}
}

// bestInRadius finds the keypoint in f nearest to desc among those within
// radius of (u, v) at a pyramid level in [minLevel, maxLevel], skipping
// keypoints already bound unless their binding is flagged outlier. It applies
// the nearest/second-nearest ratio test across distinct levels the way octave
// ambiguity is usually resolved.
func (mt matcher) bestInRadius(
	f *Frame,
	u, v, radius float64,
	minLevel, maxLevel int,
	desc sensors.Descriptor,
) (int, bool) {
	bestDist, secondDist := math.MaxInt32, math.MaxInt32
	bestIdx, bestLevel, secondLevel := -1, -1, -1

	for i := range f.Keypoints {
		kp := f.Keypoints[i]
		if kp.Octave < minLevel || kp.Octave > maxLevel {
			continue
		}
		if f.MapPointIDs[i] != 0 && !f.Outliers[i] {
			continue
		}
		dx, dy := kp.X-u, kp.Y-v
		if dx*dx+dy*dy > radius*radius {
			continue
		}
		d := desc.Distance(f.Descriptors[i])
		if d < bestDist {
			secondDist, secondLevel = bestDist, bestLevel
			bestDist, bestIdx, bestLevel = d, i, kp.Octave
		} else if d < secondDist {
			secondDist, secondLevel = d, kp.Octave
		}
	}

	if bestIdx < 0 || bestDist > mt.maxDistance {
		return -1, false
	}
	if bestLevel == secondLevel && float64(bestDist) > mt.nnRatio*float64(secondDist) {
		return -1, false
	}
	return bestIdx, true
}

// searchByProjection projects landmark candidates into the frame under its
// current pose and binds descriptor matches within a scale-adapted radius.
// radiusScale widens the search, e.g. right after relocalization.
func (mt matcher) searchByProjection(f *Frame, candidates []*atlas.MapPoint, radiusScale float64) int {
	matches := 0
	for _, mp := range candidates {
		if mp == nil || mp.Bad() {
			continue
		}
		u, v, level, ok := projectLandmark(f, mp)
		if !ok {
			continue
		}
		radius := mt.radiusPx * radiusScale * f.Camera.ScaleFactorAt(level)
		idx, ok := mt.bestInRadius(f, u, v, radius, level-1, level+1, mp.Descriptor())
		if !ok {
			continue
		}
		f.Associate(idx, mp.ID())
		matches++
	}
	return matches
}

// searchLastFrame projects the previous frame's surviving associations into
// the current frame under the constant-velocity prediction.
func (mt matcher) searchLastFrame(cur, last *Frame, m *atlas.Map, radiusScale float64) int {
	matches := 0
	for i, id := range last.MapPointIDs {
		if id == 0 || last.Outliers[i] {
			continue
		}
		mp, ok := m.LiveMapPoint(id)
		if !ok {
			continue
		}
		u, v, _, ok := projectLandmark(cur, mp)
		if !ok {
			continue
		}
		level := last.Keypoints[i].Octave
		radius := mt.radiusPx * radiusScale * cur.Camera.ScaleFactorAt(level)
		idx, ok := mt.bestInRadius(cur, u, v, radius, level-1, level+1, mp.Descriptor())
		if !ok {
			continue
		}
		cur.Associate(idx, mp.ID())
		matches++
	}
	return matches
}

// searchKeyFrame brute-force matches the frame against a keyframe's bound
// landmarks (reference-keyframe tracking and relocalization candidates).
func (mt matcher) searchKeyFrame(f *Frame, kf *atlas.KeyFrame, m *atlas.Map) int {
	matches := 0
	for ki, mpID := range kf.MapPointIDs() {
		if mpID == 0 {
			continue
		}
		mp, ok := m.LiveMapPoint(mpID)
		if !ok {
			continue
		}
		desc := kf.Descriptor(ki)
		bestDist, secondDist, bestIdx := math.MaxInt32, math.MaxInt32, -1
		for fi := range f.Keypoints {
			if f.MapPointIDs[fi] != 0 {
				continue
			}
			d := desc.Distance(f.Descriptors[fi])
			if d < bestDist {
				secondDist = bestDist
				bestDist, bestIdx = d, fi
			} else if d < secondDist {
				secondDist = d
			}
		}
		if bestIdx < 0 || bestDist > mt.maxDistance {
			continue
		}
		if float64(bestDist) > mt.nnRatio*float64(secondDist) {
			continue
		}
		f.Associate(bestIdx, mp.ID())
		matches++
	}
	return matches
}

// matchForInitialization pairs keypoints of two monocular frames by mutual
// descriptor distance. Returns, per ref keypoint, the matched cur index or -1.
func (mt matcher) matchForInitialization(ref, cur *Frame) ([]int, int) {
	out := make([]int, ref.Len())
	taken := make([]int, cur.Len())
	for i := range taken {
		taken[i] = -1
	}
	matches := 0
	for ri := range ref.Keypoints {
		out[ri] = -1
		desc := ref.Descriptors[ri]
		bestDist, secondDist, bestIdx := math.MaxInt32, math.MaxInt32, -1
		for ci := range cur.Keypoints {
			d := desc.Distance(cur.Descriptors[ci])
			if d < bestDist {
				secondDist = bestDist
				bestDist, bestIdx = d, ci
			} else if d < secondDist {
				secondDist = d
			}
		}
		if bestIdx < 0 || bestDist > mt.maxDistance {
			continue
		}
		if float64(bestDist) > mt.nnRatio*float64(secondDist) {
			continue
		}
		if prev := taken[bestIdx]; prev >= 0 {
			// Keep only one ref keypoint per cur keypoint.
			out[prev] = -1
			matches--
		}
		taken[bestIdx] = ri
		out[ri] = bestIdx
		matches++
	}
	return out, matches
}

// projectLandmark projects a landmark into the frame and checks frustum,
// viewing angle and scale-invariance distance bounds. Returns the pixel
// location and predicted pyramid level.
func projectLandmark(f *Frame, mp *atlas.MapPoint) (u, v float64, level int, ok bool) {
	if !f.HasPose() {
		return 0, 0, 0, false
	}
	pw := mp.Position()
	pc := transformPoint(f.PoseCW(), pw)
	u, v, ok = f.Camera.Project(pc)
	if !ok || !f.Camera.InImageBounds(u, v) {
		return 0, 0, 0, false
	}

	dir := pw.Sub(f.CameraCenter())
	dist := dir.Norm()
	minDist, maxDist := mp.MinDistanceInvariance(), mp.MaxDistanceInvariance()
	if maxDist > 0 && (dist < minDist || dist > maxDist) {
		return 0, 0, 0, false
	}
	if n := mp.Normal(); n.Norm() > 0 && dist > 0 {
		if dir.Dot(n) < 0.5*dist*n.Norm() {
			return 0, 0, 0, false
		}
	}
	level = mp.PredictScale(dist, f.Camera)
	return u, v, level, true
}
