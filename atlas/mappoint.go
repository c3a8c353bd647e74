// Package atlas implements the shared map structures of the SLAM system: triangulated
// landmarks, keyframes with their covisibility graph, the per-session map arena and the
// container holding multiple concurrent maps. Records are identifier-indexed with
// explicit liveness flags; "bad" flagging replaces physical deletion and every reader
// must treat a dead identifier as absent.
package atlas

import (
	"sort"
	"sync"

	"github.com/golang/geo/r3"

	"github.com/viam-modules/viam-vislam/sensors"
)

// scale-invariance margins around the observed distance band.
const (
	minDistanceMargin = 0.8
	maxDistanceMargin = 1.2
)

// MapPoint is a triangulated 3-D landmark. Position refinement, culling and fusion are
// performed by the back-end; the tracking core only does observation bookkeeping and
// advisory bad-flagging.
type MapPoint struct {
	id int64
	m  *Map

	mu           sync.RWMutex
	position     r3.Vector
	normal       r3.Vector
	descriptor   sensors.Descriptor
	observations map[int64]int
	refKF        int64
	firstKFID    int64
	minDistance  float64
	maxDistance  float64
	visible      int
	found        int
	bad          bool
	replaced     *MapPoint
}

// ID returns the landmark identifier, unique across all maps of an Atlas.
func (mp *MapPoint) ID() int64 { return mp.id }

// Position returns the world position.
func (mp *MapPoint) Position() r3.Vector {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.position
}

// SetPosition moves the landmark. Called by the back-end during refinement.
func (mp *MapPoint) SetPosition(p r3.Vector) {
	mp.mu.Lock()
	mp.position = p
	mp.mu.Unlock()
	mp.m.BumpChange()
}

// Normal returns the running-average viewing direction.
func (mp *MapPoint) Normal() r3.Vector {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.normal
}

// Descriptor returns the representative descriptor of the landmark's observations.
func (mp *MapPoint) Descriptor() sensors.Descriptor {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.descriptor
}

// Bad reports whether the landmark has been flagged dead.
func (mp *MapPoint) Bad() bool {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.bad
}

// SetBad flags the landmark dead. Idempotent and advisory: holders discover the flag on
// their next read, no eager unlinking happens here.
func (mp *MapPoint) SetBad() {
	mp.mu.Lock()
	if mp.bad {
		mp.mu.Unlock()
		return
	}
	mp.bad = true
	mp.observations = map[int64]int{}
	mp.mu.Unlock()
	mp.m.BumpChange()
}

// Replaced returns the landmark this one was fused into, following chains, or nil.
func (mp *MapPoint) Replaced() *MapPoint {
	mp.mu.RLock()
	rep := mp.replaced
	mp.mu.RUnlock()
	for rep != nil {
		rep.mu.RLock()
		next := rep.replaced
		rep.mu.RUnlock()
		if next == nil {
			return rep
		}
		rep = next
	}
	return rep
}

// Replace fuses this landmark into other: this point goes bad and holders are expected
// to rebind through Replaced.
func (mp *MapPoint) Replace(other *MapPoint) {
	if other == nil || other.id == mp.id {
		return
	}
	mp.mu.Lock()
	if mp.bad {
		mp.mu.Unlock()
		return
	}
	visible, found := mp.visible, mp.found
	mp.bad = true
	mp.replaced = other
	mp.observations = map[int64]int{}
	mp.mu.Unlock()

	other.mu.Lock()
	other.visible += visible
	other.found += found
	other.mu.Unlock()
	mp.m.BumpChange()
}

// AddObservation records that kf observes this landmark at keypoint index idx.
func (mp *MapPoint) AddObservation(kfID int64, idx int) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if mp.bad {
		return
	}
	mp.observations[kfID] = idx
}

// EraseObservation removes a keyframe's observation; a landmark left with fewer than
// two observations is no longer triangulated and goes bad.
func (mp *MapPoint) EraseObservation(kfID int64) {
	mp.mu.Lock()
	delete(mp.observations, kfID)
	starved := len(mp.observations) < 2
	if starved {
		mp.bad = true
		mp.observations = map[int64]int{}
	}
	mp.mu.Unlock()
	if starved {
		mp.m.BumpChange()
	}
}

// Observations returns a copy of the observing keyframe IDs with keypoint indices.
func (mp *MapPoint) Observations() map[int64]int {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	out := make(map[int64]int, len(mp.observations))
	for k, v := range mp.observations {
		out[k] = v
	}
	return out
}

// ObservationCount returns the number of observing keyframes.
func (mp *MapPoint) ObservationCount() int {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return len(mp.observations)
}

// IncreaseVisible counts a frustum visibility event for the found ratio.
func (mp *MapPoint) IncreaseVisible(n int) {
	mp.mu.Lock()
	mp.visible += n
	mp.mu.Unlock()
}

// IncreaseFound counts a successful association for the found ratio.
func (mp *MapPoint) IncreaseFound(n int) {
	mp.mu.Lock()
	mp.found += n
	mp.mu.Unlock()
}

// FoundRatio is found/visible, the back-end's main culling signal.
func (mp *MapPoint) FoundRatio() float64 {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	if mp.visible == 0 {
		return 0
	}
	return float64(mp.found) / float64(mp.visible)
}

// MinDistanceInvariance returns the lower bound of the scale-valid distance band.
func (mp *MapPoint) MinDistanceInvariance() float64 {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return minDistanceMargin * mp.minDistance
}

// MaxDistanceInvariance returns the upper bound of the scale-valid distance band.
func (mp *MapPoint) MaxDistanceInvariance() float64 {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return maxDistanceMargin * mp.maxDistance
}

// PredictScale estimates the pyramid level this landmark would appear at from the
// given viewing distance.
func (mp *MapPoint) PredictScale(distance float64, cam *sensors.Camera) int {
	mp.mu.RLock()
	maxDist := mp.maxDistance
	mp.mu.RUnlock()
	return cam.PredictScaleLevel(maxDist, distance)
}

// UpdateNormalAndDepth recomputes the mean viewing direction and the scale-invariance
// distance band from the current observations.
func (mp *MapPoint) UpdateNormalAndDepth() {
	mp.mu.RLock()
	if mp.bad {
		mp.mu.RUnlock()
		return
	}
	obs := make(map[int64]int, len(mp.observations))
	for k, v := range mp.observations {
		obs[k] = v
	}
	pos := mp.position
	refID := mp.refKF
	mp.mu.RUnlock()

	if len(obs) == 0 {
		return
	}

	var normal r3.Vector
	n := 0
	for kfID := range obs {
		kf, ok := mp.m.KeyFrame(kfID)
		if !ok || kf.Bad() {
			continue
		}
		dir := pos.Sub(kf.CameraCenter())
		if dir.Norm() < 1e-12 {
			continue
		}
		normal = normal.Add(dir.Normalize())
		n++
	}
	if n == 0 {
		return
	}

	refKF, ok := mp.m.KeyFrame(refID)
	if !ok {
		return
	}
	dist := pos.Sub(refKF.CameraCenter()).Norm()
	idx, hasObs := obs[refID]
	level := 0
	if hasObs {
		level = refKF.Keypoint(idx).Octave
	}
	cam := refKF.Camera()
	levelScale := cam.ScaleFactorAt(level)
	maxLevelScale := cam.ScaleFactorAt(cam.Levels - 1)

	mp.mu.Lock()
	mp.normal = normal.Mul(1 / float64(n))
	mp.maxDistance = dist * levelScale
	mp.minDistance = mp.maxDistance / maxLevelScale
	mp.mu.Unlock()
}

// ComputeDistinctiveDescriptor picks the observation descriptor with the least median
// distance to all the others as the representative one.
func (mp *MapPoint) ComputeDistinctiveDescriptor() {
	obs := mp.Observations()
	if len(obs) == 0 {
		return
	}

	descs := make([]sensors.Descriptor, 0, len(obs))
	for kfID, idx := range obs {
		kf, ok := mp.m.KeyFrame(kfID)
		if !ok || kf.Bad() {
			continue
		}
		if d := kf.Descriptor(idx); d != nil {
			descs = append(descs, d)
		}
	}
	if len(descs) == 0 {
		return
	}

	best := 0
	bestMedian := int(^uint(0) >> 1)
	for i := range descs {
		dists := make([]int, 0, len(descs)-1)
		for j := range descs {
			if i == j {
				continue
			}
			dists = append(dists, descs[i].Distance(descs[j]))
		}
		median := 0
		if len(dists) > 0 {
			sort.Ints(dists)
			median = dists[len(dists)/2]
		}
		if median < bestMedian {
			bestMedian = median
			best = i
		}
	}

	mp.mu.Lock()
	mp.descriptor = descs[best]
	mp.mu.Unlock()
}
