package tracking

import (
	"sort"

	"github.com/viam-modules/viam-vislam/atlas"
)

// localMap is the transient working set used for per-frame refinement. It is
// owned exclusively by the tracking goroutine and rebuilt from scratch every
// cycle, because back-end corrections can change covisibility arbitrarily
// between frames.
type localMap struct {
	keyFrames []*atlas.KeyFrame
	points    []*atlas.MapPoint
}

// updateLocalMap rebuilds the local keyframe and point caches from the
// authoritative map, anchored on the current frame's associations.
func (t *Tracker) updateLocalMap(f *Frame, m *atlas.Map) {
	t.updateLocalKeyFrames(f, m)
	t.updateLocalPoints(m)
}

// updateLocalKeyFrames votes keyframes by shared observations with the current
// frame, then pads with covisibility neighbors and spanning-tree relatives up
// to the configured bound. Ties break on lower keyframe identifier.
func (t *Tracker) updateLocalKeyFrames(f *Frame, m *atlas.Map) {
	votes := map[int64]int{}
	for i, id := range f.MapPointIDs {
		if id == 0 {
			continue
		}
		mp, ok := m.LiveMapPoint(id)
		if !ok {
			f.ClearAssociation(i)
			continue
		}
		for kfID := range mp.Observations() {
			votes[kfID]++
		}
	}
	if len(votes) == 0 && t.lastFrame != nil {
		// Fall back on the previous frame's associations, e.g. right after
		// an IMU-bridged gap.
		for i, id := range t.lastFrame.MapPointIDs {
			if id == 0 || t.lastFrame.Outliers[i] {
				continue
			}
			mp, ok := m.LiveMapPoint(id)
			if !ok {
				continue
			}
			for kfID := range mp.Observations() {
				votes[kfID]++
			}
		}
	}

	type vote struct {
		id    int64
		count int
	}
	ranked := make([]vote, 0, len(votes))
	for id, count := range votes {
		ranked = append(ranked, vote{id: id, count: count})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].id < ranked[j].id
	})

	maxKFs := t.tuning.MaxLocalKeyFrames
	seen := map[int64]bool{}
	t.local.keyFrames = t.local.keyFrames[:0]
	add := func(kf *atlas.KeyFrame) bool {
		if kf == nil || kf.Bad() || seen[kf.ID()] {
			return len(t.local.keyFrames) < maxKFs
		}
		seen[kf.ID()] = true
		t.local.keyFrames = append(t.local.keyFrames, kf)
		return len(t.local.keyFrames) < maxKFs
	}

	var bestKF *atlas.KeyFrame
	for _, v := range ranked {
		kf, ok := m.KeyFrame(v.id)
		if !ok || kf.Bad() {
			continue
		}
		if bestKF == nil {
			bestKF = kf
		}
		if !add(kf) {
			break
		}
	}

	// Pad with neighbors and spanning-tree relatives of the voters.
	for _, kf := range append([]*atlas.KeyFrame(nil), t.local.keyFrames...) {
		if len(t.local.keyFrames) >= maxKFs {
			break
		}
		for _, nb := range kf.BestCovisibilityKeyFrames(10) {
			if !add(nb) {
				break
			}
		}
		if len(t.local.keyFrames) >= maxKFs {
			break
		}
		for _, ch := range kf.Children() {
			if !add(ch) {
				break
			}
		}
		if parent := kf.Parent(); parent != nil {
			if !add(parent) {
				break
			}
		}
	}

	if bestKF != nil {
		t.referenceKF = bestKF
		f.RefKeyFrameID = bestKF.ID()
	}
}

// updateLocalPoints unions the live landmarks observed by the local keyframe
// set.
func (t *Tracker) updateLocalPoints(m *atlas.Map) {
	seen := map[int64]bool{}
	t.local.points = t.local.points[:0]
	for _, kf := range t.local.keyFrames {
		for _, id := range kf.MapPointIDs() {
			if id == 0 || seen[id] {
				continue
			}
			seen[id] = true
			mp, ok := m.LiveMapPoint(id)
			if !ok {
				continue
			}
			t.local.points = append(t.local.points, mp)
		}
	}
}

// searchLocalPoints projects unbound local landmarks into the frame and tries
// to extend the association set before the final refinement.
func (t *Tracker) searchLocalPoints(f *Frame, m *atlas.Map) int {
	bound := map[int64]bool{}
	for i, id := range f.MapPointIDs {
		if id == 0 {
			continue
		}
		mp, ok := m.LiveMapPoint(id)
		if !ok {
			f.ClearAssociation(i)
			continue
		}
		mp.IncreaseVisible(1)
		bound[mp.ID()] = true
	}

	candidates := make([]*atlas.MapPoint, 0, len(t.local.points))
	for _, mp := range t.local.points {
		if mp.Bad() || bound[mp.ID()] {
			continue
		}
		if _, _, _, ok := projectLandmark(f, mp); !ok {
			continue
		}
		mp.IncreaseVisible(1)
		candidates = append(candidates, mp)
	}
	if len(candidates) == 0 {
		return 0
	}

	radiusScale := 1.0
	if t.framesSinceReloc <= 2 {
		// Widen right after relocalization, the pose is less certain.
		radiusScale = 5.0
	}
	return t.matcher.searchByProjection(f, candidates, radiusScale)
}

// trackLocalMap runs local map maintenance and the final pose refinement
// after the initial prediction-based pass. Returns the surviving inlier count
// and whether the frame clears the tracking-ok bar.
func (t *Tracker) trackLocalMap(f *Frame, m *atlas.Map) (int, bool) {
	t.updateLocalMap(f, m)
	t.searchLocalPoints(f, m)

	inliers := optimizePose(f, m, t.tuning.ReprojectionChi2)

	// Reward landmarks that survived refinement.
	for i, id := range f.MapPointIDs {
		if id == 0 || f.Outliers[i] {
			continue
		}
		if mp, ok := m.LiveMapPoint(id); ok {
			mp.IncreaseFound(1)
		}
	}

	t.matchesInliers = inliers
	minInliers := t.tuning.MinInliersForOK
	if t.framesSinceReloc <= t.tuning.MaxFramesBetweenKFs {
		// Hold relocalized tracking to a higher bar before trusting it.
		minInliers = t.tuning.RelocMinInliers
	}
	return inliers, inliers >= minInliers
}
