package tracking

import (
	"github.com/viam-modules/viam-vislam/atlas"
)

// relocalize queries the place-recognition database and tries each candidate
// keyframe independently: descriptor correspondence, then a robust geometric
// pose solve seeded from the candidate's pose, then a widened projection pass
// when the first solve is short on inliers. The first candidate clearing both
// the minimum-inlier and minimum-support thresholds wins. Exhausting all
// candidates is a normal failure; the state machine simply stays lost.
func (t *Tracker) relocalize(f *Frame, m *atlas.Map) bool {
	if t.kfDB == nil {
		return false
	}
	candidates := t.kfDB.DetectRelocalizationCandidates(f.Descriptors, m)
	if len(candidates) == 0 {
		return false
	}

	for _, kf := range candidates {
		if kf == nil || kf.Bad() {
			continue
		}

		// Reset associations from any previous candidate attempt.
		for i := range f.MapPointIDs {
			f.ClearAssociation(i)
		}

		matches := t.matcher.searchKeyFrame(f, kf, m)
		if matches < t.tuning.RelocMinMatches {
			continue
		}

		f.SetPoseCW(kf.PoseCW())
		inliers := optimizePose(f, m, t.tuning.ReprojectionChi2)
		if inliers < t.tuning.RelocMinInliers {
			// Pull in more support by projecting the candidate's landmarks
			// under the refined pose, then solve again.
			extra := t.projectCandidatePoints(f, kf, m)
			if inliers+extra < t.tuning.RelocMinInliers {
				continue
			}
			inliers = optimizePose(f, m, t.tuning.ReprojectionChi2)
		}
		if inliers < t.tuning.RelocMinInliers {
			continue
		}

		t.framesSinceReloc = 0
		t.referenceKF = kf
		f.RefKeyFrameID = kf.ID()
		t.velocityValid = false
		t.matchesInliers = inliers
		t.relocFailCount = 0
		t.logger.Infow("relocalized",
			"keyframe_id", kf.ID(), "inliers", inliers)
		return true
	}

	return false
}

// projectCandidatePoints widens a near-miss relocalization attempt with a
// projection search over the candidate keyframe's landmarks.
func (t *Tracker) projectCandidatePoints(f *Frame, kf *atlas.KeyFrame, m *atlas.Map) int {
	var candidates []*atlas.MapPoint
	for _, id := range kf.MapPointIDs() {
		if id == 0 {
			continue
		}
		if mp, ok := m.LiveMapPoint(id); ok {
			candidates = append(candidates, mp)
		}
	}
	return t.matcher.searchByProjection(f, candidates, 3.0)
}
