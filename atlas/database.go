package atlas

import "github.com/viam-modules/viam-vislam/sensors"

// KeyFrameDatabase is the place-recognition index consulted for relocalization.
// Implementations are external to this module; candidates are scored by appearance
// similarity to the query descriptors and restricted to the given map.
type KeyFrameDatabase interface {
	// Add indexes a keyframe after it is inserted into the map.
	Add(kf *KeyFrame)
	// Erase drops a culled keyframe from the index.
	Erase(kf *KeyFrame)
	// DetectRelocalizationCandidates returns keyframes of m whose appearance is
	// similar to the query, best first. An empty result is a normal outcome.
	DetectRelocalizationCandidates(query []sensors.Descriptor, m *Map) []*KeyFrame
}
