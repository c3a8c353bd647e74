package atlas

import (
	"sort"
	"sync"
	"time"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"

	"github.com/viam-modules/viam-vislam/imu"
	"github.com/viam-modules/viam-vislam/sensors"
)

// Covisibility edges below this weight are not recorded, except the single strongest
// edge of an otherwise isolated keyframe.
const covisibilityWeightThreshold = 15

// KeyFrameSeed carries everything needed to promote a tracked frame into permanent
// map structure.
type KeyFrameSeed struct {
	FrameID     int64
	Timestamp   time.Time
	PoseCW      spatialmath.Pose
	Keypoints   []sensors.Keypoint
	Descriptors []sensors.Descriptor
	MapPointIDs []int64
	Camera      *sensors.Camera

	Velocity      r3.Vector
	Bias          imu.Bias
	Preintegrated *imu.Preintegrated
}

// KeyFrame is the durable promotion of a Frame into map structure. It participates in
// the covisibility graph and the essential spanning tree; it is destroyed only by
// back-end culling, never by the tracking core.
type KeyFrame struct {
	id        int64
	frameID   int64
	timestamp time.Time
	m         *Map
	camera    *sensors.Camera

	mu          sync.RWMutex
	poseCW      spatialmath.Pose
	keypoints   []sensors.Keypoint
	descriptors []sensors.Descriptor
	mapPoints   []int64

	velocity r3.Vector
	bias     imu.Bias
	pre      *imu.Preintegrated
	prev     *KeyFrame

	connections     map[int64]int
	orderedNeighbor []int64
	parent          *KeyFrame
	children        map[int64]*KeyFrame
	firstConnection bool

	bad bool
}

// ID returns the keyframe identifier, unique across all maps of an Atlas.
func (kf *KeyFrame) ID() int64 { return kf.id }

// FrameID returns the identifier of the frame this keyframe was promoted from.
func (kf *KeyFrame) FrameID() int64 { return kf.frameID }

// Timestamp returns the capture time.
func (kf *KeyFrame) Timestamp() time.Time { return kf.timestamp }

// Camera returns the calibration this keyframe was captured with.
func (kf *KeyFrame) Camera() *sensors.Camera { return kf.camera }

// PoseCW returns the camera-from-world pose.
func (kf *KeyFrame) PoseCW() spatialmath.Pose {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	return kf.poseCW
}

// SetPoseCW updates the pose. Called by the back-end after optimization.
func (kf *KeyFrame) SetPoseCW(p spatialmath.Pose) {
	kf.mu.Lock()
	kf.poseCW = p
	kf.mu.Unlock()
	kf.m.BumpChange()
}

// PoseWC returns the world-from-camera pose.
func (kf *KeyFrame) PoseWC() spatialmath.Pose {
	return spatialmath.PoseInverse(kf.PoseCW())
}

// CameraCenter returns the optical center in world coordinates.
func (kf *KeyFrame) CameraCenter() r3.Vector {
	return kf.PoseWC().Point()
}

// KeypointCount returns the number of extracted keypoints.
func (kf *KeyFrame) KeypointCount() int {
	return len(kf.keypoints)
}

// Keypoint returns the keypoint at index i. Keypoints are immutable after promotion.
func (kf *KeyFrame) Keypoint(i int) sensors.Keypoint {
	return kf.keypoints[i]
}

// Descriptor returns the descriptor at index i, nil when out of range.
func (kf *KeyFrame) Descriptor(i int) sensors.Descriptor {
	if i < 0 || i >= len(kf.descriptors) {
		return nil
	}
	return kf.descriptors[i]
}

// Descriptors returns the full descriptor set, used for place-recognition queries.
func (kf *KeyFrame) Descriptors() []sensors.Descriptor {
	return kf.descriptors
}

// MapPointID returns the landmark associated with keypoint i, zero when unmatched.
func (kf *KeyFrame) MapPointID(i int) int64 {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	if i < 0 || i >= len(kf.mapPoints) {
		return 0
	}
	return kf.mapPoints[i]
}

// SetMapPoint associates keypoint i with a landmark (zero clears the slot).
func (kf *KeyFrame) SetMapPoint(i int, mpID int64) {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	if i < 0 || i >= len(kf.mapPoints) {
		return
	}
	kf.mapPoints[i] = mpID
}

// MapPointIDs returns a copy of the per-keypoint association array.
func (kf *KeyFrame) MapPointIDs() []int64 {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	out := make([]int64, len(kf.mapPoints))
	copy(out, kf.mapPoints)
	return out
}

// TrackedMapPoints counts live associated landmarks with at least minObs observations.
func (kf *KeyFrame) TrackedMapPoints(minObs int) int {
	ids := kf.MapPointIDs()
	n := 0
	for _, id := range ids {
		if id == 0 {
			continue
		}
		mp, ok := kf.m.LiveMapPoint(id)
		if !ok {
			continue
		}
		if mp.ObservationCount() >= minObs {
			n++
		}
	}
	return n
}

// Velocity returns the inertial velocity estimate at this keyframe.
func (kf *KeyFrame) Velocity() r3.Vector {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	return kf.velocity
}

// SetVelocity updates the inertial velocity estimate.
func (kf *KeyFrame) SetVelocity(v r3.Vector) {
	kf.mu.Lock()
	kf.velocity = v
	kf.mu.Unlock()
}

// Bias returns the IMU bias estimate at this keyframe.
func (kf *KeyFrame) Bias() imu.Bias {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	return kf.bias
}

// SetBias updates the IMU bias estimate and propagates it into the attached
// preintegrated edge.
func (kf *KeyFrame) SetBias(b imu.Bias) {
	kf.mu.Lock()
	kf.bias = b
	pre := kf.pre
	kf.mu.Unlock()
	if pre != nil {
		pre.SetNewBias(b)
	}
}

// Preintegrated returns the inertial edge from the previous keyframe, nil for
// non-inertial rigs and for the first keyframe of a map.
func (kf *KeyFrame) Preintegrated() *imu.Preintegrated {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	return kf.pre
}

// Prev returns the previous keyframe in the inertial chain.
func (kf *KeyFrame) Prev() *KeyFrame {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	return kf.prev
}

// SetPrev links this keyframe to its predecessor in the inertial chain.
func (kf *KeyFrame) SetPrev(prev *KeyFrame) {
	kf.mu.Lock()
	kf.prev = prev
	kf.mu.Unlock()
}

// Bad reports whether the keyframe has been culled by the back-end.
func (kf *KeyFrame) Bad() bool {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	return kf.bad
}

// SetBad flags the keyframe culled and reparents its spanning-tree children to its
// parent. The map origin keyframe can never go bad.
func (kf *KeyFrame) SetBad() {
	if kf.m.OriginKeyFrameID() == kf.id {
		return
	}
	kf.mu.Lock()
	if kf.bad {
		kf.mu.Unlock()
		return
	}
	kf.bad = true
	parent := kf.parent
	children := kf.children
	kf.children = map[int64]*KeyFrame{}
	kf.connections = map[int64]int{}
	kf.orderedNeighbor = nil
	kf.mu.Unlock()

	for _, child := range children {
		child.SetParent(parent)
	}
	if parent != nil {
		parent.eraseChild(kf.id)
	}
	kf.m.BumpChange()
}

// Parent returns the essential spanning-tree parent.
func (kf *KeyFrame) Parent() *KeyFrame {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	return kf.parent
}

// SetParent reparents this keyframe in the spanning tree.
func (kf *KeyFrame) SetParent(parent *KeyFrame) {
	if parent != nil && parent.id == kf.id {
		return
	}
	kf.mu.Lock()
	old := kf.parent
	kf.parent = parent
	kf.mu.Unlock()
	if old != nil {
		old.eraseChild(kf.id)
	}
	if parent != nil {
		parent.addChild(kf)
	}
}

// Children returns the spanning-tree children.
func (kf *KeyFrame) Children() []*KeyFrame {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	out := make([]*KeyFrame, 0, len(kf.children))
	for _, c := range kf.children {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (kf *KeyFrame) addChild(child *KeyFrame) {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	if kf.children == nil {
		kf.children = map[int64]*KeyFrame{}
	}
	kf.children[child.id] = child
}

func (kf *KeyFrame) eraseChild(id int64) {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	delete(kf.children, id)
}

// Weight returns the covisibility weight to another keyframe, zero when unconnected.
func (kf *KeyFrame) Weight(other int64) int {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	return kf.connections[other]
}

// UpdateConnections recomputes the covisibility edges of this keyframe from its current
// landmark associations, updates the neighbors symmetrically and attaches the keyframe
// to the spanning tree on its first connection.
func (kf *KeyFrame) UpdateConnections() {
	counter := map[int64]int{}
	for _, mpID := range kf.MapPointIDs() {
		if mpID == 0 {
			continue
		}
		mp, ok := kf.m.LiveMapPoint(mpID)
		if !ok {
			continue
		}
		for obsKF := range mp.Observations() {
			if obsKF == kf.id {
				continue
			}
			counter[obsKF]++
		}
	}
	if len(counter) == 0 {
		return
	}

	// Keep edges above the threshold; always keep the single strongest edge so no
	// keyframe is left disconnected. Ties break toward the lower identifier for
	// deterministic local-map construction.
	bestID := int64(0)
	bestWeight := 0
	kept := map[int64]int{}
	for id, w := range counter {
		if w > bestWeight || (w == bestWeight && (bestID == 0 || id < bestID)) {
			bestID = id
			bestWeight = w
		}
		if w >= covisibilityWeightThreshold {
			kept[id] = w
		}
	}
	if len(kept) == 0 {
		kept[bestID] = bestWeight
	}

	ordered := make([]int64, 0, len(kept))
	for id := range kept {
		ordered = append(ordered, id)
	}
	sort.Slice(ordered, func(i, j int) bool {
		wi, wj := kept[ordered[i]], kept[ordered[j]]
		if wi != wj {
			return wi > wj
		}
		return ordered[i] < ordered[j]
	})

	for id, w := range kept {
		if other, ok := kf.m.KeyFrame(id); ok {
			other.addConnection(kf.id, w)
		}
	}

	kf.mu.Lock()
	kf.connections = kept
	kf.orderedNeighbor = ordered
	attachParent := kf.firstConnection && kf.m.OriginKeyFrameID() != kf.id
	kf.mu.Unlock()

	if attachParent {
		if parent, ok := kf.m.KeyFrame(bestID); ok {
			kf.SetParent(parent)
			kf.mu.Lock()
			kf.firstConnection = false
			kf.mu.Unlock()
		}
	}
}

func (kf *KeyFrame) addConnection(id int64, weight int) {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	if kf.connections == nil {
		kf.connections = map[int64]int{}
	}
	kf.connections[id] = weight
	kf.reorderLocked()
}

func (kf *KeyFrame) reorderLocked() {
	ordered := make([]int64, 0, len(kf.connections))
	for id := range kf.connections {
		ordered = append(ordered, id)
	}
	sort.Slice(ordered, func(i, j int) bool {
		wi, wj := kf.connections[ordered[i]], kf.connections[ordered[j]]
		if wi != wj {
			return wi > wj
		}
		return ordered[i] < ordered[j]
	})
	kf.orderedNeighbor = ordered
}

// BestCovisibilityKeyFrames returns up to n covisibility neighbors ordered by weight,
// ties broken by lower keyframe identifier.
func (kf *KeyFrame) BestCovisibilityKeyFrames(n int) []*KeyFrame {
	kf.mu.RLock()
	ids := make([]int64, len(kf.orderedNeighbor))
	copy(ids, kf.orderedNeighbor)
	kf.mu.RUnlock()

	out := make([]*KeyFrame, 0, n)
	for _, id := range ids {
		if len(out) >= n {
			break
		}
		other, ok := kf.m.KeyFrame(id)
		if !ok || other.Bad() {
			continue
		}
		out = append(out, other)
	}
	return out
}
