package atlas

import (
	"sync"
	"sync/atomic"

	"github.com/golang/geo/r3"

	"github.com/viam-modules/viam-vislam/sensors"
)

// idSource issues identifiers shared by every map of one Atlas, so keyframe and
// landmark IDs stay unique across map switches.
type idSource struct {
	kf int64
	mp int64
}

func (s *idSource) nextKF() int64 { return atomic.AddInt64(&s.kf, 1) }
func (s *idSource) nextMP() int64 { return atomic.AddInt64(&s.mp, 1) }

// Map is one session's arena of keyframes and landmarks. Back-end threads mutate it
// concurrently with tracking; every mutation bumps the change index so the tracking
// thread can detect staleness without fine-grained locking.
type Map struct {
	id  int
	ids *idSource

	mu        sync.RWMutex
	keyframes map[int64]*KeyFrame
	mappoints map[int64]*MapPoint
	originKF  int64

	imuInitialized atomic.Bool
	changeIndex    atomic.Uint64
}

func newMap(id int, ids *idSource) *Map {
	return &Map{
		id:        id,
		ids:       ids,
		keyframes: map[int64]*KeyFrame{},
		mappoints: map[int64]*MapPoint{},
	}
}

// ID returns the map identifier within its Atlas.
func (m *Map) ID() int { return m.id }

// ChangeIndex returns the current mutation epoch. Tracking caches the value each cycle
// and refreshes its local cache whenever the authoritative value moved.
func (m *Map) ChangeIndex() uint64 {
	return m.changeIndex.Load()
}

// BumpChange advances the mutation epoch.
func (m *Map) BumpChange() {
	m.changeIndex.Add(1)
}

// IMUInitialized reports whether scale and gravity are observable in this map.
func (m *Map) IMUInitialized() bool {
	return m.imuInitialized.Load()
}

// SetIMUInitialized marks the inertial bootstrap complete.
func (m *Map) SetIMUInitialized() {
	m.imuInitialized.Store(true)
}

// NewKeyFrame promotes a frame snapshot into a keyframe owned by this map.
func (m *Map) NewKeyFrame(seed KeyFrameSeed) *KeyFrame {
	mpIDs := make([]int64, len(seed.Keypoints))
	copy(mpIDs, seed.MapPointIDs)

	kf := &KeyFrame{
		id:              m.ids.nextKF(),
		frameID:         seed.FrameID,
		timestamp:       seed.Timestamp,
		m:               m,
		camera:          seed.Camera,
		poseCW:          seed.PoseCW,
		keypoints:       seed.Keypoints,
		descriptors:     seed.Descriptors,
		mapPoints:       mpIDs,
		velocity:        seed.Velocity,
		bias:            seed.Bias,
		pre:             seed.Preintegrated,
		connections:     map[int64]int{},
		children:        map[int64]*KeyFrame{},
		firstConnection: true,
	}

	m.mu.Lock()
	if len(m.keyframes) == 0 {
		m.originKF = kf.id
	}
	m.keyframes[kf.id] = kf
	m.mu.Unlock()
	m.BumpChange()
	return kf
}

// NewMapPoint creates a landmark at the given position referenced by refKF.
func (m *Map) NewMapPoint(pos r3.Vector, refKF int64, descriptor sensors.Descriptor) *MapPoint {
	mp := &MapPoint{
		id:           m.ids.nextMP(),
		m:            m,
		position:     pos,
		descriptor:   descriptor,
		observations: map[int64]int{},
		refKF:        refKF,
		firstKFID:    refKF,
	}

	m.mu.Lock()
	m.mappoints[mp.id] = mp
	m.mu.Unlock()
	m.BumpChange()
	return mp
}

// KeyFrame looks up a keyframe by identifier.
func (m *Map) KeyFrame(id int64) (*KeyFrame, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	kf, ok := m.keyframes[id]
	return kf, ok
}

// MapPoint looks up a landmark by identifier, bad or not.
func (m *Map) MapPoint(id int64) (*MapPoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mp, ok := m.mappoints[id]
	return mp, ok
}

// LiveMapPoint resolves an identifier to a live landmark, following fusion
// replacements. Readers must use this each cycle: the back-end may have flagged the
// point bad since the last read.
func (m *Map) LiveMapPoint(id int64) (*MapPoint, bool) {
	mp, ok := m.MapPoint(id)
	if !ok {
		return nil, false
	}
	if rep := mp.Replaced(); rep != nil {
		mp = rep
	}
	if mp.Bad() {
		return nil, false
	}
	return mp, true
}

// KeyFrames returns a snapshot of all live keyframes.
func (m *Map) KeyFrames() []*KeyFrame {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*KeyFrame, 0, len(m.keyframes))
	for _, kf := range m.keyframes {
		if !kf.Bad() {
			out = append(out, kf)
		}
	}
	return out
}

// MapPoints returns a snapshot of all live landmarks.
func (m *Map) MapPoints() []*MapPoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*MapPoint, 0, len(m.mappoints))
	for _, mp := range m.mappoints {
		if !mp.Bad() {
			out = append(out, mp)
		}
	}
	return out
}

// KeyFrameCount returns the number of live keyframes.
func (m *Map) KeyFrameCount() int {
	return len(m.KeyFrames())
}

// MapPointCount returns the number of live landmarks.
func (m *Map) MapPointCount() int {
	return len(m.MapPoints())
}

// OriginKeyFrameID returns the identifier of the map's first keyframe.
func (m *Map) OriginKeyFrameID() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.originKF
}

// MaxKeyFrameID returns the largest keyframe identifier present.
func (m *Map) MaxKeyFrameID() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var max int64
	for id := range m.keyframes {
		if id > max {
			max = id
		}
	}
	return max
}

// EraseKeyFrame removes a culled keyframe record. Back-end write path only.
func (m *Map) EraseKeyFrame(id int64) {
	m.mu.Lock()
	delete(m.keyframes, id)
	m.mu.Unlock()
	m.BumpChange()
}

// EraseMapPoint removes a culled landmark record. Back-end write path only.
func (m *Map) EraseMapPoint(id int64) {
	m.mu.Lock()
	delete(m.mappoints, id)
	m.mu.Unlock()
	m.BumpChange()
}

// Clear drops all contents of the map.
func (m *Map) Clear() {
	m.mu.Lock()
	m.keyframes = map[int64]*KeyFrame{}
	m.mappoints = map[int64]*MapPoint{}
	m.originKF = 0
	m.mu.Unlock()
	m.imuInitialized.Store(false)
	m.BumpChange()
}
