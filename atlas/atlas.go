package atlas

import "sync"

// Atlas owns possibly multiple concurrent maps. The tracking core queries and extends
// the active one and may request a fresh map after unrecovered tracking loss; older
// maps are retained for later merging by the back-end.
type Atlas struct {
	mu     sync.RWMutex
	maps   []*Map
	active *Map
	nextID int
	ids    idSource
}

// NewAtlas returns an Atlas with one empty active map.
func NewAtlas() *Atlas {
	a := &Atlas{}
	a.active = newMap(a.nextID, &a.ids)
	a.nextID++
	a.maps = append(a.maps, a.active)
	return a
}

// ActiveMap returns the map currently being extended.
func (a *Atlas) ActiveMap() *Map {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.active
}

// CreateNewMap stores the current active map and activates a fresh empty one.
// Identifier issuance continues across maps.
func (a *Atlas) CreateNewMap() *Map {
	a.mu.Lock()
	defer a.mu.Unlock()
	m := newMap(a.nextID, &a.ids)
	a.nextID++
	a.maps = append(a.maps, m)
	a.active = m
	return m
}

// ResetActiveMap clears the active map in place, keeping its identity.
func (a *Atlas) ResetActiveMap() {
	a.mu.RLock()
	m := a.active
	a.mu.RUnlock()
	m.Clear()
}

// Reset drops every map and starts over with a single empty active map.
func (a *Atlas) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.maps = nil
	a.active = newMap(a.nextID, &a.ids)
	a.nextID++
	a.maps = append(a.maps, a.active)
}

// MapCount returns the number of maps held, including the active one.
func (a *Atlas) MapCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.maps)
}

// Maps returns a snapshot of all maps.
func (a *Atlas) Maps() []*Map {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*Map, len(a.maps))
	copy(out, a.maps)
	return out
}
