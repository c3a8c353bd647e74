// Package tracking implements the per-frame tracking core: the state machine,
// the frame pipeline, pose prediction and refinement, local map maintenance,
// keyframe policy and relocalization.
package tracking

// State is the tracking state machine's current regime. Exactly one instance
// exists per tracker; it is mutated only by the tracking goroutine.
type State int

const (
	// StateNotReady means configuration has not been loaded yet.
	StateNotReady State = iota
	// StateNoImagesYet means the tracker is configured but has seen no frame.
	StateNoImagesYet
	// StateNotInitialized means frames arrive but no bootstrap map exists yet.
	StateNotInitialized
	// StateOK means per-frame pose estimation is succeeding against the map.
	StateOK
	// StateOKVisualOdometry means the pose is held by frame-to-frame matching
	// with little support from persistent map points (localization-only mode).
	StateOKVisualOdometry
	// StateRecentlyLost means tracking failed but IMU or short-horizon visual
	// odometry can still bridge the gap, within a bounded time budget.
	StateRecentlyLost
	// StateLost means the budget expired; only relocalization or a fresh map
	// can recover.
	StateLost
)

func (s State) String() string {
	switch s {
	case StateNotReady:
		return "not_ready"
	case StateNoImagesYet:
		return "no_images_yet"
	case StateNotInitialized:
		return "not_initialized"
	case StateOK:
		return "ok"
	case StateOKVisualOdometry:
		return "ok_visual_odometry"
	case StateRecentlyLost:
		return "recently_lost"
	case StateLost:
		return "lost"
	}
	return "unknown"
}

// IsTracking reports whether the state carries a usable pose.
func (s State) IsTracking() bool {
	return s == StateOK || s == StateOKVisualOdometry
}

// Outcome summarizes what happened while processing one frame. The pipeline
// fills it in and nextState folds it into the state machine; keeping the
// transition rule a pure function keeps it testable without image processing.
type Outcome struct {
	// FrameReceived is set for every processed frame.
	FrameReceived bool
	// Initialized is set when a bootstrap map was produced this frame.
	Initialized bool
	// TrackedOK is set when pose estimation met the inlier threshold.
	TrackedOK bool
	// VisualOdometry is set when the pose is supported mostly by temporal
	// points rather than persistent map points.
	VisualOdometry bool
	// CanBridge is set when IMU prediction or short-horizon visual odometry
	// can hold the pose through a tracking failure.
	CanBridge bool
	// Relocalized is set when relocalization succeeded this frame.
	Relocalized bool
	// BudgetExpired is set when the recently-lost time budget ran out.
	BudgetExpired bool
	// NewMapStarted is set when loss policy began a fresh map this frame.
	NewMapStarted bool
}

// nextState is the full transition rule of the tracking state machine. Every
// frame takes exactly one top-level transition; no transition is skipped.
func nextState(s State, o Outcome) State {
	switch s {
	case StateNotReady:
		return StateNotReady
	case StateNoImagesYet:
		if o.FrameReceived {
			return StateNotInitialized
		}
		return StateNoImagesYet
	case StateNotInitialized:
		if o.Initialized {
			return StateOK
		}
		return StateNotInitialized
	case StateOK, StateOKVisualOdometry:
		if o.TrackedOK {
			if o.VisualOdometry {
				return StateOKVisualOdometry
			}
			return StateOK
		}
		if o.CanBridge {
			return StateRecentlyLost
		}
		return StateLost
	case StateRecentlyLost:
		if o.TrackedOK || o.Relocalized {
			return StateOK
		}
		if o.BudgetExpired {
			return StateLost
		}
		return StateRecentlyLost
	case StateLost:
		if o.Relocalized {
			return StateOK
		}
		if o.NewMapStarted {
			return StateNotInitialized
		}
		return StateLost
	}
	return s
}
