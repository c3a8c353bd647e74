// Package backend defines the contracts between the tracking front-end and the
// mapping threads (local mapping and loop closing) plus a channel-fed keyframe
// handoff queue that decouples the two.
package backend

import (
	"context"

	"github.com/viam-modules/viam-vislam/atlas"
)

// LocalMapping is what the tracking core needs from the local mapping thread.
// InsertKeyFrame transfers ownership of the keyframe record; after handoff the
// tracker only reads it through the atlas.
type LocalMapping interface {
	// InsertKeyFrame hands a freshly promoted keyframe to the back-end.
	InsertKeyFrame(kf *atlas.KeyFrame)
	// AcceptingKeyFrames reports whether the back-end can take more work right now.
	AcceptingKeyFrames() bool
	// InterruptBA asks the back-end to preempt a running bundle adjustment so an
	// urgent keyframe can be processed.
	InterruptBA()
	// KeyFramesInQueue reports how many handed-off keyframes await processing.
	KeyFramesInQueue() int
	// RequestReset asks the back-end to drop all state and blocks until acknowledged.
	RequestReset(ctx context.Context) error
	// RequestResetActiveMap asks the back-end to drop state tied to one map.
	RequestResetActiveMap(ctx context.Context, m *atlas.Map) error
	// SetOnlyLocalization toggles localization-only mode (no map growth).
	SetOnlyLocalization(enabled bool)
}

// LoopClosing is what the tracking core needs from the loop closing thread.
// Pose corrections themselves are observed through the map change epoch; the
// coarse flag here only tells the tracker a correction is in flight.
type LoopClosing interface {
	RequestReset(ctx context.Context) error
	RequestResetActiveMap(ctx context.Context, m *atlas.Map) error
	// MapBeingCorrected reports whether a loop correction is currently rewriting poses.
	MapBeingCorrected() bool
}
