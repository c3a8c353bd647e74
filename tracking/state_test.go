package tracking

import (
	"testing"

	"go.viam.com/test"
)

func TestNextState(t *testing.T) {
	for _, tc := range []struct {
		name    string
		state   State
		outcome Outcome
		want    State
	}{
		{"not ready stays put", StateNotReady, Outcome{FrameReceived: true}, StateNotReady},
		{"first frame arms initialization", StateNoImagesYet, Outcome{FrameReceived: true}, StateNotInitialized},
		{"bootstrap failure retries", StateNotInitialized, Outcome{FrameReceived: true}, StateNotInitialized},
		{"bootstrap success starts tracking", StateNotInitialized, Outcome{FrameReceived: true, Initialized: true}, StateOK},
		{"ok continues ok", StateOK, Outcome{FrameReceived: true, TrackedOK: true}, StateOK},
		{"ok degrades to visual odometry", StateOK, Outcome{FrameReceived: true, TrackedOK: true, VisualOdometry: true}, StateOKVisualOdometry},
		{"visual odometry recovers", StateOKVisualOdometry, Outcome{FrameReceived: true, TrackedOK: true}, StateOK},
		{"ok with bridge degrades to recently lost", StateOK, Outcome{FrameReceived: true, CanBridge: true}, StateRecentlyLost},
		{"ok without bridge drops to lost", StateOK, Outcome{FrameReceived: true}, StateLost},
		{"recently lost holds within budget", StateRecentlyLost, Outcome{FrameReceived: true}, StateRecentlyLost},
		{"recently lost recovers by relocalization", StateRecentlyLost, Outcome{FrameReceived: true, Relocalized: true}, StateOK},
		{"recently lost recovers by tracking", StateRecentlyLost, Outcome{FrameReceived: true, TrackedOK: true}, StateOK},
		{"recently lost expires to lost", StateRecentlyLost, Outcome{FrameReceived: true, BudgetExpired: true}, StateLost},
		{"lost stays lost", StateLost, Outcome{FrameReceived: true}, StateLost},
		{"lost recovers by relocalization", StateLost, Outcome{FrameReceived: true, Relocalized: true}, StateOK},
		{"lost starts a fresh map", StateLost, Outcome{FrameReceived: true, NewMapStarted: true}, StateNotInitialized},
	} {
		t.Run(tc.name, func(t *testing.T) {
			test.That(t, nextState(tc.state, tc.outcome), test.ShouldEqual, tc.want)
		})
	}
}

func TestStateString(t *testing.T) {
	test.That(t, StateOK.String(), test.ShouldEqual, "ok")
	test.That(t, StateRecentlyLost.String(), test.ShouldEqual, "recently_lost")
	test.That(t, StateOK.IsTracking(), test.ShouldBeTrue)
	test.That(t, StateOKVisualOdometry.IsTracking(), test.ShouldBeTrue)
	test.That(t, StateLost.IsTracking(), test.ShouldBeFalse)
}
