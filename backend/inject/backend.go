// Package inject provides injectable mocks of the back-end contracts for testing.
package inject

import (
	"context"

	"github.com/viam-modules/viam-vislam/atlas"
)

// LocalMapping is an injectable mock of backend.LocalMapping.
type LocalMapping struct {
	InsertKeyFrameFunc        func(kf *atlas.KeyFrame)
	AcceptingKeyFramesFunc    func() bool
	InterruptBAFunc           func()
	KeyFramesInQueueFunc      func() int
	RequestResetFunc          func(ctx context.Context) error
	RequestResetActiveMapFunc func(ctx context.Context, m *atlas.Map) error
	SetOnlyLocalizationFunc   func(enabled bool)
}

// InsertKeyFrame calls the injected InsertKeyFrameFunc or does nothing.
func (lm *LocalMapping) InsertKeyFrame(kf *atlas.KeyFrame) {
	if lm.InsertKeyFrameFunc == nil {
		return
	}
	lm.InsertKeyFrameFunc(kf)
}

// AcceptingKeyFrames calls the injected AcceptingKeyFramesFunc or returns true.
func (lm *LocalMapping) AcceptingKeyFrames() bool {
	if lm.AcceptingKeyFramesFunc == nil {
		return true
	}
	return lm.AcceptingKeyFramesFunc()
}

// InterruptBA calls the injected InterruptBAFunc or does nothing.
func (lm *LocalMapping) InterruptBA() {
	if lm.InterruptBAFunc == nil {
		return
	}
	lm.InterruptBAFunc()
}

// KeyFramesInQueue calls the injected KeyFramesInQueueFunc or returns zero.
func (lm *LocalMapping) KeyFramesInQueue() int {
	if lm.KeyFramesInQueueFunc == nil {
		return 0
	}
	return lm.KeyFramesInQueueFunc()
}

// RequestReset calls the injected RequestResetFunc or returns nil.
func (lm *LocalMapping) RequestReset(ctx context.Context) error {
	if lm.RequestResetFunc == nil {
		return nil
	}
	return lm.RequestResetFunc(ctx)
}

// RequestResetActiveMap calls the injected RequestResetActiveMapFunc or returns nil.
func (lm *LocalMapping) RequestResetActiveMap(ctx context.Context, m *atlas.Map) error {
	if lm.RequestResetActiveMapFunc == nil {
		return nil
	}
	return lm.RequestResetActiveMapFunc(ctx, m)
}

// SetOnlyLocalization calls the injected SetOnlyLocalizationFunc or does nothing.
func (lm *LocalMapping) SetOnlyLocalization(enabled bool) {
	if lm.SetOnlyLocalizationFunc == nil {
		return
	}
	lm.SetOnlyLocalizationFunc(enabled)
}

// LoopClosing is an injectable mock of backend.LoopClosing.
type LoopClosing struct {
	RequestResetFunc          func(ctx context.Context) error
	RequestResetActiveMapFunc func(ctx context.Context, m *atlas.Map) error
	MapBeingCorrectedFunc     func() bool
}

// RequestReset calls the injected RequestResetFunc or returns nil.
func (lc *LoopClosing) RequestReset(ctx context.Context) error {
	if lc.RequestResetFunc == nil {
		return nil
	}
	return lc.RequestResetFunc(ctx)
}

// RequestResetActiveMap calls the injected RequestResetActiveMapFunc or returns nil.
func (lc *LoopClosing) RequestResetActiveMap(ctx context.Context, m *atlas.Map) error {
	if lc.RequestResetActiveMapFunc == nil {
		return nil
	}
	return lc.RequestResetActiveMapFunc(ctx, m)
}

// MapBeingCorrected calls the injected MapBeingCorrectedFunc or returns false.
func (lc *LoopClosing) MapBeingCorrected() bool {
	if lc.MapBeingCorrectedFunc == nil {
		return false
	}
	return lc.MapBeingCorrectedFunc()
}
