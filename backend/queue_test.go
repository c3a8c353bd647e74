package backend

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"

	"github.com/viam-modules/viam-vislam/atlas"
	"github.com/viam-modules/viam-vislam/sensors"
)

type fakeProcessor struct {
	mu        sync.Mutex
	processed []int64
	resets    int
	mapResets int
	block     chan struct{}
	err       error
}

func (p *fakeProcessor) ProcessKeyFrame(kf *atlas.KeyFrame) error {
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.processed = append(p.processed, kf.ID())
	return p.err
}

func (p *fakeProcessor) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resets++
	return p.err
}

func (p *fakeProcessor) ResetMap(m *atlas.Map) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mapResets++
	return p.err
}

func (p *fakeProcessor) processedIDs() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int64, len(p.processed))
	copy(out, p.processed)
	return out
}

func newTestKeyFrame(t *testing.T, m *atlas.Map, frameID int64) *atlas.KeyFrame {
	t.Helper()
	cam := sensors.NewCamera(450, 450, 320, 240, 640, 480)
	return m.NewKeyFrame(atlas.KeyFrameSeed{
		FrameID:     frameID,
		Timestamp:   time.Now(),
		PoseCW:      nil,
		Keypoints:   []sensors.Keypoint{{X: 1, Y: 1, RightX: -1, Depth: -1}},
		Descriptors: []sensors.Descriptor{{1, 2, 3, 4}},
		MapPointIDs: make([]int64, 1),
		Camera:      cam,
	})
}

func TestQueueProcessesKeyFrames(t *testing.T) {
	logger := logging.NewTestLogger(t)
	proc := &fakeProcessor{}
	q := NewQueue(proc, time.Second, logger)

	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	var workers sync.WaitGroup
	q.StartWorker(cancelCtx, &workers)

	a := atlas.NewAtlas()
	m := a.ActiveMap()
	kf1 := newTestKeyFrame(t, m, 1)
	kf2 := newTestKeyFrame(t, m, 2)
	q.InsertKeyFrame(kf1)
	q.InsertKeyFrame(kf2)

	deadline := time.Now().Add(time.Second)
	for q.KeyFramesInQueue() > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	test.That(t, q.KeyFramesInQueue(), test.ShouldEqual, 0)
	test.That(t, proc.processedIDs(), test.ShouldResemble, []int64{kf1.ID(), kf2.ID()})
	test.That(t, q.AcceptingKeyFrames(), test.ShouldBeTrue)

	cancelFunc()
	workers.Wait()
}

func TestQueueBackpressure(t *testing.T) {
	logger := logging.NewTestLogger(t)
	proc := &fakeProcessor{block: make(chan struct{})}
	q := NewQueue(proc, time.Second, logger)

	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	var workers sync.WaitGroup
	q.StartWorker(cancelCtx, &workers)

	a := atlas.NewAtlas()
	m := a.ActiveMap()
	// The worker blocks on the first keyframe; the rest fill the buffer.
	for i := 0; i < defaultQueueDepth+2; i++ {
		q.InsertKeyFrame(newTestKeyFrame(t, m, int64(i+1)))
	}
	test.That(t, q.AcceptingKeyFrames(), test.ShouldBeFalse)

	close(proc.block)
	deadline := time.Now().Add(time.Second)
	for q.KeyFramesInQueue() > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	test.That(t, q.AcceptingKeyFrames(), test.ShouldBeTrue)

	cancelFunc()
	workers.Wait()
}

func TestQueueResetRoundTrip(t *testing.T) {
	logger := logging.NewTestLogger(t)
	proc := &fakeProcessor{}
	q := NewQueue(proc, time.Second, logger)

	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	var workers sync.WaitGroup
	q.StartWorker(cancelCtx, &workers)

	test.That(t, q.RequestReset(context.Background()), test.ShouldBeNil)
	a := atlas.NewAtlas()
	test.That(t, q.RequestResetActiveMap(context.Background(), a.ActiveMap()), test.ShouldBeNil)

	proc.mu.Lock()
	resets, mapResets := proc.resets, proc.mapResets
	proc.mu.Unlock()
	test.That(t, resets, test.ShouldEqual, 1)
	test.That(t, mapResets, test.ShouldEqual, 1)

	cancelFunc()
	workers.Wait()
}

func TestQueueResetError(t *testing.T) {
	logger := logging.NewTestLogger(t)
	proc := &fakeProcessor{err: errors.New("backend broken")}
	q := NewQueue(proc, time.Second, logger)

	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	var workers sync.WaitGroup
	q.StartWorker(cancelCtx, &workers)

	err := q.RequestReset(context.Background())
	test.That(t, err, test.ShouldBeError, proc.err)

	cancelFunc()
	workers.Wait()
}

func TestQueueResetTimeout(t *testing.T) {
	logger := logging.NewTestLogger(t)
	proc := &fakeProcessor{}
	q := NewQueue(proc, 50*time.Millisecond, logger)

	// No worker running; the synchronous request times out on write.
	err := q.RequestReset(context.Background())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "timeout")
}

func TestQueueOnlyLocalization(t *testing.T) {
	logger := logging.NewTestLogger(t)
	proc := &fakeProcessor{}
	q := NewQueue(proc, time.Second, logger)

	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	var workers sync.WaitGroup
	q.StartWorker(cancelCtx, &workers)

	q.SetOnlyLocalization(true)
	test.That(t, q.AcceptingKeyFrames(), test.ShouldBeFalse)

	a := atlas.NewAtlas()
	q.InsertKeyFrame(newTestKeyFrame(t, a.ActiveMap(), 1))
	time.Sleep(20 * time.Millisecond)
	test.That(t, len(proc.processedIDs()), test.ShouldEqual, 0)

	q.SetOnlyLocalization(false)
	test.That(t, q.AcceptingKeyFrames(), test.ShouldBeTrue)

	cancelFunc()
	workers.Wait()
}

func TestQueueInterruptBA(t *testing.T) {
	logger := logging.NewTestLogger(t)
	proc := &fakeProcessor{}
	q := NewQueue(proc, time.Second, logger)

	test.That(t, q.BAInterrupted(), test.ShouldBeFalse)
	q.InterruptBA()
	test.That(t, q.BAInterrupted(), test.ShouldBeTrue)

	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	var workers sync.WaitGroup
	q.StartWorker(cancelCtx, &workers)

	// Starting a keyframe clears the interrupt.
	a := atlas.NewAtlas()
	q.InsertKeyFrame(newTestKeyFrame(t, a.ActiveMap(), 1))
	deadline := time.Now().Add(time.Second)
	for q.KeyFramesInQueue() > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	test.That(t, q.BAInterrupted(), test.ShouldBeFalse)

	cancelFunc()
	workers.Wait()
}
