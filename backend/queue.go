package backend

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"

	"github.com/viam-modules/viam-vislam/atlas"
)

// defaultQueueDepth bounds how many keyframes may await processing before the
// queue stops accepting; the tracker reacts by relaxing its keyframe policy.
const defaultQueueDepth = 3

// requestType identifies one piece of work handed to the back-end goroutine.
type requestType int64

const (
	processKeyFrame requestType = iota
	resetAll
	resetMap
)

// response carries the outcome of one request back to the caller.
type response struct {
	err error
}

// request pairs work with the channel its outcome is reported on. Keyframe
// handoffs are fire-and-forget and carry a nil responseChan.
type request struct {
	responseChan chan response
	requestType  requestType
	keyframe     *atlas.KeyFrame
	targetMap    *atlas.Map
}

// Processor is the back-end implementation the queue serializes calls into.
type Processor interface {
	ProcessKeyFrame(kf *atlas.KeyFrame) error
	Reset() error
	ResetMap(m *atlas.Map) error
}

// Queue is a LocalMapping front that serializes all back-end work onto a single
// goroutine, so the processor never sees concurrent calls. Keyframe handoff is
// buffered and non-blocking; resets are synchronous request/response exchanges.
type Queue struct {
	logger           logging.Logger
	processor        Processor
	requestChan      chan request
	resetTimeout     time.Duration
	queued           atomic.Int64
	baInterrupted    atomic.Bool
	onlyLocalization atomic.Bool
	accepting        atomic.Bool
}

// NewQueue wires a queue in front of the given processor. The worker is not
// running until StartWorker is called.
func NewQueue(processor Processor, resetTimeout time.Duration, logger logging.Logger) *Queue {
	q := &Queue{
		logger:       logger,
		processor:    processor,
		requestChan:  make(chan request, defaultQueueDepth),
		resetTimeout: resetTimeout,
	}
	q.accepting.Store(true)
	return q
}

// StartWorker starts the single goroutine that drains the request channel.
func (q *Queue) StartWorker(ctx context.Context, activeBackgroundWorkers *sync.WaitGroup) {
	activeBackgroundWorkers.Add(1)
	go func() {
		defer activeBackgroundWorkers.Done()

		for {
			select {
			case <-ctx.Done():
				return
			case work := <-q.requestChan:
				err := q.doWork(work)
				if work.responseChan != nil {
					work.responseChan <- response{err: err}
				} else if err != nil {
					q.logger.Errorw("back-end keyframe processing failed", "error", err)
				}
			}
		}
	}()
}

func (q *Queue) doWork(work request) error {
	switch work.requestType {
	case processKeyFrame:
		q.baInterrupted.Store(false)
		err := q.processor.ProcessKeyFrame(work.keyframe)
		q.queued.Add(-1)
		return err
	case resetAll:
		return q.processor.Reset()
	case resetMap:
		return q.processor.ResetMap(work.targetMap)
	}
	return errors.Errorf("no work type found for: %v", work.requestType)
}

// InsertKeyFrame enqueues a keyframe for the back-end. When the buffer is full
// the keyframe is dropped; the tracker keeps its own reference through the atlas
// and the accepting flag tells it to back off.
func (q *Queue) InsertKeyFrame(kf *atlas.KeyFrame) {
	if q.onlyLocalization.Load() {
		return
	}
	select {
	case q.requestChan <- request{requestType: processKeyFrame, keyframe: kf}:
		q.queued.Add(1)
		q.accepting.Store(q.queued.Load() < defaultQueueDepth)
	default:
		q.accepting.Store(false)
		q.logger.Warnw("keyframe queue full, dropping handoff", "keyframe_id", kf.ID())
	}
}

// AcceptingKeyFrames reports whether the back-end has headroom for more keyframes.
func (q *Queue) AcceptingKeyFrames() bool {
	if q.onlyLocalization.Load() {
		return false
	}
	if q.queued.Load() < defaultQueueDepth {
		q.accepting.Store(true)
	}
	return q.accepting.Load()
}

// InterruptBA flags that a running bundle adjustment should yield. The processor
// polls BAInterrupted between optimization iterations.
func (q *Queue) InterruptBA() {
	q.baInterrupted.Store(true)
}

// BAInterrupted reports whether an interrupt was requested since the last
// keyframe started processing.
func (q *Queue) BAInterrupted() bool {
	return q.baInterrupted.Load()
}

// KeyFramesInQueue reports how many keyframes await processing.
func (q *Queue) KeyFramesInQueue() int {
	n := q.queued.Load()
	if n < 0 {
		n = 0
	}
	return int(n)
}

// RequestReset asks the back-end to drop all state and waits for acknowledgment.
func (q *Queue) RequestReset(ctx context.Context) error {
	return q.requestSync(ctx, request{
		responseChan: make(chan response, 1),
		requestType:  resetAll,
	})
}

// RequestResetActiveMap asks the back-end to drop state tied to one map.
func (q *Queue) RequestResetActiveMap(ctx context.Context, m *atlas.Map) error {
	return q.requestSync(ctx, request{
		responseChan: make(chan response, 1),
		requestType:  resetMap,
		targetMap:    m,
	})
}

// SetOnlyLocalization toggles localization-only mode. While enabled, keyframe
// handoffs are ignored so the map does not grow.
func (q *Queue) SetOnlyLocalization(enabled bool) {
	q.onlyLocalization.Store(enabled)
}

// requestSync hands work to the worker goroutine and waits for its response,
// bounded by the reset timeout.
func (q *Queue) requestSync(ctxParent context.Context, req request) error {
	ctx, cancel := context.WithTimeout(ctxParent, q.resetTimeout)
	defer cancel()

	select {
	case q.requestChan <- req:
		select {
		case resp := <-req.responseChan:
			return resp.err
		case <-ctx.Done():
			return multierr.Combine(errors.New("timeout waiting for back-end response"), ctx.Err())
		}
	case <-ctx.Done():
		return multierr.Combine(errors.New("timeout writing to back-end"), ctx.Err())
	}
}
