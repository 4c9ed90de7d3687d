package task

import (
	"context"
	"sync"
	"sync/atomic"

	"go.trai.ch/zerr"
	"go.uber.org/zap"

	"github.com/Faultbox/normalsynth/internal/logger"
)

// ErrLaneClosed is returned for work submitted to, or still queued on, a
// closed lane.
var ErrLaneClosed = zerr.New("gpu lane closed")

type laneItem struct {
	ctx      context.Context
	fn       func() error
	result   chan error
	canceled atomic.Bool
}

// GPULane serializes device work on one goroutine. Submitted work waits in a
// queue until Tick releases it, at most perTick items per tick. A lane with
// perTick <= 0 releases work as soon as it is submitted.
type GPULane struct {
	log     *zap.Logger
	perTick int

	mu     sync.Mutex
	queue  []*laneItem
	closed bool

	work chan *laneItem
	done chan struct{}
	wg   sync.WaitGroup

	executed atomic.Int64
}

// NewGPULane starts the lane goroutine.
func NewGPULane(log *zap.Logger, perTick int) *GPULane {
	l := &GPULane{
		log:     logger.OrNop(log),
		perTick: perTick,
		work:    make(chan *laneItem, max(perTick, 1)),
		done:    make(chan struct{}),
	}
	l.wg.Add(1)
	go l.loop()
	return l
}

func (l *GPULane) loop() {
	defer l.wg.Done()
	for {
		select {
		case <-l.done:
			return
		case it := <-l.work:
			l.exec(it)
		}
	}
}

func (l *GPULane) exec(it *laneItem) {
	if it.canceled.Load() {
		it.result <- it.ctx.Err()
		return
	}
	it.result <- it.fn()
	l.executed.Add(1)
}

// Submit queues fn and waits for it to run on the lane. Work abandoned
// because ctx ended is skipped if it has not started yet.
func (l *GPULane) Submit(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	it := &laneItem{ctx: ctx, fn: fn, result: make(chan error, 1)}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLaneClosed
	}
	if l.perTick <= 0 {
		l.mu.Unlock()
		select {
		case l.work <- it:
		case <-l.done:
			return ErrLaneClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	} else {
		l.queue = append(l.queue, it)
		l.mu.Unlock()
	}

	select {
	case err := <-it.result:
		return err
	case <-ctx.Done():
		it.canceled.Store(true)
		return ctx.Err()
	}
}

// Tick releases up to perTick queued items to the lane goroutine and returns
// how many were released. Items whose submitter gave up are dropped without
// counting.
func (l *GPULane) Tick() int {
	l.mu.Lock()
	var ready []*laneItem
	for len(l.queue) > 0 && len(ready) < l.perTick {
		it := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		if it.canceled.Load() {
			it.result <- it.ctx.Err()
			continue
		}
		ready = append(ready, it)
	}
	l.mu.Unlock()

	for _, it := range ready {
		select {
		case l.work <- it:
		case <-l.done:
			it.result <- ErrLaneClosed
		}
	}
	return len(ready)
}

// Queued returns the number of items waiting for a tick.
func (l *GPULane) Queued() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Executed returns the number of items run so far.
func (l *GPULane) Executed() int64 { return l.executed.Load() }

// Close stops the lane. Queued work fails with ErrLaneClosed.
func (l *GPULane) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	pending := l.queue
	l.queue = nil
	l.mu.Unlock()

	close(l.done)
	l.wg.Wait()
	pending = append(pending, l.drainWork()...)
	for _, it := range pending {
		it.result <- ErrLaneClosed
	}
	if len(pending) > 0 {
		l.log.Debug("gpu lane closed with queued work", zap.Int("dropped", len(pending)))
	}
}

func (l *GPULane) drainWork() []*laneItem {
	var out []*laneItem
	for {
		select {
		case it := <-l.work:
			out = append(out, it)
		default:
			return out
		}
	}
}
