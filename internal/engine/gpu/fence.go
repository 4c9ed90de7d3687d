package gpu

import (
	"context"
	"runtime"
	"sync"
	"time"
)

// Wait backoff.
const (
	spinCount    = 64
	sleepInitial = 20 * time.Microsecond
	sleepMax     = 2 * time.Millisecond
)

// Fence signals completion of submitted device work.
type Fence struct {
	done chan struct{}
	once sync.Once
	err  error
}

// NewFence creates an unsignaled fence.
func NewFence() *Fence {
	return &Fence{done: make(chan struct{})}
}

// Signal marks the fence complete with the work's result. Only the first
// call has an effect.
func (f *Fence) Signal(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Signaled polls the fence without blocking.
func (f *Fence) Signaled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Err returns the work's result. It is only meaningful once Signaled.
func (f *Fence) Err() error {
	if !f.Signaled() {
		return nil
	}
	return f.err
}

// Wait polls f until it is signaled or ctx is done. It spins with
// runtime.Gosched for a bounded number of polls, then sleeps with an
// exponential backoff capped at 2ms.
func Wait(ctx context.Context, f *Fence) error {
	for i := 0; i < spinCount; i++ {
		if f.Signaled() {
			return f.err
		}
		runtime.Gosched()
	}

	delay := sleepInitial
	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		if f.Signaled() {
			return f.err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
		if delay > sleepMax {
			delay = sleepMax
		}
		timer.Reset(delay)
	}
}
