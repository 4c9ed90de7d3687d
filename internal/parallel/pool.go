// Package parallel provides the worker pools the pipeline stages run on.
package parallel

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Pool is a fixed set of workers draining one shared queue.
//
// For may be called from inside a task running on the same pool: the caller
// executes queued work while it waits, so nested fan-out never deadlocks.
type Pool struct {
	name    string
	workers int
	queue   chan func()
	done    chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool
	pending atomic.Int64
}

// NewPool creates a pool with the given number of workers.
// workers <= 0 uses GOMAXPROCS.
func NewPool(name string, workers int) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	queueSize := workers * 4
	if queueSize < 8 {
		queueSize = 8
	}

	p := &Pool{
		name:    name,
		workers: workers,
		queue:   make(chan func(), queueSize),
		done:    make(chan struct{}),
	}
	p.running.Store(true)

	p.wg.Add(workers)
	for range workers {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			p.drain()
			return
		case work := <-p.queue:
			work()
		}
	}
}

func (p *Pool) drain() {
	for {
		select {
		case work := <-p.queue:
			work()
		default:
			return
		}
	}
}

// Name returns the pool name used in logs.
func (p *Pool) Name() string { return p.name }

// Workers returns the number of workers.
func (p *Pool) Workers() int { return p.workers }

// Pending returns the number of submitted tasks that have not finished.
func (p *Pool) Pending() int64 { return p.pending.Load() }

// Go schedules fn and returns a channel closed when fn has returned.
// On a closed pool fn runs on the calling goroutine.
func (p *Pool) Go(fn func()) <-chan struct{} {
	finished := make(chan struct{})
	task := func() {
		defer close(finished)
		defer p.pending.Add(-1)
		fn()
	}
	p.pending.Add(1)

	if !p.running.Load() {
		task()
		return finished
	}
	select {
	case p.queue <- task:
		if !p.running.Load() {
			// Raced with Close; workers may already be gone.
			p.drain()
		}
	case <-p.done:
		task()
	}
	return finished
}

// For splits [0, n) into chunks of at least minChunk items and runs fn on
// each chunk in parallel. It returns once every chunk has finished.
func (p *Pool) For(n, minChunk int, fn func(begin, end int)) {
	if n <= 0 {
		return
	}
	if minChunk < 1 {
		minChunk = 1
	}

	chunks := p.workers
	if n/minChunk < chunks {
		chunks = n / minChunk
	}
	if chunks <= 1 || !p.running.Load() {
		fn(0, n)
		return
	}

	size := (n + chunks - 1) / chunks
	var wg sync.WaitGroup
	for begin := size; begin < n; begin += size {
		end := min(begin+size, n)
		b := begin
		wg.Add(1)
		task := func() {
			defer wg.Done()
			fn(b, end)
		}
		select {
		case p.queue <- task:
		default:
			task()
		}
	}

	fn(0, min(size, n))

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	for {
		select {
		case <-finished:
			return
		case work := <-p.queue:
			work()
		}
	}
}

// Close stops the workers after the queue drains.
func (p *Pool) Close() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.done)
	p.wg.Wait()
}
