package task

import (
	"slices"
	"sync"
)

// Deferred collects work to run at the next synchronization point.
type Deferred struct {
	mu    sync.Mutex
	queue []func()
}

// Defer queues fn for the next Sync.
func (d *Deferred) Defer(fn func()) {
	d.mu.Lock()
	d.queue = append(d.queue, fn)
	d.mu.Unlock()
}

// Sync runs everything queued so far in order and returns the count. Work
// deferred while Sync runs waits for the following Sync.
func (d *Deferred) Sync() int {
	d.mu.Lock()
	queue := d.queue
	d.queue = nil
	d.mu.Unlock()

	for _, fn := range queue {
		fn()
	}
	return len(queue)
}

// Len returns the number of queued functions.
func (d *Deferred) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Delays runs functions after a number of Ticks. Scheduling a key that is
// already waiting replaces its function and restarts its countdown.
type Delays[K comparable] struct {
	mu    sync.Mutex
	items map[K]*delayed
	order []K
}

type delayed struct {
	ticks int
	fn    func()
}

// NewDelays creates an empty schedule.
func NewDelays[K comparable]() *Delays[K] {
	return &Delays[K]{items: make(map[K]*delayed)}
}

// Schedule runs fn after ticks Ticks; ticks <= 0 runs it on the next one.
func (d *Delays[K]) Schedule(key K, ticks int, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if it, ok := d.items[key]; ok {
		it.ticks, it.fn = max(ticks, 1), fn
		return
	}
	d.items[key] = &delayed{ticks: max(ticks, 1), fn: fn}
	d.order = append(d.order, key)
}

// cancel drops a waiting key.
func (d *Delays[K]) cancel(key K) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.items[key]; !ok {
		return
	}
	delete(d.items, key)
	d.order = slices.DeleteFunc(d.order, func(k K) bool { return k == key })
}

// Tick advances every countdown and runs the functions that reached zero,
// in scheduling order. It returns how many ran.
func (d *Delays[K]) Tick() int {
	d.mu.Lock()
	var ready []func()
	kept := d.order[:0]
	for _, k := range d.order {
		it, ok := d.items[k]
		if !ok {
			continue
		}
		it.ticks--
		if it.ticks > 0 {
			kept = append(kept, k)
			continue
		}
		ready = append(ready, it.fn)
		delete(d.items, k)
	}
	clear(d.order[len(kept):])
	d.order = kept
	d.mu.Unlock()

	for _, fn := range ready {
		fn()
	}
	return len(ready)
}

// Len returns the number of waiting keys.
func (d *Delays[K]) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}
