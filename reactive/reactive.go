// Package reactive provides explicit dependency tracking: computations that
// rerun when a dependency they read from changes.
//
// There is no ambient "current computation". A computation travels in the
// context passed to its function, and readers call Dependency.Depend with
// that context.
package reactive

import (
	"context"
	"sync"
)

type ctxKey struct{}

// WithComputation returns a context carrying c.
func WithComputation(ctx context.Context, c *Computation) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// FromContext returns the computation carried by ctx, or nil.
func FromContext(ctx context.Context) *Computation {
	if ctx == nil {
		return nil
	}
	c, _ := ctx.Value(ctxKey{}).(*Computation)
	return c
}

// Tracker schedules reruns of invalidated computations and afterFlush
// callbacks. Nothing reruns until Flush is called, either directly or by Run.
type Tracker struct {
	mu         sync.Mutex
	pending    []*Computation
	afterFlush []func()
	wake       chan struct{}
}

func NewTracker() *Tracker {
	return &Tracker{wake: make(chan struct{}, 1)}
}

// Autorun runs fn now and again at every flush following an invalidation,
// until the computation is stopped.
func (t *Tracker) Autorun(ctx context.Context, fn func(ctx context.Context, c *Computation)) *Computation {
	c := &Computation{tracker: t, fn: fn, ctx: ctx, firstRun: true}
	c.compute()
	c.mu.Lock()
	c.firstRun = false
	c.mu.Unlock()
	return c
}

// AfterFlush schedules f to run once the current flush has rerun every
// invalidated computation.
func (t *Tracker) AfterFlush(f func()) {
	t.mu.Lock()
	t.afterFlush = append(t.afterFlush, f)
	t.mu.Unlock()
	t.requireFlush()
}

func (t *Tracker) enqueue(c *Computation) {
	t.mu.Lock()
	t.pending = append(t.pending, c)
	t.mu.Unlock()
	t.requireFlush()
}

func (t *Tracker) requireFlush() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Flush reruns invalidated computations, then runs afterFlush callbacks one
// at a time, repeating until neither is left.
func (t *Tracker) Flush() {
	for {
		t.mu.Lock()
		if len(t.pending) > 0 {
			comps := t.pending
			t.pending = nil
			t.mu.Unlock()
			for _, c := range comps {
				c.recompute()
			}
			continue
		}
		if len(t.afterFlush) > 0 {
			f := t.afterFlush[0]
			t.afterFlush = t.afterFlush[1:]
			t.mu.Unlock()
			f()
			continue
		}
		t.mu.Unlock()
		return
	}
}

// Run flushes whenever work is scheduled, until ctx is done.
func (t *Tracker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.wake:
			t.Flush()
		}
	}
}

// Computation is one reactive run of a function.
type Computation struct {
	tracker *Tracker
	fn      func(ctx context.Context, c *Computation)
	ctx     context.Context

	mu           sync.Mutex
	invalidated  bool
	stopped      bool
	firstRun     bool
	onInvalidate []func(*Computation)
}

func (c *Computation) Tracker() *Tracker {
	return c.tracker
}

// FirstRun reports whether the computation is in its initial run.
func (c *Computation) FirstRun() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.firstRun
}

func (c *Computation) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

func (c *Computation) compute() {
	c.mu.Lock()
	c.invalidated = false
	c.mu.Unlock()
	c.fn(WithComputation(c.ctx, c), c)
}

func (c *Computation) recompute() {
	c.mu.Lock()
	run := c.invalidated && !c.stopped
	c.mu.Unlock()
	if run {
		c.compute()
	}
}

// OnInvalidate registers f to run at the next invalidation. If the
// computation is already invalidated f runs now.
func (c *Computation) OnInvalidate(f func(*Computation)) {
	c.mu.Lock()
	if c.invalidated {
		c.mu.Unlock()
		f(c)
		return
	}
	c.onInvalidate = append(c.onInvalidate, f)
	c.mu.Unlock()
}

// Invalidate runs the invalidation callbacks immediately and schedules a
// rerun for the next flush.
func (c *Computation) Invalidate() {
	c.mu.Lock()
	if c.invalidated {
		c.mu.Unlock()
		return
	}
	c.invalidated = true
	callbacks := c.onInvalidate
	c.onInvalidate = nil
	stopped := c.stopped
	c.mu.Unlock()

	if !stopped {
		c.tracker.enqueue(c)
	}
	for _, f := range callbacks {
		f(c)
	}
}

// Stop prevents any further rerun.
func (c *Computation) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()
	c.Invalidate()
}

// Dependency is a value computations can depend on.
type Dependency struct {
	mu         sync.Mutex
	dependents map[*Computation]struct{}
}

func NewDependency() *Dependency {
	return &Dependency{dependents: make(map[*Computation]struct{})}
}

// Depend records the computation in ctx as a dependent. It returns false
// when ctx carries no computation or it was already recorded.
func (d *Dependency) Depend(ctx context.Context) bool {
	c := FromContext(ctx)
	if c == nil {
		return false
	}
	d.mu.Lock()
	if _, ok := d.dependents[c]; ok {
		d.mu.Unlock()
		return false
	}
	d.dependents[c] = struct{}{}
	d.mu.Unlock()

	c.OnInvalidate(func(c *Computation) {
		d.mu.Lock()
		delete(d.dependents, c)
		d.mu.Unlock()
	})
	return true
}

// Changed invalidates every dependent computation.
func (d *Dependency) Changed() {
	d.mu.Lock()
	comps := make([]*Computation, 0, len(d.dependents))
	for c := range d.dependents {
		comps = append(comps, c)
	}
	d.mu.Unlock()
	for _, c := range comps {
		c.Invalidate()
	}
}

func (d *Dependency) HasDependents() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dependents) > 0
}
