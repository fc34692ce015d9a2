package reactive

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAutorunReruns(t *testing.T) {
	tr := NewTracker()
	dep := NewDependency()

	var runs []bool
	c := tr.Autorun(context.Background(), func(ctx context.Context, c *Computation) {
		assert.Same(t, c, FromContext(ctx))
		dep.Depend(ctx)
		runs = append(runs, c.FirstRun())
	})
	assert.Equal(t, []bool{true}, runs)
	assert.True(t, dep.HasDependents())

	dep.Changed()
	assert.Equal(t, []bool{true}, runs, "reruns wait for a flush")
	tr.Flush()
	assert.Equal(t, []bool{true, false}, runs)

	c.Stop()
	assert.True(t, c.Stopped())
	assert.False(t, dep.HasDependents())
	dep.Changed()
	tr.Flush()
	assert.Len(t, runs, 2)
}

func TestDependOutsideComputation(t *testing.T) {
	dep := NewDependency()
	assert.False(t, dep.Depend(context.Background()))
	assert.False(t, dep.HasDependents())
}

func TestDependOncePerRun(t *testing.T) {
	tr := NewTracker()
	dep := NewDependency()
	var first, second bool
	tr.Autorun(context.Background(), func(ctx context.Context, _ *Computation) {
		first = dep.Depend(ctx)
		second = dep.Depend(ctx)
	})
	assert.True(t, first)
	assert.False(t, second)
}

func TestOnInvalidate(t *testing.T) {
	tr := NewTracker()
	var calls int
	c := tr.Autorun(context.Background(), func(context.Context, *Computation) {})
	c.OnInvalidate(func(*Computation) { calls++ })

	c.Invalidate()
	assert.Equal(t, 1, calls)
	c.Invalidate()
	assert.Equal(t, 1, calls)

	// Registered on an invalidated computation: runs at once.
	c.OnInvalidate(func(*Computation) { calls++ })
	assert.Equal(t, 2, calls)
}

func TestAfterFlushRunsAfterReruns(t *testing.T) {
	tr := NewTracker()
	dep := NewDependency()
	var order []string
	tr.Autorun(context.Background(), func(ctx context.Context, c *Computation) {
		dep.Depend(ctx)
		if !c.FirstRun() {
			order = append(order, "rerun")
		}
	})

	tr.AfterFlush(func() { order = append(order, "after") })
	dep.Changed()
	tr.Flush()
	assert.Equal(t, []string{"rerun", "after"}, order)
}

func TestRunFlushesInBackground(t *testing.T) {
	tr := NewTracker()
	dep := NewDependency()
	runs := make(chan struct{}, 10)
	tr.Autorun(context.Background(), func(ctx context.Context, _ *Computation) {
		dep.Depend(ctx)
		runs <- struct{}{}
	})
	<-runs

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tr.Run(ctx)
		close(done)
	}()

	dep.Changed()
	select {
	case <-runs:
	case <-time.After(time.Second):
		t.Fatal("computation did not rerun")
	}
	cancel()
	<-done
}
