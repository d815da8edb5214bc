// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"testing"
	"time"

	"github.com/grailbio/bigpipe"
)

// issueFillOp is a white-box variant of IssueFill that returns the
// operation so tests can observe its lifecycle.
func issueFillOp(c *Context, launcher FillLauncher) *FillOp {
	o := c.rt.alloc(FillOpKind, func() opImpl {
		op := new(FillOp)
		op.init(c.rt, op)
		return op
	}).(*FillOp)
	o.initialize(c, launcher)
	c.issue(&o.Operation)
	return o
}

func waitMapped(t *testing.T, o *Operation) {
	t.Helper()
	for deadline := time.Now().Add(10 * time.Second); time.Now().Before(deadline); {
		o.mu.Lock()
		mapped := o.mapped
		o.mu.Unlock()
		if mapped {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("operation never mapped")
}

// TestSpeculationMatch speculates a fill true and resolves the
// predicate true: resolution is cheap bookkeeping and the fill's
// data lands.
func TestSpeculationMatch(t *testing.T) {
	sess, c := testSession(t)
	defer sess.Shutdown()
	ctx := testContext(t)
	region := bigpipe.NewRegion("R")

	f := bigpipe.NewFuture()
	pred := c.NewFuturePredicate(f)
	o := issueFillOp(c, FillLauncher{
		Requirement: writeReq(region, 1),
		Value:       []byte("speculated"),
		Predicate:   pred,
	})
	// The fill speculates true and proceeds through mapping without
	// waiting for the predicate.
	waitMapped(t, &o.Operation)
	gen := o.Generation()
	f.Set(true)
	waitEvent(t, ctx, o.CompletionEvent())
	if err := c.Finish(ctx); err != nil {
		t.Fatal(err)
	}
	if got := sess.Stats()["quashes"]; got != 0 {
		t.Errorf("got %d quashes, want 0", got)
	}
	// Commit advanced the generation exactly once past the
	// speculated generation.
	if got, want := o.Generation(), gen+1; got != want {
		t.Errorf("got generation %d, want %d", got, want)
	}
	instance := sess.Runtime().instances.find(region, false)
	if instance == nil {
		t.Fatal("no instance")
	}
	if got, want := string(instance.Read(1)), "speculated"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

// TestSpeculationMismatch speculates a fill true and resolves the
// predicate false: the fill is quashed (generation incremented), its
// predicate-false path runs on a fresh generation, and a downstream
// operation that registered an edge on the old generation sees that
// edge as satisfied automatically.
func TestSpeculationMismatch(t *testing.T) {
	sess, c := testSession(t)
	defer sess.Shutdown()
	ctx := testContext(t)
	region := bigpipe.NewRegion("R")

	f := bigpipe.NewFuture()
	pred := c.NewFuturePredicate(f)
	o := issueFillOp(c, FillLauncher{
		Requirement: writeReq(region, 1),
		Value:       []byte("wrong"),
		Predicate:   pred,
	})
	// Downstream fill of the same field registers an edge on the
	// speculated generation.
	downstream := c.IssueFill(FillLauncher{
		Requirement: writeReq(region, 1),
		Value:       []byte("down"),
	})
	waitMapped(t, &o.Operation)
	gen := o.Generation()
	f.Set(false)
	waitEvent(t, ctx, o.CompletionEvent())
	waitEvent(t, ctx, downstream)
	if err := c.Finish(ctx); err != nil {
		t.Fatal(err)
	}
	if got := sess.Stats()["quashes"]; got == 0 {
		t.Error("expected a quash")
	}
	// Quash and commit each advanced the generation.
	if got, want := o.Generation(), gen+2; got != want {
		t.Errorf("got generation %d, want %d", got, want)
	}
	// The quashed fill's false path wrote nothing; the downstream
	// fill's value stands.
	instance := sess.Runtime().instances.find(region, false)
	if instance == nil {
		t.Fatal("no instance")
	}
	if got, want := string(instance.Read(1)), "down"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

// TestOperationReuse activates and deactivates an operation N times
// through its free list: counters return to zero and the generation
// equals its initial value plus N.
func TestOperationReuse(t *testing.T) {
	sess, c := testSession(t)
	defer sess.Shutdown()
	ctx := testContext(t)

	newFence := func() opImpl {
		op := new(FenceOp)
		op.init(sess.rt, op)
		return op
	}
	o := sess.rt.alloc(FenceOpKind, newFence).(*FenceOp)
	gen0 := o.Generation()
	const N = 5
	for i := 0; i < N; i++ {
		if i > 0 {
			reused := sess.rt.alloc(FenceOpKind, newFence).(*FenceOp)
			if reused != o {
				t.Fatal("free list did not recycle the operation")
			}
		}
		o.initialize(c, ExecutionFence)
		completion := o.CompletionEvent()
		c.issue(&o.Operation)
		waitEvent(t, ctx, completion)
		if err := c.Drain(ctx); err != nil {
			t.Fatal(err)
		}
	}
	sess.rt.drain()
	if got, want := o.Generation(), gen0+N; got != want {
		t.Errorf("got generation %d, want %d", got, want)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, counter := range []int{
		o.outstandingMappingDeps,
		o.outstandingSpeculationDeps,
		o.outstandingCommitDeps,
		o.outstandingMappingRefs,
	} {
		if counter != 0 {
			t.Errorf("counter not zero after reuse: %+v", &o.Operation)
		}
	}
}

// TestRegisterCommitted verifies that registering a dependence on a
// committed generation prunes the edge.
func TestRegisterCommitted(t *testing.T) {
	sess, c := testSession(t)
	defer sess.Shutdown()
	ctx := testContext(t)

	done := c.IssueFence(ExecutionFence)
	waitEvent(t, ctx, done)
	if err := c.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	// The fence has committed; its object is on the free list with a
	// bumped generation. An edge against the old generation is
	// pruned.
	o := sess.rt.alloc(FenceOpKind, func() opImpl {
		op := new(FenceOp)
		op.init(sess.rt, op)
		return op
	}).(*FenceOp)
	o.initialize(c, ExecutionFence)
	if pruned := o.registerDependence(&o.Operation, o.Generation()-1); !pruned {
		t.Error("edge on an older self generation should be pruned")
	}
	c.issue(&o.Operation)
	waitEvent(t, ctx, o.CompletionEvent())
	if err := c.Finish(ctx); err != nil {
		t.Fatal(err)
	}
}
