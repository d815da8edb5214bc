// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/grailbio/bigpipe"
	"github.com/grailbio/bigpipe/event"
)

// testSession starts a session suitable for tests.
func testSession(t *testing.T, options ...Option) (*Session, *Context) {
	t.Helper()
	opts := append([]Option{Parallelism(8), Processors(4)}, options...)
	sess := Start(opts...)
	return sess, sess.NewContext(t.Name())
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func waitEvent(t *testing.T, ctx context.Context, e event.Event) {
	t.Helper()
	if err := e.Wait(ctx); err != nil {
		t.Fatalf("event did not trigger: %v", err)
	}
}

// A recorder collects the order in which task bodies ran.
type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) task(name string) TaskFunc {
	return func(ctx context.Context, regions []*Instance) (interface{}, error) {
		r.mu.Lock()
		r.order = append(r.order, name)
		r.mu.Unlock()
		return name, nil
	}
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

func writeReq(region bigpipe.Region, fields ...bigpipe.FieldID) bigpipe.RegionRequirement {
	return bigpipe.RegionRequirement{
		Region:    region,
		Fields:    fields,
		Privilege: bigpipe.ReadWrite,
		Coherence: bigpipe.Exclusive,
	}
}

func readReq(region bigpipe.Region, fields ...bigpipe.FieldID) bigpipe.RegionRequirement {
	return bigpipe.RegionRequirement{
		Region:    region,
		Fields:    fields,
		Privilege: bigpipe.ReadOnly,
		Coherence: bigpipe.Exclusive,
	}
}

// TestLinearChain issues three tasks that each write the same field
// of the same region: completion must happen in issue order, and all
// three must commit once the last completes.
func TestLinearChain(t *testing.T) {
	sess, c := testSession(t)
	defer sess.Shutdown()
	ctx := testContext(t)
	const f = bigpipe.FieldID(1)
	region := bigpipe.NewRegion("R")

	var rec recorder
	for _, name := range []string{"A", "B", "C"} {
		c.IssueTask(TaskLauncher{
			Name:         name,
			Requirements: []bigpipe.RegionRequirement{writeReq(region, f)},
			Fn:           rec.task(name),
		})
	}
	if err := c.Finish(ctx); err != nil {
		t.Fatal(err)
	}
	if got, want := rec.get(), []string{"A", "B", "C"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

// TestIndependentPair issues two tasks on disjoint fields of the
// same region: no edge exists, both run and commit independently.
func TestIndependentPair(t *testing.T) {
	sess, c := testSession(t)
	defer sess.Shutdown()
	ctx := testContext(t)
	region := bigpipe.NewRegion("R")

	var rec recorder
	fx := c.IssueTask(TaskLauncher{
		Name:         "X",
		Requirements: []bigpipe.RegionRequirement{writeReq(region, 1)},
		Fn:           rec.task("X"),
	})
	fy := c.IssueTask(TaskLauncher{
		Name:         "Y",
		Requirements: []bigpipe.RegionRequirement{writeReq(region, 2)},
		Fn:           rec.task("Y"),
	})
	for _, f := range []bigpipe.Future{fx, fy} {
		if _, _, err := f.Get(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.Finish(ctx); err != nil {
		t.Fatal(err)
	}
	order := rec.get()
	if len(order) != 2 {
		t.Fatalf("got %d tasks, want 2", len(order))
	}
}

// TestReaderNoEdge verifies that two readers of the same field are
// unordered.
func TestReaderNoEdge(t *testing.T) {
	sess, c := testSession(t)
	defer sess.Shutdown()
	ctx := testContext(t)
	region := bigpipe.NewRegion("R")

	var rec recorder
	c.IssueFill(FillLauncher{
		Requirement: writeReq(region, 1),
		Value:       []byte("x"),
	})
	for _, name := range []string{"R1", "R2"} {
		c.IssueTask(TaskLauncher{
			Name:         name,
			Requirements: []bigpipe.RegionRequirement{readReq(region, 1)},
			Fn:           rec.task(name),
		})
	}
	if err := c.Finish(ctx); err != nil {
		t.Fatal(err)
	}
	if got := len(rec.get()); got != 2 {
		t.Errorf("got %d readers, want 2", got)
	}
}

// TestTaskResult verifies that a task's future carries its result.
func TestTaskResult(t *testing.T) {
	sess, c := testSession(t)
	defer sess.Shutdown()
	ctx := testContext(t)
	region := bigpipe.NewRegion("R")

	future := c.IssueTask(TaskLauncher{
		Name:         "sum",
		Requirements: []bigpipe.RegionRequirement{writeReq(region, 1)},
		Fn: func(ctx context.Context, regions []*Instance) (interface{}, error) {
			regions[0].Write(1, []byte{7})
			return 7, nil
		},
	})
	v, empty, err := future.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if empty {
		t.Fatal("task future is empty")
	}
	if got, want := v.(int), 7; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if err := c.Finish(ctx); err != nil {
		t.Fatal(err)
	}
	instance := sess.Runtime().instances.find(region, false)
	if instance == nil {
		t.Fatal("no instance for task region")
	}
	if got, want := instance.Read(1), []byte{7}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

// TestCopy fills a source region and copies it to a destination.
func TestCopy(t *testing.T) {
	sess, c := testSession(t)
	defer sess.Shutdown()
	ctx := testContext(t)
	src := bigpipe.NewRegion("src")
	dst := bigpipe.NewRegion("dst")

	c.IssueFill(FillLauncher{
		Requirement: writeReq(src, 1),
		Value:       []byte("hello"),
	})
	done := c.IssueCopy(CopyLauncher{
		Src: []bigpipe.RegionRequirement{readReq(src, 1)},
		Dst: []bigpipe.RegionRequirement{writeReq(dst, 1)},
	})
	waitEvent(t, ctx, done)
	if err := c.Finish(ctx); err != nil {
		t.Fatal(err)
	}
	instance := sess.Runtime().instances.find(dst, false)
	if instance == nil {
		t.Fatal("no destination instance")
	}
	if got, want := string(instance.Read(1)), "hello"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

// TestManyIndependent issues a large stream of independent
// operations; they may commit in any order, and the context must
// drain.
func TestManyIndependent(t *testing.T) {
	sess, c := testSession(t)
	defer sess.Shutdown()
	ctx := testContext(t)

	const N = 1000
	region := bigpipe.NewRegion("R")
	var rec recorder
	for i := 0; i < N; i++ {
		c.IssueTask(TaskLauncher{
			Name:         "t",
			Requirements: []bigpipe.RegionRequirement{writeReq(region, bigpipe.FieldID(i + 1))},
			Fn:           rec.task("t"),
		})
	}
	if err := c.Finish(ctx); err != nil {
		t.Fatal(err)
	}
	if got := len(rec.get()); got != N {
		t.Errorf("got %d tasks, want %d", got, N)
	}
}

// TestExecutionFence verifies that an execution fence orders
// everything after it behind everything before it.
func TestExecutionFence(t *testing.T) {
	sess, c := testSession(t)
	defer sess.Shutdown()
	ctx := testContext(t)
	region := bigpipe.NewRegion("R")

	var rec recorder
	for i := 0; i < 4; i++ {
		c.IssueTask(TaskLauncher{
			Name:         "before",
			Requirements: []bigpipe.RegionRequirement{writeReq(region, bigpipe.FieldID(i + 1))},
			Fn:           rec.task("before"),
		})
	}
	c.IssueFence(ExecutionFence)
	c.IssueTask(TaskLauncher{
		Name:         "after",
		Requirements: []bigpipe.RegionRequirement{writeReq(region, 100)},
		Fn:           rec.task("after"),
	})
	if err := c.Finish(ctx); err != nil {
		t.Fatal(err)
	}
	order := rec.get()
	if got, want := len(order), 5; got != want {
		t.Fatalf("got %d tasks, want %d", got, want)
	}
	if got, want := order[4], "after"; got != want {
		t.Errorf("fenced task ran at position %v: %v", 4, order)
	}
}

// TestFrames issues more frames than the window allows; the issuing
// goroutine throttles but all frames complete.
func TestFrames(t *testing.T) {
	sess, c := testSession(t, FrameWindow(2))
	defer sess.Shutdown()
	ctx := testContext(t)

	var completions []event.Event
	for i := 0; i < 5; i++ {
		done, err := c.IssueFrame(ctx)
		if err != nil {
			t.Fatal(err)
		}
		completions = append(completions, done)
	}
	for _, done := range completions {
		waitEvent(t, ctx, done)
	}
	if err := c.Finish(ctx); err != nil {
		t.Fatal(err)
	}
}

// TestInlineMapping maps a region inline and observes filled data
// through the returned physical region.
func TestInlineMapping(t *testing.T) {
	sess, c := testSession(t)
	defer sess.Shutdown()
	ctx := testContext(t)
	region := bigpipe.NewRegion("R")

	c.IssueFill(FillLauncher{
		Requirement: writeReq(region, 1),
		Value:       []byte("inline"),
	})
	pr := c.IssueInlineMapping(readReq(region, 1))
	waitEvent(t, ctx, pr.Valid)
	if got, want := string(pr.Instance.Read(1)), "inline"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if err := c.Finish(ctx); err != nil {
		t.Fatal(err)
	}
}

// TestDeletion verifies that deletions defer until prior users are
// done and that later requirements on the deleted region fail.
func TestDeletion(t *testing.T) {
	sess, c := testSession(t)
	defer sess.Shutdown()
	ctx := testContext(t)
	region := bigpipe.NewRegion("R")

	c.IssueFill(FillLauncher{
		Requirement: writeReq(region, 1),
		Value:       []byte("x"),
	})
	waitEvent(t, ctx, c.IssueRegionDeletion(region))
	if err := c.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	c.IssueFill(FillLauncher{
		Requirement: writeReq(region, 1),
		Value:       []byte("y"),
	})
	if c.Err() == nil {
		t.Error("expected privilege error after deletion")
	}
}

// TestSubregionClose writes through disjoint subregions and then
// reads the parent: an inter close must flush the subregion users
// and order the parent read after them.
func TestSubregionClose(t *testing.T) {
	sess, c := testSession(t)
	defer sess.Shutdown()
	ctx := testContext(t)
	region := bigpipe.NewRegion("R")
	part := region.Partition(2, true)

	var rec recorder
	c.IssueTask(TaskLauncher{
		Name:         "w0",
		Requirements: []bigpipe.RegionRequirement{writeReq(part.Subregion(0), 1)},
		Fn:           rec.task("w0"),
	})
	c.IssueTask(TaskLauncher{
		Name:         "w1",
		Requirements: []bigpipe.RegionRequirement{writeReq(part.Subregion(1), 1)},
		Fn:           rec.task("w1"),
	})
	c.IssueTask(TaskLauncher{
		Name:         "read",
		Requirements: []bigpipe.RegionRequirement{readReq(region, 1)},
		Fn:           rec.task("read"),
	})
	if err := c.Finish(ctx); err != nil {
		t.Fatal(err)
	}
	order := rec.get()
	if got, want := len(order), 3; got != want {
		t.Fatalf("got %d tasks, want %d", got, want)
	}
	if got, want := order[2], "read"; got != want {
		t.Errorf("parent read ran before subregion writers: %v", order)
	}
	if got := sess.Stats()["issued/Inter Close"]; got == 0 {
		t.Error("no inter close was issued")
	}
}

// TestAliasedRequirements verifies that interfering requirements of
// a single operation are reported as fatal.
func TestAliasedRequirements(t *testing.T) {
	sess, c := testSession(t)
	defer sess.Shutdown()
	ctx := testContext(t)
	region := bigpipe.NewRegion("R")

	c.IssueTask(TaskLauncher{
		Name: "aliased",
		Requirements: []bigpipe.RegionRequirement{
			writeReq(region, 1),
			writeReq(region, 1),
		},
		Fn: func(ctx context.Context, regions []*Instance) (interface{}, error) {
			return nil, nil
		},
	})
	_ = c.Drain(ctx)
	if c.Err() == nil {
		t.Error("expected aliased requirement error")
	}
}
