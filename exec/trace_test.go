// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"reflect"
	"testing"

	"github.com/grailbio/bigpipe"
)

// TestTraceCaptureReplay captures a two-task trace and replays it:
// the second pass performs no analysis for the tasks, replaying the
// recorded edge instead, and the completion order matches the live
// pass.
func TestTraceCaptureReplay(t *testing.T) {
	sess, c := testSession(t)
	defer sess.Shutdown()
	ctx := testContext(t)
	const f = bigpipe.FieldID(1)
	region := bigpipe.NewRegion("R")
	var rec recorder

	issuePass := func(suffix string) {
		if err := c.BeginTrace(7); err != nil {
			t.Fatal(err)
		}
		for _, name := range []string{"A", "B"} {
			c.IssueTask(TaskLauncher{
				Name:         name + suffix,
				Requirements: []bigpipe.RegionRequirement{writeReq(region, f)},
				Fn:           rec.task(name + suffix),
			})
		}
		if err := c.EndTrace(7); err != nil {
			t.Fatal(err)
		}
	}

	issuePass("")   // capture
	issuePass("'")  // replay
	issuePass("''") // replay again
	if err := c.Finish(ctx); err != nil {
		t.Fatal(err)
	}
	want := []string{"A", "B", "A'", "B'", "A''", "B''"}
	if got := rec.get(); !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	// Each replayed pass replays both of its operations.
	if got, want := sess.Stats()["trace_replays"], int64(4); got != want {
		t.Errorf("got %d replays, want %d", got, want)
	}
	if got := sess.Stats()["trace_divergences"]; got != 0 {
		t.Errorf("got %d divergences, want 0", got)
	}
}

// TestEmptyTrace captures and replays a trace containing no
// operations.
func TestEmptyTrace(t *testing.T) {
	sess, c := testSession(t)
	defer sess.Shutdown()
	ctx := testContext(t)

	for i := 0; i < 3; i++ {
		if err := c.BeginTrace(1); err != nil {
			t.Fatal(err)
		}
		if err := c.EndTrace(1); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.Finish(ctx); err != nil {
		t.Fatal(err)
	}
}

// TestTraceOfOne captures and replays a single-operation trace.
func TestTraceOfOne(t *testing.T) {
	sess, c := testSession(t)
	defer sess.Shutdown()
	ctx := testContext(t)
	region := bigpipe.NewRegion("R")
	var rec recorder

	for i := 0; i < 2; i++ {
		if err := c.BeginTrace(2); err != nil {
			t.Fatal(err)
		}
		c.IssueTask(TaskLauncher{
			Name:         "only",
			Requirements: []bigpipe.RegionRequirement{writeReq(region, 1)},
			Fn:           rec.task("only"),
		})
		if err := c.EndTrace(2); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.Finish(ctx); err != nil {
		t.Fatal(err)
	}
	if got := len(rec.get()); got != 2 {
		t.Errorf("got %d executions, want 2", got)
	}
	if got, want := sess.Stats()["trace_replays"], int64(1); got != want {
		t.Errorf("got %d replays, want %d", got, want)
	}
}

// TestTraceDivergence replays a trace with a mismatched operation
// stream: the trace is abandoned with a warning and live analysis
// resumes; the divergent operation still completes correctly.
func TestTraceDivergence(t *testing.T) {
	sess, c := testSession(t)
	defer sess.Shutdown()
	ctx := testContext(t)
	region := bigpipe.NewRegion("R")
	var rec recorder

	if err := c.BeginTrace(3); err != nil {
		t.Fatal(err)
	}
	c.IssueTask(TaskLauncher{
		Name:         "captured",
		Requirements: []bigpipe.RegionRequirement{writeReq(region, 1)},
		Fn:           rec.task("captured"),
	})
	if err := c.EndTrace(3); err != nil {
		t.Fatal(err)
	}

	// Replay diverges: a fill is issued where a task was captured.
	if err := c.BeginTrace(3); err != nil {
		t.Fatal(err)
	}
	done := c.IssueFill(FillLauncher{
		Requirement: writeReq(region, 1),
		Value:       []byte("diverged"),
	})
	if err := c.EndTrace(3); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, ctx, done)
	if err := c.Finish(ctx); err != nil {
		t.Fatal(err)
	}
	if got, want := sess.Stats()["trace_divergences"], int64(1); got != want {
		t.Errorf("got %d divergences, want %d", got, want)
	}
	// Live analysis ordered the fill after the captured task's
	// write.
	instance := sess.Runtime().instances.find(region, false)
	if instance == nil {
		t.Fatal("no instance")
	}
	if got, want := string(instance.Read(1)), "diverged"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

// TestTraceEquivalence runs the same straight-line sequence live and
// under capture+replay: the observable completion order must be
// identical.
func TestTraceEquivalence(t *testing.T) {
	run := func(traced bool) []string {
		sess, c := testSession(t)
		defer sess.Shutdown()
		ctx, cancel := context.WithTimeout(context.Background(), 30e9)
		defer cancel()
		region := bigpipe.NewRegion("R")
		var rec recorder
		pass := func() {
			for _, name := range []string{"w1", "w2", "r"} {
				priv := writeReq(region, 1)
				if name == "r" {
					priv = readReq(region, 1)
				}
				c.IssueTask(TaskLauncher{
					Name:         name,
					Requirements: []bigpipe.RegionRequirement{priv},
					Fn:           rec.task(name),
				})
			}
		}
		if traced {
			if err := c.BeginTrace(9); err != nil {
				t.Fatal(err)
			}
			pass()
			if err := c.EndTrace(9); err != nil {
				t.Fatal(err)
			}
			if err := c.BeginTrace(9); err != nil {
				t.Fatal(err)
			}
			pass()
			if err := c.EndTrace(9); err != nil {
				t.Fatal(err)
			}
		} else {
			pass()
			pass()
		}
		if err := c.Finish(ctx); err != nil {
			t.Fatal(err)
		}
		return rec.get()
	}
	live := run(false)
	traced := run(true)
	if !reflect.DeepEqual(live, traced) {
		t.Errorf("live order %v differs from traced order %v", live, traced)
	}
}
