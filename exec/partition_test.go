// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"testing"

	"github.com/grailbio/bigpipe"
)

// TestEqualPartition defer-computes an equal partition and observes
// the handle through HandleReady.
func TestEqualPartition(t *testing.T) {
	sess, c := testSession(t)
	defer sess.Shutdown()
	ctx := testContext(t)
	region := bigpipe.NewRegion("R")

	op := c.IssueEqualPartition(region, 4)
	waitEvent(t, ctx, op.HandleReady())
	partition := op.Result()
	if got, want := partition.NumSubregions(), 4; got != want {
		t.Errorf("got %d subregions, want %d", got, want)
	}
	if !partition.Disjoint() {
		t.Error("equal partition should be disjoint")
	}
	if err := c.Finish(ctx); err != nil {
		t.Fatal(err)
	}
}

// TestBinaryPartitions exercises the union, intersection,
// difference, and cross-product thunks.
func TestBinaryPartitions(t *testing.T) {
	sess, c := testSession(t)
	defer sess.Shutdown()
	ctx := testContext(t)
	region := bigpipe.NewRegion("R")

	p1 := c.IssueEqualPartition(region, 2)
	p2 := c.IssueEqualPartition(region, 2)
	waitEvent(t, ctx, p1.HandleReady())
	waitEvent(t, ctx, p2.HandleReady())

	union := c.IssueUnionPartition(region, p1.Result(), p2.Result())
	inter := c.IssueIntersectionPartition(region, p1.Result(), p2.Result())
	diff := c.IssueDifferencePartition(region, p1.Result(), p2.Result())
	cross := c.IssueCrossProductPartition(region, p1.Result(), p2.Result())
	for _, op := range []*PendingPartitionOp{union, inter, diff, cross} {
		waitEvent(t, ctx, op.HandleReady())
	}
	if got, want := union.Result().NumSubregions(), 2; got != want {
		t.Errorf("union: got %d subregions, want %d", got, want)
	}
	if got, want := cross.Result().NumSubregions(), 4; got != want {
		t.Errorf("cross product: got %d subregions, want %d", got, want)
	}
	if !diff.Result().Disjoint() {
		t.Error("difference partition should be disjoint")
	}
	if err := c.Finish(ctx); err != nil {
		t.Fatal(err)
	}
}

// TestPendingSpaces exercises the pending-space thunks.
func TestPendingSpaces(t *testing.T) {
	sess, c := testSession(t)
	defer sess.Shutdown()
	ctx := testContext(t)
	region := bigpipe.NewRegion("R")
	handles := []bigpipe.Region{bigpipe.NewRegion("a"), bigpipe.NewRegion("b")}

	for _, op := range []*PendingPartitionOp{
		c.IssuePendingSpaceUnion(region, handles),
		c.IssuePendingSpaceIntersection(region, handles),
		c.IssuePendingSpaceDifference(region, handles),
	} {
		waitEvent(t, ctx, op.HandleReady())
		if got, want := op.Result().NumSubregions(), 2; got != want {
			t.Errorf("got %d subregions, want %d", got, want)
		}
	}
	if err := c.Finish(ctx); err != nil {
		t.Fatal(err)
	}
}

// TestDependentPartition verifies that a dependent partition maps
// its region requirement: it runs only after the producer of the
// field it reads.
func TestDependentPartition(t *testing.T) {
	sess, c := testSession(t)
	defer sess.Shutdown()
	ctx := testContext(t)
	region := bigpipe.NewRegion("R")

	ran := make(chan struct{})
	c.IssueTask(TaskLauncher{
		Name:         "writer",
		Requirements: []bigpipe.RegionRequirement{writeReq(region, 1)},
		Fn: func(ctx context.Context, regions []*Instance) (interface{}, error) {
			regions[0].Write(1, []byte{1, 2, 3})
			close(ran)
			return nil, nil
		},
	})
	op := c.IssueDependentPartition(ByField, region, region, 1, 3)
	waitEvent(t, ctx, op.HandleReady())
	select {
	case <-ran:
	default:
		t.Error("dependent partition computed before the field writer ran")
	}
	partition := op.Result()
	if got, want := partition.NumSubregions(), 3; got != want {
		t.Errorf("got %d subregions, want %d", got, want)
	}
	if !partition.Disjoint() {
		t.Error("by-field partition should be disjoint")
	}
	if err := c.Finish(ctx); err != nil {
		t.Fatal(err)
	}
}
