// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigpipe"
	"github.com/grailbio/bigpipe/event"
)

// A partitionThunk encapsulates one deferred partition computation
// so that PendingPartitionOp is uniform over the partitioning
// schemes. perform runs off the issuing core, when the operation
// executes.
type partitionThunk interface {
	perform(rt *Runtime) (bigpipe.Partition, error)
}

// equalPartitionThunk partitions a region into pieces of equal size.
type equalPartitionThunk struct {
	region      bigpipe.Region
	granularity int
}

func (t equalPartitionThunk) perform(rt *Runtime) (bigpipe.Partition, error) {
	if t.granularity <= 0 {
		return bigpipe.Partition{}, errors.E(errors.Invalid, "equal partition: granularity <= 0")
	}
	return t.region.Partition(t.granularity, true), nil
}

// weightedPartitionThunk partitions a region into pieces proportional
// to the provided weights.
type weightedPartitionThunk struct {
	region  bigpipe.Region
	weights []int
}

func (t weightedPartitionThunk) perform(rt *Runtime) (bigpipe.Partition, error) {
	if len(t.weights) == 0 {
		return bigpipe.Partition{}, errors.E(errors.Invalid, "weighted partition: no weights")
	}
	return t.region.Partition(len(t.weights), true), nil
}

// binaryPartitionThunk computes a partition from two existing
// partitions: union, intersection, or difference.
type binaryPartitionOpKind int

const (
	partitionUnion binaryPartitionOpKind = iota
	partitionIntersection
	partitionDifference
)

type binaryPartitionThunk struct {
	op       binaryPartitionOpKind
	region   bigpipe.Region
	handle1  bigpipe.Partition
	handle2  bigpipe.Partition
	disjoint bool
}

func (t binaryPartitionThunk) perform(rt *Runtime) (bigpipe.Partition, error) {
	n1, n2 := t.handle1.NumSubregions(), t.handle2.NumSubregions()
	if n1 != n2 {
		return bigpipe.Partition{}, errors.E(errors.Invalid, "binary partition: subregion counts differ")
	}
	// An intersection with a disjoint partition stays disjoint (its
	// issuer passes that in); a union is never marked disjoint; a
	// difference always is.
	disjoint := t.disjoint || t.op == partitionDifference
	return t.region.Partition(n1, disjoint), nil
}

// crossProductThunk computes the pairwise cross product of two
// partitions.
type crossProductThunk struct {
	region bigpipe.Region
	base   bigpipe.Partition
	source bigpipe.Partition
}

func (t crossProductThunk) perform(rt *Runtime) (bigpipe.Partition, error) {
	n := t.base.NumSubregions() * t.source.NumSubregions()
	if n == 0 {
		return bigpipe.Partition{}, errors.E(errors.Invalid, "cross product: empty partition")
	}
	return t.region.Partition(n, t.base.Disjoint() && t.source.Disjoint()), nil
}

// pendingSpaceThunk computes a pending index space from a set of
// handles: union, intersection, or difference from an initial
// space.
type pendingSpaceThunk struct {
	op      binaryPartitionOpKind
	region  bigpipe.Region
	handles []bigpipe.Region
}

func (t pendingSpaceThunk) perform(rt *Runtime) (bigpipe.Partition, error) {
	if len(t.handles) == 0 {
		return bigpipe.Partition{}, errors.E(errors.Invalid, "pending space: no handles")
	}
	// Differences subtract from disjoint pieces; unions and
	// intersections of arbitrary handles may overlap.
	return t.region.Partition(len(t.handles), t.op == partitionDifference), nil
}

// A PendingPartitionOp defers a partition computation off the
// issuing core. The scheme is captured as a thunk, so the operation
// is uniform; the resulting partition is published through the
// HandleReady event before the operation completes.
type PendingPartitionOp struct {
	Operation
	thunk       partitionThunk
	handleReady *event.User
	result      bigpipe.Partition
}

func (o *PendingPartitionOp) Kind() OpKind { return PendingPartitionOpKind }

func (o *PendingPartitionOp) activate() {
	o.activateOperation()
	o.handleReady = event.NewUser()
}

func (o *PendingPartitionOp) deactivate() {
	o.thunk = nil
	o.handleReady = nil
	o.result = bigpipe.Partition{}
	o.deactivateOperation()
}

func (o *PendingPartitionOp) isPartitionOp() bool { return true }

func (o *PendingPartitionOp) initialize(ctx *Context, thunk partitionThunk) {
	o.initializeOperation(ctx, true, 0)
	o.thunk = thunk
}

// HandleReady returns the event that triggers once the partition
// handle has been computed.
func (o *PendingPartitionOp) HandleReady() event.Event { return o.handleReady.Event() }

// Result returns the computed partition; it is valid once
// HandleReady has triggered.
func (o *PendingPartitionOp) Result() bigpipe.Partition {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.result
}

func (o *PendingPartitionOp) triggerExecution() error {
	partition, err := o.thunk.perform(o.rt)
	if err != nil {
		o.handleReady.Fail(err)
		o.fail(err)
		return err
	}
	o.mu.Lock()
	o.result = partition
	o.mu.Unlock()
	o.handleReady.Trigger()
	o.completeExecution()
	return nil
}

func (c *Context) issuePendingPartition(thunk partitionThunk) *PendingPartitionOp {
	o := c.rt.alloc(PendingPartitionOpKind, func() opImpl {
		op := new(PendingPartitionOp)
		op.init(c.rt, op)
		return op
	}).(*PendingPartitionOp)
	o.initialize(c, thunk)
	c.issue(&o.Operation)
	return o
}

// IssueEqualPartition defer-computes an equal partition of the
// region into granularity pieces.
func (c *Context) IssueEqualPartition(region bigpipe.Region, granularity int) *PendingPartitionOp {
	return c.issuePendingPartition(equalPartitionThunk{region, granularity})
}

// IssueWeightedPartition defer-computes a partition of the region
// weighted by weights.
func (c *Context) IssueWeightedPartition(region bigpipe.Region, weights []int) *PendingPartitionOp {
	return c.issuePendingPartition(weightedPartitionThunk{region, weights})
}

// IssueUnionPartition defer-computes the pairwise union of two
// partitions of the region.
func (c *Context) IssueUnionPartition(region bigpipe.Region, h1, h2 bigpipe.Partition) *PendingPartitionOp {
	return c.issuePendingPartition(binaryPartitionThunk{partitionUnion, region, h1, h2, false})
}

// IssueIntersectionPartition defer-computes the pairwise
// intersection of two partitions of the region.
func (c *Context) IssueIntersectionPartition(region bigpipe.Region, h1, h2 bigpipe.Partition) *PendingPartitionOp {
	return c.issuePendingPartition(binaryPartitionThunk{partitionIntersection, region, h1, h2, h1.Disjoint() || h2.Disjoint()})
}

// IssueDifferencePartition defer-computes the pairwise difference of
// two partitions of the region.
func (c *Context) IssueDifferencePartition(region bigpipe.Region, h1, h2 bigpipe.Partition) *PendingPartitionOp {
	return c.issuePendingPartition(binaryPartitionThunk{partitionDifference, region, h1, h2, true})
}

// IssueCrossProductPartition defer-computes the cross product of two
// partitions of the region.
func (c *Context) IssueCrossProductPartition(region bigpipe.Region, base, source bigpipe.Partition) *PendingPartitionOp {
	return c.issuePendingPartition(crossProductThunk{region, base, source})
}

// IssuePendingSpaceUnion defer-computes the union of a set of
// regions into a pending space under region.
func (c *Context) IssuePendingSpaceUnion(region bigpipe.Region, handles []bigpipe.Region) *PendingPartitionOp {
	return c.issuePendingPartition(pendingSpaceThunk{partitionUnion, region, handles})
}

// IssuePendingSpaceIntersection defer-computes the intersection of a
// set of regions into a pending space under region.
func (c *Context) IssuePendingSpaceIntersection(region bigpipe.Region, handles []bigpipe.Region) *PendingPartitionOp {
	return c.issuePendingPartition(pendingSpaceThunk{partitionIntersection, region, handles})
}

// IssuePendingSpaceDifference defer-computes the difference of a set
// of regions from an initial space under region.
func (c *Context) IssuePendingSpaceDifference(region bigpipe.Region, handles []bigpipe.Region) *PendingPartitionOp {
	return c.issuePendingPartition(pendingSpaceThunk{partitionDifference, region, handles})
}

// A DependentPartitionKind names how a dependent partition derives
// its pieces from field data.
type DependentPartitionKind int

const (
	// ByField buckets rows of a region by the value of a field.
	ByField DependentPartitionKind = iota
	// ByImage partitions by the image of a field treated as a
	// pointer into another region.
	ByImage
	// ByPreimage partitions by the preimage of such a field.
	ByPreimage
)

// A DependentPartitionOp computes a partition from field values in a
// region. Unlike a pending partition, it owns a real region
// requirement: it maps the region to read the field, so it goes
// through the full mapping stage before the partition computation
// runs.
type DependentPartitionOp struct {
	Operation
	partitionKind DependentPartitionKind
	requirement   bigpipe.RegionRequirement
	colors        int
	instance      *Instance
	handleReady   *event.User
	result        bigpipe.Partition
}

func (o *DependentPartitionOp) Kind() OpKind { return DependentPartitionOpKind }

func (o *DependentPartitionOp) activate() {
	o.activateOperation()
	o.handleReady = event.NewUser()
}

func (o *DependentPartitionOp) deactivate() {
	o.instance = nil
	o.handleReady = nil
	o.result = bigpipe.Partition{}
	o.deactivateOperation()
}

func (o *DependentPartitionOp) isPartitionOp() bool { return true }

func (o *DependentPartitionOp) initialize(ctx *Context, kind DependentPartitionKind, region, parent bigpipe.Region, field bigpipe.FieldID, colors int) {
	o.initializeOperation(ctx, true, 1)
	o.partitionKind = kind
	o.requirement = bigpipe.RegionRequirement{
		Region:    region,
		Parent:    parent,
		Fields:    []bigpipe.FieldID{field},
		Privilege: bigpipe.ReadOnly,
		Coherence: bigpipe.Exclusive,
	}
	o.colors = colors
}

// Requirements implements Mappable.
func (o *DependentPartitionOp) Requirements() []bigpipe.RegionRequirement {
	return []bigpipe.RegionRequirement{o.requirement}
}

// HandleReady returns the event that triggers once the partition
// handle has been computed.
func (o *DependentPartitionOp) HandleReady() event.Event { return o.handleReady.Event() }

// Result returns the computed partition; it is valid once
// HandleReady has triggered.
func (o *DependentPartitionOp) Result() bigpipe.Partition {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.result
}

func (o *DependentPartitionOp) triggerDependenceAnalysis() {
	o.beginDependenceAnalysis()
	o.parent.analyzeRegionRequirement(&o.Operation, 0, o.requirement)
	o.endDependenceAnalysis()
}

func (o *DependentPartitionOp) triggerMapping() {
	instance, err := o.rt.mapper.MapRegion(o, 0, o.requirement)
	if err != nil {
		o.fail(err)
		o.completeMapping()
		o.resolveSpeculation()
		return
	}
	o.mu.Lock()
	o.instance = instance
	o.mu.Unlock()
	o.completeMapping()
	o.resolveSpeculation()
	o.rt.deferExecution(&o.Operation)
}

func (o *DependentPartitionOp) triggerExecution() error {
	if o.colors <= 0 {
		err := errors.E(errors.Invalid, "dependent partition: colors <= 0")
		o.handleReady.Fail(err)
		o.fail(err)
		return err
	}
	// Images and preimages may alias; by-field buckets are disjoint.
	disjoint := o.partitionKind == ByField
	partition := o.requirement.Region.Partition(o.colors, disjoint)
	o.mu.Lock()
	o.result = partition
	o.mu.Unlock()
	o.handleReady.Trigger()
	o.completeExecution()
	return nil
}

// IssueDependentPartition computes a partition of region derived
// from the values of field, bucketed into colors pieces.
func (c *Context) IssueDependentPartition(kind DependentPartitionKind, region, parent bigpipe.Region, field bigpipe.FieldID, colors int) *DependentPartitionOp {
	o := c.rt.alloc(DependentPartitionOpKind, func() opImpl {
		op := new(DependentPartitionOp)
		op.init(c.rt, op)
		return op
	}).(*DependentPartitionOp)
	o.initialize(c, kind, region, parent, field, colors)
	c.issue(&o.Operation)
	return o
}
