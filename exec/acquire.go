// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigpipe"
	"github.com/grailbio/bigpipe/event"
)

// An AcquireLauncher describes an acquire of user-level coherence on
// the fields of a region whose instance is restricted.
type AcquireLauncher struct {
	Region    bigpipe.Region
	Parent    bigpipe.Region
	Fields    []bigpipe.FieldID
	Predicate Predicate
}

// A ReleaseLauncher releases coherence previously acquired.
type ReleaseLauncher struct {
	Region    bigpipe.Region
	Parent    bigpipe.Region
	Fields    []bigpipe.FieldID
	Predicate Predicate
}

// An AcquireOp lifts the restriction on a restricted instance for
// the span between it and the matching release, enabling user-level
// software coherence on simultaneously held data.
type AcquireOp struct {
	SpeculativeOp
	requirement bigpipe.RegionRequirement
	instance    *Instance
}

func (o *AcquireOp) Kind() OpKind { return AcquireOpKind }

func (o *AcquireOp) activate() { o.activateSpeculative() }

func (o *AcquireOp) deactivate() {
	o.instance = nil
	o.deactivateSpeculative()
}

func (o *AcquireOp) initialize(ctx *Context, launcher AcquireLauncher) {
	o.initializeSpeculation(ctx, true, 1, launcher.Predicate, o)
	o.requirement = bigpipe.RegionRequirement{
		Region:    launcher.Region,
		Parent:    launcher.Parent,
		Fields:    launcher.Fields,
		Privilege: bigpipe.ReadWrite,
		Coherence: bigpipe.Exclusive,
	}
}

// Requirements implements Mappable.
func (o *AcquireOp) Requirements() []bigpipe.RegionRequirement {
	return []bigpipe.RegionRequirement{o.requirement}
}

func (o *AcquireOp) triggerDependenceAnalysis() {
	o.beginDependenceAnalysis()
	o.registerPredicateDependence()
	o.parent.analyzeRegionRequirement(&o.Operation, 0, o.requirement)
	o.endDependenceAnalysis()
}

func (o *AcquireOp) speculate() (speculated, value bool) { return false, false }

func (o *AcquireOp) resolveTrue() {
	instance := o.rt.instances.find(o.requirement.Region, false)
	if instance == nil {
		o.fail(errors.E(errors.Precondition,
			"acquire of unmapped region "+o.requirement.Region.String()))
		o.completeMapping()
		return
	}
	o.mu.Lock()
	o.instance = instance
	o.mu.Unlock()
	o.continueMapping()
}

func (o *AcquireOp) resolveFalse() {
	o.completeMapping()
	o.completeExecution()
}

func (o *AcquireOp) triggerExecution() error {
	o.instance.setAcquired(true)
	o.completeExecution()
	return nil
}

// IssueAcquire issues an acquire operation and returns its
// completion event.
func (c *Context) IssueAcquire(launcher AcquireLauncher) event.Event {
	o := c.rt.alloc(AcquireOpKind, func() opImpl {
		op := new(AcquireOp)
		op.init(c.rt, op)
		return op
	}).(*AcquireOp)
	o.initialize(c, launcher)
	completion := o.CompletionEvent()
	c.issue(&o.Operation)
	return completion
}

// A ReleaseOp restores the restriction lifted by a matching
// AcquireOp.
type ReleaseOp struct {
	SpeculativeOp
	requirement bigpipe.RegionRequirement
	instance    *Instance
}

func (o *ReleaseOp) Kind() OpKind { return ReleaseOpKind }

func (o *ReleaseOp) activate() { o.activateSpeculative() }

func (o *ReleaseOp) deactivate() {
	o.instance = nil
	o.deactivateSpeculative()
}

func (o *ReleaseOp) initialize(ctx *Context, launcher ReleaseLauncher) {
	o.initializeSpeculation(ctx, true, 1, launcher.Predicate, o)
	o.requirement = bigpipe.RegionRequirement{
		Region:    launcher.Region,
		Parent:    launcher.Parent,
		Fields:    launcher.Fields,
		Privilege: bigpipe.ReadWrite,
		Coherence: bigpipe.Exclusive,
	}
}

// Requirements implements Mappable.
func (o *ReleaseOp) Requirements() []bigpipe.RegionRequirement {
	return []bigpipe.RegionRequirement{o.requirement}
}

func (o *ReleaseOp) triggerDependenceAnalysis() {
	o.beginDependenceAnalysis()
	o.registerPredicateDependence()
	o.parent.analyzeRegionRequirement(&o.Operation, 0, o.requirement)
	o.endDependenceAnalysis()
}

func (o *ReleaseOp) speculate() (speculated, value bool) { return false, false }

func (o *ReleaseOp) resolveTrue() {
	instance := o.rt.instances.find(o.requirement.Region, false)
	if instance == nil {
		o.fail(errors.E(errors.Precondition,
			"release of unmapped region "+o.requirement.Region.String()))
		o.completeMapping()
		return
	}
	o.mu.Lock()
	o.instance = instance
	o.mu.Unlock()
	o.continueMapping()
}

func (o *ReleaseOp) resolveFalse() {
	o.completeMapping()
	o.completeExecution()
}

func (o *ReleaseOp) triggerExecution() error {
	o.instance.setAcquired(false)
	o.completeExecution()
	return nil
}

// IssueRelease issues a release operation and returns its completion
// event.
func (c *Context) IssueRelease(launcher ReleaseLauncher) event.Event {
	o := c.rt.alloc(ReleaseOpKind, func() opImpl {
		op := new(ReleaseOp)
		op.init(c.rt, op)
		return op
	}).(*ReleaseOp)
	o.initialize(c, launcher)
	completion := o.CompletionEvent()
	c.issue(&o.Operation)
	return completion
}
