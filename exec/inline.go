// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"github.com/grailbio/bigpipe"
	"github.com/grailbio/bigpipe/event"
)

// A PhysicalRegion is the result of an inline mapping: a physical
// instance and an event that triggers when the instance's contents
// are valid.
type PhysicalRegion struct {
	op       *MapOp
	Instance *Instance
	Valid    event.Event
}

// A MapOp computes an inline mapping: it materializes a physical
// instance of a region requirement inside the issuing context. Once
// an inline mapping has mapped, its data can escape back to the
// application, so the operation completes and commits immediately
// rather than waiting on downstream consumers.
type MapOp struct {
	Operation
	requirement bigpipe.RegionRequirement
	instance    *Instance
	region      *PhysicalRegion
}

func (o *MapOp) Kind() OpKind { return MapOpKind }

func (o *MapOp) activate() { o.activateOperation() }

func (o *MapOp) deactivate() {
	o.instance = nil
	o.region = nil
	o.deactivateOperation()
}

func (o *MapOp) initialize(ctx *Context, req bigpipe.RegionRequirement) *PhysicalRegion {
	o.initializeOperation(ctx, true, 1)
	o.requirement = req
	o.region = &PhysicalRegion{op: o, Valid: o.CompletionEvent()}
	// Inline mappings cannot be rolled back once mapped.
	o.requestEarlyCommit()
	return o.region
}

// Requirement returns the mapping's region requirement.
func (o *MapOp) Requirement() bigpipe.RegionRequirement { return o.requirement }

// Requirements implements Mappable.
func (o *MapOp) Requirements() []bigpipe.RegionRequirement {
	return []bigpipe.RegionRequirement{o.requirement}
}

func (o *MapOp) triggerDependenceAnalysis() {
	o.beginDependenceAnalysis()
	o.parent.analyzeRegionRequirement(&o.Operation, 0, o.requirement)
	o.endDependenceAnalysis()
}

func (o *MapOp) triggerMapping() {
	instance, err := o.rt.mapper.MapRegion(o, 0, o.requirement)
	if err != nil {
		o.fail(err)
		o.completeMapping()
		o.resolveSpeculation()
		return
	}
	o.mu.Lock()
	o.instance = instance
	o.region.Instance = instance
	o.mu.Unlock()
	o.completeMapping()
	o.resolveSpeculation()
	o.rt.deferExecution(&o.Operation)
}

// IssueInlineMapping maps a region requirement inline, returning the
// physical region. The instance is populated once the region's Valid
// event triggers.
func (c *Context) IssueInlineMapping(req bigpipe.RegionRequirement) *PhysicalRegion {
	o := c.rt.alloc(MapOpKind, func() opImpl {
		op := new(MapOp)
		op.init(c.rt, op)
		return op
	}).(*MapOp)
	region := o.initialize(c, req)
	c.issue(&o.Operation)
	return region
}
