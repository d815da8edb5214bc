// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"github.com/grailbio/bigpipe"
)

// A CloseOp is the shared state of the runtime-inserted close
// operations that flush a region tree: InterCloseOp and PostCloseOp.
// Close operations are ordinary members of the dependence graph and
// run the standard lifecycle.
type CloseOp struct {
	Operation
	requirement bigpipe.RegionRequirement
}

func (o *CloseOp) activateClose()   { o.activateOperation() }
func (o *CloseOp) deactivateClose() { o.deactivateOperation() }

func (o *CloseOp) initializeClose(ctx *Context, req bigpipe.RegionRequirement, track bool) {
	o.initializeOperation(ctx, track, 1)
	o.requirement = req
}

// Requirement returns the close's region requirement.
func (o *CloseOp) Requirement() bigpipe.RegionRequirement { return o.requirement }

func (o *CloseOp) isCloseOp() bool { return true }

// An InterCloseOp is injected when a later operation needs access
// incompatible with currently open children of a region: it flushes
// the users below the target children back to the parent before the
// consumer runs. The creating operation is remembered so no
// self-edge is registered against it.
type InterCloseOp struct {
	CloseOp

	targetChildren []bigpipe.Region
	leaveOpen      bool
	flushed        []logicalUser

	createOp  *Operation
	createGen uint64
}

func (o *InterCloseOp) Kind() OpKind { return InterCloseOpKind }

func (o *InterCloseOp) activate() { o.activateClose() }

func (o *InterCloseOp) deactivate() {
	o.targetChildren = nil
	o.flushed = nil
	o.createOp = nil
	o.deactivateClose()
}

// TargetChildren returns the children flushed by this close.
func (o *InterCloseOp) TargetChildren() []bigpipe.Region { return o.targetChildren }

// LeaveOpen tells whether the children remain open after the close.
func (o *InterCloseOp) LeaveOpen() bool { return o.leaveOpen }

func (o *InterCloseOp) initialize(ctx *Context, req bigpipe.RegionRequirement, group closeGroup, leaveOpen bool, createOp *Operation) {
	o.initializeClose(ctx, req, true)
	o.targetChildren = []bigpipe.Region{group.child}
	o.leaveOpen = leaveOpen
	o.flushed = group.users
	o.createOp = createOp
	o.createGen = createOp.Generation()
}

// triggerDependenceAnalysis registers dependences on every user
// being flushed, suppressing edges against the operation that
// created the close.
func (o *InterCloseOp) triggerDependenceAnalysis() {
	o.beginDependenceAnalysis()
	for _, u := range o.flushed {
		if u.og.Op == o.createOp && u.og.Gen == o.createGen {
			continue
		}
		o.registerRegionDependence(0, u.og.Op, u.og.Gen, u.idx, bigpipe.TrueDependence, false)
	}
	o.endDependenceAnalysis()
}

// issueInterClose allocates and issues an inter close flushing the
// given group before createOp's requirement req can be analyzed. The
// close becomes a user of the target subtree in place of the users
// it flushed.
func (c *Context) issueInterClose(createOp *Operation, req bigpipe.RegionRequirement, group closeGroup) *InterCloseOp {
	o := c.rt.alloc(InterCloseOpKind, func() opImpl {
		op := new(InterCloseOp)
		op.init(c.rt, op)
		return op
	}).(*InterCloseOp)
	fields := make([]bigpipe.FieldID, len(req.Fields))
	copy(fields, req.Fields)
	closeReq := bigpipe.RegionRequirement{
		Region:    group.child,
		Parent:    req.ParentRegion(),
		Fields:    fields,
		Privilege: bigpipe.ReadWrite,
		Coherence: bigpipe.Exclusive,
	}
	leaveOpen := req.Privilege == bigpipe.ReadOnly
	o.initialize(c, closeReq, group, leaveOpen, createOp)
	c.issue(&o.Operation)
	c.logical.record(&o.Operation, 0, closeReq)
	return o
}

// A PostCloseOp is issued when a context finishes to flush its
// mapped instances back to the parent: it orders itself after every
// remaining user of a region tree.
type PostCloseOp struct {
	CloseOp
	flushed []logicalUser
}

func (o *PostCloseOp) Kind() OpKind { return PostCloseOpKind }

func (o *PostCloseOp) activate() { o.activateClose() }

func (o *PostCloseOp) deactivate() {
	o.flushed = nil
	o.deactivateClose()
}

func (o *PostCloseOp) initialize(ctx *Context, req bigpipe.RegionRequirement) {
	o.initializeClose(ctx, req, true)
	o.flushed = ctx.logical.usersOf(req.Region, nil)
}

func (o *PostCloseOp) triggerDependenceAnalysis() {
	o.beginDependenceAnalysis()
	for _, u := range o.flushed {
		o.registerRegionDependence(0, u.og.Op, u.og.Gen, u.idx, bigpipe.TrueDependence, false)
	}
	o.endDependenceAnalysis()
}

// issuePostClose issues a post close over an entire region tree.
func (c *Context) issuePostClose(region bigpipe.Region) *PostCloseOp {
	o := c.rt.alloc(PostCloseOpKind, func() opImpl {
		op := new(PostCloseOp)
		op.init(c.rt, op)
		return op
	}).(*PostCloseOp)
	req := bigpipe.RegionRequirement{
		Region:    region,
		Privilege: bigpipe.ReadWrite,
		Coherence: bigpipe.Exclusive,
	}
	o.initialize(c, req)
	c.issue(&o.Operation)
	return o
}
