// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"github.com/grailbio/bigpipe"
	"github.com/grailbio/bigpipe/event"
)

// A DeletionKind names what a deletion operation removes.
type DeletionKind int

const (
	// RegionDeletion deletes a logical region subtree.
	RegionDeletion DeletionKind = iota
	// FieldDeletion orders a deletion of fields of a region subtree
	// after their users; no data is removed.
	FieldDeletion
)

// A DeletionOp defers a deletion until every operation issued before
// it is done with the deleted data: it orders itself after all
// outstanding users and performs the deletion when it commits. A
// region deletion marks the region deleted and drops its instance at
// commit; a field deletion only orders itself after the users of
// those fields and removes nothing.
type DeletionOp struct {
	Operation
	deletionKind DeletionKind
	region       bigpipe.Region
	fields       []bigpipe.FieldID
}

func (o *DeletionOp) Kind() OpKind { return DeletionOpKind }

func (o *DeletionOp) activate() { o.activateOperation() }

func (o *DeletionOp) deactivate() {
	o.fields = nil
	o.deactivateOperation()
}

func (o *DeletionOp) initializeRegionDeletion(ctx *Context, region bigpipe.Region) {
	o.initializeOperation(ctx, true, 0)
	o.deletionKind = RegionDeletion
	o.region = region
	// Deletions cannot be rolled back.
	o.requestEarlyCommit()
}

func (o *DeletionOp) initializeFieldDeletion(ctx *Context, region bigpipe.Region, fields []bigpipe.FieldID) {
	o.initializeOperation(ctx, true, 0)
	o.deletionKind = FieldDeletion
	o.region = region
	o.fields = fields
	o.requestEarlyCommit()
}

// triggerDependenceAnalysis orders the deletion after every
// outstanding user of the deleted data.
func (o *DeletionOp) triggerDependenceAnalysis() {
	o.beginDependenceAnalysis()
	var fields []bigpipe.FieldID
	if o.deletionKind == FieldDeletion {
		fields = o.fields
	}
	for _, u := range o.parent.logical.usersOf(o.region, fields) {
		o.registerRegionDependence(-1, u.og.Op, u.og.Gen, u.idx, bigpipe.TrueDependence, false)
	}
	o.endDependenceAnalysis()
}

// triggerCommit performs a deferred region deletion (a field deletion
// has nothing to perform) and retires the operation.
func (o *DeletionOp) triggerCommit() {
	if o.deletionKind == RegionDeletion {
		o.parent.logical.markDeleted(o.region)
		o.rt.instances.remove(o.region)
	}
	o.commitOperation()
}

// IssueRegionDeletion issues a deferred deletion of a region
// subtree, returning the deletion's completion event.
func (c *Context) IssueRegionDeletion(region bigpipe.Region) event.Event {
	o := c.rt.alloc(DeletionOpKind, func() opImpl {
		op := new(DeletionOp)
		op.init(c.rt, op)
		return op
	}).(*DeletionOp)
	o.initializeRegionDeletion(c, region)
	completion := o.CompletionEvent()
	c.issue(&o.Operation)
	return completion
}

// IssueFieldDeletion issues a deferred deletion of fields of a
// region, returning the deletion's completion event.
func (c *Context) IssueFieldDeletion(region bigpipe.Region, fields []bigpipe.FieldID) event.Event {
	o := c.rt.alloc(DeletionOpKind, func() opImpl {
		op := new(DeletionOp)
		op.init(c.rt, op)
		return op
	}).(*DeletionOp)
	o.initializeFieldDeletion(c, region, fields)
	completion := o.CompletionEvent()
	c.issue(&o.Operation)
	return completion
}
