// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"github.com/grailbio/bigpipe"
	"github.com/grailbio/bigpipe/event"
)

// A FenceOp imposes ordering that the data dependences alone do not:
// a mapping fence orders the mapping of later operations after it,
// and an execution fence additionally orders their execution after
// the completion of every operation issued before the fence.
type FenceOp struct {
	Operation
	fenceKind FenceKind
	prior     []opGen
}

func (o *FenceOp) Kind() OpKind { return FenceOpKind }

func (o *FenceOp) activate() { o.activateOperation() }

func (o *FenceOp) deactivate() {
	o.prior = nil
	o.deactivateOperation()
}

func (o *FenceOp) initialize(ctx *Context, kind FenceKind) {
	o.initializeOperation(ctx, true, 0)
	o.fenceKind = kind
}

// FenceKind returns the fence's kind.
func (o *FenceOp) FenceKind() FenceKind { return o.fenceKind }

// triggerDependenceAnalysis registers a dependence on every
// outstanding prior operation in the context and installs the fence
// as the context's current fence.
func (o *FenceOp) triggerDependenceAnalysis() {
	o.beginDependenceAnalysis()
	o.prior = o.parent.priorOps(&o.Operation)
	mappingOnly := o.fenceKind == MappingFence
	for _, og := range o.prior {
		o.register(og.Op, og.Gen, edge{
			sourceIdx:   -1,
			targetIdx:   -1,
			dtype:       bigpipe.TrueDependence,
			mappingOnly: mappingOnly,
		})
	}
	o.parent.setCurrentFence(&o.Operation, mappingOnly)
	o.endDependenceAnalysis()
}

// IssueFence issues a fence of the given kind and returns its
// completion event.
func (c *Context) IssueFence(kind FenceKind) event.Event {
	o := c.rt.alloc(FenceOpKind, func() opImpl {
		op := new(FenceOp)
		op.init(c.rt, op)
		return op
	}).(*FenceOp)
	o.initialize(c, kind)
	completion := o.CompletionEvent()
	c.issue(&o.Operation)
	return completion
}

// A FrameOp is a fence derivative that groups the operations of a
// context into frames: the context bounds how many frames may be
// outstanding, throttling the issuing goroutine when the window is
// full.
type FrameOp struct {
	FenceOp
}

func (o *FrameOp) Kind() OpKind { return FrameOpKind }

func (o *FrameOp) activate() { o.activateOperation() }

func (o *FrameOp) deactivate() {
	o.prior = nil
	o.deactivateOperation()
}

func (o *FrameOp) initialize(ctx *Context) {
	o.initializeOperation(ctx, true, 0)
	o.fenceKind = ExecutionFence
}

func (o *FrameOp) triggerComplete() {
	o.completeOperation()
	o.parent.frameCompleted()
}

// IssueFrame issues a frame marker, blocking while the context's
// frame window is full. It returns the frame's completion event.
func (c *Context) IssueFrame(ctx stdContext) (event.Event, error) {
	if err := c.frameStarted(ctx); err != nil {
		return event.No, err
	}
	o := c.rt.alloc(FrameOpKind, func() opImpl {
		op := new(FrameOp)
		op.init(c.rt, op)
		return op
	}).(*FrameOp)
	o.initialize(c)
	completion := o.CompletionEvent()
	c.issue(&o.Operation)
	return completion, nil
}
