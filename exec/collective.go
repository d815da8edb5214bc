// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"github.com/grailbio/bigpipe"
)

// A DynamicCollectiveOp snapshots the reduced value of a dynamic
// collective into a future once all arrivals have occurred. Routing
// the read through an operation gives collectives a place in the
// dependence graph, so their results can be rolled back and
// memoized like any other operation's.
type DynamicCollectiveOp struct {
	Operation
	collective bigpipe.DynamicCollective
	future     bigpipe.Future
}

func (o *DynamicCollectiveOp) Kind() OpKind { return DynamicCollectiveOpKind }

func (o *DynamicCollectiveOp) activate() { o.activateOperation() }

func (o *DynamicCollectiveOp) deactivate() {
	o.collective = bigpipe.DynamicCollective{}
	o.future = bigpipe.Future{}
	o.deactivateOperation()
}

func (o *DynamicCollectiveOp) initialize(ctx *Context, dc bigpipe.DynamicCollective) bigpipe.Future {
	o.initializeOperation(ctx, true, 0)
	o.collective = dc
	o.future = bigpipe.NewFuture()
	return o.future
}

// triggerExecution waits for the collective's arrivals and publishes
// the reduced value.
func (o *DynamicCollectiveOp) triggerExecution() error {
	if err := o.collective.Ready().Wait(o.rt.ctx); err != nil {
		o.future.Fail(err)
		o.fail(err)
		return err
	}
	o.future.Set(o.collective.Value())
	o.completeExecution()
	return nil
}

// IssueDynamicCollective issues an operation that reads the
// collective's reduced value into the returned future.
func (c *Context) IssueDynamicCollective(dc bigpipe.DynamicCollective) bigpipe.Future {
	o := c.rt.alloc(DynamicCollectiveOpKind, func() opImpl {
		op := new(DynamicCollectiveOp)
		op.init(c.rt, op)
		return op
	}).(*DynamicCollectiveOp)
	future := o.initialize(c, dc)
	c.issue(&o.Operation)
	return future
}
