// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"github.com/grailbio/bigpipe"
	"github.com/grailbio/bigpipe/event"
)

// A FillLauncher describes a fill: a constant value written over the
// fields of a region. The value is either an immediate byte buffer
// or a future resolving to one.
type FillLauncher struct {
	Requirement bigpipe.RegionRequirement
	Value       []byte
	Future      bigpipe.Future
	Predicate   Predicate
}

// A FillOp writes a constant over a logical region. Fills speculate
// true unconditionally: a fill that should not have run is simply
// elided on predicate-false, so guessing is always safe.
type FillOp struct {
	SpeculativeOp
	requirement bigpipe.RegionRequirement
	value       []byte
	future      bigpipe.Future
	instance    *Instance
}

func (o *FillOp) Kind() OpKind { return FillOpKind }

func (o *FillOp) activate() { o.activateSpeculative() }

func (o *FillOp) deactivate() {
	o.value = nil
	o.future = bigpipe.Future{}
	o.instance = nil
	o.deactivateSpeculative()
}

func (o *FillOp) initialize(ctx *Context, launcher FillLauncher) {
	o.initializeSpeculation(ctx, true, 1, launcher.Predicate, o)
	req := launcher.Requirement
	if req.Privilege == bigpipe.NoAccess {
		req.Privilege = bigpipe.WriteDiscard
	}
	o.requirement = req
	o.value = launcher.Value
	o.future = launcher.Future
}

// Requirements implements Mappable.
func (o *FillOp) Requirements() []bigpipe.RegionRequirement {
	return []bigpipe.RegionRequirement{o.requirement}
}

func (o *FillOp) triggerDependenceAnalysis() {
	o.beginDependenceAnalysis()
	o.registerPredicateDependence()
	o.parent.analyzeRegionRequirement(&o.Operation, 0, o.requirement)
	o.endDependenceAnalysis()
}

func (o *FillOp) speculate() (speculated, value bool) {
	// A fill can always be safely elided on predicate-false, so
	// speculating true costs nothing.
	return true, true
}

func (o *FillOp) resolveTrue() {
	instance, err := o.rt.mapper.MapRegion(o, 0, o.requirement)
	if err != nil {
		o.fail(err)
		o.completeMapping()
		return
	}
	o.mu.Lock()
	o.instance = instance
	o.mu.Unlock()
	o.continueMapping()
}

func (o *FillOp) resolveFalse() {
	o.completeMapping()
	o.completeExecution()
}

func (o *FillOp) triggerExecution() error {
	value := o.value
	if o.future.IsValid() {
		v, empty, err := o.future.Get(o.rt.ctx)
		if err != nil {
			o.fail(err)
			return err
		}
		if !empty {
			if b, ok := v.([]byte); ok {
				value = b
			}
		}
	}
	for _, field := range o.requirement.Fields {
		o.instance.Write(field, value)
	}
	o.completeExecution()
	return nil
}

// IssueFill issues a fill operation and returns its completion
// event.
func (c *Context) IssueFill(launcher FillLauncher) event.Event {
	o := c.rt.alloc(FillOpKind, func() opImpl {
		op := new(FillOp)
		op.init(c.rt, op)
		return op
	}).(*FillOp)
	o.initialize(c, launcher)
	completion := o.CompletionEvent()
	c.issue(&o.Operation)
	return completion
}
