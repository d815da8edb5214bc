// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigpipe"
	"github.com/grailbio/bigpipe/event"
)

// A CopyLauncher describes a copy operation: pairwise copies from
// source requirements to destination requirements.
type CopyLauncher struct {
	Src       []bigpipe.RegionRequirement
	Dst       []bigpipe.RegionRequirement
	Predicate Predicate
}

// A CopyOp copies fields between pairs of regions. Copies are
// speculative: a predicated copy whose predicate resolves false is
// elided.
type CopyOp struct {
	SpeculativeOp
	src, dst     []bigpipe.RegionRequirement
	srcInstances []*Instance
	dstInstances []*Instance
}

func (o *CopyOp) Kind() OpKind { return CopyOpKind }

func (o *CopyOp) activate() { o.activateSpeculative() }

func (o *CopyOp) deactivate() {
	o.src, o.dst = nil, nil
	o.srcInstances, o.dstInstances = nil, nil
	o.deactivateSpeculative()
}

func (o *CopyOp) initialize(ctx *Context, launcher CopyLauncher) {
	o.initializeSpeculation(ctx, true, len(launcher.Src)+len(launcher.Dst), launcher.Predicate, o)
	o.src = launcher.Src
	o.dst = launcher.Dst
}

// Requirements implements Mappable: sources first, then
// destinations.
func (o *CopyOp) Requirements() []bigpipe.RegionRequirement {
	reqs := make([]bigpipe.RegionRequirement, 0, len(o.src)+len(o.dst))
	reqs = append(reqs, o.src...)
	return append(reqs, o.dst...)
}

func (o *CopyOp) triggerDependenceAnalysis() {
	o.beginDependenceAnalysis()
	o.registerPredicateDependence()
	for i, req := range o.src {
		o.parent.analyzeRegionRequirement(&o.Operation, i, req)
	}
	for i, req := range o.dst {
		idx := len(o.src) + i
		o.parent.analyzeRegionRequirement(&o.Operation, idx, req)
		// Two destinations that interfere cannot be mapped
		// independently.
		for j := 0; j < i; j++ {
			prev := o.dst[j]
			if bigpipe.Aliases(prev.Region, req.Region) && bigpipe.FieldsOverlap(prev.Fields, req.Fields) {
				o.self.reportAliasedRequirements(len(o.src)+j, idx)
			}
		}
	}
	o.endDependenceAnalysis()
}

func (o *CopyOp) speculate() (speculated, value bool) {
	// Copies do not guess; they wait for their predicate.
	return false, false
}

func (o *CopyOp) resolveTrue() {
	mapped := true
	o.srcInstances = make([]*Instance, len(o.src))
	o.dstInstances = make([]*Instance, len(o.dst))
	for i, req := range o.src {
		instance, err := o.rt.mapper.MapRegion(o, i, req)
		if err != nil {
			o.fail(err)
			mapped = false
			break
		}
		o.srcInstances[i] = instance
	}
	if mapped {
		for i, req := range o.dst {
			instance, err := o.rt.mapper.MapRegion(o, len(o.src)+i, req)
			if err != nil {
				o.fail(err)
				mapped = false
				break
			}
			o.dstInstances[i] = instance
		}
	}
	if !mapped {
		o.completeMapping()
		return
	}
	o.continueMapping()
}

func (o *CopyOp) resolveFalse() {
	o.completeMapping()
	o.completeExecution()
}

// triggerExecution performs the pairwise field copies. Copying out
// of a restricted instance is a fatal error; the data must be
// acquired first.
func (o *CopyOp) triggerExecution() error {
	for i := range o.src {
		src, dst := o.srcInstances[i], o.dstInstances[i]
		if src == nil || dst == nil {
			continue
		}
		if src.Restricted() {
			err := errors.E(errors.Fatal,
				"copy from restricted instance of "+src.Region().String())
			o.fail(err)
			return err
		}
		for j, field := range o.src[i].Fields {
			dstField := field
			if j < len(o.dst[i].Fields) {
				dstField = o.dst[i].Fields[j]
			}
			dst.Write(dstField, src.Read(field))
		}
	}
	o.completeExecution()
	return nil
}

// IssueCopy issues a copy operation and returns its completion
// event.
func (c *Context) IssueCopy(launcher CopyLauncher) event.Event {
	o := c.rt.alloc(CopyOpKind, func() opImpl {
		op := new(CopyOp)
		op.init(c.rt, op)
		return op
	}).(*CopyOp)
	o.initialize(c, launcher)
	completion := o.CompletionEvent()
	c.issue(&o.Operation)
	return completion
}
