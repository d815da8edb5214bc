// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"

	"github.com/grailbio/bigpipe"
)

// A TaskFunc is a task body. It receives the physical instances
// mapped for the task's region requirements, in requirement order,
// and returns the task's result value.
type TaskFunc func(ctx context.Context, regions []*Instance) (interface{}, error)

// A TaskLauncher describes a task launch: a name for diagnostics,
// the task's region requirements, its body, and an optional
// predicate.
type TaskLauncher struct {
	Name         string
	Requirements []bigpipe.RegionRequirement
	Fn           TaskFunc
	Predicate    Predicate
}

// A TaskOp runs a user task body on a processor chosen by the
// mapper. Tasks are speculative; a predicated task whose predicate
// resolves false produces an empty future.
type TaskOp struct {
	SpeculativeOp

	name      string
	fn        TaskFunc
	reqs      []bigpipe.RegionRequirement
	instances []*Instance
	proc      Processor
	future    bigpipe.Future
}

func (o *TaskOp) Kind() OpKind { return TaskOpKind }

func (o *TaskOp) activate() { o.activateSpeculative() }

func (o *TaskOp) deactivate() {
	o.fn = nil
	o.reqs = nil
	o.instances = nil
	o.future = bigpipe.Future{}
	o.deactivateSpeculative()
}

func (o *TaskOp) initialize(ctx *Context, launcher TaskLauncher) bigpipe.Future {
	o.initializeSpeculation(ctx, true, len(launcher.Requirements), launcher.Predicate, o)
	o.name = launcher.Name
	o.fn = launcher.Fn
	o.reqs = launcher.Requirements
	o.future = bigpipe.NewFuture()
	return o.future
}

// Name returns the task's diagnostic name.
func (o *TaskOp) Name() string { return o.name }

// Future returns the future carrying the task's result.
func (o *TaskOp) Future() bigpipe.Future { return o.future }

// Requirements implements Mappable.
func (o *TaskOp) Requirements() []bigpipe.RegionRequirement { return o.reqs }

func (o *TaskOp) triggerDependenceAnalysis() {
	o.beginDependenceAnalysis()
	o.registerPredicateDependence()
	for i, req := range o.reqs {
		o.parent.analyzeRegionRequirement(&o.Operation, i, req)
		for j := 0; j < i; j++ {
			prev := o.reqs[j]
			if prev.Privilege.IsWrite() || req.Privilege.IsWrite() {
				if bigpipe.Aliases(prev.Region, req.Region) && bigpipe.FieldsOverlap(prev.Fields, req.Fields) {
					o.self.reportAliasedRequirements(j, i)
				}
			}
		}
	}
	o.endDependenceAnalysis()
}

// triggerMapping defers to the must epoch when the task is an epoch
// member: members map collectively, not individually.
func (o *TaskOp) triggerMapping() {
	o.mu.Lock()
	epoch := o.mustEpoch
	o.mu.Unlock()
	if epoch != nil {
		epoch.notifyTaskReady(o)
		return
	}
	o.SpeculativeOp.triggerMapping()
}

func (o *TaskOp) speculate() (speculated, value bool) { return false, false }

func (o *TaskOp) resolveTrue() {
	if err := o.mapTask(); err != nil {
		o.fail(err)
		o.completeMapping()
		return
	}
	o.continueMapping()
}

func (o *TaskOp) resolveFalse() {
	o.future.SetEmpty()
	o.completeMapping()
	o.completeExecution()
}

// mapTask maps the task's region requirements to physical instances
// and selects its processor.
func (o *TaskOp) mapTask() error {
	instances := make([]*Instance, len(o.reqs))
	for i, req := range o.reqs {
		instance, err := o.rt.mapper.MapRegion(o, i, req)
		if err != nil {
			return err
		}
		instances[i] = instance
	}
	// The mapper may call back into the operation (UniqueID locks
	// o.mu), so the processor is selected outside the lock.
	proc := o.rt.mapper.SelectProcessor(o)
	o.mu.Lock()
	o.instances = instances
	o.proc = proc
	o.mu.Unlock()
	return nil
}

// triggerExecution dispatches the task body onto its processor.
func (o *TaskOp) triggerExecution() error {
	return o.launch()
}

// launch enqueues the task body on the task's processor. The body
// sets the task's future and completes execution when it returns.
func (o *TaskOp) launch() error {
	o.mu.Lock()
	proc, fn, instances := o.proc, o.fn, o.instances
	o.mu.Unlock()
	err := o.rt.executor.Launch(proc, o.name, func(ctx context.Context) {
		result, err := fn(ctx, instances)
		if err != nil {
			o.future.Fail(err)
			o.fail(err)
			return
		}
		o.future.Set(result)
		o.completeExecution()
	})
	if err != nil {
		o.future.Fail(err)
		o.fail(err)
	}
	return err
}

// IssueTask issues a task and returns the future carrying its
// result.
func (c *Context) IssueTask(launcher TaskLauncher) bigpipe.Future {
	return c.IssueTaskOp(launcher).Future()
}

// IssueTaskOp issues a task and returns the operation itself, for
// callers that need to observe lifecycle state.
func (c *Context) IssueTaskOp(launcher TaskLauncher) *TaskOp {
	o := c.rt.alloc(TaskOpKind, func() opImpl {
		op := new(TaskOp)
		op.init(c.rt, op)
		return op
	}).(*TaskOp)
	o.initialize(c, launcher)
	c.issue(&o.Operation)
	return o
}
