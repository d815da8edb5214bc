// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/base/sync/ctxsync"
	"github.com/grailbio/bigpipe"
	"github.com/grailbio/bigpipe/event"
)

// stdContext aliases the standard library context type, whose name
// collides with the pipeline's Context.
type stdContext = context.Context

// A FenceKind selects how much ordering a fence imposes.
type FenceKind int

const (
	// MappingFence orders the mapping of later operations after the
	// fence; execution may still overlap.
	MappingFence FenceKind = iota
	// ExecutionFence orders the execution of later operations after
	// every earlier operation has completed.
	ExecutionFence
)

// A Context is the issuing surface of the pipeline: the parent task
// context in which operations are created, ordered, and tracked.
// Operations are appended to the context in program order from a
// single issuing goroutine; that order is the only serialization the
// runtime provides before dependence analysis.
type Context struct {
	rt   *Runtime
	sess *Session
	id   uint64
	name string

	logical *logicalState

	mu   sync.Mutex
	cond *ctxsync.Cond
	err  error

	// outstanding holds issued, uncommitted tracked operations with
	// the generation at issue.
	outstanding map[*Operation]uint64

	currentFence     *Operation
	currentFenceGen  uint64
	fenceMappingOnly bool

	traces       map[TraceID]*Trace
	currentTrace *Trace

	// predicates holds a reference per issued predicate handle; the
	// references keep predicate values sampleable until the context
	// finishes.
	predicates []Predicate

	outstandingFrames int
	frameWindow       int

	status *status.Task
}

// NewContext creates a new top-level issuing context.
func (s *Session) NewContext(name string) *Context {
	c := &Context{
		rt:          s.rt,
		sess:        s,
		id:          atomic.AddUint64(&s.rt.nextContextID, 1),
		name:        name,
		logical:     newLogicalState(),
		outstanding: make(map[*Operation]uint64),
		traces:      make(map[TraceID]*Trace),
		frameWindow: s.frameWindow,
	}
	c.cond = ctxsync.NewCond(&c.mu)
	if group := s.statusGroup; group != nil {
		c.status = group.Startf("context %s", name)
	}
	return c
}

// Name returns the context's diagnostic name.
func (c *Context) Name() string { return c.name }

// Runtime returns the runtime driving this context's operations.
func (c *Context) Runtime() *Runtime { return c.rt }

// childrenMapped returns the event inherited by operations issued in
// this context. A top-level context has no enclosing task, so the
// event has always triggered.
func (c *Context) childrenMapped() event.Event { return event.No }

// Err returns the first fatal error recorded against the context.
func (c *Context) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// recordError records a permanent operation failure. The first
// error sticks.
func (c *Context) recordError(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	log.Error.Printf("exec: context %s: %v", c.name, err)
}

func (c *Context) fatalf(format string, args ...interface{}) {
	c.recordError(errors.E(errors.Fatal, fmt.Sprintf(format, args...)))
}

// checkPrivilege verifies that the context holds the privilege the
// operation's idx'th requirement asks for, resolving the requirement
// to the parent requirement through which the privilege is held. A
// top-level context holds full privilege on every region tree it
// created; the check rejects requirements on deleted regions.
func (c *Context) checkPrivilege(o *Operation, idx int, req bigpipe.RegionRequirement) error {
	parentIdx := o.self.findParentIndex(idx)
	if !req.Region.IsValid() {
		return errors.E(errors.Fatal,
			fmt.Sprintf("operation %d: invalid region in requirement %d", o.UniqueID(), parentIdx))
	}
	if !req.ParentRegion().IsAncestorOf(req.Region) {
		return errors.E(errors.Fatal,
			fmt.Sprintf("operation %d: requirement %d: parent %s is not an ancestor of %s",
				o.UniqueID(), parentIdx, req.ParentRegion(), req.Region))
	}
	if c.logical.isDeleted(req.Region) {
		return errors.E(errors.Fatal,
			fmt.Sprintf("operation %d: requirement %d: no privilege on deleted region %s",
				o.UniqueID(), parentIdx, req.Region))
	}
	return nil
}

// issue appends the operation to the context in program order and
// runs its dependence analysis on the issuing goroutine. The
// operation picks up the context's current trace.
func (c *Context) issue(o *Operation) {
	c.mu.Lock()
	trace := c.currentTrace
	c.mu.Unlock()
	if trace != nil {
		o.setTrace(trace)
	}
	c.rt.stats.Issued.At(int(o.Kind())).Add(1)
	o.executeDependenceAnalysis()
}

// registerChild tracks the operation among the context's
// outstanding children.
func (c *Context) registerChild(o *Operation) {
	c.mu.Lock()
	c.outstanding[o] = o.Generation()
	c.mu.Unlock()
}

// registerFenceDependence orders a newly analyzed operation after
// the context's current fence.
func (c *Context) registerFenceDependence(o *Operation) {
	c.mu.Lock()
	fence, gen, mappingOnly := c.currentFence, c.currentFenceGen, c.fenceMappingOnly
	c.mu.Unlock()
	if fence == nil || fence == o {
		return
	}
	o.register(fence, gen, edge{
		sourceIdx:   -1,
		targetIdx:   -1,
		dtype:       bigpipe.TrueDependence,
		mappingOnly: mappingOnly,
	})
}

// setCurrentFence installs the fence every later operation must
// order itself after.
func (c *Context) setCurrentFence(o *Operation, mappingOnly bool) {
	c.mu.Lock()
	c.currentFence = o
	c.currentFenceGen = o.Generation()
	c.fenceMappingOnly = mappingOnly
	c.mu.Unlock()
}

// priorOps returns the context's outstanding operations other than
// o, for fence analysis.
func (c *Context) priorOps(o *Operation) []opGen {
	c.mu.Lock()
	defer c.mu.Unlock()
	ops := make([]opGen, 0, len(c.outstanding))
	for op, gen := range c.outstanding {
		if op != o {
			ops = append(ops, opGen{op, gen})
		}
	}
	return ops
}

func (c *Context) childMapped(o *Operation) {
	c.mu.Lock()
	c.cond.Broadcast()
	c.mu.Unlock()
}

func (c *Context) childCompleted(o *Operation) {
	c.mu.Lock()
	c.cond.Broadcast()
	c.mu.Unlock()
}

// childAbandoned drops a quashed, unrestarted operation from the
// context's outstanding set so that draining does not wait on it.
func (c *Context) childAbandoned(o *Operation) {
	c.mu.Lock()
	delete(c.outstanding, o)
	c.cond.Broadcast()
	c.mu.Unlock()
}

func (c *Context) childCommitted(o *Operation) {
	c.mu.Lock()
	delete(c.outstanding, o)
	c.cond.Broadcast()
	c.mu.Unlock()
}

// trackPredicate records a predicate handle whose reference the
// context releases at finish.
func (c *Context) trackPredicate(p Predicate) {
	c.mu.Lock()
	c.predicates = append(c.predicates, p)
	c.mu.Unlock()
}

// releasePredicates drops the handle references taken by predicate
// construction, letting resolved predicates commit.
func (c *Context) releasePredicates() {
	c.mu.Lock()
	predicates := c.predicates
	c.predicates = nil
	c.mu.Unlock()
	for _, p := range predicates {
		p.op.removePredicateReference(p.gen)
	}
}

// frameStarted blocks the issuing goroutine while the context's
// outstanding frame window is full.
func (c *Context) frameStarted(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.frameWindow > 0 && c.outstandingFrames >= c.frameWindow {
		if err := c.cond.Wait(ctx); err != nil {
			return err
		}
	}
	c.outstandingFrames++
	return nil
}

func (c *Context) frameCompleted() {
	c.mu.Lock()
	c.outstandingFrames--
	c.cond.Broadcast()
	c.mu.Unlock()
}

// Drain waits until every outstanding operation in the context has
// committed, or the provided context is done.
func (c *Context) Drain(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.outstanding) > 0 {
		if err := c.cond.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Finish flushes the context: a post close is issued for every
// undeleted root region the context analyzed, the context drains, and the
// first recorded fatal error (if any) is returned.
func (c *Context) Finish(ctx context.Context) error {
	for _, region := range c.logical.usedRegions() {
		c.issuePostClose(region)
	}
	c.releasePredicates()
	if err := c.Drain(ctx); err != nil {
		return err
	}
	if c.status != nil {
		c.status.Done()
	}
	return c.Err()
}
