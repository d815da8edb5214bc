// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigpipe"
)

// A TraceID names a trace within a context; identifiers are chosen
// by the user.
type TraceID uint64

// A traceEntry records one operation observed during capture: a weak
// reference for edge targeting and the kind for replay matching
// (the object may be recycled between executions, but free lists are
// per kind, so the kind is stable).
type traceEntry struct {
	og   opGen
	kind OpKind
}

// A traceDep is the generalized, position-based form of a captured
// edge: the predecessor's index in the trace and the region index
// the source validates, or -1.
type traceDep struct {
	prevIdx  int
	validIdx int
}

// A Trace memoizes the dependence analysis of a fragment of the
// operation stream. The first execution captures: every registered
// operation is appended in order and every edge among them is stored
// positionally. A TraceCaptureOp fixes the trace; on subsequent
// executions the per-operation analysis is skipped and the recorded
// edges are replayed verbatim. For an identical operation sequence,
// replay yields exactly the edges capture produced; a divergent
// sequence abandons the trace and reverts to live analysis.
type Trace struct {
	tid TraceID
	ctx *Context

	mu          sync.Mutex
	operations  []traceEntry
	opMap       map[opGen]int
	dependences [][]traceDep
	fixed       bool
	tracing     bool

	// replay is this execution's operation sequence, rebuilt on each
	// replay so recorded indices resolve to the current objects.
	replay   []opGen
	diverged bool
}

func newTrace(tid TraceID, ctx *Context) *Trace {
	return &Trace{
		tid:   tid,
		ctx:   ctx,
		opMap: make(map[opGen]int),
	}
}

// ID returns the trace's identifier.
func (t *Trace) ID() TraceID { return t.tid }

// IsFixed tells whether capture has finished; a fixed trace may be
// replayed any number of times.
func (t *Trace) IsFixed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fixed
}

// IsTracing tells whether the trace is in its first, capturing
// execution.
func (t *Trace) IsTracing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tracing
}

// Len returns the number of operations captured.
func (t *Trace) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.operations)
}

// fixTrace ends capture: no further operations may be recorded.
func (t *Trace) fixTrace() {
	t.mu.Lock()
	t.fixed = true
	t.tracing = false
	t.mu.Unlock()
}

// registerOperation appends an operation observed during capture.
func (t *Trace) registerOperation(o *Operation, gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fixed {
		return
	}
	key := opGen{o, gen}
	t.opMap[key] = len(t.operations)
	t.operations = append(t.operations, traceEntry{key, o.self.Kind()})
	t.dependences = append(t.dependences, nil)
}

// recordDependence stores a captured edge positionally. Edges whose
// endpoints lie outside the trace are not recorded: replay
// re-creates only intra-trace structure, and the trace-complete
// fence orders everything else.
func (t *Trace) recordDependence(target *Operation, targetGen uint64, source *Operation, sourceGen uint64, validIdx int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fixed {
		return
	}
	srcIdx, ok := t.opMap[opGen{source, sourceGen}]
	if !ok {
		return
	}
	prevIdx, ok := t.opMap[opGen{target, targetGen}]
	if !ok {
		return
	}
	for _, d := range t.dependences[srcIdx] {
		if d.prevIdx == prevIdx && d.validIdx == validIdx {
			return
		}
	}
	t.dependences[srcIdx] = append(t.dependences[srcIdx], traceDep{prevIdx, validIdx})
}

// replayDependences replays the recorded edges for the next
// operation of this execution. It returns false on divergence: the
// issued operation does not match the next trace entry.
func (t *Trace) replayDependences(o *Operation) bool {
	t.mu.Lock()
	if t.diverged {
		t.mu.Unlock()
		return false
	}
	idx := len(t.replay)
	if idx >= len(t.operations) || t.operations[idx].kind != o.self.Kind() {
		t.diverged = true
		t.mu.Unlock()
		t.ctx.abandonTrace(t, o)
		return false
	}
	t.replay = append(t.replay, opGen{o, o.Generation()})
	deps := t.dependences[idx]
	replay := t.replay
	t.mu.Unlock()

	for _, d := range deps {
		pred := replay[d.prevIdx]
		if d.validIdx >= 0 {
			o.registerRegionDependence(-1, pred.Op, pred.Gen, d.validIdx, bigpipe.TrueDependence, true)
		} else {
			o.registerDependence(pred.Op, pred.Gen)
		}
	}
	t.ctx.rt.stats.Replays.Add(1)
	return true
}

// currentOps returns this execution's operations: the replay
// sequence, or the capture sequence during the first execution.
func (t *Trace) currentOps() []opGen {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tracing || !t.fixed {
		ops := make([]opGen, len(t.operations))
		for i, e := range t.operations {
			ops[i] = e.og
		}
		return ops
	}
	ops := make([]opGen, len(t.replay))
	copy(ops, t.replay)
	return ops
}

// endTraceExecution resets per-execution replay state.
func (t *Trace) endTraceExecution() {
	t.mu.Lock()
	t.replay = nil
	t.mu.Unlock()
}

// abandonTrace reverts the context to live analysis after a replay
// divergence. The divergent operation's analysis resumes live.
func (c *Context) abandonTrace(t *Trace, o *Operation) {
	c.rt.stats.Divergences.Add(1)
	log.Error.Printf("exec: trace %d diverged at %s; reverting to live analysis", t.ID(), o)
	c.sess.eventer.Event("bigpipe:traceDiverged", "trace", int64(t.ID()), "context", c.name)
	c.mu.Lock()
	if c.currentTrace == t {
		c.currentTrace = nil
	}
	delete(c.traces, t.ID())
	c.mu.Unlock()
}

// BeginTrace enters the trace with the given id: the first execution
// captures, later executions replay. Traces do not nest.
func (c *Context) BeginTrace(id TraceID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.currentTrace != nil {
		return errors.E(errors.Invalid, "trace already in progress")
	}
	t := c.traces[id]
	if t == nil {
		t = newTrace(id, c)
		t.tracing = true
		c.traces[id] = t
	}
	c.currentTrace = t
	return nil
}

// EndTrace leaves the current trace: a capturing trace is fixed by
// an injected TraceCaptureOp, and a replaying one is closed by a
// TraceCompleteOp that becomes the context's current fence.
func (c *Context) EndTrace(id TraceID) error {
	c.mu.Lock()
	t := c.currentTrace
	// The injected marker operations are not themselves part of the
	// trace.
	c.currentTrace = nil
	c.mu.Unlock()
	if t == nil {
		// The trace diverged (or was never begun); nothing to close.
		return nil
	}
	if t.ID() != id {
		return errors.E(errors.Invalid, "mismatched trace id")
	}
	if t.IsTracing() {
		c.issueTraceCapture(t)
	} else {
		c.issueTraceComplete(t)
	}
	return nil
}

// A TraceCaptureOp is injected into the stream at the end of a
// trace's first execution: its dependence analysis fixes the trace
// for replay.
type TraceCaptureOp struct {
	Operation
	tr *Trace
}

func (o *TraceCaptureOp) Kind() OpKind { return TraceCaptureOpKind }

func (o *TraceCaptureOp) activate() { o.activateOperation() }

func (o *TraceCaptureOp) deactivate() {
	o.tr = nil
	o.deactivateOperation()
}

func (o *TraceCaptureOp) initialize(ctx *Context, t *Trace) {
	o.initializeOperation(ctx, true, 0)
	o.tr = t
}

func (o *TraceCaptureOp) triggerDependenceAnalysis() {
	o.beginDependenceAnalysis()
	// The capture point fences the trace: later operations (the
	// first replay in particular) order themselves after the whole
	// captured fragment.
	for _, og := range o.tr.currentOps() {
		o.register(og.Op, og.Gen, edge{sourceIdx: -1, targetIdx: -1, dtype: bigpipe.TrueDependence})
	}
	o.parent.setCurrentFence(&o.Operation, false)
	o.tr.fixTrace()
	o.endDependenceAnalysis()
}

func (c *Context) issueTraceCapture(t *Trace) {
	o := c.rt.alloc(TraceCaptureOpKind, func() opImpl {
		op := new(TraceCaptureOp)
		op.init(c.rt, op)
		return op
	}).(*TraceCaptureOp)
	o.initialize(c, t)
	c.issue(&o.Operation)
}

// A TraceCompleteOp ends a replayed execution of a trace: a fence
// derivative that registers dependences on every operation in the
// trace and becomes the context's new current fence.
type TraceCompleteOp struct {
	FenceOp
	tr *Trace
}

func (o *TraceCompleteOp) Kind() OpKind { return TraceCompleteOpKind }

func (o *TraceCompleteOp) activate() { o.activateOperation() }

func (o *TraceCompleteOp) deactivate() {
	o.tr = nil
	o.prior = nil
	o.deactivateOperation()
}

func (o *TraceCompleteOp) initialize(ctx *Context, t *Trace) {
	o.initializeOperation(ctx, true, 0)
	o.fenceKind = ExecutionFence
	o.tr = t
}

func (o *TraceCompleteOp) triggerDependenceAnalysis() {
	o.beginDependenceAnalysis()
	for _, og := range o.tr.currentOps() {
		o.register(og.Op, og.Gen, edge{sourceIdx: -1, targetIdx: -1, dtype: bigpipe.TrueDependence})
	}
	o.parent.setCurrentFence(&o.Operation, false)
	o.tr.endTraceExecution()
	o.endDependenceAnalysis()
}

func (c *Context) issueTraceComplete(t *Trace) {
	o := c.rt.alloc(TraceCompleteOpKind, func() opImpl {
		op := new(TraceCompleteOp)
		op.init(c.rt, op)
		return op
	}).(*TraceCompleteOp)
	o.initialize(c, t)
	c.issue(&o.Operation)
}
