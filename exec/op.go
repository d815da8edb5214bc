// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"fmt"
	"sync"

	"github.com/grailbio/base/log"
	"github.com/grailbio/bigpipe"
	"github.com/grailbio/bigpipe/event"
)

// opImpl is the kind-specific behavior of an operation. The Operation
// base provides defaults for every method except Kind; concrete
// kinds embed Operation and override the stages they care about.
// Every concrete operation must arrange for the base's self pointer
// to refer to the outermost value so that stage dispatch reaches the
// overridden methods.
type opImpl interface {
	// Kind returns the operation's kind.
	Kind() OpKind

	// activate readies a recycled operation for a fresh use.
	activate()
	// deactivate clears kind state before the operation is returned
	// to its free list.
	deactivate()

	// triggerDependenceAnalysis walks the region state producing
	// dependence edges. It runs on the issuing thread, bracketed by
	// begin/endDependenceAnalysis.
	triggerDependenceAnalysis()
	// triggerMapping runs when the operation's mapping dependences
	// have drained. It runs on a runtime worker.
	triggerMapping()
	// triggerExecution launches the operation's kind-specific work.
	// It runs on a runtime worker after the operation's execution
	// preconditions have triggered.
	triggerExecution() error
	// triggerResolution resolves speculation for the operation.
	triggerResolution()
	// triggerComplete runs when the operation has mapped, executed,
	// and resolved.
	triggerComplete()
	// triggerCommit retires the operation.
	triggerCommit()

	// reportAliasedRequirements is invoked when two region
	// requirements of the operation alias in a way the mapper did
	// not arrange for.
	reportAliasedRequirements(idx1, idx2 int)
	// findParentIndex resolves the operation's idx'th region
	// requirement to the index of the parent context requirement
	// through which the privilege is held.
	findParentIndex(idx int) int

	isCloseOp() bool
	isPartitionOp() bool
}

// opGen pairs an operation with an expected generation: a weak
// reference. The reference is valid only while the operation's
// generation equals Gen; a committed operation bumps its generation,
// invalidating all outstanding opGens at once.
type opGen struct {
	Op  *Operation
	Gen uint64
}

// An Operation is one node of the runtime's dependence graph. It
// carries the lifecycle state machine shared by every operation kind
// and the edge bookkeeping produced by dependence analysis.
//
// Operations are owned by the context that issues them and are
// recycled through per-kind free lists once committed. Any of the
// issuing thread, runtime workers, and event callbacks may touch an
// operation concurrently; all state changes happen under the
// operation's lock.
type Operation struct {
	rt   *Runtime
	self opImpl

	// lockOrder is assigned once per object (not per activation) and
	// gives the canonical order in which peer-pair locks are taken.
	lockOrder uint64

	mu       sync.Mutex
	gen      uint64
	uniqueID uint64

	// incoming holds the operations this operation depends on;
	// outgoing the operations that depend on it. Values are the
	// peer's generation at edge time.
	incoming map[*Operation]uint64
	outgoing map[*Operation]uint64
	// incomingKinds records the strongest dependence kind per
	// incoming peer; incomingRegions the set of (peer region index)
	// pairs already registered, for idempotence.
	incomingKinds   map[*Operation]bigpipe.DependenceType
	incomingRegions map[*Operation]map[int]bool

	outstandingMappingDeps     int
	outstandingSpeculationDeps int
	outstandingCommitDeps      int
	outstandingMappingRefs     int

	// unverifiedRegions holds this operation's region requirement
	// indices not yet verified by a downstream consumer.
	// verifyRegions maps each upstream operation to the set of its
	// region indices this operation will verify on completion.
	unverifiedRegions map[int]bool
	verifyRegions     map[*Operation]map[int]bool

	// executionPreconditions are the completion events of upstream
	// operations whose data this operation consumes; execution does
	// not launch until they have all triggered.
	executionPreconditions []event.Event
	// dependentChildrenMapped collects the children-mapped events of
	// upstream operations.
	dependentChildrenMapped []event.Event

	mapped    bool
	executed  bool
	resolved  bool
	hardened  bool
	completed bool
	committed bool

	triggerMappingInvoked    bool
	triggerResolutionInvoked bool
	triggerCompleteInvoked   bool
	triggerCommitInvoked     bool
	earlyCommitRequest       bool
	needCompletionTrigger    bool
	trackParent              bool

	parent         *Context
	childrenMapped event.Event
	completion     *event.User

	trace   *Trace
	tracing bool

	mustEpoch      *MustEpochOp
	mustEpochGen   uint64
	mustEpochIndex int
}

// init wires the operation to its runtime and outermost impl. It is
// called once when the object is first constructed; activation
// reuses the wiring.
func (o *Operation) init(rt *Runtime, self opImpl) {
	o.rt = rt
	o.self = self
	o.lockOrder = rt.nextLockOrder()
}

// Kind returns the operation's kind.
func (o *Operation) Kind() OpKind { return o.self.Kind() }

// UniqueID returns the operation's unique identifier for this
// activation.
func (o *Operation) UniqueID() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.uniqueID
}

// Generation returns the operation's current generation.
func (o *Operation) Generation() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.gen
}

// Parent returns the context in which the operation was issued.
func (o *Operation) Parent() *Context { return o.parent }

// CompletionEvent returns the operation's user-visible completion
// event for the current activation.
func (o *Operation) CompletionEvent() event.Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.completion.Event()
}

// Trace returns the trace the operation was issued under, if any.
func (o *Operation) Trace() *Trace { return o.trace }

// String returns a short diagnostic description. It reads state
// without the lock so that it is safe to call while the lock is
// held.
func (o *Operation) String() string {
	return fmt.Sprintf("%s op %d (gen %d)", o.self.Kind(), o.uniqueID, o.gen)
}

// activateOperation readies the base state for a fresh use. The
// generation is deliberately left alone: it advanced at the previous
// commit, and the (operation, generation) pair must keep naming
// distinct logical nodes across reuse.
func (o *Operation) activateOperation() {
	o.mu.Lock()
	o.uniqueID = o.rt.newUniqueID()
	o.incoming = make(map[*Operation]uint64)
	o.outgoing = make(map[*Operation]uint64)
	o.incomingKinds = make(map[*Operation]bigpipe.DependenceType)
	o.incomingRegions = make(map[*Operation]map[int]bool)
	o.outstandingMappingDeps = 0
	o.outstandingSpeculationDeps = 0
	o.outstandingCommitDeps = 0
	o.outstandingMappingRefs = 0
	o.unverifiedRegions = make(map[int]bool)
	o.verifyRegions = make(map[*Operation]map[int]bool)
	o.executionPreconditions = nil
	o.dependentChildrenMapped = nil
	o.mapped = false
	o.executed = false
	o.resolved = false
	o.hardened = false
	o.completed = false
	o.committed = false
	o.triggerMappingInvoked = false
	o.triggerResolutionInvoked = false
	o.triggerCompleteInvoked = false
	o.triggerCommitInvoked = false
	o.earlyCommitRequest = false
	o.needCompletionTrigger = true
	o.trackParent = false
	o.parent = nil
	o.childrenMapped = event.No
	o.completion = event.NewUser()
	o.trace = nil
	o.tracing = false
	o.mustEpoch = nil
	o.mustEpochGen = 0
	o.mustEpochIndex = 0
	o.mu.Unlock()
}

// deactivateOperation clears base state. Edges must already have
// been cleared by commit.
func (o *Operation) deactivateOperation() {
	o.mu.Lock()
	o.incoming = nil
	o.outgoing = nil
	o.incomingKinds = nil
	o.incomingRegions = nil
	o.unverifiedRegions = nil
	o.verifyRegions = nil
	o.executionPreconditions = nil
	o.dependentChildrenMapped = nil
	o.parent = nil
	o.trace = nil
	o.mustEpoch = nil
	o.mu.Unlock()
}

// initializeOperation wires the operation into its parent context.
// If track is true the context counts the operation among its
// outstanding children. numRegions seeds the unverified region set.
func (o *Operation) initializeOperation(ctx *Context, track bool, numRegions int) {
	o.mu.Lock()
	o.parent = ctx
	o.trackParent = track
	o.childrenMapped = ctx.childrenMapped()
	for i := 0; i < numRegions; i++ {
		o.unverifiedRegions[i] = true
	}
	o.mu.Unlock()
	if track {
		ctx.registerChild(o)
	}
}

func (o *Operation) setTrace(t *Trace) {
	o.mu.Lock()
	o.trace = t
	o.tracing = t != nil && t.IsTracing()
	o.mu.Unlock()
}

func (o *Operation) setMustEpoch(epoch *MustEpochOp, index int) {
	o.mu.Lock()
	o.mustEpoch = epoch
	o.mustEpochGen = epoch.Generation()
	o.mustEpochIndex = index
	o.mu.Unlock()
	epoch.registerSubop(o)
}

// Default stage implementations. Concrete kinds override the stages
// whose behavior differs.

func (o *Operation) activate()   { o.activateOperation() }
func (o *Operation) deactivate() { o.deactivateOperation() }

func (o *Operation) triggerDependenceAnalysis() {
	o.beginDependenceAnalysis()
	o.endDependenceAnalysis()
}

func (o *Operation) triggerMapping() {
	o.completeMapping()
	o.resolveSpeculation()
	o.rt.deferExecution(o)
}

func (o *Operation) triggerExecution() error {
	o.completeExecution()
	return nil
}

func (o *Operation) triggerResolution() { o.resolveSpeculation() }
func (o *Operation) triggerComplete()   { o.completeOperation() }
func (o *Operation) triggerCommit()     { o.commitOperation() }

func (o *Operation) reportAliasedRequirements(idx1, idx2 int) {
	o.parent.fatalf("operation %d: region requirements %d and %d are interfering", o.uniqueID, idx1, idx2)
}

func (o *Operation) findParentIndex(idx int) int { return idx }
func (o *Operation) isCloseOp() bool             { return false }
func (o *Operation) isPartitionOp() bool         { return false }

// executeDependenceAnalysis drives the analysis stage from the
// issuing thread. Under a replaying trace the kind-specific analysis
// is skipped entirely and the recorded edges are replayed.
func (o *Operation) executeDependenceAnalysis() {
	o.mu.Lock()
	t, tracing := o.trace, o.tracing
	o.mu.Unlock()
	if t != nil && !tracing {
		o.beginDependenceAnalysis()
		if !t.replayDependences(o) {
			// The trace diverged: resume live analysis for this
			// operation (its begin/end nests inside our
			// placeholder) and for the rest of the context.
			o.mu.Lock()
			o.trace = nil
			o.mu.Unlock()
			o.self.triggerDependenceAnalysis()
		}
		o.endDependenceAnalysis()
		return
	}
	o.self.triggerDependenceAnalysis()
}

// beginDependenceAnalysis installs a placeholder self-dependence so
// that no downstream stage fires while edges are still being
// registered. It also registers the operation with a capturing
// trace and orders it after the context's current fence.
func (o *Operation) beginDependenceAnalysis() {
	o.mu.Lock()
	o.outstandingMappingDeps++
	t, tracing, gen := o.trace, o.tracing, o.gen
	o.mu.Unlock()
	if t != nil && tracing {
		t.registerOperation(o, gen)
	}
	if o.parent != nil {
		o.parent.registerFenceDependence(o)
	}
}

// endDependenceAnalysis removes the placeholder installed by
// beginDependenceAnalysis. If every mapping dependence has already
// drained, the mapping stage is scheduled.
func (o *Operation) endDependenceAnalysis() {
	o.mu.Lock()
	o.outstandingMappingDeps--
	schedule := o.outstandingMappingDeps == 0 && !o.triggerMappingInvoked
	if schedule {
		o.triggerMappingInvoked = true
	}
	o.mu.Unlock()
	if schedule {
		o.rt.deferMapping(o)
	}
}

// registerDependence registers a dependence of o on target at
// generation targetGen. It returns true if the target has already
// committed, in which case the caller may prune the edge.
func (o *Operation) registerDependence(target *Operation, targetGen uint64) bool {
	return o.register(target, targetGen, edge{
		sourceIdx: -1,
		targetIdx: -1,
		dtype:     bigpipe.TrueDependence,
	})
}

// registerRegionDependence is registerDependence plus region
// bookkeeping: sourceIdx and targetIdx name the requirement indices
// involved, dtype the dependence kind, and validates whether o will
// verify the target's region on completion.
func (o *Operation) registerRegionDependence(sourceIdx int, target *Operation, targetGen uint64, targetIdx int, dtype bigpipe.DependenceType, validates bool) bool {
	return o.register(target, targetGen, edge{
		sourceIdx: sourceIdx,
		targetIdx: targetIdx,
		dtype:     dtype,
		validates: validates,
	})
}

// An edge describes one registration. mappingOnly edges (fences)
// order mapping but add no execution precondition.
type edge struct {
	sourceIdx   int
	targetIdx   int
	dtype       bigpipe.DependenceType
	validates   bool
	mappingOnly bool
}

// register performs the registration protocol. Both operation locks
// are taken in canonical lockOrder; the edge is a no-op if the
// target's generation has moved on. Within a shared must-epoch, the
// edge is recorded with the epoch instead of serializing execution.
func (o *Operation) register(target *Operation, targetGen uint64, e edge) bool {
	if target == o {
		// Self-edges are rejected; an older generation of ourselves
		// has trivially committed.
		return targetGen < o.Generation()
	}
	if e.dtype == bigpipe.NoDependence {
		return false
	}
	// Cross-member edges within a must-epoch are recorded, not
	// registered: serializing the members would defeat the epoch.
	o.mu.Lock()
	epoch, epochGen, srcIdx := o.mustEpoch, o.mustEpochGen, o.mustEpochIndex
	o.mu.Unlock()
	if epoch != nil {
		target.mu.Lock()
		sameEpoch := target.mustEpoch == epoch && target.mustEpochGen == epochGen
		tgtIdx := target.mustEpochIndex
		target.mu.Unlock()
		if sameEpoch {
			epoch.recordDependence(srcIdx, tgtIdx, e.sourceIdx, e.targetIdx, e.dtype)
			return false
		}
	}

	first, second := o, target
	if target.lockOrder < o.lockOrder {
		first, second = target, o
	}
	first.mu.Lock()
	second.mu.Lock()

	if target.gen != targetGen || target.committed {
		second.mu.Unlock()
		first.mu.Unlock()
		return true
	}
	if o.mapped {
		// Incoming edges are frozen once the operation has mapped.
		second.mu.Unlock()
		first.mu.Unlock()
		log.Debug.Printf("exec: dropping late edge onto mapped %s", o)
		return false
	}

	regions := o.incomingRegions[target]
	if regions != nil && regions[e.targetIdx] {
		// Idempotent on (peer, peer gen, region index); keep the
		// strongest kind.
		if e.dtype > o.incomingKinds[target] {
			o.incomingKinds[target] = e.dtype
		}
		second.mu.Unlock()
		first.mu.Unlock()
		return false
	}
	_, existed := o.incoming[target]
	if !existed {
		o.incoming[target] = targetGen
		target.outgoing[o] = o.gen
		o.incomingKinds[target] = e.dtype
		if !target.mapped {
			o.outstandingMappingDeps++
		}
		if !target.resolved {
			o.outstandingSpeculationDeps++
		}
		target.outstandingCommitDeps++
		target.outstandingMappingRefs++
		if !e.mappingOnly && e.dtype.IsOrdering() {
			o.executionPreconditions = append(o.executionPreconditions, target.completion.Event())
		}
		if !target.childrenMapped.HasTriggered() {
			o.dependentChildrenMapped = append(o.dependentChildrenMapped, target.childrenMapped)
		}
	} else if e.dtype > o.incomingKinds[target] {
		o.incomingKinds[target] = e.dtype
		if e.dtype.IsOrdering() && !e.mappingOnly {
			o.executionPreconditions = append(o.executionPreconditions, target.completion.Event())
		}
	}
	if e.targetIdx >= 0 {
		if regions == nil {
			regions = make(map[int]bool)
			o.incomingRegions[target] = regions
		}
		regions[e.targetIdx] = true
		if e.validates {
			set := o.verifyRegions[target]
			if set == nil {
				set = make(map[int]bool)
				o.verifyRegions[target] = set
			}
			set[e.targetIdx] = true
		}
	}
	tracing, t := o.tracing, o.trace
	srcGen := o.gen
	second.mu.Unlock()
	first.mu.Unlock()

	if tracing && t != nil {
		idx := -1
		if e.validates {
			idx = e.targetIdx
		}
		t.recordDependence(target, targetGen, o, srcGen, idx)
	}
	return false
}

// isCommitted reports whether the operation has committed relative
// to the provided generation. It may report false for an operation
// that has committed, never the converse.
func (o *Operation) isCommitted(gen uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.gen != gen || o.committed
}

// addMappingReference holds the operation's outgoing edge set open:
// the operation cannot commit while references remain.
func (o *Operation) addMappingReference(gen uint64) {
	o.mu.Lock()
	if o.gen == gen {
		o.outstandingMappingRefs++
	}
	o.mu.Unlock()
}

// removeMappingReference releases a reference taken with
// addMappingReference (or by edge registration).
func (o *Operation) removeMappingReference(gen uint64) {
	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		return
	}
	o.outstandingMappingRefs--
	schedule := o.readyToCommitLocked()
	o.mu.Unlock()
	if schedule {
		o.rt.deferCommit(o)
	}
}

// notifyMappingDependence records that an upstream mapping
// dependence has been met.
func (o *Operation) notifyMappingDependence(gen uint64) {
	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		return
	}
	o.outstandingMappingDeps--
	schedule := o.outstandingMappingDeps == 0 && !o.triggerMappingInvoked
	if schedule {
		o.triggerMappingInvoked = true
	}
	o.mu.Unlock()
	if schedule {
		o.rt.deferMapping(o)
	}
}

// notifySpeculationDependence records that an upstream speculation
// has resolved; when the last one drains, the resolution stage is
// scheduled.
func (o *Operation) notifySpeculationDependence(gen uint64) {
	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		return
	}
	o.outstandingSpeculationDeps--
	schedule := o.outstandingSpeculationDeps == 0 && !o.resolved && !o.triggerResolutionInvoked
	if schedule {
		o.triggerResolutionInvoked = true
	}
	o.mu.Unlock()
	if schedule {
		o.rt.deferResolution(o)
	}
}

// notifyCommitDependence records that a downstream operation has
// committed.
func (o *Operation) notifyCommitDependence(gen uint64) {
	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		return
	}
	o.outstandingCommitDeps--
	schedule := o.readyToCommitLocked()
	o.mu.Unlock()
	if schedule {
		o.rt.deferCommit(o)
	}
}

// notifyRegionsVerified records that a downstream consumer has
// verified the given region requirement indices.
func (o *Operation) notifyRegionsVerified(regions map[int]bool, gen uint64) {
	o.mu.Lock()
	if o.gen == gen {
		for idx := range regions {
			delete(o.unverifiedRegions, idx)
		}
	}
	o.mu.Unlock()
}

// completeMapping marks the operation mapped and flows mapping
// notifications down its outgoing edges. Once mapped, the incoming
// edge set is frozen.
func (o *Operation) completeMapping() {
	o.mu.Lock()
	if o.mapped {
		o.mu.Unlock()
		return
	}
	o.mapped = true
	out := snapshotEdges(o.outgoing)
	schedule := o.readyToCompleteLocked()
	parent, track := o.parent, o.trackParent
	o.mu.Unlock()
	for _, og := range out {
		og.Op.notifyMappingDependence(og.Gen)
	}
	if parent != nil && track {
		parent.childMapped(o)
	}
	if schedule {
		o.rt.deferComplete(o)
	}
}

// completeExecution marks the operation executed. If the operation
// has also mapped and resolved, completion is scheduled.
func (o *Operation) completeExecution() {
	o.mu.Lock()
	if o.executed {
		o.mu.Unlock()
		return
	}
	o.executed = true
	schedule := o.readyToCompleteLocked()
	o.mu.Unlock()
	if schedule {
		o.rt.deferComplete(o)
	}
}

// resolveSpeculation marks the operation's speculation resolved and
// flows speculation notifications down its outgoing edges.
func (o *Operation) resolveSpeculation() {
	o.mu.Lock()
	if o.resolved {
		o.mu.Unlock()
		return
	}
	o.resolved = true
	out := snapshotEdges(o.outgoing)
	schedule := o.readyToCompleteLocked()
	o.mu.Unlock()
	for _, og := range out {
		og.Op.notifySpeculationDependence(og.Gen)
	}
	if schedule {
		o.rt.deferComplete(o)
	}
}

func (o *Operation) readyToCompleteLocked() bool {
	if o.mapped && o.executed && o.resolved && !o.triggerCompleteInvoked {
		o.triggerCompleteInvoked = true
		return true
	}
	return false
}

func (o *Operation) readyToCommitLocked() bool {
	if !o.completed || o.triggerCommitInvoked {
		return false
	}
	if !o.earlyCommitRequest && (o.outstandingMappingRefs > 0 || o.outstandingCommitDeps > 0) {
		return false
	}
	o.triggerCommitInvoked = true
	return true
}

// completeOperation marks the operation completed: the completion
// event triggers, upstream producers learn which of their regions
// this operation verified, and the parent is notified. If nothing
// holds the operation open, commit is scheduled.
func (o *Operation) completeOperation() {
	o.mu.Lock()
	if o.completed {
		o.mu.Unlock()
		return
	}
	o.completed = true
	needTrigger := o.needCompletionTrigger
	completion := o.completion
	verify := make(map[*Operation]map[int]bool, len(o.verifyRegions))
	for op, set := range o.verifyRegions {
		verify[op] = set
	}
	gens := make(map[*Operation]uint64, len(o.incoming))
	for op, gen := range o.incoming {
		gens[op] = gen
	}
	epoch := o.mustEpoch
	parent, track := o.parent, o.trackParent
	schedule := o.readyToCommitLocked()
	o.mu.Unlock()

	if needTrigger {
		completion.Trigger()
	}
	for op, set := range verify {
		if gen, ok := gens[op]; ok {
			op.notifyRegionsVerified(set, gen)
		}
	}
	if parent != nil && track {
		parent.childCompleted(o)
	}
	if epoch != nil {
		epoch.notifySubopComplete(o)
	}
	if schedule {
		o.rt.deferCommit(o)
	}
}

// commitOperation retires the operation: the generation advances
// (invalidating every outstanding weak reference), upstream peers
// are released, and the operation is returned to its free list.
func (o *Operation) commitOperation() {
	o.mu.Lock()
	if o.committed {
		o.mu.Unlock()
		return
	}
	o.committed = true
	// Commit advances the generation; quashOperation is the only
	// other place that does.
	o.gen++
	in := snapshotEdges(o.incoming)
	o.incoming = make(map[*Operation]uint64)
	o.outgoing = make(map[*Operation]uint64)
	o.incomingKinds = make(map[*Operation]bigpipe.DependenceType)
	o.incomingRegions = make(map[*Operation]map[int]bool)
	epoch := o.mustEpoch
	parent, track := o.parent, o.trackParent
	o.mu.Unlock()

	for _, og := range in {
		og.Op.notifyCommitDependence(og.Gen)
		og.Op.removeMappingReference(og.Gen)
	}
	if epoch != nil {
		epoch.notifySubopCommit(o)
	}
	// Recycle before notifying the parent so that a drained context
	// observes the operation back on its free list.
	o.rt.recycle(o)
	if parent != nil && track {
		parent.childCommitted(o)
	}
}

// Harden records that the operation's results have been made
// resilient to failure (for example, copied into stable storage by
// the caller).
func (o *Operation) Harden() {
	o.mu.Lock()
	o.hardened = true
	o.mu.Unlock()
}

// Hardened tells whether the operation has been hardened.
func (o *Operation) Hardened() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hardened
}

// requestEarlyCommit lets the operation commit as soon as it
// completes, without waiting for downstream commits. Kinds whose
// results cannot be rolled back (inline mappings, deletions) use
// this.
func (o *Operation) requestEarlyCommit() {
	o.mu.Lock()
	o.earlyCommitRequest = true
	schedule := o.readyToCommitLocked()
	o.mu.Unlock()
	if schedule {
		o.rt.deferCommit(o)
	}
}

// quashOperation invalidates the operation's current generation: the
// generation advances so that every outstanding edge against it
// reads as satisfied, downstream mapping waiters are released, and
// upstream holds are dropped. If restart is true the operation
// re-enters the pipeline at the mapping stage on its fresh
// generation; otherwise its completion event triggers and it is
// abandoned.
func (o *Operation) quashOperation(gen uint64, restart bool) {
	o.mu.Lock()
	if o.gen != gen || o.committed || o.completed {
		o.mu.Unlock()
		return
	}
	log.Debug.Printf("exec: quashing %s (restart=%v)", o, restart)
	// Downstream notifications flowed already for any stage that had
	// completed; quash flows only the ones still owed.
	wasMapped, wasResolved := o.mapped, o.resolved
	o.gen++
	in := snapshotEdges(o.incoming)
	out := snapshotEdges(o.outgoing)
	o.incoming = make(map[*Operation]uint64)
	o.outgoing = make(map[*Operation]uint64)
	o.incomingKinds = make(map[*Operation]bigpipe.DependenceType)
	o.incomingRegions = make(map[*Operation]map[int]bool)
	o.verifyRegions = make(map[*Operation]map[int]bool)
	o.executionPreconditions = nil
	o.outstandingMappingDeps = 0
	o.outstandingSpeculationDeps = 0
	o.outstandingCommitDeps = 0
	o.outstandingMappingRefs = 0
	o.mapped = false
	o.executed = false
	o.resolved = false
	o.triggerMappingInvoked = restart
	o.triggerResolutionInvoked = false
	o.triggerCompleteInvoked = false
	o.triggerCommitInvoked = false
	completion := o.completion
	o.mu.Unlock()

	o.rt.stats.Quashes.Add(1)
	// Downstream edges against the old generation are now satisfied.
	for _, og := range out {
		if !wasMapped {
			og.Op.notifyMappingDependence(og.Gen)
		}
		if !wasResolved {
			og.Op.notifySpeculationDependence(og.Gen)
		}
	}
	// Upstream peers no longer wait on the old generation.
	for _, og := range in {
		og.Op.notifyCommitDependence(og.Gen)
		og.Op.removeMappingReference(og.Gen)
	}
	if restart {
		o.rt.deferMapping(o)
	} else {
		completion.Trigger()
	}
}

// fail records a permanent failure of the operation's work with the
// enclosing context and drains the operation through the rest of the
// pipeline as a no-op.
func (o *Operation) fail(err error) {
	if o.parent != nil {
		o.parent.recordError(err)
	}
	o.completeExecution()
}

func snapshotEdges(m map[*Operation]uint64) []opGen {
	edges := make([]opGen, 0, len(m))
	for op, gen := range m {
		edges = append(edges, opGen{op, gen})
	}
	return edges
}
