// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bigpipe"
	"github.com/grailbio/bigpipe/event"
	"golang.org/x/sync/errgroup"
)

// A DependenceRecord is a cross-member dependence discovered during
// a must epoch's dependence analysis: member Op2's requirement Reg2
// depends on member Op1's requirement Reg1 with kind Dtype. Records
// are checked against coherence before the epoch maps; a serializing
// record makes the epoch infeasible.
type DependenceRecord struct {
	Op1, Op2   int
	Reg1, Reg2 int
	Dtype      bigpipe.DependenceType
}

// A FutureMap carries the result futures of a must epoch's member
// tasks, keyed by member index.
type FutureMap map[int]bigpipe.Future

// Get returns the future of the i'th member.
func (m FutureMap) Get(i int) bigpipe.Future { return m[i] }

// A MustEpochLauncher describes a must epoch: a set of tasks that
// must map and execute concurrently.
type MustEpochLauncher struct {
	Tasks []TaskLauncher
}

// A MustEpochOp coordinates a set of tasks that must run
// concurrently: no serializing edge between members is acceptable.
// The epoch triggers member analyses in parallel, records (rather
// than registers) cross-member edges, verifies the records against
// coherence, maps every member under a shared success flag, and
// launches the members collectively so that none starts before all
// have mapped. The epoch completes only when every member has
// completed, and commits only when every member has committed.
type MustEpochOp struct {
	Operation

	tasks     []*TaskOp
	triggered []bool
	resultMap FutureMap
	selfGen   uint64

	epochMu            sync.Mutex
	dependences        []DependenceRecord
	remainingReady     int
	remainingCompletes int
	remainingCommits   int
	ready              *event.User
	failed             bool
}

func (o *MustEpochOp) Kind() OpKind { return MustEpochOpKind }

func (o *MustEpochOp) activate() {
	o.activateOperation()
	o.epochMu.Lock()
	o.dependences = nil
	o.remainingReady = 0
	o.remainingCompletes = 0
	o.remainingCommits = 0
	o.ready = event.NewUser()
	o.failed = false
	o.epochMu.Unlock()
}

func (o *MustEpochOp) deactivate() {
	o.tasks = nil
	o.triggered = nil
	o.resultMap = nil
	o.deactivateOperation()
}

func (o *MustEpochOp) initialize(ctx *Context, launcher MustEpochLauncher) FutureMap {
	o.initializeOperation(ctx, true, 0)
	o.selfGen = o.Generation()
	o.tasks = make([]*TaskOp, len(launcher.Tasks))
	o.triggered = make([]bool, len(launcher.Tasks))
	o.resultMap = make(FutureMap, len(launcher.Tasks))
	o.epochMu.Lock()
	o.remainingReady = len(launcher.Tasks)
	o.epochMu.Unlock()
	for i, tl := range launcher.Tasks {
		task := ctx.rt.alloc(TaskOpKind, func() opImpl {
			op := new(TaskOp)
			op.init(ctx.rt, op)
			return op
		}).(*TaskOp)
		o.resultMap[i] = task.initialize(ctx, tl)
		task.setMustEpoch(o, i)
		o.tasks[i] = task
	}
	return o.resultMap
}

// Tasks returns the epoch's member tasks.
func (o *MustEpochOp) Tasks() []*TaskOp { return o.tasks }

// registerSubop counts a member toward the epoch's aggregate
// completion and commit, and holds the epoch open until the member
// commits.
func (o *MustEpochOp) registerSubop(sub *Operation) {
	o.epochMu.Lock()
	o.remainingCompletes++
	o.remainingCommits++
	o.epochMu.Unlock()
	o.addMappingReference(o.selfGen)
}

func (o *MustEpochOp) notifySubopComplete(sub *Operation) {
	o.epochMu.Lock()
	o.remainingCompletes--
	done := o.remainingCompletes == 0
	o.epochMu.Unlock()
	if done {
		o.completeExecution()
	}
}

func (o *MustEpochOp) notifySubopCommit(sub *Operation) {
	o.epochMu.Lock()
	o.remainingCommits--
	o.epochMu.Unlock()
	o.removeMappingReference(o.selfGen)
}

// recordDependence records a cross-member edge discovered during
// analysis. The edge does not serialize execution; it is checked
// during verification.
func (o *MustEpochOp) recordDependence(sourceOp, targetOp, sourceReg, targetReg int, dtype bigpipe.DependenceType) {
	o.epochMu.Lock()
	o.dependences = append(o.dependences, DependenceRecord{
		Op1:   targetOp,
		Op2:   sourceOp,
		Reg1:  targetReg,
		Reg2:  sourceReg,
		Dtype: dtype,
	})
	o.epochMu.Unlock()
}

// notifyTaskReady records that a member's dependences have drained
// and it is ready to map. The last member unblocks the epoch's
// execution stage.
func (o *MustEpochOp) notifyTaskReady(task *TaskOp) {
	o.epochMu.Lock()
	o.remainingReady--
	done := o.remainingReady == 0
	o.epochMu.Unlock()
	if done {
		o.ready.Trigger()
	}
}

// triggerDependenceAnalysis runs each member's dependence analysis
// through the triggerer. Cross-member edges land in the record list.
func (o *MustEpochOp) triggerDependenceAnalysis() {
	o.beginDependenceAnalysis()
	triggerer := &MustEpochTriggerer{owner: o}
	if err := triggerer.triggerTasks(o.tasks, o.triggered); err != nil {
		o.failEpoch(err)
	}
	o.endDependenceAnalysis()
}

// triggerExecution waits for every member to be ready, verifies the
// recorded dependences, maps all members, and launches them
// collectively.
func (o *MustEpochOp) triggerExecution() error {
	if err := o.ready.Event().Wait(o.rt.ctx); err != nil {
		o.failEpoch(err)
		return err
	}
	o.epochMu.Lock()
	failed := o.failed
	o.epochMu.Unlock()
	if failed {
		return nil
	}
	if err := o.verifyDependences(); err != nil {
		o.failEpoch(err)
		return err
	}
	mapper := &MustEpochMapper{owner: o}
	if !mapper.mapTasks(o.tasks) {
		err := errors.E(errors.Fatal, fmt.Sprintf("must epoch %d: mapping failed", o.UniqueID()))
		o.failEpoch(err)
		return err
	}
	distributor := &MustEpochDistributor{owner: o}
	if err := distributor.distributeTasks(o.tasks); err != nil {
		o.failEpoch(err)
		return err
	}
	// Execution completes when the last member completes.
	return nil
}

// verifyDependences checks each recorded cross-member edge: a
// serializing edge is tolerable only if both sides asked for
// simultaneous coherence.
func (o *MustEpochOp) verifyDependences() error {
	o.epochMu.Lock()
	records := o.dependences
	o.epochMu.Unlock()
	for _, r := range records {
		if !r.Dtype.IsOrdering() {
			continue
		}
		return errors.E(errors.Fatal, fmt.Sprintf(
			"must epoch %d: tasks %d and %d have a serializing %s dependence on requirements %d and %d",
			o.UniqueID(), r.Op1, r.Op2, r.Dtype, r.Reg1, r.Reg2))
	}
	return nil
}

// failEpoch fails the whole epoch: member futures carry the error,
// members are quashed, and the epoch drains as a failed operation.
func (o *MustEpochOp) failEpoch(err error) {
	o.epochMu.Lock()
	if o.failed {
		o.epochMu.Unlock()
		return
	}
	o.failed = true
	o.epochMu.Unlock()
	// Unblock the execution stage if it is still waiting on member
	// readiness.
	o.ready.Trigger()
	log.Error.Printf("exec: must epoch %d failed: %v", o.UniqueID(), err)
	for _, task := range o.tasks {
		task.future.Fail(err)
		gen := task.Generation()
		task.quashOperation(gen, false)
		task.parent.childAbandoned(&task.Operation)
		o.removeMappingReference(o.selfGen)
	}
	o.completeMapping()
	o.resolveSpeculation()
	o.fail(err)
}

// A MustEpochTriggerer parallelizes must epoch dependence analysis
// across members.
type MustEpochTriggerer struct {
	owner *MustEpochOp
}

func (t *MustEpochTriggerer) triggerTasks(tasks []*TaskOp, triggered []bool) error {
	return traverse.Each(len(tasks), func(i int) error {
		if triggered[i] {
			return nil
		}
		t.triggerTask(tasks[i])
		triggered[i] = true
		return nil
	})
}

func (t *MustEpochTriggerer) triggerTask(task *TaskOp) {
	task.executeDependenceAnalysis()
}

// A MustEpochMapper parallelizes member mapping under a shared
// success flag: any member's failure fails them all.
type MustEpochMapper struct {
	owner *MustEpochOp

	mu      sync.Mutex
	success bool
}

func (m *MustEpochMapper) mapTasks(tasks []*TaskOp) bool {
	m.success = true
	_ = traverse.Each(len(tasks), func(i int) error {
		m.mapTask(tasks[i])
		return nil
	})
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.success
}

func (m *MustEpochMapper) mapTask(task *TaskOp) {
	if err := task.mapTask(); err != nil {
		log.Error.Printf("exec: must epoch member %s: %v", task.name, err)
		m.mu.Lock()
		m.success = false
		m.mu.Unlock()
		return
	}
	task.completeMapping()
	task.resolveSpeculation()
}

// A MustEpochDistributor launches mapped members collectively: every
// member has mapped before any launch is enqueued.
type MustEpochDistributor struct {
	owner *MustEpochOp
}

func (d *MustEpochDistributor) distributeTasks(tasks []*TaskOp) error {
	var g errgroup.Group
	for _, task := range tasks {
		task := task
		g.Go(func() error {
			// Honor the member's edges to operations outside the
			// epoch before enqueueing its launch.
			task.mu.Lock()
			preconds := make([]event.Event, len(task.executionPreconditions))
			copy(preconds, task.executionPreconditions)
			task.mu.Unlock()
			if err := event.Merge(preconds...).Wait(task.rt.ctx); err != nil {
				return err
			}
			return task.launch()
		})
	}
	return g.Wait()
}

// IssueMustEpoch issues a must epoch and returns the future map
// carrying its members' results.
func (c *Context) IssueMustEpoch(launcher MustEpochLauncher) FutureMap {
	_, futures := c.IssueMustEpochOp(launcher)
	return futures
}

// IssueMustEpochOp issues a must epoch and returns the operation
// itself along with the future map.
func (c *Context) IssueMustEpochOp(launcher MustEpochLauncher) (*MustEpochOp, FutureMap) {
	o := c.rt.alloc(MustEpochOpKind, func() opImpl {
		op := new(MustEpochOp)
		op.init(c.rt, op)
		return op
	}).(*MustEpochOp)
	futures := o.initialize(c, launcher)
	c.issue(&o.Operation)
	return o, futures
}
