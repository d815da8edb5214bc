// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/backgroundcontext"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigpipe/event"
	"github.com/grailbio/bigpipe/stats"
)

// pipelineStats are the counters the runtime maintains as operations
// move through the pipeline.
type pipelineStats struct {
	set *stats.Set

	Issued       *stats.Vector
	Mapped       *stats.Counter
	Completed    *stats.Counter
	Committed    *stats.Counter
	Speculations *stats.Counter
	Quashes      *stats.Counter
	Replays      *stats.Counter
	Divergences  *stats.Counter
}

func newPipelineStats() *pipelineStats {
	set := stats.NewSet()
	labels := make([]string, numOpKinds)
	for k := OpKind(0); k < numOpKinds; k++ {
		labels[k] = k.String()
	}
	return &pipelineStats{
		set:          set,
		Issued:       set.Vector("issued", labels),
		Mapped:       set.Counter("mapped"),
		Completed:    set.Counter("completed"),
		Committed:    set.Counter("committed"),
		Speculations: set.Counter("speculations"),
		Quashes:      set.Counter("quashes"),
		Replays:      set.Counter("trace_replays"),
		Divergences:  set.Counter("trace_divergences"),
	}
}

// A Runtime drives operations through the pipeline: it owns the
// worker pool that runs stage triggers, the per-kind free lists
// operations are recycled through, the instance manager, and the
// executor on which task bodies run.
type Runtime struct {
	ctx       context.Context
	cancel    func()
	p         int
	procs     int
	mapper    Mapper
	executor  Executor
	instances *instanceManager
	stats     *pipelineStats
	tracer    *tracer

	limiter *limiter.Limiter
	pending sync.WaitGroup

	nextUniqueID  uint64
	nextLockID    uint64
	nextContextID uint64

	mu        sync.Mutex
	freeLists [numOpKinds][]opImpl
}

func newRuntime(p, procs int, mapper Mapper, executor Executor) *Runtime {
	rt := &Runtime{
		p:         p,
		procs:     procs,
		mapper:    mapper,
		executor:  executor,
		instances: newInstanceManager(),
		stats:     newPipelineStats(),
		limiter:   limiter.New(),
	}
	rt.ctx, rt.cancel = context.WithCancel(backgroundcontext.Get())
	if rt.mapper == nil {
		rt.mapper = defaultMapper{rt}
	}
	rt.limiter.Release(p)
	return rt
}

func (rt *Runtime) numProcs() int { return rt.procs }

func (rt *Runtime) newUniqueID() uint64 {
	return atomic.AddUint64(&rt.nextUniqueID, 1)
}

func (rt *Runtime) nextLockOrder() uint64 {
	return atomic.AddUint64(&rt.nextLockID, 1)
}

// alloc draws an operation of the given kind from its free list, or
// constructs one with make if the list is empty. The operation is
// activated before it is returned.
func (rt *Runtime) alloc(kind OpKind, make func() opImpl) opImpl {
	rt.mu.Lock()
	var impl opImpl
	if list := rt.freeLists[kind]; len(list) > 0 {
		impl = list[len(list)-1]
		rt.freeLists[kind] = list[:len(list)-1]
	}
	rt.mu.Unlock()
	if impl == nil {
		impl = make()
	}
	impl.activate()
	return impl
}

// recycle deactivates a committed operation and returns it to its
// free list.
func (rt *Runtime) recycle(o *Operation) {
	rt.stats.Committed.Add(1)
	kind := o.self.Kind()
	o.self.deactivate()
	rt.mu.Lock()
	rt.freeLists[kind] = append(rt.freeLists[kind], o.self)
	rt.mu.Unlock()
}

// stage runs f on a worker goroutine, bounded by the runtime's
// parallelism. The stage is skipped if the operation's generation
// has moved on (the operation was quashed or committed) by the time
// the worker runs.
func (rt *Runtime) stage(o *Operation, gen uint64, name string, f func()) {
	rt.pending.Add(1)
	go func() {
		defer rt.pending.Done()
		if err := rt.limiter.Acquire(rt.ctx, 1); err != nil {
			if err != context.Canceled && err != context.DeadlineExceeded {
				log.Panicf("exec: stage %s: unexpected error: %v", name, err)
			}
			return
		}
		defer rt.limiter.Release(1)
		if o.Generation() != gen {
			log.Debug.Printf("exec: dropping stale %s for %s", name, o)
			return
		}
		end := rt.tracer.span(o, name)
		f()
		end()
	}()
}

func (rt *Runtime) deferMapping(o *Operation) {
	gen := o.Generation()
	rt.stage(o, gen, "mapping", func() {
		o.self.triggerMapping()
		rt.stats.Mapped.Add(1)
	})
}

// deferExecution waits for the operation's execution preconditions
// (the completion events of the producers it consumes) and then runs
// the kind-specific execution stage. A permanently failed
// precondition propagates as operation failure.
func (rt *Runtime) deferExecution(o *Operation) {
	o.mu.Lock()
	gen := o.gen
	preconds := make([]event.Event, 0, len(o.executionPreconditions)+len(o.dependentChildrenMapped))
	preconds = append(preconds, o.executionPreconditions...)
	preconds = append(preconds, o.dependentChildrenMapped...)
	o.mu.Unlock()
	rt.pending.Add(1)
	go func() {
		defer rt.pending.Done()
		if err := event.Merge(preconds...).Wait(rt.ctx); err != nil {
			if rt.ctx.Err() != nil {
				return
			}
			// A permanently failed precondition: the operation's work
			// is elided and the failure lands on the context.
			o.fail(err)
			return
		}
		if o.Generation() != gen {
			log.Debug.Printf("exec: dropping stale execution for %s", o)
			return
		}
		if err := rt.limiter.Acquire(rt.ctx, 1); err != nil {
			return
		}
		defer rt.limiter.Release(1)
		if o.Generation() != gen {
			return
		}
		end := rt.tracer.span(o, "execution")
		if err := o.self.triggerExecution(); err != nil {
			log.Error.Printf("exec: %s: execution error: %v", o, err)
		}
		end()
	}()
}

func (rt *Runtime) deferResolution(o *Operation) {
	gen := o.Generation()
	rt.stage(o, gen, "resolution", func() { o.self.triggerResolution() })
}

func (rt *Runtime) deferComplete(o *Operation) {
	gen := o.Generation()
	rt.stage(o, gen, "complete", func() {
		o.self.triggerComplete()
		rt.stats.Completed.Add(1)
	})
}

func (rt *Runtime) deferCommit(o *Operation) {
	gen := o.Generation()
	rt.stage(o, gen, "commit", func() { o.self.triggerCommit() })
}

// drain waits until every deferred stage in flight has finished.
func (rt *Runtime) drain() {
	rt.pending.Wait()
}
