// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
)

// launchRetryPolicy governs retries of work dispatch onto a busy
// processor queue.
var launchRetryPolicy = retry.MaxTries(retry.Backoff(time.Millisecond, 100*time.Millisecond, 2), 10)

// An Executor runs operation bodies on logical processors. The
// pipeline is executor-agnostic: it hands the executor closures
// bound to a processor, and the executor guarantees that work
// dispatched to a single processor runs serially.
type Executor interface {
	// Start starts the executor; the returned function shuts it
	// down, draining dispatched work.
	Start(rt *Runtime) (shutdown func())
	// Launch dispatches work onto the processor. It returns an error
	// if the work could not be accepted.
	Launch(proc Processor, name string, work func(ctx context.Context)) error
	// Name names the executor for diagnostics.
	Name() string
}

// localExecutor runs work on in-process goroutines, one per logical
// processor, each draining a bounded queue.
type localExecutor struct {
	rt     *Runtime
	ctx    context.Context
	cancel func()
	queues []chan func(ctx context.Context)
	wg     sync.WaitGroup
}

func newLocalExecutor() *localExecutor {
	return &localExecutor{}
}

func (l *localExecutor) Name() string { return "local" }

func (l *localExecutor) Start(rt *Runtime) (shutdown func()) {
	l.rt = rt
	l.ctx, l.cancel = context.WithCancel(rt.ctx)
	l.queues = make([]chan func(ctx context.Context), rt.numProcs())
	for i := range l.queues {
		q := make(chan func(ctx context.Context), 128)
		l.queues[i] = q
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			for {
				select {
				case work, ok := <-q:
					if !ok {
						return
					}
					work(l.ctx)
				case <-l.ctx.Done():
					return
				}
			}
		}()
	}
	return func() {
		l.cancel()
		l.wg.Wait()
	}
}

// Launch enqueues work onto the processor's queue, retrying briefly
// when the queue is full.
func (l *localExecutor) Launch(proc Processor, name string, work func(ctx context.Context)) error {
	q := l.queues[proc.ID%len(l.queues)]
	for retries := 0; ; retries++ {
		select {
		case q <- work:
			return nil
		case <-l.ctx.Done():
			return errors.E(errors.Unavailable, "executor shut down")
		default:
		}
		log.Debug.Printf("exec: processor %d busy; retrying %s", proc.ID, name)
		if err := retry.Wait(l.ctx, launchRetryPolicy, retries); err != nil {
			return err
		}
	}
}
