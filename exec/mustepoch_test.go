// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/grailbio/bigpipe"
)

// roundRobinMapper assigns successive mappable operations to
// successive processors, guaranteeing that must-epoch members land
// on distinct processors.
type roundRobinMapper struct {
	rt *Runtime

	mu   sync.Mutex
	next int
}

func (m *roundRobinMapper) SelectProcessor(mappable Mappable) Processor {
	m.mu.Lock()
	defer m.mu.Unlock()
	proc := Processor{ID: m.next % m.rt.numProcs()}
	m.next++
	return proc
}

func (m *roundRobinMapper) MapRegion(mappable Mappable, idx int, req bigpipe.RegionRequirement) (*Instance, error) {
	return m.rt.instances.find(req.Region, true), nil
}

// TestMustEpochConcurrent launches two tasks that must run
// concurrently: each blocks until the other has started. The epoch
// maps both before launching either, so the rendezvous succeeds.
func TestMustEpochConcurrent(t *testing.T) {
	mapper := &roundRobinMapper{}
	sess, c := testSession(t, WithMapper(mapper))
	mapper.rt = sess.Runtime()
	defer sess.Shutdown()
	ctx := testContext(t)
	region := bigpipe.NewRegion("R")

	var (
		started = make(chan int, 2)
		release = make(chan struct{})
		body    = func(i int) TaskFunc {
			return func(ctx context.Context, regions []*Instance) (interface{}, error) {
				started <- i
				select {
				case <-release:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				return i, nil
			}
		}
	)
	simReq := func(f bigpipe.FieldID) bigpipe.RegionRequirement {
		return bigpipe.RegionRequirement{
			Region:    region,
			Fields:    []bigpipe.FieldID{f},
			Privilege: bigpipe.ReadWrite,
			Coherence: bigpipe.Simultaneous,
		}
	}
	futures := c.IssueMustEpoch(MustEpochLauncher{
		Tasks: []TaskLauncher{
			{Name: "left", Requirements: []bigpipe.RegionRequirement{simReq(1)}, Fn: body(0)},
			{Name: "right", Requirements: []bigpipe.RegionRequirement{simReq(1)}, Fn: body(1)},
		},
	})
	// Both members must start without either completing.
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(30 * time.Second):
			t.Fatal("epoch members did not start concurrently")
		}
	}
	close(release)
	for i := 0; i < 2; i++ {
		if _, _, err := futures.Get(i).Get(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.Finish(ctx); err != nil {
		t.Fatal(err)
	}
}

// TestMustEpochInfeasible verifies that a serializing dependence
// among members fails the epoch: member futures carry the error.
func TestMustEpochInfeasible(t *testing.T) {
	sess, c := testSession(t)
	defer sess.Shutdown()
	ctx := testContext(t)
	region := bigpipe.NewRegion("R")

	nop := func(ctx context.Context, regions []*Instance) (interface{}, error) {
		return nil, nil
	}
	epoch, futures := c.IssueMustEpochOp(MustEpochLauncher{
		Tasks: []TaskLauncher{
			{Name: "w1", Requirements: []bigpipe.RegionRequirement{writeReq(region, 1)}, Fn: nop},
			{Name: "w2", Requirements: []bigpipe.RegionRequirement{writeReq(region, 1)}, Fn: nop},
		},
	})
	waitEvent(t, ctx, epoch.CompletionEvent())
	for i := 0; i < 2; i++ {
		if _, _, err := futures.Get(i).Get(ctx); err == nil {
			t.Errorf("member %d future should carry the epoch failure", i)
		}
	}
	if c.Err() == nil {
		t.Error("infeasible epoch should record a context error")
	}
}

// TestMustEpochOfOne runs a single-member epoch.
func TestMustEpochOfOne(t *testing.T) {
	sess, c := testSession(t)
	defer sess.Shutdown()
	ctx := testContext(t)
	region := bigpipe.NewRegion("R")

	futures := c.IssueMustEpoch(MustEpochLauncher{
		Tasks: []TaskLauncher{{
			Name:         "solo",
			Requirements: []bigpipe.RegionRequirement{writeReq(region, 1)},
			Fn: func(ctx context.Context, regions []*Instance) (interface{}, error) {
				return "solo", nil
			},
		}},
	})
	v, _, err := futures.Get(0).Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := v.(string), "solo"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if err := c.Finish(ctx); err != nil {
		t.Fatal(err)
	}
}

// TestMustEpochOrdersAgainstOutside verifies that epoch members
// still order normally against operations outside the epoch.
func TestMustEpochOrdersAgainstOutside(t *testing.T) {
	sess, c := testSession(t)
	defer sess.Shutdown()
	ctx := testContext(t)
	region := bigpipe.NewRegion("R")

	c.IssueFill(FillLauncher{
		Requirement: writeReq(region, 1),
		Value:       []byte("seed"),
	})
	futures := c.IssueMustEpoch(MustEpochLauncher{
		Tasks: []TaskLauncher{{
			Name:         "reader",
			Requirements: []bigpipe.RegionRequirement{readReq(region, 1)},
			Fn: func(ctx context.Context, regions []*Instance) (interface{}, error) {
				return string(regions[0].Read(1)), nil
			},
		}},
	})
	v, _, err := futures.Get(0).Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := v.(string), "seed"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if err := c.Finish(ctx); err != nil {
		t.Fatal(err)
	}
}
