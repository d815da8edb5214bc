// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/bigpipe"
)

// TestFuzzedStream issues a randomized operation stream and
// verifies that the pipeline drains: every operation completes and
// commits, and the pipeline counters agree.
func TestFuzzedStream(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping fuzzed stream in short mode")
	}
	sess, c := testSession(t)
	defer sess.Shutdown()
	ctx := testContext(t)

	var (
		fz      = fuzz.NewWithSeed(42).NilChance(0)
		regions = []bigpipe.Region{
			bigpipe.NewRegion("r0"),
			bigpipe.NewRegion("r1"),
			bigpipe.NewRegion("r2"),
		}
		issued int64
	)
	const N = 500
	for i := 0; i < N; i++ {
		var (
			choice uint8
			field  uint8
			ridx   uint8
			value  []byte
		)
		fz.Fuzz(&choice)
		fz.Fuzz(&field)
		fz.Fuzz(&ridx)
		fz.Fuzz(&value)
		var (
			region = regions[int(ridx)%len(regions)]
			f      = bigpipe.FieldID(field%8 + 1)
		)
		switch choice % 4 {
		case 0:
			c.IssueFill(FillLauncher{
				Requirement: writeReq(region, f),
				Value:       value,
			})
		case 1:
			c.IssueTask(TaskLauncher{
				Name:         "fuzzwriter",
				Requirements: []bigpipe.RegionRequirement{writeReq(region, f)},
				Fn: func(ctx context.Context, instances []*Instance) (interface{}, error) {
					instances[0].Write(f, value)
					return nil, nil
				},
			})
		case 2:
			c.IssueTask(TaskLauncher{
				Name:         "fuzzreader",
				Requirements: []bigpipe.RegionRequirement{readReq(region, f)},
				Fn: func(ctx context.Context, instances []*Instance) (interface{}, error) {
					return instances[0].Read(f), nil
				},
			})
		case 3:
			c.IssueFence(MappingFence)
		}
		issued++
	}
	if err := c.Finish(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.Err(); err != nil {
		t.Fatalf("fuzzed stream recorded error: %v", err)
	}
	stats := sess.Stats()
	var total int64
	for kind := OpKind(0); kind < numOpKinds; kind++ {
		total += stats["issued/"+kind.String()]
	}
	if total < issued {
		t.Errorf("issued counter %d < %d issued operations", total, issued)
	}
	if got := stats["committed"]; got < issued {
		t.Errorf("committed %d < issued %d: pipeline did not drain", got, issued)
	}
}

// TestConcurrentContexts drives several contexts against one
// session concurrently.
func TestConcurrentContexts(t *testing.T) {
	sess, _ := testSession(t)
	defer sess.Shutdown()
	ctx := testContext(t)

	const M = 4
	errc := make(chan error, M)
	for i := 0; i < M; i++ {
		go func(i int) {
			c := sess.NewContext("concurrent")
			region := bigpipe.NewRegion("R")
			var rec recorder
			for j := 0; j < 50; j++ {
				c.IssueTask(TaskLauncher{
					Name:         "t",
					Requirements: []bigpipe.RegionRequirement{writeReq(region, 1)},
					Fn:           rec.task("t"),
				})
			}
			errc <- c.Finish(ctx)
		}(i)
	}
	for i := 0; i < M; i++ {
		if err := <-errc; err != nil {
			t.Fatal(err)
		}
	}
}
