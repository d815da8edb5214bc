// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package stats

import (
	"sync"
	"testing"
)

func TestCounter(t *testing.T) {
	set := NewSet()
	c := set.Counter("ops")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				c.Add(1)
			}
		}()
	}
	wg.Wait()
	if got, want := c.Get(), int64(8000); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := set.Counter("ops"), c; got != want {
		t.Error("same name should return the same counter")
	}
	var nilCounter *Counter
	nilCounter.Add(1) // no-op
	if got, want := nilCounter.Get(), int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestVectorSnapshot(t *testing.T) {
	set := NewSet()
	v := set.Vector("kinds", []string{"a", "b"})
	v.At(0).Add(3)
	v.At(1).Add(4)
	set.Counter("total").Add(7)
	snap := set.Snapshot()
	for key, want := range map[string]int64{
		"kinds/a": 3,
		"kinds/b": 4,
		"total":   7,
	} {
		if got := snap[key]; got != want {
			t.Errorf("%s: got %v, want %v", key, got, want)
		}
	}
	if got, want := snap.String(), "kinds/a:3 kinds/b:4 total:7"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
