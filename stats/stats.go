// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package stats provides counter sets for the bigpipe runtime. A Set
// owns a collection of named counters and vectors of counters
// indexed by a small enumeration (e.g., per operation kind); sets
// can be snapshotted for display and aggregation.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// A Counter is an atomically updated integer counter. A nil Counter
// discards updates.
type Counter struct {
	val int64
}

// Add increments the counter by delta.
func (c *Counter) Add(delta int64) {
	if c == nil {
		return
	}
	atomic.AddInt64(&c.val, delta)
}

// Get returns the counter's current value.
func (c *Counter) Get() int64 {
	if c == nil {
		return 0
	}
	return atomic.LoadInt64(&c.val)
}

// A Vector is a fixed-size vector of counters indexed by a small
// enumeration.
type Vector struct {
	labels []string
	vals   []Counter
}

// At returns the i'th counter of the vector.
func (v *Vector) At(i int) *Counter { return &v.vals[i] }

// A Set is a collection of named counters and vectors.
type Set struct {
	mu       sync.Mutex
	counters map[string]*Counter
	vectors  map[string]*Vector
}

// NewSet returns an empty counter set.
func NewSet() *Set {
	return &Set{
		counters: make(map[string]*Counter),
		vectors:  make(map[string]*Vector),
	}
}

// Counter returns the named counter, creating it as needed.
func (s *Set) Counter(name string) *Counter {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.counters[name]
	if c == nil {
		c = new(Counter)
		s.counters[name] = c
	}
	return c
}

// Vector returns the named vector with the provided index labels,
// creating it as needed.
func (s *Set) Vector(name string, labels []string) *Vector {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.vectors[name]
	if v == nil {
		v = &Vector{labels: labels, vals: make([]Counter, len(labels))}
		s.vectors[name] = v
	}
	return v
}

// A Snapshot is a point-in-time copy of a set's values.
type Snapshot map[string]int64

// Snapshot captures the set's current values. Vector entries are
// keyed as name/label.
func (s *Set) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := make(Snapshot)
	for name, c := range s.counters {
		snap[name] = c.Get()
	}
	for name, v := range s.vectors {
		for i, label := range v.labels {
			snap[name+"/"+label] = v.vals[i].Get()
		}
	}
	return snap
}

// String returns the snapshot's values sorted by key.
func (s Snapshot) String() string {
	keys := make([]string, 0, len(s))
	for key := range s {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for i, key := range keys {
		keys[i] = fmt.Sprintf("%s:%d", key, s[key])
	}
	return strings.Join(keys, " ")
}
