// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigpipe

import (
	"sync"

	"github.com/grailbio/base/must"
	"github.com/grailbio/bigpipe/event"
)

// A DynamicCollective reduces values contributed by a dynamic set of
// participants. The collective's value becomes readable once the
// expected number of arrivals have occurred; a DynamicCollectiveOp
// snapshots the reduced value into a future.
type DynamicCollective struct {
	s *collectiveState
}

type collectiveState struct {
	mu       sync.Mutex
	reduce   func(x, y interface{}) interface{}
	value    interface{}
	arrived  int
	expected int
	ready    *event.User
}

// NewDynamicCollective creates a collective expecting the given
// number of arrivals, reducing contributions with reduce, starting
// from the identity value.
func NewDynamicCollective(expected int, identity interface{}, reduce func(x, y interface{}) interface{}) DynamicCollective {
	must.True(expected > 0, "bigpipe.NewDynamicCollective: expected <= 0")
	return DynamicCollective{&collectiveState{
		reduce:   reduce,
		value:    identity,
		expected: expected,
		ready:    event.NewUser(),
	}}
}

// Arrive contributes a value to the collective. The final arrival
// triggers the collective's ready event.
func (c DynamicCollective) Arrive(value interface{}) {
	c.s.mu.Lock()
	must.True(c.s.arrived < c.s.expected, "bigpipe.Arrive: too many arrivals")
	c.s.value = c.s.reduce(c.s.value, value)
	c.s.arrived++
	done := c.s.arrived == c.s.expected
	c.s.mu.Unlock()
	if done {
		c.s.ready.Trigger()
	}
}

// Ready returns the event that triggers when all arrivals have
// occurred.
func (c DynamicCollective) Ready() event.Event {
	return c.s.ready.Event()
}

// Value returns the reduced value. It is valid only after Ready has
// triggered.
func (c DynamicCollective) Value() interface{} {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.s.value
}
