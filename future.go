// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigpipe

import (
	"context"
	"sync"

	"github.com/grailbio/bigpipe/event"
)

// A Future is a write-once value produced asynchronously by an
// operation. A future becomes ready when its producing operation
// completes; an operation whose predicate resolved false produces an
// empty future.
type Future struct {
	s *futureState
}

type futureState struct {
	mu    sync.Mutex
	value interface{}
	empty bool
	ready *event.User
}

// NewFuture returns a new, unset future.
func NewFuture() Future {
	return Future{&futureState{ready: event.NewUser()}}
}

// IsValid tells whether f is a valid future handle.
func (f Future) IsValid() bool { return f.s != nil }

// Set sets the future's value and triggers its ready event. Set may
// be called at most once.
func (f Future) Set(value interface{}) {
	f.s.mu.Lock()
	f.s.value = value
	f.s.mu.Unlock()
	f.s.ready.Trigger()
}

// SetEmpty marks the future as holding no result (for example, when
// its producing operation's predicate resolved false) and triggers
// its ready event.
func (f Future) SetEmpty() {
	f.s.mu.Lock()
	f.s.empty = true
	f.s.mu.Unlock()
	f.s.ready.Trigger()
}

// Fail triggers the future's ready event with a permanent failure.
func (f Future) Fail(err error) {
	f.s.ready.Fail(err)
}

// Ready returns the event that triggers when the future's value is
// available.
func (f Future) Ready() event.Event {
	return f.s.ready.Event()
}

// Get returns the future's value, waiting for it to become ready. An
// empty future returns (nil, true, nil).
func (f Future) Get(ctx context.Context) (value interface{}, empty bool, err error) {
	if err = f.Ready().Wait(ctx); err != nil {
		return nil, false, err
	}
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	return f.s.value, f.s.empty, nil
}
