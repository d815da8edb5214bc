// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package event provides the event primitives consumed by the bigpipe
// operation pipeline: events that have either triggered or not,
// user-triggerable events, and event merging. Events are backed by
// channels; a merged event honors the partial order of its
// constituents.
package event

import (
	"context"
	"sync"
)

func init() {
	close(closedc)
}

// closedc is closed in init so that zero events have an
// always-ready done channel.
var closedc = make(chan struct{})

// An Event represents a condition that either has or has not yet
// occurred. The zero Event has always triggered and carries no error.
// Events are created through NewUser and Merge.
type Event struct {
	s *state
}

type state struct {
	c chan struct{}

	mu  sync.Mutex
	err error
}

// No is the zero event. It has always triggered.
var No = Event{}

// HasTriggered tells whether the event has triggered.
func (e Event) HasTriggered() bool {
	if e.s == nil {
		return true
	}
	select {
	case <-e.s.c:
		return true
	default:
		return false
	}
}

// Done returns a channel that is closed when the event triggers.
func (e Event) Done() <-chan struct{} {
	if e.s == nil {
		return closedc
	}
	return e.s.c
}

// Err returns the event's failure, if any. Err is meaningful only
// after the event has triggered.
func (e Event) Err() error {
	if e.s == nil {
		return nil
	}
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	return e.s.err
}

// Wait returns once the event has triggered or the context is done.
// It returns the event's failure if the event failed, or else the
// context's error if the context completed first.
func (e Event) Wait(ctx context.Context) error {
	select {
	case <-e.Done():
		return e.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Merge returns an event that triggers after every event in events
// has triggered. Already-triggered events are elided; if all of the
// events have triggered, the returned event has too. A merged event
// fails if any of its constituents failed.
func Merge(events ...Event) Event {
	pending := events[:0]
	for _, e := range events {
		if !e.HasTriggered() {
			pending = append(pending, e)
		} else if err := e.Err(); err != nil {
			return failed(err)
		}
	}
	if len(pending) == 0 {
		return No
	}
	if len(pending) == 1 {
		return pending[0]
	}
	deps := make([]Event, len(pending))
	copy(deps, pending)
	u := NewUser()
	go func() {
		var err error
		for _, e := range deps {
			<-e.Done()
			if err == nil {
				err = e.Err()
			}
		}
		if err != nil {
			u.Fail(err)
		} else {
			u.Trigger()
		}
	}()
	return u.Event()
}

func failed(err error) Event {
	u := NewUser()
	u.Fail(err)
	return u.Event()
}

// A User is a user-triggerable event. Its Event is distributed to
// consumers; the owner calls Trigger (or Fail) exactly once.
type User struct {
	s    *state
	once sync.Once
}

// NewUser returns a new untriggered user event.
func NewUser() *User {
	return &User{s: &state{c: make(chan struct{})}}
}

// Event returns the consumer view of the user event.
func (u *User) Event() Event {
	return Event{u.s}
}

// Trigger triggers the event. Successive calls to Trigger and Fail
// are no-ops.
func (u *User) Trigger() {
	u.once.Do(func() {
		close(u.s.c)
	})
}

// Fail triggers the event with a permanent failure. Waiters observe
// err from Wait and Err.
func (u *User) Fail(err error) {
	u.once.Do(func() {
		u.s.mu.Lock()
		u.s.err = err
		u.s.mu.Unlock()
		close(u.s.c)
	})
}
