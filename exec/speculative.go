// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"github.com/grailbio/bigpipe"
)

// A SpecState is the state of a speculative operation's sub-machine,
// layered between dependence analysis and mapping.
type SpecState int

const (
	// pendingMapState is the initial state; the operation has not
	// yet consulted its predicate.
	pendingMapState SpecState = iota
	// speculateTrueState and speculateFalseState mean the operation
	// is proceeding on a guessed predicate value.
	speculateTrueState
	speculateFalseState
	// resolveTrueState and resolveFalseState mean the predicate's
	// actual value is known.
	resolveTrueState
	resolveFalseState
)

var specStateNames = [...]string{
	pendingMapState:     "PENDING_MAP",
	speculateTrueState:  "SPECULATE_TRUE",
	speculateFalseState: "SPECULATE_FALSE",
	resolveTrueState:    "RESOLVE_TRUE",
	resolveFalseState:   "RESOLVE_FALSE",
}

func (s SpecState) String() string { return specStateNames[s] }

// A speculator is the kind-specific half of a speculative operation.
// speculate may guess the predicate's value before it resolves;
// resolveTrue proceeds with the operation's real work; resolveFalse
// completes the operation as a no-op, triggering any futures with
// the predicate-false result.
type speculator interface {
	speculate() (speculated, value bool)
	resolveTrue()
	resolveFalse()
}

// A SpeculativeOp is an operation that may be predicated. It layers
// the speculation sub-machine over the base lifecycle: when mapping
// triggers, the operation samples its predicate; a resolved
// predicate routes directly to resolveTrue or resolveFalse, and an
// unresolved one gives the kind a chance to speculate. A wrong guess
// quashes the operation and re-enters the pipeline on a fresh
// generation with the actual value.
type SpeculativeOp struct {
	Operation

	specImpl speculator

	specState    SpecState
	predicate    *PredicateOp
	predicateGen uint64
	constFalse   bool
	predHeld     bool

	receivedTriggerResolution bool
}

func (s *SpeculativeOp) activateSpeculative() {
	s.activateOperation()
	s.mu.Lock()
	s.specState = pendingMapState
	s.predicate = nil
	s.predicateGen = 0
	s.constFalse = false
	s.predHeld = false
	s.receivedTriggerResolution = false
	s.mu.Unlock()
}

func (s *SpeculativeOp) deactivateSpeculative() {
	s.mu.Lock()
	s.predicate = nil
	s.mu.Unlock()
	s.deactivateOperation()
}

// initializeSpeculation wires the operation into its context with
// the provided predicate. impl is the outermost kind value.
func (s *SpeculativeOp) initializeSpeculation(ctx *Context, track bool, numRegions int, pred Predicate, impl speculator) {
	s.initializeOperation(ctx, track, numRegions)
	s.mu.Lock()
	s.specImpl = impl
	if pred.isConst {
		s.constFalse = !pred.constVal
	} else {
		s.predicate = pred.op
		s.predicateGen = pred.gen
	}
	s.mu.Unlock()
}

// isPredicated tells whether the operation carries a non-constant
// predicate.
func (s *SpeculativeOp) isPredicated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.predicate != nil
}

// registerPredicateDependence orders the operation after its
// predicate and holds the predicate open until speculation
// resolves. Kinds call it from their dependence analysis.
func (s *SpeculativeOp) registerPredicateDependence() {
	s.mu.Lock()
	pred, gen := s.predicate, s.predicateGen
	if pred != nil {
		s.predHeld = true
	}
	s.mu.Unlock()
	if pred == nil {
		return
	}
	// The edge orders mapping only: a speculating operation must be
	// able to execute before the predicate resolves.
	s.register(&pred.Operation, gen, edge{
		sourceIdx:   -1,
		targetIdx:   -1,
		dtype:       bigpipe.TrueDependence,
		mappingOnly: true,
	})
	pred.addPredicateReference(gen)
}

// releasePredicate drops the reference taken by
// registerPredicateDependence. It is idempotent.
func (s *SpeculativeOp) releasePredicate() {
	s.mu.Lock()
	pred, gen, held := s.predicate, s.predicateGen, s.predHeld
	s.predHeld = false
	s.mu.Unlock()
	if pred != nil && held {
		pred.removePredicateReference(gen)
	}
}

// continueMapping is the mapping continuation shared by speculative
// kinds: complete the mapping stage and schedule execution. It does
// not resolve speculation; that happens when the predicate's actual
// value is known.
func (s *SpeculativeOp) continueMapping() {
	s.completeMapping()
	s.rt.deferExecution(&s.Operation)
}

// triggerMapping samples the predicate and routes through the
// speculation sub-machine.
func (s *SpeculativeOp) triggerMapping() {
	s.mu.Lock()
	if s.predicate == nil {
		if s.constFalse {
			s.specState = resolveFalseState
			s.mu.Unlock()
			s.resolveSpeculation()
			s.specImpl.resolveFalse()
		} else {
			s.specState = resolveTrueState
			s.mu.Unlock()
			s.resolveSpeculation()
			s.specImpl.resolveTrue()
		}
		return
	}
	pred, gen := s.predicate, s.gen
	s.mu.Unlock()

	if value, resolved := pred.registerWaiter(s, gen); resolved {
		s.resolve(value)
		return
	}
	speculated, guess := s.specImpl.speculate()
	if !speculated {
		// The kind declines to speculate; the operation parks until
		// the predicate resolves.
		return
	}
	s.mu.Lock()
	if s.gen != gen || s.specState != pendingMapState {
		// The predicate resolved while we were deciding; the waiter
		// notification has taken (or will take) over.
		s.mu.Unlock()
		return
	}
	if guess {
		s.specState = speculateTrueState
	} else {
		s.specState = speculateFalseState
	}
	s.mu.Unlock()
	s.rt.stats.Speculations.Add(1)
	if guess {
		// Proceed with the real work on the guessed-true path;
		// completion remains gated on resolution.
		s.specImpl.resolveTrue()
	} else {
		// Guessed false: map so that downstream mapping proceeds,
		// but hold execution until the predicate resolves.
		s.completeMapping()
	}
}

// resolve routes a known predicate value through the current
// speculation state.
func (s *SpeculativeOp) resolve(value bool) {
	s.mu.Lock()
	state := s.specState
	switch {
	case state == pendingMapState && value:
		s.specState = resolveTrueState
	case state == pendingMapState:
		s.specState = resolveFalseState
	case state == speculateTrueState && value:
		s.specState = resolveTrueState
	case state == speculateFalseState && !value:
		s.specState = resolveFalseState
	case state == speculateTrueState || state == speculateFalseState:
		// Mismatch: quash and restart on the actual value. The fresh
		// generation re-enters at PENDING_MAP and finds the predicate
		// resolved.
		s.specState = pendingMapState
		gen := s.gen
		s.mu.Unlock()
		s.quashOperation(gen, true)
		return
	default:
		// Already resolved.
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.releasePredicate()
	s.resolveSpeculation()
	switch {
	case state == pendingMapState && value:
		s.specImpl.resolveTrue()
	case state == pendingMapState:
		s.specImpl.resolveFalse()
	case state == speculateFalseState:
		// The guessed-false path held execution back; complete it as
		// a no-op now.
		s.specImpl.resolveFalse()
	}
}

// notifyPredicateValue implements PredicateWaiter.
func (s *SpeculativeOp) notifyPredicateValue(gen uint64, value bool) {
	s.mu.Lock()
	stale := s.gen != gen
	s.mu.Unlock()
	if stale {
		return
	}
	s.resolve(value)
}

// triggerResolution notes that the runtime has asked for
// resolution. A speculative operation resolves only once its
// predicate's actual value is known.
func (s *SpeculativeOp) triggerResolution() {
	s.mu.Lock()
	s.receivedTriggerResolution = true
	state := s.specState
	s.mu.Unlock()
	if state == resolveTrueState || state == resolveFalseState {
		s.resolveSpeculation()
	}
}
