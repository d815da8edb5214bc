// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"testing"

	"github.com/grailbio/bigpipe"
)

// TestPredicateFalseFill issues a fill predicated on constant false:
// the fill resolves false, its completion event triggers with no
// data written, and commit follows.
func TestPredicateFalseFill(t *testing.T) {
	sess, c := testSession(t)
	defer sess.Shutdown()
	ctx := testContext(t)
	region := bigpipe.NewRegion("R")

	done := c.IssueFill(FillLauncher{
		Requirement: writeReq(region, 1),
		Value:       []byte("nope"),
		Predicate:   FalsePred,
	})
	waitEvent(t, ctx, done)
	if err := c.Finish(ctx); err != nil {
		t.Fatal(err)
	}
	if instance := sess.Runtime().instances.find(region, false); instance != nil {
		if got := instance.Read(1); len(got) != 0 {
			t.Errorf("predicate-false fill wrote data: %q", got)
		}
	}
}

// TestFuturePredicate resolves fills through a future-backed
// predicate, both ways.
func TestFuturePredicate(t *testing.T) {
	sess, c := testSession(t)
	defer sess.Shutdown()
	ctx := testContext(t)
	region := bigpipe.NewRegion("R")

	fTrue, fFalse := bigpipe.NewFuture(), bigpipe.NewFuture()
	pTrue := c.NewFuturePredicate(fTrue)
	pFalse := c.NewFuturePredicate(fFalse)
	fTrue.Set(true)
	fFalse.Set(false)

	doneTrue := c.IssueFill(FillLauncher{
		Requirement: writeReq(region, 1),
		Value:       []byte("yes"),
		Predicate:   pTrue,
	})
	doneFalse := c.IssueFill(FillLauncher{
		Requirement: writeReq(region, 2),
		Value:       []byte("no"),
		Predicate:   pFalse,
	})
	waitEvent(t, ctx, doneTrue)
	waitEvent(t, ctx, doneFalse)
	if err := c.Finish(ctx); err != nil {
		t.Fatal(err)
	}
	instance := sess.Runtime().instances.find(region, false)
	if instance == nil {
		t.Fatal("no instance despite predicate-true fill")
	}
	if got, want := string(instance.Read(1)), "yes"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if got := instance.Read(2); len(got) != 0 {
		t.Errorf("predicate-false fill wrote data: %q", got)
	}
}

// TestNotPredicate verifies negation.
func TestNotPredicate(t *testing.T) {
	sess, c := testSession(t)
	defer sess.Shutdown()
	ctx := testContext(t)
	region := bigpipe.NewRegion("R")

	f := bigpipe.NewFuture()
	p := c.NewNotPredicate(c.NewFuturePredicate(f))
	done := c.IssueFill(FillLauncher{
		Requirement: writeReq(region, 1),
		Value:       []byte("negated"),
		Predicate:   p,
	})
	f.Set(false) // not false = true: the fill runs
	waitEvent(t, ctx, done)
	if err := c.Finish(ctx); err != nil {
		t.Fatal(err)
	}
	instance := sess.Runtime().instances.find(region, false)
	if instance == nil {
		t.Fatal("no instance")
	}
	if got, want := string(instance.Read(1)), "negated"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

// TestNotPredicateConstFolds verifies constant folding of compound
// predicate construction.
func TestNotPredicateConstFolds(t *testing.T) {
	sess, c := testSession(t)
	defer sess.Shutdown()
	if got := c.NewNotPredicate(TruePred); !got.isConst || got.constVal {
		t.Error("not true should fold to constant false")
	}
	if got := c.NewAndPredicate(TruePred, FalsePred); !got.isConst || got.constVal {
		t.Error("true and false should fold to constant false")
	}
	if got := c.NewOrPredicate(FalsePred, TruePred); !got.isConst || !got.constVal {
		t.Error("false or true should fold to constant true")
	}
}

// TestAndOrShortCircuit verifies that compound predicates resolve as
// soon as their value is decided: and on the first false, or on the
// first true.
func TestAndOrShortCircuit(t *testing.T) {
	sess, c := testSession(t)
	defer sess.Shutdown()
	ctx := testContext(t)
	region := bigpipe.NewRegion("R")

	// fNever is never set: the compound predicates must short
	// circuit on their other input.
	fNever := bigpipe.NewFuture()
	fFalse := bigpipe.NewFuture()
	fTrue := bigpipe.NewFuture()

	and := c.NewAndPredicate(c.NewFuturePredicate(fNever), c.NewFuturePredicate(fFalse))
	or := c.NewOrPredicate(c.NewFuturePredicate(fNever), c.NewFuturePredicate(fTrue))

	doneAnd := c.IssueFill(FillLauncher{
		Requirement: writeReq(region, 1),
		Value:       []byte("and"),
		Predicate:   and,
	})
	doneOr := c.IssueFill(FillLauncher{
		Requirement: writeReq(region, 2),
		Value:       []byte("or"),
		Predicate:   or,
	})
	fFalse.Set(false)
	fTrue.Set(true)
	waitEvent(t, ctx, doneAnd)
	waitEvent(t, ctx, doneOr)

	instance := sess.Runtime().instances.find(region, false)
	if instance == nil {
		t.Fatal("no instance")
	}
	if got := instance.Read(1); len(got) != 0 {
		t.Errorf("short-circuited and-fill wrote data: %q", got)
	}
	if got, want := string(instance.Read(2)), "or"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
