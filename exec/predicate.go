// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"github.com/grailbio/bigpipe"
)

// A PredicateWaiter is notified when a predicate it subscribed to
// resolves. The generation passed back is the waiter's own
// generation at subscription time, so stale notifications are
// discarded by the waiter.
type PredicateWaiter interface {
	notifyPredicateValue(gen uint64, value bool)
}

// A PredicateOp is an operation that exposes a boolean value.
// Speculative operations and compound predicates sample the value
// through registerWaiter: a resolved predicate answers immediately;
// otherwise the caller is subscribed and notified on resolution.
type PredicateOp struct {
	Operation

	predicateResolved bool
	predicateValue    bool
	waiters           map[PredicateWaiter]uint64
}

func (p *PredicateOp) activatePredicate() {
	p.activateOperation()
	p.mu.Lock()
	p.predicateResolved = false
	p.predicateValue = false
	p.waiters = make(map[PredicateWaiter]uint64)
	p.mu.Unlock()
}

func (p *PredicateOp) deactivatePredicate() {
	p.mu.Lock()
	p.waiters = nil
	p.mu.Unlock()
	p.deactivateOperation()
}

// addPredicateReference holds the predicate open on behalf of a
// dependent speculative operation; the predicate cannot commit while
// references remain.
func (p *PredicateOp) addPredicateReference(gen uint64)    { p.addMappingReference(gen) }
func (p *PredicateOp) removePredicateReference(gen uint64) { p.removeMappingReference(gen) }

// registerWaiter subscribes w to the predicate's resolution. If the
// predicate has already resolved, the value is returned with
// resolved true and w is not subscribed.
func (p *PredicateOp) registerWaiter(w PredicateWaiter, gen uint64) (value, resolved bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.predicateResolved {
		return p.predicateValue, true
	}
	p.waiters[w] = gen
	return false, false
}

// setResolvedValue resolves the predicate and notifies subscribers.
// Notifications run outside the predicate's lock. It returns whether
// this call performed the resolution.
func (p *PredicateOp) setResolvedValue(predGen uint64, value bool) bool {
	p.mu.Lock()
	if p.gen != predGen || p.predicateResolved {
		p.mu.Unlock()
		return false
	}
	p.predicateResolved = true
	p.predicateValue = value
	waiters := p.waiters
	p.waiters = make(map[PredicateWaiter]uint64)
	p.mu.Unlock()
	for w, gen := range waiters {
		w.notifyPredicateValue(gen, value)
	}
	return true
}

// A Predicate is a handle on a predicate value used to predicate an
// operation. The zero Predicate is the constant true.
type Predicate struct {
	op       *PredicateOp
	gen      uint64
	constVal bool
	isConst  bool
}

// TruePred is the constant true predicate.
var TruePred = Predicate{isConst: true, constVal: true}

// FalsePred is the constant false predicate.
var FalsePred = Predicate{isConst: true, constVal: false}

func predicateHandle(op *PredicateOp) Predicate {
	return Predicate{op: op, gen: op.Generation()}
}

// NewFuturePredicate issues a predicate operation whose value
// resolves from the boolean value of the future.
func (c *Context) NewFuturePredicate(f bigpipe.Future) Predicate {
	o := c.rt.alloc(FuturePredOpKind, func() opImpl {
		op := new(FuturePredOp)
		op.init(c.rt, op)
		return op
	}).(*FuturePredOp)
	o.initialize(c, f)
	pred := predicateHandle(&o.PredicateOp)
	o.addPredicateReference(pred.gen)
	c.trackPredicate(pred)
	c.issue(&o.Operation)
	return pred
}

// NewNotPredicate issues a predicate that negates p. Constant
// predicates fold without issuing an operation.
func (c *Context) NewNotPredicate(p Predicate) Predicate {
	if p.isConst {
		if p.constVal {
			return FalsePred
		}
		return TruePred
	}
	o := c.rt.alloc(NotPredOpKind, func() opImpl {
		op := new(NotPredOp)
		op.init(c.rt, op)
		return op
	}).(*NotPredOp)
	o.initialize(c, p)
	pred := predicateHandle(&o.PredicateOp)
	o.addPredicateReference(pred.gen)
	c.trackPredicate(pred)
	c.issue(&o.Operation)
	return pred
}

// NewAndPredicate issues a predicate that is the conjunction of p1
// and p2, resolving false as soon as either input does. Constant
// inputs fold.
func (c *Context) NewAndPredicate(p1, p2 Predicate) Predicate {
	if p1.isConst {
		if !p1.constVal {
			return FalsePred
		}
		return p2
	}
	if p2.isConst {
		if !p2.constVal {
			return FalsePred
		}
		return p1
	}
	o := c.rt.alloc(AndPredOpKind, func() opImpl {
		op := new(AndPredOp)
		op.init(c.rt, op)
		return op
	}).(*AndPredOp)
	o.initialize(c, p1, p2)
	pred := predicateHandle(&o.PredicateOp)
	o.addPredicateReference(pred.gen)
	c.trackPredicate(pred)
	c.issue(&o.Operation)
	return pred
}

// NewOrPredicate issues a predicate that is the disjunction of p1
// and p2, resolving true as soon as either input does. Constant
// inputs fold.
func (c *Context) NewOrPredicate(p1, p2 Predicate) Predicate {
	if p1.isConst {
		if p1.constVal {
			return TruePred
		}
		return p2
	}
	if p2.isConst {
		if p2.constVal {
			return TruePred
		}
		return p1
	}
	o := c.rt.alloc(OrPredOpKind, func() opImpl {
		op := new(OrPredOp)
		op.init(c.rt, op)
		return op
	}).(*OrPredOp)
	o.initialize(c, p1, p2)
	pred := predicateHandle(&o.PredicateOp)
	o.addPredicateReference(pred.gen)
	c.trackPredicate(pred)
	c.issue(&o.Operation)
	return pred
}

// A FuturePredOp resolves a predicate from the boolean value of a
// future.
type FuturePredOp struct {
	PredicateOp
	future bigpipe.Future
}

func (p *FuturePredOp) Kind() OpKind { return FuturePredOpKind }

func (p *FuturePredOp) activate()   { p.activatePredicate() }
func (p *FuturePredOp) deactivate() { p.deactivatePredicate() }

func (p *FuturePredOp) initialize(ctx *Context, f bigpipe.Future) {
	p.initializeOperation(ctx, true, 0)
	p.future = f
}

// triggerExecution resolves the predicate from the future. The
// worker blocks until the future is ready.
func (p *FuturePredOp) triggerExecution() error {
	gen := p.Generation()
	value, empty, err := p.future.Get(p.rt.ctx)
	if err != nil {
		p.setResolvedValue(gen, false)
		p.fail(err)
		return err
	}
	b, ok := value.(bool)
	resolved := ok && !empty && b
	p.setResolvedValue(gen, resolved)
	p.completeExecution()
	return nil
}

// A NotPredOp negates another predicate.
type NotPredOp struct {
	PredicateOp
	pred    *PredicateOp
	predGen uint64
}

func (p *NotPredOp) Kind() OpKind { return NotPredOpKind }

func (p *NotPredOp) activate()   { p.activatePredicate() }
func (p *NotPredOp) deactivate() { p.deactivatePredicate(); p.pred = nil }

func (p *NotPredOp) initialize(ctx *Context, pred Predicate) {
	p.initializeOperation(ctx, true, 0)
	p.pred = pred.op
	p.predGen = pred.gen
}

func (p *NotPredOp) triggerDependenceAnalysis() {
	p.beginDependenceAnalysis()
	p.registerDependence(&p.pred.Operation, p.predGen)
	p.pred.addPredicateReference(p.predGen)
	if value, resolved := p.pred.registerWaiter(p, p.Generation()); resolved {
		p.resolveInput(value)
	}
	p.endDependenceAnalysis()
}

func (p *NotPredOp) notifyPredicateValue(gen uint64, value bool) {
	if gen != p.Generation() {
		return
	}
	p.resolveInput(value)
}

func (p *NotPredOp) resolveInput(value bool) {
	if p.setResolvedValue(p.Generation(), !value) {
		p.pred.removePredicateReference(p.predGen)
	}
}

// binaryPredOp is the shared machinery of AndPredOp and OrPredOp:
// two inputs, each possibly short-circuiting.
type binaryPredOp struct {
	PredicateOp
	left, right       *PredicateOp
	leftGen, rightGen uint64

	leftValue, leftValid   bool
	rightValue, rightValid bool
}

func (p *binaryPredOp) activateBinary() {
	p.activatePredicate()
	p.mu.Lock()
	p.leftValue, p.leftValid = false, false
	p.rightValue, p.rightValid = false, false
	p.mu.Unlock()
}

func (p *binaryPredOp) deactivateBinary() {
	p.deactivatePredicate()
	p.left, p.right = nil, nil
}

func (p *binaryPredOp) initializeBinary(ctx *Context, p1, p2 Predicate) {
	p.initializeOperation(ctx, true, 0)
	p.left, p.leftGen = p1.op, p1.gen
	p.right, p.rightGen = p2.op, p2.gen
}

// A sideWaiter routes a predicate notification to the input it
// arrived from; each input of a binary predicate subscribes with its
// own waiter.
type sideWaiter struct {
	p    *binaryPredOp
	side int // 0 left, 1 right
	eval func()
}

func (w *sideWaiter) notifyPredicateValue(gen uint64, value bool) {
	p := w.p
	if gen != p.Generation() {
		return
	}
	p.mu.Lock()
	if w.side == 0 {
		p.leftValue, p.leftValid = value, true
	} else {
		p.rightValue, p.rightValid = value, true
	}
	p.mu.Unlock()
	w.eval()
}

func (p *binaryPredOp) analyzeBinary(eval func()) {
	p.beginDependenceAnalysis()
	gen := p.Generation()
	p.registerDependence(&p.left.Operation, p.leftGen)
	p.left.addPredicateReference(p.leftGen)
	p.registerDependence(&p.right.Operation, p.rightGen)
	p.right.addPredicateReference(p.rightGen)
	lw := &sideWaiter{p: p, side: 0, eval: eval}
	rw := &sideWaiter{p: p, side: 1, eval: eval}
	if value, resolved := p.left.registerWaiter(lw, gen); resolved {
		p.mu.Lock()
		p.leftValue, p.leftValid = value, true
		p.mu.Unlock()
	}
	if value, resolved := p.right.registerWaiter(rw, gen); resolved {
		p.mu.Lock()
		p.rightValue, p.rightValid = value, true
		p.mu.Unlock()
	}
	eval()
	p.endDependenceAnalysis()
}

func (p *binaryPredOp) releaseInputs() {
	p.left.removePredicateReference(p.leftGen)
	p.right.removePredicateReference(p.rightGen)
}

// An AndPredOp resolves to the conjunction of its inputs, resolving
// false as soon as either input does.
type AndPredOp struct {
	binaryPredOp
}

func (p *AndPredOp) Kind() OpKind { return AndPredOpKind }

func (p *AndPredOp) activate()   { p.activateBinary() }
func (p *AndPredOp) deactivate() { p.deactivateBinary() }

func (p *AndPredOp) initialize(ctx *Context, p1, p2 Predicate) {
	p.initializeBinary(ctx, p1, p2)
}

func (p *AndPredOp) triggerDependenceAnalysis() {
	p.analyzeBinary(p.evaluate)
}

func (p *AndPredOp) evaluate() {
	p.mu.Lock()
	var value, decided bool
	switch {
	case p.leftValid && !p.leftValue:
		value, decided = false, true
	case p.rightValid && !p.rightValue:
		value, decided = false, true
	case p.leftValid && p.rightValid:
		value, decided = p.leftValue && p.rightValue, true
	}
	p.mu.Unlock()
	if decided && p.setResolvedValue(p.Generation(), value) {
		p.releaseInputs()
	}
}

// An OrPredOp resolves to the disjunction of its inputs, resolving
// true as soon as either input does.
type OrPredOp struct {
	binaryPredOp
}

func (p *OrPredOp) Kind() OpKind { return OrPredOpKind }

func (p *OrPredOp) activate()   { p.activateBinary() }
func (p *OrPredOp) deactivate() { p.deactivateBinary() }

func (p *OrPredOp) initialize(ctx *Context, p1, p2 Predicate) {
	p.initializeBinary(ctx, p1, p2)
}

func (p *OrPredOp) triggerDependenceAnalysis() {
	p.analyzeBinary(p.evaluate)
}

func (p *OrPredOp) evaluate() {
	p.mu.Lock()
	var value, decided bool
	switch {
	case p.leftValid && p.leftValue:
		value, decided = true, true
	case p.rightValid && p.rightValue:
		value, decided = true, true
	case p.leftValid && p.rightValid:
		value, decided = p.leftValue || p.rightValue, true
	}
	p.mu.Unlock()
	if decided && p.setResolvedValue(p.Generation(), value) {
		p.releaseInputs()
	}
}
