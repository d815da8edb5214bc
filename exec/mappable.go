// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

// Mappable views. The operation node is the owning entity; these
// accessors expose the mappable facet of the kinds that have one,
// returning nil when the operation is of another kind.

// AsMappableTask returns the operation's task view, or nil.
func (o *Operation) AsMappableTask() *TaskOp {
	t, _ := o.self.(*TaskOp)
	return t
}

// AsMappableCopy returns the operation's copy view, or nil.
func (o *Operation) AsMappableCopy() *CopyOp {
	c, _ := o.self.(*CopyOp)
	return c
}

// AsMappableInline returns the operation's inline-mapping view, or
// nil.
func (o *Operation) AsMappableInline() *MapOp {
	m, _ := o.self.(*MapOp)
	return m
}

// AsMappableAcquire returns the operation's acquire view, or nil.
func (o *Operation) AsMappableAcquire() *AcquireOp {
	a, _ := o.self.(*AcquireOp)
	return a
}

// AsMappableRelease returns the operation's release view, or nil.
func (o *Operation) AsMappableRelease() *ReleaseOp {
	r, _ := o.self.(*ReleaseOp)
	return r
}

// AsMappable returns the operation's Mappable facet, or nil if the
// operation carries no region requirements.
func (o *Operation) AsMappable() Mappable {
	m, _ := o.self.(Mappable)
	return m
}
