// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigpipe

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/must"
)

// A FieldID names a field of a region. Field identifiers are chosen
// by the user and are meaningful only within a single region tree.
type FieldID uint32

// nextRegionID assigns region identifiers process-wide so that region
// handles are stable across contexts.
var nextRegionID uint64

// A Region is a handle to a node in a region tree. Regions are
// created with NewRegion and subdivided with Partition; handles are
// comparable and cheap to copy.
type Region struct {
	node *regionNode
}

type regionNode struct {
	id     uint64
	name   string
	parent *partitionNode

	mu         sync.Mutex
	partitions []*partitionNode
}

type partitionNode struct {
	parent   *regionNode
	disjoint bool
	children []*regionNode
}

// NewRegion creates a new root region with the provided name. The
// name is used only for diagnostics.
func NewRegion(name string) Region {
	return Region{&regionNode{
		id:   atomic.AddUint64(&nextRegionID, 1),
		name: name,
	}}
}

// IsValid tells whether r is a valid region handle.
func (r Region) IsValid() bool { return r.node != nil }

// Name returns the diagnostic name of the region.
func (r Region) Name() string {
	if r.node == nil {
		return "<invalid>"
	}
	return r.node.name
}

// String returns a diagnostic representation of the region handle.
func (r Region) String() string {
	if r.node == nil {
		return "region<invalid>"
	}
	return fmt.Sprintf("region<%s:%d>", r.node.name, r.node.id)
}

// A Partition is a subdivision of a region into subregions. A
// disjoint partition guarantees that its subregions do not overlap;
// subregions of an aliased partition may.
type Partition struct {
	node *partitionNode
}

// Partition subdivides the region r into n subregions. If disjoint is
// true, the subregions are guaranteed non-overlapping and the runtime
// will not order operations on distinct subregions against each
// other.
func (r Region) Partition(n int, disjoint bool) Partition {
	must.True(r.node != nil, "bigpipe.Partition: invalid region")
	must.True(n > 0, "bigpipe.Partition: n <= 0")
	p := &partitionNode{parent: r.node, disjoint: disjoint}
	p.children = make([]*regionNode, n)
	for i := range p.children {
		p.children[i] = &regionNode{
			id:     atomic.AddUint64(&nextRegionID, 1),
			name:   fmt.Sprintf("%s[%d]", r.node.name, i),
			parent: p,
		}
	}
	r.node.mu.Lock()
	r.node.partitions = append(r.node.partitions, p)
	r.node.mu.Unlock()
	return Partition{p}
}

// Subregion returns the i'th subregion of the partition.
func (p Partition) Subregion(i int) Region {
	return Region{p.node.children[i]}
}

// NumSubregions returns the number of subregions in the partition.
func (p Partition) NumSubregions() int {
	return len(p.node.children)
}

// Disjoint tells whether the partition's subregions are guaranteed
// non-overlapping.
func (p Partition) Disjoint() bool { return p.node.disjoint }

// Parent returns the region of which this partition is a
// subdivision.
func (p Partition) Parent() Region { return Region{p.node.parent} }

// Parent returns the parent region of r, and false if r is a root.
func (r Region) Parent() (Region, bool) {
	if r.node == nil || r.node.parent == nil {
		return Region{}, false
	}
	return Region{r.node.parent.parent}, true
}

// depth returns the number of ancestors above r.
func (r Region) depth() int {
	var d int
	for n := r.node; n.parent != nil; n = n.parent.parent {
		d++
	}
	return d
}

// IsAncestorOf tells whether r is a (non-strict) ancestor of s in the
// region tree.
func (r Region) IsAncestorOf(s Region) bool {
	if r.node == nil || s.node == nil {
		return false
	}
	for n := s.node; n != nil; {
		if n == r.node {
			return true
		}
		if n.parent == nil {
			return false
		}
		n = n.parent.parent
	}
	return false
}

// Aliases tells whether regions r and s can name overlapping data.
// Equal regions alias; ancestors alias their descendants; regions in
// different trees never alias; and siblings alias unless their paths
// diverge at a disjoint partition.
func Aliases(r, s Region) bool {
	if r.node == nil || s.node == nil {
		return false
	}
	if r.node == s.node {
		return true
	}
	// Equalize depths, tracking the child through which each path
	// descends so we can examine the divergence point.
	rn, sn := r.node, s.node
	rd, sd := r.depth(), s.depth()
	var rchild, schild *regionNode
	for rd > sd {
		rchild, rn = rn, rn.parent.parent
		rd--
	}
	for sd > rd {
		schild, sn = sn, sn.parent.parent
		sd--
	}
	for rn != sn {
		if rn.parent == nil || sn.parent == nil {
			return false // different trees
		}
		rchild, rn = rn, rn.parent.parent
		schild, sn = sn, sn.parent.parent
	}
	if rchild == nil || schild == nil {
		// One is an ancestor of the other.
		return true
	}
	if rchild.parent == schild.parent && rchild.parent.disjoint {
		return false
	}
	return true
}

// FieldsOverlap tells whether the two field sets share a field.
func FieldsOverlap(f1, f2 []FieldID) bool {
	for _, a := range f1 {
		for _, b := range f2 {
			if a == b {
				return true
			}
		}
	}
	return false
}

// A Privilege describes the access an operation requires on the
// fields of a region requirement.
type Privilege int

const (
	// NoAccess requests no privilege; the requirement orders nothing.
	NoAccess Privilege = iota
	// ReadOnly requests read access.
	ReadOnly
	// ReadWrite requests mutation with read access.
	ReadWrite
	// WriteDiscard requests mutation with no need for prior contents.
	WriteDiscard
	// Reduce requests reduction access; reductions of the same kind
	// commute and need not be ordered against each other.
	Reduce
)

var privilegeNames = [...]string{
	NoAccess:     "NA",
	ReadOnly:     "RO",
	ReadWrite:    "RW",
	WriteDiscard: "WD",
	Reduce:       "RD",
}

func (p Privilege) String() string { return privilegeNames[p] }

// IsWrite tells whether the privilege can mutate data.
func (p Privilege) IsWrite() bool {
	return p == ReadWrite || p == WriteDiscard || p == Reduce
}

// IsRead tells whether the privilege observes prior data.
func (p Privilege) IsRead() bool {
	return p == ReadOnly || p == ReadWrite
}

// Subsumes tells whether privilege p permits everything q does.
func (p Privilege) Subsumes(q Privilege) bool {
	switch q {
	case NoAccess:
		return true
	case ReadOnly:
		return p == ReadOnly || p == ReadWrite
	case ReadWrite, WriteDiscard:
		return p == ReadWrite
	case Reduce:
		return p == ReadWrite || p == Reduce
	}
	return false
}

// A Coherence describes how an operation tolerates other
// simultaneous users of the same data.
type Coherence int

const (
	// Exclusive coherence serializes all conflicting accesses.
	Exclusive Coherence = iota
	// Atomic coherence allows conflicting accesses to be reordered
	// as long as each runs atomically.
	Atomic
	// Simultaneous coherence allows conflicting accesses to run
	// concurrently against the same physical data.
	Simultaneous
	// Relaxed coherence imposes no ordering at all.
	Relaxed
)

var coherenceNames = [...]string{
	Exclusive:    "excl",
	Atomic:       "atomic",
	Simultaneous: "simult",
	Relaxed:      "relaxed",
}

func (c Coherence) String() string { return coherenceNames[c] }

// A RegionRequirement names the data an operation touches: a region,
// a set of fields, the privilege required and the coherence
// tolerated. Parent names the region through which the enclosing
// context holds its own privilege; if invalid, it defaults to the
// requirement's region.
type RegionRequirement struct {
	Region    Region
	Parent    Region
	Fields    []FieldID
	Privilege Privilege
	Coherence Coherence
}

// ParentRegion returns the requirement's parent region, defaulting
// to the requirement's own region.
func (r RegionRequirement) ParentRegion() Region {
	if r.Parent.IsValid() {
		return r.Parent
	}
	return r.Region
}

func (r RegionRequirement) String() string {
	return fmt.Sprintf("%s%v(%s,%s)", r.Region, r.Fields, r.Privilege, r.Coherence)
}
