// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigpipe

// A DependenceType classifies the ordering constraint between two
// region requirements issued in program order. Types are ordered by
// strength: when multiple constraints arise between the same pair of
// operations, the strongest survives.
type DependenceType int

const (
	// NoDependence means the requirements need no ordering.
	NoDependence DependenceType = iota
	// SimultaneousDependence means both requirements asked for
	// simultaneous coherence; they may run concurrently against the
	// same data.
	SimultaneousDependence
	// AtomicDependence means both requirements asked for atomic
	// coherence; they may run in either order but not interleaved.
	AtomicDependence
	// AntiDependence means the later requirement overwrites data the
	// earlier one reads (or the later write discards prior contents);
	// the earlier must finish first but no data flows.
	AntiDependence
	// TrueDependence means the later requirement reads or mutates
	// data the earlier one wrote; data flows along the edge.
	TrueDependence
)

var dependenceNames = [...]string{
	NoDependence:           "none",
	SimultaneousDependence: "simultaneous",
	AtomicDependence:       "atomic",
	AntiDependence:         "anti",
	TrueDependence:         "true",
}

func (d DependenceType) String() string { return dependenceNames[d] }

// IsOrdering tells whether the dependence type imposes a pipeline
// ordering between the two operations.
func (d DependenceType) IsOrdering() bool {
	return d == TrueDependence || d == AntiDependence
}

// DependenceBetween computes the dependence the requirement next has
// on the earlier requirement prev, assuming their regions alias and
// their field sets overlap. The caller is responsible for the
// aliasing and field tests; this function looks only at privileges
// and coherence.
func DependenceBetween(prev, next RegionRequirement) DependenceType {
	p, n := prev.Privilege, next.Privilege
	switch {
	case p == NoAccess || n == NoAccess:
		return NoDependence
	case !p.IsWrite() && !n.IsWrite():
		// Two readers never need ordering.
		return NoDependence
	case p == Reduce && n == Reduce:
		// Reductions commute.
		return NoDependence
	}
	// A conflict exists; coherence decides how hard the edge is.
	pc, nc := prev.Coherence, next.Coherence
	if pc == Relaxed && nc == Relaxed {
		return NoDependence
	}
	if (pc == Simultaneous || pc == Relaxed) && (nc == Simultaneous || nc == Relaxed) {
		return SimultaneousDependence
	}
	if pc == Atomic && nc == Atomic {
		return AtomicDependence
	}
	// Exclusive (or mixed) coherence: a real serializing edge. It is
	// an anti-dependence when no data flows from prev to next: prev
	// only read, or next discards whatever prev produced.
	if !p.IsWrite() || n == WriteDiscard {
		return AntiDependence
	}
	return TrueDependence
}
