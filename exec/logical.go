// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"sync"

	"github.com/grailbio/bigpipe"
)

// logicalState is a context's view of the logical region state: the
// epoch users of each region tree, from which dependence analysis
// derives edges and decides where close operations must be injected.
// It is the narrow region-tree contract the pipeline needs; it does
// not attempt to reproduce a full region-tree implementation.
type logicalState struct {
	mu      sync.Mutex
	users   []logicalUser
	deleted map[bigpipe.Region]bool
	roots   map[bigpipe.Region]bool
}

// A logicalUser is one outstanding use of a region: the operation, a
// weak generation reference, the index of the requirement within the
// operation, and the requirement itself.
type logicalUser struct {
	og  opGen
	idx int
	req bigpipe.RegionRequirement
}

func newLogicalState() *logicalState {
	return &logicalState{
		deleted: make(map[bigpipe.Region]bool),
		roots:   make(map[bigpipe.Region]bool),
	}
}

// A closeGroup collects the users below one child of the analyzed
// region that must be flushed by an inter close before the new user
// can run.
type closeGroup struct {
	child bigpipe.Region
	users []logicalUser
}

// analysis is the result of analyzing one region requirement: the
// dependences to register and the close operations to inject first.
type analysis struct {
	deps   []dependence
	closes []closeGroup
}

type dependence struct {
	user  logicalUser
	dtype bigpipe.DependenceType
}

// analyze computes the edges and closes for a new requirement
// against the current users and prunes committed users; it does not
// record the new user (record does that). The caller registers the returned dependences (and
// issues the closes) outside the logical lock; the user replacement
// for closed subtrees has already happened by the time analyze
// returns.
func (ls *logicalState) analyze(req bigpipe.RegionRequirement) analysis {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	root := req.Region
	for {
		parent, ok := root.Parent()
		if !ok {
			break
		}
		root = parent
	}
	ls.roots[root] = true

	// Prune users whose operations have committed; their generation
	// has moved on.
	live := ls.users[:0]
	for _, u := range ls.users {
		if !u.og.Op.isCommitted(u.og.Gen) {
			live = append(live, u)
		}
	}
	ls.users = live

	var result analysis
	groups := make(map[bigpipe.Region]int)
	remaining := ls.users[:0]
	for _, u := range ls.users {
		if !bigpipe.Aliases(u.req.Region, req.Region) || !bigpipe.FieldsOverlap(u.req.Fields, req.Fields) {
			remaining = append(remaining, u)
			continue
		}
		dt := bigpipe.DependenceBetween(u.req, req)
		if dt == bigpipe.NoDependence {
			remaining = append(remaining, u)
			continue
		}
		if child, ok := childUnder(req.Region, u.req.Region); ok && dt.IsOrdering() {
			// The user sits below the analyzed region in a subtree
			// that must be flushed: group it under the child through
			// which its region descends.
			gi, seen := groups[child]
			if !seen {
				gi = len(result.closes)
				groups[child] = gi
				result.closes = append(result.closes, closeGroup{child: child})
			}
			result.closes[gi].users = append(result.closes[gi].users, u)
			// The close replaces the user below.
			continue
		}
		result.deps = append(result.deps, dependence{u, dt})
		remaining = append(remaining, u)
	}
	ls.users = remaining
	return result
}

// record adds an operation as a user of its analyzed requirement.
func (ls *logicalState) record(o *Operation, idx int, req bigpipe.RegionRequirement) {
	ls.mu.Lock()
	ls.users = append(ls.users, logicalUser{opGen{o, o.Generation()}, idx, req})
	ls.mu.Unlock()
}

// usersOf returns the live users whose regions alias the given
// region and whose fields overlap fields (all fields if empty).
// Deletions and post closes use it to order themselves after every
// outstanding use of a region tree.
func (ls *logicalState) usersOf(region bigpipe.Region, fields []bigpipe.FieldID) []logicalUser {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	var out []logicalUser
	for _, u := range ls.users {
		if u.og.Op.isCommitted(u.og.Gen) {
			continue
		}
		if !bigpipe.Aliases(u.req.Region, region) {
			continue
		}
		if len(fields) > 0 && !bigpipe.FieldsOverlap(u.req.Fields, fields) {
			continue
		}
		out = append(out, u)
	}
	return out
}

// markDeleted records that a region subtree has been deleted; later
// requirements on it are privilege errors.
func (ls *logicalState) markDeleted(region bigpipe.Region) {
	ls.mu.Lock()
	ls.deleted[region] = true
	// Users under the deleted subtree are dropped.
	live := ls.users[:0]
	for _, u := range ls.users {
		if !region.IsAncestorOf(u.req.Region) {
			live = append(live, u)
		}
	}
	ls.users = live
	ls.mu.Unlock()
}

// isDeleted tells whether the region, or an ancestor, was deleted.
func (ls *logicalState) isDeleted(region bigpipe.Region) bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for del := range ls.deleted {
		if del.IsAncestorOf(region) {
			return true
		}
	}
	return false
}

// usedRegions returns the root regions this context has touched, for
// post-close injection at finish.
func (ls *logicalState) usedRegions() []bigpipe.Region {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	out := make([]bigpipe.Region, 0, len(ls.roots))
	for r := range ls.roots {
		if !ls.deleted[r] {
			out = append(out, r)
		}
	}
	return out
}

// analyzeRegionRequirement performs the dependence analysis for one
// region requirement of an operation: privilege check, close
// injection, edge registration, and user recording. It runs on the
// issuing goroutine during the operation's analysis stage.
func (c *Context) analyzeRegionRequirement(o *Operation, idx int, req bigpipe.RegionRequirement) {
	if err := c.checkPrivilege(o, idx, req); err != nil {
		c.recordError(err)
		return
	}
	result := c.logical.analyze(req)
	for _, g := range result.closes {
		closeOp := c.issueInterClose(o, req, g)
		result.deps = append(result.deps, dependence{
			user:  logicalUser{opGen{&closeOp.Operation, closeOp.Generation()}, 0, closeOp.requirement},
			dtype: bigpipe.TrueDependence,
		})
	}
	for _, d := range result.deps {
		// A writing consumer of the same region validates (replaces)
		// the producer's contents.
		validates := d.dtype == bigpipe.TrueDependence &&
			req.Privilege.IsWrite() && d.user.req.Region == req.Region
		o.registerRegionDependence(idx, d.user.og.Op, d.user.og.Gen, d.user.idx, d.dtype, validates)
	}
	c.logical.record(o, idx, req)
}

// childUnder returns the child of ancestor through which descendant
// descends, and whether descendant is a strict descendant of
// ancestor.
func childUnder(ancestor, descendant bigpipe.Region) (bigpipe.Region, bool) {
	if ancestor == descendant || !ancestor.IsAncestorOf(descendant) {
		return bigpipe.Region{}, false
	}
	child := descendant
	for {
		parent, ok := child.Parent()
		if !ok {
			return bigpipe.Region{}, false
		}
		if parent == ancestor {
			return child, true
		}
		child = parent
	}
}
