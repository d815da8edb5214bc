// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package bigpipe implements a task-based parallel runtime for
	deferred execution. Programs are expressed as a stream of
	asynchronous operations (tasks, copies, fences, fills, partition
	computations, acquires and releases, predicated operations) issued
	against logical regions of data; the runtime orders the stream
	according to its data dependences and drives each operation
	through a multi-phase pipeline toward completion and reclamation.

	The root package holds the user-visible data model: regions and
	fields, region requirements with privileges and coherence modes,
	futures, and dynamic collectives. Operations are issued through an
	execution context; see package github.com/grailbio/bigpipe/exec.

	Operations issued in a context are ordered only by their data
	dependences. Two tasks that touch disjoint data run concurrently;
	a task that reads what an earlier task wrote waits for it. An
	operation's completion is observable through its completion event,
	and fences can be used to impose ordering that the data alone does
	not.

	Repeatedly executed fragments of the operation stream can be
	wrapped in traces; a trace memoizes the dependence analysis of its
	first execution and replays it on subsequent executions.
*/
package bigpipe
