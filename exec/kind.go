// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package exec implements the bigpipe operation pipeline: the
// operation lifecycle state machine, dependence analysis and edge
// registration, predicates and speculation, trace capture and
// replay, and the concrete operation kinds issued through a Context.
package exec

// An OpKind names a concrete operation kind. The set is closed;
// every operation in the pipeline is one of these.
type OpKind int

const (
	MapOpKind OpKind = iota
	CopyOpKind
	FenceOpKind
	FrameOpKind
	DeletionOpKind
	InterCloseOpKind
	PostCloseOpKind
	AcquireOpKind
	ReleaseOpKind
	DynamicCollectiveOpKind
	FuturePredOpKind
	NotPredOpKind
	AndPredOpKind
	OrPredOpKind
	MustEpochOpKind
	PendingPartitionOpKind
	DependentPartitionOpKind
	FillOpKind
	AttachOpKind
	DetachOpKind
	TraceCaptureOpKind
	TraceCompleteOpKind
	TaskOpKind

	numOpKinds
)

var opKindNames = [...]string{
	MapOpKind:                "Mapping",
	CopyOpKind:               "Copy",
	FenceOpKind:              "Fence",
	FrameOpKind:              "Frame",
	DeletionOpKind:           "Deletion",
	InterCloseOpKind:         "Inter Close",
	PostCloseOpKind:          "Post Close",
	AcquireOpKind:            "Acquire",
	ReleaseOpKind:            "Release",
	DynamicCollectiveOpKind:  "Dynamic Collective",
	FuturePredOpKind:         "Future Predicate",
	NotPredOpKind:            "Not Predicate",
	AndPredOpKind:            "And Predicate",
	OrPredOpKind:             "Or Predicate",
	MustEpochOpKind:          "Must Epoch",
	PendingPartitionOpKind:   "Pending Partition",
	DependentPartitionOpKind: "Dependent Partition",
	FillOpKind:               "Fill",
	AttachOpKind:             "Attach",
	DetachOpKind:             "Detach",
	TraceCaptureOpKind:       "Trace Capture",
	TraceCompleteOpKind:      "Trace Complete",
	TaskOpKind:               "Task",
}

// String returns the kind's logging name.
func (k OpKind) String() string { return opKindNames[k] }
