// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"encoding/binary"

	"github.com/grailbio/bigpipe"
	"github.com/spaolacci/murmur3"
)

// A Processor is a logical processor on which task bodies run. The
// executor serializes the work dispatched to a single processor.
type Processor struct {
	ID int
}

// A Mappable is the mapper-facing view of an operation that carries
// region requirements.
type Mappable interface {
	// UniqueID returns the operation's unique id.
	UniqueID() uint64
	// Kind returns the operation's kind.
	Kind() OpKind
	// Requirements returns the operation's region requirements.
	Requirements() []bigpipe.RegionRequirement
}

// A Mapper makes the policy decisions the pipeline defers: which
// processor an operation runs on, and which physical instance backs
// each region requirement. Mapping failures are reported as errors;
// a must-epoch fails collectively on any member's failure and does
// not retry.
type Mapper interface {
	// SelectProcessor chooses the processor for a mappable
	// operation.
	SelectProcessor(m Mappable) Processor
	// MapRegion produces the physical instance backing the
	// operation's idx'th region requirement.
	MapRegion(m Mappable, idx int, req bigpipe.RegionRequirement) (*Instance, error)
}

// defaultMapper hashes operation identity onto processors and backs
// every requirement with the region's canonical instance.
type defaultMapper struct {
	rt *Runtime
}

func (d defaultMapper) SelectProcessor(m Mappable) Processor {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], m.UniqueID())
	h := murmur3.Sum32(b[:])
	return Processor{ID: int(h % uint32(d.rt.numProcs()))}
}

func (d defaultMapper) MapRegion(m Mappable, idx int, req bigpipe.RegionRequirement) (*Instance, error) {
	return d.rt.instances.find(req.Region, true), nil
}
