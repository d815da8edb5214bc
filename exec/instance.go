// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigpipe"
)

// An Instance is a physical instance of a region's fields: the
// mapped, materialized data an operation reads and writes during
// execution. Instances are created by mapping and shared by
// operations whose requirements map to the same region.
//
// A restricted instance is bound to external data (see AttachOp) and
// must not be silently copied out of; acquires lift the restriction
// for the duration of an acquire/release pair.
type Instance struct {
	region bigpipe.Region

	mu         sync.Mutex
	data       map[bigpipe.FieldID][]byte
	restricted bool
	acquired   bool
}

// Region returns the region of which this is an instance.
func (n *Instance) Region() bigpipe.Region { return n.region }

// Read returns the current bytes of the given field.
func (n *Instance) Read(field bigpipe.FieldID) []byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	b := n.data[field]
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Write replaces the bytes of the given field.
func (n *Instance) Write(field bigpipe.FieldID, value []byte) {
	n.mu.Lock()
	b := make([]byte, len(value))
	copy(b, value)
	n.data[field] = b
	n.mu.Unlock()
}

// Restricted tells whether the instance is currently restricted.
func (n *Instance) Restricted() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.restricted && !n.acquired
}

func (n *Instance) setAcquired(acquired bool) {
	n.mu.Lock()
	n.acquired = acquired
	n.mu.Unlock()
}

// snapshot returns a copy of the instance's field data.
func (n *Instance) snapshot() map[bigpipe.FieldID][]byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[bigpipe.FieldID][]byte, len(n.data))
	for f, b := range n.data {
		c := make([]byte, len(b))
		copy(c, b)
		out[f] = c
	}
	return out
}

// An instanceManager owns the physical instances of a runtime. There
// is at most one instance per region; mapping finds or creates it.
type instanceManager struct {
	mu        sync.Mutex
	instances map[bigpipe.Region]*Instance
}

func newInstanceManager() *instanceManager {
	return &instanceManager{instances: make(map[bigpipe.Region]*Instance)}
}

// find returns the instance for the region, creating it if create is
// set.
func (m *instanceManager) find(region bigpipe.Region, create bool) *Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.instances[region]
	if n == nil && create {
		n = &Instance{
			region: region,
			data:   make(map[bigpipe.FieldID][]byte),
		}
		m.instances[region] = n
	}
	return n
}

// attach binds an instance to external data, marking it restricted.
// Attaching a region that already has an instance is an error.
func (m *instanceManager) attach(region bigpipe.Region, data map[bigpipe.FieldID][]byte) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.instances[region] != nil {
		return nil, errors.E(errors.Exists, "instance already exists for "+region.String())
	}
	n := &Instance{
		region:     region,
		data:       data,
		restricted: true,
	}
	m.instances[region] = n
	return n, nil
}

// detach removes a previously attached instance and returns its
// final contents.
func (m *instanceManager) detach(region bigpipe.Region) (map[bigpipe.FieldID][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.instances[region]
	if n == nil {
		return nil, errors.E(errors.NotExist, "no instance for "+region.String())
	}
	delete(m.instances, region)
	return n.snapshot(), nil
}

// remove drops the instance for a deleted region.
func (m *instanceManager) remove(region bigpipe.Region) {
	m.mu.Lock()
	delete(m.instances, region)
	m.mu.Unlock()
}
