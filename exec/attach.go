// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/bigpipe"
	"github.com/grailbio/bigpipe/event"
)

// attachRetryPolicy governs retries of external file opens, which
// can fail transiently on network file systems.
var attachRetryPolicy = retry.MaxTries(retry.Backoff(10*time.Millisecond, time.Second, 2), 5)

// A FileMode describes how an attached file is opened.
type FileMode int

const (
	// ReadOnlyFile attaches an existing file for reading.
	ReadOnlyFile FileMode = iota
	// ReadWriteFile attaches an existing file for reading and
	// writing back on detach.
	ReadWriteFile
	// CreateFile creates the file on attach.
	CreateFile
)

// An AttachLauncher binds an external file to a logical region: each
// field of the region is backed by a named dataset in the file.
type AttachLauncher struct {
	Path     string
	Region   bigpipe.Region
	Parent   bigpipe.Region
	FieldMap map[bigpipe.FieldID]string
	Mode     FileMode
}

// An AttachOp binds an external file to a logical region as a
// physical instance. The instance is restricted: its contents cannot
// silently move until a DetachOp removes it. An attach failure at
// execution time is fatal to the enclosing context.
type AttachOp struct {
	Operation
	requirement bigpipe.RegionRequirement
	path        string
	fieldMap    map[bigpipe.FieldID]string
	mode        FileMode
	instance    *Instance
}

func (o *AttachOp) Kind() OpKind { return AttachOpKind }

func (o *AttachOp) activate() { o.activateOperation() }

func (o *AttachOp) deactivate() {
	o.fieldMap = nil
	o.instance = nil
	o.deactivateOperation()
}

func (o *AttachOp) initialize(ctx *Context, launcher AttachLauncher) {
	fields := make([]bigpipe.FieldID, 0, len(launcher.FieldMap))
	for f := range launcher.FieldMap {
		fields = append(fields, f)
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i] < fields[j] })
	o.initializeOperation(ctx, true, 1)
	o.requirement = bigpipe.RegionRequirement{
		Region:    launcher.Region,
		Parent:    launcher.Parent,
		Fields:    fields,
		Privilege: bigpipe.ReadWrite,
		Coherence: bigpipe.Exclusive,
	}
	o.path = launcher.Path
	o.fieldMap = launcher.FieldMap
	o.mode = launcher.Mode
}

// Requirements implements Mappable.
func (o *AttachOp) Requirements() []bigpipe.RegionRequirement {
	return []bigpipe.RegionRequirement{o.requirement}
}

func (o *AttachOp) triggerDependenceAnalysis() {
	o.beginDependenceAnalysis()
	o.parent.analyzeRegionRequirement(&o.Operation, 0, o.requirement)
	o.endDependenceAnalysis()
}

// triggerExecution opens the external file and binds its datasets to
// the region's fields as a restricted instance.
func (o *AttachOp) triggerExecution() error {
	data := make(map[bigpipe.FieldID][]byte)
	if o.mode != CreateFile {
		datasets, err := readExternalFile(o.rt.ctx, o.path)
		if err != nil {
			err = errors.E(errors.Fatal, fmt.Sprintf("attach %d: %s: %v", o.UniqueID(), o.path, err))
			o.fail(err)
			return err
		}
		for field, name := range o.fieldMap {
			value, ok := datasets[name]
			if !ok {
				err := errors.E(errors.Fatal, errors.NotExist,
					fmt.Sprintf("attach %d: %s: no dataset %q", o.UniqueID(), o.path, name))
				o.fail(err)
				return err
			}
			data[field] = value
		}
	} else {
		for field := range o.fieldMap {
			data[field] = nil
		}
	}
	instance, err := o.rt.instances.attach(o.requirement.Region, data)
	if err != nil {
		o.fail(err)
		return err
	}
	o.mu.Lock()
	o.instance = instance
	o.mu.Unlock()
	o.completeExecution()
	return nil
}

// IssueAttach issues an attach operation and returns its completion
// event; the instance is bound when the event triggers.
func (c *Context) IssueAttach(launcher AttachLauncher) event.Event {
	o := c.rt.alloc(AttachOpKind, func() opImpl {
		op := new(AttachOp)
		op.init(c.rt, op)
		return op
	}).(*AttachOp)
	o.initialize(c, launcher)
	completion := o.CompletionEvent()
	c.issue(&o.Operation)
	return completion
}

// A DetachOp removes the restricted instance created by an AttachOp,
// writing the region's final contents back to the file when the
// attach was writable.
type DetachOp struct {
	Operation
	requirement bigpipe.RegionRequirement
	path        string
	fieldMap    map[bigpipe.FieldID]string
	writeBack   bool
}

func (o *DetachOp) Kind() OpKind { return DetachOpKind }

func (o *DetachOp) activate() { o.activateOperation() }

func (o *DetachOp) deactivate() {
	o.fieldMap = nil
	o.deactivateOperation()
}

func (o *DetachOp) initialize(ctx *Context, launcher AttachLauncher) {
	fields := make([]bigpipe.FieldID, 0, len(launcher.FieldMap))
	for f := range launcher.FieldMap {
		fields = append(fields, f)
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i] < fields[j] })
	o.initializeOperation(ctx, true, 1)
	o.requirement = bigpipe.RegionRequirement{
		Region:    launcher.Region,
		Parent:    launcher.Parent,
		Fields:    fields,
		Privilege: bigpipe.ReadWrite,
		Coherence: bigpipe.Exclusive,
	}
	o.path = launcher.Path
	o.fieldMap = launcher.FieldMap
	o.writeBack = launcher.Mode != ReadOnlyFile
}

// Requirements implements Mappable.
func (o *DetachOp) Requirements() []bigpipe.RegionRequirement {
	return []bigpipe.RegionRequirement{o.requirement}
}

func (o *DetachOp) triggerDependenceAnalysis() {
	o.beginDependenceAnalysis()
	o.parent.analyzeRegionRequirement(&o.Operation, 0, o.requirement)
	o.endDependenceAnalysis()
}

func (o *DetachOp) triggerExecution() error {
	data, err := o.rt.instances.detach(o.requirement.Region)
	if err != nil {
		o.fail(err)
		return err
	}
	if o.writeBack {
		datasets := make(map[string][]byte)
		for field, name := range o.fieldMap {
			datasets[name] = data[field]
		}
		if err := writeExternalFile(o.path, datasets); err != nil {
			err = errors.E(errors.Fatal, fmt.Sprintf("detach %d: %s: %v", o.UniqueID(), o.path, err))
			o.fail(err)
			return err
		}
	}
	o.completeExecution()
	return nil
}

// IssueDetach issues a detach operation matching a previous attach
// and returns its completion event.
func (c *Context) IssueDetach(launcher AttachLauncher) event.Event {
	o := c.rt.alloc(DetachOpKind, func() opImpl {
		op := new(DetachOp)
		op.init(c.rt, op)
		return op
	}).(*DetachOp)
	o.initialize(c, launcher)
	completion := o.CompletionEvent()
	c.issue(&o.Operation)
	return completion
}

// readExternalFile reads a dataset file: one "name<TAB>value" pair
// per line. Opens are retried to ride out transient file system
// failures.
func readExternalFile(ctx stdContext, path string) (map[string][]byte, error) {
	var f *os.File
	for retries := 0; ; retries++ {
		var err error
		f, err = os.Open(path)
		if err == nil {
			break
		}
		if os.IsNotExist(err) {
			return nil, err
		}
		if werr := retry.Wait(ctx, attachRetryPolicy, retries); werr != nil {
			return nil, err
		}
	}
	defer f.Close()
	datasets := make(map[string][]byte)
	scan := bufio.NewScanner(f)
	for scan.Scan() {
		line := scan.Text()
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed dataset line %q", line)
		}
		datasets[parts[0]] = []byte(parts[1])
	}
	return datasets, scan.Err()
}

// writeExternalFile writes a dataset file in the format read by
// readExternalFile.
func writeExternalFile(path string, datasets map[string][]byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(datasets))
	for name := range datasets {
		names = append(names, name)
	}
	sort.Strings(names)
	w := bufio.NewWriter(f)
	for _, name := range names {
		if _, err := fmt.Fprintf(w, "%s\t%s\n", name, datasets[name]); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
