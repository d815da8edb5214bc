// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/grailbio/bigpipe"
	"github.com/grailbio/testutil"
)

// TestAttachDetach attaches a dataset file to a region, mutates it
// under an acquire/release pair, and verifies the contents are
// written back on detach.
func TestAttachDetach(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "attach")
	defer cleanup()
	path := filepath.Join(dir, "data")
	if err := writeExternalFile(path, map[string][]byte{
		"xs": []byte("10"),
		"ys": []byte("20"),
	}); err != nil {
		t.Fatal(err)
	}

	sess, c := testSession(t)
	defer sess.Shutdown()
	ctx := testContext(t)
	region := bigpipe.NewRegion("ext")
	launcher := AttachLauncher{
		Path:   path,
		Region: region,
		FieldMap: map[bigpipe.FieldID]string{
			1: "xs",
			2: "ys",
		},
		Mode: ReadWriteFile,
	}

	waitEvent(t, ctx, c.IssueAttach(launcher))
	instance := sess.Runtime().instances.find(region, false)
	if instance == nil {
		t.Fatal("attach did not bind an instance")
	}
	if !instance.Restricted() {
		t.Error("attached instance should be restricted")
	}
	if got, want := string(instance.Read(1)), "10"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	c.IssueAcquire(AcquireLauncher{Region: region, Fields: []bigpipe.FieldID{1, 2}})
	c.IssueTask(TaskLauncher{
		Name:         "bump",
		Requirements: []bigpipe.RegionRequirement{writeReq(region, 1)},
		Fn: func(ctx context.Context, regions []*Instance) (interface{}, error) {
			regions[0].Write(1, []byte("11"))
			return nil, nil
		},
	})
	c.IssueRelease(ReleaseLauncher{Region: region, Fields: []bigpipe.FieldID{1, 2}})
	waitEvent(t, ctx, c.IssueDetach(launcher))
	if err := c.Finish(ctx); err != nil {
		t.Fatal(err)
	}

	datasets, err := readExternalFile(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(datasets["xs"]), "11"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if got, want := string(datasets["ys"]), "20"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

// TestAttachMissingFile verifies that an attach whose file is
// missing is fatal to the enclosing context.
func TestAttachMissingFile(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "attach")
	defer cleanup()

	sess, c := testSession(t)
	defer sess.Shutdown()
	ctx := testContext(t)
	region := bigpipe.NewRegion("ext")

	done := c.IssueAttach(AttachLauncher{
		Path:     filepath.Join(dir, "missing"),
		Region:   region,
		FieldMap: map[bigpipe.FieldID]string{1: "xs"},
		Mode:     ReadOnlyFile,
	})
	waitEvent(t, ctx, done)
	_ = c.Drain(ctx)
	if c.Err() == nil {
		t.Error("attach of a missing file should be fatal to the context")
	}
}

// TestRestrictedCopy verifies that copying out of a restricted
// instance without an acquire is an error.
func TestRestrictedCopy(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "attach")
	defer cleanup()
	path := filepath.Join(dir, "data")
	if err := writeExternalFile(path, map[string][]byte{"xs": []byte("1")}); err != nil {
		t.Fatal(err)
	}

	sess, c := testSession(t)
	defer sess.Shutdown()
	ctx := testContext(t)
	src := bigpipe.NewRegion("src")
	dst := bigpipe.NewRegion("dst")

	waitEvent(t, ctx, c.IssueAttach(AttachLauncher{
		Path:     path,
		Region:   src,
		FieldMap: map[bigpipe.FieldID]string{1: "xs"},
		Mode:     ReadOnlyFile,
	}))
	done := c.IssueCopy(CopyLauncher{
		Src: []bigpipe.RegionRequirement{readReq(src, 1)},
		Dst: []bigpipe.RegionRequirement{writeReq(dst, 1)},
	})
	waitEvent(t, ctx, done)
	_ = c.Drain(ctx)
	if c.Err() == nil {
		t.Error("copy from a restricted instance should be an error")
	}
}
