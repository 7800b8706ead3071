// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package htmap

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/selroc/htmap/cluster"
)

func finishMap(t *testing.T, m *Map) {
	t.Helper()
	for i, h := range m.Hashes() {
		writeOutput(t, m, h, i)
	}
}

func TestRename(t *testing.T) {
	reg, fake, cleanup := testRegistry(t)
	defer cleanup()
	ctx := context.Background()
	m, err := reg.Submit(ctx, "old", "double",
		cluster.Template{
			"executable": "htmap-run",
			"log":        reg.mapDir("old") + "/cluster_logs/$(ClusterId).log",
		}, intArgs(2))
	if err != nil {
		t.Fatal(err)
	}
	finishMap(t, m)
	hashes := m.Hashes()

	renamed, err := m.Rename(ctx, "new", false)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := renamed.ID(), "new"; got != want {
		t.Errorf("got id %s, want %s", got, want)
	}
	if _, err := os.Stat(reg.mapDir("old")); !os.IsNotExist(err) {
		t.Error("old directory survived rename")
	}
	if _, err := reg.Recover("old"); !errors.Is(err, ErrMapNotFound) {
		t.Errorf("recovering old id: got %v, want ErrMapNotFound", err)
	}
	// The original handle is dead; the renamed handle serves outputs.
	if _, err := m.Get(ctx, 0, 0); !errors.Is(err, ErrMapRemoved) {
		t.Errorf("old handle: got %v, want ErrMapRemoved", err)
	}
	res, err := renamed.Get(ctx, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := res.Output.(int), 1; got != want {
		t.Errorf("got %d, want %d", got, want)
	}
	for i, h := range renamed.Hashes() {
		if h != hashes[i] {
			t.Errorf("hash %d changed across rename", i)
		}
	}

	// Template paths are rewritten to the new directory, and the batch
	// name follows the new id.
	if got, want := renamed.template["log"], reg.mapDir("new")+"/cluster_logs/$(ClusterId).log"; got != want {
		t.Errorf("got log path %q, want %q", got, want)
	}
	if got, want := renamed.template["JobBatchName"], "new"; got != want {
		t.Errorf("got batch name %q, want %q", got, want)
	}

	// The rewritten template is durable.
	reg2 := NewRegistry(Settings{MapsDir: reg.root}, fake)
	recovered, err := reg2.Recover("new")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := recovered.template["JobBatchName"], "new"; got != want {
		t.Errorf("recovered batch name %q, want %q", got, want)
	}
}

func TestRenameIncomplete(t *testing.T) {
	reg, _, cleanup := testRegistry(t)
	defer cleanup()
	ctx := context.Background()
	m := submitTestMap(t, reg, "unfinished", 2)
	writeOutput(t, m, m.Hashes()[0], 0)

	if _, err := m.Rename(ctx, "elsewhere", false); !errors.Is(err, ErrCannotRename) {
		t.Errorf("got %v, want ErrCannotRename", err)
	}
	// The failed rename leaves the map untouched.
	if _, err := os.Stat(m.dir()); err != nil {
		t.Errorf("source directory missing after failed rename: %v", err)
	}
	if _, err := os.Stat(reg.mapDir("elsewhere")); !os.IsNotExist(err) {
		t.Error("failed rename left a target directory behind")
	}
	if _, err := m.Get(ctx, 0, 0); err != nil {
		t.Errorf("map unusable after failed rename: %v", err)
	}
}

func TestRenameSelf(t *testing.T) {
	reg, _, cleanup := testRegistry(t)
	defer cleanup()
	ctx := context.Background()
	m := submitTestMap(t, reg, "same", 1)
	finishMap(t, m)
	if _, err := m.Rename(ctx, "same", false); !errors.Is(err, ErrCannotRename) {
		t.Errorf("got %v, want ErrCannotRename", err)
	}
}

func TestRenameTargetExists(t *testing.T) {
	reg, _, cleanup := testRegistry(t)
	defer cleanup()
	ctx := context.Background()
	m := submitTestMap(t, reg, "src", 1)
	finishMap(t, m)
	other := submitTestMap(t, reg, "dst", 1)

	if _, err := m.Rename(ctx, "dst", false); !errors.Is(err, ErrCannotRename) {
		t.Errorf("got %v, want ErrCannotRename", err)
	}
	if _, err := other.Get(ctx, 0, 0); errors.Is(err, ErrMapRemoved) {
		t.Error("non-forced rename clobbered the existing target")
	}
}

func TestRenameForce(t *testing.T) {
	reg, _, cleanup := testRegistry(t)
	defer cleanup()
	ctx := context.Background()
	m := submitTestMap(t, reg, "mover", 1)
	finishMap(t, m)
	victim := submitTestMap(t, reg, "target", 1)

	renamed, err := m.Rename(ctx, "target", true)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := renamed.ID(), "target"; got != want {
		t.Errorf("got id %s, want %s", got, want)
	}
	if _, err := victim.Get(ctx, 0, 0); !errors.Is(err, ErrMapRemoved) {
		t.Error("forced rename left the displaced map live")
	}
	if got, want := renamed.Hashes()[0], m.Hashes()[0]; got != want {
		t.Errorf("got hash %s, want %s", got, want)
	}
}
