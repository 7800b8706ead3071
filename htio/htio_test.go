// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package htio

import (
	"os"
	"path/filepath"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/testutil"
)

func TestWriteFileAtomic(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := filepath.Join(dir, "data")
	if err := WriteFile(path, []byte("first")); err != nil {
		t.Fatal(err)
	}
	if err := WriteFile(path, []byte("second")); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(data), "second"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	// No staging files may remain after a completed write.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if IsTemp(e.Name()) {
			t.Errorf("staging file %s left behind", e.Name())
		}
	}
}

func TestObjectRoundTrip(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	fz := fuzz.New()
	fz.NumElements(1, 100)
	var want map[string]string
	fz.Fuzz(&want)
	path := filepath.Join(dir, "object")
	if err := SaveObject(path, want); err != nil {
		t.Fatal(err)
	}
	var got map[string]string
	if err := LoadObject(path, &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d entries, want %d", len(got), len(want))
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("key %q: got %q, want %q", k, got[k], v)
		}
	}
}

func TestLoadObjectNotExist(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	var v int
	err := LoadObject(filepath.Join(dir, "nope"), &v)
	if err == nil {
		t.Fatal("expected error loading missing object")
	}
	if !errors.Is(errors.NotExist, err) {
		t.Errorf("unexpected error kind: %v", err)
	}
}

func TestLines(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := filepath.Join(dir, "lines")
	want := []string{"one", "two", "three"}
	if err := SaveLines(path, want); err != nil {
		t.Fatal(err)
	}
	got, err := LoadLines(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d lines, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d: got %q, want %q", i, got[i], want[i])
		}
	}
	// Blank lines are dropped.
	if err := os.WriteFile(path, []byte("a\n\nb\n\n"), 0644); err != nil {
		t.Fatal(err)
	}
	got, err = LoadLines(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("got %v, want [a b]", got)
	}
}

func TestHash(t *testing.T) {
	fz := fuzz.New()
	fz.NumElements(10, 1000)
	var data []byte
	fz.Fuzz(&data)
	h := Hash(data)
	if got, want := len(h), 32; got != want {
		t.Errorf("hash length: got %d, want %d", got, want)
	}
	if h != Hash(data) {
		t.Error("hash is not stable")
	}
	if h == Hash(append([]byte("x"), data...)) {
		t.Error("distinct data hashed identically")
	}
}
