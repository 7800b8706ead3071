// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package run_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/selroc/htmap/htio"
	"github.com/selroc/htmap/run"
)

type badInputError struct{ msg string }

func (e badInputError) Error() string { return e.msg }

func init() {
	run.Register("double", func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
		return args[0].(int) * 2, nil
	})
	run.Register("fail", func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
		return nil, badInputError{"boom"}
	})
	run.Register("explode", func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
		var empty []int
		return empty[3], nil // index out of range
	})
}

// sandbox lays out a worker sandbox for one component: the func
// artifact and the input bundle, as the scheduler's file transfer
// would.
func sandbox(t *testing.T, funcName string, bundle run.Args) (dir, hash string, cleanup func()) {
	t.Helper()
	dir, cleanup = testutil.TempDir(t, "", "sandbox")
	data, err := htio.Encode(bundle)
	assert.NoError(t, err)
	hash = htio.Hash(data)
	assert.NoError(t, os.WriteFile(filepath.Join(dir, run.FuncFile), []byte(funcName+"\n"), 0644))
	assert.NoError(t, htio.WriteFile(filepath.Join(dir, hash+htio.InputExt), data))
	return dir, hash, cleanup
}

func loadResult(t *testing.T, dir, hash string) *run.Result {
	t.Helper()
	var res run.Result
	assert.NoError(t, htio.LoadObject(filepath.Join(dir, hash+htio.OutputExt), &res))
	return &res
}

// countArtifacts returns the number of result artifacts in the
// sandbox. Exactly one must exist per executed component.
func countArtifacts(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	assert.NoError(t, err)
	var n int
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), htio.OutputExt) {
			n++
		}
	}
	return n
}

func TestRunOK(t *testing.T) {
	dir, hash, cleanup := sandbox(t, "double", run.Args{Args: []interface{}{21}})
	defer cleanup()
	assert.NoError(t, run.Run(context.Background(), dir, hash))
	res := loadResult(t, dir, hash)
	if !res.OK {
		t.Fatalf("expected OK result, got %v", res.Err)
	}
	if got, want := res.Hash, hash; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := res.Output.(int), 42; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := countArtifacts(t, dir), 1; got != want {
		t.Errorf("got %d artifacts, want %d", got, want)
	}
}

func TestRunError(t *testing.T) {
	dir, hash, cleanup := sandbox(t, "fail", run.Args{Args: []interface{}{1}})
	defer cleanup()
	assert.NoError(t, run.Run(context.Background(), dir, hash))
	res := loadResult(t, dir, hash)
	if res.OK {
		t.Fatal("expected error result")
	}
	if !strings.Contains(res.Err.Summary, "badInputError") {
		t.Errorf("summary %q does not name the error type", res.Err.Summary)
	}
	if !strings.Contains(res.Err.Summary, "boom") {
		t.Errorf("summary %q does not contain the error text", res.Err.Summary)
	}
	if res.Err.Node.Hostname == "" {
		t.Error("node info not captured")
	}
	if res.Err.Node.Start.IsZero() {
		t.Error("execution start time not captured")
	}
	var found bool
	for _, name := range res.Err.WorkingDir {
		if name == run.FuncFile {
			found = true
		}
	}
	if !found {
		t.Errorf("working dir snapshot %v does not list the func artifact", res.Err.WorkingDir)
	}
	// An error result is the only artifact; no OK artifact is written.
	if got, want := countArtifacts(t, dir), 1; got != want {
		t.Errorf("got %d artifacts, want %d", got, want)
	}
}

func TestRunPanic(t *testing.T) {
	dir, hash, cleanup := sandbox(t, "explode", run.Args{})
	defer cleanup()
	assert.NoError(t, run.Run(context.Background(), dir, hash))
	res := loadResult(t, dir, hash)
	if res.OK {
		t.Fatal("expected error result")
	}
	if !strings.Contains(res.Err.Summary, "panic") {
		t.Errorf("summary %q does not mention the panic", res.Err.Summary)
	}
	if len(res.Err.Frames) == 0 {
		t.Fatal("no stack frames captured")
	}
	// The runner's wrapper frames are elided: the first visible frame
	// is the user's function.
	if got := res.Err.Frames[0].Func; !strings.Contains(got, "run_test") {
		t.Errorf("first frame %q is not user code", got)
	}
	if !strings.Contains(res.Err.Trace, "panic") {
		t.Errorf("trace %q does not mention the panic", res.Err.Trace)
	}
}

func TestRunUnknownFunc(t *testing.T) {
	dir, hash, cleanup := sandbox(t, "no-such-func", run.Args{})
	defer cleanup()
	assert.NoError(t, run.Run(context.Background(), dir, hash))
	res := loadResult(t, dir, hash)
	if res.OK {
		t.Fatal("expected error result")
	}
	if !strings.Contains(res.Err.Summary, "no registered function") {
		t.Errorf("unexpected summary %q", res.Err.Summary)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	run.Register("double", func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
		return nil, fmt.Errorf("unreachable")
	})
}
