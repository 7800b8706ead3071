// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package run implements the component runner: the protocol executed
// once per (input hash, submission attempt) on a remote worker. The
// runner loads the shared function and one input bundle from its
// sandbox, invokes the function, and writes exactly one result
// artifact for the hash, success or failure.
//
// Functions are shipped by name: the worker binary links the same code
// as the submitting process and the durable "func" artifact names a
// function previously registered with Register.
//
// The runner has no retry logic and no knowledge of other components.
// A worker crash before the artifact is written leaves the hash
// missing from the controller's perspective; non-completion is the
// only cross-process failure signal.
package run

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/selroc/htmap/htio"
)

// FuncFile names the sandbox artifact holding the registered name of
// the mapped function.
const FuncFile = "func"

var (
	mu    sync.Mutex
	funcs = make(map[string]Func)
)

// A Func is a mapped function: it is applied to one input's positional
// and keyword arguments and returns the component's output. A non-nil
// error, like a panic, is captured as a structured failure report
// rather than propagated.
type Func func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error)

// Register registers fn under name so that workers can resolve it from
// the durable func artifact. Register panics if the name is already
// taken. Registration must happen before Run is called, typically from
// package initialization, and must be identical in the submitting and
// worker binaries.
func Register(name string, fn Func) {
	mu.Lock()
	defer mu.Unlock()
	if name == "" {
		panic("run.Register: empty name")
	}
	if _, ok := funcs[name]; ok {
		panic(fmt.Sprintf("run.Register: duplicate function name %q", name))
	}
	funcs[name] = fn
}

func lookup(name string) (Func, bool) {
	mu.Lock()
	defer mu.Unlock()
	fn, ok := funcs[name]
	return fn, ok
}

// Node captures the identity of the executing worker: its hostname,
// a resolved address for it, and the UTC start time.
func Node() NodeInfo {
	info := NodeInfo{Start: time.Now().UTC()}
	host, err := os.Hostname()
	if err != nil {
		info.Hostname = "unknown"
		return info
	}
	info.Hostname = host
	if addrs, err := net.LookupHost(host); err == nil && len(addrs) > 0 {
		info.IP = addrs[0]
	}
	return info
}

// Run executes one component in the sandbox directory dir: it captures
// node identity and a working directory snapshot, loads the function
// and the input bundle for hash, invokes the function, and writes the
// result artifact "<hash>.out" into dir. Diagnostics are printed to
// stdout so the scheduler's log capture records them.
//
// Run returns an error only when the artifact itself cannot be
// written; function failures are captured in the artifact.
func Run(ctx context.Context, dir, hash string) error {
	node := Node()
	fmt.Printf("Landed on execute node %s\n\n", node)
	contents := workingDirContents(dir)
	fmt.Println("Working directory contents:")
	for _, name := range contents {
		fmt.Println("    " + name)
	}

	fmt.Print("\n----- MAP COMPONENT OUTPUT START -----\n\n")
	res := execute(ctx, dir, hash, node, contents)
	fmt.Print("\n-----  MAP COMPONENT OUTPUT END  -----\n\n")

	if err := htio.SaveObject(filepath.Join(dir, hash+htio.OutputExt), res); err != nil {
		return fmt.Errorf("save result for %s: %w", hash, err)
	}
	fmt.Printf("Finished executing component at %s\n", time.Now().UTC().Format(time.RFC3339))
	return nil
}

// execute produces the component's result. Every failure mode,
// including failure to load the function or its input bundle, is
// captured as an error result for the hash.
func execute(ctx context.Context, dir, hash string, node NodeInfo, contents []string) *Result {
	fail := func(summary string) *Result {
		return &Result{
			Hash: hash,
			Err: &ExecError{
				Summary:    summary,
				Trace:      summary,
				Node:       node,
				WorkingDir: contents,
			},
		}
	}

	name, err := loadFuncName(dir)
	if err != nil {
		return fail(fmt.Sprintf("load func: %v", err))
	}
	fn, ok := lookup(name)
	if !ok {
		return fail(fmt.Sprintf("load func: no registered function named %q", name))
	}
	var bundle Args
	if err := htio.LoadObject(filepath.Join(dir, hash+htio.InputExt), &bundle); err != nil {
		return fail(fmt.Sprintf("load input %s: %v", hash, err))
	}

	fmt.Printf("Running %q\nwith args\n    %v\nand kwargs\n    %v\nfrom input hash\n    %s\n",
		name, bundle.Args, bundle.Kwargs, hash)

	out, execErr := invoke(ctx, fn, bundle)
	if execErr != nil {
		execErr.Node = node
		execErr.WorkingDir = contents
		return &Result{Hash: hash, Err: execErr}
	}
	return &Result{Hash: hash, OK: true, Output: out}
}

// invoke applies fn to the bundle, converting a panic into a structured
// failure with resolved stack frames and a returned error into a
// frameless failure.
func invoke(ctx context.Context, fn Func, bundle Args) (out interface{}, execErr *ExecError) {
	defer func() {
		if p := recover(); p != nil {
			summary := fmt.Sprintf("panic: %v", p)
			frames := captureFrames()
			execErr = &ExecError{
				Summary: summary,
				Trace:   formatTrace(summary, frames),
				Frames:  frames,
			}
			out = nil
		}
	}()
	out, err := fn(ctx, bundle.Args, bundle.Kwargs)
	if err != nil {
		summary := fmt.Sprintf("%T: %v", err, err)
		return nil, &ExecError{Summary: summary, Trace: summary}
	}
	return out, nil
}

// pkgPrefix identifies the runner's own frames, which are elided from
// captured stacks so that the first visible frame is the user's code.
const pkgPrefix = "github.com/selroc/htmap/run."

// captureFrames resolves the panicking goroutine's stack, innermost
// frame first, skipping runtime machinery and the runner's wrapper
// frames. Source lines are resolved for files present on the worker.
func captureFrames() []Frame {
	var pcs [64]uintptr
	n := runtime.Callers(3, pcs[:])
	iter := runtime.CallersFrames(pcs[:n])
	var (
		frames   []Frame
		seenUser bool
	)
	for {
		f, more := iter.Next()
		switch {
		case strings.HasPrefix(f.Function, "runtime."):
			// Panic machinery between the panic site and the recover.
		case strings.HasPrefix(f.Function, pkgPrefix):
			if seenUser {
				return frames
			}
		case f.Function != "":
			seenUser = true
			frames = append(frames, Frame{
				File:   f.File,
				Line:   f.Line,
				Func:   f.Function,
				Source: sourceLine(f.File, f.Line),
			})
		}
		if !more {
			return frames
		}
	}
}

// sourceLine returns the trimmed source text at file:line, or the
// empty string if the file is not available locally.
func sourceLine(file string, line int) string {
	f, err := os.Open(file)
	if err != nil {
		return ""
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for i := 1; scanner.Scan(); i++ {
		if i == line {
			return strings.TrimSpace(scanner.Text())
		}
	}
	return ""
}

func workingDirContents(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func loadFuncName(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, FuncFile))
	if err != nil {
		return "", err
	}
	name := strings.TrimSpace(string(data))
	if name == "" {
		return "", fmt.Errorf("empty func artifact")
	}
	return name, nil
}
