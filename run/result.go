// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package run

import (
	"encoding/gob"
	"fmt"
	"strings"
	"time"
)

func init() {
	gob.Register([]interface{}{})
	gob.Register(map[string]interface{}{})
	// Common scalar argument and output types. Users register their
	// own concrete types, per normal gob usage.
	gob.Register(int(0))
	gob.Register(int64(0))
	gob.Register(float64(0))
	gob.Register(string(""))
	gob.Register(bool(false))
	gob.Register([]byte(nil))
}

// Args is the serialized argument bundle for one component: the
// positional and keyword arguments the mapped function is applied to.
// Argument values are gob-encoded; as with normal gob usage, concrete
// types passed through interface values must be registered by the
// caller.
type Args struct {
	Args   []interface{}
	Kwargs map[string]interface{}
}

// NodeInfo identifies the worker a component executed on.
type NodeInfo struct {
	Hostname string
	IP       string
	// Start is the UTC time at which execution started.
	Start time.Time
}

func (n NodeInfo) String() string {
	return fmt.Sprintf("%s (%s) at %s", n.Hostname, n.IP, n.Start.Format(time.RFC3339))
}

// A Frame is one resolved stack frame of a captured failure. Source
// holds the frame's source line when the source file was available on
// the worker, and is empty otherwise.
type Frame struct {
	File   string
	Line   int
	Func   string
	Source string
}

// An ExecError is the structured failure report captured when a
// component's function fails. It is serializable data, not a live
// error: it holds a one-line summary, a formatted trace, the resolved
// stack frames (for panics), and the node identity and working
// directory snapshot taken at execution start.
type ExecError struct {
	Summary    string
	Trace      string
	Frames     []Frame
	Node       NodeInfo
	WorkingDir []string
}

// Error implements error, returning the failure summary.
func (e *ExecError) Error() string { return e.Summary }

// formatTrace renders the summary and frames as a human-readable
// trace, innermost frame first.
func formatTrace(summary string, frames []Frame) string {
	var b strings.Builder
	b.WriteString(summary)
	b.WriteByte('\n')
	for _, f := range frames {
		fmt.Fprintf(&b, "  %s\n    %s:%d\n", f.Func, f.File, f.Line)
		if f.Source != "" {
			fmt.Fprintf(&b, "      %s\n", f.Source)
		}
	}
	return b.String()
}

// A Result is the component result artifact written once per (input
// hash, submission attempt): either a serialized return value or a
// structured failure report, never both. Results are immutable; a
// rerun supersedes an old result by writing a new artifact for the
// same hash.
type Result struct {
	// Hash is the input content hash the result belongs to.
	Hash string
	// OK reports whether the function returned normally.
	OK bool
	// Output is the function's return value when OK.
	Output interface{}
	// Err is the failure report when not OK.
	Err *ExecError
}

func (r *Result) String() string {
	if r.OK {
		return fmt.Sprintf("<OK for input hash %s>", r.Hash)
	}
	return fmt.Sprintf("<ERROR for input hash %s>", r.Hash)
}
