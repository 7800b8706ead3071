// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package htmap tracks function calls mapped element-wise over many
// inputs and submitted to a remote batch-computing cluster. Each map
// owns a durable directory keyed by its id; each component (one
// function call over one input) is keyed by the content hash of its
// arguments, and is complete exactly when a result artifact exists for
// that hash. The filesystem, not the scheduler, is authoritative for
// completion: the scheduler may report nothing at all for batches that
// have already finished.
//
// A Registry constructs and caches Map controllers. Maps are recovered
// from their durable directories, so a controlling process may restart
// and pick up where it left off:
//
//	reg := htmap.NewRegistry(settings, sched)
//	m, err := reg.Recover("my-map")
//	if err != nil { ... }
//	if err := m.Wait(ctx, 0, nil); err != nil { ... }
//
// Completion detection is polling-based with a one second resolution;
// there are no background goroutines and no push notifications. The
// Registry serializes construction, recovery, and removal internally,
// but a single Map is intended for use from one goroutine at a time.
//
// Remote execution failures never surface as process-level errors:
// they are captured by the component runner (package run) as
// structured failure results and appear only when the corresponding
// output is inspected. A map is "done" once every hash has some
// artifact, success or failure.
package htmap
