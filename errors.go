// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package htmap

import "errors"

var (
	// ErrMapNotFound indicates that no durable state exists for a
	// requested map id.
	ErrMapNotFound = errors.New("map not found")

	// ErrMapExists indicates an identity conflict: durable state
	// already exists for a map id being created.
	ErrMapExists = errors.New("map already exists")

	// ErrMapRemoved indicates an operation on a map that has been
	// decommissioned. The check precedes any other effect.
	ErrMapRemoved = errors.New("map was removed")

	// ErrCannotRename indicates an invalid rename: renaming a map to
	// its own id, renaming an incomplete map, or renaming over an
	// existing map without force.
	ErrCannotRename = errors.New("cannot rename map")

	// ErrWaitTimeout indicates that a blocking wait exceeded its
	// wall-clock budget.
	ErrWaitTimeout = errors.New("timed out waiting for output")

	// ErrOutputNotFound indicates that a non-blocking peek found no
	// result artifact. It is distinct from ErrWaitTimeout: no wait was
	// requested.
	ErrOutputNotFound = errors.New("output not found")
)
