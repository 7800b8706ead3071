// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package htmap

import (
	"context"
	"fmt"
	"strings"

	"github.com/selroc/htmap/cluster"
)

// query issues a scheduler query scoped to the map's batch ids,
// optionally narrowed by filter and projected to the named attributes.
// A map that currently owns zero batch ids yields no records. Queries
// are never cached: every call re-queries the live scheduler.
func (m *Map) query(ctx context.Context, filter func(cluster.Job) bool, projection []string) ([]cluster.Job, error) {
	if len(m.batches) == 0 {
		return nil, nil
	}
	return m.reg.sched.Query(ctx, cluster.Query{
		Batches:    m.BatchIDs(),
		Filter:     filter,
		Projection: projection,
	})
}

// StatusCounts returns the number of map components in each status.
// Live statuses come from the scheduler, but the completed count is
// overridden with the number of hashes that have a result artifact:
// the scheduler reports nothing for batches that have fully finished,
// so the filesystem is authoritative for "done".
func (m *Map) StatusCounts(ctx context.Context) (map[cluster.Status]int, error) {
	if err := m.guard("count statuses of"); err != nil {
		return nil, err
	}
	jobs, err := m.query(ctx, nil, []string{"JobStatus"})
	if err != nil {
		return nil, err
	}
	counts := make(map[cluster.Status]int)
	for _, j := range jobs {
		counts[j.Status]++
	}
	completed, err := m.completedHashes()
	if err != nil {
		return nil, err
	}
	counts[cluster.Completed] = len(completed)
	return counts, nil
}

// IsRunning reports whether any of the map's components are in a
// non-completed status. Components may be idle, held, or even
// completed according to the scheduler while having produced no
// output yet.
func (m *Map) IsRunning(ctx context.Context) (bool, error) {
	if err := m.guard("check running state of"); err != nil {
		return false, err
	}
	counts, err := m.StatusCounts(ctx)
	if err != nil {
		return false, err
	}
	for status, n := range counts {
		if status != cluster.Completed && n != 0 {
			return true, nil
		}
	}
	return false, nil
}

// StatusLine returns a one-line summary of the map's component
// statuses.
func (m *Map) StatusLine(ctx context.Context) (string, error) {
	if err := m.guard("summarize"); err != nil {
		return "", err
	}
	counts, err := m.StatusCounts(ctx)
	if err != nil {
		return "", err
	}
	parts := make([]string, 0, 4)
	for _, status := range cluster.DisplayStatuses() {
		parts = append(parts, fmt.Sprintf("%s = %d", status, counts[status]))
	}
	return fmt.Sprintf("Map %s (%d inputs): %s", m.id, m.Len(), strings.Join(parts, " | ")), nil
}

// A HoldReason describes why one component is held.
type HoldReason struct {
	// Component is the component's index within its batch.
	Component int
	Code      int
	Reason    string
}

// HoldReasons returns the hold reason for every held component of the
// map.
func (m *Map) HoldReasons(ctx context.Context) ([]HoldReason, error) {
	if err := m.guard("query hold reasons of"); err != nil {
		return nil, err
	}
	jobs, err := m.query(ctx,
		func(j cluster.Job) bool { return j.Status == cluster.Held },
		[]string{"ProcId", "HoldReason", "HoldReasonCode"},
	)
	if err != nil {
		return nil, err
	}
	reasons := make([]HoldReason, len(jobs))
	for i, j := range jobs {
		reasons[i] = HoldReason{
			Component: j.Component,
			Code:      j.HoldReasonCode,
			Reason:    j.HoldReason,
		}
	}
	return reasons, nil
}
