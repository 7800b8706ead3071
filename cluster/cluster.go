// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package cluster defines the client surface through which htmap talks
// to a batch scheduler. The scheduler itself is an external system;
// htmap consumes only the four operations declared on Scheduler:
// submitting a batch of components, acting on queued components,
// editing job attributes, and querying live component status.
package cluster

import (
	"context"
	"fmt"
)

// A BatchID is an opaque scheduler-assigned handle for one submission
// event. A map accumulates several batch ids across reruns.
type BatchID string

// Status represents the live scheduler status of one component. The
// values follow the scheduler's job-status numbering and start at 1.
type Status int

const (
	Idle Status = 1 + iota
	Running
	Removed
	Completed
	Held
	TransferringOutput
	Suspended

	maxStatus
)

var statuses = [...]string{
	Idle:               "Idle",
	Running:            "Run",
	Removed:            "Removed",
	Completed:          "Done",
	Held:               "Held",
	TransferringOutput: "Transferring Output",
	Suspended:          "Suspended",
}

// String returns the status's display string.
func (s Status) String() string {
	if s < Idle || s >= maxStatus {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statuses[s]
}

// DisplayStatuses returns the statuses reported in user-facing
// summaries, in display order.
func DisplayStatuses() []Status {
	return []Status{Held, Idle, Running, Completed}
}

// An Action is a command applied to queued components.
type Action int

const (
	Remove Action = iota
	Hold
	Release
	Suspend
	Continue
	Vacate
)

var actions = [...]string{
	Remove:   "Remove",
	Hold:     "Hold",
	Release:  "Release",
	Suspend:  "Suspend",
	Continue: "Continue",
	Vacate:   "Vacate",
}

// String returns the action's name.
func (a Action) String() string {
	if a < Remove || a > Vacate {
		return fmt.Sprintf("Action(%d)", int(a))
	}
	return actions[a]
}

// A Template is a job submission description: a set of submit
// attributes shared by every component of a batch. Values may contain
// per-item macros expanded from ItemData at submission time.
type Template map[string]string

// Clone returns a copy of the template.
func (t Template) Clone() Template {
	c := make(Template, len(t))
	for k, v := range t {
		c[k] = v
	}
	return c
}

// ItemData carries the per-component macro values for one input of a
// batch, keyed by macro name. Every item carries at least the "hash"
// macro naming the component's input content hash.
type ItemData map[string]string

// Hash returns the item's input content hash.
func (d ItemData) Hash() string { return d["hash"] }

// A Job is one live status record for a queued or running component,
// as returned by Scheduler.Query.
type Job struct {
	// Batch is the submission batch the component belongs to.
	Batch BatchID
	// Component is the component's index within its batch.
	Component int
	// Status is the component's live scheduler status.
	Status Status
	// HoldReason and HoldReasonCode are populated when Status is Held.
	HoldReason     string
	HoldReasonCode int
}

// A Query scopes a scheduler operation to a set of batches, optionally
// narrowed by a per-job filter. Projection names the job attributes the
// caller needs; schedulers may use it to limit the fields populated on
// returned Jobs.
type Query struct {
	Batches    []BatchID
	Filter     func(Job) bool
	Projection []string
}

// Match reports whether j is selected by the query.
func (q Query) Match(j Job) bool {
	var ok bool
	for _, b := range q.Batches {
		if b == j.Batch {
			ok = true
			break
		}
	}
	if !ok {
		return false
	}
	return q.Filter == nil || q.Filter(j)
}

// Scheduler is the minimal batch-scheduler surface consumed by htmap.
// Implementations are expected to be safe for concurrent use.
type Scheduler interface {
	// Submit submits one component per item using the provided
	// template, returning the scheduler's handle for the new batch.
	Submit(ctx context.Context, template Template, items []ItemData) (BatchID, error)

	// Act applies the action to every queued component selected by the
	// query. Act is fire-and-forget: it returns once the scheduler has
	// accepted the action, not once affected components have stopped.
	Act(ctx context.Context, action Action, query Query) error

	// Edit sets a job attribute on every queued component selected by
	// the query. Components that are already running are unaffected.
	Edit(ctx context.Context, query Query, attr, value string) error

	// Query returns the live status records for the components
	// selected by the query. A query over zero batches returns no
	// records.
	Query(ctx context.Context, query Query) ([]Job, error)
}
