// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package clustertest provides an in-process cluster.Scheduler for
// testing. The fake keeps a queue of component records per batch;
// tests drive status transitions directly, or install a Runner to have
// submitted components executed concurrently in-process.
package clustertest

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/selroc/htmap/cluster"
	"golang.org/x/sync/errgroup"
)

// An Edit records one attribute edit accepted by the fake.
type Edit struct {
	Batches []cluster.BatchID
	Attr    string
	Value   string
}

// A Submission records one accepted batch submission.
type Submission struct {
	Batch    cluster.BatchID
	Template cluster.Template
	Items    []cluster.ItemData
}

type job struct {
	cluster.Job
	item cluster.ItemData
}

// Fake is an in-process Scheduler. Completed components leave the
// queue entirely, as a real scheduler's do: queries and actions see
// only live components.
type Fake struct {
	// Runner, if non-nil, is invoked once per submitted item, each on
	// its own goroutine. A nil return completes the component (it
	// leaves the queue); an error holds it with the error text as the
	// hold reason.
	Runner func(ctx context.Context, item cluster.ItemData) error

	mu          sync.Mutex
	jobs        map[cluster.BatchID][]*job
	submissions []Submission
	edits       []Edit
	wg          sync.WaitGroup
}

// New returns an empty fake scheduler.
func New() *Fake {
	return &Fake{jobs: make(map[cluster.BatchID][]*job)}
}

// Submit implements cluster.Scheduler. Batch ids are fresh UUIDs.
func (f *Fake) Submit(ctx context.Context, template cluster.Template, items []cluster.ItemData) (cluster.BatchID, error) {
	batch := cluster.BatchID(uuid.New().String())
	f.mu.Lock()
	jobs := make([]*job, len(items))
	for i, item := range items {
		jobs[i] = &job{
			Job:  cluster.Job{Batch: batch, Component: i, Status: cluster.Idle},
			item: item,
		}
	}
	f.jobs[batch] = jobs
	f.submissions = append(f.submissions, Submission{Batch: batch, Template: template.Clone(), Items: items})
	runner := f.Runner
	f.mu.Unlock()

	if runner != nil {
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			f.run(batch, jobs, runner)
		}()
	}
	return batch, nil
}

func (f *Fake) run(batch cluster.BatchID, jobs []*job, runner func(context.Context, cluster.ItemData) error) {
	g, ctx := errgroup.WithContext(context.Background())
	for _, j := range jobs {
		j := j
		g.Go(func() error {
			f.setStatus(batch, j.Component, cluster.Running)
			if err := runner(ctx, j.item); err != nil {
				f.holdComponent(batch, j.Component, err.Error(), 13)
				return nil
			}
			// Completed components leave the queue.
			f.dropComponent(batch, j.Component)
			return nil
		})
	}
	g.Wait()
}

// Drain blocks until all in-flight Runner executions have finished.
func (f *Fake) Drain() { f.wg.Wait() }

// Act implements cluster.Scheduler.
func (f *Fake) Act(ctx context.Context, action cluster.Action, query cluster.Query) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for batch, jobs := range f.jobs {
		live := jobs[:0]
		for _, j := range jobs {
			if !query.Match(j.Job) {
				live = append(live, j)
				continue
			}
			switch action {
			case cluster.Remove:
				continue // dropped from the queue
			case cluster.Hold:
				j.Status = cluster.Held
				j.HoldReason = "held by user"
				j.HoldReasonCode = 1
			case cluster.Release, cluster.Continue, cluster.Vacate:
				j.Status = cluster.Idle
				j.HoldReason = ""
				j.HoldReasonCode = 0
			case cluster.Suspend:
				j.Status = cluster.Suspended
			}
			live = append(live, j)
		}
		f.jobs[batch] = live
	}
	return nil
}

// Edit implements cluster.Scheduler, recording the edit for later
// inspection.
func (f *Fake) Edit(ctx context.Context, query cluster.Query, attr, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, Edit{Batches: query.Batches, Attr: attr, Value: value})
	return nil
}

// Query implements cluster.Scheduler.
func (f *Fake) Query(ctx context.Context, query cluster.Query) ([]cluster.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []cluster.Job
	for _, jobs := range f.jobs {
		for _, j := range jobs {
			if query.Match(j.Job) {
				out = append(out, j.Job)
			}
		}
	}
	return out, nil
}

// Submissions returns every accepted submission, in order.
func (f *Fake) Submissions() []Submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Submission(nil), f.submissions...)
}

// Edits returns every recorded attribute edit, in order.
func (f *Fake) Edits() []Edit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Edit(nil), f.edits...)
}

// Queued returns the number of live (queued or running) components
// across every batch.
func (f *Fake) Queued() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int
	for _, jobs := range f.jobs {
		n += len(jobs)
	}
	return n
}

// SetStatus sets the live status of one component, creating no record
// if the component has left the queue.
func (f *Fake) SetStatus(batch cluster.BatchID, component int, status cluster.Status) {
	f.setStatus(batch, component, status)
}

func (f *Fake) setStatus(batch cluster.BatchID, component int, status cluster.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs[batch] {
		if j.Component == component {
			j.Status = status
		}
	}
}

// HoldComponent holds one component with the given reason.
func (f *Fake) HoldComponent(batch cluster.BatchID, component int, reason string, code int) {
	f.holdComponent(batch, component, reason, code)
}

func (f *Fake) holdComponent(batch cluster.BatchID, component int, reason string, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs[batch] {
		if j.Component == component {
			j.Status = cluster.Held
			j.HoldReason = reason
			j.HoldReasonCode = code
		}
	}
}

// DropComponent removes one component from the queue, as when it
// completes on a real scheduler.
func (f *Fake) DropComponent(batch cluster.BatchID, component int) {
	f.dropComponent(batch, component)
}

func (f *Fake) dropComponent(batch cluster.BatchID, component int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	jobs := f.jobs[batch]
	live := jobs[:0]
	for _, j := range jobs {
		if j.Component != component {
			live = append(live, j)
		}
	}
	f.jobs[batch] = live
}
