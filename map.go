// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package htmap

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/selroc/htmap/cluster"
	"github.com/selroc/htmap/htio"
)

// A Map is the controller for one submitted mapping job set. It owns
// the map's durable identity (id, batch id history, input hash
// sequence, and submission template) and is the sole entry point for
// monitoring, retrieval, administrative actions, rerun, removal, and
// rename. It never talks to a remote worker directly; workers
// communicate solely through the output artifacts of the map
// directory.
//
// A Map is constructed once per map, at submission or by recovery, via
// a Registry. Use a Map from a single goroutine at a time.
type Map struct {
	id  string
	reg *Registry

	// batches is the append-only history of scheduler batch ids; it
	// grows by one each time any subset of the map is (re)submitted.
	batches []cluster.BatchID
	// hashes is the ordered input hash sequence, fixed for the life of
	// the map. Rerun never changes this set, only which hashes
	// currently have output.
	hashes   []string
	template cluster.Template

	// removed is terminal: once set, all further operations fail.
	removed bool
}

func newMap(reg *Registry, id string, batches []cluster.BatchID, hashes []string, template cluster.Template) *Map {
	return &Map{
		id:       id,
		reg:      reg,
		batches:  batches,
		hashes:   hashes,
		template: template,
	}
}

func (m *Map) String() string {
	return fmt.Sprintf("Map(%s)", m.id)
}

// guard fails an operation on a decommissioned map. Every public
// operation calls it before any other effect.
func (m *Map) guard(op string) error {
	if m.removed {
		return fmt.Errorf("%s %s: %w", op, m.id, ErrMapRemoved)
	}
	return nil
}

// ID returns the map's id.
func (m *Map) ID() string { return m.id }

// Len returns the number of inputs in the map.
func (m *Map) Len() int { return len(m.hashes) }

// Hashes returns the map's ordered input hash sequence.
func (m *Map) Hashes() []string {
	return append([]string(nil), m.hashes...)
}

// BatchIDs returns the map's batch id history, oldest first.
func (m *Map) BatchIDs() []cluster.BatchID {
	return append([]cluster.BatchID(nil), m.batches...)
}

func (m *Map) dir() string            { return m.reg.mapDir(m.id) }
func (m *Map) inputsDir() string      { return filepath.Join(m.dir(), htio.InputsDir) }
func (m *Map) outputsDir() string     { return filepath.Join(m.dir(), htio.OutputsDir) }
func (m *Map) jobLogsDir() string     { return filepath.Join(m.dir(), htio.JobLogsDir) }
func (m *Map) clusterLogsDir() string { return filepath.Join(m.dir(), htio.ClusterLogsDir) }

func (m *Map) inputPath(h string) string {
	return filepath.Join(m.inputsDir(), h+htio.InputExt)
}

func (m *Map) outputPath(h string) string {
	return filepath.Join(m.outputsDir(), h+htio.OutputExt)
}

func (m *Map) hashAt(i int) (string, error) {
	if i < 0 || i >= len(m.hashes) {
		return "", fmt.Errorf("map %s: input index %d out of range [0, %d)", m.id, i, len(m.hashes))
	}
	return m.hashes[i], nil
}

// act applies a scheduler action scoped to all of the map's batch ids.
// Actions are fire-and-forget and eventually consistent with the next
// status query. Each batch is acted on independently so that a failed
// batch does not mask the others.
func (m *Map) act(ctx context.Context, action cluster.Action) error {
	if len(m.batches) == 0 {
		return nil
	}
	batches := m.BatchIDs()
	return traverse.Each(len(batches), func(i int) error {
		return m.reg.sched.Act(ctx, action, cluster.Query{Batches: batches[i : i+1]})
	})
}

// Hold temporarily removes the map's components from the queue, until
// released.
func (m *Map) Hold(ctx context.Context) error {
	if err := m.guard("hold"); err != nil {
		return err
	}
	if err := m.act(ctx, cluster.Hold); err != nil {
		return err
	}
	log.Printf("held map %s", m.id)
	return nil
}

// Release releases a held map back into the queue.
func (m *Map) Release(ctx context.Context) error {
	if err := m.guard("release"); err != nil {
		return err
	}
	if err := m.act(ctx, cluster.Release); err != nil {
		return err
	}
	log.Printf("released map %s", m.id)
	return nil
}

// Pause suspends the map's running components in place.
func (m *Map) Pause(ctx context.Context) error {
	if err := m.guard("pause"); err != nil {
		return err
	}
	if err := m.act(ctx, cluster.Suspend); err != nil {
		return err
	}
	log.Printf("paused map %s", m.id)
	return nil
}

// Resume continues a paused map.
func (m *Map) Resume(ctx context.Context) error {
	if err := m.guard("resume"); err != nil {
		return err
	}
	if err := m.act(ctx, cluster.Continue); err != nil {
		return err
	}
	log.Printf("resumed map %s", m.id)
	return nil
}

// Vacate forces the map's components to give up any claimed resources.
func (m *Map) Vacate(ctx context.Context) error {
	if err := m.guard("vacate"); err != nil {
		return err
	}
	if err := m.act(ctx, cluster.Vacate); err != nil {
		return err
	}
	log.Printf("vacated map %s", m.id)
	return nil
}

func (m *Map) edit(ctx context.Context, attr, value string) error {
	if len(m.batches) == 0 {
		return nil
	}
	if err := m.reg.sched.Edit(ctx, cluster.Query{Batches: m.BatchIDs()}, attr, value); err != nil {
		return err
	}
	log.Printf("set attribute %s for map %s to %s", attr, m.id, value)
	return nil
}

// SetMemory changes the memory request for the map's queued
// components, e.g. "100MB" or "2GB". Components that are already
// running are unaffected; hold and release the map to propagate the
// change to them.
func (m *Map) SetMemory(ctx context.Context, memory string) error {
	if err := m.guard("set memory for"); err != nil {
		return err
	}
	return m.edit(ctx, "RequestMemory", memory)
}

// SetDisk changes the disk request for the map's queued components.
// Components that are already running are unaffected; hold and release
// the map to propagate the change to them.
func (m *Map) SetDisk(ctx context.Context, disk string) error {
	if err := m.guard("set disk for"); err != nil {
		return err
	}
	return m.edit(ctx, "RequestDisk", disk)
}

// Remove permanently decommissions the map: it removes the map's
// components from the scheduler across every batch in its history,
// deletes the durable directory, and evicts the controller from the
// registry. All further operations on the controller fail with
// ErrMapRemoved.
//
// Directory deletion is the atomicity boundary: both cancellation and
// deletion are attempted, but the map counts as removed only once the
// directory is gone. If deletion fails the map stays live so Remove
// can be retried; if cancellation fails but deletion succeeds, the map
// is removed and the scheduler error is returned for the caller to
// act on. A worker already mid-execution may race the removal; acting
// on the scheduler before deleting the directory only makes a stray
// artifact write unlikely, not impossible.
func (m *Map) Remove(ctx context.Context) error {
	if err := m.guard("remove"); err != nil {
		return err
	}
	actErr := m.act(ctx, cluster.Remove)
	if actErr != nil {
		log.Error.Printf("remove map %s: scheduler: %v", m.id, actErr)
	}
	if err := os.RemoveAll(m.dir()); err != nil {
		return err
	}
	m.removed = true
	m.reg.evict(m.id)
	log.Printf("removed map %s", m.id)
	return actErr
}

// Output returns the captured stdout of the component at input index
// i, available once the scheduler has transferred the component's
// logs.
func (m *Map) Output(i int) (string, error) {
	if err := m.guard("read output of"); err != nil {
		return "", err
	}
	return m.readJobLog(i, ".output")
}

// ErrorOutput returns the captured stderr of the component at input
// index i.
func (m *Map) ErrorOutput(i int) (string, error) {
	if err := m.guard("read error output of"); err != nil {
		return "", err
	}
	return m.readJobLog(i, ".error")
}

func (m *Map) readJobLog(i int, ext string) (string, error) {
	h, err := m.hashAt(i)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(filepath.Join(m.jobLogsDir(), h+ext))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// TailLog streams new text appended to the map's most recent scheduler
// event log to w until ctx is done. It is meant for interactive use.
func (m *Map) TailLog(ctx context.Context, w io.Writer) error {
	if err := m.guard("tail log of"); err != nil {
		return err
	}
	if len(m.batches) == 0 {
		return fmt.Errorf("map %s has no batches", m.id)
	}
	path := filepath.Join(m.clusterLogsDir(), string(m.batches[len(m.batches)-1])+".log")
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	buf := make([]byte, 4096)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			continue
		}
		if err != nil && err != io.EOF {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}
