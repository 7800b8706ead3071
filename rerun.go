// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package htmap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/selroc/htmap/cluster"
	"github.com/selroc/htmap/htio"
)

// Rerun reruns the entire map from scratch: it clears every result
// artifact and resubmits all inputs.
func (m *Map) Rerun(ctx context.Context) error {
	if err := m.guard("rerun"); err != nil {
		return err
	}
	if err := m.cleanOutputs(); err != nil {
		return err
	}
	return m.rerunHashes(ctx, m.hashes)
}

// RerunIncomplete resubmits only the inputs that do not currently have
// a result artifact. Artifacts for already-completed hashes are left
// untouched.
func (m *Map) RerunIncomplete(ctx context.Context) error {
	if err := m.guard("rerun"); err != nil {
		return err
	}
	missing, err := m.missingHashes()
	if err != nil {
		return err
	}
	return m.rerunHashes(ctx, missing)
}

// rerunHashes resubmits the given hash subset as a new batch, appended
// to the map's batch history. The map's queued components are removed
// from the scheduler first; this removal is scoped to the whole map,
// not only the resubmission subset, so in-flight components outside
// the subset are cancelled too and will be re-picked-up only if they
// are themselves missing on a later rerun.
func (m *Map) rerunHashes(ctx context.Context, hashes []string) error {
	if len(hashes) == 0 {
		log.Printf("rerun of map %s: nothing to resubmit", m.id)
		return nil
	}
	if err := m.act(ctx, cluster.Remove); err != nil {
		return err
	}

	var items []cluster.ItemData
	if err := htio.LoadObject(filepath.Join(m.dir(), htio.ItemDataFile), &items); err != nil {
		return err
	}
	byHash := make(map[string]cluster.ItemData, len(items))
	for _, item := range items {
		byHash[item.Hash()] = item
	}
	resubmit := make([]cluster.ItemData, 0, len(hashes))
	for _, h := range hashes {
		item, ok := byHash[h]
		if !ok {
			return errors.E(errors.Invalid, fmt.Sprintf("map %s: no item data for hash %s", m.id, h))
		}
		resubmit = append(resubmit, item)
	}

	// Resubmit with the durable template, not the in-memory one, so a
	// rerun after recovery behaves identically.
	var template cluster.Template
	if err := htio.LoadObject(filepath.Join(m.dir(), htio.TemplateFile), &template); err != nil {
		return err
	}

	batch, err := m.reg.sched.Submit(ctx, template, resubmit)
	if err != nil {
		return err
	}
	m.batches = append(m.batches, batch)
	ids := make([]string, len(m.batches))
	for i, b := range m.batches {
		ids[i] = string(b)
	}
	if err := htio.SaveLines(filepath.Join(m.dir(), htio.BatchIDsFile), ids); err != nil {
		return err
	}
	log.Printf("resubmitted %d inputs from map %s as batch %s", len(resubmit), m.id, batch)
	return nil
}

// cleanOutputs removes every result artifact, leaving the outputs
// directory in place.
func (m *Map) cleanOutputs() error {
	dir := m.outputsDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}
