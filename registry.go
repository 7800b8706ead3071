// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package htmap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/selroc/htmap/cluster"
	"github.com/selroc/htmap/htio"
	"github.com/selroc/htmap/run"
)

// A Registry constructs Map controllers and caches them by map id. The
// cache is an optimization only: the durable directory under the
// registry's root is the source of truth, and is consulted whenever an
// id is not cached. Registry methods are safe for concurrent use.
type Registry struct {
	root  string
	sched cluster.Scheduler

	mu   sync.Mutex
	maps map[string]*Map
}

// NewRegistry returns a registry rooted at the settings' maps
// directory, submitting to and querying the provided scheduler.
func NewRegistry(settings Settings, sched cluster.Scheduler) *Registry {
	return &Registry{
		root:  settings.MapsDir,
		sched: sched,
		maps:  make(map[string]*Map),
	}
}

// mapDir returns the durable directory for the given map id.
func (r *Registry) mapDir(id string) string {
	return filepath.Join(r.root, id)
}

// checkID validates a map id. Ids name directories, so they must be
// nonempty and free of path separators.
func (r *Registry) checkID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return errors.E(errors.Invalid, fmt.Sprintf("invalid map id %q", id))
	}
	return nil
}

// Exists reports whether durable state exists for the given map id.
func (r *Registry) Exists(id string) bool {
	_, err := os.Stat(r.mapDir(id))
	return err == nil
}

// Recover reconstructs the Map with the given id from its durable
// directory, or returns the cached controller if one has already been
// constructed in this process. Recover fails with ErrMapNotFound if
// the directory or its required files are absent.
func (r *Registry) Recover(id string) (*Map, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recoverLocked(id)
}

func (r *Registry) recoverLocked(id string) (*Map, error) {
	if m, ok := r.maps[id]; ok {
		return m, nil
	}
	dir := r.mapDir(id)
	ids, err := htio.LoadLines(filepath.Join(dir, htio.BatchIDsFile))
	if err != nil {
		if errors.Is(errors.NotExist, err) {
			return nil, fmt.Errorf("recover %s: %w", id, ErrMapNotFound)
		}
		return nil, err
	}
	hashes, err := htio.LoadLines(filepath.Join(dir, htio.HashesFile))
	if err != nil {
		if errors.Is(errors.NotExist, err) {
			return nil, fmt.Errorf("recover %s: %w", id, ErrMapNotFound)
		}
		return nil, err
	}
	var template cluster.Template
	if err := htio.LoadObject(filepath.Join(dir, htio.TemplateFile), &template); err != nil {
		if errors.Is(errors.NotExist, err) {
			return nil, fmt.Errorf("recover %s: %w", id, ErrMapNotFound)
		}
		return nil, err
	}
	batches := make([]cluster.BatchID, len(ids))
	for i, b := range ids {
		batches[i] = cluster.BatchID(b)
	}
	m := newMap(r, id, batches, hashes, template)
	r.maps[id] = m
	log.Printf("recovered map %s from %s", id, dir)
	return m, nil
}

// Submit creates a new map: it persists the durable directory layout
// (hashes, submit template, func artifact, per-input bundles, item
// data), submits one component per distinct input to the scheduler,
// and returns the registered controller. funcName must name a function
// registered with run.Register in the worker binary.
//
// Input hashes are content hashes of the serialized argument bundles;
// duplicate inputs collapse to a single component. Submit fails with
// ErrMapExists if durable state for the id already exists.
func (r *Registry) Submit(ctx context.Context, id, funcName string, template cluster.Template, args []run.Args) (*Map, error) {
	if err := r.checkID(id); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.maps[id]; ok {
		return nil, fmt.Errorf("submit %s: %w", id, ErrMapExists)
	}
	dir := r.mapDir(id)
	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("submit %s: %w", id, ErrMapExists)
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	var (
		hashes []string
		bytes  = make(map[string][]byte)
	)
	for _, a := range args {
		data, err := htio.Encode(a)
		if err != nil {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("submit %s: encode input", id), err)
		}
		h := htio.Hash(data)
		if _, ok := bytes[h]; ok {
			continue
		}
		bytes[h] = data
		hashes = append(hashes, h)
	}

	for _, sub := range []string{htio.InputsDir, htio.OutputsDir, htio.JobLogsDir, htio.ClusterLogsDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, err
		}
	}
	cleanup := func(err error) (*Map, error) {
		os.RemoveAll(dir)
		return nil, err
	}
	for _, h := range hashes {
		if err := htio.WriteFile(filepath.Join(dir, htio.InputsDir, h+htio.InputExt), bytes[h]); err != nil {
			return cleanup(err)
		}
	}
	if err := htio.SaveLines(filepath.Join(dir, htio.HashesFile), hashes); err != nil {
		return cleanup(err)
	}
	if err := htio.WriteFile(filepath.Join(dir, run.FuncFile), []byte(funcName+"\n")); err != nil {
		return cleanup(err)
	}
	if err := htio.SaveObject(filepath.Join(dir, htio.TemplateFile), template); err != nil {
		return cleanup(err)
	}
	items := make([]cluster.ItemData, len(hashes))
	for i, h := range hashes {
		items[i] = cluster.ItemData{"hash": h, "component": strconv.Itoa(i)}
	}
	if err := htio.SaveObject(filepath.Join(dir, htio.ItemDataFile), items); err != nil {
		return cleanup(err)
	}

	batch, err := r.sched.Submit(ctx, template, items)
	if err != nil {
		return cleanup(fmt.Errorf("submit %s: %w", id, err))
	}
	if err := htio.SaveLines(filepath.Join(dir, htio.BatchIDsFile), []string{string(batch)}); err != nil {
		return cleanup(err)
	}

	m := newMap(r, id, []cluster.BatchID{batch}, hashes, template)
	r.maps[id] = m
	log.Printf("submitted map %s with %d inputs as batch %s", id, len(hashes), batch)
	return m, nil
}

// adopt registers a controller for a map whose durable state already
// exists, sharing identity state with a predecessor. Used by Rename.
func (r *Registry) adopt(id string, batches []cluster.BatchID, hashes []string, template cluster.Template) *Map {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := newMap(r, id, batches, hashes, template)
	r.maps[id] = m
	return m
}

// evict drops the cached controller for id, if any.
func (r *Registry) evict(id string) {
	r.mu.Lock()
	delete(r.maps, id)
	r.mu.Unlock()
}
