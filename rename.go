// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package htmap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/selroc/htmap/htio"
)

// Rename gives the map a new id, returning a new controller for the
// renamed map; the receiver is decommissioned and must not be used
// afterwards. Only completed maps can be renamed: Rename fails with
// ErrCannotRename if any hash is still missing, or if newID is the
// map's current id. If force is set, an existing map at newID is
// removed first; otherwise an existing newID is an error.
//
// The durable directory is copied in full to the new path, and path
// references inside the submission template are rewritten, before the
// old map is decommissioned, so a partial failure cannot lose data.
func (m *Map) Rename(ctx context.Context, newID string, force bool) (*Map, error) {
	if err := m.guard("rename"); err != nil {
		return nil, err
	}
	if newID == m.id {
		return nil, fmt.Errorf("rename %s to itself: %w", m.id, ErrCannotRename)
	}
	done, err := m.isDone()
	if err != nil {
		return nil, err
	}
	if !done {
		return nil, fmt.Errorf("rename %s: map is not complete: %w", m.id, ErrCannotRename)
	}
	if err := m.reg.checkID(newID); err != nil {
		return nil, err
	}
	if force {
		existing, err := m.reg.Recover(newID)
		switch {
		case err == nil:
			if err := existing.Remove(ctx); err != nil {
				return nil, err
			}
			log.Printf("force-overwrote map %s", newID)
		case !errors.Is(err, ErrMapNotFound):
			return nil, err
		}
	} else if m.reg.Exists(newID) {
		return nil, fmt.Errorf("rename %s to %s: target exists: %w", m.id, newID, ErrCannotRename)
	}

	oldDir, newDir := m.dir(), m.reg.mapDir(newID)
	if err := copyDir(oldDir, newDir); err != nil {
		os.RemoveAll(newDir)
		return nil, err
	}

	// Rewrite any path references in the template to point at the new
	// directory, and persist the rewritten template in the new map.
	template := m.template.Clone()
	for k, v := range template {
		template[k] = strings.ReplaceAll(v, oldDir, newDir)
	}
	template["JobBatchName"] = newID
	if err := htio.SaveObject(filepath.Join(newDir, htio.TemplateFile), template); err != nil {
		os.RemoveAll(newDir)
		return nil, err
	}

	batches, hashes := m.BatchIDs(), m.Hashes()
	if err := m.Remove(ctx); err != nil {
		if !m.removed {
			// The old directory could not be deleted; the old map
			// remains live and the copy at newID is abandoned.
			os.RemoveAll(newDir)
			return nil, err
		}
		// Scheduler-side cancellation failed but the old directory is
		// gone. The new map shares the same batch ids, so cancellation
		// can be retried through it.
		log.Error.Printf("rename %s: decommission: %v", m.id, err)
	}
	renamed := m.reg.adopt(newID, batches, hashes, template)
	log.Printf("renamed map %s to %s", m.id, newID)
	return renamed, nil
}

// copyDir recursively copies the directory tree at src to dst. Files
// within a directory are copied in parallel.
func copyDir(src, dst string) error {
	if err := os.MkdirAll(dst, 0755); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			if err := copyDir(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
				return err
			}
			continue
		}
		files = append(files, e.Name())
	}
	return traverse.Each(len(files), func(i int) error {
		data, err := os.ReadFile(filepath.Join(src, files[i]))
		if err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(dst, files[i]), data, 0644)
	})
}
