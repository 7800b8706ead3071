// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package htmap

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/grailbio/base/retry"
	"github.com/selroc/htmap/htio"
	"github.com/selroc/htmap/run"
)

// pollInterval is the resolution of all completion polling.
const pollInterval = time.Second

var pollPolicy = retry.Backoff(pollInterval, pollInterval, 1)

// completedSet scans the outputs directory and returns the set of
// hashes that have a result artifact. There is no persisted index:
// completion is defined purely by artifact presence, recomputed on
// every call. In-flight temporary files are not artifacts.
func (m *Map) completedSet() (map[string]bool, error) {
	entries, err := os.ReadDir(m.outputsDir())
	if err != nil {
		return nil, err
	}
	done := make(map[string]bool, len(entries))
	for _, e := range entries {
		name := e.Name()
		if htio.IsTemp(name) || !strings.HasSuffix(name, htio.OutputExt) {
			continue
		}
		done[strings.TrimSuffix(name, htio.OutputExt)] = true
	}
	return done, nil
}

func (m *Map) missingHashes() ([]string, error) {
	done, err := m.completedSet()
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, h := range m.hashes {
		if !done[h] {
			missing = append(missing, h)
		}
	}
	return missing, nil
}

func (m *Map) completedHashes() ([]string, error) {
	done, err := m.completedSet()
	if err != nil {
		return nil, err
	}
	var completed []string
	for _, h := range m.hashes {
		if done[h] {
			completed = append(completed, h)
		}
	}
	return completed, nil
}

// MissingHashes returns the input hashes that do not yet have a result
// artifact, in input order.
func (m *Map) MissingHashes() ([]string, error) {
	if err := m.guard("list missing hashes of"); err != nil {
		return nil, err
	}
	return m.missingHashes()
}

// CompletedHashes returns the input hashes that have a result
// artifact, in input order.
func (m *Map) CompletedHashes() ([]string, error) {
	if err := m.guard("list completed hashes of"); err != nil {
		return nil, err
	}
	return m.completedHashes()
}

// IsDone reports whether every input hash has a result artifact,
// success or failure.
func (m *Map) IsDone() (bool, error) {
	if err := m.guard("check doneness of"); err != nil {
		return false, err
	}
	return m.isDone()
}

func (m *Map) isDone() (bool, error) {
	missing, err := m.missingHashes()
	if err != nil {
		return false, err
	}
	return len(missing) == 0, nil
}

// Get returns the component result at input index i. With timeout <= 0
// Get is a pure existence check: it never sleeps, and fails with
// ErrOutputNotFound if the artifact is absent. Otherwise Get polls
// until the artifact exists or the timeout elapses, failing with
// ErrWaitTimeout on expiry.
func (m *Map) Get(ctx context.Context, i int, timeout time.Duration) (*run.Result, error) {
	if err := m.guard("get output from"); err != nil {
		return nil, err
	}
	h, err := m.hashAt(i)
	if err != nil {
		return nil, err
	}
	path := m.outputPath(h)
	if timeout <= 0 {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("output for index %d of map %s: %w", i, m.id, ErrOutputNotFound)
		}
	} else if err := waitForPath(ctx, path, timeout); err != nil {
		return nil, err
	}
	return loadResult(path)
}

func loadResult(path string) (*run.Result, error) {
	var res run.Result
	if err := htio.LoadObject(path, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// loadInput loads the argument bundle for the given hash.
func (m *Map) loadInput(h string) (*run.Args, error) {
	var in run.Args
	if err := htio.LoadObject(m.inputPath(h), &in); err != nil {
		return nil, err
	}
	return &in, nil
}

// Wait blocks until every input hash has a result artifact. A timeout
// of zero or less waits until ctx is done; otherwise Wait fails with
// ErrWaitTimeout once the wall-clock budget, measured from the call,
// has elapsed. If progress is non-nil it is invoked once per poll
// cycle with the number of completed inputs and the total.
func (m *Map) Wait(ctx context.Context, timeout time.Duration, progress func(done, total int)) error {
	if err := m.guard("wait for"); err != nil {
		return err
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	total := len(m.hashes)
	for retries := 0; ; retries++ {
		missing, err := m.missingHashes()
		if err != nil {
			return err
		}
		if progress != nil {
			progress(total-len(missing), total)
		}
		if len(missing) == 0 {
			return nil
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return fmt.Errorf("wait for map %s: %w", m.id, ErrWaitTimeout)
		}
		if err := retry.Wait(ctx, pollPolicy, retries); err != nil {
			return err
		}
	}
}

// waitForPath polls until the file at path exists. A timeout of zero
// or less waits until ctx is done.
func waitForPath(ctx context.Context, path string, timeout time.Duration) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for retries := 0; ; retries++ {
		if _, err := os.Stat(path); err == nil {
			return nil
		} else if !os.IsNotExist(err) {
			return err
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return fmt.Errorf("wait for %s: %w", path, ErrWaitTimeout)
		}
		if err := retry.Wait(ctx, pollPolicy, retries); err != nil {
			return err
		}
	}
}
