// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package htmap

import (
	"context"
	"fmt"
	"time"

	"github.com/grailbio/base/retry"
	"github.com/selroc/htmap/run"
)

// A Scanner iterates over a map's component results. Successive calls
// to Scan block, on a poll loop, until the next result artifact exists
// and then make it available through Result (and Input, for scanners
// constructed with inputs). Scanning stops when the pass is complete
// or an error is encountered; the user should then inspect Err.
//
// A scanner makes one pass over the map; construct a new scanner to
// iterate again. Scanners must not be shared between goroutines.
type Scanner struct {
	// Callback, if non-nil, is invoked on each (input, result) pair
	// before Scan returns it. The input argument is nil for scanners
	// constructed without inputs.
	Callback func(in *run.Args, res *run.Result)

	m          *Map
	timeout    time.Duration
	withInputs bool
	avail      bool

	idx     int
	inited  bool
	started time.Time
	retries int
	pending []string
	ready   []string
	res     *run.Result
	in      *run.Args
	err     error
}

// Scanner returns a scanner that yields results in original input
// order, blocking on each index until its artifact exists. The timeout
// bounds each per-item wait; a timeout of zero or less waits until ctx
// is done.
func (m *Map) Scanner(timeout time.Duration) *Scanner {
	return &Scanner{m: m, timeout: timeout}
}

// ScannerWithInputs is like Scanner but also makes each component's
// argument bundle available through Input.
func (m *Map) ScannerWithInputs(timeout time.Duration) *Scanner {
	return &Scanner{m: m, timeout: timeout, withInputs: true}
}

// AsAvailableScanner returns a scanner that yields each result as soon
// as its artifact exists, in arbitrary order while the map is
// incomplete. Each poll cycle scans the remaining pending hashes and
// drains every one whose artifact now exists; because the pending set
// only shrinks and artifacts are never deleted mid-run, repeated
// passes after completion produce a stable order. The timeout bounds
// the whole pass.
func (m *Map) AsAvailableScanner(timeout time.Duration) *Scanner {
	return &Scanner{m: m, timeout: timeout, avail: true}
}

// AsAvailableScannerWithInputs is like AsAvailableScanner but also
// makes each component's argument bundle available through Input.
func (m *Map) AsAvailableScannerWithInputs(timeout time.Duration) *Scanner {
	return &Scanner{m: m, timeout: timeout, avail: true, withInputs: true}
}

// Scan advances the scanner to the next available result, blocking
// until its artifact exists. It returns false when the pass is
// complete or an error occurs.
func (s *Scanner) Scan(ctx context.Context) bool {
	if s.err != nil {
		return false
	}
	if err := s.m.guard("scan"); err != nil {
		s.err = err
		return false
	}
	if s.avail {
		return s.scanAvail(ctx)
	}
	return s.scanOrdered(ctx)
}

func (s *Scanner) scanOrdered(ctx context.Context) bool {
	if s.idx >= len(s.m.hashes) {
		return false
	}
	h := s.m.hashes[s.idx]
	if err := waitForPath(ctx, s.m.outputPath(h), s.timeout); err != nil {
		s.err = err
		return false
	}
	s.idx++
	return s.emit(h)
}

func (s *Scanner) scanAvail(ctx context.Context) bool {
	if !s.inited {
		s.inited = true
		s.started = time.Now()
		s.pending = s.m.Hashes()
	}
	for len(s.ready) == 0 {
		if len(s.pending) == 0 {
			return false
		}
		done, err := s.m.completedSet()
		if err != nil {
			s.err = err
			return false
		}
		rest := s.pending[:0]
		for _, h := range s.pending {
			if done[h] {
				s.ready = append(s.ready, h)
			} else {
				rest = append(rest, h)
			}
		}
		s.pending = rest
		if len(s.ready) > 0 {
			break
		}
		if s.timeout > 0 && time.Since(s.started) >= s.timeout {
			s.err = fmt.Errorf("scan map %s: %w", s.m.id, ErrWaitTimeout)
			return false
		}
		if err := retry.Wait(ctx, pollPolicy, s.retries); err != nil {
			s.err = err
			return false
		}
		s.retries++
	}
	h := s.ready[0]
	s.ready = s.ready[1:]
	return s.emit(h)
}

func (s *Scanner) emit(h string) bool {
	res, err := loadResult(s.m.outputPath(h))
	if err != nil {
		s.err = err
		return false
	}
	s.res = res
	s.in = nil
	if s.withInputs {
		in, err := s.m.loadInput(h)
		if err != nil {
			s.err = err
			return false
		}
		s.in = in
	}
	if s.Callback != nil {
		s.Callback(s.in, s.res)
	}
	return true
}

// Result returns the result produced by the last successful Scan.
func (s *Scanner) Result() *run.Result { return s.res }

// Input returns the argument bundle for the last scanned result. It is
// nil unless the scanner was constructed with inputs.
func (s *Scanner) Input() *run.Args { return s.in }

// Err returns the error, if any, that stopped the scan.
func (s *Scanner) Err() error { return s.err }
