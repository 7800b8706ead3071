// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package htmap

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestGetNonBlocking(t *testing.T) {
	reg, _, cleanup := testRegistry(t)
	defer cleanup()
	ctx := context.Background()
	m := submitTestMap(t, reg, "get", 2)
	writeOutput(t, m, m.Hashes()[0], 10)

	res, err := m.Get(ctx, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK {
		t.Fatal("result not OK")
	}
	if got, want := res.Output.(int), 10; got != want {
		t.Errorf("got %d, want %d", got, want)
	}

	// With a non-positive timeout, a missing output fails immediately
	// rather than waiting.
	start := time.Now()
	if _, err := m.Get(ctx, 1, 0); !errors.Is(err, ErrOutputNotFound) {
		t.Errorf("got %v, want ErrOutputNotFound", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("non-blocking Get took %v", elapsed)
	}

	if _, err := m.Get(ctx, 5, 0); err == nil {
		t.Error("expected error for out-of-range component")
	}
}

func TestGetTimeout(t *testing.T) {
	reg, _, cleanup := testRegistry(t)
	defer cleanup()
	m := submitTestMap(t, reg, "gettimeout", 1)
	if _, err := m.Get(context.Background(), 0, 100*time.Millisecond); !errors.Is(err, ErrWaitTimeout) {
		t.Errorf("got %v, want ErrWaitTimeout", err)
	}
}

func TestGetBlocksUntilWritten(t *testing.T) {
	reg, _, cleanup := testRegistry(t)
	defer cleanup()
	m := submitTestMap(t, reg, "getblock", 1)
	h := m.Hashes()[0]
	go func() {
		time.Sleep(1500 * time.Millisecond)
		writeOutput(t, m, h, 7)
	}()
	start := time.Now()
	res, err := m.Get(context.Background(), 0, 10*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := res.Output.(int), 7; got != want {
		t.Errorf("got %d, want %d", got, want)
	}
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Errorf("Get returned after %v, expected to block for the write", elapsed)
	}
}

func TestWaitImmediate(t *testing.T) {
	reg, _, cleanup := testRegistry(t)
	defer cleanup()
	m := submitTestMap(t, reg, "waitdone", 2)
	for i, h := range m.Hashes() {
		writeOutput(t, m, h, i)
	}
	start := time.Now()
	if err := m.Wait(context.Background(), 0, nil); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("Wait on a complete map took %v", elapsed)
	}
}

func TestWaitTimeout(t *testing.T) {
	reg, _, cleanup := testRegistry(t)
	defer cleanup()
	m := submitTestMap(t, reg, "waittimeout", 2)
	writeOutput(t, m, m.Hashes()[0], 0)
	if err := m.Wait(context.Background(), 100*time.Millisecond, nil); !errors.Is(err, ErrWaitTimeout) {
		t.Errorf("got %v, want ErrWaitTimeout", err)
	}
}

func TestWaitProgress(t *testing.T) {
	reg, _, cleanup := testRegistry(t)
	defer cleanup()
	m := submitTestMap(t, reg, "waitprog", 3)
	hashes := m.Hashes()
	writeOutput(t, m, hashes[0], 0)
	go func() {
		time.Sleep(1500 * time.Millisecond)
		writeOutput(t, m, hashes[1], 2)
		writeOutput(t, m, hashes[2], 4)
	}()

	var calls []int
	err := m.Wait(context.Background(), 10*time.Second, func(done, total int) {
		if total != 3 {
			t.Errorf("progress total %d, want 3", total)
		}
		calls = append(calls, done)
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(calls) == 0 {
		t.Fatal("progress callback never invoked")
	}
	if calls[0] != 1 {
		t.Errorf("first progress report %d, want 1", calls[0])
	}
	if last := calls[len(calls)-1]; last != 3 {
		t.Errorf("final progress report %d, want 3", last)
	}
	for i := 1; i < len(calls); i++ {
		if calls[i] < calls[i-1] {
			t.Errorf("progress went backwards: %v", calls)
		}
	}
}
