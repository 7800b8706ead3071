// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package htio provides the read/write primitives for a map's durable
// directory: a gob object codec, line-oriented files for hashes and
// batch identifiers, and content hashing of input bundles. All writes
// go through an atomic write-then-rename so that a concurrent
// directory scan never observes a partially written artifact.
package htio

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/spaolacci/murmur3"
)

// Durable file and directory names inside a map directory.
const (
	BatchIDsFile = "batch_ids"
	HashesFile   = "hashes"
	TemplateFile = "submit_template"
	ItemDataFile = "itemdata"

	InputsDir      = "inputs"
	OutputsDir     = "outputs"
	JobLogsDir     = "job_logs"
	ClusterLogsDir = "cluster_logs"
)

// InputExt and OutputExt name the artifact extensions for per-hash
// input bundles and component results.
const (
	InputExt  = ".in"
	OutputExt = ".out"
)

// tmpPrefix marks in-flight writes; directory scans must skip it.
const tmpPrefix = ".tmp-"

// IsTemp reports whether the file name denotes an in-flight write.
func IsTemp(name string) bool { return strings.HasPrefix(name, tmpPrefix) }

// WriteFile atomically replaces the file at path with data. The data
// is staged in a temporary file in the same directory and renamed into
// place, so readers see either the old contents or the new, never a
// partial write.
func WriteFile(path string, data []byte) error {
	dir, base := filepath.Split(path)
	f, err := os.CreateTemp(dir, tmpPrefix+base)
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err = f.Write(data); err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, path)
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// SaveObject gob-encodes v and atomically writes it at path.
func SaveObject(path string, v interface{}) error {
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(v); err != nil {
		return errors.E(errors.Invalid, fmt.Sprintf("encode %s", path), err)
	}
	return WriteFile(path, b.Bytes())
}

// LoadObject gob-decodes the file at path into v. If the file does not
// exist, an error with kind errors.NotExist is returned.
func LoadObject(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.E(errors.NotExist, fmt.Sprintf("load %s", path))
		}
		return err
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return errors.E(errors.Invalid, fmt.Sprintf("decode %s", path), err)
	}
	return nil
}

// SaveLines atomically writes lines, newline-delimited, at path.
func SaveLines(path string, lines []string) error {
	var b bytes.Buffer
	for _, line := range lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return WriteFile(path, b.Bytes())
}

// LoadLines reads the newline-delimited file at path, dropping empty
// lines. If the file does not exist, an error with kind
// errors.NotExist is returned.
func LoadLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.E(errors.NotExist, fmt.Sprintf("load %s", path))
		}
		return nil, err
	}
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

// Hash returns the content hash of data, used to key per-input
// artifacts. Hashes are stable across processes and platforms.
func Hash(data []byte) string {
	h1, h2 := murmur3.Sum128(data)
	return fmt.Sprintf("%016x%016x", h1, h2)
}

// Encode gob-encodes v into a byte slice. It is used to derive the
// content hash of an input bundle before it is written.
func Encode(v interface{}) ([]byte, error) {
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(v); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}
