// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package corpus

import (
	"bufio"
	"encoding/json"
	"io"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gomlx/paraselect/pkg/errs"
	"github.com/gomlx/paraselect/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// JSONLinesSuffix is the file suffix of each split in a JSONLines corpus directory.
const JSONLinesSuffix = ".jsonl"

// maxLineSize is the largest record line accepted: documents can be long.
const maxLineSize = 64 << 20

// JSONLines is a Source reading one "<split>.jsonl" file per split from a directory, with
// one JSON encoded Record per line. Empty lines are ignored.
type JSONLines struct {
	dir    string
	splits []string
}

var _ Source = (*JSONLines)(nil)

// OpenJSONLines lists the splits available in dir.
func OpenJSONLines(dir string) (*JSONLines, error) {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open corpus directory %q", dir)
	}
	c := &JSONLines{dir: dir}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), JSONLinesSuffix) {
			continue
		}
		c.splits = append(c.splits, strings.TrimSuffix(entry.Name(), JSONLinesSuffix))
	}
	if len(c.splits) == 0 {
		return nil, errors.Errorf("corpus directory %q has no %q files", dir, "*"+JSONLinesSuffix)
	}
	sort.Strings(c.splits)
	return c, nil
}

// Name implements Source.
func (c *JSONLines) Name() string { return filepath.Base(c.dir) }

// Splits implements Source.
func (c *JSONLines) Splits() []string { return c.splits }

// Records implements Source. A line that fails to decode or validate is yielded as a
// KindData error; I/O errors are fatal.
func (c *JSONLines) Records(split string) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		path := filepath.Join(c.dir, split+JSONLinesSuffix)
		f, err := os.Open(path)
		if err != nil {
			yield(Record{}, errors.Wrapf(err, "failed to open split %q", split))
			return
		}
		defer func() { _ = f.Close() }()

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 1<<20), maxLineSize)
		lineNum := 0
		for scanner.Scan() {
			lineNum++
			line := scanner.Bytes()
			if len(strings.TrimSpace(string(line))) == 0 {
				continue
			}
			var r Record
			if err := json.Unmarshal(line, &r); err != nil {
				if !yield(Record{}, errs.New(errs.KindData, errors.Wrapf(err, "%s:%d", path, lineNum))) {
					return
				}
				continue
			}
			if !yield(r, r.Validate()) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield(Record{}, errors.Wrapf(err, "failed reading %s after line %d", path, lineNum))
		}
	}
}

// WriteJSONLines writes records to "<dir>/<split>.jsonl", atomically.
func WriteJSONLines(dir, split string, records []Record) error {
	if err := os.MkdirAll(dir, fsutil.DirPermMode); err != nil {
		return errors.Wrapf(err, "failed to create %q", dir)
	}
	return fsutil.WriteFileAtomic(filepath.Join(dir, split+JSONLinesSuffix), func(w io.Writer) error {
		enc := json.NewEncoder(w)
		for i := range records {
			if err := enc.Encode(&records[i]); err != nil {
				return errors.Wrapf(err, "failed to encode record #%d", i)
			}
		}
		return nil
	})
}
