// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package rundir manages the directory of a training run:
//
//	<root>/checkpoints/  checkpoints, see package checkpoints.
//	<root>/notes.txt     provenance notes: the configuration of the run.
//	<root>/run.json      run id, creation time, number of resumes, parameters and model configuration.
//	<root>/eval.jsonl    one line per evaluation of one split.
//
// Only the trainer goroutine writes to it.
package rundir

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gomlx/paraselect/pkg/model"
	"github.com/gomlx/paraselect/pkg/support/fsutil"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Names of the entries in the run directory.
const (
	CheckpointsSubdir = "checkpoints"
	NotesFile         = "notes.txt"
	RunInfoFile       = "run.json"
	EvalLogFile       = "eval.jsonl"
)

// Dir is an opened run directory.
type Dir struct {
	root string
}

// Open the run directory, creating it if needed. A leading "~" is expanded to the home directory.
func Open(path string) (*Dir, error) {
	if path == "" {
		return nil, errors.New("empty run directory path")
	}
	root, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return nil, err
	}
	if err = os.MkdirAll(root, fsutil.DirPermMode); err != nil {
		return nil, errors.Wrapf(err, "creating run directory %q", root)
	}
	return &Dir{root: root}, nil
}

// Root of the run directory.
func (d *Dir) Root() string { return d.root }

// CheckpointsDir returns the directory holding the checkpoints. It is not created here.
func (d *Dir) CheckpointsDir() string { return filepath.Join(d.root, CheckpointsSubdir) }

func (d *Dir) path(name string) string { return filepath.Join(d.root, name) }

// WriteNotes atomically replaces the notes file.
func (d *Dir) WriteNotes(notes string) error {
	err := fsutil.WriteFileAtomic(d.path(NotesFile), func(w io.Writer) error {
		_, err := io.WriteString(w, notes)
		return err
	})
	return errors.WithMessagef(err, "writing notes in %q", d.root)
}

// ReadNotes returns the contents of the notes file.
func (d *Dir) ReadNotes() (string, error) {
	data, err := os.ReadFile(d.path(NotesFile))
	if err != nil {
		return "", errors.Wrapf(err, "reading notes in %q", d.root)
	}
	return string(data), nil
}

// RunInfo is the run metadata stored in run.json.
type RunInfo struct {
	RunID       string    `json:"run_id"`
	Created     time.Time `json:"created"`
	Updated     time.Time `json:"updated"`
	ResumeCount int       `json:"resume_count"`

	// Params of the training, as JSON.
	Params json.RawMessage `json:"params,omitempty"`

	Model model.Config `json:"model"`
}

// NewRunInfo creates the metadata of a fresh run with a new random run id.
func NewRunInfo() *RunInfo {
	now := time.Now()
	return &RunInfo{RunID: uuid.NewString(), Created: now, Updated: now}
}

// WriteRunInfo atomically replaces run.json.
func (d *Dir) WriteRunInfo(info *RunInfo) error {
	err := fsutil.WriteFileAtomic(d.path(RunInfoFile), func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return errors.Wrap(enc.Encode(info), "encoding run information")
	})
	return errors.WithMessagef(err, "writing run information in %q", d.root)
}

// ReadRunInfo reads run.json. If it doesn't exist, the returned error wraps os.ErrNotExist.
func (d *Dir) ReadRunInfo() (*RunInfo, error) {
	data, err := os.ReadFile(d.path(RunInfoFile))
	if err != nil {
		return nil, errors.Wrapf(err, "reading run information in %q", d.root)
	}
	var info RunInfo
	if err = json.Unmarshal(data, &info); err != nil {
		return nil, errors.Wrapf(err, "parsing %q", d.path(RunInfoFile))
	}
	return &info, nil
}

// EvalEntry is one line of the evaluation log: the metrics of one split at one global step.
type EvalEntry struct {
	Step    int                `json:"step"`
	Time    time.Time          `json:"time"`
	Split   string             `json:"split"`
	Metrics map[string]float64 `json:"metrics"`

	// Errors of the evaluators that failed, by evaluator name.
	Errors map[string]string `json:"errors,omitempty"`
}

// AppendEval appends the entry to the evaluation log. Metrics that are not finite can't be
// represented in JSON and are dropped.
func (d *Dir) AppendEval(entry EvalEntry) error {
	metrics := make(map[string]float64, len(entry.Metrics))
	for name, value := range entry.Metrics {
		if math.IsNaN(value) || math.IsInf(value, 0) {
			klog.Warningf("metric %q of split %q at step %d is %g, not logged", name, entry.Split, entry.Step, value)
			continue
		}
		metrics[name] = value
	}
	entry.Metrics = metrics
	line, err := json.Marshal(&entry)
	if err != nil {
		return errors.Wrap(err, "encoding evaluation entry")
	}
	line = append(line, '\n')
	f, err := os.OpenFile(d.path(EvalLogFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o660)
	if err != nil {
		return errors.Wrapf(err, "opening evaluation log in %q", d.root)
	}
	if _, err = f.Write(line); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "appending to evaluation log in %q", d.root)
	}
	return errors.Wrapf(f.Close(), "closing evaluation log in %q", d.root)
}

// ReadEvals returns the entries of the evaluation log, in the order they were written. A
// missing log has no entries. A truncated last line (from an interrupted write) is ignored.
func (d *Dir) ReadEvals() ([]EvalEntry, error) {
	path := d.path(EvalLogFile)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "opening evaluation log %q", path)
	}
	defer func() { _ = f.Close() }()
	var entries []EvalEntry
	var pendingErr error
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for lineNum := 1; scanner.Scan(); lineNum++ {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if pendingErr != nil {
			return nil, pendingErr
		}
		var entry EvalEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			pendingErr = errors.Wrapf(err, "evaluation log %q, line %d", path, lineNum)
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "reading evaluation log %q", path)
	}
	if pendingErr != nil {
		klog.Warningf("ignoring truncated last line of the evaluation log: %v", pendingErr)
	}
	return entries, nil
}

// Splits returns the sorted names of the splits in the entries.
func Splits(entries []EvalEntry) []string {
	seen := make(map[string]bool)
	var splits []string
	for _, e := range entries {
		if !seen[e.Split] {
			seen[e.Split] = true
			splits = append(splits, e.Split)
		}
	}
	sort.Strings(splits)
	return splits
}
