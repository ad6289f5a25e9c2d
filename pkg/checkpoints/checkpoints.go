// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoints saves and loads training checkpoints: the model parameters, the optimizer
// state and the training counters.
//
// Each checkpoint is a pair of files sharing a base name:
//
//	checkpoint-n0000007-20260102-150405-step-00003600.bin
//	checkpoint-n0000007-20260102-150405-step-00003600.json
//
// The ".bin" file holds the parameters and optimizer state (gob encoded, optionally compressed),
// and the ".json" file the metadata. Both are written to temporary files and renamed, the ".bin"
// first: a checkpoint is complete only once its ".json" file exists, so a crash never leaves a
// partially written checkpoint behind.
//
// Example:
//
//	handler, err := checkpoints.Build(dir).Keep(3).Done()
//	if err != nil { ... }
//	state, err := handler.Latest()
//	if errors.Is(err, checkpoints.ErrNotFound) {
//		// Fresh run.
//	}
//	...
//	err = handler.Save(state)
package checkpoints

import (
	"encoding/gob"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gomlx/paraselect/pkg/errs"
	"github.com/gomlx/paraselect/pkg/model"
	"github.com/gomlx/paraselect/pkg/optimizers"
	"github.com/gomlx/paraselect/pkg/support/binfmt"
	"github.com/gomlx/paraselect/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	baseNamePrefix = "checkpoint-"

	// JSONSuffix of the metadata files.
	JSONSuffix = ".json"

	// BinSuffix of the data files.
	BinSuffix = ".bin"

	// BackupDir is the sub-directory holding the backups, see Handler.Backup.
	BackupDir = "backup"

	binMagic = "paraselect_checkpoints"
)

// ErrNotFound is returned by Handler.Latest if there are no complete checkpoints.
var ErrNotFound = errors.New("no checkpoints found")

// State saved in a checkpoint.
type State struct {
	Params         *model.Params
	OptimizerState *model.Params

	// GlobalStep is the number of training steps taken so far, Epoch the current epoch
	// and StepInEpoch the number of steps already taken in the epoch.
	GlobalStep, Epoch, StepInEpoch int

	// Model and Optimizer configurations, saved for reference.
	Model     model.Model
	Optimizer optimizers.Optimizer
}

// Metadata of a checkpoint, stored in its ".json" file.
type Metadata struct {
	GlobalStep     int               `json:"global_step"`
	Epoch          int               `json:"epoch"`
	StepInEpoch    int               `json:"step_in_epoch"`
	Model          model.Config      `json:"model"`
	Optimizer      optimizers.Config `json:"optimizer"`
	BinFormat      binfmt.Format     `json:"bin_format"`
	ParamsChecksum string            `json:"params_checksum"`
	Time           time.Time         `json:"time"`
}

// Checkpoint is one complete checkpoint found in the directory.
type Checkpoint struct {
	// BaseName is the file name without suffix.
	BaseName string

	// Counter is the unique increasing number of the checkpoint.
	Counter int

	Metadata Metadata
}

// binPayload is the gob encoded contents of the ".bin" file.
type binPayload struct {
	Params, OptimizerState *model.Params
}

// Config for a Handler, created with Build.
type Config struct {
	dir       string
	keep      int
	binFormat binfmt.Format
	err       error
}

// Build a Handler for the checkpoints in dir. By default, it keeps only the last checkpoint and
// uses gzip compression.
func Build(dir string) *Config {
	c := &Config{keep: 1, binFormat: binfmt.Gzip}
	expanded, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		c.setError(err)
	}
	c.dir = expanded
	return c
}

// setError keeps the first error found while configuring.
func (c *Config) setError(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Keep configures the number of checkpoints to keep. If n <= 0, all checkpoints are kept.
func (c *Config) Keep(n int) *Config {
	c.keep = n
	return c
}

// WithCompression sets the format of the ".bin" files.
func (c *Config) WithCompression(format binfmt.Format) *Config {
	if format < binfmt.Gzip || format > binfmt.Uncompressed {
		c.setError(errs.Configf("invalid checkpoint compression %d", int(format)))
	}
	c.binFormat = format
	return c
}

// Done creates the directory if needed, removes leftovers of interrupted saves and returns the Handler.
func (c *Config) Done() (*Handler, error) {
	if c.err != nil {
		return nil, c.err
	}
	if err := os.MkdirAll(c.dir, fsutil.DirPermMode); err != nil {
		return nil, errs.WrapCheckpointIO(err, "creating checkpoints directory %q", c.dir)
	}
	h := &Handler{config: *c}
	removed, err := fsutil.RemoveTempFiles(c.dir)
	if err != nil {
		return nil, errs.WrapCheckpointIO(err, "%s cleaning up", h)
	}
	if removed > 0 {
		klog.Warningf("%s: removed %d leftover temporary files of interrupted checkpoints", h, removed)
	}
	counters, err := h.listCounters()
	if err != nil {
		return nil, err
	}
	for _, counter := range counters {
		h.nextCounter = max(h.nextCounter, counter+1)
	}
	return h, nil
}

// Handler saves and loads checkpoints in a directory. It is not safe for concurrent use.
type Handler struct {
	config      Config
	nextCounter int
}

// String implements fmt.Stringer.
func (h *Handler) String() string {
	return fmt.Sprintf("checkpoints.Handler(%q)", h.config.dir)
}

// Dir returns the checkpoints directory.
func (h *Handler) Dir() string { return h.config.dir }

// newBaseName returns the base name of the next checkpoint.
func (h *Handler) newBaseName(globalStep int) string {
	now := time.Now().Format("20060102-150405")
	return fmt.Sprintf("%sn%07d-%s-step-%08d", baseNamePrefix, h.nextCounter, now, globalStep)
}

var counterRegex = regexp.MustCompile(`^checkpoint-n(\d+)-`)

// counterOf returns the counter in the base name, or -1 if it's not a checkpoint name.
func counterOf(baseName string) int {
	matches := counterRegex.FindStringSubmatch(baseName)
	if len(matches) != 2 {
		return -1
	}
	counter, err := strconv.Atoi(matches[1])
	if err != nil {
		return -1
	}
	return counter
}

// listCounters returns the counters of all files in the directory, complete or not.
func (h *Handler) listCounters() ([]int, error) {
	entries, err := os.ReadDir(h.config.dir)
	if err != nil {
		return nil, errs.WrapCheckpointIO(err, "%s listing checkpoints", h)
	}
	var counters []int
	for _, entry := range entries {
		if counter := counterOf(entry.Name()); counter >= 0 && !entry.IsDir() {
			counters = append(counters, counter)
		}
	}
	return counters, nil
}

// baseNames returns the base names of the complete checkpoints (both files present) and of the
// incomplete ones (only the ".bin" file), ordered by counter.
func (h *Handler) baseNames() (complete, incomplete []string, err error) {
	entries, err := os.ReadDir(h.config.dir)
	if err != nil {
		return nil, nil, errs.WrapCheckpointIO(err, "%s listing checkpoints", h)
	}
	jsons, bins := make(map[string]bool), make(map[string]bool)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, baseNamePrefix) {
			continue
		}
		if base, found := strings.CutSuffix(name, JSONSuffix); found {
			jsons[base] = true
		} else if base, found := strings.CutSuffix(name, BinSuffix); found {
			bins[base] = true
		}
	}
	for base := range bins {
		if jsons[base] {
			complete = append(complete, base)
		} else {
			incomplete = append(incomplete, base)
		}
	}
	for base := range jsons {
		if !bins[base] {
			klog.Warningf("%s: checkpoint %q has metadata but no data file, ignoring it", h, base)
		}
	}
	byCounter := func(names []string) {
		sort.Slice(names, func(i, j int) bool {
			ci, cj := counterOf(names[i]), counterOf(names[j])
			if ci != cj {
				return ci < cj
			}
			return names[i] < names[j]
		})
	}
	byCounter(complete)
	byCounter(incomplete)
	return complete, incomplete, nil
}

// List returns the complete checkpoints, oldest first.
func (h *Handler) List() ([]*Checkpoint, error) {
	complete, _, err := h.baseNames()
	if err != nil {
		return nil, err
	}
	list := make([]*Checkpoint, 0, len(complete))
	for _, base := range complete {
		metadata, err := h.readMetadata(base)
		if err != nil {
			return nil, err
		}
		list = append(list, &Checkpoint{BaseName: base, Counter: counterOf(base), Metadata: *metadata})
	}
	return list, nil
}

// HasCheckpoints returns whether there is at least one complete checkpoint.
func (h *Handler) HasCheckpoints() (bool, error) {
	complete, _, err := h.baseNames()
	return len(complete) > 0, err
}

func (h *Handler) readMetadata(baseName string) (*Metadata, error) {
	path := filepath.Join(h.config.dir, baseName+JSONSuffix)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.WrapCheckpointIO(err, "%s reading metadata", h)
	}
	var metadata Metadata
	if err = json.Unmarshal(data, &metadata); err != nil {
		return nil, errs.WrapCheckpointIO(err, "%s parsing metadata %q", h, path)
	}
	return &metadata, nil
}

// Save writes a new checkpoint and removes the excess ones. Any failure is a KindCheckpointIO error.
func (h *Handler) Save(state *State) error {
	if state == nil || state.Params == nil {
		return errs.WrapCheckpointIO(errors.New("no parameters to save"), "%s", h)
	}
	baseName := h.newBaseName(state.GlobalStep)
	h.nextCounter++
	binPath := filepath.Join(h.config.dir, baseName+BinSuffix)
	jsonPath := filepath.Join(h.config.dir, baseName+JSONSuffix)

	err := fsutil.WriteFileAtomic(binPath, func(w io.Writer) error {
		zw, err := binfmt.NewWriter(w, binMagic, h.config.binFormat)
		if err != nil {
			return err
		}
		optimizerState := state.OptimizerState
		if optimizerState == nil {
			optimizerState = model.NewParams()
		}
		if err = gob.NewEncoder(zw).Encode(&binPayload{Params: state.Params, OptimizerState: optimizerState}); err != nil {
			return errors.Wrap(err, "encoding parameters")
		}
		return zw.Close()
	})
	if err != nil {
		return errs.WrapCheckpointIO(err, "%s saving checkpoint data for step %d", h, state.GlobalStep)
	}

	metadata := Metadata{
		GlobalStep:     state.GlobalStep,
		Epoch:          state.Epoch,
		StepInEpoch:    state.StepInEpoch,
		Model:          model.Config{Value: state.Model},
		Optimizer:      optimizers.Config{Value: state.Optimizer},
		BinFormat:      h.config.binFormat,
		ParamsChecksum: state.Params.Checksum(),
		Time:           time.Now(),
	}
	err = fsutil.WriteFileAtomic(jsonPath, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "\t")
		return errors.Wrap(enc.Encode(&metadata), "encoding metadata")
	})
	if err != nil {
		_ = os.Remove(binPath)
		return errs.WrapCheckpointIO(err, "%s saving checkpoint metadata for step %d", h, state.GlobalStep)
	}
	klog.V(1).Infof("%s: saved %q", h, baseName)
	return h.keepN()
}

// keepN removes the oldest checkpoints beyond the configured number, and the incomplete
// checkpoints older than the latest complete one.
func (h *Handler) keepN() error {
	complete, incomplete, err := h.baseNames()
	if err != nil {
		return err
	}
	var toRemove []string
	if h.config.keep > 0 && len(complete) > h.config.keep {
		toRemove = append(toRemove, complete[:len(complete)-h.config.keep]...)
	}
	if len(complete) > 0 {
		latest := counterOf(complete[len(complete)-1])
		for _, base := range incomplete {
			if counterOf(base) < latest {
				toRemove = append(toRemove, base)
			}
		}
	}
	for _, base := range toRemove {
		// The ".json" goes first, so an interrupted removal leaves an incomplete checkpoint.
		for _, suffix := range []string{JSONSuffix, BinSuffix} {
			path := filepath.Join(h.config.dir, base+suffix)
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return errs.WrapCheckpointIO(err, "%s removing excess checkpoint file %q", h, path)
			}
		}
		klog.V(1).Infof("%s: removed %q", h, base)
	}
	return nil
}

// Load the checkpoint with the given base name.
func (h *Handler) Load(baseName string) (*State, error) {
	metadata, err := h.readMetadata(baseName)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(h.config.dir, baseName+BinSuffix)
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.WrapCheckpointIO(err, "%s opening checkpoint data", h)
	}
	defer func() { _ = f.Close() }()
	r, _, err := binfmt.NewReader(f, binMagic)
	if err != nil {
		return nil, errs.WrapCheckpointIO(err, "%s reading %q", h, path)
	}
	defer func() { _ = r.Close() }()
	var payload binPayload
	if err = gob.NewDecoder(r).Decode(&payload); err != nil {
		return nil, errs.WrapCheckpointIO(err, "%s decoding %q", h, path)
	}
	if payload.Params == nil {
		return nil, errs.WrapCheckpointIO(errors.New("no parameters"), "%s decoding %q", h, path)
	}
	if checksum := payload.Params.Checksum(); metadata.ParamsChecksum != "" && checksum != metadata.ParamsChecksum {
		return nil, errs.WrapCheckpointIO(errors.Errorf("checksum %s, metadata has %s", checksum, metadata.ParamsChecksum),
			"%s corrupt checkpoint %q", h, baseName)
	}
	if payload.OptimizerState == nil {
		payload.OptimizerState = model.NewParams()
	}
	return &State{
		Params:         payload.Params,
		OptimizerState: payload.OptimizerState,
		GlobalStep:     metadata.GlobalStep,
		Epoch:          metadata.Epoch,
		StepInEpoch:    metadata.StepInEpoch,
		Model:          metadata.Model.Value,
		Optimizer:      metadata.Optimizer.Value,
	}, nil
}

// Latest loads the most recent complete checkpoint. It returns an error wrapping ErrNotFound if
// there are none.
func (h *Handler) Latest() (*State, error) {
	complete, _, err := h.baseNames()
	if err != nil {
		return nil, err
	}
	if len(complete) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "%s", h)
	}
	baseName := complete[len(complete)-1]
	klog.V(1).Infof("%s: loading %q", h, baseName)
	return h.Load(baseName)
}

// Backup links the latest checkpoint into the BackupDir sub-directory, where it isn't removed
// by the retention of the Handler.
func (h *Handler) Backup() error {
	complete, _, err := h.baseNames()
	if err != nil {
		return err
	}
	if len(complete) == 0 {
		return errors.Wrapf(ErrNotFound, "%s: nothing to back up", h)
	}
	baseName := complete[len(complete)-1]
	backupDir := filepath.Join(h.config.dir, BackupDir)
	if err = os.MkdirAll(backupDir, fsutil.DirPermMode); err != nil {
		return errs.WrapCheckpointIO(err, "%s creating %q", h, backupDir)
	}
	for _, suffix := range []string{BinSuffix, JSONSuffix} {
		src := filepath.Join(h.config.dir, baseName+suffix)
		dst := filepath.Join(backupDir, baseName+suffix)
		if err = os.Link(src, dst); err != nil {
			return errs.WrapCheckpointIO(err, "%s linking %q to %q", h, src, dst)
		}
	}
	return nil
}
