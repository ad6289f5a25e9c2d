// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"bytes"
	"encoding/json"
	"maps"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/paraselect/pkg/errs"
	"github.com/gomlx/paraselect/pkg/model"
	"github.com/gomlx/paraselect/pkg/optimizers"
	"github.com/gomlx/paraselect/pkg/preprocess"
	"github.com/gomlx/paraselect/pkg/support/binfmt"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Params configures a training run. They are validated once, when the training starts, and
// not changed afterwards.
type Params struct {
	NumEpochs int `json:"num_epochs"`
	BatchSize int `json:"batch_size"`

	// LogPeriod, EvalPeriod and SavePeriod are in global steps. 0 disables the periodic
	// action: the evaluation and the checkpoint at the end of the training still happen.
	LogPeriod  int `json:"log_period"`
	EvalPeriod int `json:"eval_period"`
	SavePeriod int `json:"save_period"`

	// MaxCheckpointsToKeep is the retention of checkpoints. 0 keeps all of them.
	MaxCheckpointsToKeep int `json:"max_checkpoints_to_keep"`

	// AsyncEncoding is the number of train batches encoded ahead of the training step. 0 encodes
	// synchronously.
	AsyncEncoding   int `json:"async_encoding"`
	EncodingWorkers int `json:"encoding_workers"`

	// EvalSamples names the splits to evaluate, with the maximum number of examples to evaluate
	// on each. 0 (or null in the file) evaluates the whole split.
	EvalSamples map[string]int `json:"eval_samples"`

	// EvalAtZero evaluates before the first training step.
	EvalAtZero bool `json:"eval_at_zero"`

	// EvalEncodingCache is the number of encoded evaluation batches kept in memory between
	// evaluations. 0 disables the cache.
	EvalEncodingCache int `json:"eval_encoding_cache"`

	// Seed of the parameter initialization, of the order of the batches and of the evaluation samples.
	Seed int64 `json:"seed"`

	Optimizer             optimizers.Config `json:"optimizer"`
	CheckpointCompression binfmt.Format     `json:"checkpoint_compression"`
}

// DefaultEvalSamples evaluates on the whole held-out split and on 10,000 train examples.
func DefaultEvalSamples() map[string]int {
	return map[string]int{preprocess.SplitHeldOut: 0, preprocess.SplitTrain: 10000}
}

// DefaultParams returns the parameters used for the paragraph selection model.
func DefaultParams() Params {
	return Params{
		NumEpochs:             25,
		BatchSize:             45,
		LogPeriod:             40,
		EvalPeriod:            1800,
		SavePeriod:            1800,
		MaxCheckpointsToKeep:  1,
		AsyncEncoding:         10,
		EncodingWorkers:       2,
		EvalSamples:           DefaultEvalSamples(),
		EvalEncodingCache:     64,
		Optimizer:             optimizers.Config{Value: optimizers.Default()},
		CheckpointCompression: binfmt.Gzip,
	}
}

// Clone returns a deep copy (except the optimizer, which is configuration only).
func (p Params) Clone() Params {
	p.EvalSamples = maps.Clone(p.EvalSamples)
	return p
}

// Validate returns a KindConfig error describing the first invalid parameter.
func (p *Params) Validate() error {
	positive := []struct {
		name  string
		value int
	}{{"num_epochs", p.NumEpochs}, {"batch_size", p.BatchSize}}
	for _, v := range positive {
		if v.value < 1 {
			return errs.Configf("%s must be >= 1, got %d", v.name, v.value)
		}
	}
	nonNegative := []struct {
		name  string
		value int
	}{
		{"log_period", p.LogPeriod},
		{"eval_period", p.EvalPeriod},
		{"save_period", p.SavePeriod},
		{"max_checkpoints_to_keep", p.MaxCheckpointsToKeep},
		{"async_encoding", p.AsyncEncoding},
		{"eval_encoding_cache", p.EvalEncodingCache},
	}
	for _, v := range nonNegative {
		if v.value < 0 {
			return errs.Configf("%s must be >= 0, got %d", v.name, v.value)
		}
	}
	if p.AsyncEncoding > 0 && p.EncodingWorkers < 1 {
		return errs.Configf("encoding_workers must be >= 1 with async_encoding=%d, got %d", p.AsyncEncoding, p.EncodingWorkers)
	}
	for split, limit := range p.EvalSamples {
		if split == "" {
			return errs.Configf("eval_samples has an empty split name")
		}
		if limit < 0 {
			return errs.Configf("eval_samples[%q] must be >= 0 (0 for unlimited), got %d", split, limit)
		}
	}
	if p.Optimizer.IsNil() {
		return errs.Configf("no optimizer configured")
	}
	// Optimizers check their hyperparameters in Init.
	if _, err := p.Optimizer.Value.Init(model.NewParams()); err != nil {
		return errs.New(errs.KindConfig, errors.WithMessage(err, "invalid optimizer"))
	}
	if p.CheckpointCompression < binfmt.Gzip || p.CheckpointCompression > binfmt.Uncompressed {
		return errs.Configf("invalid checkpoint_compression %d", int(p.CheckpointCompression))
	}
	return nil
}

// ParseParams parses the parameters in JSON, or in YAML if isYAML is set, on top of DefaultParams.
// Unknown keys are an error. If eval_samples is given, it replaces the default one.
func ParseParams(data []byte, isYAML bool) (Params, error) {
	if isYAML {
		// YAML is converted to JSON, so both formats share the schema and the tagged optimizer configuration.
		var tree any
		if err := yaml.Unmarshal(data, &tree); err != nil {
			return Params{}, errs.New(errs.KindConfig, errors.Wrap(err, "parsing YAML parameters"))
		}
		if tree == nil {
			tree = map[string]any{}
		}
		var err error
		data, err = json.Marshal(tree)
		if err != nil {
			return Params{}, errs.New(errs.KindConfig, errors.Wrap(err, "converting YAML parameters"))
		}
	}
	p := DefaultParams()
	p.EvalSamples = nil
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return Params{}, errs.New(errs.KindConfig, errors.Wrap(err, "parsing parameters"))
	}
	if p.EvalSamples == nil {
		p.EvalSamples = DefaultEvalSamples()
	}
	return p, nil
}

// LoadParams reads the parameters file: YAML if its extension is ".yaml" or ".yml", JSON otherwise.
func LoadParams(path string) (Params, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Params{}, errs.New(errs.KindConfig, errors.Wrapf(err, "reading parameters %q", path))
	}
	ext := strings.ToLower(filepath.Ext(path))
	p, err := ParseParams(data, ext == ".yaml" || ext == ".yml")
	if err != nil {
		return Params{}, errors.WithMessagef(err, "parameters file %q", path)
	}
	return p, nil
}
