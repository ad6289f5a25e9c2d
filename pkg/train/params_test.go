// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/paraselect/pkg/errs"
	"github.com/gomlx/paraselect/pkg/optimizers"
	"github.com/gomlx/paraselect/pkg/preprocess"
	"github.com/gomlx/paraselect/pkg/support/binfmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultParams(t *testing.T) {
	p := DefaultParams()
	require.NoError(t, p.Validate())
	assert.Equal(t, 45, p.BatchSize)
	assert.Equal(t, map[string]int{preprocess.SplitHeldOut: 0, preprocess.SplitTrain: 10000}, p.EvalSamples)
	_, isAdadelta := p.Optimizer.Value.(*optimizers.Adadelta)
	assert.True(t, isAdadelta)

	clone := p.Clone()
	clone.EvalSamples["dev"] = 3
	assert.NotContains(t, p.EvalSamples, "dev")
}

func TestParseParams(t *testing.T) {
	yamlParams := `
num_epochs: 3
batch_size: 16
eval_samples:
  dev: 100
  held-out: null
optimizer:
  json_type: sgd
  learning_rate: 0.5
checkpoint_compression: snappy
`
	p, err := ParseParams([]byte(yamlParams), true)
	require.NoError(t, err)
	assert.Equal(t, 3, p.NumEpochs)
	assert.Equal(t, 16, p.BatchSize)
	assert.Equal(t, DefaultParams().EvalPeriod, p.EvalPeriod, "missing keys keep the defaults")
	assert.Equal(t, map[string]int{"dev": 100, preprocess.SplitHeldOut: 0}, p.EvalSamples)
	assert.Equal(t, binfmt.Snappy, p.CheckpointCompression)
	sgd, ok := p.Optimizer.Value.(*optimizers.SGD)
	require.True(t, ok)
	assert.Equal(t, 0.5, sgd.LearningRate)
	require.NoError(t, p.Validate())

	p, err = ParseParams([]byte(`{"log_period": 0}`), false)
	require.NoError(t, err)
	assert.Equal(t, 0, p.LogPeriod)
	assert.Equal(t, DefaultEvalSamples(), p.EvalSamples)

	p, err = ParseParams(nil, true)
	require.NoError(t, err)
	assert.Equal(t, DefaultParams().NumEpochs, p.NumEpochs)

	_, err = ParseParams([]byte(`{"num_epoch": 3}`), false)
	assert.True(t, errs.Is(err, errs.KindConfig), "unknown keys are an error")
	_, err = ParseParams([]byte("batch_size: [1"), true)
	assert.True(t, errs.Is(err, errs.KindConfig))
	_, err = ParseParams([]byte(`{"optimizer": {"json_type": "rmsprop"}}`), false)
	assert.True(t, errs.Is(err, errs.KindConfig))
}

func TestLoadParams(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "params.yml")
	require.NoError(t, os.WriteFile(path, []byte("batch_size: 8\n"), 0o644))
	p, err := LoadParams(path)
	require.NoError(t, err)
	assert.Equal(t, 8, p.BatchSize)

	path = filepath.Join(dir, "params.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"seed": 11}`), 0o644))
	p, err = LoadParams(path)
	require.NoError(t, err)
	assert.Equal(t, int64(11), p.Seed)

	_, err = LoadParams(filepath.Join(dir, "missing.json"))
	assert.True(t, errs.Is(err, errs.KindConfig))
}

func TestValidateParams(t *testing.T) {
	for name, change := range map[string]func(p *Params){
		"epochs":      func(p *Params) { p.NumEpochs = 0 },
		"batch":       func(p *Params) { p.BatchSize = -1 },
		"eval period": func(p *Params) { p.EvalPeriod = -1 },
		"keep":        func(p *Params) { p.MaxCheckpointsToKeep = -2 },
		"workers":     func(p *Params) { p.EncodingWorkers = 0 },
		"empty split": func(p *Params) { p.EvalSamples = map[string]int{"": 1} },
		"samples":     func(p *Params) { p.EvalSamples = map[string]int{"dev": -1} },
		"no optimizer": func(p *Params) {
			p.Optimizer = optimizers.Config{}
		},
		"learning rate": func(p *Params) {
			p.Optimizer = optimizers.Config{Value: &optimizers.SGD{LearningRate: -1}}
		},
		"compression": func(p *Params) { p.CheckpointCompression = binfmt.Format(7) },
	} {
		p := DefaultParams()
		change(&p)
		err := p.Validate()
		assert.Truef(t, errs.Is(err, errs.KindConfig), "%s: expected a configuration error, got %v", name, err)
	}

	p := DefaultParams()
	p.AsyncEncoding = 0
	p.EncodingWorkers = 0
	assert.NoError(t, p.Validate(), "workers are not used by the synchronous encoding")
}
