// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/paraselect/pkg/checkpoints"
	"github.com/gomlx/paraselect/pkg/corpus"
	"github.com/gomlx/paraselect/pkg/errs"
	"github.com/gomlx/paraselect/pkg/evaluators"
	"github.com/gomlx/paraselect/pkg/featurize"
	"github.com/gomlx/paraselect/pkg/model"
	"github.com/gomlx/paraselect/pkg/model/selector"
	"github.com/gomlx/paraselect/pkg/optimizers"
	"github.com/gomlx/paraselect/pkg/preprocess"
	"github.com/gomlx/paraselect/pkg/rundir"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var cities = []string{"Paris", "Rome", "Madrid", "Lisbon", "Berlin", "Vienna", "Prague", "Dublin", "Oslo", "Athens"}

func toyRecords(prefix string, n int) []corpus.Record {
	records := make([]corpus.Record, n)
	for i := range records {
		city := cities[i%len(cities)]
		records[i] = corpus.Record{
			QuestionID: fmt.Sprintf("%s-%02d", prefix, i),
			Question:   fmt.Sprintf("Which city is the capital of country number %d?", i),
			Paragraphs: []string{
				"This paragraph talks about rivers and mountains.",
				fmt.Sprintf("The capital of country number %d is %s.", i, city),
				"Tourism is an important industry.",
			},
			Answers: []string{city},
		}
	}
	return records
}

// toyData has 8 train bundles (3 steps per epoch with batch size 3), 2 held-out and 3 dev.
func toyData(t *testing.T) *preprocess.Data {
	source := corpus.NewInMemory("toy", map[string][]corpus.Record{
		corpus.SplitTrain: toyRecords("train", 10),
		corpus.SplitDev:   toyRecords("dev", 3),
	})
	config := featurize.DefaultConfig()
	config.MergeMaxTokens = 0
	f, err := featurize.NewParagraphSelection(config)
	require.NoError(t, err)
	data := preprocess.New(source, f, preprocess.Options{HoldOut: &preprocess.HoldOut{Seed: 0, Size: 2}})
	require.NoError(t, data.Preprocess(context.Background(), 1, 3))
	return data
}

func toyParams() Params {
	params := DefaultParams()
	params.NumEpochs = 2
	params.BatchSize = 3
	params.LogPeriod = 1
	params.EvalPeriod = 3
	params.SavePeriod = 3
	params.AsyncEncoding = 2
	params.EncodingWorkers = 2
	params.EvalSamples = map[string]int{preprocess.SplitHeldOut: 0, preprocess.SplitDev: 2}
	params.Optimizer = optimizers.Config{Value: optimizers.NewSGD()}
	params.Seed = 7
	return params
}

func toyModel() *selector.Selector {
	m := selector.New()
	m.Hidden = []int{4}
	return m
}

type transition struct{ from, to State }

func recordTransitions(trainer *Trainer) *[]transition {
	var transitions []transition
	trainer.OnStateChange(func(_ *Trainer, from, to State) {
		transitions = append(transitions, transition{from, to})
	})
	return &transitions
}

func listCheckpoints(t *testing.T, runDir string) []*checkpoints.Checkpoint {
	h, err := checkpoints.Build(filepath.Join(runDir, rundir.CheckpointsSubdir)).Keep(-1).Done()
	require.NoError(t, err)
	return must.M1(h.List())
}

func TestTrainingStates(t *testing.T) {
	data := toyData(t)
	runDir := filepath.Join(t.TempDir(), "run")
	trainer := New(data, toyModel(), toyParams(), nil, runDir, "toy run", false)
	transitions := recordTransitions(trainer)
	var evalSteps []int
	trainer.OnEval(func(tr *Trainer, split string, report *evaluators.Report) {
		evalSteps = append(evalSteps, tr.Loop().GlobalStep)
		assert.Contains(t, report.Metrics, "loss")
	})
	require.NoError(t, trainer.Run(context.Background()))

	periodic := []transition{
		{StateTraining, StateEvaluating}, {StateEvaluating, StateTraining},
		{StateTraining, StateSaving}, {StateSaving, StateTraining},
	}
	want := []transition{{StateInit, StateTraining}}
	want = append(want, periodic...)
	want = append(want, periodic...)
	want = append(want, transition{StateTraining, StateDone})
	assert.Equal(t, want, *transitions)
	assert.Equal(t, StateDone, trainer.State())
	assert.Equal(t, 6, trainer.Loop().GlobalStep)
	assert.Equal(t, 2, trainer.Loop().Epoch)
	assert.Equal(t, []int{3, 3, 6, 6}, evalSteps)

	dir := must.M1(rundir.Open(runDir))
	entries := must.M1(dir.ReadEvals())
	require.Len(t, entries, 4)
	for i, split := range []string{preprocess.SplitDev, preprocess.SplitHeldOut, preprocess.SplitDev, preprocess.SplitHeldOut} {
		assert.Equal(t, split, entries[i].Split, "splits are evaluated in sorted order")
		assert.Equal(t, 3*(i/2+1), entries[i].Step)
		assert.Empty(t, entries[i].Errors)
	}
	assert.Equal(t, []string{preprocess.SplitDev, preprocess.SplitHeldOut}, rundir.Splits(entries))

	list := listCheckpoints(t, runDir)
	require.Len(t, list, 1, "only the last checkpoint is kept")
	assert.Equal(t, 6, list[0].Metadata.GlobalStep)
	assert.Equal(t, trainer.Vars().Checksum(), list[0].Metadata.ParamsChecksum)

	assert.Equal(t, "toy run", must.M1(dir.ReadNotes()))
	info := must.M1(dir.ReadRunInfo())
	assert.NotEmpty(t, info.RunID)
	assert.Equal(t, 0, info.ResumeCount)
	stored := must.M1(ParseParams(info.Params, false))
	assert.Equal(t, 3, stored.BatchSize)
	_, isSelector := info.Model.Value.(*selector.Selector)
	assert.True(t, isSelector)
}

func TestConfigErrorWritesNothing(t *testing.T) {
	data := toyData(t)
	runDir := filepath.Join(t.TempDir(), "run")
	params := toyParams()
	params.BatchSize = 0
	trainer := New(data, toyModel(), params, nil, runDir, "", false)
	transitions := recordTransitions(trainer)
	err := trainer.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindConfig))
	assert.Equal(t, []transition{{StateInit, StateFailed}}, *transitions)
	_, err = os.Stat(runDir)
	assert.True(t, os.IsNotExist(err), "nothing is written for an invalid configuration")

	// Run can only be called once.
	err = trainer.Run(context.Background())
	assert.True(t, errs.Is(err, errs.KindConfig))

	// Empty run directory.
	err = New(data, toyModel(), toyParams(), nil, "", "", false).Run(context.Background())
	assert.True(t, errs.Is(err, errs.KindConfig))
}

func TestResume(t *testing.T) {
	data := toyData(t)
	fullDir := filepath.Join(t.TempDir(), "full")
	require.NoError(t, StartTraining(context.Background(), data, toyModel(), toyParams(), nil, fullDir, "", false))
	full := listCheckpoints(t, fullDir)
	require.Len(t, full, 1)

	// Interrupted after step 4: the latest checkpoint is the one of step 3.
	runDir := filepath.Join(t.TempDir(), "interrupted")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	trainer := New(data, toyModel(), toyParams(), nil, runDir, "first", false)
	trainer.Loop().OnStep("interrupt", 0, func(loop *Loop, _ float64) error {
		if loop.GlobalStep == 4 {
			cancel()
		}
		return nil
	})
	err := trainer.Run(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, StateFailed, trainer.State())
	list := listCheckpoints(t, runDir)
	require.Len(t, list, 1)
	assert.Equal(t, 3, list[0].Metadata.GlobalStep)
	assert.Equal(t, 0, list[0].Metadata.Epoch)
	assert.Equal(t, 3, list[0].Metadata.StepInEpoch)

	// Not resuming a run directory with checkpoints is an error.
	err = New(data, toyModel(), toyParams(), nil, runDir, "", false).Run(context.Background())
	assert.True(t, errs.Is(err, errs.KindConfig))

	// Resuming continues from the start of the second epoch and ends with the same parameters.
	trainer = New(data, toyModel(), toyParams(), nil, runDir, "second", true)
	var firstStep = -1
	trainer.Loop().OnStart("first", 0, func(loop *Loop) error {
		firstStep = loop.GlobalStep
		assert.Equal(t, 1, loop.Epoch)
		assert.Equal(t, 0, loop.StepInEpoch)
		return nil
	})
	require.NoError(t, trainer.Run(context.Background()))
	assert.Equal(t, 3, firstStep)
	list = listCheckpoints(t, runDir)
	require.Len(t, list, 1)
	assert.Equal(t, 6, list[0].Metadata.GlobalStep)
	assert.Equal(t, full[0].Metadata.ParamsChecksum, list[0].Metadata.ParamsChecksum)

	dir := must.M1(rundir.Open(runDir))
	assert.Equal(t, "first", must.M1(dir.ReadNotes()), "notes are only written by fresh runs")
	assert.Equal(t, 1, must.M1(dir.ReadRunInfo()).ResumeCount)

	// Resuming a finished run only evaluates if needed: here nothing is left to do.
	trainer = New(data, toyModel(), toyParams(), nil, runDir, "", true)
	transitions := recordTransitions(trainer)
	require.NoError(t, trainer.Run(context.Background()))
	assert.Equal(t, []transition{
		{StateInit, StateTraining}, {StateTraining, StateEvaluating}, {StateEvaluating, StateDone},
	}, *transitions)
	assert.Equal(t, 2, must.M1(dir.ReadRunInfo()).ResumeCount)
}

func TestResumeMidEpoch(t *testing.T) {
	data := toyData(t)
	params := toyParams()
	params.EvalPeriod = 0
	params.SavePeriod = 2
	params.MaxCheckpointsToKeep = 0
	fullDir := filepath.Join(t.TempDir(), "full")
	require.NoError(t, StartTraining(context.Background(), data, toyModel(), params, nil, fullDir, "", false))
	full := listCheckpoints(t, fullDir)
	require.Len(t, full, 3)

	// Interrupted after step 3, the last of the first epoch: the latest checkpoint is the one of step 2.
	runDir := filepath.Join(t.TempDir(), "interrupted")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	trainer := New(data, toyModel(), params, nil, runDir, "", false)
	trainer.Loop().OnStep("interrupt", 0, func(loop *Loop, _ float64) error {
		if loop.GlobalStep == 3 {
			cancel()
		}
		return nil
	})
	require.Error(t, trainer.Run(ctx))
	list := listCheckpoints(t, runDir)
	require.Len(t, list, 1)
	assert.Equal(t, 2, list[0].Metadata.GlobalStep)
	assert.Equal(t, 0, list[0].Metadata.Epoch)
	assert.Equal(t, 2, list[0].Metadata.StepInEpoch)

	// Resuming skips the batches of the epoch already trained on.
	trainer = New(data, toyModel(), params, nil, runDir, "", true)
	trainer.Loop().OnStart("first", 0, func(loop *Loop) error {
		assert.Equal(t, 2, loop.GlobalStep)
		assert.Equal(t, 0, loop.Epoch)
		assert.Equal(t, 2, loop.StepInEpoch)
		return nil
	})
	require.NoError(t, trainer.Run(context.Background()))
	list = listCheckpoints(t, runDir)
	var steps []int
	for _, c := range list {
		steps = append(steps, c.Metadata.GlobalStep)
	}
	assert.Equal(t, []int{2, 4, 6}, steps)
	assert.Equal(t, full[2].Metadata.ParamsChecksum, list[2].Metadata.ParamsChecksum)
	assert.Equal(t, full[2].Metadata.ParamsChecksum, trainer.Vars().Checksum())
}

func TestResumeWithDifferentModel(t *testing.T) {
	data := toyData(t)
	runDir := filepath.Join(t.TempDir(), "run")
	require.NoError(t, StartTraining(context.Background(), data, toyModel(), toyParams(), nil, runDir, "", false))
	other := toyModel()
	other.Hidden = []int{5}
	err := StartTraining(context.Background(), data, other, toyParams(), nil, runDir, "", true)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindConfig))
}

func TestResumeWithoutCheckpoints(t *testing.T) {
	data := toyData(t)
	runDir := filepath.Join(t.TempDir(), "run")
	require.NoError(t, StartTraining(context.Background(), data, toyModel(), toyParams(), nil, runDir, "notes", true))
	dir := must.M1(rundir.Open(runDir))
	assert.Equal(t, 0, must.M1(dir.ReadRunInfo()).ResumeCount)
	assert.Equal(t, "notes", must.M1(dir.ReadNotes()))
}

func TestCheckpointFailure(t *testing.T) {
	data := toyData(t)
	runDir := filepath.Join(t.TempDir(), "run")
	trainer := New(data, toyModel(), toyParams(), nil, runDir, "", false)
	trainer.OnStateChange(func(_ *Trainer, _, to State) {
		if to == StateSaving {
			checkpointsDir := filepath.Join(runDir, rundir.CheckpointsSubdir)
			require.NoError(t, os.RemoveAll(checkpointsDir))
			require.NoError(t, os.WriteFile(checkpointsDir, []byte("not a directory"), 0o644))
		}
	})
	err := trainer.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindCheckpointIO))
	assert.Equal(t, StateFailed, trainer.State())
	assert.Equal(t, 3, trainer.Loop().GlobalStep)
}

type failingEvaluator struct{}

func (failingEvaluator) Name() string                         { return "failing" }
func (failingEvaluator) Reset()                               {}
func (failingEvaluator) Update(evaluators.Pair) error         { return errors.New("always fails") }
func (failingEvaluator) Metrics() (map[string]float64, error) { return nil, nil }

type panickingEvaluator struct{}

func (panickingEvaluator) Name() string                         { return "panicking" }
func (panickingEvaluator) Reset()                               {}
func (panickingEvaluator) Update(evaluators.Pair) error         { return nil }
func (panickingEvaluator) Metrics() (map[string]float64, error) { panic("boom") }

func TestFailingEvaluators(t *testing.T) {
	data := toyData(t)
	runDir := filepath.Join(t.TempDir(), "run")
	evals := []evaluators.Evaluator{evaluators.Loss(), failingEvaluator{}, panickingEvaluator{}}
	trainer := New(data, toyModel(), toyParams(), evals, runDir, "", false)
	require.NoError(t, trainer.Run(context.Background()))
	assert.Equal(t, StateDone, trainer.State())

	entries := must.M1(must.M1(rundir.Open(runDir)).ReadEvals())
	require.Len(t, entries, 4)
	for _, entry := range entries {
		assert.Contains(t, entry.Metrics, "loss")
		assert.Contains(t, entry.Errors["failing"], "always fails")
		assert.Contains(t, entry.Errors["panicking"], "boom")
	}
}

func TestCancelBeforeFirstStep(t *testing.T) {
	data := toyData(t)
	runDir := filepath.Join(t.TempDir(), "run")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	trainer := New(data, toyModel(), toyParams(), nil, runDir, "", false)
	err := trainer.Run(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, StateFailed, trainer.State())
	assert.Equal(t, 0, trainer.Loop().GlobalStep)
	assert.Empty(t, listCheckpoints(t, runDir))
}

// nanModel returns a NaN loss from the given step on.
type nanModel struct {
	*selector.Selector
	calls int
	nanAt int
}

func (m *nanModel) Loss(out *model.Outputs, batch *model.Encoded) (float64, error) {
	m.calls++
	if m.calls > m.nanAt {
		return math.NaN(), nil
	}
	return m.Selector.Loss(out, batch)
}

func TestNaNLoss(t *testing.T) {
	data := toyData(t)
	runDir := filepath.Join(t.TempDir(), "run")
	params := toyParams()
	params.EvalPeriod = 0
	params.SavePeriod = 0
	m := &nanModel{Selector: toyModel(), nanAt: 2}
	trainer := New(data, m, params, nil, runDir, "", false)
	err := trainer.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NaN")
	assert.Equal(t, StateFailed, trainer.State())
	assert.Equal(t, 2, trainer.Loop().GlobalStep, "the step with the NaN loss doesn't count")
	assert.Empty(t, listCheckpoints(t, runDir))
}

func TestEvalAtZeroAndDisabledPeriods(t *testing.T) {
	data := toyData(t)
	runDir := filepath.Join(t.TempDir(), "run")
	params := toyParams()
	params.EvalAtZero = true
	params.EvalPeriod = 0
	params.SavePeriod = 0
	params.AsyncEncoding = 0
	params.EvalSamples = map[string]int{preprocess.SplitDev: 0, "missing": 10}
	trainer := New(data, toyModel(), params, nil, runDir, "", false)
	transitions := recordTransitions(trainer)
	require.NoError(t, trainer.Run(context.Background()))
	assert.Equal(t, []transition{
		{StateInit, StateTraining},
		{StateTraining, StateEvaluating}, {StateEvaluating, StateTraining},
		{StateTraining, StateEvaluating}, {StateEvaluating, StateSaving}, {StateSaving, StateDone},
	}, *transitions)

	entries := must.M1(must.M1(rundir.Open(runDir)).ReadEvals())
	require.Len(t, entries, 2)
	assert.Equal(t, 0, entries[0].Step)
	assert.Equal(t, 6, entries[1].Step)
	list := listCheckpoints(t, runDir)
	require.Len(t, list, 1)
	assert.Equal(t, 6, list[0].Metadata.GlobalStep)
}

func TestEvalCache(t *testing.T) {
	data := toyData(t)
	params := toyParams()
	params.EvalEncodingCache = 1
	trainer := New(data, toyModel(), params, nil, filepath.Join(t.TempDir(), "run"), "", false)
	require.NoError(t, trainer.Run(context.Background()))
	assert.Equal(t, 1, trainer.evalCache.Len())

	params.EvalEncodingCache = 0
	trainer = New(data, toyModel(), params, nil, filepath.Join(t.TempDir(), "run"), "", false)
	require.NoError(t, trainer.Run(context.Background()))
	assert.Nil(t, trainer.evalCache)
}
