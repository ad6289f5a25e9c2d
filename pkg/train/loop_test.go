// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runSteps(t *testing.T, loop *Loop, n int) {
	require.NoError(t, loop.start())
	for range n {
		require.NoError(t, loop.step(func() (float64, error) { return 1, nil }))
	}
	require.NoError(t, loop.end())
}

func TestLoopHooksPriority(t *testing.T) {
	loop := newLoop(nil)
	var calls []string
	loop.OnStep("late", 10, func(*Loop, float64) error { calls = append(calls, "late"); return nil })
	loop.OnStep("early", -1, func(*Loop, float64) error { calls = append(calls, "early"); return nil })
	loop.OnStep("default", 0, func(*Loop, float64) error { calls = append(calls, "default"); return nil })
	loop.OnEnd("end", 0, func(_ *Loop, loss float64) error {
		assert.Equal(t, 1.0, loss)
		calls = append(calls, "end")
		return nil
	})
	assert.True(t, math.IsNaN(loop.LastLoss()))
	loop.EndStep = 1
	runSteps(t, loop, 1)
	assert.Equal(t, []string{"early", "default", "late", "end"}, calls)
	assert.Equal(t, 1, loop.GlobalStep)
	assert.Equal(t, 1, loop.StepInEpoch)
	assert.Len(t, loop.TrainStepDurations, 1)
	assert.Equal(t, loop.TrainStepDurations[0], loop.MedianTrainStepDuration())
}

func TestLoopStepErrors(t *testing.T) {
	loop := newLoop(nil)
	require.NoError(t, loop.start())
	err := loop.step(func() (float64, error) { return math.NaN(), nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NaN")
	err = loop.step(func() (float64, error) { return math.Inf(1), nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "infinity")
	assert.Equal(t, 0, loop.GlobalStep, "failed steps don't advance the loop")

	loop.OnStep("fails", 0, func(*Loop, float64) error { return errors.New("hook failed") })
	err = loop.step(func() (float64, error) { return 1, nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"fails"`)
	assert.Contains(t, err.Error(), "hook failed")
}

func TestEveryNSteps(t *testing.T) {
	loop := newLoop(nil)
	loop.GlobalStep = 2 // As if resumed.
	var steps []int
	EveryNSteps(loop, 3, "every3", 0, func(loop *Loop, _ float64) error {
		steps = append(steps, loop.GlobalStep)
		return nil
	})
	EveryNSteps(loop, 0, "disabled", 0, func(*Loop, float64) error {
		t.Fatal("disabled hook called")
		return nil
	})
	runSteps(t, loop, 8)
	assert.Equal(t, []int{3, 6, 9}, steps, "the period is keyed on the global step")
}

func TestNTimesDuringLoop(t *testing.T) {
	loop := newLoop(nil)
	loop.EndStep = 100
	var count int
	var last int
	NTimesDuringLoop(loop, 10, "ten", 0, func(loop *Loop, _ float64) error {
		count++
		last = loop.GlobalStep
		return nil
	})
	runSteps(t, loop, 100)
	assert.LessOrEqual(t, count, 11)
	assert.GreaterOrEqual(t, count, 10)
	assert.Equal(t, 100, last, "the last step is always included")
}

func TestPeriodicCallbackOnEnd(t *testing.T) {
	loop := newLoop(nil)
	var onEnd int
	PeriodicCallback(loop, 1<<40, true, "rare", 0, func(*Loop, float64) error {
		onEnd++
		return nil
	})
	runSteps(t, loop, 5)
	assert.Equal(t, 1, onEnd, "only called at the end with a long period")
}

func TestStateTransitions(t *testing.T) {
	assert.True(t, validTransition(StateInit, StateTraining))
	assert.True(t, validTransition(StateTraining, StateEvaluating))
	assert.True(t, validTransition(StateEvaluating, StateSaving))
	assert.True(t, validTransition(StateSaving, StateFailed))
	assert.False(t, validTransition(StateInit, StateEvaluating))
	assert.False(t, validTransition(StateDone, StateTraining))
	assert.False(t, validTransition(StateFailed, StateFailed))
	assert.True(t, StateDone.Terminal())
	assert.False(t, StateSaving.Terminal())
	assert.Equal(t, "Evaluating", StateEvaluating.String())

	trainer := New(nil, nil, DefaultParams(), nil, "", "", false)
	require.Error(t, trainer.setState(StateDone))
	assert.Equal(t, StateInit, trainer.State())
}
