// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"iter"
	"math"
	"slices"
	"sort"
	"time"

	"github.com/pkg/errors"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(loop *Loop) error

// OnStepFn is the type of OnStep hooks. It is given the loss of the step just finished.
type OnStepFn func(loop *Loop, loss float64) error

// OnEndFn is the type of OnEnd hooks. It is given the loss of the last step, or NaN if no
// step was run.
type OnEndFn func(loop *Loop, loss float64) error

// Loop tracks the progress of the training of a Trainer, and calls the hooks attached to it.
//
// By itself it doesn't do much, but one can attach functionality to it: the trainer attaches
// its logging, evaluation and checkpointing, and the command line its progress bar.
//
// The public attributes are meant for reading only, don't change them.
type Loop struct {
	// Trainer associated with this loop.
	Trainer *Trainer

	// GlobalStep is the number of training steps finished, including the ones before a resume.
	GlobalStep int

	// StartStep is the value of GlobalStep when the training started (or resumed).
	StartStep int

	// EndStep is the GlobalStep at which the training ends.
	EndStep int

	// Epoch being trained, starting from 0, and StepInEpoch the number of steps finished in it.
	Epoch, StepInEpoch int

	// StepsPerEpoch is the number of train batches per epoch.
	StepsPerEpoch int

	// SharedData allows for cross-tools to publish and consume information. Keys (strings)
	// and semantics/type of their values are not specified by loop.
	SharedData map[string]any

	// TrainStepDurations collected during training.
	TrainStepDurations []time.Duration

	onStart *priorityHooks[*hookWithName[OnStartFn]]
	onStep  *priorityHooks[*hookWithName[OnStepFn]]
	onEnd   *priorityHooks[*hookWithName[OnEndFn]]

	lastLoss float64
}

func newLoop(trainer *Trainer) *Loop {
	return &Loop{
		Trainer:    trainer,
		SharedData: make(map[string]any),
		onStart:    newPriorityHooks[*hookWithName[OnStartFn]](),
		onStep:     newPriorityHooks[*hookWithName[OnStepFn]](),
		onEnd:      newPriorityHooks[*hookWithName[OnEndFn]](),
		lastLoss:   math.NaN(),
	}
}

// LastLoss returns the loss of the last step finished, or NaN if none.
func (loop *Loop) LastLoss() float64 { return loop.lastLoss }

// start calls the OnStart hooks.
func (loop *Loop) start() error {
	loop.StartStep = loop.GlobalStep
	loop.TrainStepDurations = nil
	for hook := range loop.onStart.All() {
		if err := hook.fn(loop); err != nil {
			return errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	}
	return nil
}

// step runs trainStep, advances the counters and calls the OnStep hooks.
// A NaN or infinite loss interrupts the training.
func (loop *Loop) step(trainStep func() (float64, error)) error {
	startTime := time.Now()
	loss, err := trainStep()
	loop.TrainStepDurations = append(loop.TrainStepDurations, time.Since(startTime))
	if err != nil {
		return errors.WithMessagef(err, "train step %d", loop.GlobalStep)
	}
	if math.IsNaN(loss) {
		return errors.Errorf("batch loss is NaN at step %d, training interrupted", loop.GlobalStep)
	}
	if math.IsInf(loss, 0) {
		return errors.Errorf("batch loss is infinity (%f) at step %d, training interrupted", loss, loop.GlobalStep)
	}
	loop.GlobalStep++
	loop.StepInEpoch++
	loop.lastLoss = loss
	for hook := range loop.onStep.All() {
		if err := hook.fn(loop, loss); err != nil {
			return errors.WithMessagef(err, "OnStep(hook %q) at step %d", hook.name, loop.GlobalStep)
		}
	}
	return nil
}

// end calls the OnEnd hooks.
func (loop *Loop) end() error {
	for hook := range loop.onEnd.All() {
		if err := hook.fn(loop, loop.lastLoss); err != nil {
			return errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	}
	return nil
}

// MedianTrainStepDuration returns the median duration of each training step. It returns 1 millisecond
// if no training step was recorded (to avoid potential division by 0).
func (loop *Loop) MedianTrainStepDuration() time.Duration {
	if len(loop.TrainStepDurations) == 0 {
		return time.Millisecond
	}
	times := slices.Clone(loop.TrainStepDurations)
	slices.Sort(times)
	return times[len(times)/2]
}

// OnStart adds a hook with given priority and name (for error reporting) to the start of the
// training, after the parameters are initialized or restored.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.Add(priority, &hookWithName[OnStartFn]{name: name, fn: fn})
}

// OnStep adds a hook with given priority and name (for error reporting) to each step of the loop.
// The function `fn` is called after the optimizer update, with the counters already advanced.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep.Add(priority, &hookWithName[OnStepFn]{name: name, fn: fn})
}

// OnEnd adds a hook with given priority and name (for error reporting) to the end of the loop,
// after the last training step and before the final evaluation and checkpoint.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd.Add(priority, &hookWithName[OnEndFn]{name: name, fn: fn})
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type F per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{hooks: make(map[Priority][]H)}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// All returns an iterator over all registered hooks in priority order, and in order of
// registration within the same priority.
func (h *priorityHooks[H]) All() iter.Seq[H] {
	return func(yield func(H) bool) {
		keys := make([]Priority, 0, len(h.hooks))
		for key := range h.hooks {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
		for _, key := range keys {
			for _, hook := range h.hooks[key] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}
