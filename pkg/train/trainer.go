// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package train implements the training of a paragraph selection model: the state machine of
// the Trainer, and the Loop with hooks it drives.
//
// The Trainer goes through the states
//
//	Init -> Training <-> Evaluating
//	           |  ^          |
//	           v  |          v
//	         Saving ------> Done
//
// with Failed reachable from any state. Training pulls encoded batches from an asynchronous
// pipeline, evaluation runs on a frozen snapshot of the parameters, and checkpoints are saved
// to the run directory, from where an interrupted training can be resumed.
//
// Example:
//
//	params, err := train.LoadParams("params.yaml")
//	if err != nil { ... }
//	err = train.StartTraining(ctx, data, selector.New(), params, evaluators.Default(), "~/runs/selector", notes, true)
package train

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"math/rand"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/paraselect/pkg/batcher"
	"github.com/gomlx/paraselect/pkg/checkpoints"
	"github.com/gomlx/paraselect/pkg/errs"
	"github.com/gomlx/paraselect/pkg/evaluators"
	"github.com/gomlx/paraselect/pkg/featurize"
	"github.com/gomlx/paraselect/pkg/model"
	"github.com/gomlx/paraselect/pkg/optimizers"
	"github.com/gomlx/paraselect/pkg/pipeline"
	"github.com/gomlx/paraselect/pkg/preprocess"
	"github.com/gomlx/paraselect/pkg/rundir"
	lru "github.com/hashicorp/golang-lru"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Priorities of the hooks attached by the Trainer: user hooks with the default priority 0
// run before them.
const (
	PriorityLog      Priority = 50
	PriorityEvaluate Priority = 100
	PrioritySave     Priority = 200
)

// OnEvalFn is called with the report of each evaluated split.
type OnEvalFn func(t *Trainer, split string, report *evaluators.Report)

// Trainer of a model. Create it with New, attach hooks, and then call Run once.
type Trainer struct {
	data       *preprocess.Data
	model      model.Model
	params     Params
	evals      []evaluators.Evaluator
	runDirPath string
	notes      string
	resume     bool

	loop          *Loop
	state         State
	started       bool
	onStateChange []StateChangeFn
	onEval        []OnEvalFn

	ctx           context.Context
	runDir        *rundir.Dir
	checkpoints   *checkpoints.Handler
	optimizer     optimizers.Optimizer
	vars          *model.Params
	optState      *model.Params
	evalSplits    []*evalSplit
	evalCache     *lru.Cache
	lastEvalStep  int
	lastSavedStep int
}

// StartTraining trains the model on the train split of data, evaluating and checkpointing it in
// the run directory at runDirPath. It returns when the training is done (nil) or failed.
//
// If resume is set and there are checkpoints in the run directory, it continues from the latest
// one. If resume is not set, the run directory must not have checkpoints. The notes are written
// to the run directory of fresh runs.
func StartTraining(ctx context.Context, data *preprocess.Data, m model.Model, params Params,
	evals []evaluators.Evaluator, runDirPath, notes string, resume bool) error {
	return New(data, m, params, evals, runDirPath, notes, resume).Run(ctx)
}

// New creates a Trainer, see StartTraining. Nothing is validated or written until Run.
func New(data *preprocess.Data, m model.Model, params Params,
	evals []evaluators.Evaluator, runDirPath, notes string, resume bool) *Trainer {
	t := &Trainer{
		data:          data,
		model:         m,
		params:        params.Clone(),
		evals:         evals,
		runDirPath:    runDirPath,
		notes:         notes,
		resume:        resume,
		state:         StateInit,
		lastEvalStep:  -1,
		lastSavedStep: -1,
	}
	t.loop = newLoop(t)
	return t
}

// Loop returns the training loop, to attach hooks to it.
func (t *Trainer) Loop() *Loop { return t.loop }

// State of the trainer.
func (t *Trainer) State() State { return t.state }

// Params returns a copy of the training parameters.
func (t *Trainer) Params() Params { return t.params.Clone() }

// Model being trained.
func (t *Trainer) Model() model.Model { return t.model }

// Vars returns the parameters of the model being trained, once initialized by Run.
// They must not be changed while training.
func (t *Trainer) Vars() *model.Params { return t.vars }

// RunDir returns the run directory, once opened by Run.
func (t *Trainer) RunDir() *rundir.Dir { return t.runDir }

// OnStateChange registers fn to be called after every state transition.
func (t *Trainer) OnStateChange(fn StateChangeFn) {
	t.onStateChange = append(t.onStateChange, fn)
}

// OnEval registers fn to be called with the report of each evaluated split.
func (t *Trainer) OnEval(fn OnEvalFn) {
	t.onEval = append(t.onEval, fn)
}

// Run the training. See StartTraining.
func (t *Trainer) Run(ctx context.Context) error {
	if t.started {
		return errs.Configf("Trainer.Run can only be called once")
	}
	t.started = true
	t.ctx = ctx
	err := t.run()
	if err != nil {
		klog.Errorf("training failed in state %s at step %d: %v", t.state, t.loop.GlobalStep, err)
		if !t.state.Terminal() {
			_ = t.setState(StateFailed)
		}
		return err
	}
	return nil
}

func (t *Trainer) run() error {
	if err := t.params.Validate(); err != nil {
		return err
	}
	if t.data == nil || t.model == nil {
		return errs.Configf("training requires the preprocessed data and a model")
	}
	if t.runDirPath == "" {
		return errs.Configf("training requires a run directory")
	}
	trainBundles, err := t.data.Split(preprocess.SplitTrain)
	if err != nil {
		return err
	}
	if len(trainBundles) == 0 {
		return errs.Configf("no train examples")
	}
	evals := t.evals
	if len(evals) == 0 {
		evals = evaluators.Default()
	}
	t.evals = evals
	trainBatcher, err := batcher.NewClustered(t.params.BatchSize, batcher.NParagraphs, true, false)
	if err != nil {
		return err
	}
	if err = t.prepareEvalSplits(); err != nil {
		return err
	}

	// All configuration checked: from here on the run directory is written.
	loop := t.loop
	loop.StepsPerEpoch = trainBatcher.NumBatches(len(trainBundles))
	if err = t.init(); err != nil {
		return err
	}
	if loop.StepInEpoch >= loop.StepsPerEpoch {
		loop.Epoch++
		loop.StepInEpoch = 0
	}
	loop.EndStep = loop.GlobalStep + (t.params.NumEpochs-loop.Epoch)*loop.StepsPerEpoch - loop.StepInEpoch
	if loop.Epoch >= t.params.NumEpochs {
		loop.EndStep = loop.GlobalStep
	}
	t.attachHooks()

	if err = t.setState(StateTraining); err != nil {
		return err
	}
	if err = loop.start(); err != nil {
		return err
	}
	if t.params.EvalAtZero && loop.GlobalStep == 0 {
		if err = t.evaluate(); err != nil {
			return err
		}
		if err = t.setState(StateTraining); err != nil {
			return err
		}
	}
	if err = t.train(trainBundles, trainBatcher); err != nil {
		return err
	}
	if err = loop.end(); err != nil {
		return err
	}
	if t.lastEvalStep != loop.GlobalStep {
		if err = t.evaluate(); err != nil {
			return err
		}
	}
	if t.lastSavedStep != loop.GlobalStep {
		if err = t.save(); err != nil {
			return err
		}
	}
	klog.Infof("training done at step %s (%d epochs)", humanize.Comma(int64(loop.GlobalStep)), loop.Epoch)
	return t.setState(StateDone)
}

// init opens the run directory and creates or restores the parameters and optimizer state.
func (t *Trainer) init() error {
	dir, err := rundir.Open(t.runDirPath)
	if err != nil {
		return err
	}
	t.runDir = dir
	t.checkpoints, err = checkpoints.Build(dir.CheckpointsDir()).
		Keep(t.params.MaxCheckpointsToKeep).
		WithCompression(t.params.CheckpointCompression).
		Done()
	if err != nil {
		return err
	}
	hasCheckpoints, err := t.checkpoints.HasCheckpoints()
	if err != nil {
		return err
	}
	if hasCheckpoints && !t.resume {
		return errs.Configf("run directory %q already has checkpoints: resume the training or use a new run directory",
			dir.Root())
	}

	t.optimizer = t.params.Optimizer.Value
	fresh, err := t.model.Init(t.data.FeatureDim(), rand.New(rand.NewSource(t.params.Seed)))
	if err != nil {
		return errs.New(errs.KindConfig, errors.WithMessage(err, "initializing model parameters"))
	}
	loop := t.loop
	if hasCheckpoints {
		state, err := t.checkpoints.Latest()
		if err != nil {
			return err
		}
		if err = fresh.CheckLayout(state.Params); err != nil {
			return errs.New(errs.KindConfig, errors.WithMessage(err, "checkpoint doesn't match the model configuration"))
		}
		optLayout, err := t.optimizer.Init(state.Params)
		if err != nil {
			return errs.New(errs.KindConfig, errors.WithMessage(err, "initializing optimizer"))
		}
		if err = optLayout.CheckLayout(state.OptimizerState); err != nil {
			return errs.New(errs.KindConfig, errors.WithMessage(err, "checkpoint doesn't match the optimizer configuration"))
		}
		t.vars, t.optState = state.Params, state.OptimizerState
		loop.GlobalStep, loop.Epoch, loop.StepInEpoch = state.GlobalStep, state.Epoch, state.StepInEpoch
		t.lastSavedStep = state.GlobalStep
		klog.Infof("resuming training of %q from step %s (epoch %d)", dir.Root(),
			humanize.Comma(int64(state.GlobalStep)), state.Epoch)
	} else {
		t.vars = fresh
		if t.optState, err = t.optimizer.Init(fresh); err != nil {
			return errs.New(errs.KindConfig, errors.WithMessage(err, "initializing optimizer"))
		}
		klog.Infof("starting training in %q: %d variables, %s parameters", dir.Root(), t.vars.Len(),
			humanize.Comma(int64(t.vars.NumValues())))
	}
	return t.writeRunInfo(hasCheckpoints)
}

// writeRunInfo writes the notes (fresh runs only) and updates run.json.
func (t *Trainer) writeRunInfo(resumed bool) error {
	info, err := t.runDir.ReadRunInfo()
	switch {
	case err == nil && resumed:
		info.ResumeCount++
	case err == nil || errors.Is(err, os.ErrNotExist):
		info = rundir.NewRunInfo()
		if resumed {
			info.ResumeCount = 1
		}
	default:
		return err
	}
	info.Updated = time.Now()
	if info.Params, err = json.Marshal(t.params); err != nil {
		return errors.Wrap(err, "encoding training parameters")
	}
	info.Model = model.Config{Value: t.model}
	if !resumed && t.notes != "" {
		if err = t.runDir.WriteNotes(t.notes); err != nil {
			return err
		}
	}
	return t.runDir.WriteRunInfo(info)
}

// attachHooks attaches the logging, evaluation and checkpointing to the loop.
func (t *Trainer) attachHooks() {
	if t.params.LogPeriod > 0 {
		logger := &lossLogger{period: t.params.LogPeriod}
		t.loop.OnStart("log", PriorityLog, logger.onStart)
		t.loop.OnStep("log", PriorityLog, logger.onStep)
	}
	EveryNSteps(t.loop, t.params.EvalPeriod, "evaluate", PriorityEvaluate, func(*Loop, float64) error {
		if err := t.evaluate(); err != nil {
			return err
		}
		return t.setState(StateTraining)
	})
	EveryNSteps(t.loop, t.params.SavePeriod, "save", PrioritySave, func(*Loop, float64) error {
		if err := t.save(); err != nil {
			return err
		}
		return t.setState(StateTraining)
	})
}

// lossLogger logs the mean train loss and the speed every period steps.
type lossLogger struct {
	period   int
	losses   []float64
	lastStep int
	lastTime time.Time
}

func (l *lossLogger) onStart(loop *Loop) error {
	l.lastStep, l.lastTime = loop.GlobalStep, time.Now()
	return nil
}

func (l *lossLogger) onStep(loop *Loop, loss float64) error {
	l.losses = append(l.losses, loss)
	if loop.GlobalStep%l.period != 0 {
		return nil
	}
	mean, err := stats.Mean(l.losses)
	if err != nil {
		return errors.Wrap(err, "train loss")
	}
	elapsed := time.Since(l.lastTime).Seconds()
	var stepsPerSecond float64
	if elapsed > 0 {
		stepsPerSecond = float64(loop.GlobalStep-l.lastStep) / elapsed
	}
	klog.Infof("step %s/%s (epoch %d): train loss %.4f, %.1f steps/s", humanize.Comma(int64(loop.GlobalStep)),
		humanize.Comma(int64(loop.EndStep)), loop.Epoch, mean, stepsPerSecond)
	l.losses = l.losses[:0]
	l.lastStep, l.lastTime = loop.GlobalStep, time.Now()
	return nil
}

// epochSource yields the train batches of one epoch. The order of the batches of epoch e is
// derived from Seed+e only, so a resumed training sees the same order.
type epochSource struct {
	bundles []*featurize.Bundle
	batcher *batcher.Clustered
	seed    int64
	epoch   int
	batches []batcher.Batch
	pos     int
}

var _ pipeline.Source[batcher.Batch] = (*epochSource)(nil)

// load the batches of the epoch, skipping the first skip of them.
func (s *epochSource) load(epoch, skip int) {
	s.epoch = epoch
	s.batches = s.batcher.Epoch(s.bundles, rand.New(rand.NewSource(s.seed+int64(epoch))))
	s.pos = min(skip, len(s.batches))
}

func (s *epochSource) Name() string { return preprocess.SplitTrain }

// Reset moves to the next epoch.
func (s *epochSource) Reset() { s.load(s.epoch+1, 0) }

func (s *epochSource) Yield() (batcher.Batch, error) {
	if s.pos >= len(s.batches) {
		return nil, io.EOF
	}
	b := s.batches[s.pos]
	s.pos++
	return b, nil
}

func encodeBatch(_ context.Context, b batcher.Batch) (*model.Encoded, error) {
	return model.Encode(b)
}

// train runs the remaining epochs.
func (t *Trainer) train(bundles []*featurize.Bundle, trainBatcher *batcher.Clustered) error {
	loop := t.loop
	if loop.Epoch >= t.params.NumEpochs {
		klog.Infof("all %d epochs already trained", t.params.NumEpochs)
		return nil
	}
	source := &epochSource{bundles: bundles, batcher: trainBatcher, seed: t.params.Seed}
	source.load(loop.Epoch, loop.StepInEpoch)
	p, err := pipeline.New[batcher.Batch, *model.Encoded](preprocess.SplitTrain, source, encodeBatch).
		Depth(t.params.AsyncEncoding).
		Workers(t.params.EncodingWorkers).
		Start(t.ctx)
	if err != nil {
		return err
	}
	defer p.Stop()

	for loop.Epoch < t.params.NumEpochs {
		for {
			if err = t.ctx.Err(); err != nil {
				return t.cancelled(err)
			}
			encoded, err := p.Next(t.ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				if ctxErr := t.ctx.Err(); ctxErr != nil {
					return t.cancelled(ctxErr)
				}
				return err
			}
			if err = loop.step(func() (float64, error) { return t.trainStep(encoded) }); err != nil {
				return err
			}
		}
		klog.V(1).Infof("finished epoch %d at step %d", loop.Epoch, loop.GlobalStep)
		loop.Epoch++
		loop.StepInEpoch = 0
		if loop.Epoch < t.params.NumEpochs {
			if err = p.Reset(); err != nil {
				return err
			}
		}
	}
	return nil
}

// cancelled returns the error of a cancelled training. The pipeline is stopped by the caller,
// and no checkpoint is written.
func (t *Trainer) cancelled(err error) error {
	return errors.Wrapf(err, "training cancelled at step %d", t.loop.GlobalStep)
}

// trainStep runs the forward and backward passes and updates the parameters. A loss that is
// not finite is returned without updating: Loop.step interrupts the training.
func (t *Trainer) trainStep(batch *model.Encoded) (float64, error) {
	out, err := t.model.Forward(t.vars, batch)
	if err != nil {
		return 0, err
	}
	loss, err := t.model.Loss(out, batch)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return loss, nil
	}
	grads, err := t.model.Backward(t.vars, batch, out)
	if err != nil {
		return 0, err
	}
	return loss, t.optimizer.Update(t.vars, grads, t.optState)
}

// save writes a checkpoint of the current state.
func (t *Trainer) save() error {
	if err := t.setState(StateSaving); err != nil {
		return err
	}
	loop := t.loop
	err := t.checkpoints.Save(&checkpoints.State{
		Params:         t.vars,
		OptimizerState: t.optState,
		GlobalStep:     loop.GlobalStep,
		Epoch:          loop.Epoch,
		StepInEpoch:    loop.StepInEpoch,
		Model:          t.model,
		Optimizer:      t.optimizer,
	})
	if err != nil {
		return err
	}
	t.lastSavedStep = loop.GlobalStep
	klog.V(1).Infof("saved checkpoint at step %d", loop.GlobalStep)
	return nil
}

// evalSplit is a split prepared for evaluation: sampled and batched once per run.
type evalSplit struct {
	name     string
	batches  []batcher.Batch
	examples int
}

// evalCacheKey identifies an encoded evaluation batch.
type evalCacheKey struct {
	split string
	batch int
}

// prepareEvalSplits samples and batches the evaluation splits. Samples are drawn once per run,
// with the run seed, so every evaluation (including the ones after a resume) sees the same examples.
func (t *Trainer) prepareEvalSplits() error {
	evalBatcher, err := batcher.NewClustered(t.params.BatchSize, batcher.NParagraphs, false, false)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(t.params.EvalSamples))
	for name := range t.params.EvalSamples {
		names = append(names, name)
	}
	sort.Strings(names)
	available := make(map[string]bool)
	for _, name := range t.data.SplitNames() {
		available[name] = true
	}
	rng := rand.New(rand.NewSource(t.params.Seed))
	for _, name := range names {
		if !available[name] {
			klog.Warningf("evaluation split %q not in the preprocessed data (splits: %q), skipping it", name, t.data.SplitNames())
			continue
		}
		bundles, err := t.data.Split(name)
		if err != nil {
			return err
		}
		if limit := t.params.EvalSamples[name]; limit > 0 && limit < len(bundles) {
			indices := rng.Perm(len(bundles))[:limit]
			sort.Ints(indices)
			sampled := make([]*featurize.Bundle, limit)
			for i, idx := range indices {
				sampled[i] = bundles[idx]
			}
			bundles = sampled
		}
		if len(bundles) == 0 {
			klog.Warningf("evaluation split %q is empty, skipping it", name)
			continue
		}
		t.evalSplits = append(t.evalSplits, &evalSplit{name: name, batches: evalBatcher.Epoch(bundles, nil), examples: len(bundles)})
	}
	if t.params.EvalEncodingCache > 0 {
		if t.evalCache, err = lru.New(t.params.EvalEncodingCache); err != nil {
			return errs.New(errs.KindConfig, errors.Wrap(err, "evaluation encoding cache"))
		}
	}
	return nil
}

// encodeEval returns the encoded evaluation batch, from the cache if possible.
func (t *Trainer) encodeEval(split string, idx int, batch batcher.Batch) (*model.Encoded, error) {
	key := evalCacheKey{split: split, batch: idx}
	if t.evalCache != nil {
		if value, found := t.evalCache.Get(key); found {
			return value.(*model.Encoded), nil
		}
	}
	encoded, err := model.Encode(batch)
	if err != nil {
		return nil, errors.WithMessagef(err, "encoding evaluation batch #%d of %q", idx, split)
	}
	if t.evalCache != nil {
		t.evalCache.Add(key, encoded)
	}
	return encoded, nil
}

// evalPairs runs the model with the frozen snapshot over the batches of the split.
func (t *Trainer) evalPairs(split *evalSplit, snapshot *model.Params) func(yield func(evaluators.Pair, error) bool) {
	return func(yield func(evaluators.Pair, error) bool) {
		for idx, batch := range split.batches {
			encoded, err := t.encodeEval(split.name, idx, batch)
			if err != nil {
				yield(evaluators.Pair{}, err)
				return
			}
			out, err := t.model.Forward(snapshot, encoded)
			if err != nil {
				yield(evaluators.Pair{}, errors.WithMessagef(err, "evaluating batch #%d of %q", idx, split.name))
				return
			}
			loss, err := t.model.Loss(out, encoded)
			if err != nil {
				yield(evaluators.Pair{}, errors.WithMessagef(err, "loss of batch #%d of %q", idx, split.name))
				return
			}
			if !yield(evaluators.Pair{Outputs: out, Batch: encoded, Loss: loss}, nil) {
				return
			}
		}
	}
}

// evaluate runs the evaluators on every evaluation split, on a frozen snapshot of the parameters.
// It fails if the live parameters change while evaluating.
func (t *Trainer) evaluate() error {
	if err := t.setState(StateEvaluating); err != nil {
		return err
	}
	step := t.loop.GlobalStep
	snapshot := t.vars.Clone().Freeze()
	checksum := snapshot.Checksum()
	for _, split := range t.evalSplits {
		start := time.Now()
		report, err := evaluators.Run(t.ctx, t.evals, t.evalPairs(split, snapshot))
		if err != nil {
			return errors.WithMessagef(err, "evaluating %q at step %d", split.name, step)
		}
		klog.Infof("step %s, %s (%s examples in %s): %s", humanize.Comma(int64(step)), split.name,
			humanize.Comma(int64(split.examples)), time.Since(start).Round(time.Millisecond), formatMetrics(report))
		entry := rundir.EvalEntry{Step: step, Time: time.Now(), Split: split.name, Metrics: report.Metrics}
		if len(report.Errors) > 0 {
			entry.Errors = make(map[string]string, len(report.Errors))
			for name, err := range report.Errors {
				entry.Errors[name] = err.Error()
			}
		}
		if err = t.runDir.AppendEval(entry); err != nil {
			return err
		}
		for _, fn := range t.onEval {
			fn(t, split.name, report)
		}
	}
	if live := t.vars.Checksum(); live != checksum {
		return errors.Errorf("parameters changed during the evaluation at step %d (checksum %s, snapshot %s)",
			step, live, checksum)
	}
	t.lastEvalStep = step
	return nil
}

// formatMetrics returns "name=value" pairs sorted by name.
func formatMetrics(report *evaluators.Report) string {
	var parts []string
	for _, name := range report.MetricNames() {
		parts = append(parts, name+"="+humanize.FtoaWithDigits(report.Metrics[name], 4))
	}
	failed := make([]string, 0, len(report.Errors))
	for name := range report.Errors {
		failed = append(failed, name)
	}
	sort.Strings(failed)
	for _, name := range failed {
		parts = append(parts, name+"=failed")
	}
	return strings.Join(parts, " ")
}
