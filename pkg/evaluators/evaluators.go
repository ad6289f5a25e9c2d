// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package evaluators accumulates metrics over the model outputs of an evaluation split.
//
// Each Evaluator is fed every (outputs, batch, loss) Pair of the split by Run, and reports its metrics
// at the end. Run isolates evaluators from each other: one failing evaluator (error or panic) is
// reported in the Report and doesn't stop the others, nor the training.
package evaluators

import (
	"context"
	"fmt"
	"iter"
	"sort"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/paraselect/pkg/errs"
	"github.com/gomlx/paraselect/pkg/model"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Pair is the input to the evaluators for one batch.
type Pair struct {
	Outputs *model.Outputs
	Batch   *model.Encoded
	Loss    float64
}

// Evaluator accumulates metrics over the pairs of one evaluation round. The order of the pairs
// doesn't change the result.
type Evaluator interface {
	// Name of the evaluator, used in error reports.
	Name() string

	// Reset prepares for a new round.
	Reset()

	// Update the accumulated metrics with one pair.
	Update(pair Pair) error

	// Metrics returns the metrics accumulated since the last Reset, by metric name.
	Metrics() (map[string]float64, error)
}

// Default returns the evaluators used by the training: loss and the rankings for the top 1 to 4 paragraphs.
func Default() []Evaluator {
	return []Evaluator{Loss(), AnyTopN(1, 2, 3, 4), PercentAnswer(1, 2, 3, 4), TotalAnswers(1, 2, 3, 4)}
}

// Report of an evaluation round.
type Report struct {
	// Metrics of all evaluators that succeeded.
	Metrics map[string]float64

	// Errors of the evaluators that failed, by evaluator name.
	Errors map[string]error

	NumBatches, NumExamples int
}

// MetricNames returns the sorted names of the metrics.
func (r *Report) MetricNames() []string {
	names := make([]string, 0, len(r.Metrics))
	for name := range r.Metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// call fn converting panics to errors.
func call(fn func() error) (err error) {
	exception := exceptions.Try(func() { err = fn() })
	if exception != nil {
		if e, ok := exception.(error); ok {
			return errors.WithMessage(e, "panic")
		}
		return errors.Errorf("panic: %v", exception)
	}
	return err
}

// Run feeds all pairs to every evaluator and collects their metrics.
//
// Errors from evaluators are isolated: they are logged, wrapped as KindEvaluator errors in
// Report.Errors, and the evaluator sits out the rest of the round. The returned error is only
// set if the pairs sequence fails or ctx is cancelled.
func Run(ctx context.Context, evals []Evaluator, pairs iter.Seq2[Pair, error]) (*Report, error) {
	report := &Report{Metrics: make(map[string]float64), Errors: make(map[string]error)}
	failed := make([]bool, len(evals))
	markFailed := func(i int, err error) {
		name := evals[i].Name()
		failed[i] = true
		err = errs.WrapEvaluator(err, "evaluator %q", name)
		report.Errors[name] = err
		klog.Warningf("evaluator %q failed, its metrics are dropped for this round: %v", name, err)
	}

	for i, e := range evals {
		if err := call(func() error { e.Reset(); return nil }); err != nil {
			markFailed(i, err)
		}
	}
	for pair, err := range pairs {
		if err != nil {
			return nil, err
		}
		if err = ctx.Err(); err != nil {
			return nil, err
		}
		report.NumBatches++
		report.NumExamples += pair.Batch.BatchSize()
		for i, e := range evals {
			if failed[i] {
				continue
			}
			if err := call(func() error { return e.Update(pair) }); err != nil {
				markFailed(i, err)
			}
		}
	}
	for i, e := range evals {
		if failed[i] {
			continue
		}
		var metrics map[string]float64
		if err := call(func() (err error) { metrics, err = e.Metrics(); return }); err != nil {
			markFailed(i, err)
			continue
		}
		var duplicate error
		for name := range metrics {
			if _, dup := report.Metrics[name]; dup {
				duplicate = errors.Errorf("metric %q reported by more than one evaluator", name)
				break
			}
		}
		if duplicate != nil {
			markFailed(i, duplicate)
			continue
		}
		for name, value := range metrics {
			report.Metrics[name] = value
		}
	}
	return report, nil
}

// lossEvaluator reports the mean and standard deviation of the batch losses.
type lossEvaluator struct {
	losses []float64
}

// Loss returns an evaluator of the mean ("loss") and standard deviation ("loss-stddev") of the batch losses.
func Loss() Evaluator { return &lossEvaluator{} }

func (e *lossEvaluator) Name() string { return "loss" }
func (e *lossEvaluator) Reset()       { e.losses = e.losses[:0] }

func (e *lossEvaluator) Update(pair Pair) error {
	e.losses = append(e.losses, pair.Loss)
	return nil
}

func (e *lossEvaluator) Metrics() (map[string]float64, error) {
	if len(e.losses) == 0 {
		return nil, errors.New("no batches evaluated")
	}
	mean, err := stats.Mean(e.losses)
	if err != nil {
		return nil, errors.Wrap(err, "mean loss")
	}
	stddev, err := stats.StandardDeviation(e.losses)
	if err != nil {
		return nil, errors.Wrap(err, "loss stddev")
	}
	return map[string]float64{"loss": mean, "loss-stddev": stddev}, nil
}

// ranked returns the indices of the real paragraphs of example b, by decreasing score. Ties
// are broken by paragraph order.
func ranked(pair Pair, b int) []int {
	var indices []int
	for p, valid := range pair.Batch.Mask[b] {
		if valid {
			indices = append(indices, p)
		}
	}
	scores := pair.Outputs.Scores[b]
	sort.SliceStable(indices, func(i, j int) bool { return scores[indices[i]] > scores[indices[j]] })
	return indices
}

func checkPair(pair Pair) error {
	if pair.Outputs == nil || pair.Batch == nil {
		return errors.New("incomplete pair")
	}
	if len(pair.Outputs.Scores) != pair.Batch.BatchSize() {
		return errors.Errorf("outputs for %d examples, batch has %d", len(pair.Outputs.Scores), pair.Batch.BatchSize())
	}
	return nil
}

// topN is the common implementation of the ranking evaluators: for each example and each N,
// score returns the contribution of the example, or ok=false to leave the example out.
type topN struct {
	name   string
	prefix string
	ns     []int
	score  func(answersInTop, totalAnswers float64) (value float64, ok bool)

	sums   []float64
	counts []int
}

func newTopN(name, prefix string, ns []int, score func(answersInTop, totalAnswers float64) (float64, bool)) *topN {
	if len(ns) == 0 {
		ns = []int{1}
	}
	e := &topN{name: name, prefix: prefix, ns: ns, score: score}
	e.Reset()
	return e
}

func (e *topN) Name() string { return e.name }

func (e *topN) Reset() {
	e.sums = make([]float64, len(e.ns))
	e.counts = make([]int, len(e.ns))
}

func (e *topN) Update(pair Pair) error {
	if err := checkPair(pair); err != nil {
		return err
	}
	for b := range pair.Outputs.Scores {
		order := ranked(pair, b)
		var total float64
		for _, p := range order {
			total += pair.Batch.Answers[b][p]
		}
		for i, n := range e.ns {
			var inTop float64
			for _, p := range order[:min(n, len(order))] {
				inTop += pair.Batch.Answers[b][p]
			}
			if value, ok := e.score(inTop, total); ok {
				e.sums[i] += value
				e.counts[i]++
			}
		}
	}
	return nil
}

func (e *topN) Metrics() (map[string]float64, error) {
	metrics := make(map[string]float64, len(e.ns))
	for i, n := range e.ns {
		var value float64
		if e.counts[i] > 0 {
			value = e.sums[i] / float64(e.counts[i])
		}
		metrics[fmt.Sprintf("%s-top-%d", e.prefix, n)] = value
	}
	return metrics, nil
}

// AnyTopN reports "any-top-N": the fraction of examples with at least one answer occurrence in the
// N best-scored paragraphs.
func AnyTopN(ns ...int) Evaluator {
	return newTopN("any-top-n", "any", ns, func(inTop, _ float64) (float64, bool) {
		if inTop > 0 {
			return 1, true
		}
		return 0, true
	})
}

// PercentAnswer reports "percent-answer-top-N": over the examples with an answer, the mean fraction of
// the answer occurrences found in the N best-scored paragraphs.
func PercentAnswer(ns ...int) Evaluator {
	return newTopN("percent-answer-top-n", "percent-answer", ns, func(inTop, total float64) (float64, bool) {
		if total == 0 {
			return 0, false
		}
		return inTop / total, true
	})
}

// TotalAnswers reports "total-answers-top-N": the mean number of answer occurrences in the N
// best-scored paragraphs.
func TotalAnswers(ns ...int) Evaluator {
	return newTopN("total-answers-top-n", "total-answers", ns, func(inTop, _ float64) (float64, bool) {
		return inTop, true
	})
}
