// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package selector

import (
	"math"

	"github.com/gomlx/paraselect/pkg/model"
	"github.com/gomlx/paraselect/pkg/support/polymorphicjson"
	"gonum.org/v1/gonum/floats"
)

// PredictorInterfaceName used to tag predictor configurations.
const PredictorInterfaceName = "selector.Predictor"

// Predictor turns paragraph scores into a loss.
type Predictor interface {
	polymorphicjson.JSONIdentifiable

	// LossAndGrad returns the loss for the scores of the batch, and its gradient with respect
	// to the scores (zero for padding paragraphs).
	LossAndGrad(scores [][]float64, batch *model.Encoded) (loss float64, grad [][]float64)
}

// PredictorConfig holds a Predictor and serializes it as tagged JSON.
type PredictorConfig = polymorphicjson.Wrapper[Predictor]

func init() {
	polymorphicjson.Register(func() Predictor { return &Softmax{} })
	polymorphicjson.Register(func() Predictor { return &Sigmoid{} })
}

// Softmax interprets the scores of each example as logits of a distribution over its paragraphs.
// The loss is the negative log of the probability assigned to the paragraphs with an answer,
// averaged over the examples that have one. Examples without answers don't contribute.
type Softmax struct{}

// JSONTags implements polymorphicjson.JSONIdentifiable.
func (*Softmax) JSONTags() (string, string) { return "softmax", PredictorInterfaceName }

// LossAndGrad implements Predictor.
func (*Softmax) LossAndGrad(scores [][]float64, batch *model.Encoded) (loss float64, grad [][]float64) {
	grad = zerosLike(scores)
	var numExamples int
	all := make([]float64, 0, batch.MaxParagraphs())
	answers := make([]float64, 0, batch.MaxParagraphs())
	for b := range scores {
		all, answers = all[:0], answers[:0]
		for p, valid := range batch.Mask[b] {
			if !valid {
				continue
			}
			all = append(all, scores[b][p])
			if batch.Answers[b][p] > 0 {
				answers = append(answers, scores[b][p])
			}
		}
		if len(answers) == 0 {
			continue
		}
		numExamples++
		logZ := floats.LogSumExp(all)
		logAnswers := floats.LogSumExp(answers)
		loss += logZ - logAnswers
		for p, valid := range batch.Mask[b] {
			if !valid {
				continue
			}
			g := math.Exp(scores[b][p] - logZ)
			if batch.Answers[b][p] > 0 {
				g -= math.Exp(scores[b][p] - logAnswers)
			}
			grad[b][p] = g
		}
	}
	if numExamples == 0 {
		return 0, grad
	}
	scale := 1 / float64(numExamples)
	for b := range grad {
		floats.Scale(scale, grad[b])
	}
	return loss * scale, grad
}

// Sigmoid scores each paragraph independently: the loss is the binary cross-entropy of
// "paragraph has an answer", averaged over all real paragraphs of the batch.
type Sigmoid struct{}

// JSONTags implements polymorphicjson.JSONIdentifiable.
func (*Sigmoid) JSONTags() (string, string) { return "sigmoid", PredictorInterfaceName }

// LossAndGrad implements Predictor.
func (*Sigmoid) LossAndGrad(scores [][]float64, batch *model.Encoded) (loss float64, grad [][]float64) {
	grad = zerosLike(scores)
	var count int
	for b := range scores {
		for p, valid := range batch.Mask[b] {
			if !valid {
				continue
			}
			count++
			s := scores[b][p]
			var y float64
			if batch.Answers[b][p] > 0 {
				y = 1
			}
			loss += softplus(s) - y*s
			grad[b][p] = sigmoid(s) - y
		}
	}
	if count == 0 {
		return 0, grad
	}
	scale := 1 / float64(count)
	for b := range grad {
		floats.Scale(scale, grad[b])
	}
	return loss * scale, grad
}

// softplus(x) = log(1 + exp(x)), computed without overflow.
func softplus(x float64) float64 {
	if x > 0 {
		return x + math.Log1p(math.Exp(-x))
	}
	return math.Log1p(math.Exp(x))
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

func zerosLike(x [][]float64) [][]float64 {
	z := make([][]float64, len(x))
	for i := range x {
		z[i] = make([]float64, len(x[i]))
	}
	return z
}
