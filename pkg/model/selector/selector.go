// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package selector implements the paragraph selection model: a small feed-forward network
// that scores every paragraph from its features, followed by a Predictor that turns the scores
// of an example into a loss.
//
// Gradients are computed in closed form, so the model trains on the CPU without any
// machine learning framework.
package selector

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/gomlx/paraselect/pkg/errs"
	"github.com/gomlx/paraselect/pkg/model"
	"github.com/gomlx/paraselect/pkg/support/polymorphicjson"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Activation functions for the hidden layers.
const (
	Tanh = "tanh"
	ReLU = "relu"
)

// Selector scores paragraphs with optional hidden fully connected layers and a linear head.
type Selector struct {
	// Hidden lists the size of each hidden layer. Empty means a linear model.
	Hidden []int `json:"hidden"`

	// Activation of the hidden layers: "tanh" or "relu".
	Activation string `json:"activation"`

	// InitScale scales the uniform (Glorot) initialization of the weights.
	InitScale float64 `json:"init_scale"`

	// Predictor defines the loss.
	Predictor PredictorConfig `json:"predictor"`
}

var _ model.Model = (*Selector)(nil)

// New returns a Selector with one hidden layer of 32 units, tanh activation and a softmax predictor.
func New() *Selector {
	return &Selector{
		Hidden:     []int{32},
		Activation: Tanh,
		InitScale:  1,
		Predictor:  polymorphicjson.Wrap[Predictor](&Softmax{}),
	}
}

func init() {
	polymorphicjson.Register(func() model.Model { return New() })
}

// JSONTags implements polymorphicjson.JSONIdentifiable.
func (*Selector) JSONTags() (string, string) { return "selector", model.InterfaceName }

// Validate returns a KindConfig error for invalid configurations.
func (s *Selector) Validate() error {
	for i, size := range s.Hidden {
		if size <= 0 {
			return errs.Configf("selector hidden layer #%d has invalid size %d", i, size)
		}
	}
	if s.Activation != Tanh && s.Activation != ReLU {
		return errs.Configf("selector activation %q unknown, valid values are %q and %q", s.Activation, Tanh, ReLU)
	}
	if s.Predictor.IsNil() {
		return errs.Configf("selector requires a predictor")
	}
	if s.InitScale <= 0 {
		return errs.Configf("selector init_scale must be > 0, got %g", s.InitScale)
	}
	return nil
}

func hiddenName(layer int, param string) string { return fmt.Sprintf("hidden_%d/%s", layer, param) }

const (
	outputWeights = "output/weights"
	outputBiases  = "output/biases"
)

// Init implements model.Model.
func (s *Selector) Init(featureDim int, rng *rand.Rand) (*model.Params, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if featureDim <= 0 {
		return nil, errs.Configf("selector requires featureDim > 0, got %d", featureDim)
	}
	p := model.NewParams()
	in := featureDim
	for i, out := range s.Hidden {
		w, err := p.Add(hiddenName(i, "weights"), in, out)
		if err != nil {
			return nil, err
		}
		s.initUniform(w.Values, in, out, rng)
		if _, err = p.Add(hiddenName(i, "biases"), out); err != nil {
			return nil, err
		}
		in = out
	}
	w, err := p.Add(outputWeights, in)
	if err != nil {
		return nil, err
	}
	s.initUniform(w.Values, in, 1, rng)
	if _, err = p.Add(outputBiases, 1); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Selector) initUniform(values []float64, fanIn, fanOut int, rng *rand.Rand) {
	limit := s.InitScale * math.Sqrt(6/float64(fanIn+fanOut))
	for i := range values {
		values[i] = (2*rng.Float64() - 1) * limit
	}
}

// layer holds the parameters of one fully connected layer.
type layer struct {
	weights, biases *model.Var
	in, out         int
}

// layers returns the hidden layers, checking the parameters match the configuration.
func (s *Selector) layers(p *model.Params, featureDim int) (hidden []layer, head layer, err error) {
	in := featureDim
	for i, out := range s.Hidden {
		l := layer{weights: p.Get(hiddenName(i, "weights")), biases: p.Get(hiddenName(i, "biases")), in: in, out: out}
		if l.weights == nil || l.biases == nil || len(l.weights.Values) != in*out || len(l.biases.Values) != out {
			return nil, head, errors.Errorf("parameters [%s] don't match selector hidden layer #%d (%d -> %d)", p, i, in, out)
		}
		hidden = append(hidden, l)
		in = out
	}
	head = layer{weights: p.Get(outputWeights), biases: p.Get(outputBiases), in: in, out: 1}
	if head.weights == nil || head.biases == nil || len(head.weights.Values) != in || len(head.biases.Values) != 1 {
		return nil, head, errors.Errorf("parameters [%s] don't match selector output layer (%d -> 1)", p, in)
	}
	return hidden, head, nil
}

// activations returns the outputs of every hidden layer for the input x (the first
// element is x itself).
func (s *Selector) activations(hidden []layer, x []float64) [][]float64 {
	acts := make([][]float64, 0, len(hidden)+1)
	acts = append(acts, x)
	h := x
	for _, l := range hidden {
		z := make([]float64, l.out)
		copy(z, l.biases.Values)
		for i, hi := range h {
			if hi == 0 {
				continue
			}
			floats.AddScaled(z, hi, l.weights.Values[i*l.out:(i+1)*l.out])
		}
		for j, zj := range z {
			z[j] = s.activate(zj)
		}
		acts = append(acts, z)
		h = z
	}
	return acts
}

func (s *Selector) activate(z float64) float64 {
	if s.Activation == ReLU {
		return max(z, 0)
	}
	return math.Tanh(z)
}

// activationGrad returns the derivative of the activation, given its output a.
func (s *Selector) activationGrad(a float64) float64 {
	if s.Activation == ReLU {
		if a > 0 {
			return 1
		}
		return 0
	}
	return 1 - a*a
}

// Forward implements model.Model.
func (s *Selector) Forward(p *model.Params, batch *model.Encoded) (*model.Outputs, error) {
	hidden, head, err := s.layers(p, batch.FeatureDim)
	if err != nil {
		return nil, err
	}
	scores := make([][]float64, batch.BatchSize())
	for b := range scores {
		scores[b] = make([]float64, batch.MaxParagraphs())
		for i, valid := range batch.Mask[b] {
			if !valid {
				continue
			}
			acts := s.activations(hidden, batch.Features[b][i])
			scores[b][i] = floats.Dot(head.weights.Values, acts[len(acts)-1]) + head.biases.Values[0]
		}
	}
	return &model.Outputs{Scores: scores}, nil
}

func (s *Selector) predictor() (Predictor, error) {
	if s.Predictor.IsNil() {
		return nil, errs.Configf("selector requires a predictor")
	}
	return s.Predictor.Value, nil
}

// Loss implements model.Model.
func (s *Selector) Loss(out *model.Outputs, batch *model.Encoded) (float64, error) {
	pred, err := s.predictor()
	if err != nil {
		return 0, err
	}
	loss, _ := pred.LossAndGrad(out.Scores, batch)
	return loss, nil
}

// Backward implements model.Model.
func (s *Selector) Backward(p *model.Params, batch *model.Encoded, out *model.Outputs) (*model.Params, error) {
	pred, err := s.predictor()
	if err != nil {
		return nil, err
	}
	hidden, head, err := s.layers(p, batch.FeatureDim)
	if err != nil {
		return nil, err
	}
	grads := p.ZerosLike()
	gHidden, gHead, err := s.layers(grads, batch.FeatureDim)
	if err != nil {
		return nil, err
	}
	_, dScores := pred.LossAndGrad(out.Scores, batch)
	for b := range dScores {
		for i, valid := range batch.Mask[b] {
			g := dScores[b][i]
			if !valid || g == 0 {
				continue
			}
			acts := s.activations(hidden, batch.Features[b][i])
			last := acts[len(acts)-1]
			floats.AddScaled(gHead.weights.Values, g, last)
			gHead.biases.Values[0] += g

			// dh is the gradient with respect to the output of the current layer.
			dh := make([]float64, len(last))
			floats.AddScaled(dh, g, head.weights.Values)
			for l := len(hidden) - 1; l >= 0; l-- {
				lay, gLay := hidden[l], gHidden[l]
				a, input := acts[l+1], acts[l]
				dz := make([]float64, lay.out)
				for j := range dz {
					dz[j] = dh[j] * s.activationGrad(a[j])
				}
				floats.Add(gLay.biases.Values, dz)
				dIn := make([]float64, lay.in)
				for k, xk := range input {
					row := lay.weights.Values[k*lay.out : (k+1)*lay.out]
					if xk != 0 {
						floats.AddScaled(gLay.weights.Values[k*lay.out:(k+1)*lay.out], xk, dz)
					}
					dIn[k] = floats.Dot(row, dz)
				}
				dh = dIn
			}
		}
	}
	return grads, nil
}
