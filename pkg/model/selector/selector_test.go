// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package selector

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"

	"github.com/gomlx/paraselect/pkg/errs"
	"github.com/gomlx/paraselect/pkg/featurize"
	"github.com/gomlx/paraselect/pkg/model"
	"github.com/gomlx/paraselect/pkg/support/polymorphicjson"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// randomBatch creates bundles with a varying number of paragraphs, some without answers.
func randomBatch(rng *rand.Rand, batchSize, featureDim int) *model.Encoded {
	bundles := make([]*featurize.Bundle, batchSize)
	for i := range bundles {
		numParagraphs := 1 + rng.Intn(4)
		b := &featurize.Bundle{QuestionID: fmt.Sprintf("q%d", i)}
		for p := 0; p < numParagraphs; p++ {
			row := make([]float64, featureDim)
			for f := range row {
				row[f] = rng.NormFloat64()
			}
			b.Features = append(b.Features, row)
			b.Answers = append(b.Answers, rng.Intn(3)/2)
			b.Tokens = append(b.Tokens, 10)
		}
		bundles[i] = b
	}
	return must.M1(model.Encode(bundles))
}

func TestGradients(t *testing.T) {
	const featureDim = 5
	for _, hidden := range [][]int{nil, {4}, {4, 3}} {
		for _, activation := range []string{Tanh, ReLU} {
			for _, predictor := range []Predictor{&Softmax{}, &Sigmoid{}} {
				typeName, _ := predictor.JSONTags()
				t.Run(fmt.Sprintf("%v-%s-%s", hidden, activation, typeName), func(t *testing.T) {
					rng := rand.New(rand.NewSource(42))
					s := &Selector{Hidden: hidden, Activation: activation, InitScale: 1,
						Predictor: polymorphicjson.Wrap(predictor)}
					params, err := s.Init(featureDim, rng)
					require.NoError(t, err)
					batch := randomBatch(rng, 6, featureDim)

					lossAt := func() float64 {
						out, err := s.Forward(params, batch)
						require.NoError(t, err)
						loss, err := s.Loss(out, batch)
						require.NoError(t, err)
						return loss
					}
					out, err := s.Forward(params, batch)
					require.NoError(t, err)
					grads, err := s.Backward(params, batch, out)
					require.NoError(t, err)
					require.NoError(t, params.CheckLayout(grads))

					const h = 1e-6
					for vi, v := range params.Vars() {
						for i := range v.Values {
							original := v.Values[i]
							v.Values[i] = original + h
							plus := lossAt()
							v.Values[i] = original - h
							minus := lossAt()
							v.Values[i] = original
							numeric := (plus - minus) / (2 * h)
							assert.InDelta(t, numeric, grads.Vars()[vi].Values[i], 1e-5, "%s[%d]", v.Name, i)
						}
					}
				})
			}
		}
	}
}

func TestSoftmaxLoss(t *testing.T) {
	bundles := []*featurize.Bundle{
		{QuestionID: "a", Features: [][]float64{{0}, {0}}, Answers: []int{1, 0}, Tokens: []int{1, 1}},
		{QuestionID: "b", Features: [][]float64{{0}, {0}, {0}}, Answers: []int{0, 0, 0}, Tokens: []int{1, 1, 1}},
	}
	batch := must.M1(model.Encode(bundles))
	scores := [][]float64{{0, 0, 100}, {0, 0, 0}} // The third score of "a" is padding.
	loss, grad := (&Softmax{}).LossAndGrad(scores, batch)
	assert.InDelta(t, 0.6931471805599453, loss, 1e-12, "log(2): uniform over 2 real paragraphs; \"b\" has no answers")
	assert.InDelta(t, -0.5, grad[0][0], 1e-12)
	assert.InDelta(t, 0.5, grad[0][1], 1e-12)
	assert.Equal(t, 0.0, grad[0][2])
	assert.Equal(t, []float64{0, 0, 0}, grad[1])

	loss, _ = (&Sigmoid{}).LossAndGrad(scores, batch)
	assert.InDelta(t, 0.6931471805599453, loss, 1e-12, "all 5 real paragraphs at probability 0.5")
}

func TestConfig(t *testing.T) {
	data := []byte(`{"json_type": "selector", "hidden": [8, 4], "activation": "relu",
		"predictor": {"json_type": "sigmoid"}}`)
	m, err := model.ParseConfig(data)
	require.NoError(t, err)
	s, ok := m.(*Selector)
	require.True(t, ok)
	assert.Equal(t, []int{8, 4}, s.Hidden)
	assert.Equal(t, ReLU, s.Activation)
	assert.Equal(t, 1.0, s.InitScale, "default kept")
	_, isSigmoid := s.Predictor.Value.(*Sigmoid)
	assert.True(t, isSigmoid)

	encoded, err := model.MarshalConfig(New())
	require.NoError(t, err)
	var generic map[string]any
	require.NoError(t, json.Unmarshal(encoded, &generic))
	assert.Equal(t, "selector", generic["json_type"])
	assert.Equal(t, model.InterfaceName, generic["interface_name"])
	reloaded, err := model.ParseConfig(encoded)
	require.NoError(t, err)
	assert.Equal(t, New(), reloaded)

	_, err = model.ParseConfig([]byte(`{"json_type": "transformer"}`))
	assert.True(t, errs.Is(err, errs.KindConfig))

	bad := New()
	bad.Activation = "sigmoid"
	_, err = bad.Init(3, rand.New(rand.NewSource(0)))
	assert.True(t, errs.Is(err, errs.KindConfig))
}

func TestParamsMismatch(t *testing.T) {
	rng := rand.New(rand.NewSource(0))
	small := &Selector{Hidden: []int{2}, Activation: Tanh, InitScale: 1, Predictor: polymorphicjson.Wrap[Predictor](&Softmax{})}
	params := must.M1(small.Init(3, rng))
	large := New()
	_, err := large.Forward(params, randomBatch(rng, 2, 3))
	require.Error(t, err)
}
