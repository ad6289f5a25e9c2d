// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"math"

	"github.com/gomlx/paraselect/pkg/errs"
	"github.com/gomlx/paraselect/pkg/model"
	"github.com/pkg/errors"
)

// Adam optimizer, see https://arxiv.org/abs/1412.6980. With WeightDecay > 0 it becomes AdamW
// (decoupled weight decay, see https://arxiv.org/abs/1711.05101).
type Adam struct {
	LearningRate float64 `json:"learning_rate"`
	Beta1        float64 `json:"beta1"`
	Beta2        float64 `json:"beta2"`
	Epsilon      float64 `json:"epsilon"`
	WeightDecay  float64 `json:"weight_decay,omitempty"`
}

// NewAdam returns Adam with learning rate 0.001, betas 0.9 and 0.999, and epsilon 1e-7.
func NewAdam() *Adam {
	return &Adam{LearningRate: 0.001, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-7}
}

// JSONTags implements polymorphicjson.JSONIdentifiable.
func (*Adam) JSONTags() (string, string) { return "adam", InterfaceName }

const (
	adamFirstMoment  = "adam_first_moment"
	adamSecondMoment = "adam_second_moment"
	adamStep         = "adam/num_steps"
)

// Init implements Optimizer.
func (o *Adam) Init(p *model.Params) (*model.Params, error) {
	if err := checkPositive("adam", map[string]float64{"learning_rate": o.LearningRate, "epsilon": o.Epsilon}); err != nil {
		return nil, err
	}
	if o.Beta1 < 0 || o.Beta1 >= 1 || o.Beta2 < 0 || o.Beta2 >= 1 {
		return nil, errs.Configf("adam: betas must be in [0, 1), got %g and %g", o.Beta1, o.Beta2)
	}
	state, err := addStateVars(p, adamFirstMoment, adamSecondMoment)
	if err != nil {
		return nil, err
	}
	if _, err = state.Add(adamStep, 1); err != nil {
		return nil, err
	}
	return state, nil
}

// Update implements Optimizer.
func (o *Adam) Update(p, grads, state *model.Params) error {
	if err := checkUpdate("adam", p, grads, state); err != nil {
		return err
	}
	stepVar := state.Get(adamStep)
	if stepVar == nil {
		return errors.Errorf("optimizer state variable %q missing", adamStep)
	}
	stepVar.Values[0]++
	step := stepVar.Values[0]
	debias1 := 1 - math.Pow(o.Beta1, step)
	debias2 := 1 - math.Pow(o.Beta2, step)
	for i, v := range p.Vars() {
		g := grads.Vars()[i].Values
		m1, err := stateVar(state, v, adamFirstMoment)
		if err != nil {
			return err
		}
		m2, err := stateVar(state, v, adamSecondMoment)
		if err != nil {
			return err
		}
		for j := range v.Values {
			m1.Values[j] = o.Beta1*m1.Values[j] + (1-o.Beta1)*g[j]
			m2.Values[j] = o.Beta2*m2.Values[j] + (1-o.Beta2)*g[j]*g[j]
			update := (m1.Values[j] / debias1) / (math.Sqrt(m2.Values[j]/debias2) + o.Epsilon)
			if o.WeightDecay > 0 {
				update += o.WeightDecay * v.Values[j]
			}
			v.Values[j] -= o.LearningRate * update
		}
	}
	return nil
}
