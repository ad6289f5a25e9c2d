// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"math"

	"github.com/gomlx/paraselect/pkg/model"
)

// Adadelta optimizer, see https://arxiv.org/abs/1212.5701.
type Adadelta struct {
	LearningRate float64 `json:"learning_rate"`
	Rho          float64 `json:"rho"`
	Epsilon      float64 `json:"epsilon"`

	// ClipStepByValue, if > 0, clips each value of the step, after scaling by the learning rate.
	ClipStepByValue float64 `json:"clip_step_by_value,omitempty"`
}

// NewAdadelta returns Adadelta with learning rate 1.0, rho 0.95 and epsilon 1e-6.
func NewAdadelta() *Adadelta {
	return &Adadelta{LearningRate: 1.0, Rho: 0.95, Epsilon: 1e-6}
}

// JSONTags implements polymorphicjson.JSONIdentifiable.
func (*Adadelta) JSONTags() (string, string) { return "adadelta", InterfaceName }

const (
	adadeltaAccumGrad   = "adadelta_accum_grad"
	adadeltaAccumUpdate = "adadelta_accum_update"
)

// Init implements Optimizer.
func (o *Adadelta) Init(p *model.Params) (*model.Params, error) {
	if err := checkPositive("adadelta", map[string]float64{"learning_rate": o.LearningRate, "rho": o.Rho, "epsilon": o.Epsilon}); err != nil {
		return nil, err
	}
	return addStateVars(p, adadeltaAccumGrad, adadeltaAccumUpdate)
}

// Update implements Optimizer.
func (o *Adadelta) Update(p, grads, state *model.Params) error {
	if err := checkUpdate("adadelta", p, grads, state); err != nil {
		return err
	}
	for i, v := range p.Vars() {
		g := grads.Vars()[i].Values
		accumGrad, err := stateVar(state, v, adadeltaAccumGrad)
		if err != nil {
			return err
		}
		accumUpdate, err := stateVar(state, v, adadeltaAccumUpdate)
		if err != nil {
			return err
		}
		for j := range v.Values {
			accumGrad.Values[j] = o.Rho*accumGrad.Values[j] + (1-o.Rho)*g[j]*g[j]
			update := math.Sqrt(accumUpdate.Values[j]+o.Epsilon) / math.Sqrt(accumGrad.Values[j]+o.Epsilon) * g[j]
			accumUpdate.Values[j] = o.Rho*accumUpdate.Values[j] + (1-o.Rho)*update*update
			v.Values[j] -= clipStep(o.LearningRate*update, o.ClipStepByValue)
		}
	}
	return nil
}
