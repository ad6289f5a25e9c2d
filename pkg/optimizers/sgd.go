// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"github.com/gomlx/paraselect/pkg/errs"
	"github.com/gomlx/paraselect/pkg/model"
)

// SGD is the stochastic gradient descent optimizer, with optional momentum.
type SGD struct {
	LearningRate float64 `json:"learning_rate"`
	Momentum     float64 `json:"momentum,omitempty"`
}

// NewSGD returns SGD with learning rate 0.1 and no momentum.
func NewSGD() *SGD {
	return &SGD{LearningRate: 0.1}
}

// JSONTags implements polymorphicjson.JSONIdentifiable.
func (*SGD) JSONTags() (string, string) { return "sgd", InterfaceName }

const sgdVelocity = "sgd_velocity"

// Init implements Optimizer.
func (o *SGD) Init(p *model.Params) (*model.Params, error) {
	if err := checkPositive("sgd", map[string]float64{"learning_rate": o.LearningRate}); err != nil {
		return nil, err
	}
	if o.Momentum < 0 || o.Momentum >= 1 {
		return nil, errs.Configf("sgd: momentum must be in [0, 1), got %g", o.Momentum)
	}
	if o.Momentum == 0 {
		return model.NewParams(), nil
	}
	return addStateVars(p, sgdVelocity)
}

// Update implements Optimizer.
func (o *SGD) Update(p, grads, state *model.Params) error {
	if err := checkUpdate("sgd", p, grads, state); err != nil {
		return err
	}
	for i, v := range p.Vars() {
		g := grads.Vars()[i].Values
		if o.Momentum == 0 {
			for j := range v.Values {
				v.Values[j] -= o.LearningRate * g[j]
			}
			continue
		}
		velocity, err := stateVar(state, v, sgdVelocity)
		if err != nil {
			return err
		}
		for j := range v.Values {
			velocity.Values[j] = o.Momentum*velocity.Values[j] + g[j]
			v.Values[j] -= o.LearningRate * velocity.Values[j]
		}
	}
	return nil
}
