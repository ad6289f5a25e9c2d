// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optimizers implements a collection of optimizers that update model.Params from their
// gradients. They all implement optimizers.Optimizer, and are configured with tagged JSON:
//
//	{"json_type": "adadelta", "learning_rate": 1.0}
//
// The optimizer state (moving averages, step counters) is kept in a separate model.Params
// created by Init, so it can be checkpointed together with the model parameters.
package optimizers

import (
	"math"

	"github.com/gomlx/paraselect/pkg/errs"
	"github.com/gomlx/paraselect/pkg/model"
	"github.com/gomlx/paraselect/pkg/support/polymorphicjson"
	"github.com/pkg/errors"
)

// InterfaceName used to tag optimizer configurations.
const InterfaceName = "optimizers.Optimizer"

// Optimizer updates parameters given their gradients.
type Optimizer interface {
	polymorphicjson.JSONIdentifiable

	// Init creates the optimizer state for the parameters.
	Init(p *model.Params) (*model.Params, error)

	// Update applies one step to p, given the gradients (with the same layout as p),
	// updating the state in place. It fails if p is frozen.
	Update(p, grads, state *model.Params) error
}

// Config holds an Optimizer and serializes it as tagged JSON.
type Config = polymorphicjson.Wrapper[Optimizer]

// ByName returns the optimizer registered with the given type name, with its default values.
func ByName(name string) (Optimizer, error) {
	return polymorphicjson.New[Optimizer](InterfaceName, name)
}

// Known returns the names of the registered optimizers.
func Known() []string {
	return polymorphicjson.Registered(InterfaceName)
}

// Default optimizer: Adadelta with learning rate 1.
func Default() Optimizer {
	return NewAdadelta()
}

func init() {
	polymorphicjson.Register(func() Optimizer { return NewAdadelta() })
	polymorphicjson.Register(func() Optimizer { return NewSGD() })
	polymorphicjson.Register(func() Optimizer { return NewAdam() })
}

// checkUpdate validates the arguments common to all updates.
func checkUpdate(name string, p, grads, state *model.Params) error {
	if p.Frozen() {
		return errors.Errorf("%s: can't update frozen parameters", name)
	}
	if err := p.CheckLayout(grads); err != nil {
		return errors.WithMessagef(err, "%s: gradients don't match parameters", name)
	}
	if state == nil {
		return errors.Errorf("%s: missing optimizer state", name)
	}
	return nil
}

// stateVar returns the state variable of a parameter, checking its size.
func stateVar(state *model.Params, v *model.Var, suffix string) (*model.Var, error) {
	name := v.Name + "/" + suffix
	sv := state.Get(name)
	if sv == nil || len(sv.Values) != len(v.Values) {
		return nil, errors.Errorf("optimizer state variable %q missing or with the wrong shape", name)
	}
	return sv, nil
}

// addStateVars creates one zero state variable per suffix, for each variable of p.
func addStateVars(p *model.Params, suffixes ...string) (*model.Params, error) {
	state := model.NewParams()
	for _, v := range p.Vars() {
		for _, suffix := range suffixes {
			if _, err := state.Add(v.Name+"/"+suffix, v.Shape...); err != nil {
				return nil, err
			}
		}
	}
	return state, nil
}

// clipStep applies the optional clipping by value.
func clipStep(step, clip float64) float64 {
	if clip > 0 {
		return max(-clip, min(clip, step))
	}
	return step
}

func checkPositive(optimizer string, values map[string]float64) error {
	for name, value := range values {
		if !(value > 0) || math.IsInf(value, 0) {
			return errs.Configf("%s: %s must be > 0, got %g", optimizer, name, value)
		}
	}
	return nil
}
