// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package model defines the contract between the trainer and a paragraph selection model,
// the parameters container and the encoding of batches into padded tensors.
//
// Concrete models (see package selector) register themselves with polymorphicjson, so a
// model configuration can be stored in the run directory and in checkpoints as tagged JSON:
//
//	{"json_type": "selector", "interface_name": "model.Model", "hidden": [32], ...}
package model

import (
	"encoding/json"
	"math/rand"
	"os"

	"github.com/gomlx/paraselect/pkg/errs"
	"github.com/gomlx/paraselect/pkg/support/polymorphicjson"
	"github.com/pkg/errors"
)

// InterfaceName used to tag model configurations.
const InterfaceName = "model.Model"

// Model scores each paragraph of a batch.
//
// Implementations hold only configuration: all trainable state is in the Params, so the same
// Model can be used concurrently by the trainer and the evaluators with different Params.
type Model interface {
	polymorphicjson.JSONIdentifiable

	// Init creates the parameters for inputs with featureDim features per paragraph.
	Init(featureDim int, rng *rand.Rand) (*Params, error)

	// Forward scores the paragraphs of the batch.
	Forward(p *Params, batch *Encoded) (*Outputs, error)

	// Loss of the outputs of Forward for the batch.
	Loss(out *Outputs, batch *Encoded) (float64, error)

	// Backward returns the gradient of the loss with respect to p, with the same layout as p.
	Backward(p *Params, batch *Encoded, out *Outputs) (*Params, error)
}

// Outputs of a forward pass.
type Outputs struct {
	// Scores has shape [batchSize][maxParagraphs]. Scores of padding paragraphs are undefined:
	// use the batch Mask.
	Scores [][]float64
}

// Config holds a Model and serializes it as tagged JSON.
type Config = polymorphicjson.Wrapper[Model]

// ParseConfig reads a model configuration in tagged JSON.
func ParseConfig(data []byte) (Model, error) {
	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, errs.New(errs.KindConfig, errors.WithMessage(err, "parsing model configuration"))
	}
	if config.IsNil() {
		return nil, errs.Configf("empty model configuration")
	}
	return config.Value, nil
}

// LoadConfig reads a model configuration file in tagged JSON.
func LoadConfig(path string) (Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.New(errs.KindConfig, errors.Wrapf(err, "reading model configuration %q", path))
	}
	m, err := ParseConfig(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "model configuration %q", path)
	}
	return m, nil
}

// MarshalConfig returns the tagged JSON of the model configuration, indented.
func MarshalConfig(m Model) ([]byte, error) {
	return json.MarshalIndent(polymorphicjson.Wrap(m), "", "  ")
}
