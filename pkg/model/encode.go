// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"github.com/gomlx/paraselect/pkg/errs"
	"github.com/gomlx/paraselect/pkg/featurize"
)

// Encoded is a batch of bundles padded to the same number of paragraphs.
type Encoded struct {
	// Keys of the bundles in the batch.
	Keys []string

	// Features has shape [batchSize][maxParagraphs][featureDim]. Padding is zero.
	Features [][][]float64

	// Mask has shape [batchSize][maxParagraphs]: true for real paragraphs.
	Mask [][]bool

	// Answers has shape [batchSize][maxParagraphs]: the number of answer occurrences per paragraph.
	Answers [][]float64

	// NumParagraphs of each bundle.
	NumParagraphs []int

	FeatureDim int
}

// BatchSize returns the number of examples.
func (e *Encoded) BatchSize() int { return len(e.Features) }

// MaxParagraphs returns the padded number of paragraphs.
func (e *Encoded) MaxParagraphs() int {
	if len(e.Features) == 0 {
		return 0
	}
	return len(e.Features[0])
}

// Encode pads a batch of bundles into an Encoded batch.
//
// It returns a KindData error if the batch is empty, if a bundle has no paragraphs or if the
// bundles don't all have the same feature width.
func Encode(batch []*featurize.Bundle) (*Encoded, error) {
	if len(batch) == 0 {
		return nil, errs.Dataf("can't encode an empty batch")
	}
	maxParagraphs, dim := 0, -1
	for _, b := range batch {
		if b.NumParagraphs() == 0 {
			return nil, errs.Dataf("bundle %q has no paragraphs", b.Key())
		}
		if len(b.Answers) != b.NumParagraphs() {
			return nil, errs.Dataf("bundle %q has %d paragraphs but %d answer counts", b.Key(), b.NumParagraphs(), len(b.Answers))
		}
		maxParagraphs = max(maxParagraphs, b.NumParagraphs())
		for _, row := range b.Features {
			if dim == -1 {
				dim = len(row)
			} else if len(row) != dim {
				return nil, errs.Dataf("bundle %q has %d features per paragraph, expected %d", b.Key(), len(row), dim)
			}
		}
	}
	e := &Encoded{
		Keys:          make([]string, len(batch)),
		Features:      make([][][]float64, len(batch)),
		Mask:          make([][]bool, len(batch)),
		Answers:       make([][]float64, len(batch)),
		NumParagraphs: make([]int, len(batch)),
		FeatureDim:    dim,
	}
	for i, b := range batch {
		e.Keys[i] = b.Key()
		e.NumParagraphs[i] = b.NumParagraphs()
		// A single allocation per example.
		flat := make([]float64, maxParagraphs*dim)
		e.Features[i] = make([][]float64, maxParagraphs)
		e.Mask[i] = make([]bool, maxParagraphs)
		e.Answers[i] = make([]float64, maxParagraphs)
		for p := range maxParagraphs {
			e.Features[i][p] = flat[p*dim : (p+1)*dim : (p+1)*dim]
			if p < b.NumParagraphs() {
				copy(e.Features[i][p], b.Features[p])
				e.Mask[i][p] = true
				e.Answers[i][p] = float64(b.Answers[p])
			}
		}
	}
	return e, nil
}
