// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package featurize transforms corpus records into fixed width feature bundles for the
// paragraph selection model.
//
// The main implementation, ParagraphSelection, merges the paragraphs of a document into
// chunks of a bounded number of tokens and computes, for each chunk, the concatenation of
// the features of a list of Strategy (n-gram overlap with the question, position in the
// document, length). The label of each chunk is the number of answer occurrences in it.
package featurize

import (
	"github.com/gomlx/paraselect/pkg/corpus"
)

// Bundle is the featurized form of one corpus.Record.
type Bundle struct {
	QuestionID string
	DocumentID string

	// Features has one row per (merged) paragraph, all rows with the featurizer's Dim() values.
	Features [][]float64

	// Answers holds the number of answer occurrences in each paragraph.
	Answers []int

	// Tokens holds the number of tokens in each paragraph.
	Tokens []int
}

// NumParagraphs returns the number of (merged) paragraphs in the bundle.
func (b *Bundle) NumParagraphs() int { return len(b.Features) }

// NumTokens returns the total number of tokens of the bundle's paragraphs.
func (b *Bundle) NumTokens() int {
	var total int
	for _, n := range b.Tokens {
		total += n
	}
	return total
}

// TotalAnswers returns the number of answer occurrences across all paragraphs.
func (b *Bundle) TotalAnswers() int {
	var total int
	for _, n := range b.Answers {
		total += n
	}
	return total
}

// HasAnswer returns whether any paragraph contains the answer.
func (b *Bundle) HasAnswer() bool {
	for _, n := range b.Answers {
		if n > 0 {
			return true
		}
	}
	return false
}

// Key identifies the record the bundle was built from.
func (b *Bundle) Key() string {
	if b.DocumentID == "" {
		return b.QuestionID
	}
	return b.QuestionID + "/" + b.DocumentID
}

// Featurizer transforms records into bundles.
//
// Implementations must be safe for concurrent use: preprocessing calls Featurize from
// several goroutines.
type Featurizer interface {
	// Name of the featurizer.
	Name() string

	// Fingerprint identifies the featurizer configuration. Bundles built by featurizers with
	// different fingerprints are not interchangeable.
	Fingerprint() string

	// Dim is the number of features per paragraph.
	Dim() int

	// FeatureNames returns Dim() names, one per feature column.
	FeatureNames() []string

	// Featurize a record. Records that can't be featurized return an errs.KindData error.
	Featurize(r *corpus.Record) (*Bundle, error)
}
