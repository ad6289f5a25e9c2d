// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package featurize

import (
	"fmt"
	"math"

	"github.com/gomlx/paraselect/pkg/support/sets"
	"github.com/gomlx/paraselect/pkg/text"
	"github.com/pkg/errors"
)

// Strategy computes a group of features for each paragraph of a document. Strategies
// compose additively: the features of a ParagraphSelection featurizer are the
// concatenation of the features of its strategies.
type Strategy interface {
	// Describe returns a stable description of the strategy and its configuration. It is
	// part of the featurizer fingerprint.
	Describe() string

	// Names of the features computed.
	Names() []string

	// Compute writes len(Names()) values into out[i] for each paragraph i.
	Compute(q *Question, paragraphs []*Paragraph, out [][]float64) error
}

// NGramMatching computes, for each n-gram order in [MinOrder, MaxOrder], the fraction of
// distinct question n-grams found in the paragraph and the log (1+x) of the number of
// paragraph n-grams that appear in the question. N-grams are built over the normalized terms.
type NGramMatching struct {
	MinOrder, MaxOrder int
}

var _ Strategy = NGramMatching{}

// Describe implements Strategy.
func (s NGramMatching) Describe() string {
	return fmt.Sprintf("ngram-matching(%d,%d)", s.MinOrder, s.MaxOrder)
}

// Names implements Strategy.
func (s NGramMatching) Names() []string {
	var names []string
	for n := s.MinOrder; n <= s.MaxOrder; n++ {
		names = append(names, fmt.Sprintf("ngram-%d-fraction", n), fmt.Sprintf("ngram-%d-count", n))
	}
	return names
}

// Validate the n-gram orders.
func (s NGramMatching) Validate() error {
	if s.MinOrder < 1 || s.MaxOrder < s.MinOrder {
		return errors.Errorf("invalid n-gram orders (%d, %d)", s.MinOrder, s.MaxOrder)
	}
	return nil
}

// Compute implements Strategy.
func (s NGramMatching) Compute(q *Question, paragraphs []*Paragraph, out [][]float64) error {
	if err := s.Validate(); err != nil {
		return err
	}
	for n := s.MinOrder; n <= s.MaxOrder; n++ {
		col := 2 * (n - s.MinOrder)
		qGrams, err := text.NGrams(n, q.Terms)
		if err != nil {
			return err
		}
		qSet := sets.MakeWith(qGrams...)
		for i, p := range paragraphs {
			pGrams, err := text.NGrams(n, p.Terms)
			if err != nil {
				return err
			}
			found := sets.Make[string]()
			var occurrences int
			for _, g := range pGrams {
				if qSet.Has(g) {
					found.Insert(g)
					occurrences++
				}
			}
			if len(qSet) > 0 {
				out[i][col] = float64(len(found)) / float64(len(qSet))
			}
			out[i][col+1] = math.Log1p(float64(occurrences))
		}
	}
	return nil
}

// ParagraphOrder computes position features: relative position in the document, whether it
// is the first paragraph, and log (1+index).
type ParagraphOrder struct{}

var _ Strategy = ParagraphOrder{}

// Describe implements Strategy.
func (ParagraphOrder) Describe() string { return "paragraph-order" }

// Names implements Strategy.
func (ParagraphOrder) Names() []string { return []string{"order-fraction", "order-first", "order-log"} }

// Compute implements Strategy.
func (ParagraphOrder) Compute(_ *Question, paragraphs []*Paragraph, out [][]float64) error {
	last := len(paragraphs) - 1
	for i, p := range paragraphs {
		if last > 0 {
			out[i][0] = float64(p.Index) / float64(last)
		}
		if p.Index == 0 {
			out[i][1] = 1
		}
		out[i][2] = math.Log1p(float64(p.Index))
	}
	return nil
}

// ParagraphLength computes log (1+tokens) and the fraction of the document's tokens in the paragraph.
type ParagraphLength struct{}

var _ Strategy = ParagraphLength{}

// Describe implements Strategy.
func (ParagraphLength) Describe() string { return "paragraph-length" }

// Names implements Strategy.
func (ParagraphLength) Names() []string { return []string{"length-log", "length-fraction"} }

// Compute implements Strategy.
func (ParagraphLength) Compute(_ *Question, paragraphs []*Paragraph, out [][]float64) error {
	var total int
	for _, p := range paragraphs {
		total += len(p.Raw)
	}
	for i, p := range paragraphs {
		out[i][0] = math.Log1p(float64(len(p.Raw)))
		if total > 0 {
			out[i][1] = float64(len(p.Raw)) / float64(total)
		}
	}
	return nil
}
