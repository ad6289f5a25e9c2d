// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package featurize

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/gomlx/paraselect/pkg/corpus"
	"github.com/gomlx/paraselect/pkg/errs"
	"github.com/gomlx/paraselect/pkg/support/sets"
	"github.com/gomlx/paraselect/pkg/text"
	"github.com/minio/highwayhash"
	"github.com/pkg/errors"
)

// fingerprintVersion is bumped whenever the meaning of the computed features changes.
const fingerprintVersion = 1

// fingerprintKey is a fixed key: fingerprints only need to be stable, not secret.
var fingerprintKey [32]byte

// ParagraphSelectionName is the name of the ParagraphSelection featurizer.
const ParagraphSelectionName = "paragraph-selection"

// Config of a ParagraphSelection featurizer.
type Config struct {
	// MergeMaxTokens merges consecutive paragraphs up to this many tokens. 0 disables merging.
	MergeMaxTokens int

	// StopWords removed from questions and paragraphs before matching. Nil uses text.DefaultStopWords.
	StopWords *text.StopWords

	// Stem normalizes terms with the Porter stemmer.
	Stem bool

	// Strategies computing the features. Nil uses DefaultStrategies.
	Strategies []Strategy
}

// DefaultStrategies are unigram matching, paragraph order and paragraph length.
func DefaultStrategies() []Strategy {
	return []Strategy{NGramMatching{MinOrder: 1, MaxOrder: 1}, ParagraphOrder{}, ParagraphLength{}}
}

// DefaultConfig merges paragraphs up to 400 tokens, uses the extended stop words, stems and
// uses the DefaultStrategies.
func DefaultConfig() Config {
	return Config{
		MergeMaxTokens: 400,
		StopWords:      text.NewStopWords(true),
		Stem:           true,
		Strategies:     DefaultStrategies(),
	}
}

// ParagraphSelection is the featurizer for paragraph selection. Create it with NewParagraphSelection.
type ParagraphSelection struct {
	config      Config
	normalize   *text.Processor
	names       []string
	offsets     []int
	fingerprint string
}

var _ Featurizer = (*ParagraphSelection)(nil)

// NewParagraphSelection creates the featurizer. It fails if two strategies produce features with the same name.
func NewParagraphSelection(config Config) (*ParagraphSelection, error) {
	if config.StopWords == nil {
		config.StopWords = text.DefaultStopWords
	}
	if config.Strategies == nil {
		config.Strategies = DefaultStrategies()
	}
	if len(config.Strategies) == 0 {
		return nil, errs.Configf("featurizer needs at least one strategy")
	}
	if config.MergeMaxTokens < 0 {
		return nil, errs.Configf("MergeMaxTokens must be >= 0, got %d", config.MergeMaxTokens)
	}
	f := &ParagraphSelection{config: config}
	funcs := []text.TokenFunc{config.StopWords.TokenFunc()}
	if config.Stem {
		funcs = append(funcs, text.Stem)
	}
	f.normalize = text.NewProcessor(funcs...)

	seen := sets.Make[string]()
	for _, s := range config.Strategies {
		if v, ok := s.(interface{ Validate() error }); ok {
			if err := v.Validate(); err != nil {
				return nil, errs.New(errs.KindConfig, err)
			}
		}
		f.offsets = append(f.offsets, len(f.names))
		for _, name := range s.Names() {
			if seen.Has(name) {
				return nil, errs.Configf("feature %q is computed by more than one strategy", name)
			}
			seen.Insert(name)
			f.names = append(f.names, name)
		}
	}
	f.fingerprint = f.computeFingerprint()
	return f, nil
}

// computeFingerprint hashes every setting that changes the features.
func (f *ParagraphSelection) computeFingerprint() string {
	var desc strings.Builder
	_, _ = fmt.Fprintf(&desc, "%s/v%d\nmerge=%d\nstem=%v\n", ParagraphSelectionName, fingerprintVersion,
		f.config.MergeMaxTokens, f.config.Stem)
	_, _ = fmt.Fprintf(&desc, "stopwords=%d,extra=%v\n", f.config.StopWords.Len(), f.config.StopWords.Extra())
	for _, s := range f.config.Strategies {
		_, _ = fmt.Fprintf(&desc, "strategy=%s\n", s.Describe())
	}
	_, _ = fmt.Fprintf(&desc, "features=%s\n", strings.Join(f.names, ","))
	hash, err := highwayhash.New128(fingerprintKey[:])
	if err != nil {
		// Only fails for keys of the wrong size.
		panic(errors.Wrap(err, "highwayhash"))
	}
	_, _ = hash.Write([]byte(desc.String()))
	return hex.EncodeToString(hash.Sum(nil))
}

// Name implements Featurizer.
func (f *ParagraphSelection) Name() string { return ParagraphSelectionName }

// Fingerprint implements Featurizer.
func (f *ParagraphSelection) Fingerprint() string { return f.fingerprint }

// Dim implements Featurizer.
func (f *ParagraphSelection) Dim() int { return len(f.names) }

// FeatureNames implements Featurizer.
func (f *ParagraphSelection) FeatureNames() []string { return f.names }

// Featurize implements Featurizer.
func (f *ParagraphSelection) Featurize(r *corpus.Record) (*Bundle, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	tokens := make([]text.Tokens, len(r.Paragraphs))
	var numTokens int
	for i, p := range r.Paragraphs {
		tokens[i] = text.Tokenize(p)
		numTokens += len(tokens[i])
	}
	if numTokens == 0 {
		return nil, errs.Dataf("record %q has no tokens in its paragraphs", r.Key())
	}
	answers := countAnswers(r, tokens)
	mergedTokens, mergedAnswers := mergeParagraphs(tokens, answers, f.config.MergeMaxTokens)

	qRaw := text.Tokenize(r.Question)
	q := &Question{Raw: qRaw, Terms: f.normalize.Apply(append(text.Tokens(nil), qRaw...))}
	paragraphs := make([]*Paragraph, len(mergedTokens))
	for i, toks := range mergedTokens {
		paragraphs[i] = &Paragraph{
			Index:   i,
			Raw:     toks,
			Terms:   f.normalize.Apply(append(text.Tokens(nil), toks...)),
			Answers: mergedAnswers[i],
		}
	}

	b := &Bundle{
		QuestionID: r.QuestionID,
		DocumentID: r.DocumentID,
		Features:   make([][]float64, len(paragraphs)),
		Answers:    mergedAnswers,
		Tokens:     make([]int, len(paragraphs)),
	}
	for i, p := range paragraphs {
		b.Features[i] = make([]float64, len(f.names))
		b.Tokens[i] = len(p.Raw)
	}
	for sIdx, s := range f.config.Strategies {
		offset := f.offsets[sIdx]
		width := len(s.Names())
		views := make([][]float64, len(paragraphs))
		for i := range paragraphs {
			views[i] = b.Features[i][offset : offset+width]
		}
		if err := s.Compute(q, paragraphs, views); err != nil {
			return nil, errs.New(errs.KindData, errors.WithMessagef(err, "record %q, strategy %s", r.Key(), s.Describe()))
		}
	}
	return b, nil
}
