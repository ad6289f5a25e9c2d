// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package featurize

import (
	"strings"
	"testing"

	"github.com/gomlx/paraselect/pkg/corpus"
	"github.com/gomlx/paraselect/pkg/errs"
	"github.com/gomlx/paraselect/pkg/text"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parisRecord() *corpus.Record {
	return &corpus.Record{
		QuestionID: "q1",
		DocumentID: "d1",
		Question:   "What is the capital city of France?",
		Paragraphs: []string{
			"France is a country in western Europe.",
			"Its capital city is Paris. Paris is also its largest city.",
			"The Loire is the longest river.",
		},
		Answers: []string{"Paris", "paris", "City of Light"},
	}
}

func TestFeaturize(t *testing.T) {
	config := DefaultConfig()
	config.MergeMaxTokens = 0
	f, err := NewParagraphSelection(config)
	require.NoError(t, err)
	assert.Equal(t, []string{"ngram-1-fraction", "ngram-1-count", "order-fraction", "order-first", "order-log",
		"length-log", "length-fraction"}, f.FeatureNames())

	b, err := f.Featurize(parisRecord())
	require.NoError(t, err)
	require.Equal(t, 3, b.NumParagraphs())
	assert.Equal(t, []int{0, 2, 0}, b.Answers, "aliases are de-duplicated after tokenization")
	assert.Equal(t, 2, b.TotalAnswers())
	assert.True(t, b.HasAnswer())
	assert.Equal(t, "q1/d1", b.Key())
	for _, row := range b.Features {
		require.Len(t, row, f.Dim())
	}

	// Question terms: "capit", "citi", "franc". Paragraph 1 has two of them, paragraph 0 has one.
	assert.InDelta(t, 2.0/3.0, b.Features[1][0], 1e-9)
	assert.InDelta(t, 1.0/3.0, b.Features[0][0], 1e-9)
	assert.Equal(t, 0.0, b.Features[2][0])

	// Order features.
	assert.Equal(t, 1.0, b.Features[0][3])
	assert.Equal(t, 0.0, b.Features[1][3])
	assert.Equal(t, 1.0, b.Features[2][2])
}

func TestMergeParagraphs(t *testing.T) {
	config := DefaultConfig()
	config.MergeMaxTokens = 12
	f, err := NewParagraphSelection(config)
	require.NoError(t, err)
	b, err := f.Featurize(parisRecord())
	require.NoError(t, err)
	// 7 + 11 tokens don't fit in 12; 11 + 6 don't either: no merges.
	assert.Equal(t, []int{7, 11, 6}, b.Tokens)

	config.MergeMaxTokens = 20
	f, err = NewParagraphSelection(config)
	require.NoError(t, err)
	b, err = f.Featurize(parisRecord())
	require.NoError(t, err)
	assert.Equal(t, []int{18, 6}, b.Tokens)
	assert.Equal(t, []int{2, 0}, b.Answers)
}

func TestAnswerSpans(t *testing.T) {
	f, err := NewParagraphSelection(DefaultConfig())
	require.NoError(t, err)
	r := parisRecord()
	r.AnswerSpans = []corpus.Span{{Paragraph: 2, Start: 4, End: 9}}
	b, err := f.Featurize(r)
	require.NoError(t, err)
	require.Equal(t, 1, b.NumParagraphs(), "all paragraphs fit in 400 tokens")
	assert.Equal(t, []int{1}, b.Answers, "spans win over alias matching")
}

func TestBadRecords(t *testing.T) {
	f, err := NewParagraphSelection(DefaultConfig())
	require.NoError(t, err)

	r := parisRecord()
	r.Question = ""
	_, err = f.Featurize(r)
	require.True(t, errs.Is(err, errs.KindData))

	r = parisRecord()
	r.Paragraphs = []string{"  ", "?!"}
	_, err = f.Featurize(r)
	require.True(t, errs.Is(err, errs.KindData))
	assert.Contains(t, err.Error(), "no tokens")
}

func TestFingerprint(t *testing.T) {
	f1, err := NewParagraphSelection(DefaultConfig())
	require.NoError(t, err)
	f2, err := NewParagraphSelection(DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, f1.Fingerprint(), f2.Fingerprint())
	assert.Len(t, f1.Fingerprint(), 32)

	for name, change := range map[string]func(c *Config){
		"merge":     func(c *Config) { c.MergeMaxTokens = 200 },
		"stem":      func(c *Config) { c.Stem = false },
		"stopwords": func(c *Config) { c.StopWords = text.NewStopWords(false) },
		"bigrams":   func(c *Config) { c.Strategies = []Strategy{NGramMatching{MinOrder: 1, MaxOrder: 2}} },
	} {
		config := DefaultConfig()
		change(&config)
		f, err := NewParagraphSelection(config)
		require.NoError(t, err)
		assert.NotEqualf(t, f1.Fingerprint(), f.Fingerprint(), "changing %s should change the fingerprint", name)
	}
}

func TestInvalidConfig(t *testing.T) {
	config := DefaultConfig()
	config.Strategies = []Strategy{ParagraphOrder{}, ParagraphOrder{}}
	_, err := NewParagraphSelection(config)
	require.True(t, errs.Is(err, errs.KindConfig))

	config.Strategies = []Strategy{NGramMatching{MinOrder: 2, MaxOrder: 1}}
	_, err = NewParagraphSelection(config)
	require.True(t, errs.Is(err, errs.KindConfig))
	assert.True(t, strings.Contains(err.Error(), "invalid n-gram orders"))
}
