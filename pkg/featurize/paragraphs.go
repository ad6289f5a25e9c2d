// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package featurize

import (
	"strings"

	"github.com/gomlx/paraselect/pkg/corpus"
	"github.com/gomlx/paraselect/pkg/text"
)

// Paragraph is a (possibly merged) paragraph being featurized.
type Paragraph struct {
	// Index in the merged document.
	Index int

	// Raw holds the lower-cased tokens.
	Raw text.Tokens

	// Terms holds the normalized tokens (stop words removed, stemmed) used for matching.
	Terms text.Tokens

	// Answers is the number of answer occurrences.
	Answers int
}

// Question being featurized.
type Question struct {
	Raw   text.Tokens
	Terms text.Tokens
}

// mergeParagraphs groups consecutive paragraphs while the merged paragraph stays within
// maxTokens tokens. A paragraph longer than maxTokens is kept on its own. If maxTokens <= 0,
// paragraphs are kept as they are.
func mergeParagraphs(tokens []text.Tokens, answers []int, maxTokens int) (mergedTokens []text.Tokens, mergedAnswers []int) {
	for i, toks := range tokens {
		last := len(mergedTokens) - 1
		if last >= 0 && maxTokens > 0 && len(mergedTokens[last])+len(toks) <= maxTokens {
			mergedTokens[last] = append(mergedTokens[last], toks...)
			mergedAnswers[last] += answers[i]
			continue
		}
		mergedTokens = append(mergedTokens, append(text.Tokens(nil), toks...))
		mergedAnswers = append(mergedAnswers, answers[i])
	}
	return
}

// countAnswers returns the number of answer occurrences in each of the record's paragraphs.
// Annotated spans take precedence; otherwise the tokenized aliases are searched in the
// tokenized paragraphs.
func countAnswers(r *corpus.Record, tokens []text.Tokens) []int {
	counts := make([]int, len(r.Paragraphs))
	if len(r.AnswerSpans) > 0 {
		for _, span := range r.AnswerSpans {
			counts[span.Paragraph]++
		}
		return counts
	}
	aliases := make([]text.Tokens, 0, len(r.Answers))
	seen := make(map[string]bool, len(r.Answers))
	for _, alias := range r.Answers {
		toks := text.Tokenize(alias)
		key := strings.Join(toks, " ")
		if len(toks) == 0 || seen[key] {
			continue
		}
		seen[key] = true
		aliases = append(aliases, toks)
	}
	for i, paraTokens := range tokens {
		for _, alias := range aliases {
			counts[i] += countOccurrences(paraTokens, alias)
		}
	}
	return counts
}

// countOccurrences of the token sequence needle in haystack, allowing overlaps.
func countOccurrences(haystack, needle text.Tokens) int {
	var count int
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j, tok := range needle {
			if haystack[i+j] != tok {
				match = false
				break
			}
		}
		if match {
			count++
		}
	}
	return count
}
