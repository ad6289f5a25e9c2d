// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package text holds the text processing used by the featurizers: tokenization, stop words,
// stemming and n-grams.
package text

import (
	"strings"
	"unicode"

	"github.com/gomlx/paraselect/pkg/support/sets"
	porterstemmer "github.com/kiteco/go-porterstemmer"
)

// Tokens is a sequence of tokens.
type Tokens []string

// TokenFunc transforms a sequence of tokens.
type TokenFunc func(Tokens) Tokens

// Processor applies a list of TokenFunc in order.
type Processor struct {
	funcs []TokenFunc
}

// NewProcessor creates a Processor for the given TokenFuncs.
func NewProcessor(funcs ...TokenFunc) *Processor {
	return &Processor{funcs: funcs}
}

// Apply the processor's functions to ts. The input slice may be modified.
func (p *Processor) Apply(ts Tokens) Tokens {
	for _, fn := range p.funcs {
		ts = fn(ts)
	}
	return ts
}

// Tokenize splits s on anything that is not a letter or a digit and lower-cases the tokens.
// Apostrophes inside words are dropped ("don't" -> "dont").
func Tokenize(s string) Tokens {
	var tokens Tokens
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}
	runes := []rune(s)
	for i, r := range runes {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			current.WriteRune(unicode.ToLower(r))
		case (r == '\'' || r == '’') && current.Len() > 0 && i+1 < len(runes) && unicode.IsLetter(runes[i+1]):
			// Skip in-word apostrophes.
		default:
			flush()
		}
	}
	flush()
	return tokens
}

// Lower lower-cases every token.
func Lower(ts Tokens) Tokens {
	for i, t := range ts {
		ts[i] = strings.ToLower(t)
	}
	return ts
}

// Stem every token with the Porter stemmer.
func Stem(ts Tokens) Tokens {
	for i, t := range ts {
		ts[i] = porterstemmer.StemString(t)
	}
	return ts
}

// Uniquify removes repeated tokens, keeping the first occurrence.
func Uniquify(ts Tokens) Tokens {
	seen := sets.Make[string](len(ts))
	out := ts[:0]
	for _, t := range ts {
		if seen.Has(t) {
			continue
		}
		seen.Insert(t)
		out = append(out, t)
	}
	return out
}

// RemoveStopWords removes the tokens in the default stop word list.
func RemoveStopWords(ts Tokens) Tokens {
	return DefaultStopWords.Remove(ts)
}
