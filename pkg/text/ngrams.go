// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package text

import (
	"strings"

	"github.com/pkg/errors"
)

// NGramSeparator joins the tokens of an n-gram.
const NGramSeparator = " "

// NGrams constructs the n-grams (of order n) for the given tokens, joined with NGramSeparator.
// It returns an empty list if there are fewer than n tokens.
func NGrams(n int, toks Tokens) ([]string, error) {
	if n < 1 {
		return nil, errors.Errorf("invalid n-gram order %d", n)
	}
	if len(toks) < n {
		return nil, nil
	}
	nGrams := make([]string, 0, len(toks)-n+1)
	for i := 0; i+n <= len(toks); i++ {
		nGrams = append(nGrams, strings.Join(toks[i:i+n], NGramSeparator))
	}
	return nGrams, nil
}
