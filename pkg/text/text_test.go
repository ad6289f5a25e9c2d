// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package text

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenize(t *testing.T) {
	assert.Equal(t, Tokens{"who", "wrote", "the", "republic", "in", "375", "bc"},
		Tokenize("Who wrote 'The Republic' in 375 BC?"))
	assert.Equal(t, Tokens{"dont", "stop"}, Tokenize("Don't stop!"))
	assert.Empty(t, Tokenize(" ?! "))
}

func TestProcessor(t *testing.T) {
	p := NewProcessor(Lower, RemoveStopWords, Stem, Uniquify)
	got := p.Apply(Tokens{"The", "running", "dogs", "were", "running"})
	assert.Equal(t, Tokens{"run", "dog"}, got)
}

func TestStopWords(t *testing.T) {
	basic := NewStopWords(false)
	extra := NewStopWords(true)
	assert.True(t, basic.Has("the"))
	assert.False(t, basic.Has("would"))
	assert.True(t, extra.Has("would"))
	assert.Greater(t, extra.Len(), basic.Len())
}

func TestNGrams(t *testing.T) {
	grams, err := NGrams(2, Tokens{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a b", "b c"}, grams)

	grams, err = NGrams(3, Tokens{"a"})
	require.NoError(t, err)
	assert.Empty(t, grams)

	_, err = NGrams(0, Tokens{"a"})
	require.Error(t, err)
}
