// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package text

import (
	"strings"

	"github.com/gomlx/paraselect/pkg/support/sets"
)

// StopWords is a set of lower-case words to ignore when matching questions against paragraphs.
type StopWords struct {
	words sets.Set[string]
	extra bool
}

// englishStopWords is the usual NLTK English list.
const englishStopWords = `i me my myself we our ours ourselves you your yours yourself yourselves he him his himself
she her hers herself it its itself they them their theirs themselves what which who whom this that these those am is
are was were be been being have has had having do does did doing a an the and but if or because as until while of at
by for with about against between into through during before after above below to from up down in out on off over
under again further then once here there when where why how all any both each few more most other some such no nor
not only own same so than too very s t can will just don should now d ll m o re ve y ain aren couldn didn doesn hadn
hasn haven isn ma mightn mustn needn shan shouldn wasn weren won wouldn`

// extraStopWords are added with NewStopWords(true): question words and tokens that are
// frequent in trivia questions without being informative.
const extraStopWords = `also could would might may must shall one two us many much however yet still even ever
whose whichever whatever whoever per via upon among amongst within without`

// DefaultStopWords is the stop word list used by RemoveStopWords.
var DefaultStopWords = NewStopWords(true)

// NewStopWords returns the English stop words, optionally with the extra list.
func NewStopWords(extra bool) *StopWords {
	sw := &StopWords{words: sets.MakeWith(strings.Fields(englishStopWords)...), extra: extra}
	if extra {
		sw.words.Insert(strings.Fields(extraStopWords)...)
	}
	return sw
}

// Has returns whether word is a stop word.
func (sw *StopWords) Has(word string) bool {
	return sw.words.Has(word)
}

// Len returns the number of stop words.
func (sw *StopWords) Len() int {
	return len(sw.words)
}

// Extra returns whether the extra words are included.
func (sw *StopWords) Extra() bool {
	return sw.extra
}

// Remove the stop words from ts.
func (sw *StopWords) Remove(ts Tokens) Tokens {
	out := ts[:0]
	for _, t := range ts {
		if !sw.words.Has(t) {
			out = append(out, t)
		}
	}
	return out
}

// TokenFunc returns RemoveStopWords for this list.
func (sw *StopWords) TokenFunc() TokenFunc {
	return sw.Remove
}
