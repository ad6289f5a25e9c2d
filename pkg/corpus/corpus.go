// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package corpus defines the question answering records paraselect trains on, and the
// sources that enumerate them per dataset split.
package corpus

import (
	"iter"

	"github.com/gomlx/paraselect/pkg/errs"
)

// Names of the dataset splits of a corpus.
const (
	SplitTrain       = "train"
	SplitDev         = "dev"
	SplitVerifiedDev = "verified-dev"
)

// Span is a byte range [Start, End) of an answer inside one paragraph.
type Span struct {
	Paragraph int `json:"paragraph"`
	Start     int `json:"start"`
	End       int `json:"end"`
}

// Record is one question with the paragraphs of one of its documents, and the ground truth.
// Records are immutable once yielded by a Source.
type Record struct {
	QuestionID string   `json:"question_id"`
	DocumentID string   `json:"document_id,omitempty"`
	Question   string   `json:"question"`
	Paragraphs []string `json:"paragraphs"`

	// Answers lists the accepted aliases of the answer.
	Answers []string `json:"answers,omitempty"`

	// AnswerSpans, if given, are the annotated answer locations. Otherwise, answers
	// are located by matching the aliases against the paragraphs.
	AnswerSpans []Span `json:"answer_spans,omitempty"`
}

// Key uniquely identifies a record within a corpus.
func (r *Record) Key() string {
	if r.DocumentID == "" {
		return r.QuestionID
	}
	return r.QuestionID + "/" + r.DocumentID
}

// Validate returns a KindData error if the record can't be featurized.
func (r *Record) Validate() error {
	if r.QuestionID == "" {
		return errs.Dataf("record without question id")
	}
	if r.Question == "" {
		return errs.Dataf("record %q has an empty question", r.Key())
	}
	if len(r.Paragraphs) == 0 {
		return errs.Dataf("record %q has no paragraphs", r.Key())
	}
	for i, span := range r.AnswerSpans {
		if span.Paragraph < 0 || span.Paragraph >= len(r.Paragraphs) {
			return errs.Dataf("record %q answer span #%d refers to paragraph %d, but there are only %d paragraphs",
				r.Key(), i, span.Paragraph, len(r.Paragraphs))
		}
		if span.Start < 0 || span.End <= span.Start || span.End > len(r.Paragraphs[span.Paragraph]) {
			return errs.Dataf("record %q answer span #%d [%d, %d) is out of range for paragraph %d (%d bytes)",
				r.Key(), i, span.Start, span.End, span.Paragraph, len(r.Paragraphs[span.Paragraph]))
		}
	}
	return nil
}

// Source enumerates the records of a corpus, per split.
//
// Records must be enumerated in the same order every time, so preprocessing is reproducible.
type Source interface {
	// Name of the corpus, for logging.
	Name() string

	// Splits available, e.g. SplitTrain and SplitDev.
	Splits() []string

	// Records of the split. A yielded error with errs.KindData reports one bad record and
	// iteration may continue. Any other error is fatal and ends the iteration.
	Records(split string) iter.Seq2[Record, error]
}
