// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package errs defines the error kinds used across paraselect, so callers can tell a
// configuration mistake from a corrupt cache or a failed checkpoint write.
//
// Errors are created with github.com/pkg/errors (so they carry a stack trace) and then
// tagged with a Kind. Wrapping a tagged error with errors.Wrap or errors.WithMessage keeps
// the Kind reachable through KindOf.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind of error.
type Kind int

const (
	// KindUnknown is returned by KindOf for errors that were never tagged.
	KindUnknown Kind = iota

	// KindConfig flags malformed configuration (e.g. negative periods). Fatal before any I/O.
	KindConfig

	// KindData flags a bad individual record.
	KindData

	// KindCache flags a missing, corrupt or stale preprocessed cache.
	KindCache

	// KindPipeline flags a failure of a background encoding worker or its source.
	KindPipeline

	// KindEvaluator flags a failing evaluator. Isolated by the trainer.
	KindEvaluator

	// KindCheckpointIO flags a failure to durably write or read a checkpoint.
	KindCheckpointIO
)

var kindNames = map[Kind]string{
	KindUnknown:      "UnknownError",
	KindConfig:       "ConfigError",
	KindData:         "DataError",
	KindCache:        "CacheError",
	KindPipeline:     "PipelineError",
	KindEvaluator:    "EvaluatorError",
	KindCheckpointIO: "CheckpointIOError",
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if name, found := kindNames[k]; found {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is an error tagged with a Kind.
type Error struct {
	Kind Kind
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Kind.String() + ": " + e.Err.Error()
}

// Unwrap returns the tagged error.
func (e *Error) Unwrap() error { return e.Err }

// Cause returns the tagged error, for github.com/pkg/errors.Cause.
func (e *Error) Cause() error { return e.Err }

// Format prints the stack trace of the underlying error with "%+v".
func (e *Error) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if s.Flag('+') {
			_, _ = fmt.Fprintf(s, "%s: %+v", e.Kind, e.Err)
			return
		}
		fallthrough
	case 's':
		_, _ = fmt.Fprint(s, e.Error())
	case 'q':
		_, _ = fmt.Fprintf(s, "%q", e.Error())
	}
}

// New tags err with kind. It returns nil if err is nil, and err itself if it is already
// of the given kind.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) == kind {
		return err
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the Kind of the outermost tagged error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}
	return KindUnknown
}

// Is returns whether err (or any error it wraps) is tagged with kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		if tagged, ok := err.(*Error); ok && tagged.Kind == kind {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// Configf creates a KindConfig error.
func Configf(format string, args ...any) error {
	return &Error{Kind: KindConfig, Err: errors.Errorf(format, args...)}
}

// Dataf creates a KindData error.
func Dataf(format string, args ...any) error {
	return &Error{Kind: KindData, Err: errors.Errorf(format, args...)}
}

// Cachef creates a KindCache error.
func Cachef(format string, args ...any) error {
	return &Error{Kind: KindCache, Err: errors.Errorf(format, args...)}
}

// WrapCache wraps err with a message and tags it as KindCache.
func WrapCache(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return New(KindCache, errors.Wrapf(err, format, args...))
}

// WrapPipeline wraps err with a message and tags it as KindPipeline.
func WrapPipeline(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return New(KindPipeline, errors.Wrapf(err, format, args...))
}

// WrapEvaluator wraps err with a message and tags it as KindEvaluator.
func WrapEvaluator(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return New(KindEvaluator, errors.Wrapf(err, format, args...))
}

// WrapCheckpointIO wraps err with a message and tags it as KindCheckpointIO.
func WrapCheckpointIO(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return New(KindCheckpointIO, errors.Wrapf(err, format, args...))
}
