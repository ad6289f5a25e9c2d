// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package errs

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	err := Configf("log_period must be >= 0, got %d", -1)
	require.Error(t, err)
	assert.Equal(t, KindConfig, KindOf(err))
	assert.Contains(t, err.Error(), "ConfigError: log_period must be >= 0, got -1")

	// Wrapping keeps the kind.
	wrapped := errors.WithMessage(err, "while starting")
	assert.Equal(t, KindConfig, KindOf(wrapped))
	assert.True(t, Is(wrapped, KindConfig))
	assert.False(t, Is(wrapped, KindCache))

	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, KindUnknown, KindOf(nil))
}

func TestWrap(t *testing.T) {
	require.NoError(t, WrapCache(nil, "ignored"))

	base := errors.New("disk full")
	err := WrapCheckpointIO(base, "saving step %d", 10)
	assert.True(t, Is(err, KindCheckpointIO))
	assert.Equal(t, base, errors.Cause(err))
	assert.Contains(t, fmt.Sprintf("%+v", err), "saving step 10")

	// Re-tagging with the same kind does not nest.
	again := WrapCheckpointIO(err, "outer")
	var tagged *Error
	require.True(t, errors.As(again, &tagged))
	_, nested := tagged.Err.(*Error)
	assert.False(t, nested)

	// A pipeline error wrapping a data error reports the outer kind, but keeps the inner one reachable.
	outer := WrapPipeline(Dataf("bad record %q", "q1"), "encoding batch 3")
	assert.Equal(t, KindPipeline, KindOf(outer))
	assert.True(t, Is(outer, KindData))
}
