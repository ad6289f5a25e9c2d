// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xsync

import (
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatch(t *testing.T) {
	l := NewLatch()
	require.False(t, l.Test())
	l.Trigger()
	l.Trigger()
	require.True(t, l.Test())
	l.Wait()
	select {
	case <-l.WaitChan():
	default:
		t.Fatal("WaitChan should be closed after Trigger")
	}
}

func TestLatchWithValueKeepsFirst(t *testing.T) {
	l := NewLatchWithValue[error]()
	_, triggered := l.Value()
	require.False(t, triggered)

	first := errors.New("first")
	var wg sync.WaitGroup
	require.True(t, l.Trigger(first))
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.False(t, l.Trigger(errors.Errorf("late %d", i)))
		}()
	}
	wg.Wait()
	require.Equal(t, first, l.Wait())
	v, triggered := l.Value()
	require.True(t, triggered)
	require.Equal(t, first, v)
}
