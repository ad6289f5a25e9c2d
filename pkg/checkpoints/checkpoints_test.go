// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/paraselect/pkg/errs"
	"github.com/gomlx/paraselect/pkg/model/selector"
	"github.com/gomlx/paraselect/pkg/optimizers"
	"github.com/gomlx/paraselect/pkg/support/binfmt"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newState(t *testing.T, step int) *State {
	m := selector.New()
	m.Hidden = []int{3}
	params, err := m.Init(4, rand.New(rand.NewSource(int64(step))))
	require.NoError(t, err)
	opt := optimizers.Default()
	optState, err := opt.Init(params)
	require.NoError(t, err)
	return &State{
		Params:         params,
		OptimizerState: optState,
		GlobalStep:     step,
		Epoch:          step / 10,
		StepInEpoch:    step % 10,
		Model:          m,
		Optimizer:      opt,
	}
}

func countFiles(t *testing.T, dir, suffix string) int {
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var count int
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), suffix) {
			count++
		}
	}
	return count
}

func TestSaveAndLoad(t *testing.T) {
	for _, format := range []binfmt.Format{binfmt.Gzip, binfmt.Snappy, binfmt.Uncompressed} {
		t.Run(format.String(), func(t *testing.T) {
			dir := t.TempDir()
			h, err := Build(dir).Keep(0).WithCompression(format).Done()
			require.NoError(t, err)

			_, err = h.Latest()
			require.True(t, errors.Is(err, ErrNotFound))
			has, err := h.HasCheckpoints()
			require.NoError(t, err)
			assert.False(t, has)

			want := newState(t, 17)
			require.NoError(t, h.Save(want))
			got, err := h.Latest()
			require.NoError(t, err)
			assert.Equal(t, 17, got.GlobalStep)
			assert.Equal(t, 1, got.Epoch)
			assert.Equal(t, 7, got.StepInEpoch)
			assert.Equal(t, want.Params.Checksum(), got.Params.Checksum())
			assert.Equal(t, want.OptimizerState.Checksum(), got.OptimizerState.Checksum())
			assert.False(t, got.Params.Frozen())
			assert.Equal(t, want.Model, got.Model)
			assert.Equal(t, want.Optimizer, got.Optimizer)

			list, err := h.List()
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, 0, list[0].Counter)
			assert.Equal(t, format, list[0].Metadata.BinFormat)
			assert.True(t, strings.HasSuffix(list[0].BaseName, "-step-00000017"))
		})
	}
}

func TestKeep(t *testing.T) {
	dir := t.TempDir()
	h, err := Build(dir).Keep(2).Done()
	require.NoError(t, err)
	for step := range 5 {
		require.NoError(t, h.Save(newState(t, step*10)))
	}
	list, err := h.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, []int{3, 4}, []int{list[0].Counter, list[1].Counter})
	assert.Equal(t, 40, list[1].Metadata.GlobalStep)
	assert.Equal(t, 2, countFiles(t, dir, BinSuffix))
	assert.Equal(t, 2, countFiles(t, dir, JSONSuffix))

	// A new handler continues the counter.
	h, err = Build(dir).Keep(2).Done()
	require.NoError(t, err)
	require.NoError(t, h.Save(newState(t, 50)))
	list, err = h.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 5, list[1].Counter)
	latest, err := h.Latest()
	require.NoError(t, err)
	assert.Equal(t, 50, latest.GlobalStep)
}

func TestIncompleteIgnored(t *testing.T) {
	dir := t.TempDir()
	h, err := Build(dir).Keep(0).Done()
	require.NoError(t, err)
	require.NoError(t, h.Save(newState(t, 10)))

	// Simulate a crash after writing the ".bin" of the next checkpoint, and another one in the middle
	// of writing a temporary file.
	complete, _, err := h.baseNames()
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(dir, complete[0]+BinSuffix))
	require.NoError(t, err)
	orphan := "checkpoint-n0000001-20260101-000000-step-00000020"
	require.NoError(t, os.WriteFile(filepath.Join(dir, orphan+BinSuffix), data, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, orphan+JSONSuffix+".123.tmp"), []byte("{"), 0o644))

	h, err = Build(dir).Keep(0).Done()
	require.NoError(t, err)
	assert.Equal(t, 0, countFiles(t, dir, ".tmp"), "temporary files are removed")
	latest, err := h.Latest()
	require.NoError(t, err)
	assert.Equal(t, 10, latest.GlobalStep)

	// The counter skips the orphan, and saving removes it once a newer checkpoint is complete.
	require.NoError(t, h.Save(newState(t, 30)))
	list, err := h.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 2, list[1].Counter)
	_, err = os.Stat(filepath.Join(dir, orphan+BinSuffix))
	assert.True(t, os.IsNotExist(err))
}

func TestCorrupt(t *testing.T) {
	dir := t.TempDir()
	h, err := Build(dir).Done()
	require.NoError(t, err)
	require.NoError(t, h.Save(newState(t, 1)))
	complete, _, err := h.baseNames()
	require.NoError(t, err)
	binPath := filepath.Join(dir, complete[0]+BinSuffix)
	require.NoError(t, os.WriteFile(binPath, []byte("not a checkpoint"), 0o644))
	_, err = h.Latest()
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindCheckpointIO))
}

func TestSaveFailure(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "checkpoints")
	h, err := Build(dir).Done()
	require.NoError(t, err)

	// Replace the directory by a regular file: creating files in it fails, even for root.
	require.NoError(t, os.Remove(dir))
	require.NoError(t, os.WriteFile(dir, nil, 0o644))
	err = h.Save(newState(t, 1))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindCheckpointIO))

	err = h.Save(nil)
	assert.True(t, errs.Is(err, errs.KindCheckpointIO))
}

func TestBackup(t *testing.T) {
	dir := t.TempDir()
	h, err := Build(dir).Keep(1).Done()
	require.NoError(t, err)
	require.True(t, errors.Is(h.Backup(), ErrNotFound))
	require.NoError(t, h.Save(newState(t, 1)))
	require.NoError(t, h.Backup())
	require.NoError(t, h.Save(newState(t, 2)))
	assert.Equal(t, 1, countFiles(t, filepath.Join(dir, BackupDir), BinSuffix))
	assert.Equal(t, 1, countFiles(t, dir, BinSuffix), "backups don't count for retention")
}

func TestConfigErrors(t *testing.T) {
	_, err := Build(t.TempDir()).WithCompression(binfmt.Format(7)).Done()
	assert.True(t, errs.Is(err, errs.KindConfig))
}
