// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/paraselect/pkg/corpus"
	"github.com/gomlx/paraselect/pkg/errs"
	"github.com/gomlx/paraselect/pkg/rundir"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var cities = []string{"Paris", "Rome", "Madrid", "Lisbon", "Berlin"}

func writeSplit(t *testing.T, dir, split string, n int) {
	f := must.M1(os.Create(filepath.Join(dir, split+corpus.JSONLinesSuffix)))
	defer func() { require.NoError(t, f.Close()) }()
	enc := json.NewEncoder(f)
	for i := range n {
		city := cities[i%len(cities)]
		require.NoError(t, enc.Encode(corpus.Record{
			QuestionID: fmt.Sprintf("%s-%d", split, i),
			Question:   fmt.Sprintf("Which city is the capital of country number %d?", i),
			Paragraphs: []string{
				"This paragraph talks about rivers and mountains.",
				fmt.Sprintf("The capital of country number %d is %s.", i, city),
			},
			Answers: []string{city},
		}))
	}
}

func execute(t *testing.T, args ...string) error {
	t.Helper()
	root := rootCmd()
	root.SetArgs(args)
	return root.ExecuteContext(context.Background())
}

func TestCommands(t *testing.T) {
	root := rootCmd()
	var names []string
	for _, cmd := range root.Commands() {
		names = append(names, cmd.Name())
	}
	for _, name := range []string{"preprocess", "train", "plot", "checkpoints"} {
		assert.Contains(t, names, name)
	}
	require.NotNil(t, root.PersistentFlags().Lookup("v"), "klog flags are registered")
}

func TestEndToEnd(t *testing.T) {
	tmp := t.TempDir()
	corpusDir := filepath.Join(tmp, "corpus")
	require.NoError(t, os.Mkdir(corpusDir, 0o755))
	writeSplit(t, corpusDir, corpus.SplitTrain, 10)
	writeSplit(t, corpusDir, corpus.SplitDev, 3)
	cache := filepath.Join(tmp, "data.sz")
	runDir := filepath.Join(tmp, "run")

	require.NoError(t, execute(t, "preprocess", "--corpus", corpusDir, "--cache", cache,
		"--hold-out", "0,2", "--merge-max-tokens", "0", "--workers", "2", "--progress=false"))
	require.FileExists(t, cache)

	err := execute(t, "train", "--cache", cache, "--run", runDir, "--merge-max-tokens", "0",
		"--set", "num_epochs=1;batch_size=3;eval_samples/train=4;async_encoding=0",
		"--notes", "end to end", "--progress=false", "--report=false")
	require.NoError(t, err)

	dir := must.M1(rundir.Open(runDir))
	notes := must.M1(dir.ReadNotes())
	assert.Contains(t, notes, "end to end")
	assert.Contains(t, notes, "num_epochs=1;batch_size=3")
	entries := must.M1(dir.ReadEvals())
	require.NotEmpty(t, entries)

	require.NoError(t, execute(t, "checkpoints", "--run", runDir))
	out := filepath.Join(tmp, "curves.svg")
	require.NoError(t, execute(t, "plot", "--run", runDir, "--out", out))
	require.FileExists(t, out)

	// Training again on the same run directory without --resume.
	err = execute(t, "train", "--cache", cache, "--run", runDir, "--merge-max-tokens", "0",
		"--set", "num_epochs=1;batch_size=3", "--progress=false", "--report=false")
	require.True(t, errs.Is(err, errs.KindConfig), "got %v", err)
}

func TestHoldOutFlag(t *testing.T) {
	err := execute(t, "preprocess", "--corpus", t.TempDir(), "--cache", filepath.Join(t.TempDir(), "c"),
		"--hold-out", "1,2,3", "--progress=false")
	require.True(t, errs.Is(err, errs.KindConfig), "got %v", err)
	assert.Contains(t, err.Error(), "--hold-out")
}
