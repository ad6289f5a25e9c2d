// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"runtime"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/paraselect/pkg/corpus"
	"github.com/gomlx/paraselect/pkg/errs"
	"github.com/gomlx/paraselect/pkg/featurize"
	"github.com/gomlx/paraselect/pkg/preprocess"
	"github.com/gomlx/paraselect/pkg/support/fsutil"
	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// dataFlags configure the preprocessing. The same flags must be given to "preprocess" and "train",
// since a cache is only valid for the options it was built with.
type dataFlags struct {
	corpus, cache      string
	workers, chunkSize int
	holdOut            []int
	sample, sampleDev  int
	sampleSeed         int64
	verified           bool
	pruneNoAnswer      bool
	badRecords         string
	maxSkipFraction    float64
	mergeMaxTokens     int
	progress           bool
}

func defaultWorkers() int {
	if n := cpuid.CPU.LogicalCores; n > 0 {
		return n
	}
	return runtime.NumCPU()
}

func (f *dataFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&f.corpus, "corpus", "", "Directory of the corpus, with one <split>.jsonl file per split.")
	flags.StringVar(&f.cache, "cache", "", "File of the preprocessed data cache. Extension \".sz\" uses snappy, "+
		"\".bin\" no compression, and gzip otherwise.")
	flags.IntVar(&f.workers, "workers", defaultWorkers(), "Number of concurrent featurization workers.")
	flags.IntVar(&f.chunkSize, "chunk-size", 1000, "Number of records featurized by each worker task.")
	flags.IntSliceVar(&f.holdOut, "hold-out", []int{0, 5000}, "Seed and size of the held-out split taken from train. "+
		"Empty for no held-out split.")
	flags.IntVar(&f.sample, "sample", 0, "If > 0, sample this many train examples.")
	flags.IntVar(&f.sampleDev, "sample-dev", 0, "If > 0, sample this many dev examples.")
	flags.Int64Var(&f.sampleSeed, "sample-seed", 0, "Seed of the --sample and --sample-dev subsamples.")
	flags.BoolVar(&f.verified, "verified", false, "Use the corpus \"verified-dev\" split as the dev split.")
	flags.BoolVar(&f.pruneNoAnswer, "prune-no-answer", false, "Drop train examples without any paragraph with the answer.")
	flags.StringVar(&f.badRecords, "bad-records", "skip", "What to do with bad records: \"skip\" or \"fail\".")
	flags.Float64Var(&f.maxSkipFraction, "max-skip-fraction", preprocess.DefaultMaxSkipFraction,
		"Fraction of skipped records in a split above which preprocessing fails. Negative to disable.")
	flags.IntVar(&f.mergeMaxTokens, "merge-max-tokens", featurize.DefaultConfig().MergeMaxTokens,
		"Merge consecutive paragraphs up to this many tokens. 0 disables merging.")
	flags.BoolVar(&f.progress, "progress", true, "Display progress bars.")
}

func (f *dataFlags) options() (preprocess.Options, error) {
	opts := preprocess.Options{
		Sample:          f.sample,
		SampleDev:       f.sampleDev,
		SampleSeed:      f.sampleSeed,
		EvalOnVerified:  f.verified,
		PruneNoAnswer:   f.pruneNoAnswer,
		MaxSkipFraction: f.maxSkipFraction,
		ShowProgress:    f.progress,
	}
	switch len(f.holdOut) {
	case 0:
	case 2:
		opts.HoldOut = &preprocess.HoldOut{Seed: int64(f.holdOut[0]), Size: f.holdOut[1]}
	default:
		return opts, errs.Configf("--hold-out takes \"<seed>,<size>\", got %v", f.holdOut)
	}
	var err error
	opts.BadRecords, err = preprocess.ParseBadRecordPolicy(f.badRecords)
	return opts, err
}

func (f *dataFlags) featurizer() (featurize.Featurizer, error) {
	config := featurize.DefaultConfig()
	config.MergeMaxTokens = f.mergeMaxTokens
	return featurize.NewParagraphSelection(config)
}

// preprocess the corpus, and write the cache if one is given.
func (f *dataFlags) preprocess(ctx context.Context) (*preprocess.Data, error) {
	if f.corpus == "" {
		return nil, errs.Configf("--corpus is required to preprocess")
	}
	opts, err := f.options()
	if err != nil {
		return nil, err
	}
	featurizer, err := f.featurizer()
	if err != nil {
		return nil, err
	}
	source, err := corpus.OpenJSONLines(f.corpus)
	if err != nil {
		return nil, errs.New(errs.KindConfig, err)
	}
	data := preprocess.New(source, featurizer, opts)
	if err = data.Preprocess(ctx, f.workers, f.chunkSize); err != nil {
		return nil, err
	}
	logStats(data)
	if f.cache != "" {
		if err = data.Cache(f.cache); err != nil {
			return nil, err
		}
	}
	return data, nil
}

// load the data from the cache if it is valid, and otherwise preprocess it.
func (f *dataFlags) load(ctx context.Context) (*preprocess.Data, error) {
	if f.cache == "" {
		return f.preprocess(ctx)
	}
	exists, err := fsutil.FileExists(f.cache)
	if err != nil {
		return nil, errs.WrapCache(err, "checking preprocessed cache %q", f.cache)
	}
	if !exists {
		klog.Infof("no preprocessed cache in %q yet", f.cache)
		return f.preprocess(ctx)
	}
	opts, err := f.options()
	if err != nil {
		return nil, err
	}
	featurizer, err := f.featurizer()
	if err != nil {
		return nil, err
	}
	data := preprocess.New(nil, featurizer, opts)
	err = data.Load(f.cache)
	if err == nil {
		logStats(data)
		return data, nil
	}
	if !errs.Is(err, errs.KindCache) || f.corpus == "" {
		return nil, err
	}
	klog.Warningf("preprocessed cache can't be used, preprocessing the corpus again: %v", err)
	return f.preprocess(ctx)
}

func logStats(data *preprocess.Data) {
	stats := data.Stats()
	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s := stats[name]
		klog.Infof("split %q: %s examples (%s records read, %s skipped, %s pruned)", name, humanize.Comma(int64(s.Bundles)),
			humanize.Comma(int64(s.Records)), humanize.Comma(int64(s.Skipped)), humanize.Comma(int64(s.Pruned)))
	}
}

func preprocessCmd() *cobra.Command {
	var flags dataFlags
	cmd := &cobra.Command{
		Use:   "preprocess",
		Short: "featurize the corpus and write the preprocessed data cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.cache == "" {
				return errs.Configf("--cache is required")
			}
			data, err := flags.preprocess(cmd.Context())
			if err != nil {
				return errors.WithMessage(err, "preprocess")
			}
			fmt.Printf("Preprocessed splits %q into %q\n", data.SplitNames(), flags.cache)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}
