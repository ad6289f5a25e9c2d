// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package preprocess featurizes a corpus into the splits used for training and evaluation,
// and caches the result on disk.
//
// Preprocessing reads each corpus split in order, featurizes it in parallel chunks and then,
// optionally, carves a held-out split out of train with a seeded selection. Training
// evaluates on the held-out split instead of dev when it is configured.
//
// Example:
//
//	data := preprocess.New(source, featurizer, preprocess.Options{
//		HoldOut: &preprocess.HoldOut{Seed: 0, Size: 5000},
//	})
//	if err := data.Load(cachePath); err != nil {
//		if err = data.Preprocess(ctx, workers, 1000); err != nil { ... }
//		if err = data.Cache(cachePath); err != nil { ... }
//	}
package preprocess

import (
	"context"
	"math/rand"
	"os"
	"slices"
	"sort"

	"github.com/gomlx/paraselect/pkg/corpus"
	"github.com/gomlx/paraselect/pkg/errs"
	"github.com/gomlx/paraselect/pkg/featurize"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Names of the preprocessed splits.
const (
	SplitTrain   = "train"
	SplitHeldOut = "held-out"
	SplitDev     = "dev"
)

// BadRecordPolicy defines what happens to records that fail validation or featurization.
type BadRecordPolicy int

const (
	// SkipBadRecords skips and counts bad records. Preprocessing still fails if the fraction
	// of skipped records of a split exceeds Options.MaxSkipFraction.
	SkipBadRecords BadRecordPolicy = iota

	// FailOnBadRecord aborts preprocessing on the first bad record.
	FailOnBadRecord
)

// String implements fmt.Stringer.
func (p BadRecordPolicy) String() string {
	switch p {
	case SkipBadRecords:
		return "skip"
	case FailOnBadRecord:
		return "fail"
	default:
		return "unknown"
	}
}

// ParseBadRecordPolicy converts "skip" or "fail" to a BadRecordPolicy.
func ParseBadRecordPolicy(s string) (BadRecordPolicy, error) {
	switch s {
	case "skip":
		return SkipBadRecords, nil
	case "fail":
		return FailOnBadRecord, nil
	default:
		return SkipBadRecords, errs.Configf("invalid bad records policy %q, valid values are \"skip\" and \"fail\"", s)
	}
}

// HoldOut configures a held-out split taken from train.
type HoldOut struct {
	Seed int64
	Size int
}

// DefaultMaxSkipFraction is used when Options.MaxSkipFraction is 0.
const DefaultMaxSkipFraction = 0.1

// Options of the preprocessing. The zero value preprocesses the train and dev splits as they are,
// skipping bad records.
type Options struct {
	// HoldOut, if set, moves a seeded selection of train bundles to the held-out split.
	HoldOut *HoldOut

	// Sample and SampleDev, if > 0, cap the number of train and dev bundles, picking a seeded
	// subsample (with SampleSeed) that keeps the corpus order.
	Sample, SampleDev int
	SampleSeed        int64

	// EvalOnVerified reads the dev split from the corpus "verified-dev" split.
	EvalOnVerified bool

	// PruneNoAnswer drops train bundles without any answer occurrence.
	PruneNoAnswer bool

	// BadRecords policy, with the threshold MaxSkipFraction of skipped records per split above
	// which preprocessing fails anyway. A negative MaxSkipFraction disables the threshold.
	BadRecords      BadRecordPolicy
	MaxSkipFraction float64

	// ShowProgress displays a progress bar per split on the terminal.
	ShowProgress bool
}

// SplitStats counts what happened to the records of a split.
type SplitStats struct {
	// Records read from the corpus.
	Records int

	// Skipped bad records, and train bundles Pruned for not having an answer.
	Skipped, Pruned int

	// Bundles in the resulting split.
	Bundles int
}

// Data holds the preprocessed splits. Create it with New and populate it with either Preprocess or Load.
type Data struct {
	source     corpus.Source
	featurizer featurize.Featurizer
	opts       Options

	populated bool
	splits    map[string][]*featurize.Bundle
	stats     map[string]SplitStats
}

// New configures the preprocessing of source with featurizer. Source can be nil if the data
// is only going to be loaded from a cache.
func New(source corpus.Source, featurizer featurize.Featurizer, opts Options) *Data {
	if opts.MaxSkipFraction == 0 {
		opts.MaxSkipFraction = DefaultMaxSkipFraction
	}
	return &Data{
		source:     source,
		featurizer: featurizer,
		opts:       opts,
	}
}

// Options returns the options the data was configured with.
func (d *Data) Options() Options { return d.opts }

// Featurizer used to build the bundles.
func (d *Data) Featurizer() featurize.Featurizer { return d.featurizer }

// FeatureDim is the number of features per paragraph.
func (d *Data) FeatureDim() int { return d.featurizer.Dim() }

// Split returns the bundles of the named split, in corpus order.
func (d *Data) Split(name string) ([]*featurize.Bundle, error) {
	if !d.populated {
		return nil, errs.Configf("preprocessed data not available yet: call Preprocess or Load first")
	}
	bundles, found := d.splits[name]
	if !found {
		return nil, errs.Configf("unknown split %q, available splits are %q", name, d.SplitNames())
	}
	return bundles, nil
}

// SplitNames returns the sorted names of the available splits.
func (d *Data) SplitNames() []string {
	names := make([]string, 0, len(d.splits))
	for name := range d.splits {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stats returns a copy of the statistics per split.
func (d *Data) Stats() map[string]SplitStats {
	stats := make(map[string]SplitStats, len(d.stats))
	for name, s := range d.stats {
		stats[name] = s
	}
	return stats
}

// markPopulated fails if the data was already populated.
func (d *Data) markPopulated(op string) error {
	if d.populated {
		return errs.Configf("%s: preprocessed data already populated, Preprocess and Load can only be called once", op)
	}
	d.populated = true
	return nil
}

// devSourceSplit is the corpus split used for the dev split.
func (d *Data) devSourceSplit() string {
	if d.opts.EvalOnVerified {
		return corpus.SplitVerifiedDev
	}
	return corpus.SplitDev
}

// Preprocess reads and featurizes the corpus, using up to workerCount concurrent workers, each
// handling chunks of chunkSize records.
func (d *Data) Preprocess(ctx context.Context, workerCount, chunkSize int) error {
	if d.source == nil {
		return errs.Configf("Preprocess requires a corpus source")
	}
	if workerCount < 1 || chunkSize < 1 {
		return errs.Configf("Preprocess requires workerCount >= 1 and chunkSize >= 1, got %d and %d", workerCount, chunkSize)
	}
	if err := d.markPopulated("Preprocess"); err != nil {
		return err
	}
	d.splits = make(map[string][]*featurize.Bundle)
	d.stats = make(map[string]SplitStats)

	available := d.source.Splits()
	if !slices.Contains(available, corpus.SplitTrain) {
		return errs.Configf("corpus %q has no %q split, available splits are %q", d.source.Name(), corpus.SplitTrain, available)
	}
	sourceSplits := map[string]string{SplitTrain: corpus.SplitTrain}
	devSplit := d.devSourceSplit()
	if slices.Contains(available, devSplit) {
		sourceSplits[SplitDev] = devSplit
	} else {
		klog.Warningf("corpus %q has no %q split, preprocessing without dev", d.source.Name(), devSplit)
	}

	for _, name := range []string{SplitTrain, SplitDev} {
		sourceSplit, found := sourceSplits[name]
		if !found {
			continue
		}
		bundles, stats, err := d.featurizeSplit(ctx, sourceSplit, workerCount, chunkSize)
		if err != nil {
			return errors.WithMessagef(err, "preprocessing split %q of corpus %q", sourceSplit, d.source.Name())
		}
		if name == SplitTrain && d.opts.PruneNoAnswer {
			kept := bundles[:0]
			for _, b := range bundles {
				if b.HasAnswer() {
					kept = append(kept, b)
				}
			}
			stats.Pruned = len(bundles) - len(kept)
			bundles = kept
		}
		d.splits[name] = bundles
		d.stats[name] = stats
	}

	if d.opts.HoldOut != nil {
		if err := d.carveHoldOut(); err != nil {
			return err
		}
	}
	if d.opts.Sample > 0 {
		d.splits[SplitTrain] = subsample(d.splits[SplitTrain], d.opts.Sample, d.opts.SampleSeed)
	}
	if d.opts.SampleDev > 0 && d.splits[SplitDev] != nil {
		d.splits[SplitDev] = subsample(d.splits[SplitDev], d.opts.SampleDev, d.opts.SampleSeed)
	}
	for name, bundles := range d.splits {
		stats := d.stats[name]
		stats.Bundles = len(bundles)
		d.stats[name] = stats
		klog.Infof("preprocessed split %q: %d bundles (%d records read, %d skipped, %d pruned)",
			name, stats.Bundles, stats.Records, stats.Skipped, stats.Pruned)
	}
	return nil
}

// item is a record read from the corpus, or the error reading it.
type item struct {
	record corpus.Record
	err    error
}

// chunk of consecutive records, featurized by one worker. The records are released once featurized.
type chunk struct {
	start    int
	items    []item
	bundles  []*featurize.Bundle
	failures []error
}

// featurize the chunk's records, stopping at the first error that can't be skipped.
func (d *Data) featurizeChunk(ctx context.Context, c *chunk) error {
	c.bundles = make([]*featurize.Bundle, len(c.items))
	c.failures = make([]error, len(c.items))
	for i := range c.items {
		if err := ctx.Err(); err != nil {
			return err
		}
		it := &c.items[i]
		if it.err != nil {
			c.failures[i] = it.err
		} else {
			c.bundles[i], c.failures[i] = d.featurizer.Featurize(&it.record)
		}
		if c.failures[i] != nil {
			if !errs.Is(c.failures[i], errs.KindData) {
				return errors.WithMessagef(c.failures[i], "featurizing record #%d (%s)", c.start+i, it.record.Key())
			}
			if d.opts.BadRecords == FailOnBadRecord {
				return errors.WithMessagef(c.failures[i], "bad record #%d", c.start+i)
			}
		}
	}
	c.items = nil
	return nil
}

// featurizeSplit returns the bundles of the corpus split in corpus order, skipping bad records
// according to the policy.
//
// Records are read one chunk at a time: at most workerCount chunks are being featurized while the
// next one is read.
func (d *Data) featurizeSplit(ctx context.Context, split string, workerCount, chunkSize int) (
	[]*featurize.Bundle, SplitStats, error) {
	var stats SplitStats
	var bar *progressbar.ProgressBar
	if d.opts.ShowProgress {
		bar = progressbar.NewOptions(-1,
			progressbar.OptionSetDescription("featurizing "+split),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
			progressbar.OptionSetItsString("records"),
			progressbar.OptionShowIts(),
			progressbar.OptionClearOnFinish())
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(workerCount)
	var chunks []*chunk
	dispatch := func(c *chunk) {
		chunks = append(chunks, c)
		g.Go(func() error {
			if err := d.featurizeChunk(gCtx, c); err != nil {
				return err
			}
			if bar != nil {
				_ = bar.Add(len(c.bundles))
			}
			return nil
		})
	}
	var readErr error
	current := &chunk{items: make([]item, 0, chunkSize)}
	for record, err := range d.source.Records(split) {
		if err != nil && !errs.Is(err, errs.KindData) {
			readErr = errors.WithMessagef(err, "reading record #%d", stats.Records)
			break
		}
		if gCtx.Err() != nil {
			break
		}
		current.items = append(current.items, item{record: record, err: err})
		stats.Records++
		if len(current.items) == chunkSize {
			dispatch(current)
			current = &chunk{start: stats.Records, items: make([]item, 0, chunkSize)}
		}
	}
	if readErr == nil && len(current.items) > 0 {
		dispatch(current)
	}
	err := g.Wait()
	if bar != nil {
		_ = bar.Finish()
	}
	if readErr != nil {
		return nil, stats, readErr
	}
	if err != nil {
		return nil, stats, err
	}

	bundles := make([]*featurize.Bundle, 0, stats.Records)
	for _, c := range chunks {
		for i, b := range c.bundles {
			if c.failures[i] != nil {
				stats.Skipped++
				if stats.Skipped <= maxLoggedSkips {
					klog.Warningf("skipping bad record #%d of split %q: %v", c.start+i, split, c.failures[i])
				} else {
					klog.V(1).Infof("skipping bad record #%d of split %q: %v", c.start+i, split, c.failures[i])
				}
				continue
			}
			bundles = append(bundles, b)
		}
	}
	if stats.Skipped > 0 {
		klog.Warningf("split %q: skipped %d of %d records", split, stats.Skipped, stats.Records)
		if d.opts.MaxSkipFraction >= 0 && float64(stats.Skipped) > d.opts.MaxSkipFraction*float64(stats.Records) {
			return nil, stats, errs.Dataf("split %q: %d of %d records are bad, more than the maximum fraction %g",
				split, stats.Skipped, stats.Records, d.opts.MaxSkipFraction)
		}
	}
	return bundles, stats, nil
}

// maxLoggedSkips is the number of skipped records reported as warnings per split; the rest are
// only logged with verbosity 1.
const maxLoggedSkips = 10

// carveHoldOut moves HoldOut.Size train bundles, selected with a permutation seeded with HoldOut.Seed,
// to the held-out split. Both splits keep the corpus order.
func (d *Data) carveHoldOut() error {
	holdOut := d.opts.HoldOut
	train := d.splits[SplitTrain]
	if holdOut.Size < 0 || holdOut.Size > len(train) {
		return errs.Configf("hold-out of %d examples requested, but train only has %d", holdOut.Size, len(train))
	}
	perm := rand.New(rand.NewSource(holdOut.Seed)).Perm(len(train))
	selected := make([]bool, len(train))
	for _, idx := range perm[:holdOut.Size] {
		selected[idx] = true
	}
	heldOut := make([]*featurize.Bundle, 0, holdOut.Size)
	kept := make([]*featurize.Bundle, 0, len(train)-holdOut.Size)
	for i, b := range train {
		if selected[i] {
			heldOut = append(heldOut, b)
		} else {
			kept = append(kept, b)
		}
	}
	d.splits[SplitTrain] = kept
	d.splits[SplitHeldOut] = heldOut
	d.stats[SplitHeldOut] = SplitStats{}
	klog.V(1).Infof("held out %d of %d train bundles (seed %d)", holdOut.Size, len(train), holdOut.Seed)
	return nil
}

// subsample returns n bundles selected with the seed, in their original order.
// It returns bundles unchanged if n >= len(bundles).
func subsample(bundles []*featurize.Bundle, n int, seed int64) []*featurize.Bundle {
	if n >= len(bundles) {
		return bundles
	}
	indices := rand.New(rand.NewSource(seed)).Perm(len(bundles))[:n]
	sort.Ints(indices)
	sampled := make([]*featurize.Bundle, n)
	for i, idx := range indices {
		sampled[i] = bundles[idx]
	}
	return sampled
}
