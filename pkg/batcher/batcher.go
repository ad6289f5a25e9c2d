// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package batcher groups feature bundles into batches of similar size.
//
// Clustered sorts the bundles of a split by a size key (by default the number of paragraphs),
// cuts the sorted sequence into batches, and optionally shuffles the order of the batches.
// Since every batch is padded to its largest bundle, batching bundles of similar size wastes
// less computation on padding.
package batcher

import (
	"math/rand"
	"sort"

	"github.com/gomlx/paraselect/pkg/errs"
	"github.com/gomlx/paraselect/pkg/featurize"
)

// Batch is an ordered group of bundles.
type Batch []*featurize.Bundle

// SortKey returns the size of a bundle used to cluster the batches.
type SortKey interface {
	Key(b *featurize.Bundle) int
}

// SortKeyFunc adapts a function to SortKey.
type SortKeyFunc func(b *featurize.Bundle) int

// Key implements SortKey.
func (fn SortKeyFunc) Key(b *featurize.Bundle) int { return fn(b) }

var (
	// NParagraphs sorts by number of paragraphs.
	NParagraphs SortKey = SortKeyFunc((*featurize.Bundle).NumParagraphs)

	// NTokens sorts by total number of tokens.
	NTokens SortKey = SortKeyFunc((*featurize.Bundle).NumTokens)
)

// Clustered batches bundles of similar size together.
type Clustered struct {
	batchSize       int
	sortKey         SortKey
	shuffleClusters bool
	dropIncomplete  bool
}

// NewClustered creates a Clustered batcher. If shuffleClusters is false the batches are
// deterministic; if dropIncomplete is true the last batch is dropped when it has fewer than
// batchSize bundles.
func NewClustered(batchSize int, sortKey SortKey, shuffleClusters, dropIncomplete bool) (*Clustered, error) {
	if batchSize < 1 {
		return nil, errs.Configf("batch size must be >= 1, got %d", batchSize)
	}
	if sortKey == nil {
		sortKey = NParagraphs
	}
	return &Clustered{
		batchSize:       batchSize,
		sortKey:         sortKey,
		shuffleClusters: shuffleClusters,
		dropIncomplete:  dropIncomplete,
	}, nil
}

// BatchSize returns the configured number of bundles per batch.
func (c *Clustered) BatchSize() int { return c.batchSize }

// Shuffles returns whether the order of the batches is shuffled each epoch.
func (c *Clustered) Shuffles() bool { return c.shuffleClusters }

// NumBatches returns the number of batches Epoch returns for n bundles.
func (c *Clustered) NumBatches(n int) int {
	if c.dropIncomplete {
		return n / c.batchSize
	}
	return (n + c.batchSize - 1) / c.batchSize
}

// Epoch returns the batches for one pass over bundles. The rng is only used if shuffling the
// clusters, and can be nil otherwise. The bundles slice is not modified.
//
// Within a batch, bundles are sorted by key, ties broken by their position in bundles.
func (c *Clustered) Epoch(bundles []*featurize.Bundle, rng *rand.Rand) []Batch {
	type keyed struct {
		index, key int
	}
	order := make([]keyed, len(bundles))
	for i, b := range bundles {
		order[i] = keyed{index: i, key: c.sortKey.Key(b)}
	}
	sort.SliceStable(order, func(i, j int) bool { return order[i].key < order[j].key })

	numBatches := c.NumBatches(len(bundles))
	batches := make([]Batch, numBatches)
	for i := range batches {
		start := i * c.batchSize
		end := min(start+c.batchSize, len(order))
		batch := make(Batch, end-start)
		for j := range batch {
			batch[j] = bundles[order[start+j].index]
		}
		batches[i] = batch
	}
	if c.shuffleClusters && rng != nil {
		rng.Shuffle(len(batches), func(i, j int) { batches[i], batches[j] = batches[j], batches[i] })
	}
	return batches
}
