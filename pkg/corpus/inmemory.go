// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package corpus

import (
	"iter"
	"slices"
	"sort"

	"github.com/pkg/errors"
)

// InMemory is a Source backed by slices of records.
type InMemory struct {
	name   string
	splits map[string][]Record
}

var _ Source = (*InMemory)(nil)

// NewInMemory creates a Source with the given records per split. The slices are not copied.
func NewInMemory(name string, splits map[string][]Record) *InMemory {
	return &InMemory{name: name, splits: splits}
}

// Name implements Source.
func (c *InMemory) Name() string { return c.name }

// Splits implements Source.
func (c *InMemory) Splits() []string {
	names := make([]string, 0, len(c.splits))
	for name := range c.splits {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Records implements Source. Each record is validated as it is yielded.
func (c *InMemory) Records(split string) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		records, found := c.splits[split]
		if !found {
			yield(Record{}, errors.Errorf("corpus %q has no split %q, available splits: %q", c.name, split, c.Splits()))
			return
		}
		for _, r := range records {
			if !yield(r, r.Validate()) {
				return
			}
		}
	}
}

// Len returns the number of records in the split.
func (c *InMemory) Len(split string) int {
	return len(c.splits[split])
}

// Has returns whether the corpus has the split.
func (c *InMemory) Has(split string) bool {
	return slices.Contains(c.Splits(), split)
}
