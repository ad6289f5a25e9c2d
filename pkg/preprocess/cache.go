// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package preprocess

import (
	"encoding/gob"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/paraselect/pkg/errs"
	"github.com/gomlx/paraselect/pkg/featurize"
	"github.com/gomlx/paraselect/pkg/support/binfmt"
	"github.com/gomlx/paraselect/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// cacheMagic starts every cache file.
	cacheMagic = "paraselect_preprocessed"

	// CacheVersion is the version of the cache file contents. Caches of other versions are rejected.
	CacheVersion = 1
)

// cacheSignature holds the options that change the contents of the splits. A cache is only
// valid for the same signature.
type cacheSignature struct {
	HoldOut           *HoldOut
	Sample, SampleDev int
	SampleSeed        int64
	EvalOnVerified    bool
	PruneNoAnswer     bool
}

func signatureOf(opts Options) cacheSignature {
	return cacheSignature{
		HoldOut:        opts.HoldOut,
		Sample:         opts.Sample,
		SampleDev:      opts.SampleDev,
		SampleSeed:     opts.SampleSeed,
		EvalOnVerified: opts.EvalOnVerified,
		PruneNoAnswer:  opts.PruneNoAnswer,
	}
}

func (s cacheSignature) equal(other cacheSignature) bool {
	if (s.HoldOut == nil) != (other.HoldOut == nil) {
		return false
	}
	if s.HoldOut != nil && *s.HoldOut != *other.HoldOut {
		return false
	}
	s.HoldOut, other.HoldOut = nil, nil
	return s == other
}

// cacheHeader is the first gob value of a cache file, followed by one cachedSplit per split.
type cacheHeader struct {
	Version               int
	FeaturizerName        string
	FeaturizerFingerprint string
	FeatureDim            int
	Signature             cacheSignature
	Splits                []string
	Sizes                 map[string]int
	Stats                 map[string]SplitStats
	CreatedAt             time.Time
}

type cachedSplit struct {
	Name    string
	Bundles []*featurize.Bundle
}

// Cache writes the preprocessed splits to path atomically.
//
// The compression is chosen by the path extension: ".sz" for Snappy, ".bin" or ".raw" for
// uncompressed, and gzip otherwise.
func (d *Data) Cache(path string) error {
	if !d.populated {
		return errs.Configf("Cache: nothing to cache, call Preprocess first")
	}
	names := d.SplitNames()
	header := cacheHeader{
		Version:               CacheVersion,
		FeaturizerName:        d.featurizer.Name(),
		FeaturizerFingerprint: d.featurizer.Fingerprint(),
		FeatureDim:            d.featurizer.Dim(),
		Signature:             signatureOf(d.opts),
		Splits:                names,
		Sizes:                 make(map[string]int, len(names)),
		Stats:                 d.Stats(),
		CreatedAt:             time.Now(),
	}
	for _, name := range names {
		header.Sizes[name] = len(d.splits[name])
	}
	format := binfmt.FormatFromPath(path)
	err := fsutil.WriteFileAtomic(path, func(w io.Writer) error {
		zw, err := binfmt.NewWriter(w, cacheMagic, format)
		if err != nil {
			return err
		}
		enc := gob.NewEncoder(zw)
		if err = enc.Encode(&header); err != nil {
			return errors.Wrap(err, "encoding cache header")
		}
		for _, name := range names {
			if err = enc.Encode(&cachedSplit{Name: name, Bundles: d.splits[name]}); err != nil {
				return errors.Wrapf(err, "encoding split %q", name)
			}
		}
		return zw.Close()
	})
	if err != nil {
		return errs.WrapCache(err, "writing preprocessed cache %q", path)
	}
	if info, statErr := os.Stat(path); statErr == nil {
		klog.Infof("cached preprocessed data to %q (%s, %s)", path, humanize.Bytes(uint64(info.Size())), format)
	}
	return nil
}

// Load reads the splits from a cache written by Cache. It returns a CacheError if the file is
// missing, corrupt or of another version, or if it was built with a different featurizer or
// different preprocessing options.
//
// A failed Load leaves the data unpopulated, so Preprocess can still be called.
func (d *Data) Load(path string) error {
	if d.populated {
		return errs.Configf("Load: preprocessed data already populated, Preprocess and Load can only be called once")
	}
	f, err := os.Open(path)
	if err != nil {
		return errs.WrapCache(err, "opening preprocessed cache")
	}
	defer func() { _ = f.Close() }()
	r, _, err := binfmt.NewReader(f, cacheMagic)
	if err != nil {
		return errs.WrapCache(err, "reading preprocessed cache %q", path)
	}
	defer func() { _ = r.Close() }()

	dec := gob.NewDecoder(r)
	var header cacheHeader
	if err = dec.Decode(&header); err != nil {
		return errs.WrapCache(err, "corrupt preprocessed cache %q header", path)
	}
	if header.Version != CacheVersion {
		return errs.Cachef("preprocessed cache %q has version %d, only version %d is supported",
			path, header.Version, CacheVersion)
	}
	if header.FeaturizerName != d.featurizer.Name() || header.FeaturizerFingerprint != d.featurizer.Fingerprint() {
		return errs.Cachef("preprocessed cache %q was built with featurizer %s (fingerprint %s), but %s (fingerprint %s) is configured",
			path, header.FeaturizerName, header.FeaturizerFingerprint, d.featurizer.Name(), d.featurizer.Fingerprint())
	}
	if !header.Signature.equal(signatureOf(d.opts)) {
		return errs.Cachef("preprocessed cache %q was built with different preprocessing options (%+v)", path, header.Signature)
	}

	splits := make(map[string][]*featurize.Bundle, len(header.Splits))
	for _, name := range header.Splits {
		var split cachedSplit
		if err = dec.Decode(&split); err != nil {
			return errs.WrapCache(err, "corrupt preprocessed cache %q reading split %q", path, name)
		}
		if split.Name != name || len(split.Bundles) != header.Sizes[name] {
			return errs.Cachef("corrupt preprocessed cache %q: expected split %q with %d bundles, got %q with %d",
				path, name, header.Sizes[name], split.Name, len(split.Bundles))
		}
		if split.Bundles == nil {
			split.Bundles = []*featurize.Bundle{}
		}
		splits[name] = split.Bundles
	}
	d.splits = splits
	d.stats = header.Stats
	if d.stats == nil {
		d.stats = make(map[string]SplitStats)
	}
	d.populated = true
	klog.V(1).Infof("loaded preprocessed cache %q created %s", path, humanize.Time(header.CreatedAt))
	return nil
}
