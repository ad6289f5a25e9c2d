// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package binfmt implements the framing of paraselect's binary files (preprocessed caches
// and checkpoints): a magic string identifying the file type, followed by the name of the
// compression used for the rest of the file.
//
// Format header:
//
//	---------------------------------------------------
//	| 0          len(magic)-1 | len(magic) | ...       |
//	---------------------------------------------------
//	|  magic                  | len        |  codec    |
package binfmt

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"io"
	"path/filepath"
	"strings"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

// Format is the compression used after the header.
type Format int

const (
	// Gzip compression, the default.
	Gzip Format = iota

	// Snappy framed compression: faster, larger files.
	Snappy

	// Uncompressed data.
	Uncompressed
)

var formatNames = []string{"gzip", "snappy", "uncompressed"}

// String implements fmt.Stringer. It is also the codec name written in the header.
func (f Format) String() string {
	if f < 0 || int(f) >= len(formatNames) {
		return "unknown"
	}
	return formatNames[f]
}

// ParseFormat converts a name (as returned by Format.String) back to a Format.
func ParseFormat(name string) (Format, error) {
	for i, n := range formatNames {
		if strings.EqualFold(n, name) {
			return Format(i), nil
		}
	}
	return Gzip, errors.Wrapf(ErrUnsupportedFormat, "%q (valid values are %q)", name, formatNames)
}

// MarshalText implements encoding.TextMarshaler, so formats can be used in JSON and YAML configuration.
func (f Format) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Format) UnmarshalText(text []byte) error {
	parsed, err := ParseFormat(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// FormatFromPath chooses the format from the file extension: ".sz" for Snappy, ".bin" or
// ".raw" for Uncompressed, and Gzip otherwise.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".sz", ".snappy":
		return Snappy
	case ".bin", ".raw":
		return Uncompressed
	default:
		return Gzip
	}
}

var (
	// ErrBadMagic is returned when a file doesn't start with the expected magic string.
	ErrBadMagic = errors.New("bad file header")

	// ErrUnsupportedFormat is returned for unknown codec names.
	ErrUnsupportedFormat = errors.New("unsupported compression format")
)

// maxCodecName limits the codec name length read from corrupt headers.
const maxCodecName = 32

// writer closes the compression layer and flushes the buffered underlying writer.
type writer struct {
	io.Writer
	closers []io.Closer
	buf     *bufio.Writer
}

// Close flushes the compression layer and the buffer, but doesn't close the underlying writer.
func (w *writer) Close() error {
	for _, c := range w.closers {
		if err := c.Close(); err != nil {
			return errors.Wrap(err, "failed to flush compressed data")
		}
	}
	return errors.Wrap(w.buf.Flush(), "failed to flush")
}

// NewWriter writes the header to w and returns a writer for the (compressed) contents.
// Closing the returned writer flushes everything, but doesn't close w.
func NewWriter(w io.Writer, magic string, format Format) (io.WriteCloser, error) {
	buf := bufio.NewWriter(w)
	codec := format.String()
	if format < Gzip || format > Uncompressed {
		return nil, errors.Wrapf(ErrUnsupportedFormat, "format %d", int(format))
	}
	header := make([]byte, 0, len(magic)+1+len(codec))
	header = append(header, magic...)
	header = append(header, byte(len(codec)))
	header = append(header, codec...)
	if _, err := buf.Write(header); err != nil {
		return nil, errors.Wrap(err, "write header")
	}
	switch format {
	case Gzip:
		gz := gzip.NewWriter(buf)
		return &writer{Writer: gz, closers: []io.Closer{gz}, buf: buf}, nil
	case Snappy:
		sz := snappy.NewBufferedWriter(buf)
		return &writer{Writer: sz, closers: []io.Closer{sz}, buf: buf}, nil
	default:
		return &writer{Writer: buf, buf: buf}, nil
	}
}

// reader closes the decompression layer, if any.
type reader struct {
	io.Reader
	closer io.Closer
}

func (r *reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// NewReader reads and checks the header from r, and returns a reader for the decompressed
// contents and the format used. Closing the returned reader doesn't close r.
func NewReader(r io.Reader, magic string) (io.ReadCloser, Format, error) {
	buf := bufio.NewReader(r)
	got := make([]byte, len(magic))
	if _, err := io.ReadFull(buf, got); err != nil {
		return nil, Gzip, errors.Wrapf(ErrBadMagic, "reading header: %v", err)
	}
	if string(got) != magic {
		return nil, Gzip, errors.Wrapf(ErrBadMagic, "expected %q, got %q", magic, got)
	}
	var codecLen uint8
	if err := binary.Read(buf, binary.BigEndian, &codecLen); err != nil {
		return nil, Gzip, errors.Wrapf(ErrBadMagic, "reading header: %v", err)
	}
	if codecLen == 0 || codecLen > maxCodecName {
		return nil, Gzip, errors.Wrapf(ErrBadMagic, "invalid codec name length %d", codecLen)
	}
	codec := make([]byte, codecLen)
	if _, err := io.ReadFull(buf, codec); err != nil {
		return nil, Gzip, errors.Wrapf(ErrBadMagic, "reading header: %v", err)
	}
	format, err := ParseFormat(string(codec))
	if err != nil {
		return nil, Gzip, err
	}
	switch format {
	case Gzip:
		gz, err := gzip.NewReader(buf)
		if err != nil {
			return nil, format, errors.Wrap(err, "read gzip header")
		}
		return &reader{Reader: gz, closer: gz}, format, nil
	case Snappy:
		return &reader{Reader: snappy.NewReader(buf)}, format, nil
	default:
		return &reader{Reader: buf}, format, nil
	}
}
