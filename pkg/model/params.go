// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"encoding/hex"
	"fmt"
	"math"
	"slices"

	"github.com/minio/highwayhash"
	"github.com/pkg/errors"
)

// Var is a named model variable: a dense tensor of float64 stored in row-major order.
type Var struct {
	Name   string
	Shape  []int
	Values []float64
}

// shapeSize returns the number of values for the shape.
func shapeSize(shape []int) int {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return size
}

// Params is an ordered collection of named variables: the trainable parameters of a model,
// their gradients, or the state of an optimizer.
//
// A frozen Params is a read-only snapshot: optimizers refuse to update it.
type Params struct {
	vars   []*Var
	index  map[string]int
	frozen bool
}

// NewParams creates an empty Params.
func NewParams() *Params {
	return &Params{index: make(map[string]int)}
}

// Add creates a new variable with the given shape, initialized with zeros.
// It returns an error if the name is already in use or if a dimension is not positive.
func (p *Params) Add(name string, shape ...int) (*Var, error) {
	if p.frozen {
		return nil, errors.Errorf("can't add variable %q to frozen parameters", name)
	}
	if _, found := p.index[name]; found {
		return nil, errors.Errorf("variable %q already exists", name)
	}
	for _, dim := range shape {
		if dim <= 0 {
			return nil, errors.Errorf("variable %q has invalid shape %v", name, shape)
		}
	}
	v := &Var{Name: name, Shape: slices.Clone(shape), Values: make([]float64, shapeSize(shape))}
	p.index[name] = len(p.vars)
	p.vars = append(p.vars, v)
	return v, nil
}

// Get returns the variable with the given name, or nil if it doesn't exist.
func (p *Params) Get(name string) *Var {
	idx, found := p.index[name]
	if !found {
		return nil
	}
	return p.vars[idx]
}

// Vars returns the variables in the order they were added. The slice must not be modified.
func (p *Params) Vars() []*Var { return p.vars }

// Len returns the number of variables.
func (p *Params) Len() int { return len(p.vars) }

// NumValues returns the total number of values across all variables.
func (p *Params) NumValues() int {
	var total int
	for _, v := range p.vars {
		total += len(v.Values)
	}
	return total
}

// Clone returns a deep copy. The copy is never frozen.
func (p *Params) Clone() *Params {
	c := &Params{
		vars:  make([]*Var, len(p.vars)),
		index: make(map[string]int, len(p.vars)),
	}
	for i, v := range p.vars {
		c.vars[i] = &Var{Name: v.Name, Shape: slices.Clone(v.Shape), Values: slices.Clone(v.Values)}
		c.index[v.Name] = i
	}
	return c
}

// ZerosLike returns new parameters with the same layout as p, all values zero.
func (p *Params) ZerosLike() *Params {
	z := p.Clone()
	for _, v := range z.vars {
		clear(v.Values)
	}
	return z
}

// Freeze marks the parameters as read-only and returns them, so calls can be cascaded.
// Use p.Clone().Freeze() to take a snapshot.
func (p *Params) Freeze() *Params {
	p.frozen = true
	return p
}

// Frozen returns whether the parameters are read-only.
func (p *Params) Frozen() bool { return p.frozen }

// CheckLayout returns an error if other doesn't have the same variables, in the same order with the same shapes.
func (p *Params) CheckLayout(other *Params) error {
	if len(p.vars) != len(other.vars) {
		return errors.Errorf("parameters have %d variables, expected %d", len(other.vars), len(p.vars))
	}
	for i, v := range p.vars {
		o := other.vars[i]
		if v.Name != o.Name || !slices.Equal(v.Shape, o.Shape) {
			return errors.Errorf("variable #%d is %q%v, expected %q%v", i, o.Name, o.Shape, v.Name, v.Shape)
		}
	}
	return nil
}

// Finite returns an error naming the first variable with a NaN or infinite value.
func (p *Params) Finite() error {
	for _, v := range p.vars {
		for i, x := range v.Values {
			if math.IsNaN(x) || math.IsInf(x, 0) {
				return errors.Errorf("variable %q has non-finite value %g at position %d", v.Name, x, i)
			}
		}
	}
	return nil
}

var checksumKey [32]byte

// Checksum returns a hash of the names, shapes and values of the variables.
func (p *Params) Checksum() string {
	hash, err := highwayhash.New128(checksumKey[:])
	if err != nil {
		// Only fails for keys of the wrong size.
		panic(errors.Wrap(err, "highwayhash"))
	}
	var buf [8]byte
	for _, v := range p.vars {
		_, _ = fmt.Fprintf(hash, "%s%v;", v.Name, v.Shape)
		for _, x := range v.Values {
			binary.LittleEndian.PutUint64(buf[:], math.Float64bits(x))
			_, _ = hash.Write(buf[:])
		}
	}
	return hex.EncodeToString(hash.Sum(nil))
}

// String implements fmt.Stringer, listing the variables and their shapes.
func (p *Params) String() string {
	var buf bytes.Buffer
	for i, v := range p.vars {
		if i > 0 {
			buf.WriteString(", ")
		}
		_, _ = fmt.Fprintf(&buf, "%s%v", v.Name, v.Shape)
	}
	return buf.String()
}

// GobEncode implements gob.GobEncoder.
func (p *Params) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(p.vars); err != nil {
		return nil, errors.Wrap(err, "encoding parameters")
	}
	return buf.Bytes(), nil
}

// GobDecode implements gob.GobDecoder. Decoded parameters are not frozen.
func (p *Params) GobDecode(data []byte) error {
	var vars []*Var
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&vars); err != nil {
		return errors.Wrap(err, "decoding parameters")
	}
	p.vars = vars
	p.frozen = false
	p.index = make(map[string]int, len(vars))
	for i, v := range vars {
		if len(v.Values) != shapeSize(v.Shape) {
			return errors.Errorf("decoded variable %q has %d values for shape %v", v.Name, len(v.Values), v.Shape)
		}
		p.index[v.Name] = i
	}
	return nil
}
