// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

/*
Package polymorphicjson serializes Go interface values held in configuration structs with
the standard encoding/json package.

Each concrete type reports a type name and the name of the interface it implements through
JSONIdentifiable. On marshal, two discriminator fields ("json_type" and "interface_name") are
injected in front of the concrete type's own fields. On unmarshal the discriminators select
the registered constructor, and the payload is decoded into the new instance.

Usage:

	type Optimizer interface {
		polymorphicjson.JSONIdentifiable
		Update(...) error
	}

	// Config is what users embed in their structs.
	type Config = polymorphicjson.Wrapper[Optimizer]

	type Adadelta struct {
		LearningRate float64 `json:"learning_rate"`
	}

	func (*Adadelta) JSONTags() (typeName, interfaceName string) { return "adadelta", "optimizers.Optimizer" }

	func init() {
		polymorphicjson.Register(func() Optimizer { return &Adadelta{LearningRate: 1} })
	}

Marshalling Config{Value: &Adadelta{LearningRate: 0.5}} yields:

	{"json_type":"adadelta","interface_name":"optimizers.Optimizer","learning_rate":0.5}
*/
package polymorphicjson

import (
	"bytes"
	"encoding/json"
	"sort"
	"sync"

	"github.com/gomlx/paraselect/pkg/errs"
	"github.com/pkg/errors"
)

// JSONIdentifiable is implemented by every concrete type that can be serialized polymorphically.
type JSONIdentifiable interface {
	// JSONTags returns the unique name for the concrete type and the unique name for the interface.
	JSONTags() (typeName string, interfaceName string)
}

var (
	// registry maps interface name to concrete type name to constructor.
	registry   = make(map[string]map[string]func() JSONIdentifiable)
	registryMu sync.RWMutex
)

// Register the constructor of a concrete type. The type and interface names are taken from
// the JSONTags of an instance created by the constructor. The constructor should return the
// type with its default values: fields missing from the JSON payload keep them.
//
// Registering the same names twice replaces the previous constructor.
func Register[T JSONIdentifiable](constructor func() T) {
	typeName, interfaceName := constructor().JSONTags()
	registryMu.Lock()
	defer registryMu.Unlock()
	typeMap, exists := registry[interfaceName]
	if !exists {
		typeMap = make(map[string]func() JSONIdentifiable)
		registry[interfaceName] = typeMap
	}
	typeMap[typeName] = func() JSONIdentifiable { return constructor() }
}

// Registered returns the sorted type names registered for the interface.
func Registered(interfaceName string) []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry[interfaceName]))
	for name := range registry[interfaceName] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New creates a registered concrete type with its default values.
func New[I JSONIdentifiable](interfaceName, typeName string) (I, error) {
	var zero I
	registryMu.RLock()
	constructor, found := registry[interfaceName][typeName]
	registryMu.RUnlock()
	if !found {
		return zero, errs.Configf("unknown type %q for %s, registered types are %q",
			typeName, interfaceName, Registered(interfaceName))
	}
	instance, ok := constructor().(I)
	if !ok {
		return zero, errs.Configf("type %q registered for %s does not implement %T", typeName, interfaceName, zero)
	}
	return instance, nil
}

// tags is used in the first pass of unmarshaling to extract the discriminators.
type tags struct {
	JSONType      string `json:"json_type"`
	InterfaceName string `json:"interface_name"`
}

// Wrapper holds an interface value and implements json.Marshaler and json.Unmarshaler for it.
type Wrapper[I JSONIdentifiable] struct {
	Value I
}

// Wrap value.
func Wrap[I JSONIdentifiable](value I) Wrapper[I] {
	return Wrapper[I]{Value: value}
}

// IsNil returns whether no value is set.
func (w Wrapper[I]) IsNil() bool {
	return any(w.Value) == nil
}

// MarshalJSON implements json.Marshaler.
func (w Wrapper[I]) MarshalJSON() ([]byte, error) {
	return Marshal(w.Value)
}

// UnmarshalJSON implements json.Unmarshaler.
func (w *Wrapper[I]) UnmarshalJSON(b []byte) error {
	return Unmarshal(b, &w.Value)
}

// Marshal value with its discriminators injected as the first fields.
func Marshal[I JSONIdentifiable](value I) ([]byte, error) {
	if any(value) == nil {
		return []byte("null"), nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to marshal %T", value)
	}
	payload = bytes.TrimSpace(payload)
	if len(payload) < 2 || payload[0] != '{' {
		return nil, errors.Errorf("polymorphic type %T must marshal to a JSON object, got %q", value, payload)
	}
	typeName, interfaceName := value.JSONTags()
	header, err := json.Marshal(tags{JSONType: typeName, InterfaceName: interfaceName})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var buf bytes.Buffer
	buf.Write(header[:len(header)-1]) // Drop closing brace.
	rest := bytes.TrimSpace(payload[1:])
	if len(rest) > 0 && rest[0] != '}' {
		buf.WriteByte(',')
	}
	buf.Write(rest)
	return buf.Bytes(), nil
}

// Unmarshal decodes b into a new instance of the registered type named by its discriminators.
// A "null" payload sets target to the zero value.
func Unmarshal[I JSONIdentifiable](b []byte, target *I) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		var zero I
		*target = zero
		return nil
	}
	var t tags
	if err := json.Unmarshal(b, &t); err != nil {
		return errs.New(errs.KindConfig, errors.Wrap(err, "polymorphic unmarshal failed to read type tags"))
	}
	if t.JSONType == "" {
		return errs.Configf("polymorphic unmarshal: missing \"json_type\" in %s", b)
	}
	if t.InterfaceName == "" {
		// Hand-written configuration may omit the interface name.
		name, err := findInterface[I](t.JSONType)
		if err != nil {
			return err
		}
		t.InterfaceName = name
	}
	instance, err := New[I](t.InterfaceName, t.JSONType)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, instance); err != nil {
		return errs.New(errs.KindConfig,
			errors.Wrapf(err, "polymorphic unmarshal failed to load data into %T", instance))
	}
	*target = instance
	return nil
}

// findInterface returns the only registered interface name that has a type named typeName
// implementing I.
func findInterface[I JSONIdentifiable](typeName string) (string, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	var matches []string
	for interfaceName, typeMap := range registry {
		constructor, found := typeMap[typeName]
		if !found {
			continue
		}
		if _, ok := constructor().(I); ok {
			matches = append(matches, interfaceName)
		}
	}
	switch len(matches) {
	case 0:
		return "", errs.Configf("polymorphic unmarshal: no registered type %q", typeName)
	case 1:
		return matches[0], nil
	default:
		sort.Strings(matches)
		return "", errs.Configf("polymorphic unmarshal: type %q is ambiguous (%q), set \"interface_name\"",
			typeName, matches)
	}
}
