// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package polymorphicjson_test

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/gomlx/paraselect/pkg/errs"
	. "github.com/gomlx/paraselect/pkg/support/polymorphicjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Scheduler interface {
	JSONIdentifiable
	Plan() string
}

type Warmup struct {
	Steps int `json:"steps"`
}

func (w *Warmup) JSONTags() (string, string) { return "warmup", "test.Scheduler" }
func (w *Warmup) Plan() string                { return fmt.Sprintf("warmup for %d steps", w.Steps) }

type Constant struct{}

func (*Constant) JSONTags() (string, string) { return "constant", "test.Scheduler" }
func (*Constant) Plan() string                { return "constant" }

func init() {
	Register(func() Scheduler { return &Warmup{Steps: 100} })
	Register(func() Scheduler { return &Constant{} })
}

type runConfig struct {
	Name      string             `json:"name"`
	Scheduler Wrapper[Scheduler] `json:"scheduler"`
}

func TestRoundTrip(t *testing.T) {
	cfg := runConfig{Name: "r1", Scheduler: Wrap[Scheduler](&Warmup{Steps: 500})}
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	assert.Equal(t,
		`{"name":"r1","scheduler":{"json_type":"warmup","interface_name":"test.Scheduler","steps":500}}`,
		string(data))

	var loaded runConfig
	require.NoError(t, json.Unmarshal(data, &loaded))
	assert.Equal(t, "warmup for 500 steps", loaded.Scheduler.Value.Plan())

	// Empty structs still get their tags.
	data, err = json.Marshal(Wrap[Scheduler](&Constant{}))
	require.NoError(t, err)
	assert.Equal(t, `{"json_type":"constant","interface_name":"test.Scheduler"}`, string(data))

	// Nil values round-trip as null.
	data, err = json.Marshal(runConfig{Name: "r2"})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &loaded))
	assert.True(t, loaded.Scheduler.IsNil())
}

func TestDefaultsAndOmittedInterfaceName(t *testing.T) {
	var loaded runConfig
	require.NoError(t, json.Unmarshal([]byte(`{"scheduler": {"json_type": "warmup"}}`), &loaded))
	warmup, ok := loaded.Scheduler.Value.(*Warmup)
	require.True(t, ok)
	assert.Equal(t, 100, warmup.Steps, "missing fields keep the constructor defaults")
}

func TestUnknownType(t *testing.T) {
	var loaded runConfig
	err := json.Unmarshal([]byte(`{"scheduler": {"json_type": "cosine", "interface_name": "test.Scheduler"}}`), &loaded)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindConfig))
	assert.Contains(t, err.Error(), `"constant" "warmup"`)
	assert.Equal(t, []string{"constant", "warmup"}, Registered("test.Scheduler"))
}
