// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"

	"github.com/gomlx/paraselect/pkg/errs"
	"github.com/gomlx/paraselect/pkg/support/fsutil"
	"github.com/gomlx/paraselect/pkg/train"
	"github.com/pkg/errors"
)

// SettingsSeparator separates the keys of nested parameters, as in "optimizer/learning_rate".
const SettingsSeparator = "/"

// ParseSettings applies settings -- typically the contents of a flag set by the user -- on top of
// params. The settings are a list separated by ";": e.g.: "batch_size=32;eval_samples/dev=1000;...".
//
// The keys are the JSON/YAML keys of train.Params. Nested values are set with a path, e.g.
// "optimizer/learning_rate=0.5". Except for the splits of "eval_samples", the keys must already
// exist in params: their current value define the type to which the string value is parsed.
//
// A setting "file:<path>" reads the settings from the file, one or more per line, skipping empty
// lines and lines starting with "#".
//
// For numbers, "_" is removed: it allows one to enter large numbers using it as a separator,
// like in Go. E.g.: 1_000_000 = 1000000.
//
// It returns the updated parameters, and the paths set, in the order given. Errors are KindConfig.
//
// Example usage:
//
//	params := must.M1(train.LoadParams(paramsPath))
//	params, paramsSet, err := commandline.ParseSettings(params, settingsFlag)
//	if err != nil { ... }
//	fmt.Println(commandline.SprintModifiedSettings(params, paramsSet))
func ParseSettings(params train.Params, settings string) (train.Params, []string, error) {
	tree, err := paramsTree(params)
	if err != nil {
		return params, nil, err
	}
	var paramsSet []string
	for _, setting := range strings.Split(settings, ";") {
		paramsSet, err = parseSetting(tree, setting, paramsSet)
		if err != nil {
			return params, nil, errs.New(errs.KindConfig, err)
		}
	}
	data, err := json.Marshal(tree)
	if err != nil {
		return params, nil, errs.New(errs.KindConfig, errors.Wrap(err, "encoding settings"))
	}
	newParams, err := train.ParseParams(data, false)
	if err != nil {
		return params, nil, errors.WithMessagef(err, "applying settings %q", settings)
	}
	return newParams, paramsSet, nil
}

// paramsTree converts params to their generic JSON form.
func paramsTree(params train.Params) (map[string]any, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return nil, errs.New(errs.KindConfig, errors.Wrap(err, "encoding parameters"))
	}
	var tree map[string]any
	if err = json.Unmarshal(data, &tree); err != nil {
		return nil, errs.New(errs.KindConfig, errors.Wrap(err, "decoding parameters"))
	}
	return tree, nil
}

func parseSetting(tree map[string]any, setting string, paramsSet []string) ([]string, error) {
	setting = strings.TrimSpace(setting)
	if setting == "" {
		return paramsSet, nil
	}
	if strings.HasPrefix(setting, "file:") {
		filePath, err := fsutil.ReplaceTildeInDir(strings.TrimPrefix(setting, "file:"))
		if err != nil {
			return paramsSet, err
		}
		contents, err := os.ReadFile(filePath)
		if err != nil {
			return paramsSet, errors.Wrapf(err, "failed to read settings from file %q", filePath)
		}
		for _, line := range strings.Split(string(contents), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			for _, s := range strings.Split(line, ";") {
				paramsSet, err = parseSetting(tree, s, paramsSet)
				if err != nil {
					return paramsSet, err
				}
			}
		}
		return paramsSet, nil
	}

	paramPath, valueStr, found := strings.Cut(setting, "=")
	if !found {
		return paramsSet, errors.Errorf("can't parse setting %q: each setting requires the format \"<param>=<value>\"", setting)
	}
	keys := strings.Split(strings.TrimSpace(paramPath), SettingsSeparator)
	node := tree
	for i, key := range keys[:len(keys)-1] {
		child, ok := node[key].(map[string]any)
		if !ok {
			if node[key] == nil && key == "eval_samples" && i == 0 {
				child = make(map[string]any)
				node[key] = child
			} else {
				return paramsSet, errors.Errorf("can't set parameter %q: %q is not a group of parameters",
					paramPath, strings.Join(keys[:i+1], SettingsSeparator))
			}
		}
		node = child
	}
	key := keys[len(keys)-1]
	current, known := node[key]
	isSplit := len(keys) == 2 && keys[0] == "eval_samples"
	if !known && !isSplit {
		return paramsSet, errors.Errorf("can't set parameter %q: unknown parameter", paramPath)
	}
	if isSplit && current == nil {
		current = float64(0)
	}
	value, err := parseValue(current, valueStr)
	if err != nil {
		return paramsSet, errors.WithMessagef(err, "failed to parse value %q for parameter %q (current value is %v)",
			valueStr, paramPath, current)
	}
	node[key] = value
	return append(paramsSet, paramPath), nil
}

// parseValue parses valueStr to the JSON type of current.
func parseValue(current any, valueStr string) (any, error) {
	valueStr = strings.TrimSpace(valueStr)
	switch current.(type) {
	case float64:
		if valueStr == "null" {
			return nil, nil
		}
		var v float64
		err := json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), &v)
		return v, errors.WithStack(err)
	case bool:
		var v bool
		err := json.Unmarshal([]byte(valueStr), &v)
		return v, errors.WithStack(err)
	case string:
		return valueStr, nil
	case nil:
		// Unset values are given in JSON.
		var v any
		err := json.Unmarshal([]byte(valueStr), &v)
		return v, errors.WithStack(err)
	default:
		return nil, errors.Errorf("don't know how to parse a value for a %T parameter, set its individual fields instead", current)
	}
}

// flatten lists the leaf values of the tree by path.
func flatten(prefix string, tree map[string]any, values map[string]any) {
	for key, value := range tree {
		path := key
		if prefix != "" {
			path = prefix + SettingsSeparator + key
		}
		if sub, ok := value.(map[string]any); ok {
			flatten(path, sub, values)
			continue
		}
		values[path] = value
	}
}

// SettingsUsage describes the settings flag, with the parameters that can be set and their
// values in params.
func SettingsUsage(params train.Params) string {
	parts := []string{
		`Set training parameters. ` +
			`It should be a list of elements "param=value" separated by ";". ` +
			fmt.Sprintf(`Nested parameters use %q to separate keys. `, SettingsSeparator) +
			`It can also be given an entry like: "file:settings_file.txt", in ` +
			`which case the file will be read and the settings will be parsed, ` +
			`with new-lines working as ";" to separate settings and lines starting with "#" are considered comments. ` +
			`Current available parameters that can be set:`,
	}
	parts = append(parts, SprintSettings(params))
	return strings.Join(parts, "\n")
}

// SprintSettings pretty-prints the values of all the parameters, sorted by path.
func SprintSettings(params train.Params) string {
	tree, err := paramsTree(params)
	if err != nil {
		return err.Error()
	}
	values := make(map[string]any)
	flatten("", tree, values)
	paths := make([]string, 0, len(values))
	for path := range values {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	parts := make([]string, len(paths))
	for i, path := range paths {
		parts[i] = fmt.Sprintf("\t%q: %v", path, values[path])
	}
	return strings.Join(parts, "\n")
}

// SprintModifiedSettings pretty-prints the values of the parameters in paramsSet, as returned
// by ParseSettings.
func SprintModifiedSettings(params train.Params, paramsSet []string) string {
	tree, err := paramsTree(params)
	if err != nil {
		return err.Error()
	}
	values := make(map[string]any)
	flatten("", tree, values)
	paramsSet = slices.Clone(paramsSet)
	slices.Sort(paramsSet)
	paramsSet = slices.Compact(paramsSet)
	var parts []string
	for _, path := range paramsSet {
		value, found := values[path]
		if !found {
			continue
		}
		parts = append(parts, fmt.Sprintf("\t%q: %v", path, value))
	}
	return strings.Join(parts, "\n")
}
