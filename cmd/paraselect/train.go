// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/gomlx/paraselect/pkg/evaluators"
	"github.com/gomlx/paraselect/pkg/model"
	"github.com/gomlx/paraselect/pkg/model/selector"
	"github.com/gomlx/paraselect/pkg/train"
	"github.com/gomlx/paraselect/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

type trainFlags struct {
	data      dataFlags
	params    string
	settings  string
	model     string
	run       string
	notes     string
	resume    bool
	showEvals bool
}

// loadParams reads the --params file, if given, and applies the --set settings.
func (f *trainFlags) loadParams() (train.Params, error) {
	params := train.DefaultParams()
	if f.params != "" {
		var err error
		if params, err = train.LoadParams(f.params); err != nil {
			return params, err
		}
	}
	params, paramsSet, err := commandline.ParseSettings(params, f.settings)
	if err != nil {
		return params, err
	}
	if len(paramsSet) > 0 {
		klog.Infof("parameters set:\n%s", commandline.SprintModifiedSettings(params, paramsSet))
	}
	return params, nil
}

func (f *trainFlags) loadModel() (model.Model, error) {
	if f.model == "" {
		return selector.New(), nil
	}
	return model.LoadConfig(f.model)
}

// runNotes are the notes given by the user followed by the configuration of the run.
func (f *trainFlags) runNotes(params train.Params, m model.Model) (string, error) {
	var parts []string
	if f.notes != "" {
		parts = append(parts, f.notes)
	}
	if f.params != "" {
		contents, err := os.ReadFile(f.params)
		if err != nil {
			return "", errors.Wrapf(err, "reading parameters %q", f.params)
		}
		parts = append(parts, fmt.Sprintf("Parameters file %q:\n%s", f.params, contents))
	}
	if f.settings != "" {
		parts = append(parts, fmt.Sprintf("Settings: %s", f.settings))
	}
	parts = append(parts, "Parameters:\n"+string(must.M1(json.MarshalIndent(params, "", "  "))))
	modelConfig, err := model.MarshalConfig(m)
	if err != nil {
		return "", err
	}
	parts = append(parts, "Model:\n"+string(modelConfig))
	return strings.Join(parts, "\n\n") + "\n", nil
}

func trainCmd() *cobra.Command {
	var flags trainFlags
	cmd := &cobra.Command{
		Use:   "train",
		Short: "train the paragraph selection model, evaluating and saving checkpoints to the run directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.run == "" {
				return errors.New("--run is required")
			}
			params, err := flags.loadParams()
			if err != nil {
				return err
			}
			m, err := flags.loadModel()
			if err != nil {
				return err
			}
			notes, err := flags.runNotes(params, m)
			if err != nil {
				return err
			}
			// Validated before the (possibly slow) loading of the data.
			if err = params.Validate(); err != nil {
				return err
			}
			data, err := flags.data.load(cmd.Context())
			if err != nil {
				return err
			}

			trainer := train.New(data, m, params, evaluators.Default(), flags.run, notes, flags.resume)
			if flags.data.progress {
				commandline.AttachProgressBar(trainer)
			}
			lastReports := make(map[string]*evaluators.Report)
			trainer.OnEval(func(_ *train.Trainer, split string, report *evaluators.Report) {
				lastReports[split] = report
			})
			if err = trainer.Run(cmd.Context()); err != nil {
				return err
			}
			if !flags.showEvals {
				return nil
			}
			splits := make([]string, 0, len(lastReports))
			for split := range lastReports {
				splits = append(splits, split)
			}
			sort.Strings(splits)
			for _, split := range splits {
				if err = commandline.ReportEval(os.Stdout, split, lastReports[split]); err != nil {
					return err
				}
			}
			return nil
		},
	}
	flags.data.register(cmd)
	cmd.Flags().StringVar(&flags.params, "params", "", "Training parameters file, YAML (\".yaml\" or \".yml\") or JSON. "+
		"Missing parameters take their default values.")
	cmd.Flags().StringVar(&flags.settings, "set", "", commandline.SettingsUsage(train.DefaultParams()))
	cmd.Flags().StringVar(&flags.model, "model", "", "Model configuration file, in tagged JSON. "+
		"Defaults to a selector with one hidden layer of 32 units.")
	cmd.Flags().StringVar(&flags.run, "run", "", "Run directory, where checkpoints, evaluations and notes are written.")
	cmd.Flags().StringVar(&flags.notes, "notes", "", "Notes about the run, saved with the run configuration in the run directory.")
	cmd.Flags().BoolVar(&flags.resume, "resume", false, "Resume the training from the latest checkpoint in the run directory.")
	cmd.Flags().BoolVar(&flags.showEvals, "report", true, "Print the last evaluation of each split at the end.")
	return cmd
}
