// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"path/filepath"

	"github.com/gomlx/paraselect/pkg/errs"
	"github.com/gomlx/paraselect/pkg/support/fsutil"
	"github.com/gomlx/paraselect/ui/plots"
	"github.com/spf13/cobra"
)

func plotCmd() *cobra.Command {
	var (
		run, out string
		metrics  []string
		table    bool
	)
	cmd := &cobra.Command{
		Use:   "plot",
		Short: "plot the learning curves of the evaluations of a run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if run == "" {
				return errs.Configf("--run is required")
			}
			runDir, err := fsutil.ReplaceTildeInDir(run)
			if err != nil {
				return err
			}
			points, err := plots.LoadPoints(runDir)
			if err != nil {
				return err
			}
			if table {
				points.Filter(func(p plots.Point) bool {
					for _, m := range metrics {
						if p.Metric == m {
							return true
						}
					}
					return len(metrics) == 0
				})
				fmt.Println(points.TableForMetrics())
				return nil
			}
			if out == "" {
				out = filepath.Join(runDir, "curves.png")
			}
			if err = points.Save(out, filepath.Base(runDir), metrics...); err != nil {
				return err
			}
			fmt.Printf("Learning curves saved to %q\n", out)
			return nil
		},
	}
	cmd.Flags().StringVar(&run, "run", "", "Run directory.")
	cmd.Flags().StringVar(&out, "out", "", "Output image file: its extension (.png, .svg, .pdf, ...) selects the format. "+
		"Defaults to \"curves.png\" in the run directory.")
	cmd.Flags().StringSliceVar(&metrics, "metric", []string{"loss"}, "Metrics to plot, for all evaluated splits. "+
		"Empty for all metrics.")
	cmd.Flags().BoolVar(&table, "table", false, "Print a table of the metrics instead of plotting them.")
	return cmd
}
