// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/paraselect/pkg/checkpoints"
	"github.com/gomlx/paraselect/pkg/errs"
	"github.com/gomlx/paraselect/pkg/rundir"
	"github.com/gomlx/paraselect/ui/commandline"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func checkpointsCmd() *cobra.Command {
	var (
		run    string
		backup bool
	)
	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "list the checkpoints of a run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if run == "" {
				return errs.Configf("--run is required")
			}
			dir, err := rundir.Open(run)
			if err != nil {
				return err
			}
			info, err := dir.ReadRunInfo()
			switch {
			case err == nil:
				fmt.Printf("Run %s: created %s, updated %s, resumed %d times\n", info.RunID,
					humanize.Time(info.Created), humanize.Time(info.Updated), info.ResumeCount)
			case errors.Is(err, os.ErrNotExist):
				fmt.Printf("Run directory %q has no run information\n", dir.Root())
			default:
				return err
			}
			handler, err := checkpoints.Build(dir.CheckpointsDir()).Done()
			if err != nil {
				return err
			}
			list, err := handler.List()
			if err != nil {
				return err
			}
			if err = commandline.ReportCheckpoints(os.Stdout, list); err != nil {
				return err
			}
			if backup {
				if err = handler.Backup(); err != nil {
					return err
				}
				fmt.Printf("Latest checkpoint backed up to %q\n", checkpoints.BackupDir)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&run, "run", "", "Run directory.")
	cmd.Flags().BoolVar(&backup, "backup", false, "Back up the latest checkpoint, so it is not removed by later trainings.")
	return cmd
}
