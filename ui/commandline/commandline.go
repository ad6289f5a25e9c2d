// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI training tools for the command line: a progress
// bar for the training, reports of evaluations and checkpoints, and the parsing of parameter
// settings given in a flag.
package commandline

import (
	"fmt"
	"io"
	"sort"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/paraselect/pkg/checkpoints"
	"github.com/gomlx/paraselect/pkg/evaluators"
	"github.com/gomlx/paraselect/pkg/support/polymorphicjson"
	"github.com/pkg/errors"
)

var (
	headerStyle = lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

func newTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

// ReportEval writes to w a table with the metrics of the evaluation report of split, followed by
// the evaluators that failed.
func ReportEval(w io.Writer, split string, report *evaluators.Report) error {
	table := newTable().Headers("Metric", "Value")
	for _, name := range report.MetricNames() {
		table.Row(name, fmt.Sprintf("%.4f", report.Metrics[name]))
	}
	failed := make([]string, 0, len(report.Errors))
	for name := range report.Errors {
		failed = append(failed, name)
	}
	sort.Strings(failed)
	for _, name := range failed {
		table.Row(name, "failed: "+report.Errors[name].Error())
	}
	_, err := fmt.Fprintf(w, "Results on %s (%s examples in %s batches):\n%s\n", split,
		humanizeInt(report.NumExamples), humanizeInt(report.NumBatches), table.String())
	return errors.Wrap(err, "writing evaluation report")
}

// typeName returns the JSON type of the polymorphic value, or "-".
func typeName[I polymorphicjson.JSONIdentifiable](w polymorphicjson.Wrapper[I]) string {
	if w.IsNil() {
		return "-"
	}
	name, _ := w.Value.JSONTags()
	return name
}

// ReportCheckpoints writes to w a table with the checkpoints, oldest first.
func ReportCheckpoints(w io.Writer, list []*checkpoints.Checkpoint) error {
	if len(list) == 0 {
		_, err := fmt.Fprintln(w, "No checkpoints.")
		return errors.Wrap(err, "writing checkpoints report")
	}
	table := newTable().Headers("#", "Global Step", "Epoch", "Model", "Optimizer", "Format", "Saved")
	for _, c := range list {
		md := &c.Metadata
		table.Row(
			fmt.Sprintf("%d", c.Counter),
			humanizeInt(md.GlobalStep),
			fmt.Sprintf("%d (step %s)", md.Epoch, humanizeInt(md.StepInEpoch)),
			typeName(md.Model),
			typeName(md.Optimizer),
			md.BinFormat.String(),
			humanize.Time(md.Time),
		)
	}
	_, err := fmt.Fprintln(w, table.String())
	return errors.Wrap(err, "writing checkpoints report")
}
