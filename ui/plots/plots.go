// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package plots builds learning curves from the evaluation log of a run directory: as tables
// for the terminal, or as images rendered with gonum/plot.
package plots

import (
	"fmt"
	"math"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/paraselect/pkg/errs"
	"github.com/gomlx/paraselect/pkg/rundir"
	"github.com/gomlx/paraselect/pkg/support/sets"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"
)

// Point represents one metric of one split at one evaluation.
type Point struct {
	// Split evaluated, e.g. "held-out".
	Split string

	// Metric name, e.g. "loss" or "any-top-1".
	Metric string

	// Step is the global step this metric was measured.
	// Usually, this is an int value, stored as a float64.
	Step float64

	// Value is the metric captured.
	Value float64
}

// Name of the series of the point: "<split>: <metric>".
func (p Point) Name() string { return p.Split + ": " + p.Metric }

// PointsFromEvals converts the entries of an evaluation log to points. Non-finite values are skipped.
func PointsFromEvals(entries []rundir.EvalEntry) []Point {
	var points []Point
	for _, entry := range entries {
		names := make([]string, 0, len(entry.Metrics))
		for name := range entry.Metrics {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			value := entry.Metrics[name]
			if math.IsNaN(value) || math.IsInf(value, 0) {
				continue
			}
			points = append(points, Point{Split: entry.Split, Metric: name, Step: float64(entry.Step), Value: value})
		}
	}
	return points
}

// LoadPoints reads the points of the evaluation log of the run directory.
func LoadPoints(runDir string) (Points, error) {
	dir, err := rundir.Open(runDir)
	if err != nil {
		return nil, err
	}
	entries, err := dir.ReadEvals()
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		klog.Warningf("no evaluations in %q yet", dir.Root())
	}
	return NewPoints(PointsFromEvals(entries)), nil
}

// Points is a collection of Point objects organized by their Step value.
// It's a `map[float64][]Point` with several utility methods.
type Points map[float64][]Point

// NewPoints create a Points object from a collection of individual `Point`.
func NewPoints(rawPoints []Point) (points Points) {
	points = make(map[float64][]Point)
	for _, p := range rawPoints {
		points[p.Step] = append(points[p.Step], p)
	}
	return points
}

// steps returns the sorted steps.
func (points Points) steps() []float64 {
	steps := make([]float64, 0, len(points))
	for step := range points {
		steps = append(steps, step)
	}
	slices.Sort(steps)
	return steps
}

// Map executes the given function on all individual points, in `Step` order.
// Note that if `p.Step` change, it is not re-indexed.
func (points Points) Map(fn func(p *Point)) {
	for _, step := range points.steps() {
		stepPoints := points[step]
		for ii := range stepPoints {
			fn(&stepPoints[ii])
		}
	}
}

// Filter only keeps those points for which `fn` returns true, removing the other ones.
func (points Points) Filter(fn func(p Point) bool) {
	for _, step := range points.steps() {
		stepPoints := points[step]
		newStepPoints := make([]Point, 0, len(stepPoints))
		for _, pt := range stepPoints {
			if fn(pt) {
				newStepPoints = append(newStepPoints, pt)
			}
		}
		if len(newStepPoints) == 0 {
			delete(points, step)
		} else {
			points[step] = newStepPoints
		}
	}
}

// Extract converts the [Points] structure back to a list of individual points.
// The output is sorted by [Point.Step].
func (points Points) Extract() (rawPoints []Point) {
	points.Map(func(p *Point) {
		rawPoints = append(rawPoints, *p)
	})
	return
}

// Names return the sorted names of the series (see Point.Name) in the collection.
func (points Points) Names() []string {
	names := sets.Make[string]()
	points.Map(func(p *Point) { names.Insert(p.Name()) })
	return sets.Sorted(names)
}

// Series returns the points of each series, in step order.
func (points Points) Series() map[string][]Point {
	series := make(map[string][]Point)
	points.Map(func(p *Point) { series[p.Name()] = append(series[p.Name()], *p) })
	return series
}

// TableForMetrics returns a table with the first column being the `Step` followed
// by the columns of the series given by name. If `names` is empty, it will include all series.
func (points Points) TableForMetrics(names ...string) string {
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	headerStyle := lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	if len(names) == 0 {
		names = points.Names()
	}
	headers := []string{"Step"}
	headers = append(headers, names...)
	table.Headers(headers...)
	for _, step := range points.steps() {
		row := make([]string, 1+len(names))
		row[0] = fmt.Sprintf("%.0f", step)
		for _, pt := range points[step] {
			if idx := slices.Index(names, pt.Name()); idx != -1 {
				row[idx+1] = fmt.Sprintf("%.4f", pt.Value)
			}
		}
		table.Row(row...)
	}
	return table.String()
}

func (points Points) String() string {
	return points.TableForMetrics()
}

// Default size of the saved plots.
var (
	DefaultWidth  = 12 * vg.Inch
	DefaultHeight = 6 * vg.Inch
)

// Save plots the learning curves of the given metrics (all splits of each), or all metrics if
// none are given, to filePath. The image format is taken from the extension: ".png", ".svg",
// ".pdf", ".jpg" and others supported by gonum/plot.
func (points Points) Save(filePath, title string, metrics ...string) error {
	series := points.Series()
	names := make([]string, 0, len(series))
	for name, pts := range series {
		if len(metrics) == 0 || slices.Contains(metrics, pts[0].Metric) {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return errs.Configf("no points for metrics %q, available series: %q", metrics, points.Names())
	}
	sort.Strings(names)

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "global step"
	p.Y.Label.Text = strings.Join(metrics, ", ")
	p.Legend.Top = true
	p.Add(plotter.NewGrid())
	var lines []any
	for _, name := range names {
		pts := series[name]
		xys := make(plotter.XYs, len(pts))
		for i, pt := range pts {
			xys[i].X, xys[i].Y = pt.Step, pt.Value
		}
		lines = append(lines, name, xys)
	}
	if err := plotutil.AddLinePoints(p, lines...); err != nil {
		return errors.Wrap(err, "creating plot lines")
	}
	if err := p.Save(DefaultWidth, DefaultHeight, filePath); err != nil {
		return errors.Wrapf(err, "saving plot to %q (format %q)", filePath, filepath.Ext(filePath))
	}
	return nil
}
