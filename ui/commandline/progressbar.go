// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/paraselect/pkg/evaluators"
	"github.com/gomlx/paraselect/pkg/train"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each time the progress bar is updated, and it should return a name and the current value when it is called.
type ExtraMetricFn func() (name, value string)

// RefreshPeriod is the time between terminal updates.
var RefreshPeriod = time.Second * 3

// progressBar holds a progressbar being displayed.
type progressBar struct {
	numSteps         int
	lastStepReported int
	bar              *progressbar.ProgressBar
	suffix           string
	totalAmount      int
	finished         bool

	// lipgloss-based rich and asynchronous display for the command-line.
	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	linesPrinted     int
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup

	// evalLoss holds the loss of the last evaluation of each split.
	evalLoss map[string]float64

	extraMetricFns []ExtraMetricFn
}

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

// Write implements io.Writer, and appends the current suffix to each line. It is the writer of
// the enclosed progressbar.ProgressBar.
func (pBar *progressBar) Write(data []byte) (n int, err error) {
	n, err = os.Stdout.Write(data)
	if err != nil {
		return n, err
	}
	_, err = os.Stdout.Write([]byte(pBar.suffix))
	if err != nil {
		return 0, err
	}
	return
}

func (pBar *progressBar) onStart(loop *train.Loop) error {
	pBar.lastStepReported = loop.GlobalStep
	pBar.numSteps = max(loop.EndStep-loop.StartStep, 1)
	pBar.bar = progressbar.NewOptions(pBar.numSteps,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(pBar),
	)
	return nil
}

func (pBar *progressBar) onStep(loop *train.Loop, loss float64) error {
	if pBar.finished || pBar.bar.IsFinished() {
		return nil
	}
	// OnStep hooks run with the step already counted.
	amount := loop.GlobalStep - pBar.lastStepReported
	if amount <= 0 {
		return nil
	}
	// Erase spurious characters from previous prints.
	pBar.suffix = "\033[J"

	update := progressBarUpdate{amount: amount}
	update.rows = append(update.rows,
		[2]string{"Global Step", fmt.Sprintf("%s of %s", humanizeInt(loop.GlobalStep), humanizeInt(loop.EndStep))},
		[2]string{"Epoch", fmt.Sprintf("%d (step %s of %s)", loop.Epoch, humanizeInt(loop.StepInEpoch),
			humanizeInt(loop.StepsPerEpoch))},
		[2]string{"Median train step duration", FormatDuration(loop.MedianTrainStepDuration())},
		[2]string{"Train loss", fmt.Sprintf("%.4f", loss)},
	)
	splits := make([]string, 0, len(pBar.evalLoss))
	for split := range pBar.evalLoss {
		splits = append(splits, split)
	}
	sort.Strings(splits)
	for _, split := range splits {
		update.rows = append(update.rows, [2]string{split + " loss", fmt.Sprintf("%.4f", pBar.evalLoss[split])})
	}
	pBar.updates <- update

	pBar.totalAmount += amount
	pBar.lastStepReported = loop.GlobalStep
	return nil
}

func (pBar *progressBar) onEval(_ *train.Trainer, split string, report *evaluators.Report) {
	if loss, found := report.Metrics["loss"]; found {
		pBar.evalLoss[split] = loss
	}
}

// finish waits for the pending updates to be printed. It is called at the end of the loop, or
// when the training fails.
func (pBar *progressBar) finish() {
	if pBar.finished {
		return
	}
	pBar.finished = true
	close(pBar.updates)
	pBar.asyncUpdatesDone.Wait()
	pBar.termenv.ShowCursor()
	fmt.Println()
}

// ProgressBarName is the name of the hooks of the progress bar.
const ProgressBarName = "paraselect.ui.commandline.progressBar"

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

type progressBarUpdate struct {
	amount int
	rows   [][2]string
}

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

// AttachProgressBar creates a commandline progress bar and attaches it to the trainer, so that
// when the Trainer is run, it displays the progression, the train loss and the loss of the
// last evaluation of each split.
//
// Optionally, one can provide extraMetrics: functions that are called at every update of
// the progress bar and should return a name (title) and a value to be included in the
// updated print-out.
func AttachProgressBar(trainer *train.Trainer, extraMetrics ...ExtraMetricFn) {
	pBar := &progressBar{
		extraMetricFns: extraMetrics,
		evalLoss:       make(map[string]float64),
		termenv:        termenv.NewOutput(os.Stdout),
		statsStyle:     lipgloss.NewStyle().PaddingLeft(8),
		updates:        make(chan progressBarUpdate, 100), // Large buffer so the training is not blocked.
	}
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	pBar.asyncUpdatesDone.Add(1)
	go pBar.draw()

	loop := trainer.Loop()
	loop.OnStart(ProgressBarName, 0, pBar.onStart)
	// Update at most 1000 times during the loop, or at least every RefreshPeriod.
	train.NTimesDuringLoop(loop, 1000, ProgressBarName, 0, pBar.onStep)
	train.PeriodicCallback(loop, RefreshPeriod, false, ProgressBarName, 0, pBar.onStep)
	loop.OnEnd(ProgressBarName, 0, func(*train.Loop, float64) error {
		pBar.finish()
		return nil
	})
	trainer.OnEval(pBar.onEval)
	trainer.OnStateChange(func(_ *train.Trainer, _, to train.State) {
		if to == train.StateFailed {
			pBar.finish()
		}
	})
}

// draw prints the updates asynchronously: the training may be faster than the terminal, in particular
// over a slow network connection.
func (pBar *progressBar) draw() {
	defer pBar.asyncUpdatesDone.Done()
	for update := range pBar.updates {
		// Exhaust the updates in the buffer:
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		pBar.statsTable.Data(lgtable.NewStringData())
		for _, row := range update.rows {
			pBar.statsTable.Row(row[0], row[1])
		}
		for _, extraMetric := range pBar.extraMetricFns {
			name, value := extraMetric()
			pBar.statsTable.Row(name, value)
		}

		// Move the cursor back over the previous print-out: table, progress bar line and new line.
		pBar.termenv.HideCursor()
		if pBar.linesPrinted > 0 {
			pBar.termenv.CursorPrevLine(pBar.linesPrinted)
		}
		pBar.linesPrinted = len(update.rows) + len(pBar.extraMetricFns) + 2 + 1

		fmt.Println(pBar.statsStyle.Render(pBar.statsTable.String()))
		_ = pBar.bar.Add(amount) // Prints progress bar line.
		fmt.Println()
		pBar.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}
