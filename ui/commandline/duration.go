// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/exp/constraints"
)

// FormatDuration pretty prints duration without a long list of decimal points: at most 2 decimal
// places below one minute, and rounded to the second above.
func FormatDuration(d time.Duration) string {
	switch {
	case d < time.Microsecond:
		return d.String()
	case d < time.Millisecond:
		return fmt.Sprintf("%.2fµs", float64(d)/float64(time.Microsecond))
	case d < time.Second:
		return fmt.Sprintf("%.2fms", float64(d)/float64(time.Millisecond))
	case d < time.Minute:
		return fmt.Sprintf("%.2fs", d.Seconds())
	default:
		return d.Round(time.Second).String()
	}
}

// humanizeInt formats n with thousands separators.
func humanizeInt[I constraints.Integer](n I) string {
	return humanize.Comma(int64(n))
}
