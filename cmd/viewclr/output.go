// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/inhies/go-bytesize"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

var (
	stdout   io.Writer = os.Stdout
	colorize bool
)

const (
	colorAddr  = "\x1b[36m"
	colorType  = "\x1b[33m"
	colorWarn  = "\x1b[31m"
	colorReset = "\x1b[0m"
)

// setupOutput decides whether output is colored. mode is the color
// option of the configuration file.
func setupOutput(mode string) {
	switch mode {
	case "always":
		colorize = true
	case "never":
		colorize = false
	default:
		colorize = isatty.IsTerminal(os.Stdout.Fd())
	}
	if colorize {
		stdout = colorable.NewColorableStdout()
	}
}

func paint(color, s string) string {
	if !colorize {
		return s
	}
	return color + s + colorReset
}

func addr(a uint64) string {
	return paint(colorAddr, fmt.Sprintf("%x", a))
}

func typeName(name string) string {
	return paint(colorType, name)
}

// size formats n bytes for humans.
func size(n int64) string {
	return bytesize.New(float64(n)).String()
}

func newTable(flags uint) *tabwriter.Writer {
	return tabwriter.NewWriter(stdout, 0, 0, 1, ' ', flags)
}
