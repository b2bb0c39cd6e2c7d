// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package logflags decides which layers of the tool log, and where to.
package logflags

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var heap = false
var gcroot = false
var snapshot = false
var core = false

var logOut io.Writer = os.Stderr

// Each layer logs through one logger, so that entries handed out before
// a later Setup follow its flags.
var (
	heapLog     = newLogger()
	gcrootLog   = newLogger()
	snapshotLog = newLogger()
	coreLog     = newLogger()
)

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(logOut)
	l.SetLevel(logrus.PanicLevel)
	return l
}

func makeLogger(l *logrus.Logger, fields logrus.Fields) *logrus.Entry {
	return l.WithFields(fields)
}

func configure(l *logrus.Logger, flag bool) {
	l.SetOutput(logOut)
	if flag {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.PanicLevel)
	}
}

// Heap returns true if the clrcore package should log heap walks,
// verification and type resolution.
func Heap() bool {
	return heap
}

// HeapLogger returns a logger for the clrcore package.
func HeapLogger() *logrus.Entry {
	return makeLogger(heapLog, logrus.Fields{"layer": "heap"})
}

// GCRoot returns true if root path searches should log.
func GCRoot() bool {
	return gcroot
}

// GCRootLogger returns a logger for root path searches.
func GCRootLogger() *logrus.Entry {
	return makeLogger(gcrootLog, logrus.Fields{"layer": "gcroot"})
}

// Snapshot returns true if the snapshot loader should log.
func Snapshot() bool {
	return snapshot
}

func SnapshotLogger() *logrus.Entry {
	return makeLogger(snapshotLog, logrus.Fields{"layer": "snapshot"})
}

// Core returns true if the core file loader should log.
func Core() bool {
	return core
}

func CoreLogger() *logrus.Entry {
	return makeLogger(coreLog, logrus.Fields{"layer": "core"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets logging flags based on the contents of logstr.
// Log output goes to out, or standard error if out is nil.
func Setup(logFlag bool, logstr string, out io.Writer) error {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	heap, gcroot, snapshot, core = false, false, false, false
	if out != nil {
		logOut = out
	}
	defer func() {
		configure(heapLog, heap)
		configure(gcrootLog, gcroot)
		configure(snapshotLog, snapshot)
		configure(coreLog, core)
	}()
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	log.SetOutput(logOut)
	if logstr == "" {
		logstr = "heap"
	}
	for _, logcmd := range strings.Split(logstr, ",") {
		switch logcmd {
		case "heap":
			heap = true
		case "gcroot":
			gcroot = true
		case "snapshot":
			snapshot = true
		case "core":
			core = true
		case "all":
			heap, gcroot, snapshot, core = true, true, true, true
		default:
			return fmt.Errorf("unknown log layer %q", logcmd)
		}
	}
	return nil
}
