// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package logflags

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestSetup(t *testing.T) {
	defer Setup(false, "", nil)

	for _, test := range []struct {
		flag    bool
		logstr  string
		wantErr bool
		want    [4]bool // heap, gcroot, snapshot, core
	}{
		{false, "", false, [4]bool{}},
		{false, "heap", true, [4]bool{}},
		{true, "", false, [4]bool{true, false, false, false}},
		{true, "gcroot,core", false, [4]bool{false, true, false, true}},
		{true, "all", false, [4]bool{true, true, true, true}},
		{true, "heap,bogus", true, [4]bool{true, false, false, false}},
	} {
		err := Setup(test.flag, test.logstr, nil)
		if (err != nil) != test.wantErr {
			t.Errorf("Setup(%v, %q) error = %v, wantErr %v", test.flag, test.logstr, err, test.wantErr)
		}
		got := [4]bool{Heap(), GCRoot(), Snapshot(), Core()}
		if got != test.want {
			t.Errorf("Setup(%v, %q) layers = %v, want %v", test.flag, test.logstr, got, test.want)
		}
	}
}

func TestLoggerOutput(t *testing.T) {
	var buf bytes.Buffer
	if err := Setup(true, "gcroot", &buf); err != nil {
		t.Fatal(err)
	}
	defer Setup(false, "", nil)

	GCRootLogger().Debug("searching")
	HeapLogger().Debug("silent")
	out := buf.String()
	if !strings.Contains(out, "layer=gcroot") || !strings.Contains(out, "searching") {
		t.Errorf("gcroot logger output = %q", out)
	}
	if strings.Contains(out, "silent") {
		t.Errorf("disabled heap logger wrote %q", out)
	}
	if l := HeapLogger().Logger.Level; l != logrus.PanicLevel {
		t.Errorf("disabled logger level = %v, want %v", l, logrus.PanicLevel)
	}
}

func TestLoggerFollowsSetup(t *testing.T) {
	var buf bytes.Buffer
	if err := Setup(false, "", &buf); err != nil {
		t.Fatal(err)
	}
	defer Setup(false, "", nil)

	// Taken while logging is off, as a long lived heap would.
	log := HeapLogger()
	log.Debug("before")
	if err := Setup(true, "heap", nil); err != nil {
		t.Fatal(err)
	}
	log.Debug("after")
	if err := Setup(false, "", nil); err != nil {
		t.Fatal(err)
	}
	log.Debug("off again")

	out := buf.String()
	if strings.Contains(out, "before") || strings.Contains(out, "off again") {
		t.Errorf("disabled logger wrote %q", out)
	}
	if !strings.Contains(out, "after") {
		t.Errorf("logger enabled by a later Setup wrote %q", out)
	}
}
