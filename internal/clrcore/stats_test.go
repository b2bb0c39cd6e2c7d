// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package clrcore

import (
	"slices"
	"testing"
)

func TestStats(t *testing.T) {
	p := newPersonHeap(t)
	for _, carefully := range []bool{false, true} {
		s := p.h.Stats(carefully)
		if s.Name != "heap" || s.Value != 0x1000 {
			t.Errorf("heap = %s %d, want 4096", s.Name, s.Value)
		}
		tests := []struct {
			chain []string
			want  int64
		}{
			{[]string{"gen2"}, 0x1000},
			{[]string{"gen2", "live"}, 40 + 40 + 48 + 48 + 24},
			{[]string{"gen2", "free"}, 0x1000 - 200},
			{[]string{"gen2", "other"}, 0},
		}
		for _, tt := range tests {
			sub := s.Sub(tt.chain...)
			if sub == nil {
				t.Errorf("no statistic %v", tt.chain)
				continue
			}
			if sub.Value != tt.want {
				t.Errorf("%v = %d, want %d", tt.chain, sub.Value, tt.want)
			}
		}
		if s.Sub("large") != nil || s.Sub("gen2", "live", "x") != nil {
			t.Errorf("Sub found statistics that do not exist")
		}
		var names []string
		for c := range s.Sub("gen2").Children() {
			names = append(names, c.Name)
		}
		if want := []string{"free", "live", "other"}; !slices.Equal(names, want) {
			t.Errorf("children = %v, want %v", names, want)
		}
	}
}

func TestHistogram(t *testing.T) {
	p := newPersonHeap(t)
	type row struct {
		name         string
		count, bytes int64
	}
	var got []row
	for _, ts := range p.h.Histogram(false) {
		got = append(got, row{ts.Type.Name, ts.Count, ts.Bytes})
	}
	want := []row{
		{"App.Person", 2, 80},
		{"App.Person[]", 1, 48},
		{"System.String", 1, 48},
		{"App.CustomException", 1, 24},
	}
	if !slices.Equal(got, want) {
		t.Errorf("Histogram = %v, want %v", got, want)
	}
}
