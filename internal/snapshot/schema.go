// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package snapshot

import (
	"fmt"
	"strconv"
	"strings"
)

// A Value is a number or a reference to an object of the snapshot.
// Numbers are written in any base Go accepts ("42", "0x1000", "-1").
// "@name" is the address of the object with that id and "@name+8" an
// address inside it. "null" and the empty string are 0.
type Value string

// UnmarshalYAML accepts scalars of any YAML type.
func (v *Value) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	*v = Value(strings.TrimSpace(s))
	return nil
}

// IsZero reports whether v was left unset.
func (v Value) IsZero() bool {
	return v == "" || v == "null"
}

// resolve returns the numeric value of v. lookup finds object ids.
func (v Value) resolve(lookup func(string) (uint64, bool)) (uint64, error) {
	s := string(v)
	switch s {
	case "", "null", "false":
		return 0, nil
	case "true":
		return 1, nil
	}
	if strings.HasPrefix(s, "@") {
		// Ids may contain dashes; only a numeric suffix is an offset.
		id, off := s[1:], int64(0)
		if i := strings.LastIndexAny(id, "+-"); i > 0 {
			if n, err := strconv.ParseInt(id[i:], 0, 64); err == nil {
				id, off = id[:i], n
			}
		}
		a, ok := lookup(id)
		if !ok {
			return 0, fmt.Errorf("no object with id %q", id)
		}
		return uint64(int64(a) + off), nil
	}
	if strings.HasPrefix(s, "-") {
		n, err := strconv.ParseInt(s, 0, 64)
		if err != nil {
			return 0, fmt.Errorf("bad value %q", s)
		}
		return uint64(n), nil
	}
	n, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("bad value %q", s)
	}
	return n, nil
}

// file is the top level of a snapshot description.
type file struct {
	PtrSize int `yaml:"ptr-size"`
	// Core and Base name an ELF core file, and the directory holding the
	// files it maps, whose memory lies beneath the described objects.
	Core string `yaml:"core"`
	Base string `yaml:"base"`

	Server bool `yaml:"server"`
	// GCInProgress marks the heap as not walkable.
	GCInProgress bool `yaml:"gc-in-progress"`

	// Scratch is where method tables, handle tables, stacks and
	// finalizer queues are allocated. It defaults to a high address.
	Scratch Value `yaml:"scratch"`

	Common     commonSpec      `yaml:"common"`
	Types      []typeSpec      `yaml:"types"`
	Heaps      []heapSpec      `yaml:"heaps"`
	Handles    []handleSpec    `yaml:"handles"`
	SyncBlocks []syncBlockSpec `yaml:"sync-blocks"`
	Threads    []threadSpec    `yaml:"threads"`
	Memory     []memorySpec    `yaml:"memory"`
}

// commonSpec names the types the heap treats specially. Missing types
// are created with their usual names.
type commonSpec struct {
	Free      string `yaml:"free"`
	Object    string `yaml:"object"`
	String    string `yaml:"string"`
	Exception string `yaml:"exception"`
}

type typeSpec struct {
	Name          string `yaml:"name"`
	BaseSize      uint32 `yaml:"base-size"`
	ComponentSize uint32 `yaml:"component-size"`
	// Element is the element type name; it defaults to Class.
	Element string `yaml:"element"`
	Parent  string `yaml:"parent"`

	// Component is the element type of an array.
	Component        string `yaml:"component"`
	ComponentElement string `yaml:"component-element"`

	Collectible bool `yaml:"collectible"`
	// LoaderAllocator is the object a collectible type's loader
	// allocator handle refers to.
	LoaderAllocator Value `yaml:"loader-allocator"`

	Fields  []fieldSpec  `yaml:"fields"`
	Statics []staticSpec `yaml:"statics"`

	// Refs lists the offsets from the object start of reference slots.
	// If unset they are derived from the fields.
	Refs []int `yaml:"refs"`
}

type fieldSpec struct {
	Name string `yaml:"name"`
	// Offset is measured from the end of the method table pointer.
	Offset int64  `yaml:"offset"`
	Type   string `yaml:"type"`
	// Class is the name of the field's type, for references and structs.
	Class string `yaml:"class"`
	Size  int64  `yaml:"size"`
}

type staticSpec struct {
	Name  string `yaml:"name"`
	Type  string `yaml:"type"`
	Class string `yaml:"class"`
	Value Value  `yaml:"value"`
}

type heapSpec struct {
	Regions   bool          `yaml:"regions"`
	Segments  []segmentSpec `yaml:"segments"`
	Finalizer finalizerSpec `yaml:"finalizer"`
	// AllocationContext is the heap's own unused allocation buffer.
	AllocationContext rangeSpec `yaml:"allocation-context"`
}

type segmentSpec struct {
	// Generation is 0, 1 or 2 for small objects, 3 for the large
	// object heap and 4 for the pinned heap. Without regions only
	// generation 2 and up may be given.
	Generation int   `yaml:"generation"`
	Ephemeral  bool  `yaml:"ephemeral"`
	Frozen     bool  `yaml:"frozen"`
	Start      Value `yaml:"start"`
	// Allocated defaults to the end of the last object. Space between
	// the two is filled with a free object.
	Allocated Value `yaml:"allocated"`

	// Gen1Start and Gen0Start split an ephemeral segment.
	Gen1Start Value `yaml:"gen1-start"`
	Gen0Start Value `yaml:"gen0-start"`

	Objects []objectSpec `yaml:"objects"`
}

type objectSpec struct {
	ID   string `yaml:"id"`
	Type string `yaml:"type"`
	// Gap, instead of a type, places a free object of that many bytes.
	Gap int64 `yaml:"gap"`
	// At places the object at an explicit address at or after the
	// previous object's end. Skipped space becomes a free object.
	At Value `yaml:"at"`

	Length   int              `yaml:"length"`
	String   *string          `yaml:"string"`
	Fields   map[string]Value `yaml:"fields"`
	Elements []Value          `yaml:"elements"`
	Header   Value            `yaml:"header"`
}

type finalizerSpec struct {
	Gen2  []Value `yaml:"gen2"`
	Gen1  []Value `yaml:"gen1"`
	Gen0  []Value `yaml:"gen0"`
	Ready []Value `yaml:"ready"`
}

type rangeSpec struct {
	Start Value `yaml:"start"`
	End   Value `yaml:"end"`
}

type handleSpec struct {
	Kind      string `yaml:"kind"`
	Object    Value  `yaml:"object"`
	Dependent Value  `yaml:"dependent"`
	RefCount  uint32 `yaml:"ref-count"`
}

type syncBlockSpec struct {
	Object      Value    `yaml:"object"`
	Index       int      `yaml:"index"`
	MonitorHeld bool     `yaml:"monitor-held"`
	Owner       uint32   `yaml:"owner"` // managed id of the holding thread
	Recursion   uint32   `yaml:"recursion"`
	Waiting     int      `yaml:"waiting"`
	Com         []string `yaml:"com"`
}

type threadSpec struct {
	OSID      uint32 `yaml:"os-id"`
	ManagedID uint32 `yaml:"managed-id"`
	Dead      bool   `yaml:"dead"`
	// ThinlockID is the id thin locks held by this thread carry.
	ThinlockID   uint32          `yaml:"thinlock-id"`
	AllocContext rangeSpec       `yaml:"alloc-context"`
	Stack        []stackRootSpec `yaml:"stack"`
}

type stackRootSpec struct {
	Object   Value `yaml:"object"`
	Interior bool  `yaml:"interior"`
	Pinned   bool  `yaml:"pinned"`
}

// memorySpec maps raw memory, optionally filled with pointer-sized words.
type memorySpec struct {
	Start Value   `yaml:"start"`
	Size  int64   `yaml:"size"`
	Words []Value `yaml:"words"`
}
