// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package snapshot builds a CLR runtime from a YAML description.
//
// A description lists the types, heaps, segments, objects, handles,
// threads and sync blocks of a process. Load materializes the objects
// into an in-memory image, optionally layered over an ELF core file,
// and the resulting Snapshot answers the runtime questions a
// clrcore.Runtime asks of its helpers.
package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v2"

	"github.com/clrcore/clrcore/internal/clrcore"
	"github.com/clrcore/clrcore/internal/core"
	"github.com/clrcore/clrcore/internal/logflags"
)

// A Snapshot is a materialized runtime description.
// It implements clrcore.Helpers and is safe for concurrent use.
type Snapshot struct {
	path    string
	ptrSize int64
	mem     *core.Image
	process *core.Process // nil unless layered over a core file

	server  bool
	invalid bool

	mts       map[core.Address]clrcore.MethodTableData
	mtOrder   []core.Address
	mtByName  map[string]core.Address
	common    clrcore.CommonMethodTables
	subHeaps  []clrcore.SubHeapData
	segments  map[core.Address]clrcore.SegmentData
	handles   []clrcore.HandleData
	dependent []clrcore.DependentHandle
	blocks    []clrcore.SyncBlockData
	threads   []clrcore.ThreadData
	thinlocks map[uint32]core.Address
	objects   map[string]core.Address
	nobjects  int
}

// Load reads and materializes the description in the named file.
// Relative core file paths are resolved against the file's directory.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s, err := Parse(data, filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	s.path = path
	return s, nil
}

// Parse materializes a description. dir is used to resolve relative
// core file paths.
func Parse(data []byte, dir string) (*Snapshot, error) {
	var f file
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return nil, fmt.Errorf("parsing snapshot: %w", err)
	}
	b, err := newBuilder(&f, dir, logflags.SnapshotLogger())
	if err != nil {
		return nil, err
	}
	if err := b.build(); err != nil {
		return nil, err
	}
	return b.s, nil
}

// Path returns the file the snapshot was loaded from, if any.
func (s *Snapshot) Path() string { return s.path }

// Memory returns the image holding the snapshot's objects.
func (s *Snapshot) Memory() core.Reader { return s.mem }

// Process returns the core file beneath the snapshot, or nil.
func (s *Snapshot) Process() *core.Process { return s.process }

// Regions returns the memory ranges the snapshot materialized.
func (s *Snapshot) Regions() []core.MemoryRange { return s.mem.Regions() }

// Object returns the address of the object with the given id.
func (s *Snapshot) Object(id string) (core.Address, bool) {
	a, ok := s.objects[id]
	return a, ok
}

// ObjectIDs returns the ids of the named objects, sorted by address.
func (s *Snapshot) ObjectIDs() []string {
	ids := make([]string, 0, len(s.objects))
	for id := range s.objects {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.objects[ids[i]], s.objects[ids[j]]
		if a != b {
			return a < b
		}
		return ids[i] < ids[j]
	})
	return ids
}

// MethodTableOf returns the method table of the named type.
func (s *Snapshot) MethodTableOf(name string) (core.Address, bool) {
	mt, ok := s.mtByName[name]
	return mt, ok
}

// Runtime returns a runtime over the snapshot. mem replaces the
// snapshot's own memory if it is not nil, for instance with a cached
// reader wrapping Memory.
func (s *Snapshot) Runtime(mem core.Reader) (*clrcore.Runtime, error) {
	if mem == nil {
		mem = s.mem
	}
	return clrcore.Core(mem, s)
}

func (s *Snapshot) String() string {
	return fmt.Sprintf("snapshot: %d types, %d objects, %d heaps", len(s.mts), s.nobjects, len(s.subHeaps))
}

// clrcore.Helpers

func (s *Snapshot) PtrSize() int64 { return s.ptrSize }

func (s *Snapshot) MethodTable(mt core.Address) (clrcore.MethodTableData, bool) {
	d, ok := s.mts[mt]
	return d, ok
}

func (s *Snapshot) MethodTables() []core.Address { return s.mtOrder }

func (s *Snapshot) CommonMethodTables() clrcore.CommonMethodTables { return s.common }

func (s *Snapshot) ServerMode() bool        { return s.server }
func (s *Snapshot) GCStructuresValid() bool { return !s.invalid }

func (s *Snapshot) SubHeaps() []clrcore.SubHeapData { return s.subHeaps }

func (s *Snapshot) Segment(addr core.Address) (clrcore.SegmentData, bool) {
	d, ok := s.segments[addr]
	return d, ok
}

func (s *Snapshot) ThreadAllocationContexts() []core.MemoryRange {
	var r []core.MemoryRange
	for _, t := range s.threads {
		if !t.AllocContext.IsEmpty() {
			r = append(r, t.AllocContext)
		}
	}
	return r
}

func (s *Snapshot) DependentHandles() []clrcore.DependentHandle { return s.dependent }
func (s *Snapshot) Handles() []clrcore.HandleData               { return s.handles }
func (s *Snapshot) SyncBlocks() []clrcore.SyncBlockData         { return s.blocks }
func (s *Snapshot) Threads() []clrcore.ThreadData               { return s.threads }

func (s *Snapshot) ThreadFromThinlockID(id uint32) core.Address {
	return s.thinlocks[id]
}

var _ clrcore.Helpers = (*Snapshot)(nil)
