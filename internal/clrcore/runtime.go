// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package clrcore reconstructs the object model of a .NET runtime from
// the raw memory of a process.
//
// Memory comes from a core.Reader; facts that cannot be recovered from
// memory alone, such as method table layouts and the GC's bookkeeping,
// come from a Helpers. Inconsistent target memory is never an error:
// it shows up as objects with a nil Type, walks that stop early and
// ObjectCorruption values.
package clrcore

import (
	"fmt"
	"iter"
	"sync/atomic"

	"github.com/clrcore/clrcore/internal/core"
)

// A Runtime is a snapshot of one .NET runtime in a target process.
type Runtime struct {
	mem        core.Reader
	helpers    Helpers
	ptrSize    int64
	threadSafe bool

	heap    *Heap
	threads atomic.Pointer[[]*Thread]
}

// Core returns the runtime whose memory is mem and whose structures h
// describes.
func Core(mem core.Reader, h Helpers) (*Runtime, error) {
	if mem == nil || h == nil {
		return nil, fmt.Errorf("clrcore: nil memory or helpers")
	}
	ptrSize := mem.PtrSize()
	if ptrSize != 4 && ptrSize != 8 {
		return nil, fmt.Errorf("clrcore: unsupported pointer size %d", ptrSize)
	}
	if hp := h.PtrSize(); hp != ptrSize {
		return nil, fmt.Errorf("clrcore: memory has %d-byte pointers but the runtime has %d-byte pointers", ptrSize, hp)
	}
	rt := &Runtime{
		mem:        mem,
		helpers:    h,
		ptrSize:    ptrSize,
		threadSafe: mem.ThreadSafe(),
	}
	rt.heap = newHeap(rt)
	return rt, nil
}

// Heap returns the runtime's GC heap.
func (rt *Runtime) Heap() *Heap { return rt.heap }

// Memory returns the reader the runtime was built on.
func (rt *Runtime) Memory() core.Reader { return rt.mem }

func (rt *Runtime) PtrSize() int64 { return rt.ptrSize }

// ThreadSafe reports whether the runtime may be walked from several
// goroutines at once. It is fixed when the runtime is created.
func (rt *Runtime) ThreadSafe() bool { return rt.threadSafe }

// Threads returns the runtime's managed threads.
func (rt *Runtime) Threads() []*Thread {
	return *publish(&rt.threads, func() *[]*Thread {
		var ts []*Thread
		for _, d := range rt.helpers.Threads() {
			ts = append(ts, &Thread{
				Address:         d.Address,
				OSThreadID:      d.OSThreadID,
				ManagedThreadID: d.ManagedThreadID,
				IsAlive:         d.IsAlive,
				AllocContext:    d.AllocContext,
				heap:            rt.heap,
				roots:           d.StackRoots,
			})
		}
		return &ts
	})
}

func (rt *Runtime) threadByAddress(a core.Address) *Thread {
	for _, t := range rt.Threads() {
		if t.Address == a {
			return t
		}
	}
	return nil
}

// EnumerateHandles yields the entries of the handle table.
func (rt *Runtime) EnumerateHandles() iter.Seq[*Handle] {
	return func(yield func(*Handle) bool) {
		for _, d := range rt.helpers.Handles() {
			hd := &Handle{
				Address:  d.Address,
				Object:   rt.heap.GetObject(d.Object),
				Kind:     d.Kind,
				RefCount: d.RefCount,
			}
			if d.Dependent != 0 {
				hd.Dependent = rt.heap.GetObject(d.Dependent)
			}
			if !yield(hd) {
				return
			}
		}
	}
}

// FlushCachedData drops everything the runtime has learned about the
// target. It must be called whenever the target's memory may have changed.
func (rt *Runtime) FlushCachedData() {
	rt.threads.Store(nil)
	rt.heap.flush()
	if f, ok := rt.mem.(core.Flusher); ok {
		f.Flush()
	}
}
