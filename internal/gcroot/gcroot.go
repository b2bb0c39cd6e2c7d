// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package gcroot finds the chains of references by which a root keeps
// objects of interest alive.
//
// A GCRoot remembers what earlier searches learned. Objects known to
// lead to a target are shared between searches, and objects already
// explored without reaching one are not explored again. A GCRoot is
// not safe for concurrent use.
package gcroot

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/clrcore/clrcore/internal/clrcore"
	"github.com/clrcore/clrcore/internal/core"
	"github.com/clrcore/clrcore/internal/logflags"
)

// A ChainLink is one object on a path to a target. The last link of a
// path is the target itself.
type ChainLink struct {
	Object core.Address
	Next   *ChainLink
}

// Len returns the number of references followed along the path.
func (l *ChainLink) Len() int {
	n := 0
	for ; l != nil && l.Next != nil; l = l.Next {
		n++
	}
	return n
}

// Objects returns the addresses along the path, starting with l.
func (l *ChainLink) Objects() []core.Address {
	var r []core.Address
	for ; l != nil; l = l.Next {
		r = append(r, l.Object)
	}
	return r
}

func (l *ChainLink) String() string {
	var b strings.Builder
	for i, a := range l.Objects() {
		if i > 0 {
			b.WriteString(" -> ")
		}
		fmt.Fprintf(&b, "%x", a)
	}
	return b.String()
}

// A RootPath is a root together with the path it keeps alive.
type RootPath struct {
	Root clrcore.Root
	Path *ChainLink
}

// GCRoot searches a heap for paths to a set of target objects.
type GCRoot struct {
	heap     *clrcore.Heap
	isTarget func(clrcore.Object) bool

	// seen holds objects that have been queued or explored.
	seen map[core.Address]struct{}
	// found maps objects known to reach a target to their path.
	found map[core.Address]*ChainLink

	lists  *listPool
	log    *logrus.Entry
	walked int
}

// An Option configures a GCRoot.
type Option func(*GCRoot)

// WithListSize sets the size in bytes of the buffers that hold
// unvisited references during a search.
func WithListSize(n int) Option {
	return func(g *GCRoot) { g.lists = newListPool(n) }
}

func newGCRoot(heap *clrcore.Heap, opts []Option) *GCRoot {
	g := &GCRoot{
		heap:  heap,
		seen:  map[core.Address]struct{}{},
		found: map[core.Address]*ChainLink{},
		lists: newListPool(DefaultListSize),
		log:   logflags.GCRootLogger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// New returns a GCRoot that searches for paths to any of targets.
func New(heap *clrcore.Heap, targets []core.Address, opts ...Option) *GCRoot {
	g := newGCRoot(heap, opts)
	for _, t := range targets {
		g.found[t] = &ChainLink{Object: t}
	}
	return g
}

// NewWithPredicate returns a GCRoot that searches for paths to objects
// for which isTarget returns true.
func NewWithPredicate(heap *clrcore.Heap, isTarget func(clrcore.Object) bool, opts ...Option) *GCRoot {
	g := newGCRoot(heap, opts)
	g.isTarget = isTarget
	return g
}

// Walked returns the number of objects visited by all searches so far.
func (g *GCRoot) Walked() int {
	return g.walked
}

// EnumerateRootPaths yields every root of the heap that keeps a target
// alive, along with one path from the root to a target. If ctx is done
// the sequence yields ctx.Err() and stops.
func (g *GCRoot) EnumerateRootPaths(ctx context.Context) iter.Seq2[RootPath, error] {
	return func(yield func(RootPath, error) bool) {
		for root := range g.heap.EnumerateRoots() {
			if err := ctx.Err(); err != nil {
				yield(RootPath{Root: root}, err)
				return
			}
			path, err := g.FindPathFrom(ctx, root.Object)
			if err != nil {
				yield(RootPath{Root: root}, err)
				return
			}
			if path == nil {
				continue
			}
			if !yield(RootPath{Root: root, Path: path}, nil) {
				return
			}
		}
	}
}

// FindPathFrom returns a path from start to a target, or nil if there
// is none. The search is depth first; the path found is not
// necessarily the shortest.
func (g *GCRoot) FindPathFrom(ctx context.Context, start clrcore.Object) (*ChainLink, error) {
	if link, ok := g.found[start.Address]; ok {
		return link, nil
	}
	if g.isTarget != nil && start.IsValid() && g.isTarget(start) {
		link := &ChainLink{Object: start.Address}
		g.found[start.Address] = link
		return link, nil
	}
	if !start.ContainsPointers() {
		return nil, nil
	}
	g.log.Debugf("searching from %v", start)

	var stack []refList
	defer func() {
		for i := len(stack) - 1; i >= 0; i-- {
			g.abandon(stack[i])
		}
	}()

	link, err := g.walkObject(ctx, &stack, 0, start)
	if link != nil || err != nil {
		return link, err
	}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		curr := stack[len(stack)-1]
		child := curr.next()
		if child == 0 {
			stack = stack[:len(stack)-1]
			g.lists.release(curr)
			continue
		}
		g.log.Debugf("considering %x -> %x", curr.object(), child)
		link, err := g.walkObject(ctx, &stack, curr.object(), g.heap.GetObject(child))
		if err != nil {
			delete(g.seen, child)
			return nil, err
		}
		if link != nil {
			return g.record(stack, curr, link), nil
		}
	}
	return nil, nil
}

// walkObject visits obj, reached from parent. If obj reaches a target
// through one of its references it returns the path from obj.
// Otherwise it queues obj's unseen references on the stack.
func (g *GCRoot) walkObject(ctx context.Context, stack *[]refList, parent core.Address, obj clrcore.Object) (*ChainLink, error) {
	g.walked++
	if g.isTarget != nil && obj.IsValid() && g.isTarget(obj) {
		g.log.Debugf("found target %v", obj)
		link := &ChainLink{Object: obj.Address}
		g.found[obj.Address] = link
		return link, nil
	}
	if !obj.ContainsPointers() {
		return nil, nil
	}
	g.log.Debugf("walk %v", obj)

	var l refList
	var off int
	for ref := range obj.EnumerateReferenceAddresses(false, true) {
		if err := ctx.Err(); err != nil {
			if l.data != nil {
				*stack = append(*stack, l)
			}
			return nil, err
		}
		if next, ok := g.found[ref]; ok {
			g.log.Debugf("found %x -> %x", obj.Address, ref)
			link := &ChainLink{Object: obj.Address, Next: next}
			g.found[obj.Address] = link
			if l.data != nil {
				g.abandon(l)
			}
			return link, nil
		}
		if _, ok := g.seen[ref]; ok {
			g.log.Debugf("seen %x", ref)
			continue
		}
		g.seen[ref] = struct{}{}
		g.log.Debugf("reference %x -> %x", obj.Address, ref)

		if l.data == nil {
			l, off = g.lists.newList(obj.Address, parent)
		}
		if off = l.store(ref, off); off == 0 {
			*stack = append(*stack, l)
			l, off = g.lists.newList(obj.Address, parent)
			off = l.store(ref, off)
		}
	}
	if l.data != nil {
		*stack = append(*stack, l)
	}
	return nil, nil
}

// record links every object on the stack that lies on the path through
// curr into link, storing each in found. Objects on the stack that are
// not on the path are forgotten so that later searches explore them.
func (g *GCRoot) record(stack []refList, curr refList, link *ChainLink) *ChainLink {
	obj, parent := curr.object(), curr.parent()
	link = g.addLink(link, obj)
	for i := len(stack) - 1; i >= 0; i-- {
		o := stack[i].object()
		if o == obj {
			continue
		}
		obj = o
		if obj == parent {
			link = g.addLink(link, obj)
			parent = stack[i].parent()
		} else {
			delete(g.seen, obj)
		}
	}
	return link
}

func (g *GCRoot) addLink(next *ChainLink, obj core.Address) *ChainLink {
	link, ok := g.found[obj]
	if !ok {
		link = &ChainLink{Object: obj, Next: next}
		g.found[obj] = link
	}
	delete(g.seen, obj)
	return link
}

// abandon forgets the references still queued in l, which were marked
// seen but never explored, and returns l to the pool.
func (g *GCRoot) abandon(l refList) {
	delete(g.seen, l.object())
	for ref := l.next(); ref != 0; ref = l.next() {
		delete(g.seen, ref)
	}
	g.lists.release(l)
}
