// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import (
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
)

// DefaultPageSize and DefaultCachePages size a CachedReader when the
// caller has no better idea.
const (
	DefaultPageSize   = 0x1000
	DefaultCachePages = 4096
)

// A CachedReader keeps recently read pages of another Reader.
// It is safe for concurrent use if the underlying Reader is.
type CachedReader struct {
	r        Reader
	pageSize int64
	pages    *lru.Cache // page address -> *page

	hits, misses atomic.Int64
}

type page struct {
	data []byte // the first n bytes of the page are valid
	n    int
}

// NewCachedReader wraps r with an LRU cache of npages pages of pageSize bytes.
func NewCachedReader(r Reader, pageSize int64, npages int) (*CachedReader, error) {
	if pageSize <= 0 || pageSize&(pageSize-1) != 0 {
		return nil, fmt.Errorf("page size %d is not a power of 2", pageSize)
	}
	c, err := lru.New(npages)
	if err != nil {
		return nil, err
	}
	return &CachedReader{r: r, pageSize: pageSize, pages: c}, nil
}

func (c *CachedReader) page(base Address) *page {
	if v, ok := c.pages.Get(base); ok {
		c.hits.Add(1)
		return v.(*page)
	}
	c.misses.Add(1)
	p := &page{data: make([]byte, c.pageSize)}
	p.n = c.r.Read(base, p.data)
	c.pages.Add(base, p)
	return p
}

// Read implements Reader.
func (c *CachedReader) Read(a Address, b []byte) int {
	n := 0
	for n < len(b) {
		base := a &^ Address(c.pageSize-1)
		off := int(a - base)
		p := c.page(base)
		if off >= p.n {
			// The page is not readable from its start; the tail
			// might still be, so go around the cache.
			return n + c.r.Read(a, b[n:])
		}
		k := copy(b[n:], p.data[off:p.n])
		n += k
		a = a.Add(int64(k))
		if off+k < int(c.pageSize) && n < len(b) {
			// Short page.
			break
		}
	}
	return n
}

// ReadPtr implements Reader.
func (c *CachedReader) ReadPtr(a Address) (Address, bool) {
	return readPtr(c, a)
}

// PtrSize implements Reader.
func (c *CachedReader) PtrSize() int64 {
	return c.r.PtrSize()
}

// ThreadSafe implements Reader.
func (c *CachedReader) ThreadSafe() bool {
	return c.r.ThreadSafe()
}

// Flush drops every cached page, and flushes the underlying reader too.
func (c *CachedReader) Flush() {
	c.pages.Purge()
	if f, ok := c.r.(Flusher); ok {
		f.Flush()
	}
}

// Stats returns the number of page hits and misses since creation.
func (c *CachedReader) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
