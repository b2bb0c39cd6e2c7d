// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package clrcore

import (
	"sort"

	"github.com/clrcore/clrcore/internal/core"
)

// Object header bits. The header is the 32-bit word just below an object.
const (
	headerIsHashOrSyncBlockIndex = 0x08000000
	headerIsHashCode             = 0x04000000
	headerSpinLock               = 0x10000000
	headerSyncBlockIndexMask     = 1<<26 - 1

	thinlockThreadIDMask   = 0x3ff
	thinlockRecursionMask  = 0xfc00
	thinlockRecursionShift = 10
)

// A SyncBlock holds the monitor and COM state of one object.
type SyncBlock struct {
	Object         core.Address
	Index          int
	MonitorHeld    bool
	HoldingThread  core.Address
	Recursion      uint32
	WaitingThreads int
	ComFlags       ComFlags
}

type syncBlockTable struct {
	blocks   []*SyncBlock // sorted by index
	byObject map[core.Address]*SyncBlock
}

func (h *Heap) syncBlockTable() *syncBlockTable {
	return publish(&h.syncBlocks, func() *syncBlockTable {
		t := &syncBlockTable{byObject: map[core.Address]*SyncBlock{}}
		for _, d := range h.helpers.SyncBlocks() {
			b := &SyncBlock{
				Object:         d.Object,
				Index:          d.Index,
				MonitorHeld:    d.MonitorHeld,
				HoldingThread:  d.HoldingThread,
				Recursion:      d.Recursion,
				WaitingThreads: d.WaitingThreads,
				ComFlags:       d.ComFlags,
			}
			t.blocks = append(t.blocks, b)
			if b.Object != 0 {
				t.byObject[b.Object] = b
			}
		}
		sort.Slice(t.blocks, func(i, j int) bool { return t.blocks[i].Index < t.blocks[j].Index })
		return t
	})
}

// EnumerateSyncBlocks returns every sync block, ordered by index.
func (h *Heap) EnumerateSyncBlocks() []*SyncBlock {
	return h.syncBlockTable().blocks
}

// GetSyncBlock returns the sync block of the object at obj, or nil.
func (h *Heap) GetSyncBlock(obj core.Address) *SyncBlock {
	return h.syncBlockTable().byObject[obj]
}

// A ThinLock is a monitor held through the object header rather than
// a sync block.
type ThinLock struct {
	Thread    core.Address // 0 if the owner is unknown
	ThreadID  uint32
	Recursion uint32
}

func hasThinlock(header uint32) bool {
	return header&(headerIsHashOrSyncBlockIndex|headerSpinLock) == 0 && header&thinlockThreadIDMask != 0
}

func (h *Heap) thinlock(obj core.Address) (ThinLock, bool) {
	header, ok := core.ReadUint32(h.mem, obj.Add(-4))
	if !ok || !hasThinlock(header) {
		return ThinLock{}, false
	}
	id := header & thinlockThreadIDMask
	return ThinLock{
		Thread:    h.helpers.ThreadFromThinlockID(id),
		ThreadID:  id,
		Recursion: (header & thinlockRecursionMask) >> thinlockRecursionShift,
	}, true
}

// comFlags returns the COM flags of obj. The last answer is cached,
// packed into one word with the flags in the top 3 bits.
func (h *Heap) comFlags(obj core.Address) ComFlags {
	if obj == 0 {
		return 0
	}
	const mask = ^uint64(0xe000000000000000)
	last := h.lastComFlags.Load()
	if last != 0 && last&mask == uint64(obj)&mask {
		return ComFlags(last >> 61)
	}
	var flags ComFlags
	if b := h.GetSyncBlock(obj); b != nil {
		flags = b.ComFlags
	}
	h.lastComFlags.Store(uint64(flags)<<61 | uint64(obj)&mask)
	return flags
}
