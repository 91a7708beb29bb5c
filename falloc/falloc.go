// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package falloc provides a size-bucketed free-extent allocator satisfying
// blockarray.Allocator: a segment-backed array's source of new extents and
// sink for freed ones. Free extents are kept in buckets by block count,
// mirroring the doubly-linked free-list-by-size-slot idea of an FLT, except
// the slots live in memory rather than being persisted as part of the file
// format — allocation policy and its on-disk bookkeeping are not this
// module's concern, only the parent Array's blocks and the caller's
// Segments are.
package falloc

import (
	"sort"

	"github.com/eldipa/xoz/blockarray"
	"github.com/eldipa/xoz/extent"
	"github.com/eldipa/xoz/segment"
)

// slotMinSize returns the key of the bucket holding extents of blkCnt
// blocks: blkCnt rounded up to the next power of two. Bucket s therefore
// holds free extents whose block count lies in (s/2, s], an FLT-like
// layout with power-of-two slots.
func slotMinSize(blkCnt uint32) uint32 {
	size := uint32(1)
	for size < blkCnt {
		size <<= 1
	}
	return size
}

// FreeListAllocator is a blockarray.Allocator that reuses freed extents
// before ever growing its parent Array, splitting an oversized free extent
// down to the request, and coalescing physically adjacent free extents back
// into one whenever blocks are returned via Dealloc. AllocRequest's
// CoalescingEnabled/SplitAboveThreshold are accepted (they travel from
// Options through to every Alloc call) but not read by this allocator: it
// always reuses the smallest sufficient free extent and never demands a
// pre-split multi-extent result, so neither hint changes its behavior.
type FreeListAllocator struct {
	parent *blockarray.Array
	slots  map[uint32][]extent.Extent // bucketed by slotMinSize(blkCnt)
}

// New returns a FreeListAllocator that carves new extents from parent.
func New(parent *blockarray.Array) *FreeListAllocator {
	return &FreeListAllocator{parent: parent, slots: make(map[uint32][]extent.Extent)}
}

// Alloc satisfies blockarray.Allocator. It first looks for a free extent
// whose bucket can cover req.Size, splitting off and returning any excess
// back to the free list; only once no free extent suffices does it grow
// the parent.
func (a *FreeListAllocator) Alloc(req blockarray.AllocRequest) (*segment.Segment, error) {
	blkSz := a.parent.BlkSz()
	need := uint32((req.Size + uint64(blkSz) - 1) / uint64(blkSz))
	if need == 0 {
		need = 1
	}

	if ext, ok := a.take(need); ok {
		seg := segment.New()
		seg.AddExtent(ext)
		return seg, nil
	}

	blkNr, err := a.parent.GrowByBlocks(need)
	if err != nil {
		return nil, err
	}
	seg := segment.New()
	seg.AddExtent(extent.NewBlockRun(blkNr, uint16(need)))
	return seg, nil
}

// take pops the smallest free block-run extent able to cover need blocks,
// returning the leftover (if any) to its bucket.
func (a *FreeListAllocator) take(need uint32) (extent.Extent, bool) {
	var bestSlot uint32
	var bestIdx = -1
	for slot, exts := range a.slots {
		if slot < slotMinSize(need) {
			continue
		}
		for i, e := range exts {
			if e.IsSuballoc() || uint32(e.BlkCnt()) < need {
				continue
			}
			if bestIdx == -1 || uint32(exts[bestIdx].BlkCnt()) > uint32(e.BlkCnt()) {
				bestSlot, bestIdx = slot, i
			}
		}
	}
	if bestIdx == -1 {
		return extent.Extent{}, false
	}

	exts := a.slots[bestSlot]
	picked := exts[bestIdx]
	a.slots[bestSlot] = append(exts[:bestIdx], exts[bestIdx+1:]...)

	if uint32(picked.BlkCnt()) == need {
		return picked, true
	}
	leftover := extent.NewBlockRun(picked.BlkNr()+uint32(need), picked.BlkCnt()-uint16(need))
	a.put(leftover)
	return extent.NewBlockRun(picked.BlkNr(), uint16(need)), true
}

// Dealloc satisfies blockarray.Allocator, returning every block-run extent
// of s to its free-list bucket. Suballoc extents are dropped (this
// allocator only hands out and reclaims whole-block extents); their
// subblocks remain reserved until the owning segment-backed array is
// discarded entirely — a known narrowing, not silently accepted elsewhere.
func (a *FreeListAllocator) Dealloc(s *segment.Segment) error {
	for _, e := range s.Exts() {
		if e.IsSuballoc() {
			continue
		}
		a.put(e)
	}
	return nil
}

func (a *FreeListAllocator) put(e extent.Extent) {
	if e.BlkCnt() == 0 {
		return
	}
	e = a.coalesce(e)
	slot := slotMinSize(uint32(e.BlkCnt()))
	a.slots[slot] = append(a.slots[slot], e)
}

// coalesce repeatedly merges e with any free block-run extent already on
// the list that is physically adjacent to it (immediately before or after),
// stopping once no more adjacent extent is found or a merge would overflow
// a block-run's 16-bit block count.
func (a *FreeListAllocator) coalesce(e extent.Extent) extent.Extent {
	for {
		merged, ok := a.mergeOnce(e)
		if !ok {
			return e
		}
		e = merged
	}
}

// mergeOnce finds and removes one free extent adjacent to e, returning the
// merged extent; it reports false if no such extent exists.
func (a *FreeListAllocator) mergeOnce(e extent.Extent) (extent.Extent, bool) {
	for slot, exts := range a.slots {
		for i, o := range exts {
			if o.IsSuballoc() {
				continue
			}
			var blkNr, blkCnt uint32
			switch {
			case e.BlkNr()+uint32(e.BlkCnt()) == o.BlkNr():
				blkNr, blkCnt = e.BlkNr(), uint32(e.BlkCnt())+uint32(o.BlkCnt())
			case o.BlkNr()+uint32(o.BlkCnt()) == e.BlkNr():
				blkNr, blkCnt = o.BlkNr(), uint32(o.BlkCnt())+uint32(e.BlkCnt())
			default:
				continue
			}
			if blkCnt > 0xffff {
				continue
			}
			a.slots[slot] = append(exts[:i:i], exts[i+1:]...)
			return extent.NewBlockRun(blkNr, uint16(blkCnt)), true
		}
	}
	return extent.Extent{}, false
}

// Report mirrors an FLT's non-destructive listing of free extents, sorted
// by bucket then by block number, for diagnostics and tests.
func (a *FreeListAllocator) Report() []extent.Extent {
	var slots []uint32
	for slot := range a.slots {
		slots = append(slots, slot)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })

	var out []extent.Extent
	for _, slot := range slots {
		exts := append([]extent.Extent(nil), a.slots[slot]...)
		sort.Slice(exts, func(i, j int) bool { return exts[i].BlkNr() < exts[j].BlkNr() })
		out = append(out, exts...)
	}
	return out
}
