// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package extent models the identity of a storage region: either a
// contiguous run of blocks, or a bitmap of the 16 subblocks within a single
// block. It is an immutable value type, addressed and sized in terms of a
// block-size order supplied by the caller (the owning block array).
package extent

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"
)

const (
	// SubblkCntPerBlk is the number of subblocks a single block is divided
	// into for suballocation purposes.
	SubblkCntPerBlk = 16

	// SubblkSizeOrder is log2(SubblkCntPerBlk).
	SubblkSizeOrder = 4

	// MaxBlkNr is the largest representable block number (26 bits).
	MaxBlkNr = 1<<26 - 1
)

// Extent is the identity of a contiguous run of blocks (IsSuballoc == false)
// or a subblock bitmap within a single block (IsSuballoc == true).
type Extent struct {
	blkNr        uint32
	blkCntOrBmap uint16
	isSuballoc   bool
}

// NewBlockRun returns an Extent describing a contiguous run of blkCnt
// blocks starting at blkNr. blkNr must be nonzero and <= MaxBlkNr.
func NewBlockRun(blkNr uint32, blkCnt uint16) Extent {
	mustValidBlkNr(blkNr)
	return Extent{blkNr: blkNr, blkCntOrBmap: blkCnt, isSuballoc: false}
}

// NewSuballoc returns an Extent describing the subblocks of the block
// blkNr selected by bitmap (subblock i is allocated here when bit 15-i is
// set, so subblock 0 is the most-significant bit). A zero bitmap is legal:
// it represents a valid but empty region.
func NewSuballoc(blkNr uint32, bitmap uint16) Extent {
	mustValidBlkNr(blkNr)
	return Extent{blkNr: blkNr, blkCntOrBmap: bitmap, isSuballoc: true}
}

func mustValidBlkNr(blkNr uint32) {
	if blkNr == 0 {
		panic("extent: blk_nr must be nonzero")
	}
	if blkNr > MaxBlkNr {
		panic(fmt.Sprintf("extent: blk_nr %d exceeds MaxBlkNr %d", blkNr, MaxBlkNr))
	}
}

// BlkNr returns the first block number this extent refers to.
func (e Extent) BlkNr() uint32 { return e.blkNr }

// IsSuballoc reports whether this is a subblock-bitmap extent.
func (e Extent) IsSuballoc() bool { return e.isSuballoc }

// Bitmap returns the 16-bit subblock bitmap. Only meaningful when
// IsSuballoc is true.
func (e Extent) Bitmap() uint16 { return e.blkCntOrBmap }

// BlkCnt returns the count of whole blocks this extent covers: the stored
// count for a block-run extent, always 1 for a suballoc extent.
func (e Extent) BlkCnt() uint16 {
	if e.isSuballoc {
		return 1
	}
	return e.blkCntOrBmap
}

// bitmapSet returns a bitset view of the on-disk bitmap with the BitSet's
// bit i holding the on-disk bit i (bit 0 == least significant). Subblock
// index 0 is defined as the most significant on-disk bit (bit 15);
// EachSubblk below does the index<->bit remapping.
func (e Extent) bitmapSet() *bitset.BitSet {
	return bitset.From([]uint64{uint64(e.blkCntOrBmap)})
}

// SubblkCnt returns the number of subblocks set in the bitmap (popcount).
// Only meaningful when IsSuballoc is true.
func (e Extent) SubblkCnt() uint8 {
	return uint8(e.bitmapSet().Count())
}

// EachSubblk calls fn once per subblock index (0..15) present in the
// bitmap, walking most-significant-bit first, matching the order the block
// array's sub-block I/O must issue reads/writes in (spec §4.5).
func (e Extent) EachSubblk(fn func(subblkIdx uint8)) {
	bs := e.bitmapSet()
	for idx := 0; idx < SubblkCntPerBlk; idx++ {
		bit := SubblkCntPerBlk - 1 - idx
		if bs.Test(uint(bit)) {
			fn(uint8(idx))
		}
	}
}

// DataSpaceSize returns the number of usable data bytes this extent
// addresses, given the owning array's block-size order (blk_sz == 1 <<
// order). For a block-run extent this is blk_cnt * 2^order; for a
// suballoc extent it is popcount(bitmap) * 2^(order - SubblkSizeOrder).
func (e Extent) DataSpaceSize(blkSzOrder uint8) uint64 {
	if e.isSuballoc {
		return uint64(e.SubblkCnt()) << (blkSzOrder - SubblkSizeOrder)
	}
	return uint64(e.blkCntOrBmap) << blkSzOrder
}

// PastEndBlkNr returns one past the last block number this extent covers.
func (e Extent) PastEndBlkNr() uint32 {
	return e.blkNr + uint32(e.BlkCnt())
}

// String implements fmt.Stringer for diagnostics (used in error messages
// such as ExtentOutOfBounds).
func (e Extent) String() string {
	if e.isSuballoc {
		return fmt.Sprintf("Extent{blk_nr: %d, bitmap: %#04x, suballoc}", e.blkNr, e.blkCntOrBmap)
	}
	return fmt.Sprintf("Extent{blk_nr: %d, blk_cnt: %d}", e.blkNr, e.blkCntOrBmap)
}
