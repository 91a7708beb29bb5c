// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package blockarray implements a resizable, block-addressed window over a
// byte-addressable backing (a file or a segment of a parent array). It
// mirrors the abstract BlockArray of the original design: callers grow,
// shrink and read/write through fixed-size blocks and their 16 subblocks,
// while a Backing hook supplies the physical grow/shrink/read/write.
package blockarray

import (
	"fmt"

	"github.com/eldipa/xoz/extent"
	"github.com/eldipa/xoz/internal/bitutil"
	"github.com/eldipa/xoz/xozerr"
)

// Options configures an Array at open/create time. It stands in for the
// runtime configuration a CLI or config file would otherwise supply.
type Options struct {
	// BlockSize is the size in bytes of one block; must be a power of two
	// in [128, 65536].
	BlockSize uint32

	// CoalescingEnabled is a coalescing hint for a segment-backed array's
	// allocator. It is passed to the Allocator in every AllocRequest; Array
	// itself does not read it, and the allocator may ignore it.
	CoalescingEnabled bool

	// SplitAboveThreshold is a hint, in blocks, above which the allocator
	// may split a request into multiple extents. It is passed to the
	// Allocator in every AllocRequest; Array itself does not read it, and
	// the allocator may ignore it.
	SplitAboveThreshold uint16
}

// MinBlockSize and MaxBlockSize bound Options.BlockSize, per spec.
const (
	MinBlockSize = 128
	MaxBlockSize = 1 << 16
)

func (o Options) blkSzOrder() (uint8, error) {
	if o.BlockSize < MinBlockSize || o.BlockSize > MaxBlockSize {
		return 0, fmt.Errorf("blockarray: block size %d out of range [%d, %d]", o.BlockSize, MinBlockSize, MaxBlockSize)
	}
	if o.BlockSize&(o.BlockSize-1) != 0 {
		return 0, fmt.Errorf("blockarray: block size %d is not a power of two", o.BlockSize)
	}
	return bitutil.Log2Floor32(o.BlockSize), nil
}

// Backing supplies the physical operations an Array delegates to: a
// file-backed array seeks and reads/writes a file (see file.go); a
// segment-backed array allocates from a parent array and walks a Segment IO
// cursor (see segbacked.go).
type Backing interface {
	// GrowByBlocks physically extends the backing by at least blkCnt
	// blocks, returning the block number of the first newly usable block
	// and how many blocks were actually made available (realBlkCnt >=
	// blkCnt).
	GrowByBlocks(blkCnt uint32) (blkNr uint32, realBlkCnt uint32, err error)

	// ShrinkByBlocks physically releases up to blkCnt blocks from the tail,
	// returning how many were actually released; a Backing may defer the
	// release and return 0, keeping the difference as slack.
	ShrinkByBlocks(blkCnt uint32) (realBlkCnt uint32, err error)

	// ReleaseBlocks asks the Backing to release all of its current slack —
	// the real blocks it holds beyond pastEnd, the Array's current logical
	// past-end — returning the count actually released.
	ReleaseBlocks(pastEnd uint32) (realBlkCnt uint32, err error)

	// Read copies up to len(buf) bytes starting start bytes into block
	// blkNr, returning the count actually moved.
	Read(blkNr uint32, buf []byte, start uint32) (uint32, error)

	// Write is Read's dual.
	Write(blkNr uint32, buf []byte, start uint32) (uint32, error)

	// Close releases any OS-level resource the Backing holds (file handle,
	// advisory lock). A Backing with nothing to release may no-op.
	Close() error
}

// Array is a resizable, block-addressed window over a Backing. beginBlkNr is
// fixed at construction; pastEndBlkNr is the first block not yet accessible
// to callers; realPastEndBlkNr is the first block not yet physically
// allocated — the gap between the two is slack kept around to absorb a
// future grow without touching the Backing.
type Array struct {
	name        string
	backing     Backing
	blkSzOrder  uint8
	beginBlkNr  uint32
	pastEnd     uint32
	realPastEnd uint32
	dirty       bool
}

// newArray wires a Backing into a fresh Array starting at beginBlkNr with
// pastEnd already-accessible blocks (realPastEnd must be >= pastEnd: any
// extra is slack the Backing already holds, e.g. from a prior close that
// deferred a shrink).
func newArray(name string, backing Backing, blkSzOrder uint8, beginBlkNr, pastEnd, realPastEnd uint32) (*Array, error) {
	if beginBlkNr > pastEnd {
		return nil, fmt.Errorf("blockarray: begin_blk_nr %d > past_end_blk_nr %d", beginBlkNr, pastEnd)
	}
	if realPastEnd < pastEnd {
		return nil, fmt.Errorf("blockarray: real_past_end_blk_nr %d < past_end_blk_nr %d", realPastEnd, pastEnd)
	}
	return &Array{
		name:        name,
		backing:     backing,
		blkSzOrder:  blkSzOrder,
		beginBlkNr:  beginBlkNr,
		pastEnd:     pastEnd,
		realPastEnd: realPastEnd,
	}, nil
}

// Name identifies the array for diagnostics (a file path, or a synthetic
// name for a segment-backed array).
func (a *Array) Name() string { return a.name }

// BlkSzOrder returns log2 of the block size.
func (a *Array) BlkSzOrder() uint8 { return a.blkSzOrder }

// BlkSz returns the block size in bytes.
func (a *Array) BlkSz() uint32 { return 1 << a.blkSzOrder }

// BeginBlkNr returns the first block number this array ever exposes.
func (a *Array) BeginBlkNr() uint32 { return a.beginBlkNr }

// PastEndBlkNr returns one past the last block number currently accessible.
func (a *Array) PastEndBlkNr() uint32 { return a.pastEnd }

// BlkCnt returns the number of blocks currently accessible.
func (a *Array) BlkCnt() uint32 { return a.pastEnd - a.beginBlkNr }

// Capacity returns the number of blocks physically backing the array,
// including any slack beyond BlkCnt kept around to absorb a future grow
// without touching the Backing.
func (a *Array) Capacity() uint32 { return a.realPastEnd - a.beginBlkNr }

// Dirty reports whether any mutating operation (grow, shrink, release, or a
// write) has happened since construction or the last Clean call. It
// resolves the rule an outer framing layer needs to decide whether a flush
// is required before close.
func (a *Array) Dirty() bool { return a.dirty }

// Clean clears the dirty flag, e.g. after an outer layer has flushed.
func (a *Array) Clean() { a.dirty = false }

// Close calls ReleaseBlocks to drop any remaining slack, then releases the
// Backing's own resources (file handle, advisory lock).
func (a *Array) Close() error {
	if _, err := a.ReleaseBlocks(); err != nil {
		return err
	}
	return a.backing.Close()
}

// IsWithinBoundaries reports whether ext lies entirely within
// [begin_blk_nr, past_end_blk_nr).
func (a *Array) IsWithinBoundaries(ext extent.Extent) bool {
	return ext.BlkNr() >= a.beginBlkNr && ext.PastEndBlkNr() <= a.pastEnd
}

func (a *Array) failIfOutOfBoundaries(ext extent.Extent, op string) error {
	if !a.IsWithinBoundaries(ext) {
		return &xozerr.ExtentOutOfBounds{Array: a.name, Extent: ext, Op: op}
	}
	return nil
}

// GrowByBlocks extends the accessible window by blkCnt blocks, reusing
// slack (real_past_end - past_end) before asking the Backing for more. It
// returns the block number of the first newly accessible block.
func (a *Array) GrowByBlocks(blkCnt uint32) (uint32, error) {
	if blkCnt == 0 {
		return 0, fmt.Errorf("blockarray: GrowByBlocks(0) is invalid")
	}

	firstNew := a.pastEnd
	slack := a.realPastEnd - a.pastEnd
	if slack >= blkCnt {
		a.pastEnd += blkCnt
		a.dirty = true
		return firstNew, nil
	}

	need := blkCnt - slack
	_, realBlkCnt, err := a.backing.GrowByBlocks(need)
	if err != nil {
		return 0, err
	}
	if realBlkCnt < need {
		return 0, fmt.Errorf("blockarray: backing grew by %d blocks, needed at least %d", realBlkCnt, need)
	}
	a.realPastEnd += realBlkCnt
	a.pastEnd += blkCnt
	a.dirty = true
	return firstNew, nil
}

// ShrinkByBlocks contracts the accessible window by blkCnt blocks. past_end
// always decreases by blkCnt; real_past_end decreases by however many the
// Backing actually released (it may defer some as slack).
func (a *Array) ShrinkByBlocks(blkCnt uint32) error {
	if blkCnt == 0 {
		return fmt.Errorf("blockarray: ShrinkByBlocks(0) is invalid")
	}
	if blkCnt > a.BlkCnt() {
		return fmt.Errorf("blockarray: ShrinkByBlocks(%d) exceeds blk_cnt %d", blkCnt, a.BlkCnt())
	}

	realBlkCnt, err := a.backing.ShrinkByBlocks(blkCnt)
	if err != nil {
		return err
	}
	a.pastEnd -= blkCnt
	a.realPastEnd -= realBlkCnt
	a.dirty = true
	return nil
}

// ReleaseBlocks asks the Backing to free all of its slack and returns the
// count physically released.
func (a *Array) ReleaseBlocks() (uint32, error) {
	realBlkCnt, err := a.backing.ReleaseBlocks(a.pastEnd)
	if err != nil {
		return 0, err
	}
	a.realPastEnd -= realBlkCnt
	if realBlkCnt > 0 {
		a.dirty = true
	}
	return realBlkCnt, nil
}

// chkExtentForRw validates ext against the array's boundaries, then clamps
// the requested [start, start+max) window to the extent's usable data
// space. The out-of-bounds check happens before the usable-size check, so a
// zero-length read/write against an out-of-range extent still reports
// ExtentOutOfBounds rather than silently returning 0.
func (a *Array) chkExtentForRw(ext extent.Extent, max, start uint32, op string) (effSize uint32, err error) {
	if err := a.failIfOutOfBoundaries(ext, op); err != nil {
		return 0, err
	}
	usable := ext.DataSpaceSize(a.blkSzOrder)
	if uint64(start) >= usable {
		return 0, nil
	}
	remain := usable - uint64(start)
	eff := uint64(max)
	if remain < eff {
		eff = remain
	}
	return uint32(eff), nil
}

// ReadExtent copies up to max bytes, starting start bytes into ext, into
// buf (which must be at least max bytes). It returns the number of bytes
// actually moved; 0 signals EOF in the POSIX sense.
func (a *Array) ReadExtent(ext extent.Extent, buf []byte, max, start uint32) (uint32, error) {
	return a.rwExtent(ext, buf, max, start, "read_extent", a.backing.Read)
}

// WriteExtent is ReadExtent's dual.
func (a *Array) WriteExtent(ext extent.Extent, buf []byte, max, start uint32) (uint32, error) {
	n, err := a.rwExtent(ext, buf, max, start, "write_extent", a.backing.Write)
	if err == nil && n > 0 {
		a.dirty = true
	}
	return n, err
}

type rwFn func(blkNr uint32, buf []byte, start uint32) (uint32, error)

func (a *Array) rwExtent(ext extent.Extent, buf []byte, max, start uint32, op string, fn rwFn) (uint32, error) {
	eff, err := a.chkExtentForRw(ext, max, start, op)
	if err != nil || eff == 0 {
		return 0, err
	}
	if !ext.IsSuballoc() {
		return fn(ext.BlkNr(), buf[:eff], start)
	}
	return a.rwSuballocExtent(ext, buf[:eff], start, fn)
}

// rwSuballocExtent walks the extent's subblock bitmap most-significant-bit
// first (EachSubblk yields ascending subblock offsets), skipping start
// bytes' worth of subblocks before issuing any transfer, and stitches runs
// of contiguous selected subblocks into a single call to fn rather than one
// call per subblock.
func (a *Array) rwSuballocExtent(ext extent.Extent, buf []byte, start uint32, fn rwFn) (uint32, error) {
	subblkSz := uint32(1) << (a.blkSzOrder - extent.SubblkSizeOrder)

	var offsets []uint32
	ext.EachSubblk(func(idx uint8) {
		offsets = append(offsets, uint32(idx)*subblkSz)
	})

	skip := start
	i := 0
	for i < len(offsets) && skip >= subblkSz {
		skip -= subblkSz
		i++
	}
	offsets = offsets[i:]

	var moved uint32
	bufOff := uint32(0)
	for len(offsets) > 0 && bufOff < uint32(len(buf)) {
		runLen := 1
		for runLen < len(offsets) && offsets[runLen] == offsets[runLen-1]+subblkSz {
			runLen++
		}

		blkOff := offsets[0] + skip
		want := uint32(runLen)*subblkSz - skip
		if want > uint32(len(buf))-bufOff {
			want = uint32(len(buf)) - bufOff
		}
		if want == 0 {
			break
		}
		n, err := fn(ext.BlkNr(), buf[bufOff:bufOff+want], blkOff)
		if err != nil {
			return moved, err
		}
		moved += n
		bufOff += n
		skip = 0
		offsets = offsets[runLen:]
		if n < want {
			break
		}
	}
	return moved, nil
}
