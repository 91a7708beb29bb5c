// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package blockarray

import (
	"fmt"
	"io"
	"os"

	"github.com/eldipa/xoz/xozerr"
	"golang.org/x/sys/unix"
)

// fileBacking is a Backing over a real on-disk file, adapted from lldb's
// OSFiler seek-then-read/write idiom. Growth always happens by extending
// the file with zero bytes; shrink always defers (returns 0), matching
// FileBlockArray::impl_shrink_by_blocks; only ReleaseBlocks ever truncates.
type fileBacking struct {
	f          *os.File
	blkSzOrder uint8
	pastEnd    uint32 // mirrors the owning Array's past_end_blk_nr
	locked     bool
}

// OpenFile opens (or creates, if create is true) path as a file-backed
// Array per opts. The file is advisory-locked for exclusive access for the
// lifetime of the returned Array, matching the single-writer non-goal.
func OpenFile(path string, opts Options, create bool) (*Array, error) {
	order, err := opts.blkSzOrder()
	if err != nil {
		return nil, &xozerr.OpenXOZ{Path: path, Msg: err.Error()}
	}

	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, xozerr.WrapOpen(path, "cannot open backing file", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, xozerr.WrapOpen(path, "backing file is locked by another process", err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, xozerr.WrapOpen(path, "cannot stat backing file", err)
	}
	blkSz := int64(opts.BlockSize)
	if fi.Size()%blkSz != 0 {
		f.Close()
		return nil, &xozerr.OpenXOZ{Path: path, Msg: fmt.Sprintf("file size %d is not a multiple of block size %d", fi.Size(), blkSz)}
	}
	if fi.Size()/blkSz > int64(^uint32(0)) {
		f.Close()
		return nil, &xozerr.OpenXOZ{Path: path, Msg: fmt.Sprintf("file size %d is too large to address with block size %d", fi.Size(), blkSz)}
	}
	pastEnd := uint32(fi.Size() / blkSz)

	fb := &fileBacking{f: f, blkSzOrder: order, pastEnd: pastEnd, locked: true}
	return newArray(path, fb, order, 0, pastEnd, pastEnd)
}

func (fb *fileBacking) GrowByBlocks(blkCnt uint32) (uint32, uint32, error) {
	blkNr := fb.pastEnd
	blkSz := int64(1) << fb.blkSzOrder
	newPastEnd := fb.pastEnd + blkCnt
	newSize := int64(newPastEnd) * blkSz

	fi, err := fb.f.Stat()
	if err != nil {
		return 0, 0, err
	}
	if fi.Size() < newSize {
		if err := fb.zeroExtendTo(newSize); err != nil {
			return 0, 0, err
		}
	}
	fb.pastEnd = newPastEnd
	return blkNr, blkCnt, nil
}

// zeroExtendTo grows the backing file up to size bytes, writing zeros in
// batches rather than relying on a sparse-file hole, so the bytes read back
// are deterministically zero regardless of filesystem support for holes.
func (fb *fileBacking) zeroExtendTo(size int64) error {
	const batch = 64 * 1024
	cur, err := fb.f.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	zeros := make([]byte, batch)
	for cur < size {
		n := int64(batch)
		if size-cur < n {
			n = size - cur
		}
		if _, err := fb.f.Write(zeros[:n]); err != nil {
			return err
		}
		cur += n
	}
	return nil
}

func (fb *fileBacking) ShrinkByBlocks(blkCnt uint32) (uint32, error) {
	return 0, nil
}

// ReleaseBlocks truncates the file down to pastEnd blocks, the owning
// Array's current logical past-end, reclaiming whatever slack
// ShrinkByBlocks left deferred.
func (fb *fileBacking) ReleaseBlocks(pastEnd uint32) (uint32, error) {
	if fb.pastEnd <= pastEnd {
		return 0, nil
	}
	blkSz := int64(1) << fb.blkSzOrder
	released := fb.pastEnd - pastEnd
	if err := fb.f.Truncate(int64(pastEnd) * blkSz); err != nil {
		return 0, err
	}
	fb.pastEnd = pastEnd
	return released, nil
}

func (fb *fileBacking) Read(blkNr uint32, buf []byte, start uint32) (uint32, error) {
	off := int64(blkNr)<<fb.blkSzOrder + int64(start)
	n, err := fb.f.ReadAt(buf, off)
	if err == io.EOF {
		err = nil
	}
	return uint32(n), err
}

func (fb *fileBacking) Write(blkNr uint32, buf []byte, start uint32) (uint32, error) {
	off := int64(blkNr)<<fb.blkSzOrder + int64(start)
	n, err := fb.f.WriteAt(buf, off)
	return uint32(n), err
}

func (fb *fileBacking) Close() error {
	if fb.locked {
		unix.Flock(int(fb.f.Fd()), unix.LOCK_UN)
		fb.locked = false
	}
	return fb.f.Close()
}

// memBacking is a Backing over a growable in-memory byte slice, the
// in-memory analogue of fileBacking (and of lldb's MemFiler). It is used
// for scratch arrays that never touch disk.
type memBacking struct {
	buf        []byte
	blkSzOrder uint8
	pastEnd    uint32
}

// OpenMem returns a fresh in-memory-backed Array per opts, starting empty.
func OpenMem(name string, opts Options) (*Array, error) {
	order, err := opts.blkSzOrder()
	if err != nil {
		return nil, err
	}
	mb := &memBacking{blkSzOrder: order}
	return newArray(name, mb, order, 0, 0, 0)
}

func (mb *memBacking) GrowByBlocks(blkCnt uint32) (uint32, uint32, error) {
	blkNr := mb.pastEnd
	blkSz := uint32(1) << mb.blkSzOrder
	newSize := (mb.pastEnd + blkCnt) * blkSz
	if uint32(len(mb.buf)) < newSize {
		grown := make([]byte, newSize)
		copy(grown, mb.buf)
		mb.buf = grown
	}
	mb.pastEnd += blkCnt
	return blkNr, blkCnt, nil
}

func (mb *memBacking) ShrinkByBlocks(blkCnt uint32) (uint32, error) {
	return 0, nil
}

// ReleaseBlocks shrinks the backing buffer down to pastEnd blocks, the
// owning Array's current logical past-end, reclaiming whatever slack
// ShrinkByBlocks left deferred.
func (mb *memBacking) ReleaseBlocks(pastEnd uint32) (uint32, error) {
	if mb.pastEnd <= pastEnd {
		return 0, nil
	}
	blkSz := uint32(1) << mb.blkSzOrder
	released := mb.pastEnd - pastEnd
	keepSize := pastEnd * blkSz
	shrunk := make([]byte, keepSize)
	copy(shrunk, mb.buf[:keepSize])
	mb.buf = shrunk
	mb.pastEnd = pastEnd
	return released, nil
}

func (mb *memBacking) Read(blkNr uint32, buf []byte, start uint32) (uint32, error) {
	off := blkNr<<mb.blkSzOrder + start
	n := copy(buf, mb.buf[off:])
	return uint32(n), nil
}

func (mb *memBacking) Write(blkNr uint32, buf []byte, start uint32) (uint32, error) {
	off := blkNr<<mb.blkSzOrder + start
	n := copy(mb.buf[off:], buf)
	return uint32(n), nil
}

func (mb *memBacking) Close() error { return nil }
