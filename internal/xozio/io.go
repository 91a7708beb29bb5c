// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package xozio provides the single byte-cursor abstraction every xoz
// codec reads from and writes to: a source/sink of known finite size with
// independent read and write cursors, exact (all-or-fail) and best-effort
// operations, saturating seeks, and little-endian fixed-width helpers.
//
// It plays the role lldb's Filer plays for on-disk storage, but at byte
// (not block) granularity and with the two independent cursors the xoz
// wire codecs (segment, descriptor) are built around.
package xozio

import (
	"encoding/binary"

	"github.com/eldipa/xoz/xozerr"
	"modernc.org/mathutil"
)

// Seekdir selects how Seek{Rd,Wr} interprets its pos argument.
type Seekdir int

const (
	Beg Seekdir = iota // absolute, from the start
	End                // absolute, counted back from src_sz
	Fwd                // relative, forward from the current cursor
	Bwd                // relative, backward from the current cursor
)

// Backend is the minimal operation an IO implementation must provide: move
// up to len(data) bytes between the cursor position implied by rd/wr and
// data, returning how many bytes were actually moved. IO itself owns the
// cursor bookkeeping and bounds checks; Backend only performs the raw
// transfer, mirroring the split between IOBase and its rw_operation hook.
type Backend interface {
	// RWAt performs a raw, unchecked transfer of at most len(data) bytes
	// at byte offset off. isRead selects the direction. It returns the
	// count of bytes actually moved.
	RWAt(isRead bool, data []byte, off uint32) (moved uint32)
}

// IO is a byte source/sink of known finite size (SrcSz) with independent
// read (Rd) and write (Wr) cursors. It never grows or shrinks SrcSz; that
// is the caller's responsibility (e.g. blockarray truncating/extending its
// backing before handing out a new IO window).
type IO struct {
	backend Backend
	srcSz   uint32
	rd, wr  uint32
}

// New wraps backend, a source/sink of exactly srcSz bytes, in an IO.
func New(backend Backend, srcSz uint32) *IO {
	return &IO{backend: backend, srcSz: srcSz}
}

// SrcSz returns the fixed size of the underlying source/sink.
func (io *IO) SrcSz() uint32 { return io.srcSz }

// TellRd returns the current read cursor.
func (io *IO) TellRd() uint32 { return io.rd }

// TellWr returns the current write cursor.
func (io *IO) TellWr() uint32 { return io.wr }

// RemainRd returns how many bytes remain to be read from the read cursor.
func (io *IO) RemainRd() uint32 { return io.srcSz - io.rd }

// RemainWr returns how many bytes remain to be written from the write cursor.
func (io *IO) RemainWr() uint32 { return io.srcSz - io.wr }

// SeekRd moves the read cursor per way; see Seekdir. Seeking past the end
// is never an error by itself — only a later read against the new position
// can fail.
func (io *IO) SeekRd(pos uint32, way Seekdir) {
	io.rd = calcSeek(pos, io.rd, way, io.srcSz)
}

// SeekWr moves the write cursor per way; see Seekdir.
func (io *IO) SeekWr(pos uint32, way Seekdir) {
	io.wr = calcSeek(pos, io.wr, way, io.srcSz)
}

// calcSeek mirrors IOBase::calc_seek: absolute positions clamp to srcSz on
// overflow; backward positions (End, underflowing Bwd) clamp to 0. Using
// int64 intermediates, as lldb's Filers do via mathutil.Min/MaxInt64, keeps
// the overflow-prone subtraction safe without a manual overflow check.
func calcSeek(pos, cur uint32, way Seekdir, srcSz uint32) uint32 {
	switch way {
	case Beg:
		return uint32(mathutil.MinInt64(int64(pos), int64(srcSz)))
	case End:
		return uint32(mathutil.MaxInt64(int64(srcSz)-int64(pos), 0))
	case Fwd:
		return uint32(mathutil.MinInt64(int64(cur)+int64(pos), int64(srcSz)))
	case Bwd:
		return uint32(mathutil.MaxInt64(int64(cur)-int64(pos), 0))
	default:
		panic("xozio: invalid Seekdir")
	}
}

// ReadSome reads at most len(buf) bytes starting at the read cursor,
// advancing it by however many bytes were actually moved (0 at EOF). It
// never errors: a short read from the backend or hitting the end of the
// source is not an error condition for *some operations.
func (io *IO) ReadSome(buf []byte) uint32 {
	return io.rwSome(true, buf)
}

// WriteSome writes at most len(buf) bytes starting at the write cursor, the
// dual of ReadSome.
func (io *IO) WriteSome(buf []byte) uint32 {
	return io.rwSome(false, buf)
}

func (io *IO) rwSome(isRead bool, buf []byte) uint32 {
	var remain uint32
	var cur *uint32
	if isRead {
		remain = io.RemainRd()
		cur = &io.rd
	} else {
		remain = io.RemainWr()
		cur = &io.wr
	}
	max := uint32(len(buf))
	if max > remain {
		max = remain
	}
	if max == 0 {
		return 0
	}
	moved := io.backend.RWAt(isRead, buf[:max], *cur)
	*cur += moved
	return moved
}

// ReadAll reads exactly len(buf) bytes, advancing the read cursor by that
// many. It returns xozerr.NotEnoughRoom if fewer bytes remain than
// requested, and xozerr.UnexpectedShorten if the backend moved fewer bytes
// than requested despite sufficient remaining space — context is used
// verbatim in the returned error's message.
func (io *IO) ReadAll(buf []byte, context string) error {
	return io.rwAll(true, buf, context)
}

// WriteAll is ReadAll's write-side dual.
func (io *IO) WriteAll(buf []byte, context string) error {
	return io.rwAll(false, buf, context)
}

func (io *IO) rwAll(isRead bool, buf []byte, context string) error {
	n := uint32(len(buf))
	var remain uint32
	if isRead {
		remain = io.RemainRd()
	} else {
		remain = io.RemainWr()
	}
	if remain < n {
		return &xozerr.NotEnoughRoom{Requested: n, Available: remain, Context: context}
	}
	moved := io.rwSome(isRead, buf)
	if moved != n {
		return &xozerr.UnexpectedShorten{Requested: n, Available: remain, Actual: moved, Context: context}
	}
	return nil
}

// ReadU16LE reads a little-endian uint16, advancing the read cursor by 2.
func (io *IO) ReadU16LE(context string) (uint16, error) {
	var buf [2]byte
	if err := io.ReadAll(buf[:], context); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

// WriteU16LE writes v little-endian, advancing the write cursor by 2.
func (io *IO) WriteU16LE(v uint16, context string) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	return io.WriteAll(buf[:], context)
}

// ReadU32LE reads a little-endian uint32, advancing the read cursor by 4.
func (io *IO) ReadU32LE(context string) (uint32, error) {
	var buf [4]byte
	if err := io.ReadAll(buf[:], context); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// WriteU32LE writes v little-endian, advancing the write cursor by 4.
func (io *IO) WriteU32LE(v uint32, context string) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return io.WriteAll(buf[:], context)
}

// fillBatchSize is the stack-buffer batch size for Fill, matching spec
// §4.2's "batch size >= 16" requirement.
const fillBatchSize = 64

// Fill writes n copies of b starting at the write cursor, in batches of up
// to fillBatchSize bytes, advancing the write cursor by n.
func (io *IO) Fill(b byte, n uint32, context string) error {
	var batch [fillBatchSize]byte
	for i := range batch {
		batch[i] = b
	}
	remain := n
	for remain > 0 {
		chunk := uint32(len(batch))
		if chunk > remain {
			chunk = remain
		}
		if err := io.WriteAll(batch[:chunk], context); err != nil {
			return err
		}
		remain -= chunk
	}
	return nil
}
