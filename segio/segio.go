// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package segio implements a byte cursor over a Segment's logical data
// space — the concatenation of each of its extents' backing bytes followed
// by its inline tail — addressed through a host block array.
package segio

import (
	"github.com/eldipa/xoz/extent"
	"github.com/eldipa/xoz/segment"
)

// Host is the subset of blockarray.Array a SegIO needs: read/write of a
// single extent. A segment-backed block array's own parent array satisfies
// this directly.
type Host interface {
	ReadExtent(ext extent.Extent, buf []byte, max, start uint32) (uint32, error)
	WriteExtent(ext extent.Extent, buf []byte, max, start uint32) (uint32, error)
	BlkSzOrder() uint8
}

// SegIO is a byte cursor over seg's logical data space: ext[0].data ||
// ext[1].data || ... || inline_tail. It precomputes, once at construction,
// the byte offset where each extent's contribution begins so a lookup from
// an absolute position scans those offsets rather than re-summing extent
// sizes.
type SegIO struct {
	host           Host
	seg            *segment.Segment
	beginPositions []uint32 // beginPositions[i] = byte offset of ext[i]
	noInlineSz     uint32   // total size of all extents, excluding inline tail
	rd, wr         uint32
}

// New builds a SegIO over seg's data space, read from/written to through
// host.
func New(host Host, seg *segment.Segment) *SegIO {
	exts := seg.Exts()
	sio := &SegIO{host: host, seg: seg, beginPositions: make([]uint32, len(exts))}
	var off uint32
	order := host.BlkSzOrder()
	for i, ext := range exts {
		sio.beginPositions[i] = off
		off += uint32(ext.DataSpaceSize(order))
	}
	sio.noInlineSz = off
	return sio
}

// Size returns the total logical size: all extents plus the inline tail.
func (sio *SegIO) Size() uint32 {
	return sio.noInlineSz + uint32(len(sio.seg.InlineData()))
}

// TellRd returns the current read cursor.
func (sio *SegIO) TellRd() uint32 { return sio.rd }

// TellWr returns the current write cursor.
func (sio *SegIO) TellWr() uint32 { return sio.wr }

// SeekRd sets the absolute read cursor, clamped to [0, Size()].
func (sio *SegIO) SeekRd(pos uint32) { sio.rd = clamp(pos, sio.Size()) }

// SeekWr sets the absolute write cursor, clamped to [0, Size()].
func (sio *SegIO) SeekWr(pos uint32) { sio.wr = clamp(pos, sio.Size()) }

func clamp(pos, max uint32) uint32 {
	if pos > max {
		return max
	}
	return pos
}

// locate finds, for absolute byte position p within the non-inline region,
// the extent index i such that beginPositions[i] <= p < beginPositions[i]+
// ext[i].data_space_size, along with the offset within that extent.
func (sio *SegIO) locate(p uint32) (idx int, offset uint32) {
	exts := sio.seg.Exts()
	// Linear scan: segments rarely carry more than a handful of extents,
	// and each lookup is immediately followed by an I/O call dwarfing the
	// scan cost.
	i := 0
	for i+1 < len(sio.beginPositions) && sio.beginPositions[i+1] <= p {
		i++
	}
	if len(exts) == 0 {
		return -1, 0
	}
	return i, p - sio.beginPositions[i]
}

// Read copies up to len(buf) bytes from the cursor, advancing it. It
// returns the number of bytes actually moved; fewer than len(buf) signals
// the end of the segment's data space.
func (sio *SegIO) Read(buf []byte) (uint32, error) {
	n, err := sio.rw(buf, &sio.rd, true)
	return n, err
}

// Write is Read's dual.
func (sio *SegIO) Write(buf []byte) (uint32, error) {
	return sio.rw(buf, &sio.wr, false)
}

func (sio *SegIO) rw(buf []byte, cur *uint32, isRead bool) (uint32, error) {
	var moved uint32
	for moved < uint32(len(buf)) && *cur < sio.noInlineSz {
		idx, offset := sio.locate(*cur)
		if idx < 0 {
			break
		}
		ext := sio.seg.Exts()[idx]
		want := uint32(len(buf)) - moved
		var n uint32
		var err error
		if isRead {
			n, err = sio.host.ReadExtent(ext, buf[moved:], want, offset)
		} else {
			n, err = sio.host.WriteExtent(ext, buf[moved:], want, offset)
		}
		if err != nil {
			return moved, err
		}
		moved += n
		*cur += n
		if n == 0 {
			break
		}
	}

	if moved < uint32(len(buf)) && *cur >= sio.noInlineSz {
		inline := sio.seg.InlineData()
		inlineOff := *cur - sio.noInlineSz
		if inlineOff < uint32(len(inline)) {
			if isRead {
				n := uint32(copy(buf[moved:], inline[inlineOff:]))
				moved += n
				*cur += n
			} else {
				n := uint32(copy(inline[inlineOff:], buf[moved:]))
				moved += n
				*cur += n
			}
		}
	}

	return moved, nil
}
