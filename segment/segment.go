// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package segment implements the xoz Segment: an ordered list of extents
// plus an optional inline byte tail, and its variable-length bit-packed
// wire encoding (spec §4.4). A Segment addresses a logical byte range —
// "ext[0].data || ext[1].data || ... || inline" — without itself knowing
// what that range holds; segio builds a byte cursor over it.
package segment

import (
	"fmt"
	"math"

	"github.com/eldipa/xoz/extent"
	"github.com/eldipa/xoz/internal/xozio"
	"github.com/eldipa/xoz/xozerr"
)

// MaxInlineSize is the largest inline tail a Segment can carry.
const MaxInlineSize = (1 << 6) - 1

// UnboundedLen tells LoadStructFrom to read items until an inline header is
// seen, rather than stopping after a known number of items.
const UnboundedLen = math.MaxUint32

// wire layout constants (see DESIGN.md for the derivation from spec.md's
// bit-exact examples).
const (
	tagMask     = 0xc000
	tagBlockRun = 0x0000
	tagSuballoc = 0x8000
	tagInline   = 0xc000

	smallcntPresentBit = 0x0800 // bit 11
	nearBit            = 0x0400 // bit 10
	hiBits2Mask        = 0x0300 // bits 9,8: blk_nr[25:24] in far forms

	inlineLenMask = 0x3f00 // bits 13..8
)

// Segment is an ordered list of extents plus an optional inline tail.
type Segment struct {
	exts          []extent.Extent
	inlinePresent bool
	inline        []byte
}

// New returns an empty Segment with no inline tail.
func New() *Segment {
	return &Segment{}
}

// AddExtent appends ext to the segment.
func (s *Segment) AddExtent(ext extent.Extent) {
	s.exts = append(s.exts, ext)
}

// ClearExtents removes all extents, leaving the inline tail untouched.
func (s *Segment) ClearExtents() {
	s.exts = nil
}

// Exts returns the segment's extents, in order.
func (s *Segment) Exts() []extent.Extent {
	return s.exts
}

// SetInlineData sets the inline tail to a copy of data. len(data) must be
// at most MaxInlineSize.
func (s *Segment) SetInlineData(data []byte) error {
	if len(data) > MaxInlineSize {
		return &xozerr.WouldEndUpInconsistentXOZ{
			Msg: fmt.Sprintf("inline data of %d bytes exceeds the maximum of %d", len(data), MaxInlineSize),
		}
	}
	s.inlinePresent = true
	s.inline = append([]byte(nil), data...)
	return nil
}

// RemoveInlineData clears the inline tail.
func (s *Segment) RemoveInlineData() {
	s.inlinePresent = false
	s.inline = nil
}

// AddEndOfSegment marks the segment as inline-terminated with a zero-length
// inline tail, without disturbing any inline bytes already present.
func (s *Segment) AddEndOfSegment() {
	s.inlinePresent = true
}

// HasEndOfSegment reports whether the segment carries an inline tail (of
// any length, including zero — zero-length inline doubles as an
// end-of-segment marker on the wire).
func (s *Segment) HasEndOfSegment() bool {
	return s.inlinePresent
}

// InlineData returns the inline tail bytes (nil if none).
func (s *Segment) InlineData() []byte {
	return s.inline
}

// Length returns the count of extents plus one if an inline tail is present
// — the unit spec.md's segm_len is expressed in.
func (s *Segment) Length() uint32 {
	n := uint32(len(s.exts))
	if s.inlinePresent {
		n++
	}
	return n
}

// CalcStructFootprintSize returns the on-disk byte size of the segment
// structure itself (extents + inline overhead), not counting the bytes the
// extents' blocks address.
func (s *Segment) CalcStructFootprintSize() uint32 {
	sz := uint32(0)
	prevAnchor := uint32(0)
	for _, ext := range s.exts {
		words, newAnchor := planExtent(ext, prevAnchor)
		sz += uint32(len(words)) * 2
		prevAnchor = newAnchor
	}
	if s.inlinePresent {
		sz += inlineFootprint(uint8(len(s.inline)))
	}
	return sz
}

// CalcDataSpaceSize returns the total usable data bytes this segment
// addresses, given the owning array's block-size order: the sum of each
// extent's data space plus the inline tail's length.
func (s *Segment) CalcDataSpaceSize(blkSzOrder uint8) uint64 {
	sz := uint64(0)
	for _, ext := range s.exts {
		sz += ext.DataSpaceSize(blkSzOrder)
	}
	sz += uint64(len(s.inline))
	return sz
}

func inlineFootprint(length uint8) uint32 {
	if length == 1 {
		return 2 // header word only, byte carried in the header itself
	}
	return 2 + uint32(length)
}

// planExtent computes the wire words for ext given the running near-delta
// anchor prevAnchor, returning those words and the updated anchor
// (ext.PastEndBlkNr()).
func planExtent(ext extent.Extent, prevAnchor uint32) (words []uint16, newAnchor uint32) {
	if ext.IsSuballoc() {
		words = planSuballoc(ext, prevAnchor)
	} else {
		words = planBlockRun(ext, prevAnchor)
	}
	return words, ext.PastEndBlkNr()
}

func wouldWrapBackward(delta int64, blkNr uint32, coveredBlocks uint32, prevAnchor uint32) bool {
	if delta >= 0 {
		return false
	}
	pastEnd := uint64(blkNr) + uint64(coveredBlocks)
	return pastEnd >= uint64(prevAnchor)
}

func planBlockRun(ext extent.Extent, prevAnchor uint32) []uint16 {
	cnt := ext.BlkCnt()
	smallcntPresent := cnt >= 1 && cnt <= 15
	delta := int64(ext.BlkNr()) - int64(prevAnchor)

	if smallcntPresent && delta >= -8 && delta <= 7 &&
		!wouldWrapBackward(delta, ext.BlkNr(), uint32(cnt), prevAnchor) {
		byte0 := (nibble4(delta) << 4) | uint8(cnt-1)
		word0 := uint16(tagBlockRun) | smallcntPresentBit | nearBit | uint16(byte0)
		return []uint16{word0}
	}
	if !smallcntPresent && delta >= -128 && delta <= 127 &&
		!wouldWrapBackward(delta, ext.BlkNr(), uint32(cnt), prevAnchor) {
		word0 := uint16(tagBlockRun) | nearBit | uint16(uint8(int8(delta)))
		return []uint16{word0, uint16(cnt)}
	}
	// Far form.
	if smallcntPresent {
		hi6 := ext.BlkNr() >> 16
		if hi6 <= 0x3f {
			hiNibble := uint8((hi6 >> 2) & 0x0f)
			hiBits2 := uint16(hi6&0x3) << 8
			byte0 := (hiNibble << 4) | uint8(cnt-1)
			word0 := uint16(tagBlockRun) | smallcntPresentBit | hiBits2 | uint16(byte0)
			lo16 := uint16(ext.BlkNr() & 0xffff)
			return []uint16{word0, lo16}
		}
		// High bits don't fit the reduced far+smallcnt budget; fall back
		// to the full far form below.
	}
	hi10 := ext.BlkNr() >> 16
	byte0 := uint8(hi10 & 0xff)
	hiBits2 := uint16((hi10>>8)&0x3) << 8
	word0 := uint16(tagBlockRun) | hiBits2 | uint16(byte0)
	lo16 := uint16(ext.BlkNr() & 0xffff)
	return []uint16{word0, lo16, uint16(cnt)}
}

func planSuballoc(ext extent.Extent, prevAnchor uint32) []uint16 {
	delta := int64(ext.BlkNr()) - int64(prevAnchor)
	if delta >= -128 && delta <= 127 && !wouldWrapBackward(delta, ext.BlkNr(), 1, prevAnchor) {
		word0 := uint16(tagSuballoc) | nearBit | uint16(uint8(int8(delta)))
		return []uint16{word0, ext.Bitmap()}
	}
	hi10 := ext.BlkNr() >> 16
	byte0 := uint8(hi10 & 0xff)
	hiBits2 := uint16((hi10>>8)&0x3) << 8
	word0 := uint16(tagSuballoc) | hiBits2 | uint16(byte0)
	lo16 := uint16(ext.BlkNr() & 0xffff)
	return []uint16{word0, lo16, ext.Bitmap()}
}

// nibble4 packs a signed delta known to fit in [-8, 7] into an unsigned
// 4-bit two's complement field.
func nibble4(delta int64) uint8 {
	return uint8(delta) & 0x0f
}

// signExtend4 interprets a 4-bit field as two's complement.
func signExtend4(field uint8) int64 {
	if field&0x8 != 0 {
		return int64(field) - 16
	}
	return int64(field)
}

// WriteStructInto serializes the segment to io: each extent's item word(s),
// in order, followed by the inline header and tail if present.
func (s *Segment) WriteStructInto(io *xozio.IO) error {
	prevAnchor := uint32(0)
	for _, ext := range s.exts {
		words, newAnchor := planExtent(ext, prevAnchor)
		for _, w := range words {
			if err := io.WriteU16LE(w, "writing segment extent item"); err != nil {
				return err
			}
		}
		prevAnchor = newAnchor
	}
	if s.inlinePresent {
		return s.writeInline(io)
	}
	return nil
}

func (s *Segment) writeInline(io *xozio.IO) error {
	length := uint8(len(s.inline))
	var byte0 uint8
	if length == 1 {
		byte0 = s.inline[0]
	}
	word0 := uint16(tagInline) | (uint16(length)<<8)&inlineLenMask | uint16(byte0)
	if err := io.WriteU16LE(word0, "writing inline header"); err != nil {
		return err
	}
	if length >= 2 {
		if err := io.WriteAll(s.inline, "writing inline data"); err != nil {
			return err
		}
	}
	return nil
}

// LoadStructFrom decodes a Segment from io. If segmLen is UnboundedLen, it
// reads items until an inline header is seen (the inline tail acting as
// end-of-segment sentinel); otherwise it reads exactly segmLen items
// (extents plus, if present, the inline item).
func LoadStructFrom(io *xozio.IO, segmLen uint32) (*Segment, error) {
	s := New()
	if err := s.readStructFrom(io, segmLen); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Segment) readStructFrom(io *xozio.IO, segmLen uint32) error {
	unbounded := segmLen == UnboundedLen
	count := uint32(0)
	prevAnchor := uint32(0)

	for {
		if !unbounded && count == segmLen {
			return nil
		}
		if unbounded && io.RemainRd() == 0 {
			return &xozerr.InconsistentXOZ{
				Msg: "segment is inline-terminated but no inline terminator was found before end of input",
			}
		}

		word0, err := io.ReadU16LE("cannot read extent/inline header")
		if err != nil {
			return err
		}

		switch word0 & tagMask {
		case tagInline:
			length, byte0 := decodeInlineHeader(word0)
			count++
			if !unbounded && count != segmLen {
				return &xozerr.InconsistentXOZ{
					Msg: fmt.Sprintf("segment declared length %d items but inline terminator reached after %d items", segmLen, count),
				}
			}
			data, err := readInlinePayload(io, length, byte0)
			if err != nil {
				return err
			}
			s.inlinePresent = true
			s.inline = data
			return nil

		case tagSuballoc:
			ext, newAnchor, err := decodeSuballoc(io, word0, prevAnchor)
			if err != nil {
				return err
			}
			s.exts = append(s.exts, ext)
			prevAnchor = newAnchor
			count++

		default: // tagBlockRun (tag bits 00); 01 is reserved and treated as block-run too
			ext, newAnchor, err := decodeBlockRun(io, word0, prevAnchor)
			if err != nil {
				return err
			}
			s.exts = append(s.exts, ext)
			prevAnchor = newAnchor
			count++
		}
	}
}

func decodeInlineHeader(word0 uint16) (length uint8, byte0 uint8) {
	length = uint8((word0 & inlineLenMask) >> 8)
	byte0 = uint8(word0 & 0xff)
	return length, byte0
}

func readInlinePayload(io *xozio.IO, length uint8, byte0 uint8) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	if length == 1 {
		return []byte{byte0}, nil
	}
	data := make([]byte, length)
	if err := io.ReadAll(data, "inline data is partially read"); err != nil {
		return nil, err
	}
	return data, nil
}

func decodeBlockRun(io *xozio.IO, word0 uint16, prevAnchor uint32) (extent.Extent, uint32, error) {
	byte0 := uint8(word0 & 0xff)
	smallcntPresent := word0&smallcntPresentBit != 0
	near := word0&nearBit != 0
	hiBits2 := uint32((word0 & hiBits2Mask) >> 8)

	var blkNr uint32
	var cnt uint16

	switch {
	case near && smallcntPresent:
		hiNibble := (byte0 >> 4) & 0x0f
		loNibble := byte0 & 0x0f
		delta := signExtend4(hiNibble)
		if err := checkNoWrap(delta, prevAnchor); err != nil {
			return extent.Extent{}, 0, err
		}
		blkNr = uint32(int64(prevAnchor) + delta)
		cnt = uint16(loNibble) + 1
		if err := checkBackwardWrap(delta, blkNr, uint32(cnt), prevAnchor); err != nil {
			return extent.Extent{}, 0, err
		}

	case near && !smallcntPresent:
		delta := int64(int8(byte0))
		if err := checkNoWrap(delta, prevAnchor); err != nil {
			return extent.Extent{}, 0, err
		}
		blkNr = uint32(int64(prevAnchor) + delta)
		cntWord, err := io.ReadU16LE("cannot read block count")
		if err != nil {
			return extent.Extent{}, 0, err
		}
		cnt = cntWord
		if err := checkBackwardWrap(delta, blkNr, uint32(cnt), prevAnchor); err != nil {
			return extent.Extent{}, 0, err
		}

	case !near && smallcntPresent:
		hiNibble := uint32((byte0 >> 4) & 0x0f)
		loNibble := byte0 & 0x0f
		hi6 := (hiNibble << 2) | hiBits2
		lo16, err := io.ReadU16LE("cannot read LSB block number")
		if err != nil {
			return extent.Extent{}, 0, err
		}
		blkNr = (hi6 << 16) | uint32(lo16)
		cnt = uint16(loNibble) + 1

	default: // far, full count
		hi10 := (hiBits2 << 8) | uint32(byte0)
		lo16, err := io.ReadU16LE("cannot read LSB block number")
		if err != nil {
			return extent.Extent{}, 0, err
		}
		blkNr = (hi10 << 16) | uint32(lo16)
		cntWord, err := io.ReadU16LE("cannot read block count")
		if err != nil {
			return extent.Extent{}, 0, err
		}
		cnt = cntWord
	}

	if blkNr == 0 {
		return extent.Extent{}, 0, &xozerr.InconsistentXOZ{Msg: "decoded block number is zero"}
	}
	if cnt == 0 {
		return extent.Extent{}, 0, &xozerr.InconsistentXOZ{Msg: "decoded block-run extent has a zero block count"}
	}
	ext := extent.NewBlockRun(blkNr, cnt)
	return ext, ext.PastEndBlkNr(), nil
}

func decodeSuballoc(io *xozio.IO, word0 uint16, prevAnchor uint32) (extent.Extent, uint32, error) {
	byte0 := uint8(word0 & 0xff)
	near := word0&nearBit != 0
	hiBits2 := uint32((word0 & hiBits2Mask) >> 8)

	var blkNr uint32
	if near {
		delta := int64(int8(byte0))
		if err := checkNoWrap(delta, prevAnchor); err != nil {
			return extent.Extent{}, 0, err
		}
		blkNr = uint32(int64(prevAnchor) + delta)
		if err := checkBackwardWrap(delta, blkNr, 1, prevAnchor); err != nil {
			return extent.Extent{}, 0, err
		}
	} else {
		hi10 := (hiBits2 << 8) | uint32(byte0)
		lo16, err := io.ReadU16LE("cannot read LSB block number")
		if err != nil {
			return extent.Extent{}, 0, err
		}
		blkNr = (hi10 << 16) | uint32(lo16)
	}

	bitmap, err := io.ReadU16LE("cannot read subblock bitmap")
	if err != nil {
		return extent.Extent{}, 0, err
	}

	if blkNr == 0 {
		return extent.Extent{}, 0, &xozerr.InconsistentXOZ{Msg: "decoded block number is zero"}
	}
	ext := extent.NewSuballoc(blkNr, bitmap)
	return ext, ext.PastEndBlkNr(), nil
}

func checkNoWrap(delta int64, prevAnchor uint32) error {
	if int64(prevAnchor)+delta < 0 {
		return &xozerr.InconsistentXOZ{Msg: "near-encoded block number underflows below zero"}
	}
	return nil
}

func checkBackwardWrap(delta int64, blkNr uint32, coveredBlocks uint32, prevAnchor uint32) error {
	if delta >= 0 {
		return nil
	}
	pastEnd := uint64(blkNr) + uint64(coveredBlocks)
	if pastEnd >= uint64(prevAnchor) {
		return &xozerr.InconsistentXOZ{
			Msg: fmt.Sprintf("near-encoded backward extent wraps around: past_end %d >= prev anchor %d", pastEnd, prevAnchor),
		}
	}
	return nil
}
