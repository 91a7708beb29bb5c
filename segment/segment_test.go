// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package segment

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/eldipa/xoz/extent"
	"github.com/eldipa/xoz/internal/xozio"
)

func encodeToBytes(t *testing.T, s *Segment) []byte {
	t.Helper()
	sz := s.CalcStructFootprintSize()
	buf := make([]byte, sz)
	span := xozio.NewSpan(buf)
	io := span.NewIO()
	if err := s.WriteStructInto(io); err != nil {
		t.Fatalf("WriteStructInto: %v", err)
	}
	return span.Bytes()
}

func decodeFromBytes(t *testing.T, raw []byte, segmLen uint32) *Segment {
	t.Helper()
	span := xozio.NewSpan(append([]byte(nil), raw...))
	io := span.NewIO()
	s, err := LoadStructFrom(io, segmLen)
	if err != nil {
		t.Fatalf("LoadStructFrom: %v", err)
	}
	return s
}

func TestEmptySegment(t *testing.T) {
	s := New()
	got := encodeToBytes(t, s)
	if len(got) != 0 {
		t.Fatalf("got %x, want empty", got)
	}
}

func TestEmptyInlineTerminated(t *testing.T) {
	s := New()
	s.AddEndOfSegment()
	got := encodeToBytes(t, s)
	want := []byte{0x00, 0xc0}
	if !bytes.Equal(got, want) {
		t.Fatalf("got % x, want % x", got, want)
	}

	dec := decodeFromBytes(t, want, UnboundedLen)
	if !dec.HasEndOfSegment() || len(dec.InlineData()) != 0 {
		t.Fatalf("decoded segment = %+v, want empty inline-terminated", dec)
	}
}

func TestInlineAB(t *testing.T) {
	s := New()
	if err := s.SetInlineData([]byte("AB")); err != nil {
		t.Fatal(err)
	}
	got := encodeToBytes(t, s)
	want := []byte{0x00, 0xc2, 0x41, 0x42}
	if !bytes.Equal(got, want) {
		t.Fatalf("got % x, want % x", got, want)
	}

	dec := decodeFromBytes(t, want, UnboundedLen)
	if string(dec.InlineData()) != "AB" {
		t.Fatalf("decoded inline = %q, want AB", dec.InlineData())
	}
}

func TestInlineSingleByte(t *testing.T) {
	s := New()
	if err := s.SetInlineData([]byte{0x41}); err != nil {
		t.Fatal(err)
	}
	got := encodeToBytes(t, s)
	want := []byte{0x41, 0xc1}
	if !bytes.Equal(got, want) {
		t.Fatalf("got % x, want % x", got, want)
	}

	dec := decodeFromBytes(t, want, UnboundedLen)
	if len(dec.InlineData()) != 1 || dec.InlineData()[0] != 0x41 {
		t.Fatalf("decoded inline = %v, want [0x41]", dec.InlineData())
	}
}

func TestBlockRunFarSmallcnt(t *testing.T) {
	s := New()
	s.AddExtent(extent.NewBlockRun(0x2ff, 1))
	got := encodeToBytes(t, s)
	want := []byte{0x00, 0x08, 0xff, 0x02}
	if !bytes.Equal(got, want) {
		t.Fatalf("got % x, want % x", got, want)
	}

	dec := decodeFromBytes(t, want, 1)
	if len(dec.Exts()) != 1 || dec.Exts()[0].BlkNr() != 0x2ff || dec.Exts()[0].BlkCnt() != 1 {
		t.Fatalf("decoded = %+v", dec.Exts())
	}
}

func TestBlockRunFarFullCount16(t *testing.T) {
	s := New()
	s.AddExtent(extent.NewBlockRun(0xe00, 16))
	got := encodeToBytes(t, s)
	want := []byte{0x00, 0x00, 0x00, 0x0e, 0x10, 0x00}
	if !bytes.Equal(got, want) {
		t.Fatalf("got % x, want % x", got, want)
	}

	dec := decodeFromBytes(t, want, 1)
	if len(dec.Exts()) != 1 || dec.Exts()[0].BlkNr() != 0xe00 || dec.Exts()[0].BlkCnt() != 16 {
		t.Fatalf("decoded = %+v", dec.Exts())
	}
}

func TestSuballocFar(t *testing.T) {
	s := New()
	s.AddExtent(extent.NewSuballoc(0xdab, 0x00ff))
	got := encodeToBytes(t, s)
	want := []byte{0x00, 0x80, 0xab, 0x0d, 0xff, 0x00}
	if !bytes.Equal(got, want) {
		t.Fatalf("got % x, want % x", got, want)
	}

	dec := decodeFromBytes(t, want, 1)
	if len(dec.Exts()) != 1 || dec.Exts()[0].BlkNr() != 0xdab || dec.Exts()[0].Bitmap() != 0x00ff {
		t.Fatalf("decoded = %+v", dec.Exts())
	}
}

func TestSuballocNear(t *testing.T) {
	s := New()
	s.AddExtent(extent.NewSuballoc(6, 0xffff))
	got := encodeToBytes(t, s)
	want := []byte{0x06, 0x84, 0xff, 0xff}
	if !bytes.Equal(got, want) {
		t.Fatalf("got % x, want % x", got, want)
	}

	dec := decodeFromBytes(t, want, 1)
	if len(dec.Exts()) != 1 || dec.Exts()[0].BlkNr() != 6 || dec.Exts()[0].Bitmap() != 0xffff {
		t.Fatalf("decoded = %+v", dec.Exts())
	}
}

// TestMixedSegment reproduces the multi-extent-plus-inline wire example:
// a far block-run, a near suballoc, a near small block-run, and an inline
// tail of 4 bytes.
func TestMixedSegment(t *testing.T) {
	s := New()
	s.AddExtent(extent.NewBlockRun(0xe00, 16))
	s.AddExtent(extent.NewSuballoc(0xe10, 0))
	s.AddExtent(extent.NewBlockRun(0xe11, 1))
	if err := s.SetInlineData([]byte{0xaa, 0xbb, 0xcc, 0xdd}); err != nil {
		t.Fatal(err)
	}

	got := encodeToBytes(t, s)
	want := []byte{
		0x00, 0x00, 0x00, 0x0e, 0x10, 0x00,
		0x00, 0x84, 0x00, 0x00,
		0x00, 0x0c,
		0x00, 0xc4, 0xaa, 0xbb, 0xcc, 0xdd,
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got % x, want % x", got, want)
	}

	dec := decodeFromBytes(t, want, UnboundedLen)
	if len(dec.Exts()) != 3 {
		t.Fatalf("decoded %d extents, want 3", len(dec.Exts()))
	}
	if dec.Exts()[0].BlkNr() != 0xe00 || dec.Exts()[0].BlkCnt() != 16 {
		t.Errorf("ext0 = %+v", dec.Exts()[0])
	}
	if dec.Exts()[1].BlkNr() != 0xe10 || !dec.Exts()[1].IsSuballoc() || dec.Exts()[1].Bitmap() != 0 {
		t.Errorf("ext1 = %+v", dec.Exts()[1])
	}
	if dec.Exts()[2].BlkNr() != 0xe11 || dec.Exts()[2].BlkCnt() != 1 {
		t.Errorf("ext2 = %+v", dec.Exts()[2])
	}
	if !bytes.Equal(dec.InlineData(), []byte{0xaa, 0xbb, 0xcc, 0xdd}) {
		t.Errorf("inline = % x", dec.InlineData())
	}
}

func TestMaxInlineSizeRejected(t *testing.T) {
	s := New()
	if err := s.SetInlineData(make([]byte, MaxInlineSize)); err != nil {
		t.Fatalf("SetInlineData at max: %v", err)
	}
	if err := s.SetInlineData(make([]byte, MaxInlineSize+1)); err == nil {
		t.Error("expected error for inline data exceeding MaxInlineSize")
	}
}

func TestLengthCountsInlineAsOneItem(t *testing.T) {
	s := New()
	s.AddExtent(extent.NewBlockRun(1, 1))
	s.AddExtent(extent.NewBlockRun(100, 1))
	s.AddEndOfSegment()
	if got := s.Length(); got != 3 {
		t.Errorf("Length() = %d, want 3", got)
	}
}

func TestDeclaredLengthMismatchInlineEarly(t *testing.T) {
	raw := []byte{0x00, 0xc0} // inline, zero length, as the only item
	span := xozio.NewSpan(raw)
	io := span.NewIO()
	// Declare 2 items but the inline terminator arrives after only 1.
	if _, err := LoadStructFrom(io, 2); err == nil {
		t.Error("expected InconsistentXOZ for premature inline terminator")
	}
}

func TestRoundTripManyExtents(t *testing.T) {
	s := New()
	s.AddExtent(extent.NewBlockRun(1, 5))
	s.AddExtent(extent.NewBlockRun(1_000_000, 15))
	s.AddExtent(extent.NewSuballoc(2_000_000, 0x1234))
	s.AddExtent(extent.NewBlockRun(2_000_001, 16))

	raw := encodeToBytes(t, s)
	dec := decodeFromBytes(t, raw, s.Length())

	if diff := cmp.Diff(s.Exts(), dec.Exts(), cmp.AllowUnexported(extent.Extent{})); diff != "" {
		t.Errorf("round-tripped extents differ (-want +got):\n%s", diff)
	}
}

func TestCalcDataSpaceSize(t *testing.T) {
	s := New()
	s.AddExtent(extent.NewBlockRun(1, 2)) // 2 blocks
	s.AddExtent(extent.NewSuballoc(10, 0x0f)) // 4 subblocks
	if err := s.SetInlineData([]byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	// blk_sz_order = 7 (128 bytes/block, 8 bytes/subblock)
	want := uint64(2*128 + 4*8 + 3)
	if got := s.CalcDataSpaceSize(7); got != want {
		t.Errorf("CalcDataSpaceSize = %d, want %d", got, want)
	}
}
