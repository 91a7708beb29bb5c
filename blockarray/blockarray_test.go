// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package blockarray

import (
	"bytes"
	"testing"

	"github.com/eldipa/xoz/extent"
)

func mustMemArray(t *testing.T, blkSz uint32) *Array {
	t.Helper()
	a, err := OpenMem("test", Options{BlockSize: blkSz})
	if err != nil {
		t.Fatalf("OpenMem: %v", err)
	}
	return a
}

func TestGrowByBlocksFromEmpty(t *testing.T) {
	a := mustMemArray(t, 128)
	blkNr, err := a.GrowByBlocks(4)
	if err != nil {
		t.Fatal(err)
	}
	if blkNr != 0 {
		t.Errorf("GrowByBlocks returned %d, want 0", blkNr)
	}
	if a.BlkCnt() != 4 {
		t.Errorf("BlkCnt = %d, want 4", a.BlkCnt())
	}
	if !a.Dirty() {
		t.Error("expected Dirty() after grow")
	}
}

func TestGrowByBlocksZeroIsError(t *testing.T) {
	a := mustMemArray(t, 128)
	if _, err := a.GrowByBlocks(0); err == nil {
		t.Error("expected error for GrowByBlocks(0)")
	}
}

func TestShrinkReusesSlackOnNextGrow(t *testing.T) {
	a := mustMemArray(t, 128)
	if _, err := a.GrowByBlocks(8); err != nil {
		t.Fatal(err)
	}
	if err := a.ShrinkByBlocks(4); err != nil {
		t.Fatal(err)
	}
	if a.BlkCnt() != 4 {
		t.Fatalf("BlkCnt after shrink = %d, want 4", a.BlkCnt())
	}

	// memBacking.ShrinkByBlocks defers (returns 0 physically released), so
	// real_past_end should still be 8, giving the next grow 4 blocks of
	// slack to reuse without touching the Backing.
	blkNr, err := a.GrowByBlocks(4)
	if err != nil {
		t.Fatal(err)
	}
	if blkNr != 4 {
		t.Errorf("GrowByBlocks after shrink returned %d, want 4 (reused slack)", blkNr)
	}
}

func TestShrinkByBlocksTooManyIsError(t *testing.T) {
	a := mustMemArray(t, 128)
	if _, err := a.GrowByBlocks(2); err != nil {
		t.Fatal(err)
	}
	if err := a.ShrinkByBlocks(3); err == nil {
		t.Error("expected error shrinking past blk_cnt")
	}
}

func TestReleaseBlocksReclaimsSlack(t *testing.T) {
	a := mustMemArray(t, 128)
	if _, err := a.GrowByBlocks(8); err != nil {
		t.Fatal(err)
	}
	if err := a.ShrinkByBlocks(8); err != nil {
		t.Fatal(err)
	}
	released, err := a.ReleaseBlocks()
	if err != nil {
		t.Fatal(err)
	}
	if released != 8 {
		t.Errorf("ReleaseBlocks = %d, want 8", released)
	}

	// No slack left: the next grow goes to the Backing, which was shrunk
	// back to nothing, so the first new block is again block 0.
	blkNr, err := a.GrowByBlocks(1)
	if err != nil {
		t.Fatal(err)
	}
	if blkNr != 0 {
		t.Errorf("GrowByBlocks after full release returned %d, want 0", blkNr)
	}
}

func TestReadWriteExtentBlockRun(t *testing.T) {
	a := mustMemArray(t, 128)
	if _, err := a.GrowByBlocks(4); err != nil {
		t.Fatal(err)
	}
	ext := extent.NewBlockRun(1, 2) // blocks 1..2, i.e. within [0,4)

	payload := bytes.Repeat([]byte{0xab}, 256)
	n, err := a.WriteExtent(ext, payload, uint32(len(payload)), 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 256 {
		t.Fatalf("WriteExtent moved %d, want 256", n)
	}

	got := make([]byte, 256)
	n, err = a.ReadExtent(ext, got, uint32(len(got)), 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 256 || !bytes.Equal(got, payload) {
		t.Fatalf("read back %x, want %x", got, payload)
	}
}

func TestReadExtentEOFAtUsableBoundary(t *testing.T) {
	a := mustMemArray(t, 128)
	if _, err := a.GrowByBlocks(4); err != nil {
		t.Fatal(err)
	}
	ext := extent.NewBlockRun(1, 1) // 128 usable bytes
	buf := make([]byte, 16)
	n, err := a.ReadExtent(ext, buf, 16, 128)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("ReadExtent at usable boundary = %d, want 0 (EOF)", n)
	}
}

func TestReadExtentOutOfBoundsEvenWithZeroMax(t *testing.T) {
	a := mustMemArray(t, 128)
	if _, err := a.GrowByBlocks(2); err != nil {
		t.Fatal(err)
	}
	ext := extent.NewBlockRun(5, 1) // well past [0,2)
	buf := make([]byte, 0)
	if _, err := a.ReadExtent(ext, buf, 0, 0); err == nil {
		t.Error("expected ExtentOutOfBounds even for a zero-length request")
	}
}

func TestSuballocReadWriteWalksMSBFirst(t *testing.T) {
	a := mustMemArray(t, 128) // subblock size = 128/16 = 8 bytes
	if _, err := a.GrowByBlocks(2); err != nil {
		t.Fatal(err)
	}
	// bitmap 0x00ff selects subblock indices 8..15 (see extent_test.go)
	ext := extent.NewSuballoc(1, 0x00ff)

	payload := make([]byte, 8*8)
	for i := range payload {
		payload[i] = byte(i)
	}
	n, err := a.WriteExtent(ext, payload, uint32(len(payload)), 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != uint32(len(payload)) {
		t.Fatalf("WriteExtent moved %d, want %d", n, len(payload))
	}

	got := make([]byte, len(payload))
	n, err = a.ReadExtent(ext, got, uint32(len(got)), 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != uint32(len(payload)) || !bytes.Equal(got, payload) {
		t.Fatalf("suballoc round trip mismatch: got %x, want %x", got, payload)
	}

	// The payload's first 8 bytes should have landed at the block's byte
	// offset of subblock 8 (8*8 = 64), since that is the first selected
	// subblock in MSB-first order.
	raw := make([]byte, 8)
	fullBlk := extent.NewBlockRun(1, 1)
	if _, err := a.ReadExtent(fullBlk, raw, 8, 64); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(raw, payload[:8]) {
		t.Errorf("subblock 8 bytes = %x, want %x", raw, payload[:8])
	}
}

// countingBacking wraps a Backing and counts Read/Write calls, so a test can
// assert how many physical transfers a logical operation issued.
type countingBacking struct {
	Backing
	reads, writes int
}

func (c *countingBacking) Read(blkNr uint32, buf []byte, start uint32) (uint32, error) {
	c.reads++
	return c.Backing.Read(blkNr, buf, start)
}

func (c *countingBacking) Write(blkNr uint32, buf []byte, start uint32) (uint32, error) {
	c.writes++
	return c.Backing.Write(blkNr, buf, start)
}

func TestSuballocStitchesContiguousSubblocksIntoOneCall(t *testing.T) {
	a := mustMemArray(t, 128)
	if _, err := a.GrowByBlocks(2); err != nil {
		t.Fatal(err)
	}
	cb := &countingBacking{Backing: a.backing}
	a.backing = cb

	// bitmap 0x00ff selects contiguous subblock indices 8..15: one run, so
	// the stitched implementation should issue a single Write/Read call.
	ext := extent.NewSuballoc(1, 0x00ff)
	payload := make([]byte, 8*8)
	if _, err := a.WriteExtent(ext, payload, uint32(len(payload)), 0); err != nil {
		t.Fatal(err)
	}
	if cb.writes != 1 {
		t.Errorf("Write calls for one contiguous run = %d, want 1", cb.writes)
	}

	got := make([]byte, len(payload))
	if _, err := a.ReadExtent(ext, got, uint32(len(got)), 0); err != nil {
		t.Fatal(err)
	}
	if cb.reads != 1 {
		t.Errorf("Read calls for one contiguous run = %d, want 1", cb.reads)
	}
}

func TestSuballocStitchesOnlyContiguousRuns(t *testing.T) {
	a := mustMemArray(t, 128)
	if _, err := a.GrowByBlocks(2); err != nil {
		t.Fatal(err)
	}
	cb := &countingBacking{Backing: a.backing}
	a.backing = cb

	// bitmap 0xa000 (bits 15 and 13 set) selects subblock indices 0 and 2:
	// two separate, non-adjacent subblocks, so two Write calls are expected.
	ext := extent.NewSuballoc(1, 0xa000)
	payload := make([]byte, 8*2)
	if _, err := a.WriteExtent(ext, payload, uint32(len(payload)), 0); err != nil {
		t.Fatal(err)
	}
	if cb.writes != 2 {
		t.Errorf("Write calls for two disjoint subblocks = %d, want 2", cb.writes)
	}
}

func TestCapacityTracksSlackBeyondBlkCnt(t *testing.T) {
	a := mustMemArray(t, 128)
	if _, err := a.GrowByBlocks(8); err != nil {
		t.Fatal(err)
	}
	if err := a.ShrinkByBlocks(4); err != nil {
		t.Fatal(err)
	}
	if a.BlkCnt() != 4 {
		t.Fatalf("BlkCnt = %d, want 4", a.BlkCnt())
	}
	if a.Capacity() != 8 {
		t.Fatalf("Capacity = %d, want 8 (deferred shrink kept as slack)", a.Capacity())
	}
}

func TestSegmentAndAllocatorNilForNonSegmentBacked(t *testing.T) {
	a := mustMemArray(t, 128)
	if a.Segment() != nil {
		t.Error("Segment() should be nil for a non-segment-backed array")
	}
	if a.Allocator() != nil {
		t.Error("Allocator() should be nil for a non-segment-backed array")
	}
}

func TestOptionsRejectsNonPowerOfTwo(t *testing.T) {
	if _, err := OpenMem("t", Options{BlockSize: 200}); err == nil {
		t.Error("expected error for non-power-of-two block size")
	}
}

func TestOptionsRejectsOutOfRange(t *testing.T) {
	if _, err := OpenMem("t", Options{BlockSize: 64}); err == nil {
		t.Error("expected error for block size below minimum")
	}
	if _, err := OpenMem("t", Options{BlockSize: 1 << 17}); err == nil {
		t.Error("expected error for block size above maximum")
	}
}
