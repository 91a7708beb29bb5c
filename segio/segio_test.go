// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package segio

import (
	"bytes"
	"testing"

	"github.com/eldipa/xoz/blockarray"
	"github.com/eldipa/xoz/extent"
	"github.com/eldipa/xoz/segment"
)

func mustHost(t *testing.T, blkCnt uint32) *blockarray.Array {
	t.Helper()
	a, err := blockarray.OpenMem("test", blockarray.Options{BlockSize: 128})
	if err != nil {
		t.Fatalf("OpenMem: %v", err)
	}
	if _, err := a.GrowByBlocks(blkCnt); err != nil {
		t.Fatalf("GrowByBlocks: %v", err)
	}
	return a
}

func TestSegIOSingleExtentRoundTrip(t *testing.T) {
	host := mustHost(t, 4)
	seg := segment.New()
	seg.AddExtent(extent.NewBlockRun(1, 2)) // 256 bytes

	sio := New(host, seg)
	if sio.Size() != 256 {
		t.Fatalf("Size = %d, want 256", sio.Size())
	}

	payload := bytes.Repeat([]byte{0x42}, 256)
	n, err := sio.Write(payload)
	if err != nil || n != 256 {
		t.Fatalf("Write = %d, %v", n, err)
	}

	sio.SeekRd(0)
	got := make([]byte, 256)
	n, err = sio.Read(got)
	if err != nil || n != 256 {
		t.Fatalf("Read = %d, %v", n, err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch")
	}
}

func TestSegIOSpansMultipleExtentsAndInline(t *testing.T) {
	host := mustHost(t, 8)
	seg := segment.New()
	seg.AddExtent(extent.NewBlockRun(1, 1)) // 128 bytes
	seg.AddExtent(extent.NewBlockRun(3, 1)) // 128 bytes
	if err := seg.SetInlineData([]byte{0xaa, 0xbb, 0xcc}); err != nil {
		t.Fatal(err)
	}

	sio := New(host, seg)
	if want := uint32(128 + 128 + 3); sio.Size() != want {
		t.Fatalf("Size = %d, want %d", sio.Size(), want)
	}

	payload := make([]byte, sio.Size())
	for i := range payload {
		payload[i] = byte(i)
	}
	if _, err := sio.Write(payload); err != nil {
		t.Fatal(err)
	}

	sio.SeekRd(0)
	got := make([]byte, sio.Size())
	n, err := sio.Read(got)
	if err != nil {
		t.Fatal(err)
	}
	if n != uint32(len(payload)) || !bytes.Equal(got, payload) {
		t.Fatalf("round trip across extents+inline mismatch")
	}

	// The inline tail specifically must hold the last 3 bytes written.
	if !bytes.Equal(seg.InlineData(), payload[len(payload)-3:]) {
		t.Fatalf("inline tail = %x, want %x", seg.InlineData(), payload[len(payload)-3:])
	}
}

func TestSegIOReadPastEndReturnsShort(t *testing.T) {
	host := mustHost(t, 4)
	seg := segment.New()
	seg.AddExtent(extent.NewBlockRun(1, 1)) // 128 bytes, no inline

	sio := New(host, seg)
	sio.SeekRd(100)
	buf := make([]byte, 64)
	n, err := sio.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != 28 {
		t.Fatalf("Read past near-end = %d, want 28", n)
	}
}
