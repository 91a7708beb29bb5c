// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xozio

// sliceBackend restricts an existing IO to a read-only or write-only window
// of N bytes, starting at the wrapped IO's current cursor at the time of
// construction — spec §4.2's "Slice IO".
type sliceBackend struct {
	inner   *IO
	base    uint32 // absolute offset in inner where this slice begins
	forRead bool
}

// NewReadSlice returns an IO over the next n bytes readable from rd's
// current read cursor. rd's read cursor is left unmodified; the returned IO
// has its own independent cursor starting at 0.
func NewReadSlice(rd *IO, n uint32) *IO {
	b := &sliceBackend{inner: rd, base: rd.TellRd(), forRead: true}
	return New(b, n)
}

// NewWriteSlice returns an IO over the next n bytes writable from wr's
// current write cursor.
func NewWriteSlice(wr *IO, n uint32) *IO {
	b := &sliceBackend{inner: wr, base: wr.TellWr(), forRead: false}
	return New(b, n)
}

// RWAt implements Backend by delegating into the wrapped IO's own cursor
// space, offset by base.
func (b *sliceBackend) RWAt(isRead bool, data []byte, off uint32) uint32 {
	if isRead != b.forRead {
		panic("xozio: slice used in the wrong direction")
	}
	abs := b.base + off
	return b.inner.backend.RWAt(isRead, data, abs)
}
