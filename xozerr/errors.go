// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package xozerr defines the error taxonomy shared by every xoz storage
// component: short-read/short-write, out-of-bounds, on-disk inconsistency,
// and file-open failures. Every error here is a small struct carrying
// enough context for a caller to branch on it with errors.As, matching the
// way lldb's ErrINVAL/ErrPERM carry just the operation name and the
// offending value rather than a prose-only message.
package xozerr

import (
	"fmt"

	"golang.org/x/xerrors"

	"github.com/eldipa/xoz/extent"
)

// NotEnoughRoom is raised when an all-or-nothing read/write requested more
// bytes than the source/sink can provide at the current cursor.
type NotEnoughRoom struct {
	Requested uint32
	Available uint32
	Context   string
}

func (e *NotEnoughRoom) Error() string {
	return fmt.Sprintf("not enough room: requested %d bytes, %d available (%s)", e.Requested, e.Available, e.Context)
}

// UnexpectedShorten is raised when the IO layer reported there was room but
// the underlying read/write moved fewer bytes than requested. It signals a
// bug or a race in the backing resource; the caller must treat the call as
// unrecoverable and discard/reopen.
type UnexpectedShorten struct {
	Requested uint32
	Available uint32
	Actual    uint32
	Context   string
}

func (e *UnexpectedShorten) Error() string {
	return fmt.Sprintf(
		"unexpected short operation: requested %d, available %d, but only %d moved (%s)",
		e.Requested, e.Available, e.Actual, e.Context,
	)
}

// ExtentOutOfBounds is raised when an extent does not lie within an array's
// accessible [begin, past_end) range. Extent is kept as the typed value
// (rather than a pre-stringified message) so a caller doing errors.As can
// still inspect it, e.g. its BlkNr()/BlkCnt().
type ExtentOutOfBounds struct {
	Array  string
	Extent extent.Extent
	Op     string
}

func (e *ExtentOutOfBounds) Error() string {
	return fmt.Sprintf("extent %s is out of bounds of block array %q during %s", e.Extent.String(), e.Array, e.Op)
}

// InconsistentXOZ is raised when decoded bytes violate an on-disk invariant:
// a zero block number, a backward-near encoding that wraps around, a
// block-run extent with a zero block count, or a segment whose declared
// length disagrees with what was actually read.
type InconsistentXOZ struct {
	Msg string
}

func (e *InconsistentXOZ) Error() string {
	return "inconsistent xoz on-disk state: " + e.Msg
}

// WouldEndUpInconsistentXOZ is raised when a caller action would produce
// invalid on-disk state: inline data too large, an odd dsize, or a dsize
// above the encodable limit.
type WouldEndUpInconsistentXOZ struct {
	Msg string
}

func (e *WouldEndUpInconsistentXOZ) Error() string {
	return "action would produce inconsistent xoz state: " + e.Msg
}

// OpenXOZ is raised when opening the backing file fails: missing file,
// permission error, a size that is not a multiple of the block size, a file
// too large to address, or a block-size order out of range.
type OpenXOZ struct {
	Path string
	Msg  string
	Err  error
}

func (e *OpenXOZ) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cannot open %q: %s: %s", e.Path, e.Msg, e.Err)
	}
	return fmt.Sprintf("cannot open %q: %s", e.Path, e.Msg)
}

func (e *OpenXOZ) Unwrap() error { return e.Err }

// WrapOpen attaches a source-location frame to cause via xerrors, then
// wraps it as an OpenXOZ. Used whenever the failure originates from the
// operating system (a missing file, a permission error) rather than from an
// xoz-level consistency check.
func WrapOpen(path, msg string, cause error) error {
	return &OpenXOZ{Path: path, Msg: msg, Err: xerrors.Errorf("%s: %w", msg, cause)}
}
