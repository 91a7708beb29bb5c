// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package descriptor implements the xoz Descriptor: a word-oriented header
// (type, optional object id, optional external-data size) followed by an
// inline payload of up to 126 bytes, and its variable-length wire encoding.
//
// There is no type registry here (explicitly out of scope): every
// descriptor, known or not, is represented by the one Descriptor type,
// which stores its payload bytes uninterpreted. Default names this same
// type for callers that want to be explicit about treating an unknown type
// opaquely.
package descriptor

import (
	"fmt"

	"github.com/eldipa/xoz/internal/bitutil"
	"github.com/eldipa/xoz/internal/xozio"
	"github.com/eldipa/xoz/segment"
	"github.com/eldipa/xoz/xozerr"
)

const (
	maskOwnEdata = uint16(0x8000) // word 0, bit 15: is_obj
	maskHasID    = uint16(0x0200) // word 0, bit 9 (non-object only: literal has_id flag)
	maskLoDsize  = uint16(0x7c00) // word 0, bits 14..10
	maskType     = uint16(0x01ff) // word 0, bits 8..0

	maskHiDsize = uint32(0x80000000) // word 1-2, bit 31
	maskID      = uint32(0x7fffffff) // word 1-2, bits 30..0

	maskLarge   = uint16(0x8000) // word 3, bit 15
	maskLoESize = uint16(0x7fff) // word 3, bits 14..0

	// MaxType9 is the largest type value a non-object descriptor can carry.
	MaxType9 = 1<<9 - 1
	// MaxType10 is the largest type value an object descriptor can carry.
	MaxType10 = 1<<10 - 1

	// MaxDsize is the largest inline payload size encodable with both the
	// lo and hi dsize fields available (object descriptors, or non-object
	// descriptors with a nonzero obj id).
	MaxDsize = 126
	// maxDsizeNoHiBit is the largest inline payload size a non-object
	// descriptor with obj_id == 0 can carry: only the 5-bit lo_dsize field
	// is available, since word 1-2 (which holds the hi bit) is omitted.
	maxDsizeNoHiBit = 62

	// MaxSize is the largest external-data size encodable (31 bits).
	MaxSize = 1<<31 - 1
	// smallSizeLimit is the threshold above which the large form (word 4)
	// is required.
	smallSizeLimit = 1 << 15
)

// Descriptor is a single on-disk descriptor: a type, an optional object id,
// an inline payload, and — for object descriptors — an external data size
// and the Segment locating that external data.
type Descriptor struct {
	isObj   bool
	typ     uint16
	objID   uint32
	payload []byte

	// size and objSegm are only meaningful when isObj is true.
	size    uint64
	objSegm *segment.Segment
}

// Default is the same concrete type as Descriptor. It exists so callers can
// spell out, at a type-unaware call site, that they mean to round-trip an
// unknown type's raw payload rather than interpret it.
type Default = Descriptor

// New builds a non-object descriptor of the given 9-bit type, optional
// object id (0 means none), and inline payload. len(payload) must be even;
// it must be <= 62 if objID == 0 (no room for the dsize high bit without
// word 1-2), else <= MaxDsize.
func New(typ uint16, objID uint32, payload []byte) (*Descriptor, error) {
	if typ > MaxType9 {
		return nil, &xozerr.WouldEndUpInconsistentXOZ{Msg: fmt.Sprintf("non-object descriptor type %d exceeds 9-bit range", typ)}
	}
	if objID > maskID {
		return nil, &xozerr.WouldEndUpInconsistentXOZ{Msg: fmt.Sprintf("object id %d exceeds 31-bit range", objID)}
	}
	d := &Descriptor{typ: typ, objID: objID, payload: payload}
	if err := d.checkDsize(); err != nil {
		return nil, err
	}
	return d, nil
}

// NewObject builds an object descriptor of the given 10-bit type, object id
// (always written, even if 0), external-data size, its locating Segment,
// and inline payload. size must be <= MaxSize; objSegm must not be nil —
// an object descriptor with no external data yet still carries an
// inline-terminated empty Segment.
func NewObject(typ uint16, objID uint32, size uint64, objSegm *segment.Segment, payload []byte) (*Descriptor, error) {
	if typ > MaxType10 {
		return nil, &xozerr.WouldEndUpInconsistentXOZ{Msg: fmt.Sprintf("object descriptor type %d exceeds 10-bit range", typ)}
	}
	if size > MaxSize {
		return nil, &xozerr.WouldEndUpInconsistentXOZ{Msg: fmt.Sprintf("object descriptor size %d exceeds %d", size, MaxSize)}
	}
	if objID > maskID {
		return nil, &xozerr.WouldEndUpInconsistentXOZ{Msg: fmt.Sprintf("object id %d exceeds 31-bit range", objID)}
	}
	if objSegm == nil {
		return nil, &xozerr.WouldEndUpInconsistentXOZ{Msg: "object descriptor requires a non-nil segment"}
	}
	d := &Descriptor{isObj: true, typ: typ, objID: objID, size: size, objSegm: objSegm, payload: payload}
	if err := d.checkDsize(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Descriptor) checkDsize() error {
	n := len(d.payload)
	if n%2 != 0 {
		return &xozerr.WouldEndUpInconsistentXOZ{Msg: fmt.Sprintf("descriptor dsize %d is odd", n)}
	}
	limit := MaxDsize
	if !d.isObj && d.objID == 0 {
		limit = maxDsizeNoHiBit
	}
	if n > limit {
		return &xozerr.WouldEndUpInconsistentXOZ{Msg: fmt.Sprintf("descriptor dsize %d exceeds %d", n, limit)}
	}
	return nil
}

// IsObj reports whether this is an object descriptor.
func (d *Descriptor) IsObj() bool { return d.isObj }

// Type returns the descriptor's type code (9 bits for non-object, 10 for object).
func (d *Descriptor) Type() uint16 { return d.typ }

// ObjID returns the object id, 0 if none (non-object descriptors only;
// always meaningful for object descriptors even when 0).
func (d *Descriptor) ObjID() uint32 { return d.objID }

// Payload returns the raw inline payload bytes.
func (d *Descriptor) Payload() []byte { return d.payload }

// Size returns the external data size. Only meaningful when IsObj is true.
func (d *Descriptor) Size() uint64 { return d.size }

// ObjSegm returns the Segment locating the descriptor's external data.
// Only meaningful when IsObj is true.
func (d *Descriptor) ObjSegm() *segment.Segment { return d.objSegm }

func (d *Descriptor) dsize() uint8 { return uint8(len(d.payload)) }

// identity renders the descriptor's identity for error messages, matching
// the "non-object descriptor {obj-id: 0, type: 255, dsize: 2}" /
// "object descriptor {obj-id: 15, type: 255, dsize: 2, size: 42}" forms.
func (d *Descriptor) identity() string {
	return d.identityWithDsize(uint16(d.dsize()))
}

func (d *Descriptor) identityWithDsize(dsize uint16) string {
	if d.isObj {
		return fmt.Sprintf("object descriptor {obj-id: %d, type: %d, dsize: %d, size: %d}", d.objID, d.typ, dsize, d.size)
	}
	return fmt.Sprintf("non-object descriptor {obj-id: %d, type: %d, dsize: %d}", d.objID, d.typ, dsize)
}

// hasWord12 reports whether word 1-2 (obj id + dsize high bit) is present:
// always for object descriptors, or for a non-object descriptor with a
// nonzero object id.
func (d *Descriptor) hasWord12() bool {
	return d.isObj || d.objID != 0
}

// CalcStructFootprintSize returns the on-disk byte length of the header
// words plus (for object descriptors) the owned Segment's own struct
// footprint, not counting the dsize payload bytes that follow.
func (d *Descriptor) CalcStructFootprintSize() uint32 {
	n := uint32(2) // word 0
	if d.hasWord12() {
		n += 4
	}
	if d.isObj {
		n += 2 // word 3
		if d.size >= smallSizeLimit {
			n += 2 // word 4
		}
		n += d.objSegm.CalcStructFootprintSize()
	}
	return n
}

// CalcDataSpaceSize returns the total on-disk size of this descriptor: its
// struct footprint plus its dsize payload bytes.
func (d *Descriptor) CalcDataSpaceSize() uint32 {
	return d.CalcStructFootprintSize() + uint32(len(d.payload))
}

// CalcObjSegmDataSpaceSize returns the data space size of the owned
// Segment (the usable size of the external data this descriptor locates),
// given the owning block array's block-size order. Only meaningful for
// object descriptors.
func (d *Descriptor) CalcObjSegmDataSpaceSize(blkSzOrder uint8) uint64 {
	return d.objSegm.CalcDataSpaceSize(blkSzOrder)
}

// CalcObjDataSize returns the logical external-data size recorded in the
// header (the "size" field), distinct from the segment's physical data
// space size (which may be larger due to block/subblock granularity).
func (d *Descriptor) CalcObjDataSize() uint64 { return d.size }

// WriteStructInto serializes the descriptor's header, owned Segment (if
// any), and payload bytes into io at its current write cursor.
func (d *Descriptor) WriteStructInto(io *xozio.IO) error {
	word0 := d.encodeWord0()
	if err := io.WriteU16LE(word0, "descriptor header word"); err != nil {
		return err
	}

	if d.hasWord12() {
		hiDsize := uint32(d.dsize()/2) >> 5 & 1
		var word12 uint32
		bitutil.WriteBits32[uint32](&word12, hiDsize, maskHiDsize)
		bitutil.WriteBits32[uint32](&word12, d.objID, maskID)
		if err := io.WriteU32LE(word12, "descriptor id/hi-dsize word"); err != nil {
			return err
		}
	}

	if d.isObj {
		large := d.size >= smallSizeLimit
		var word3 uint16
		loSize := uint16(d.size & uint64(maskLoESize))
		bitutil.WriteBits16[uint16](&word3, loSize, maskLoESize)
		if large {
			bitutil.WriteBits16[uint16](&word3, uint16(1), maskLarge)
		}
		if err := io.WriteU16LE(word3, "descriptor size word"); err != nil {
			return err
		}
		if large {
			hiSize := uint16(d.size >> 15)
			if err := io.WriteU16LE(hiSize, "descriptor high-size word"); err != nil {
				return err
			}
		}
		if err := d.objSegm.WriteStructInto(io); err != nil {
			return err
		}
	}

	if len(d.payload) > 0 {
		if err := io.WriteAll(d.payload, fmt.Sprintf("writing descriptor's data of %s", d.identity())); err != nil {
			return err
		}
	}
	return nil
}

func (d *Descriptor) encodeWord0() uint16 {
	var word0 uint16
	if d.isObj {
		bitutil.WriteBits16[uint16](&word0, uint16(1), maskOwnEdata)
		bitutil.WriteBits16[uint16](&word0, d.typ&0x1ff, maskType)
		typeBit9 := (d.typ >> 9) & 1
		bitutil.WriteBits16[uint16](&word0, typeBit9, maskHasID)
	} else {
		bitutil.WriteBits16[uint16](&word0, d.typ, maskType)
		if d.objID != 0 {
			bitutil.WriteBits16[uint16](&word0, uint16(1), maskHasID)
		}
	}
	loDsize := uint16(d.dsize() / 2 & 0x1f)
	bitutil.WriteBits16[uint16](&word0, loDsize, maskLoDsize)
	return word0
}

// LoadStructFrom decodes a Descriptor starting at io's current read cursor.
func LoadStructFrom(io *xozio.IO) (*Descriptor, error) {
	word0, err := io.ReadU16LE("descriptor header word")
	if err != nil {
		return nil, err
	}

	isObj := bitutil.ReadBits16[uint8](word0, maskOwnEdata) == 1
	loDsize := bitutil.ReadBits16[uint8](word0, maskLoDsize)
	typeLow9 := bitutil.ReadBits16[uint16](word0, maskType)

	d := &Descriptor{isObj: isObj}

	var hasWord12 bool
	var typeBit9 uint16
	if isObj {
		typeBit9 = bitutil.ReadBits16[uint16](word0, maskHasID)
		d.typ = typeLow9 | (typeBit9 << 9)
		hasWord12 = true
	} else {
		d.typ = typeLow9
		hasWord12 = bitutil.ReadBits16[uint8](word0, maskHasID) == 1
	}

	var hiDsize uint8
	if hasWord12 {
		word12, err := io.ReadU32LE("descriptor id/hi-dsize word")
		if err != nil {
			return nil, err
		}
		hiDsize = bitutil.ReadBits32[uint8](word12, maskHiDsize)
		d.objID = bitutil.ReadBits32[uint32](word12, maskID)
	}
	dsize := (uint16(loDsize) | uint16(hiDsize)<<5) * 2

	if isObj {
		word3, err := io.ReadU16LE("descriptor size word")
		if err != nil {
			return nil, err
		}
		large := bitutil.ReadBits16[uint8](word3, maskLarge) == 1
		loSize := bitutil.ReadBits16[uint16](word3, maskLoESize)
		if large {
			hiSize, err := io.ReadU16LE("descriptor high-size word")
			if err != nil {
				return nil, err
			}
			d.size = uint64(loSize) | uint64(hiSize)<<15
		} else {
			d.size = uint64(loSize)
		}

		seg, err := segment.LoadStructFrom(io, segment.UnboundedLen)
		if err != nil {
			return nil, err
		}
		d.objSegm = seg
	}

	if dsize > 0 {
		buf := make([]byte, dsize)
		if err := io.ReadAll(buf, fmt.Sprintf("reading descriptor's data of %s", d.identityWithDsize(dsize))); err != nil {
			return nil, err
		}
		d.payload = buf
	}

	return d, nil
}
