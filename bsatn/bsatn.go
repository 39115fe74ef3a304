// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package bsatn implements the canonical wire encoding described in
// spec.md §4.2: packed little-endian, no padding, no separators.
// Primitives are fixed-width LE, strings/arrays are a 32-bit LE length
// followed by contents, products concatenate field encodings, and
// sums emit a one-byte tag followed by the chosen variant's encoding.
//
// This mirrors the teacher's ion package (ion/write.go,
// ion/unmarshal.go) in spirit — manual, allocation-conscious
// byte-level encode/decode with a bounds-checked reader — but BSATN's
// wire shape (fixed per-type encoding driven by an AlgebraicType, not
// a self-describing tagged format) is different enough from Ion that
// the code itself is new.
package bsatn

import (
	"encoding/binary"
	"fmt"

	"github.com/SnellerInc/stdb/errtax"
	"github.com/SnellerInc/stdb/sats"
)

// Buffer is an append-only byte sink, the BSATN analogue of the
// teacher's ion.Buffer.
type Buffer struct {
	buf []byte
}

func (b *Buffer) Bytes() []byte { return b.buf }
func (b *Buffer) Reset()        { b.buf = b.buf[:0] }

func (b *Buffer) writeByte(v byte)  { b.buf = append(b.buf, v) }
func (b *Buffer) writeBytes(v []byte) { b.buf = append(b.buf, v...) }

func (b *Buffer) writeU16(v uint16) {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	b.writeBytes(tmp[:])
}
func (b *Buffer) writeU32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	b.writeBytes(tmp[:])
}
func (b *Buffer) writeU64(v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	b.writeBytes(tmp[:])
}

// Encode appends the BSATN encoding of v (a value of type ty) to dst.
func Encode(ts *sats.Typespace, ty sats.AlgebraicType, v sats.Value, dst *Buffer) error {
	t := ty
	if t.Tag == sats.TagRef {
		resolved, err := ts.Resolve(t.Ref)
		if err != nil {
			return err
		}
		t = resolved
	}
	switch t.Tag {
	case sats.TagBool:
		if v.Bool {
			dst.writeByte(1)
		} else {
			dst.writeByte(0)
		}
	case sats.TagI8, sats.TagU8:
		dst.writeByte(byte(intBits(t.Tag, v)))
	case sats.TagI16, sats.TagU16:
		dst.writeU16(uint16(intBits(t.Tag, v)))
	case sats.TagI32, sats.TagU32:
		dst.writeU32(uint32(intBits(t.Tag, v)))
	case sats.TagI64, sats.TagU64:
		dst.writeU64(intBits(t.Tag, v))
	case sats.TagI128, sats.TagU128:
		dst.writeFixed(v.Big, 16)
	case sats.TagI256, sats.TagU256:
		dst.writeFixed(v.Big, 32)
	case sats.TagF32:
		dst.writeU32(f32bits(v.F32))
	case sats.TagF64:
		dst.writeU64(f64bits(v.F64))
	case sats.TagString:
		dst.writeU32(uint32(len(v.Str)))
		dst.writeBytes([]byte(v.Str))
	case sats.TagBytes:
		dst.writeU32(uint32(len(v.Bytes)))
		dst.writeBytes(v.Bytes)
	case sats.TagArray:
		dst.writeU32(uint32(len(v.Array)))
		for _, e := range v.Array {
			if err := Encode(ts, *t.Array, e, dst); err != nil {
				return err
			}
		}
	case sats.TagProduct:
		if len(v.Fields) != len(t.Product) {
			return errtax.New(errtax.BSATNLengthMismatch, "bsatn.Encode",
				map[string]any{"want_fields": len(t.Product), "got_fields": len(v.Fields)})
		}
		for i, elem := range t.Product {
			if err := Encode(ts, elem.Type, v.Fields[i], dst); err != nil {
				return err
			}
		}
	case sats.TagSum:
		if v.Sum == nil || int(v.Sum.Variant) >= len(t.Sum) {
			return errtax.New(errtax.InvalidData, "bsatn.Encode", map[string]any{"reason": "bad sum tag"})
		}
		dst.writeByte(v.Sum.Variant)
		return Encode(ts, t.Sum[v.Sum.Variant].Type, v.Sum.Payload, dst)
	default:
		return fmt.Errorf("bsatn.Encode: unsupported tag %v", t.Tag)
	}
	return nil
}

// intBits returns the raw bit pattern of a Value's signed or unsigned
// integer payload as a uint64, so the same writeUxx helpers can be
// reused for both signed and unsigned tags.
func intBits(tag sats.Tag, v sats.Value) uint64 {
	switch tag {
	case sats.TagI8, sats.TagI16, sats.TagI32, sats.TagI64:
		return uint64(v.Int)
	default:
		return v.Uint
	}
}

func (b *Buffer) writeFixed(v []byte, width int) {
	if len(v) == width {
		b.writeBytes(v)
		return
	}
	tmp := make([]byte, width)
	copy(tmp, v)
	b.writeBytes(tmp)
}

// Reader is a bounds-checked cursor over a BSATN byte slice, the
// decode-side analogue of Buffer.
type Reader struct {
	buf []byte
	pos int
}

func NewReader(buf []byte) *Reader { return &Reader{buf: buf} }

func (r *Reader) need(n int) error {
	if r.pos+n > len(r.buf) {
		return errtax.New(errtax.InvalidData, "bsatn.Reader",
			map[string]any{"need": n, "have": len(r.buf) - r.pos})
	}
	return nil
}

func (r *Reader) take(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	v := r.buf[r.pos : r.pos+n]
	r.pos += n
	return v, nil
}

// Decode reads one value of type ty from r.
func Decode(ts *sats.Typespace, ty sats.AlgebraicType, r *Reader) (sats.Value, error) {
	t := ty
	if t.Tag == sats.TagRef {
		resolved, err := ts.Resolve(t.Ref)
		if err != nil {
			return sats.Value{}, err
		}
		t = resolved
	}
	switch t.Tag {
	case sats.TagBool:
		b, err := r.take(1)
		if err != nil {
			return sats.Value{}, err
		}
		return sats.Value{Tag: t.Tag, Bool: b[0] != 0}, nil
	case sats.TagI8:
		b, err := r.take(1)
		if err != nil {
			return sats.Value{}, err
		}
		return sats.Value{Tag: t.Tag, Int: int64(int8(b[0]))}, nil
	case sats.TagU8:
		b, err := r.take(1)
		if err != nil {
			return sats.Value{}, err
		}
		return sats.Value{Tag: t.Tag, Uint: uint64(b[0])}, nil
	case sats.TagI16:
		b, err := r.take(2)
		if err != nil {
			return sats.Value{}, err
		}
		return sats.Value{Tag: t.Tag, Int: int64(int16(binary.LittleEndian.Uint16(b)))}, nil
	case sats.TagU16:
		b, err := r.take(2)
		if err != nil {
			return sats.Value{}, err
		}
		return sats.Value{Tag: t.Tag, Uint: uint64(binary.LittleEndian.Uint16(b))}, nil
	case sats.TagI32:
		b, err := r.take(4)
		if err != nil {
			return sats.Value{}, err
		}
		return sats.Value{Tag: t.Tag, Int: int64(int32(binary.LittleEndian.Uint32(b)))}, nil
	case sats.TagU32:
		b, err := r.take(4)
		if err != nil {
			return sats.Value{}, err
		}
		return sats.Value{Tag: t.Tag, Uint: uint64(binary.LittleEndian.Uint32(b))}, nil
	case sats.TagI64:
		b, err := r.take(8)
		if err != nil {
			return sats.Value{}, err
		}
		return sats.Value{Tag: t.Tag, Int: int64(binary.LittleEndian.Uint64(b))}, nil
	case sats.TagU64:
		b, err := r.take(8)
		if err != nil {
			return sats.Value{}, err
		}
		return sats.Value{Tag: t.Tag, Uint: binary.LittleEndian.Uint64(b)}, nil
	case sats.TagI128, sats.TagU128:
		b, err := r.take(16)
		if err != nil {
			return sats.Value{}, err
		}
		cp := append([]byte(nil), b...)
		return sats.Value{Tag: t.Tag, Big: cp}, nil
	case sats.TagI256, sats.TagU256:
		b, err := r.take(32)
		if err != nil {
			return sats.Value{}, err
		}
		cp := append([]byte(nil), b...)
		return sats.Value{Tag: t.Tag, Big: cp}, nil
	case sats.TagF32:
		b, err := r.take(4)
		if err != nil {
			return sats.Value{}, err
		}
		return sats.Value{Tag: t.Tag, F32: f32frombits(binary.LittleEndian.Uint32(b))}, nil
	case sats.TagF64:
		b, err := r.take(8)
		if err != nil {
			return sats.Value{}, err
		}
		return sats.Value{Tag: t.Tag, F64: f64frombits(binary.LittleEndian.Uint64(b))}, nil
	case sats.TagString:
		lb, err := r.take(4)
		if err != nil {
			return sats.Value{}, err
		}
		n := binary.LittleEndian.Uint32(lb)
		data, err := r.take(int(n))
		if err != nil {
			return sats.Value{}, err
		}
		return sats.Value{Tag: t.Tag, Str: string(data)}, nil
	case sats.TagBytes:
		lb, err := r.take(4)
		if err != nil {
			return sats.Value{}, err
		}
		n := binary.LittleEndian.Uint32(lb)
		data, err := r.take(int(n))
		if err != nil {
			return sats.Value{}, err
		}
		cp := append([]byte(nil), data...)
		return sats.Value{Tag: t.Tag, Bytes: cp}, nil
	case sats.TagArray:
		lb, err := r.take(4)
		if err != nil {
			return sats.Value{}, err
		}
		n := binary.LittleEndian.Uint32(lb)
		elems := make([]sats.Value, 0, n)
		for i := uint32(0); i < n; i++ {
			e, err := Decode(ts, *t.Array, r)
			if err != nil {
				return sats.Value{}, err
			}
			elems = append(elems, e)
		}
		return sats.Value{Tag: t.Tag, Array: elems}, nil
	case sats.TagProduct:
		fields := make([]sats.Value, len(t.Product))
		for i, elem := range t.Product {
			f, err := Decode(ts, elem.Type, r)
			if err != nil {
				return sats.Value{}, err
			}
			fields[i] = f
		}
		return sats.Value{Tag: t.Tag, Fields: fields}, nil
	case sats.TagSum:
		tagb, err := r.take(1)
		if err != nil {
			return sats.Value{}, err
		}
		variant := tagb[0]
		if int(variant) >= len(t.Sum) {
			return sats.Value{}, errtax.New(errtax.InvalidData, "bsatn.Decode",
				map[string]any{"reason": "variant out of range", "variant": variant})
		}
		payload, err := Decode(ts, t.Sum[variant].Type, r)
		if err != nil {
			return sats.Value{}, err
		}
		return sats.Value{Tag: t.Tag, Sum: &sats.SumValue{Variant: variant, Payload: payload}}, nil
	default:
		return sats.Value{}, fmt.Errorf("bsatn.Decode: unsupported tag %v", t.Tag)
	}
}

// EncodeValue is a convenience wrapper returning a fresh byte slice.
func EncodeValue(ts *sats.Typespace, ty sats.AlgebraicType, v sats.Value) ([]byte, error) {
	var buf Buffer
	if err := Encode(ts, ty, v, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeValue decodes exactly one value of type ty from buf and
// requires that the whole buffer was consumed.
func DecodeValue(ts *sats.Typespace, ty sats.AlgebraicType, buf []byte) (sats.Value, error) {
	r := NewReader(buf)
	v, err := Decode(ts, ty, r)
	if err != nil {
		return sats.Value{}, err
	}
	if r.pos != len(r.buf) {
		return sats.Value{}, errtax.New(errtax.BSATNLengthMismatch, "bsatn.DecodeValue",
			map[string]any{"consumed": r.pos, "total": len(r.buf)})
	}
	return v, nil
}
