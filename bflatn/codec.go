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

package bflatn

import (
	"encoding/binary"
	"math"

	"github.com/SnellerInc/stdb/bsatn"
	"github.com/SnellerInc/stdb/errtax"
	"github.com/SnellerInc/stdb/sats"
)

// VarLenPayload is one var-len member's raw bytes, tagged with the
// absolute offset in the row's fixed bytes where its VarLenRef must
// be patched once the page manager has allocated storage for it
// (spec.md §4.1 insert_row).
type VarLenPayload struct {
	Offset uint32
	Bytes  []byte
}

// VarLenResolver dereferences a VarLenRef (page granule chain, or
// transitively the blob store for oversize payloads) into the raw
// bytes that were originally passed as a VarLenPayload. Implemented
// by package page.
type VarLenResolver interface {
	Resolve(ref uint32) ([]byte, error)
}

// EncodeRow writes value (of the table's row type, described by
// layout) into a freshly allocated fixed-byte buffer, returning the
// buffer with zeroed VarLenRef placeholders and the list of var-len
// payloads that must be installed at those offsets by the page
// manager.
func EncodeRow(ts *sats.Typespace, layout ProductLayout, value sats.Value) ([]byte, []VarLenPayload, error) {
	fixed := make([]byte, layout.Total.Size)
	if len(value.Fields) != len(layout.Fields) {
		return nil, nil, errtax.New(errtax.SchemaMismatch, "bflatn.EncodeRow",
			map[string]any{"want_fields": len(layout.Fields), "got_fields": len(value.Fields)})
	}
	var payloads []VarLenPayload
	for i, f := range layout.Fields {
		ps, err := encodeField(ts, fixed, f.Offset, f.Type, value.Fields[i])
		if err != nil {
			return nil, nil, err
		}
		payloads = append(payloads, ps...)
	}
	return fixed, payloads, nil
}

func encodeField(ts *sats.Typespace, fixed []byte, base uint32, ty sats.AlgebraicType, v sats.Value) ([]VarLenPayload, error) {
	t := ty
	if t.Tag == sats.TagRef {
		resolved, err := ts.Resolve(t.Ref)
		if err != nil {
			return nil, err
		}
		t = resolved
	}
	switch t.Tag {
	case sats.TagBool:
		if v.Bool {
			fixed[base] = 1
		}
		return nil, nil
	case sats.TagI8, sats.TagU8:
		fixed[base] = byte(intBits(t.Tag, v))
		return nil, nil
	case sats.TagI16, sats.TagU16:
		binary.LittleEndian.PutUint16(fixed[base:], uint16(intBits(t.Tag, v)))
		return nil, nil
	case sats.TagI32, sats.TagU32:
		binary.LittleEndian.PutUint32(fixed[base:], uint32(intBits(t.Tag, v)))
		return nil, nil
	case sats.TagI64, sats.TagU64:
		binary.LittleEndian.PutUint64(fixed[base:], intBits(t.Tag, v))
		return nil, nil
	case sats.TagI128, sats.TagU128:
		copyFixed(fixed[base:base+16], v.Big)
		return nil, nil
	case sats.TagI256, sats.TagU256:
		copyFixed(fixed[base:base+32], v.Big)
		return nil, nil
	case sats.TagF32:
		binary.LittleEndian.PutUint32(fixed[base:], math.Float32bits(v.F32))
		return nil, nil
	case sats.TagF64:
		binary.LittleEndian.PutUint64(fixed[base:], math.Float64bits(v.F64))
		return nil, nil

	case sats.TagString:
		return []VarLenPayload{{Offset: base, Bytes: []byte(v.Str)}}, nil
	case sats.TagBytes:
		return []VarLenPayload{{Offset: base, Bytes: append([]byte(nil), v.Bytes...)}}, nil
	case sats.TagArray:
		payload, err := bsatn.EncodeValue(ts, t, v)
		if err != nil {
			return nil, err
		}
		return []VarLenPayload{{Offset: base, Bytes: payload}}, nil

	case sats.TagProduct:
		pl, err := ComputeProductLayout(ts, t.Product)
		if err != nil {
			return nil, err
		}
		var payloads []VarLenPayload
		for i, f := range pl.Fields {
			ps, err := encodeField(ts, fixed, base+f.Offset, f.Type, v.Fields[i])
			if err != nil {
				return nil, err
			}
			payloads = append(payloads, ps...)
		}
		return payloads, nil

	case sats.TagSum:
		sl, err := ComputeSumLayout(ts, t.Sum)
		if err != nil {
			return nil, err
		}
		if v.Sum == nil || int(v.Sum.Variant) >= len(t.Sum) {
			return nil, errtax.New(errtax.InvalidData, "bflatn.encodeField",
				map[string]any{"reason": "bad sum tag"})
		}
		fixed[base+sl.TagOffset] = v.Sum.Variant
		return encodeField(ts, fixed, base+sl.PayloadOffset, t.Sum[v.Sum.Variant].Type, v.Sum.Payload)

	default:
		return nil, errtax.New(errtax.SchemaMismatch, "bflatn.encodeField",
			map[string]any{"tag": t.Tag.String()})
	}
}

// intBits returns the raw bit pattern of a Value's signed or unsigned
// integer payload as a uint64 (mirrors bsatn's helper of the same
// name; duplicated rather than exported across packages since each
// package's Value handling is otherwise self-contained).
func intBits(tag sats.Tag, v sats.Value) uint64 {
	switch tag {
	case sats.TagI8, sats.TagI16, sats.TagI32, sats.TagI64:
		return uint64(v.Int)
	default:
		return v.Uint
	}
}

func copyFixed(dst, src []byte) {
	n := len(dst)
	if len(src) < n {
		n = len(src)
	}
	copy(dst, src[:n])
}

// DecodeRow materializes value layout's fixed bytes (plus any var-len
// members, dereferenced through resolver) as an algebraic Value
// (spec.md §4.2 "Product-value extraction").
func DecodeRow(ts *sats.Typespace, layout ProductLayout, fixed []byte, resolver VarLenResolver) (sats.Value, error) {
	fields := make([]sats.Value, len(layout.Fields))
	for i, f := range layout.Fields {
		v, err := decodeField(ts, fixed, f.Offset, f.Type, resolver)
		if err != nil {
			return sats.Value{}, err
		}
		fields[i] = v
	}
	return sats.Value{Tag: sats.TagProduct, Fields: fields}, nil
}

func decodeField(ts *sats.Typespace, fixed []byte, base uint32, ty sats.AlgebraicType, resolver VarLenResolver) (sats.Value, error) {
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
		return sats.Value{Tag: t.Tag, Bool: fixed[base] != 0}, nil
	case sats.TagI8:
		return sats.Value{Tag: t.Tag, Int: int64(int8(fixed[base]))}, nil
	case sats.TagU8:
		return sats.Value{Tag: t.Tag, Uint: uint64(fixed[base])}, nil
	case sats.TagI16:
		return sats.Value{Tag: t.Tag, Int: int64(int16(binary.LittleEndian.Uint16(fixed[base:])))}, nil
	case sats.TagU16:
		return sats.Value{Tag: t.Tag, Uint: uint64(binary.LittleEndian.Uint16(fixed[base:]))}, nil
	case sats.TagI32:
		return sats.Value{Tag: t.Tag, Int: int64(int32(binary.LittleEndian.Uint32(fixed[base:])))}, nil
	case sats.TagU32:
		return sats.Value{Tag: t.Tag, Uint: uint64(binary.LittleEndian.Uint32(fixed[base:]))}, nil
	case sats.TagI64:
		return sats.Value{Tag: t.Tag, Int: int64(binary.LittleEndian.Uint64(fixed[base:]))}, nil
	case sats.TagU64:
		return sats.Value{Tag: t.Tag, Uint: binary.LittleEndian.Uint64(fixed[base:])}, nil
	case sats.TagI128, sats.TagU128:
		cp := append([]byte(nil), fixed[base:base+16]...)
		return sats.Value{Tag: t.Tag, Big: cp}, nil
	case sats.TagI256, sats.TagU256:
		cp := append([]byte(nil), fixed[base:base+32]...)
		return sats.Value{Tag: t.Tag, Big: cp}, nil
	case sats.TagF32:
		return sats.Value{Tag: t.Tag, F32: math.Float32frombits(binary.LittleEndian.Uint32(fixed[base:]))}, nil
	case sats.TagF64:
		return sats.Value{Tag: t.Tag, F64: math.Float64frombits(binary.LittleEndian.Uint64(fixed[base:]))}, nil

	case sats.TagString:
		raw, ref, err := resolveVarLen(fixed, base, resolver)
		if err != nil {
			return sats.Value{}, err
		}
		_ = ref
		return sats.Value{Tag: t.Tag, Str: string(raw)}, nil
	case sats.TagBytes:
		raw, _, err := resolveVarLen(fixed, base, resolver)
		if err != nil {
			return sats.Value{}, err
		}
		return sats.Value{Tag: t.Tag, Bytes: raw}, nil
	case sats.TagArray:
		raw, _, err := resolveVarLen(fixed, base, resolver)
		if err != nil {
			return sats.Value{}, err
		}
		return bsatn.DecodeValue(ts, t, raw)

	case sats.TagProduct:
		pl, err := ComputeProductLayout(ts, t.Product)
		if err != nil {
			return sats.Value{}, err
		}
		fields := make([]sats.Value, len(pl.Fields))
		for i, f := range pl.Fields {
			v, err := decodeField(ts, fixed, base+f.Offset, f.Type, resolver)
			if err != nil {
				return sats.Value{}, err
			}
			fields[i] = v
		}
		return sats.Value{Tag: t.Tag, Fields: fields}, nil

	case sats.TagSum:
		sl, err := ComputeSumLayout(ts, t.Sum)
		if err != nil {
			return sats.Value{}, err
		}
		variant := fixed[base+sl.TagOffset]
		if int(variant) >= len(t.Sum) {
			return sats.Value{}, errtax.New(errtax.InvalidData, "bflatn.decodeField",
				map[string]any{"reason": "bad sum tag", "variant": variant})
		}
		payload, err := decodeField(ts, fixed, base+sl.PayloadOffset, t.Sum[variant].Type, resolver)
		if err != nil {
			return sats.Value{}, err
		}
		return sats.Value{Tag: t.Tag, Sum: &sats.SumValue{Variant: variant, Payload: payload}}, nil

	default:
		return sats.Value{}, errtax.New(errtax.SchemaMismatch, "bflatn.decodeField",
			map[string]any{"tag": t.Tag.String()})
	}
}

func resolveVarLen(fixed []byte, base uint32, resolver VarLenResolver) ([]byte, uint32, error) {
	ref := binary.LittleEndian.Uint32(fixed[base:])
	raw, err := resolver.Resolve(ref)
	return raw, ref, err
}

// RowEqual implements spec.md §4.2's BFLATN equality: two rows of the
// same type are equal iff every non-padding byte range is equal after
// dereferencing var-len and blob chains. We implement it by comparing
// decoded Values, which is equivalent for any type whose padding
// bytes we never compare directly.
func RowEqual(ts *sats.Typespace, layout ProductLayout, a, b []byte, resolver VarLenResolver) (bool, error) {
	va, err := DecodeRow(ts, layout, a, resolver)
	if err != nil {
		return false, err
	}
	vb, err := DecodeRow(ts, layout, b, resolver)
	if err != nil {
		return false, err
	}
	return va.Equal(vb), nil
}
