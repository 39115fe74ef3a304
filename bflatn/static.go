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
	"github.com/SnellerInc/stdb/errtax"
	"github.com/SnellerInc/stdb/sats"
)

// Descriptor is one memcpy step of a static-layout conversion program
// (spec.md §3 "Static layout"): copy Length bytes from BFLATNOffset in
// the row's fixed bytes to BSATNOffset in the packed wire encoding (or
// vice versa — the same descriptor list drives both directions).
type Descriptor struct {
	BFLATNOffset uint32
	BSATNOffset  uint32
	Length       uint32
}

// StaticProgram is the precomputed descriptor list for a row type
// whose BSATN encoding has a constant length.
type StaticProgram struct {
	Descriptors []Descriptor
	BSATNSize   uint32
}

// IsStatic reports whether ty's BSATN encoding has a constant length:
// no var-len members anywhere, and every sum's variants all encode to
// the same length (spec.md §3).
//
// Simplification: a sum only qualifies as static here when every one
// of its variants is itself a primitive scalar (not a nested product
// or sum). This keeps the generated descriptor list branch-free
// (spec.md describes "a sequence" of descriptors, not one sequence
// per tag value) at the cost of a few legitimately-static sums (e.g. a
// sum of two same-sized nested products with identical internal
// alignment) falling back to the always-correct general path instead.
func IsStatic(ts *sats.Typespace, ty sats.AlgebraicType) (bool, error) {
	t := ty
	if t.Tag == sats.TagRef {
		resolved, err := ts.Resolve(t.Ref)
		if err != nil {
			return false, err
		}
		t = resolved
	}
	switch t.Tag {
	case sats.TagBool, sats.TagI8, sats.TagU8, sats.TagI16, sats.TagU16,
		sats.TagI32, sats.TagU32, sats.TagI64, sats.TagU64,
		sats.TagI128, sats.TagU128, sats.TagI256, sats.TagU256,
		sats.TagF32, sats.TagF64:
		return true, nil
	case sats.TagString, sats.TagBytes, sats.TagArray:
		return false, nil
	case sats.TagProduct:
		for _, e := range t.Product {
			ok, err := IsStatic(ts, e.Type)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case sats.TagSum:
		if len(t.Sum) == 0 {
			return true, nil
		}
		var size uint32 = math32Max
		first := true
		for _, v := range t.Sum {
			vt := v.Type
			if vt.Tag == sats.TagRef {
				resolved, err := ts.Resolve(vt.Ref)
				if err != nil {
					return false, err
				}
				vt = resolved
			}
			if !vt.IsPrimitive() {
				return false, nil
			}
			l := primitiveLayout(vt.Tag)
			if first {
				size = l.Size
				first = false
			} else if l.Size != size {
				return false, nil
			}
		}
		return true, nil
	default:
		return false, nil
	}
}

const math32Max = ^uint32(0)

// CompileStatic builds the descriptor list for a static row type. The
// caller must have already confirmed IsStatic(ts, rowType) == true for
// every field; CompileStatic itself recomputes static-ness per field
// and returns an error context if a non-static field slipped through.
func CompileStatic(ts *sats.Typespace, layout ProductLayout) (*StaticProgram, error) {
	prog := &StaticProgram{}
	var bsatnOff uint32
	for _, f := range layout.Fields {
		ok, err := IsStatic(ts, f.Type)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errtax.New(errtax.SchemaMismatch, "bflatn.CompileStatic", map[string]any{"field_offset": f.Offset})
		}
		descs, size, err := compileStaticField(ts, f.Offset, &bsatnOff, f.Type)
		if err != nil {
			return nil, err
		}
		prog.Descriptors = append(prog.Descriptors, descs...)
		_ = size
	}
	prog.BSATNSize = bsatnOff
	return prog, nil
}

// compileStaticField emits descriptors for one field, advancing
// *bsatnOff by the field's BSATN length and returning that length.
func compileStaticField(ts *sats.Typespace, bflatnOff uint32, bsatnOff *uint32, ty sats.AlgebraicType) ([]Descriptor, uint32, error) {
	t := ty
	if t.Tag == sats.TagRef {
		resolved, err := ts.Resolve(t.Ref)
		if err != nil {
			return nil, 0, err
		}
		t = resolved
	}
	switch t.Tag {
	case sats.TagBool, sats.TagI8, sats.TagU8, sats.TagI16, sats.TagU16,
		sats.TagI32, sats.TagU32, sats.TagI64, sats.TagU64,
		sats.TagI128, sats.TagU128, sats.TagI256, sats.TagU256,
		sats.TagF32, sats.TagF64:
		l := primitiveLayout(t.Tag)
		d := Descriptor{BFLATNOffset: bflatnOff, BSATNOffset: *bsatnOff, Length: l.Size}
		*bsatnOff += l.Size
		return []Descriptor{d}, l.Size, nil

	case sats.TagProduct:
		pl, err := ComputeProductLayout(ts, t.Product)
		if err != nil {
			return nil, 0, err
		}
		var out []Descriptor
		var total uint32
		for _, f := range pl.Fields {
			descs, n, err := compileStaticField(ts, bflatnOff+f.Offset, bsatnOff, f.Type)
			if err != nil {
				return nil, 0, err
			}
			out = append(out, descs...)
			total += n
		}
		return out, total, nil

	case sats.TagSum:
		sl, err := ComputeSumLayout(ts, t.Sum)
		if err != nil {
			return nil, 0, err
		}
		// Tag byte: BFLATN keeps it at sl.TagOffset; BSATN always
		// places it immediately before the payload.
		tagDesc := Descriptor{BFLATNOffset: bflatnOff + sl.TagOffset, BSATNOffset: *bsatnOff, Length: 1}
		*bsatnOff++
		out := []Descriptor{tagDesc}
		var payloadLen uint32
		if len(t.Sum) > 0 {
			payloadLen = primitiveLayout(mustPrimitiveTag(ts, t.Sum[0].Type)).Size
		}
		if payloadLen > 0 {
			out = append(out, Descriptor{
				BFLATNOffset: bflatnOff + sl.PayloadOffset,
				BSATNOffset:  *bsatnOff,
				Length:       payloadLen,
			})
			*bsatnOff += payloadLen
		}
		return out, 1 + payloadLen, nil

	default:
		return nil, 0, nil
	}
}

func mustPrimitiveTag(ts *sats.Typespace, ty sats.AlgebraicType) sats.Tag {
	t := ty
	if t.Tag == sats.TagRef {
		if resolved, err := ts.Resolve(t.Ref); err == nil {
			t = resolved
		}
	}
	return t.Tag
}

// Encode runs the static fast path: p.Descriptors were built for the
// same row type as fixed, so this is a pure memcpy loop with no
// per-field dispatch.
func (p *StaticProgram) Encode(fixed []byte, dst *[]byte) {
	out := make([]byte, p.BSATNSize)
	for _, d := range p.Descriptors {
		copy(out[d.BSATNOffset:d.BSATNOffset+d.Length], fixed[d.BFLATNOffset:d.BFLATNOffset+d.Length])
	}
	*dst = out
}

// Decode is the mirror of Encode.
func (p *StaticProgram) Decode(bsatn []byte, fixed []byte) {
	for _, d := range p.Descriptors {
		copy(fixed[d.BFLATNOffset:d.BFLATNOffset+d.Length], bsatn[d.BSATNOffset:d.BSATNOffset+d.Length])
	}
}
