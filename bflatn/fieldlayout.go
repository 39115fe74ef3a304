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

import "github.com/SnellerInc/stdb/sats"

// ProductFieldLayout is one field's offset and Layout within a
// product's BFLATN representation.
type ProductFieldLayout struct {
	Offset uint32
	Type   sats.AlgebraicType
	Layout Layout
}

// ProductLayout is the full per-field offset table for a product
// type, computed once and cached on the owning table (spec.md §9
// "RowTypeLayout caching").
type ProductLayout struct {
	Fields []ProductFieldLayout
	Total  Layout
}

// ComputeProductLayout lays out fields in declared order with natural
// alignment and trailing padding to the max child alignment
// (spec.md §3).
func ComputeProductLayout(ts *sats.Typespace, elems []sats.ProductElem) (ProductLayout, error) {
	var offset, align uint32 = 0, 1
	fields := make([]ProductFieldLayout, len(elems))
	for i, elem := range elems {
		fl, err := ComputeLayout(ts, elem.Type)
		if err != nil {
			return ProductLayout{}, err
		}
		offset = alignUp(offset, fl.Align)
		fields[i] = ProductFieldLayout{Offset: offset, Type: elem.Type, Layout: fl}
		offset += fl.Size
		if fl.Align > align {
			align = fl.Align
		}
	}
	size := alignUp(offset, align)
	return ProductLayout{Fields: fields, Total: Layout{Size: size, Align: align}}, nil
}

// SumLayout is the overlay layout of a sum type: every variant starts
// at PayloadOffset (always 0) and the tag byte lives at TagOffset.
type SumLayout struct {
	PayloadOffset uint32
	TagOffset     uint32
	Variants      []Layout
	Total         Layout
}

// ComputeSumLayout computes the overlay layout described in
// spec.md §3: payload slots overlaid at offset 0, tag at
// max_payload_size rounded to the payload alignment.
func ComputeSumLayout(ts *sats.Typespace, variants []sats.SumVariant) (SumLayout, error) {
	var maxPayload, payloadAlign uint32 = 0, 1
	layouts := make([]Layout, len(variants))
	for i, v := range variants {
		vl, err := ComputeLayout(ts, v.Type)
		if err != nil {
			return SumLayout{}, err
		}
		layouts[i] = vl
		if vl.Size > maxPayload {
			maxPayload = vl.Size
		}
		if vl.Align > payloadAlign {
			payloadAlign = vl.Align
		}
	}
	tagOffset := alignUp(maxPayload, payloadAlign)
	total := alignUp(tagOffset+1, payloadAlign)
	return SumLayout{
		PayloadOffset: 0,
		TagOffset:     tagOffset,
		Variants:      layouts,
		Total:         Layout{Size: total, Align: payloadAlign},
	}, nil
}
