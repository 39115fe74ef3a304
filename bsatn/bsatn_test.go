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

package bsatn

import (
	"testing"

	"github.com/SnellerInc/stdb/sats"
)

func TestRoundTripPrimitives(t *testing.T) {
	ts := sats.NewTypespace(nil)
	cases := []struct {
		ty  sats.AlgebraicType
		val sats.Value
	}{
		{sats.Bool(), sats.Value{Tag: sats.TagBool, Bool: true}},
		{sats.I32(), sats.Value{Tag: sats.TagI32, Int: -12345}},
		{sats.U64(), sats.Value{Tag: sats.TagU64, Uint: 18446744073709551615}},
		{sats.F64(), sats.Value{Tag: sats.TagF64, F64: 3.14159}},
		{sats.StringT(), sats.Value{Tag: sats.TagString, Str: "hello world"}},
		{sats.BytesT(), sats.Value{Tag: sats.TagBytes, Bytes: []byte{1, 2, 3, 4}}},
	}
	for _, c := range cases {
		enc, err := EncodeValue(ts, c.ty, c.val)
		if err != nil {
			t.Fatalf("encode %v: %v", c.ty.Tag, err)
		}
		dec, err := DecodeValue(ts, c.ty, enc)
		if err != nil {
			t.Fatalf("decode %v: %v", c.ty.Tag, err)
		}
		if !dec.Equal(c.val) {
			t.Fatalf("round trip mismatch for %v: got %+v want %+v", c.ty.Tag, dec, c.val)
		}
	}
}

func TestRoundTripArray(t *testing.T) {
	ts := sats.NewTypespace(nil)
	ty := sats.ArrayOf(sats.I32())
	val := sats.Value{Tag: sats.TagArray, Array: []sats.Value{
		{Tag: sats.TagI32, Int: 1},
		{Tag: sats.TagI32, Int: -2},
		{Tag: sats.TagI32, Int: 3},
	}}
	enc, err := EncodeValue(ts, ty, val)
	if err != nil {
		t.Fatal(err)
	}
	dec, err := DecodeValue(ts, ty, enc)
	if err != nil {
		t.Fatal(err)
	}
	if !dec.Equal(val) {
		t.Fatalf("array round trip mismatch: got %+v want %+v", dec, val)
	}
}

func TestRoundTripProductAndSum(t *testing.T) {
	ts := sats.NewTypespace(nil)
	prodTy := sats.ProductOf(
		sats.ProductElem{Name: "a", Type: sats.U8()},
		sats.ProductElem{Name: "b", Type: sats.StringT()},
	)
	prodVal := sats.Value{Tag: sats.TagProduct, Fields: []sats.Value{
		{Tag: sats.TagU8, Uint: 7},
		{Tag: sats.TagString, Str: "zz"},
	}}
	enc, err := EncodeValue(ts, prodTy, prodVal)
	if err != nil {
		t.Fatal(err)
	}
	dec, err := DecodeValue(ts, prodTy, enc)
	if err != nil {
		t.Fatal(err)
	}
	if !dec.Equal(prodVal) {
		t.Fatalf("product round trip mismatch: got %+v want %+v", dec, prodVal)
	}

	sumTy := sats.SumOf(
		sats.SumVariant{Name: "none", Type: sats.ProductOf()},
		sats.SumVariant{Name: "some", Type: sats.I64()},
	)
	sumVal := sats.Value{Tag: sats.TagSum, Sum: &sats.SumValue{
		Variant: 1,
		Payload: sats.Value{Tag: sats.TagI64, Int: -99},
	}}
	enc2, err := EncodeValue(ts, sumTy, sumVal)
	if err != nil {
		t.Fatal(err)
	}
	dec2, err := DecodeValue(ts, sumTy, enc2)
	if err != nil {
		t.Fatal(err)
	}
	if !dec2.Equal(sumVal) {
		t.Fatalf("sum round trip mismatch: got %+v want %+v", dec2, sumVal)
	}
}

func TestDecodeValueRejectsTrailingBytes(t *testing.T) {
	ts := sats.NewTypespace(nil)
	ty := sats.U8()
	enc, err := EncodeValue(ts, ty, sats.Value{Tag: sats.TagU8, Uint: 1})
	if err != nil {
		t.Fatal(err)
	}
	enc = append(enc, 0xFF)
	if _, err := DecodeValue(ts, ty, enc); err == nil {
		t.Fatal("expected error for trailing bytes")
	}
}

func TestDecodeValueRejectsBadSumTag(t *testing.T) {
	ts := sats.NewTypespace(nil)
	ty := sats.SumOf(sats.SumVariant{Name: "a", Type: sats.U8()})
	if _, err := DecodeValue(ts, ty, []byte{5, 0}); err == nil {
		t.Fatal("expected error for out-of-range sum tag")
	}
}
