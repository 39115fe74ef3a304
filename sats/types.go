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

// Package sats implements the algebraic type system of spec.md §3: the
// closed universe of primitives, products, and sums that every table
// column, reducer argument, and wire value is built from, plus the
// typespace that assigns stable numeric identifiers to composite types
// and the Layout computation that turns a type into a BFLATN size and
// alignment (see package bflatn for the row-level consumer of Layout).
package sats

import "fmt"

// Tag identifies which case of AlgebraicType a value holds.
type Tag uint8

const (
	TagBool Tag = iota
	TagI8
	TagU8
	TagI16
	TagU16
	TagI32
	TagU32
	TagI64
	TagU64
	TagI128
	TagU128
	TagI256
	TagU256
	TagF32
	TagF64
	TagString
	TagBytes
	TagArray
	TagProduct
	TagSum
	TagRef
)

func (t Tag) String() string {
	switch t {
	case TagBool:
		return "Bool"
	case TagI8:
		return "I8"
	case TagU8:
		return "U8"
	case TagI16:
		return "I16"
	case TagU16:
		return "U16"
	case TagI32:
		return "I32"
	case TagU32:
		return "U32"
	case TagI64:
		return "I64"
	case TagU64:
		return "U64"
	case TagI128:
		return "I128"
	case TagU128:
		return "U128"
	case TagI256:
		return "I256"
	case TagU256:
		return "U256"
	case TagF32:
		return "F32"
	case TagF64:
		return "F64"
	case TagString:
		return "String"
	case TagBytes:
		return "Bytes"
	case TagArray:
		return "Array"
	case TagProduct:
		return "Product"
	case TagSum:
		return "Sum"
	case TagRef:
		return "Ref"
	default:
		return fmt.Sprintf("Tag(%d)", uint8(t))
	}
}

// ProductElem is one named field of a product type.
type ProductElem struct {
	Name string
	Type AlgebraicType
}

// SumVariant is one named, typed case of a sum type.
type SumVariant struct {
	Name string
	Type AlgebraicType
}

// AlgebraicType is any member of the closed value universe described
// in spec.md §3. A zero AlgebraicType{} is invalid; use the
// constructor functions (Bool, U64, StringT, ArrayOf, ProductOf,
// SumOf, RefTo, ...).
type AlgebraicType struct {
	Tag Tag

	// Array holds the element type when Tag == TagArray.
	Array *AlgebraicType

	// Product holds the field list when Tag == TagProduct. Field order
	// is significant: it determines BFLATN layout order.
	Product []ProductElem

	// Sum holds the variant list when Tag == TagSum. Variant order
	// determines the tag byte's numeric value.
	Sum []SumVariant

	// Ref holds a typespace index when Tag == TagRef.
	Ref uint32
}

func primitive(t Tag) AlgebraicType { return AlgebraicType{Tag: t} }

func Bool() AlgebraicType   { return primitive(TagBool) }
func I8() AlgebraicType     { return primitive(TagI8) }
func U8() AlgebraicType     { return primitive(TagU8) }
func I16() AlgebraicType    { return primitive(TagI16) }
func U16() AlgebraicType    { return primitive(TagU16) }
func I32() AlgebraicType    { return primitive(TagI32) }
func U32() AlgebraicType    { return primitive(TagU32) }
func I64() AlgebraicType    { return primitive(TagI64) }
func U64() AlgebraicType    { return primitive(TagU64) }
func I128() AlgebraicType   { return primitive(TagI128) }
func U128() AlgebraicType   { return primitive(TagU128) }
func I256() AlgebraicType   { return primitive(TagI256) }
func U256() AlgebraicType   { return primitive(TagU256) }
func F32() AlgebraicType    { return primitive(TagF32) }
func F64() AlgebraicType    { return primitive(TagF64) }
func StringT() AlgebraicType { return primitive(TagString) }
func BytesT() AlgebraicType  { return primitive(TagBytes) }

func ArrayOf(elem AlgebraicType) AlgebraicType {
	e := elem
	return AlgebraicType{Tag: TagArray, Array: &e}
}

func ProductOf(elems ...ProductElem) AlgebraicType {
	return AlgebraicType{Tag: TagProduct, Product: elems}
}

func SumOf(variants ...SumVariant) AlgebraicType {
	return AlgebraicType{Tag: TagSum, Sum: variants}
}

func RefTo(idx uint32) AlgebraicType {
	return AlgebraicType{Tag: TagRef, Ref: idx}
}

// IsPrimitive reports whether t is a fixed-size scalar (every Tag
// except Array, Product, Sum, Ref — those compose other types).
func (t AlgebraicType) IsPrimitive() bool {
	switch t.Tag {
	case TagArray, TagProduct, TagSum, TagRef:
		return false
	default:
		return true
	}
}

// IsInteger reports whether t is one of the signed/unsigned integer
// primitives; used by schema validation to restrict sequence columns.
func (t AlgebraicType) IsInteger() bool {
	switch t.Tag {
	case TagI8, TagU8, TagI16, TagU16, TagI32, TagU32, TagI64, TagU64,
		TagI128, TagU128, TagI256, TagU256:
		return true
	default:
		return false
	}
}

// IsVarLen reports whether values of this type require indirection
// through a VarLenRef (spec.md §3): strings, byte arrays and typed
// arrays. A sum is never var-len here.
// IsVarLen does not recurse into product/sum members to find a
// "static" aggregate length — that composition is Layout's job; this
// only reports the type's own immediate storage discipline.
func (t AlgebraicType) IsVarLen() bool {
	switch t.Tag {
	case TagString, TagBytes, TagArray:
		return true
	default:
		return false
	}
}
