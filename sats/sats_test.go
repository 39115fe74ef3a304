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

package sats

import (
	"errors"
	"testing"

	"github.com/SnellerInc/stdb/errtax"
)

func TestTypespaceAcyclicOK(t *testing.T) {
	ts := NewTypespace([]AlgebraicType{
		ProductOf(ProductElem{Name: "a", Type: U64()}, ProductElem{Name: "b", Type: RefTo(1)}),
		StringT(),
	})
	if err := ts.CheckAcyclic(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTypespaceRejectsCycle(t *testing.T) {
	ts := NewTypespace([]AlgebraicType{
		ProductOf(ProductElem{Name: "self", Type: RefTo(0)}),
	})
	err := ts.CheckAcyclic()
	if err == nil {
		t.Fatal("expected recursive_type_ref error")
	}
	if !errors.Is(err, errtax.RecursiveTypeRef) {
		t.Fatalf("expected RecursiveTypeRef, got %v", err)
	}
}

func TestTypespaceRejectsIndirectCycle(t *testing.T) {
	ts := NewTypespace([]AlgebraicType{
		ProductOf(ProductElem{Name: "next", Type: RefTo(1)}),
		ProductOf(ProductElem{Name: "back", Type: RefTo(0)}),
	})
	if err := ts.CheckAcyclic(); !errors.Is(err, errtax.RecursiveTypeRef) {
		t.Fatalf("expected RecursiveTypeRef, got %v", err)
	}
}

func TestTypespaceUnresolvedRef(t *testing.T) {
	ts := NewTypespace([]AlgebraicType{
		ProductOf(ProductElem{Name: "oops", Type: RefTo(5)}),
	})
	if err := ts.CheckAcyclic(); !errors.Is(err, errtax.UninitializedProductTypeRef) {
		t.Fatalf("expected UninitializedProductTypeRef, got %v", err)
	}
}

func TestIsIntegerIsVarLen(t *testing.T) {
	if !U64().IsInteger() {
		t.Fatal("u64 should be integer")
	}
	if F64().IsInteger() {
		t.Fatal("f64 should not be integer")
	}
	if !StringT().IsVarLen() {
		t.Fatal("string should be var-len")
	}
	if U64().IsVarLen() {
		t.Fatal("u64 should not be var-len")
	}
}
