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

package schema

import (
	"errors"
	"testing"

	"github.com/SnellerInc/stdb/errtax"
	"github.com/SnellerInc/stdb/sats"
)

func applesSchema(t *testing.T) *Schema {
	t.Helper()
	ts := sats.NewTypespace(nil)
	elems := []sats.ProductElem{
		{Name: "id", Type: sats.U64()},
		{Name: "name", Type: sats.StringT()},
		{Name: "count", Type: sats.U16()},
	}
	ref := ts.Add(sats.ProductOf(elems...))
	table := TableDef{
		Name: "Apples",
		Columns: []ColumnDef{
			{Name: "id", Type: sats.U64()},
			{Name: "name", Type: sats.StringT()},
			{Name: "count", Type: sats.U16()},
		},
		ProductTypeRef: ref,
		Indexes: []IndexDef{
			{Name: "Apples_id_name_idx", Columns: []string{"id", "name"}, Algo: BTree},
		},
		Unique: []UniqueConstraint{{Name: "Apples_id_unique", Columns: []string{"id"}}},
		Sequences: []SequenceDef{
			{Name: "Apples_id_seq", Column: "id", Start: 1, Min: 1, Max: 1 << 62},
		},
	}
	return &Schema{Typespace: ts, Tables: []TableDef{table}}
}

func TestValidSchemaPassesCleanly(t *testing.T) {
	s := applesSchema(t)
	if err := Validate(s); err != nil {
		t.Fatalf("expected a well-formed schema to validate, got %v", err)
	}
}

// TestValidateIsTotal builds four independently-broken tables in one
// schema (spec.md §4.8 "Validation is total") and checks every fault
// is reported in a single pass, not just the first encountered.
func TestValidateIsTotal(t *testing.T) {
	ts := sats.NewTypespace(nil)

	badNameRef := ts.Add(sats.ProductOf(sats.ProductElem{Name: "id", Type: sats.U64()}))
	badColRef := ts.Add(sats.ProductOf(sats.ProductElem{Name: "1bad", Type: sats.U64()}))
	missingColRef := ts.Add(sats.ProductOf(sats.ProductElem{Name: "id", Type: sats.U64()}))
	badSeqRef := ts.Add(sats.ProductOf(sats.ProductElem{Name: "name", Type: sats.StringT()}))

	s := &Schema{
		Typespace: ts,
		Tables: []TableDef{
			{Name: "", Columns: []ColumnDef{{Name: "id", Type: sats.U64()}}, ProductTypeRef: badNameRef},
			{Name: "T2", Columns: []ColumnDef{{Name: "1bad", Type: sats.U64()}}, ProductTypeRef: badColRef},
			{
				Name:           "T3",
				Columns:        []ColumnDef{{Name: "id", Type: sats.U64()}},
				ProductTypeRef: missingColRef,
				Indexes:        []IndexDef{{Name: "T3_idx", Columns: []string{"nonexistent"}, Algo: BTree}},
			},
			{
				Name:           "T4",
				Columns:        []ColumnDef{{Name: "name", Type: sats.StringT()}},
				ProductTypeRef: badSeqRef,
				Sequences:      []SequenceDef{{Name: "T4_seq", Column: "name", Start: 0, Min: 0, Max: 1}},
			},
		},
	}

	err := Validate(s)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	var agg *Errors
	if !errors.As(err, &agg) {
		t.Fatalf("expected *Errors, got %T", err)
	}
	wantKinds := []errtax.Kind{
		errtax.InvalidTableName,
		errtax.InvalidColumnName,
		errtax.ColumnNotFound,
		errtax.InvalidSequenceColumnType,
	}
	for _, kind := range wantKinds {
		if !errors.Is(err, kind) {
			t.Fatalf("expected aggregate error to contain %v, got %v", kind, agg)
		}
	}
	if len(agg.Errs) < len(wantKinds) {
		t.Fatalf("expected validation to report every problem at once, got %d errors for %d injected faults",
			len(agg.Errs), len(wantKinds))
	}
}

func TestProductTypeColumnMismatch(t *testing.T) {
	s := applesSchema(t)
	s.Tables[0].Columns[0].Name = "differs"
	err := Validate(s)
	if !errors.Is(err, errtax.ProductTypeColumnMismatch) {
		t.Fatalf("expected product_type_column_mismatch, got %v", err)
	}
}

func TestRecursiveTypeRefRejected(t *testing.T) {
	// Type 0 is a product with a field referencing itself.
	recursive := sats.ProductOf(sats.ProductElem{Name: "self", Type: sats.RefTo(0)})
	ts := sats.NewTypespace([]sats.AlgebraicType{recursive})
	productRef := ts.Add(sats.ProductOf(sats.ProductElem{Name: "bad", Type: sats.RefTo(0)}))
	s := &Schema{
		Typespace: ts,
		Tables: []TableDef{{
			Name:           "Bananas",
			Columns:        []ColumnDef{{Name: "bad", Type: sats.RefTo(0)}},
			ProductTypeRef: productRef,
		}},
	}
	err := Validate(s)
	if !errors.Is(err, errtax.RecursiveTypeRef) {
		t.Fatalf("expected recursive_type_ref, got %v", err)
	}
}

func TestUnsupportedIndexAlgorithm(t *testing.T) {
	s := applesSchema(t)
	s.Tables[0].Indexes[0].Algo = IndexAlgorithm(99)
	err := Validate(s)
	if !errors.Is(err, errtax.UnsupportedIndexAlgorithm) {
		t.Fatalf("expected unsupported_index_algorithm, got %v", err)
	}
}

func TestDuplicateColumnNameInIndex(t *testing.T) {
	s := applesSchema(t)
	s.Tables[0].Indexes[0].Columns = []string{"id", "id"}
	err := Validate(s)
	if !errors.Is(err, errtax.DuplicateColumnName) {
		t.Fatalf("expected duplicate_column_name, got %v", err)
	}
}
