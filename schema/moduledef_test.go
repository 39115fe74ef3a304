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
	"testing"

	"github.com/SnellerInc/stdb/sats"
)

const applesDefYAML = `
tables:
  - name: Apples
    columns:
      - {name: id, type: u64}
      - {name: name, type: string}
      - {name: count, type: u16}
    unique:
      - {name: apples_by_id, columns: [id]}
    sequences:
      - {name: apples_id_seq, column: id, start: 1, min: 1, max: 1000000}
`

func TestDecodeModuleDefBuildsValidatableSchema(t *testing.T) {
	def, err := DecodeModuleDef([]byte(applesDefYAML))
	if err != nil {
		t.Fatal(err)
	}
	if len(def.Tables) != 1 || def.Tables[0].Name != "Apples" {
		t.Fatalf("unexpected tables: %+v", def.Tables)
	}

	s, err := def.Schema()
	if err != nil {
		t.Fatal(err)
	}
	if err := Validate(s); err != nil {
		t.Fatalf("built schema failed to validate: %v", err)
	}

	table, ok := s.Table("Apples")
	if !ok {
		t.Fatal("Apples table missing from built schema")
	}
	if len(table.Unique) != 1 || table.Unique[0].Name != "apples_by_id" {
		t.Fatalf("unique constraint not carried over: %+v", table.Unique)
	}
	if len(table.Sequences) != 1 || table.Sequences[0].Column != "id" {
		t.Fatalf("sequence not carried over: %+v", table.Sequences)
	}

	ty, err := s.Typespace.Resolve(table.ProductTypeRef)
	if err != nil {
		t.Fatal(err)
	}
	if len(ty.Product) != 3 || ty.Product[2].Type.Tag != sats.TagU16 {
		t.Fatalf("unexpected row type: %+v", ty)
	}
}

func TestParseTypeRejectsUnknownName(t *testing.T) {
	def := &ModuleDef{Tables: []TableSpec{{
		Name:    "Bad",
		Columns: []ColumnSpec{{Name: "x", Type: "not_a_type"}},
	}}}
	if _, err := def.Schema(); err == nil {
		t.Fatal("expected an error for an unknown column type")
	}
}

func TestParseTypeArrayNesting(t *testing.T) {
	def := &ModuleDef{Tables: []TableSpec{{
		Name:    "Tags",
		Columns: []ColumnSpec{{Name: "values", Type: "array<u32>"}},
	}}}
	s, err := def.Schema()
	if err != nil {
		t.Fatal(err)
	}
	ty, err := s.Typespace.Resolve(s.Tables[0].ProductTypeRef)
	if err != nil {
		t.Fatal(err)
	}
	if ty.Product[0].Type.Tag != sats.TagArray || ty.Product[0].Type.Array.Tag != sats.TagU32 {
		t.Fatalf("unexpected array column type: %+v", ty.Product[0].Type)
	}
}
