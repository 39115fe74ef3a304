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
	"fmt"
	"os"

	"sigs.k8s.io/yaml"

	"github.com/SnellerInc/stdb/sats"
)

// ModuleDef is a file-friendly description of a Schema, the on-disk
// counterpart to the in-memory Schema/TableDef/ColumnDef types this
// package otherwise deals in. It exists for the same reason the
// teacher's db.Definition does: so a caller (here, cmd/stdb) can load
// a whole module's shape from one YAML or JSON file instead of
// constructing sats.AlgebraicType values and a Typespace by hand.
//
// Grounded on the teacher's db/def.go Definition/TableDefinition pair,
// decoded the same way config.Options is: sigs.k8s.io/yaml over a
// json-tagged struct, so one decoder accepts either YAML or JSON.
type ModuleDef struct {
	Tables   []TableSpec   `json:"tables"`
	RLSRules []RLSRuleSpec `json:"rls_rules,omitempty"`
}

// ColumnSpec names a column and its type, spelled as one of the
// primitive type names listed in parseType, "bytes", "string", or
// "array<...>" wrapping another such name.
type ColumnSpec struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// IndexSpec is an IndexDef spelled in file form.
type IndexSpec struct {
	Name     string   `json:"name"`
	Columns  []string `json:"columns"`
	Accessor string   `json:"accessor,omitempty"`
}

// UniqueSpec is a UniqueConstraint spelled in file form.
type UniqueSpec struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
}

// SequenceSpec is a SequenceDef spelled in file form.
type SequenceSpec struct {
	Name   string `json:"name"`
	Column string `json:"column"`
	Start  int64  `json:"start"`
	Min    int64  `json:"min"`
	Max    int64  `json:"max"`
}

// ScheduleSpec is a ScheduleDef spelled in file form.
type ScheduleSpec struct {
	Column  string `json:"column"`
	Reducer string `json:"reducer"`
}

// TableSpec is a TableDef spelled in file form, minus ProductTypeRef,
// which ModuleDef.Schema assigns while building the typespace.
type TableSpec struct {
	Name      string         `json:"name"`
	Columns   []ColumnSpec   `json:"columns"`
	Indexes   []IndexSpec    `json:"indexes,omitempty"`
	Unique    []UniqueSpec   `json:"unique,omitempty"`
	Sequences []SequenceSpec `json:"sequences,omitempty"`
	Schedule  *ScheduleSpec  `json:"schedule,omitempty"`
	Access    string         `json:"access,omitempty"` // "public" (default) or "private"
}

// RLSRuleSpec is an RLSRuleDef spelled in file form.
type RLSRuleSpec struct {
	Name       string `json:"name"`
	Table      string `json:"table"`
	Expression string `json:"expression"`
}

// DecodeModuleDef parses a YAML or JSON module definition.
func DecodeModuleDef(data []byte) (*ModuleDef, error) {
	var d ModuleDef
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("schema: decoding module definition: %w", err)
	}
	return &d, nil
}

// LoadModuleDef reads and parses the module definition at path.
func LoadModuleDef(path string) (*ModuleDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("schema: reading %s: %w", path, err)
	}
	return DecodeModuleDef(data)
}

// parseType resolves one ColumnSpec.Type string to an AlgebraicType.
// "array<T>" recurses on T; every other recognized name is a
// primitive. There is deliberately no struct/sum spelling here: a
// module definition file describes the table-level schema spec.md §3
// and §6 need, not the full algebraic-type language sats.Typespace
// can express — a column whose type is itself a product or sum is
// out of scope for this loader.
func parseType(name string) (sats.AlgebraicType, error) {
	if len(name) > len("array<") && name[:len("array<")] == "array<" && name[len(name)-1] == '>' {
		elem, err := parseType(name[len("array<") : len(name)-1])
		if err != nil {
			return sats.AlgebraicType{}, err
		}
		return sats.ArrayOf(elem), nil
	}
	switch name {
	case "bool":
		return sats.Bool(), nil
	case "i8":
		return sats.I8(), nil
	case "u8":
		return sats.U8(), nil
	case "i16":
		return sats.I16(), nil
	case "u16":
		return sats.U16(), nil
	case "i32":
		return sats.I32(), nil
	case "u32":
		return sats.U32(), nil
	case "i64":
		return sats.I64(), nil
	case "u64":
		return sats.U64(), nil
	case "i128":
		return sats.I128(), nil
	case "u128":
		return sats.U128(), nil
	case "i256":
		return sats.I256(), nil
	case "u256":
		return sats.U256(), nil
	case "f32":
		return sats.F32(), nil
	case "f64":
		return sats.F64(), nil
	case "string":
		return sats.StringT(), nil
	case "bytes":
		return sats.BytesT(), nil
	default:
		return sats.AlgebraicType{}, fmt.Errorf("schema: unknown column type %q", name)
	}
}

func parseAccess(a string) (Access, error) {
	switch a {
	case "", "public":
		return Public, nil
	case "private":
		return Private, nil
	default:
		return 0, fmt.Errorf("schema: unknown access %q", a)
	}
}

// Schema builds a Schema from d: one fresh Typespace, one product type
// per table (registered in declaration order, so ProductTypeRef values
// are stable for a given file), and every index/unique/sequence/
// schedule/RLS rule carried over verbatim. The result is not validated;
// callers should run it through Validate before handing it to
// datastore.Open or datastore.Facade.ApplyMigration.
func (d *ModuleDef) Schema() (*Schema, error) {
	ts := sats.NewTypespace(nil)
	s := &Schema{Typespace: ts}

	for _, tspec := range d.Tables {
		cols := make([]ColumnDef, len(tspec.Columns))
		elems := make([]sats.ProductElem, len(tspec.Columns))
		for i, c := range tspec.Columns {
			ty, err := parseType(c.Type)
			if err != nil {
				return nil, fmt.Errorf("schema: table %s: %w", tspec.Name, err)
			}
			cols[i] = ColumnDef{Name: c.Name, Type: ty}
			elems[i] = sats.ProductElem{Name: c.Name, Type: ty}
		}
		ref := ts.Add(sats.ProductOf(elems...))

		access, err := parseAccess(tspec.Access)
		if err != nil {
			return nil, fmt.Errorf("schema: table %s: %w", tspec.Name, err)
		}

		t := TableDef{
			Name:           tspec.Name,
			Columns:        cols,
			ProductTypeRef: ref,
			Access:         access,
			Kind:           UserTable,
		}
		for _, ix := range tspec.Indexes {
			t.Indexes = append(t.Indexes, IndexDef{Name: ix.Name, Columns: ix.Columns, Accessor: ix.Accessor})
		}
		for _, uq := range tspec.Unique {
			t.Unique = append(t.Unique, UniqueConstraint{Name: uq.Name, Columns: uq.Columns})
		}
		for _, sq := range tspec.Sequences {
			t.Sequences = append(t.Sequences, SequenceDef{Name: sq.Name, Column: sq.Column, Start: sq.Start, Min: sq.Min, Max: sq.Max})
		}
		if tspec.Schedule != nil {
			t.Schedule = &ScheduleDef{Column: tspec.Schedule.Column, Reducer: tspec.Schedule.Reducer}
		}
		s.Tables = append(s.Tables, t)
	}

	for _, r := range d.RLSRules {
		s.RLSRules = append(s.RLSRules, RLSRuleDef{Name: r.Name, Table: r.Table, Expression: r.Expression})
	}
	return s, nil
}
