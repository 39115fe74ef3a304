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
	"sort"
	"strings"

	"github.com/SnellerInc/stdb/bflatn"
	"github.com/SnellerInc/stdb/errtax"
	"github.com/SnellerInc/stdb/sats"
)

// Errors aggregates every error a Validate pass detected (spec.md §4.8
// "Validation is total: it returns the set of all detected errors
// rather than stopping at the first"). It satisfies errors.Is/As
// against any individual *errtax.Error it wraps via Unwrap() []error.
type Errors struct {
	Errs []error
}

func (e *Errors) Error() string {
	parts := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		parts[i] = err.Error()
	}
	return strings.Join(parts, "; ")
}

func (e *Errors) Unwrap() []error { return e.Errs }

// errCollector accumulates validation errors deduplicated by (kind,
// path), mirroring original_source/crates/schema/src/validate.rs's
// SchemaErrors error stream (spec.md §4.8, SPEC_FULL.md §5).
type errCollector struct {
	errs []error
	seen map[string]bool
}

func (c *errCollector) add(kind errtax.Kind, op string, path string, context map[string]any) {
	if c.seen == nil {
		c.seen = make(map[string]bool)
	}
	key := kind.Error() + "|" + path
	if c.seen[key] {
		return
	}
	c.seen[key] = true
	c.errs = append(c.errs, errtax.New(kind, op, context))
}

func (c *errCollector) result() error {
	if len(c.errs) == 0 {
		return nil
	}
	return &Errors{Errs: c.errs}
}

func isValidIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		isLetter := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_'
		isDigit := r >= '0' && r <= '9'
		if i == 0 {
			if !isLetter {
				return false
			}
			continue
		}
		if !isLetter && !isDigit {
			return false
		}
	}
	return true
}

func hasDuplicates(names []string) bool {
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if seen[n] {
			return true
		}
		seen[n] = true
	}
	return false
}

// Validate checks s against every rule in spec.md §4.8 and returns
// the full set of detected problems, or nil if s is well-formed.
func Validate(s *Schema) error {
	var c errCollector
	for ti := range s.Tables {
		validateTable(&c, s, &s.Tables[ti])
	}
	return c.result()
}

func validateTable(c *errCollector, s *Schema, t *TableDef) {
	if !isValidIdentifier(t.Name) {
		c.add(errtax.InvalidTableName, "schema.Validate", t.Name,
			map[string]any{"table": t.Name})
	}

	colNames := make(map[string]sats.AlgebraicType, len(t.Columns))
	var dupFound, badType bool
	for _, col := range t.Columns {
		if !isValidIdentifier(col.Name) {
			c.add(errtax.InvalidColumnName, "schema.Validate", t.Name+"."+col.Name,
				map[string]any{"table": t.Name, "column": col.Name})
		}
		if _, exists := colNames[col.Name]; exists {
			dupFound = true
			c.add(errtax.DuplicateColumnName, "schema.Validate", t.Name+"."+col.Name,
				map[string]any{"table": t.Name, "column": col.Name})
		}
		colNames[col.Name] = col.Type
		if err := checkAcyclicType(s.Typespace, col.Type, nil); err != nil {
			badType = true
			kind := errtax.InvalidColumnType
			if e, ok := err.(*errtax.Error); ok && e.Kind == errtax.RecursiveTypeRef {
				kind = errtax.RecursiveTypeRef
			}
			c.add(kind, "schema.Validate", t.Name+"."+col.Name,
				map[string]any{"table": t.Name, "column": col.Name, "cause": err.Error()})
		}
	}

	if !dupFound {
		if !badType {
			checkCanonicalOrder(c, s, t)
		}
		checkProductTypeMatch(c, s, t)
	}

	for _, ix := range t.Indexes {
		validateColumnList(c, t, ix.Name, ix.Columns, "index")
		if ix.Algo != BTree {
			c.add(errtax.UnsupportedIndexAlgorithm, "schema.Validate", t.Name+"."+ix.Name,
				map[string]any{"table": t.Name, "index": ix.Name, "algo": ix.Algo})
		}
	}
	for _, uq := range t.Unique {
		validateColumnList(c, t, uq.Name, uq.Columns, "unique_constraint")
	}
	for _, sq := range t.Sequences {
		if !columnExists(t, sq.Column) {
			c.add(errtax.ColumnNotFound, "schema.Validate", t.Name+"."+sq.Column,
				map[string]any{"table": t.Name, "column": sq.Column})
			continue
		}
		col, _ := t.Column(sq.Column)
		if !isIntegerType(s.Typespace, col.Type) {
			c.add(errtax.InvalidSequenceColumnType, "schema.Validate", t.Name+"."+sq.Column,
				map[string]any{"table": t.Name, "column": sq.Column})
		}
	}
	if t.Schedule != nil && !columnExists(t, t.Schedule.Column) {
		c.add(errtax.ColumnNotFound, "schema.Validate", t.Name+"."+t.Schedule.Column,
			map[string]any{"table": t.Name, "column": t.Schedule.Column})
	}
}

func columnExists(t *TableDef, name string) bool {
	_, ok := t.Column(name)
	return ok
}

func validateColumnList(c *errCollector, t *TableDef, owner string, columns []string, kind string) {
	if hasDuplicates(columns) {
		c.add(errtax.DuplicateColumnName, "schema.Validate", t.Name+"."+owner,
			map[string]any{"table": t.Name, kind: owner, "columns": columns})
	}
	for _, name := range columns {
		if !columnExists(t, name) {
			c.add(errtax.ColumnNotFound, "schema.Validate", t.Name+"."+owner+"."+name,
				map[string]any{"table": t.Name, kind: owner, "column": name})
		}
	}
}

func isIntegerType(ts *sats.Typespace, ty sats.AlgebraicType) bool {
	resolved, err := ts.Deref(ty)
	if err != nil {
		return false
	}
	return resolved.IsInteger()
}

// checkAcyclicType walks t's structure rejecting a TagRef cycle; this
// mirrors sats.Typespace.CheckAcyclic but scoped to one column's type
// so a single bad column doesn't block reporting every other problem
// (spec.md §4.8 "Validation is total").
func checkAcyclicType(ts *sats.Typespace, t sats.AlgebraicType, path []uint32) error {
	switch t.Tag {
	case sats.TagRef:
		for _, p := range path {
			if p == t.Ref {
				return errtax.New(errtax.RecursiveTypeRef, "schema.checkAcyclicType", map[string]any{"ref": t.Ref})
			}
		}
		resolved, err := ts.Resolve(t.Ref)
		if err != nil {
			return err
		}
		return checkAcyclicType(ts, resolved, append(append([]uint32(nil), path...), t.Ref))
	case sats.TagArray:
		return checkAcyclicType(ts, *t.Array, path)
	case sats.TagProduct:
		for _, e := range t.Product {
			if err := checkAcyclicType(ts, e.Type, path); err != nil {
				return err
			}
		}
	case sats.TagSum:
		for _, v := range t.Sum {
			if err := checkAcyclicType(ts, v.Type, path); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkProductTypeMatch verifies the table's declared product-type
// reference resolves to a product whose element names match the
// table's columns, in order (spec.md §4.8).
func checkProductTypeMatch(c *errCollector, s *Schema, t *TableDef) {
	pt, err := s.Typespace.Resolve(t.ProductTypeRef)
	if err != nil || pt.Tag != sats.TagProduct {
		c.add(errtax.UninitializedProductTypeRef, "schema.Validate", t.Name,
			map[string]any{"table": t.Name})
		return
	}
	if len(pt.Product) != len(t.Columns) {
		c.add(errtax.ProductTypeColumnMismatch, "schema.Validate", t.Name,
			map[string]any{"table": t.Name, "reason": "element count mismatch"})
		return
	}
	for i, elem := range pt.Product {
		if elem.Name != t.Columns[i].Name {
			c.add(errtax.ProductTypeColumnMismatch, "schema.Validate", t.Name,
				map[string]any{"table": t.Name, "column_index": i})
			return
		}
	}
}

// checkCanonicalOrder enforces a deterministic column order: by
// descending BFLATN alignment, then by name, grouping wide fields
// first so natural alignment padding is minimized (spec.md §7's
// columns_not_ordered taxonomy entry; DESIGN.md records this choice
// as an Open Question decision since neither spec.md's body nor the
// available original_source files state the exact canonical ordering
// rule).
func checkCanonicalOrder(c *errCollector, s *Schema, t *TableDef) {
	type keyed struct {
		name  string
		align uint32
	}
	keys := make([]keyed, len(t.Columns))
	for i, col := range t.Columns {
		layout, err := bflatn.ComputeLayout(s.Typespace, col.Type)
		if err != nil {
			return // already reported as InvalidColumnType
		}
		keys[i] = keyed{name: col.Name, align: layout.Align}
	}
	sorted := append([]keyed(nil), keys...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].align != sorted[j].align {
			return sorted[i].align > sorted[j].align
		}
		return sorted[i].name < sorted[j].name
	})
	for i := range keys {
		if keys[i].name != sorted[i].name {
			c.add(errtax.ColumnsNotOrdered, "schema.Validate", t.Name,
				map[string]any{"table": t.Name})
			return
		}
	}
}
