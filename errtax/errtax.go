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

// Package errtax defines the error taxonomy shared by every engine
// component (storage, transaction, log, codec, validation, migration).
//
// Every fallible operation in this module returns an error that
// satisfies errors.Is against one of the Kind sentinels below. Errors
// are never swallowed at a layer boundary; wrap with fmt.Errorf and %w
// so the original Kind remains reachable.
package errtax

import (
	"errors"
	"fmt"
)

// Kind identifies one taxonomy entry from spec.md §7.
type Kind = error

// Storage errors.
var (
	PageFull         Kind = errors.New("page_full")
	UniqueViolation  Kind = errors.New("unique_violation")
	SchemaMismatch   Kind = errors.New("schema_mismatch")
	BlobMissing      Kind = errors.New("blob_missing")
	InvalidRowPointer Kind = errors.New("invalid_row_pointer")
)

// Transaction errors.
var (
	WriteSkew      Kind = errors.New("write_skew")
	BudgetExceeded Kind = errors.New("budget_exceeded")
)

// Log errors.
var (
	CorruptedData    Kind = errors.New("corrupted_data")
	MissingObject    Kind = errors.New("missing_object")
	OutOfOrder       Kind = errors.New("out_of_order")
	TrailingSegments Kind = errors.New("trailing_segments")
	ResetFailed      Kind = errors.New("reset_failed")
)

// Codec errors.
var (
	InvalidData          Kind = errors.New("invalid_data")
	BSATNLengthMismatch  Kind = errors.New("bsatn_length_mismatch")
)

// Validation errors.
var (
	InvalidTableName            Kind = errors.New("invalid_table_name")
	InvalidColumnName            Kind = errors.New("invalid_column_name")
	InvalidColumnType            Kind = errors.New("invalid_column_type")
	RecursiveTypeRef             Kind = errors.New("recursive_type_ref")
	ColumnNotFound               Kind = errors.New("column_not_found")
	DuplicateColumnName          Kind = errors.New("duplicate_column_name")
	UnsupportedIndexAlgorithm    Kind = errors.New("unsupported_index_algorithm")
	InvalidSequenceColumnType    Kind = errors.New("invalid_sequence_column_type")
	ProductTypeColumnMismatch    Kind = errors.New("product_type_column_mismatch")
	UninitializedProductTypeRef  Kind = errors.New("uninitialized_product_type_ref")
	ColumnsNotOrdered            Kind = errors.New("columns_not_ordered")
)

// Migration errors.
var (
	AddColumn            Kind = errors.New("add_column")
	RemoveColumn          Kind = errors.New("remove_column")
	ReorderTable           Kind = errors.New("reorder_table")
	ChangeColumnType       Kind = errors.New("change_column_type")
	AddUniqueConstraint    Kind = errors.New("add_unique_constraint")
	ChangeUniqueConstraint Kind = errors.New("change_unique_constraint")
	RemoveTable            Kind = errors.New("remove_table")
	ChangeTableKind        Kind = errors.New("change_table_kind")
	ChangeIndexAccessor    Kind = errors.New("change_index_accessor")
)

// Error is a structured error carrying a taxonomy Kind plus the
// operation and context that produced it. Layers should wrap the
// underlying Kind sentinel with fmt.Errorf("op: %w", Kind) when no
// extra context is needed, or construct an *Error directly when
// names/offsets/hashes are available.
type Error struct {
	Kind    Kind
	Op      string
	Context map[string]any
}

func (e *Error) Error() string {
	if len(e.Context) == 0 {
		return e.Op + ": " + e.Kind.Error()
	}
	s := e.Op + ": " + e.Kind.Error() + " ("
	first := true
	for k, v := range e.Context {
		if !first {
			s += ", "
		}
		first = false
		s += k + "="
		s += toString(v)
	}
	return s + ")"
}

func (e *Error) Unwrap() error { return e.Kind }

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}

// New constructs a structured Error for op with the given context.
// Context keys/values are typically names, offsets, or hashes.
func New(kind Kind, op string, context map[string]any) *Error {
	return &Error{Kind: kind, Op: op, Context: context}
}
