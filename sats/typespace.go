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
	"fmt"

	"github.com/SnellerInc/stdb/errtax"
)

// Typespace assigns stable numeric identifiers to composite types and
// resolves TagRef values through that table. Recursive references are
// forbidden (spec.md §3); CheckAcyclic walks every entry to reject them
// before any Layout is computed.
type Typespace struct {
	types []AlgebraicType
}

// NewTypespace builds a Typespace from an ordered list of types; the
// index of each type in the slice is its stable identifier.
func NewTypespace(types []AlgebraicType) *Typespace {
	return &Typespace{types: types}
}

// Add appends a type and returns its new index.
func (ts *Typespace) Add(t AlgebraicType) uint32 {
	ts.types = append(ts.types, t)
	return uint32(len(ts.types) - 1)
}

// Len returns the number of types registered.
func (ts *Typespace) Len() int { return len(ts.types) }

// Resolve returns the type at idx, or an error if idx is out of range.
func (ts *Typespace) Resolve(idx uint32) (AlgebraicType, error) {
	if int(idx) >= len(ts.types) {
		return AlgebraicType{}, errtax.New(errtax.UninitializedProductTypeRef, "sats.Resolve",
			map[string]any{"ref": idx})
	}
	return ts.types[idx], nil
}

// Deref resolves t if it is a TagRef, otherwise returns t unchanged.
// It does not recurse through chains of refs (the typespace is
// expected to be normalized so at most one hop is needed in practice,
// but Deref will follow exactly one hop here; callers that need a
// fully-resolved type should use CheckAcyclic first to guarantee
// termination and then call Deref in a loop bounded by ts.Len()).
func (ts *Typespace) Deref(t AlgebraicType) (AlgebraicType, error) {
	if t.Tag != TagRef {
		return t, nil
	}
	return ts.Resolve(t.Ref)
}

// CheckAcyclic walks every registered type and every type reachable
// from it, rejecting any cycle through a TagRef. This must be run
// before Layout is computed for any type in the typespace, since
// Layout's recursion over Product/Sum members is only total on
// acyclic types (spec.md §9).
func (ts *Typespace) CheckAcyclic() error {
	state := make([]int, len(ts.types)) // 0=unvisited 1=in-progress 2=done
	var visit func(idx uint32, path []uint32) error
	visit = func(idx uint32, path []uint32) error {
		if int(idx) >= len(ts.types) {
			return errtax.New(errtax.UninitializedProductTypeRef, "sats.CheckAcyclic",
				map[string]any{"ref": idx})
		}
		switch state[idx] {
		case 2:
			return nil
		case 1:
			return errtax.New(errtax.RecursiveTypeRef, "sats.CheckAcyclic",
				map[string]any{"cycle": fmt.Sprintf("%v -> %d", path, idx)})
		}
		state[idx] = 1
		if err := ts.walkRefs(ts.types[idx], append(path, idx), visit); err != nil {
			return err
		}
		state[idx] = 2
		return nil
	}
	for i := range ts.types {
		if state[i] == 0 {
			if err := visit(uint32(i), nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// walkRefs calls visit on every TagRef reachable directly from t
// (not recursing into the referenced type itself — visit does that).
func (ts *Typespace) walkRefs(t AlgebraicType, path []uint32, visit func(uint32, []uint32) error) error {
	switch t.Tag {
	case TagRef:
		return visit(t.Ref, path)
	case TagArray:
		return ts.walkRefs(*t.Array, path, visit)
	case TagProduct:
		for _, e := range t.Product {
			if err := ts.walkRefs(e.Type, path, visit); err != nil {
				return err
			}
		}
	case TagSum:
		for _, v := range t.Sum {
			if err := ts.walkRefs(v.Type, path, visit); err != nil {
				return err
			}
		}
	}
	return nil
}
