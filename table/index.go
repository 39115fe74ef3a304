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

package table

import (
	"github.com/google/btree"

	"github.com/SnellerInc/stdb/errtax"
	"github.com/SnellerInc/stdb/page"
	"github.com/SnellerInc/stdb/sats"
)

// entry is one (projection key, row pointer) pair stored in an
// Index's backing btree. Ordering is by Key first (algebraic
// ordering, spec.md §4.3) and by Pointer second, so a non-unique index
// can hold many entries that share a key.
type entry struct {
	Key sats.Value
	Ptr page.Pointer
}

func lessEntry(a, b entry) bool {
	if c := a.Key.Compare(b.Key); c != 0 {
		return c < 0
	}
	if a.Ptr.Scratch != b.Ptr.Scratch {
		return !a.Ptr.Scratch && b.Ptr.Scratch
	}
	if a.Ptr.Page != b.Ptr.Page {
		return a.Ptr.Page < b.Ptr.Page
	}
	return a.Ptr.Offset < b.Ptr.Offset
}

// Index is an ordered (optionally unique) secondary index over a
// column-list projection of a table's rows (spec.md §4.3).
type Index struct {
	Name    string
	Columns []int
	Unique  bool
	tree    *btree.BTreeG[entry]
}

// NewIndex creates an empty index over the given column indices.
func NewIndex(name string, columns []int, unique bool) *Index {
	return &Index{
		Name:    name,
		Columns: columns,
		Unique:  unique,
		tree:    btree.NewG(32, lessEntry),
	}
}

// Project extracts the index's key from a full row value.
func (ix *Index) Project(row sats.Value) sats.Value {
	cols := make([]sats.Value, len(ix.Columns))
	for i, c := range ix.Columns {
		cols[i] = row.Fields[c]
	}
	return sats.ProjectionKey(cols...)
}

// CheckUnique reports errtax.UniqueViolation if key already has a live
// row and ix is a unique index. Must be called before Insert so the
// attempt can fail without mutating any state (spec.md §4.3).
func (ix *Index) CheckUnique(key sats.Value) error {
	if !ix.Unique {
		return nil
	}
	var found bool
	ix.tree.AscendGreaterOrEqual(entry{Key: key}, func(e entry) bool {
		if e.Key.Compare(key) == 0 {
			found = true
		}
		return false
	})
	if found {
		return errtax.New(errtax.UniqueViolation, "table.Index.CheckUnique", map[string]any{"index": ix.Name})
	}
	return nil
}

// Insert records ptr under key.
func (ix *Index) Insert(key sats.Value, ptr page.Pointer) {
	ix.tree.ReplaceOrInsert(entry{Key: key, Ptr: ptr})
}

// Delete removes the (key, ptr) entry.
func (ix *Index) Delete(key sats.Value, ptr page.Pointer) {
	ix.tree.Delete(entry{Key: key, Ptr: ptr})
}

// Seek yields every pointer whose projection equals key (spec.md §4.3
// index_seek).
func (ix *Index) Seek(key sats.Value, yield func(page.Pointer) bool) {
	ix.tree.AscendGreaterOrEqual(entry{Key: key}, func(e entry) bool {
		if e.Key.Compare(key) != 0 {
			return false
		}
		return yield(e.Ptr)
	})
}

// Range yields every pointer with projection in [lo, hi), ascending
// (spec.md §4.3 index_range).
func (ix *Index) Range(lo, hi sats.Value, yield func(page.Pointer) bool) {
	ix.tree.AscendRange(entry{Key: lo}, entry{Key: hi}, func(e entry) bool {
		return yield(e.Ptr)
	})
}
