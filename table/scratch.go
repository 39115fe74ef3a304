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
	"github.com/SnellerInc/stdb/page"
	"github.com/SnellerInc/stdb/sats"
)

// Scratch is a table's per-transaction row space (spec.md §4.3: "a
// table owns two row-pointer spaces: committed and scratch"). Its
// pages belong to no shared Pool and are reclaimed wholesale on
// rollback or once a commit has copied their contents into the
// committed Pool.
type Scratch struct {
	pool    *page.Pool
	cur     *page.Page
	curIdx  uint32
	rows    map[page.Pointer]sats.Value // scratch-origin inserted rows, by pointer
	deletes map[page.Pointer]struct{}   // committed-origin pointers hidden from this txn
	overlay []*Index                    // one overlay index per table.indexes entry, same order
}

func newScratch(slotSize uint32, numIndexes int) *Scratch {
	s := &Scratch{
		pool:    page.NewPool(slotSize),
		rows:    make(map[page.Pointer]sats.Value),
		deletes: make(map[page.Pointer]struct{}),
		overlay: make([]*Index, numIndexes),
	}
	return s
}

func (s *Scratch) page() *page.Page {
	if s.cur == nil {
		s.cur, s.curIdx = s.pool.ReserveEmptyPage()
	}
	return s.cur
}

func (s *Scratch) rollover() {
	s.cur, s.curIdx = s.pool.ReserveEmptyPage()
}

// Inserted returns every row this scratch has itself inserted, for
// delta reporting ahead of CommitScratch (spec.md §6 "Each committed
// transaction yields a structured delta").
func (s *Scratch) Inserted() []sats.Value {
	out := make([]sats.Value, 0, len(s.rows))
	for _, row := range s.rows {
		out = append(out, row)
	}
	return out
}

// Deleted returns every committed-origin row pointer this scratch has
// shadowed, for delta reporting ahead of CommitScratch.
func (s *Scratch) Deleted() []page.Pointer {
	out := make([]page.Pointer, 0, len(s.deletes))
	for ptr := range s.deletes {
		out = append(out, ptr)
	}
	return out
}
