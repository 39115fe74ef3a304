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

// Package table implements one schema table's row storage (spec.md
// §4.3): the committed/scratch row-pointer split, ordered and unique
// secondary indexes, and attached sequences. It is the direct
// consumer of package page (fixed-slot storage) and package bflatn
// (row encode/decode), and is in turn consumed by package txn, which
// layers MVCC read/write-set semantics and commit/rollback on top.
//
// Grounded on the teacher's db/table.go shape (row storage plus
// secondary index maintenance, read for grounding and rewritten here
// for BFLATN/page-backed storage) and on
// original_source/crates/table/src/table.rs for the committed/scratch
// split and index-maintenance ordering this spec was distilled from.
package table

import (
	"errors"
	"sync"

	"github.com/SnellerInc/stdb/bflatn"
	"github.com/SnellerInc/stdb/blob"
	"github.com/SnellerInc/stdb/errtax"
	"github.com/SnellerInc/stdb/page"
	"github.com/SnellerInc/stdb/sats"
)

// AutoSentinel is the value a caller passes for a sequence-backed
// column to request that the engine draw the next value atomically
// (spec.md §4.3 "Sequences").
const AutoSentinel = ^uint64(0)

// Table owns one schema table's row storage.
type Table struct {
	Name    string
	TS      *sats.Typespace
	RowType sats.AlgebraicType
	Layout  bflatn.ProductLayout
	Visitor *bflatn.Visitor
	Blobs   blob.Store

	mu        sync.RWMutex
	pool      *page.Pool
	cur       *page.Page
	curIdx    uint32
	live      map[page.Pointer]struct{}
	indexes   []*Index
	sequences map[int]*Sequence
}

// New constructs an empty table for rows of rowType, whose BFLATN
// layout is precomputed as layout (spec.md §9 "RowTypeLayout
// caching" — callers compute this once per schema table and reuse
// it).
func New(name string, ts *sats.Typespace, rowType sats.AlgebraicType, layout bflatn.ProductLayout, blobs blob.Store) (*Table, error) {
	visitor, err := bflatn.CompileVisitor(ts, layout)
	if err != nil {
		return nil, err
	}
	if !visitor.HasVarLen() {
		visitor = bflatn.NullVisitor
	}
	slotSize := bflatn.RowFloor(layout.Total).Size
	return &Table{
		Name:      name,
		TS:        ts,
		RowType:   rowType,
		Layout:    layout,
		Visitor:   visitor,
		Blobs:     blobs,
		pool:      page.NewPool(slotSize),
		live:      make(map[page.Pointer]struct{}),
		sequences: make(map[int]*Sequence),
	}, nil
}

// AddIndex registers a secondary index, maintained from this point
// forward (existing committed rows are not retroactively indexed;
// callers build a table's indexes before inserting any rows, per
// spec.md §3 "indexes are rebuilt from scratch at table creation").
func (t *Table) AddIndex(ix *Index) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.indexes = append(t.indexes, ix)
}

// AddSequence attaches a sequence to a column.
func (t *Table) AddSequence(seq *Sequence) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sequences[seq.Column] = seq
}

// BeginScratch opens a fresh per-transaction row space over this
// table.
func (t *Table) BeginScratch() *Scratch {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := newScratch(t.pool.SlotSize(), len(t.indexes))
	for i, ix := range t.indexes {
		s.overlay[i] = NewIndex(ix.Name, ix.Columns, ix.Unique)
	}
	return s
}

func (t *Table) ensureCommittedPage() (*page.Page, uint32) {
	if t.cur == nil {
		t.cur, t.curIdx = t.pool.ReserveEmptyPage()
	}
	return t.cur, t.curIdx
}

// resolveAutos fills any sequence-backed column whose value is the
// AutoSentinel with a freshly drawn sequence value.
func (t *Table) resolveAutos(row sats.Value) (sats.Value, error) {
	if len(t.sequences) == 0 {
		return row, nil
	}
	out := row
	out.Fields = append([]sats.Value(nil), row.Fields...)
	for col, seq := range t.sequences {
		f := out.Fields[col]
		if f.Tag == sats.TagU64 && f.Uint == AutoSentinel {
			v, err := seq.Next()
			if err != nil {
				return sats.Value{}, err
			}
			f.Uint = uint64(v)
			out.Fields[col] = f
		}
	}
	return out, nil
}

// Insert writes row into s's scratch space (spec.md §4.3 insert):
// visible to this transaction immediately, to others only after
// commit.
func (t *Table) Insert(s *Scratch, row sats.Value) (page.Pointer, error) {
	if len(row.Fields) != len(t.Layout.Fields) {
		return page.Pointer{}, errtax.New(errtax.SchemaMismatch, "table.Insert",
			map[string]any{"table": t.Name, "want_fields": len(t.Layout.Fields), "got_fields": len(row.Fields)})
	}
	row, err := t.resolveAutos(row)
	if err != nil {
		return page.Pointer{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for i, ix := range t.indexes {
		if !ix.Unique {
			continue
		}
		key := ix.Project(row)
		if err := ix.CheckUnique(key); err != nil {
			return page.Pointer{}, err
		}
		if err := s.overlay[i].CheckUnique(key); err != nil {
			return page.Pointer{}, err
		}
	}

	fixed, payloads, err := bflatn.EncodeRow(t.TS, t.Layout, row)
	if err != nil {
		return page.Pointer{}, err
	}
	padded := make([]byte, t.pool.SlotSize())
	copy(padded, fixed)

	p := s.page()
	off, err := p.InsertRow(t.Visitor, padded, payloads, t.Blobs)
	if errors.Is(err, errtax.PageFull) {
		s.rollover()
		p = s.cur
		off, err = p.InsertRow(t.Visitor, padded, payloads, t.Blobs)
	}
	if err != nil {
		return page.Pointer{}, err
	}
	ptr := page.Pointer{Page: s.curIdx, Offset: off, Scratch: true}
	s.rows[ptr] = row
	for i, ix := range t.indexes {
		s.overlay[i].Insert(ix.Project(row), ptr)
	}
	return ptr, nil
}

// Delete hides ptr from s (spec.md §4.3 delete): if ptr is
// scratch-origin (inserted earlier in this same transaction) it is
// physically removed from scratch storage; if it is committed-origin
// it is merely shadowed until commit finalizes the delete against
// committed storage.
func (t *Table) Delete(s *Scratch, ptr page.Pointer) error {
	if ptr.Scratch {
		row, ok := s.rows[ptr]
		if !ok {
			return errtax.New(errtax.InvalidRowPointer, "table.Delete", map[string]any{"table": t.Name})
		}
		p, err := s.pool.Page(ptr.Page)
		if err != nil {
			return err
		}
		if err := p.DeleteRow(t.Visitor, ptr.Offset, t.Blobs); err != nil {
			return err
		}
		delete(s.rows, ptr)
		for i, ix := range t.indexes {
			s.overlay[i].Delete(ix.Project(row), ptr)
		}
		return nil
	}
	t.mu.RLock()
	_, ok := t.live[ptr]
	t.mu.RUnlock()
	if !ok {
		return errtax.New(errtax.InvalidRowPointer, "table.Delete", map[string]any{"table": t.Name})
	}
	s.deletes[ptr] = struct{}{}
	return nil
}

// Get materializes the row at ptr as a Value, whichever space it
// lives in.
func (t *Table) Get(s *Scratch, ptr page.Pointer) (sats.Value, error) {
	if ptr.Scratch {
		if s == nil {
			return sats.Value{}, errtax.New(errtax.InvalidRowPointer, "table.Get", nil)
		}
		row, ok := s.rows[ptr]
		if !ok {
			return sats.Value{}, errtax.New(errtax.InvalidRowPointer, "table.Get", nil)
		}
		return row, nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if _, ok := t.live[ptr]; !ok {
		return sats.Value{}, errtax.New(errtax.InvalidRowPointer, "table.Get", nil)
	}
	p, err := t.pool.Page(ptr.Page)
	if err != nil {
		return sats.Value{}, err
	}
	return t.getLocked(p, ptr.Offset)
}

// getLocked decodes the row at offset on page p. Callers must already
// hold (or not need) t.mu — it performs no locking of its own, so
// CommitScratch (which holds t.mu for writing) can call it directly
// without deadlocking against Get's RLock.
func (t *Table) getLocked(p *page.Page, offset uint32) (sats.Value, error) {
	fixed, err := p.GetFixedLenRow(offset)
	if err != nil {
		return sats.Value{}, err
	}
	return bflatn.DecodeRow(t.TS, t.Layout, fixed, p.Resolver(t.Blobs))
}

// Iter yields every row live as of s's snapshot: committed rows not
// shadowed by s.deletes, plus every row s has itself inserted
// (spec.md §4.3 iter). With s == nil, only committed rows are
// visible.
func (t *Table) Iter(s *Scratch, yield func(page.Pointer, sats.Value) bool) error {
	t.mu.RLock()
	ptrs := make([]page.Pointer, 0, len(t.live))
	for ptr := range t.live {
		ptrs = append(ptrs, ptr)
	}
	t.mu.RUnlock()

	for _, ptr := range ptrs {
		if s != nil {
			if _, hidden := s.deletes[ptr]; hidden {
				continue
			}
		}
		row, err := t.Get(nil, ptr)
		if err != nil {
			return err
		}
		if !yield(ptr, row) {
			return nil
		}
	}
	if s != nil {
		for ptr, row := range s.rows {
			if !yield(ptr, row) {
				return nil
			}
		}
	}
	return nil
}

// IndexSeek yields every row whose index projection equals key
// (spec.md §4.3 index_seek), merging the committed index with s's
// overlay.
func (t *Table) IndexSeek(s *Scratch, idx int, key sats.Value, yield func(page.Pointer) bool) error {
	if idx < 0 || idx >= len(t.indexes) {
		return errtax.New(errtax.ColumnNotFound, "table.IndexSeek", map[string]any{"index": idx})
	}
	ix := t.indexes[idx]
	stop := false
	ix.Seek(key, func(ptr page.Pointer) bool {
		if s != nil {
			if _, hidden := s.deletes[ptr]; hidden {
				return true
			}
		}
		if !yield(ptr) {
			stop = true
			return false
		}
		return true
	})
	if stop || s == nil {
		return nil
	}
	s.overlay[idx].Seek(key, func(ptr page.Pointer) bool { return yield(ptr) })
	return nil
}

// IndexRange yields every row with projection in [lo, hi), ascending
// (spec.md §4.3 index_range), merging committed and scratch entries.
func (t *Table) IndexRange(s *Scratch, idx int, lo, hi sats.Value, yield func(page.Pointer) bool) error {
	if idx < 0 || idx >= len(t.indexes) {
		return errtax.New(errtax.ColumnNotFound, "table.IndexRange", map[string]any{"index": idx})
	}
	ix := t.indexes[idx]
	ix.Range(lo, hi, func(ptr page.Pointer) bool {
		if s != nil {
			if _, hidden := s.deletes[ptr]; hidden {
				return true
			}
		}
		return yield(ptr)
	})
	if s != nil {
		s.overlay[idx].Range(lo, hi, func(ptr page.Pointer) bool { return yield(ptr) })
	}
	return nil
}

// Purge physically removes every committed row ahead of a table drop
// (spec.md §3 Lifecycle: "Pages are created on demand from a shared
// pool and returned on table drop"), freeing each row's var-len chains
// and blob references and resetting every index to empty. Callers must
// roll back any in-flight scratch against this table first; Purge does
// not touch scratch state.
func (t *Table) Purge() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for ptr := range t.live {
		p, err := t.pool.Page(ptr.Page)
		if err != nil {
			return err
		}
		if err := p.DeleteRow(t.Visitor, ptr.Offset, t.Blobs); err != nil {
			return err
		}
		delete(t.live, ptr)
	}
	for i, ix := range t.indexes {
		t.indexes[i] = NewIndex(ix.Name, ix.Columns, ix.Unique)
	}
	return nil
}

// CommitScratch materializes s's effects into committed storage:
// every scratch-origin row is copied into the committed pool and
// every committed-origin delete is applied. Called by package txn
// during the finalize phase of commit (spec.md §4.5); never called
// directly by readers.
func (t *Table) CommitScratch(s *Scratch) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for ptr := range s.deletes {
		p, err := t.pool.Page(ptr.Page)
		if err != nil {
			return err
		}
		row, err := t.getLocked(p, ptr.Offset)
		if err != nil {
			return err
		}
		if err := p.DeleteRow(t.Visitor, ptr.Offset, t.Blobs); err != nil {
			return err
		}
		delete(t.live, ptr)
		for i, ix := range t.indexes {
			ix.Delete(ix.Project(row), ptr)
		}
	}

	for ptr, row := range s.rows {
		sp, err := s.pool.Page(ptr.Page)
		if err != nil {
			return err
		}
		fixed, payloads, err := bflatn.EncodeRow(t.TS, t.Layout, row)
		if err != nil {
			return err
		}
		_ = sp
		padded := make([]byte, t.pool.SlotSize())
		copy(padded, fixed)

		cp, cIdx := t.ensureCommittedPage()
		off, err := cp.InsertRow(t.Visitor, padded, payloads, t.Blobs)
		if errors.Is(err, errtax.PageFull) {
			t.cur, t.curIdx = t.pool.ReserveEmptyPage()
			cp, cIdx = t.cur, t.curIdx
			off, err = cp.InsertRow(t.Visitor, padded, payloads, t.Blobs)
		}
		if err != nil {
			return err
		}
		// The committed copy holds its own var-len/blob references, so
		// the scratch copy's are released here.
		if err := sp.DeleteRow(t.Visitor, ptr.Offset, t.Blobs); err != nil {
			return err
		}
		newPtr := page.Pointer{Page: cIdx, Offset: off, Scratch: false}
		t.live[newPtr] = struct{}{}
		for _, ix := range t.indexes {
			ix.Insert(ix.Project(row), newPtr)
		}
	}
	return nil
}
