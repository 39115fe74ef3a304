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
	"errors"
	"testing"

	"github.com/SnellerInc/stdb/bflatn"
	"github.com/SnellerInc/stdb/blob"
	"github.com/SnellerInc/stdb/errtax"
	"github.com/SnellerInc/stdb/page"
	"github.com/SnellerInc/stdb/sats"
)

func newTestTable(t *testing.T) *Table {
	t.Helper()
	ts := sats.NewTypespace(nil)
	elems := []sats.ProductElem{
		{Name: "id", Type: sats.U64()},
		{Name: "name", Type: sats.StringT()},
	}
	rowType := sats.ProductOf(elems...)
	pl, err := bflatn.ComputeProductLayout(ts, elems)
	if err != nil {
		t.Fatal(err)
	}
	tbl, err := New("widgets", ts, rowType, pl, blob.NewMemory())
	if err != nil {
		t.Fatal(err)
	}
	return tbl
}

func row(id uint64, name string) sats.Value {
	return sats.Value{Tag: sats.TagProduct, Fields: []sats.Value{
		{Tag: sats.TagU64, Uint: id},
		{Tag: sats.TagString, Str: name},
	}}
}

func TestInsertGetIterRoundTrip(t *testing.T) {
	tbl := newTestTable(t)
	s := tbl.BeginScratch()

	ptr, err := tbl.Insert(s, row(1, "alpha"))
	if err != nil {
		t.Fatal(err)
	}
	got, err := tbl.Get(s, ptr)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(row(1, "alpha")) {
		t.Fatalf("got %+v want row(1,alpha)", got)
	}

	if err := tbl.CommitScratch(s); err != nil {
		t.Fatal(err)
	}
	var seen int
	if err := tbl.Iter(nil, func(p page.Pointer, v sats.Value) bool {
		seen++
		if !v.Equal(row(1, "alpha")) {
			t.Fatalf("committed row mismatch: %+v", v)
		}
		return true
	}); err != nil {
		t.Fatal(err)
	}
	if seen != 1 {
		t.Fatalf("expected 1 committed row, saw %d", seen)
	}
}

func TestScratchIsolationBetweenTransactions(t *testing.T) {
	tbl := newTestTable(t)
	s1 := tbl.BeginScratch()
	s2 := tbl.BeginScratch()

	if _, err := tbl.Insert(s1, row(1, "only-in-s1")); err != nil {
		t.Fatal(err)
	}

	var s2Count int
	if err := tbl.Iter(s2, func(page.Pointer, sats.Value) bool { s2Count++; return true }); err != nil {
		t.Fatal(err)
	}
	if s2Count != 0 {
		t.Fatalf("expected s2 to see no rows inserted only under s1, saw %d", s2Count)
	}

	var s1Count int
	if err := tbl.Iter(s1, func(page.Pointer, sats.Value) bool { s1Count++; return true }); err != nil {
		t.Fatal(err)
	}
	if s1Count != 1 {
		t.Fatalf("expected s1 to see its own insert, saw %d", s1Count)
	}
}

func TestCommitScratchMaterializesDeletes(t *testing.T) {
	tbl := newTestTable(t)
	s := tbl.BeginScratch()
	ptr, err := tbl.Insert(s, row(1, "to-delete"))
	if err != nil {
		t.Fatal(err)
	}
	if err := tbl.CommitScratch(s); err != nil {
		t.Fatal(err)
	}

	s2 := tbl.BeginScratch()
	if err := tbl.Delete(s2, ptr); err != nil {
		t.Fatal(err)
	}
	var duringTxn int
	if err := tbl.Iter(s2, func(page.Pointer, sats.Value) bool { duringTxn++; return true }); err != nil {
		t.Fatal(err)
	}
	if duringTxn != 0 {
		t.Fatalf("expected delete to hide the row within the deleting transaction, saw %d", duringTxn)
	}

	if err := tbl.CommitScratch(s2); err != nil {
		t.Fatal(err)
	}
	var afterCommit int
	if err := tbl.Iter(nil, func(page.Pointer, sats.Value) bool { afterCommit++; return true }); err != nil {
		t.Fatal(err)
	}
	if afterCommit != 0 {
		t.Fatalf("expected delete to be permanently materialized, saw %d", afterCommit)
	}
}

func TestUniqueIndexRejectsWithoutMutatingState(t *testing.T) {
	tbl := newTestTable(t)
	ix := NewIndex("by_id", []int{0}, true)
	tbl.AddIndex(ix)

	s := tbl.BeginScratch()
	if _, err := tbl.Insert(s, row(1, "first")); err != nil {
		t.Fatal(err)
	}
	if err := tbl.CommitScratch(s); err != nil {
		t.Fatal(err)
	}

	s2 := tbl.BeginScratch()
	_, err := tbl.Insert(s2, row(1, "duplicate"))
	if !errors.Is(err, errtax.UniqueViolation) {
		t.Fatalf("expected UniqueViolation, got %v", err)
	}

	var count int
	if err := tbl.Iter(s2, func(page.Pointer, sats.Value) bool { count++; return true }); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("rejected insert must not mutate scratch state, saw %d rows", count)
	}
}

func TestIndexSeekAndRange(t *testing.T) {
	tbl := newTestTable(t)
	ix := NewIndex("by_id", []int{0}, false)
	tbl.AddIndex(ix)

	s := tbl.BeginScratch()
	for _, id := range []uint64{3, 1, 2} {
		if _, err := tbl.Insert(s, row(id, "r")); err != nil {
			t.Fatal(err)
		}
	}
	if err := tbl.CommitScratch(s); err != nil {
		t.Fatal(err)
	}

	s2 := tbl.BeginScratch()
	var seekHit int
	if err := tbl.IndexSeek(s2, 0, sats.ProjectionKey(sats.Value{Tag: sats.TagU64, Uint: 2}), func(page.Pointer) bool {
		seekHit++
		return true
	}); err != nil {
		t.Fatal(err)
	}
	if seekHit != 1 {
		t.Fatalf("expected exactly 1 seek hit for id=2, got %d", seekHit)
	}

	var rangeIDs []uint64
	lo := sats.ProjectionKey(sats.Value{Tag: sats.TagU64, Uint: 1})
	hi := sats.ProjectionKey(sats.Value{Tag: sats.TagU64, Uint: 3})
	if err := tbl.IndexRange(s2, 0, lo, hi, func(ptr page.Pointer) bool {
		v, err := tbl.Get(s2, ptr)
		if err != nil {
			t.Fatal(err)
		}
		rangeIDs = append(rangeIDs, v.Fields[0].Uint)
		return true
	}); err != nil {
		t.Fatal(err)
	}
	if len(rangeIDs) != 2 {
		t.Fatalf("expected half-open range [1,3) to yield 2 rows, got %v", rangeIDs)
	}
}

func TestSequenceAutoAssignment(t *testing.T) {
	tbl := newTestTable(t)
	tbl.AddSequence(NewSequence(0, 100, 100, 200))

	s := tbl.BeginScratch()
	ptr1, err := tbl.Insert(s, row(AutoSentinel, "a"))
	if err != nil {
		t.Fatal(err)
	}
	ptr2, err := tbl.Insert(s, row(AutoSentinel, "b"))
	if err != nil {
		t.Fatal(err)
	}
	v1, err := tbl.Get(s, ptr1)
	if err != nil {
		t.Fatal(err)
	}
	v2, err := tbl.Get(s, ptr2)
	if err != nil {
		t.Fatal(err)
	}
	if v1.Fields[0].Uint != 100 || v2.Fields[0].Uint != 101 {
		t.Fatalf("expected sequential auto-assigned ids 100, 101, got %d, %d", v1.Fields[0].Uint, v2.Fields[0].Uint)
	}
}

// TestOversizeStringIndirectsThroughBlobStore covers spec.md §8
// scenario 6: a row carrying a payload well past page.InlineBudget
// must be stored via a blob reference rather than inline in the page,
// the blob store must hold exactly one entry for it, and deleting the
// row must drop that entry's reference count to zero.
func TestOversizeStringIndirectsThroughBlobStore(t *testing.T) {
	ts := sats.NewTypespace(nil)
	elems := []sats.ProductElem{
		{Name: "id", Type: sats.U64()},
		{Name: "payload", Type: sats.StringT()},
	}
	rowType := sats.ProductOf(elems...)
	pl, err := bflatn.ComputeProductLayout(ts, elems)
	if err != nil {
		t.Fatal(err)
	}
	blobs := blob.NewMemory()
	tbl, err := New("blobby", ts, rowType, pl, blobs)
	if err != nil {
		t.Fatal(err)
	}

	big := make([]byte, 1024*1024)
	for i := range big {
		big[i] = byte(i)
	}
	bigRow := sats.Value{Tag: sats.TagProduct, Fields: []sats.Value{
		{Tag: sats.TagU64, Uint: 1},
		{Tag: sats.TagString, Str: string(big)},
	}}

	s := tbl.BeginScratch()
	ptr, err := tbl.Insert(s, bigRow)
	if err != nil {
		t.Fatal(err)
	}
	if err := tbl.CommitScratch(s); err != nil {
		t.Fatal(err)
	}
	if n := blobs.Len(); n != 1 {
		t.Fatalf("expected exactly one blob entry after inserting one oversize row, got %d", n)
	}

	got, err := tbl.Get(nil, ptr)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(bigRow) {
		t.Fatal("round-tripped oversize row did not match original")
	}

	s2 := tbl.BeginScratch()
	if err := tbl.Delete(s2, ptr); err != nil {
		t.Fatal(err)
	}
	if err := tbl.CommitScratch(s2); err != nil {
		t.Fatal(err)
	}
	if n := blobs.Len(); n != 0 {
		t.Fatalf("expected blob refcount to reach zero after deleting the only referencing row, got %d entries", n)
	}
}

func TestDeleteScratchOriginRowIsImmediatelyInvisible(t *testing.T) {
	tbl := newTestTable(t)
	s := tbl.BeginScratch()
	ptr, err := tbl.Insert(s, row(1, "ephemeral"))
	if err != nil {
		t.Fatal(err)
	}
	if err := tbl.Delete(s, ptr); err != nil {
		t.Fatal(err)
	}
	if _, err := tbl.Get(s, ptr); err == nil {
		t.Fatal("expected deleted scratch-origin row to be gone")
	}
	if err := tbl.CommitScratch(s); err != nil {
		t.Fatal(err)
	}
	var count int
	if err := tbl.Iter(nil, func(page.Pointer, sats.Value) bool { count++; return true }); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("expected no committed rows, saw %d", count)
	}
}
