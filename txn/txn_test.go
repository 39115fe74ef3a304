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

package txn

import (
	"context"
	"errors"
	"testing"

	"github.com/SnellerInc/stdb/bflatn"
	"github.com/SnellerInc/stdb/blob"
	"github.com/SnellerInc/stdb/errtax"
	"github.com/SnellerInc/stdb/page"
	"github.com/SnellerInc/stdb/sats"
	"github.com/SnellerInc/stdb/table"
)

func newCounterDB(t *testing.T) *Database {
	t.Helper()
	ts := sats.NewTypespace(nil)
	elems := []sats.ProductElem{
		{Name: "id", Type: sats.U32()},
		{Name: "n", Type: sats.U32()},
	}
	rowType := sats.ProductOf(elems...)
	pl, err := bflatn.ComputeProductLayout(ts, elems)
	if err != nil {
		t.Fatal(err)
	}
	tbl, err := table.New("Counter", ts, rowType, pl, blob.NewMemory())
	if err != nil {
		t.Fatal(err)
	}
	db := NewDatabase()
	db.AddTable("Counter", tbl)
	return db
}

func counterRow(id, n uint32) sats.Value {
	return sats.Value{Tag: sats.TagProduct, Fields: []sats.Value{
		{Tag: sats.TagU32, Uint: uint64(id)},
		{Tag: sats.TagU32, Uint: uint64(n)},
	}}
}

func TestCommitVisibleAfterCommit(t *testing.T) {
	db := newCounterDB(t)
	tx := db.Begin()
	defer tx.Rollback()

	if _, err := tx.Insert("Counter", counterRow(1, 0)); err != nil {
		t.Fatal(err)
	}
	desc, err := tx.Commit()
	if err != nil {
		t.Fatal(err)
	}
	if desc.Offset != 1 {
		t.Fatalf("expected first commit to be offset 1, got %d", desc.Offset)
	}
	if len(desc.Deltas["Counter"].Inserts) != 1 {
		t.Fatalf("expected 1 inserted row in delta, got %d", len(desc.Deltas["Counter"].Inserts))
	}

	reader := db.Begin()
	defer reader.Rollback()
	var count int
	if err := reader.Iter("Counter", func(page.Pointer, sats.Value) bool {
		count++
		return true
	}); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected 1 committed row visible to a fresh transaction, saw %d", count)
	}
}

// TestWriteSkewRejection mirrors spec.md Scenario 2: two concurrent
// transactions both read the same row and both write a new version
// derived from it; only one may commit.
func TestWriteSkewRejection(t *testing.T) {
	db := newCounterDB(t)
	setup := db.Begin()
	ptr, err := setup.Insert("Counter", counterRow(1, 0))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := setup.Commit(); err != nil {
		t.Fatal(err)
	}

	a := db.Begin()
	defer a.Rollback()
	b := db.Begin()
	defer b.Rollback()

	rowA, err := a.Get("Counter", ptr)
	if err != nil {
		t.Fatal(err)
	}
	rowB, err := b.Get("Counter", ptr)
	if err != nil {
		t.Fatal(err)
	}

	// Both transactions queue their delete-then-reinsert update while
	// ptr is still committed-live; only a commit actually removes it.
	if err := a.Delete("Counter", ptr); err != nil {
		t.Fatal(err)
	}
	if err := b.Delete("Counter", ptr); err != nil {
		t.Fatal(err)
	}
	rowA.Fields[1].Uint = 1
	if _, err := a.Insert("Counter", rowA); err != nil {
		t.Fatal(err)
	}
	rowB.Fields[1].Uint = 2
	if _, err := b.Insert("Counter", rowB); err != nil {
		t.Fatal(err)
	}

	if _, err := a.Commit(); err != nil {
		t.Fatalf("expected A to commit cleanly, got %v", err)
	}
	_, err = b.Commit()
	if !errors.Is(err, errtax.WriteSkew) {
		t.Fatalf("expected write_skew rejecting B, got %v", err)
	}
}

func TestRollbackDiscardsScratch(t *testing.T) {
	db := newCounterDB(t)
	tx := db.Begin()
	if _, err := tx.Insert("Counter", counterRow(1, 0)); err != nil {
		t.Fatal(err)
	}
	tx.Rollback()
	tx.Rollback() // must be idempotent

	reader := db.Begin()
	defer reader.Rollback()
	var count int
	if err := reader.Iter("Counter", func(page.Pointer, sats.Value) bool { count++; return true }); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("expected rolled-back insert to never be committed, saw %d rows", count)
	}
}

func TestDropTablesPurgesConcurrently(t *testing.T) {
	db := newCounterDB(t)
	tx := db.Begin()
	if _, err := tx.Insert("Counter", counterRow(1, 0)); err != nil {
		t.Fatal(err)
	}
	if _, err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if err := db.DropTables(context.Background(), []string{"Counter"}); err != nil {
		t.Fatal(err)
	}
	if _, err := db.table("Counter"); err == nil {
		t.Fatal("expected dropped table to be unreachable")
	}
}
