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

package page

import (
	"errors"
	"testing"

	"github.com/SnellerInc/stdb/bflatn"
	"github.com/SnellerInc/stdb/blob"
	"github.com/SnellerInc/stdb/errtax"
	"github.com/SnellerInc/stdb/sats"
)

func rowLayout(t *testing.T) (*sats.Typespace, bflatn.ProductLayout, *bflatn.Visitor) {
	t.Helper()
	ts := sats.NewTypespace(nil)
	elems := []sats.ProductElem{
		{Name: "id", Type: sats.U64()},
		{Name: "name", Type: sats.StringT()},
	}
	pl, err := bflatn.ComputeProductLayout(ts, elems)
	if err != nil {
		t.Fatal(err)
	}
	v, err := bflatn.CompileVisitor(ts, pl)
	if err != nil {
		t.Fatal(err)
	}
	return ts, pl, v
}

func TestInsertGetDeleteRoundTrip(t *testing.T) {
	ts, pl, v := rowLayout(t)
	pool := NewPool(bflatn.RowFloor(pl.Total).Size)
	p, _ := pool.ReserveEmptyPage()
	blobs := blob.NewMemory()

	val := sats.Value{Tag: sats.TagProduct, Fields: []sats.Value{
		{Tag: sats.TagU64, Uint: 7},
		{Tag: sats.TagString, Str: "hello"},
	}}
	fixed, payloads, err := bflatn.EncodeRow(ts, pl, val)
	if err != nil {
		t.Fatal(err)
	}
	padded := make([]byte, pool.SlotSize())
	copy(padded, fixed)

	off, err := p.InsertRow(v, padded, payloads, blobs)
	if err != nil {
		t.Fatal(err)
	}
	if p.LiveRows() != 1 {
		t.Fatalf("expected 1 live row, got %d", p.LiveRows())
	}

	row, err := p.GetFixedLenRow(off)
	if err != nil {
		t.Fatal(err)
	}
	dec, err := bflatn.DecodeRow(ts, pl, row, p.Resolver(blobs))
	if err != nil {
		t.Fatal(err)
	}
	if !dec.Equal(val) {
		t.Fatalf("decoded row mismatch: got %+v want %+v", dec, val)
	}

	if err := p.DeleteRow(v, off, blobs); err != nil {
		t.Fatal(err)
	}
	if p.LiveRows() != 0 {
		t.Fatalf("expected 0 live rows after delete, got %d", p.LiveRows())
	}
}

func TestInsertReusesFreedSlotLIFO(t *testing.T) {
	_, pl, v := rowLayout(t)
	pool := NewPool(bflatn.RowFloor(pl.Total).Size)
	p, _ := pool.ReserveEmptyPage()
	blobs := blob.NewMemory()

	fixed1 := make([]byte, pool.SlotSize())
	fixed2 := make([]byte, pool.SlotSize())
	off1, err := p.InsertRow(v, fixed1, nil, blobs)
	if err != nil {
		t.Fatal(err)
	}
	off2, err := p.InsertRow(v, fixed2, nil, blobs)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.DeleteRow(v, off2, blobs); err != nil {
		t.Fatal(err)
	}
	off3, err := p.InsertRow(v, fixed1, nil, blobs)
	if err != nil {
		t.Fatal(err)
	}
	if off3 != off2 {
		t.Fatalf("expected LIFO reuse of most recently freed slot %d, got %d", off2, off3)
	}
	_ = off1
}

func TestInsertRowPageFull(t *testing.T) {
	_, pl, v := rowLayout(t)
	slotSize := bflatn.RowFloor(pl.Total).Size
	pool := NewPool(slotSize)
	p, _ := pool.ReserveEmptyPage()
	blobs := blob.NewMemory()

	fixed := make([]byte, slotSize)
	var lastErr error
	for i := 0; i < int(Size/slotSize)+10; i++ {
		_, lastErr = p.InsertRow(v, fixed, nil, blobs)
		if lastErr != nil {
			break
		}
	}
	if lastErr == nil {
		t.Fatal("expected page to eventually report page_full")
	}
	if !errors.Is(lastErr, errtax.PageFull) {
		t.Fatalf("expected PageFull, got %v", lastErr)
	}
}

func TestDeleteRowFreesGranuleChain(t *testing.T) {
	ts, pl, v := rowLayout(t)
	pool := NewPool(bflatn.RowFloor(pl.Total).Size)
	p, _ := pool.ReserveEmptyPage()
	blobs := blob.NewMemory()

	big := make([]byte, 200) // spans multiple 62-byte granules, stays under InlineBudget
	for i := range big {
		big[i] = byte(i)
	}
	val := sats.Value{Tag: sats.TagProduct, Fields: []sats.Value{
		{Tag: sats.TagU64, Uint: 1},
		{Tag: sats.TagString, Str: string(big)},
	}}
	fixed, payloads, err := bflatn.EncodeRow(ts, pl, val)
	if err != nil {
		t.Fatal(err)
	}
	padded := make([]byte, pool.SlotSize())
	copy(padded, fixed)
	off, err := p.InsertRow(v, padded, payloads, blobs)
	if err != nil {
		t.Fatal(err)
	}
	freeBefore := p.hdr.freeGranules
	if err := p.DeleteRow(v, off, blobs); err != nil {
		t.Fatal(err)
	}
	if p.hdr.freeGranules <= freeBefore {
		t.Fatalf("expected freeGranules to increase after delete, before=%d after=%d", freeBefore, p.hdr.freeGranules)
	}
}

func TestCopyFilterKeepsOnlyAcceptedRows(t *testing.T) {
	ts, pl, v := rowLayout(t)
	pool := NewPool(bflatn.RowFloor(pl.Total).Size)
	src, _ := pool.ReserveEmptyPage()
	dst, _ := pool.ReserveEmptyPage()
	blobs := blob.NewMemory()

	var offs []uint32
	for i := uint64(0); i < 4; i++ {
		val := sats.Value{Tag: sats.TagProduct, Fields: []sats.Value{
			{Tag: sats.TagU64, Uint: i},
			{Tag: sats.TagString, Str: "r"},
		}}
		fixed, payloads, err := bflatn.EncodeRow(ts, pl, val)
		if err != nil {
			t.Fatal(err)
		}
		padded := make([]byte, pool.SlotSize())
		copy(padded, fixed)
		off, err := src.InsertRow(v, padded, payloads, blobs)
		if err != nil {
			t.Fatal(err)
		}
		offs = append(offs, off)
	}

	keep := func(fixed []byte) bool {
		dec, err := bflatn.DecodeRow(ts, pl, fixed, src.Resolver(blobs))
		if err != nil {
			t.Fatal(err)
		}
		return dec.Fields[0].Uint%2 == 0
	}
	if err := src.CopyFilter(v, dst, blobs, keep); err != nil {
		t.Fatal(err)
	}
	if dst.LiveRows() != 2 {
		t.Fatalf("expected 2 surviving rows, got %d", dst.LiveRows())
	}
}
