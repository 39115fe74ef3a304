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
	"encoding/binary"

	"github.com/SnellerInc/stdb/bflatn"
	"github.com/SnellerInc/stdb/blob"
	"github.com/SnellerInc/stdb/errtax"
)

// InsertRow writes fixed into a free slot, installs var-len payloads
// into the granule chain or blob store, and patches each VarLenRef
// placeholder at the offsets visitor reports (spec.md §4.1
// insert_row). Returns the in-page offset of the new row.
func (p *Page) InsertRow(visitor *bflatn.Visitor, fixed []byte, payloads []bflatn.VarLenPayload, blobs blob.Store) (uint32, error) {
	if uint32(len(fixed)) != p.slotSize {
		return 0, errtax.New(errtax.SchemaMismatch, "page.InsertRow",
			map[string]any{"slot_size": p.slotSize, "fixed_len": len(fixed)})
	}
	off, err := p.allocSlot()
	if err != nil {
		return 0, err
	}
	copy(p.buf[off:off+p.slotSize], fixed)

	byOffset := make(map[uint32][]byte, len(payloads))
	for _, pl := range payloads {
		byOffset[pl.Offset] = pl.Bytes
	}
	var installed []uint32
	var failErr error
	visitor.Walk(p.buf[off:off+p.slotSize], func(relOff uint32) {
		if failErr != nil {
			return
		}
		data, ok := byOffset[relOff]
		if !ok {
			return
		}
		ref, err := p.insertVarLen(data, blobs)
		if err != nil {
			failErr = err
			return
		}
		binary.LittleEndian.PutUint32(p.buf[off+relOff:], ref)
		installed = append(installed, ref)
	})
	if failErr != nil {
		for _, ref := range installed {
			p.deleteVarLen(ref, blobs)
		}
		p.freeSlot(off)
		p.flushHeader()
		return 0, failErr
	}
	p.hdr.liveRows++
	p.flushHeader()
	return off, nil
}

// DeleteRow frees the granule chains and blob references owned by the
// row at offset, then links the fixed slot into the free list
// (spec.md §4.1 delete_row).
func (p *Page) DeleteRow(visitor *bflatn.Visitor, offset uint32, blobs blob.Store) error {
	if offset+p.slotSize > uint32(len(p.buf)) {
		return errtax.New(errtax.InvalidRowPointer, "page.DeleteRow", map[string]any{"offset": offset})
	}
	row := p.buf[offset : offset+p.slotSize]
	var firstErr error
	visitor.Walk(row, func(relOff uint32) {
		ref := binary.LittleEndian.Uint32(row[relOff:])
		if err := p.deleteVarLen(ref, blobs); err != nil && firstErr == nil {
			firstErr = err
		}
	})
	if firstErr != nil {
		return firstErr
	}
	for i := range row {
		row[i] = 0
	}
	p.freeSlot(offset)
	p.hdr.liveRows--
	p.flushHeader()
	return nil
}

// GetFixedLenRow returns a byte view of the fixed bytes at offset.
// Reading a pointer whose slot is on the free list is caller-prevented
// undefined behavior per spec.md §4.1; no runtime check is performed
// on this hot path beyond the bounds check.
func (p *Page) GetFixedLenRow(offset uint32) ([]byte, error) {
	if offset+p.slotSize > uint32(len(p.buf)) {
		return nil, errtax.New(errtax.InvalidRowPointer, "page.GetFixedLenRow", map[string]any{"offset": offset})
	}
	return p.buf[offset : offset+p.slotSize], nil
}

// LiveRows reports the page's current live-row count.
func (p *Page) LiveRows() uint32 { return p.hdr.liveRows }

// CopyFilter walks every live row in p and, for each one accepted by
// predicate, inserts a copy into dst (spec.md §4.1 copy_filter: used
// by vacuum and by table compaction to rebuild a page holding only
// the rows that survive a filter).
func (p *Page) CopyFilter(visitor *bflatn.Visitor, dst *Page, blobs blob.Store, predicate func(fixed []byte) bool) error {
	off := headerSize
	for uint32(off) < p.hdr.nextSlotOff {
		o := uint32(off)
		off += int(p.slotSize)
		if p.onFreeList(o) {
			continue
		}
		row := p.buf[o : o+p.slotSize]
		if !predicate(row) {
			continue
		}
		payloads, err := p.snapshotVarLen(visitor, row, blobs)
		if err != nil {
			return err
		}
		fixed := append([]byte(nil), row...)
		for _, pl := range payloads {
			binary.LittleEndian.PutUint32(fixed[pl.Offset:], 0)
		}
		if _, err := dst.InsertRow(visitor, fixed, payloads, blobs); err != nil {
			return err
		}
	}
	return nil
}

// snapshotVarLen re-materializes every var-len payload referenced by
// row so it can be reinstalled (with fresh refs) in a destination
// page.
func (p *Page) snapshotVarLen(visitor *bflatn.Visitor, row []byte, blobs blob.Store) ([]bflatn.VarLenPayload, error) {
	var out []bflatn.VarLenPayload
	var firstErr error
	visitor.Walk(row, func(relOff uint32) {
		if firstErr != nil {
			return
		}
		ref := binary.LittleEndian.Uint32(row[relOff:])
		data, err := p.resolveVarLen(ref, blobs)
		if err != nil {
			firstErr = err
			return
		}
		out = append(out, bflatn.VarLenPayload{Offset: relOff, Bytes: data})
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// onFreeList reports whether the slot at offset o is currently linked
// into the free list (a linear scan; used only by CopyFilter's
// infrequent, whole-page compaction path, never by the hot insert
// path).
func (p *Page) onFreeList(o uint32) bool {
	for cur := p.hdr.freeSlotHead; cur != sentinel; {
		if cur == o {
			return true
		}
		cur = binary.LittleEndian.Uint32(p.buf[cur:])
	}
	return false
}
