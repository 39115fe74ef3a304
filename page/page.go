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

// Package page implements the fixed-size page manager of spec.md §4.1:
// a page holds rows of exactly one BFLATN row type in a fixed-length
// slot region growing upward, backed by a var-len granule region
// growing downward, plus an intrusive LIFO free list for both regions.
//
// Grounded on the teacher's content-addressed allocation idiom in
// ion/blockfmt (fixed-size block headers with a trailer checksum) and
// on original_source/crates/table/src/page.rs and
// var_len/mod.rs for the page layout and granule-chain convention this
// spec was distilled from.
package page

import (
	"encoding/binary"

	"github.com/dchest/siphash"

	"github.com/SnellerInc/stdb/blob"
	"github.com/SnellerInc/stdb/bflatn"
	"github.com/SnellerInc/stdb/errtax"
)

const (
	// Size is the recommended fixed page size (spec.md §4.1).
	Size = 64 * 1024

	// GranuleSize is the fixed payload capacity of one var-len granule
	// "by convention" (spec.md §3).
	GranuleSize = 62

	// granuleStride is GranuleSize plus the 2-byte intrusive next link.
	granuleStride = GranuleSize + 2

	// headerSize is the fixed byte size of the page header.
	headerSize = 40

	// sentinel marks an empty free list / end of a granule chain.
	sentinel = ^uint32(0)

	// InlineBudget is the largest total var-len payload that is stored
	// in a page's granule chain; larger payloads go to the blob store
	// keyed by content hash instead (spec.md §3 "inline budget"). Not
	// spec-mandated as a specific number, so this is a systems-tuning
	// constant: large enough to keep short strings/small arrays off
	// the blob store, small enough that a handful of oversize rows
	// can't monopolize a page's granule region.
	InlineBudget = 4 * GranuleSize

	checksumKey0 = 0x5344425f50414745 // "SDB_PAGE" little-endian-ish constant
	checksumKey1 = 0x76310000000000fe
)

// header mirrors the fixed fields spec.md §4.1 requires every page to
// carry: slot size, both free-list heads, live/free counts, plus the
// two bump-allocator high-water marks needed to hand out never-used
// space once both free lists run dry.
type header struct {
	slotSize        uint32
	freeSlotHead    uint32
	granuleFreeHead uint32
	liveRows        uint32
	freeGranules    uint32
	nextSlotOff     uint32 // bump allocator: next never-used slot offset
	nextGranuleIdx  uint32 // bump allocator: next never-used granule index
}

func (h *header) encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:], h.slotSize)
	binary.LittleEndian.PutUint32(buf[4:], h.freeSlotHead)
	binary.LittleEndian.PutUint32(buf[8:], h.granuleFreeHead)
	binary.LittleEndian.PutUint32(buf[12:], h.liveRows)
	binary.LittleEndian.PutUint32(buf[16:], h.freeGranules)
	binary.LittleEndian.PutUint32(buf[20:], h.nextSlotOff)
	binary.LittleEndian.PutUint32(buf[24:], h.nextGranuleIdx)
	sum := siphash.Hash(checksumKey0, checksumKey1, buf[:32])
	binary.LittleEndian.PutUint64(buf[32:], sum)
}

func (h *header) decode(buf []byte) error {
	sum := siphash.Hash(checksumKey0, checksumKey1, buf[:32])
	if binary.LittleEndian.Uint64(buf[32:]) != sum {
		return errtax.New(errtax.CorruptedData, "page.decode", map[string]any{"reason": "header checksum mismatch"})
	}
	h.slotSize = binary.LittleEndian.Uint32(buf[0:])
	h.freeSlotHead = binary.LittleEndian.Uint32(buf[4:])
	h.granuleFreeHead = binary.LittleEndian.Uint32(buf[8:])
	h.liveRows = binary.LittleEndian.Uint32(buf[12:])
	h.freeGranules = binary.LittleEndian.Uint32(buf[16:])
	h.nextSlotOff = binary.LittleEndian.Uint32(buf[20:])
	h.nextGranuleIdx = binary.LittleEndian.Uint32(buf[24:])
	return nil
}

// Pointer is a row pointer (spec.md §3): a page index, an in-page
// slot offset, and a committed-or-scratch tag. Pointers are only
// meaningful relative to a particular Pool.
type Pointer struct {
	Page    uint32
	Offset  uint32
	Scratch bool
}

// Page is one fixed-size buffer holding rows of a single type.
type Page struct {
	buf        []byte
	slotSize   uint32
	hdr        header
	blobHashes []blob.Hash
}

// newPage allocates and zero-initializes a page for the given slot
// size (already rounded up by bflatn.RowFloor by the caller).
func newPage(slotSize uint32) *Page {
	p := &Page{
		buf:      make([]byte, Size),
		slotSize: slotSize,
	}
	p.hdr = header{
		slotSize:        slotSize,
		freeSlotHead:    sentinel,
		granuleFreeHead: sentinel,
		nextSlotOff:     headerSize,
		nextGranuleIdx:  0,
	}
	p.flushHeader()
	return p
}

func (p *Page) flushHeader() { p.hdr.encode(p.buf) }

// granuleOffset returns the [lo, hi) byte range of granule idx; the
// granule region counts down from the end of the page.
func granuleOffset(idx uint32) (lo, hi uint32) {
	hi = Size - idx*granuleStride
	lo = hi - granuleStride
	return
}

// ErrPageFull-classified errors are returned via errtax.PageFull.

// allocSlot pops a free slot (LIFO) or bumps the high-water mark.
// Returns the byte offset of the slot, or errtax.PageFull.
func (p *Page) allocSlot() (uint32, error) {
	if p.hdr.freeSlotHead != sentinel {
		off := p.hdr.freeSlotHead
		next := binary.LittleEndian.Uint32(p.buf[off:])
		p.hdr.freeSlotHead = next
		return off, nil
	}
	// Bump allocation must not run into the granule region's
	// high-water mark from the other end.
	granuleHigh := Size - p.hdr.nextGranuleIdx*granuleStride
	if p.hdr.nextSlotOff+p.slotSize > granuleHigh {
		return 0, errtax.New(errtax.PageFull, "page.allocSlot", map[string]any{"slot_size": p.slotSize})
	}
	off := p.hdr.nextSlotOff
	p.hdr.nextSlotOff += p.slotSize
	return off, nil
}

// freeSlot pushes off back onto the LIFO free list.
func (p *Page) freeSlot(off uint32) {
	binary.LittleEndian.PutUint32(p.buf[off:], p.hdr.freeSlotHead)
	p.hdr.freeSlotHead = off
}

// allocGranule pops a free granule or bumps the high-water mark,
// mirroring allocSlot from the opposite end of the page.
func (p *Page) allocGranule() (uint32, error) {
	if p.hdr.granuleFreeHead != sentinel {
		idx := p.hdr.granuleFreeHead
		lo, _ := granuleOffset(idx)
		next := binary.LittleEndian.Uint16(p.buf[lo+GranuleSize:])
		if next == 0xFFFF {
			p.hdr.granuleFreeHead = sentinel
		} else {
			p.hdr.granuleFreeHead = uint32(next)
		}
		p.hdr.freeGranules--
		return idx, nil
	}
	lo, _ := granuleOffset(p.hdr.nextGranuleIdx)
	if lo < p.hdr.nextSlotOff {
		return 0, errtax.New(errtax.PageFull, "page.allocGranule", nil)
	}
	idx := p.hdr.nextGranuleIdx
	p.hdr.nextGranuleIdx++
	return idx, nil
}

func (p *Page) freeGranule(idx uint32) {
	lo, _ := granuleOffset(idx)
	next := uint16(0xFFFF)
	if p.hdr.granuleFreeHead != sentinel {
		next = uint16(p.hdr.granuleFreeHead)
	}
	binary.LittleEndian.PutUint16(p.buf[lo+GranuleSize:], next)
	p.hdr.granuleFreeHead = idx
	p.hdr.freeGranules++
}

// writeChain stores data across as many granules as needed, chaining
// them via the 2-byte intrusive next link, and returns the head
// granule index (as ref bits) for VarLenRef patching.
func (p *Page) writeChain(data []byte) (uint32, error) {
	if len(data) == 0 {
		return 0, nil
	}
	var headIdx uint32 = sentinel
	var prevIdx uint32 = sentinel
	off := 0
	for off < len(data) {
		idx, err := p.allocGranule()
		if err != nil {
			// Unwind whatever granules we already claimed this call.
			if headIdx != sentinel {
				p.freeChain(headIdx)
			}
			return 0, err
		}
		if headIdx == sentinel {
			headIdx = idx
		}
		if prevIdx != sentinel {
			lo, _ := granuleOffset(prevIdx)
			binary.LittleEndian.PutUint16(p.buf[lo+GranuleSize:], uint16(idx))
		}
		lo, _ := granuleOffset(idx)
		n := len(data) - off
		if n > GranuleSize {
			n = GranuleSize
		}
		copy(p.buf[lo:lo+uint32(n)], data[off:off+n])
		for i := n; i < GranuleSize; i++ {
			p.buf[lo+uint32(i)] = 0
		}
		binary.LittleEndian.PutUint16(p.buf[lo+GranuleSize:], 0xFFFF)
		prevIdx = idx
		off += n
	}
	return headIdx, nil
}

// readChain reconstructs the full payload of length n starting at the
// given head granule index.
func (p *Page) readChain(headIdx uint32, n int) []byte {
	out := make([]byte, 0, n)
	idx := headIdx
	for len(out) < n {
		lo, _ := granuleOffset(idx)
		take := n - len(out)
		if take > GranuleSize {
			take = GranuleSize
		}
		out = append(out, p.buf[lo:lo+uint32(take)]...)
		next := binary.LittleEndian.Uint16(p.buf[lo+GranuleSize:])
		if next == 0xFFFF {
			break
		}
		idx = uint32(next)
	}
	return out
}

func (p *Page) freeChain(headIdx uint32) {
	idx := headIdx
	for idx != sentinel {
		lo, _ := granuleOffset(idx)
		next := binary.LittleEndian.Uint16(p.buf[lo+GranuleSize:])
		p.freeGranule(idx)
		if next == 0xFFFF {
			break
		}
		idx = uint32(next)
	}
}

// VarLenRef bit layout (spec.md §3 "4-byte VarLenRef"):
//
//	bit 31:    1 = blob-indirected, 0 = in-page granule chain
//	blob case: bits 30..0 index into the page's local blob-hash table
//	chain case: bits 30..16 (15 bits) payload length, bits 15..0 head granule index
const (
	refBlobFlag    = uint32(1) << 31
	refLengthShift = 16
	refLengthMask  = uint32(0x7FFF)
	refIndexMask   = uint32(0xFFFF)
)

func encodeChainRef(head uint32, length int) uint32 {
	return ((uint32(length) & refLengthMask) << refLengthShift) | (head & refIndexMask)
}

func decodeChainRef(ref uint32) (head uint32, length int) {
	return ref & refIndexMask, int((ref >> refLengthShift) & refLengthMask)
}

// insertVarLen stores data either in this page's granule chain or, if
// it exceeds InlineBudget, in blobs, and returns the VarLenRef to
// patch into the row's fixed bytes.
func (p *Page) insertVarLen(data []byte, blobs blob.Store) (uint32, error) {
	if len(data) > InlineBudget {
		h, err := blobs.Put(data)
		if err != nil {
			return 0, err
		}
		idx := uint32(len(p.blobHashes))
		p.blobHashes = append(p.blobHashes, h)
		return refBlobFlag | idx, nil
	}
	head, err := p.writeChain(data)
	if err != nil {
		return 0, err
	}
	return encodeChainRef(head, len(data)), nil
}

// deleteVarLen releases whatever insertVarLen allocated for ref.
func (p *Page) deleteVarLen(ref uint32, blobs blob.Store) error {
	if ref&refBlobFlag != 0 {
		idx := ref &^ refBlobFlag
		if int(idx) >= len(p.blobHashes) {
			return errtax.New(errtax.InvalidRowPointer, "page.deleteVarLen", map[string]any{"ref": ref})
		}
		return blobs.Release(p.blobHashes[idx])
	}
	head, length := decodeChainRef(ref)
	if length == 0 {
		return nil
	}
	p.freeChain(head)
	return nil
}

// resolveVarLen dereferences ref into its original bytes, used both
// directly and via the bflatn.VarLenResolver adapter below.
func (p *Page) resolveVarLen(ref uint32, blobs blob.Store) ([]byte, error) {
	if ref&refBlobFlag != 0 {
		idx := ref &^ refBlobFlag
		if int(idx) >= len(p.blobHashes) {
			return nil, errtax.New(errtax.InvalidRowPointer, "page.resolveVarLen", map[string]any{"ref": ref})
		}
		return blobs.Get(p.blobHashes[idx])
	}
	head, length := decodeChainRef(ref)
	if length == 0 {
		return nil, nil
	}
	return p.readChain(head, length), nil
}

var _ bflatn.VarLenResolver = (*resolverAdapter)(nil)

// resolverAdapter binds a single page (plus its backing blob store) to
// the bflatn.VarLenResolver interface, so bflatn.DecodeRow can
// transparently dereference both in-page granule chains and blob
// refs.
type resolverAdapter struct {
	p     *Page
	blobs blob.Store
}

func (r *resolverAdapter) Resolve(ref uint32) ([]byte, error) {
	return r.p.resolveVarLen(ref, r.blobs)
}

// Resolver returns a bflatn.VarLenResolver bound to this page and the
// blob store it shares with the rest of the table.
func (p *Page) Resolver(blobs blob.Store) bflatn.VarLenResolver {
	return &resolverAdapter{p: p, blobs: blobs}
}
