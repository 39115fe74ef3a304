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
	"sync"

	"github.com/SnellerInc/stdb/errtax"
	"github.com/SnellerInc/stdb/metrics"
)

// Pool is the shared page pool of spec.md §4.5 ("the page pool ... is
// shared across all transactions"). One Pool backs one table: every
// page it hands out has the same slot size, fixed at the table's
// creation (spec.md §3 "a page contains at most one row type").
//
// Pool serializes structural mutation (alloc/free of a whole page)
// with a single mutex; in-page mutation is left to the caller's own
// per-table writer lock, matching the concurrency split spec.md §5
// describes for the page pool.
type Pool struct {
	mu       sync.Mutex
	slotSize uint32
	pages    []*Page
	free     []uint32 // indices of pages returned to the pool (e.g. on table drop)
}

// NewPool creates an empty pool for rows whose fixed BFLATN layout
// has the given slot size (already passed through bflatn.RowFloor by
// the caller).
func NewPool(slotSize uint32) *Pool {
	return &Pool{slotSize: slotSize}
}

// ReserveEmptyPage hands out a fresh, zero-initialized page
// (spec.md §4.1 reserve_empty_page), reusing a page index returned by
// Release if one is available.
func (pl *Pool) ReserveEmptyPage() (*Page, uint32) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	p := newPage(pl.slotSize)
	metrics.PagesAllocated.Inc()
	if n := len(pl.free); n > 0 {
		idx := pl.free[n-1]
		pl.free = pl.free[:n-1]
		pl.pages[idx] = p
		return p, idx
	}
	idx := uint32(len(pl.pages))
	pl.pages = append(pl.pages, p)
	return p, idx
}

// Page returns the page at idx, or errtax.InvalidRowPointer if idx is
// unknown or has been released.
func (pl *Pool) Page(idx uint32) (*Page, error) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if int(idx) >= len(pl.pages) || pl.pages[idx] == nil {
		return nil, errtax.New(errtax.InvalidRowPointer, "page.Pool.Page", map[string]any{"page": idx})
	}
	return pl.pages[idx], nil
}

// Release returns a page to the pool once it holds no live rows
// (called on table drop, or by vacuum once a page has been fully
// compacted away by CopyFilter).
func (pl *Pool) Release(idx uint32) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if int(idx) >= len(pl.pages) {
		return
	}
	pl.pages[idx] = nil
	pl.free = append(pl.free, idx)
}

// SlotSize reports the fixed row size every page in this pool uses.
func (pl *Pool) SlotSize() uint32 { return pl.slotSize }

// Pages returns the live page count (for diagnostics/metrics only).
func (pl *Pool) Pages() int {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	n := 0
	for _, p := range pl.pages {
		if p != nil {
			n++
		}
	}
	return n
}
