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
	"sync"

	"github.com/SnellerInc/stdb/errtax"
)

// Sequence is an atomically-drawn integer generator attached to one
// column (spec.md §4.3 "Sequences").
type Sequence struct {
	mu       sync.Mutex
	Column   int
	next     int64
	min, max int64
}

// NewSequence creates a sequence starting at start, restricted to
// [min, max].
func NewSequence(column int, start, min, max int64) *Sequence {
	return &Sequence{Column: column, next: start, min: min, max: max}
}

// Next atomically draws and returns the next value in range, or
// reports errtax.InvalidData when the sequence's range is exhausted.
func (s *Sequence) Next() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next > s.max {
		return 0, errtax.New(errtax.InvalidData, "table.Sequence.Next", map[string]any{"reason": "sequence exhausted"})
	}
	v := s.next
	s.next++
	return v, nil
}

// Peek returns the next value that would be drawn, without consuming
// it.
func (s *Sequence) Peek() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}
