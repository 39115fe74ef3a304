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

package bflatn

import "github.com/SnellerInc/stdb/sats"

// instrKind distinguishes the two instructions a compiled Visitor
// program can contain.
type instrKind uint8

const (
	instrVarLen instrKind = iota
	instrSumBranch
)

// instr is one step of a compiled var-len visitor program
// (spec.md §4.1 "Var-len visitor"). A program is a flat list of
// instructions, each carrying row-absolute byte offsets computed at
// compile time; the only runtime decision a program ever makes is
// which branch of a sum's tag byte to follow.
type instr struct {
	kind     instrKind
	offset   uint32    // VarLenRef offset (instrVarLen) or tag-byte offset (instrSumBranch)
	branches [][]instr // one sub-program per sum variant (instrSumBranch only)
}

// Visitor enumerates the offsets of every VarLenRef reachable in a
// row of a given type, given the row's fixed bytes. Two
// implementations must agree per spec.md §4.1: the general
// interpreter below, and NullVisitor for types proven to contain no
// var-len members.
type Visitor struct {
	prog []instr
}

// CompileVisitor compiles a var-len visitor for the product layout of
// a row type. Row types are always products (spec.md §3: "a
// product-type reference whose element names must match the columns
// in order").
func CompileVisitor(ts *sats.Typespace, layout ProductLayout) (*Visitor, error) {
	var prog []instr
	for _, f := range layout.Fields {
		sub, err := compileField(ts, f.Offset, f.Type)
		if err != nil {
			return nil, err
		}
		prog = append(prog, sub...)
	}
	return &Visitor{prog: prog}, nil
}

func compileField(ts *sats.Typespace, base uint32, ty sats.AlgebraicType) ([]instr, error) {
	t := ty
	if t.Tag == sats.TagRef {
		resolved, err := ts.Resolve(t.Ref)
		if err != nil {
			return nil, err
		}
		t = resolved
	}
	switch t.Tag {
	case sats.TagString, sats.TagBytes, sats.TagArray:
		return []instr{{kind: instrVarLen, offset: base}}, nil

	case sats.TagProduct:
		pl, err := ComputeProductLayout(ts, t.Product)
		if err != nil {
			return nil, err
		}
		var prog []instr
		for _, f := range pl.Fields {
			sub, err := compileField(ts, base+f.Offset, f.Type)
			if err != nil {
				return nil, err
			}
			prog = append(prog, sub...)
		}
		return prog, nil

	case sats.TagSum:
		sl, err := ComputeSumLayout(ts, t.Sum)
		if err != nil {
			return nil, err
		}
		branches := make([][]instr, len(t.Sum))
		for i, v := range t.Sum {
			sub, err := compileField(ts, base+sl.PayloadOffset, v.Type)
			if err != nil {
				return nil, err
			}
			branches[i] = sub
		}
		allEmpty := true
		for _, b := range branches {
			if len(b) != 0 {
				allEmpty = false
				break
			}
		}
		if allEmpty {
			return nil, nil
		}
		return []instr{{kind: instrSumBranch, offset: base + sl.TagOffset, branches: branches}}, nil

	default:
		return nil, nil
	}
}

// HasVarLen reports whether the compiled program contains any
// instruction at all. A Visitor with HasVarLen() == false is
// equivalent to NullVisitor and callers should prefer NullVisitor's
// zero-cost Walk on the hot insert/delete path (spec.md §4.1).
func (v *Visitor) HasVarLen() bool { return len(v.prog) != 0 }

// Walk calls fn with the absolute offset of every VarLenRef present
// in row (the row's fixed BFLATN bytes), following only the sum
// branches selected by the tag bytes actually present in row.
func (v *Visitor) Walk(row []byte, fn func(offset uint32)) {
	walkProgram(v.prog, row, fn)
}

func walkProgram(prog []instr, row []byte, fn func(offset uint32)) {
	for _, in := range prog {
		switch in.kind {
		case instrVarLen:
			fn(in.offset)
		case instrSumBranch:
			tag := row[in.offset]
			if int(tag) < len(in.branches) {
				walkProgram(in.branches[tag], row, fn)
			}
		}
	}
}

// NullVisitor is the zero-cost visitor for types that provably
// contain no var-len members (spec.md §4.1).
var NullVisitor = &Visitor{prog: nil}
