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

package migrate

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SnellerInc/stdb/errtax"
	"github.com/SnellerInc/stdb/sats"
	"github.com/SnellerInc/stdb/schema"
)

func applesTable(indexCols []string) (*sats.Typespace, schema.TableDef) {
	ts := sats.NewTypespace(nil)
	ref := ts.Add(sats.ProductOf(
		sats.ProductElem{Name: "id", Type: sats.U64()},
		sats.ProductElem{Name: "name", Type: sats.StringT()},
		sats.ProductElem{Name: "count", Type: sats.U16()},
	))
	return ts, schema.TableDef{
		Name: "Apples",
		Columns: []schema.ColumnDef{
			{Name: "id", Type: sats.U64()},
			{Name: "name", Type: sats.StringT()},
			{Name: "count", Type: sats.U16()},
		},
		ProductTypeRef: ref,
		Indexes: []schema.IndexDef{
			{Name: "Apples_idx", Columns: indexCols, Algo: schema.BTree, Accessor: "by_idx"},
		},
	}
}

// TestPlanSelfDiffIsEmpty covers spec.md §8's "planning a schema
// against itself yields an empty step list and no prechecks".
func TestPlanSelfDiffIsEmpty(t *testing.T) {
	_, table := applesTable([]string{"id", "name"})
	s := &schema.Schema{Tables: []schema.TableDef{table}}
	plan, err := Plan(s, s)
	require.NoError(t, err)
	assert.Empty(t, plan.Steps)
	assert.Empty(t, plan.Prechecks)
}

// TestPlanCompatibleIndexChange is spec.md §8 Scenario 4: the index on
// Apples moves from (id, name) to (id, count); the plan must remove
// the old index then add the new one, in that order, with no errors.
func TestPlanCompatibleIndexChange(t *testing.T) {
	_, oldTable := applesTable([]string{"id", "name"})
	_, newTable := applesTable([]string{"id", "count"})
	old := &schema.Schema{Tables: []schema.TableDef{oldTable}}
	n := &schema.Schema{Tables: []schema.TableDef{newTable}}

	plan, err := Plan(old, n)
	require.NoError(t, err)
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, Step{Kind: RemoveIndex, Table: "Apples", Name: "Apples_idx"}, plan.Steps[0])
	assert.Equal(t, Step{Kind: AddIndex, Table: "Apples", Name: "Apples_idx"}, plan.Steps[1])
}

// TestPlanRejectedChanges is spec.md §8 Scenario 5: a column add,
// reordering, and a type change must all be reported together, and
// the step list must be empty.
func TestPlanRejectedChanges(t *testing.T) {
	oldTs := sats.NewTypespace(nil)
	oldRef := oldTs.Add(sats.ProductOf(
		sats.ProductElem{Name: "id", Type: sats.U64()},
		sats.ProductElem{Name: "name", Type: sats.StringT()},
	))
	old := &schema.Schema{Tables: []schema.TableDef{{
		Name:           "Apples",
		Columns:        []schema.ColumnDef{{Name: "id", Type: sats.U64()}, {Name: "name", Type: sats.StringT()}},
		ProductTypeRef: oldRef,
	}}}

	newTs := sats.NewTypespace(nil)
	newRef := newTs.Add(sats.ProductOf(
		sats.ProductElem{Name: "name", Type: sats.U32()},
		sats.ProductElem{Name: "id", Type: sats.U64()},
		sats.ProductElem{Name: "weight", Type: sats.U16()},
	))
	n := &schema.Schema{Tables: []schema.TableDef{{
		Name: "Apples",
		Columns: []schema.ColumnDef{
			{Name: "name", Type: sats.U32()},
			{Name: "id", Type: sats.U64()},
			{Name: "weight", Type: sats.U16()},
		},
		ProductTypeRef: newRef,
	}}}

	plan, err := Plan(old, n)
	require.Error(t, err)
	assert.Nil(t, plan)

	var agg *Errors
	require.True(t, errors.As(err, &agg))
	kinds := map[error]bool{}
	for _, e := range agg.Errs {
		var te *errtax.Error
		if errors.As(e, &te) {
			kinds[te.Kind] = true
		}
	}
	assert.True(t, kinds[errtax.AddColumn], "expected add_column for weight")
	assert.True(t, kinds[errtax.ReorderTable], "expected reorder_table for Apples")
	assert.True(t, kinds[errtax.ChangeColumnType], "expected change_column_type for name")
}

// TestPlanTableAndConstraintChanges grounds migrate's remaining step
// kinds (AddTable, sequence prechecks, RLS remove/re-add,
// ChangeAccess) in one pass, mirroring
// auto_migrate.rs's successful_auto_migration fixture.
func TestPlanTableAndConstraintChanges(t *testing.T) {
	_, apples := applesTable([]string{"id", "name"})

	bananaTs := sats.NewTypespace(nil)
	bananaRef := bananaTs.Add(sats.ProductOf(sats.ProductElem{Name: "id", Type: sats.U64()}))
	oldBanana := schema.TableDef{
		Name:           "Bananas",
		Columns:        []schema.ColumnDef{{Name: "id", Type: sats.U64()}},
		ProductTypeRef: bananaRef,
		Access:         schema.Public,
	}
	newBanana := oldBanana
	newBanana.Access = schema.Private
	newBanana.Sequences = []schema.SequenceDef{{Name: "Bananas_id_seq", Column: "id", Start: 1, Min: 1, Max: 1 << 40}}

	orangeTs := sats.NewTypespace(nil)
	orangeRef := orangeTs.Add(sats.ProductOf(sats.ProductElem{Name: "id", Type: sats.U32()}))
	orange := schema.TableDef{
		Name:           "Oranges",
		Columns:        []schema.ColumnDef{{Name: "id", Type: sats.U32()}},
		ProductTypeRef: orangeRef,
	}

	old := &schema.Schema{
		Tables:   []schema.TableDef{apples, oldBanana},
		RLSRules: []schema.RLSRuleDef{{Name: "r1", Table: "Apples", Expression: "SELECT * FROM Apples"}},
	}
	n := &schema.Schema{
		Tables:   []schema.TableDef{apples, newBanana, orange},
		RLSRules: []schema.RLSRuleDef{{Name: "r2", Table: "Bananas", Expression: "SELECT * FROM Bananas"}},
	}

	plan, err := Plan(old, n)
	require.NoError(t, err)

	assertHasStep(t, plan.Steps, Step{Kind: AddTable, Table: "Oranges"})
	assertHasStep(t, plan.Steps, Step{Kind: ChangeAccess, Table: "Bananas"})
	assertHasStep(t, plan.Steps, Step{Kind: AddSequence, Table: "Bananas", Name: "Bananas_id_seq"})
	assertHasStep(t, plan.Steps, Step{Kind: RemoveRowLevelSecurity, Table: "Apples", Name: "r1"})
	assertHasStep(t, plan.Steps, Step{Kind: AddRowLevelSecurity, Table: "Bananas", Name: "r2"})

	require.Len(t, plan.Prechecks, 1)
	assert.Equal(t, Precheck{Table: "Bananas", Column: "id", Start: 1}, plan.Prechecks[0])

	// Every Remove* step must sort before every AddTable/Add*/ChangeAccess step.
	sawAdd := false
	for _, step := range plan.Steps {
		if step.Kind >= AddTable {
			sawAdd = true
		} else if sawAdd {
			t.Fatalf("Remove step %v sorted after an Add/Change step", step)
		}
	}
}

func assertHasStep(t *testing.T, steps []Step, want Step) {
	t.Helper()
	for _, s := range steps {
		if s == want {
			return
		}
	}
	t.Fatalf("expected step %+v in plan, got %+v", want, steps)
}

// TestPlanRemoveTableRejected covers the RemoveTable AutoError branch.
func TestPlanRemoveTableRejected(t *testing.T) {
	_, apples := applesTable([]string{"id"})
	old := &schema.Schema{Tables: []schema.TableDef{apples}}
	n := &schema.Schema{}

	_, err := Plan(old, n)
	require.Error(t, err)
	var agg *Errors
	require.True(t, errors.As(err, &agg))
	var te *errtax.Error
	require.True(t, errors.As(agg.Errs[0], &te))
	assert.Equal(t, errtax.RemoveTable, te.Kind)
}

// TestSameTypeResolvesRefsStructurally covers the cases a bare
// top-level Tag comparison would miss: an array element type change
// behind a shared TagArray, and two Refs that resolve to differently
// shaped products, neither of which changes the outer Tag.
func TestSameTypeResolvesRefsStructurally(t *testing.T) {
	oldTs := sats.NewTypespace(nil)
	oldElemRef := oldTs.Add(sats.ProductOf(sats.ProductElem{Name: "n", Type: sats.U32()}))
	oldArr := sats.ArrayOf(sats.U32())
	oldRef := sats.RefTo(oldElemRef)

	newTs := sats.NewTypespace(nil)
	newElemRef := newTs.Add(sats.ProductOf(sats.ProductElem{Name: "n", Type: sats.U64()}))
	newArr := sats.ArrayOf(sats.U64())
	newRef := sats.RefTo(newElemRef)

	if sameType(oldTs, oldArr, newTs, newArr) {
		t.Fatal("expected Array<u32> and Array<u64> to be reported as a different type")
	}
	if sameType(oldTs, oldRef, newTs, newRef) {
		t.Fatal("expected refs resolving to structurally different products to be reported as a different type")
	}

	// A ref resolving to the identical shape on each side must still
	// compare equal, and the self-diff case must stay empty.
	sameElemOldRef := oldTs.Add(sats.ProductOf(sats.ProductElem{Name: "n", Type: sats.U32()}))
	if !sameType(oldTs, sats.RefTo(sameElemOldRef), oldTs, sats.RefTo(sameElemOldRef)) {
		t.Fatal("expected an identical ref on both sides to compare equal")
	}
}

// TestPlanRejectsArrayElementTypeChange is the end-to-end counterpart
// of TestSameTypeResolvesRefsStructurally: a column whose type changes
// from Array<u32> to Array<u64> must be flagged as change_column_type
// even though both sides are TagArray.
func TestPlanRejectsArrayElementTypeChange(t *testing.T) {
	oldTs := sats.NewTypespace(nil)
	oldRef := oldTs.Add(sats.ProductOf(sats.ProductElem{Name: "tags", Type: sats.ArrayOf(sats.U32())}))
	old := &schema.Schema{Typespace: oldTs, Tables: []schema.TableDef{{
		Name:           "Crates",
		Columns:        []schema.ColumnDef{{Name: "tags", Type: sats.ArrayOf(sats.U32())}},
		ProductTypeRef: oldRef,
	}}}

	newTs := sats.NewTypespace(nil)
	newRef := newTs.Add(sats.ProductOf(sats.ProductElem{Name: "tags", Type: sats.ArrayOf(sats.U64())}))
	n := &schema.Schema{Typespace: newTs, Tables: []schema.TableDef{{
		Name:           "Crates",
		Columns:        []schema.ColumnDef{{Name: "tags", Type: sats.ArrayOf(sats.U64())}},
		ProductTypeRef: newRef,
	}}}

	_, err := Plan(old, n)
	require.Error(t, err)
	var agg *Errors
	require.True(t, errors.As(err, &agg))
	var te *errtax.Error
	require.True(t, errors.As(agg.Errs[0], &te))
	assert.Equal(t, errtax.ChangeColumnType, te.Kind)
}

// TestPrecheckVerify exercises migrate.Precheck.Verify directly
// against an in-memory column scan (spec.md §4.3 sequence precheck).
func TestPrecheckVerify(t *testing.T) {
	p := Precheck{Table: "T", Column: "n", Start: 10}
	ok := func(yield func(sats.Value) bool) error {
		for _, n := range []uint64{1, 5, 10} {
			if !yield(sats.Value{Tag: sats.TagU64, Uint: n}) {
				break
			}
		}
		return nil
	}
	assert.NoError(t, p.Verify(ok))

	bad := func(yield func(sats.Value) bool) error {
		for _, n := range []uint64{1, 11} {
			if !yield(sats.Value{Tag: sats.TagU64, Uint: n}) {
				break
			}
		}
		return nil
	}
	assert.Error(t, p.Verify(bad))
}
