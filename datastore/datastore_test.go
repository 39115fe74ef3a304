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

package datastore

import (
	"testing"

	"github.com/SnellerInc/stdb/bsatn"
	"github.com/SnellerInc/stdb/config"
	"github.com/SnellerInc/stdb/migrate"
	"github.com/SnellerInc/stdb/sats"
	"github.com/SnellerInc/stdb/schema"
)

func widgetsSchema(t *testing.T) *schema.Schema {
	t.Helper()
	ts := sats.NewTypespace(nil)
	ref := ts.Add(sats.ProductOf(
		sats.ProductElem{Name: "id", Type: sats.U64()},
		sats.ProductElem{Name: "name", Type: sats.StringT()},
	))
	s := &schema.Schema{
		Typespace: ts,
		Tables: []schema.TableDef{{
			Name:           "Widgets",
			Columns:        []schema.ColumnDef{{Name: "id", Type: sats.U64()}, {Name: "name", Type: sats.StringT()}},
			ProductTypeRef: ref,
			Access:         schema.Public,
			Kind:           schema.UserTable,
		}},
	}
	if err := schema.Validate(s); err != nil {
		t.Fatalf("fixture schema failed to validate: %v", err)
	}
	return s
}

// widgetsPlusGadgetsSchema returns a schema one AddTable step ahead of
// widgetsSchema: Widgets unchanged, plus a new Gadgets table. Building
// it from scratch rather than mutating widgetsSchema's result keeps
// each side's Typespace independent, matching how a caller would load
// two successive module definitions.
func widgetsPlusGadgetsSchema(t *testing.T) *schema.Schema {
	t.Helper()
	ts := sats.NewTypespace(nil)
	widgetsRef := ts.Add(sats.ProductOf(
		sats.ProductElem{Name: "id", Type: sats.U64()},
		sats.ProductElem{Name: "name", Type: sats.StringT()},
	))
	gadgetsRef := ts.Add(sats.ProductOf(
		sats.ProductElem{Name: "id", Type: sats.U64()},
		sats.ProductElem{Name: "weight", Type: sats.F64()},
	))
	s := &schema.Schema{
		Typespace: ts,
		Tables: []schema.TableDef{
			{
				Name:           "Widgets",
				Columns:        []schema.ColumnDef{{Name: "id", Type: sats.U64()}, {Name: "name", Type: sats.StringT()}},
				ProductTypeRef: widgetsRef,
				Access:         schema.Public,
				Kind:           schema.UserTable,
			},
			{
				Name:           "Gadgets",
				Columns:        []schema.ColumnDef{{Name: "id", Type: sats.U64()}, {Name: "weight", Type: sats.F64()}},
				ProductTypeRef: gadgetsRef,
				Access:         schema.Public,
				Kind:           schema.UserTable,
			},
		},
	}
	if err := schema.Validate(s); err != nil {
		t.Fatalf("fixture schema failed to validate: %v", err)
	}
	return s
}

func gadgetRow(id uint64, weight float64) sats.Value {
	return sats.Value{Tag: sats.TagProduct, Fields: []sats.Value{
		{Tag: sats.TagU64, Uint: id},
		{Tag: sats.TagF64, F64: weight},
	}}
}

func widgetRow(id uint64, name string) sats.Value {
	return sats.Value{Tag: sats.TagProduct, Fields: []sats.Value{
		{Tag: sats.TagU64, Uint: id},
		{Tag: sats.TagString, Str: name},
	}}
}

func TestOpenBootstrapsSystemCatalog(t *testing.T) {
	dir := t.TempDir()
	f, err := Open(dir, config.Default(), widgetsSchema(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	tx := f.BeginTx()
	defer tx.Rollback()

	var tableNames []string
	if err := tx.Iter("st_table", func(_ RowID, row sats.Value) bool {
		tableNames = append(tableNames, row.Fields[1].Str)
		return true
	}); err != nil {
		t.Fatal(err)
	}
	want := map[string]bool{"Widgets": true}
	if len(tableNames) != len(want) {
		t.Fatalf("expected %d catalog rows, got %d (%v)", len(want), len(tableNames), tableNames)
	}
	for _, name := range tableNames {
		if !want[name] {
			t.Fatalf("unexpected table %q in st_table", name)
		}
	}

	var columnCount int
	if err := tx.Iter("st_column", func(_ RowID, row sats.Value) bool {
		if row.Fields[0].Uint == uint64(f.tableIDs["Widgets"]) {
			columnCount++
		}
		return true
	}); err != nil {
		t.Fatal(err)
	}
	if columnCount != 2 {
		t.Fatalf("expected 2 columns for Widgets, got %d", columnCount)
	}
}

// TestInsertCommitReplaySurvivesReopen covers spec.md §4.6: a row
// inserted and committed through the blob API is recoverable from a
// fresh Open against the same directory, without the original schema
// handle.
func TestInsertCommitReplaySurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s := widgetsSchema(t)

	f, err := Open(dir, config.Default(), s, nil)
	if err != nil {
		t.Fatal(err)
	}
	tableID, ok := f.TableID("Widgets")
	if !ok {
		t.Fatal("Widgets table id not registered")
	}

	tx := f.BeginMutTx()
	payload, err := bsatn.EncodeValue(s.Typespace, mustResolve(t, s), widgetRow(1, "sprocket"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.InsertRowBlobMutTx(tx, tableID, payload); err != nil {
		t.Fatal(err)
	}
	if _, err := f.CommitMutTx(tx, false); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	f2, err := Open(dir, config.Default(), widgetsSchema(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer f2.Close()

	tx2 := f2.BeginTx()
	defer tx2.Rollback()
	var rows int
	if err := f2.ScanBlobsTx(tx2, tableID, func(_ RowID, _ []byte) bool {
		rows++
		return true
	}); err != nil {
		t.Fatal(err)
	}
	if rows != 1 {
		t.Fatalf("expected 1 row to survive reopen, got %d", rows)
	}
}

// TestDeleteSurvivesReplay exercises the pre-image caching path: a row
// inserted in one commit and deleted in a later one must leave the
// table empty after a fresh Open replays both commits.
func TestDeleteSurvivesReplay(t *testing.T) {
	dir := t.TempDir()
	s := widgetsSchema(t)
	rowType := mustResolve(t, s)

	f, err := Open(dir, config.Default(), s, nil)
	if err != nil {
		t.Fatal(err)
	}
	tableID, _ := f.TableID("Widgets")

	tx := f.BeginMutTx()
	payload, err := bsatn.EncodeValue(s.Typespace, rowType, widgetRow(7, "gizmo"))
	if err != nil {
		t.Fatal(err)
	}
	id, err := f.InsertRowBlobMutTx(tx, tableID, payload)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.CommitMutTx(tx, false); err != nil {
		t.Fatal(err)
	}

	tx2 := f.BeginMutTx()
	if err := f.DeleteRowBlobMutTx(tx2, tableID, id); err != nil {
		t.Fatal(err)
	}
	if _, err := f.CommitMutTx(tx2, false); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	f2, err := Open(dir, config.Default(), widgetsSchema(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer f2.Close()

	tx3 := f2.BeginTx()
	defer tx3.Rollback()
	var rows int
	if err := f2.ScanBlobsTx(tx3, tableID, func(_ RowID, _ []byte) bool {
		rows++
		return true
	}); err != nil {
		t.Fatal(err)
	}
	if rows != 0 {
		t.Fatalf("expected 0 rows after delete survives replay, got %d", rows)
	}
}

// TestCommitMutTxFailedAdvancesOffsetWithoutData covers the
// reducer-failure-as-empty-commit path: a failed commit must still
// move the log forward so subscribers observe a transaction boundary,
// but no row data may appear after reopening.
func TestCommitMutTxFailedAdvancesOffsetWithoutData(t *testing.T) {
	dir := t.TempDir()
	s := widgetsSchema(t)
	rowType := mustResolve(t, s)

	f, err := Open(dir, config.Default(), s, nil)
	if err != nil {
		t.Fatal(err)
	}
	tableID, _ := f.TableID("Widgets")

	beforeOffset := f.log.Offset()

	tx := f.BeginMutTx()
	payload, err := bsatn.EncodeValue(s.Typespace, rowType, widgetRow(9, "cog"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.InsertRowBlobMutTx(tx, tableID, payload); err != nil {
		t.Fatal(err)
	}
	if _, err := f.CommitMutTx(tx, true); err != nil {
		t.Fatal(err)
	}

	if got := f.log.Offset(); got != beforeOffset+1 {
		t.Fatalf("expected offset to advance by 1 on failed commit, got %d -> %d", beforeOffset, got)
	}

	tx2 := f.BeginTx()
	defer tx2.Rollback()
	var rows int
	if err := f.ScanBlobsTx(tx2, tableID, func(_ RowID, _ []byte) bool {
		rows++
		return true
	}); err != nil {
		t.Fatal(err)
	}
	if rows != 0 {
		t.Fatalf("expected no rows committed after a failed reducer commit, got %d", rows)
	}
}

// TestApplyMigrationAddsTableAndSurvivesReplay covers spec.md §4.7's
// apply path end-to-end: ApplyMigration must not deadlock against a
// datastore whose catalog is already bootstrapped (rewriteCatalog's
// toDelete set is non-empty the moment st_table/st_column hold any
// rows at all), and the migrated shape, plus data written against the
// new table, must survive a close/reopen replay.
func TestApplyMigrationAddsTableAndSurvivesReplay(t *testing.T) {
	dir := t.TempDir()
	s := widgetsSchema(t)

	f, err := Open(dir, config.Default(), s, nil)
	if err != nil {
		t.Fatal(err)
	}

	widgetsID, _ := f.TableID("Widgets")
	tx := f.BeginMutTx()
	payload, err := bsatn.EncodeValue(s.Typespace, mustResolve(t, s), widgetRow(1, "sprocket"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.InsertRowBlobMutTx(tx, widgetsID, payload); err != nil {
		t.Fatal(err)
	}
	if _, err := f.CommitMutTx(tx, false); err != nil {
		t.Fatal(err)
	}

	newSchema := widgetsPlusGadgetsSchema(t)
	plan, err := f.ApplyMigration(newSchema)
	if err != nil {
		t.Fatalf("ApplyMigration: %v", err)
	}
	if len(plan.Steps) != 1 || plan.Steps[0].Kind != migrate.AddTable || plan.Steps[0].Table != "Gadgets" {
		t.Fatalf("expected a single add_table(Gadgets) step, got %+v", plan.Steps)
	}

	gadgetsID, ok := f.TableID("Gadgets")
	if !ok {
		t.Fatal("Gadgets table id not registered after ApplyMigration")
	}

	gadgetsTy, err := newSchema.Typespace.Resolve(newSchema.Tables[1].ProductTypeRef)
	if err != nil {
		t.Fatal(err)
	}
	tx2 := f.BeginMutTx()
	gadgetPayload, err := bsatn.EncodeValue(newSchema.Typespace, gadgetsTy, gadgetRow(1, 2.5))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.InsertRowBlobMutTx(tx2, gadgetsID, gadgetPayload); err != nil {
		t.Fatal(err)
	}
	if _, err := f.CommitMutTx(tx2, false); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	recovered, ids, err := InspectCatalog(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := recovered.Table("Gadgets"); !ok {
		t.Fatal("Gadgets missing from recovered catalog after migration + reopen")
	}
	if _, ok := ids["Gadgets"]; !ok {
		t.Fatal("Gadgets id missing from recovered id map")
	}

	f2, err := Open(dir, config.Default(), widgetsPlusGadgetsSchema(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer f2.Close()

	tx3 := f2.BeginTx()
	defer tx3.Rollback()
	var widgetRows, gadgetRows int
	if err := f2.ScanBlobsTx(tx3, widgetsID, func(_ RowID, _ []byte) bool {
		widgetRows++
		return true
	}); err != nil {
		t.Fatal(err)
	}
	if err := f2.ScanBlobsTx(tx3, gadgetsID, func(_ RowID, _ []byte) bool {
		gadgetRows++
		return true
	}); err != nil {
		t.Fatal(err)
	}
	if widgetRows != 1 {
		t.Fatalf("expected 1 surviving Widgets row after migration + reopen, got %d", widgetRows)
	}
	if gadgetRows != 1 {
		t.Fatalf("expected 1 surviving Gadgets row after migration + reopen, got %d", gadgetRows)
	}
}

func mustResolve(t *testing.T, s *schema.Schema) sats.AlgebraicType {
	t.Helper()
	ty, err := s.Typespace.Resolve(s.Tables[0].ProductTypeRef)
	if err != nil {
		t.Fatal(err)
	}
	return ty
}

// TestInspectCatalogRecoversSchemaWithoutCallerInput exercises the
// standalone catalog-recovery path a debug tool uses: given only a
// directory, it must recover the same table/column shape Open was
// given, with no schema.Schema supplied by the caller.
func TestInspectCatalogRecoversSchemaWithoutCallerInput(t *testing.T) {
	dir := t.TempDir()
	s := widgetsSchema(t)

	f, err := Open(dir, config.Default(), s, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	recovered, ids, err := InspectCatalog(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(recovered.Tables) != 1 {
		t.Fatalf("expected 1 recovered table (Widgets), got %d", len(recovered.Tables))
	}
	widgets, ok := recovered.Table("Widgets")
	if !ok {
		t.Fatal("Widgets missing from recovered catalog")
	}
	if len(widgets.Columns) != 2 || widgets.Columns[0].Name != "id" || widgets.Columns[1].Name != "name" {
		t.Fatalf("unexpected recovered columns: %+v", widgets.Columns)
	}
	if _, ok := ids["Widgets"]; !ok {
		t.Fatal("Widgets id missing from recovered id map")
	}
}
