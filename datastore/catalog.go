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
	"encoding/binary"
	"fmt"
	"path/filepath"

	"github.com/SnellerInc/stdb/bsatn"
	"github.com/SnellerInc/stdb/commitlog"
	"github.com/SnellerInc/stdb/errtax"
	"github.com/SnellerInc/stdb/sats"
	"github.com/SnellerInc/stdb/schema"
)

// Fixed table IDs for the two system tables every database carries
// (spec.md §6 "Persisted schema"). User tables are assigned IDs
// starting at firstUserTableID, in the order they first appear in the
// schema handed to Open.
const (
	stTableID    uint32 = 0
	stColumnID   uint32 = 1
	firstUserTableID = 2
)

// stTableRow and stColumnRow mirror spec.md §6's system table shapes
// as Go structs purely for constructing/reading sats.Value rows; the
// tables themselves are driven by stTableType/stColumnType below like
// any other table.
type stTableRow struct {
	TableID        uint32
	TableName      string
	Access         uint8
	Kind           uint8
	ProductTypeRef uint32
}

type stColumnRow struct {
	TableID uint32
	ColID   uint16
	ColType []byte
	ColName string
}

// stTableType and stColumnType are the two system tables' row types,
// fixed for the lifetime of the engine (unlike user row types, which
// come from the caller's schema.Schema). Field order here is the
// BFLATN field order, per spec.md §6's declared column list.
var stTableType = sats.ProductOf(
	sats.ProductElem{Name: "table_id", Type: sats.U32()},
	sats.ProductElem{Name: "table_name", Type: sats.StringT()},
	sats.ProductElem{Name: "access", Type: sats.U8()},
	sats.ProductElem{Name: "kind", Type: sats.U8()},
	sats.ProductElem{Name: "product_type_ref", Type: sats.U32()},
)

var stColumnType = sats.ProductOf(
	sats.ProductElem{Name: "table_id", Type: sats.U32()},
	sats.ProductElem{Name: "col_id", Type: sats.U16()},
	sats.ProductElem{Name: "col_type", Type: sats.BytesT()},
	sats.ProductElem{Name: "col_name", Type: sats.StringT()},
)

func stTableToValue(r stTableRow) sats.Value {
	return sats.Value{Tag: sats.TagProduct, Fields: []sats.Value{
		{Tag: sats.TagU32, Uint: uint64(r.TableID)},
		{Tag: sats.TagString, Str: r.TableName},
		{Tag: sats.TagU8, Uint: uint64(r.Access)},
		{Tag: sats.TagU8, Uint: uint64(r.Kind)},
		{Tag: sats.TagU32, Uint: uint64(r.ProductTypeRef)},
	}}
}

func stTableFromValue(v sats.Value) stTableRow {
	return stTableRow{
		TableID:        uint32(v.Fields[0].Uint),
		TableName:      v.Fields[1].Str,
		Access:         uint8(v.Fields[2].Uint),
		Kind:           uint8(v.Fields[3].Uint),
		ProductTypeRef: uint32(v.Fields[4].Uint),
	}
}

func stColumnToValue(r stColumnRow) sats.Value {
	return sats.Value{Tag: sats.TagProduct, Fields: []sats.Value{
		{Tag: sats.TagU32, Uint: uint64(r.TableID)},
		{Tag: sats.TagU16, Uint: uint64(r.ColID)},
		{Tag: sats.TagBytes, Bytes: r.ColType},
		{Tag: sats.TagString, Str: r.ColName},
	}}
}

func stColumnFromValue(v sats.Value) stColumnRow {
	return stColumnRow{
		TableID: uint32(v.Fields[0].Uint),
		ColID:   uint16(v.Fields[1].Uint),
		ColType: append([]byte(nil), v.Fields[2].Bytes...),
		ColName: v.Fields[3].Str,
	}
}

// encodeType serializes an AlgebraicType to bytes so st_column can
// carry enough information to recover a user table's row shape during
// replay (spec.md §6 "the only source of truth for type recovery
// during replay"), without resolving typespace refs — col_type
// records the type as declared, refs included, exactly as bsatn's
// wire encoding records tags rather than resolved shapes.
func encodeType(ty sats.AlgebraicType) []byte {
	var buf []byte
	buf = append(buf, byte(ty.Tag))
	switch ty.Tag {
	case sats.TagArray:
		buf = append(buf, encodeType(*ty.Array)...)
	case sats.TagProduct:
		buf = appendU32(buf, uint32(len(ty.Product)))
		for _, e := range ty.Product {
			buf = appendString(buf, e.Name)
			buf = append(buf, encodeType(e.Type)...)
		}
	case sats.TagSum:
		buf = appendU32(buf, uint32(len(ty.Sum)))
		for _, v := range ty.Sum {
			buf = appendString(buf, v.Name)
			buf = append(buf, encodeType(v.Type)...)
		}
	case sats.TagRef:
		buf = appendU32(buf, ty.Ref)
	}
	return buf
}

// decodeType is encodeType's inverse, returning the type and the
// number of bytes consumed.
func decodeType(buf []byte) (sats.AlgebraicType, int, error) {
	if len(buf) < 1 {
		return sats.AlgebraicType{}, 0, errtax.New(errtax.InvalidData, "datastore.decodeType",
			map[string]any{"reason": "empty type encoding"})
	}
	tag := sats.Tag(buf[0])
	off := 1
	switch tag {
	case sats.TagArray:
		elem, n, err := decodeType(buf[off:])
		if err != nil {
			return sats.AlgebraicType{}, 0, err
		}
		off += n
		return sats.ArrayOf(elem), off, nil
	case sats.TagProduct:
		count, n, err := readU32At(buf, off)
		if err != nil {
			return sats.AlgebraicType{}, 0, err
		}
		off += n
		elems := make([]sats.ProductElem, count)
		for i := range elems {
			name, n, err := readStringAt(buf, off)
			if err != nil {
				return sats.AlgebraicType{}, 0, err
			}
			off += n
			ty, n, err := decodeType(buf[off:])
			if err != nil {
				return sats.AlgebraicType{}, 0, err
			}
			off += n
			elems[i] = sats.ProductElem{Name: name, Type: ty}
		}
		return sats.ProductOf(elems...), off, nil
	case sats.TagSum:
		count, n, err := readU32At(buf, off)
		if err != nil {
			return sats.AlgebraicType{}, 0, err
		}
		off += n
		variants := make([]sats.SumVariant, count)
		for i := range variants {
			name, n, err := readStringAt(buf, off)
			if err != nil {
				return sats.AlgebraicType{}, 0, err
			}
			off += n
			ty, n, err := decodeType(buf[off:])
			if err != nil {
				return sats.AlgebraicType{}, 0, err
			}
			off += n
			variants[i] = sats.SumVariant{Name: name, Type: ty}
		}
		return sats.SumOf(variants...), off, nil
	case sats.TagRef:
		ref, n, err := readU32At(buf, off)
		if err != nil {
			return sats.AlgebraicType{}, 0, err
		}
		off += n
		return sats.RefTo(ref), off, nil
	default:
		return sats.AlgebraicType{Tag: tag}, off, nil
	}
}

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendString(buf []byte, s string) []byte {
	buf = appendU32(buf, uint32(len(s)))
	return append(buf, s...)
}

func readU32At(buf []byte, off int) (uint32, int, error) {
	if off+4 > len(buf) {
		return 0, 0, errtax.New(errtax.InvalidData, "datastore.decodeType", map[string]any{"reason": "short u32"})
	}
	return binary.LittleEndian.Uint32(buf[off : off+4]), 4, nil
}

func readStringAt(buf []byte, off int) (string, int, error) {
	n, consumed, err := readU32At(buf, off)
	if err != nil {
		return "", 0, err
	}
	off += consumed
	if off+int(n) > len(buf) {
		return "", 0, errtax.New(errtax.InvalidData, "datastore.decodeType", map[string]any{"reason": "short string"})
	}
	return string(buf[off : off+int(n)]), consumed + int(n), nil
}

// catalogRowsForSchema projects s into the st_table/st_column rows
// that represent it (spec.md §6). Row order is deterministic: tables
// in s.Tables order, columns within a table in declaration order.
func catalogRowsForSchema(s *schema.Schema, tableIDs map[string]uint32) (tables []stTableRow, columns []stColumnRow) {
	for _, t := range s.Tables {
		id := tableIDs[t.Name]
		tables = append(tables, stTableRow{
			TableID:        id,
			TableName:      t.Name,
			Access:         uint8(t.Access),
			Kind:           uint8(t.Kind),
			ProductTypeRef: t.ProductTypeRef,
		})
		for ci, col := range t.Columns {
			columns = append(columns, stColumnRow{
				TableID: id,
				ColID:   uint16(ci),
				ColType: encodeType(col.Type),
				ColName: col.Name,
			})
		}
	}
	return tables, columns
}

// schemaFromCatalogRows is catalogRowsForSchema's inverse, used to
// rebuild a schema.Schema purely from st_table/st_column rows
// recovered by replay, with no dependence on the caller's in-memory
// schema.Schema value (spec.md §6 "the only source of truth for type
// recovery during replay"). The returned schema carries no indexes,
// unique constraints, sequences, schedules or RLS rules: those are
// richer structure than the two system tables capture. Open does not
// read this skeleton; it lays tables out from the caller's
// schema.Schema.
func schemaFromCatalogRows(tables []stTableRow, columns []stColumnRow) (*schema.Schema, map[string]uint32, error) {
	ts := sats.NewTypespace(nil)
	byTable := make(map[uint32][]stColumnRow)
	for _, c := range columns {
		byTable[c.TableID] = append(byTable[c.TableID], c)
	}

	s := &schema.Schema{Typespace: ts}
	ids := make(map[string]uint32, len(tables))
	for _, t := range tables {
		cols := byTable[t.TableID]
		colDefs := make([]schema.ColumnDef, len(cols))
		elems := make([]sats.ProductElem, len(cols))
		for i, c := range cols {
			ty, _, err := decodeType(c.ColType)
			if err != nil {
				return nil, nil, fmt.Errorf("datastore: decoding column %s.%s: %w", t.TableName, c.ColName, err)
			}
			colDefs[i] = schema.ColumnDef{Name: c.ColName, Type: ty}
			elems[i] = sats.ProductElem{Name: c.ColName, Type: ty}
		}
		ref := ts.Add(sats.ProductOf(elems...))
		s.Tables = append(s.Tables, schema.TableDef{
			Name:           t.TableName,
			Columns:        colDefs,
			ProductTypeRef: ref,
			Access:         schema.Access(t.Access),
			Kind:           schema.Kind(t.Kind),
		})
		ids[t.TableName] = t.TableID
	}
	return s, ids, nil
}

// InspectCatalog recovers a schema.Schema purely from a database
// directory's on-disk commit log, without requiring the caller to
// already know the shape it was created with (unlike Open, which
// always trusts its caller's schema.Schema over the catalog — see
// schemaFromCatalogRows). It opens the log read-only and replays only
// writes against the two fixed system table ids, rebuilding
// st_table/st_column's live row set by value rather than by page
// pointer, since a row pointer from a prior process is not meaningful
// here (spec.md §4.6 "replay ... rebuilds committed state").
func InspectCatalog(dir string) (*schema.Schema, map[string]uint32, error) {
	objDB, err := commitlog.OpenObjectDB(filepath.Join(dir, "objects"))
	if err != nil {
		return nil, nil, fmt.Errorf("datastore.InspectCatalog: %w", err)
	}
	records, err := commitlog.OpenReadOnly(filepath.Join(dir, "log"), objDB)
	if err != nil {
		return nil, nil, fmt.Errorf("datastore.InspectCatalog: %w", err)
	}

	sysTS := sats.NewTypespace(nil)
	var tableRows, columnRows []sats.Value
	for _, rec := range records {
		for _, tx := range rec.Txs {
			for _, w := range tx.Writes {
				if w.TableID != stTableID && w.TableID != stColumnID {
					continue
				}
				payload := w.Key.Inline
				if w.Key.Hashed {
					payload, err = objDB.Get(w.Key.Hash)
					if err != nil {
						return nil, nil, fmt.Errorf("datastore.InspectCatalog: %w", err)
					}
				}
				ty, rows := stTableType, &tableRows
				if w.TableID == stColumnID {
					ty, rows = stColumnType, &columnRows
				}
				row, err := bsatn.DecodeValue(sysTS, ty, payload)
				if err != nil {
					return nil, nil, fmt.Errorf("datastore.InspectCatalog: %w", err)
				}
				switch w.Op {
				case commitlog.OpInsert:
					*rows = append(*rows, row)
				case commitlog.OpDelete:
					for i, r := range *rows {
						if r.Equal(row) {
							*rows = append((*rows)[:i], (*rows)[i+1:]...)
							break
						}
					}
				}
			}
		}
	}

	tables := make([]stTableRow, len(tableRows))
	for i, r := range tableRows {
		tables[i] = stTableFromValue(r)
	}
	columns := make([]stColumnRow, len(columnRows))
	for i, r := range columnRows {
		columns[i] = stColumnFromValue(r)
	}
	return schemaFromCatalogRows(tables, columns)
}
