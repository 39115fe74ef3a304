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

// Package commitlog implements the write-ahead commit log and its
// paired content-addressed object store (spec.md §4.6): the
// commit-record wire format (§6), segment files, the append path with
// its fsync ordering, and replay with truncation of a torn tail.
//
// Grounded on the teacher's ion/write.go manual little-endian encoding
// idiom and ion/blockfmt/trailer.go's segment-trailer shape, plus
// original_source/crates/core/src/db/commit_log.rs for the record
// layout and parent-hash chaining this spec was distilled from.
package commitlog

import (
	"encoding/binary"

	"github.com/SnellerInc/stdb/blob"
	"github.com/SnellerInc/stdb/errtax"
)

// InlineThreshold is the largest payload size stored inline in a
// DataKey rather than indirected through the object DB (spec.md §6
// "kind=0 means inline (len:u8, bytes:[u8; len]) (len ≤ 32)"). The
// spec's Open Questions (§9) leave configurability for a future
// version; we keep it a fixed constant for this version.
const InlineThreshold = 32

// Op identifies a write's effect.
type Op uint8

const (
	OpDelete Op = 0
	OpInsert Op = 1
)

// DataKey names the bytes affected by a write: either carried inline
// or as a hash resolved in the object DB (spec.md §6 "data_key").
type DataKey struct {
	Hash   blob.Hash
	Inline []byte
	Hashed bool
}

// NewDataKey builds the DataKey for payload, writing it to db when it
// exceeds InlineThreshold.
func NewDataKey(payload []byte, db *ObjectDB) (DataKey, error) {
	if len(payload) <= InlineThreshold {
		return DataKey{Inline: append([]byte(nil), payload...)}, nil
	}
	h, err := db.Put(payload)
	if err != nil {
		return DataKey{}, err
	}
	return DataKey{Hash: h, Hashed: true}, nil
}

// Write is one row-level effect within a transaction.
type Write struct {
	Op      Op
	TableID uint32
	Key     DataKey
}

// Tx is one reducer transaction's ordered write list.
type Tx struct {
	Writes []Write
}

// Record is one commit record: the unit appended to the log (spec.md
// §6 "commit = parent_hash ∥ commit_offset ∥ min_tx_offset ∥
// tx_count ∥ tx_1 ∥ …").
type Record struct {
	ParentHash *blob.Hash
	Offset     uint64
	MinTx      uint64
	Txs        []Tx
}

// Encode serializes r into its canonical little-endian wire form.
func Encode(r *Record) []byte {
	buf := make([]byte, 0, 64)
	if r.ParentHash != nil {
		buf = append(buf, 1)
		buf = append(buf, r.ParentHash[:]...)
	} else {
		buf = append(buf, 0)
	}
	buf = appendU64(buf, r.Offset)
	buf = appendU64(buf, r.MinTx)
	buf = appendU32(buf, uint32(len(r.Txs)))
	for _, tx := range r.Txs {
		buf = appendU32(buf, uint32(len(tx.Writes)))
		for _, w := range tx.Writes {
			buf = append(buf, byte(w.Op))
			buf = appendU32(buf, w.TableID)
			buf = appendDataKey(buf, w.Key)
		}
	}
	return buf
}

func appendDataKey(buf []byte, k DataKey) []byte {
	if k.Hashed {
		buf = append(buf, 1)
		return append(buf, k.Hash[:]...)
	}
	buf = append(buf, 0)
	buf = append(buf, byte(len(k.Inline)))
	return append(buf, k.Inline...)
}

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendU64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

// Decode parses a Record from buf, returning an error (tagged
// errtax.InvalidData) on any bounds shortfall or trailing garbage —
// decode must consume buf exactly.
func Decode(buf []byte) (*Record, error) {
	r, n, err := decodeRecord(buf)
	if err != nil {
		return nil, err
	}
	if n != len(buf) {
		return nil, invalidData("commitlog.Decode", "trailing bytes after record")
	}
	return r, nil
}

func decodeRecord(buf []byte) (*Record, int, error) {
	off := 0
	flag, err := readByte(buf, &off)
	if err != nil {
		return nil, 0, err
	}
	r := &Record{}
	if flag != 0 {
		var h blob.Hash
		if err := readBytes(buf, &off, h[:]); err != nil {
			return nil, 0, err
		}
		r.ParentHash = &h
	}
	r.Offset, err = readU64(buf, &off)
	if err != nil {
		return nil, 0, err
	}
	r.MinTx, err = readU64(buf, &off)
	if err != nil {
		return nil, 0, err
	}
	txCount, err := readU32(buf, &off)
	if err != nil {
		return nil, 0, err
	}
	r.Txs = make([]Tx, txCount)
	for i := range r.Txs {
		writeCount, err := readU32(buf, &off)
		if err != nil {
			return nil, 0, err
		}
		writes := make([]Write, writeCount)
		for j := range writes {
			opByte, err := readByte(buf, &off)
			if err != nil {
				return nil, 0, err
			}
			tableID, err := readU32(buf, &off)
			if err != nil {
				return nil, 0, err
			}
			key, err := readDataKey(buf, &off)
			if err != nil {
				return nil, 0, err
			}
			writes[j] = Write{Op: Op(opByte), TableID: tableID, Key: key}
		}
		r.Txs[i] = Tx{Writes: writes}
	}
	return r, off, nil
}

func readDataKey(buf []byte, off *int) (DataKey, error) {
	kind, err := readByte(buf, off)
	if err != nil {
		return DataKey{}, err
	}
	if kind == 1 {
		var h blob.Hash
		if err := readBytes(buf, off, h[:]); err != nil {
			return DataKey{}, err
		}
		return DataKey{Hash: h, Hashed: true}, nil
	}
	n, err := readByte(buf, off)
	if err != nil {
		return DataKey{}, err
	}
	if int(n) > InlineThreshold {
		return DataKey{}, invalidData("commitlog.readDataKey", "inline length exceeds threshold")
	}
	inline := make([]byte, n)
	if err := readBytes(buf, off, inline); err != nil {
		return DataKey{}, err
	}
	return DataKey{Inline: inline}, nil
}

func readByte(buf []byte, off *int) (byte, error) {
	if *off+1 > len(buf) {
		return 0, invalidData("commitlog.decode", "unexpected end of record")
	}
	b := buf[*off]
	*off++
	return b, nil
}

func readBytes(buf []byte, off *int, dst []byte) error {
	if *off+len(dst) > len(buf) {
		return invalidData("commitlog.decode", "unexpected end of record")
	}
	copy(dst, buf[*off:*off+len(dst)])
	*off += len(dst)
	return nil
}

func readU32(buf []byte, off *int) (uint32, error) {
	if *off+4 > len(buf) {
		return 0, invalidData("commitlog.decode", "unexpected end of record")
	}
	v := binary.LittleEndian.Uint32(buf[*off : *off+4])
	*off += 4
	return v, nil
}

func readU64(buf []byte, off *int) (uint64, error) {
	if *off+8 > len(buf) {
		return 0, invalidData("commitlog.decode", "unexpected end of record")
	}
	v := binary.LittleEndian.Uint64(buf[*off : *off+8])
	*off += 8
	return v, nil
}

func invalidData(op, reason string) error {
	return errtax.New(errtax.InvalidData, op, map[string]any{"reason": reason})
}
