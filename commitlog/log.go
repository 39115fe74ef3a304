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

package commitlog

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/blake2b"

	"github.com/SnellerInc/stdb/blob"
	"github.com/SnellerInc/stdb/errtax"
	"github.com/SnellerInc/stdb/metrics"
)

// FsyncPolicy controls how aggressively AppendTx durably flushes data
// (spec.md §4.6 "Honor the configured fsync policy").
type FsyncPolicy int

const (
	// FsyncNever flushes OS buffers only; no fsync call is made.
	FsyncNever FsyncPolicy = iota
	// FsyncEveryTx fsyncs the object DB, then the log file, after
	// every AppendTx.
	FsyncEveryTx
)

// WriteInput is one caller-supplied write within a transaction being
// appended; Payload is the full row bytes for an insert (commitlog
// decides inline-vs-hashed storage) and is ignored for a delete.
type WriteInput struct {
	Op      Op
	TableID uint32
	Payload []byte
}

// TxInput is one transaction's ordered write list, as supplied to
// AppendTx.
type TxInput struct {
	Writes []WriteInput
}

// Log is a segmented, append-only commit log plus its paired object
// DB (spec.md §4.6). Replay is the only sanctioned way to obtain a
// writable handle.
type Log struct {
	dir            string
	objDB          *ObjectDB
	policy         FsyncPolicy
	maxSegmentSize int64
	enc            *zstd.Encoder
	dec            *zstd.Decoder

	mu         sync.Mutex
	curFile    *os.File
	curFirst   uint64
	curSize    int64
	nextOffset uint64
	minTx      uint64
	parentHash *blob.Hash
}

func listSegments(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var firsts []uint64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, segmentExt) {
			continue
		}
		numPart := strings.TrimSuffix(name, segmentExt)
		n, err := strconv.ParseUint(numPart, 10, 64)
		if err != nil {
			continue
		}
		firsts = append(firsts, n)
	}
	sort.Slice(firsts, func(i, j int) bool { return firsts[i] < firsts[j] })
	return firsts, nil
}

// Replay iterates every segment in dir in order, validating
// continuity and object presence (spec.md §4.6), truncating a torn or
// invalid tail found in the last segment, and returns a writable Log
// positioned to append the next commit plus every record recovered.
func Replay(dir string, objDB *ObjectDB, policy FsyncPolicy, maxSegmentSize int64) (*Log, []*Record, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("commitlog.Replay: %w", err)
	}
	segments, err := listSegments(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("commitlog.Replay: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, nil, err
	}

	l := &Log{dir: dir, objDB: objDB, policy: policy, maxSegmentSize: maxSegmentSize, enc: enc, dec: dec}

	var records []*Record
	var lastOffset uint64
	var lastHash *blob.Hash

	for i, first := range segments {
		isLast := i == len(segments)-1
		path := segmentPath(dir, first)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, fmt.Errorf("commitlog.Replay: %w", err)
		}

		consumed, torn, derr := readFrames(dec, data, func(payload []byte) error {
			rec, err := Decode(payload)
			if err != nil {
				return err
			}
			if rec.Offset != lastOffset+1 {
				return errtax.New(errtax.OutOfOrder, "commitlog.Replay",
					map[string]any{"got": rec.Offset, "want": lastOffset + 1})
			}
			for _, tx := range rec.Txs {
				for _, w := range tx.Writes {
					if w.Key.Hashed && !objDB.Has(w.Key.Hash) {
						return errtax.New(errtax.MissingObject, "commitlog.Replay",
							map[string]any{"hash": w.Key.Hash})
					}
				}
			}
			records = append(records, rec)
			lastOffset = rec.Offset
			sum := blake2b.Sum256(payload)
			h := blob.Hash(sum)
			lastHash = &h
			return nil
		})

		switch {
		case derr != nil:
			if !isLast {
				return nil, nil, wrapSegmentError(derr, first)
			}
			if err := truncateSegmentTo(path, int64(consumed)); err != nil {
				return nil, nil, fmt.Errorf("commitlog.Replay: truncating %s: %w", path, err)
			}
			l.curFirst, l.curSize = first, int64(consumed)
			metrics.ReplayTruncations.Inc()
		case torn:
			if !isLast {
				return nil, nil, errtax.New(errtax.TrailingSegments, "commitlog.Replay",
					map[string]any{"segment": first, "reason": "torn tail in non-final segment"})
			}
			if err := truncateSegmentTo(path, int64(consumed)); err != nil {
				return nil, nil, fmt.Errorf("commitlog.Replay: truncating %s: %w", path, err)
			}
			l.curFirst, l.curSize = first, int64(consumed)
			metrics.ReplayTruncations.Inc()
		default:
			l.curFirst, l.curSize = first, int64(len(data))
		}
	}

	l.nextOffset = lastOffset + 1
	l.parentHash = lastHash
	for _, rec := range records {
		if next := rec.MinTx + uint64(len(rec.Txs)); next > l.minTx {
			l.minTx = next
		}
	}
	if len(segments) > 0 {
		f, err := os.OpenFile(segmentPath(dir, l.curFirst), os.O_RDWR|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("commitlog.Replay: %w", err)
		}
		l.curFile = f
	}
	return l, records, nil
}

func wrapSegmentError(err error, segment uint64) error {
	switch {
	case err == nil:
		return nil
	case asKind(err, errtax.OutOfOrder), asKind(err, errtax.MissingObject):
		return err
	default:
		return errtax.New(errtax.TrailingSegments, "commitlog.Replay",
			map[string]any{"segment": segment, "cause": err.Error()})
	}
}

func asKind(err error, kind errtax.Kind) bool {
	e, ok := err.(*errtax.Error)
	return ok && e.Kind == kind
}

// OpenReadOnly opens the log for iteration without the continuity
// repair Replay performs (spec.md §4.6 "a read-only handle may be
// opened without replay"): it simply decodes every well-formed record
// it finds and stops at the first problem, without touching any
// segment file on disk.
func OpenReadOnly(dir string, objDB *ObjectDB) ([]*Record, error) {
	segments, err := listSegments(dir)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	var records []*Record
	for _, first := range segments {
		data, err := os.ReadFile(segmentPath(dir, first))
		if err != nil {
			return records, err
		}
		_, torn, derr := readFrames(dec, data, func(payload []byte) error {
			rec, err := Decode(payload)
			if err != nil {
				return err
			}
			records = append(records, rec)
			return nil
		})
		if torn || derr != nil {
			break
		}
	}
	return records, nil
}

func (l *Log) ensureCurrent() error {
	if l.curFile != nil {
		return nil
	}
	path := segmentPath(l.dir, l.nextOffset)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("commitlog: opening segment %s: %w", path, err)
	}
	l.curFile = f
	l.curFirst = l.nextOffset
	l.curSize = 0
	return nil
}

func (l *Log) rotate(firstOffset uint64) error {
	if l.curFile != nil {
		if err := l.curFile.Close(); err != nil {
			return err
		}
	}
	path := segmentPath(l.dir, firstOffset)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("commitlog: rotating to segment %s: %w", path, err)
	}
	l.curFile = f
	l.curFirst = firstOffset
	l.curSize = 0
	metrics.LogSegmentsRotated.Inc()
	return nil
}

// AppendTx implements the append path of spec.md §4.6: writes
// oversize payloads to the object DB first, encodes and appends the
// commit record (rotating segments on overflow), then honors the
// fsync policy before advancing in-memory offsets and the parent
// hash.
func (l *Log) AppendTx(txs []TxInput) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := &Record{
		ParentHash: l.parentHash,
		Offset:     l.nextOffset,
		MinTx:      l.minTx,
		Txs:        make([]Tx, len(txs)),
	}
	for i, txIn := range txs {
		writes := make([]Write, len(txIn.Writes))
		for j, w := range txIn.Writes {
			key, err := NewDataKey(w.Payload, l.objDB)
			if err != nil {
				return nil, err
			}
			writes[j] = Write{Op: w.Op, TableID: w.TableID, Key: key}
		}
		rec.Txs[i] = Tx{Writes: writes}
	}

	payload := Encode(rec)
	frame := appendFrame(nil, l.enc, payload)

	if err := l.ensureCurrent(); err != nil {
		return nil, err
	}
	if l.curSize > 0 && l.curSize+int64(len(frame)) > l.maxSegmentSize {
		if err := l.rotate(rec.Offset); err != nil {
			return nil, err
		}
	}

	if _, err := l.curFile.Write(frame); err != nil {
		return nil, fmt.Errorf("commitlog.AppendTx: %w", err)
	}
	l.curSize += int64(len(frame))

	if l.policy == FsyncEveryTx {
		if err := l.objDB.Sync(); err != nil {
			return nil, err
		}
		if err := l.curFile.Sync(); err != nil {
			return nil, fmt.Errorf("commitlog.AppendTx: fsync log: %w", err)
		}
	}

	l.nextOffset++
	l.minTx += uint64(len(txs))
	sum := blake2b.Sum256(payload)
	h := blob.Hash(sum)
	l.parentHash = &h
	return rec, nil
}

// Offset reports the last committed offset (0 if none).
func (l *Log) Offset() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextOffset - 1
}

// ParentHash reports the hash the next append will chain from.
func (l *Log) ParentHash() *blob.Hash {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.parentHash
}

// Close releases the log's open segment file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.curFile == nil {
		return nil
	}
	err := l.curFile.Close()
	l.curFile = nil
	return err
}
