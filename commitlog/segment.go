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
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// segmentExt is the log's file extension (spec.md §6 "extension
// identifies the log").
const segmentExt = ".stdb.log"

// segmentName formats the zero-padded 20-digit offset of the first
// commit a segment holds (spec.md §6 "Log segment naming").
func segmentName(firstOffset uint64) string {
	return fmt.Sprintf("%020d%s", firstOffset, segmentExt)
}

func segmentPath(dir string, firstOffset uint64) string {
	return filepath.Join(dir, segmentName(firstOffset))
}

// appendFrame compresses payload with zstd and appends it to buf as a
// length-prefixed frame: length(u32 LE) of the compressed bytes
// followed by the bytes themselves. Length-prefixing (rather than
// relying on zstd frame boundaries alone) gives replay an exact torn-
// tail test independent of decompression, mirroring the teacher's
// ion/blockfmt appendFrame helper.
func appendFrame(buf []byte, enc *zstd.Encoder, payload []byte) []byte {
	compressed := enc.EncodeAll(payload, nil)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(compressed)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, compressed...)
}

// readFrames scans data for complete length-prefixed zstd frames,
// calling onFrame for each fully-present one (decompressed already).
// It stops and reports torn=true at the first frame whose header or
// body is incomplete — the only form of "torn tail" a segment file
// can have, since writes are frame-atomic (os.File.Write of the whole
// frame, never partial update of an existing frame).
func readFrames(dec *zstd.Decoder, data []byte, onFrame func(payload []byte) error) (consumed int, torn bool, err error) {
	off := 0
	for {
		if off+4 > len(data) {
			return off, off != len(data), nil
		}
		n := int(binary.LittleEndian.Uint32(data[off : off+4]))
		if off+4+n > len(data) {
			return off, true, nil
		}
		compressed := data[off+4 : off+4+n]
		payload, derr := dec.DecodeAll(compressed, nil)
		if derr != nil {
			return off, false, derr
		}
		if cbErr := onFrame(payload); cbErr != nil {
			return off, false, cbErr
		}
		off += 4 + n
	}
}

// truncateSegmentTo truncates the segment file at path to keep only
// its first n bytes, used when replay finds a torn or invalid tail
// (spec.md §4.6 "truncated to the previous good commit").
func truncateSegmentTo(path string, n int64) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Truncate(n)
}
