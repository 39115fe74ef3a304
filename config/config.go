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

// Package config loads the engine's tunable options: page size, fsync
// policy, segment size, and the blob inline threshold. Options are
// loaded either from a YAML file (sigs.k8s.io/yaml) or overridden from
// flag-bound defaults, mirroring the flag-driven configuration style
// the teacher's CLIs (cmd/sdb, cmd/snellerd) and solidcoredata-dca's
// config package both use.
package config

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"
)

// FsyncPolicy selects when the commit log flushes to stable storage.
type FsyncPolicy string

const (
	// FsyncNever flushes OS buffers only; no fsync call is made.
	FsyncNever FsyncPolicy = "never"
	// FsyncEveryTx fsyncs the object DB, then the log, on every append_tx.
	FsyncEveryTx FsyncPolicy = "every_tx"
)

// Options are the tunables read at startup and held for the lifetime
// of a database handle; nothing here is process-global (contrast
// metrics, which is, per spec.md §9).
type Options struct {
	// PageSize is checked by Validate but not read by the page manager,
	// whose pages are always page.Size bytes. Defaults to 64 KiB.
	PageSize int `json:"page_size"`
	// MaxSegmentSize is the maximum size in bytes of one commit-log segment.
	MaxSegmentSize int64 `json:"max_segment_size"`
	// Fsync selects the commit log's flush policy.
	Fsync FsyncPolicy `json:"fsync"`
	// InlineThreshold is checked by Validate but not read by the commit
	// log, which always stores data_key payloads of up to
	// commitlog.InlineThreshold (32) bytes inline and hashes larger ones
	// into the object DB.
	InlineThreshold int `json:"inline_threshold"`
	// BlobCacheEntries bounds the disk-backed blob store's hot cache.
	BlobCacheEntries int `json:"blob_cache_entries"`
}

// Default returns the engine's default options.
func Default() Options {
	return Options{
		PageSize:         64 * 1024,
		MaxSegmentSize:   128 * 1024 * 1024,
		Fsync:            FsyncEveryTx,
		InlineThreshold:  32,
		BlobCacheEntries: 4096,
	}
}

// LoadFile decodes a YAML config file into Options, starting from
// Default() so a partial file only overrides what it specifies.
func LoadFile(path string) (Options, error) {
	opt := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return opt, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &opt); err != nil {
		return opt, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := opt.Validate(); err != nil {
		return opt, err
	}
	return opt, nil
}

// Validate rejects nonsensical option combinations.
func (o Options) Validate() error {
	if o.PageSize < 2 || o.PageSize%2 != 0 {
		return fmt.Errorf("config: page_size must be a positive even number, got %d", o.PageSize)
	}
	if o.MaxSegmentSize <= 0 {
		return fmt.Errorf("config: max_segment_size must be positive, got %d", o.MaxSegmentSize)
	}
	switch o.Fsync {
	case FsyncNever, FsyncEveryTx:
	default:
		return fmt.Errorf("config: unknown fsync policy %q", o.Fsync)
	}
	if o.InlineThreshold < 0 || o.InlineThreshold > 255 {
		return fmt.Errorf("config: inline_threshold must fit a byte length, got %d", o.InlineThreshold)
	}
	return nil
}
