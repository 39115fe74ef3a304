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

package blob

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/google/uuid"

	"github.com/SnellerInc/stdb/metrics"
)

// Disk is a directory-sharded, on-disk Store: blobs are grouped by
// the first byte of their hash into 256 shard directories to bound
// per-directory cardinality (spec.md §4.4), with an in-memory
// refcount table and a bounded hot-object cache in front of the
// filesystem.
type Disk struct {
	root string

	mu    sync.Mutex
	refs  map[Hash]int
	cache *lru.Cache[Hash, []byte]
}

// NewDisk opens (creating if necessary) a disk-backed blob store
// rooted at dir, with a hot-object cache holding up to cacheEntries
// recently-used blobs.
func NewDisk(dir string, cacheEntries int) (*Disk, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blob.NewDisk: %w", err)
	}
	c, err := lru.New[Hash, []byte](cacheEntries)
	if err != nil {
		return nil, fmt.Errorf("blob.NewDisk: %w", err)
	}
	return &Disk{root: dir, refs: make(map[Hash]int), cache: c}, nil
}

func (d *Disk) shardDir(h Hash) string {
	return filepath.Join(d.root, hex.EncodeToString(h[:1]))
}

func (d *Disk) path(h Hash) string {
	return filepath.Join(d.shardDir(h), hex.EncodeToString(h[:]))
}

func (d *Disk) Put(data []byte) (Hash, error) {
	h := Sum(data)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.refs[h] > 0 {
		d.refs[h]++
		metrics.BlobPuts.WithLabelValues("dedup").Inc()
		return h, nil
	}
	shard := d.shardDir(h)
	if err := os.MkdirAll(shard, 0o755); err != nil {
		return Hash{}, fmt.Errorf("blob.Put: %w", err)
	}
	// Write via a uniquely-named temp file in the same directory,
	// then rename into place, so a concurrent reader never observes
	// a partially-written blob.
	tmp := filepath.Join(shard, "."+uuid.NewString()+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return Hash{}, fmt.Errorf("blob.Put: %w", err)
	}
	if err := os.Rename(tmp, d.path(h)); err != nil {
		os.Remove(tmp)
		return Hash{}, fmt.Errorf("blob.Put: %w", err)
	}
	d.refs[h] = 1
	d.cache.Add(h, append([]byte(nil), data...))
	metrics.BlobPuts.WithLabelValues("new").Inc()
	return h, nil
}

func (d *Disk) Get(h Hash) ([]byte, error) {
	d.mu.Lock()
	if v, ok := d.cache.Get(h); ok {
		d.mu.Unlock()
		return v, nil
	}
	if d.refs[h] == 0 {
		d.mu.Unlock()
		return nil, missing(h)
	}
	d.mu.Unlock()

	data, err := os.ReadFile(d.path(h))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, missing(h)
		}
		return nil, fmt.Errorf("blob.Get: %w", err)
	}
	d.mu.Lock()
	d.cache.Add(h, data)
	d.mu.Unlock()
	return data, nil
}

func (d *Disk) Release(h Hash) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.refs[h]
	if !ok {
		return missing(h)
	}
	n--
	if n <= 0 {
		delete(d.refs, h)
		d.cache.Remove(h)
		if err := os.Remove(d.path(h)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("blob.Release: %w", err)
		}
		return nil
	}
	d.refs[h] = n
	return nil
}

var _ Store = (*Disk)(nil)
