// Copyright 2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package procinfo

import (
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/cespare/xxhash/v2"
)

// executableKey identifies a distinct on-disk file across mapping
// refreshes without re-hashing its contents every time: (dev, inode,
// mtime) changes whenever the file is replaced in place.
type executableKey struct {
	dev, ino uint64
	mtime    int64
}

// identityResolver computes a stable executable_id and memoizes it per
// executableKey, so a multi-gigabyte binary is hashed at most once
// between mtime changes.
type identityResolver struct {
	byKey  map[executableKey]uint64
	nextID uint32
	idOf   map[uint64]uint32
}

func newIdentityResolver() *identityResolver {
	return &identityResolver{
		byKey: make(map[executableKey]uint64),
		idOf:  make(map[uint64]uint32),
	}
}

// resolve returns the small integer executable_id used in layout.Mapping
// for path, hashing its contents on first sight of a given
// (dev, inode, mtime) triple.
func (r *identityResolver) resolve(path string) (uint32, uint64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, 0, fmt.Errorf("stat %s: %w", path, err)
	}
	stat, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, fmt.Errorf("no stat_t for %s", path)
	}
	key := executableKey{dev: uint64(stat.Dev), ino: stat.Ino, mtime: stat.Mtim.Sec}

	contentHash, ok := r.byKey[key]
	if !ok {
		contentHash, err = hashFile(path)
		if err != nil {
			return 0, 0, err
		}
		r.byKey[key] = contentHash
	}

	id, ok := r.idOf[contentHash]
	if !ok {
		r.nextID++
		id = r.nextID
		r.idOf[contentHash] = id
	}
	return id, contentHash, nil
}

func hashFile(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return 0, fmt.Errorf("hash %s: %w", path, err)
	}
	return h.Sum64(), nil
}
