// Copyright 2024 The chainhead-engine Authors
// This file is part of the chainhead-engine library.
//
// The chainhead-engine library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The chainhead-engine library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the chainhead-engine library. If not, see <http://www.gnu.org/licenses/>.

package memorybackend

import (
	"github.com/VictoriaMetrics/fastcache"
	"golang.org/x/crypto/blake2b"

	"github.com/ethereum/go-ethereum/ethdb"

	"github.com/chainhead-engine/chainhead"
)

// stateReader is the chainhead.StateReader this backend hands the Storage
// Traversal Engine: single-key reads go through storageCache first, falling
// back to db and filling the cache on miss (the same read-through shape the
// teacher's core/state/snapshot layers single-account/slot reads over disk).
type stateReader struct {
	hash  chainhead.Hash
	db    ethdb.Database
	cache *fastcache.Cache
}

// cacheKey namespaces a storage key by block hash so two blocks that happen
// to share a key byte sequence never collide in the shared fastcache.
func (r *stateReader) cacheKey(key []byte) []byte {
	out := make([]byte, 0, len(r.hash)+len(key))
	out = append(out, r.hash[:]...)
	return append(out, key...)
}

func (r *stateReader) Value(key []byte) ([]byte, bool) {
	ck := r.cacheKey(key)
	if v, ok := r.cache.HasGet(nil, ck); ok {
		if len(v) == 0 {
			return nil, false
		}
		return v, true
	}
	v, err := r.db.Get(key)
	if err != nil || v == nil {
		r.cache.Set(ck, []byte{})
		return nil, false
	}
	r.cache.Set(ck, v)
	return v, true
}

// MerkleValue returns the merkle value at key if it exists, or of the
// lexicographically nearest descendant otherwise (§4.E). This in-memory
// double has no real trie, so "merkle value" is modeled as blake2_256 of the
// resolved value — stable and content-addressed, which is all the Storage
// Traversal Engine's contract requires of it.
func (r *stateReader) MerkleValue(key []byte) ([]byte, bool) {
	if v, ok := r.Value(key); ok {
		sum := blake2b.Sum256(v)
		return sum[:], true
	}
	it := r.db.NewIterator(key, nil)
	defer it.Release()
	if !it.Next() {
		return nil, false
	}
	sum := blake2b.Sum256(it.Value())
	return sum[:], true
}

func (r *stateReader) Iterator(prefix []byte) ethdb.Iterator {
	return r.db.NewIterator(prefix, nil)
}
