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

// Package storagewalk implements the Storage Traversal Engine (§4.E): it
// resolves each StorageQuery against a chainhead.StateReader and streams the
// results back in bounded, cancellable, pausable batches.
package storagewalk

import (
	"bytes"

	"golang.org/x/crypto/blake2b"

	"github.com/chainhead-engine/chainhead"
)

// Reserved child-storage key prefixes (§4.E "Non-queryable keys"), matching
// the substrate well_known_keys constants: a key beginning with either is
// skipped rather than resolved against the default trie.
var (
	childStorageKeyPrefix        = []byte(":child_storage:")
	defaultChildStorageKeyPrefix = []byte(":child_storage:default:")
)

// nonQueryable reports whether key carries a reserved child-storage prefix
// and so must be silently skipped (§4.E).
func nonQueryable(key []byte) bool {
	return bytes.HasPrefix(key, childStorageKeyPrefix) || bytes.HasPrefix(key, defaultChildStorageKeyPrefix)
}

// blake2_256 is the fixed hasher this spec contracts Hash queries to (§4.E:
// "the hasher is whichever the client uses; this spec fixes the contract as
// the block's trie hasher" — resolved to blake2_256, substrate's default).
func blake2_256(data []byte) []byte {
	sum := blake2b.Sum256(data)
	return sum[:]
}

// resolve evaluates one StorageQuery against reader, returning the ordered
// list of result items it produces. An empty result means the query
// legitimately produced nothing (e.g. Value on an absent key) — not a fault.
func resolve(reader chainhead.StateReader, q chainhead.StorageQuery) []chainhead.StorageItem {
	if nonQueryable(q.Key) {
		return nil
	}
	switch q.Type {
	case chainhead.QueryValue:
		v, ok := reader.Value(q.Key)
		if !ok {
			return nil
		}
		return []chainhead.StorageItem{{Key: q.Key, Kind: chainhead.StorageResultValue, Value: v}}

	case chainhead.QueryHash:
		v, ok := reader.Value(q.Key)
		if !ok {
			return nil
		}
		return []chainhead.StorageItem{{Key: q.Key, Kind: chainhead.StorageResultHash, Value: blake2_256(v)}}

	case chainhead.QueryDescendantsValues:
		return iterateDescendants(reader, q.Key, chainhead.StorageResultValue)

	case chainhead.QueryDescendantsHashes:
		return iterateDescendants(reader, q.Key, chainhead.StorageResultHash)

	case chainhead.QueryClosestDescendantMerkleValue:
		v, ok := reader.MerkleValue(q.Key)
		if !ok {
			return nil
		}
		return []chainhead.StorageItem{{Key: q.Key, Kind: chainhead.StorageResultMerkleValue, Value: v}}
	}
	return nil
}

// iterateDescendants walks every key with prefix as a strict prefix
// (inclusive of prefix itself), in lexicographic order of the raw key bytes
// (§4.E), emitting Value or Hash items per kind.
func iterateDescendants(reader chainhead.StateReader, prefix []byte, kind chainhead.StorageResultKind) []chainhead.StorageItem {
	it := reader.Iterator(prefix)
	defer it.Release()

	var items []chainhead.StorageItem
	for it.Next() {
		key := append([]byte(nil), it.Key()...)
		value := append([]byte(nil), it.Value()...)
		switch kind {
		case chainhead.StorageResultValue:
			items = append(items, chainhead.StorageItem{Key: key, Kind: chainhead.StorageResultValue, Value: value})
		case chainhead.StorageResultHash:
			items = append(items, chainhead.StorageItem{Key: key, Kind: chainhead.StorageResultHash, Value: blake2_256(value)})
		}
	}
	return items
}
