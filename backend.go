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

package chainhead

import (
	"context"

	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/event"
)

// ImportNotification is one element of the host node's import stream (§6).
type ImportNotification struct {
	Hash       Hash
	ParentHash Hash
	Number     Number
	IsNewBest  bool
}

// FinalityNotification is one element of the host node's finality stream
// (§6). The Replicator is only ever told the newly finalized tip; it derives
// the finalized path itself by walking ancestors (§4.B).
type FinalityNotification struct {
	Hash Hash
}

// StateReader is a per-(block, child-trie) view over world state, consumed
// by the Storage Traversal Engine (§4.E). The production implementation of
// trie storage is an external collaborator (§1); this interface is the
// entire surface chainhead requires from it.
type StateReader interface {
	// Value returns the value stored at key, if any.
	Value(key []byte) ([]byte, bool)

	// MerkleValue returns the merkle value of the node at key, or of the
	// nearest existing descendant if key itself is absent. ok is false if
	// neither key nor any descendant exists.
	MerkleValue(key []byte) (value []byte, ok bool)

	// Iterator walks all keys with prefix as a strict prefix (inclusive of
	// prefix itself), in lexicographic order of the raw key bytes. The
	// returned ethdb.Iterator is the same contract the teacher's key/value
	// stores expose, so storagewalk.Engine can drive it without caring
	// whether it is backed by a real trie or the in-memory double.
	Iterator(prefix []byte) ethdb.Iterator
}

// Backend is the capability bundle ChainHead consumes from the host
// blockchain node (§6 "Backend contract consumed"). Production nodes supply
// one concrete implementation; memorybackend.Backend is the in-memory double
// the dispatch scenario tests run against (§9 "single concrete production
// implementation and in-memory double for tests"). The other packages' unit
// tests use their own narrower fakes.
type Backend interface {
	// SubscribeImports and SubscribeFinality deliver the two asynchronous
	// notification streams the Replicator merges (§4.B). Subscriptions
	// follow the teacher's event.Feed contract: Unsubscribe() stops
	// delivery and is safe to call more than once.
	SubscribeImports(ch chan<- ImportNotification) event.Subscription
	SubscribeFinality(ch chan<- FinalityNotification) event.Subscription

	// FinalizedHash and Leaves describe the snapshot a new subscription
	// starts from (§4.B step 1).
	FinalizedHash() Hash
	BestHash() Hash
	Leaves() []Hash

	// ParentOf and NumberOf answer ancestry questions the Replicator needs
	// to compute finalized paths and pruned sets (§4.B).
	ParentOf(h Hash) (Hash, bool)
	NumberOf(h Hash) (Number, bool)
	KnownBlock(h Hash) bool

	// Pin/Unpin/PinRefs implement the backend side of the Pin Registry's
	// contract (§4.A): PinRefs must reflect exactly one increment per
	// subscription that has pinned h and not yet unpinned it.
	Pin(h Hash) error
	Unpin(h Hash) error
	PinRefs(h Hash) int

	// HeaderByHash returns the SCALE-encoded header. BodyByHash returns the raw
	// extrinsic bytes. Both assume h is pinned; unpinned access is rejected
	// by the Method Dispatcher before reaching the backend.
	HeaderByHash(h Hash) ([]byte, bool)
	BodyByHash(h Hash) ([][]byte, bool)

	// RuntimeVersion reports the runtime descriptor embedded in h's state.
	RuntimeVersion(h Hash) (*RuntimeVersion, bool)

	// CallRuntime executes method against h's state with the given raw
	// argument bytes (§4.G).
	CallRuntime(ctx context.Context, h Hash, method string, args []byte) ([]byte, error)

	// StateReader returns a StateReader for h, optionally scoped to a child
	// trie. ok is false if h is unknown.
	StateReader(h Hash, childTrie []byte) (reader StateReader, ok bool)
}
