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

// Package memorybackend is the in-memory chainhead.Backend double the dispatch
// scenario tests (and the demo cmd/chainheadrpc binary) run against,
// grounded on the teacher's eth/filters.TestBackend: a plain struct of
// event.Feed fields plus a handful of in-memory maps, with production-style
// caching layered on top rather than reimplemented trie storage.
package memorybackend

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/VictoriaMetrics/fastcache"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/ethereum/go-ethereum/event"

	"github.com/chainhead-engine/chainhead"
)

const headerCacheSize = 1024

// block is one node's worth of retained state: parent pointer, runtime
// descriptor, SCALE-shaped header/body stand-ins, and a fully materialized
// storage snapshot (copy-on-write from the parent at AddBlock time — cheap
// for the small trees these tests build, and it keeps StateReader simple).
type block struct {
	parent  chainhead.Hash
	number  chainhead.Number
	runtime *chainhead.RuntimeVersion
	header  []byte
	body    [][]byte
	storage ethdb.Database
	// childTries holds one independent snapshot per child-trie identifier
	// (§4.E "child-trie mode"): a distinct key/value space from storage,
	// never shared with it.
	childTries map[string]ethdb.Database
}

// Backend is the production-shaped in-memory double. The zero value is not
// usable; build one with New.
type Backend struct {
	mu      sync.Mutex
	blocks  map[chainhead.Hash]*block
	leaves  []chainhead.Hash
	best    chainhead.Hash
	final   chainhead.Hash
	pinRefs map[chainhead.Hash]int

	importFeed   event.Feed
	finalityFeed event.Feed

	// headerCache fronts the blocks map the way a production node fronts
	// its on-disk header store with a bounded in-memory cache.
	headerCache *lru.Cache[chainhead.Hash, []byte]
	// storageCache fronts single-key storage reads; fastcache is the
	// teacher's own choice for exactly this shape of read-through cache
	// (see core/state/snapshot).
	storageCache *fastcache.Cache
}

// New builds a Backend whose tree is rooted at genesis, already pinned to
// nothing and reporting genesis as both finalized and best.
func New(genesis chainhead.Hash) *Backend {
	headerCache, err := lru.New[chainhead.Hash, []byte](headerCacheSize)
	if err != nil {
		panic(err) // headerCacheSize is a positive constant; lru.New only fails on size <= 0
	}
	b := &Backend{
		blocks:       map[chainhead.Hash]*block{},
		leaves:       []chainhead.Hash{genesis},
		best:         genesis,
		final:        genesis,
		pinRefs:      map[chainhead.Hash]int{},
		headerCache:  headerCache,
		storageCache: fastcache.New(1 << 20),
	}
	b.blocks[genesis] = &block{
		number:     0,
		runtime:    &chainhead.RuntimeVersion{SpecName: "chainhead-demo", SpecVersion: 1},
		header:     headerBytes(genesis, 0),
		storage:    memorydb.New(),
		childTries: map[string]ethdb.Database{},
	}
	return b
}

func headerBytes(h chainhead.Hash, n chainhead.Number) []byte {
	return []byte(fmt.Sprintf("header(%x,%d)", h, n))
}

// AddBlock imports a child of parent, applying storageWrites (and, keyed by
// child-trie identifier, childWrites) on top of parent's snapshot, and fires
// an ImportNotification. extrinsics becomes the block's body (§8 S2).
func (b *Backend) AddBlock(hash, parent chainhead.Hash, runtime *chainhead.RuntimeVersion, extrinsics [][]byte, storageWrites map[string][]byte, childWrites map[string]map[string][]byte, isNewBest bool) error {
	num, storage, childTries, err := b.materialize(parent, storageWrites, childWrites)
	if err != nil {
		return err
	}
	b.mu.Lock()
	if runtime == nil {
		runtime = b.blocks[parent].runtime
	}
	b.blocks[hash] = &block{parent: parent, number: num, runtime: runtime, header: headerBytes(hash, num), body: extrinsics, storage: storage, childTries: childTries}
	b.replaceLeafLocked(parent, hash)
	if isNewBest {
		b.best = hash
	}
	b.mu.Unlock()

	b.importFeed.Send(chainhead.ImportNotification{Hash: hash, ParentHash: parent, Number: num, IsNewBest: isNewBest})
	return nil
}

// PreregisterBlock makes hash resolvable by ParentOf/NumberOf and gives it a
// storage snapshot, without advertising it as a leaf or firing an import
// notification — modeling a backend whose finality machinery already knows
// about a block before its own import notification has been delivered (§8
// S8 "finality races ahead of import").
func (b *Backend) PreregisterBlock(hash, parent chainhead.Hash, runtime *chainhead.RuntimeVersion, extrinsics [][]byte, storageWrites map[string][]byte) error {
	num, storage, childTries, err := b.materialize(parent, storageWrites, nil)
	if err != nil {
		return err
	}
	b.mu.Lock()
	if runtime == nil {
		runtime = b.blocks[parent].runtime
	}
	b.blocks[hash] = &block{parent: parent, number: num, runtime: runtime, header: headerBytes(hash, num), body: extrinsics, storage: storage, childTries: childTries}
	b.mu.Unlock()
	return nil
}

// AdvertiseImport fires the deferred ImportNotification for a block already
// installed via PreregisterBlock (§8 S8's "a subsequent delayed Import is a
// no-op" once the Replicator has already synthesized the block via Finalize).
func (b *Backend) AdvertiseImport(hash chainhead.Hash, isNewBest bool) {
	b.mu.Lock()
	blk, ok := b.blocks[hash]
	if !ok {
		b.mu.Unlock()
		return
	}
	parent := blk.parent
	num := blk.number
	b.replaceLeafLocked(parent, hash)
	if isNewBest {
		b.best = hash
	}
	b.mu.Unlock()
	b.importFeed.Send(chainhead.ImportNotification{Hash: hash, ParentHash: parent, Number: num, IsNewBest: isNewBest})
}

// Finalize moves the finalized tip to hash and fires a FinalityNotification.
func (b *Backend) Finalize(hash chainhead.Hash) {
	b.mu.Lock()
	b.final = hash
	b.mu.Unlock()
	b.finalityFeed.Send(chainhead.FinalityNotification{Hash: hash})
}

func (b *Backend) replaceLeafLocked(parent, hash chainhead.Hash) {
	out := make([]chainhead.Hash, 0, len(b.leaves))
	for _, l := range b.leaves {
		if l != parent {
			out = append(out, l)
		}
	}
	b.leaves = append(out, hash)
}

// materialize copies parent's storage snapshot (and every child-trie
// snapshot) and applies storageWrites/childWrites on top, returning the
// child's number and its own independent databases.
func (b *Backend) materialize(parent chainhead.Hash, storageWrites map[string][]byte, childWrites map[string]map[string][]byte) (chainhead.Number, ethdb.Database, map[string]ethdb.Database, error) {
	b.mu.Lock()
	p, ok := b.blocks[parent]
	b.mu.Unlock()
	if !ok {
		return 0, nil, nil, errors.New("memorybackend: unknown parent block")
	}

	storage, err := cloneDB(p.storage, storageWrites)
	if err != nil {
		return 0, nil, nil, err
	}

	childTries := make(map[string]ethdb.Database, len(p.childTries))
	for id, db := range p.childTries {
		cloned, err := cloneDB(db, childWrites[id])
		if err != nil {
			return 0, nil, nil, err
		}
		childTries[id] = cloned
	}
	for id, writes := range childWrites {
		if _, done := childTries[id]; done {
			continue
		}
		cloned, err := cloneDB(memorydb.New(), writes)
		if err != nil {
			return 0, nil, nil, err
		}
		childTries[id] = cloned
	}

	return p.number + 1, storage, childTries, nil
}

// cloneDB copies every key/value out of src into a fresh database, then
// applies writes on top.
func cloneDB(src ethdb.Database, writes map[string][]byte) (ethdb.Database, error) {
	dst := memorydb.New()
	it := src.NewIterator(nil, nil)
	for it.Next() {
		if err := dst.Put(append([]byte(nil), it.Key()...), append([]byte(nil), it.Value()...)); err != nil {
			it.Release()
			return nil, err
		}
	}
	it.Release()
	for k, v := range writes {
		if err := dst.Put([]byte(k), v); err != nil {
			return nil, err
		}
	}
	return dst, nil
}

func (b *Backend) SubscribeImports(ch chan<- chainhead.ImportNotification) event.Subscription {
	return b.importFeed.Subscribe(ch)
}

func (b *Backend) SubscribeFinality(ch chan<- chainhead.FinalityNotification) event.Subscription {
	return b.finalityFeed.Subscribe(ch)
}

func (b *Backend) FinalizedHash() chainhead.Hash {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.final
}

func (b *Backend) BestHash() chainhead.Hash {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.best
}

func (b *Backend) Leaves() []chainhead.Hash {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]chainhead.Hash, len(b.leaves))
	copy(out, b.leaves)
	return out
}

func (b *Backend) ParentOf(h chainhead.Hash) (chainhead.Hash, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	blk, ok := b.blocks[h]
	if !ok || blk.number == 0 {
		return chainhead.Hash{}, false
	}
	return blk.parent, true
}

func (b *Backend) NumberOf(h chainhead.Hash) (chainhead.Number, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	blk, ok := b.blocks[h]
	if !ok {
		return 0, false
	}
	return blk.number, true
}

func (b *Backend) KnownBlock(h chainhead.Hash) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.blocks[h]
	return ok
}

func (b *Backend) Pin(h chainhead.Hash) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.blocks[h]; !ok {
		return chainhead.ErrUnknownBlock
	}
	b.pinRefs[h]++
	return nil
}

func (b *Backend) Unpin(h chainhead.Hash) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pinRefs[h]--
	return nil
}

func (b *Backend) PinRefs(h chainhead.Hash) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pinRefs[h]
}

func (b *Backend) HeaderByHash(h chainhead.Hash) ([]byte, bool) {
	if v, ok := b.headerCache.Get(h); ok {
		return v, true
	}
	b.mu.Lock()
	blk, ok := b.blocks[h]
	b.mu.Unlock()
	if !ok {
		return nil, false
	}
	b.headerCache.Add(h, blk.header)
	return blk.header, true
}

func (b *Backend) BodyByHash(h chainhead.Hash) ([][]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	blk, ok := b.blocks[h]
	if !ok {
		return nil, false
	}
	return blk.body, true
}

func (b *Backend) RuntimeVersion(h chainhead.Hash) (*chainhead.RuntimeVersion, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	blk, ok := b.blocks[h]
	if !ok {
		return nil, false
	}
	return blk.runtime, true
}

// CallRuntime is a deterministic stand-in for runtime execution (§1 excludes
// the real runtime executor as an external collaborator): it succeeds
// unless method is "Error_trigger", reproducing the "argument buffer not
// fully drained" class of failure §4.G names as an example.
func (b *Backend) CallRuntime(ctx context.Context, h chainhead.Hash, method string, args []byte) ([]byte, error) {
	if !b.KnownBlock(h) {
		return nil, errors.New("unknown block")
	}
	if method == "Error_trigger" {
		return nil, errors.New("argument buffer not fully drained")
	}
	out := make([]byte, 0, len(method)+len(args))
	out = append(out, []byte(method)...)
	out = append(out, args...)
	return out, nil
}

func (b *Backend) StateReader(h chainhead.Hash, childTrie []byte) (chainhead.StateReader, bool) {
	b.mu.Lock()
	blk, ok := b.blocks[h]
	b.mu.Unlock()
	if !ok {
		return nil, false
	}
	db := blk.storage
	if len(childTrie) > 0 {
		child, ok := blk.childTries[string(childTrie)]
		if !ok {
			return nil, false
		}
		db = child
	}
	return &stateReader{hash: h, db: db, cache: b.storageCache}, true
}
