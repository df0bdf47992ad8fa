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

// Package replicate implements the Block-Tree Replicator (§4.B): it merges
// the host node's import and finality notification streams into the single,
// causally ordered FollowEvent sequence a subscription streams to its
// client, computing fork ancestry and pruned sets along the way.
package replicate

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/chainhead-engine/chainhead"
	"github.com/chainhead-engine/chainhead/pin"
)

// EmitFunc delivers one FollowEvent to the owning subscription's event queue.
type EmitFunc func(chainhead.FollowEvent)

// ChainView is the slice of chainhead.Backend the Replicator needs: ancestry
// and runtime-version lookups. Pinning itself is delegated entirely to the
// pin.Registry passed into New, which holds its own (possibly narrower)
// view of the backend — see the design note in §9 about the Registry never
// holding a back-pointer to the Subscription that owns it.
type ChainView interface {
	FinalizedHash() chainhead.Hash
	BestHash() chainhead.Hash
	Leaves() []chainhead.Hash
	ParentOf(h chainhead.Hash) (chainhead.Hash, bool)
	NumberOf(h chainhead.Hash) (chainhead.Number, bool)
	RuntimeVersion(h chainhead.Hash) (*chainhead.RuntimeVersion, bool)
}

// Replicator is the per-subscription instance described in §4.B. It owns no
// pins itself; it drives the pin.Registry its subscription created.
type Replicator struct {
	mu sync.Mutex

	backend     ChainView
	pins        *pin.Registry
	withRuntime bool
	emit        EmitFunc
	onStop      func()

	lastFinalized chainhead.Hash
	best          chainhead.Hash
	stopped       bool
}

// New builds a Replicator. onStop is invoked exactly once, synchronously,
// when the Replicator transitions to Stop (overflow or sweep) — the owning
// Follow Subscription uses it to cancel its Operation Table.
func New(backend ChainView, pins *pin.Registry, withRuntime bool, emit EmitFunc, onStop func()) *Replicator {
	return &Replicator{backend: backend, pins: pins, withRuntime: withRuntime, emit: emit, onStop: onStop}
}

// Stopped reports whether Stop has already been emitted.
func (r *Replicator) Stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

// runtimeIfChanged returns cur's RuntimeVersion when it differs (by
// SpecVersion, per the original's definition of "runtime changed", see
// SPEC_FULL.md §[SUPPLEMENT]) from parent's, or nil otherwise.
func (r *Replicator) runtimeIfChanged(parent, cur chainhead.Hash) *chainhead.RuntimeVersion {
	if !r.withRuntime {
		return nil
	}
	curRV, ok := r.backend.RuntimeVersion(cur)
	if !ok || curRV == nil {
		return nil
	}
	parentRV, ok := r.backend.RuntimeVersion(parent)
	if !ok || parentRV == nil || parentRV.SpecVersion != curRV.SpecVersion {
		return curRV
	}
	return nil
}

// pinOrStop pins h and, on an overflow-class failure, triggers Stop and
// reports that the caller must abandon whatever it was doing. Duplicate
// pins (ErrAlreadyPinned) and backend-unknown blocks (ErrUnknownBlock) are
// reported back to the caller without stopping the subscription.
func (r *Replicator) pinOrStop(h chainhead.Hash, n chainhead.Number) error {
	err := r.pins.Pin(h, n)
	if err == nil {
		return nil
	}
	if errors.Is(err, chainhead.ErrPerSubOverflow) || errors.Is(err, chainhead.ErrGlobalOverflow) {
		r.triggerStop()
		return err
	}
	return err
}

func (r *Replicator) triggerStop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	log.Warn("chainhead: pin budget exceeded, stopping subscription")
	r.emit(chainhead.FollowEvent{Kind: chainhead.EventStop})
	if r.onStop != nil {
		r.onStop()
	}
	r.pins.ReleaseAll()
}

// CheckSweep runs the Pin Registry's time-based sweep (§4.A) and, if it
// finds any block past subscription_max_pinned_duration, triggers Stop
// (§4.B Overflow). Intended to be called periodically by the subscription
// driver loop.
func (r *Replicator) CheckSweep(now time.Time, maxDuration time.Duration) {
	if r.Stopped() {
		return
	}
	if expired := r.pins.Sweep(now, maxDuration); len(expired) > 0 {
		r.triggerStop()
	}
}

// Start performs §4.B "On subscription start": snapshot, Initialized,
// backfill NewBlock for every block between the finalized root and the
// current leaves, then BestBlockChanged if the best block differs from the
// finalized root.
func (r *Replicator) Start() error {
	finalized := r.backend.FinalizedHash()
	finalizedNum, _ := r.backend.NumberOf(finalized)

	var frt *chainhead.RuntimeVersion
	if r.withRuntime {
		frt, _ = r.backend.RuntimeVersion(finalized)
	}
	if err := r.pinOrStop(finalized, finalizedNum); err != nil {
		return err
	}
	r.emit(chainhead.FollowEvent{
		Kind:             chainhead.EventInitialized,
		FinalizedHash:    finalized,
		FinalizedRuntime: frt,
		WithRuntime:      r.withRuntime,
	})
	r.lastFinalized = finalized

	for _, h := range r.blocksBetween(finalized, r.backend.Leaves()) {
		if r.Stopped() {
			return nil
		}
		parent, _ := r.backend.ParentOf(h)
		num, _ := r.backend.NumberOf(h)
		if err := r.pinOrStop(h, num); err != nil {
			return err
		}
		r.emit(chainhead.FollowEvent{
			Kind:       chainhead.EventNewBlock,
			Hash:       h,
			ParentHash: parent,
			NewRuntime: r.runtimeIfChanged(parent, h),
		})
	}

	best := r.backend.BestHash()
	r.best = best
	if best != finalized {
		r.emit(chainhead.FollowEvent{Kind: chainhead.EventBestBlockChanged, Hash: best})
	}
	return nil
}

// blocksBetween returns, for every leaf, the blocks strictly between root
// and that leaf, deduplicated and ordered so that every parent precedes its
// children (valid because block number strictly increases along any parent
// chain, so sorting by number is a valid topological order here).
func (r *Replicator) blocksBetween(root chainhead.Hash, leaves []chainhead.Hash) []chainhead.Hash {
	seen := map[chainhead.Hash]chainhead.Number{}
	for _, leaf := range leaves {
		cur := leaf
		for cur != root {
			if _, ok := seen[cur]; ok {
				break
			}
			num, ok := r.backend.NumberOf(cur)
			if !ok {
				break
			}
			seen[cur] = num
			parent, ok := r.backend.ParentOf(cur)
			if !ok {
				break
			}
			cur = parent
		}
	}
	out := make([]chainhead.Hash, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		if seen[out[i]] != seen[out[j]] {
			return seen[out[i]] < seen[out[j]]
		}
		return out[i].Hex() < out[j].Hex()
	})
	return out
}

// HandleImport processes one BlockImport notification (§4.B).
func (r *Replicator) HandleImport(n chainhead.ImportNotification) {
	if r.Stopped() || r.pins.Contains(n.Hash) {
		return
	}
	if err := r.pinOrStop(n.Hash, n.Number); err != nil {
		return
	}
	r.emit(chainhead.FollowEvent{
		Kind:       chainhead.EventNewBlock,
		Hash:       n.Hash,
		ParentHash: n.ParentHash,
		NewRuntime: r.runtimeIfChanged(n.ParentHash, n.Hash),
	})
	if n.IsNewBest && n.Hash != r.best {
		r.best = n.Hash
		r.emit(chainhead.FollowEvent{Kind: chainhead.EventBestBlockChanged, Hash: n.Hash})
	}
}

// HandleFinality processes one Finality notification (§4.B), including the
// "finality races ahead of import" resynchronization in steps 1-2.
func (r *Replicator) HandleFinality(n chainhead.FinalityNotification) {
	if r.Stopped() {
		return
	}
	newFinalized := n.Hash
	newNum, ok := r.backend.NumberOf(newFinalized)
	if !ok {
		log.Warn("chainhead: finality notification for unknown block", "hash", newFinalized)
		return
	}

	path, ok := pathTo(r.backend, r.lastFinalized, newFinalized)
	if !ok {
		log.Warn("chainhead: finalized block is not a descendant of last_finalized", "hash", newFinalized)
		return
	}

	nodeBest := r.backend.BestHash()
	for _, h := range path {
		if r.pins.Contains(h) {
			continue
		}
		parent, _ := r.backend.ParentOf(h)
		num, _ := r.backend.NumberOf(h)
		if err := r.pinOrStop(h, num); err != nil {
			return
		}
		r.emit(chainhead.FollowEvent{
			Kind:       chainhead.EventNewBlock,
			Hash:       h,
			ParentHash: parent,
			NewRuntime: r.runtimeIfChanged(parent, h),
		})
		if h == nodeBest && h != r.best {
			r.best = h
			r.emit(chainhead.FollowEvent{Kind: chainhead.EventBestBlockChanged, Hash: h})
		}
	}

	candidates := make([]chainhead.Hash, 0)
	for _, pb := range r.pins.Entries() {
		candidates = append(candidates, pb.Hash)
	}
	pruned := prunedSet(r.backend, candidates, r.backend.Leaves(), newFinalized, newNum)

	prunedHasBest := false
	for _, h := range pruned {
		if h == r.best {
			prunedHasBest = true
			break
		}
	}
	if prunedHasBest || !isAncestor(r.backend, newFinalized, r.best) {
		r.best = newFinalized
		r.emit(chainhead.FollowEvent{Kind: chainhead.EventBestBlockChanged, Hash: newFinalized})
	}

	r.emit(chainhead.FollowEvent{
		Kind:            chainhead.EventFinalized,
		FinalizedHashes: path,
		PrunedHashes:    pruned,
	})
	r.lastFinalized = newFinalized
}
