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

// Package pin implements the Pin Registry (§4.A): the per-subscription set
// of blocks whose state the backend must retain, reference-counted against
// the backend and bounded both per-subscription and process-wide.
package pin

import (
	"sync"
	"time"

	"github.com/chainhead-engine/chainhead"
)

// Backend is the slice of chainhead.Backend the registry needs. Declaring it
// locally (rather than importing the full interface) keeps the registry
// decoupled from the rest of the backend contract, per the design note in
// §9: "never a back-pointer from Registry to Subscription".
type Backend interface {
	Pin(h chainhead.Hash) error
	Unpin(h chainhead.Hash) error
}

// Registry is one subscription's pinned-block set (§3 SubscriptionState.pins).
// It is not safe to share across subscriptions; each Follow Subscription owns
// exactly one.
type Registry struct {
	mu      sync.Mutex
	order   []chainhead.Hash // insertion order == release order on overflow/destroy
	entries map[chainhead.Hash]chainhead.PinnedBlock

	perSubMax int
	global    *GlobalCounter
	backend   Backend
	now       func() time.Time
}

// New builds a Registry bounded at perSubMax entries and sharing global for
// the process-wide bound.
func New(perSubMax int, global *GlobalCounter, backend Backend) *Registry {
	return &Registry{
		entries:   make(map[chainhead.Hash]chainhead.PinnedBlock),
		perSubMax: perSubMax,
		global:    global,
		backend:   backend,
		now:       time.Now,
	}
}

// Pin admits h (at height n) into the registry (§4.A). It is idempotent at
// higher layers but not here: pinning an already-pinned hash is
// ErrAlreadyPinned, matching the registry-level contract the Replicator's
// "if h is already pinned, do nothing" check is built on top of.
func (r *Registry) Pin(h chainhead.Hash, n chainhead.Number) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[h]; ok {
		return chainhead.ErrAlreadyPinned
	}
	if len(r.entries) >= r.perSubMax {
		return chainhead.ErrPerSubOverflow
	}
	if !r.global.TryAcquire() {
		return chainhead.ErrGlobalOverflow
	}
	if err := r.backend.Pin(h); err != nil {
		r.global.Release()
		return chainhead.ErrUnknownBlock
	}

	r.entries[h] = chainhead.PinnedBlock{Hash: h, Number: n, InsertedAt: r.now()}
	r.order = append(r.order, h)
	return nil
}

// Unpin releases h back to the backend. ErrNotPinned if h is not held.
func (r *Registry) Unpin(h chainhead.Hash) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unpinLocked(h)
}

func (r *Registry) unpinLocked(h chainhead.Hash) error {
	if _, ok := r.entries[h]; !ok {
		return chainhead.ErrNotPinned
	}
	delete(r.entries, h)
	for i, oh := range r.order {
		if oh == h {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.global.Release()
	return r.backend.Unpin(h)
}

// UnpinAll releases every hash in hashes, but only if every one of them is
// currently pinned (§4.C "All-or-nothing"). On failure nothing is released.
func (r *Registry) UnpinAll(hashes []chainhead.Hash) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range hashes {
		if _, ok := r.entries[h]; !ok {
			return chainhead.ErrNotPinned
		}
	}
	for _, h := range hashes {
		if err := r.unpinLocked(h); err != nil {
			return err
		}
	}
	return nil
}

// Contains reports whether h is currently pinned.
func (r *Registry) Contains(h chainhead.Hash) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[h]
	return ok
}

// MarkRuntimeAdvertised records that a NewBlock/Initialized event for h
// already carried a runtime descriptor, so later code never re-derives it.
func (r *Registry) MarkRuntimeAdvertised(h chainhead.Hash) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[h]; ok {
		e.HasRuntimeAdvertised = true
		r.entries[h] = e
	}
}

// Sweep returns the hashes whose pin has outlived maxDuration (§4.A). Policy
// (what to do about it — terminate the subscription) lives in the caller,
// per spec: "Caller policy, not registry policy".
func (r *Registry) Sweep(now time.Time, maxDuration time.Duration) []chainhead.Hash {
	r.mu.Lock()
	defer r.mu.Unlock()
	var expired []chainhead.Hash
	for _, h := range r.order {
		e := r.entries[h]
		if now.Sub(e.InsertedAt) > maxDuration {
			expired = append(expired, h)
		}
	}
	return expired
}

// ReleaseAll unpins every held hash, in insertion order, and is called
// exactly once on subscription destruction (§3 Lifecycle).
func (r *Registry) ReleaseAll() {
	r.mu.Lock()
	order := append([]chainhead.Hash(nil), r.order...)
	r.mu.Unlock()
	for _, h := range order {
		_ = r.Unpin(h)
	}
}

// Len reports the number of currently pinned blocks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Entries returns a snapshot of every pinned block, in insertion order. The
// Replicator uses this to find pruning candidates (§4.B step 3): blocks it
// has advertised that are no longer on the canonical chain.
func (r *Registry) Entries() []chainhead.PinnedBlock {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]chainhead.PinnedBlock, 0, len(r.order))
	for _, h := range r.order {
		out = append(out, r.entries[h])
	}
	return out
}
