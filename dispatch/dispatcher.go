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

// Package dispatch implements the Method Dispatcher (§4.F): it owns every
// live Follow Subscription for one backend, runs the validation pipeline
// ahead of each RPC (sub-id known, block pinned, admission), and spawns the
// worker that actually executes a Body/Call/Storage operation against (E)/(G).
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/chainhead-engine/chainhead"
	"github.com/chainhead-engine/chainhead/pin"
	"github.com/chainhead-engine/chainhead/runtimecall"
	"github.com/chainhead-engine/chainhead/storagewalk"
	"github.com/chainhead-engine/chainhead/subscribe"
)

// Dispatcher is the process-wide home for every Subscription created by
// chainHead_unstable_follow, sharing one backend and one global pin counter
// across them (§5 "Shared resources").
type Dispatcher struct {
	backend chainhead.Backend
	cfg     chainhead.Config
	global  *pin.GlobalCounter

	mu      sync.Mutex
	subs    map[string]*subscribe.Subscription
	engines map[string]*storagewalk.Engine
}

// New builds a Dispatcher over backend, applying cfg to every subscription it
// creates.
func New(backend chainhead.Backend, cfg chainhead.Config) *Dispatcher {
	return &Dispatcher{
		backend: backend,
		cfg:     cfg,
		global:  pin.NewGlobalCounter(cfg.GlobalMaxPinnedBlocks),
		subs:    make(map[string]*subscribe.Subscription),
	}
}

// Follow implements chainHead_unstable_follow: build, start, and register a
// new Subscription keyed by its own internally generated id. The caller
// (a dispatch-level test, or any transport that doesn't need a distinct
// wire-level subscription id) reads its Events() channel until Stop.
func (d *Dispatcher) Follow(withRuntime bool) (*subscribe.Subscription, error) {
	sub := subscribe.New(d.backend, d.global, d.cfg, withRuntime)
	if err := sub.Start(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.subs[sub.ID()] = sub
	d.mu.Unlock()
	return sub, nil
}

// FollowWithID is Follow but registers the Subscription under an
// externally-chosen id rather than its internal uuid. api.go's Follow uses
// this so the sub_id the client receives from chainHead_unstable_follow
// (the rpc.Notifier's own subscription id) is exactly the key the rest of
// this method table's validation pipeline (§4.F step 1) looks up.
func (d *Dispatcher) FollowWithID(id string, withRuntime bool) (*subscribe.Subscription, error) {
	sub := subscribe.New(d.backend, d.global, d.cfg, withRuntime)
	if err := sub.Start(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.subs[id] = sub
	d.mu.Unlock()
	return sub, nil
}

// Unfollow tears down subID's Subscription (client disconnect, §3
// Lifecycle). A no-op if subID is unknown.
func (d *Dispatcher) Unfollow(subID string) {
	d.mu.Lock()
	sub, ok := d.subs[subID]
	if ok {
		delete(d.subs, subID)
	}
	d.mu.Unlock()
	if ok {
		sub.Close()
	}
}

// lookup resolves subID to its live Subscription, per §4.F step 1 ("sub_id
// known"), and reports ok=false for unknown or stopped subscriptions. The
// "no-sub" behavior is applied by the Dispatcher methods that call it: a
// silent no-op for Unpin/Header/Continue/StopOperation, and LimitReached for
// the operation-creating Body/Call/Storage.
func (d *Dispatcher) lookup(subID string) (*subscribe.Subscription, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sub, ok := d.subs[subID]
	if !ok || sub.Stopped() {
		return nil, false
	}
	return sub, true
}

// Unpin implements chainHead_unstable_unpin.
func (d *Dispatcher) Unpin(subID string, hashes []chainhead.Hash) error {
	sub, ok := d.lookup(subID)
	if !ok {
		return nil
	}
	return sub.Unpin(hashes)
}

// Header implements chainHead_unstable_header.
func (d *Dispatcher) Header(subID string, h chainhead.Hash) ([]byte, error) {
	sub, ok := d.lookup(subID)
	if !ok {
		return nil, nil
	}
	return sub.Header(h)
}

// checkBlockPinned is §4.F step 2: a referenced block hash must be pinned in
// that subscription or the call fails InvalidBlockError.
func checkBlockPinned(sub *subscribe.Subscription, h chainhead.Hash) error {
	if !sub.Pins.Contains(h) {
		return chainhead.NewInvalidBlockError()
	}
	return nil
}

// admit is §4.F steps 4-5: admission against subscription_max_ongoing_operations,
// allocating the next decimal op_id only on success.
func admit(sub *subscribe.Subscription, kind chainhead.OperationKind) (string, context.Context, bool) {
	return sub.Ops.Admit(sub.Context(), kind)
}

// Body implements chainHead_unstable_body (§4.F step 6 + §4.C): fetches h's
// extrinsics and streams OperationBodyDone.
func (d *Dispatcher) Body(subID string, h chainhead.Hash) (chainhead.MethodResponse, error) {
	sub, ok := d.lookup(subID)
	if !ok {
		return chainhead.LimitReachedResponse(), nil
	}
	if err := checkBlockPinned(sub, h); err != nil {
		return chainhead.MethodResponse{}, err
	}
	opID, opCtx, ok := admit(sub, chainhead.OperationBody)
	if !ok {
		return chainhead.LimitReachedResponse(), nil
	}

	go func() {
		defer sub.Ops.Finish(opID)
		body, known := d.backend.BodyByHash(h)
		if !known {
			sub.Emit(chainhead.FollowEvent{Kind: chainhead.EventOperationError, OperationID: opID, OperationError: "Execution failed: block body unavailable"})
			return
		}
		select {
		case <-opCtx.Done():
			return
		default:
		}
		sub.Emit(chainhead.FollowEvent{Kind: chainhead.EventOperationBodyDone, OperationID: opID, BodyValue: body})
	}()

	return chainhead.StartedResponse(opID, nil), nil
}

// Call implements chainHead_unstable_call. A subscription started with
// with_runtime = false rejects every call with InvalidRuntimeCall (§4.C,
// §7).
func (d *Dispatcher) Call(subID string, h chainhead.Hash, method string, args []byte) (chainhead.MethodResponse, error) {
	sub, ok := d.lookup(subID)
	if !ok {
		return chainhead.LimitReachedResponse(), nil
	}
	if !sub.WithRuntime() {
		return chainhead.MethodResponse{}, chainhead.NewInvalidRuntimeCallError()
	}
	if err := checkBlockPinned(sub, h); err != nil {
		return chainhead.MethodResponse{}, err
	}
	opID, opCtx, ok := admit(sub, chainhead.OperationCall)
	if !ok {
		return chainhead.LimitReachedResponse(), nil
	}

	go func() {
		defer sub.Ops.Finish(opID)
		out, err := runtimecall.Call(opCtx, d.backend, h, method, args)
		if err != nil {
			sub.Emit(chainhead.FollowEvent{Kind: chainhead.EventOperationError, OperationID: opID, OperationError: err.Error()})
			return
		}
		sub.Emit(chainhead.FollowEvent{Kind: chainhead.EventOperationCallDone, OperationID: opID, CallOutput: out})
	}()

	return chainhead.StartedResponse(opID, nil), nil
}

// Storage implements chainHead_unstable_storage. queries beyond
// operation_max_storage_items are discarded from the tail and reported via
// MethodResponse.DiscardedItems (DESIGN.md's resolution of the spec's dual
// use of operation_max_storage_items).
func (d *Dispatcher) Storage(subID string, h chainhead.Hash, queries []chainhead.StorageQuery, childTrie []byte) (chainhead.MethodResponse, error) {
	sub, ok := d.lookup(subID)
	if !ok {
		return chainhead.LimitReachedResponse(), nil
	}
	if err := checkBlockPinned(sub, h); err != nil {
		return chainhead.MethodResponse{}, err
	}

	limit := d.cfg.OperationMaxStorageItems
	var discarded *uint32
	if limit > 0 && len(queries) > limit {
		n := uint32(len(queries) - limit)
		discarded = &n
		queries = queries[:limit]
	}

	opID, opCtx, ok := admit(sub, chainhead.OperationStorage)
	if !ok {
		return chainhead.LimitReachedResponse(), nil
	}

	reader, known := d.backend.StateReader(h, childTrie)
	if !known {
		go func() {
			defer sub.Ops.Finish(opID)
			sub.Emit(chainhead.FollowEvent{Kind: chainhead.EventOperationError, OperationID: opID, OperationError: "Execution failed: state unavailable"})
		}()
		return chainhead.StartedResponse(opID, discarded), nil
	}

	eng := storagewalk.New(reader, queries, d.cfg.OperationMaxStorageItems)
	engineKey := subID + "/" + opID
	d.registerEngine(engineKey, eng)

	go func() {
		defer sub.Ops.Finish(opID)
		defer d.unregisterEngine(engineKey)
		err := eng.Run(opCtx,
			func(items []chainhead.StorageItem) {
				sub.Emit(chainhead.FollowEvent{Kind: chainhead.EventOperationStorageItems, OperationID: opID, StorageItems: items})
			},
			func() {
				sub.Ops.SetState(opID, chainhead.OperationAwaitContinue)
				sub.Emit(chainhead.FollowEvent{Kind: chainhead.EventOperationWaitingForContinue, OperationID: opID})
				sub.Ops.SetState(opID, chainhead.OperationRunning)
			},
		)
		if err != nil {
			return // cancelled: no terminal event, matching §5 "a pending WaitingForContinue is cancelled"
		}
		sub.Emit(chainhead.FollowEvent{Kind: chainhead.EventOperationStorageDone, OperationID: opID})
	}()

	return chainhead.StartedResponse(opID, discarded), nil
}

// registerEngine/unregisterEngine let Continue find the right Engine for a
// (subID, opID) pair, keyed as "subID/opID", without the Engine itself
// needing to know its id.
func (d *Dispatcher) registerEngine(key string, eng *storagewalk.Engine) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.engines == nil {
		d.engines = make(map[string]*storagewalk.Engine)
	}
	d.engines[key] = eng
}

func (d *Dispatcher) unregisterEngine(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.engines, key)
}

// Continue implements chainHead_unstable_continue: no-op if opID is unknown.
// For a known storage operation that is not currently waiting, the signal is
// buffered for its next pause (storagewalk.Engine.Continue's own contract).
func (d *Dispatcher) Continue(subID, opID string) error {
	if _, ok := d.lookup(subID); !ok {
		return nil
	}
	d.mu.Lock()
	eng, ok := d.engines[subID+"/"+opID]
	d.mu.Unlock()
	if !ok {
		return nil
	}
	eng.Continue()
	return nil
}

// StopOperation implements chainHead_unstable_stopOperation: no-op if opID
// is unknown (§4.C).
func (d *Dispatcher) StopOperation(subID, opID string) error {
	sub, ok := d.lookup(subID)
	if !ok {
		return nil
	}
	sub.Ops.Cancel(opID)
	return nil
}

// Close tears down every live Subscription concurrently (node shutdown),
// using an errgroup the way the teacher fans out independent per-connection
// teardown work rather than closing subscriptions one at a time.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	subs := make([]*subscribe.Subscription, 0, len(d.subs))
	for _, sub := range d.subs {
		subs = append(subs, sub)
	}
	d.subs = make(map[string]*subscribe.Subscription)
	d.mu.Unlock()

	var g errgroup.Group
	for _, sub := range subs {
		sub := sub
		g.Go(func() error {
			sub.Close()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("dispatch: close: %w", err)
	}
	return nil
}
