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

// Package subscribe implements the Follow Subscription (§4.C) and the
// Operation Table it owns (§4.D): one instance per chainHead_unstable_follow
// call, wiring a pin.Registry and a replicate.Replicator together, enforcing
// the RPC surface's validation rules, and driving both off the backend's
// notification streams on a dedicated goroutine.
package subscribe

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/chainhead-engine/chainhead"
	"github.com/chainhead-engine/chainhead/pin"
	"github.com/chainhead-engine/chainhead/replicate"
)

// eventQueueSize bounds SubscriptionState.pending_events (§3). A slow
// client backpressures the driver goroutine (§5 "sending into the client
// event channel (backpressured)") rather than the queue growing unbounded.
const eventQueueSize = 256

// Subscription is one SubscriptionState (§3): the Follow Subscription
// component. It is not safe for concurrent use from more than one goroutine
// except via the accessors documented as safe below.
type Subscription struct {
	id          string
	withRuntime bool

	backend chainhead.Backend
	cfg     chainhead.Config

	Pins *pin.Registry
	Ops  *OperationTable

	rep    *replicate.Replicator
	events chan chainhead.FollowEvent

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	stopped bool
}

// New builds a Subscription but does not yet start it; call Start to pin the
// snapshot and begin streaming (§4.B "On subscription start").
func New(backend chainhead.Backend, global *pin.GlobalCounter, cfg chainhead.Config, withRuntime bool) *Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		id:          uuid.NewString(),
		withRuntime: withRuntime,
		backend:     backend,
		cfg:         cfg,
		Ops:         NewOperationTable(cfg.SubscriptionMaxOngoingOperations),
		events:      make(chan chainhead.FollowEvent, eventQueueSize),
		ctx:         ctx,
		cancel:      cancel,
	}
	s.Pins = pin.New(cfg.GlobalMaxPinnedBlocks, global, backend)
	s.rep = replicate.New(backend, s.Pins, withRuntime, s.emit, s.onStop)
	return s
}

// ID is the opaque subscription id handed back from chainHead_unstable_follow.
func (s *Subscription) ID() string { return s.id }

// WithRuntime reports whether this subscription was started with
// with_runtime = true (§4.C call/§7 InvalidRuntimeCall).
func (s *Subscription) WithRuntime() bool { return s.withRuntime }

// Events is the outbound FollowEvent stream a transport layer forwards to
// the client verbatim, in order.
func (s *Subscription) Events() <-chan chainhead.FollowEvent { return s.events }

// Context is cancelled the moment this subscription stops, either by Stop
// (overflow/sweep) or by Close (client disconnect); operation workers use it
// as their cancellation signal (§5).
func (s *Subscription) Context() context.Context { return s.ctx }

func (s *Subscription) emit(e chainhead.FollowEvent) {
	select {
	case s.events <- e:
	case <-s.ctx.Done():
	}
}

// Emit pushes e onto the same backpressured event queue the driver loop
// feeds (§5 "sending into the client event channel"). chainhead/dispatch's
// operation workers call this to deliver OperationBodyDone/CallDone/
// StorageItems/StorageDone/WaitingForContinue/Error events; ordering between
// these and driver-emitted block events is whatever the channel naturally
// gives (the spec only orders events sharing an operation id or a hash).
func (s *Subscription) Emit(e chainhead.FollowEvent) {
	s.emit(e)
}

// onStop is the Replicator's callback (§4.B Overflow): cancel every
// outstanding operation and tear down the driver goroutine. On that path
// ReleaseAll is handled by the Replicator itself, right after onStop returns.
func (s *Subscription) onStop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.Ops.CancelAll()
	s.cancel()
}

// Stopped reports whether this subscription has already issued Stop or been
// closed by its client.
func (s *Subscription) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Start snapshots the backend and runs the driver loop on a new goroutine
// until Stop or Close. It returns once the initial snapshot has been pinned
// and the Initialized/NewBlock/BestBlockChanged backfill has been emitted.
func (s *Subscription) Start() error {
	if err := s.rep.Start(); err != nil {
		return err
	}
	if s.rep.Stopped() {
		return nil
	}
	go s.drive()
	return nil
}

// Close is the client-disconnect path (§3 Lifecycle): cancel all operations,
// release all pins, and stop the driver goroutine. Idempotent.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.Ops.CancelAll()
	s.cancel()
	s.Pins.ReleaseAll()
}

// Unpin implements chainHead_unstable_unpin (§4.C): all-or-nothing.
func (s *Subscription) Unpin(hashes []chainhead.Hash) error {
	if err := s.Pins.UnpinAll(hashes); err != nil {
		return chainhead.NewInvalidBlockError()
	}
	return nil
}

// Header implements chainHead_unstable_header (§4.C): nil, nil means "None".
func (s *Subscription) Header(h chainhead.Hash) ([]byte, error) {
	if !s.Pins.Contains(h) {
		return nil, chainhead.NewInvalidBlockError()
	}
	header, ok := s.backend.HeaderByHash(h)
	if !ok {
		return nil, nil
	}
	return header, nil
}

// sweepInterval is how often the driver checks subscription_max_pinned_duration.
// It need not track the duration itself tightly; a block only needs to be
// noticed as expired sometime after it actually expires.
const sweepInterval = time.Second

func (s *Subscription) drive() {
	importCh := make(chan chainhead.ImportNotification, 64)
	finalityCh := make(chan chainhead.FinalityNotification, 64)
	importSub := s.backend.SubscribeImports(importCh)
	finalitySub := s.backend.SubscribeFinality(finalityCh)
	defer importSub.Unsubscribe()
	defer finalitySub.Unsubscribe()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case n := <-importCh:
			s.rep.HandleImport(n)
		case n := <-finalityCh:
			s.rep.HandleFinality(n)
		case <-ticker.C:
			s.rep.CheckSweep(time.Now(), s.cfg.SubscriptionMaxPinnedDuration)
		case err := <-importSub.Err():
			if err != nil {
				log.Warn("chainhead: import notification stream ended", "sub", s.id, "err", err)
			}
			s.onStop()
			return
		case err := <-finalitySub.Err():
			if err != nil {
				log.Warn("chainhead: finality notification stream ended", "sub", s.id, "err", err)
			}
			s.onStop()
			return
		case <-s.ctx.Done():
			return
		}
		if s.rep.Stopped() {
			return
		}
	}
}
