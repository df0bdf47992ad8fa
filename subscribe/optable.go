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

package subscribe

import (
	"context"
	"strconv"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/chainhead-engine/chainhead"
)

// opEntry is one row of the Operation Table (§4.D).
type opEntry struct {
	kind     chainhead.OperationKind
	state    chainhead.OperationState
	cancel   context.CancelFunc
	released bool
}

// OperationTable is the per-subscription map of operation-id to operation
// handle (§3 Operation, §4.D). Admission against
// subscription_max_ongoing_operations is a weighted semaphore rather than a
// hand-counted running-total, so Admit's fast-rejection path (LimitReached)
// never has to walk the table; cancellation flips a flag child workers
// observe at their next suspension point.
type OperationTable struct {
	mu      sync.Mutex
	sem     *semaphore.Weighted
	nextSeq uint64
	ops     map[string]*opEntry
}

// NewOperationTable bounds concurrently-ongoing operations at max
// (subscription_max_ongoing_operations).
func NewOperationTable(max int) *OperationTable {
	return &OperationTable{sem: semaphore.NewWeighted(int64(max)), ops: make(map[string]*opEntry)}
}

// Admit creates a new Operation of kind, returning its decimal id and a
// context whose cancellation is this operation's cancel-flag. ok is false
// (LimitReached, §3/§4.D) without allocating an id or consuming next_op_seq
// if the table is already at subscription_max_ongoing_operations.
func (t *OperationTable) Admit(ctx context.Context, kind chainhead.OperationKind) (id string, opCtx context.Context, ok bool) {
	if !t.sem.TryAcquire(1) {
		return "", nil, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	id = strconv.FormatUint(t.nextSeq, 10)
	t.nextSeq++
	opCtx, cancel := context.WithCancel(ctx)
	t.ops[id] = &opEntry{kind: kind, state: chainhead.OperationRunning, cancel: cancel}
	return id, opCtx, true
}

// SetState transitions id's recorded state, e.g. Running <-> AwaitContinue.
// A no-op if id is unknown (already finished or never admitted).
func (t *OperationTable) SetState(id string, state chainhead.OperationState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.ops[id]; ok {
		e.state = state
	}
}

// Finish marks id Done and releases its semaphore slot. Safe to call more
// than once; a no-op past the first call.
func (t *OperationTable) Finish(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.ops[id]
	if !ok {
		return
	}
	e.state = chainhead.OperationDone
	e.cancel()
	if !e.released {
		e.released = true
		t.sem.Release(1)
	}
}

// Cancel sets id's cancel flag and marks it Cancelled (§5 "Cancellation").
// A no-op if id is unknown, matching chainHead_unstable_stopOperation's
// "no-op if unknown" contract (§4.C).
func (t *OperationTable) Cancel(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.ops[id]
	if !ok || e.state == chainhead.OperationDone || e.state == chainhead.OperationCancelled {
		return
	}
	e.state = chainhead.OperationCancelled
	e.cancel()
}

// CancelAll cancels every outstanding operation, called exactly once on
// subscription destruction (§3 Lifecycle).
func (t *OperationTable) CancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.ops {
		if e.state != chainhead.OperationDone && e.state != chainhead.OperationCancelled {
			e.state = chainhead.OperationCancelled
		}
		e.cancel()
	}
}
