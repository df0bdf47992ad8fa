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
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/stretchr/testify/require"

	"github.com/chainhead-engine/chainhead"
	"github.com/chainhead-engine/chainhead/pin"
)

// fakeBackend is a minimal chainhead.Backend double, grounded on the
// teacher's eth/filters test backend's use of event.Feed for notification
// streams. It is deliberately narrower than memorybackend.Backend: just
// enough ancestry/pin bookkeeping for this package's own tests.
type fakeBackend struct {
	mu      sync.Mutex
	parents map[chainhead.Hash]chainhead.Hash
	numbers map[chainhead.Hash]chainhead.Number
	leaves  []chainhead.Hash
	best    chainhead.Hash
	final   chainhead.Hash
	pins    map[chainhead.Hash]int

	importFeed   event.Feed
	finalityFeed event.Feed
}

func newFakeBackend(genesis chainhead.Hash) *fakeBackend {
	return &fakeBackend{
		parents: map[chainhead.Hash]chainhead.Hash{},
		numbers: map[chainhead.Hash]chainhead.Number{genesis: 0},
		leaves:  []chainhead.Hash{genesis},
		best:    genesis,
		final:   genesis,
		pins:    map[chainhead.Hash]int{},
	}
}

func (b *fakeBackend) SubscribeImports(ch chan<- chainhead.ImportNotification) event.Subscription {
	return b.importFeed.Subscribe(ch)
}

func (b *fakeBackend) SubscribeFinality(ch chan<- chainhead.FinalityNotification) event.Subscription {
	return b.finalityFeed.Subscribe(ch)
}

func (b *fakeBackend) FinalizedHash() chainhead.Hash { return b.final }
func (b *fakeBackend) BestHash() chainhead.Hash      { return b.best }
func (b *fakeBackend) Leaves() []chainhead.Hash      { return b.leaves }

func (b *fakeBackend) ParentOf(h chainhead.Hash) (chainhead.Hash, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.parents[h]
	return p, ok
}

func (b *fakeBackend) NumberOf(h chainhead.Hash) (chainhead.Number, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, ok := b.numbers[h]
	return n, ok
}

func (b *fakeBackend) KnownBlock(h chainhead.Hash) bool {
	_, ok := b.NumberOf(h)
	return ok
}

func (b *fakeBackend) Pin(h chainhead.Hash) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pins[h]++
	return nil
}

func (b *fakeBackend) Unpin(h chainhead.Hash) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pins[h]--
	return nil
}

func (b *fakeBackend) PinRefs(h chainhead.Hash) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pins[h]
}

func (b *fakeBackend) HeaderByHash(h chainhead.Hash) ([]byte, bool) {
	if !b.KnownBlock(h) {
		return nil, false
	}
	return []byte{0xde, 0xad}, true
}

func (b *fakeBackend) BodyByHash(h chainhead.Hash) ([][]byte, bool) { return nil, b.KnownBlock(h) }

func (b *fakeBackend) RuntimeVersion(h chainhead.Hash) (*chainhead.RuntimeVersion, bool) {
	return nil, false
}

func (b *fakeBackend) CallRuntime(ctx context.Context, h chainhead.Hash, method string, args []byte) ([]byte, error) {
	return nil, nil
}

func (b *fakeBackend) StateReader(h chainhead.Hash, childTrie []byte) (chainhead.StateReader, bool) {
	return nil, false
}

func h(n byte) chainhead.Hash {
	var x chainhead.Hash
	x[31] = n
	return x
}

func TestSubscriptionStartEmitsSnapshot(t *testing.T) {
	genesis := h(0)
	backend := newFakeBackend(genesis)
	global := pin.NewGlobalCounter(10)

	sub := New(backend, global, chainhead.DefaultConfig, false)
	require.NoError(t, sub.Start())
	defer sub.Close()

	init := <-sub.Events()
	require.Equal(t, chainhead.EventInitialized, init.Kind)
	require.Equal(t, genesis, init.FinalizedHash)
	require.True(t, sub.Pins.Contains(genesis))
}

func TestSubscriptionUnpinAllOrNothing(t *testing.T) {
	genesis := h(0)
	backend := newFakeBackend(genesis)
	sub := New(backend, pin.NewGlobalCounter(10), chainhead.DefaultConfig, false)
	require.NoError(t, sub.Start())
	defer sub.Close()
	<-sub.Events() // Initialized; best == finalized at start, no init BestBlockChanged

	unknown := h(99)
	err := sub.Unpin([]chainhead.Hash{genesis, unknown})
	require.Error(t, err)
	require.True(t, sub.Pins.Contains(genesis), "all-or-nothing: genesis must still be pinned")

	require.NoError(t, sub.Unpin([]chainhead.Hash{genesis}))
	require.False(t, sub.Pins.Contains(genesis))
}

func TestSubscriptionHeaderRejectsUnpinned(t *testing.T) {
	genesis := h(0)
	backend := newFakeBackend(genesis)
	sub := New(backend, pin.NewGlobalCounter(10), chainhead.DefaultConfig, false)
	require.NoError(t, sub.Start())
	defer sub.Close()
	<-sub.Events() // Initialized; best == finalized at start, no init BestBlockChanged

	_, err := sub.Header(h(7))
	require.ErrorIs(t, err, chainhead.ErrInvalidBlock)

	data, err := sub.Header(genesis)
	require.NoError(t, err)
	require.NotNil(t, data)
}

func TestOperationTableAdmission(t *testing.T) {
	table := NewOperationTable(1)
	id, ctx, ok := table.Admit(context.Background(), chainhead.OperationStorage)
	require.True(t, ok)
	require.Equal(t, "0", id)
	require.NoError(t, ctx.Err())

	_, _, ok = table.Admit(context.Background(), chainhead.OperationBody)
	require.False(t, ok, "LimitReached: table already at capacity")

	table.Finish(id)
	id2, _, ok := table.Admit(context.Background(), chainhead.OperationBody)
	require.True(t, ok)
	require.Equal(t, "1", id2, "next_op_seq is never reused, even after the slot frees up")
}

func TestOperationTableCancelUnknownIsNoop(t *testing.T) {
	table := NewOperationTable(4)
	require.NotPanics(t, func() { table.Cancel("nonexistent") })
}

func TestSubscriptionStopOnGlobalOverflow(t *testing.T) {
	genesis := h(0)
	backend := newFakeBackend(genesis)
	global := pin.NewGlobalCounter(1)
	cfg := chainhead.DefaultConfig
	sub := New(backend, global, cfg, false)
	require.NoError(t, sub.Start()) // pins genesis: 1/1
	defer sub.Close()

	init := <-sub.Events()
	require.Equal(t, chainhead.EventInitialized, init.Kind) // best == finalized at start, no init BestBlockChanged

	b1 := h(1)
	backend.mu.Lock()
	backend.parents[b1] = genesis
	backend.numbers[b1] = 1
	backend.mu.Unlock()
	backend.importFeed.Send(chainhead.ImportNotification{Hash: b1, ParentHash: genesis, Number: 1, IsNewBest: true})

	select {
	case e := <-sub.Events():
		require.Equal(t, chainhead.EventStop, e.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Stop")
	}

	require.Eventually(t, sub.Stopped, time.Second, 10*time.Millisecond)
}
