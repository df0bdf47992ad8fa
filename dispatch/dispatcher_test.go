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

package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chainhead-engine/chainhead"
	"github.com/chainhead-engine/chainhead/memorybackend"
	"github.com/chainhead-engine/chainhead/subscribe"
)

func h(b byte) chainhead.Hash {
	var out chainhead.Hash
	out[0] = b
	return out
}

func nextEvent(t *testing.T, sub *subscribe.Subscription) chainhead.FollowEvent {
	t.Helper()
	select {
	case ev := <-sub.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return chainhead.FollowEvent{}
	}
}

func testConfig() chainhead.Config {
	cfg := chainhead.DefaultConfig
	cfg.GlobalMaxPinnedBlocks = 256
	return cfg
}

// TestS1BasicFollow: §8 S1.
func TestS1BasicFollow(t *testing.T) {
	genesis := h(0)
	backend := memorybackend.New(genesis)
	d := New(backend, testConfig())

	sub, err := d.Follow(false)
	require.NoError(t, err)

	init := nextEvent(t, sub)
	require.Equal(t, chainhead.EventInitialized, init.Kind)
	require.Equal(t, genesis, init.FinalizedHash)

	b1 := h(1)
	require.NoError(t, backend.AddBlock(b1, genesis, nil, nil, nil, nil, true))

	newBlock := nextEvent(t, sub)
	require.Equal(t, chainhead.EventNewBlock, newBlock.Kind)
	require.Equal(t, b1, newBlock.Hash)
	require.Equal(t, genesis, newBlock.ParentHash)

	best := nextEvent(t, sub)
	require.Equal(t, chainhead.EventBestBlockChanged, best.Kind)
	require.Equal(t, b1, best.Hash)

	backend.Finalize(b1)
	finalized := nextEvent(t, sub)
	require.Equal(t, chainhead.EventFinalized, finalized.Kind)
	require.Equal(t, []chainhead.Hash{b1}, finalized.FinalizedHashes)
	require.Empty(t, finalized.PrunedHashes)
}

// TestS2BodyWithExtrinsics: §8 S2.
func TestS2BodyWithExtrinsics(t *testing.T) {
	genesis := h(0)
	backend := memorybackend.New(genesis)
	d := New(backend, testConfig())

	sub, err := d.Follow(false)
	require.NoError(t, err)
	require.Equal(t, chainhead.EventInitialized, nextEvent(t, sub).Kind)

	b1 := h(1)
	require.NoError(t, backend.AddBlock(b1, genesis, nil, nil, nil, nil, true))
	require.Equal(t, chainhead.EventNewBlock, nextEvent(t, sub).Kind)
	require.Equal(t, chainhead.EventBestBlockChanged, nextEvent(t, sub).Kind)

	extrinsic := []byte("transfer(alice,bob,5)")
	b2 := h(2)
	require.NoError(t, backend.AddBlock(b2, b1, nil, [][]byte{extrinsic}, nil, nil, true))
	require.Equal(t, chainhead.EventNewBlock, nextEvent(t, sub).Kind)
	require.Equal(t, chainhead.EventBestBlockChanged, nextEvent(t, sub).Kind)

	resp, err := d.Body(sub.ID(), b2)
	require.NoError(t, err)
	require.True(t, resp.Started)
	require.Equal(t, "0", resp.OperationID)

	done := nextEvent(t, sub)
	require.Equal(t, chainhead.EventOperationBodyDone, done.Kind)
	require.Equal(t, "0", done.OperationID)
	require.Equal(t, [][]byte{extrinsic}, done.BodyValue)
}

// TestS3RuntimeUpgradeDetection: §8 S3.
func TestS3RuntimeUpgradeDetection(t *testing.T) {
	genesis := h(0)
	backend := memorybackend.New(genesis)
	d := New(backend, testConfig())

	sub, err := d.Follow(true)
	require.NoError(t, err)

	init := nextEvent(t, sub)
	require.Equal(t, chainhead.EventInitialized, init.Kind)
	require.NotNil(t, init.FinalizedRuntime)

	b1 := h(1)
	newRV := &chainhead.RuntimeVersion{SpecName: "chainhead-demo", SpecVersion: init.FinalizedRuntime.SpecVersion + 1}
	require.NoError(t, backend.AddBlock(b1, genesis, newRV, nil, nil, nil, true))

	newBlock := nextEvent(t, sub)
	require.Equal(t, chainhead.EventNewBlock, newBlock.Kind)
	require.NotNil(t, newBlock.NewRuntime)
	require.Equal(t, newRV.SpecVersion, newBlock.NewRuntime.SpecVersion)
}

// TestS6PinOverflow: §8 S6.
func TestS6PinOverflow(t *testing.T) {
	genesis := h(0)
	backend := memorybackend.New(genesis)
	cfg := testConfig()
	cfg.GlobalMaxPinnedBlocks = 2
	d := New(backend, cfg)

	sub, err := d.Follow(false)
	require.NoError(t, err)
	require.Equal(t, chainhead.EventInitialized, nextEvent(t, sub).Kind) // genesis pin #1

	b1 := h(1)
	require.NoError(t, backend.AddBlock(b1, genesis, nil, nil, nil, nil, true))
	require.Equal(t, chainhead.EventNewBlock, nextEvent(t, sub).Kind) // b1 pin #2
	require.Equal(t, chainhead.EventBestBlockChanged, nextEvent(t, sub).Kind)

	b2 := h(2)
	require.NoError(t, backend.AddBlock(b2, b1, nil, nil, nil, nil, true)) // b2 pin attempt #3 -> overflow

	stop := nextEvent(t, sub)
	require.Equal(t, chainhead.EventStop, stop.Kind)

	b3 := h(3)
	require.NoError(t, backend.AddBlock(b3, b2, nil, nil, nil, nil, true))
	select {
	case ev := <-sub.Events():
		t.Fatalf("expected no further events after Stop, got %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

// TestS7OperationAdmission: §8 S7.
func TestS7OperationAdmission(t *testing.T) {
	genesis := h(0)
	backend := memorybackend.New(genesis)
	require.NoError(t, backend.AddBlock(h(1), genesis, nil, nil, map[string][]byte{
		":a": []byte("1"), ":b": []byte("2"), ":c": []byte("3"), ":d": []byte("4"),
	}, nil, true))

	cfg := testConfig()
	cfg.SubscriptionMaxOngoingOperations = 1
	cfg.OperationMaxStorageItems = 1
	d := New(backend, cfg)

	sub, err := d.Follow(false)
	require.NoError(t, err)
	require.Equal(t, chainhead.EventInitialized, nextEvent(t, sub).Kind)
	require.Equal(t, chainhead.EventNewBlock, nextEvent(t, sub).Kind)
	require.Equal(t, chainhead.EventBestBlockChanged, nextEvent(t, sub).Kind)

	queries := []chainhead.StorageQuery{
		{Key: []byte(":a"), Type: chainhead.QueryValue},
		{Key: []byte(":b"), Type: chainhead.QueryValue},
		{Key: []byte(":c"), Type: chainhead.QueryValue},
		{Key: []byte(":d"), Type: chainhead.QueryValue},
	}
	resp, err := d.Storage(sub.ID(), h(1), queries, nil)
	require.NoError(t, err)
	require.True(t, resp.Started)
	require.NotNil(t, resp.DiscardedItems)
	require.Equal(t, uint32(3), *resp.DiscardedItems)

	items := nextEvent(t, sub)
	require.Equal(t, chainhead.EventOperationStorageItems, items.Kind)
	require.Len(t, items.StorageItems, 1)
	require.Equal(t, ":a", string(items.StorageItems[0].Key))

	done := nextEvent(t, sub)
	require.Equal(t, chainhead.EventOperationStorageDone, done.Kind)
}

// TestS8FinalityBeforeImport: §8 S8.
func TestS8FinalityBeforeImport(t *testing.T) {
	genesis := h(0)
	backend := memorybackend.New(genesis)
	d := New(backend, testConfig())

	sub, err := d.Follow(false)
	require.NoError(t, err)
	require.Equal(t, chainhead.EventInitialized, nextEvent(t, sub).Kind)

	b1 := h(1)
	require.NoError(t, backend.PreregisterBlock(b1, genesis, nil, nil, nil))
	backend.Finalize(b1)

	newBlock := nextEvent(t, sub)
	require.Equal(t, chainhead.EventNewBlock, newBlock.Kind)
	require.Equal(t, b1, newBlock.Hash)

	best := nextEvent(t, sub)
	require.Equal(t, chainhead.EventBestBlockChanged, best.Kind)
	require.Equal(t, b1, best.Hash)

	finalized := nextEvent(t, sub)
	require.Equal(t, chainhead.EventFinalized, finalized.Kind)
	require.Equal(t, []chainhead.Hash{b1}, finalized.FinalizedHashes)
	require.Empty(t, finalized.PrunedHashes)

	// The delayed Import(B1) is a no-op: the Replicator already pinned and
	// advertised B1 via the finality resynchronization above.
	backend.AdvertiseImport(b1, true)
	select {
	case ev := <-sub.Events():
		t.Fatalf("expected the delayed import to be a no-op, got %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestInvalidBlockErrorOnUnpinnedHash(t *testing.T) {
	genesis := h(0)
	backend := memorybackend.New(genesis)
	d := New(backend, testConfig())

	sub, err := d.Follow(false)
	require.NoError(t, err)
	require.Equal(t, chainhead.EventInitialized, nextEvent(t, sub).Kind)

	_, err = d.Body(sub.ID(), h(99))
	require.ErrorIs(t, err, chainhead.ErrInvalidBlock)
}

func TestInvalidRuntimeCallWithoutWithRuntime(t *testing.T) {
	genesis := h(0)
	backend := memorybackend.New(genesis)
	d := New(backend, testConfig())

	sub, err := d.Follow(false)
	require.NoError(t, err)
	require.Equal(t, chainhead.EventInitialized, nextEvent(t, sub).Kind)

	_, err = d.Call(sub.ID(), genesis, "Core_version", nil)
	require.ErrorIs(t, err, chainhead.ErrInvalidRuntimeCall)
}

func TestStopOperationCancelsOutstandingStorageOperation(t *testing.T) {
	genesis := h(0)
	backend := memorybackend.New(genesis)
	cfg := testConfig()
	cfg.OperationMaxStorageItems = 1
	d := New(backend, cfg)

	require.NoError(t, backend.AddBlock(h(1), genesis, nil, nil, map[string][]byte{":a": []byte("1"), ":b": []byte("2")}, nil, true))

	sub, err := d.Follow(false)
	require.NoError(t, err)
	require.Equal(t, chainhead.EventInitialized, nextEvent(t, sub).Kind)
	require.Equal(t, chainhead.EventNewBlock, nextEvent(t, sub).Kind)
	require.Equal(t, chainhead.EventBestBlockChanged, nextEvent(t, sub).Kind)

	resp, err := d.Storage(sub.ID(), h(1), []chainhead.StorageQuery{{Key: []byte(":"), Type: chainhead.QueryDescendantsValues}}, nil)
	require.NoError(t, err)

	first := nextEvent(t, sub)
	require.Equal(t, chainhead.EventOperationStorageItems, first.Kind)
	waiting := nextEvent(t, sub)
	require.Equal(t, chainhead.EventOperationWaitingForContinue, waiting.Kind)

	require.NoError(t, d.StopOperation(sub.ID(), resp.OperationID))
	select {
	case ev := <-sub.Events():
		t.Fatalf("expected no terminal event after cancellation, got %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}
