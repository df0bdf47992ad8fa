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

package storagewalk

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/stretchr/testify/require"

	"github.com/chainhead-engine/chainhead"
)

// fakeReader adapts an ethdb.Database into a chainhead.StateReader, the same
// KV contract memorybackend.Backend wraps in production code.
type fakeReader struct{ db ethdb.Database }

func (r *fakeReader) Value(key []byte) ([]byte, bool) {
	v, err := r.db.Get(key)
	if err != nil {
		return nil, false
	}
	return v, true
}

func (r *fakeReader) MerkleValue(key []byte) ([]byte, bool) {
	if v, ok := r.Value(key); ok {
		return v, true
	}
	return nil, false
}

func (r *fakeReader) Iterator(prefix []byte) ethdb.Iterator {
	return r.db.NewIterator(prefix, nil)
}

func newFakeReader(kv map[string]string) *fakeReader {
	db := memorydb.New()
	for k, v := range kv {
		_ = db.Put([]byte(k), []byte(v))
	}
	return &fakeReader{db: db}
}

// TestS5StoragePagination is scenario S5 from §8: operation_max_storage_items
// = 1, five descendant keys, each emitted singly with WaitingForContinue
// between, OperationStorageDone after the last.
func TestS5StoragePagination(t *testing.T) {
	reader := newFakeReader(map[string]string{
		":m":    "a",
		":mo":   "ab",
		":moc":  "abc",
		":moD":  "abcmoD",
		":mock": "abcd",
	})
	queries := []chainhead.StorageQuery{{Key: []byte(":m"), Type: chainhead.QueryDescendantsValues}}
	eng := New(reader, queries, 1)

	var batches [][]chainhead.StorageItem
	waits := 0
	go func() {
		for range time.NewTicker(time.Millisecond).C {
			eng.Continue()
		}
	}()

	err := eng.Run(context.Background(),
		func(items []chainhead.StorageItem) { batches = append(batches, items) },
		func() { waits++ },
	)
	require.NoError(t, err)
	require.Len(t, batches, 5)
	require.Equal(t, 4, waits, "every batch but the last pauses for continue")

	wantOrder := []string{":m", ":mo", ":moD", ":moc", ":mock"}
	for i, want := range wantOrder {
		require.Len(t, batches[i], 1)
		require.Equal(t, want, string(batches[i][0].Key))
	}
}

func TestEngineNonQueryablePrefixSkipped(t *testing.T) {
	reader := newFakeReader(map[string]string{":child_storage:x": "y", ":a": "1"})
	queries := []chainhead.StorageQuery{
		{Key: []byte(":child_storage:x"), Type: chainhead.QueryValue},
		{Key: []byte(":a"), Type: chainhead.QueryValue},
	}
	eng := New(reader, queries, 10)

	var batches [][]chainhead.StorageItem
	err := eng.Run(context.Background(),
		func(items []chainhead.StorageItem) { batches = append(batches, items) },
		func() { t.Fatal("should never wait within one small batch") },
	)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.Equal(t, ":a", string(batches[0][0].Key))
}

func TestEngineAllNonQueryableCompletesWithNoItems(t *testing.T) {
	reader := newFakeReader(nil)
	queries := []chainhead.StorageQuery{{Key: []byte(":child_storage:default:x"), Type: chainhead.QueryValue}}
	eng := New(reader, queries, 10)

	called := false
	err := eng.Run(context.Background(), func(items []chainhead.StorageItem) { called = true }, func() {})
	require.NoError(t, err)
	require.False(t, called, "no OperationStorageItems event when nothing is queryable")
}

func TestEngineCancelWhileWaiting(t *testing.T) {
	reader := newFakeReader(map[string]string{":a": "1", ":b": "2"})
	queries := []chainhead.StorageQuery{{Key: []byte(":"), Type: chainhead.QueryDescendantsValues}}
	eng := New(reader, queries, 1)

	ctx, cancel := context.WithCancel(context.Background())
	waited := make(chan struct{})
	go func() {
		<-waited
		cancel()
	}()

	err := eng.Run(ctx,
		func(items []chainhead.StorageItem) {},
		func() { close(waited) },
	)
	require.ErrorIs(t, err, context.Canceled)
}
