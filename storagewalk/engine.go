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

	"github.com/chainhead-engine/chainhead"
)

// chunk is one query's contribution to the batch sequence: never merged with
// another query's items (§4.E "Batches from different queries ... are
// emitted as separate events").
type chunk struct {
	items []chainhead.StorageItem
}

// Engine drives one chainHead_unstable_storage operation (§4.E). It is
// single-use: construct one per operation, call Run once.
type Engine struct {
	reader    chainhead.StateReader
	queries   []chainhead.StorageQuery
	batchSize int

	continueCh chan struct{}
}

// New builds an Engine reading from reader, resolving queries, and batching
// at most batchSize items per OperationStorageItems event
// (operation_max_storage_items).
func New(reader chainhead.StateReader, queries []chainhead.StorageQuery, batchSize int) *Engine {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &Engine{
		reader:     reader,
		queries:    queries,
		batchSize:  batchSize,
		continueCh: make(chan struct{}, 1),
	}
}

// Continue resumes a paused operation (§4.C continue). Non-blocking: if the
// engine is not currently waiting, the signal is buffered for the next
// suspension point, and further calls while one is already buffered are a
// no-op.
func (e *Engine) Continue() {
	select {
	case e.continueCh <- struct{}{}:
	default:
	}
}

// chunks computes every query's contribution up front. Reading the whole
// operation's state before streaming keeps the pause/resume logic simple:
// once a chunk boundary is known to be the operation's last, the engine
// never has to look ahead mid-stream to decide Waiting vs. Done.
func (e *Engine) chunks() []chunk {
	var out []chunk
	for _, q := range e.queries {
		items := resolve(e.reader, q)
		for start := 0; start < len(items); start += e.batchSize {
			end := start + e.batchSize
			if end > len(items) {
				end = len(items)
			}
			out = append(out, chunk{items: items[start:end]})
		}
	}
	return out
}

// Run streams every chunk via emitItems, pausing with emitWaiting between
// full batches that are not the operation's last (§4.E pagination), and
// returns nil after the final chunk (the caller emits OperationStorageDone)
// or ctx.Err() if cancelled while paused.
func (e *Engine) Run(ctx context.Context, emitItems func([]chainhead.StorageItem), emitWaiting func()) error {
	chunks := e.chunks()
	for i, c := range chunks {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		emitItems(c.items)

		last := i == len(chunks)-1
		full := len(c.items) == e.batchSize
		if last || !full {
			continue
		}

		emitWaiting()
		select {
		case <-e.continueCh:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
