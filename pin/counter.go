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

package pin

import "sync/atomic"

// GlobalCounter is the process-wide pin counter shared across every
// subscription (§5 "Shared resources"). It is the only cross-subscription
// state in the engine; everything else lives inside one Registry.
type GlobalCounter struct {
	max     int64
	current int64
}

// NewGlobalCounter builds a counter bounded at max (global_max_pinned_blocks).
func NewGlobalCounter(max int) *GlobalCounter {
	return &GlobalCounter{max: int64(max)}
}

// TryAcquire atomically increments the shared counter, refusing (returning
// false) if doing so would exceed the bound.
func (c *GlobalCounter) TryAcquire() bool {
	for {
		cur := atomic.LoadInt64(&c.current)
		if cur >= c.max {
			return false
		}
		if atomic.CompareAndSwapInt64(&c.current, cur, cur+1) {
			return true
		}
	}
}

// Release decrements the shared counter. Calling it more times than
// TryAcquire succeeded is a caller bug; the registry never does this because
// it tracks exactly which hashes it holds a slot for.
func (c *GlobalCounter) Release() {
	atomic.AddInt64(&c.current, -1)
}

// Len reports the current global pin count, mostly for tests/metrics.
func (c *GlobalCounter) Len() int { return int(atomic.LoadInt64(&c.current)) }
