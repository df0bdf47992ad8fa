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

// Package runtimecall implements the Runtime Caller (§4.G): it executes a
// named runtime entry point against a pinned block's state and translates
// the result into the two operation-terminal outcomes the Method Dispatcher
// streams back to the client.
package runtimecall

import (
	"context"
	"fmt"

	"github.com/chainhead-engine/chainhead"
)

// Backend is the slice of chainhead.Backend this package needs.
type Backend interface {
	CallRuntime(ctx context.Context, h chainhead.Hash, method string, args []byte) ([]byte, error)
}

// Call invokes method with args at h's state (§4.G). On success it returns
// the raw output bytes a caller hex-encodes into OperationCallDone; on
// failure it returns an error whose message always contains "Execution
// failed", the stable substring OperationError's payload is contracted to
// carry (§4.G, §7 BackendFailure).
func Call(ctx context.Context, backend Backend, h chainhead.Hash, method string, args []byte) ([]byte, error) {
	out, err := backend.CallRuntime(ctx, h, method, args)
	if err != nil {
		return nil, fmt.Errorf("Execution failed: %w", err)
	}
	return out, nil
}
