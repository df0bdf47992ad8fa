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

package chainhead

import "errors"

// Pin Registry errors (§4.A).
var (
	ErrAlreadyPinned  = errors.New("chainhead: block already pinned")
	ErrPerSubOverflow = errors.New("chainhead: per-subscription pin budget exceeded")
	ErrGlobalOverflow = errors.New("chainhead: global pin budget exceeded")
	ErrUnknownBlock   = errors.New("chainhead: block unknown to backend")
	ErrNotPinned      = errors.New("chainhead: block not pinned")
)

// RPC-surface errors (§6, §7). The three codes/messages below are a stable
// contract and must not be reworded.
var (
	// ErrInvalidBlock is returned when an RPC references a hash not pinned
	// in the given subscription.
	ErrInvalidBlock = errors.New("Invalid block hash")

	// ErrInvalidRuntimeCall is returned by chainHead_unstable_call when the
	// subscription was not started with with_runtime.
	ErrInvalidRuntimeCall = errors.New("the subscription was started with `withRuntime` set to `false`")

	// ErrInvalidParam is returned when RPC arguments fail to decode.
	ErrInvalidParam = errors.New("Invalid parameter")
)

// RPCErrorCode is the stable JSON-RPC error code space (§6).
type RPCErrorCode int

const (
	InvalidBlockErrorCode  RPCErrorCode = -32001
	InvalidRuntimeCallCode RPCErrorCode = -32002
	InvalidParamErrorCode  RPCErrorCode = -32003
)

// RPCError pairs one of the stable codes above with its message, so the
// dispatch package can hand the transport layer a single concrete error
// type without re-deriving code<->message mappings at each call site.
type RPCError struct {
	Code    RPCErrorCode
	Message string
}

func (e *RPCError) Error() string { return e.Message }

// Is lets errors.Is(err, ErrInvalidBlock) (etc.) see through the RPCError
// wrapper by comparing stable codes rather than message text.
func (e *RPCError) Is(target error) bool {
	switch e.Code {
	case InvalidBlockErrorCode:
		return target == ErrInvalidBlock
	case InvalidRuntimeCallCode:
		return target == ErrInvalidRuntimeCall
	case InvalidParamErrorCode:
		return target == ErrInvalidParam
	}
	return false
}

func NewInvalidBlockError() *RPCError {
	return &RPCError{Code: InvalidBlockErrorCode, Message: ErrInvalidBlock.Error()}
}

func NewInvalidRuntimeCallError() *RPCError {
	return &RPCError{Code: InvalidRuntimeCallCode, Message: ErrInvalidRuntimeCall.Error()}
}

func NewInvalidParamError(detail string) *RPCError {
	msg := ErrInvalidParam.Error()
	if detail != "" {
		msg = msg + ": " + detail
	}
	return &RPCError{Code: InvalidParamErrorCode, Message: msg}
}
