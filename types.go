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

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Hash identifies a block by its fixed-width digest. The concrete width is
// whatever the host chain uses; we reuse the teacher's 32-byte common.Hash
// rather than inventing a parallel type.
type Hash = common.Hash

// Number is a block height.
type Number = uint64

// RuntimeVersion describes the executable code a block's state embeds. Only
// SpecVersion is inspected by the Replicator (see replicator.go) to decide
// whether a NewBlock carries new_runtime; the rest travels opaquely.
type RuntimeVersion struct {
	SpecName    string
	ImplName    string
	SpecVersion uint32
	ImplVersion uint32
	Raw         []byte // opaque SCALE-encoded version blob; not part of the wire encoding (encode.go)
}

// PinnedBlock is one entry in a subscription's Pin Registry (§3).
type PinnedBlock struct {
	Hash                 Hash
	Number               Number
	InsertedAt           time.Time
	HasRuntimeAdvertised bool
}

// QueryType enumerates the storage query kinds (§4.E).
type QueryType int

const (
	QueryValue QueryType = iota
	QueryHash
	QueryDescendantsValues
	QueryDescendantsHashes
	QueryClosestDescendantMerkleValue
)

func (t QueryType) String() string {
	switch t {
	case QueryValue:
		return "value"
	case QueryHash:
		return "hash"
	case QueryDescendantsValues:
		return "descendantsValues"
	case QueryDescendantsHashes:
		return "descendantsHashes"
	case QueryClosestDescendantMerkleValue:
		return "closestDescendantMerkleValue"
	default:
		return "unknown"
	}
}

// StorageQuery is one item of a chainHead_unstable_storage call.
type StorageQuery struct {
	Key  []byte
	Type QueryType
}

// StorageResultKind tags a single item produced by the Storage Traversal
// Engine for a given query.
type StorageResultKind int

const (
	StorageResultValue StorageResultKind = iota
	StorageResultHash
	StorageResultMerkleValue
)

// StorageItem is one entry of an OperationStorageItems batch.
type StorageItem struct {
	Key   []byte
	Kind  StorageResultKind
	Value []byte // hex-encoded by the Event Encoder, raw bytes here
}

// OperationKind distinguishes the three asynchronous operation families
// (§3 Operation).
type OperationKind int

const (
	OperationBody OperationKind = iota
	OperationCall
	OperationStorage
)

// OperationState is the lifecycle state of an Operation (§3).
type OperationState int

const (
	OperationRunning OperationState = iota
	OperationAwaitContinue
	OperationCancelled
	OperationDone
)

// FollowEventKind tags the FollowEvent union (§3).
type FollowEventKind int

const (
	EventInitialized FollowEventKind = iota
	EventNewBlock
	EventBestBlockChanged
	EventFinalized
	EventStop
	EventOperationBodyDone
	EventOperationCallDone
	EventOperationStorageItems
	EventOperationStorageDone
	EventOperationWaitingForContinue
	EventOperationError
)

// FollowEvent is the tagged union streamed to a chainHead_unstable_follow
// subscriber (§3). Only the fields relevant to Kind are populated; this
// mirrors the teacher's preference for a single wire struct over Go's
// interface-based sum types, since the encoder (encode.go) needs one type
// whose JSON shape depends on a discriminant field.
type FollowEvent struct {
	Kind FollowEventKind

	// Initialized
	FinalizedHash    Hash
	FinalizedRuntime *RuntimeVersion
	WithRuntime      bool

	// NewBlock
	Hash       Hash
	ParentHash Hash
	NewRuntime *RuntimeVersion

	// BestBlockChanged reuses Hash above.

	// Finalized
	FinalizedHashes []Hash
	PrunedHashes    []Hash

	// Operation-scoped events
	OperationID    string
	BodyValue      [][]byte
	CallOutput     []byte
	StorageItems   []StorageItem
	OperationError string
}

// MethodResponse is the immediate (synchronous) return value of an
// operation-creating RPC call (§6).
type MethodResponse struct {
	Started        bool
	OperationID    string
	DiscardedItems *uint32
	LimitReached   bool
}

// StartedResponse builds a MethodResponse{"started", ...}.
func StartedResponse(opID string, discarded *uint32) MethodResponse {
	return MethodResponse{Started: true, OperationID: opID, DiscardedItems: discarded}
}

// LimitReachedResponse builds a MethodResponse{"limitReached"}.
func LimitReachedResponse() MethodResponse {
	return MethodResponse{LimitReached: true}
}
