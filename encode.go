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
	"encoding/json"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// wireRuntimeVersion is the transport shape of a RuntimeVersion; nil when
// with_runtime is false or the version is unavailable.
type wireRuntimeVersion struct {
	SpecName    string `json:"specName"`
	ImplName    string `json:"implName"`
	SpecVersion uint32 `json:"specVersion"`
	ImplVersion uint32 `json:"implVersion"`
}

func encodeRuntime(rv *RuntimeVersion) *wireRuntimeVersion {
	if rv == nil {
		return nil
	}
	return &wireRuntimeVersion{
		SpecName:    rv.SpecName,
		ImplName:    rv.ImplName,
		SpecVersion: rv.SpecVersion,
		ImplVersion: rv.ImplVersion,
	}
}

type wireStorageItem struct {
	Key   string  `json:"key"`
	Value *string `json:"value,omitempty"`
	Hash  *string `json:"hash,omitempty"`
}

func encodeStorageItems(items []StorageItem) []wireStorageItem {
	out := make([]wireStorageItem, len(items))
	for i, it := range items {
		w := wireStorageItem{Key: hexutil.Encode(it.Key)}
		enc := hexutil.Encode(it.Value)
		switch it.Kind {
		case StorageResultHash:
			w.Hash = &enc
		default: // Value and MerkleValue both travel in the "value" field
			w.Value = &enc
		}
		out[i] = w
	}
	return out
}

func encodeHashes(hs []Hash) []string {
	out := make([]string, len(hs))
	for i, h := range hs {
		out[i] = h.Hex()
	}
	return out
}

func encodeBody(values [][]byte) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = hexutil.Encode(v)
	}
	return out
}

// MarshalJSON implements the Event Encoder (§4.H): it formats a FollowEvent
// for transport the way the spec's JSON-RPC wire format names it, matching
// the discriminated "event" field style the substrate chainHead API uses.
func (e FollowEvent) MarshalJSON() ([]byte, error) {
	switch e.Kind {
	case EventInitialized:
		return json.Marshal(struct {
			Event             string              `json:"event"`
			FinalizedHash     string              `json:"finalizedBlockHash"`
			FinalizedRuntime  *wireRuntimeVersion `json:"finalizedBlockRuntime,omitempty"`
		}{"initialized", e.FinalizedHash.Hex(), encodeRuntime(e.FinalizedRuntime)})
	case EventNewBlock:
		return json.Marshal(struct {
			Event      string              `json:"event"`
			BlockHash  string              `json:"blockHash"`
			ParentHash string              `json:"parentBlockHash"`
			NewRuntime *wireRuntimeVersion `json:"newRuntime,omitempty"`
		}{"newBlock", e.Hash.Hex(), e.ParentHash.Hex(), encodeRuntime(e.NewRuntime)})
	case EventBestBlockChanged:
		return json.Marshal(struct {
			Event         string `json:"event"`
			BestBlockHash string `json:"bestBlockHash"`
		}{"bestBlockChanged", e.Hash.Hex()})
	case EventFinalized:
		return json.Marshal(struct {
			Event                string   `json:"event"`
			FinalizedBlockHashes []string `json:"finalizedBlockHashes"`
			PrunedBlockHashes    []string `json:"prunedBlockHashes"`
		}{"finalized", encodeHashes(e.FinalizedHashes), encodeHashes(e.PrunedHashes)})
	case EventStop:
		return json.Marshal(struct {
			Event string `json:"event"`
		}{"stop"})
	case EventOperationBodyDone:
		return json.Marshal(struct {
			Event       string   `json:"event"`
			OperationID string   `json:"operationId"`
			Value       []string `json:"value"`
		}{"operationBodyDone", e.OperationID, encodeBody(e.BodyValue)})
	case EventOperationCallDone:
		return json.Marshal(struct {
			Event       string `json:"event"`
			OperationID string `json:"operationId"`
			Output      string `json:"output"`
		}{"operationCallDone", e.OperationID, hexutil.Encode(e.CallOutput)})
	case EventOperationStorageItems:
		return json.Marshal(struct {
			Event       string            `json:"event"`
			OperationID string            `json:"operationId"`
			Items       []wireStorageItem `json:"items"`
		}{"operationStorageItems", e.OperationID, encodeStorageItems(e.StorageItems)})
	case EventOperationStorageDone:
		return json.Marshal(struct {
			Event       string `json:"event"`
			OperationID string `json:"operationId"`
		}{"operationStorageDone", e.OperationID})
	case EventOperationWaitingForContinue:
		return json.Marshal(struct {
			Event       string `json:"event"`
			OperationID string `json:"operationId"`
		}{"operationWaitingForContinue", e.OperationID})
	case EventOperationError:
		return json.Marshal(struct {
			Event       string `json:"event"`
			OperationID string `json:"operationId"`
			Error       string `json:"error"`
		}{"operationError", e.OperationID, e.OperationError})
	default:
		return json.Marshal(struct {
			Event string `json:"event"`
		}{"unknown"})
	}
}
