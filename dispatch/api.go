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
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/chainhead-engine/chainhead"
)

// API is the §6 JSON-RPC method table. Register it under the
// "chainHead_unstable" namespace so go-ethereum's rpc.Server exposes, e.g.,
// Follow as chainHead_unstable_follow — the same namespace+method-name
// convention the teacher registers eth/filters's FilterAPI under "eth".
type API struct {
	d *Dispatcher
}

// NewAPI wraps d for RPC registration.
func NewAPI(d *Dispatcher) *API { return &API{d: d} }

// wireMethodResponse is the §6 MethodResponse wire shape.
type wireMethodResponse struct {
	Result         string  `json:"result"`
	OperationID    string  `json:"operationId,omitempty"`
	DiscardedItems *uint32 `json:"discardedItems,omitempty"`
}

func toWire(r chainhead.MethodResponse) wireMethodResponse {
	if r.LimitReached {
		return wireMethodResponse{Result: "limitReached"}
	}
	return wireMethodResponse{Result: "started", OperationID: r.OperationID, DiscardedItems: r.DiscardedItems}
}

// hashList decodes either a single hex hash or a JSON array of them, the
// shape chainHead_unstable_unpin's "hash_or_array" parameter requires.
type hashList []chainhead.Hash

func (hl *hashList) UnmarshalJSON(data []byte) error {
	var many []chainhead.Hash
	if err := json.Unmarshal(data, &many); err == nil {
		*hl = many
		return nil
	}
	var one chainhead.Hash
	if err := json.Unmarshal(data, &one); err != nil {
		return err
	}
	*hl = []chainhead.Hash{one}
	return nil
}

// wireStorageQuery is the wire shape of one chainHead_unstable_storage query.
type wireStorageQuery struct {
	Key  hexutil.Bytes `json:"key"`
	Type string        `json:"type"`
}

func decodeQueryType(s string) (chainhead.QueryType, error) {
	switch s {
	case "value":
		return chainhead.QueryValue, nil
	case "hash":
		return chainhead.QueryHash, nil
	case "descendantsValues":
		return chainhead.QueryDescendantsValues, nil
	case "descendantsHashes":
		return chainhead.QueryDescendantsHashes, nil
	case "closestDescendantMerkleValue":
		return chainhead.QueryClosestDescendantMerkleValue, nil
	default:
		return 0, fmt.Errorf("unknown storage query type %q", s)
	}
}

func decodeQueries(wire []wireStorageQuery) ([]chainhead.StorageQuery, error) {
	out := make([]chainhead.StorageQuery, len(wire))
	for i, w := range wire {
		t, err := decodeQueryType(w.Type)
		if err != nil {
			return nil, err
		}
		out[i] = chainhead.StorageQuery{Key: w.Key, Type: t}
	}
	return out, nil
}

// Follow implements chainHead_unstable_follow: it drives sub.Events() into
// the transport's subscription protocol, the same Notifier/CreateSubscription
// pattern the teacher's eth/filters API uses for newHeads/logs (see
// api.Follow's go func() select loop below against, e.g., SubscribeNewHeads
// in the pack's light-eth filter_system.go).
func (api *API) Follow(ctx context.Context, withRuntime bool) (*rpc.Subscription, error) {
	notifier, supported := rpc.NotifierFromContext(ctx)
	if !supported {
		return &rpc.Subscription{}, rpc.ErrNotificationsUnsupported
	}
	rpcSub := notifier.CreateSubscription()

	sub, err := api.d.FollowWithID(string(rpcSub.ID), withRuntime)
	if err != nil {
		return nil, err
	}

	go func() {
		for {
			select {
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				_ = notifier.Notify(rpcSub.ID, ev)
				if ev.Kind == chainhead.EventStop {
					api.d.Unfollow(string(rpcSub.ID))
					return
				}
			case <-rpcSub.Err():
				api.d.Unfollow(string(rpcSub.ID))
				return
			case <-notifier.Closed():
				api.d.Unfollow(string(rpcSub.ID))
				return
			}
		}
	}()

	return rpcSub, nil
}

// Unpin implements chainHead_unstable_unpin.
func (api *API) Unpin(subID string, hashes hashList) error {
	return api.d.Unpin(subID, hashes)
}

// Header implements chainHead_unstable_header.
func (api *API) Header(subID string, hash chainhead.Hash) (*hexutil.Bytes, error) {
	header, err := api.d.Header(subID, hash)
	if err != nil {
		return nil, err
	}
	if header == nil {
		return nil, nil
	}
	b := hexutil.Bytes(header)
	return &b, nil
}

// Body implements chainHead_unstable_body.
func (api *API) Body(subID string, hash chainhead.Hash) (wireMethodResponse, error) {
	resp, err := api.d.Body(subID, hash)
	if err != nil {
		return wireMethodResponse{}, err
	}
	return toWire(resp), nil
}

// Call implements chainHead_unstable_call.
func (api *API) Call(subID string, hash chainhead.Hash, fn string, hexArgs hexutil.Bytes) (wireMethodResponse, error) {
	resp, err := api.d.Call(subID, hash, fn, hexArgs)
	if err != nil {
		return wireMethodResponse{}, err
	}
	return toWire(resp), nil
}

// Storage implements chainHead_unstable_storage.
func (api *API) Storage(subID string, hash chainhead.Hash, queries []wireStorageQuery, childTrie *hexutil.Bytes) (wireMethodResponse, error) {
	decoded, err := decodeQueries(queries)
	if err != nil {
		return wireMethodResponse{}, chainhead.NewInvalidParamError(err.Error())
	}
	var child []byte
	if childTrie != nil {
		child = *childTrie
	}
	resp, err := api.d.Storage(subID, hash, decoded, child)
	if err != nil {
		return wireMethodResponse{}, err
	}
	return toWire(resp), nil
}

// Continue implements chainHead_unstable_continue.
func (api *API) Continue(subID, opID string) error {
	return api.d.Continue(subID, opID)
}

// StopOperation implements chainHead_unstable_stopOperation.
func (api *API) StopOperation(subID, opID string) error {
	return api.d.StopOperation(subID, opID)
}
