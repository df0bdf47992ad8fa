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

// Package chainhead implements a resource-bounded, live view of a blockchain
// node's block tree for untrusted JSON-RPC clients ("chainHead_unstable_*").
//
// It exposes the capability interfaces (Backend, StateReader) that the engine
// consumes from its host node, the wire vocabulary (FollowEvent, Hash,
// Number, StorageQuery, MethodResponse) shared by every subpackage, and the
// process-wide Config. The subsystems themselves live in the sibling
// packages: pin (Pin Registry), replicate (Block-Tree Replicator), subscribe
// (Follow Subscription + Operation Table), storagewalk (Storage Traversal
// Engine), runtimecall (Runtime Caller) and dispatch (Method Dispatcher +
// JSON-RPC surface).
package chainhead
