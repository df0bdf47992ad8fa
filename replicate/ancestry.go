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

package replicate

import (
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/chainhead-engine/chainhead"
)

// ancestryView is the slice of chainhead.Backend the ancestor-walk helpers
// need, mirroring the teacher's headerchain ancestor lookups (core) reduced
// to the two primitives those walks are built from.
type ancestryView interface {
	ParentOf(h chainhead.Hash) (chainhead.Hash, bool)
	NumberOf(h chainhead.Hash) (chainhead.Number, bool)
}

// pathTo walks parent pointers from descendant back to (but not including)
// ancestor, returning the path in root-to-leaf order: [child-of-ancestor,
// ..., descendant]. It returns ok=false if ancestor is not actually an
// ancestor of descendant (the walk runs off the known chain first).
func pathTo(v ancestryView, ancestor, descendant chainhead.Hash) (path []chainhead.Hash, ok bool) {
	if ancestor == descendant {
		return nil, true
	}
	var rev []chainhead.Hash
	cur := descendant
	for {
		rev = append(rev, cur)
		parent, known := v.ParentOf(cur)
		if !known {
			return nil, false
		}
		if parent == ancestor {
			break
		}
		cur = parent
	}
	// reverse rev into root-to-leaf order
	path = make([]chainhead.Hash, len(rev))
	for i := range rev {
		path[i] = rev[len(rev)-1-i]
	}
	return path, true
}

// isAncestor reports whether ancestor lies on descendant's parent chain
// (or equals it).
func isAncestor(v ancestryView, ancestor, descendant chainhead.Hash) bool {
	if ancestor == descendant {
		return true
	}
	ancestorNum, ok := v.NumberOf(ancestor)
	if !ok {
		return false
	}
	cur := descendant
	for {
		num, ok := v.NumberOf(cur)
		if !ok || num < ancestorNum {
			return false
		}
		if cur == ancestor {
			return true
		}
		parent, known := v.ParentOf(cur)
		if !known {
			return false
		}
		cur = parent
	}
}

// prunedSet computes §4.B step 3. Pruning is leaf-driven, not per-block: a
// fork is only pruned once its *tip* has fallen behind the new finalized
// block (leaf number <= number(newFinalized)-1) and that tip is not itself an
// ancestor of newFinalized (i.e. the fork was actually displaced, not just
// the still-live chain that finalized caught up to). A fork whose leaf is
// still at or ahead of that height survives this finalization entirely, even
// if some of its interior blocks individually sit at or below the ceiling —
// it is only pruned, whole, once its own tip drops behind (S4:
// follow_report_multiple_pruned_block). Once a leaf qualifies, every
// currently pinned/advertised (candidates) block on its fork-unique path is
// reported, walking parent pointers down to (excluding) the point where the
// fork rejoins newFinalized's own ancestry.
func prunedSet(v ancestryView, candidates []chainhead.Hash, leaves []chainhead.Hash, newFinalized chainhead.Hash, newFinalizedNumber chainhead.Number) []chainhead.Hash {
	if newFinalizedNumber == 0 {
		return nil
	}
	ceiling := newFinalizedNumber - 1
	candidateSet := mapset.NewThreadUnsafeSet[chainhead.Hash](candidates...)
	result := mapset.NewThreadUnsafeSet[chainhead.Hash]()
	for _, leaf := range leaves {
		leafNum, ok := v.NumberOf(leaf)
		if !ok || leafNum > ceiling {
			continue
		}
		if isAncestor(v, leaf, newFinalized) {
			continue
		}
		for cur := leaf; ; {
			if isAncestor(v, cur, newFinalized) {
				break
			}
			if candidateSet.Contains(cur) {
				result.Add(cur)
			}
			parent, known := v.ParentOf(cur)
			if !known {
				break
			}
			cur = parent
		}
	}
	return result.ToSlice()
}
