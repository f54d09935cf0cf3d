// Package ring implements the consistent hash ring the master places chunks
// with. Each node occupies a fixed number of virtual positions; a chunk's
// preferred holders are the first distinct nodes clockwise from the chunk's
// own position. Placement is deterministic: the same membership yields the
// same order no matter how it was reached.
package ring

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"

	minigfs "github.com/kkyrenc/mini-gfs"
)

type vnode struct {
	hash  uint64
	index int
	node  minigfs.NodeID
}

// Ring is safe for concurrent use.
type Ring struct {
	sync.RWMutex
	virtual int
	vnodes  []vnode // sorted by (hash, index, node)
	members map[minigfs.NodeID]bool
}

func New(virtual int) *Ring {
	if virtual < 1 {
		virtual = 1
	}
	return &Ring{
		virtual: virtual,
		members: make(map[minigfs.NodeID]bool),
	}
}

func position(node minigfs.NodeID, index int) uint64 {
	return xxhash.Sum64String(fmt.Sprintf("%s#%d", node, index))
}

func keyHash(key string) uint64 {
	return xxhash.Sum64String(key)
}

// Add joins a node at its virtual positions. Adding a member twice is a
// no-op and returns false.
func (r *Ring) Add(node minigfs.NodeID) bool {
	r.Lock()
	defer r.Unlock()

	if r.members[node] {
		return false
	}
	r.members[node] = true
	for i := 0; i < r.virtual; i++ {
		r.vnodes = append(r.vnodes, vnode{hash: position(node, i), index: i, node: node})
	}
	sort.Slice(r.vnodes, func(a, b int) bool { return r.less(a, b) })
	return true
}

// Remove takes a node off the ring. Only keys that mapped to the removed
// node move; everything else keeps its holders.
func (r *Ring) Remove(node minigfs.NodeID) bool {
	r.Lock()
	defer r.Unlock()

	if !r.members[node] {
		return false
	}
	delete(r.members, node)
	kept := r.vnodes[:0]
	for _, v := range r.vnodes {
		if v.node != node {
			kept = append(kept, v)
		}
	}
	r.vnodes = kept
	return true
}

// hash collisions between virtual positions are broken by virtual index,
// then node id, so iteration order never depends on insertion order.
func (r *Ring) less(a, b int) bool {
	if r.vnodes[a].hash != r.vnodes[b].hash {
		return r.vnodes[a].hash < r.vnodes[b].hash
	}
	if r.vnodes[a].index != r.vnodes[b].index {
		return r.vnodes[a].index < r.vnodes[b].index
	}
	return r.vnodes[a].node < r.vnodes[b].node
}

func (r *Ring) Contains(node minigfs.NodeID) bool {
	r.RLock()
	defer r.RUnlock()
	return r.members[node]
}

func (r *Ring) Len() int {
	r.RLock()
	defer r.RUnlock()
	return len(r.members)
}

func (r *Ring) Members() []minigfs.NodeID {
	r.RLock()
	defer r.RUnlock()
	out := make([]minigfs.NodeID, 0, len(r.members))
	for n := range r.members {
		out = append(out, n)
	}
	return out
}

// Locate returns the first n distinct nodes clockwise from the key's
// position. Fewer are returned when the ring has fewer members.
func (r *Ring) Locate(key string, n int) []minigfs.NodeID {
	return r.LocateFunc(key, n, nil)
}

// LocateFunc walks clockwise from the key's position collecting distinct
// nodes accepted by the filter. A nil filter accepts every member. The walk
// visits each member once, so it terminates even when fewer than n nodes
// qualify.
func (r *Ring) LocateFunc(key string, n int, accept func(minigfs.NodeID) bool) []minigfs.NodeID {
	r.RLock()
	defer r.RUnlock()

	if n <= 0 || len(r.vnodes) == 0 {
		return nil
	}

	h := keyHash(key)
	start := sort.Search(len(r.vnodes), func(i int) bool { return r.vnodes[i].hash >= h })

	out := make([]minigfs.NodeID, 0, n)
	seen := make(map[minigfs.NodeID]bool, len(r.members))
	for i := 0; i < len(r.vnodes) && len(out) < n; i++ {
		v := r.vnodes[(start+i)%len(r.vnodes)]
		if seen[v.node] {
			continue
		}
		seen[v.node] = true
		if accept == nil || accept(v.node) {
			out = append(out, v.node)
		}
	}
	return out
}

// Rank returns the node's position in the key's full preference order, or
// -1 when the node is not a member. Lower is more preferred; the reconciler
// trims over-replication at the highest rank.
func (r *Ring) Rank(key string, node minigfs.NodeID) int {
	r.RLock()
	member := r.members[node]
	r.RUnlock()
	if !member {
		return -1
	}
	order := r.Locate(key, r.Len())
	for i, n := range order {
		if n == node {
			return i
		}
	}
	return -1
}
