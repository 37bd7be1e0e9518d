// Package routingtree implements the binary trie of K-buckets backing a
// Kademlia routing table: insertion with home-branch-aware splitting,
// a per-bucket replacement cache, and distance-ordered lookup.
package routingtree

import (
	"sort"
	"sync"

	"github.com/zhujun1980/peerdisc/peerid"
)

// DefaultK and DefaultB are the routing table's configuration defaults.
const (
	DefaultK = 10
	DefaultB = 5
)

// Config bounds bucket size (K) and the maximum split depth of branches
// that are not on the owner's home branch (B).
type Config struct {
	K int
	B int
}

func (c Config) withDefaults() Config {
	if c.K <= 0 {
		c.K = DefaultK
	}
	if c.B < 0 {
		c.B = DefaultB
	}
	return c
}

// treeNode is either a leaf (no children; its bucket may be empty) or an internal
// split node (no bucket, both children set). We use an explicit struct
// with nilable children rather than a boxed sum interface because every
// routing-table operation needs to mutate a bucket or cache entry in
// place (timeout counters, cache FIFO eviction), which favors a directly
// mutable struct over an immutable boxed-sum representation.
type treeNode struct {
	left, right *treeNode
	bucket      []NodeInfo
	cache       []Node
}

func (n *treeNode) isLeaf() bool {
	return n.left == nil && n.right == nil
}

// Tree is a routing table's trie, owned by a single PeerId and guarded by
// one exclusive lock; all operations are brief (bounded by B and K), so a
// single mutex over the whole structure is acceptable.
type Tree struct {
	mu    sync.Mutex
	owner peerid.ID
	cfg   Config
	root  *treeNode
}

// New creates a routing table for owner with an empty root bucket.
func New(owner peerid.ID, cfg Config) *Tree {
	return &Tree{owner: owner, cfg: cfg.withDefaults(), root: &treeNode{}}
}

// Owner returns the table's owning PeerId.
func (t *Tree) Owner() peerid.ID {
	return t.owner
}

// InsertResult is insertPeer's Either outcome: Right(table') on success,
// Left(oldNode) when the leaf is full and not eligible to split further.
// Conflict is a third, refused outcome: n's id is already present but at
// a different address, and an unverified caller may not rewrite a stored
// address in place — the current occupant is returned so the caller can
// run its liveness resolution first.
type InsertResult struct {
	Inserted bool
	Evicted  *NodeInfo
	Conflict *NodeInfo
}

// InsertPeer attempts to insert n: append if there's room; split and
// retry while on the home branch or above depth B; otherwise reject,
// returning the least-recently-refreshed bucket entry as an eviction
// candidate. An id already present at the same address is refreshed; at
// a different address the insertion is refused with Conflict set.
func (t *Tree) InsertPeer(n Node) InsertResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.insertLocked(n)
}

// UnsafeInsertPeer inserts n unconditionally: a Conflict rewrites the
// stored address in place, and where InsertPeer would surface an
// eviction candidate, this discards it — the front (least recently
// refreshed) entry of the full bucket is dropped and n takes the freed
// slot. Only for callers who have already authenticated n, e.g. by
// verifying the signed response to their own RPC against n's id.
func (t *Tree) UnsafeInsertPeer(n Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	res := t.insertLocked(n)
	if res.Inserted {
		return
	}
	leaf := t.leafFor(n.ID)
	if res.Conflict != nil {
		idx := findIndex(leaf.bucket, n.ID)
		leaf.bucket[idx].Node.Peer = n.Peer
		leaf.bucket[idx].Timeout = 0
		touch(leaf.bucket, idx)
		return
	}
	if res.Evicted == nil {
		return
	}
	copy(leaf.bucket, leaf.bucket[1:])
	leaf.bucket[len(leaf.bucket)-1] = NodeInfo{Node: n}
}

func (t *Tree) insertLocked(n Node) InsertResult {
	cur := t.root
	depth := 0
	isHome := true
	for {
		if !cur.isLeaf() {
			bit := n.ID.Bit(depth)
			isHome = isHome && bit == t.owner.Bit(depth)
			if bit {
				cur = cur.right
			} else {
				cur = cur.left
			}
			depth++
			continue
		}

		if idx := findIndex(cur.bucket, n.ID); idx >= 0 {
			if !cur.bucket[idx].Node.Peer.Equal(n.Peer) {
				existing := cur.bucket[idx]
				return InsertResult{Conflict: &existing}
			}
			cur.bucket[idx].Timeout = 0
			touch(cur.bucket, idx)
			return InsertResult{Inserted: true}
		}
		if len(cur.bucket) < t.cfg.K {
			cur.bucket = append(cur.bucket, NodeInfo{Node: n})
			return InsertResult{Inserted: true}
		}
		if !isHome && depth >= t.cfg.B {
			evicted := cur.bucket[0]
			return InsertResult{Evicted: &evicted}
		}
		t.split(cur, depth)
		// cur is now an internal node; loop re-enters above and descends.
	}
}

// split replaces a full leaf with two children partitioned by the bit at
// depth, redistributing both its bucket and its replacement cache.
func (t *Tree) split(n *treeNode, depth int) {
	left := &treeNode{}
	right := &treeNode{}
	for _, ni := range n.bucket {
		if ni.Node.ID.Bit(depth) {
			right.bucket = append(right.bucket, ni)
		} else {
			left.bucket = append(left.bucket, ni)
		}
	}
	for _, c := range n.cache {
		if c.ID.Bit(depth) {
			right.cache = append(right.cache, c)
		} else {
			left.cache = append(left.cache, c)
		}
	}
	n.bucket = nil
	n.cache = nil
	n.left = left
	n.right = right
}

func findIndex(bucket []NodeInfo, id peerid.ID) int {
	for i := range bucket {
		if peerid.Equal(bucket[i].Node.ID, id) {
			return i
		}
	}
	return -1
}

// touch moves the entry at idx to the back of the bucket, marking it
// most-recently-refreshed; the front of the bucket is always the least
// recently refreshed entry and the eviction candidate when full.
func touch(bucket []NodeInfo, idx int) {
	if idx == len(bucket)-1 {
		return
	}
	ni := bucket[idx]
	copy(bucket[idx:], bucket[idx+1:])
	bucket[len(bucket)-1] = ni
}

func (t *Tree) leafFor(id peerid.ID) *treeNode {
	cur := t.root
	depth := 0
	for !cur.isLeaf() {
		if id.Bit(depth) {
			cur = cur.right
		} else {
			cur = cur.left
		}
		depth++
	}
	return cur
}

func (t *Tree) findLocked(id peerid.ID) *NodeInfo {
	leaf := t.leafFor(id)
	if idx := findIndex(leaf.bucket, id); idx >= 0 {
		return &leaf.bucket[idx]
	}
	return nil
}

// TimeoutPeer increments id's consecutive-timeout counter if it is
// present in the table; no-op otherwise.
func (t *Tree) TimeoutPeer(id peerid.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ni := t.findLocked(id); ni != nil {
		ni.Timeout++
	}
}

// ClearTimeoutPeer resets id's timeout counter to zero if present.
func (t *Tree) ClearTimeoutPeer(id peerid.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ni := t.findLocked(id); ni != nil {
		ni.Timeout = 0
	}
}

// Contains reports whether id currently occupies a bucket slot.
func (t *Tree) Contains(id peerid.ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.findLocked(id) != nil
}

// FindClosest returns up to n nodes with the smallest XOR distance to
// target, drawn from the whole tree, sorted by non-decreasing distance.
// Ties are broken by the stable sort's input order (bucket traversal
// order, i.e. insertion order within a bucket) — deterministic for a
// fixed table state.
func (t *Tree) FindClosest(n int, target peerid.ID) []Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	var all []Node
	collect(t.root, &all)
	sort.SliceStable(all, func(i, j int) bool {
		return peerid.Less(peerid.Distance(target, all[i].ID), peerid.Distance(target, all[j].ID))
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}

func collect(n *treeNode, acc *[]Node) {
	if n.isLeaf() {
		for _, ni := range n.bucket {
			*acc = append(*acc, ni.Node)
		}
		return
	}
	collect(n.left, acc)
	collect(n.right, acc)
}

// Len returns the total number of nodes held across all buckets.
func (t *Tree) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var all []Node
	collect(t.root, &all)
	return len(all)
}

// CacheAdd appends n to the replacement cache of the bucket that would
// hold it, dropping the oldest entry once the cache reaches K entries.
// Used when insertPeer rejects a node because its bucket is full.
func (t *Tree) CacheAdd(n Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	leaf := t.leafFor(n.ID)
	for _, c := range leaf.cache {
		if peerid.Equal(c.ID, n.ID) {
			return
		}
	}
	leaf.cache = append(leaf.cache, n)
	if len(leaf.cache) > t.cfg.K {
		leaf.cache = leaf.cache[1:]
	}
}

// CacheSnapshot returns a copy of the replacement cache for the bucket
// that contains (or would contain) id, in FIFO order.
func (t *Tree) CacheSnapshot(id peerid.ID) []Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	leaf := t.leafFor(id)
	out := make([]Node, len(leaf.cache))
	copy(out, leaf.cache)
	return out
}

// SuspiciousNodes returns a snapshot of every NodeInfo across the tree
// whose timeout counter is greater than zero — the set maintenance
// probes on each sweep.
func (t *Tree) SuspiciousNodes() []NodeInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []NodeInfo
	var walk func(n *treeNode)
	walk = func(n *treeNode) {
		if n.isLeaf() {
			for _, ni := range n.bucket {
				if ni.Timeout > 0 {
					out = append(out, ni)
				}
			}
			return
		}
		walk(n.left)
		walk(n.right)
	}
	walk(t.root)
	return out
}

// EvictAndPromote replaces the bucket slot held by deadID with promote,
// provided promote is present in that bucket's replacement cache; the
// promoted entry is removed from the cache and the rest of the cache is
// kept. Returns false (no mutation) if deadID is absent or promote is
// not a cached candidate for that bucket.
func (t *Tree) EvictAndPromote(deadID peerid.ID, promote Node) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	leaf := t.leafFor(deadID)
	idx := findIndex(leaf.bucket, deadID)
	if idx < 0 {
		return false
	}
	cidx := -1
	for i, c := range leaf.cache {
		if peerid.Equal(c.ID, promote.ID) {
			cidx = i
			break
		}
	}
	if cidx < 0 {
		return false
	}
	leaf.bucket[idx] = NodeInfo{Node: promote}
	leaf.cache = append(leaf.cache[:cidx], leaf.cache[cidx+1:]...)
	return true
}
