package discovery

import (
	"context"
	"sort"
	"sync"

	"github.com/zhujun1980/peerdisc/peerid"
	"github.com/zhujun1980/peerdisc/routingtree"
	"github.com/zhujun1980/peerdisc/wire"
)

// sharedQueried is the D-worker-shared "no node gets two FindNode RPCs"
// guard: a lock-guarded set with an atomic check-and-mark claim, shared
// by all D disjoint-path workers so their queried sets stay disjoint.
type sharedQueried struct {
	mu  sync.Mutex
	set map[peerid.ID]struct{}
}

func newSharedQueried(exclude peerid.ID) *sharedQueried {
	return &sharedQueried{set: map[peerid.ID]struct{}{exclude: {}}}
}

// claim reports whether id was not yet queried, marking it queried in the
// same step.
func (q *sharedQueried) claim(id peerid.ID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.set[id]; ok {
		return false
	}
	q.set[id] = struct{}{}
	return true
}

// PeerLookup runs the disjoint-path iterative lookup and returns up to K
// nodes believed live and near target.
func (d *Discovery) PeerLookup(ctx context.Context, target peerid.ID) ([]routingtree.Node, error) {
	seeds := d.table.FindClosest(d.cfg.K, target)

	paths := d.cfg.Alpha
	if paths < 1 {
		paths = 1
	}
	buckets := partitionSeeds(seeds, paths)
	queried := newSharedQueried(d.self)

	results := make([][]routingtree.Node, paths)
	var wg sync.WaitGroup
	for i := 0; i < paths; i++ {
		wg.Add(1)
		i, bucket := i, buckets[i]
		go func() {
			defer wg.Done()
			results[i] = d.lookupWorker(ctx, target, bucket, queried)
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return aggregate(target, results, paths, d.cfg.K), nil
}

// partitionSeeds splits seeds into d roughly equal, disjoint buckets by
// round-robin assignment.
func partitionSeeds(seeds []routingtree.Node, d int) [][]routingtree.Node {
	buckets := make([][]routingtree.Node, d)
	for i, n := range seeds {
		buckets[i%d] = append(buckets[i%d], n)
	}
	return buckets
}

// probeResult is one FindNode RPC's outcome, delivered to the worker's
// own reply queue in arrival order.
type probeResult struct {
	queried routingtree.Node
	success bool
	from    routingtree.Peer
	fromID  peerid.ID
	nodes   []routingtree.Node
}

// lookupWorker runs one of the D disjoint-path workers: choose up to
// alpha, send, processResponses, closing round, repeat.
func (d *Discovery) lookupWorker(ctx context.Context, target peerid.ID, seed []routingtree.Node, queried *sharedQueried) []routingtree.Node {
	candidates := make(map[peerid.ID]routingtree.Node, len(seed))
	for _, n := range seed {
		candidates[peerid.Distance(target, n.ID)] = n
	}
	// Worker-local failed set, seeded with the local id so it can never
	// be re-admitted via a merged ReturnNodes list either; failed is
	// worker-local, not shared across the D paths.
	failed := map[peerid.ID]struct{}{d.self: {}}
	replyCh := make(chan probeResult, d.cfg.Alpha*4+4)
	pending := 0

	closest := func() []routingtree.Node {
		out := make([]routingtree.Node, 0, len(candidates))
		for _, n := range candidates {
			out = append(out, n)
		}
		sort.Slice(out, func(i, j int) bool {
			return peerid.Less(peerid.Distance(target, out[i].ID), peerid.Distance(target, out[j].ID))
		})
		return out
	}
	topK := func() []routingtree.Node {
		out := closest()
		if len(out) > d.cfg.K {
			out = out[:d.cfg.K]
		}
		return out
	}
	minDist := func() (peerid.ID, bool) {
		best := closest()
		if len(best) == 0 {
			return peerid.ID{}, false
		}
		return peerid.Distance(target, best[0].ID), true
	}

	// choose picks up to limit not-yet-queried nodes from top-K; limit<=0
	// means unlimited (the closing round of step 3.d).
	choose := func(limit int) []routingtree.Node {
		var chosen []routingtree.Node
		for _, n := range topK() {
			if limit > 0 && len(chosen) >= limit {
				break
			}
			if queried.claim(n.ID) {
				chosen = append(chosen, n)
			}
		}
		return chosen
	}

	send := func(n routingtree.Node) {
		req := wire.NewFindNode(d.self, d.publicPortSnapshot(), target)
		pending++
		qn := n
		err := d.transport.SendRequest(req, n.Peer,
			func() { replyCh <- probeResult{queried: qn, success: false} },
			func(from routingtree.Peer, id peerid.ID, payload wire.Payload) {
				replyCh <- probeResult{queried: qn, success: true, from: from, fromID: id, nodes: payload.Nodes()}
			})
		if err != nil {
			pending--
			failed[qn.ID] = struct{}{}
			d.table.TimeoutPeer(qn.ID)
			delete(candidates, peerid.Distance(target, qn.ID))
		}
	}

	// processResponses drains the reply queue to pending==0: on success,
	// merge candidates and, if progress was made (closest distance
	// improved), immediately fan out another alpha-sized round from
	// inside this same drain.
	processResponses := func() {
		for pending > 0 {
			select {
			case r := <-replyCh:
				pending--
				if r.success {
					d.table.UnsafeInsertPeer(routingtree.Node{ID: r.fromID, Peer: r.from})
					before, hadBefore := minDist()
					for _, nn := range r.nodes {
						if _, bad := failed[nn.ID]; bad {
							continue
						}
						if peerid.Equal(nn.ID, d.self) {
							continue
						}
						candidates[peerid.Distance(target, nn.ID)] = nn
					}
					trimCandidates(candidates, (d.cfg.Alpha+1)*d.cfg.K)
					after, hasAfter := minDist()
					progressed := hasAfter && (!hadBefore || peerid.Less(after, before))
					if progressed {
						for _, n := range choose(d.cfg.Alpha) {
							send(n)
						}
					}
				} else {
					failed[r.queried.ID] = struct{}{}
					d.table.TimeoutPeer(r.queried.ID)
					delete(candidates, peerid.Distance(target, r.queried.ID))
				}
			case <-ctx.Done():
				pending = 0
			}
		}
	}

	for {
		firstRound := choose(d.cfg.Alpha)
		if len(firstRound) == 0 {
			return topK()
		}
		for _, n := range firstRound {
			send(n)
		}
		processResponses()

		closingRound := choose(0)
		if len(closingRound) == 0 {
			return topK()
		}
		for _, n := range closingRound {
			send(n)
		}
		processResponses()
	}
}

// trimCandidates keeps the closest limit entries of candidates by
// distance key, dropping the rest — called with a cap of (alpha+1)*K,
// which allows replacement candidates to survive a timed out closing
// round without growing without bound.
func trimCandidates(candidates map[peerid.ID]routingtree.Node, limit int) {
	if len(candidates) <= limit {
		return
	}
	keys := make([]peerid.ID, 0, len(candidates))
	for k := range candidates {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return peerid.Less(keys[i], keys[j]) })
	for _, k := range keys[limit:] {
		delete(candidates, k)
	}
}

// aggregate implements the majority filter: a node counted in strictly
// more than D/2 of the D paths' result lists survives, ordered by
// distance to target and truncated to K.
func aggregate(target peerid.ID, results [][]routingtree.Node, d, k int) []routingtree.Node {
	counts := make(map[peerid.ID]int)
	nodes := make(map[peerid.ID]routingtree.Node)
	for _, path := range results {
		seen := make(map[peerid.ID]struct{}, len(path))
		for _, n := range path {
			if _, dup := seen[n.ID]; dup {
				continue
			}
			seen[n.ID] = struct{}{}
			counts[n.ID]++
			nodes[n.ID] = n
		}
	}
	// Strict `> d/2` is literal, so a single-path lookup (d==1) admits
	// every node its one path returned.
	threshold := d / 2
	var winners []routingtree.Node
	for id, c := range counts {
		if c > threshold {
			winners = append(winners, nodes[id])
		}
	}
	sort.Slice(winners, func(i, j int) bool {
		return peerid.Less(peerid.Distance(target, winners[i].ID), peerid.Distance(target, winners[j].ID))
	})
	if len(winners) > k {
		winners = winners[:k]
	}
	return winners
}
