package routingtree

import (
	"net"
	"testing"

	"github.com/zhujun1980/peerdisc/peerid"
)

func testNode(id peerid.ID, port int) Node {
	return Node{ID: id, Peer: Peer{IP: net.ParseIP("127.0.0.1"), Port: port}}
}

func TestInsertAndFindClosest(t *testing.T) {
	owner := peerid.Random()
	tr := New(owner, Config{K: 4, B: 5})

	n := testNode(peerid.Random(), 1)
	res := tr.InsertPeer(n)
	if !res.Inserted {
		t.Fatalf("expected insertion to succeed")
	}

	closest := tr.FindClosest(4, n.ID)
	found := false
	for _, c := range closest {
		if peerid.Equal(c.ID, n.ID) {
			found = true
		}
	}
	if !found {
		t.Error("findClosest should contain the just-inserted node")
	}
}

func TestFindClosestNonDecreasingDistance(t *testing.T) {
	owner := peerid.Random()
	tr := New(owner, Config{K: 10, B: 5})
	target := peerid.Random()
	for i := 0; i < 20; i++ {
		tr.InsertPeer(testNode(peerid.Random(), i+1))
	}
	closest := tr.FindClosest(10, target)
	for i := 1; i < len(closest); i++ {
		prev := peerid.Distance(target, closest[i-1].ID)
		cur := peerid.Distance(target, closest[i].ID)
		if peerid.Less(cur, prev) {
			t.Errorf("distances not non-decreasing at index %d", i)
		}
	}
}

func TestOneBucketPerID(t *testing.T) {
	owner := peerid.Random()
	tr := New(owner, Config{K: 2, B: 5})
	for i := 0; i < 50; i++ {
		tr.InsertPeer(testNode(peerid.Random(), i+1))
	}
	seen := map[peerid.ID]int{}
	var walk func(n *treeNode)
	walk = func(n *treeNode) {
		if n.isLeaf() {
			for _, ni := range n.bucket {
				seen[ni.Node.ID]++
			}
			return
		}
		walk(n.left)
		walk(n.right)
	}
	walk(tr.root)
	for id, count := range seen {
		if count != 1 {
			t.Errorf("id %s appeared in %d buckets, want 1", id, count)
		}
	}
}

func TestFullNonHomeBucketRejects(t *testing.T) {
	owner := peerid.ID{} // all-zero owner
	tr := New(owner, Config{K: 2, B: 0})

	// Force every inserted id into the "1" half (opposite of the owner's
	// all-zero id at bit 0). The root bucket is on the home branch and
	// splits once; the "1" bucket it splits into is not, and B=0 means it
	// can never split.
	var last InsertResult
	for i := 0; i < 5; i++ {
		id := peerid.RandomWithBit(0, true)
		last = tr.InsertPeer(testNode(id, i+1))
	}
	if last.Inserted {
		t.Fatalf("expected the bucket to reject once full under B=0")
	}
	if last.Evicted == nil {
		t.Fatalf("expected an eviction candidate on rejection")
	}
}

func TestInsertRefusesAddressChangeAsConflict(t *testing.T) {
	owner := peerid.Random()
	tr := New(owner, Config{K: 4, B: 5})

	n := testNode(peerid.Random(), 1)
	tr.InsertPeer(n)

	moved := testNode(n.ID, 2)
	res := tr.InsertPeer(moved)
	if res.Inserted {
		t.Fatal("an address change must not be committed by the plain insert")
	}
	if res.Conflict == nil || !peerid.Equal(res.Conflict.Node.ID, n.ID) {
		t.Fatal("expected the current occupant back as the conflict")
	}
	if got := tr.FindClosest(1, n.ID); got[0].Peer.Port != 1 {
		t.Error("stored address must be unchanged after a refused insert")
	}

	tr.UnsafeInsertPeer(moved)
	if got := tr.FindClosest(1, n.ID); got[0].Peer.Port != 2 {
		t.Error("the verified path should rewrite the stored address in place")
	}
}

func TestUnsafeInsertDisplacesFrontOfFullBucket(t *testing.T) {
	owner := peerid.ID{} // all-zero owner
	tr := New(owner, Config{K: 2, B: 0})

	// Fill the non-home half's bucket, which can never split under B=0.
	first := testNode(peerid.RandomWithBit(0, true), 1)
	second := testNode(peerid.RandomWithBit(0, true), 2)
	tr.InsertPeer(first)
	tr.InsertPeer(second)

	forced := testNode(peerid.RandomWithBit(0, true), 3)
	if tr.InsertPeer(forced).Inserted {
		t.Fatal("plain insert into the full bucket should have been rejected")
	}

	tr.UnsafeInsertPeer(forced)
	if !tr.Contains(forced.ID) {
		t.Error("unsafe insert should have taken a slot in the full bucket")
	}
	if tr.Contains(first.ID) {
		t.Error("the least recently refreshed entry should have been dropped")
	}
	if !tr.Contains(second.ID) {
		t.Error("the rest of the bucket should be untouched")
	}
}

func TestTimeoutAndClear(t *testing.T) {
	owner := peerid.Random()
	tr := New(owner, Config{K: 10, B: 5})
	n := testNode(peerid.Random(), 1)
	tr.InsertPeer(n)

	tr.TimeoutPeer(n.ID)
	tr.TimeoutPeer(n.ID)
	closest := tr.FindClosest(1, n.ID)
	if closest[0].ID != n.ID {
		t.Fatalf("expected to find inserted node")
	}

	tr.ClearTimeoutPeer(n.ID)
	// Absence of a panic and idempotence on an unknown id is the contract;
	// the counter itself is exercised through SuspiciousNodes in the
	// discovery package's maintenance tests.
	tr.TimeoutPeer(peerid.Random())
}

func TestCacheAddBoundedAndEvictAndPromote(t *testing.T) {
	owner := peerid.Random()
	tr := New(owner, Config{K: 1, B: 0})

	dead := testNode(peerid.RandomWithBit(0, !owner.Bit(0)), 1)
	tr.InsertPeer(dead)

	var promote Node
	for i := 0; i < 3; i++ {
		c := testNode(peerid.ID(dead.ID), i+2)
		c.ID = peerid.RandomWithBit(0, dead.ID.Bit(0))
		tr.CacheAdd(c)
		promote = c
	}

	cache := tr.CacheSnapshot(dead.ID)
	if len(cache) > tr.cfg.K {
		t.Fatalf("cache should be bounded to K entries, got %d", len(cache))
	}

	if !tr.EvictAndPromote(dead.ID, promote) {
		t.Fatalf("expected promotion of a cached entry to succeed")
	}
	if tr.Contains(dead.ID) {
		t.Error("dead node should no longer be the one occupying the slot by identity")
	}
	if !tr.Contains(promote.ID) {
		t.Error("promoted node should now occupy the bucket slot")
	}
}

func TestMaintenanceLeavesMembershipOnTotalFailure(t *testing.T) {
	owner := peerid.Random()
	tr := New(owner, Config{K: 10, B: 5})
	n := testNode(peerid.Random(), 1)
	tr.InsertPeer(n)
	tr.TimeoutPeer(n.ID)
	tr.TimeoutPeer(n.ID)
	tr.TimeoutPeer(n.ID)

	before := tr.Len()
	// No cache entries exist, so EvictAndPromote must always fail and
	// membership must be unaffected — this is maintenance's total
	// network outage guarantee, exercised here at the routing-table
	// layer that implements it.
	if tr.EvictAndPromote(n.ID, testNode(peerid.Random(), 2)) {
		t.Fatal("promote should fail with an empty cache")
	}
	if tr.Len() != before {
		t.Error("bucket membership should be unchanged")
	}
	if !tr.Contains(n.ID) {
		t.Error("node should still be present")
	}
}
