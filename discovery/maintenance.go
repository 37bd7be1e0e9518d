package discovery

import (
	"context"
	"sync"

	"github.com/zhujun1980/peerdisc/peerid"
	"github.com/zhujun1980/peerdisc/routingtree"
	"github.com/zhujun1980/peerdisc/wire"
)

// RunMaintenance performs one sweep: probe every suspicious node
// (timeout counter > 0) with a FindNode against a random target, and
// evict-via-cache any that crosses maxTimeouts. Invoked periodically by
// an external timer (cmd/peerdiscd).
func (d *Discovery) RunMaintenance(ctx context.Context) {
	suspicious := d.table.SuspiciousNodes()
	var wg sync.WaitGroup
	for _, ni := range suspicious {
		wg.Add(1)
		ni := ni
		go func() {
			defer wg.Done()
			d.probe(ctx, ni)
		}()
	}
	wg.Wait()
}

func (d *Discovery) probe(ctx context.Context, ni routingtree.NodeInfo) {
	// A random targetId, not Ping: a correct node may selectively ignore
	// FindNode yet answer Ping, which would occupy a useless slot if we
	// let Ping alone clear its suspicion.
	req := wire.NewFindNode(d.self, d.publicPortSnapshot(), peerid.Random())
	probeCtx, cancel := context.WithTimeout(ctx, d.cfg.ResponseTimeout)
	id, _, err := d.transport.SendRequestSync(probeCtx, req, ni.Node.Peer)
	cancel()

	if err == nil && peerid.Equal(id, ni.Node.ID) {
		d.table.ClearTimeoutPeer(ni.Node.ID)
		return
	}
	// An answer under a different identity means the node we tracked is
	// gone from that address; count it as a failure.
	if ni.Timeout+1 < d.cfg.MaxTimeouts {
		d.table.TimeoutPeer(ni.Node.ID)
		return
	}
	d.table.TimeoutPeer(ni.Node.ID)
	d.evictViaCache(ctx, ni.Node.ID)
}

// evictViaCache lazily pings cached replacement candidates in FIFO order
// and promotes the first one that answers, preserving the rest of the
// cache. If none answers (full network outage), EvictAndPromote is never
// reached and bucket membership is untouched.
func (d *Discovery) evictViaCache(ctx context.Context, deadID peerid.ID) {
	for _, cand := range d.table.CacheSnapshot(deadID) {
		req := wire.NewFindNode(d.self, d.publicPortSnapshot(), peerid.Random())
		candCtx, cancel := context.WithTimeout(ctx, d.cfg.ResponseTimeout)
		id, _, err := d.transport.SendRequestSync(candCtx, req, cand.Peer)
		cancel()
		if err == nil && peerid.Equal(id, cand.ID) {
			d.table.EvictAndPromote(deadID, cand)
			return
		}
	}
}
