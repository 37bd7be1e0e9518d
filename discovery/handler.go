package discovery

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/zhujun1980/peerdisc/peerid"
	"github.com/zhujun1980/peerdisc/routingtree"
	"github.com/zhujun1980/peerdisc/wire"
)

// Handle dispatches an inbound request to its handler. It is installed
// as the transport.Handler via discovery.New.
func (d *Discovery) Handle(from routingtree.Peer, req wire.Request) wire.Payload {
	switch req.Kind {
	case wire.KindPing:
		return wire.Pong()
	case wire.KindFindNode:
		return d.handleFindNode(from, req.FindNode)
	default:
		return wire.Pong()
	}
}

func (d *Discovery) handleFindNode(from routingtree.Peer, fr *wire.FindNodeRequest) wire.Payload {
	if fr == nil {
		return wire.ReturnNodes(nil)
	}
	d.admit(from, fr)
	return wire.ReturnNodes(d.table.FindClosest(d.cfg.K, fr.Target))
}

// admit applies the anti-poisoning admission rules: requests arriving
// before bootstrap completes never touch the table, same-half peers can
// only have their timeout counter cleared, and different-half peers go
// through insertPeer's split/evict policy. The whole decision runs
// inside state.whenDone, so a re-bootstrap transition back to Needed
// cannot interleave between the phase check and the table mutation.
func (d *Discovery) admit(from routingtree.Peer, fr *wire.FindNodeRequest) {
	d.state.whenDone(func() {
		if fr.PeerID.Bit(0) == d.self.Bit(0) {
			// Same half of the network: inbound traffic cannot influence
			// the home neighborhood, so at most reset its timeout counter.
			d.table.ClearTimeoutPeer(fr.PeerID)
			return
		}

		if fr.PublicPort == nil {
			// Without an announced port there is no address to admit the
			// sender at; a transport source port behind a NAT is not one.
			return
		}
		node := routingtree.Node{ID: fr.PeerID, Peer: routingtree.Peer{IP: from.IP, Port: int(*fr.PublicPort)}}

		res := d.table.InsertPeer(node)
		switch {
		case res.Inserted:
		case res.Conflict != nil:
			// The id is already in the table at another address. An
			// unsolicited claim never rewrites it directly; the stored
			// address gets the same old-then-new liveness resolution as a
			// full-bucket eviction.
			go d.resolveEviction(res.Conflict.Node, node)
		case res.Evicted != nil:
			d.table.CacheAdd(node)
			go d.resolveEviction(res.Evicted.Node, node)
		}
	})
}

// resolveEviction handles a refused insertion: ping the old address
// first; only if it fails to respond as the expected node do we ping the
// candidate, and only if the candidate's signed response proves the id
// it claims do we commit the replacement. This defends against an
// impersonator who can merely forward packets (or park any keypair on a
// UDP endpoint) displacing the genuine node at that slot.
func (d *Discovery) resolveEviction(old, candidate routingtree.Node) {
	oldCtx, cancel := context.WithTimeout(context.Background(), d.cfg.ResponseTimeout)
	oldID, _, err := d.transport.SendRequestSync(oldCtx, wire.NewPing(nil), old.Peer)
	cancel()
	if err == nil && peerid.Equal(oldID, old.ID) {
		return
	}

	candCtx, cancel2 := context.WithTimeout(context.Background(), d.cfg.ResponseTimeout)
	candID, _, err := d.transport.SendRequestSync(candCtx, wire.NewPing(nil), candidate.Peer)
	cancel2()
	if err != nil {
		d.log.WithFields(logrus.Fields{"candidate": candidate.String()}).Debug("discovery: eviction candidate unreachable, keeping old node's slot")
		return
	}
	if !peerid.Equal(candID, candidate.ID) {
		// A valid signature only proves some keypair lives at that
		// address; it must be the keypair the claimed id derives from.
		d.log.WithFields(logrus.Fields{"candidate": candidate.String(), "respondedAs": candID.String()}).Warn("discovery: eviction candidate answered under a different identity, rejecting")
		return
	}
	d.state.whenDone(func() {
		d.table.UnsafeInsertPeer(candidate)
	})
}
