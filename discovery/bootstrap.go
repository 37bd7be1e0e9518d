package discovery

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/zhujun1980/peerdisc/peerid"
	"github.com/zhujun1980/peerdisc/routingtree"
	"github.com/zhujun1980/peerdisc/wire"
)

// Bootstrap joins the network from initial. It is idempotent with
// respect to concurrent callers: exactly one caller drives the protocol
// at a time (bootstrapState.acquire), and it returns true iff the
// instance ends in state Done.
//
// The protocol sends a plain ping and, if a public port is set, an
// announced-port self-reachability ping concurrently; once the plain ping
// succeeds it runs a self-lookup and then a far-half lookup.
func (d *Discovery) Bootstrap(ctx context.Context, initial routingtree.Peer) (bool, error) {
	owner, alreadyDone := d.state.acquire()
	if !owner {
		return alreadyDone, nil
	}

	snapshot := d.publicPortSnapshot()
	succeeded := false
	defer func() {
		if !succeeded {
			d.setPublicPort(snapshot)
			d.state.reset()
		}
	}()

	plainResult := make(chan bool, 1)
	go d.plainPing(ctx, initial, plainResult)

	var announcedWG sync.WaitGroup
	if snapshot != nil {
		announcedWG.Add(1)
		go d.announcedPing(ctx, initial, *snapshot, &announcedWG)
		// This probe is not cancelled when the plain ping below succeeds
		// first; it simply finishes or times out on its own.
	}

	select {
	case ok := <-plainResult:
		if !ok {
			return false, nil
		}
	case <-ctx.Done():
		return false, ctx.Err()
	}

	succeeded = true
	d.state.markDone()
	return true, nil
}

func (d *Discovery) plainPing(ctx context.Context, initial routingtree.Peer, done chan<- bool) {
	id, _, err := d.transport.SendRequestSync(ctx, wire.NewPing(nil), initial)
	if err != nil {
		d.log.WithFields(logrus.Fields{"peer": initial.String(), "err": err}).Warn("discovery: bootstrap ping to initial peer failed")
		done <- false
		return
	}

	d.table.UnsafeInsertPeer(routingtree.Node{ID: id, Peer: initial})

	if _, err := d.PeerLookup(ctx, d.self); err != nil {
		d.log.WithFields(logrus.Fields{"err": err}).Warn("discovery: bootstrap self-lookup failed")
	}

	far := peerid.RandomWithBit(0, !d.self.Bit(0))
	if _, err := d.PeerLookup(ctx, far); err != nil {
		d.log.WithFields(logrus.Fields{"err": err}).Warn("discovery: bootstrap far-half lookup failed")
	}

	done <- true
}

func (d *Discovery) announcedPing(ctx context.Context, initial routingtree.Peer, port uint16, wg *sync.WaitGroup) {
	defer wg.Done()
	_, _, err := d.transport.SendRequestSync(ctx, wire.NewPing(&port), initial)
	if err != nil {
		d.log.WithFields(logrus.Fields{"port": port, "err": err}).Warn("discovery: self-reachability probe failed, clearing public port")
		d.clearPublicPort()
	}
}
