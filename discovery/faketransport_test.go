package discovery

import (
	"context"
	"errors"
	"sync"

	"github.com/zhujun1980/peerdisc/peerid"
	"github.com/zhujun1980/peerdisc/routingtree"
	"github.com/zhujun1980/peerdisc/transport"
	"github.com/zhujun1980/peerdisc/wire"
)

// errFakeTimeout mirrors transport.ErrTimeout for the in-memory network
// below, which exists only so discovery's scenario tests can drive RPCs
// without binding real UDP sockets.
var errFakeTimeout = errors.New("discovery: fake transport timed out")

// fakeNetwork is a registry of fakeTransports addressed by their
// routingtree.Peer.String() key, standing in for the real UDP fabric
// transport.Transport would otherwise use.
type fakeNetwork struct {
	mu    sync.Mutex
	nodes map[string]*fakeTransport
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{nodes: map[string]*fakeTransport{}}
}

func (n *fakeNetwork) register(t *fakeTransport) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodes[t.addr.String()] = t
}

func (n *fakeNetwork) lookup(peer routingtree.Peer) (*fakeTransport, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	t, ok := n.nodes[peer.String()]
	return t, ok
}

// fakeTransport implements transport.Interface against fakeNetwork
// instead of a socket. selfID is the PeerId this node's real signature
// verification would have derived; the fake skips CBOR/Ed25519 entirely
// since that wire-level behavior is covered by wire's own tests.
type fakeTransport struct {
	net             *fakeNetwork
	addr            routingtree.Peer
	selfID          peerid.ID
	handler         transport.Handler
	alive           bool
	blockReturnPort bool
}

func newFakeTransport(net *fakeNetwork, addr routingtree.Peer, selfID peerid.ID) *fakeTransport {
	t := &fakeTransport{net: net, addr: addr, selfID: selfID, alive: true}
	net.register(t)
	return t
}

func (t *fakeTransport) SetHandler(h transport.Handler) {
	t.handler = h
}

func (t *fakeTransport) SendRequest(req wire.Request, peer routingtree.Peer, onTimeout func(), onSuccess func(from routingtree.Peer, id peerid.ID, payload wire.Payload)) error {
	go func() {
		target, ok := t.net.lookup(peer)
		if !ok || !target.alive || target.handler == nil {
			onTimeout()
			return
		}
		if req.Kind == wire.KindPing && req.Ping != nil && req.Ping.ReturnPort != nil && target.blockReturnPort {
			onTimeout()
			return
		}
		payload := target.handler(t.addr, req)
		onSuccess(peer, target.selfID, payload)
	}()
	return nil
}

func (t *fakeTransport) SendRequestSync(ctx context.Context, req wire.Request, peer routingtree.Peer) (peerid.ID, wire.Payload, error) {
	type outcome struct {
		id      peerid.ID
		payload wire.Payload
		ok      bool
	}
	ch := make(chan outcome, 1)
	err := t.SendRequest(req, peer,
		func() { ch <- outcome{} },
		func(_ routingtree.Peer, id peerid.ID, payload wire.Payload) { ch <- outcome{id: id, payload: payload, ok: true} },
	)
	if err != nil {
		return peerid.ID{}, wire.Payload{}, err
	}
	select {
	case out := <-ch:
		if !out.ok {
			return peerid.ID{}, wire.Payload{}, errFakeTimeout
		}
		return out.id, out.payload, nil
	case <-ctx.Done():
		return peerid.ID{}, wire.Payload{}, ctx.Err()
	}
}

func (t *fakeTransport) SendTo(peer routingtree.Peer, data []byte) error {
	return nil
}

var _ transport.Interface = (*fakeTransport)(nil)
