package transport

import (
	"context"

	"github.com/zhujun1980/peerdisc/peerid"
	"github.com/zhujun1980/peerdisc/routingtree"
	"github.com/zhujun1980/peerdisc/wire"
)

// Interface is the RPC contract a real socket-backed Transport satisfies:
// SendRequest, SendRequestSync, SendTo, plus the handler hookup. discovery
// depends on this instead of the concrete *Transport so its scenario
// tests can substitute an in-memory fake instead of binding real UDP
// sockets.
type Interface interface {
	SetHandler(h Handler)
	SendRequest(req wire.Request, peer routingtree.Peer, onTimeout func(), onSuccess func(from routingtree.Peer, id peerid.ID, payload wire.Payload)) error
	SendRequestSync(ctx context.Context, req wire.Request, peer routingtree.Peer) (peerid.ID, wire.Payload, error)
	SendTo(peer routingtree.Peer, data []byte) error
}

var _ Interface = (*Transport)(nil)
