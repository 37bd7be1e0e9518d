package routingtree

import (
	"fmt"
	"net"

	"github.com/zhujun1980/peerdisc/peerid"
)

// Peer is a reachable UDP endpoint.
type Peer struct {
	IP   net.IP
	Port int
}

func (p Peer) String() string {
	return fmt.Sprintf("%s:%d", p.IP.String(), p.Port)
}

// Equal reports whether two peers name the same endpoint.
func (p Peer) Equal(o Peer) bool {
	return p.IP.Equal(o.IP) && p.Port == o.Port
}

// Node identifies a remote participant: a PeerId paired with its current
// network address. Two nodes are equal iff their PeerIds are equal; the
// Peer half may be updated in place when the node's address changes.
type Node struct {
	ID   peerid.ID
	Peer Peer
}

func (n Node) String() string {
	return fmt.Sprintf("%s@%s", n.ID, n.Peer)
}

// NodeInfo is a Node plus the consecutive-timeout counter the routing
// table maintains for liveness tracking.
type NodeInfo struct {
	Node    Node
	Timeout int
}
