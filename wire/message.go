// Package wire defines the CBOR-encoded request/response envelope for
// peer discovery RPCs: Ping and FindNode requests, signed
// Pong/ReturnNodes responses, and the 3-tuple Node encoding.
package wire

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"

	"github.com/zhujun1980/peerdisc/peerid"
	"github.com/zhujun1980/peerdisc/routingtree"
)

// RPCID is the 160-bit transaction identifier correlating a request with
// its response.
type RPCID [20]byte

func (id RPCID) String() string {
	return fmt.Sprintf("%x", id[:])
}

// NewRPCID draws a fresh random transaction identifier.
func NewRPCID() (RPCID, error) {
	var id RPCID
	_, err := rand.Read(id[:])
	return id, err
}

// Nonce is the 8-byte random value extended protocol messages carry; the
// core Ping/FindNode operations don't use it.
type Nonce [8]byte

// NewNonce draws a fresh random nonce.
func NewNonce() (Nonce, error) {
	var n Nonce
	_, err := rand.Read(n[:])
	return n, err
}

// RequestKind discriminates the Request sum type.
type RequestKind uint8

const (
	KindPing RequestKind = iota
	KindFindNode
)

// PingRequest carries an optional return port: when set, the responder's
// Pong must be sent to that port instead of the transport source port —
// the self-reachability probe a bootstrapping node uses to check whether
// its announced public port is actually reachable.
type PingRequest struct {
	ReturnPort *uint16 `cbor:"1,keyasint,omitempty"`
}

// FindNodeRequest asks the responder for its K closest nodes to Target,
// announcing the sender's PeerId and, if it has one, its public port.
type FindNodeRequest struct {
	PeerID     peerid.ID `cbor:"1,keyasint"`
	PublicPort *uint16   `cbor:"2,keyasint,omitempty"`
	Target     peerid.ID `cbor:"3,keyasint"`
}

// Request is the tagged union of the two RPC kinds: Ping and FindNode.
type Request struct {
	Kind     RequestKind      `cbor:"1,keyasint"`
	Ping     *PingRequest     `cbor:"2,keyasint,omitempty"`
	FindNode *FindNodeRequest `cbor:"3,keyasint,omitempty"`
}

// NewPing builds a Ping request, optionally announcing a return port.
func NewPing(returnPort *uint16) Request {
	return Request{Kind: KindPing, Ping: &PingRequest{ReturnPort: returnPort}}
}

// NewFindNode builds a FindNode request.
func NewFindNode(self peerid.ID, publicPort *uint16, target peerid.ID) Request {
	return Request{Kind: KindFindNode, FindNode: &FindNodeRequest{
		PeerID:     self,
		PublicPort: publicPort,
		Target:     target,
	}}
}

// WireNode is a Node encoded as a 3-tuple: PeerId, big-endian IPv4
// address, port.
type WireNode struct {
	_      struct{} `cbor:",toarray"`
	PeerID peerid.ID
	Addr   uint32
	Port   uint16
}

// EncodeNode converts a routing-table Node to its wire form.
func EncodeNode(n routingtree.Node) WireNode {
	ip4 := n.Peer.IP.To4()
	var addr uint32
	if ip4 != nil {
		addr = binary.BigEndian.Uint32(ip4)
	}
	return WireNode{PeerID: n.ID, Addr: addr, Port: uint16(n.Peer.Port)}
}

// DecodeNode converts a wire Node back into routing-table form.
func DecodeNode(w WireNode) routingtree.Node {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, w.Addr)
	return routingtree.Node{
		ID:   w.PeerID,
		Peer: routingtree.Peer{IP: ip, Port: int(w.Port)},
	}
}

func encodeNodes(nodes []routingtree.Node) []WireNode {
	out := make([]WireNode, len(nodes))
	for i, n := range nodes {
		out[i] = EncodeNode(n)
	}
	return out
}

func decodeNodes(wn []WireNode) []routingtree.Node {
	out := make([]routingtree.Node, len(wn))
	for i, w := range wn {
		out[i] = DecodeNode(w)
	}
	return out
}

// PayloadKind discriminates the Response payload sum type.
type PayloadKind uint8

const (
	PayloadPong PayloadKind = iota
	PayloadReturnNodes
)

// Payload is the tagged union of the two response bodies: Pong and
// ReturnNodes.
type Payload struct {
	Kind        PayloadKind `cbor:"1,keyasint"`
	ReturnNodes []WireNode  `cbor:"2,keyasint,omitempty"`
}

// Pong builds a bare Pong payload.
func Pong() Payload {
	return Payload{Kind: PayloadPong}
}

// ReturnNodes builds a ReturnNodes payload from routing-table Nodes.
func ReturnNodes(nodes []routingtree.Node) Payload {
	return Payload{Kind: PayloadReturnNodes, ReturnNodes: encodeNodes(nodes)}
}

// Nodes extracts the decoded Node list from a ReturnNodes payload; it
// returns nil for a Pong payload.
func (p Payload) Nodes() []routingtree.Node {
	if p.Kind != PayloadReturnNodes {
		return nil
	}
	return decodeNodes(p.ReturnNodes)
}

// Response carries the RPC id it answers, the responder's signing
// public key, a signature over (rpcID, request, payload), and the
// payload itself.
type Response struct {
	RPCID     RPCID   `cbor:"1,keyasint"`
	PublicKey []byte  `cbor:"2,keyasint"`
	Signature []byte  `cbor:"3,keyasint"`
	Payload   Payload `cbor:"4,keyasint"`
}

// Packet is the outer envelope every UDP datagram carries: exactly one
// of Request or Response is set. Framing requests and responses inside
// one discriminated envelope, rather than having the transport guess
// which one a datagram holds by trial decoding, keeps the boundary
// between "decode" and "dispatch" exact. A request packet carries the
// sender's RPCID; the responder echoes it inside the signed Response so
// the sender can correlate the reply (a Response packet leaves the outer
// field zero and carries the id in Response.RPCID instead).
type Packet struct {
	IsResponse bool      `cbor:"1,keyasint"`
	RPCID      RPCID     `cbor:"2,keyasint"`
	Request    *Request  `cbor:"3,keyasint,omitempty"`
	Response   *Response `cbor:"4,keyasint,omitempty"`
}
