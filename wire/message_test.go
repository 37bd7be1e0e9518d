package wire

import (
	"net"
	"testing"

	"github.com/zhujun1980/peerdisc/peerid"
	"github.com/zhujun1980/peerdisc/routingtree"
)

func TestRequestRoundtrip(t *testing.T) {
	port := uint16(4000)
	req := NewFindNode(peerid.Random(), &port, peerid.Random())
	data, err := EncodeRequest(req)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeRequest(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Kind != KindFindNode || got.FindNode == nil {
		t.Fatalf("roundtrip lost the FindNode payload")
	}
	if got.FindNode.PeerID != req.FindNode.PeerID {
		t.Errorf("peer id mismatch after roundtrip")
	}
	if *got.FindNode.PublicPort != port {
		t.Errorf("public port mismatch after roundtrip")
	}
}

func TestNodeEncodeDecodeRoundtrip(t *testing.T) {
	n := routingtree.Node{
		ID:   peerid.Random(),
		Peer: routingtree.Peer{IP: net.ParseIP("203.0.113.7").To4(), Port: 6881},
	}
	w := EncodeNode(n)
	back := DecodeNode(w)
	if back.ID != n.ID {
		t.Error("id mismatch")
	}
	if !back.Peer.IP.Equal(n.Peer.IP) || back.Peer.Port != n.Peer.Port {
		t.Error("peer mismatch")
	}
}

func TestSignAndVerify(t *testing.T) {
	pub, priv, err := GenerateKey()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	self := peerid.FromPublicKey(pub)
	req := NewPing(nil)
	var rpcID RPCID
	resp, err := Sign(priv, rpcID, req, Pong())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	id, ok := Verify(req, resp)
	if !ok {
		t.Fatal("expected signature to verify")
	}
	if id != self {
		t.Error("derived id should match the signer's PeerId")
	}
}

func TestVerifyRejectsWrongRequest(t *testing.T) {
	_, priv, err := GenerateKey()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	var rpcID RPCID
	resp, err := Sign(priv, rpcID, NewPing(nil), Pong())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	port := uint16(1)
	tampered := NewFindNode(peerid.Random(), &port, peerid.Random())
	if _, ok := Verify(tampered, resp); ok {
		t.Fatal("signature should not verify against a different request")
	}
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	_, priv, err := GenerateKey()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	req := NewPing(nil)
	var rpcID RPCID
	resp, err := Sign(priv, rpcID, req, Pong())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	resp.Signature[0] ^= 0xFF
	if _, ok := Verify(req, resp); ok {
		t.Fatal("tampered signature should not verify")
	}
}
