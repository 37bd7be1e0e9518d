package wire

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/zhujun1980/peerdisc/peerid"
)

// signingPayload is the canonical encoding of (rpcId, request, response)
// that every response signature covers.
type signingPayload struct {
	RPCID   RPCID   `cbor:"1,keyasint"`
	Request Request `cbor:"2,keyasint"`
	Payload Payload `cbor:"3,keyasint"`
}

func canonicalSigningBytes(rpcID RPCID, req Request, payload Payload) ([]byte, error) {
	b, err := canonicalMode.Marshal(signingPayload{RPCID: rpcID, Request: req, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("wire: canonicalize signing payload: %w", err)
	}
	return b, nil
}

// GenerateKey creates an Ed25519 long-term keypair, the identity a node's
// PeerId is derived from (peerid.FromPublicKey).
func GenerateKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// Sign builds a signed Response for req/payload under priv, the node's
// long-term Ed25519 key.
func Sign(priv ed25519.PrivateKey, rpcID RPCID, req Request, payload Payload) (Response, error) {
	msg, err := canonicalSigningBytes(rpcID, req, payload)
	if err != nil {
		return Response{}, err
	}
	return Response{
		RPCID:     rpcID,
		PublicKey: append([]byte(nil), priv.Public().(ed25519.PublicKey)...),
		Signature: ed25519.Sign(priv, msg),
		Payload:   payload,
	}, nil
}

// Verify checks that resp is a validly signed answer to req: the
// signature verifies under resp's embedded public key over the canonical
// encoding of (rpcId, req, payload). It returns the PeerId derived as
// SHA-224(publicKey) — the responder's self-proven identity — on
// success. Callers that already expect a particular PeerId (e.g. because
// they addressed the request to a known Node) compare the returned id
// themselves; Verify does not take an expected id because the very first
// ping to an unknown bootstrap peer has none to compare against.
func Verify(req Request, resp Response) (peerid.ID, bool) {
	if len(resp.PublicKey) != ed25519.PublicKeySize || len(resp.Signature) != ed25519.SignatureSize {
		return peerid.ID{}, false
	}
	msg, err := canonicalSigningBytes(resp.RPCID, req, resp.Payload)
	if err != nil {
		return peerid.ID{}, false
	}
	if !ed25519.Verify(resp.PublicKey, msg, resp.Signature) {
		return peerid.ID{}, false
	}
	return peerid.FromPublicKey(resp.PublicKey), true
}
