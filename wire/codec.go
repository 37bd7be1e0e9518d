package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// canonicalMode produces deterministic CBOR encodings, required both for
// wire interoperability and for the signature payload in sign.go (two
// signers must produce byte-identical encodings of the same value).
var canonicalMode = func() cbor.EncMode {
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: building canonical CBOR encoder: %v", err))
	}
	return mode
}()

// EncodeRequest canonically CBOR-encodes a Request for transmission.
func EncodeRequest(req Request) ([]byte, error) {
	return canonicalMode.Marshal(req)
}

// DecodeRequest decodes a CBOR-encoded Request. Malformed input is the
// transport's problem to drop silently at the socket boundary; this just
// reports the error up to that boundary.
func DecodeRequest(data []byte) (Request, error) {
	var req Request
	if err := cbor.Unmarshal(data, &req); err != nil {
		return Request{}, fmt.Errorf("wire: decode request: %w", err)
	}
	return req, nil
}

// EncodeResponse canonically CBOR-encodes a signed Response.
func EncodeResponse(resp Response) ([]byte, error) {
	return canonicalMode.Marshal(resp)
}

// DecodeResponse decodes a CBOR-encoded Response.
func DecodeResponse(data []byte) (Response, error) {
	var resp Response
	if err := cbor.Unmarshal(data, &resp); err != nil {
		return Response{}, fmt.Errorf("wire: decode response: %w", err)
	}
	return resp, nil
}

// EncodePacket frames a request for transmission under the rpcID the
// responder must echo in its signed reply.
func EncodePacket(rpcID RPCID, req Request) ([]byte, error) {
	return canonicalMode.Marshal(Packet{IsResponse: false, RPCID: rpcID, Request: &req})
}

// EncodeResponsePacket frames a signed response for transmission.
func EncodeResponsePacket(resp Response) ([]byte, error) {
	return canonicalMode.Marshal(Packet{IsResponse: true, Response: &resp})
}

// DecodePacket decodes a datagram's outer envelope.
func DecodePacket(data []byte) (Packet, error) {
	var pkt Packet
	if err := cbor.Unmarshal(data, &pkt); err != nil {
		return Packet{}, fmt.Errorf("wire: decode packet: %w", err)
	}
	if pkt.IsResponse && pkt.Response == nil || !pkt.IsResponse && pkt.Request == nil {
		return Packet{}, fmt.Errorf("wire: decode packet: inconsistent envelope")
	}
	return pkt, nil
}
