// Package transport is the UDP socket loop, CBOR encode/decode at the
// boundary, RPC correlation with per-request timeout scheduling, and
// Ed25519 response signing/verification. The discovery package consumes
// it only through the SendRequest/SendRequestSync/SendTo contracts.
package transport

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zhujun1980/peerdisc/peerid"
	"github.com/zhujun1980/peerdisc/routingtree"
	"github.com/zhujun1980/peerdisc/wire"
)

// MaxPacketSize bounds a single UDP datagram.
const MaxPacketSize = 2048

// ErrTimeout is returned by SendRequestSync when no verified response
// arrives within the configured timeout.
var ErrTimeout = errors.New("transport: request timed out")

// Handler answers an inbound request from a peer, returning the payload
// to sign and send back. It is the discovery package's request-handler
// entry point; transport only signs and transmits what it returns.
type Handler func(from routingtree.Peer, req wire.Request) wire.Payload

// Transport owns the UDP socket, the node's long-term Ed25519 key, and
// the outstanding-request correlation table.
type Transport struct {
	log     *logrus.Logger
	conn    net.PacketConn
	priv    ed25519.PrivateKey
	pub     ed25519.PublicKey
	self    peerid.ID
	timeout time.Duration

	handler Handler

	mu      sync.Mutex
	pending map[wire.RPCID]*pendingCall

	closeOnce sync.Once
	closed    chan struct{}
}

type pendingCall struct {
	req       wire.Request
	peer      routingtree.Peer
	onTimeout func()
	onSuccess func(from routingtree.Peer, id peerid.ID, payload wire.Payload)
	timer     *time.Timer
}

// New binds a UDP socket and returns a Transport. priv is the node's
// long-term Ed25519 signing key; self must equal
// peerid.FromPublicKey(priv.Public()).
func New(log *logrus.Logger, addr string, priv ed25519.PrivateKey, self peerid.ID, timeout time.Duration) (*Transport, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen: %w", err)
	}
	t := &Transport{
		log:     log,
		conn:    conn,
		priv:    priv,
		pub:     priv.Public().(ed25519.PublicKey),
		self:    self,
		timeout: timeout,
		pending: make(map[wire.RPCID]*pendingCall),
		closed:  make(chan struct{}),
	}
	return t, nil
}

// LocalAddr returns the bound UDP address.
func (t *Transport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// SetHandler installs the inbound-request handler. Must be called before
// Serve.
func (t *Transport) SetHandler(h Handler) {
	t.handler = h
}

// Serve runs the read loop until ctx is done or the socket closes.
func (t *Transport) Serve(ctx context.Context) {
	go func() {
		<-ctx.Done()
		t.Close()
	}()
	buf := make([]byte, MaxPacketSize)
	for {
		n, addr, err := t.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
				t.log.WithFields(logrus.Fields{"err": err}).Error("transport: read failed")
				return
			}
		}
		data := append([]byte(nil), buf[:n]...)
		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		go t.handlePacket(udpAddr, data)
	}
}

// Close shuts the socket down; Serve returns once the socket has closed.
func (t *Transport) Close() {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.conn.Close()
	})
}

func (t *Transport) handlePacket(addr *net.UDPAddr, data []byte) {
	pkt, err := wire.DecodePacket(data)
	if err != nil {
		// Decoding/verification failure on inbound packets is dropped
		// silently at the communication boundary.
		return
	}
	if pkt.IsResponse {
		t.handleResponse(addr, *pkt.Response)
		return
	}
	t.handleRequest(addr, pkt.RPCID, *pkt.Request)
}

func (t *Transport) handleRequest(addr *net.UDPAddr, rpcID wire.RPCID, req wire.Request) {
	if t.handler == nil {
		return
	}
	from := routingtree.Peer{IP: addr.IP, Port: addr.Port}
	payload := t.handler(from, req)

	resp, err := wire.Sign(t.priv, rpcID, req, payload)
	if err != nil {
		t.log.WithFields(logrus.Fields{"err": err}).Error("transport: sign response failed")
		return
	}
	data, err := wire.EncodeResponsePacket(resp)
	if err != nil {
		t.log.WithFields(logrus.Fields{"err": err}).Error("transport: encode response failed")
		return
	}

	dest := addr
	if req.Kind == wire.KindPing && req.Ping != nil && req.Ping.ReturnPort != nil {
		// Self-reachability probe: answer to the announced port, not the
		// transport source port.
		dest = &net.UDPAddr{IP: addr.IP, Port: int(*req.Ping.ReturnPort)}
	}
	if _, err := t.conn.WriteTo(data, dest); err != nil {
		t.log.WithFields(logrus.Fields{"err": err, "dest": dest.String()}).Error("transport: write failed")
	}
}

func (t *Transport) handleResponse(addr *net.UDPAddr, resp wire.Response) {
	t.mu.Lock()
	call, ok := t.pending[resp.RPCID]
	if ok && !addr.IP.Equal(call.peer.IP) {
		// An RpcId-addressed handler only accepts a response from the peer
		// the request went to. The port may legitimately differ (the peer
		// answers from its listen socket), the host may not.
		t.mu.Unlock()
		return
	}
	if ok {
		delete(t.pending, resp.RPCID)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	call.timer.Stop()

	id, verified := wire.Verify(call.req, resp)
	if !verified {
		// Treat a forged/garbled response the same as a timeout: the
		// requester never sees the difference.
		if call.onTimeout != nil {
			call.onTimeout()
		}
		return
	}
	from := routingtree.Peer{IP: addr.IP, Port: addr.Port}
	if call.onSuccess != nil {
		call.onSuccess(from, id, resp.Payload)
	}
}

// SendRequest fires req at peer and returns immediately. onSuccess runs
// once a verified, correctly-signed response arrives; onTimeout runs if
// none arrives within the configured response timeout. Exactly one of
// the two fires, at most once.
func (t *Transport) SendRequest(req wire.Request, peer routingtree.Peer, onTimeout func(), onSuccess func(from routingtree.Peer, id peerid.ID, payload wire.Payload)) error {
	rpcID, err := wire.NewRPCID()
	if err != nil {
		return fmt.Errorf("transport: rpc id: %w", err)
	}
	data, err := wire.EncodePacket(rpcID, req)
	if err != nil {
		return fmt.Errorf("transport: encode request: %w", err)
	}

	call := &pendingCall{req: req, peer: peer, onTimeout: onTimeout, onSuccess: onSuccess}
	t.mu.Lock()
	call.timer = time.AfterFunc(t.timeout, func() {
		t.mu.Lock()
		_, stillPending := t.pending[rpcID]
		delete(t.pending, rpcID)
		t.mu.Unlock()
		if stillPending && onTimeout != nil {
			onTimeout()
		}
	})
	t.pending[rpcID] = call
	t.mu.Unlock()

	dest := &net.UDPAddr{IP: peer.IP, Port: peer.Port}
	if _, err := t.conn.WriteTo(data, dest); err != nil {
		t.mu.Lock()
		delete(t.pending, rpcID)
		t.mu.Unlock()
		call.timer.Stop()
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

// SendRequestSync blocks until req completes against peer, returning the
// verified payload and the responder's PeerId, or an error on timeout.
func (t *Transport) SendRequestSync(ctx context.Context, req wire.Request, peer routingtree.Peer) (peerid.ID, wire.Payload, error) {
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
			return peerid.ID{}, wire.Payload{}, fmt.Errorf("transport: %w", ErrTimeout)
		}
		return out.id, out.payload, nil
	case <-ctx.Done():
		return peerid.ID{}, wire.Payload{}, ctx.Err()
	}
}

// SendTo fire-and-forget emits raw bytes to peer, for callers that need
// to bypass request/response correlation entirely.
func (t *Transport) SendTo(peer routingtree.Peer, data []byte) error {
	dest := &net.UDPAddr{IP: peer.IP, Port: peer.Port}
	_, err := t.conn.WriteTo(data, dest)
	return err
}
