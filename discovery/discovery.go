// Package discovery implements the Kademlia core: bootstrap, disjoint-path
// peer lookup, the FindNode/Ping request handler with its admission
// rules, and periodic routing-table maintenance. It owns a
// routingtree.Tree and is handed a transport.Transport at construction,
// rather than reaching for any process-global state.
package discovery

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/zhujun1980/peerdisc/peerid"
	"github.com/zhujun1980/peerdisc/routingtree"
	"github.com/zhujun1980/peerdisc/transport"
)

// Transport is the subset of *transport.Transport the core consumes:
// SetHandler, SendRequest, SendRequestSync, SendTo. Extracted as an interface so
// scenario tests can substitute an in-memory fake instead of binding
// real UDP sockets.
type Transport = transport.Interface

// Discovery is one node's discovery instance: its identity, routing
// table, bootstrap-state cell, and the transport it sends RPCs through.
type Discovery struct {
	log       *logrus.Logger
	cfg       Config
	self      peerid.ID
	table     *routingtree.Tree
	transport Transport
	state     *bootstrapState

	portMu     sync.Mutex
	publicPort *uint16
}

// New builds a Discovery instance around an existing routing table and
// transport. requestedPort is the port the caller wants to announce (nil
// if none); it is announced from the start and is cleared if bootstrap's
// self-reachability probe fails.
func New(log *logrus.Logger, cfg Config, self peerid.ID, table *routingtree.Tree, tr Transport, requestedPort *uint16) *Discovery {
	d := &Discovery{
		log:        log,
		cfg:        cfg.withDefaults(),
		self:       self,
		table:      table,
		transport:  tr,
		state:      newBootstrapState(),
		publicPort: requestedPort,
	}
	tr.SetHandler(d.Handle)
	return d
}

// Self returns the node's own PeerId.
func (d *Discovery) Self() peerid.ID {
	return d.self
}

// Table exposes the routing table for callers that need to inspect it
// directly (metrics, the CLI harness).
func (d *Discovery) Table() *routingtree.Tree {
	return d.table
}

// PublicPort returns the currently announced port, or nil if none.
func (d *Discovery) PublicPort() *uint16 {
	d.portMu.Lock()
	defer d.portMu.Unlock()
	return d.publicPort
}

func (d *Discovery) publicPortSnapshot() *uint16 {
	d.portMu.Lock()
	defer d.portMu.Unlock()
	if d.publicPort == nil {
		return nil
	}
	p := *d.publicPort
	return &p
}

func (d *Discovery) setPublicPort(p *uint16) {
	d.portMu.Lock()
	d.publicPort = p
	d.portMu.Unlock()
}

func (d *Discovery) clearPublicPort() {
	d.setPublicPort(nil)
}

// BootstrapState reports the current bootstrap phase as a string, for
// diagnostics and tests; the phase type itself is unexported since only
// this package's state machine may drive transitions.
func (d *Discovery) BootstrapState() string {
	return d.state.currentPhase().String()
}
