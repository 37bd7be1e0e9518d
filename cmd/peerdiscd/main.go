// Command peerdiscd is the process entrypoint: it parses flags, wires up
// a transport, routing table and discovery core, bootstraps against a
// seed peer if one was given, and runs the maintenance sweep on a timer
// until signaled to stop.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zhujun1980/peerdisc/discovery"
	"github.com/zhujun1980/peerdisc/peerid"
	"github.com/zhujun1980/peerdisc/routingtree"
	"github.com/zhujun1980/peerdisc/transport"
	"github.com/zhujun1980/peerdisc/wire"
)

func initLogger() *logrus.Logger {
	log := logrus.New()
	log.Formatter = &logrus.TextFormatter{
		FullTimestamp: true,
	}
	log.Out = os.Stderr
	log.Level = logrus.InfoLevel
	return log
}

var (
	flagListen      string
	flagBootstrap   string
	flagPublicPort  int
	flagKeyHex      string
	flagAlpha       int
	flagK           int
	flagB           int
	flagMaintenance time.Duration
)

func parseCommandLine() {
	flag.StringVar(&flagListen, "listen", ":6881", "UDP address to listen on")
	flag.StringVar(&flagBootstrap, "bootstrap", "", "address of a peer to bootstrap from (host:port)")
	flag.IntVar(&flagPublicPort, "public-port", 0, "port to announce as publicly reachable, 0 for none")
	flag.StringVar(&flagKeyHex, "key", "", "hex-encoded Ed25519 private key; a fresh one is generated if empty")
	flag.IntVar(&flagAlpha, "alpha", discovery.DefaultAlpha, "disjoint lookup path count")
	flag.IntVar(&flagK, "k", discovery.DefaultK, "bucket size / lookup result size")
	flag.IntVar(&flagB, "b", discovery.DefaultB, "max split depth off the home branch")
	flag.DurationVar(&flagMaintenance, "maintenance-interval", 30*time.Second, "interval between routing-table maintenance sweeps")
	flag.Parse()
}

func loadOrGenerateKey(log *logrus.Logger) ed25519.PrivateKey {
	if flagKeyHex == "" {
		_, priv, err := wire.GenerateKey()
		if err != nil {
			log.WithFields(logrus.Fields{"err": err}).Panic("peerdiscd: key generation failed")
		}
		log.WithFields(logrus.Fields{"pub": hex.EncodeToString(priv.Public().(ed25519.PublicKey))}).Info("peerdiscd: generated a fresh identity")
		return priv
	}
	raw, err := hex.DecodeString(flagKeyHex)
	if err != nil || len(raw) != ed25519.PrivateKeySize {
		log.WithFields(logrus.Fields{"err": err}).Panic("peerdiscd: malformed -key")
	}
	return ed25519.PrivateKey(raw)
}

func main() {
	parseCommandLine()

	log := initLogger()
	priv := loadOrGenerateKey(log)
	self := peerid.FromPublicKey(priv.Public().(ed25519.PublicKey))
	log.WithFields(logrus.Fields{"peerId": self.String(), "listen": flagListen}).Info("peerdiscd: starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := discovery.Config{Alpha: flagAlpha, K: flagK, B: flagB}
	table := routingtree.New(self, cfg.RoutingTreeConfig())

	tr, err := transport.New(log, flagListen, priv, self, discovery.DefaultResponseTimeout)
	if err != nil {
		log.WithFields(logrus.Fields{"err": err}).Panic("peerdiscd: transport bind failed")
	}

	var requestedPort *uint16
	if flagPublicPort > 0 {
		p := uint16(flagPublicPort)
		requestedPort = &p
	}
	d := discovery.New(log, cfg, self, table, tr, requestedPort)

	master := make(chan string)
	go tr.Serve(ctx)

	if flagBootstrap != "" {
		go runBootstrap(ctx, d, log, master)
	}
	go runMaintenanceLoop(ctx, d, flagMaintenance)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case msg := <-master:
			fmt.Println(msg)
		case <-sig:
			log.Info("peerdiscd: shutting down")
			cancel()
			tr.Close()
			return
		case <-ctx.Done():
			tr.Close()
			return
		}
	}
}

func runBootstrap(ctx context.Context, d *discovery.Discovery, log *logrus.Logger, master chan<- string) {
	peer, err := parsePeer(flagBootstrap)
	if err != nil {
		log.WithFields(logrus.Fields{"err": err, "addr": flagBootstrap}).Error("peerdiscd: invalid -bootstrap address")
		return
	}
	ok, err := d.Bootstrap(ctx, peer)
	if err != nil {
		master <- fmt.Sprintf("bootstrap error: %v", err)
		return
	}
	master <- fmt.Sprintf("bootstrap against %s: ok=%v", peer.String(), ok)
}

func runMaintenanceLoop(ctx context.Context, d *discovery.Discovery, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.RunMaintenance(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func parsePeer(addr string) (routingtree.Peer, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return routingtree.Peer{}, err
	}
	return routingtree.Peer{IP: udpAddr.IP, Port: udpAddr.Port}, nil
}
