package discovery

import (
	"time"

	"github.com/zhujun1980/peerdisc/routingtree"
)

// Defaults are the standard Kademlia tuning knobs for this overlay: plain
// constants rather than a config file format.
const (
	DefaultAlpha           = 3
	DefaultK               = routingtree.DefaultK
	DefaultB               = routingtree.DefaultB
	DefaultMaxTimeouts     = 3
	DefaultResponseTimeout = 500 * time.Millisecond
)

// Config bounds lookup concurrency, bucket/result sizing, eviction
// candidacy, and RPC deadlines for one Discovery instance.
type Config struct {
	Alpha           int
	K               int
	B               int
	MaxTimeouts     int
	ResponseTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Alpha <= 0 {
		c.Alpha = DefaultAlpha
	}
	if c.K <= 0 {
		c.K = DefaultK
	}
	if c.B < 0 {
		c.B = DefaultB
	}
	if c.MaxTimeouts <= 0 {
		c.MaxTimeouts = DefaultMaxTimeouts
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = DefaultResponseTimeout
	}
	return c
}

// RoutingTreeConfig projects the bucket-shape fields of Config into a
// routingtree.Config, so a caller constructing both from one Config value
// can't let K/B drift apart between the routing table and the lookup.
func (c Config) RoutingTreeConfig() routingtree.Config {
	return routingtree.Config{K: c.K, B: c.B}
}
