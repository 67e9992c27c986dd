// Package mdht aggregates every subpackage into a single running node:
// the Config/New/Start/loop() lifecycle, the single event-loop
// goroutine that owns all mutable state, and the public operations of
// spec.md §6.
//
// Grounded on the teacher's dht.go: Config/NewConfig/RegisterFlags and
// DHT.New/Start/loop follow the same shape (a struct of tunables with
// a constructor that fills in defaults, an optional flag-registration
// helper, and a node struct that owns a socket, a routing table, and a
// handful of channel-driven tickers), generalized to the BEP42/BEP44
// surface the teacher doesn't implement.
package mdht

import (
	"flag"
	"strings"
	"time"

	"mdht/contact"
	"mdht/datastore"
	"mdht/peerstore"
)

// Config collects every tunable a node needs at construction time,
// mirroring the teacher's Config struct field-for-field where the
// concern survives into this design, plus BEP42/BEP44 additions.
type Config struct {
	// Address is the local IPv4 address to bind to; empty binds all
	// interfaces.
	Address string
	// Port is the local UDP port to bind to; 0 picks one at random.
	Port int

	// Seed is an optional 32-byte Ed25519 seed. Nil generates a random
	// keypair.
	Seed []byte
	// ExternalIP, if non-nil, derives a BEP42-bound node id instead of
	// a fully random one.
	ExternalIP []byte

	// BootstrapRoutersSpec is a comma-separated host:port list, mirroring
	// the teacher's Config.DHTRouters. mdht never resolves these
	// hostnames itself (spec.md §1 lists DNS resolution for bootstrap
	// names as an out-of-scope external collaborator); it is recorded
	// here only so RegisterFlags has something to populate. Callers
	// resolve it to Bootstrap before calling New — resolveBootstrapRouters
	// in cmd/mdht-node shows how.
	BootstrapRoutersSpec string

	// Bootstrap is the already-resolved set of locations New seeds the
	// initial populate run with.
	Bootstrap []contact.Location

	// MaxInfoHashes bounds the number of distinct infohashes tracked
	// by the peer store.
	MaxInfoHashes int
	// MaxDataItems bounds the number of distinct BEP44 targets tracked
	// by the data store.
	MaxDataItems int

	// HousekeepingPeriod is the interval of the periodic maintenance
	// tick: spam reset, routing table refresh, token rotation, store
	// eviction. Mirrors the teacher's CleanupPeriod.
	HousekeepingPeriod time.Duration

	// EventBuffer sizes the channel returned by Node.Events(). A full
	// channel causes new events to be dropped rather than block the
	// event loop, per spec.md §5 (no additional blocking is
	// introduced beyond the transport reader handoff).
	EventBuffer int
}

// DefaultBootstrapRouters mirrors the teacher's Config.DHTRouters
// default: the well-known public BitTorrent bootstrap routers.
const DefaultBootstrapRouters = "router.bittorrent.com:6881,dht.transmissionbt.com:6881,router.utorrent.com:6881"

// DefaultConfig returns a Config with the teacher's defaults carried
// over wherever the concern survives (MaxInfoHashes, the bootstrap
// router list, the housekeeping period) plus this design's additions.
func DefaultConfig() *Config {
	return &Config{
		Port:                 0,
		BootstrapRoutersSpec: DefaultBootstrapRouters,
		MaxInfoHashes:        peerstore.DefaultMaxInfoHashes,
		MaxDataItems:         datastore.DefaultMaxItems,
		HousekeepingPeriod:   5 * time.Minute,
		EventBuffer:          64,
	}
}

// SplitBootstrapRoutersSpec parses BootstrapRoutersSpec into its
// individual host:port entries, trimming whitespace. It performs no
// DNS resolution; pairing each host with its resolved address is left
// to the caller (see cmd/mdht-node), consistent with spec.md §1's
// exclusion of bootstrap-name DNS resolution from the core.
func (c *Config) SplitBootstrapRoutersSpec() []string {
	var out []string
	for _, s := range strings.Split(c.BootstrapRoutersSpec, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// RegisterFlags wires c's fields to a FlagSet, in the teacher's own
// idiom of registering flags directly against a Config's fields
// (dht.go's RegisterFlags does the same against the global flag set;
// this takes an explicit *flag.FlagSet so a caller can also register
// against flag.CommandLine).
func RegisterFlags(fs *flag.FlagSet, c *Config) {
	fs.StringVar(&c.Address, "address", c.Address, "local IPv4 address to bind to; empty binds all interfaces")
	fs.IntVar(&c.Port, "port", c.Port, "local UDP port to bind to; 0 picks one at random")
	fs.StringVar(&c.BootstrapRoutersSpec, "routers", c.BootstrapRoutersSpec, "comma-separated host:port list of bootstrap routers (resolved by the caller, not by mdht itself)")
	fs.IntVar(&c.MaxInfoHashes, "maxInfoHashes", c.MaxInfoHashes, "maximum number of distinct infohashes to track peers for")
	fs.IntVar(&c.MaxDataItems, "maxDataItems", c.MaxDataItems, "maximum number of distinct BEP44 targets to store")
	fs.DurationVar(&c.HousekeepingPeriod, "housekeepingPeriod", c.HousekeepingPeriod, "interval between routing table refresh, token rotation, and store eviction")
}
