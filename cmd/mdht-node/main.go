// Command mdht-node runs a single DHT node on a random (or configured)
// UDP port, bootstraps against the public routers, and then collects
// peers for an infohash given on the command line, printing each one as
// it arrives and repeating that lookup every few seconds until the
// process is stopped, while the node answers queries from the rest of
// the network.
//
// Grounded on the teacher's examples/find_infohash_and_wait/main.go:
// the same flag.Parse/usage-on-bad-args shape, the same builtin
// /debug/vars HTTP server, and the same "poll PeersRequest every few
// seconds, drain results as they arrive" structure, adapted to mdht's
// context.Context-based GetPeers and its tagged Events() stream instead
// of the teacher's PeersRequestResults channel.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mdht/mdht"
	"mdht/contact"
	"mdht/events"
	"mdht/logger"
	"mdht/lookup"
)

const (
	httpPortTCP = 8711
	exampleIH   = "99c82bb73505a3c0b453f9fa0e881d6e5a32a0c1"
)

func main() {
	cfg := mdht.DefaultConfig()
	mdht.RegisterFlags(flag.CommandLine, cfg)
	flag.Parse()

	if len(flag.Args()) != 1 {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <infohash>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Example infohash: %v\n", exampleIH)
		flag.PrintDefaults()
		os.Exit(1)
	}
	ih, err := contact.ParseID(flag.Args()[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad infohash: %v\n", err)
		os.Exit(1)
	}

	cfg.Bootstrap, err = resolveBootstrapRouters(cfg.SplitBootstrapRoutersSpec())
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolving bootstrap routers: %v\n", err)
		os.Exit(1)
	}

	log := &logger.StdLogger{}
	node, err := mdht.New(cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mdht.New: %v\n", err)
		os.Exit(1)
	}

	go http.ListenAndServe(fmt.Sprintf(":%d", httpPortTCP), nil)

	if err := node.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "node.Start: %v\n", err)
		os.Exit(1)
	}
	go drainEvents(node)

	fmt.Println("=========================== mdht")
	fmt.Println("Peers found:")
	go pollPeers(node, ih)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	node.Stop()
}

// resolveBootstrapRouters turns a host:port list into resolved
// locations; mdht's Config never does this itself (see
// Config.BootstrapRoutersSpec's doc comment), so the caller owns it.
func resolveBootstrapRouters(hostports []string) ([]contact.Location, error) {
	var out []contact.Location
	for _, hp := range hostports {
		host, portStr, err := net.SplitHostPort(hp)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", hp, err)
		}
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			continue // a single unreachable bootstrap router shouldn't block startup.
		}
		var ip4 net.IP
		for _, ip := range ips {
			if v4 := ip.To4(); v4 != nil {
				ip4 = v4
				break
			}
		}
		if ip4 == nil {
			continue
		}
		var port int
		if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
			return nil, fmt.Errorf("%s: bad port: %w", hp, err)
		}
		loc, err := contact.NewLocation(ip4, port)
		if err != nil {
			continue
		}
		out = append(out, loc)
	}
	return out, nil
}

// pollPeers repeats a get_peers lookup for ih every few seconds, the
// same polling cadence as the teacher's example main loop, and prints
// each newly reported peer as it arrives via onV.
func pollPeers(node *mdht.Node, ih contact.ID) {
	seen := make(map[contact.Location]bool)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		_, err := node.GetPeers(ctx, ih, func(r lookup.ActResult) {
			for _, loc := range r.Peers {
				if !seen[loc] {
					seen[loc] = true
					fmt.Printf("%v\n", loc.UDPAddr())
				}
			}
		})
		cancel()
		if err != nil {
			fmt.Fprintf(os.Stderr, "get_peers: %v\n", err)
		}
		time.Sleep(5 * time.Second)
	}
}

// drainEvents logs the node's tagged event stream, the idiomatic
// replacement for the teacher's single untyped update(key, value)
// callback.
func drainEvents(node *mdht.Node) {
	for e := range node.Events() {
		switch e.Kind {
		case events.KindReady:
			fmt.Printf("ready: visited %d nodes during bootstrap\n", e.NumVisited)
		case events.KindError:
			fmt.Printf("protocol error from peer: %d %s\n", e.ErrCode, e.ErrMsg)
		case events.KindUDPFail:
			fmt.Printf("udp bind failed on port %d\n", e.Port)
		}
	}
}
