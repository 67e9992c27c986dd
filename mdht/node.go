package mdht

import (
	"context"
	"crypto/ed25519"
	"crypto/sha1"
	"expvar"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"mdht/bencode"
	"mdht/contact"
	"mdht/datastore"
	"mdht/events"
	"mdht/handlers"
	"mdht/identity"
	"mdht/krpc"
	"mdht/logger"
	"mdht/lookup"
	"mdht/peerstore"
	"mdht/query"
	"mdht/routingtable"
	"mdht/transport"
)

// expvar counters mirroring the teacher's module-level totalSentPing/
// totalNodesReached style bookkeeping (dht.go), per SPEC_FULL.md §9.
var (
	totalQueriesSent     = expvar.NewInt("mdht.queriesSent")
	totalQueriesReceived = expvar.NewInt("mdht.queriesReceived")
	totalRepliesReceived = expvar.NewInt("mdht.repliesReceived")
	totalTimeouts        = expvar.NewInt("mdht.timeouts")
)

// Node aggregates every subpackage behind the single event-loop
// goroutine spec.md §5 requires: Node.loop is the only goroutine that
// touches RoutingTable, OutgoingQueries, PeerStore, DataStore, or the
// transport's spam counters.
type Node struct {
	cfg *Config
	log logger.DebugLogger

	identity *identity.Identity
	routing  *routingtable.RoutingTable
	peers    *peerstore.Store
	data     *datastore.Store
	outgoing *query.Outgoing
	udp      *transport.UDPTransport
	handler  *handlers.Handler

	events   chan events.Event
	requests chan func(*Node)
	packets  chan transport.Packet
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New builds a node from cfg but does not yet bind a socket or start
// the event loop; call Start for that, mirroring the teacher's
// New()/Start() split (dht.go keeps a deprecated blocking Run() too,
// which this design has no need to carry forward since Start always
// runs the loop in its own goroutine).
func New(cfg *Config, log logger.DebugLogger) (*Node, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = &logger.NullLogger{}
	}

	var id *identity.Identity
	var err error
	if len(cfg.ExternalIP) == 4 {
		var ip [4]byte
		copy(ip[:], cfg.ExternalIP)
		id, err = identity.NewFromExternalIP(ip, cfg.Seed)
	} else {
		id, err = identity.New(contact.ID{}, cfg.Seed)
	}
	if err != nil {
		return nil, fmt.Errorf("mdht: identity: %w", err)
	}

	n := &Node{
		cfg:      cfg,
		log:      log,
		identity: id,
		routing:  routingtable.New(id.ID),
		peers:    peerstore.New(cfg.MaxInfoHashes),
		data:     datastore.New(cfg.MaxDataItems),
		events:   make(chan events.Event, cfg.EventBuffer),
		requests: make(chan func(*Node)),
		packets:  make(chan transport.Packet),
		stop:     make(chan struct{}),
	}
	n.outgoing = query.New(n.send, n.localID)
	n.handler = &handlers.Handler{
		Local:   n.identity.ID,
		Routing: n.routing,
		Peers:   n.peers,
		Data:    n.data,
		Tokens:  n.identity.Tokens,
		Send:    n.send,
		Log:     log,
		Events:  n.events,
	}
	return n, nil
}

// localID is the node's own id, passed as the localID callback to
// query.New and lookup.NewPopulate alike.
func (n *Node) localID() contact.ID {
	return n.identity.ID
}

func (n *Node) send(to contact.Location, msg krpc.Message) error {
	if msg.Y == krpc.TypeQuery {
		totalQueriesSent.Add(1)
	}
	return n.udp.Send(to, msg)
}

// Start binds the UDP socket, launches the reader goroutine and the
// single event loop, and kicks off the bootstrap populate run, per
// spec.md §4.7's initialization order.
func (n *Node) Start() error {
	udp, err := transport.Listen(n.cfg.Address, n.cfg.Port, n.log)
	if err != nil {
		n.emit(events.UDPFail(n.cfg.Port))
		return err
	}
	n.udp = udp

	n.emit(events.ID(n.identity.ID))
	var pub [32]byte
	copy(pub[:], n.identity.PublicKey)
	n.emit(events.PublicKey(pub))

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.udp.Run(n.packets, n.stop, func(src netip.AddrPort) {
			if loc, err := contact.LocationFromAddrPort(src); err == nil {
				n.emit(events.Spam(loc))
			}
		})
	}()

	n.emit(events.Listening(n.udp.LocalPort()))

	n.wg.Add(1)
	go n.loop()

	n.enqueue(func(n *Node) {
		p := lookup.NewPopulate(n.routing, n.identity.ID, n.localID, n.outgoing, func(visited int) {
			n.emit(events.Ready(visited))
			n.emit(events.Nodes(n.routing.Len()))
			n.emit(events.Closest(n.routing.Closest()))
		})
		p.Start(n.cfg.Bootstrap)
	})
	return nil
}

// loop is the single logical executor of spec.md §5: every mutation of
// RoutingTable/OutgoingQueries/PeerStore/DataStore/spam-counter state
// happens here, fed by the transport reader goroutine (via n.packets),
// the request-injection channel (public operations), and the two
// tickers. Grounded on dht.go's loop()'s select statement.
func (n *Node) loop() {
	defer n.wg.Done()

	queryTicker := time.NewTicker(query.TickPeriod)
	defer queryTicker.Stop()
	housekeepingTicker := time.NewTicker(n.cfg.HousekeepingPeriod)
	defer housekeepingTicker.Stop()

	for {
		select {
		case <-n.stop:
			return
		case pkt := <-n.packets:
			n.dispatch(pkt)
		case f := <-n.requests:
			f(n)
		case <-queryTicker.C:
			n.outgoing.Tick()
		case <-housekeepingTicker.C:
			n.housekeeping()
		}
	}
}

func (n *Node) dispatch(pkt transport.Packet) {
	loc, err := contact.LocationFromAddrPort(pkt.From)
	if err != nil {
		return // non-IPv4 already filtered by transport, but stay defensive.
	}
	switch pkt.Message.Y {
	case krpc.TypeQuery:
		totalQueriesReceived.Add(1)
		n.handler.Handle(pkt.Message, loc)
	case krpc.TypeResponse:
		totalRepliesReceived.Add(1)
		n.outgoing.Resolve(pkt.Message, loc)
	case krpc.TypeError:
		if code, msg, ok := pkt.Message.ErrorCode(); ok {
			n.emit(events.Error(code, msg))
		}
		n.outgoing.Resolve(pkt.Message, loc)
	}
}

// housekeeping runs the 5-minute maintenance tick of spec.md §4.7:
// spam reset, routing table refresh (re-pinging the stalest 10%),
// token rotation, and peer/data eviction.
func (n *Node) housekeeping() {
	n.udp.ResetSpamCounters()

	n.routing.Refresh(func(c contact.Contact) {
		n.outgoing.Query(krpc.Ping, c.Loc, krpc.Args{}, func(msg krpc.Message, from contact.Location, ok bool) {
			if !ok {
				totalTimeouts.Add(1)
				n.emit(events.DropNode(c.ID))
				return
			}
			n.routing.Add(contact.Contact{ID: c.ID, Loc: from, LastSeen: time.Now()})
		})
	})

	if err := n.identity.Tokens.Rotate(); err != nil {
		n.log.Errorf("mdht: token rotation failed: %v", err)
	}

	remainingPeers := n.peers.Sweep(func(ih contact.ID, loc contact.Location) {
		n.emit(events.DropPeer(ih, loc))
	})
	n.emit(events.Peers(remainingPeers))

	remainingData := n.data.Sweep(func(target contact.ID) {
		n.emit(events.DropData(target))
	})
	n.emit(events.Data(remainingData))
}

func (n *Node) emit(e events.Event) {
	select {
	case n.events <- e:
	default:
	}
}

// Events returns the node's tagged event stream, replacing the single
// untyped update(key, value) callback per spec.md §9's DESIGN NOTE.
func (n *Node) Events() <-chan events.Event {
	return n.events
}

// enqueue hands f to the event loop and blocks until it has been
// accepted (not until it has run), the same request-channel pattern
// the teacher uses for peersRequest/nodesRequest/portRequest in
// dht.go's loop().
func (n *Node) enqueue(f func(*Node)) {
	select {
	case n.requests <- f:
	case <-n.stop:
	}
}

// runAct enqueues the construction and start of an Act onto the event
// loop, then waits for either its completion or ctx's cancellation.
// The Act itself always keeps running to completion on the loop
// goroutine even if the caller stops waiting — per spec.md §5, there
// is no user-driven cancellation of in-flight wire queries, only of
// the caller's wait. No extra seeds are passed to Start: Act.Start's
// scratch table is already seeded from the live routing table's full
// contact set via MakeTemporary, per spec.md §4.6 step 2.
func runAct(ctx context.Context, n *Node, build func(n *Node, onDone func(lookup.ActResult)) *lookup.Act) (lookup.ActResult, error) {
	resultCh := make(chan lookup.ActResult, 1)
	n.enqueue(func(n *Node) {
		a := build(n, func(r lookup.ActResult) {
			resultCh <- r
		})
		a.Start(n.identity.ID, nil)
	})
	select {
	case r := <-resultCh:
		return r, nil
	case <-ctx.Done():
		return lookup.ActResult{}, ctx.Err()
	}
}

// GetPeers implements spec.md §6's getPeers: a get_peers query for
// infohash ih to each contact in the tip bucket of a copy of the routing
// table keyed by the local id (see lookup.Act.Start); the lookup does not
// iterate toward ih. onV, if non-nil, is invoked once per reply that
// carries any peer values, with the deduplicated peers gathered so far,
// in response-arrival order.
func (n *Node) GetPeers(ctx context.Context, ih contact.ID, onV lookup.OnV) (lookup.ActResult, error) {
	return runAct(ctx, n, func(n *Node, onDone func(lookup.ActResult)) *lookup.Act {
		return lookup.NewGetPeers(n.routing, n.outgoing, ih, onV, onDone)
	})
}

// AnnouncePeer implements spec.md §6's announcePeer: a get_peers
// lookup for ih followed by an announce_peer to every contact that
// hands back a token.
func (n *Node) AnnouncePeer(ctx context.Context, ih contact.ID) (lookup.ActResult, error) {
	return runAct(ctx, n, func(n *Node, onDone func(lookup.ActResult)) *lookup.Act {
		return lookup.NewAnnouncePeer(n.routing, n.outgoing, ih, onDone)
	})
}

// GetData implements spec.md §6's getData: a BEP44 get lookup for
// target. mutableSalt is the salt a mutable item at target was stored
// with (empty for an unsalted mutable item or for an immutable item,
// which verifies by content address instead of signature).
func (n *Node) GetData(ctx context.Context, target contact.ID, mutableSalt string, onV lookup.OnV) (lookup.ActResult, error) {
	return runAct(ctx, n, func(n *Node, onDone func(lookup.ActResult)) *lookup.Act {
		return lookup.NewGetData(n.routing, n.outgoing, target, mutableSalt, onV, onDone)
	})
}

// PutData implements spec.md §6's putData: stores v, immutable unless
// salt requests a mutable item, in which case it is signed with the
// node's own keypair. seq is the caller's baseline sequence number,
// adopted only if the network doesn't already know of a higher one
// (lookup.Act.nextSeq); resetTarget overrides target derivation
// entirely, for republishing to a target the caller already knows.
func (n *Node) PutData(ctx context.Context, v bencode.Value, salt MutableSalt, resetTarget *contact.ID, seq int64) (lookup.ActResult, error) {
	put := lookup.PutSpec{
		V:           v,
		Mutable:     salt.Mutable,
		Salt:        salt.Salt,
		Seq:         seq,
		ResetTarget: resetTarget,
		PublicKey:   n.identity.PublicKey,
		PrivateKey:  n.identity.PrivateKey,
	}
	return runAct(ctx, n, func(n *Node, onDone func(lookup.ActResult)) *lookup.Act {
		return lookup.NewPutData(n.routing, n.outgoing, put, onDone)
	})
}

// MakeMutableTarget implements spec.md §6's makeMutableTarget:
// SHA-1(k ∥ truncate64(salt)) when salt is non-empty, else SHA-1(k).
func (n *Node) MakeMutableTarget(pub ed25519.PublicKey, salt string) contact.ID {
	return mutableTargetFor(pub, salt)
}

// MakeImmutableTarget implements spec.md §6's makeImmutableTarget:
// SHA-1(encode(v)).
func (n *Node) MakeImmutableTarget(v bencode.Value) contact.ID {
	sum := sha1.Sum(bencode.Encode(v))
	var id contact.ID
	copy(id[:], sum[:])
	return id
}

// mutableTargetFor computes SHA-1(k ∥ truncate64(salt)), or SHA-1(k)
// when salt is empty, truncating salt to MaxSaltSize itself since
// MakeMutableTarget takes a raw string directly (spec.md §6's
// signature) rather than a MutableSalt.
func mutableTargetFor(pub ed25519.PublicKey, salt string) contact.ID {
	if len(salt) > handlers.MaxSaltSize {
		salt = salt[:handlers.MaxSaltSize]
	}
	h := sha1.New()
	h.Write(pub)
	if salt != "" {
		h.Write([]byte(salt))
	}
	sum := h.Sum(nil)
	var id contact.ID
	copy(id[:], sum)
	return id
}

// MutableSalt selects putData's storage mode, per spec.md §6:
// Immutable() (falsy/empty), MutableNoSalt() (true), or
// MutableWithSalt(s) (non-empty byte-string, truncated to 64 bytes).
type MutableSalt struct {
	Mutable bool
	Salt    string
}

// Immutable requests an immutable put, addressed by SHA-1(encode(v)).
func Immutable() MutableSalt { return MutableSalt{} }

// MutableNoSalt requests a mutable put addressed by SHA-1(k), with no
// salt.
func MutableNoSalt() MutableSalt { return MutableSalt{Mutable: true} }

// MutableWithSalt requests a mutable put addressed by SHA-1(k ∥ salt),
// truncating salt to handlers.MaxSaltSize bytes per spec.md §6.
func MutableWithSalt(salt string) MutableSalt {
	if len(salt) > handlers.MaxSaltSize {
		salt = salt[:handlers.MaxSaltSize]
	}
	return MutableSalt{Mutable: true, Salt: salt}
}

// Stop implements spec.md §6's stop: it drains every still-pending
// outgoing query with the failure sentinel, halts both tickers, closes
// the socket, and waits for the event loop to exit. The drain happens
// on the loop goroutine itself, via the same request channel runAct
// uses, because Tick stops being called the moment loop returns and
// would otherwise never age out a query started just before Stop.
func (n *Node) Stop() {
	n.enqueue(func(n *Node) {
		n.outgoing.FailAll()
	})
	close(n.stop)
	if n.udp != nil {
		n.udp.Close()
	}
	n.wg.Wait()
}
