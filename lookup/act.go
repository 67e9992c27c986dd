package lookup

import (
	"crypto/ed25519"
	"crypto/sha1"
	"time"

	"mdht/bencode"
	"mdht/contact"
	"mdht/krpc"
	"mdht/query"
	"mdht/routingtable"
)

// PutSpec describes a post-verb put request, supplied by the caller of
// Act when storing a value.
type PutSpec struct {
	V          bencode.Value
	Mutable    bool
	Salt       string
	Seq        int64
	ResetTarget *contact.ID
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// ActResult is the aggregate completion payload of spec.md §4.6 step 5.
type ActResult struct {
	NumVisited int
	NumFound   int
	NumStored  int
	Target     contact.ID
	Peers      []contact.Location
	Values     []bencode.Value
	V          bencode.Value
	Seq        int64
	K          string
	Sig        string
	Salt       string
}

// OnV is invoked once per valid value/peer-list observed during an act
// run, in response-arrival order.
type OnV func(result ActResult)

// Act runs spec.md §4.6's compound get_peers|get (+ optional
// announce_peer|put) pipeline.
type Act struct {
	target   contact.ID
	preVerb  string
	postVerb string
	getSalt  string
	put      *PutSpec

	routing  *routingtable.RoutingTable
	outgoing *query.Outgoing

	onV    OnV
	onDone func(ActResult)

	pending int
	done    bool

	peers      []contact.Location
	peerSeen   map[contact.Location]bool
	visited    map[contact.Location]bool
	bestValue  bencode.Value
	bestSeq    int64
	haveValue  bool
	numFound   int
	numStored  int
}

// NewGetPeers starts an act run that looks up peers for infohash ih.
func NewGetPeers(routing *routingtable.RoutingTable, outgoing *query.Outgoing, ih contact.ID, onV OnV, onDone func(ActResult)) *Act {
	return &Act{
		target:   ih,
		preVerb:  krpc.GetPeers,
		routing:  routing,
		outgoing: outgoing,
		onV:      onV,
		onDone:   onDone,
		peerSeen: make(map[contact.Location]bool),
		visited:  make(map[contact.Location]bool),
	}
}

// NewGetData starts an act run that retrieves a BEP44 value at target.
// salt is the mutableSalt used to verify a mutable item's signature
// (spec.md §6's getData(target, mutableSalt, done, onV)); it is ignored
// for an immutable item, whose target is content-addressed instead.
func NewGetData(routing *routingtable.RoutingTable, outgoing *query.Outgoing, target contact.ID, salt string, onV OnV, onDone func(ActResult)) *Act {
	return &Act{
		target:   target,
		preVerb:  krpc.Get,
		getSalt:  salt,
		routing:  routing,
		outgoing: outgoing,
		onV:      onV,
		onDone:   onDone,
		peerSeen: make(map[contact.Location]bool),
		visited:  make(map[contact.Location]bool),
	}
}

// NewAnnouncePeer starts an act run that looks up peers for ih and
// announces the local node as one of them to every contact that hands
// back a token.
func NewAnnouncePeer(routing *routingtable.RoutingTable, outgoing *query.Outgoing, ih contact.ID, onDone func(ActResult)) *Act {
	a := NewGetPeers(routing, outgoing, ih, nil, onDone)
	a.postVerb = krpc.AnnouncePeer
	return a
}

// NewPutData starts an act run that stores a BEP44 value (immutable or
// mutable, per spec). Every put first issues get as the pre-verb and
// then put as the post-verb to each contact that returns a token. For a
// mutable put the get discovers the network's current stored seq, so the
// post-verb's seq is max(stored+1, put.Seq); an immutable target is
// content-addressed, so its get results do not change what is put.
func NewPutData(routing *routingtable.RoutingTable, outgoing *query.Outgoing, put PutSpec, onDone func(ActResult)) *Act {
	target := derivePutTarget(put)
	a := &Act{
		target:   target,
		preVerb:  krpc.Get,
		postVerb: krpc.Put,
		getSalt:  put.Salt,
		put:      &put,
		routing:  routing,
		outgoing: outgoing,
		onDone:   onDone,
		peerSeen: make(map[contact.Location]bool),
		visited:  make(map[contact.Location]bool),
	}
	return a
}

func derivePutTarget(put PutSpec) contact.ID {
	if put.ResetTarget != nil {
		return *put.ResetTarget
	}
	if !put.Mutable {
		sum := sha1.Sum(bencode.Encode(put.V))
		var id contact.ID
		copy(id[:], sum[:])
		return id
	}
	h := sha1.New()
	h.Write(put.PublicKey)
	if put.Salt != "" {
		h.Write([]byte(put.Salt))
	}
	sum := h.Sum(nil)
	var id contact.ID
	copy(id[:], sum)
	return id
}

// nextSeq derives the seq to put at: the caller-supplied baseline, raised
// to one past whatever the network reported as the current stored seq
// (from the preceding get) when that is higher.
func (a *Act) nextSeq() int64 {
	if a.haveValue && a.bestSeq+1 > a.put.Seq {
		return a.bestSeq + 1
	}
	return a.put.Seq
}

// Start copies the main routing table into a temporary table keyed by
// local, adds seeds to it, and issues the pre-verb to every contact in
// that table's tip bucket. Because the table is keyed by local and not by
// the act's target, the contacts queried are those nearest the local id;
// no find_node walk toward the target runs first, and contacts learned
// from replies are not queried in turn.
func (a *Act) Start(local contact.ID, seeds []contact.Location) {
	scratch := a.routing.MakeTemporary(local)
	for _, loc := range seeds {
		scratch.Add(contact.Contact{ID: contact.ID{}, Loc: loc})
	}
	tip := scratch.Closest()
	if len(tip) == 0 {
		a.checkDone()
		return
	}
	targetBytes := string(a.target.Bytes())
	args := krpc.Args{}
	if a.preVerb == krpc.GetPeers {
		args.InfoHash = targetBytes
	} else {
		args.Target = targetBytes
	}
	for _, c := range tip {
		a.pending++
		loc := c.Loc
		a.visited[loc] = true
		a.outgoing.Query(a.preVerb, loc, args, func(msg krpc.Message, from contact.Location, ok bool) {
			a.onPreReply(msg, from, ok)
		})
	}
}

func (a *Act) onPreReply(msg krpc.Message, from contact.Location, ok bool) {
	defer a.checkDone()
	a.pending--
	if !ok || msg.R == nil {
		return
	}
	a.addResponder(msg.R.ID, from)

	switch a.preVerb {
	case krpc.GetPeers:
		for _, v := range msg.R.Values {
			if len(v) != contact.LocLen {
				continue
			}
			var loc contact.Location
			copy(loc[:], v)
			if a.peerSeen[loc] {
				continue
			}
			a.peerSeen[loc] = true
			a.peers = append(a.peers, loc)
		}
		if len(msg.R.Values) > 0 {
			a.numFound = len(a.peers)
			if a.onV != nil {
				a.onV(ActResult{Target: a.target, Peers: append([]contact.Location{}, a.peers...)})
			}
		}
	case krpc.Get:
		if !msg.R.V.IsZero() && len(bencode.Encode(msg.R.V)) <= 1000 {
			mutable := msg.R.K != "" && msg.R.Seq != nil && msg.R.Sig != ""
			valid := false
			if mutable {
				if len(msg.R.K) == ed25519.PublicKeySize && len(msg.R.Sig) == ed25519.SignatureSize {
					if ed25519.Verify(ed25519.PublicKey(msg.R.K), bencode.PackSeqSalt(*msg.R.Seq, msg.R.V, a.getSalt), []byte(msg.R.Sig)) {
						valid = true
					}
				}
			} else if !msg.R.V.IsZero() {
				sum := sha1.Sum(bencode.Encode(msg.R.V))
				var gotTarget contact.ID
				copy(gotTarget[:], sum[:])
				valid = gotTarget == a.target
			}
			if valid {
				if !a.haveValue || (mutable && msg.R.Seq != nil && *msg.R.Seq > a.bestSeq) {
					a.bestValue = msg.R.V
					if msg.R.Seq != nil {
						a.bestSeq = *msg.R.Seq
					}
					a.haveValue = true
					a.numFound = 1
				} else if !mutable || *msg.R.Seq == a.bestSeq {
					a.numFound++
				}
				if a.onV != nil {
					a.onV(ActResult{Target: a.target, V: msg.R.V})
				}
			}
		}
	}

	if a.postVerb != "" && msg.R.Token != "" {
		a.issuePost(from, msg.R.Token)
	}
}

func (a *Act) issuePost(to contact.Location, token string) {
	a.pending++
	a.visited[to] = true
	switch a.postVerb {
	case krpc.AnnouncePeer:
		a.outgoing.Query(krpc.AnnouncePeer, to, krpc.Args{InfoHash: string(a.target.Bytes()), Token: token, ImpliedPort: 1}, a.onPostReply)
	case krpc.Put:
		args := krpc.Args{V: a.put.V, Token: token}
		if a.put.Mutable {
			seq := a.nextSeq()
			sig := ed25519.Sign(a.put.PrivateKey, bencode.PackSeqSalt(seq, a.put.V, a.put.Salt))
			args.Seq = &seq
			args.K = string(a.put.PublicKey)
			args.Sig = string(sig)
			args.Salt = a.put.Salt
			if a.haveValue {
				cas := a.bestSeq
				args.Cas = &cas
			}
		}
		a.outgoing.Query(krpc.Put, to, args, a.onPostReply)
	}
}

func (a *Act) onPostReply(msg krpc.Message, from contact.Location, ok bool) {
	defer a.checkDone()
	a.pending--
	if ok && msg.R != nil {
		a.numStored++
		a.addResponder(msg.R.ID, from)
	}
}

// addResponder inserts the contact that sent a successful reply into the
// main routing table, per spec.md §4.4: every successful response, not
// just incoming queries or the bootstrap populate run, grows the table.
func (a *Act) addResponder(rawID string, from contact.Location) {
	id, ok := parseIDBytes(rawID)
	if !ok {
		return
	}
	a.routing.Add(contact.Contact{ID: id, Loc: from, LastSeen: time.Now()})
}

func (a *Act) checkDone() {
	if a.done || a.pending > 0 {
		return
	}
	a.done = true
	if a.onDone == nil {
		return
	}
	a.onDone(ActResult{
		Target:     a.target,
		Peers:      a.peers,
		NumFound:   a.numFound,
		NumStored:  a.numStored,
		NumVisited: len(a.visited),
		V:          a.bestValue,
		Seq:        a.bestSeq,
	})
}
