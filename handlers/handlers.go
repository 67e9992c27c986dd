// Package handlers implements spec.md §4.5's IncomingQueries: per-verb
// dispatch for ping/find_node/get_peers/announce_peer/get/put, token
// minting/validation, and the full BEP44 put/get validation pipeline.
//
// Grounded on the teacher's dht.go reply* functions
// (replyPing/replyFindNode/replyGetPeers/replyAnnouncePeer) for the
// BEP5 verbs, generalized to the new krpc.Message/Args/Return shapes;
// get/put have no teacher equivalent and are built directly from
// spec.md §4.5's validation order, loosely shaped like
// prxssh-rabbit/internal/dht/storage.go's target-keyed put/get pair.
package handlers

import (
	"crypto/ed25519"
	"crypto/sha1"
	"time"

	"mdht/bencode"
	"mdht/contact"
	"mdht/datastore"
	"mdht/events"
	"mdht/krpc"
	"mdht/logger"
	"mdht/peerstore"
	"mdht/routingtable"
)

// MaxValueSize is BEP44's cap on an encoded value's length.
const MaxValueSize = 1000

// MaxSaltSize is BEP44's cap on the salt argument's length.
const MaxSaltSize = 64

// Handler dispatches incoming queries and maintains the side effects
// (routing table insertion, peer/data storage, token checks) they
// trigger.
type Handler struct {
	Local    contact.ID
	Routing  *routingtable.RoutingTable
	Peers    *peerstore.Store
	Data     *datastore.Store
	Tokens   interface {
		Mint(id contact.ID, loc contact.Location) string
		Valid(id contact.ID, loc contact.Location, token string) bool
	}
	Send   func(loc contact.Location, msg krpc.Message) error
	Log    logger.DebugLogger
	Events chan<- events.Event
}

func (h *Handler) emit(e events.Event) {
	if h.Events == nil {
		return
	}
	select {
	case h.Events <- e:
	default:
	}
}

func (h *Handler) sendError(t string, to contact.Location, code int, msg string) {
	if h.Send != nil {
		h.Send(to, krpc.NewError(t, code, msg))
	}
}

// Handle processes one incoming query datagram and returns true if it
// was a recognized, well-formed query (whether or not it was ultimately
// acted upon). Non-query messages (responses, errors) are the concern
// of the query package, not this one.
func (h *Handler) Handle(msg krpc.Message, from contact.Location) bool {
	if msg.Y != krpc.TypeQuery {
		return false
	}
	if msg.Q == "" || msg.A == nil {
		h.sendError(msg.T, from, krpc.ErrProtocol, "missing q or a")
		return false
	}
	senderID, ok := parseID(msg.A.ID)
	if !ok {
		h.sendError(msg.T, from, krpc.ErrProtocol, "missing or invalid a.id")
		return false
	}

	h.Routing.Add(contact.Contact{ID: senderID, Loc: from, LastSeen: time.Now()})
	h.emit(events.Incoming(msg.Q, from))

	switch msg.Q {
	case krpc.Ping:
		h.handlePing(msg, senderID, from)
	case krpc.FindNode:
		h.handleFindNode(msg, senderID, from)
	case krpc.GetPeers:
		h.handleGetPeers(msg, senderID, from)
	case krpc.AnnouncePeer:
		h.handleAnnouncePeer(msg, senderID, from)
	case krpc.Get:
		h.handleGet(msg, senderID, from)
	case krpc.Put:
		h.handlePut(msg, senderID, from)
	default:
		h.sendError(msg.T, from, krpc.ErrUnknownMethod, "unknown method "+msg.Q)
		return false
	}
	return true
}

func parseID(s string) (contact.ID, bool) {
	if len(s) != contact.IDLen {
		return contact.ID{}, false
	}
	var id contact.ID
	copy(id[:], s)
	return id, true
}

func (h *Handler) handlePing(msg krpc.Message, _ contact.ID, from contact.Location) {
	h.Send(from, krpc.NewResponse(msg.T, krpc.Return{ID: string(h.Local.Bytes())}))
}

func (h *Handler) handleFindNode(msg krpc.Message, _ contact.ID, from contact.Location) {
	target, ok := parseID(msg.A.Target)
	if !ok {
		h.sendError(msg.T, from, krpc.ErrProtocol, "missing or invalid a.target")
		return
	}
	closest := h.Routing.ClosestTo(target, routingtable.K)
	h.Send(from, krpc.NewResponse(msg.T, krpc.Return{
		ID:    string(h.Local.Bytes()),
		Nodes: string(contact.PackNodes(closest)),
	}))
}

func (h *Handler) handleGetPeers(msg krpc.Message, senderID contact.ID, from contact.Location) {
	ih, ok := parseID(msg.A.InfoHash)
	if !ok {
		h.sendError(msg.T, from, krpc.ErrProtocol, "missing or invalid a.info_hash")
		return
	}
	ret := krpc.Return{ID: string(h.Local.Bytes()), Token: h.Tokens.Mint(senderID, from)}
	if locs := h.Peers.Peers(ih); len(locs) > 0 {
		values := make([]string, len(locs))
		for i, l := range locs {
			values[i] = string(l[:])
		}
		ret.Values = values
	} else {
		ret.Nodes = string(contact.PackNodes(h.Routing.ClosestTo(ih, routingtable.K)))
	}
	h.Send(from, krpc.NewResponse(msg.T, ret))
}

func (h *Handler) handleAnnouncePeer(msg krpc.Message, senderID contact.ID, from contact.Location) {
	ih, ok := parseID(msg.A.InfoHash)
	if !ok {
		h.sendError(msg.T, from, krpc.ErrProtocol, "missing or invalid a.info_hash")
		return
	}
	if !h.Tokens.Valid(senderID, from, msg.A.Token) {
		return // invalid token: silently ignore, per spec.md §4.5.
	}
	// Anti-spam insertion filter: target must share our id's first 2 bytes.
	if ih[0] != h.Local[0] || ih[1] != h.Local[1] {
		h.Send(from, krpc.NewResponse(msg.T, krpc.Return{ID: string(h.Local.Bytes())}))
		return
	}

	loc := from
	if msg.A.ImpliedPort != 1 {
		if msg.A.Port == 0 {
			h.sendError(msg.T, from, krpc.ErrProtocol, "missing a.port")
			return
		}
		ip4 := from.AddrPort().Addr().As4()
		l, err := contact.NewLocation(ip4[:], int(msg.A.Port))
		if err != nil {
			h.sendError(msg.T, from, krpc.ErrProtocol, "bad address")
			return
		}
		loc = l
	}
	h.Peers.Announce(ih, loc)
	h.Send(from, krpc.NewResponse(msg.T, krpc.Return{ID: string(h.Local.Bytes())}))
}

func (h *Handler) handleGet(msg krpc.Message, senderID contact.ID, from contact.Location) {
	target, ok := parseID(msg.A.Target)
	if !ok {
		h.sendError(msg.T, from, krpc.ErrProtocol, "missing or invalid a.target")
		return
	}
	ret := krpc.Return{
		ID:    string(h.Local.Bytes()),
		Token: h.Tokens.Mint(senderID, from),
		Nodes: string(contact.PackNodes(h.Routing.ClosestTo(target, routingtable.K))),
	}
	if item, found := h.Data.Get(target); found {
		if item.Mutable && msg.A.Seq != nil && item.Seq <= *msg.A.Seq {
			// Caller already has this sequence number or newer; omit v.
		} else {
			ret.V = item.V
			if item.Mutable {
				seq := item.Seq
				ret.Seq = &seq
				ret.K = string(item.K[:])
				ret.Sig = string(item.Sig[:])
			}
		}
	}
	h.Send(from, krpc.NewResponse(msg.T, ret))
}

func (h *Handler) handlePut(msg krpc.Message, senderID contact.ID, from contact.Location) {
	if !h.Tokens.Valid(senderID, from, msg.A.Token) {
		h.sendError(msg.T, from, krpc.ErrProtocol, "invalid token")
		return
	}
	if msg.A.V.IsZero() {
		h.sendError(msg.T, from, krpc.ErrProtocol, "missing a.v")
		return
	}
	encoded := bencode.Encode(msg.A.V)
	if len(encoded) > MaxValueSize {
		h.sendError(msg.T, from, krpc.ErrMessageTooBig, "v too large")
		return
	}

	hasK, hasSeq, hasSig := msg.A.K != "", msg.A.Seq != nil, msg.A.Sig != ""
	mutable := hasK || hasSeq || hasSig
	if mutable && !(hasK && hasSeq && hasSig) {
		h.sendError(msg.T, from, krpc.ErrProtocol, "k, seq, sig must all be present together")
		return
	}

	var target contact.ID
	var item datastore.Item

	if mutable {
		if len(msg.A.K) != ed25519.PublicKeySize || len(msg.A.Sig) != ed25519.SignatureSize {
			h.sendError(msg.T, from, krpc.ErrProtocol, "bad k or sig size")
			return
		}
		if *msg.A.Seq < 0 {
			h.sendError(msg.T, from, krpc.ErrProtocol, "negative seq")
			return
		}
		if len(msg.A.Salt) > MaxSaltSize {
			h.sendError(msg.T, from, krpc.ErrSaltTooBig, "salt too large")
			return
		}

		signed := bencode.PackSeqSalt(*msg.A.Seq, msg.A.V, msg.A.Salt)
		if !ed25519.Verify(ed25519.PublicKey(msg.A.K), signed, []byte(msg.A.Sig)) {
			h.sendError(msg.T, from, krpc.ErrBadSignature, "signature verification failed")
			return
		}

		target = mutableTarget([]byte(msg.A.K), msg.A.Salt)

		if existing, found := h.Data.Get(target); found && existing.Mutable {
			if msg.A.Cas != nil && *msg.A.Cas != existing.Seq {
				h.sendError(msg.T, from, krpc.ErrCASMismatch, "cas mismatch")
				return
			}
			if existing.Seq > *msg.A.Seq {
				h.sendError(msg.T, from, krpc.ErrSequenceTooLow, "sequence number too small")
				return
			}
			if existing.Seq == *msg.A.Seq && !bencode.Equal(existing.V, msg.A.V) {
				h.sendError(msg.T, from, krpc.ErrSequenceTooLow, "sequence number too small")
				return
			}
		}

		item = datastore.Item{V: msg.A.V, Mutable: true, Seq: *msg.A.Seq, Salt: msg.A.Salt}
		copy(item.K[:], msg.A.K)
		copy(item.Sig[:], msg.A.Sig)
	} else {
		target = immutableTarget(msg.A.V)
		item = datastore.Item{V: msg.A.V}
	}

	if target[0] != h.Local[0] || target[1] != h.Local[1] {
		h.Send(from, krpc.NewResponse(msg.T, krpc.Return{ID: string(h.Local.Bytes())}))
		return
	}
	h.Data.Put(target, item)
	h.Send(from, krpc.NewResponse(msg.T, krpc.Return{ID: string(h.Local.Bytes())}))
}

// immutableTarget computes SHA-1(encode(v)), the addressing scheme for
// immutable BEP44 items.
func immutableTarget(v bencode.Value) contact.ID {
	sum := sha1.Sum(bencode.Encode(v))
	var id contact.ID
	copy(id[:], sum[:])
	return id
}

// mutableTarget computes SHA-1(k ∥ salt), or SHA-1(k) when salt is
// empty, the addressing scheme for mutable BEP44 items.
func mutableTarget(k []byte, salt string) contact.ID {
	h := sha1.New()
	h.Write(k)
	if salt != "" {
		h.Write([]byte(salt))
	}
	sum := h.Sum(nil)
	var id contact.ID
	copy(id[:], sum)
	return id
}
