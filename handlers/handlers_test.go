package handlers

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"mdht/bencode"
	"mdht/contact"
	"mdht/datastore"
	"mdht/identity"
	"mdht/krpc"
	"mdht/logger"
	"mdht/peerstore"
	"mdht/routingtable"
)

type sentMsg struct {
	to  contact.Location
	msg krpc.Message
}

func newTestHandler(t *testing.T) (*Handler, *[]sentMsg, contact.ID) {
	t.Helper()
	var local contact.ID
	if _, err := rand.Read(local[:]); err != nil {
		t.Fatal(err)
	}
	tm, err := identity.NewTokenManager()
	if err != nil {
		t.Fatal(err)
	}
	var sent []sentMsg
	h := &Handler{
		Local:   local,
		Routing: routingtable.New(local),
		Peers:   peerstore.New(16),
		Data:    datastore.New(16),
		Tokens:  tm,
		Log:     &logger.NullLogger{},
	}
	h.Send = func(loc contact.Location, msg krpc.Message) error {
		sent = append(sent, sentMsg{to: loc, msg: msg})
		return nil
	}
	return h, &sent, local
}

func fromAddr(t *testing.T) contact.Location {
	t.Helper()
	l, err := contact.NewLocation([]byte{198, 51, 100, 7}, 6881)
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func randIDT(t *testing.T) contact.ID {
	var id contact.ID
	if _, err := rand.Read(id[:]); err != nil {
		t.Fatal(err)
	}
	return id
}

func TestHandlePing(t *testing.T) {
	h, sent, local := newTestHandler(t)
	from := fromAddr(t)
	senderID := randIDT(t)

	msg := krpc.NewQuery("\x00\x01", krpc.Ping, krpc.Args{ID: string(senderID.Bytes())})
	if !h.Handle(msg, from) {
		t.Fatal("Handle returned false for a well-formed ping")
	}
	if len(*sent) != 1 || (*sent)[0].msg.R == nil || (*sent)[0].msg.R.ID != string(local.Bytes()) {
		t.Fatalf("unexpected response: %+v", *sent)
	}
	if h.Routing.Len() != 1 {
		t.Errorf("sender should have been added as a contact by Handle, Len()=%d", h.Routing.Len())
	}
}

func TestHandleFindNode(t *testing.T) {
	h, sent, _ := newTestHandler(t)
	from := fromAddr(t)
	senderID := randIDT(t)
	target := randIDT(t)

	msg := krpc.NewQuery("\x00\x02", krpc.FindNode, krpc.Args{ID: string(senderID.Bytes()), Target: string(target.Bytes())})
	if !h.Handle(msg, from) {
		t.Fatal("Handle returned false")
	}
	if len(*sent) != 1 || (*sent)[0].msg.R == nil {
		t.Fatalf("expected a find_node response, got %+v", *sent)
	}
}

func TestHandleGetPeersThenAnnounce(t *testing.T) {
	h, sent, local := newTestHandler(t)
	from := fromAddr(t)
	senderID := randIDT(t)
	ih := local
	ih[0], ih[1] = local[0], local[1] // satisfy the proximity guard

	getPeers := krpc.NewQuery("\x00\x03", krpc.GetPeers, krpc.Args{ID: string(senderID.Bytes()), InfoHash: string(ih.Bytes())})
	h.Handle(getPeers, from)
	if len(*sent) != 1 || (*sent)[0].msg.R == nil || (*sent)[0].msg.R.Token == "" {
		t.Fatalf("expected a get_peers response with a token, got %+v", *sent)
	}
	token := (*sent)[0].msg.R.Token
	*sent = nil

	announce := krpc.NewQuery("\x00\x04", krpc.AnnouncePeer, krpc.Args{
		ID:       string(senderID.Bytes()),
		InfoHash: string(ih.Bytes()),
		Port:     6881,
		Token:    token,
	})
	h.Handle(announce, from)
	if len(*sent) != 1 || (*sent)[0].msg.R == nil {
		t.Fatalf("expected an announce_peer ack, got %+v", *sent)
	}
	if h.Peers.Count(ih) != 1 {
		t.Errorf("expected 1 announced peer for ih, got %d", h.Peers.Count(ih))
	}
}

func TestHandleAnnouncePeerRejectsBadToken(t *testing.T) {
	h, sent, local := newTestHandler(t)
	from := fromAddr(t)
	senderID := randIDT(t)
	ih := local

	announce := krpc.NewQuery("\x00\x05", krpc.AnnouncePeer, krpc.Args{
		ID:       string(senderID.Bytes()),
		InfoHash: string(ih.Bytes()),
		Port:     6881,
		Token:    "not-a-real-token",
	})
	h.Handle(announce, from)
	if len(*sent) != 0 {
		t.Errorf("expected no response for an invalid token, got %+v", *sent)
	}
	if h.Peers.Count(ih) != 0 {
		t.Error("peer should not be stored with an invalid token")
	}
}

func TestImmutablePutThenGet(t *testing.T) {
	from := fromAddr(t)
	senderID := randIDT(t)

	v := bencode.Dict(map[string]bencode.Value{"m": bencode.String("JEB"), "f": bencode.String("MLK")})
	realTarget := immutableTarget(v)

	// Build a handler whose local id shares the target's proximity-guard
	// prefix, since handlePut only stores when target[0:2] == local[0:2].
	local := randIDT(t)
	local[0], local[1] = realTarget[0], realTarget[1]
	tm, err := identity.NewTokenManager()
	if err != nil {
		t.Fatal(err)
	}
	var sent []sentMsg
	h := &Handler{
		Local:   local,
		Routing: routingtable.New(local),
		Peers:   peerstore.New(16),
		Data:    datastore.New(16),
		Tokens:  tm,
		Log:     &logger.NullLogger{},
	}
	h.Send = func(loc contact.Location, msg krpc.Message) error {
		sent = append(sent, sentMsg{to: loc, msg: msg})
		return nil
	}

	token := h.Tokens.Mint(senderID, from)

	put := krpc.NewQuery("\x00\x06", krpc.Put, krpc.Args{ID: string(senderID.Bytes()), V: v, Token: token})
	h.Handle(put, from)
	if len(sent) != 1 || sent[0].msg.R == nil {
		t.Fatalf("expected a put ack, got %+v", sent)
	}
	sent = nil

	get := krpc.NewQuery("\x00\x07", krpc.Get, krpc.Args{ID: string(senderID.Bytes()), Target: string(realTarget.Bytes())})
	h.Handle(get, from)
	if len(sent) != 1 || sent[0].msg.R == nil {
		t.Fatalf("expected a get response, got %+v", sent)
	}
	if !bencode.Equal(sent[0].msg.R.V, v) {
		t.Errorf("get did not return the stored value: %+v", sent[0].msg.R.V)
	}
}

func TestMutablePutRejectsLowerSeq(t *testing.T) {
	from := fromAddr(t)
	senderID := randIDT(t)

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	target := mutableTarget(pub, "")

	// Build a handler whose local id shares the target's proximity-guard
	// prefix, since handlePut only stores when target[0:2] == local[0:2].
	local := randIDT(t)
	local[0], local[1] = target[0], target[1]
	tm, err := identity.NewTokenManager()
	if err != nil {
		t.Fatal(err)
	}
	var sentSlice []sentMsg
	h := &Handler{
		Local:   local,
		Routing: routingtable.New(local),
		Peers:   peerstore.New(16),
		Data:    datastore.New(16),
		Tokens:  tm,
		Log:     &logger.NullLogger{},
	}
	h.Send = func(loc contact.Location, msg krpc.Message) error {
		sentSlice = append(sentSlice, sentMsg{to: loc, msg: msg})
		return nil
	}
	sent := &sentSlice

	token := h.Tokens.Mint(senderID, from)

	putAt := func(seq int64) krpc.Message {
		v := bencode.String("hello")
		signed := bencode.PackSeqSalt(seq, v, "")
		sig := ed25519.Sign(priv, signed)
		seqCopy := seq
		return krpc.NewQuery("\x00\x08", krpc.Put, krpc.Args{
			ID:    string(senderID.Bytes()),
			V:     v,
			K:     string(pub),
			Seq:   &seqCopy,
			Sig:   string(sig),
			Token: token,
		})
	}

	h.Handle(putAt(5), from)
	if len(*sent) != 1 || (*sent)[0].msg.R == nil {
		t.Fatalf("expected first mutable put to succeed, got %+v", *sent)
	}
	*sent = nil

	h.Handle(putAt(3), from)
	if len(*sent) != 1 {
		t.Fatalf("expected exactly one response to the stale put, got %+v", *sent)
	}
	code, _, ok := (*sent)[0].msg.ErrorCode()
	if !ok || code != krpc.ErrSequenceTooLow {
		t.Errorf("expected error 302 for a lower seq, got %+v", (*sent)[0].msg)
	}
}
