package lookup

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"mdht/bencode"
	"mdht/contact"
	"mdht/krpc"
	"mdht/query"
	"mdht/routingtable"
)

// nearID returns a random id sharing local's bit 0, guaranteeing it
// lands in the tip's near (E1) bucket of a freshly-created routing
// table keyed by local, so RoutingTable.Closest() returns it.
func nearID(t *testing.T, local contact.ID) contact.ID {
	id := randomID(t)
	if contact.Bit(local, 0) == 1 {
		id[0] |= 0x80
	} else {
		id[0] &^= 0x80
	}
	return id
}

// TestActGetPeersAggregatesValuesAndCompletes drives a get_peers act run
// through a routing table seeded with one contact, replies with two
// peer locations, and checks the completion aggregate.
func TestActGetPeersAggregatesValuesAndCompletes(t *testing.T) {
	local := randomID(t)
	ih := randomID(t)
	routing := routingtable.New(local)
	seed := testLocAt(t, 1)
	routing.Add(contact.Contact{ID: nearID(t, local), Loc: seed})

	out := query.New(func(to contact.Location, msg krpc.Message) error { return nil }, func() contact.ID { return local })

	var onVCalls int
	var result ActResult
	done := false
	a := NewGetPeers(routing, out, ih, func(r ActResult) {
		onVCalls++
	}, func(r ActResult) {
		done = true
		result = r
	})

	a.Start(local, nil)

	peer1, err := contact.NewLocation([]byte{198, 51, 100, 9}, 6881)
	if err != nil {
		t.Fatal(err)
	}
	reply := krpc.NewResponse("\x00\x00", krpc.Return{ID: string(randomID(t).Bytes()), Values: []string{string(peer1[:])}})
	if !out.Resolve(reply, seed) {
		t.Fatal("expected the get_peers reply to resolve")
	}

	if !done {
		t.Fatal("act should have completed once the only pending query settled")
	}
	if onVCalls != 1 {
		t.Errorf("expected onV to fire once, got %d", onVCalls)
	}
	if len(result.Peers) != 1 || result.Peers[0] != peer1 {
		t.Errorf("unexpected peers in result: %+v", result.Peers)
	}
	if result.NumFound != 1 {
		t.Errorf("expected NumFound=1, got %d", result.NumFound)
	}
}

// TestActAnnouncePeerIssuesPostVerbOnToken checks that a token in the
// get_peers reply triggers an announce_peer to the same contact, and
// that the aggregate reports one stored acknowledgement.
func TestActAnnouncePeerIssuesPostVerbOnToken(t *testing.T) {
	local := randomID(t)
	ih := randomID(t)
	routing := routingtable.New(local)
	seed := testLocAt(t, 1)
	routing.Add(contact.Contact{ID: nearID(t, local), Loc: seed})

	var sentVerbs []string
	out := query.New(func(to contact.Location, msg krpc.Message) error {
		sentVerbs = append(sentVerbs, msg.Q)
		return nil
	}, func() contact.ID { return local })

	done := false
	var result ActResult
	a := NewAnnouncePeer(routing, out, ih, func(r ActResult) {
		done = true
		result = r
	})
	a.Start(local, nil)

	reply := krpc.NewResponse("\x00\x00", krpc.Return{ID: string(randomID(t).Bytes()), Token: "tok"})
	out.Resolve(reply, seed)
	if done {
		t.Fatal("act should still be pending on the outstanding announce_peer")
	}
	if len(sentVerbs) != 2 || sentVerbs[1] != krpc.AnnouncePeer {
		t.Fatalf("expected a follow-up announce_peer, got %+v", sentVerbs)
	}

	ack := krpc.NewResponse("\x00\x01", krpc.Return{ID: string(randomID(t).Bytes())})
	out.Resolve(ack, seed)
	if !done {
		t.Fatal("act should have completed once the announce_peer ack arrived")
	}
	if result.NumStored != 1 {
		t.Errorf("expected NumStored=1, got %d", result.NumStored)
	}
}

// TestActPutDataSignsWithAdoptedSeq verifies a mutable put run: the
// preceding get discovers a stored seq, and the follow-up put signs
// seq+1 with a matching signature.
func TestActPutDataSignsWithAdoptedSeq(t *testing.T) {
	local := randomID(t)
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	routing := routingtable.New(local)
	seed := testLocAt(t, 1)
	routing.Add(contact.Contact{ID: nearID(t, local), Loc: seed})

	var capturedArgs krpc.Args
	out2 := query.New(func(to contact.Location, msg krpc.Message) error {
		if msg.Q == krpc.Put {
			capturedArgs = *msg.A
		}
		return nil
	}, func() contact.ID { return local })

	put := PutSpec{
		V:          bencode.String("v2"),
		Mutable:    true,
		PublicKey:  pub,
		PrivateKey: priv,
		Seq:        0,
	}
	done := false
	a := NewPutData(routing, out2, put, func(r ActResult) { done = true })
	a.Start(local, nil)

	existingV := bencode.String("v1")
	existingSeq := int64(4)
	reply := krpc.NewResponse("\x00\x00", krpc.Return{
		ID:    string(randomID(t).Bytes()),
		V:     existingV,
		Seq:   &existingSeq,
		K:     string(pub),
		Sig:   string(ed25519.Sign(priv, bencode.PackSeqSalt(existingSeq, existingV, ""))),
		Token: "tok",
	})
	out2.Resolve(reply, seed)

	if capturedArgs.Seq == nil || *capturedArgs.Seq != existingSeq+1 {
		t.Fatalf("expected put to adopt seq %d, got %+v", existingSeq+1, capturedArgs.Seq)
	}
	if !ed25519.Verify(pub, bencode.PackSeqSalt(*capturedArgs.Seq, put.V, ""), []byte(capturedArgs.Sig)) {
		t.Error("put signature does not verify against the adopted seq")
	}

	ack := krpc.NewResponse("\x00\x01", krpc.Return{ID: string(randomID(t).Bytes())})
	out2.Resolve(ack, seed)
	if !done {
		t.Fatal("put act should have completed")
	}
}

// TestActAddsResponderToMainRoutingTableAndCountsVisited checks that a
// successful reply inserts its sender into the main routing table
// (spec.md §4.4's "insert the responder as a contact" step, which the
// scratch-only onPreReply/onPostReply used to skip entirely) and that
// the completion aggregate's NumVisited reflects the contacts queried.
func TestActAddsResponderToMainRoutingTableAndCountsVisited(t *testing.T) {
	local := randomID(t)
	ih := randomID(t)
	routing := routingtable.New(local)
	seed := testLocAt(t, 1)
	routing.Add(contact.Contact{ID: nearID(t, local), Loc: seed})
	lenBefore := routing.Len()

	out := query.New(func(to contact.Location, msg krpc.Message) error { return nil }, func() contact.ID { return local })

	var result ActResult
	a := NewGetPeers(routing, out, ih, nil, func(r ActResult) { result = r })
	a.Start(local, nil)

	responder := randomID(t)
	reply := krpc.NewResponse("\x00\x00", krpc.Return{ID: string(responder.Bytes())})
	out.Resolve(reply, seed)

	if result.NumVisited != 1 {
		t.Errorf("expected NumVisited=1, got %d", result.NumVisited)
	}
	if routing.Len() != lenBefore+1 {
		t.Fatalf("expected the responder to be added to the main routing table: len went from %d to %d", lenBefore, routing.Len())
	}
	found := false
	for _, c := range routing.All() {
		if c.ID == responder && c.Loc == seed {
			found = true
		}
	}
	if !found {
		t.Error("responder contact not found in main routing table after a successful reply")
	}
}

// TestActGetDataVerifiesSaltedMutableSignature checks that a get's
// signature check is performed against the salt the item was actually
// stored with, not an empty one: a reply signed over a non-empty salt
// must verify when Act is given that salt, and must be rejected
// (treated as not found) when it isn't.
func TestActGetDataVerifiesSaltedMutableSignature(t *testing.T) {
	local := randomID(t)
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	routing := routingtable.New(local)
	seed := testLocAt(t, 1)
	routing.Add(contact.Contact{ID: nearID(t, local), Loc: seed})

	const salt = "some-salt"
	v := bencode.String("salted")
	seq := int64(1)
	sig := ed25519.Sign(priv, bencode.PackSeqSalt(seq, v, salt))
	target := randomID(t) // target derivation is exercised elsewhere; any value works here.

	reply := krpc.NewResponse("\x00\x00", krpc.Return{
		ID:  string(randomID(t).Bytes()),
		V:   v,
		Seq: &seq,
		K:   string(pub),
		Sig: string(sig),
	})

	out := query.New(func(to contact.Location, msg krpc.Message) error { return nil }, func() contact.ID { return local })
	var resultWithSalt ActResult
	a := NewGetData(routing, out, target, salt, func(r ActResult) { resultWithSalt = r }, func(r ActResult) {})
	a.Start(local, nil)
	out.Resolve(reply, seed)
	if resultWithSalt.V.Kind != bencode.KindString || resultWithSalt.V.Str != "salted" {
		t.Errorf("expected onV to fire with the salted value when given the matching salt, got %+v", resultWithSalt)
	}

	routing2 := routingtable.New(local)
	routing2.Add(contact.Contact{ID: nearID(t, local), Loc: seed})
	out2 := query.New(func(to contact.Location, msg krpc.Message) error { return nil }, func() contact.ID { return local })
	onVCalled := false
	b := NewGetData(routing2, out2, target, "", func(r ActResult) { onVCalled = true }, func(r ActResult) {})
	b.Start(local, nil)
	out2.Resolve(reply, seed)
	if onVCalled {
		t.Error("expected onV not to fire when Act is given the wrong salt for the signature")
	}
}
