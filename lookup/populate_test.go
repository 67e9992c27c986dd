package lookup

import (
	"crypto/rand"
	"testing"

	"mdht/contact"
	"mdht/krpc"
	"mdht/query"
	"mdht/routingtable"
)

func randomID(t *testing.T) contact.ID {
	t.Helper()
	var id contact.ID
	if _, err := rand.Read(id[:]); err != nil {
		t.Fatal(err)
	}
	return id
}

func testLocAt(t *testing.T, port int) contact.Location {
	t.Helper()
	loc, err := contact.NewLocation([]byte{203, 0, 113, byte(port % 250) + 1}, 6800+port)
	if err != nil {
		t.Fatal(err)
	}
	return loc
}

// TestPopulateVisitsSingleUnreachableSeedAndCompletes covers spec.md
// §8's "lookup with no UDP reachability" scenario: a populate run
// seeded with one node that never replies still completes (via
// query.Outgoing's timeout) reporting exactly one visited location.
func TestPopulateVisitsSingleUnreachableSeedAndCompletes(t *testing.T) {
	local := randomID(t)
	target := randomID(t)
	scratch := routingtable.New(local)

	sent := 0
	out := query.New(func(to contact.Location, msg krpc.Message) error {
		sent++
		return nil
	}, func() contact.ID { return local })

	var result int
	done := false
	p := NewPopulate(scratch, target, func() contact.ID { return local }, out, func(visited int) {
		done = true
		result = visited
	})

	p.Start([]contact.Location{testLocAt(t, 1)})
	if sent != 1 {
		t.Fatalf("expected 1 find_node to be sent, got %d", sent)
	}
	if done {
		t.Fatal("populate should not be done before the query resolves or times out")
	}

	for i := 0; i < query.TimeoutTicks; i++ {
		out.Tick()
	}
	if !done {
		t.Fatal("populate should have completed after the pending query timed out")
	}
	if result != 1 {
		t.Errorf("expected 1 visited location, got %d", result)
	}
}

// TestPopulateExpandsIntoTipBucketNodes verifies that a find_node reply
// carrying a discovered node is only followed up when that node would
// land in the scratch table's tip bucket.
func TestPopulateExpandsIntoTipBucketNodes(t *testing.T) {
	local := randomID(t)
	target := local // target == local, so the scratch table's tip is also the bucket nearest the target

	scratch := routingtable.New(local)
	var lastArgs krpc.Args
	var lastCont query.Continuation
	calls := 0
	out := query.New(func(to contact.Location, msg krpc.Message) error {
		calls++
		return nil
	}, func() contact.ID { return local })

	done := false
	var visited int
	p := NewPopulate(scratch, target, func() contact.ID { return local }, out, func(v int) {
		done = true
		visited = v
	})

	seed := testLocAt(t, 1)
	p.Start([]contact.Location{seed})
	if calls != 1 {
		t.Fatalf("expected 1 initial find_node, got %d", calls)
	}

	// Discover a node whose id differs from local in its low bits, which
	// keeps it in the tip's near (E1) side since CommonPrefixLen(local,n)
	// will exceed tipIndex()==0, landing it at y=0,z=1.
	discovered := local
	discovered[19] ^= 0x01
	nodeLoc := testLocAt(t, 2)
	nodesPacked := contact.PackNodes([]contact.Contact{{ID: discovered, Loc: nodeLoc}})

	_ = lastArgs
	_ = lastCont

	// Resolve the first query manually through Outgoing.Resolve using the
	// transaction id Outgoing assigned (0, since this is the first query).
	reply := krpc.NewResponse("\x00\x00", krpc.Return{ID: string(local.Bytes()), Nodes: string(nodesPacked)})
	if !out.Resolve(reply, seed) {
		t.Fatal("expected the reply to resolve the pending find_node")
	}
	if calls != 2 {
		t.Fatalf("expected the discovered node to trigger a second find_node, got %d calls", calls)
	}
	if done {
		t.Fatal("populate should still be pending on the second find_node")
	}

	reply2 := krpc.NewResponse("\x00\x01", krpc.Return{ID: string(discovered.Bytes())})
	if !out.Resolve(reply2, nodeLoc) {
		t.Fatal("expected the second reply to resolve")
	}
	if !done {
		t.Fatal("populate should have completed once both queries settled")
	}
	if visited != 2 {
		t.Errorf("expected 2 visited locations, got %d", visited)
	}
}
