// Package lookup implements spec.md §4.6's LookupEngine: the iterative
// find_node populate procedure and the compound act pipeline built on
// top of it.
//
// There is no single teacher equivalent of an iterative, suspendable
// lookup driven by continuations rather than goroutines-per-operation:
// the teacher's processFindNodeResults/processGetPeerResults are
// continuation bodies invoked from dht.go's main select loop, which is
// the shape populate/act follow here, restructured as explicit state
// machines (Populate, Act) rather than free functions closing over DHT
// fields, since this package has no access to a DHT god-object.
// prxssh-rabbit/internal/dht/lookup.go's Run()/isComplete() barrier
// shape is used only as enrichment for the "settle when pending returns
// to zero" completion condition, not adopted wholesale: spec.md §5
// requires everything to run on the single event-loop goroutine, so
// there is no per-lookup goroutine here, only continuations registered
// with query.Outgoing and driven by the transport/query tick.
package lookup

import (
	"time"

	"mdht/contact"
	"mdht/krpc"
	"mdht/query"
	"mdht/routingtable"
)

// BootstrapNodeCountHeuristic mirrors identity.BootstrapNodeCountHeuristic;
// duplicated as a local constant rather than imported to avoid a
// lookup->identity dependency for a single number.
const BootstrapNodeCountHeuristic = 16

// Populate runs the iterative find_node procedure against a scratch
// routing table, per spec.md §4.6.
type Populate struct {
	scratch  *routingtable.RoutingTable
	target   contact.ID
	localID  func() contact.ID
	outgoing *query.Outgoing

	visited map[contact.Location]bool
	pending int
	onDone  func(visited int)
	done    bool
}

// NewPopulate creates a populate run against scratch for target,
// issuing outgoing find_node queries through outgoing. onDone is
// invoked exactly once, when the pending count returns to zero.
func NewPopulate(scratch *routingtable.RoutingTable, target contact.ID, localID func() contact.ID, outgoing *query.Outgoing, onDone func(visited int)) *Populate {
	return &Populate{
		scratch:  scratch,
		target:   target,
		localID:  localID,
		outgoing: outgoing,
		visited:  make(map[contact.Location]bool),
		onDone:   onDone,
	}
}

// Start seeds the run with an initial set of locations (the scratch
// table's current contacts, or a bootstrap router list).
func (p *Populate) Start(seeds []contact.Location) {
	if len(seeds) == 0 {
		p.checkDone()
		return
	}
	for _, loc := range seeds {
		p.visit(loc)
	}
}

func (p *Populate) visit(loc contact.Location) {
	if p.visited[loc] {
		return
	}
	p.visited[loc] = true
	p.pending++
	targetBytes := p.target.Bytes()
	p.outgoing.Query(krpc.FindNode, loc, krpc.Args{Target: string(targetBytes)}, p.onReply)
}

func (p *Populate) onReply(msg krpc.Message, from contact.Location, ok bool) {
	p.pending--
	if ok && msg.R != nil {
		nodes := contact.UnpackNodes([]byte(msg.R.Nodes))
		if len(nodes) != BootstrapNodeCountHeuristic {
			responderID, idOK := parseIDBytes(msg.R.ID)
			if idOK {
				p.scratch.Add(contact.Contact{ID: responderID, Loc: from, LastSeen: time.Now()})
			}
		}
		for _, n := range nodes {
			y, z, _ := p.scratch.Find(n.ID)
			if y == p.scratch.TipIndex() && z == 1 {
				p.visit(n.Loc)
			}
		}
	}
	p.checkDone()
}

func (p *Populate) checkDone() {
	if p.done || p.pending > 0 {
		return
	}
	p.done = true
	if p.onDone != nil {
		p.onDone(len(p.visited))
	}
}

func parseIDBytes(s string) (contact.ID, bool) {
	if len(s) != contact.IDLen {
		return contact.ID{}, false
	}
	var id contact.ID
	copy(id[:], s)
	return id, true
}
