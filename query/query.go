// Package query implements spec.md §4.4's outgoing query multiplexer:
// transaction ids, a bounded pending table, a FIFO waiting queue for
// when the table is full, and the 100ms tick sweep that times out
// queries after 500ms (5 ticks).
//
// Grounded on the teacher's RemoteNode.NewQuery/PendingQueries (a
// per-node transaction id counter and map), generalized to a single
// node-wide table keyed by transaction id rather than one table per
// remote, since spec.md's pending table is global and capped at 20
// regardless of how many distinct remotes are in flight.
package query

import (
	"time"

	"mdht/contact"
	"mdht/krpc"
)

// Cap is the maximum number of outstanding queries tracked at once.
// Additional queries wait in a FIFO queue until a slot frees up.
const Cap = 20

// TickPeriod is how often Tick should be called by the node's loop.
const TickPeriod = 100 * time.Millisecond

// TimeoutTicks is how many Tick calls a query survives before it times
// out: 5 * 100ms = 500ms, per spec.md §4.4.
const TimeoutTicks = 5

// Continuation is invoked when a query resolves, either with a reply
// (ok true) or a timeout (ok false, msg zero).
type Continuation func(msg krpc.Message, from contact.Location, ok bool)

type pending struct {
	verb    string
	to      contact.Location
	cont    Continuation
	ticksLeft int
}

type waiting struct {
	verb string
	to   contact.Location
	args krpc.Args
	cont Continuation
}

// Outgoing is the node-wide outstanding-query table.
type Outgoing struct {
	nextID  uint16
	table   map[string]*pending // key: transaction id as a 2-byte string
	queue   []waiting
	send    func(to contact.Location, msg krpc.Message) error
	localID func() contact.ID
}

// New creates an empty outgoing-query table. send is called to actually
// write a query datagram to the wire (transport.Send); localID returns
// the node's current id for the "id" argument.
func New(send func(contact.Location, krpc.Message) error, localID func() contact.ID) *Outgoing {
	return &Outgoing{
		table:   make(map[string]*pending),
		send:    send,
		localID: localID,
	}
}

func transID(n uint16) string {
	return string([]byte{byte(n >> 8), byte(n)})
}

// Query sends a query to `to`, registering cont to be invoked on reply
// or timeout. If the pending table is at Cap, the query is queued and
// sent once a slot frees up.
func (o *Outgoing) Query(verb string, to contact.Location, args krpc.Args, cont Continuation) {
	if args.ID == "" {
		args.ID = string(o.localID().Bytes())
	}
	if len(o.table) >= Cap {
		o.queue = append(o.queue, waiting{verb: verb, to: to, args: args, cont: cont})
		return
	}
	o.dispatch(verb, to, args, cont)
}

func (o *Outgoing) dispatch(verb string, to contact.Location, args krpc.Args, cont Continuation) {
	t := transID(o.nextID)
	o.nextID++
	o.table[t] = &pending{verb: verb, to: to, cont: cont, ticksLeft: TimeoutTicks}
	msg := krpc.NewQuery(t, verb, args)
	if o.send != nil {
		o.send(to, msg)
	}
}

// Resolve matches an incoming reply or error message against the
// pending table by transaction id, invoking and removing the matching
// continuation. It reports whether a match was found.
func (o *Outgoing) Resolve(msg krpc.Message, from contact.Location) bool {
	p, ok := o.table[msg.T]
	if !ok {
		return false
	}
	delete(o.table, msg.T)
	p.cont(msg, from, true)
	o.promote()
	return true
}

// Tick advances every pending query's deadline by one tick, firing
// timeout continuations for any that reach zero.
func (o *Outgoing) Tick() {
	for t, p := range o.table {
		p.ticksLeft--
		if p.ticksLeft <= 0 {
			delete(o.table, t)
			p.cont(krpc.Message{}, p.to, false)
			o.promote()
		}
	}
}

// FailAll fires every pending and queued continuation with a timeout
// sentinel and empties both, for use when the node is shutting down and
// Tick will never run again to age them out naturally.
func (o *Outgoing) FailAll() {
	for t, p := range o.table {
		delete(o.table, t)
		p.cont(krpc.Message{}, p.to, false)
	}
	queued := o.queue
	o.queue = nil
	for _, w := range queued {
		w.cont(krpc.Message{}, w.to, false)
	}
}

// promote dispatches the next waiting query, if the table has room and
// the queue is non-empty.
func (o *Outgoing) promote() {
	if len(o.queue) == 0 || len(o.table) >= Cap {
		return
	}
	w := o.queue[0]
	o.queue = o.queue[1:]
	o.dispatch(w.verb, w.to, w.args, w.cont)
}

// Len reports the number of currently outstanding queries.
func (o *Outgoing) Len() int {
	return len(o.table)
}

// QueueLen reports the number of queries waiting for a table slot.
func (o *Outgoing) QueueLen() int {
	return len(o.queue)
}
