// Package routingtable implements spec.md §4.2: an XOR-bucketed routing
// table represented as a growable sequence of bucket pairs (E0, E1)
// indexed by discriminator bit position, with a splittable tip.
//
// The teacher (STX5-dht's routingTable package) keeps every contact in a
// single binary trie (nTree) with path compression. spec.md's DESIGN NOTES
// calls that representation "already index-based" and asks for it to be
// expressed as "a growable sequence of (E0, E1) pairs with fixed-capacity
// buckets" instead — the bit-by-bit traversal logic here (walking down by
// bit position, comparing the local id's bit to decide which side holds
// "near" contacts) is carried over in spirit from nTree.Traverse and
// routingTable.CommonBits, but the storage shape matches spec.md §3/§4.2
// exactly: a bucket pair per split level, capped at K per bucket, with all
// non-tip E1 buckets forced empty.
package routingtable

import (
	"sort"
	"time"

	"mdht/contact"
	"mdht/identity"
)

// K is the maximum number of contacts held in any single bucket.
const K = 8

// RefreshStaleFraction is the fraction of surviving contacts, by
// staleness, that Refresh re-pings on each housekeeping tick.
const RefreshStaleFraction = 0.10

// bucketPair holds the "far" (E0) and "near" (E1) contacts at one
// discriminator bit position y: E1 contains contacts whose bit y matches
// the local id, E0 contains contacts whose bit y differs.
type bucketPair struct {
	e0 []contact.Contact
	e1 []contact.Contact
}

// RoutingTable is the XOR-bucketed routing table of spec.md §3/§4.2.
type RoutingTable struct {
	Local contact.ID
	pairs []bucketPair
}

// New creates an empty routing table for the given local id, with a
// single bucket pair (the initial tip).
func New(local contact.ID) *RoutingTable {
	return &RoutingTable{Local: local, pairs: []bucketPair{{}}}
}

// tipIndex is the index of the last (splittable) bucket pair.
func (r *RoutingTable) tipIndex() int {
	return len(r.pairs) - 1
}

// TipIndex exposes tipIndex for callers (the lookup engine) that need to
// tell whether a candidate id would land in the tip's near bucket.
func (r *RoutingTable) TipIndex() int {
	return r.tipIndex()
}

// Find locates the bucket that would contain id: y is the tree index
// (min(first differing bit from local id, tip index)), z is 1 if bit y of
// id matches the local id, i is the in-bucket index of id if present, or
// len(bucket) if absent.
func (r *RoutingTable) Find(id contact.ID) (y int, z int, i int) {
	y = contact.CommonPrefixLen(r.Local, id)
	if y > r.tipIndex() {
		y = r.tipIndex()
	}
	z = 0
	if contact.Bit(id, y) == contact.Bit(r.Local, y) {
		z = 1
	}
	bucket := r.bucketAt(y, z == 1)
	for idx, c := range bucket {
		if c.ID == id {
			return y, z, idx
		}
	}
	return y, z, len(bucket)
}

func (r *RoutingTable) bucketAt(y int, near bool) []contact.Contact {
	if near {
		return r.pairs[y].e1
	}
	return r.pairs[y].e0
}

func (r *RoutingTable) setBucketAt(y int, near bool, b []contact.Contact) {
	if near {
		r.pairs[y].e1 = b
	} else {
		r.pairs[y].e0 = b
	}
}

// Add inserts or refreshes a contact, per spec.md §4.2's add operation.
// Contacts matching the local id are ignored. Existing contacts have
// their timestamp (and location) refreshed in place. A contact landing
// in a bucket with room is appended; a far (E0) bucket that's full
// silently discards the new contact (bias toward near contacts); a full
// near (E1) tip bucket appends then splits. The contact's BEP42 flag is
// recomputed from its id and address on every call; it never gates
// insertion.
func (r *RoutingTable) Add(c contact.Contact) {
	if c.ID == r.Local {
		return
	}
	c.BEP42 = identity.CheckBEP42([4]byte{c.Loc[0], c.Loc[1], c.Loc[2], c.Loc[3]}, c.ID)
	y, z, i := r.Find(c.ID)
	near := z == 1
	bucket := r.bucketAt(y, near)
	if i < len(bucket) {
		bucket[i] = c
		return
	}
	if len(bucket) < K {
		r.setBucketAt(y, near, append(bucket, c))
		return
	}
	if !near {
		// Far bucket full: bias toward near contacts, discard.
		return
	}
	// Near (E1) tip bucket full: append then split, per spec.md §4.2.
	r.setBucketAt(y, near, append(bucket, c))
	r.split(y)
}

// split grows the tree by one level at position y, the tip's near (E1)
// bucket, redistributing its contacts (now K+1 of them) into a fresh
// bucket pair keyed on the next bit.
func (r *RoutingTable) split(y int) {
	if y != r.tipIndex() {
		return // only the tip may split
	}
	overflow := r.pairs[y].e1
	r.pairs[y].e1 = nil
	r.pairs = append(r.pairs, bucketPair{})
	next := y + 1
	for _, c := range overflow {
		if contact.Bit(c.ID, next) == contact.Bit(r.Local, next) {
			r.pairs[next].e1 = append(r.pairs[next].e1, c)
		} else {
			r.pairs[next].e0 = append(r.pairs[next].e0, c)
		}
	}
}

// Closest returns up to K contacts of the tip's near bucket, sorted by
// ascending XOR distance to the local id.
func (r *RoutingTable) Closest() []contact.Contact {
	tip := append([]contact.Contact{}, r.pairs[r.tipIndex()].e1...)
	sort.Slice(tip, func(i, j int) bool {
		return contact.Less(contact.Distance(r.Local, tip[i].ID), contact.Distance(r.Local, tip[j].ID))
	})
	if len(tip) > K {
		tip = tip[:K]
	}
	return tip
}

// ClosestTo returns up to K contacts from the whole table, sorted by
// ascending XOR distance to target. Unlike Closest, this isn't limited to
// the tip bucket; the incoming-query handlers use it to answer
// find_node, get_peers and get with the contacts nearest the target.
func (r *RoutingTable) ClosestTo(target contact.ID, n int) []contact.Contact {
	all := r.All()
	sort.Slice(all, func(i, j int) bool {
		return contact.Less(contact.Distance(target, all[i].ID), contact.Distance(target, all[j].ID))
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// All returns every contact in the table: every E0 bucket plus the tip's
// E1 bucket.
func (r *RoutingTable) All() []contact.Contact {
	var out []contact.Contact
	for i, p := range r.pairs {
		out = append(out, p.e0...)
		if i == r.tipIndex() {
			out = append(out, p.e1...)
		}
	}
	return out
}

// Len returns the total number of contacts in the table.
func (r *RoutingTable) Len() int {
	return len(r.All())
}

// MakeTemporary builds a fresh table keyed by local', seeded with every
// contact from r, per spec.md §4.2. Temporary tables are query-planning
// scratchpads: they may contain their own id and must not mutate r's
// contact timestamps (Add copies by value, so this falls out naturally).
func (r *RoutingTable) MakeTemporary(local contact.ID) *RoutingTable {
	tmp := New(local)
	for _, c := range r.All() {
		tmp.Add(c)
	}
	return tmp
}

// Remove deletes a contact by id, wherever it lives in the table.
func (r *RoutingTable) Remove(id contact.ID) {
	y, z, i := r.Find(id)
	near := z == 1
	bucket := r.bucketAt(y, near)
	if i >= len(bucket) {
		return
	}
	r.setBucketAt(y, near, append(bucket[:i], bucket[i+1:]...))
}

// Refresh implements spec.md §4.2's three-step maintenance: drop contacts
// that failed the previous round's ping (LastSeen is the zero sentinel),
// mark the stalest 10% of survivors as pending and hand them to ping for
// re-confirmation, and recompact the tree via MakeTemporary if the table
// has grown sparse (more total contacts than fit in a single closest()
// call, yet closest() returns fewer than K).
func (r *RoutingTable) Refresh(ping func(contact.Contact)) {
	survivors := make([]contact.Contact, 0, r.Len())
	for _, c := range r.All() {
		if c.LastSeen.IsZero() {
			continue // failed the previous round's ping; drop.
		}
		survivors = append(survivors, c)
	}
	*r = *r.rebuiltFrom(survivors)

	sort.Slice(survivors, func(i, j int) bool {
		return survivors[i].LastSeen.Before(survivors[j].LastSeen)
	})
	staleCount := int(float64(len(survivors)) * RefreshStaleFraction)
	for i := 0; i < staleCount; i++ {
		c := survivors[i]
		c.LastSeen = time.Time{}
		r.Add(c)
		if ping != nil {
			ping(c)
		}
	}

	if r.Len() > K && len(r.Closest()) < K {
		*r = *r.MakeTemporary(r.Local)
	}
}

// rebuiltFrom discards the current tree shape and re-inserts the given
// contacts from scratch, used by Refresh after dropping failed pings.
func (r *RoutingTable) rebuiltFrom(contacts []contact.Contact) *RoutingTable {
	tmp := New(r.Local)
	for _, c := range contacts {
		tmp.Add(c)
	}
	return tmp
}
