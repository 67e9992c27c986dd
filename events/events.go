// Package events defines the tagged-variant event stream a node emits,
// replacing the single untyped update(key, value) callback flagged in
// the DESIGN NOTES ("event emission through a single untyped callback")
// with a sum type: each Kind carries its own payload fields, and unused
// fields are simply left zero rather than type-asserted out of an
// interface{} at the call site.
package events

import (
	"mdht/contact"
)

// Kind discriminates which fields of Event are meaningful.
type Kind int

const (
	KindID Kind = iota
	KindPublicKey
	KindListening
	KindReady
	KindIncoming
	KindError
	KindNodes
	KindClosest
	KindPeers
	KindData
	KindSpam
	KindDropNode
	KindDropPeer
	KindDropData
	KindUDPFail
)

func (k Kind) String() string {
	switch k {
	case KindID:
		return "id"
	case KindPublicKey:
		return "publicKey"
	case KindListening:
		return "listening"
	case KindReady:
		return "ready"
	case KindIncoming:
		return "incoming"
	case KindError:
		return "error"
	case KindNodes:
		return "nodes"
	case KindClosest:
		return "closest"
	case KindPeers:
		return "peers"
	case KindData:
		return "data"
	case KindSpam:
		return "spam"
	case KindDropNode:
		return "dropNode"
	case KindDropPeer:
		return "dropPeer"
	case KindDropData:
		return "dropData"
	case KindUDPFail:
		return "udpFail"
	}
	return "unknown"
}

// Event is a single emitted observation. Only the fields relevant to
// Kind are populated; the rest are the zero value.
type Event struct {
	Kind Kind

	ID        contact.ID
	PublicKey [32]byte
	Port      int
	NumVisited int
	Verb      string
	From      contact.Location
	ErrCode   int
	ErrMsg    string
	Nodes     []contact.Contact
	InfoHash  contact.ID
	Count     int
	Source    contact.Location
}

func ID(id contact.ID) Event          { return Event{Kind: KindID, ID: id} }
func PublicKey(k [32]byte) Event      { return Event{Kind: KindPublicKey, PublicKey: k} }
func Listening(port int) Event        { return Event{Kind: KindListening, Port: port} }
func Ready(numVisited int) Event      { return Event{Kind: KindReady, NumVisited: numVisited} }
func Incoming(verb string, from contact.Location) Event {
	return Event{Kind: KindIncoming, Verb: verb, From: from}
}
func Error(code int, msg string) Event { return Event{Kind: KindError, ErrCode: code, ErrMsg: msg} }
func Nodes(count int) Event            { return Event{Kind: KindNodes, Count: count} }
func Closest(nodes []contact.Contact) Event { return Event{Kind: KindClosest, Nodes: nodes} }
func Peers(count int) Event            { return Event{Kind: KindPeers, Count: count} }
func Data(count int) Event             { return Event{Kind: KindData, Count: count} }
func Spam(source contact.Location) Event { return Event{Kind: KindSpam, Source: source} }
func DropNode(id contact.ID) Event     { return Event{Kind: KindDropNode, ID: id} }
func DropPeer(ih contact.ID, loc contact.Location) Event {
	return Event{Kind: KindDropPeer, InfoHash: ih, Source: loc}
}
func DropData(target contact.ID) Event { return Event{Kind: KindDropData, ID: target} }
func UDPFail(port int) Event           { return Event{Kind: KindUDPFail, Port: port} }
