// Package krpc defines the wire message shapes for the BEP5/BEP44 KRPC
// protocol: queries, responses, and errors, each carrying a transaction id
// and a type discriminator, per spec.md §6.
//
// Grounded on the teacher's remoteNode/krpc.go (QueryMessage, ReplyMessage,
// ResponseType) generalized to cover the full BEP44 argument/return surface
// that the teacher doesn't implement, in the struct-tagged idiom seen in
// yarikk-dht/krpc/msg.go.
package krpc

import "mdht/bencode"

// Message types, the "y" field.
const (
	TypeQuery    = "q"
	TypeResponse = "r"
	TypeError    = "e"
)

// Verbs, the "q" field.
const (
	Ping          = "ping"
	FindNode      = "find_node"
	GetPeers      = "get_peers"
	AnnouncePeer  = "announce_peer"
	Get           = "get"
	Put           = "put"
)

// Error codes, spec.md §6.
const (
	ErrProtocol        = 203
	ErrUnknownMethod   = 204
	ErrMessageTooBig   = 205
	ErrBadSignature    = 206
	ErrSaltTooBig      = 207
	ErrCASMismatch     = 301
	ErrSequenceTooLow  = 302
)

// Args is the union of every verb's "a" argument dict. Unused fields are
// omitted on encode via `omitempty`. Seq and CAS are pointers so that an
// absent key (nil) is distinct from a present zero; a zero Port is
// treated as absent.
type Args struct {
	ID           string        `bencode:"id"`
	Target       string        `bencode:"target,omitempty"`
	InfoHash     string        `bencode:"info_hash,omitempty"`
	Port         int64         `bencode:"port,omitempty"`
	ImpliedPort  int64         `bencode:"implied_port,omitempty"`
	Token        string        `bencode:"token,omitempty"`
	Seq          *int64        `bencode:"seq,omitempty"`
	V            bencode.Value `bencode:"v,omitempty"`
	K            string        `bencode:"k,omitempty"`
	Sig          string        `bencode:"sig,omitempty"`
	Salt         string        `bencode:"salt,omitempty"`
	Cas          *int64        `bencode:"cas,omitempty"`
}

// Return is the union of every verb's "r" response dict.
type Return struct {
	ID     string        `bencode:"id"`
	Nodes  string        `bencode:"nodes,omitempty"`
	Values []string      `bencode:"values,omitempty"`
	Token  string        `bencode:"token,omitempty"`
	Seq    *int64        `bencode:"seq,omitempty"`
	V      bencode.Value `bencode:"v,omitempty"`
	K      string        `bencode:"k,omitempty"`
	Sig    string        `bencode:"sig,omitempty"`
}

// Message is the full envelope: every message has T and Y; Q/A appear on
// queries, R on responses, E on errors.
type Message struct {
	T string  `bencode:"t"`
	Y string  `bencode:"y"`
	Q string  `bencode:"q,omitempty"`
	A *Args   `bencode:"a,omitempty"`
	R *Return `bencode:"r,omitempty"`
	E []Value `bencode:"e,omitempty"`
}

// Value aliases bencode.Value so callers of this package don't need to
// import bencode directly just to build an error array.
type Value = bencode.Value

// NewQuery builds a query message.
func NewQuery(t, q string, a Args) Message {
	return Message{T: t, Y: TypeQuery, Q: q, A: &a}
}

// NewResponse builds a response message.
func NewResponse(t string, r Return) Message {
	return Message{T: t, Y: TypeResponse, R: &r}
}

// NewError builds an error message.
func NewError(t string, code int, msg string) Message {
	return Message{T: t, Y: TypeError, E: []Value{bencode.Int(int64(code)), bencode.String(msg)}}
}

// Encode marshals m to its wire bencode form.
func Encode(m Message) ([]byte, error) {
	return bencode.Marshal(m)
}

// Decode parses a datagram into a Message. It never panics; malformed
// input returns a wrapped bencode.ErrMalformed.
func Decode(b []byte) (Message, error) {
	var m Message
	err := bencode.Unmarshal(b, &m)
	return m, err
}

// ErrorCode extracts the numeric code from an error message's "e" array,
// spec.md §4.4's "for e must carry e array [code, message]" rejection
// rule. ok is false if the message isn't a well-formed error.
func (m Message) ErrorCode() (code int, msg string, ok bool) {
	if m.Y != TypeError || len(m.E) != 2 || m.E[0].Kind != bencode.KindInt || m.E[1].Kind != bencode.KindString {
		return 0, "", false
	}
	return int(m.E[0].Int), m.E[1].Str, true
}
