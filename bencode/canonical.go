package bencode

// PackSeqSalt builds the canonical signed message for a BEP44 mutable put,
// spec.md §4.5: the concatenation of the bencode fragments for
// {"salt": salt}, {"seq": seq}, {"v": v}, each fragment being the
// dictionary encoding of a singleton map with its leading 'd' and
// trailing 'e' stripped, in that order, omitting the salt fragment
// entirely when salt is empty. This must be reproduced bit-for-bit by
// any conforming implementation, so it is built directly off Encode
// rather than through any higher-level message type.
func PackSeqSalt(seq int64, v Value, salt string) []byte {
	var out []byte
	if salt != "" {
		out = append(out, fragment("salt", String(salt))...)
	}
	out = append(out, fragment("seq", Int(seq))...)
	out = append(out, fragment("v", v)...)
	return out
}

// fragment encodes {key: val} as a dict and strips the outer 'd'/'e'
// delimiters, leaving just the key-length-prefixed-string/value pair.
func fragment(key string, val Value) []byte {
	enc := Encode(Dict(map[string]Value{key: val}))
	// enc is "d" + <key><val> + "e"; strip exactly one leading and
	// trailing byte.
	return enc[1 : len(enc)-1]
}
