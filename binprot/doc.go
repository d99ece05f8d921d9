// Package binprot implements the memcached binary protocol wire format.
//
// It is pure encoding and decoding with no I/O state: requests and responses
// are mapped to and from frames made of a 24-byte big-endian header followed by
// extras, key and value, in that order.
//
//	magic(1) | opcode(1) | key length(2) | extras length(1) | data type(1) |
//	status or vbucket(2) | total body length(4) | opaque(4) | CAS(8)
//
// Requests are validated against the shape their opcode requires before any
// byte is produced:
//
//	req := binprot.NewRequest(binprot.OpSet, "user:1", binprot.StoreExtras(0, 60), []byte("alice"))
//	frame, err := binprot.EncodeRequest(req)
//
// Decoding distinguishes a short buffer (ErrIncompleteFrame, read more) from a
// corrupt one (*ProtocolError, close the connection):
//
//	resp, n, err := binprot.DecodeResponse(buf)
//
// Both directions are provided so the same codec serves clients and test
// servers.
package binprot
