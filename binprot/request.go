package binprot

import (
	"encoding/binary"
	"strconv"
)

// Request is an outbound frame before serialization.
// It is a plain container: field validity is checked by Validate, which every
// encoding function calls before producing bytes.
type Request struct {
	Opcode Opcode

	// Key is 1-250 bytes for keyed opcodes, empty for Flush, Version and Noop,
	// and an optional group name for Stat.
	Key string

	// Extras holds the opcode specific fixed fields. Use StoreExtras,
	// CounterExtras or ExpirationExtras to build them.
	Extras []byte

	Value []byte

	// CAS, when nonzero on a mutation, makes the write conditional on the
	// server's current CAS for the key.
	CAS uint64

	// Opaque is echoed by the server and correlates pipelined responses.
	// Connection assigns one when left zero.
	Opaque uint32

	VBucket uint16
}

// NewRequest creates a request. Shape errors surface from Validate.
func NewRequest(op Opcode, key string, extras, value []byte) *Request {
	return &Request{
		Opcode: op,
		Key:    key,
		Extras: extras,
		Value:  value,
	}
}

// StoreExtras builds the Set/Add/Replace extras.
func StoreExtras(flags, expiration uint32) []byte {
	b := make([]byte, StoreExtrasLength)
	binary.BigEndian.PutUint32(b[0:4], flags)
	binary.BigEndian.PutUint32(b[4:8], expiration)
	return b
}

// CounterExtras builds the Increment/Decrement extras. An expiration of
// NoCreateExpiration disables seeding of missing keys.
func CounterExtras(delta, initial uint64, expiration uint32) []byte {
	b := make([]byte, CounterExtrasLength)
	binary.BigEndian.PutUint64(b[0:8], delta)
	binary.BigEndian.PutUint64(b[8:16], initial)
	binary.BigEndian.PutUint32(b[16:20], expiration)
	return b
}

// ExpirationExtras builds the Touch and delayed Flush extras.
func ExpirationExtras(expiration uint32) []byte {
	b := make([]byte, ExpirationExtrasLength)
	binary.BigEndian.PutUint32(b, expiration)
	return b
}

type keyRule uint8

const (
	keyRequired keyRule = iota
	keyForbidden
	keyOptional
)

// requestShape describes what an opcode accepts.
type requestShape struct {
	extras []int
	key    keyRule
	value  bool
}

func shapeOf(op Opcode) (requestShape, bool) {
	switch op {
	case OpGet, OpGets, OpDelete:
		return requestShape{extras: []int{0}, key: keyRequired}, true
	case OpSet, OpAdd, OpReplace:
		return requestShape{extras: []int{StoreExtrasLength}, key: keyRequired, value: true}, true
	case OpAppend, OpPrepend:
		return requestShape{extras: []int{0}, key: keyRequired, value: true}, true
	case OpIncrement, OpDecrement:
		return requestShape{extras: []int{CounterExtrasLength}, key: keyRequired}, true
	case OpTouch:
		return requestShape{extras: []int{ExpirationExtrasLength}, key: keyRequired}, true
	case OpFlush:
		return requestShape{extras: []int{0, ExpirationExtrasLength}, key: keyForbidden}, true
	case OpStat:
		return requestShape{extras: []int{0}, key: keyOptional}, true
	case OpVersion, OpNoop:
		return requestShape{extras: []int{0}, key: keyForbidden}, true
	}
	return requestShape{}, false
}

// Validate checks the request against the shape its opcode requires.
func (r *Request) Validate() error {
	shape, ok := shapeOf(r.Opcode)
	if !ok {
		return &ArgumentError{Op: r.Opcode, Message: "unsupported opcode"}
	}

	switch shape.key {
	case keyRequired:
		if err := ValidateKey(r.Key); err != nil {
			return err
		}
	case keyForbidden:
		if r.Key != "" {
			return &ArgumentError{Op: r.Opcode, Message: "key not allowed"}
		}
	case keyOptional:
		if len(r.Key) > MaxKeyLength {
			return ValidateKey(r.Key)
		}
	}

	extrasOK := false
	for _, n := range shape.extras {
		if len(r.Extras) == n {
			extrasOK = true
			break
		}
	}
	if !extrasOK {
		return &ArgumentError{Op: r.Opcode, Message: "extras length " + strconv.Itoa(len(r.Extras)) + " not allowed"}
	}

	if !shape.value && len(r.Value) > 0 {
		return &ArgumentError{Op: r.Opcode, Message: "value not allowed"}
	}

	if r.BodyLength() > MaxBodyLength {
		return &ArgumentError{Op: r.Opcode, Message: "body exceeds maximum length"}
	}

	return nil
}

// BodyLength is the total body length declared in the header.
func (r *Request) BodyLength() int {
	return len(r.Extras) + len(r.Key) + len(r.Value)
}
