package binprot

import "fmt"

// Magic identifies the direction of a frame.
type Magic uint8

const (
	MagicRequest  Magic = 0x80
	MagicResponse Magic = 0x81
)

// Frame layout limits.
const (
	// HeaderSize is the fixed size of every frame header.
	HeaderSize = 24

	MinKeyLength = 1
	MaxKeyLength = 250

	// MaxBodyLength caps the body length a frame may declare. A larger
	// declaration is treated as corruption instead of being allocated.
	MaxBodyLength = 128 << 20

	// RawDataType is the only data type defined by the protocol.
	RawDataType uint8 = 0x00
)

// NoCreateExpiration in counter extras asks the server to fail with
// KeyNotFound instead of seeding a missing key with the initial value.
const NoCreateExpiration uint32 = 0xffffffff

// Extras sizes per opcode family.
const (
	StoreExtrasLength      = 8  // flags(4) + expiration(4)
	CounterExtrasLength    = 20 // delta(8) + initial(8) + expiration(4)
	ExpirationExtrasLength = 4  // expiration(4)
	GetExtrasLength        = 4  // flags(4), response only
)

// Opcode identifies a protocol operation. The numeric values are fixed by the
// protocol and must match the server bit for bit.
type Opcode uint8

const (
	OpGet       Opcode = 0x00
	OpSet       Opcode = 0x01
	OpAdd       Opcode = 0x02
	OpReplace   Opcode = 0x03
	OpDelete    Opcode = 0x04
	OpIncrement Opcode = 0x05
	OpDecrement Opcode = 0x06
	OpFlush     Opcode = 0x08

	// OpGets is the quiet get: the server sends nothing on a miss. It is used
	// for pipelined multi-key reads terminated by OpNoop.
	OpGets Opcode = 0x09

	OpNoop    Opcode = 0x0a
	OpVersion Opcode = 0x0b
	OpAppend  Opcode = 0x0e
	OpPrepend Opcode = 0x0f
	OpStat    Opcode = 0x10
	OpTouch   Opcode = 0x1c
)

var opcodeNames = map[Opcode]string{
	OpGet:       "Get",
	OpSet:       "Set",
	OpAdd:       "Add",
	OpReplace:   "Replace",
	OpDelete:    "Delete",
	OpIncrement: "Increment",
	OpDecrement: "Decrement",
	OpFlush:     "Flush",
	OpGets:      "Gets",
	OpNoop:      "Noop",
	OpVersion:   "Version",
	OpAppend:    "Append",
	OpPrepend:   "Prepend",
	OpStat:      "Stat",
	OpTouch:     "Touch",
}

func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("Opcode(0x%02x)", uint8(op))
}

// Known reports whether op is part of the supported command set.
func (op Opcode) Known() bool {
	_, ok := opcodeNames[op]
	return ok
}

// Quiet reports whether the server omits the response on a miss.
func (op Opcode) Quiet() bool {
	return op == OpGets
}

// MultiFrame reports whether a single request produces a stream of response
// frames terminated by an empty-key frame.
func (op Opcode) MultiFrame() bool {
	return op == OpStat
}

// Status is the status field of a response header. Codes outside the known
// set are preserved as-is and reported as unrecognized.
type Status uint16

const (
	StatusSuccess          Status = 0x0000
	StatusKeyNotFound      Status = 0x0001
	StatusKeyExists        Status = 0x0002
	StatusValueTooLarge    Status = 0x0003
	StatusInvalidArguments Status = 0x0004
	StatusItemNotStored    Status = 0x0005
	StatusNonNumericValue  Status = 0x0006
	StatusAuthError        Status = 0x0020
	StatusUnknownCommand   Status = 0x0081
	StatusOutOfMemory      Status = 0x0082
)

var statusNames = map[Status]string{
	StatusSuccess:          "Success",
	StatusKeyNotFound:      "KeyNotFound",
	StatusKeyExists:        "KeyExists",
	StatusValueTooLarge:    "ValueTooLarge",
	StatusInvalidArguments: "InvalidArguments",
	StatusItemNotStored:    "ItemNotStored",
	StatusNonNumericValue:  "NonNumericValue",
	StatusAuthError:        "AuthError",
	StatusUnknownCommand:   "UnknownCommand",
	StatusOutOfMemory:      "OutOfMemory",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Unrecognized(0x%04x)", uint16(s))
}

// Known reports whether s is one of the statuses defined by the protocol.
func (s Status) Known() bool {
	_, ok := statusNames[s]
	return ok
}
