package binprot

import (
	"encoding/binary"
	"strconv"
)

// Response is a decoded response frame.
type Response struct {
	Opcode   Opcode
	Status   Status
	DataType uint8
	Opaque   uint32
	CAS      uint64
	Extras   []byte
	Key      string
	Value    []byte
}

func (r *Response) IsSuccess() bool {
	return r.Status == StatusSuccess
}

// Flags returns the client flags carried in the extras of a Get response.
// It returns 0 when the response has no flags.
func (r *Response) Flags() uint32 {
	if len(r.Extras) < GetExtrasLength {
		return 0
	}
	return binary.BigEndian.Uint32(r.Extras[:GetExtrasLength])
}

// Counter returns the post-operation value of a successful Increment or
// Decrement. The body must be exactly one 64-bit big-endian integer.
func (r *Response) Counter() (uint64, error) {
	if len(r.Value) != 8 {
		return 0, &ProtocolError{Message: "counter body length " + strconv.Itoa(len(r.Value)) + ", want 8"}
	}
	return binary.BigEndian.Uint64(r.Value), nil
}

// IsStatTerminator reports whether r closes a Stat response stream.
func (r *Response) IsStatTerminator() bool {
	return r.Key == "" && len(r.Value) == 0
}

// StatusError wraps the response status as an error. Commands use it for
// statuses outside the set they interpret.
func (r *Response) StatusError() error {
	return &StatusError{Op: r.Opcode, Status: r.Status, Message: string(r.Value)}
}

// NewResponse builds a response to req, echoing its opcode and opaque.
func NewResponse(req *Request, status Status) *Response {
	return &Response{
		Opcode: req.Opcode,
		Status: status,
		Opaque: req.Opaque,
	}
}

// GetExtras builds the extras of a Get response.
func GetExtras(flags uint32) []byte {
	b := make([]byte, GetExtrasLength)
	binary.BigEndian.PutUint32(b, flags)
	return b
}

// CounterValue builds the body of a counter response.
func CounterValue(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
