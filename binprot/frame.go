package binprot

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Header is the fixed 24-byte frame header. All multi-byte fields are
// big-endian. VBucketOrStatus carries the vbucket id in requests and the
// status in responses.
type Header struct {
	Magic           Magic
	Opcode          Opcode
	KeyLength       uint16
	ExtrasLength    uint8
	DataType        uint8
	VBucketOrStatus uint16
	BodyLength      uint32
	Opaque          uint32
	CAS             uint64
}

func (h *Header) put(b []byte) {
	b[0] = byte(h.Magic)
	b[1] = byte(h.Opcode)
	binary.BigEndian.PutUint16(b[2:4], h.KeyLength)
	b[4] = h.ExtrasLength
	b[5] = h.DataType
	binary.BigEndian.PutUint16(b[6:8], h.VBucketOrStatus)
	binary.BigEndian.PutUint32(b[8:12], h.BodyLength)
	binary.BigEndian.PutUint32(b[12:16], h.Opaque)
	binary.BigEndian.PutUint64(b[16:24], h.CAS)
}

// ParseHeader decodes a header from the first HeaderSize bytes of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrIncompleteFrame
	}
	return Header{
		Magic:           Magic(b[0]),
		Opcode:          Opcode(b[1]),
		KeyLength:       binary.BigEndian.Uint16(b[2:4]),
		ExtrasLength:    b[4],
		DataType:        b[5],
		VBucketOrStatus: binary.BigEndian.Uint16(b[6:8]),
		BodyLength:      binary.BigEndian.Uint32(b[8:12]),
		Opaque:          binary.BigEndian.Uint32(b[12:16]),
		CAS:             binary.BigEndian.Uint64(b[16:24]),
	}, nil
}

func (h Header) check(want Magic) error {
	if h.Magic != want {
		return &ProtocolError{Message: fmt.Sprintf("bad magic 0x%02x, want 0x%02x", uint8(h.Magic), uint8(want))}
	}
	if h.BodyLength > MaxBodyLength {
		return &ProtocolError{Message: fmt.Sprintf("body length %d exceeds maximum", h.BodyLength)}
	}
	if uint32(h.KeyLength)+uint32(h.ExtrasLength) > h.BodyLength {
		return &ProtocolError{Message: fmt.Sprintf("body length %d shorter than key %d + extras %d", h.BodyLength, h.KeyLength, h.ExtrasLength)}
	}
	return nil
}

func appendFrame(dst []byte, h Header, extras []byte, key string, value []byte) []byte {
	var hdr [HeaderSize]byte
	h.put(hdr[:])
	dst = append(dst, hdr[:]...)
	dst = append(dst, extras...)
	dst = append(dst, key...)
	return append(dst, value...)
}

func requestHeader(req *Request) Header {
	return Header{
		Magic:           MagicRequest,
		Opcode:          req.Opcode,
		KeyLength:       uint16(len(req.Key)),
		ExtrasLength:    uint8(len(req.Extras)),
		DataType:        RawDataType,
		VBucketOrStatus: req.VBucket,
		BodyLength:      uint32(req.BodyLength()),
		Opaque:          req.Opaque,
		CAS:             req.CAS,
	}
}

func responseHeader(resp *Response) Header {
	return Header{
		Magic:           MagicResponse,
		Opcode:          resp.Opcode,
		KeyLength:       uint16(len(resp.Key)),
		ExtrasLength:    uint8(len(resp.Extras)),
		DataType:        resp.DataType,
		VBucketOrStatus: uint16(resp.Status),
		BodyLength:      uint32(len(resp.Extras) + len(resp.Key) + len(resp.Value)),
		Opaque:          resp.Opaque,
		CAS:             resp.CAS,
	}
}

// AppendRequest validates req and appends its wire encoding to dst.
func AppendRequest(dst []byte, req *Request) ([]byte, error) {
	if err := req.Validate(); err != nil {
		return dst, err
	}
	return appendFrame(dst, requestHeader(req), req.Extras, req.Key, req.Value), nil
}

// EncodeRequest returns the wire encoding of req.
func EncodeRequest(req *Request) ([]byte, error) {
	return AppendRequest(make([]byte, 0, HeaderSize+req.BodyLength()), req)
}

// AppendResponse appends the wire encoding of resp to dst. Responses are not
// validated against opcode shapes: a server may attach a message body to any
// error status.
func AppendResponse(dst []byte, resp *Response) []byte {
	return appendFrame(dst, responseHeader(resp), resp.Extras, resp.Key, resp.Value)
}

// WriteRequest validates req and writes it to w. Nothing is written when
// validation fails. The caller flushes buffered writers.
func WriteRequest(w *bufio.Writer, req *Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	var hdr [HeaderSize]byte
	h := requestHeader(req)
	h.put(hdr[:])
	w.Write(hdr[:])
	w.Write(req.Extras)
	w.WriteString(req.Key)
	_, err := w.Write(req.Value)
	return err
}

// WriteResponse writes resp to w. The caller flushes.
func WriteResponse(w *bufio.Writer, resp *Response) error {
	var hdr [HeaderSize]byte
	h := responseHeader(resp)
	h.put(hdr[:])
	w.Write(hdr[:])
	w.Write(resp.Extras)
	w.WriteString(resp.Key)
	_, err := w.Write(resp.Value)
	return err
}

// splitFrame validates the header at the start of b and returns the header,
// the body and the total frame size.
func splitFrame(b []byte, want Magic) (Header, []byte, int, error) {
	h, err := ParseHeader(b)
	if err != nil {
		return Header{}, nil, 0, err
	}
	if err := h.check(want); err != nil {
		return Header{}, nil, 0, err
	}
	total := HeaderSize + int(h.BodyLength)
	if len(b) < total {
		return Header{}, nil, 0, ErrIncompleteFrame
	}
	return h, b[HeaderSize:total], total, nil
}

// span returns b[i:j] with its capacity clipped, or nil when empty so that
// decoded frames compare equal to the requests that produced them.
func span(b []byte, i, j int) []byte {
	if i == j {
		return nil
	}
	return b[i:j:j]
}

func newResponse(h Header, body []byte) *Response {
	ext := int(h.ExtrasLength)
	keyEnd := ext + int(h.KeyLength)
	return &Response{
		Opcode:   h.Opcode,
		Status:   Status(h.VBucketOrStatus),
		DataType: h.DataType,
		Opaque:   h.Opaque,
		CAS:      h.CAS,
		Extras:   span(body, 0, ext),
		Key:      string(body[ext:keyEnd]),
		Value:    span(body, keyEnd, len(body)),
	}
}

func newRequest(h Header, body []byte) *Request {
	ext := int(h.ExtrasLength)
	keyEnd := ext + int(h.KeyLength)
	return &Request{
		Opcode:  h.Opcode,
		Key:     string(body[ext:keyEnd]),
		Extras:  span(body, 0, ext),
		Value:   span(body, keyEnd, len(body)),
		CAS:     h.CAS,
		Opaque:  h.Opaque,
		VBucket: h.VBucketOrStatus,
	}
}

// DecodeResponse decodes the response frame at the start of b and returns it
// with the number of bytes consumed. Extras and Value alias b.
//
// ErrIncompleteFrame means b holds a valid prefix and more bytes are needed.
// A *ProtocolError means the bytes can never form a valid response.
func DecodeResponse(b []byte) (*Response, int, error) {
	h, body, n, err := splitFrame(b, MagicResponse)
	if err != nil {
		return nil, 0, err
	}
	return newResponse(h, body), n, nil
}

// DecodeRequest is the server side counterpart of DecodeResponse.
func DecodeRequest(b []byte) (*Request, int, error) {
	h, body, n, err := splitFrame(b, MagicRequest)
	if err != nil {
		return nil, 0, err
	}
	return newRequest(h, body), n, nil
}

func readFrame(r io.Reader, want Magic) (Header, []byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Header{}, nil, err
	}
	h, _ := ParseHeader(hdr[:])
	if err := h.check(want); err != nil {
		return Header{}, nil, err
	}
	body := make([]byte, h.BodyLength)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Header{}, nil, err
	}
	return h, body, nil
}

// ReadResponse reads exactly one response frame from r.
//
// I/O errors are returned unchanged (io.EOF when the stream ends cleanly
// between frames). Malformed headers return a *ProtocolError.
func ReadResponse(r io.Reader) (*Response, error) {
	h, body, err := readFrame(r, MagicResponse)
	if err != nil {
		return nil, err
	}
	return newResponse(h, body), nil
}

// ReadRequest reads exactly one request frame from r.
func ReadRequest(r io.Reader) (*Request, error) {
	h, body, err := readFrame(r, MagicRequest)
	if err != nil {
		return nil, err
	}
	return newRequest(h, body), nil
}
