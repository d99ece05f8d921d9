// Package codec converts application values to and from the raw bytes stored
// in memcached. Every codec has a Format that is stored in the item flags, so
// a reader can tell which codec wrote a value.
package codec

import (
	"errors"
	"fmt"
)

// Format identifies the encoding of a stored value.
type Format uint32

const (
	FormatBytes Format = iota
	FormatString
	FormatJSON
	FormatMsgpack
	FormatCBOR
	FormatProtobuf
)

func (f Format) String() string {
	switch f {
	case FormatBytes:
		return "bytes"
	case FormatString:
		return "string"
	case FormatJSON:
		return "json"
	case FormatMsgpack:
		return "msgpack"
	case FormatCBOR:
		return "cbor"
	case FormatProtobuf:
		return "protobuf"
	}
	return fmt.Sprintf("Format(%d)", uint32(f))
}

// Codec encodes and decodes values of type V.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
	Format() Format
}

// ErrPayloadTooLarge is returned by Limit when a payload exceeds its bound.
var ErrPayloadTooLarge = errors.New("codec: payload too large")
