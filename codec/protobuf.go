package codec

import "google.golang.org/protobuf/proto"

// Protobuf encodes protocol buffer messages. New must return an empty
// message of the concrete type, e.g. func() *pb.User { return &pb.User{} }.
type Protobuf[T proto.Message] struct {
	New func() T
}

func NewProtobuf[T proto.Message](ctor func() T) Protobuf[T] {
	return Protobuf[T]{New: ctor}
}

func (c Protobuf[T]) Encode(v T) ([]byte, error) {
	return proto.Marshal(v)
}

func (c Protobuf[T]) Decode(b []byte) (T, error) {
	m := c.New()
	err := proto.Unmarshal(b, m)
	return m, err
}

func (Protobuf[T]) Format() Format { return FormatProtobuf }
