package memcachebin

import (
	"hash/crc32"

	"github.com/zeebo/xxh3"
)

// Hasher maps a key to a 64-bit position used by a Distribution.
type Hasher interface {
	Hash(key string) uint64
}

// HasherFunc adapts a function to the Hasher interface.
type HasherFunc func(key string) uint64

func (f HasherFunc) Hash(key string) uint64 {
	return f(key)
}

// XXH3Hasher is the default hasher.
var XXH3Hasher Hasher = HasherFunc(xxh3.HashString)

// CRC32Hasher hashes with CRC-32 (IEEE), the hash most memcached clients use
// for modulo placement.
var CRC32Hasher Hasher = HasherFunc(func(key string) uint64 {
	return uint64(crc32.ChecksumIEEE([]byte(key)))
})
