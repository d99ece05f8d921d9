package binprot

import "encoding/binary"

// Accessors for the fixed fields of decoded requests. Each reports false when
// the extras do not have the expected size.

func (r *Request) StoreFields() (flags, expiration uint32, ok bool) {
	if len(r.Extras) != StoreExtrasLength {
		return 0, 0, false
	}
	return binary.BigEndian.Uint32(r.Extras[0:4]), binary.BigEndian.Uint32(r.Extras[4:8]), true
}

func (r *Request) CounterFields() (delta, initial uint64, expiration uint32, ok bool) {
	if len(r.Extras) != CounterExtrasLength {
		return 0, 0, 0, false
	}
	return binary.BigEndian.Uint64(r.Extras[0:8]),
		binary.BigEndian.Uint64(r.Extras[8:16]),
		binary.BigEndian.Uint32(r.Extras[16:20]),
		true
}

func (r *Request) ExpirationField() (uint32, bool) {
	if len(r.Extras) != ExpirationExtrasLength {
		return 0, false
	}
	return binary.BigEndian.Uint32(r.Extras), true
}
