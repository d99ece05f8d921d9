package binprot

import "strconv"

// Counter arithmetic as defined by the protocol. Counters are unsigned 64-bit
// integers stored as base-10 ASCII; the binary protocol returns the result as
// a raw 64-bit value.

// IncrementCounter adds delta to v, wrapping modulo 2^64.
func IncrementCounter(v, delta uint64) uint64 {
	return v + delta
}

// DecrementCounter subtracts delta from v, clamping at zero.
func DecrementCounter(v, delta uint64) uint64 {
	if delta > v {
		return 0
	}
	return v - delta
}

// ParseCounter parses a stored counter value.
func ParseCounter(b []byte) (uint64, bool) {
	if len(b) == 0 {
		return 0, false
	}
	v, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// FormatCounter renders v the way the server stores counters.
func FormatCounter(v uint64) []byte {
	return strconv.AppendUint(nil, v, 10)
}
