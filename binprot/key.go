package binprot

import "strconv"

// ValidateKey checks the key length limits. The binary protocol carries keys
// as length-prefixed bytes, so whitespace and control bytes are allowed.
func ValidateKey(key string) error {
	if len(key) < MinKeyLength {
		return &InvalidKeyError{Message: "key is empty"}
	}
	if len(key) > MaxKeyLength {
		return &InvalidKeyError{Message: "key length " + strconv.Itoa(len(key)) + " exceeds maximum of 250 bytes"}
	}
	return nil
}
