package codec

// Bytes stores []byte values unchanged.
type Bytes struct{}

func (Bytes) Encode(b []byte) ([]byte, error) { return b, nil }
func (Bytes) Decode(b []byte) ([]byte, error) { return b, nil }
func (Bytes) Format() Format                  { return FormatBytes }

// String stores strings as their bytes, without UTF-8 validation.
type String struct{}

func (String) Encode(s string) ([]byte, error) { return []byte(s), nil }
func (String) Decode(b []byte) (string, error) { return string(b), nil }
func (String) Format() Format                  { return FormatString }
