package binprot

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecrementCounter_ClampsAtZero(t *testing.T) {
	assert.Equal(t, uint64(0), DecrementCounter(0, 5))
	assert.Equal(t, uint64(0), DecrementCounter(3, 5))
	assert.Equal(t, uint64(0), DecrementCounter(5, 5))
	assert.Equal(t, uint64(1), DecrementCounter(6, 5))
}

func TestIncrementCounter_Wraps(t *testing.T) {
	assert.Equal(t, uint64(0), IncrementCounter(math.MaxUint64, 1))
	assert.Equal(t, uint64(4), IncrementCounter(math.MaxUint64-1, 6))
	assert.Equal(t, uint64(15), IncrementCounter(10, 5))
}

func TestParseCounter(t *testing.T) {
	tests := []struct {
		in   string
		want uint64
		ok   bool
	}{
		{"0", 0, true},
		{"42", 42, true},
		{"18446744073709551615", math.MaxUint64, true},
		{"18446744073709551616", 0, false},
		{"-1", 0, false},
		{"abc", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseCounter([]byte(tt.in))
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	assert.Equal(t, []byte("123"), FormatCounter(123))
}
