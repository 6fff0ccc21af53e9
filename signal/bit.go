// Package signal provides the four-valued logic carried by simulated bus
// lines and the multi-bit values built from it.
package signal

import "github.com/pkg/errors"

// Bit is the state of a single bus line.
type Bit uint8

// The four logic states. The numeric order is only used for table indexing.
const (
	Bit0 Bit = iota
	Bit1
	BitZ
	BitX
)

var bitChars = [...]byte{'0', '1', 'z', 'x'}

// Valid reports whether b is one of the four logic states.
func (b Bit) Valid() bool {
	return b <= BitX
}

// Char returns the wire character of the bit. The second return value is
// false if the bit is not a valid logic state.
func (b Bit) Char() (byte, bool) {
	if !b.Valid() {
		return '?', false
	}

	return bitChars[b], true
}

func (b Bit) String() string {
	c, _ := b.Char()
	return string(c)
}

// ParseBit converts a wire character into a Bit. Upper case Z and X are
// accepted.
func ParseBit(c byte) (Bit, error) {
	switch c {
	case '0':
		return Bit0, nil
	case '1':
		return Bit1, nil
	case 'z', 'Z':
		return BitZ, nil
	case 'x', 'X':
		return BitX, nil
	}

	return BitX, errors.Errorf("invalid bit character %q", c)
}

// Blend resolves two drivers of the same line. An undriven (Z) input is
// transparent, agreeing inputs keep their value, and anything else is X.
func Blend(a, b Bit) Bit {
	if a == BitZ {
		return b
	}

	if b == BitZ {
		return a
	}

	if a == b {
		return a
	}

	return BitX
}

// PullUp returns the level seen on an open-drain line with a pull-up
// resistor: an undriven line reads as 1.
func PullUp(b Bit) Bit {
	if b == BitZ {
		return Bit1
	}

	return b
}
