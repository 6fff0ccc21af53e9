package signal

import (
	"strings"

	"github.com/pkg/errors"
)

// A Value is a multi-bit signal. Index 0 holds the least significant bit.
type Value []Bit

// New creates a value of the given width with every bit set to fill.
func New(width int, fill Bit) Value {
	v := make(Value, width)
	v.Fill(fill)

	return v
}

// FromUint creates a value of the given width from the low bits of x.
func FromUint(width int, x uint64) Value {
	v := make(Value, width)
	for i := range v {
		if i < 64 && x&(1<<uint(i)) != 0 {
			v[i] = Bit1
		} else {
			v[i] = Bit0
		}
	}

	return v
}

// Width returns the number of bits.
func (v Value) Width() int {
	return len(v)
}

// Fill sets every bit of v to b.
func (v Value) Fill(b Bit) {
	for i := range v {
		v[i] = b
	}
}

// Clone returns an independent copy of v.
func (v Value) Clone() Value {
	if v == nil {
		return nil
	}

	c := make(Value, len(v))
	copy(c, v)

	return c
}

// Equal reports whether both values have the same width and bits.
func (v Value) Equal(o Value) bool {
	if len(v) != len(o) {
		return false
	}

	for i := range v {
		if v[i] != o[i] {
			return false
		}
	}

	return true
}

// Uint returns the value as an integer. The second return value is false if
// any bit is Z or X, or if the value is wider than 64 bits.
func (v Value) Uint() (uint64, bool) {
	if len(v) > 64 {
		return 0, false
	}

	var x uint64
	for i, b := range v {
		switch b {
		case Bit0:
		case Bit1:
			x |= 1 << uint(i)
		default:
			return 0, false
		}
	}

	return x, true
}

// Assign copies src into v. Both values must have the same width.
func (v Value) Assign(src Value) error {
	if len(v) != len(src) {
		return widthMismatch(len(v), len(src))
	}

	copy(v, src)

	return nil
}

// Format renders the value as a wire bit string, most significant bit first.
// A bit outside the four logic states produces an EncodingError.
func (v Value) Format() (string, error) {
	var sb strings.Builder
	sb.Grow(len(v))

	for i := len(v) - 1; i >= 0; i-- {
		c, ok := v[i].Char()
		if !ok {
			return "", &EncodingError{
				Device: -1,
				Bit:    i,
				Reason: "bit value " + itoa(int(v[i])) + " is not a logic state",
			}
		}

		sb.WriteByte(c)
	}

	return sb.String(), nil
}

func (v Value) String() string {
	var sb strings.Builder
	sb.Grow(len(v))

	for i := len(v) - 1; i >= 0; i-- {
		c, _ := v[i].Char()
		sb.WriteByte(c)
	}

	return sb.String()
}

// Parse converts a wire bit string (most significant bit first) into a
// Value.
func Parse(s string) (Value, error) {
	if s == "" {
		return nil, errors.New("empty bit string")
	}

	v := make(Value, len(s))
	for i := 0; i < len(s); i++ {
		b, err := ParseBit(s[i])
		if err != nil {
			return nil, errors.Wrapf(err, "bit string %q", s)
		}

		v[len(s)-1-i] = b
	}

	return v, nil
}

// BlendValue blends two values bit by bit. The widths must match.
func BlendValue(a, b Value) (Value, error) {
	if len(a) != len(b) {
		return nil, widthMismatch(len(a), len(b))
	}

	out := make(Value, len(a))
	for i := range a {
		out[i] = Blend(a[i], b[i])
	}

	return out, nil
}

// Collapse removes from v every bit that matches the drive reference ref,
// replacing it with Z. What remains is what the device itself drives. A Z
// or X in v is never collapsed since it cannot be an echo of a valid drive.
func Collapse(v, ref Value) (Value, error) {
	if len(v) != len(ref) {
		return nil, widthMismatch(len(ref), len(v))
	}

	out := v.Clone()
	for i := range out {
		if out[i] == ref[i] && (out[i] == Bit0 || out[i] == Bit1) {
			out[i] = BitZ
		}
	}

	return out, nil
}

func widthMismatch(want, got int) error {
	return &EncodingError{
		Device: -1,
		Bit:    -1,
		Reason: "width " + itoa(got) + " does not match declared width " +
			itoa(want),
	}
}
