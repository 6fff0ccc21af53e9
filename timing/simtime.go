// Package timing keeps simulated time as an exact decimal number so that long
// runs never accumulate floating point rounding.
package timing

import (
	"math"
	"math/big"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrTimeOverflow is returned when aligning or adding two times does not fit
// in a 64-bit mantissa.
var ErrTimeOverflow = errors.New("timing: time mantissa overflow")

// PicosecondExp is the exponent of a time expressed in picoseconds.
const PicosecondExp = -12

// SimTime is the time Mant x 10^Exp seconds.
type SimTime struct {
	Mant uint64
	Exp  int
}

// New creates a SimTime.
func New(mant uint64, exp int) SimTime {
	return SimTime{Mant: mant, Exp: exp}
}

// Picoseconds creates a SimTime of ps picoseconds.
func Picoseconds(ps uint64) SimTime {
	return SimTime{Mant: ps, Exp: PicosecondExp}
}

// IsZero reports whether the time is zero, whatever its exponent.
func (t SimTime) IsZero() bool {
	return t.Mant == 0
}

// Advance adds mant x 10^exp to t in place. The exponent of the result is
// the smaller of the two exponents. t is left unchanged on error.
func (t *SimTime) Advance(mant uint64, exp int) error {
	sum, err := t.Add(SimTime{Mant: mant, Exp: exp})
	if err != nil {
		return err
	}

	*t = sum

	return nil
}

// Add returns t + o, aligned to the smaller of the two exponents.
func (t SimTime) Add(o SimTime) (SimTime, error) {
	exp := t.Exp
	if o.Exp < exp {
		exp = o.Exp
	}

	a, err := t.Rescale(exp)
	if err != nil {
		return t, err
	}

	b, err := o.Rescale(exp)
	if err != nil {
		return t, err
	}

	if a.Mant > math.MaxUint64-b.Mant {
		return t, ErrTimeOverflow
	}

	return SimTime{Mant: a.Mant + b.Mant, Exp: exp}, nil
}

// maxUint64Digits is the number of decimal digits of math.MaxUint64.
const maxUint64Digits = 20

// Rescale expresses t with the given exponent. Scaling down (to a larger
// exponent) is only allowed when no digits are lost.
func (t SimTime) Rescale(exp int) (SimTime, error) {
	if t.Mant == 0 {
		return SimTime{Exp: exp}, nil
	}

	if t.Exp-exp > maxUint64Digits-1 {
		return t, ErrTimeOverflow
	}

	out := t

	for out.Exp > exp {
		if out.Mant > math.MaxUint64/10 {
			return t, ErrTimeOverflow
		}

		out.Mant *= 10
		out.Exp--
	}

	for out.Exp < exp {
		if out.Mant%10 != 0 {
			return t, errors.Errorf(
				"timing: %s cannot be expressed with exponent %d", t, exp)
		}

		out.Mant /= 10
		out.Exp++
	}

	return out, nil
}

// Minimize moves trailing decimal zeros of the mantissa into the exponent.
// The value is unchanged.
func (t SimTime) Minimize() SimTime {
	for t.Mant >= 10 && t.Mant%10 == 0 {
		t.Mant /= 10
		t.Exp++
	}

	return t
}

// Compare returns -1, 0 or +1 depending on whether t is less than, equal to
// or greater than o. It is exact for any pair of exponents.
func (t SimTime) Compare(o SimTime) int {
	switch {
	case t.Mant == 0 && o.Mant == 0:
		return 0
	case t.Mant == 0:
		return -1
	case o.Mant == 0:
		return 1
	}

	if mt, mo := t.magnitude(), o.magnitude(); mt != mo {
		if mt < mo {
			return -1
		}

		return 1
	}

	exp := t.Exp
	if o.Exp < exp {
		exp = o.Exp
	}

	return t.scaled(exp).Cmp(o.scaled(exp))
}

// Equal reports whether both times denote the same instant.
func (t SimTime) Equal(o SimTime) bool {
	return t.Compare(o) == 0
}

// magnitude is the decimal exponent of the leading digit of a non-zero
// time.
func (t SimTime) magnitude() int {
	return len(strconv.FormatUint(t.Mant, 10)) - 1 + t.Exp
}

func (t SimTime) scaled(exp int) *big.Int {
	v := new(big.Int).SetUint64(t.Mant)
	if t.Exp > exp {
		scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(t.Exp-exp)), nil)
		v.Mul(v, scale)
	}

	return v
}

// String formats the time as it appears on the wire: <mant>e<exp>.
func (t SimTime) String() string {
	return strconv.FormatUint(t.Mant, 10) + "e" + strconv.Itoa(t.Exp)
}

// Parse reads a time in the wire format <mant>e<exp>.
func Parse(s string) (SimTime, error) {
	idx := strings.IndexAny(s, "eE")
	if idx <= 0 {
		return SimTime{}, errors.Errorf("timing: malformed time %q", s)
	}

	mant, err := strconv.ParseUint(s[:idx], 10, 64)
	if err != nil {
		return SimTime{}, errors.Wrapf(err, "timing: malformed mantissa in %q", s)
	}

	exp, err := strconv.Atoi(s[idx+1:])
	if err != nil {
		return SimTime{}, errors.Wrapf(err, "timing: malformed exponent in %q", s)
	}

	return SimTime{Mant: mant, Exp: exp}, nil
}
