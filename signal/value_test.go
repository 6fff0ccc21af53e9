package signal

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Value", func() {
	It("should format most significant bit first", func() {
		v := Value{Bit1, Bit0, BitZ, BitX}

		s, err := v.Format()

		Expect(err).NotTo(HaveOccurred())
		Expect(s).To(Equal("xz01"))
	})

	It("should parse most significant bit first", func() {
		v, err := Parse("10zx")

		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal(Value{BitX, BitZ, Bit0, Bit1}))
	})

	It("should round trip a 32-bit value", func() {
		v := FromUint(32, 0xdeadbeef)
		v[3] = BitZ
		v[17] = BitX

		s, err := v.Format()
		Expect(err).NotTo(HaveOccurred())
		Expect(s).To(HaveLen(32))

		back, err := Parse(s)
		Expect(err).NotTo(HaveOccurred())
		Expect(back).To(Equal(v))
	})

	It("should report the bit index of an invalid bit", func() {
		v := New(8, Bit0)
		v[5] = Bit(9)

		_, err := v.Format()

		var encErr *EncodingError
		Expect(errors.As(err, &encErr)).To(BeTrue())
		Expect(encErr.Bit).To(Equal(5))
	})

	It("should reject empty and malformed bit strings", func() {
		_, err := Parse("")
		Expect(err).To(HaveOccurred())

		_, err = Parse("01a1")
		Expect(err).To(HaveOccurred())
	})

	It("should convert to and from integers", func() {
		v := FromUint(16, 0x1234)

		x, ok := v.Uint()

		Expect(ok).To(BeTrue())
		Expect(x).To(Equal(uint64(0x1234)))

		v[0] = BitZ
		_, ok = v.Uint()
		Expect(ok).To(BeFalse())
	})

	It("should blend values bit by bit", func() {
		a, _ := Parse("zz01")
		b, _ := Parse("1z1z")

		out, err := BlendValue(a, b)

		Expect(err).NotTo(HaveOccurred())
		Expect(out.String()).To(Equal("1zx1"))
	})

	It("should refuse to blend values of different widths", func() {
		_, err := BlendValue(New(4, BitZ), New(5, BitZ))

		var encErr *EncodingError
		Expect(errors.As(err, &encErr)).To(BeTrue())
		Expect(encErr.Bit).To(Equal(-1))
	})

	It("should refuse to assign values of a different width", func() {
		v := New(4, BitZ)

		Expect(v.Assign(New(3, Bit1))).To(HaveOccurred())
		Expect(v.Assign(New(4, Bit1))).To(Succeed())
		Expect(v.String()).To(Equal("1111"))
	})

	It("should collapse bits that echo the drive reference", func() {
		seen, _ := Parse("1100zx")
		ref, _ := Parse("1010zz")

		out, err := Collapse(seen, ref)

		Expect(err).NotTo(HaveOccurred())
		Expect(out.String()).To(Equal("z10zzx"))
	})

	It("should clone independently", func() {
		v := New(2, Bit0)
		c := v.Clone()
		c[0] = Bit1

		Expect(v[0]).To(Equal(Bit0))
		Expect(Value(nil).Clone()).To(BeNil())
	})
})
