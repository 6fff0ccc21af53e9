package pci

import (
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
	"github.com/sarchlab/simbus/bus"
	"github.com/sarchlab/simbus/hooking"
	"github.com/sarchlab/simbus/signal"
	"github.com/sarchlab/simbus/timing"
	"github.com/sirupsen/logrus"
	gomock "go.uber.org/mock/gomock"
)

var _ = Describe("New", func() {
	DescribeTable("rejected options",
		func(opts map[string]string, key string) {
			b := bus.New("pci0", opts)

			_, err := New(b)

			var cfgErr *bus.ConfigError
			Expect(errors.As(err, &cfgErr)).To(BeTrue())
			Expect(cfgErr.Key).To(Equal(key))
		},
		Entry("clock", map[string]string{"pci_clock": "50"}, "pci_clock"),
		Entry("park", map[string]string{"GNT_park": "sometimes"}, "GNT_park"),
	)

	It("should pick the half period from the clock option", func() {
		p, err := New(bus.New("pci0", map[string]string{"pci_clock": "66"}))
		Expect(err).NotTo(HaveOccurred())
		Expect(p.HalfPeriod()).To(Equal(uint64(7500)))

		p, err = New(bus.New("pci0", nil))
		Expect(err).NotTo(HaveOccurred())
		Expect(p.HalfPeriod()).To(Equal(uint64(15000)))
	})

	It("should reject identities beyond the slot count", func() {
		b := bus.New("pci0", nil)
		Expect(b.AddDevice(bus.NewDevice(16, "far", bus.Responder, nil))).
			To(Succeed())

		_, err := New(b)

		var cfgErr *bus.ConfigError
		Expect(errors.As(err, &cfgErr)).To(BeTrue())
	})
})

var _ = Describe("Protocol", func() {
	var tb *testBus

	BeforeEach(func() {
		var err error
		tb, err = newTestBus(nil, bus.Initiator, bus.Responder)
		Expect(err).NotTo(HaveOccurred())
	})

	It("should declare its traces", func() {
		mockCtrl := gomock.NewController(GinkgoT())
		sink := NewMockSink(mockCtrl)

		declared := make(map[string]int)
		sink.EXPECT().Declare(gomock.Any(), gomock.Any()).
			DoAndReturn(func(name string, width int) error {
				declared[name] = width
				return nil
			}).AnyTimes()

		Expect(tb.protocol.DeclareTraces(sink)).To(Succeed())
		Expect(declared).To(HaveKeyWithValue(PCIClk, 1))
		Expect(declared).To(HaveKeyWithValue(ResetN, 1))
		Expect(declared).To(HaveKeyWithValue(AD, 64))
		Expect(declared).To(HaveKeyWithValue(CBEN, 8))
		Expect(declared).To(HaveKeyWithValue(ReqN, 16))
		Expect(declared).To(HaveKeyWithValue(GntN, 16))
		Expect(declared).To(HaveLen(15))
	})

	It("should set the initial signals", func() {
		for _, ident := range []int{0, 1} {
			Expect(tb.out(ident, PCIClk)).To(Equal("1"))
			Expect(tb.out(ident, GntN)).To(Equal("1"))
			Expect(tb.out(ident, IDSel)).To(Equal("z"))
			Expect(tb.out(ident, FrameN)).To(Equal("z"))
			Expect(tb.out(ident, AD)).To(Equal(strings.Repeat("z", 64)))
			Expect(tb.out(ident, CBEN)).To(Equal("zzzzzzzz"))
		}

		Expect(tb.out(0, IntAN)).To(Equal(strings.Repeat("1", 16)))
		Expect(tb.devices[0].Outbound).NotTo(HaveKey(ResetN))
		Expect(tb.out(1, ResetN)).To(Equal("1"))
		Expect(tb.devices[1].Outbound).NotTo(HaveKey(IntAN))
		Expect(tb.protocol.Granted()).To(Equal(-1))
	})

	It("should toggle the clock every half period", func() {
		Expect(tb.protocol.RunRun()).To(Succeed())
		Expect(tb.out(0, PCIClk)).To(Equal("0"))
		Expect(tb.bus.Now().Compare(timing.Picoseconds(15000))).To(Equal(0))

		Expect(tb.protocol.RunRun()).To(Succeed())
		Expect(tb.out(1, PCIClk)).To(Equal("1"))
		Expect(tb.bus.Now().Compare(timing.Picoseconds(30000))).To(Equal(0))
	})

	Context("reset", func() {
		BeforeEach(func() {
			var err error
			tb, err = newTestBus(nil,
				bus.Initiator, bus.Initiator, bus.Initiator, bus.Responder)
			Expect(err).NotTo(HaveOccurred())
		})

		DescribeTable("wired-AND of the initiators",
			func(a, b, c string, want string) {
				for i, v := range []string{a, b, c} {
					if v == "" {
						tb.forget(i, ResetN)
					} else {
						tb.report(i, ResetN, v)
					}
				}

				Expect(tb.protocol.RunRun()).To(Succeed())
				Expect(tb.out(3, ResetN)).To(Equal(want))
			},
			Entry("nobody drives", "", "", "", "1"),
			Entry("all high", "1", "1", "1", "1"),
			Entry("one low", "1", "0", "1", "0"),
			Entry("low with high and z", "0", "1", "z", "0"),
			Entry("unknown before low", "x", "0", "1", "0"),
			Entry("unknown", "1", "x", "", "x"),
			Entry("floating", "z", "1", "1", "x"),
		)

		It("should ignore RESET# from responders", func() {
			tb.report(3, ResetN, "0")

			Expect(tb.protocol.RunRun()).To(Succeed())
			Expect(tb.out(3, ResetN)).To(Equal("1"))
		})
	})

	Context("arbitration", func() {
		BeforeEach(func() {
			var err error
			tb, err = newTestBus(nil, bus.Initiator, bus.Responder,
				bus.Initiator, bus.Responder, bus.Initiator)
			Expect(err).NotTo(HaveOccurred())
		})

		It("should only arbitrate on the rising edge", func() {
			tb.report(2, ReqN, "0")

			Expect(tb.protocol.RunRun()).To(Succeed())
			Expect(tb.protocol.Granted()).To(Equal(-1))

			Expect(tb.protocol.RunRun()).To(Succeed())
			Expect(tb.protocol.Granted()).To(Equal(2))
			Expect(tb.out(2, GntN)).To(Equal("0"))
		})

		It("should rotate through the requesters", func() {
			tb.report(0, ReqN, "0")
			tb.report(2, ReqN, "0")
			tb.report(4, ReqN, "0")

			var grants []int
			for i := 0; i < 4; i++ {
				Expect(tb.risingEdge()).To(Succeed())
				grants = append(grants, tb.protocol.Granted())
			}

			Expect(grants).To(Equal([]int{2, 4, 0, 2}))
		})

		It("should check slot 0 last on the first grant", func() {
			tb.report(0, ReqN, "0")
			tb.report(1, ReqN, "0")

			Expect(tb.risingEdge()).To(Succeed())
			Expect(tb.protocol.Granted()).To(Equal(1))

			Expect(tb.risingEdge()).To(Succeed())
			Expect(tb.protocol.Granted()).To(Equal(0))
		})

		It("should move GNT# from the old grantee to the new one", func() {
			tb.report(0, ReqN, "0")
			Expect(tb.risingEdge()).To(Succeed())

			tb.report(0, ReqN, "1")
			tb.report(4, ReqN, "0")
			Expect(tb.risingEdge()).To(Succeed())

			Expect(tb.out(0, GntN)).To(Equal("1"))
			Expect(tb.out(4, GntN)).To(Equal("0"))
			Expect(tb.out(2, GntN)).To(Equal("1"))
		})

		It("should keep the grant with a lone requester", func() {
			tb.report(2, ReqN, "0")
			Expect(tb.risingEdge()).To(Succeed())
			Expect(tb.risingEdge()).To(Succeed())

			Expect(tb.protocol.Granted()).To(Equal(2))
			Expect(tb.out(2, GntN)).To(Equal("0"))
		})

		It("should park the grant when nobody requests", func() {
			tb.report(2, ReqN, "0")
			Expect(tb.risingEdge()).To(Succeed())

			tb.report(2, ReqN, "1")
			Expect(tb.risingEdge()).To(Succeed())

			Expect(tb.protocol.Granted()).To(Equal(2))
			Expect(tb.out(2, GntN)).To(Equal("0"))
		})

		It("should treat floating REQ# as no request", func() {
			tb.report(0, ReqN, "z")
			tb.report(2, ReqN, "x")

			Expect(tb.risingEdge()).To(Succeed())
			Expect(tb.protocol.Granted()).To(Equal(-1))
		})

		It("should report grant changes", func() {
			var changes []bus.GrantChange
			tb.bus.AcceptHook(hooking.HookFunc(func(ctx hooking.HookCtx) {
				if ctx.Pos == bus.HookPosGrant {
					changes = append(changes, ctx.Item.(bus.GrantChange))
				}
			}))

			tb.report(4, ReqN, "0")
			Expect(tb.risingEdge()).To(Succeed())

			Expect(changes).To(Equal([]bus.GrantChange{{From: -1, To: 4}}))

			entry := tb.log.LastEntry()
			Expect(entry.Level).To(Equal(logrus.InfoLevel))
			Expect(entry.Data).To(HaveKeyWithValue("to", 4))
		})

		It("should trace the sampled requests and the grant", func() {
			tb.report(4, ReqN, "0")
			Expect(tb.risingEdge()).To(Succeed())

			Expect(signal.Value(tb.protocol.reqN[:]).String()).
				To(Equal("1111111111101111"))
			Expect(tb.protocol.grantVector().String()).
				To(Equal("1111111111101111"))
		})
	})

	It("should withdraw the grant when parking is off", func() {
		var err error
		tb, err = newTestBus(map[string]string{"GNT_park": "none"},
			bus.Initiator, bus.Responder)
		Expect(err).NotTo(HaveOccurred())

		tb.report(0, ReqN, "0")
		Expect(tb.risingEdge()).To(Succeed())
		Expect(tb.out(0, GntN)).To(Equal("0"))

		tb.report(0, ReqN, "1")
		Expect(tb.risingEdge()).To(Succeed())

		Expect(tb.protocol.Granted()).To(Equal(-1))
		Expect(tb.out(0, GntN)).To(Equal("1"))
	})

	Context("interrupts", func() {
		BeforeEach(func() {
			var err error
			tb, err = newTestBus(nil,
				bus.Initiator, bus.Responder, bus.Responder, bus.Initiator)
			Expect(err).NotTo(HaveOccurred())
		})

		It("should route responder interrupts to every initiator", func() {
			tb.report(1, IntAN, "0")
			tb.report(2, IntAN, "z")
			tb.report(2, IntBN, "0")

			Expect(tb.protocol.RunRun()).To(Succeed())

			for _, host := range []int{0, 3} {
				Expect(tb.out(host, IntAN)).To(Equal("1111111111111101"))
				Expect(tb.out(host, IntBN)).To(Equal("1111111111111011"))
				Expect(tb.out(host, IntCN)).To(Equal(strings.Repeat("1", 16)))
			}
		})

		It("should pass unknown interrupt values through", func() {
			tb.report(2, IntDN, "x")

			Expect(tb.protocol.RunRun()).To(Succeed())
			Expect(tb.out(0, IntDN)).To(Equal("1111111111111x11"))
		})
	})

	Context("shared lines", func() {
		BeforeEach(func() {
			var err error
			tb, err = newTestBus(nil,
				bus.Initiator, bus.Responder, bus.Responder)
			Expect(err).NotTo(HaveOccurred())
		})

		It("should blend every device's drive", func() {
			tb.report(0, FrameN, "0")
			tb.report(1, TrdyN, "1")
			tb.report(2, TrdyN, "0")

			Expect(tb.protocol.RunRun()).To(Succeed())

			for ident := 0; ident < 3; ident++ {
				Expect(tb.out(ident, FrameN)).To(Equal("0"))
				Expect(tb.out(ident, TrdyN)).To(Equal("x"))
				Expect(tb.out(ident, IrdyN)).To(Equal("z"))
			}
		})

		It("should blend AD bit by bit", func() {
			tb.report(0, AD, strings.Repeat("z", 56)+"0101zzzz")
			tb.report(1, AD, strings.Repeat("z", 56)+"zzzz1100")

			Expect(tb.protocol.RunRun()).To(Succeed())

			Expect(tb.out(2, AD)).To(Equal(strings.Repeat("z", 56) + "01011100"))
		})

		It("should derive IDSEL from the AD line", func() {
			ad := []byte(strings.Repeat("z", 64))
			ad[63-(16+1)] = '1'
			ad[63-(16+2)] = '0'
			tb.report(0, AD, string(ad))

			Expect(tb.protocol.RunRun()).To(Succeed())

			Expect(tb.out(0, IDSel)).To(Equal("z"))
			Expect(tb.out(1, IDSel)).To(Equal("1"))
			Expect(tb.out(2, IDSel)).To(Equal("0"))
		})
	})
})
