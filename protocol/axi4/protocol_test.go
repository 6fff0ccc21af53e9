package axi4

import (
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
	"github.com/sarchlab/simbus/bus"
	"github.com/sarchlab/simbus/signal"
	"github.com/sarchlab/simbus/timing"
	gomock "go.uber.org/mock/gomock"
)

func clockOptions() map[string]string {
	return map[string]string{
		"CLOCK_high":  "10000",
		"CLOCK_low":   "10000",
		"CLOCK_hold":  "2000",
		"CLOCK_setup": "2000",
	}
}

func newAXIBus(opts map[string]string, roles ...bus.Role) *bus.Bus {
	b := bus.New("axi0", opts)
	for i, r := range roles {
		d := bus.NewDevice(i, []string{"master", "slave", "third"}[i], r, nil)
		Expect(b.AddDevice(d)).To(Succeed())
	}

	return b
}

var _ = Describe("New", func() {
	DescribeTable("rejected configurations",
		func(mutate func(map[string]string), roles []bus.Role, key string) {
			opts := clockOptions()
			mutate(opts)

			_, err := New(newAXIBus(opts, roles...))

			var cfgErr *bus.ConfigError
			Expect(errors.As(err, &cfgErr)).To(BeTrue())
			Expect(cfgErr.Key).To(Equal(key))
		},
		Entry("missing high",
			func(o map[string]string) { delete(o, "CLOCK_high") },
			[]bus.Role{bus.Initiator, bus.Responder}, "CLOCK_high"),
		Entry("missing setup",
			func(o map[string]string) { delete(o, "CLOCK_setup") },
			[]bus.Role{bus.Initiator, bus.Responder}, "CLOCK_setup"),
		Entry("garbage low",
			func(o map[string]string) { o["CLOCK_low"] = "fast" },
			[]bus.Role{bus.Initiator, bus.Responder}, "CLOCK_low"),
		Entry("hex high",
			func(o map[string]string) { o["CLOCK_high"] = "0x2710" },
			[]bus.Role{bus.Initiator, bus.Responder}, "CLOCK_high"),
		Entry("hold equals high",
			func(o map[string]string) { o["CLOCK_hold"] = "10000" },
			[]bus.Role{bus.Initiator, bus.Responder}, "CLOCK_hold"),
		Entry("zero hold",
			func(o map[string]string) { o["CLOCK_hold"] = "0" },
			[]bus.Role{bus.Initiator, bus.Responder}, "CLOCK_hold"),
		Entry("setup beyond low",
			func(o map[string]string) { o["CLOCK_setup"] = "12000" },
			[]bus.Role{bus.Initiator, bus.Responder}, "CLOCK_setup"),
		Entry("odd data width",
			func(o map[string]string) { o["data_width"] = "12" },
			[]bus.Role{bus.Initiator, bus.Responder}, "data_width"),
		Entry("one device",
			func(map[string]string) {},
			[]bus.Role{bus.Initiator}, ""),
		Entry("three devices",
			func(map[string]string) {},
			[]bus.Role{bus.Initiator, bus.Responder, bus.Responder}, ""),
		Entry("two initiators",
			func(map[string]string) {},
			[]bus.Role{bus.Initiator, bus.Initiator}, ""),
	)

	It("should split the clock into four phases", func() {
		p, err := New(newAXIBus(clockOptions(), bus.Responder, bus.Initiator))
		Expect(err).NotTo(HaveOccurred())

		Expect(p.PhaseDuration(PhaseHold)).To(Equal(uint64(2000)))
		Expect(p.PhaseDuration(PhaseHigh)).To(Equal(uint64(8000)))
		Expect(p.PhaseDuration(PhaseLow)).To(Equal(uint64(8000)))
		Expect(p.PhaseDuration(PhaseSetup)).To(Equal(uint64(2000)))
		Expect(p.DataWidth()).To(Equal(32))
		Expect(p.AddrWidth()).To(Equal(32))
	})

	It("should read clock times as decimal", func() {
		opts := clockOptions()
		opts["CLOCK_high"] = "010000"
		opts["CLOCK_setup"] = "02000"

		p, err := New(newAXIBus(opts, bus.Initiator, bus.Responder))
		Expect(err).NotTo(HaveOccurred())
		Expect(p.PhaseDuration(PhaseHigh)).To(Equal(uint64(8000)))
		Expect(p.PhaseDuration(PhaseSetup)).To(Equal(uint64(2000)))
	})

	It("should read the bus widths", func() {
		opts := clockOptions()
		opts["data_width"] = "64"
		opts["addr_width"] = "40"

		p, err := New(newAXIBus(opts, bus.Initiator, bus.Responder))
		Expect(err).NotTo(HaveOccurred())
		Expect(p.DataWidth()).To(Equal(64))
		Expect(p.AddrWidth()).To(Equal(40))
	})
})

var _ = Describe("Protocol", func() {
	var (
		mockCtrl  *gomock.Controller
		sink      *MockSink
		b         *bus.Bus
		p         *Protocol
		initiator *bus.Device
		responder *bus.Device
		recorded  map[string]signal.Value
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		sink = NewMockSink(mockCtrl)
		recorded = make(map[string]signal.Value)

		opts := clockOptions()
		opts["data_width"] = "64"
		b = newAXIBus(opts, bus.Initiator, bus.Responder)
		initiator, _ = b.Device(0)
		responder, _ = b.Device(1)

		var err error
		p, err = New(b)
		Expect(err).NotTo(HaveOccurred())
		b.SetProtocol(p)

		sink.EXPECT().Declare(gomock.Any(), gomock.Any()).AnyTimes()
		sink.EXPECT().Record(gomock.Any(), gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ timing.SimTime, name string, v signal.Value) error {
				recorded[name] = v.Clone()
				return nil
			}).AnyTimes()

		Expect(b.Init(sink)).To(Succeed())
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should declare every channel signal at its width", func() {
		other := NewMockSink(mockCtrl)
		declared := make(map[string]int)
		other.EXPECT().Declare(gomock.Any(), gomock.Any()).
			DoAndReturn(func(name string, width int) error {
				declared[name] = width
				return nil
			}).Times(21)

		Expect(p.DeclareTraces(other)).To(Succeed())
		Expect(declared).To(HaveKeyWithValue("ACLK", 1))
		Expect(declared).To(HaveKeyWithValue("ARESETn", 1))
		Expect(declared).To(HaveKeyWithValue("AWADDR", 32))
		Expect(declared).To(HaveKeyWithValue("AWPROT", 3))
		Expect(declared).To(HaveKeyWithValue("WDATA", 64))
		Expect(declared).To(HaveKeyWithValue("WSTRB", 8))
		Expect(declared).To(HaveKeyWithValue("BRESP", 2))
		Expect(declared).To(HaveKeyWithValue("RDATA", 64))
	})

	It("should set the initial signals", func() {
		Expect(initiator.Outbound["ACLK"].String()).To(Equal("1"))
		Expect(responder.Outbound["ACLK"].String()).To(Equal("1"))
		Expect(responder.Outbound["ARESETn"].String()).To(Equal("1"))
		Expect(responder.Outbound["AWADDR"].String()).
			To(Equal(strings.Repeat("z", 32)))
		Expect(initiator.Outbound["RDATA"].String()).
			To(Equal(strings.Repeat("z", 64)))
		Expect(initiator.Outbound).NotTo(HaveKey("AWADDR"))
		Expect(responder.Outbound).NotTo(HaveKey("RDATA"))
		Expect(recorded["ARESETn"].String()).To(Equal("1"))
	})

	It("should expect each device to drive its own channel signals", func() {
		_, ok := initiator.Expected("WDATA")
		Expect(ok).To(BeTrue())
		_, ok = initiator.Expected("WREADY")
		Expect(ok).To(BeFalse())

		width, ok := responder.Expected("RDATA")
		Expect(ok).To(BeTrue())
		Expect(width).To(Equal(64))
	})

	It("should relay the initiator's signals to the responder", func() {
		initiator.Inbound["AWVALID"] = signal.Value{signal.Bit1}
		initiator.Inbound["AWADDR"] = signal.FromUint(32, 0x1000)
		initiator.Inbound["ARESETn"] = signal.Value{signal.Bit0}

		Expect(p.RunRun()).To(Succeed())

		Expect(responder.Outbound["AWVALID"].String()).To(Equal("1"))
		v, _ := responder.Outbound["AWADDR"].Uint()
		Expect(v).To(Equal(uint64(0x1000)))
		Expect(responder.Outbound["ARESETn"].String()).To(Equal("0"))
		Expect(recorded["AWADDR"]).To(Equal(signal.FromUint(32, 0x1000)))
	})

	It("should relay the responder's signals to the initiator", func() {
		responder.Inbound["RVALID"] = signal.Value{signal.Bit1}
		responder.Inbound["RRESP"] = signal.FromUint(2, 2)

		Expect(p.RunRun()).To(Succeed())

		Expect(initiator.Outbound["RVALID"].String()).To(Equal("1"))
		Expect(initiator.Outbound["RRESP"].String()).To(Equal("10"))
	})

	It("should keep the initial value of signals never reported", func() {
		Expect(p.RunRun()).To(Succeed())

		Expect(responder.Outbound["ARESETn"].String()).To(Equal("1"))
		Expect(responder.Outbound["WVALID"].String()).To(Equal("z"))
	})

	It("should reject a relayed value of the wrong width", func() {
		initiator.Inbound["WSTRB"] = signal.New(4, signal.Bit1)

		err := p.RunRun()

		var encErr *signal.EncodingError
		Expect(errors.As(err, &encErr)).To(BeTrue())
		Expect(encErr.Signal).To(Equal("WSTRB"))
		Expect(encErr.Device).To(Equal(0))
	})

	It("should step through the phases", func() {
		var phases []int
		var clocks []string

		for i := 0; i < 5; i++ {
			Expect(p.RunRun()).To(Succeed())
			phases = append(phases, p.Phase())
			clocks = append(clocks, initiator.Outbound["ACLK"].String())
		}

		Expect(phases).To(Equal([]int{1, 2, 3, 0, 1}))
		Expect(clocks).To(Equal([]string{"1", "0", "0", "1", "1"}))
		Expect(b.Now().Compare(timing.Picoseconds(28000))).To(Equal(0))
	})
})
