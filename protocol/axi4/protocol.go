// Package axi4 implements a point-to-point AXI4 link between one initiator
// and one responder. The bus generates ACLK in four phases and relays every
// channel signal from its source to its destination.
package axi4

import (
	"strconv"

	"github.com/sarchlab/simbus/bus"
	"github.com/sarchlab/simbus/signal"
	"github.com/sarchlab/simbus/tracing"
	"github.com/sirupsen/logrus"
)

// Name is the protocol name.
const Name = "axi4"

// Global signals.
const (
	AClk    = "ACLK"
	AResetN = "ARESETn"
)

// The four clock phases. ACLK is high during PhaseHold and PhaseHigh.
const (
	PhaseHold = iota
	PhaseHigh
	PhaseLow
	PhaseSetup
)

const defaultWidth = 32

type direction int

const (
	toResponder direction = iota
	toInitiator
)

type channelSignal struct {
	name  string
	dir   direction
	width func(p *Protocol) int
}

func fixed(n int) func(*Protocol) int {
	return func(*Protocol) int { return n }
}

func addrWidth(p *Protocol) int { return p.addrWidth }
func dataWidth(p *Protocol) int { return p.dataWidth }
func strbWidth(p *Protocol) int { return p.dataWidth / 8 }

// relayed lists ARESETn and the signals of the five channels in relay order.
var relayed = []channelSignal{
	{AResetN, toResponder, fixed(1)},

	// write address
	{"AWVALID", toResponder, fixed(1)},
	{"AWREADY", toInitiator, fixed(1)},
	{"AWADDR", toResponder, addrWidth},
	{"AWPROT", toResponder, fixed(3)},

	// write data
	{"WVALID", toResponder, fixed(1)},
	{"WREADY", toInitiator, fixed(1)},
	{"WDATA", toResponder, dataWidth},
	{"WSTRB", toResponder, strbWidth},

	// write response
	{"BVALID", toInitiator, fixed(1)},
	{"BREADY", toResponder, fixed(1)},
	{"BRESP", toInitiator, fixed(2)},

	// read address
	{"ARVALID", toResponder, fixed(1)},
	{"ARREADY", toInitiator, fixed(1)},
	{"ARADDR", toResponder, addrWidth},
	{"ARPROT", toResponder, fixed(3)},

	// read data
	{"RVALID", toInitiator, fixed(1)},
	{"RREADY", toResponder, fixed(1)},
	{"RDATA", toInitiator, dataWidth},
	{"RRESP", toInitiator, fixed(2)},
}

// Protocol is the AXI4 protocol state machine.
type Protocol struct {
	bus *bus.Bus
	log logrus.FieldLogger

	phases [4]uint64
	phase  int

	dataWidth int
	addrWidth int

	initiator *bus.Device
	responder *bus.Device
}

// New creates an AXI4 protocol. The options CLOCK_high, CLOCK_low,
// CLOCK_hold and CLOCK_setup give the clock timing in picoseconds; hold must
// be shorter than high and setup shorter than low. data_width and
// addr_width default to 32. The bus must hold exactly one initiator and one
// responder.
func New(b *bus.Bus) (*Protocol, error) {
	p := &Protocol{
		bus: b,
		log: b.Logger().WithField("protocol", Name),
	}

	if err := p.readClock(); err != nil {
		return nil, err
	}

	if err := p.readWidths(); err != nil {
		return nil, err
	}

	if err := p.findDevices(); err != nil {
		return nil, err
	}

	return p, nil
}

func (p *Protocol) readClock() error {
	var high, low, hold, setup uint64

	for _, opt := range []struct {
		key string
		dst *uint64
	}{
		{"CLOCK_high", &high},
		{"CLOCK_low", &low},
		{"CLOCK_hold", &hold},
		{"CLOCK_setup", &setup},
	} {
		v, err := p.uintOption(opt.key, 10, true)
		if err != nil {
			return err
		}

		*opt.dst = v
	}

	if hold == 0 || hold >= high {
		return configError("CLOCK_hold", "must be in (0, CLOCK_high)")
	}

	if setup == 0 || setup >= low {
		return configError("CLOCK_setup", "must be in (0, CLOCK_low)")
	}

	p.phases = [4]uint64{
		PhaseHold:  hold,
		PhaseHigh:  high - hold,
		PhaseLow:   low - setup,
		PhaseSetup: setup,
	}

	return nil
}

func (p *Protocol) readWidths() error {
	data, err := p.uintOption("data_width", 0, false)
	if err != nil {
		return err
	}

	addr, err := p.uintOption("addr_width", 0, false)
	if err != nil {
		return err
	}

	if data == 0 {
		data = defaultWidth
	}

	if addr == 0 {
		addr = defaultWidth
	}

	if data%8 != 0 {
		return configError("data_width", "must be a multiple of 8")
	}

	p.dataWidth = int(data)
	p.addrWidth = int(addr)

	return nil
}

// uintOption parses an option in the given base. Base 0 follows Go literal
// syntax, so "0x40" and "010" are hex and octal.
func (p *Protocol) uintOption(key string, base int, required bool) (uint64, error) {
	s, found := p.bus.Option(key)
	if !found || s == "" {
		if required {
			return 0, configError(key, "missing")
		}

		return 0, nil
	}

	v, err := strconv.ParseUint(s, base, 32)
	if err != nil {
		return 0, configError(key, strconv.Quote(s)+" is not a number")
	}

	return v, nil
}

func (p *Protocol) findDevices() error {
	devices := p.bus.Devices()
	if len(devices) != 2 {
		return configError("", "needs exactly 2 devices, got "+
			strconv.Itoa(len(devices)))
	}

	for _, d := range devices {
		if d.IsInitiator() {
			p.initiator = d
		} else {
			p.responder = d
		}
	}

	if p.initiator == nil || p.responder == nil {
		return configError("", "needs one initiator and one responder")
	}

	return nil
}

func configError(key, reason string) error {
	return &bus.ConfigError{Protocol: Name, Key: key, Reason: reason}
}

// Name returns "axi4".
func (p *Protocol) Name() string {
	return Name
}

// Phase returns the current clock phase.
func (p *Protocol) Phase() int {
	return p.phase
}

// PhaseDuration returns the length of a clock phase in picoseconds.
func (p *Protocol) PhaseDuration(phase int) uint64 {
	return p.phases[phase]
}

// DataWidth returns the width of RDATA and WDATA.
func (p *Protocol) DataWidth() int {
	return p.dataWidth
}

// AddrWidth returns the width of AWADDR and ARADDR.
func (p *Protocol) AddrWidth() int {
	return p.addrWidth
}

// DeclareTraces declares ACLK and every relayed signal.
func (p *Protocol) DeclareTraces(sink tracing.Sink) error {
	if err := sink.Declare(AClk, 1); err != nil {
		return err
	}

	for _, s := range relayed {
		if err := sink.Declare(s.name, s.width(p)); err != nil {
			return err
		}
	}

	return nil
}

func (p *Protocol) ends(s channelSignal) (src, dst *bus.Device) {
	if s.dir == toResponder {
		return p.initiator, p.responder
	}

	return p.responder, p.initiator
}

// RunInit drives ACLK and ARESETn high and every channel signal Z.
func (p *Protocol) RunInit() error {
	p.phase = PhaseHold

	clk := signal.New(1, signal.Bit1)
	p.initiator.Drive(AClk, clk)
	p.responder.Drive(AClk, clk)

	if err := p.bus.Record(AClk, clk); err != nil {
		return err
	}

	for _, s := range relayed {
		src, dst := p.ends(s)
		width := s.width(p)

		v := signal.New(width, signal.BitZ)
		if s.name == AResetN {
			v = signal.New(width, signal.Bit1)
		}

		src.Expect(s.name, width)
		dst.Drive(s.name, v)

		if err := p.bus.Record(s.name, v); err != nil {
			return err
		}
	}

	return nil
}

// RunRun moves the clock to the next phase and relays every channel signal.
func (p *Protocol) RunRun() error {
	p.phase = (p.phase + 1) % 4
	if err := p.bus.AdvanceTime(p.phases[p.phase], -12); err != nil {
		return err
	}

	clk := signal.New(1, signal.Bit0)
	if p.phase/2 == 0 {
		clk[0] = signal.Bit1
	}

	p.initiator.Drive(AClk, clk)
	p.responder.Drive(AClk, clk)

	if err := p.bus.Record(AClk, clk); err != nil {
		return err
	}

	for _, s := range relayed {
		if err := p.relay(s); err != nil {
			return err
		}
	}

	p.log.WithFields(logrus.Fields{
		"phase": p.phase,
		"time":  p.bus.Now(),
	}).Debug("clock phase")

	return nil
}

// relay copies the value the source reported to the destination. While the
// source has not reported a signal, the destination keeps its initial value.
func (p *Protocol) relay(s channelSignal) error {
	src, dst := p.ends(s)
	width := s.width(p)

	v, found := src.In(s.name)
	if !found {
		return p.bus.Record(s.name, dst.Outbound[s.name])
	}

	if v.Width() != width {
		return &signal.EncodingError{
			Device: src.Ident,
			Signal: s.name,
			Bit:    -1,
			Reason: "relayed width " + strconv.Itoa(v.Width()) +
				", expected " + strconv.Itoa(width),
		}
	}

	dst.Drive(s.name, v)

	return p.bus.Record(s.name, v)
}

var _ bus.Protocol = (*Protocol)(nil)
