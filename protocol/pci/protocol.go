// Package pci implements a 32/64-bit PCI bus: the bus clock, the wired-AND
// reset, a round-robin arbiter, interrupt routing and the blending of the
// shared lines.
package pci

import (
	"strconv"

	"github.com/sarchlab/simbus/bus"
	"github.com/sarchlab/simbus/hooking"
	"github.com/sarchlab/simbus/signal"
	"github.com/sarchlab/simbus/tracing"
	"github.com/sirupsen/logrus"
)

// Name is the protocol name.
const Name = "pci"

// ParkMode tells where the grant goes when nobody requests the bus.
type ParkMode int

// Park modes.
const (
	// ParkLast leaves the grant with the last granted device.
	ParkLast ParkMode = iota
	// ParkNone withdraws the grant.
	ParkNone
)

const noGrant = -1

// halfPeriods maps the clock option to half a clock period in picoseconds.
var halfPeriods = map[string]uint64{
	"33": 15000,
	"66": 7500,
}

// Protocol is the PCI protocol state machine.
type Protocol struct {
	bus *bus.Bus
	log logrus.FieldLogger

	halfPeriod uint64
	park       ParkMode

	clk     signal.Bit
	granted int
	reqN    [MaxDevices]signal.Bit
	resetN  signal.Bit
}

// New creates a PCI protocol for the bus. It reads the "pci_clock" option
// ("33" or "66" MHz, default "33") and the "GNT_park" option ("last" or
// "none", default "last"). Every device identity must be below MaxDevices.
func New(b *bus.Bus) (*Protocol, error) {
	p := &Protocol{
		bus:     b,
		log:     b.Logger().WithField("protocol", Name),
		clk:     signal.Bit1,
		granted: noGrant,
		resetN:  signal.Bit1,
	}

	clock, found := b.Option("pci_clock")
	if !found {
		clock = "33"
	}

	p.halfPeriod, found = halfPeriods[clock]
	if !found {
		return nil, &bus.ConfigError{
			Protocol: Name,
			Key:      "pci_clock",
			Reason:   "must be 33 or 66, got " + strconv.Quote(clock),
		}
	}

	park, _ := b.Option("GNT_park")
	switch park {
	case "", "last":
		p.park = ParkLast
	case "none":
		p.park = ParkNone
	default:
		return nil, &bus.ConfigError{
			Protocol: Name,
			Key:      "GNT_park",
			Reason:   "must be last or none, got " + strconv.Quote(park),
		}
	}

	for _, d := range b.Devices() {
		if d.Ident >= MaxDevices {
			return nil, &bus.ConfigError{
				Protocol: Name,
				Reason: "device " + d.Name + " has identity " +
					strconv.Itoa(d.Ident) + ", the bus has " +
					strconv.Itoa(MaxDevices) + " slots",
			}
		}
	}

	for i := range p.reqN {
		p.reqN[i] = signal.Bit1
	}

	return p, nil
}

// Name returns "pci".
func (p *Protocol) Name() string {
	return Name
}

// Granted returns the identity of the granted device, or -1.
func (p *Protocol) Granted() int {
	return p.granted
}

// HalfPeriod returns half a clock period in picoseconds.
func (p *Protocol) HalfPeriod() uint64 {
	return p.halfPeriod
}

// DeclareTraces declares the bus lines and the REQ#/GNT# vectors.
func (p *Protocol) DeclareTraces(sink tracing.Sink) error {
	traces := []line{{PCIClk, 1}, {ResetN, 1}}
	traces = append(traces, sharedLines...)
	traces = append(traces, line{ReqN, MaxDevices}, line{GntN, MaxDevices})

	for _, t := range traces {
		if err := sink.Declare(t.name, t.width); err != nil {
			return err
		}
	}

	return nil
}

// RunInit drives the clock high, every GNT# high and the shared lines Z.
// Initiators receive the interrupt vectors, responders receive RESET#.
func (p *Protocol) RunInit() error {
	p.granted = noGrant
	p.clk = signal.Bit1
	p.resetN = signal.Bit1

	for _, d := range p.bus.Devices() {
		d.Drive(PCIClk, signal.New(1, signal.Bit1))
		d.Drive(GntN, signal.New(1, signal.Bit1))
		d.Drive(IDSel, signal.New(1, signal.BitZ))

		for _, l := range sharedLines {
			d.Drive(l.name, signal.New(l.width, signal.BitZ))
			d.Expect(l.name, l.width)
			d.Inbound[l.name] = signal.New(l.width, signal.BitZ)
		}

		d.Expect(ReqN, 1)

		if d.IsInitiator() {
			for _, name := range interruptLines {
				d.Drive(name, signal.New(MaxDevices, signal.Bit1))
			}

			d.Expect(ResetN, 1)
		} else {
			d.Drive(ResetN, signal.New(1, signal.Bit1))

			for _, name := range interruptLines {
				d.Expect(name, 1)
			}
		}
	}

	return p.trace()
}

// RunRun advances the bus by half a clock period.
func (p *Protocol) RunRun() error {
	if err := p.advanceClock(); err != nil {
		return err
	}

	p.resetN = p.calculateResetN()

	if err := p.arbitrate(); err != nil {
		return err
	}

	if err := p.routeInterrupts(); err != nil {
		return err
	}

	if err := p.blendSharedLines(); err != nil {
		return err
	}

	for _, d := range p.bus.Devices() {
		d.Drive(PCIClk, signal.Value{p.clk})

		if !d.IsInitiator() {
			d.Drive(ResetN, signal.Value{p.resetN})
		}
	}

	return p.trace()
}

func (p *Protocol) advanceClock() error {
	if err := p.bus.AdvanceTime(p.halfPeriod, -12); err != nil {
		return err
	}

	if p.clk == signal.Bit1 {
		p.clk = signal.Bit0
	} else {
		p.clk = signal.Bit1
	}

	return nil
}

// calculateResetN is the wired-AND of the RESET# outputs of the initiators.
// Initiators that never reported RESET# are ignored.
func (p *Protocol) calculateResetN() signal.Bit {
	resetN := signal.Bit1

	for _, d := range p.bus.Devices() {
		if !d.IsInitiator() {
			continue
		}

		b, found := d.InBit(ResetN)
		switch {
		case !found, b == signal.Bit1:
			continue
		case b == signal.Bit0:
			return signal.Bit0
		default:
			resetN = signal.BitX
		}
	}

	return resetN
}

// arbitrate samples REQ# on the rising clock edge and moves the grant to the
// next requesting device after the current one.
func (p *Protocol) arbitrate() error {
	if p.clk != signal.Bit1 {
		return nil
	}

	requests := 0
	for i := range p.reqN {
		p.reqN[i] = signal.Bit1
	}

	for _, d := range p.bus.Devices() {
		b, found := d.InBit(ReqN)
		if !found || b == signal.BitZ {
			continue
		}

		p.reqN[d.Ident] = b
		if b == signal.Bit0 {
			requests++
		}
	}

	if requests == 0 {
		if p.park == ParkNone && p.granted != noGrant {
			return p.moveGrant(noGrant)
		}

		return nil
	}

	// Without a grant the search resumes after slot 0, which is checked last.
	cursor := p.granted
	if cursor == noGrant {
		cursor = 0
	}

	next := p.granted
	for i := 1; i <= MaxDevices; i++ {
		id := (cursor + i) % MaxDevices
		if p.reqN[id] == signal.Bit0 {
			next = id
			break
		}
	}

	if next == p.granted {
		return nil
	}

	return p.moveGrant(next)
}

func (p *Protocol) moveGrant(to int) error {
	from := p.granted

	for _, d := range p.bus.Devices() {
		var err error

		switch d.Ident {
		case from:
			err = d.DriveBit(GntN, 0, signal.Bit1)
		case to:
			err = d.DriveBit(GntN, 0, signal.Bit0)
		}

		if err != nil {
			return err
		}
	}

	p.granted = to

	p.log.WithFields(logrus.Fields{
		"from": from,
		"to":   to,
	}).Info("grant")
	p.bus.InvokeHook(hooking.HookCtx{
		Domain: p.bus,
		Pos:    bus.HookPosGrant,
		Item:   bus.GrantChange{From: from, To: to},
	})

	return nil
}

// routeInterrupts collects INTx# from every responder and fans the vectors
// out to every initiator, one bit per responder identity. Undriven lines are
// pulled up.
func (p *Protocol) routeInterrupts() error {
	for _, name := range interruptLines {
		for _, src := range p.bus.Devices() {
			if src.IsInitiator() {
				continue
			}

			b, found := src.InBit(name)
			if !found {
				b = signal.Bit1
			}

			b = signal.PullUp(b)

			for _, dst := range p.bus.Devices() {
				if !dst.IsInitiator() {
					continue
				}

				if err := dst.DriveBit(name, src.Ident, b); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

// blendSharedLines resolves every shared line across all devices and sends
// the result back to all of them. IDSEL of a device is the blended AD line
// at idselBase plus its identity.
func (p *Protocol) blendSharedLines() error {
	blended := make(map[string]signal.Value, len(sharedLines))

	for _, l := range sharedLines {
		acc := signal.New(l.width, signal.BitZ)

		for _, d := range p.bus.Devices() {
			v, found := d.In(l.name)
			if !found {
				continue
			}

			var err error
			acc, err = signal.BlendValue(acc, v)
			if err != nil {
				return &signal.EncodingError{
					Device: d.Ident,
					Signal: l.name,
					Bit:    -1,
					Reason: err.Error(),
				}
			}
		}

		blended[l.name] = acc
	}

	for _, d := range p.bus.Devices() {
		for name, v := range blended {
			d.Drive(name, v)
		}

		d.Drive(IDSel, signal.Value{blended[AD][idselBase+d.Ident]})
	}

	return nil
}

type traced struct {
	name string
	v    signal.Value
}

func (p *Protocol) trace() error {
	values := []traced{
		{PCIClk, signal.Value{p.clk}},
		{ResetN, signal.Value{p.resetN}},
		{ReqN, signal.Value(p.reqN[:])},
		{GntN, p.grantVector()},
	}

	if devices := p.bus.Devices(); len(devices) > 0 {
		for _, l := range sharedLines {
			values = append(values, traced{l.name, devices[0].Outbound[l.name]})
		}
	}

	for _, t := range values {
		if err := p.bus.Record(t.name, t.v); err != nil {
			return err
		}
	}

	return nil
}

func (p *Protocol) grantVector() signal.Value {
	v := signal.New(MaxDevices, signal.Bit1)
	if p.granted != noGrant {
		v[p.granted] = signal.Bit0
	}

	return v
}

var _ bus.Protocol = (*Protocol)(nil)
