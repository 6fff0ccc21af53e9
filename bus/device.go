package bus

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/sarchlab/simbus/signal"
	"github.com/sarchlab/simbus/timing"
)

// Role tells whether a device masters the bus or only answers it.
type Role int

// The roles a device can take.
const (
	Initiator Role = iota
	Responder
)

func (r Role) String() string {
	switch r {
	case Initiator:
		return "initiator"
	case Responder:
		return "responder"
	}

	return "unknown"
}

// ParseRole converts a role name. "host" and "device" are accepted as
// aliases of "initiator" and "responder".
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(s) {
	case "initiator", "host":
		return Initiator, nil
	case "responder", "device":
		return Responder, nil
	}

	return 0, errors.Errorf("unknown device role %q", s)
}

// A Conn is the connection to a device simulator.
type Conn interface {
	Write(p []byte) (n int, err error)
	Close() error
}

// SignalMap maps signal names to values.
type SignalMap map[string]signal.Value

// Clone returns a deep copy of the map.
func (m SignalMap) Clone() SignalMap {
	c := make(SignalMap, len(m))
	for name, v := range m {
		c[name] = v.Clone()
	}

	return c
}

// Names returns the signal names in order.
func (m SignalMap) Names() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// A Device is one simulator attached to the bus.
type Device struct {
	Ident int
	Name  string
	Role  Role

	// Settings are the key=value pairs the device sent when it joined.
	Settings map[string]string

	Conn Conn

	// Outbound holds the values the bus drives toward the device at the
	// next epoch.
	Outbound SignalMap

	// Inbound holds the values the device reported most recently.
	Inbound SignalMap

	// ReportedTime is the time of the last ready report.
	ReportedTime timing.SimTime

	ready    bool
	expected map[string]int
}

// NewDevice creates a device entry.
func NewDevice(ident int, name string, role Role, conn Conn) *Device {
	return &Device{
		Ident:    ident,
		Name:     name,
		Role:     role,
		Settings: make(map[string]string),
		Conn:     conn,
		Outbound: make(SignalMap),
		Inbound:  make(SignalMap),
		expected: make(map[string]int),
	}
}

// IsInitiator reports whether the device is an initiator.
func (d *Device) IsInitiator() bool {
	return d.Role == Initiator
}

// Ready reports whether the device has reported for the current epoch.
func (d *Device) Ready() bool {
	return d.ready
}

// Expect declares that the device may report the named signal with the given
// width. Reports of undeclared signals are ignored.
func (d *Device) Expect(name string, width int) {
	d.expected[name] = width
}

// Expected returns the declared width of an inbound signal.
func (d *Device) Expected(name string) (width int, ok bool) {
	width, ok = d.expected[name]

	return width, ok
}

// Drive sets the value the bus sends to the device for a signal. The value
// is copied.
func (d *Device) Drive(name string, v signal.Value) {
	d.Outbound[name] = v.Clone()
}

// DriveBit sets a bit of an outbound signal. The signal must already be
// driven with a wide enough value.
func (d *Device) DriveBit(name string, idx int, b signal.Bit) error {
	v, found := d.Outbound[name]
	if !found {
		return errors.Errorf("device %d does not drive %s", d.Ident, name)
	}

	if idx < 0 || idx >= len(v) {
		return &signal.EncodingError{
			Device: d.Ident,
			Signal: name,
			Bit:    idx,
			Reason: "bit index out of range",
		}
	}

	v[idx] = b

	return nil
}

// In returns the last reported value of a signal.
func (d *Device) In(name string) (signal.Value, bool) {
	v, found := d.Inbound[name]

	return v, found
}

// InBit returns bit 0 of the last reported value of a signal. The bool is
// false if the device never reported the signal.
func (d *Device) InBit(name string) (signal.Bit, bool) {
	v, found := d.Inbound[name]
	if !found || len(v) == 0 {
		return signal.BitZ, false
	}

	return v[0], true
}

func (d *Device) accept(name string, v signal.Value) (known bool, err error) {
	width, known := d.expected[name]
	if !known {
		return false, nil
	}

	if v.Width() != width {
		return true, &signal.EncodingError{
			Device: d.Ident,
			Signal: name,
			Bit:    -1,
			Reason: "reported width " + itoa(v.Width()) +
				", expected " + itoa(width),
		}
	}

	d.Inbound[name] = v.Clone()

	return true, nil
}
