// Package simbustest provides a scripted device simulator that speaks the
// bus wire protocol. It is meant for tests of code that runs a bus server.
package simbustest

import (
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/sarchlab/simbus/signal"
	"github.com/sarchlab/simbus/timing"
	"github.com/sarchlab/simbus/wire"
)

// ErrRejected is returned by Dial when the server answers NAK.
var ErrRejected = errors.New("device rejected by the server")

// DefaultTimeout bounds every read from the server.
const DefaultTimeout = 5 * time.Second

// Device is one end of a connection to a bus server.
type Device struct {
	Ident   int
	Timeout time.Duration

	conn net.Conn
	r    *wire.Reader
	ref  map[string]signal.Value
}

// Dial connects to the server and joins the bus under the given name.
func Dial(addr, name string, settings map[string]string) (*Device, error) {
	conn, err := net.DialTimeout("tcp", addr, DefaultTimeout)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}

	d := &Device{
		Timeout: DefaultTimeout,
		conn:    conn,
		r:       wire.NewReader(conn),
		ref:     make(map[string]signal.Value),
	}

	err = wire.WriteMessage(conn, wire.Hello{Name: name, Settings: settings})
	if err != nil {
		conn.Close()
		return nil, err
	}

	msg, err := d.read()
	if err != nil {
		conn.Close()
		return nil, err
	}

	switch m := msg.(type) {
	case wire.YouAre:
		d.Ident = m.Ident
		return d, nil
	case wire.Nak:
		conn.Close()
		return nil, errors.Wrap(ErrRejected, name)
	}

	conn.Close()

	return nil, errors.Errorf("unexpected %s during handshake", msg.Command())
}

// Ready reports the values the device drives at time t. Bits that match the
// last value the server sent for the same signal are reported as Z.
func (d *Device) Ready(t timing.SimTime, sigs map[string]signal.Value) error {
	out := make(map[string]signal.Value, len(sigs))

	for name, v := range sigs {
		ref, found := d.ref[name]
		if !found {
			out[name] = v
			continue
		}

		collapsed, err := signal.Collapse(v, ref)
		if err != nil {
			return errors.Wrap(err, name)
		}

		out[name] = collapsed
	}

	return wire.WriteMessage(d.conn, wire.Ready{Time: t, Signals: wire.Sorted(out)})
}

// Finish asks the server to end the simulation.
func (d *Device) Finish() error {
	return wire.WriteMessage(d.conn, wire.Finish{})
}

// Next reads the next message from the server. The signals of an UNTIL
// become the reference of later Ready calls.
func (d *Device) Next() (wire.Message, error) {
	msg, err := d.read()
	if err != nil {
		return nil, err
	}

	if u, ok := msg.(wire.Until); ok {
		for _, a := range u.Signals {
			d.ref[a.Name] = a.Value
		}
	}

	return msg, nil
}

// Until reads the next message and fails unless it is an UNTIL.
func (d *Device) Until() (wire.Until, error) {
	msg, err := d.Next()
	if err != nil {
		return wire.Until{}, err
	}

	u, ok := msg.(wire.Until)
	if !ok {
		return wire.Until{}, errors.Errorf("expected UNTIL, got %s", msg.Command())
	}

	return u, nil
}

// Signal returns the last value the server sent for a signal.
func (d *Device) Signal(name string) (signal.Value, bool) {
	v, found := d.ref[name]
	return v, found
}

// Close closes the connection.
func (d *Device) Close() error {
	return d.conn.Close()
}

func (d *Device) read() (wire.Message, error) {
	if d.Timeout > 0 {
		if err := d.conn.SetReadDeadline(time.Now().Add(d.Timeout)); err != nil {
			return nil, err
		}
	}

	return d.r.ReadMessage()
}
