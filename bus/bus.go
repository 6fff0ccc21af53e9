// Package bus holds the devices attached to one simulated bus and runs the
// epoch loop that advances them in lockstep.
package bus

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/sarchlab/simbus/hooking"
	"github.com/sarchlab/simbus/signal"
	"github.com/sarchlab/simbus/timing"
	"github.com/sarchlab/simbus/tracing"
	"github.com/sarchlab/simbus/wire"
	"github.com/sirupsen/logrus"
)

// A Bus owns the devices of one bus instance.
type Bus struct {
	*hooking.HookableBase

	name    string
	options map[string]string
	log     logrus.FieldLogger

	devices []*Device
	byIdent map[int]*Device

	protocol Protocol
	sink     tracing.Sink

	now         timing.SimTime
	epoch       uint64
	initialized bool
	finished    bool
	terminated  bool
}

// New creates an empty bus. The options are passed to the protocol.
func New(name string, opts map[string]string) *Bus {
	options := make(map[string]string, len(opts))
	for k, v := range opts {
		options[k] = v
	}

	return &Bus{
		HookableBase: hooking.NewHookableBase(),
		name:         name,
		options:      options,
		log:          logrus.StandardLogger().WithField("bus", name),
		byIdent:      make(map[int]*Device),
		sink:         tracing.Discard,
	}
}

// SetLogger replaces the logger. The bus name is added as a field.
func (b *Bus) SetLogger(l logrus.FieldLogger) {
	b.log = l.WithField("bus", b.name)
}

// Logger returns the bus logger.
func (b *Bus) Logger() logrus.FieldLogger {
	return b.log
}

// Name returns the bus name.
func (b *Bus) Name() string {
	return b.name
}

// Option returns a protocol option.
func (b *Bus) Option(key string) (string, bool) {
	v, found := b.options[key]

	return v, found
}

// Options returns a copy of the protocol options.
func (b *Bus) Options() map[string]string {
	c := make(map[string]string, len(b.options))
	for k, v := range b.options {
		c[k] = v
	}

	return c
}

// AddDevice attaches a device. Devices are kept in identity order.
func (b *Bus) AddDevice(d *Device) error {
	if b.initialized {
		return errors.Errorf("bus %s: cannot add %s after start", b.name, d.Name)
	}

	if d.Ident < 0 {
		return errors.Errorf("bus %s: negative identity %d", b.name, d.Ident)
	}

	if _, found := b.byIdent[d.Ident]; found {
		return errors.Errorf("bus %s: identity %d already in use", b.name, d.Ident)
	}

	for _, other := range b.devices {
		if other.Name == d.Name {
			return errors.Errorf("bus %s: device %s already attached", b.name, d.Name)
		}
	}

	b.byIdent[d.Ident] = d
	b.devices = append(b.devices, d)
	sort.Slice(b.devices, func(i, j int) bool {
		return b.devices[i].Ident < b.devices[j].Ident
	})

	b.log.WithFields(logrus.Fields{
		"ident": d.Ident,
		"name":  d.Name,
		"role":  d.Role,
	}).Info("device attached")

	return nil
}

// Devices returns the devices in identity order. The slice must not be
// modified.
func (b *Bus) Devices() []*Device {
	return b.devices
}

// NumDevices returns the number of attached devices.
func (b *Bus) NumDevices() int {
	return len(b.devices)
}

// Device returns the device with the given identity.
func (b *Bus) Device(ident int) (*Device, error) {
	d, found := b.byIdent[ident]
	if !found {
		return nil, errors.Wrapf(ErrUnknownDevice, "identity %d", ident)
	}

	return d, nil
}

// SetProtocol sets the protocol that computes the epochs.
func (b *Bus) SetProtocol(p Protocol) {
	b.protocol = p
}

// Protocol returns the protocol of the bus.
func (b *Bus) Protocol() Protocol {
	return b.protocol
}

// Init declares the traces and sets the initial signals. A nil sink discards
// the trace.
func (b *Bus) Init(sink tracing.Sink) error {
	if b.protocol == nil {
		return ErrNoProtocol
	}

	if b.initialized {
		return errors.Errorf("bus %s already initialized", b.name)
	}

	if sink != nil {
		b.sink = sink
	}

	if err := b.protocol.DeclareTraces(b.sink); err != nil {
		return errors.Wrap(err, "declare traces")
	}

	if err := b.protocol.RunInit(); err != nil {
		return errors.Wrapf(err, "initialize %s", b.protocol.Name())
	}

	b.initialized = true

	b.log.WithField("protocol", b.protocol.Name()).Info("bus initialized")
	b.InvokeHook(hooking.HookCtx{
		Domain: b,
		Pos:    HookPosInit,
		Item:   EpochInfo{Epoch: b.epoch, Now: b.now},
	})

	return nil
}

// Record writes a traced value at the current time.
func (b *Bus) Record(name string, v signal.Value) error {
	return b.sink.Record(b.now, name, v)
}

// Deliver consumes a ready report from a device. Reported signals the device
// is not expected to drive are logged and ignored. A width mismatch is an
// encoding error.
func (b *Bus) Deliver(ident int, r wire.Ready) error {
	d, err := b.Device(ident)
	if err != nil {
		return err
	}

	if d.ready {
		return errors.Wrapf(ErrDuplicateReport, "device %d", ident)
	}

	for _, a := range r.Signals {
		known, err := d.accept(a.Name, a.Value)
		if err != nil {
			return err
		}

		if !known {
			b.log.WithFields(logrus.Fields{
				"ident":  ident,
				"signal": a.Name,
			}).Warn("ignoring unknown signal")
			b.InvokeHook(hooking.HookCtx{
				Domain: b,
				Pos:    HookPosUnknownSignal,
				Item:   d,
				Detail: a.Name,
			})
		}
	}

	d.ReportedTime = r.Time
	d.ready = true

	b.log.WithFields(logrus.Fields{
		"ident": ident,
		"time":  r.Time,
	}).Debug("device ready")

	return nil
}

// MarkReady marks a device as ready without changing its signals.
func (b *Bus) MarkReady(ident int) error {
	d, err := b.Device(ident)
	if err != nil {
		return err
	}

	d.ready = true

	return nil
}

// AllReady reports whether every device has reported in this epoch.
func (b *Bus) AllReady() bool {
	for _, d := range b.devices {
		if !d.ready {
			return false
		}
	}

	return true
}

// Finish sets the termination flag. The next AdvanceEpoch sends FINISH to
// every device instead of running the protocol.
func (b *Bus) Finish() {
	b.finished = true
}

// Finished reports whether the termination flag is set.
func (b *Bus) Finished() bool {
	return b.finished
}

// Terminated reports whether FINISH has been sent.
func (b *Bus) Terminated() bool {
	return b.terminated
}

// Now returns the current simulated time.
func (b *Bus) Now() timing.SimTime {
	return b.now
}

// Epoch returns the number of epochs run.
func (b *Bus) Epoch() uint64 {
	return b.epoch
}

// AdvanceTime moves the simulated time forward by mant x 10^exp seconds.
func (b *Bus) AdvanceTime(mant uint64, exp int) error {
	return b.now.Advance(mant, exp)
}

// AdvanceEpoch runs one epoch. It clears the ready flags, runs the protocol
// and sends the new signals to every device. If the termination flag is set,
// before or during the epoch, FINISH is sent instead and every connection is
// closed. Once terminated, AdvanceEpoch does nothing.
func (b *Bus) AdvanceEpoch() error {
	if b.terminated {
		return nil
	}

	if b.finished {
		return b.terminate()
	}

	if !b.initialized {
		return errors.Errorf("bus %s is not initialized", b.name)
	}

	if !b.AllReady() {
		return ErrNotReady
	}

	for _, d := range b.devices {
		d.ready = false
	}

	b.InvokeHook(hooking.HookCtx{
		Domain: b,
		Pos:    HookPosEpochStart,
		Item:   EpochInfo{Epoch: b.epoch, Now: b.now},
	})

	if err := b.protocol.RunRun(); err != nil {
		return errors.Wrapf(err, "epoch %d", b.epoch)
	}

	b.epoch++

	if b.finished {
		return b.terminate()
	}

	if err := b.broadcast(); err != nil {
		return err
	}

	b.InvokeHook(hooking.HookCtx{
		Domain: b,
		Pos:    HookPosEpochEnd,
		Item:   EpochInfo{Epoch: b.epoch, Now: b.now},
	})

	return nil
}

func (b *Bus) broadcast() error {
	for _, d := range b.devices {
		line, err := wire.FormatUntil(b.now, d.Outbound)
		if err != nil {
			var encErr *signal.EncodingError
			if errors.As(err, &encErr) {
				encErr.Device = d.Ident
			}

			return err
		}

		if err := wire.WriteLine(d.Conn, line); err != nil {
			return errors.Wrapf(err, "device %d", d.Ident)
		}
	}

	return nil
}

func (b *Bus) terminate() error {
	b.terminated = true

	var firstErr error
	for _, d := range b.devices {
		if d.Conn == nil {
			continue
		}

		err := wire.WriteMessage(d.Conn, wire.Finish{})
		if err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "device %d", d.Ident)
		}

		if err := d.Conn.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "close device %d", d.Ident)
		}
	}

	if err := b.sink.Flush(); err != nil && firstErr == nil {
		firstErr = errors.Wrap(err, "flush trace")
	}

	b.log.WithFields(logrus.Fields{
		"epoch": b.epoch,
		"time":  b.now,
	}).Info("bus finished")
	b.InvokeHook(hooking.HookCtx{
		Domain: b,
		Pos:    HookPosFinish,
		Item:   EpochInfo{Epoch: b.epoch, Now: b.now},
	})

	return firstErr
}

var _ hooking.Hookable = (*Bus)(nil)
