package bus

import (
	"strconv"

	"github.com/pkg/errors"
)

var (
	// ErrUnknownDevice is returned when an identity is not on the bus.
	ErrUnknownDevice = errors.New("unknown device")

	// ErrNotReady is returned when an epoch is requested before every
	// device has reported.
	ErrNotReady = errors.New("not every device is ready")

	// ErrDuplicateReport is returned when a device reports twice in the
	// same epoch.
	ErrDuplicateReport = errors.New("device reported twice in one epoch")

	// ErrNoProtocol is returned when the bus is initialized without a
	// protocol.
	ErrNoProtocol = errors.New("bus has no protocol")
)

func itoa(i int) string {
	return strconv.Itoa(i)
}

// A ConfigError reports a protocol that cannot be built from the bus
// options or device roster.
type ConfigError struct {
	Protocol string
	// Key is the option at fault, if any.
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	msg := e.Protocol + ": invalid configuration"
	if e.Key != "" {
		msg += ": option " + e.Key
	}

	return msg + ": " + e.Reason
}
