package signal

import (
	"strconv"
	"strings"
)

// An EncodingError reports a signal whose width or bit values cannot be
// trusted. It is a protocol desync and the bus cannot continue after it.
type EncodingError struct {
	// Device is the identity of the device involved, or -1 if unknown.
	Device int
	// Signal is the signal name, if known.
	Signal string
	// Bit is the storage index of the offending bit, or -1 if the whole
	// value is at fault.
	Bit    int
	Reason string
}

func (e *EncodingError) Error() string {
	var sb strings.Builder

	sb.WriteString("encoding error")
	if e.Device >= 0 {
		sb.WriteString(": device ")
		sb.WriteString(itoa(e.Device))
	}

	if e.Signal != "" {
		sb.WriteString(": signal ")
		sb.WriteString(e.Signal)
	}

	if e.Bit >= 0 {
		sb.WriteString(": bit[")
		sb.WriteString(itoa(e.Bit))
		sb.WriteString("]")
	}

	sb.WriteString(": ")
	sb.WriteString(e.Reason)

	return sb.String()
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
