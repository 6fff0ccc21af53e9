// Package protocol selects the bus protocol by name.
package protocol

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/sarchlab/simbus/bus"
	"github.com/sarchlab/simbus/protocol/axi4"
	"github.com/sarchlab/simbus/protocol/pci"
)

// Kind names a bus protocol.
type Kind string

// The supported protocols.
const (
	PCI  Kind = pci.Name
	AXI4 Kind = axi4.Name
)

// Kinds lists the supported protocols.
var Kinds = []Kind{PCI, AXI4}

// ParseKind converts a protocol name, ignoring case.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(s))
	for _, known := range Kinds {
		if k == known {
			return k, nil
		}
	}

	return "", errors.Errorf("unknown protocol %q", s)
}

// New creates the protocol for the bus. Every device must already be
// attached. The protocol is also set on the bus.
func New(kind Kind, b *bus.Bus) (bus.Protocol, error) {
	var (
		p   bus.Protocol
		err error
	)

	switch kind {
	case PCI:
		p, err = pci.New(b)
	case AXI4:
		p, err = axi4.New(b)
	default:
		return nil, errors.Errorf("unknown protocol %q", string(kind))
	}

	if err != nil {
		return nil, err
	}

	b.SetProtocol(p)

	return p, nil
}
